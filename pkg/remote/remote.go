package remote

import (
	"context"
	"errors"
	"time"
)

// Collections mirrored to the remote store.
const (
	CollectionRewardEntries          = "reward_entries"
	CollectionRedemptionTransactions = "redemption_transactions"
	CollectionRedemptionOptions      = "redemption_options"
)

// ErrNotFound is wrapped by Get when the document does not exist.
var ErrNotFound = errors.New("remote document not found")

type serverTimestamp struct{}

// ServerTimestamp in a Document field asks the store to stamp its own clock.
var ServerTimestamp = serverTimestamp{}

// Document is a flat remote record keyed by camelCase field names.
type Document map[string]any

// Write is one element of an atomic batch.
type Write struct {
	Collection string
	ID         string
	Doc        Document
	Merge      bool
	Delete     bool
}

// Store is the subset of the remote document database the core relies on.
// Implementations must honour ctx deadlines.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Set(ctx context.Context, collection, id string, doc Document, merge bool) error
	Delete(ctx context.Context, collection, id string) error
	BatchWrite(ctx context.Context, writes []Write) error
	Query(ctx context.Context, collection, field string, value any) ([]Document, error)
	Ping(ctx context.Context) error
}

func (d Document) String(key string) string {
	v, _ := d[key].(string)
	return v
}

// Int64 accepts the numeric encodings a JSON or Firestore round trip may produce.
func (d Document) Int64(key string) (int64, bool) {
	switch v := d[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func (d Document) Bool(key string) bool {
	v, _ := d[key].(bool)
	return v
}

// Time returns nil when the field is absent or not a timestamp.
func (d Document) Time(key string) *time.Time {
	switch v := d[key].(type) {
	case time.Time:
		return &v
	case *time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil
		}
		return &t
	default:
		return nil
	}
}
