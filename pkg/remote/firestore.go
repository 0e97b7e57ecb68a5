package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rewards-core/pkg/config"
	"rewards-core/pkg/errutil"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var Module = fx.Module("remote",
	fx.Provide(
		NewFirestoreClient,
		NewFirestore,
		func(f *Firestore) Store { return f },
	),
)

const pingCollection = "_health"

func NewFirestoreClient(lc fx.Lifecycle, cfg *config.Config) (*firestore.Client, error) {
	var opts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		zap.L().Info("using firebase credentials from file", zap.String("path", cfg.Firebase.CredentialsFile))
		opts = append(opts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	} else {
		zap.L().Warn("FIREBASE.CREDENTIALS_FILE not set, using default credentials")
	}

	ctx := context.Background()
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.Firebase.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase init failed: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore init failed: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client, nil
}

// Firestore adapts a firestore client to Store. Every call is bounded by the
// configured remote timeout and errors come back as errutil.BaseError.
type Firestore struct {
	client  *firestore.Client
	timeout time.Duration
}

func NewFirestore(client *firestore.Client, cfg *config.Config) *Firestore {
	timeout := cfg.Sync.RemoteTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Firestore{client: client, timeout: timeout}
}

func (f *Firestore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.timeout)
}

func toFirestore(doc Document) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = firestore.ServerTimestamp
			continue
		}
		out[k] = v
	}
	return out
}

func (f *Firestore) Get(ctx context.Context, collection, id string) (Document, error) {
	ctx, cancel := f.bounded(ctx)
	defer cancel()

	snap, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, errutil.NotFound(fmt.Sprintf("%s/%s not found", collection, id), ErrNotFound)
	}
	if err != nil {
		return nil, errutil.FromRemoteError("failed to read remote document", err)
	}
	return Document(snap.Data()), nil
}

func (f *Firestore) Set(ctx context.Context, collection, id string, doc Document, merge bool) error {
	ctx, cancel := f.bounded(ctx)
	defer cancel()

	var opts []firestore.SetOption
	if merge {
		opts = append(opts, firestore.MergeAll)
	}

	if _, err := f.client.Collection(collection).Doc(id).Set(ctx, toFirestore(doc), opts...); err != nil {
		return errutil.FromRemoteError("failed to write remote document", err)
	}
	return nil
}

func (f *Firestore) Delete(ctx context.Context, collection, id string) error {
	ctx, cancel := f.bounded(ctx)
	defer cancel()

	if _, err := f.client.Collection(collection).Doc(id).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return errutil.FromRemoteError("failed to delete remote document", err)
	}
	return nil
}

func (f *Firestore) BatchWrite(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}

	ctx, cancel := f.bounded(ctx)
	defer cancel()

	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(writes))
	for _, w := range writes {
		ref := f.client.Collection(w.Collection).Doc(w.ID)

		var (
			job *firestore.BulkWriterJob
			err error
		)
		switch {
		case w.Delete:
			job, err = bw.Delete(ref)
		case w.Merge:
			job, err = bw.Set(ref, toFirestore(w.Doc), firestore.MergeAll)
		default:
			job, err = bw.Set(ref, toFirestore(w.Doc))
		}
		if err != nil {
			bw.End()
			return errutil.FromRemoteError("failed to queue remote write", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errutil.FromRemoteError(fmt.Sprintf("%d of %d remote writes failed", len(errs), len(jobs)), errors.Join(errs...))
	}
	return nil
}

func (f *Firestore) Query(ctx context.Context, collection, field string, value any) ([]Document, error) {
	ctx, cancel := f.bounded(ctx)
	defer cancel()

	snaps, err := f.client.Collection(collection).Where(field, "==", value).Documents(ctx).GetAll()
	if err != nil {
		return nil, errutil.FromRemoteError("failed to query remote collection", err)
	}

	out := make([]Document, 0, len(snaps))
	for _, s := range snaps {
		doc := Document(s.Data())
		if _, ok := doc["id"]; !ok {
			doc["id"] = s.Ref.ID
		}
		out = append(out, doc)
	}
	return out, nil
}

// Ping reads a sentinel document; a missing document still proves reachability.
func (f *Firestore) Ping(ctx context.Context) error {
	ctx, cancel := f.bounded(ctx)
	defer cancel()

	_, err := f.client.Collection(pingCollection).Doc("ping").Get(ctx)
	if err == nil || status.Code(err) == codes.NotFound {
		return nil
	}
	return errutil.FromRemoteError("remote store unreachable", err)
}
