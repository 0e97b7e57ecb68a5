package testutil

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"rewards-core/pkg/errutil"
	"rewards-core/pkg/remote"
)

// MemoryRemote is an in-memory remote.Store. Set Err to make every call fail
// and Delay to simulate a slow network. Timeout bounds each call the way the
// Firestore store does. All three are read on each call.
type MemoryRemote struct {
	mu    sync.Mutex
	docs  map[string]map[string]remote.Document
	calls map[string]int

	Err     error
	Delay   time.Duration
	Timeout time.Duration
	Now     func() time.Time
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		docs:  make(map[string]map[string]remote.Document),
		calls: make(map[string]int),
		Now:   time.Now,
	}
}

func (m *MemoryRemote) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	delay, failure, timeout := m.Delay, m.Err, m.Timeout
	m.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return errutil.FromRemoteError("remote "+op+" timed out", ctx.Err())
		case <-t.C:
		}
	}
	if failure != nil {
		return errutil.FromRemoteError("remote "+op+" failed", failure)
	}
	return nil
}

func (m *MemoryRemote) stamp(doc remote.Document) remote.Document {
	out := maps.Clone(doc)
	for k, v := range out {
		if v == remote.ServerTimestamp {
			out[k] = m.Now().UTC()
		}
	}
	return out
}

func (m *MemoryRemote) Get(ctx context.Context, collection, id string) (remote.Document, error) {
	if err := m.enter(ctx, "get"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[collection][id]
	if !ok {
		return nil, errutil.NotFound(fmt.Sprintf("%s/%s not found", collection, id), remote.ErrNotFound)
	}
	return maps.Clone(doc), nil
}

func (m *MemoryRemote) Set(ctx context.Context, collection, id string, doc remote.Document, merge bool) error {
	if err := m.enter(ctx, "set"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(collection, id, doc, merge)
	return nil
}

func (m *MemoryRemote) setLocked(collection, id string, doc remote.Document, merge bool) {
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]remote.Document)
	}
	stamped := m.stamp(doc)
	if existing, ok := m.docs[collection][id]; ok && merge {
		maps.Copy(existing, stamped)
		return
	}
	m.docs[collection][id] = stamped
}

func (m *MemoryRemote) Delete(ctx context.Context, collection, id string) error {
	if err := m.enter(ctx, "delete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[collection], id)
	return nil
}

func (m *MemoryRemote) BatchWrite(ctx context.Context, writes []remote.Write) error {
	if err := m.enter(ctx, "batch"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range writes {
		if w.Delete {
			delete(m.docs[w.Collection], w.ID)
			continue
		}
		m.setLocked(w.Collection, w.ID, w.Doc, w.Merge)
	}
	return nil
}

func (m *MemoryRemote) Query(ctx context.Context, collection, field string, value any) ([]remote.Document, error) {
	if err := m.enter(ctx, "query"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []remote.Document
	for id, doc := range m.docs[collection] {
		if doc[field] != value {
			continue
		}
		c := maps.Clone(doc)
		if _, ok := c["id"]; !ok {
			c["id"] = id
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryRemote) Ping(ctx context.Context) error {
	return m.enter(ctx, "ping")
}

// Put seeds a document without counting a call.
func (m *MemoryRemote) Put(collection, id string, doc remote.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(collection, id, doc, false)
}

// Doc returns a copy of the stored document, nil when absent.
func (m *MemoryRemote) Doc(collection, id string) remote.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return nil
	}
	return maps.Clone(doc)
}

// Calls reports how many times op ("get", "set", "delete", "batch", "query", "ping") ran.
func (m *MemoryRemote) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MemoryRemote) Fail(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

// Slow delays every call by delay. A non-zero timeout bounds each call.
func (m *MemoryRemote) Slow(delay, timeout time.Duration) {
	m.mu.Lock()
	m.Delay = delay
	m.Timeout = timeout
	m.mu.Unlock()
}
