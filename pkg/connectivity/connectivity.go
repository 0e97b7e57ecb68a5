package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Oracle answers whether the remote store is currently reachable.
type Oracle interface {
	Online() bool
}

// Prober checks remote reachability. remote.Store satisfies it.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor holds the last known connectivity state and fans out transitions.
// The platform layer may push state with Set; Run keeps it fresh by probing.
type Monitor struct {
	online atomic.Bool

	mu   sync.Mutex
	subs []chan bool
}

func NewMonitor(initial bool) *Monitor {
	m := &Monitor{}
	m.online.Store(initial)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Set records the state and notifies subscribers when it changed.
func (m *Monitor) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}

	zap.L().Info("connectivity changed", zap.Bool("online", online))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		// Subscribers that fall behind only need the latest state.
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving every state transition.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Run probes until ctx is done. Each probe is bounded by timeout.
func (m *Monitor) Run(ctx context.Context, p Prober, interval, timeout time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := p.Ping(pctx)
		if err != nil && ctx.Err() == nil {
			zap.L().Debug("connectivity probe failed", zap.Error(err))
		}
		if ctx.Err() == nil {
			m.Set(err == nil)
		}
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// Static is a fixed Oracle for tests and offline tooling.
type Static bool

func (s Static) Online() bool { return bool(s) }
