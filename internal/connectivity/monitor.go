// Package connectivity tracks whether cadence believes the remote store is
// reachable. The flag is best-effort: online does not guarantee the next
// remote call succeeds.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Prober checks reachability of the remote store.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Monitor holds the connectivity flag and fans out transitions.
type Monitor struct {
	online   atomic.Bool
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	subs     map[int]chan bool
	nextID   int
	override *bool // manual value that probes do not replace
}

// NewMonitor creates a Monitor starting at initial. If interval is <= 0, it
// defaults to 30s. A nil prober leaves the flag under manual control.
func NewMonitor(initial bool, prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   slog.Default(),
		subs:     make(map[int]chan bool),
	}
	m.online.Store(initial)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Set records the flag and notifies subscribers when it changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(online)
}

// SetOverride pins the flag to *v until cleared with nil. Probes leave a
// pinned flag alone. It reports whether the flag changed.
func (m *Monitor) SetOverride(v *bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v == nil {
		if m.override != nil {
			m.logger.Info("connectivity override cleared")
		}
		m.override = nil
		return false
	}
	pinned := *v
	m.override = &pinned
	m.logger.Info("connectivity override set", "online", pinned)
	return m.setLocked(pinned)
}

// Overridden returns the pinned value, or nil while probes drive the flag.
func (m *Monitor) Overridden() *bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.override == nil {
		return nil
	}
	v := *m.override
	return &v
}

func (m *Monitor) setLocked(online bool) bool {
	if m.online.Swap(online) == online {
		return false
	}
	m.logger.Info("connectivity changed", "online", online)

	for _, ch := range m.subs {
		// Keep only the latest value for slow readers.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// Subscribe returns a channel receiving every transition and a cancel func
// that closes it.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// CheckOnce probes the remote store and updates the flag. Without a prober,
// or while an override is set, it returns the current flag.
func (m *Monitor) CheckOnce(ctx context.Context) bool {
	if m.prober == nil || m.Overridden() != nil {
		return m.Online()
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	if err != nil && ctx.Err() != nil {
		return m.Online()
	}
	if err != nil {
		m.logger.Debug("connectivity probe failed", "error", err)
	}
	online := err == nil

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.override != nil {
		// Pinned while the probe was in flight.
		return m.online.Load()
	}
	m.setLocked(online)
	return online
}

// Run probes every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m.prober == nil {
		return
	}
	for {
		m.CheckOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval):
		}
	}
}
