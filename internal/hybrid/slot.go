// Package hybrid keeps a named piece of state in the local cache and mirrors
// it, best-effort, to a remote store.
//
// Reads and writes never wait on the network for durability: every update is
// committed to the local cache first and then offered to the remote store.
// Remote failures are recorded in the slot's Status and logged; they are never
// returned to the caller.
package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/cadence/internal/storage"
)

// Cache is the durable local store. ReadEntry must return an error matching
// storage.ErrNotFound when the key is absent.
type Cache interface {
	ReadEntry(key string) ([]byte, error)
	WriteEntry(key string, value []byte) error
}

// Connectivity reports the last known online state.
type Connectivity interface {
	Online() bool
}

// Remote is the pair of operations a caller supplies for one data category.
// Either function may be nil. Load reports found=false when the remote store
// holds nothing for the category.
type Remote[T any] struct {
	Load func(ctx context.Context) (v T, found bool, err error)
	Save func(ctx context.Context, v T) (T, error)
}

// RemoteOutcome is the second phase of an update.
type RemoteOutcome int

const (
	RemoteNotConfigured RemoteOutcome = iota
	RemoteSkipped
	RemoteConfirmed
	RemoteFailed
)

var outcomeNames = [...]string{
	RemoteNotConfigured: "not_configured",
	RemoteSkipped:       "skipped_offline",
	RemoteConfirmed:     "confirmed",
	RemoteFailed:        "failed",
}

func (o RemoteOutcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("RemoteOutcome(%d)", int(o))
	}
	return outcomeNames[o]
}

func (o RemoteOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UpdateResult separates "durable locally" from "confirmed remotely".
type UpdateResult struct {
	Version   uint64
	Durable   bool
	Remote    RemoteOutcome
	RemoteErr error
	Status    Status
}

// PullOutcome records what the most recent remote load did to the slot.
type PullOutcome string

const (
	PullAdopted   PullOutcome = "adopted"
	PullNotFound  PullOutcome = "not_found"
	PullDiscarded PullOutcome = "discarded_stale"
	PullFailed    PullOutcome = "failed"
)

// State is a point-in-time view of a slot's sync bookkeeping. LastPull is
// empty until a remote load has finished.
type State struct {
	Key      string      `json:"key"`
	Status   Status      `json:"status"`
	Online   bool        `json:"online"`
	Version  uint64      `json:"version"`
	LastPull PullOutcome `json:"last_pull,omitempty"`
}

type options struct {
	logger *slog.Logger
}

// Option configures a Slot.
type Option func(*options)

// WithLogger sets the logger used for sync diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Slot is the hybrid persistence unit for one key.
type Slot[T any] struct {
	key    string
	def    T
	cache  Cache
	remote Remote[T]
	conn   Connectivity
	logger *slog.Logger

	initOnce sync.Once
	initErr  error

	mu      sync.RWMutex
	value   T
	status  Status
	version  uint64 // bumped by every local update
	opSeq    uint64 // token of the most recently started remote operation
	lastPull PullOutcome
}

// New creates a slot for key. def is adopted when neither the local cache nor
// the remote store has data. A nil conn is treated as always online.
func New[T any](key string, def T, cache Cache, remote Remote[T], conn Connectivity, opts ...Option) *Slot[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Slot[T]{
		key:    key,
		def:    def,
		cache:  cache,
		remote: remote,
		conn:   conn,
		logger: o.logger.With("key", key),
		value:  def,
	}
}

func (s *Slot[T]) Key() string { return s.key }

// Data returns the current in-memory value. Callers must treat reference
// types (slices, maps) as read-only and pass a fresh value to Update.
func (s *Slot[T]) Data() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

func (s *Slot[T]) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Slot[T]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Slot[T]) Online() bool {
	if s.conn == nil {
		return true
	}
	return s.conn.Online()
}

func (s *Slot[T]) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{Key: s.key, Status: s.status, Online: s.Online(), Version: s.version, LastPull: s.lastPull}
}

// Init loads the slot once. Later calls return the first call's result.
//
// The local value (or the default, which is then written to the cache) is
// adopted immediately. When online and a Load is configured, the remote value
// replaces it and overwrites the cache. Remote failures leave the local value
// in place and set StatusError. The returned error only reports local cache
// failures; the slot is usable either way.
func (s *Slot[T]) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.initialize(ctx)
	})
	return s.initErr
}

func (s *Slot[T]) initialize(ctx context.Context) error {
	localErr := s.loadLocal()

	if !s.Online() {
		s.mu.Lock()
		s.status = Transition(s.status, EventOffline)
		s.mu.Unlock()
		return localErr
	}
	if s.remote.Load != nil {
		s.pull(ctx)
	}
	return localErr
}

func (s *Slot[T]) loadLocal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.cache.ReadEntry(s.key)
	switch {
	case err == nil:
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			s.logger.Error("decoding cached value, using default", "error", err)
			s.value = s.def
			return nil
		}
		s.value = v
		return nil
	case errors.Is(err, storage.ErrNotFound):
		s.value = s.def
		if err := s.writeLocked(s.def); err != nil {
			s.logger.Error("writing default to local cache", "error", err)
			return err
		}
		return nil
	default:
		s.logger.Error("reading local cache, using default", "error", err)
		s.value = s.def
		return fmt.Errorf("reading %s from local cache: %w", s.key, err)
	}
}

// Update commits v locally, then offers it to the remote store.
//
// A non-nil error means the local commit failed. Remote outcomes are reported
// only through the result and Status. A newer Update does not cancel an
// in-flight save; only the latest remote operation may move the status.
func (s *Slot[T]) Update(ctx context.Context, v T) (UpdateResult, error) {
	p, err := s.Commit(v)
	if err != nil {
		return p.Result(), err
	}
	return p.Push(ctx), nil
}

// Pending is an update that is durable locally and may still owe a remote
// save.
type Pending[T any] struct {
	slot  *Slot[T]
	value T
	token uint64 // zero when no remote save is due
	res   UpdateResult
}

// Commit runs the local phase of an update: v becomes the slot's value and is
// written to the cache. It never touches the network. When a remote save is
// due the status moves to syncing and the returned Pending owns the slot's
// newest remote operation.
func (s *Slot[T]) Commit(v T) (*Pending[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.value = v
	s.version++
	p := &Pending[T]{slot: s, value: v, res: UpdateResult{Version: s.version}}

	if err := s.writeLocked(v); err != nil {
		p.res.Status = s.status
		s.logger.Error("local cache write failed", "error", err)
		return p, err
	}
	p.res.Durable = true

	switch {
	case !s.Online():
		s.status = Transition(s.status, EventOffline)
		p.res.Remote = RemoteSkipped
		if s.remote.Save == nil {
			p.res.Remote = RemoteNotConfigured
		}
	case s.remote.Save == nil:
		p.res.Remote = RemoteNotConfigured
	default:
		p.token = s.beginLocked()
	}
	p.res.Status = s.status
	return p, nil
}

// Result is the outcome so far: the local phase until Push has run.
func (p *Pending[T]) Result() UpdateResult { return p.res }

// Push runs the remote phase. It returns the local result unchanged when no
// save is due or Push already ran. A stale push still reports its own
// outcome but leaves the status to the newer operation.
func (p *Pending[T]) Push(ctx context.Context) UpdateResult {
	if p.token == 0 {
		return p.res
	}
	s := p.slot

	_, err := s.remote.Save(ctx, p.value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.logger.Warn("remote save failed", "version", p.res.Version, "error", err)
		p.res.Remote = RemoteFailed
		p.res.RemoteErr = err
		s.finishLocked(p.token, EventFail)
	} else {
		p.res.Remote = RemoteConfirmed
		s.finishLocked(p.token, EventSucceed)
	}
	p.token = 0
	p.res.Status = s.status
	return p.res
}

// ForceSync pulls the remote value and adopts it. It returns false without
// touching any state when offline or when no Load is configured.
func (s *Slot[T]) ForceSync(ctx context.Context) bool {
	if s.remote.Load == nil || !s.Online() {
		return false
	}
	return s.pull(ctx)
}

// pull runs a remote Load and adopts its result unless a local update landed
// while the load was in flight. A discarded load still counts as a successful
// sync; State().LastPull tells the two apart.
func (s *Slot[T]) pull(ctx context.Context) bool {
	s.mu.Lock()
	base := s.version
	token := s.beginLocked()
	s.mu.Unlock()

	v, found, err := s.remote.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger.Warn("remote load failed, keeping local value", "error", err)
		s.lastPull = PullFailed
		s.finishLocked(token, EventFail)
		return false
	}
	if s.version != base {
		s.logger.Debug("discarding remote load older than local update", "loaded_at", base, "current", s.version)
		s.lastPull = PullDiscarded
		s.finishLocked(token, EventSucceed)
		return true
	}
	if !found {
		s.lastPull = PullNotFound
		s.finishLocked(token, EventSucceed)
		return true
	}
	s.value = v
	if err := s.writeLocked(v); err != nil {
		s.logger.Error("caching remote value", "error", err)
		s.lastPull = PullFailed
		s.finishLocked(token, EventFail)
		return false
	}
	s.lastPull = PullAdopted
	s.finishLocked(token, EventSucceed)
	return true
}

func (s *Slot[T]) beginLocked() uint64 {
	s.opSeq++
	s.status = Transition(s.status, EventBegin)
	return s.opSeq
}

func (s *Slot[T]) finishLocked(token uint64, e Event) {
	if token != s.opSeq {
		return
	}
	s.status = Transition(s.status, e)
}

func (s *Slot[T]) writeLocked(v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", s.key, err)
	}
	if err := s.cache.WriteEntry(s.key, raw); err != nil {
		return fmt.Errorf("persisting %s locally: %w", s.key, err)
	}
	return nil
}
