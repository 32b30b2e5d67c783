// Package session hands out isolated knowledge-base sessions over one
// shared engine handle and guarantees their teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"weak"

	"isokb/internal/engine"
	"isokb/internal/faults"
	"isokb/internal/logging"
	"isokb/internal/metrics"
	"isokb/internal/namespace"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Disposal causes, as reported to metrics and logs.
const (
	causeExplicit  = "explicit"
	causeReclaimed = "reclaimed"
	causeCollected = "gc"
	causeShutdown  = "shutdown"
	causeLeaked    = "leak_reclaim"
)

// Manager creates sessions and owns the namespace bookkeeping shared by
// them: the allocator and the registry.
type Manager struct {
	handle   *engine.Handle
	alloc    *namespace.Allocator
	registry *namespace.Registry

	config         Config
	logger         *zap.Logger
	registryLogger *zap.Logger
	metrics        *metrics.Metrics

	mu       sync.Mutex
	sessions map[namespace.ID]weak.Pointer[Session]
	closed   bool

	// reaping tracks cleanup goroutines for sessions collected undisposed.
	reaping sync.WaitGroup
}

// NewManager creates a manager over handle. The handle is not owned until
// Close, which shuts it down.
func NewManager(handle *engine.Handle, opts ...ManagerOption) *Manager {
	m := &Manager{
		handle:   handle,
		config:   DefaultConfig(),
		logger:   zap.NewNop(),
		sessions: make(map[namespace.ID]weak.Pointer[Session]),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registryLogger == nil {
		m.registryLogger = m.logger.Named("registry")
	}
	m.registry = namespace.NewRegistry(m.registryLogger)
	m.alloc = namespace.NewAllocator(m.registry)
	return m
}

var defaultManager = sync.OnceValue(func() *Manager {
	h := engine.Process(engine.DefaultConfig(),
		engine.WithLogger(logging.Get(logging.CategoryEngine)))
	return NewManager(h,
		WithLogger(logging.Get(logging.CategorySession)),
		WithRegistryLogger(logging.Get(logging.CategoryRegistry)))
})

// Default returns the process-wide manager over engine.Process.
func Default() *Manager {
	return defaultManager()
}

// Handle returns the engine handle sessions run on.
func (m *Manager) Handle() *engine.Handle { return m.handle }

// Registry exposes the namespace registry for inspection.
func (m *Manager) Registry() *namespace.Registry { return m.registry }

// New creates a session with a freshly allocated namespace.
func (m *Manager) New(ctx context.Context, opts ...Option) (*Session, error) {
	var co createOptions
	for _, opt := range opts {
		opt(&co)
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, faults.NewEngineFault(faults.KindShutdown, "new_session", nil)
	}
	if err := m.handle.EnsureReady(ctx); err != nil {
		return nil, err
	}

	if co.label != "" && m.config.ReclaimStaleLabels {
		if err := m.reclaimLabel(ctx, co.label); err != nil {
			return nil, err
		}
	}

	id, err := m.alloc.Allocate()
	if err != nil {
		panic(err)
	}
	s := &Session{
		id:      id,
		uuid:    uuid.New(),
		label:   co.label,
		handle:  m.handle,
		manager: m,
		cursors: make(map[*engine.Cursor]struct{}),
	}
	if err := m.registry.Register(id, s.uuid.String(), co.label); err != nil {
		panic(err)
	}
	s.cleanup = runtime.AddCleanup(s, m.collected, id)

	m.mu.Lock()
	m.sessions[id] = weak.Make(s)
	m.mu.Unlock()
	m.metrics.SessionCreated()

	m.logger.Debug("session created",
		zap.Stringer("ns", id),
		zap.String("session", s.uuid.String()),
		zap.String("label", co.label))

	for _, kb := range co.initial {
		if err := s.ConsultString(ctx, kb); err != nil {
			if derr := s.Dispose(context.WithoutCancel(ctx)); derr != nil {
				err = errors.Join(err, derr)
			}
			return nil, fmt.Errorf("load initial knowledge base: %w", err)
		}
	}
	return s, nil
}

// Use runs fn with a new session and disposes it on every exit path,
// including panics. A dispose error is returned only if fn succeeded.
func (m *Manager) Use(ctx context.Context, fn func(*Session) error, opts ...Option) (err error) {
	s, err := m.New(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		derr := s.Dispose(context.WithoutCancel(ctx))
		if err == nil {
			err = derr
		}
	}()
	return fn(s)
}

// Lookup returns the live session carrying label. When several do, the
// most recently created one wins.
func (m *Manager) Lookup(label string) (*Session, bool) {
	entries := m.registry.ByLabel(label)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(entries) - 1; i >= 0; i-- {
		wp, ok := m.sessions[entries[i].ID]
		if !ok {
			continue
		}
		if s := wp.Value(); s != nil && !s.IsDisposed() {
			return s, true
		}
	}
	return nil, false
}

// Sessions returns the live sessions, oldest first.
func (m *Manager) Sessions() []*Session {
	entries := m.registry.Live()
	out := make([]*Session, 0, len(entries))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if wp, ok := m.sessions[e.ID]; ok {
			if s := wp.Value(); s != nil {
				out = append(out, s)
			}
		}
	}
	return out
}

// reclaimLabel disposes the live sessions holding label, as when a
// notebook cell is re-executed.
func (m *Manager) reclaimLabel(ctx context.Context, label string) error {
	var errs []error
	for _, e := range m.registry.ByLabel(label) {
		m.mu.Lock()
		wp := m.sessions[e.ID]
		m.mu.Unlock()

		if s := wp.Value(); s != nil {
			m.logger.Debug("reclaiming stale session", zap.String("label", label), zap.Stringer("ns", e.ID))
			if err := s.dispose(ctx, causeReclaimed); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		// Collected but not yet reaped.
		if err := m.teardown(ctx, e.ID, causeCollected); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// collected runs when a session becomes unreachable without Dispose.
// Cleanups must not block, so the erase happens on its own goroutine.
func (m *Manager) collected(id namespace.ID) {
	m.reaping.Add(1)
	go func() {
		defer m.reaping.Done()
		m.logger.Warn("session collected without dispose", zap.Stringer("ns", id))
		_ = m.teardown(context.Background(), id, causeCollected)
	}()
}

// WaitReaped blocks until cleanup goroutines for collected sessions finish.
func (m *Manager) WaitReaped() {
	m.reaping.Wait()
}

// teardown erases id's namespace, then deregisters and releases it. On
// erase failure the id is marked leaked and kept out of the allocator.
// A shut down engine has already dropped every namespace, so shutdown
// counts as a successful erase.
func (m *Manager) teardown(ctx context.Context, id namespace.ID, cause string) error {
	if !m.registry.MarkDisposing(id) {
		// Another disposer owns this id.
		return nil
	}
	return m.erase(ctx, id, cause)
}

func (m *Manager) erase(ctx context.Context, id namespace.ID, cause string) error {
	if err := m.handle.Erase(ctx, id); err != nil && !faults.IsEngineShutdown(err) {
		m.registry.MarkLeaked(id)
		m.metrics.SetLeaked(len(m.registry.Leaked()))
		m.logger.Warn("namespace erase failed, marked leaked",
			zap.Stringer("ns", id),
			zap.String("cause", cause),
			zap.Error(err))
		return err
	}

	if err := m.registry.Deregister(id); err != nil {
		panic(err)
	}
	if err := m.alloc.Release(id); err != nil {
		panic(err)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.metrics.SessionDisposed(cause)
	m.logger.Debug("session disposed", zap.Stringer("ns", id), zap.String("cause", cause))
	return nil
}

// Reclaim retries erasure of every leaked namespace and returns how many
// were recovered. Failures stay leaked and are reported together.
func (m *Manager) Reclaim(ctx context.Context) (int, error) {
	var (
		recovered int
		errs      []error
	)
	for _, e := range m.registry.Leaked() {
		if !m.registry.ClaimLeaked(e.ID) {
			continue
		}
		if err := m.erase(ctx, e.ID, causeLeaked); err != nil {
			errs = append(errs, fmt.Errorf("reclaim %s: %w", e.ID, err))
			continue
		}
		recovered++
	}
	m.metrics.SetLeaked(len(m.registry.Leaked()))
	if recovered > 0 {
		m.logger.Info("leaked namespaces reclaimed", zap.Int("count", recovered))
	}
	return recovered, errors.Join(errs...)
}

// Close force-disposes every live session, then shuts the engine down.
// Sessions held by callers fail afterwards with ErrUseAfterDispose. New
// fails with an engine-shutdown fault. Calling Close again is a no-op.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, e := range m.registry.Live() {
		m.mu.Lock()
		wp := m.sessions[e.ID]
		m.mu.Unlock()

		if s := wp.Value(); s != nil {
			if err := s.dispose(ctx, causeShutdown); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := m.teardown(ctx, e.ID, causeShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	m.reaping.Wait()

	if err := m.handle.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown engine: %w", err))
	}
	m.logger.Info("session manager closed",
		zap.Int("leaked", len(m.registry.Leaked())),
		zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}
