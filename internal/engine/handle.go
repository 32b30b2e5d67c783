// Package engine owns the single, process-wide Google Mangle engine and
// partitions it into namespaces.
//
// Mangle has one global predicate namespace. Isolation is obtained by
// qualifying every predicate symbol that enters the engine with the
// namespace prefix (see qualify.go), the same way a shared key-value store
// is partitioned with a key prefix. All primitives are serialized through a
// FIFO semaphore: the engine runs exactly one primitive at a time, in
// arrival order.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"isokb/internal/faults"
	"isokb/internal/metrics"
	"isokb/internal/namespace"

	"github.com/google/mangle/ast"
	"github.com/google/mangle/factstore"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// State is the lifecycle state of a Handle.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Handle is the connection to the shared engine.
type Handle struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	// sem is the single mutual-exclusion point. semaphore.Weighted serves
	// waiters in FIFO order.
	sem *semaphore.Weighted

	startOnce sync.Once

	// Everything below is guarded by sem.
	state     State
	store     factstore.FactStoreWithRemove
	spaces    map[namespace.ID]*space
	factCount int
}

// Option configures a Handle.
type Option func(*Handle)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handle) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handle) { h.metrics = m }
}

// New creates a handle. The engine itself is started lazily by EnsureReady.
// Most programs should use Process instead.
func New(cfg Config, opts ...Option) *Handle {
	h := &Handle{
		config: cfg,
		logger: zap.NewNop(),
		sem:    semaphore.NewWeighted(1),
		state:  StateUninitialized,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var (
	processMu     sync.Mutex
	processHandle *Handle
)

// Process returns the process-wide handle, creating it on first use with
// cfg and opts. Later calls ignore their arguments.
func Process(cfg Config, opts ...Option) *Handle {
	processMu.Lock()
	defer processMu.Unlock()
	if processHandle == nil {
		processHandle = New(cfg, opts...)
	}
	return processHandle
}

// EnsureReady starts the engine exactly once. It is a no-op afterwards,
// including after Shutdown.
func (h *Handle) EnsureReady(ctx context.Context) error {
	var err error
	h.startOnce.Do(func() {
		if err = h.sem.Acquire(ctx, 1); err != nil {
			// Leave the once consumed; start lazily on the next primitive.
			return
		}
		defer h.sem.Release(1)
		h.startLocked()
	})
	return err
}

func (h *Handle) startLocked() {
	if h.state != StateUninitialized {
		return
	}
	h.store = factstore.NewSimpleInMemoryStore()
	h.spaces = make(map[namespace.ID]*space)
	h.state = StateReady
	h.logger.Info("engine started",
		zap.Int("fact_limit", h.config.FactLimit),
		zap.Int("derived_fact_limit", h.config.DerivedFactLimit))
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	var st State
	_ = h.withLock(context.Background(), func() error {
		st = h.state
		return nil
	})
	return st
}

// withLock runs fn with exclusive engine access regardless of state.
func (h *Handle) withLock(ctx context.Context, fn func() error) (err error) {
	start := time.Now()
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	h.metrics.ObserveWait(time.Since(start))
	defer h.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("engine panic recovered", zap.Any("panic", r))
			err = faults.NewEngineFault(faults.KindInternal, "panic", fmt.Errorf("%v", r))
		}
	}()
	return fn()
}

// runWithin executes one primitive with exclusive access to the engine.
// It is the only path by which namespaced state is touched.
func (h *Handle) runWithin(ctx context.Context, op string, fn func() error) error {
	var held time.Duration
	err := h.withLock(ctx, func() error {
		start := time.Now()
		defer func() { held = time.Since(start) }()

		switch h.state {
		case StateShutdown:
			return faults.NewEngineFault(faults.KindShutdown, op, nil)
		case StateUninitialized:
			h.startLocked()
		}
		return fn()
	})
	h.metrics.ObserveOp(op, err, held)
	return err
}

// Shutdown stops the engine. Every later primitive fails with an
// engine-shutdown fault. Calling Shutdown again is a no-op.
func (h *Handle) Shutdown(ctx context.Context) error {
	return h.withLock(ctx, func() error {
		if h.state == StateShutdown {
			return nil
		}
		spaces := len(h.spaces)
		h.state = StateShutdown
		h.spaces = nil
		h.store = nil
		h.factCount = 0
		h.metrics.SetFacts(0)
		h.logger.Info("engine shut down", zap.Int("namespaces_dropped", spaces))
		return nil
	})
}

// Stats summarizes engine contents.
type Stats struct {
	State       State          `json:"state"`
	Namespaces  int            `json:"namespaces"`
	Facts       int            `json:"facts"`
	StoredAtoms int            `json:"stored_atoms"`
	PerSpace    map[string]int `json:"per_space"`
}

// Stats returns a snapshot of engine contents.
func (h *Handle) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := h.withLock(ctx, func() error {
		st.State = h.state
		if h.state != StateReady {
			return nil
		}
		st.Namespaces = len(h.spaces)
		st.Facts = h.factCount
		st.StoredAtoms = h.store.EstimateFactCount()
		st.PerSpace = make(map[string]int, len(h.spaces))
		for id, sp := range h.spaces {
			st.PerSpace[id.String()] = len(sp.facts)
		}
		return nil
	})
	return st, err
}

// ownedPredicates lists the stored predicates qualified with id's prefix.
func (h *Handle) ownedPredicates(id namespace.ID) []ast.PredicateSym {
	var owned []ast.PredicateSym
	for _, sym := range h.store.ListPredicates() {
		if id.Owns(sym.Symbol) {
			owned = append(owned, sym)
		}
	}
	return owned
}

// removePredicate deletes every stored atom of sym and returns the count.
func (h *Handle) removePredicate(sym ast.PredicateSym) int {
	var doomed []ast.Atom
	_ = h.store.GetFacts(ast.NewQuery(sym), func(a ast.Atom) error {
		doomed = append(doomed, a)
		return nil
	})
	removed := 0
	for _, a := range doomed {
		if h.store.Remove(a) {
			removed++
		}
	}
	return removed
}

// countPredicate returns the number of stored atoms of sym.
func (h *Handle) countPredicate(sym ast.PredicateSym) int {
	n := 0
	_ = h.store.GetFacts(ast.NewQuery(sym), func(ast.Atom) error {
		n++
		return nil
	})
	return n
}
