package namespace

import (
	"sort"
	"sync"
	"time"

	"isokb/internal/faults"

	"go.uber.org/zap"
)

// State is the teardown state of a registered namespace.
type State int

const (
	// StateLive means the owning session has not started teardown.
	StateLive State = iota
	// StateDisposing means teardown started but has not finished.
	StateDisposing
	// StateLeaked means erasure failed; the id must not be reused until a
	// later reclaim erases it successfully.
	StateLeaked
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateDisposing:
		return "disposing"
	case StateLeaked:
		return "leaked"
	default:
		return "unknown"
	}
}

// Entry describes one registered namespace.
type Entry struct {
	ID        ID        `json:"id"`
	SessionID string    `json:"session_id"`
	Label     string    `json:"label,omitempty"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry is the process-wide table of namespaces whose teardown has not
// completed. An id is present iff its session has not finished disposal.
type Registry struct {
	mu      sync.RWMutex
	entries map[ID]*Entry
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[ID]*Entry),
		logger:  logger,
	}
}

// Register records id as live. Registering an id twice is an invariant
// violation.
func (r *Registry) Register(id ID, sessionID, label string) error {
	if id.IsZero() {
		return faults.Violation("register zero namespace id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[id]; ok {
		return faults.Violation("namespace %s already registered (state %s)", id, existing.State)
	}
	r.entries[id] = &Entry{
		ID:        id,
		SessionID: sessionID,
		Label:     label,
		State:     StateLive,
		CreatedAt: time.Now(),
	}
	r.logger.Debug("namespace registered", zap.Stringer("ns", id), zap.String("session", sessionID))
	return nil
}

// Deregister removes id once its namespace has been erased.
func (r *Registry) Deregister(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return faults.Violation("deregister unknown namespace %s", id)
	}
	delete(r.entries, id)
	r.logger.Debug("namespace deregistered", zap.Stringer("ns", id))
	return nil
}

// MarkDisposing moves a live id into teardown. It reports false when the id
// is not live, which lets concurrent disposers agree on a single winner.
func (r *Registry) MarkDisposing(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.State != StateLive {
		return false
	}
	e.State = StateDisposing
	return true
}

// MarkLeaked records that erasure of id failed.
func (r *Registry) MarkLeaked(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.State = StateLeaked
		r.logger.Warn("namespace leaked", zap.Stringer("ns", id))
	}
}

// ClaimLeaked moves a leaked id back into teardown for a reclaim attempt.
func (r *Registry) ClaimLeaked(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.State != StateLeaked {
		return false
	}
	e.State = StateDisposing
	return true
}

// IsLive reports whether id is registered and not in teardown.
func (r *Registry) IsLive(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.State == StateLive
}

// Contains reports whether id has any record, live or pending teardown.
func (r *Registry) Contains(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id ID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Live returns the live entries ordered by creation time.
func (r *Registry) Live() []Entry {
	return r.filter(func(e *Entry) bool { return e.State == StateLive })
}

// Leaked returns the entries whose erasure failed.
func (r *Registry) Leaked() []Entry {
	return r.filter(func(e *Entry) bool { return e.State == StateLeaked })
}

// ByLabel returns the live entries carrying label.
func (r *Registry) ByLabel(label string) []Entry {
	if label == "" {
		return nil
	}
	return r.filter(func(e *Entry) bool { return e.State == StateLive && e.Label == label })
}

// Len returns the number of registered ids in any state.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) filter(keep func(*Entry) bool) []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e) {
			out = append(out, *e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.Index < out[j].ID.Index
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
