package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"isokb/internal/engine"
	"isokb/internal/faults"
	"isokb/internal/namespace"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session is one isolated knowledge base. Its facts, rules and query
// results are invisible to every other session sharing the engine.
//
// A Session is safe for concurrent use; its operations are applied in the
// order they reach the engine.
type Session struct {
	id      namespace.ID
	uuid    uuid.UUID
	label   string
	handle  *engine.Handle
	manager *Manager

	disposed atomic.Bool

	// opMu is held shared by running operations and exclusively by
	// Dispose, so nothing reaches the namespace after it is erased.
	opMu sync.RWMutex

	disposeMu sync.Mutex

	mu      sync.Mutex
	cursors map[*engine.Cursor]struct{}

	cleanup runtime.Cleanup
}

// ID returns the namespace id.
func (s *Session) ID() namespace.ID { return s.id }

// UUID returns the session's unique identifier.
func (s *Session) UUID() uuid.UUID { return s.uuid }

// Label returns the label given at creation.
func (s *Session) Label() string { return s.label }

// IsDisposed reports whether Dispose has started.
func (s *Session) IsDisposed() bool { return s.disposed.Load() }

// String implements fmt.Stringer.
func (s *Session) String() string {
	if s.label == "" {
		return fmt.Sprintf("session %s (ns %s)", s.uuid, s.id)
	}
	return fmt.Sprintf("session %q %s (ns %s)", s.label, s.uuid, s.id)
}

// guard fails cursor steps once disposal has begun.
func (s *Session) guard() error {
	if s.disposed.Load() {
		return faults.ErrUseAfterDispose
	}
	return nil
}

// begin admits one operation. The returned func must be called when the
// operation is done.
func (s *Session) begin() (func(), error) {
	if s.disposed.Load() {
		return nil, faults.ErrUseAfterDispose
	}
	s.opMu.RLock()
	if s.disposed.Load() {
		s.opMu.RUnlock()
		return nil, faults.ErrUseAfterDispose
	}
	return s.opMu.RUnlock, nil
}

// Assert adds exactly one fact, rule or declaration.
func (s *Session) Assert(ctx context.Context, clause string) error {
	done, err := s.begin()
	if err != nil {
		return err
	}
	defer done()
	return s.handle.Assert(ctx, s.id, clause)
}

// Consult loads a whole knowledge base. Nothing is applied unless every
// clause is valid.
func (s *Session) Consult(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read knowledge base: %w", err)
	}
	return s.ConsultString(ctx, string(data))
}

// ConsultString is Consult for in-memory text.
func (s *Session) ConsultString(ctx context.Context, text string) error {
	done, err := s.begin()
	if err != nil {
		return err
	}
	defer done()
	return s.handle.Consult(ctx, s.id, text)
}

// ConsultFile loads the knowledge base stored at path.
func (s *Session) ConsultFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open knowledge base: %w", err)
	}
	defer f.Close()
	return s.Consult(ctx, f)
}

// Declare makes pred/arity known without asserting any fact, so queries
// and negations over it succeed with an empty relation.
func (s *Session) Declare(ctx context.Context, pred string, arity int) error {
	if arity < 0 {
		return faults.Malformed(pred, fmt.Errorf("negative arity %d", arity))
	}
	args := make([]string, arity)
	for i := range args {
		args[i] = fmt.Sprintf("A%d", i)
	}
	return s.Assert(ctx, fmt.Sprintf("Decl %s(%s).", pred, strings.Join(args, ", ")))
}

// Query returns a lazy cursor over the solutions of goal. The cursor fails
// with ErrUseAfterDispose if the session is disposed while it is open.
func (s *Session) Query(ctx context.Context, goal string, opts ...QueryOption) (*engine.Cursor, error) {
	var qo queryOptions
	for _, opt := range opts {
		opt(&qo)
	}
	limit := s.manager.config.DefaultQueryLimit
	if qo.limitSet {
		limit = qo.limit
	}
	if limit < 0 {
		return nil, faults.Malformed(goal, fmt.Errorf("negative limit %d", limit))
	}

	done, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	cur, err := s.handle.Query(ctx, s.id, goal, engine.QueryOptions{Limit: limit, Guard: s.guard})
	if err != nil {
		return nil, err
	}
	s.track(cur)
	return cur, nil
}

// Solve drains a query into a slice.
func (s *Session) Solve(ctx context.Context, goal string, opts ...QueryOption) ([]engine.Solution, error) {
	cur, err := s.Query(ctx, goal, opts...)
	if err != nil {
		return nil, err
	}
	return cur.Collect()
}

// Holds reports whether goal has at least one solution.
func (s *Session) Holds(ctx context.Context, goal string) (bool, error) {
	sols, err := s.Solve(ctx, goal, WithLimit(1))
	if err != nil {
		return false, err
	}
	return len(sols) > 0, nil
}

// Retract removes the first fact matching clause, or the identical rule.
// It reports whether anything was removed.
func (s *Session) Retract(ctx context.Context, clause string) (bool, error) {
	done, err := s.begin()
	if err != nil {
		return false, err
	}
	defer done()
	n, err := s.handle.Retract(ctx, s.id, clause)
	return n > 0, err
}

// RetractAll removes every fact matching head and every rule whose head
// matches it.
func (s *Session) RetractAll(ctx context.Context, head string) (int, error) {
	done, err := s.begin()
	if err != nil {
		return 0, err
	}
	defer done()
	return s.handle.RetractAll(ctx, s.id, head)
}

// Contents lists the session's declarations, facts and rules.
func (s *Session) Contents(ctx context.Context) ([]string, error) {
	done, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	return s.handle.Contents(ctx, s.id)
}

func (s *Session) track(cur *engine.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.cursors {
		if c.Closed() {
			delete(s.cursors, c)
		}
	}
	s.cursors[cur] = struct{}{}
}

// Dispose erases the session's namespace and returns its id to the pool.
// It is idempotent and safe to call concurrently.
//
// If erasure fails the namespace is recorded as leaked and its id is never
// reused; Manager.Reclaim retries it later. The session counts as disposed
// either way.
func (s *Session) Dispose(ctx context.Context) error {
	return s.dispose(ctx, causeExplicit)
}

// Close disposes the session with a background context.
func (s *Session) Close() error {
	return s.Dispose(context.Background())
}

func (s *Session) dispose(ctx context.Context, cause string) error {
	s.disposeMu.Lock()
	defer s.disposeMu.Unlock()

	if s.disposed.Swap(true) {
		return nil
	}
	s.cleanup.Stop()

	// Wait for in-flight operations; new ones now fail.
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	cursors := s.cursors
	s.cursors = nil
	s.mu.Unlock()
	for c := range cursors {
		c.Abort(faults.ErrUseAfterDispose)
	}

	err := s.manager.teardown(ctx, s.id, cause)
	if err != nil {
		s.manager.logger.Warn("session dispose failed",
			zap.Stringer("session", s),
			zap.Error(err))
		return fmt.Errorf("dispose %s: %w", s, err)
	}
	return nil
}

// IsUseAfterDispose reports whether err came from a disposed session.
func IsUseAfterDispose(err error) bool {
	return errors.Is(err, faults.ErrUseAfterDispose)
}
