package notebook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"isokb/internal/engine"
	"isokb/internal/session"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// QueryResult is the outcome of one query.
type QueryResult struct {
	Goal      string
	Variables []string
	Solutions []engine.Solution
	Err       error
}

// CellResult is the outcome of one cell. Cell failures are recorded here
// and do not stop the notebook.
type CellResult struct {
	Cell      string
	Session   string
	Namespace string
	Retracted int
	Queries   []QueryResult
	Err       error
	Elapsed   time.Duration
}

// Failed reports whether the cell or any of its queries failed.
func (r CellResult) Failed() bool {
	if r.Err != nil {
		return true
	}
	for _, q := range r.Queries {
		if q.Err != nil {
			return true
		}
	}
	return false
}

// Runner executes notebooks against a session manager. It holds the
// sessions of its labels between runs, which is what lets a re-executed
// cell see the knowledge base left by earlier cells.
type Runner struct {
	manager     *session.Manager
	logger      *zap.Logger
	maxParallel int

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMaxParallel bounds concurrently running cells within a group.
func WithMaxParallel(n int) RunnerOption {
	return func(r *Runner) { r.maxParallel = n }
}

// NewRunner creates a runner over m.
func NewRunner(m *session.Manager, opts ...RunnerOption) *Runner {
	r := &Runner{
		manager:     m,
		logger:      zap.NewNop(),
		maxParallel: 4,
		sessions:    make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every cell of nb in order. Adjacent parallel cells run
// concurrently. The returned error is non-nil only if ctx ended the run.
func (r *Runner) Run(ctx context.Context, nb *Notebook) ([]CellResult, error) {
	results := make([]CellResult, 0, len(nb.Cells))
	for _, group := range nb.Groups() {
		groupResults := make([]CellResult, len(group))

		g, gctx := errgroup.WithContext(ctx)
		if r.maxParallel > 0 {
			g.SetLimit(r.maxParallel)
		}
		for i, cell := range group {
			g.Go(func() error {
				groupResults[i] = r.RunCell(gctx, cell)
				return gctx.Err()
			})
		}
		err := g.Wait()
		results = append(results, groupResults...)
		if err != nil {
			return results, err
		}
	}

	failed := 0
	for _, res := range results {
		if res.Failed() {
			failed++
		}
	}
	r.logger.Info("notebook run complete",
		zap.String("title", nb.Title),
		zap.Int("cells", len(results)),
		zap.Int("failed", failed))
	return results, nil
}

// RunCell executes a single cell.
func (r *Runner) RunCell(ctx context.Context, cell Cell) CellResult {
	start := time.Now()
	res := CellResult{Cell: cell.Name, Session: cell.Label()}
	res.Err = r.runCell(ctx, cell, &res)
	res.Elapsed = time.Since(start)
	r.logCell(res)
	return res
}

func (r *Runner) runCell(ctx context.Context, cell Cell, res *CellResult) error {
	s, err := r.sessionFor(ctx, cell)
	if err != nil {
		return err
	}
	res.Namespace = s.ID().String()

	err = r.execute(ctx, s, cell, res)
	if cell.Dispose {
		r.forget(cell.Label(), s)
		if derr := s.Dispose(ctx); derr != nil {
			err = errors.Join(err, derr)
		}
	}
	return err
}

func (r *Runner) execute(ctx context.Context, s *session.Session, cell Cell, res *CellResult) error {
	if cell.Source != "" {
		if err := s.ConsultString(ctx, cell.Source); err != nil {
			return fmt.Errorf("consult: %w", err)
		}
	}
	for _, clause := range cell.Retract {
		removed, err := s.Retract(ctx, clause)
		if err != nil {
			return fmt.Errorf("retract %q: %w", clause, err)
		}
		if removed {
			res.Retracted++
		}
	}
	for _, goal := range cell.Queries {
		res.Queries = append(res.Queries, runQuery(ctx, s, goal, cell.Limit))
	}
	return nil
}

func runQuery(ctx context.Context, s *session.Session, goal string, limit int) QueryResult {
	qr := QueryResult{Goal: goal}
	var opts []session.QueryOption
	if limit > 0 {
		opts = append(opts, session.WithLimit(limit))
	}
	cur, err := s.Query(ctx, goal, opts...)
	if err != nil {
		qr.Err = err
		return qr
	}
	qr.Variables = cur.Variables()
	qr.Solutions, qr.Err = cur.Collect()
	return qr
}

// sessionFor returns the session the cell runs in, creating it when the
// cell is fresh or its label has no live session.
func (r *Runner) sessionFor(ctx context.Context, cell Cell) (*session.Session, error) {
	label := cell.Label()

	r.mu.Lock()
	s, ok := r.sessions[label]
	r.mu.Unlock()

	if ok && !s.IsDisposed() && !cell.Fresh {
		return s, nil
	}
	if ok && cell.Fresh {
		if err := s.Dispose(ctx); err != nil {
			r.logger.Warn("stale session dispose failed", zap.String("label", label), zap.Error(err))
		}
	}

	s, err := r.manager.New(ctx, session.WithLabel(label))
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[label] = s
	r.mu.Unlock()
	return s, nil
}

func (r *Runner) forget(label string, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[label] == s {
		delete(r.sessions, label)
	}
}

// Reset disposes every session held by the runner.
func (r *Runner) Reset(ctx context.Context) error {
	r.mu.Lock()
	held := r.sessions
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	var errs []error
	for label, s := range held {
		if err := s.Dispose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %q: %w", label, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) logCell(res CellResult) {
	fields := []zap.Field{
		zap.String("cell", res.Cell),
		zap.String("session", res.Session),
		zap.String("ns", res.Namespace),
		zap.Int("queries", len(res.Queries)),
		zap.Duration("elapsed", res.Elapsed),
	}
	if res.Err != nil {
		r.logger.Warn("cell failed", append(fields, zap.Error(res.Err))...)
		return
	}
	r.logger.Debug("cell executed", fields...)
}
