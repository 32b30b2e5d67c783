package engine

import (
	"context"
	"errors"
	"iter"
	"sync"

	"isokb/internal/faults"
	"isokb/internal/namespace"

	"github.com/google/mangle/ast"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

var errStopIteration = errors.New("stop iteration")

// QueryOptions tune a single query.
type QueryOptions struct {
	// Limit stops the cursor after this many solutions. Zero means no limit.
	Limit int

	// Guard runs before every step while the engine is held. A non-nil
	// error ends the cursor with that error. Sessions use it to fail
	// in-flight cursors after dispose.
	Guard func() error
}

// Cursor is a lazy, single-pass sequence of solutions. Every step acquires
// the engine, resumes the suspended scan for exactly one solution and
// releases the engine again, so cursors of different sessions interleave
// safely. A Cursor is not safe for concurrent use.
type Cursor struct {
	h     *Handle
	ctx   context.Context
	id    namespace.ID
	goal  *goal
	opts  QueryOptions
	match ast.Atom // qualified pattern that result atoms must satisfy

	// temp is the synthesized query predicate of a conjunctive goal.
	temp *ast.PredicateSym

	mu      sync.Mutex
	next    func() (ast.Atom, bool)
	stop    func()
	seen    map[string]struct{}
	current Solution
	count   int
	err     error
	done    bool
}

// Query evaluates goal within namespace id and returns a cursor over its
// solutions. Parsing errors are reported synchronously. The cursor must be
// closed unless it is drained.
func (h *Handle) Query(ctx context.Context, id namespace.ID, text string, opts QueryOptions) (*Cursor, error) {
	g, err := parseGoal(text)
	if err != nil {
		return nil, err
	}
	q := qualifierFor(id)

	var premises []ast.Term
	if g.atom == nil {
		if premises, err = q.premises(g.premises); err != nil {
			return nil, faults.Malformed(text, err)
		}
	}

	c := &Cursor{
		h:    h,
		ctx:  ctx,
		id:   id,
		goal: g,
		opts: opts,
		seen: make(map[string]struct{}),
	}

	err = h.runWithin(ctx, "query", func() error {
		if opts.Guard != nil {
			if err := opts.Guard(); err != nil {
				return err
			}
		}
		sp := h.spaceLocked(id, false)
		if sp == nil {
			// Nothing was ever asserted here: an empty relation.
			c.done = true
			return nil
		}
		if err := h.ensureEvaluated(sp); err != nil {
			return err
		}

		if g.atom != nil {
			c.match = q.atom(*g.atom)
			c.start(c.match.Predicate)
			return nil
		}

		sym, err := h.materializeGoal(sp, premises, g.variables)
		if err != nil {
			return err
		}
		c.temp = &sym
		c.match = ast.NewQuery(sym)
		c.start(sym)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// materializeGoal turns a conjunctive goal into a synthesized rule, runs
// it against the already evaluated namespace and returns the predicate
// holding the answers.
func (h *Handle) materializeGoal(sp *space, premises []ast.Term, vars []queryVariable) (ast.PredicateSym, error) {
	args := make([]ast.BaseTerm, 0, len(vars))
	for _, v := range vars {
		args = append(args, ast.Variable{Symbol: v.Name})
	}
	if len(args) == 0 {
		// A closed goal still needs a head argument; /true marks success.
		args = append(args, ast.TrueConstant)
	}
	sym := sp.nextQuerySymbol(len(args))
	rule := ast.Clause{Head: ast.Atom{Predicate: sym, Args: args}, Premises: premises}

	// Body predicates are read from the store, which ensureEvaluated has
	// already brought to fixpoint, so each is declared as a plain relation.
	decls, err := syntheticDecls(premises, map[ast.PredicateSym]bool{sym: true})
	if err != nil {
		return sym, faults.NewEngineFault(faults.KindEvaluation, "query", err)
	}
	unit := parse.SourceUnit{Clauses: []ast.Clause{rule}, Decls: decls}
	if err := h.evaluate(sp, unit); err != nil {
		h.removePredicate(sym)
		return sym, err
	}
	return sym, nil
}

// start installs the suspended scan over sym. Must run under the engine.
func (c *Cursor) start(sym ast.PredicateSym) {
	store := c.h.store
	seq := func(yield func(ast.Atom) bool) {
		_ = store.GetFacts(ast.NewQuery(sym), func(a ast.Atom) error {
			if !yield(a) {
				return errStopIteration
			}
			return nil
		})
	}
	c.next, c.stop = iter.Pull(seq)
}

// Next advances to the next solution. It returns false when the sequence
// is exhausted or failed; check Err afterwards.
func (c *Cursor) Next() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return false
	}
	if c.opts.Limit > 0 && c.count >= c.opts.Limit {
		c.finish(nil)
		return false
	}

	var (
		sol       Solution
		exhausted bool
	)
	err := c.h.runWithin(c.ctx, "query_step", func() error {
		if c.opts.Guard != nil {
			if err := c.opts.Guard(); err != nil {
				return err
			}
		}
		for {
			a, ok := c.next()
			if !ok {
				exhausted = true
				return nil
			}
			if !matchAtom(c.match, a) {
				continue
			}
			key := a.String()
			if _, dup := c.seen[key]; dup {
				continue
			}
			c.seen[key] = struct{}{}
			sol = bindSolution(c.projection(), a)
			return nil
		}
	})
	if err != nil {
		c.finish(err)
		return false
	}
	if exhausted {
		c.finish(nil)
		return false
	}
	c.current = sol
	c.count++
	return true
}

// projection maps goal variables onto result atom positions.
func (c *Cursor) projection() []queryVariable {
	return c.goal.variables
}

// Variables returns the goal's variable names in order of appearance.
func (c *Cursor) Variables() []string {
	names := make([]string, len(c.goal.variables))
	for i, v := range c.goal.variables {
		names[i] = v.Name
	}
	return names
}

// Solution returns the bindings of the current step.
func (c *Cursor) Solution() Solution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Err returns the error that ended the cursor, if any.
func (c *Cursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Count returns the number of solutions produced so far.
func (c *Cursor) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Closed reports whether the cursor has finished, by exhaustion, failure
// or Close.
func (c *Cursor) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Close releases the suspended scan and any synthesized query relation.
// It is safe to call more than once.
func (c *Cursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish(nil)
	return nil
}

// Abort ends the cursor with err, which Err reports from then on. It is a
// no-op on a cursor that has already finished.
func (c *Cursor) Abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.finish(err)
	}
}

// finish ends the cursor. The suspended scan touches the store when it
// unwinds, so stop runs with the engine held; this uses a fresh context
// because cleanup must happen even when the caller's context is done.
func (c *Cursor) finish(err error) {
	if c.done {
		if c.err == nil {
			c.err = err
		}
		return
	}
	c.done = true
	c.err = err
	c.current = nil

	if c.stop == nil {
		return
	}
	cleanupErr := c.h.withLock(context.Background(), func() error {
		c.stop()
		if c.temp != nil && c.h.state == StateReady {
			c.h.removePredicate(*c.temp)
		}
		return nil
	})
	if cleanupErr != nil {
		c.h.logger.Warn("cursor cleanup failed", zap.Stringer("ns", c.id), zap.Error(cleanupErr))
	}
}

// All adapts the cursor to a range-over-func loop. The cursor is closed
// when the loop ends; a failure is yielded once as the final element.
func (c *Cursor) All() iter.Seq2[Solution, error] {
	return func(yield func(Solution, error) bool) {
		defer c.Close()
		for c.Next() {
			if !yield(c.Solution(), nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Collect drains the cursor into a slice and closes it.
func (c *Cursor) Collect() ([]Solution, error) {
	var out []Solution
	for sol, err := range c.All() {
		if err != nil {
			return out, err
		}
		out = append(out, sol)
	}
	return out, nil
}
