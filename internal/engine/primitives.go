package engine

import (
	"context"
	"fmt"
	"strings"

	"isokb/internal/faults"
	"isokb/internal/namespace"

	"github.com/google/mangle/ast"
	"go.uber.org/zap"
)

// spaceLocked returns the namespace state, creating it on first write.
func (h *Handle) spaceLocked(id namespace.ID, create bool) *space {
	sp, ok := h.spaces[id]
	if !ok && create {
		sp = newSpace(id)
		h.spaces[id] = sp
	}
	return sp
}

// qualifyStatements rewrites parsed statements into id's namespace and
// validates rules. It runs outside the engine lock.
func qualifyStatements(id namespace.ID, text string, stmts []statement) ([]statement, error) {
	q := qualifierFor(id)
	out := make([]statement, 0, len(stmts))
	for _, st := range stmts {
		switch {
		case st.decl != nil:
			d := q.decl(*st.decl)
			out = append(out, statement{decl: &d})
		case st.clause != nil:
			c, err := q.clause(*st.clause)
			if err != nil {
				return nil, faults.Malformed(text, err)
			}
			qs := statement{clause: &c}
			if !qs.isFact() {
				if err := checkRule(c); err != nil {
					return nil, faults.Malformed(text, err)
				}
			}
			out = append(out, qs)
		}
	}
	return out, nil
}

// Assert adds one fact, rule or declaration to namespace id.
func (h *Handle) Assert(ctx context.Context, id namespace.ID, text string) error {
	st, err := parseStatement(text)
	if err != nil {
		return err
	}
	return h.load(ctx, "assert", id, text, []statement{st})
}

// Consult adds every clause and declaration in text to namespace id. The
// whole fragment is validated before any of it is applied.
func (h *Handle) Consult(ctx context.Context, id namespace.ID, text string) error {
	stmts, err := parseProgram(text)
	if err != nil {
		return err
	}
	return h.load(ctx, "consult", id, text, stmts)
}

func (h *Handle) load(ctx context.Context, op string, id namespace.ID, text string, stmts []statement) error {
	qualified, err := qualifyStatements(id, text, stmts)
	if err != nil {
		return err
	}

	return h.runWithin(ctx, op, func() error {
		sp := h.spaceLocked(id, true)
		if h.config.FactLimit > 0 && h.factCount+sp.newFacts(qualified) > h.config.FactLimit {
			return faults.NewEngineFault(faults.KindLimit, op,
				fmt.Errorf("fact limit %d exceeded", h.config.FactLimit))
		}

		added := 0
		for _, st := range qualified {
			switch {
			case st.decl != nil:
				sp.addDecl(*st.decl)
			case st.isFact():
				if sp.addFact(st.clause.Head) {
					h.factCount++
					added++
				}
			default:
				sp.addRule(*st.clause)
			}
		}
		h.metrics.SetFacts(h.factCount)
		h.logger.Debug("clauses loaded",
			zap.String("op", op),
			zap.Stringer("ns", id),
			zap.Int("statements", len(qualified)),
			zap.Int("new_facts", added))
		return nil
	})
}

// Retract removes the first fact matching text, or the identical rule. It
// returns the number of clauses removed; zero is not an error. Fact
// patterns may contain variables.
func (h *Handle) Retract(ctx context.Context, id namespace.ID, text string) (int, error) {
	q := qualifierFor(id)

	var c ast.Clause
	if pattern, err := parsePattern(text); err == nil {
		c = ast.Clause{Head: q.atom(pattern)}
	} else {
		st, err := parseStatement(text)
		if err != nil {
			return 0, err
		}
		if st.decl != nil {
			return 0, faults.NewEngineFault(faults.KindUnsupported, "retract", fmt.Errorf("cannot retract a declaration"))
		}
		if c, err = q.clause(*st.clause); err != nil {
			return 0, faults.Malformed(text, err)
		}
	}
	isFact := len(c.Premises) == 0 && c.Transform == nil

	removed := 0
	err := h.runWithin(ctx, "retract", func() error {
		sp := h.spaceLocked(id, false)
		if sp == nil {
			return nil
		}
		if isFact {
			for i, f := range sp.facts {
				if matchAtom(c.Head, f) {
					sp.removeFactAt(i)
					h.factCount--
					removed = 1
					break
				}
			}
			h.metrics.SetFacts(h.factCount)
			return nil
		}
		key := c.String()
		for i, r := range sp.rules {
			if r.String() == key {
				sp.rules = append(sp.rules[:i], sp.rules[i+1:]...)
				sp.dirty = true
				removed = 1
				break
			}
		}
		return nil
	})
	return removed, err
}

// RetractAll removes every fact matching the head pattern and every rule
// whose head unifies with it.
func (h *Handle) RetractAll(ctx context.Context, id namespace.ID, text string) (int, error) {
	pattern, err := parsePattern(text)
	if err != nil {
		return 0, err
	}
	pattern = qualifierFor(id).atom(pattern)

	removed := 0
	err = h.runWithin(ctx, "retract_all", func() error {
		sp := h.spaceLocked(id, false)
		if sp == nil {
			return nil
		}
		kept := sp.facts[:0]
		for _, f := range sp.facts {
			if matchAtom(pattern, f) {
				delete(sp.factKeys, f.String())
				h.factCount--
				removed++
				continue
			}
			kept = append(kept, f)
		}
		sp.facts = kept

		keptRules := sp.rules[:0]
		for _, r := range sp.rules {
			if matchAtom(pattern, r.Head) {
				removed++
				continue
			}
			keptRules = append(keptRules, r)
		}
		sp.rules = keptRules

		if removed > 0 {
			sp.dirty = true
		}
		h.metrics.SetFacts(h.factCount)
		return nil
	})
	return removed, err
}

// Erase removes every trace of namespace id from the engine. It verifies
// the store afterwards and reports a fault if any qualified atom survived.
func (h *Handle) Erase(ctx context.Context, id namespace.ID) error {
	return h.runWithin(ctx, "erase", func() error {
		removed := 0
		for _, sym := range h.ownedPredicates(id) {
			removed += h.removePredicate(sym)
		}
		if sp, ok := h.spaces[id]; ok {
			h.factCount -= len(sp.facts)
			delete(h.spaces, id)
		}
		h.metrics.SetFacts(h.factCount)

		for _, sym := range h.ownedPredicates(id) {
			if n := h.countPredicate(sym); n > 0 {
				return faults.NewEngineFault(faults.KindInternal, "erase",
					fmt.Errorf("%d atoms of %s survived erase", n, sym.Symbol))
			}
		}
		h.logger.Debug("namespace erased", zap.Stringer("ns", id), zap.Int("atoms", removed))
		return nil
	})
}

// Contents returns the clauses of namespace id with qualification
// stripped, facts first. Intended for inspection and tests.
func (h *Handle) Contents(ctx context.Context, id namespace.ID) ([]string, error) {
	var out []string
	err := h.runWithin(ctx, "contents", func() error {
		sp := h.spaceLocked(id, false)
		if sp == nil {
			return nil
		}
		for _, d := range sp.decls {
			a := ast.Atom{Predicate: sp.q.unqualify(d.DeclaredAtom.Predicate), Args: d.DeclaredAtom.Args}
			out = append(out, "Decl "+a.String()+".")
		}
		for _, f := range sp.facts {
			a := ast.Atom{Predicate: sp.q.unqualify(f.Predicate), Args: f.Args}
			out = append(out, a.String()+".")
		}
		for _, r := range sp.rules {
			out = append(out, strings.TrimSuffix(unqualifyClause(sp.q, r).String(), ".")+".")
		}
		return nil
	})
	return out, err
}

func unqualifyClause(q qualifier, c ast.Clause) ast.Clause {
	out := c
	out.Head = ast.Atom{Predicate: q.unqualify(c.Head.Predicate), Args: c.Head.Args}
	out.Premises = make([]ast.Term, len(c.Premises))
	for i, p := range c.Premises {
		switch t := p.(type) {
		case ast.Atom:
			if !isBuiltin(t.Predicate) {
				t = ast.Atom{Predicate: q.unqualify(t.Predicate), Args: t.Args}
			}
			out.Premises[i] = t
		case ast.NegAtom:
			out.Premises[i] = ast.NegAtom{Atom: ast.Atom{Predicate: q.unqualify(t.Atom.Predicate), Args: t.Atom.Args}}
		default:
			out.Premises[i] = p
		}
	}
	return out
}
