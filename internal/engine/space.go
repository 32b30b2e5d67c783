package engine

import (
	"fmt"
	"strings"
	"time"

	"isokb/internal/faults"
	"isokb/internal/namespace"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

// querySymbolMarker separates synthesized query predicates from user
// predicates. User predicate names start with a lowercase letter, so a
// qualified user symbol never contains the prefix followed by "__".
const querySymbolMarker = "__query"

// space is the engine-side state of one namespace. All symbols it holds
// are already qualified.
type space struct {
	id namespace.ID
	q  qualifier

	// facts is the EDB in assertion order; factKeys deduplicates it.
	facts    []ast.Atom
	factKeys map[string]struct{}
	rules    []ast.Clause
	decls    []ast.Decl

	// dirty means the shared store does not reflect facts/rules yet.
	dirty    bool
	querySeq uint64
}

func newSpace(id namespace.ID) *space {
	return &space{
		id:       id,
		q:        qualifierFor(id),
		factKeys: make(map[string]struct{}),
	}
}

func (s *space) isQuerySymbol(sym ast.PredicateSym) bool {
	return strings.HasPrefix(sym.Symbol, s.q.prefix+querySymbolMarker)
}

func (s *space) nextQuerySymbol(arity int) ast.PredicateSym {
	s.querySeq++
	return ast.PredicateSym{
		Symbol: fmt.Sprintf("%s%s%d", s.q.prefix, querySymbolMarker, s.querySeq),
		Arity:  arity,
	}
}

func (s *space) addFact(a ast.Atom) bool {
	key := a.String()
	if _, ok := s.factKeys[key]; ok {
		return false
	}
	s.factKeys[key] = struct{}{}
	s.facts = append(s.facts, a)
	s.dirty = true
	return true
}

// newFacts counts the distinct facts in stmts not yet held by s.
func (s *space) newFacts(stmts []statement) int {
	batch := make(map[string]struct{})
	for _, st := range stmts {
		if !st.isFact() {
			continue
		}
		key := st.clause.Head.String()
		if _, held := s.factKeys[key]; held {
			continue
		}
		batch[key] = struct{}{}
	}
	return len(batch)
}

func (s *space) removeFactAt(i int) {
	delete(s.factKeys, s.facts[i].String())
	s.facts = append(s.facts[:i], s.facts[i+1:]...)
	s.dirty = true
}

func (s *space) addRule(c ast.Clause) bool {
	key := c.String()
	for _, r := range s.rules {
		if r.String() == key {
			return false
		}
	}
	s.rules = append(s.rules, c)
	s.dirty = true
	return true
}

// addDecl replaces any earlier declaration of the same predicate.
func (s *space) addDecl(d ast.Decl) {
	sym := d.DeclaredAtom.Predicate
	for i, existing := range s.decls {
		if existing.DeclaredAtom.Predicate == sym {
			s.decls[i] = d
			s.dirty = true
			return
		}
	}
	s.decls = append(s.decls, d)
	s.dirty = true
}

// defined returns every predicate with a fact, rule head or declaration.
func (s *space) defined() map[ast.PredicateSym]bool {
	out := make(map[ast.PredicateSym]bool, len(s.decls)+len(s.rules))
	for _, f := range s.facts {
		out[f.Predicate] = true
	}
	for _, r := range s.rules {
		out[r.Head.Predicate] = true
	}
	for _, d := range s.decls {
		out[d.DeclaredAtom.Predicate] = true
	}
	return out
}

// syntheticDecls declares predicates that are referenced by premises but
// have no definition, so analysis treats them as empty relations instead
// of failing.
func syntheticDecls(premises []ast.Term, known map[ast.PredicateSym]bool) ([]ast.Decl, error) {
	var decls []ast.Decl
	for _, sym := range bodyPredicates(premises) {
		if known[sym] {
			continue
		}
		known[sym] = true
		args := make([]string, sym.Arity)
		for i := range args {
			args[i] = fmt.Sprintf("A%d", i)
		}
		src := fmt.Sprintf("Decl %s(%s).", sym.Symbol, strings.Join(args, ", "))
		unit, err := parse.Unit(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("declare %s: %w", sym.Symbol, err)
		}
		for _, d := range unit.Decls {
			if d.DeclaredAtom.Predicate == sym {
				decls = append(decls, d)
			}
		}
	}
	return decls, nil
}

// program assembles the namespace program plus extra clauses.
func (s *space) program(extra ...ast.Clause) (parse.SourceUnit, error) {
	clauses := make([]ast.Clause, 0, len(s.facts)+len(s.rules)+len(extra))
	for _, f := range s.facts {
		clauses = append(clauses, ast.Clause{Head: f})
	}
	clauses = append(clauses, s.rules...)
	clauses = append(clauses, extra...)

	known := s.defined()
	for _, c := range extra {
		known[c.Head.Predicate] = true
	}
	decls := append([]ast.Decl(nil), s.decls...)
	for _, c := range clauses {
		synth, err := syntheticDecls(c.Premises, known)
		if err != nil {
			return parse.SourceUnit{}, err
		}
		decls = append(decls, synth...)
	}
	return parse.SourceUnit{Clauses: clauses, Decls: decls}, nil
}

// checkRule analyzes a single qualified rule in isolation so that unsafe
// or ill-typed rules are rejected before they change namespace state.
func checkRule(c ast.Clause) error {
	known := map[ast.PredicateSym]bool{c.Head.Predicate: true}
	decls, err := syntheticDecls(c.Premises, known)
	if err != nil {
		return err
	}
	_, err = analysis.AnalyzeOneUnit(parse.SourceUnit{Clauses: []ast.Clause{c}, Decls: decls}, nil)
	return err
}

// ensureEvaluated brings the shared store up to date with the namespace:
// drop its atoms, re-add its EDB and run its rules to fixpoint. Synthesized
// query predicates of open cursors are left alone.
func (h *Handle) ensureEvaluated(s *space) error {
	if !s.dirty {
		return nil
	}

	removed := 0
	for _, sym := range h.ownedPredicates(s.id) {
		if s.isQuerySymbol(sym) {
			continue
		}
		removed += h.removePredicate(sym)
	}
	for _, f := range s.facts {
		h.store.Add(f)
	}

	if len(s.rules) > 0 {
		unit, err := s.program()
		if err != nil {
			return faults.NewEngineFault(faults.KindEvaluation, "evaluate", err)
		}
		if err := h.evaluate(s, unit); err != nil {
			return err
		}
	}

	s.dirty = false
	h.logger.Debug("namespace evaluated",
		zap.Stringer("ns", s.id),
		zap.Int("facts", len(s.facts)),
		zap.Int("rules", len(s.rules)),
		zap.Int("removed", removed))
	return nil
}

// evaluate analyzes unit and runs it against the shared store. Every
// predicate in unit is qualified with s's prefix, so evaluation reads and
// writes only s's relations.
func (h *Handle) evaluate(s *space, unit parse.SourceUnit) error {
	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return faults.NewEngineFault(faults.KindEvaluation, "analyze", err)
	}

	var opts []mengine.EvalOption
	if h.config.DerivedFactLimit > 0 {
		opts = append(opts, mengine.WithCreatedFactLimit(h.config.DerivedFactLimit))
	}

	start := time.Now()
	stats, err := mengine.EvalProgramWithStats(programInfo, h.store, opts...)
	if err != nil {
		h.logger.Warn("fixpoint evaluation failed", zap.Stringer("ns", s.id), zap.Error(err))
		return faults.NewEngineFault(faults.KindEvaluation, "evaluate", err)
	}
	h.logger.Debug("fixpoint reached",
		zap.Stringer("ns", s.id),
		zap.Int("strata", len(stats.Strata)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
