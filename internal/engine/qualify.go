package engine

import (
	"fmt"
	"strings"

	"isokb/internal/namespace"

	"github.com/google/mangle/ast"
)

// isBuiltin reports whether sym names a built-in predicate (":lt", ...).
// Built-ins are global and never qualified.
func isBuiltin(sym ast.PredicateSym) bool {
	return strings.HasPrefix(sym.Symbol, ":")
}

// qualifier rewrites terms so they live in exactly one namespace.
type qualifier struct {
	prefix string
}

func qualifierFor(id namespace.ID) qualifier {
	return qualifier{prefix: id.Prefix()}
}

func (q qualifier) sym(sym ast.PredicateSym) ast.PredicateSym {
	if isBuiltin(sym) {
		return sym
	}
	return ast.PredicateSym{Symbol: q.prefix + sym.Symbol, Arity: sym.Arity}
}

// unqualify strips the prefix from a qualified symbol.
func (q qualifier) unqualify(sym ast.PredicateSym) ast.PredicateSym {
	return ast.PredicateSym{Symbol: strings.TrimPrefix(sym.Symbol, q.prefix), Arity: sym.Arity}
}

func (q qualifier) atom(a ast.Atom) ast.Atom {
	return ast.Atom{Predicate: q.sym(a.Predicate), Args: a.Args}
}

// premise qualifies one body literal. Anything that could reference a
// predicate and is not understood here is rejected rather than passed
// through unqualified.
func (q qualifier) premise(t ast.Term) (ast.Term, error) {
	switch p := t.(type) {
	case ast.Atom:
		return q.atom(p), nil
	case ast.NegAtom:
		return ast.NegAtom{Atom: q.atom(p.Atom)}, nil
	case ast.Eq, ast.Ineq:
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported premise %T (%v)", t, t)
	}
}

func (q qualifier) premises(ts []ast.Term) ([]ast.Term, error) {
	if ts == nil {
		return nil, nil
	}
	out := make([]ast.Term, 0, len(ts))
	for _, t := range ts {
		qt, err := q.premise(t)
		if err != nil {
			return nil, err
		}
		out = append(out, qt)
	}
	return out, nil
}

// clause qualifies the head and every premise, including negated ones.
// Transforms carry no predicate references and are kept as is.
func (q qualifier) clause(c ast.Clause) (ast.Clause, error) {
	premises, err := q.premises(c.Premises)
	if err != nil {
		return ast.Clause{}, err
	}
	out := c
	out.Head = q.atom(c.Head)
	out.Premises = premises
	return out, nil
}

func (q qualifier) decl(d ast.Decl) ast.Decl {
	out := d
	out.DeclaredAtom = q.atom(d.DeclaredAtom)
	return out
}

// bodyPredicates returns the non-builtin predicates referenced by premises,
// in order of first appearance.
func bodyPredicates(premises []ast.Term) []ast.PredicateSym {
	seen := make(map[ast.PredicateSym]bool)
	var out []ast.PredicateSym
	add := func(sym ast.PredicateSym) {
		if isBuiltin(sym) || seen[sym] {
			return
		}
		seen[sym] = true
		out = append(out, sym)
	}
	for _, t := range premises {
		switch p := t.(type) {
		case ast.Atom:
			add(p.Predicate)
		case ast.NegAtom:
			add(p.Atom.Predicate)
		}
	}
	return out
}
