package engine

import (
	"fmt"
	"math"
	"strings"

	"isokb/internal/faults"

	"github.com/google/mangle/ast"
	"github.com/google/mangle/parse"
)

// Solution maps query variable names to their bound values.
type Solution map[string]any

// statement is one parsed clause or declaration.
type statement struct {
	clause *ast.Clause
	decl   *ast.Decl
}

func (s statement) isFact() bool {
	return s.clause != nil && len(s.clause.Premises) == 0 && s.clause.Transform == nil
}

// normalizeClauseText trims input and terminates it with a period.
func normalizeClauseText(text string) string {
	clean := strings.TrimSpace(text)
	if clean != "" && !strings.HasSuffix(clean, ".") {
		// Name constants may contain '.', so keep the terminator apart.
		clean += " ."
	}
	return clean
}

// packageName returns the name of a Package declaration. The parser adds
// an unnamed one to every unit that has no Package line.
func packageName(d ast.Decl) string {
	for _, a := range d.Descr {
		if a.Predicate.Symbol != "name" || len(a.Args) == 0 {
			continue
		}
		if c, ok := a.Args[0].(ast.Constant); ok {
			return c.Symbol
		}
	}
	return ""
}

// parseProgram parses a knowledge base fragment into statements. Package
// and Use directives are rejected: they would leak outside the namespace.
func parseProgram(text string) ([]statement, error) {
	clean := normalizeClauseText(text)
	if clean == "" {
		return nil, faults.Malformed(text, fmt.Errorf("empty input"))
	}
	unit, err := parse.Unit(strings.NewReader(clean))
	if err != nil {
		return nil, faults.Malformed(text, err)
	}

	stmts := make([]statement, 0, len(unit.Decls)+len(unit.Clauses))
	for i := range unit.Decls {
		d := unit.Decls[i]
		switch d.DeclaredAtom.Predicate.Symbol {
		case "Package":
			if packageName(d) == "" {
				continue
			}
			return nil, faults.Malformed(text, fmt.Errorf("Package directives are not supported"))
		case "Use":
			return nil, faults.Malformed(text, fmt.Errorf("Use directives are not supported"))
		}
		stmts = append(stmts, statement{decl: &d})
	}
	for i := range unit.Clauses {
		c := unit.Clauses[i]
		if isBuiltin(c.Head.Predicate) {
			return nil, faults.Malformed(text, fmt.Errorf("cannot define built-in predicate %s", c.Head.Predicate.Symbol))
		}
		if len(c.Premises) == 0 && c.Transform == nil {
			if err := checkGround(c.Head); err != nil {
				return nil, faults.Malformed(text, err)
			}
		}
		stmts = append(stmts, statement{clause: &c})
	}
	if len(stmts) == 0 {
		return nil, faults.Malformed(text, fmt.Errorf("no clause found"))
	}
	return stmts, nil
}

// parseStatement parses exactly one clause or declaration.
func parseStatement(text string) (statement, error) {
	stmts, err := parseProgram(text)
	if err != nil {
		return statement{}, err
	}
	if len(stmts) != 1 {
		return statement{}, faults.Malformed(text, fmt.Errorf("expected one clause, found %d", len(stmts)))
	}
	return stmts[0], nil
}

// parsePattern parses a single atom such as "father(/michael, X)".
func parsePattern(text string) (ast.Atom, error) {
	clean := strings.TrimSuffix(strings.TrimSpace(text), ".")
	if clean == "" {
		return ast.Atom{}, faults.Malformed(text, fmt.Errorf("empty pattern"))
	}
	if !isSingleLiteral(clean) {
		return ast.Atom{}, faults.Malformed(text, fmt.Errorf("expected a single atom"))
	}
	atom, err := parse.Atom(clean)
	if err != nil {
		return ast.Atom{}, faults.Malformed(text, err)
	}
	if isBuiltin(atom.Predicate) {
		return ast.Atom{}, faults.Malformed(text, fmt.Errorf("built-in predicate %s is not a pattern", atom.Predicate.Symbol))
	}
	return atom, nil
}

// goal is a parsed query: either a single atom or a conjunction of
// premises.
type goal struct {
	text      string
	atom      *ast.Atom
	premises  []ast.Term
	variables []queryVariable
}

type queryVariable struct {
	Name  string
	Index int
}

// parseGoal accepts "?- p(X)", "p(X).", and conjunctions such as
// "p(X), !q(X), X != /a".
func parseGoal(text string) (*goal, error) {
	clean := strings.TrimSpace(text)
	clean = strings.TrimPrefix(clean, "?-")
	clean = strings.TrimPrefix(clean, "?")
	clean = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(clean), "."))
	if clean == "" {
		return nil, faults.Malformed(text, fmt.Errorf("empty query"))
	}

	if isSingleLiteral(clean) {
		if atom, err := parse.Atom(clean); err == nil && !isBuiltin(atom.Predicate) {
			return &goal{text: text, atom: &atom, variables: atomVariables(atom)}, nil
		}
	}

	// Wrap the body in a throwaway rule so the parser accepts conjunctions.
	unit, err := parse.Unit(strings.NewReader("goal(/t) :- " + clean + " ."))
	if err != nil {
		return nil, faults.Malformed(text, err)
	}
	if len(unit.Clauses) != 1 || len(unit.Clauses[0].Premises) == 0 {
		return nil, faults.Malformed(text, fmt.Errorf("expected a single conjunctive goal"))
	}
	premises := unit.Clauses[0].Premises
	return &goal{text: text, premises: premises, variables: premiseVariables(premises)}, nil
}

// isSingleLiteral reports whether s has no rule arrow and no comma outside
// parentheses, brackets and string literals.
func isSingleLiteral(s string) bool {
	if strings.Contains(s, ":-") || strings.Contains(s, "⟸") {
		return false
	}
	depth := 0
	var quote rune
	escaped := false
	for _, r := range s {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				return false
			}
		}
	}
	return true
}

func atomVariables(a ast.Atom) []queryVariable {
	seen := make(map[string]bool)
	var vars []queryVariable
	for idx, arg := range a.Args {
		v, ok := arg.(ast.Variable)
		if !ok || v.Symbol == "_" || seen[v.Symbol] {
			continue
		}
		seen[v.Symbol] = true
		vars = append(vars, queryVariable{Name: v.Symbol, Index: idx})
	}
	return vars
}

// premiseVariables collects the variables bound by positive literals and
// equalities, in order of first appearance. Index is the position in the
// synthesized query head.
func premiseVariables(premises []ast.Term) []queryVariable {
	seen := make(map[string]bool)
	var vars []queryVariable
	add := func(t ast.BaseTerm) {
		v, ok := t.(ast.Variable)
		if !ok || v.Symbol == "_" || seen[v.Symbol] {
			return
		}
		seen[v.Symbol] = true
		vars = append(vars, queryVariable{Name: v.Symbol, Index: len(vars)})
	}
	for _, p := range premises {
		switch t := p.(type) {
		case ast.Atom:
			if isBuiltin(t.Predicate) {
				continue
			}
			for _, arg := range t.Args {
				add(arg)
			}
		case ast.Eq:
			add(t.Left)
			add(t.Right)
		}
	}
	return vars
}

func checkGround(a ast.Atom) error {
	for i, arg := range a.Args {
		if _, ok := arg.(ast.Constant); !ok {
			return fmt.Errorf("fact %s: argument %d is not a constant", a.Predicate.Symbol, i)
		}
	}
	return nil
}

// matchArgs reports whether target is an instance of pattern. Pattern
// variables bind consistently; "_" and variables in target match anything.
func matchArgs(pattern, target []ast.BaseTerm) bool {
	if len(pattern) != len(target) {
		return false
	}
	bound := make(map[string]ast.BaseTerm)
	for i, p := range pattern {
		t := target[i]
		if _, targetVar := t.(ast.Variable); targetVar {
			continue
		}
		if v, ok := p.(ast.Variable); ok {
			if v.Symbol == "_" {
				continue
			}
			if prev, ok := bound[v.Symbol]; ok {
				if !prev.Equals(t) {
					return false
				}
				continue
			}
			bound[v.Symbol] = t
			continue
		}
		if !p.Equals(t) {
			return false
		}
	}
	return true
}

func matchAtom(pattern, target ast.Atom) bool {
	return pattern.Predicate == target.Predicate && matchArgs(pattern.Args, target.Args)
}

// bindSolution extracts variable bindings from a result atom.
func bindSolution(vars []queryVariable, fact ast.Atom) Solution {
	row := make(Solution, len(vars))
	for _, v := range vars {
		if v.Index >= len(fact.Args) {
			continue
		}
		row[v.Name] = convertBaseTermToInterface(fact.Args[v.Index])
	}
	return row
}

func convertBaseTermToInterface(term ast.BaseTerm) any {
	switch v := term.(type) {
	case ast.Constant:
		return constantToInterface(v)
	case ast.Variable:
		return v.Symbol
	case ast.ApplyFn:
		return v.String()
	default:
		return fmt.Sprintf("%v", term)
	}
}

func constantToInterface(constant ast.Constant) any {
	switch constant.Type {
	case ast.StringType, ast.NameType, ast.BytesType:
		return constant.Symbol
	case ast.NumberType:
		return constant.NumValue
	case ast.Float64Type:
		return math.Float64frombits(uint64(constant.NumValue))
	default:
		return constant.String()
	}
}
