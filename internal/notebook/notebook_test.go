package notebook

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"isokb/internal/engine"
	"isokb/internal/faults"
	"isokb/internal/session"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const familyNotebook = `
title: family
cells:
  - name: facts
    session: family
    source: |
      parent(/tom, /bob).
      parent(/bob, /ann).
  - name: rules
    session: family
    source: |
      ancestor(X, Y) :- parent(X, Y).
      ancestor(X, Z) :- parent(X, Y), ancestor(Y, Z).
    queries:
      - "ancestor(/tom, Who)"
  - name: prune
    session: family
    retract:
      - "parent(/bob, /ann)."
    queries:
      - "ancestor(/tom, Who)"
  - name: scratch
    source: "parent(/zed, /zoe)."
    queries:
      - "parent(X, Y)"
    dispose: true
`

func newTestRunner(t *testing.T) (*Runner, *session.Manager) {
	t.Helper()
	m := session.NewManager(engine.New(engine.DefaultConfig()))
	r := NewRunner(m)
	t.Cleanup(func() {
		_ = r.Reset(context.Background())
		_ = m.Close(context.Background())
	})
	return r, m
}

func TestParse(t *testing.T) {
	nb, err := Parse([]byte(familyNotebook))
	require.NoError(t, err)
	assert.Equal(t, "family", nb.Title)
	require.Len(t, nb.Cells, 4)
	assert.Equal(t, "family", nb.Cells[1].Label())
	assert.Equal(t, "scratch", nb.Cells[3].Label())
	assert.True(t, nb.Cells[3].Dispose)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		nb     Notebook
		errMsg string
	}{
		{"empty", Notebook{}, "no cells"},
		{"unnamed", Notebook{Cells: []Cell{{}}}, "name is required"},
		{"duplicate", Notebook{Cells: []Cell{{Name: "a"}, {Name: "a"}}}, "duplicate"},
		{"negative limit", Notebook{Cells: []Cell{{Name: "a", Limit: -1}}}, "limit"},
		{"parallel shared session", Notebook{Cells: []Cell{
			{Name: "a", Session: "kb", Parallel: true},
			{Name: "b", Session: "kb", Parallel: true},
		}}, "share session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, tt.nb.Validate(), tt.errMsg)
		})
	}
}

func TestGroups(t *testing.T) {
	nb := Notebook{Cells: []Cell{
		{Name: "a"},
		{Name: "b", Parallel: true},
		{Name: "c", Parallel: true},
		{Name: "d"},
		{Name: "e", Parallel: true},
	}}
	var got [][]string
	for _, g := range nb.Groups() {
		var names []string
		for _, c := range g {
			names = append(names, c.Name)
		}
		got = append(got, names)
	}
	want := [][]string{{"a"}, {"b", "c"}, {"d"}, {"e"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
}

func TestRunner_SharedSessionAcrossCells(t *testing.T) {
	r, m := newTestRunner(t)
	nb, err := Parse([]byte(familyNotebook))
	require.NoError(t, err)

	results, err := r.Run(context.Background(), nb)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, res := range results {
		assert.False(t, res.Failed(), "cell %s: %v", res.Cell, res.Err)
	}

	rules := results[1].Queries[0]
	assert.Equal(t, []string{"Who"}, rules.Variables)
	assert.ElementsMatch(t, [][]string{{"/ann"}, {"/bob"}}, Rows(rules.Variables, rules.Solutions))

	prune := results[2]
	assert.Equal(t, 1, prune.Retracted)
	assert.Equal(t, [][]string{{"/bob"}}, Rows(prune.Queries[0].Variables, prune.Queries[0].Solutions))

	// scratch was isolated from family and disposed afterwards.
	scratch := results[3].Queries[0]
	assert.Equal(t, [][]string{{"/zed", "/zoe"}}, Rows(scratch.Variables, scratch.Solutions))
	_, ok := m.Lookup("scratch")
	assert.False(t, ok)
	_, ok = m.Lookup("family")
	assert.True(t, ok)
}

func TestRunner_RerunWithFresh(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	cell := Cell{Name: "c", Source: "n(1).", Queries: []string{"n(X)"}}
	first := r.RunCell(ctx, cell)
	require.NoError(t, first.Err)

	// Re-running accumulates in the same session.
	cell.Source = "n(2)."
	again := r.RunCell(ctx, cell)
	require.NoError(t, again.Err)
	assert.Equal(t, first.Namespace, again.Namespace)
	assert.Len(t, again.Queries[0].Solutions, 2)

	// Fresh starts over in a new namespace.
	cell.Fresh = true
	fresh := r.RunCell(ctx, cell)
	require.NoError(t, fresh.Err)
	assert.NotEqual(t, first.Namespace, fresh.Namespace)
	assert.Len(t, fresh.Queries[0].Solutions, 1)
}

func TestRunner_CellErrorsDoNotStopNotebook(t *testing.T) {
	r, _ := newTestRunner(t)
	nb := &Notebook{Cells: []Cell{
		{Name: "broken", Source: "p(/a"},
		{Name: "bad-query", Source: "q(/b).", Queries: []string{"q(", "q(X)"}},
	}}

	results, err := r.Run(context.Background(), nb)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, faults.IsMalformed(results[0].Err))
	assert.True(t, results[0].Failed())

	assert.NoError(t, results[1].Err)
	assert.True(t, faults.IsMalformed(results[1].Queries[0].Err))
	assert.Len(t, results[1].Queries[1].Solutions, 1)
}

func TestRunner_ParallelCellsAreIsolated(t *testing.T) {
	r, _ := newTestRunner(t)
	var cells []Cell
	for _, name := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		cells = append(cells, Cell{
			Name:     name,
			Source:   "mine(/" + name + ").",
			Queries:  []string{"mine(X)"},
			Parallel: true,
			Dispose:  true,
		})
	}
	nb := &Notebook{Cells: cells}
	require.NoError(t, nb.Validate())

	results, err := r.Run(context.Background(), nb)
	require.NoError(t, err)
	require.Len(t, results, len(cells))
	for i, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, cells[i].Name, res.Cell)
		assert.Equal(t, [][]string{{"/" + cells[i].Name}}, Rows(res.Queries[0].Variables, res.Queries[0].Solutions))
	}
}

func TestRunner_Limit(t *testing.T) {
	r, _ := newTestRunner(t)
	res := r.RunCell(context.Background(), Cell{
		Name:    "lim",
		Source:  "n(1). n(2). n(3).",
		Queries: []string{"n(X)"},
		Limit:   2,
	})
	require.NoError(t, res.Err)
	assert.Len(t, res.Queries[0].Solutions, 2)
}

func TestRender(t *testing.T) {
	results := []CellResult{{
		Cell:    "demo",
		Session: "demo",
		Queries: []QueryResult{
			{Goal: "p(X)", Variables: []string{"X"}, Solutions: []engine.Solution{{"X": "/a"}}},
			{Goal: "p(/a)", Solutions: []engine.Solution{{}}},
			{Goal: "p(/z)"},
		},
	}}
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, results))
	out := buf.String()
	assert.Contains(t, out, "demo")
	assert.Contains(t, out, "/a")
	assert.Contains(t, out, "true.")
	assert.Contains(t, out, "false.")
	assert.Contains(t, out, "1 solution(s)")
}

func TestWatch_RerunsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cells: []\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, nil, func(context.Context) { runs.Add(1) })
	}()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Unrelated files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0644))

	require.NoError(t, os.WriteFile(path, []byte("cells: [{name: a}]\n"), 0644))
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
