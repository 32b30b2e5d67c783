package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"isokb/internal/engine"
	"isokb/internal/faults"
	"isokb/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager(engine.New(engine.DefaultConfig()), opts...)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func values(t *testing.T, s *Session, goal, variable string) []any {
	t.Helper()
	sols, err := s.Solve(context.Background(), goal)
	require.NoError(t, err)
	out := make([]any, 0, len(sols))
	for _, sol := range sols {
		out = append(out, sol[variable])
	}
	return out
}

func TestSession_Isolation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.New(ctx, WithLabel("a"))
	require.NoError(t, err)
	b, err := m.New(ctx, WithLabel("b"))
	require.NoError(t, err)

	require.NoError(t, a.Assert(ctx, "parent(/tom, /bob)."))
	require.NoError(t, a.Assert(ctx, "grandparent(X, Z) :- parent(X, Y), parent(Y, Z)."))
	require.NoError(t, b.Assert(ctx, "parent(/bob, /ann)."))

	// Each session sees exactly its own facts.
	assert.Equal(t, []any{"/tom"}, values(t, a, "parent(X, _)", "X"))
	assert.Equal(t, []any{"/bob"}, values(t, b, "parent(X, _)", "X"))

	// a's rule does not join with b's facts.
	assert.Empty(t, values(t, a, "grandparent(X, Z)", "X"))
	assert.Empty(t, values(t, b, "grandparent(X, Z)", "X"))
	require.NoError(t, a.Assert(ctx, "parent(/bob, /ann)."))
	assert.Equal(t, []any{"/ann"}, values(t, a, "grandparent(/tom, Z)", "Z"))
}

func TestSession_NoCrossTalkOnReuse(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.New(ctx)
	require.NoError(t, err)
	require.NoError(t, first.ConsultString(ctx, `
		secret(/launch_code).
		visible(X) :- secret(X).
	`))
	require.Len(t, values(t, first, "visible(X)", "X"), 1)
	firstID := first.ID()
	require.NoError(t, first.Dispose(ctx))

	second, err := m.New(ctx)
	require.NoError(t, err)
	assert.Equal(t, firstID.Index, second.ID().Index, "slot is reused")
	assert.NotEqual(t, firstID.Gen, second.ID().Gen, "generation is bumped")
	assert.NotEqual(t, firstID.Prefix(), second.ID().Prefix())

	assert.Empty(t, values(t, second, "secret(X)", "X"))
	assert.Empty(t, values(t, second, "visible(X)", "X"))
	contents, err := second.Contents(ctx)
	require.NoError(t, err)
	assert.Empty(t, contents)
}

func TestSession_DisposeIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.New(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Assert(ctx, "p(1)."))

	require.NoError(t, s.Dispose(ctx))
	require.NoError(t, s.Dispose(ctx))
	require.NoError(t, s.Close())

	assert.True(t, s.IsDisposed())
	assert.Zero(t, m.Registry().Len())
	assert.Zero(t, m.alloc.InUse())

	stats, err := m.Handle().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Namespaces)
	assert.Zero(t, stats.StoredAtoms)
}

func TestSession_UseAfterDispose(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.New(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ConsultString(ctx, "n(1). n(2). n(3)."))

	cur, err := s.Query(ctx, "n(X)")
	require.NoError(t, err)
	require.True(t, cur.Next())

	require.NoError(t, s.Dispose(ctx))

	assert.False(t, cur.Next())
	assert.ErrorIs(t, cur.Err(), faults.ErrUseAfterDispose)

	assert.ErrorIs(t, s.Assert(ctx, "n(4)."), faults.ErrUseAfterDispose)
	assert.ErrorIs(t, s.ConsultString(ctx, "n(5)."), faults.ErrUseAfterDispose)
	assert.ErrorIs(t, s.Declare(ctx, "m", 1), faults.ErrUseAfterDispose)
	_, err = s.Query(ctx, "n(X)")
	assert.ErrorIs(t, err, faults.ErrUseAfterDispose)
	_, err = s.Retract(ctx, "n(1)")
	assert.ErrorIs(t, err, faults.ErrUseAfterDispose)
	_, err = s.RetractAll(ctx, "n(_)")
	assert.True(t, IsUseAfterDispose(err))
	_, err = s.Contents(ctx)
	assert.ErrorIs(t, err, faults.ErrUseAfterDispose)
}

func TestSession_RetractIsRemoval(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.New(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ConsultString(ctx, `
		member(/ann).
		member(/bob).
		active(X) :- member(X), !banned(X).
	`))
	assert.ElementsMatch(t, []any{"/ann", "/bob"}, values(t, s, "active(X)", "X"))

	removed, err := s.Retract(ctx, "member(/bob)")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []any{"/ann"}, values(t, s, "member(X)", "X"))
	assert.Equal(t, []any{"/ann"}, values(t, s, "active(X)", "X"))

	// Retracting something absent is not an error.
	removed, err = s.Retract(ctx, "member(/bob)")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.Retract(ctx, "active(X) :- member(X), !banned(X).")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, values(t, s, "active(X)", "X"))

	n, err := s.RetractAll(ctx, "member(_)")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	contents, err := s.Contents(ctx)
	require.NoError(t, err)
	assert.Empty(t, contents)
}

func TestSession_ConcurrentDisposal(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	const sessions = 16
	var all []*Session
	for i := 0; i < sessions; i++ {
		s, err := m.New(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Assert(ctx, fmt.Sprintf("owner(%d).", i)))
		all = append(all, s)
	}

	var wg sync.WaitGroup
	for _, s := range all {
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Dispose(ctx))
			}()
		}
		// Racing operations either complete or fail cleanly.
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Assert(ctx, "late(1).")
			if err != nil {
				assert.ErrorIs(t, err, faults.ErrUseAfterDispose)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, m.Registry().Len())
	assert.Zero(t, m.alloc.InUse())
	stats, err := m.Handle().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Namespaces)
	assert.Zero(t, stats.Facts)
}

func TestSession_DisposeFailsClosed(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.New(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Assert(ctx, "p(/x)."))
	leakedID := s.ID()

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err = s.Dispose(canceled)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, s.IsDisposed())

	leaked := m.Registry().Leaked()
	require.Len(t, leaked, 1)
	assert.Equal(t, leakedID, leaked[0].ID)

	// The leaked index is not handed out again.
	other, err := m.New(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, leakedID.Index, other.ID().Index)
	require.NoError(t, other.Dispose(ctx))

	n, err := m.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, m.Registry().Leaked())
	assert.Zero(t, m.Registry().Len())

	stats, err := m.Handle().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Facts)
}

func TestSession_QueryOptions(t *testing.T) {
	m := newTestManager(t, WithConfig(Config{DefaultQueryLimit: 2}))
	ctx := context.Background()

	s, err := m.New(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ConsultString(ctx, "n(1). n(2). n(3). n(4)."))

	sols, err := s.Solve(ctx, "n(X)")
	require.NoError(t, err)
	assert.Len(t, sols, 2)

	sols, err = s.Solve(ctx, "n(X)", WithLimit(0))
	require.NoError(t, err)
	assert.Len(t, sols, 4)

	sols, err = s.Solve(ctx, "n(X)", WithLimit(3))
	require.NoError(t, err)
	assert.Len(t, sols, 3)

	_, err = s.Query(ctx, "n(X)", WithLimit(-1))
	assert.True(t, faults.IsMalformed(err))
}

func TestSession_DeclareAndHolds(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.New(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Declare(ctx, "blocked", 1))
	require.NoError(t, s.Assert(ctx, "user(/ann)."))
	require.NoError(t, s.Assert(ctx, "allowed(X) :- user(X), !blocked(X)."))

	ok, err := s.Holds(ctx, "allowed(/ann)")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Holds(ctx, "blocked(_)")
	require.NoError(t, err)
	assert.False(t, ok)

	contents, err := s.Contents(ctx)
	require.NoError(t, err)
	assert.Contains(t, contents, "user(/ann).")
}

func TestSession_ConsultFile(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.New(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Consult(ctx, strings.NewReader("edge(/a, /b).\nedge(/b, /c).\n")))
	assert.Len(t, values(t, s, "edge(X, _)", "X"), 2)

	err = s.ConsultFile(ctx, "/definitely/not/here.mg")
	assert.ErrorContains(t, err, "open knowledge base")
}

func TestSession_MalformedInput(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.New(ctx)
	require.NoError(t, err)

	err = s.Assert(ctx, "p(/a")
	var mt *faults.MalformedTermError
	require.ErrorAs(t, err, &mt)
	assert.Equal(t, "p(/a", mt.Input)

	assert.True(t, faults.IsMalformed(s.Assert(ctx, "p(/a). q(/b).")))
	assert.True(t, faults.IsMalformed(s.Declare(ctx, "p", -1)))
}

func TestManager_InitialKnowledgeBase(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.New(ctx, WithInitialKnowledgeBase("color(/red).", "color(/blue). warm(/red)."))
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"/red", "/blue"}, values(t, s, "color(X)", "X"))

	// A bad fragment leaves nothing registered.
	_, err = m.New(ctx, WithInitialKnowledgeBase("color(/green).", "broken("))
	assert.True(t, faults.IsMalformed(err))
	assert.Equal(t, 1, m.Registry().Len())
}

func TestManager_LabelReclaimAndLookup(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	old, err := m.New(ctx, WithLabel("cell-1"))
	require.NoError(t, err)
	require.NoError(t, old.Assert(ctx, "x(1)."))

	got, ok := m.Lookup("cell-1")
	require.True(t, ok)
	assert.Same(t, old, got)

	fresh, err := m.New(ctx, WithLabel("cell-1"))
	require.NoError(t, err)
	assert.True(t, old.IsDisposed())
	assert.Empty(t, values(t, fresh, "x(X)", "X"))

	got, ok = m.Lookup("cell-1")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	_, ok = m.Lookup("cell-2")
	assert.False(t, ok)
	assert.Len(t, m.Sessions(), 1)
}

func TestManager_LabelsWithoutReclaim(t *testing.T) {
	m := newTestManager(t, WithConfig(Config{ReclaimStaleLabels: false}))
	ctx := context.Background()

	first, err := m.New(ctx, WithLabel("dup"))
	require.NoError(t, err)
	second, err := m.New(ctx, WithLabel("dup"))
	require.NoError(t, err)

	assert.False(t, first.IsDisposed())
	got, ok := m.Lookup("dup")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestManager_UseDisposesOnEveryPath(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var kept *Session
	err := m.Use(ctx, func(s *Session) error {
		kept = s
		return s.Assert(ctx, "p(1).")
	})
	require.NoError(t, err)
	assert.True(t, kept.IsDisposed())

	boom := errors.New("boom")
	err = m.Use(ctx, func(s *Session) error {
		kept = s
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, kept.IsDisposed())

	assert.Panics(t, func() {
		_ = m.Use(ctx, func(s *Session) error {
			kept = s
			panic("cell crashed")
		})
	})
	assert.True(t, kept.IsDisposed())
	assert.Zero(t, m.Registry().Len())
}

func TestManager_Close(t *testing.T) {
	m := NewManager(engine.New(engine.DefaultConfig()))
	ctx := context.Background()

	s, err := m.New(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Assert(ctx, "p(1)."))
	cur, err := s.Query(ctx, "p(X)")
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))

	assert.True(t, s.IsDisposed())
	assert.False(t, cur.Next())
	assert.ErrorIs(t, s.Assert(ctx, "p(2)."), faults.ErrUseAfterDispose)
	assert.Equal(t, engine.StateShutdown, m.Handle().State())

	_, err = m.New(ctx)
	assert.True(t, faults.IsEngineShutdown(err))
}

func TestSession_EngineShutdownUnderneath(t *testing.T) {
	h := engine.New(engine.DefaultConfig())
	m := NewManager(h)
	ctx := context.Background()

	s, err := m.New(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Shutdown(ctx))

	err = s.Assert(ctx, "p(1).")
	assert.True(t, faults.IsEngineShutdown(err))
	_, err = s.Query(ctx, "p(X)")
	assert.Equal(t, faults.KindShutdown, faults.KindOf(err))

	// The engine already dropped every namespace, so dispose completes.
	require.NoError(t, s.Dispose(ctx))
	assert.Zero(t, m.Registry().Len())
	require.NoError(t, m.Close(ctx))
}

func TestManager_CollectedSessionIsReaped(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	func() {
		s, err := m.New(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Assert(ctx, "orphan(1)."))
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		m.WaitReaped()
		return m.Registry().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	stats, err := m.Handle().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Facts)
}

func TestManager_MetricsAndLogs(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	core, logs := observer.New(zapcore.DebugLevel)
	m := newTestManager(t, WithMetrics(mt), WithLogger(zap.New(core)))
	ctx := context.Background()

	s, err := m.New(ctx, WithLabel("metered"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.SessionsLive))

	require.NoError(t, s.Dispose(ctx))
	assert.Equal(t, 0.0, testutil.ToFloat64(mt.SessionsLive))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.SessionsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.SessionsDisposed.WithLabelValues("explicit")))

	assert.Equal(t, 1, logs.FilterMessage("session created").Len())
	disposed := logs.FilterMessage("session disposed").All()
	require.Len(t, disposed, 1)
	assert.Equal(t, "explicit", disposed[0].ContextMap()["cause"])
	assert.NotZero(t, logs.FilterLoggerName("registry").Len())
}

func TestDefault_IsProcessWide(t *testing.T) {
	assert.Same(t, Default(), Default())
	assert.Same(t, engine.Process(engine.DefaultConfig()), Default().Handle())
}
