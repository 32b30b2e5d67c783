// Package isokb is the public face of the isolated knowledge-base sessions
// implemented under internal/. It re-exports the session API so programs
// outside this module can create sessions without importing internal
// packages.
//
// Usage:
//
//	m := isokb.NewManager(isokb.NewEngine(isokb.DefaultEngineConfig()))
//	defer m.Close(ctx)
//
//	err := m.Use(ctx, func(s *isokb.Session) error {
//		if err := s.Assert(ctx, "edge(/a, /b)."); err != nil {
//			return err
//		}
//		sols, err := s.Solve(ctx, "edge(X, Y)")
//		...
//	})
package isokb

import (
	"isokb/internal/engine"
	"isokb/internal/faults"
	"isokb/internal/namespace"
	"isokb/internal/session"
)

// Core session types.
type (
	Manager       = session.Manager
	Session       = session.Session
	Option        = session.Option
	QueryOption   = session.QueryOption
	ManagerOption = session.ManagerOption
	SessionConfig = session.Config

	Engine       = engine.Handle
	EngineConfig = engine.Config
	EngineState  = engine.State
	Cursor       = engine.Cursor
	Solution     = engine.Solution

	NamespaceID    = namespace.ID
	NamespaceEntry = namespace.Entry
)

// Fault types.
type (
	EngineFault        = faults.EngineFault
	FaultKind          = faults.Kind
	MalformedTermError = faults.MalformedTermError
	InvariantViolation = faults.InvariantViolation
)

// Fault kinds.
const (
	KindShutdown    = faults.KindShutdown
	KindEvaluation  = faults.KindEvaluation
	KindLimit       = faults.KindLimit
	KindUnsupported = faults.KindUnsupported
	KindInternal    = faults.KindInternal
)

// ErrUseAfterDispose is returned by every operation on a disposed session.
var ErrUseAfterDispose = faults.ErrUseAfterDispose

var (
	NewManager           = session.NewManager
	Default              = session.Default
	DefaultSessionConfig = session.DefaultConfig

	WithLabel                = session.WithLabel
	WithInitialKnowledgeBase = session.WithInitialKnowledgeBase
	WithLimit                = session.WithLimit
	WithConfig               = session.WithConfig
	WithLogger               = session.WithLogger
	WithMetrics              = session.WithMetrics

	NewEngine           = engine.New
	ProcessEngine       = engine.Process
	DefaultEngineConfig = engine.DefaultConfig

	IsMalformed       = faults.IsMalformed
	IsEngineShutdown  = faults.IsEngineShutdown
	IsUseAfterDispose = session.IsUseAfterDispose
	FaultKindOf       = faults.KindOf
)
