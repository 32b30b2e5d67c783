// Package faults defines the error taxonomy shared by the engine, the
// namespace bookkeeping and sessions.
//
// Callers distinguish four situations:
//   - MalformedTermError: the input could not be parsed or qualified.
//   - EngineFault: the engine itself reported a problem (or is shut down).
//   - ErrUseAfterDispose: the session was already disposed.
//   - InvariantViolation: an internal consistency bug; never retry.
package faults

import (
	"errors"
	"fmt"
)

// ErrUseAfterDispose is returned by every session operation after Dispose.
var ErrUseAfterDispose = errors.New("session used after dispose")

// Kind categorizes engine faults.
type Kind string

const (
	// KindShutdown means the engine handle was shut down.
	KindShutdown Kind = "engine-shutdown"

	// KindEvaluation means fixpoint evaluation or program analysis failed.
	KindEvaluation Kind = "evaluation"

	// KindLimit means a configured fact limit was exceeded.
	KindLimit Kind = "limit"

	// KindUnsupported means the input parsed but cannot be submitted
	// (for example a clause that is neither fact, rule nor declaration).
	KindUnsupported Kind = "unsupported"

	// KindInternal covers recovered panics and other unexpected engine errors.
	KindInternal Kind = "internal"
)

// EngineFault is an error reported by the shared engine.
type EngineFault struct {
	Kind Kind
	// Op is the primitive that failed (assert, query, retract, erase, ...).
	Op  string
	Err error
}

func (e *EngineFault) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("engine %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *EngineFault) Unwrap() error { return e.Err }

// NewEngineFault builds an EngineFault.
func NewEngineFault(kind Kind, op string, err error) *EngineFault {
	return &EngineFault{Kind: kind, Op: op, Err: err}
}

// MalformedTermError reports input the engine could not parse.
type MalformedTermError struct {
	Input string
	Err   error
}

func (e *MalformedTermError) Error() string {
	return fmt.Sprintf("malformed term %q: %v", e.Input, e.Err)
}

func (e *MalformedTermError) Unwrap() error { return e.Err }

// Malformed wraps err as a MalformedTermError for input.
func Malformed(input string, err error) *MalformedTermError {
	return &MalformedTermError{Input: input, Err: err}
}

// InvariantViolation signals an internal consistency failure.
type InvariantViolation struct {
	Detail string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Detail
}

// Violation formats a new InvariantViolation.
func Violation(format string, args ...any) *InvariantViolation {
	return &InvariantViolation{Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first EngineFault in err's chain, or "".
func KindOf(err error) Kind {
	var ef *EngineFault
	if errors.As(err, &ef) {
		return ef.Kind
	}
	return ""
}

// IsEngineShutdown reports whether err stems from a shut down engine.
func IsEngineShutdown(err error) bool {
	return KindOf(err) == KindShutdown
}

// IsMalformed reports whether err is a MalformedTermError.
func IsMalformed(err error) bool {
	var me *MalformedTermError
	return errors.As(err, &me)
}

// IsInvariantViolation reports whether err is an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}
