package project

import (
	"errors"
	"fmt"
)

// Claim and transition errors. ErrClaimConflict is the expected loser's
// result when two workers race for the same step.
var (
	ErrClaimConflict = errors.New("step already claimed")
	ErrUnknownStep   = errors.New("unknown step id")
	ErrDepsUnmet     = errors.New("step has unmet dependencies")
)

// StateError marks fatal project-state failures: corruption, persistence
// errors, invariant violations. A StateError aborts the run; the last good
// snapshot stays untouched.
type StateError struct {
	Op  string
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state error in %s: %v", e.Op, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// NewStateError wraps err as a fatal state error.
func NewStateError(op string, err error) *StateError {
	return &StateError{Op: op, Err: err}
}

// forwardTransitions encodes the step lifecycle. Statuses only ever move
// forward: planned → in_progress → {completed|failed} → skipped. A planned
// step may also go straight to skipped when plan review marks it obsolete.
var forwardTransitions = map[StepStatus]map[StepStatus]bool{
	StepPlanned: {
		StepInProgress: true,
		StepSkipped:    true,
	},
	StepInProgress: {
		StepCompleted: true,
		StepFailed:    true,
	},
	StepCompleted: {
		StepSkipped: true, // manual override only
	},
	StepFailed: {
		StepSkipped: true, // manual override only
	},
	StepSkipped: {},
}

// CanTransition reports whether moving from cur to next is a legal forward
// transition.
func CanTransition(cur, next StepStatus) bool {
	return forwardTransitions[cur][next]
}

// checkTransition returns a descriptive error for illegal transitions.
func checkTransition(stepID string, cur, next StepStatus) error {
	if !CanTransition(cur, next) {
		return NewStateError("transition",
			fmt.Errorf("step %s: illegal transition %s -> %s", stepID, cur, next))
	}
	return nil
}

// StatusForOutcome maps an execution outcome to the terminal status the
// step transitions to. Every non-success outcome is terminal for the step.
func StatusForOutcome(o Outcome) StepStatus {
	if o == OutcomeSuccess {
		return StepCompleted
	}
	return StepFailed
}
