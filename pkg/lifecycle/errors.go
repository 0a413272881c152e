// Package lifecycle owns the run and step state machines. All status changes
// go through the Manager; illegal transitions fail loudly instead of
// silently overwriting state.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/consilium-ai/consilium/pkg/models"
)

var (
	// ErrValidation indicates a run input that fails its workflow's declared shape.
	ErrValidation = errors.New("invalid run input")

	// ErrIllegalTransition indicates a status change the state machine forbids.
	// Hitting it is a programming error in the calling pipeline.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// TransitionError carries the offending transition for diagnostics.
type TransitionError struct {
	Entity string // "run" or "step"
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

func newRunTransitionError(id string, from, to models.RunStatus) *TransitionError {
	return &TransitionError{Entity: "run", ID: id, From: string(from), To: string(to)}
}

func newStepTransitionError(id string, from, to models.StepStatus) *TransitionError {
	return &TransitionError{Entity: "step", ID: id, From: string(from), To: string(to)}
}
