package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStage marks a stage key absent from the registry.
var ErrUnknownStage = errors.New("unknown stage")

// ValidationError reports required fields a grant must carry before it can
// enter a stage. It is returned even on forced moves.
type ValidationError struct {
	Stage   string
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stage %s requires fields: %s", e.Stage, strings.Join(e.Missing, ", "))
}

// TransitionError reports a move that the stage progression does not allow.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid stage transition %s -> %s", e.From, e.To)
}
