package chat

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Client operations.
var (
	ErrBusy            = errors.New("a session is already in progress")
	ErrEmptyRequest    = errors.New("request has no text and no attachment")
	ErrEmptyModelName  = errors.New("model name is required")
	ErrModelInstalling = errors.New("model is still installing")
	ErrModelNotFound   = errors.New("model not found")
	ErrUnknownMode     = errors.New("unknown chat mode")
	ErrCancelled       = errors.New("generation cancelled")
	ErrClosed          = errors.New("client is closed")
	ErrTurnOpen        = errors.New("a turn is still open")
	ErrNoOpenTurn      = errors.New("no open turn")
)

// fileReadMessage is the fixed failure text used when an attachment cannot be read.
const fileReadMessage = "File reading error"

// TransitionError reports an invalid session state transition.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// ModelActionError reports a failed list, add or delete call against the backend.
type ModelActionError struct {
	Action string
	Model  string
	Err    error
}

func (e *ModelActionError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("failed to %s models: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("failed to %s model %s: %v", e.Action, e.Model, e.Err)
}

func (e *ModelActionError) Unwrap() error {
	return e.Err
}

// failureContent renders the synthetic assistant turn shown when a session fails.
func failureContent(msg string) string {
	return "Sorry, something went wrong:  \n " + msg
}
