package calls

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateSession  = errors.New("duplicate session")
	ErrUnknownSession    = errors.New("unknown session")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrRemoteAction      = errors.New("remote action failed")
	ErrGeneration        = errors.New("generation failed")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// ActionError reports a failed Call Control action. It matches ErrRemoteAction
// under errors.Is.
type ActionError struct {
	Action string
	Token  string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Action, e.Token, e.Err)
}

func (e *ActionError) Unwrap() []error { return []error{ErrRemoteAction, e.Err} }

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}
