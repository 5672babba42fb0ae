package planner

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks a planning attempt that could not be set up, such as a
	// missing script or an unusable walltime.
	ErrConfig = errors.New("configuration error")
	// ErrCheck marks a completion check that failed.
	ErrCheck = errors.New("completion check failed")
	// ErrRejected marks a submission the scheduler refused or failed.
	ErrRejected = errors.New("submission rejected")
)

// Error is returned for failed planning attempts. Output holds the
// scheduler's diagnostic text when Kind is ErrRejected.
type Error struct {
	Kind   error
	Msg    string
	Output string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is reports whether target is the error kind.
func (e *Error) Is(target error) bool { return e.Kind == target }

func (e *Error) Unwrap() error { return e.Err }

func configError(err error, format string, args ...any) error {
	return &Error{Kind: ErrConfig, Msg: fmt.Sprintf(format, args...), Err: err}
}

func checkError(err error, format string, args ...any) error {
	return &Error{Kind: ErrCheck, Msg: fmt.Sprintf(format, args...), Err: err}
}

func rejected(err error, output string) error {
	return &Error{Kind: ErrRejected, Output: output, Err: err}
}

// Output returns the scheduler diagnostic carried by err, if any.
func Output(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Output
	}
	return ""
}
