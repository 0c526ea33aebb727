package fault

import (
	"errors"
	"fmt"
)

// Kind says how the provisioning flow should react to an error.
type Kind string

const (
	// Transient errors (timeouts, dropped links, 5xx) are retried with backoff.
	Transient Kind = "transient"
	// Rejected errors are business-rule refusals surfaced to the technician.
	Rejected Kind = "rejected"
	// Fatal errors abort the session.
	Fatal Kind = "fatal"
)

// Error attaches a Kind to a cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classified is implemented by errors that know their own kind.
type Classified interface {
	FaultKind() Kind
}

func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func TransientErr(err error) error { return Wrap(Transient, err) }
func RejectedErr(err error) error  { return Wrap(Rejected, err) }
func FatalErr(err error) error     { return Wrap(Fatal, err) }

// KindOf classifies err. Unknown errors are fatal; a cancelled or expired
// context is fatal too since retrying cannot help.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var c Classified
	if errors.As(err, &c) {
		return c.FaultKind()
	}
	return Fatal
}

func IsTransient(err error) bool { return KindOf(err) == Transient }
