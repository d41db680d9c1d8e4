// Package errs defines the runtime error taxonomy shared by the heap,
// the machine and the scheduler.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure.
type Kind uint8

const (
	Fault Kind = iota // malformed bytecode or broken internal invariant
	ArityMismatch
	TypeMismatch
	OutOfRange
	UnassignedAccess
	OutOfMemory
	Deadlock
	NonCallable
	UserError // raised by the error builtin
)

var kindNames = [...]string{
	Fault:            "Fault",
	ArityMismatch:    "ArityMismatch",
	TypeMismatch:     "TypeMismatch",
	OutOfRange:       "OutOfRange",
	UnassignedAccess: "UnassignedAccess",
	OutOfMemory:      "OutOfMemory",
	Deadlock:         "Deadlock",
	NonCallable:      "NonCallable",
	UserError:        "UserError",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Global reports whether the kind fails a whole run rather than one machine.
func (k Kind) Global() bool {
	return k == Deadlock
}

// Error is a classified runtime failure.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Msg
}

// Is matches any *Error of the same kind, so the sentinels below work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	if len(args) == 0 {
		return &Error{Kind: kind, Msg: format}
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is.
var (
	ErrFault            = &Error{Kind: Fault}
	ErrArityMismatch    = &Error{Kind: ArityMismatch}
	ErrTypeMismatch     = &Error{Kind: TypeMismatch}
	ErrOutOfRange       = &Error{Kind: OutOfRange}
	ErrUnassignedAccess = &Error{Kind: UnassignedAccess}
	ErrOutOfMemory      = &Error{Kind: OutOfMemory}
	ErrDeadlock         = &Error{Kind: Deadlock}
	ErrNonCallable      = &Error{Kind: NonCallable}
	ErrUserError        = &Error{Kind: UserError}
)

// KindOf extracts the Kind of err, or Fault if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fault
}

// FromPanic converts a recovered panic value into an error. Heap accessors
// panic with *Error; anything else becomes a Fault.
func FromPanic(r any) error {
	switch v := r.(type) {
	case *Error:
		return v
	case error:
		return &Error{Kind: Fault, Msg: v.Error()}
	default:
		return &Error{Kind: Fault, Msg: fmt.Sprint(v)}
	}
}
