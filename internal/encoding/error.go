package encoding

import (
	"fmt"

	"github.com/amqpcore/coreamqp/internal/buffer"
)

// ErrorCondition is a registered AMQP 1.0 error condition symbol.
type ErrorCondition Symbol

// Standard condition symbols from the AMQP 1.0 core and transport spec,
// used both on the wire and by the constructors below.
const (
	ErrCondInternalError         ErrorCondition = "amqp:internal-error"
	ErrCondNotFound              ErrorCondition = "amqp:not-found"
	ErrCondUnauthorizedAccess    ErrorCondition = "amqp:unauthorized-access"
	ErrCondDecodeError           ErrorCondition = "amqp:decode-error"
	ErrCondInvalidField          ErrorCondition = "amqp:invalid-field"
	ErrCondNotAllowed            ErrorCondition = "amqp:not-allowed"
	ErrCondNotImplemented        ErrorCondition = "amqp:not-implemented"
	ErrCondResourceLimitExceeded ErrorCondition = "amqp:resource-limit-exceeded"
	ErrCondIllegalState          ErrorCondition = "amqp:illegal-state"
	ErrCondFrameSizeTooSmall     ErrorCondition = "amqp:frame-size-too-small"
)

// Error is the AMQP wire-level error record attached to Close, End,
// Detach, and rejecting Dispositions.
type Error struct {
	Condition   ErrorCondition
	Description string
	Info        map[Symbol]any
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Description == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

func (e *Error) deliveryState() {}

// NewError builds an Error for the given condition.
func NewError(cond ErrorCondition, description string) *Error {
	return &Error{Condition: cond, Description: description}
}

// Errorf builds an Error for the given condition with a formatted
// description, returned as an error for use at call sites that don't need
// the concrete *Error (e.g. ValidateExpiryPolicy).
func Errorf(cond ErrorCondition, format string, args ...any) error {
	return NewError(cond, fmt.Sprintf(format, args...))
}

func ErrInternalError(description string) *Error         { return NewError(ErrCondInternalError, description) }
func ErrNotFound(description string) *Error              { return NewError(ErrCondNotFound, description) }
func ErrUnauthorizedAccess(description string) *Error    { return NewError(ErrCondUnauthorizedAccess, description) }
func ErrDecodeError(description string) *Error           { return NewError(ErrCondDecodeError, description) }
func ErrInvalidField(description string) *Error          { return NewError(ErrCondInvalidField, description) }
func ErrNotAllowed(description string) *Error            { return NewError(ErrCondNotAllowed, description) }
func ErrNotImplemented(description string) *Error        { return NewError(ErrCondNotImplemented, description) }
func ErrResourceLimitExceeded(description string) *Error { return NewError(ErrCondResourceLimitExceeded, description) }
func ErrIllegalState(description string) *Error          { return NewError(ErrCondIllegalState, description) }
func ErrFrameSizeTooSmall(description string) *Error     { return NewError(ErrCondFrameSizeTooSmall, description) }

// Marshal writes the Error as a described list (AMQP error composite).
func (e *Error) Marshal(wr *buffer.Buffer) error {
	if e == nil {
		wr.WriteByte(byte(TypeCodeNull))
		return nil
	}
	return MarshalComposite(wr, TypeCodeError, []MarshalField{
		{Value: Symbol(e.Condition), Omit: false},
		{Value: e.Description, Omit: e.Description == ""},
		{Value: e.Info, Omit: len(e.Info) == 0},
	})
}

// UnmarshalError reads an Error composite, returning (nil, nil) if the
// field was encoded as null.
func UnmarshalError(r *buffer.Buffer) (*Error, error) {
	e := &Error{}
	var cond Symbol
	var info map[Symbol]any
	isNull, err := UnmarshalComposite(r, TypeCodeError,
		UnmarshalField{Field: &cond},
		UnmarshalField{Field: &e.Description},
		UnmarshalField{Field: &info},
	)
	if err != nil || isNull {
		return nil, err
	}
	e.Condition = ErrorCondition(cond)
	e.Info = info
	return e, nil
}
