// Package errors defines the sentinel errors shared across the engines and a
// structured error type that carries context fields, a code and the call
// site it was raised from.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

var (
	ErrNotFound      = errors.New("resource not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternalError = errors.New("internal error")
	ErrNotSupported  = errors.New("operation not supported")
	ErrTimeout       = errors.New("operation timed out")
	ErrUnavailable   = errors.New("service unavailable")
	ErrCanceled      = errors.New("operation canceled")

	ErrInvalidQuery       = errors.New("invalid search query")
	ErrUnknownAttribute   = errors.New("unknown query attribute")
	ErrInvalidSIPMessage  = errors.New("invalid SIP message")
	ErrSessionNotFound    = errors.New("session not found")
	ErrReconstructFailure = errors.New("media reconstruction failure")
)

// Error is a structured error: it wraps an underlying error (often one of
// the sentinels above) and carries a message, context fields, a code and the
// file:line it was created at.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int
	Code     string
}

// build assembles an *Error; skip counts stack frames above the exported
// constructor so Location points at the caller.
func build(skip int, original error, code, message string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(skip + 1)
	fieldMap := map[string]interface{}{}
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	}
	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a structured error with the given message.
func New(message string, fields ...map[string]interface{}) *Error {
	return build(1, errors.New(message), "", message, fields)
}

// Wrap annotates an existing error. Returns nil for a nil error so call
// sites can wrap unconditionally.
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return build(1, err, "", message, fields)
}

// clone copies the error so the With* helpers never mutate a shared value.
func (e *Error) clone() *Error {
	out := *e
	out.fields = make(map[string]interface{}, len(e.fields)+1)
	for k, v := range e.fields {
		out.fields[k] = v
	}
	return &out
}

// WithField returns a copy of the error with one extra context field.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	out := e.clone()
	out.fields[key] = value
	return out
}

// WithFields returns a copy of the error with extra context fields.
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	out := e.clone()
	for k, v := range fields {
		out.fields[k] = v
	}
	return out
}

// WithCode returns a copy of the error with the given code.
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	out := e.clone()
	out.Code = code
	return out
}

func (e *Error) Error() string {
	switch {
	case e == nil || e.original == nil:
		return ""
	case e.message == "":
		return e.original.Error()
	case e.message == e.original.Error():
		return e.message
	default:
		return fmt.Sprintf("%s: %v", e.message, e.original)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line the error was created at.
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(e.file), e.line)
}

// GetFields returns the error's context fields.
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code.
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// Is matches against the wrapped error chain, so sentinel checks see
// through the structured wrapper.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	return e == target || errors.Is(e.original, target)
}

// NewInvalidQuery reports a query the compiler or an engine rejected.
func NewInvalidQuery(details string, fields ...map[string]interface{}) *Error {
	msg := fmt.Sprintf("invalid search query: %s", details)
	return build(1, ErrInvalidQuery, "INVALID_QUERY", msg, fields)
}

// NewUnknownAttribute reports a query attribute absent from the catalog.
func NewUnknownAttribute(attribute string, fields ...map[string]interface{}) *Error {
	msg := fmt.Sprintf("unknown query attribute: %s", attribute)
	return build(1, ErrUnknownAttribute, "UNKNOWN_ATTRIBUTE", msg, fields).
		WithField("attribute", attribute)
}

// NewNotSupported reports an operation outside this deployment's scope.
func NewNotSupported(operation string, fields ...map[string]interface{}) *Error {
	msg := fmt.Sprintf("operation not supported: %s", operation)
	return build(1, ErrNotSupported, "NOT_SUPPORTED", msg, fields)
}

// NewTimeout reports a store call that exceeded its execution ceiling.
func NewTimeout(details string, fields ...map[string]interface{}) *Error {
	msg := fmt.Sprintf("operation timed out: %s", details)
	return build(1, ErrTimeout, "TIMEOUT", msg, fields)
}

// NewInternalError reports an unexpected failure.
func NewInternalError(message string, fields ...map[string]interface{}) *Error {
	return build(1, ErrInternalError, "INTERNAL_ERROR", message, fields)
}

// NewInvalidSIP reports a payload the SIP decoder rejected.
func NewInvalidSIP(details string, fields ...map[string]interface{}) *Error {
	msg := fmt.Sprintf("invalid SIP message: %s", details)
	return build(1, ErrInvalidSIPMessage, "INVALID_SIP_MESSAGE", msg, fields)
}

// IsErrorType reports whether err matches target anywhere in its chain.
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the code from a structured error, or "".
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts the context fields from a structured error.
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
