package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	// Credential pipeline. All three are terminal for a materialization attempt.
	ErrCodeSecretUnavailable   = "SECRET_UNAVAILABLE"
	ErrCodeKeyDecryptionFailed = "KEY_DECRYPTION_FAILED"
	ErrCodeEncodingUnsupported = "ENCODING_UNSUPPORTED"

	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeConfig     = "CONFIG_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeStore      = "STORE_ERROR"
	ErrCodeVault      = "VAULT_ERROR"
	ErrCodeWarehouse  = "WAREHOUSE_ERROR"
	ErrCodeCheck      = "CHECK_FAILED"
	ErrCodeExecution  = "EXECUTION_ERROR"
)

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrSecretUnavailable   = &Error{Code: ErrCodeSecretUnavailable}
	ErrKeyDecryptionFailed = &Error{Code: ErrCodeKeyDecryptionFailed}
	ErrEncodingUnsupported = &Error{Code: ErrCodeEncodingUnsupported}
	ErrNotFound            = &Error{Code: ErrCodeNotFound}
	ErrWarehouse           = &Error{Code: ErrCodeWarehouse}
)

// Error is the structured error type for all keymat operations.
//
// Details may name a secret (its logical name and location) but must never
// carry a secret value, a passphrase or key bytes.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details, merging with any already present.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an *Error with the given code.
func HasCode(err error, code string) bool {
	return errors.Is(err, &Error{Code: code})
}
