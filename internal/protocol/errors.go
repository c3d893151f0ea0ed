package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	CodeTransportClosed = "TRANSPORT_CLOSED"
	CodeTimeout         = "TIMEOUT"
	CodeRejected        = "REJECTED"
	CodeInvalid         = "INVALID"
	CodeTabGone         = "TAB_GONE"
	CodeValidation      = "VALIDATION"
)

// CodedError is a typed error used for stable mapping across hops and the
// control API.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the taxonomy code carried by err. Deadline errors that were
// never wrapped are reported as CodeTimeout.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// Result is the user-visible outcome shape. Nothing richer than this ever
// crosses a context boundary.
type Result struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// OK builds a successful result. A nil value leaves Value empty.
func OK(value any) Result {
	if value == nil {
		return Result{Success: true}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return Failure(NewError(CodeInvalid, "unencodable result value", err))
	}
	return Result{Success: true, Value: data}
}

// Failure converts err into a failed result.
func Failure(err error) Result {
	if err == nil {
		return Result{Success: false, Error: "unknown failure"}
	}
	return Result{Success: false, Error: err.Error()}
}

// ResultOf maps a terminal error to a Result.
func ResultOf(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	return Failure(err)
}

// Err returns nil for a successful result and a Rejected error otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = "remote reported failure"
	}
	return NewError(CodeRejected, msg, nil)
}

// Bool decodes Value as a JSON boolean. Anything else is false.
func (r Result) Bool() bool {
	if !r.Success || len(r.Value) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(r.Value, &b); err != nil {
		return false
	}
	return b
}
