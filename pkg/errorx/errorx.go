// Package errorx defines the error taxonomy shared by every parley component.
//
// Each failure carries a Code. Callers match on the code with errors.Is against
// the exported sentinels, so wrapping with fmt.Errorf("...: %w", err) keeps the
// classification intact:
//
//	if errors.Is(err, errorx.ErrVersionConflict) {
//	    // re-read the artifact and retry
//	}
package errorx

import (
	"errors"
	"fmt"
)

// Code classifies a failure.
type Code string

const (
	CodeTurnConflict        Code = "TurnConflict"
	CodeUnknownTool         Code = "UnknownTool"
	CodeInvalidArguments    Code = "InvalidArguments"
	CodeToolTimeout         Code = "ToolTimeout"
	CodeToolExecutionFailed Code = "ToolExecutionFailed"
	CodeVersionConflict     Code = "VersionConflict"
	CodeStreamExpired       Code = "StreamExpired"
	CodeModelProviderError  Code = "ModelProviderError"
	CodeUnknownModel        Code = "UnknownModel"
	CodeNotFound            Code = "NotFound"
)

var (
	ErrTurnConflict        = &Error{Code: CodeTurnConflict}
	ErrUnknownTool         = &Error{Code: CodeUnknownTool}
	ErrInvalidArguments    = &Error{Code: CodeInvalidArguments}
	ErrToolTimeout         = &Error{Code: CodeToolTimeout}
	ErrToolExecutionFailed = &Error{Code: CodeToolExecutionFailed}
	ErrVersionConflict     = &Error{Code: CodeVersionConflict}
	ErrStreamExpired       = &Error{Code: CodeStreamExpired}
	ErrModelProviderError  = &Error{Code: CodeModelProviderError}
	ErrUnknownModel        = &Error{Code: CodeUnknownModel}
	ErrNotFound            = &Error{Code: CodeNotFound}
)

// Error is a classified failure. Field is only set for InvalidArguments and
// names the argument that violated the schema.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Field != "" && msg != "":
		return fmt.Sprintf("%s: %s (field %q)", e.Code, msg, e.Field)
	case msg != "":
		return fmt.Sprintf("%s: %s", e.Code, msg)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a classified error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func TurnConflict(chatID, owner string) *Error {
	return New(CodeTurnConflict, "chat %s already has an active turn %s", chatID, owner)
}

func UnknownTool(name string) *Error {
	return New(CodeUnknownTool, "unknown tool %s", name)
}

func InvalidArguments(field, reason string) *Error {
	return &Error{Code: CodeInvalidArguments, Message: reason, Field: field}
}

func ToolTimeout(name string, after fmt.Stringer) *Error {
	return New(CodeToolTimeout, "tool %s timed out after %s", name, after)
}

func ToolExecutionFailed(name string, err error) *Error {
	return &Error{Code: CodeToolExecutionFailed, Message: fmt.Sprintf("tool %s failed", name), Err: err}
}

func VersionConflict(artifactID string, base, current int) *Error {
	return New(CodeVersionConflict, "artifact %s is at version %d, update was based on %d", artifactID, current, base)
}

func StreamExpired(streamID string) *Error {
	return New(CodeStreamExpired, "stream %s is expired or unknown", streamID)
}

func ModelProviderError(err error) *Error {
	return &Error{Code: CodeModelProviderError, Message: "model provider failed", Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or an empty code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// FieldOf returns the violated field of an InvalidArguments error.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}
