// Package errcode defines the stable error codes reported to plugin clients.
package errcode

import (
	"errors"
	"fmt"
)

// Code is the wire-stable identifier of a failure class.
type Code string

const (
	UnknownVoice          Code = "UnknownVoice"
	UnsupportedVoice      Code = "UnsupportedVoice"
	UnsupportedFormat     Code = "UnsupportedFormat"
	DuplicateToken        Code = "DuplicateToken"
	BackendInitError      Code = "BackendInitError"
	BackendTimeout        Code = "BackendTimeout"
	BackendRuntimeError   Code = "BackendRuntimeError"
	MalformedMessage      Code = "MalformedMessage"
	ConnectionClosed      Code = "ConnectionClosed"
	OperationNotSupported Code = "OperationNotSupported"
	Internal              Code = "Internal"
)

// Error carries a Code alongside a human-readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, errcode.New(UnknownVoice, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Of extracts the code from err, returning Internal for uncoded errors and ""
// for nil.
func Of(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return Internal
}

// Message returns the human-readable part of a coded error, or err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		if coded.Err != nil && coded.Message != "" {
			return coded.Message + ": " + coded.Err.Error()
		}
		if coded.Message != "" {
			return coded.Message
		}
		if coded.Err != nil {
			return coded.Err.Error()
		}
	}
	return err.Error()
}

// Has reports whether err carries the given code.
func Has(err error, code Code) bool {
	return Of(err) == code
}
