// Package clonerr defines the tagged-variant error type used across the
// clone core, replacing the exception-hierarchy pattern of the system this
// core was distilled from with a flat set of stable numeric codes.
package clonerr

import (
	"errors"
	"fmt"
)

// Category groups related error codes into the ranges from the taxonomy.
type Category string

const (
	CategorySystem    Category = "system"
	CategoryAuth      Category = "authentication"
	CategoryOperation Category = "operation"
	CategoryValidation Category = "validation"
)

// Code is a stable numeric error code.
type Code int

// System errors: 1000-1099.
const (
	CodeGeneral Code = 1000 + iota
	CodeConfiguration
	CodeConnection
	CodeVMNotFound
	CodeVMExists
	CodeInsufficientResources
	CodeTransfer
	CodeValidation
	CodeOperationCancelled
	CodeHypervisor
)

// Authentication errors: 1100-1199.
const (
	CodeAuth Code = 1100 + iota
	CodeSSHKey
	CodePermissionDenied
	CodeHostKey
)

// Operation errors: 1200-1299.
const (
	CodeClone Code = 1200 + iota
	CodeSync
	CodeOperationTimeout
	CodeOperationNotFound
	CodeDiskSpace
	CodeNetwork
)

// Validation errors: 1300-1399.
const (
	CodeInvalidHost Code = 1300 + iota
	CodeInvalidVMName
	CodeInvalidPath
	CodeInvalidPort
	CodeInvalidTimeout
	CodeInvalidBandwidth
)

// codeNames maps each code to its short machine name.
var codeNames = map[Code]string{
	CodeGeneral:               "general",
	CodeConfiguration:         "configuration",
	CodeConnection:            "connection",
	CodeVMNotFound:            "vm-not-found",
	CodeVMExists:              "vm-exists",
	CodeInsufficientResources: "insufficient-resources",
	CodeTransfer:              "transfer",
	CodeValidation:            "validation",
	CodeOperationCancelled:    "operation-cancelled",
	CodeHypervisor:            "hypervisor",
	CodeAuth:                  "auth",
	CodeSSHKey:                "ssh-key",
	CodePermissionDenied:      "permission-denied",
	CodeHostKey:               "host-key",
	CodeClone:                 "clone",
	CodeSync:                  "sync",
	CodeOperationTimeout:      "operation-timeout",
	CodeOperationNotFound:     "operation-not-found",
	CodeDiskSpace:             "disk-space",
	CodeNetwork:               "network",
	CodeInvalidHost:           "invalid-host",
	CodeInvalidVMName:         "invalid-vm-name",
	CodeInvalidPath:           "invalid-path",
	CodeInvalidPort:           "invalid-port",
	CodeInvalidTimeout:        "invalid-timeout",
	CodeInvalidBandwidth:      "invalid-bandwidth",
}

func (c Code) Category() Category {
	switch {
	case c >= 1000 && c < 1100:
		return CategorySystem
	case c >= 1100 && c < 1200:
		return CategoryAuth
	case c >= 1200 && c < 1300:
		return CategoryOperation
	default:
		return CategoryValidation
	}
}

func (c Code) Name() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "unknown"
}

// Error is the single exported error type for the clone core. Every
// user-visible failure is constructed with one of the New* helpers below so
// that dispatch is always done with errors.As, never string matching.
type Error struct {
	Code        Code
	Message     string
	Field       string
	Remediation []string
	Retryable   bool
	Wrapped     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code.Name(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code.Name(), e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds a bare Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that chains an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// WithRemediation attaches a numbered remediation block to an error.
func (e *Error) WithRemediation(steps ...string) *Error {
	e.Remediation = steps
	return e
}

// WithField records which input field an error concerns (validation errors).
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// AsRetryable marks a transient error as safe to retry within C2's policy.
func (e *Error) AsRetryable() *Error {
	e.Retryable = true
	return e
}

// IsRetryable reports whether err is a clonerr.Error marked retryable.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// CodeOf extracts the numeric code from err, or CodeGeneral if err is not a
// *Error.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeGeneral
}

// ExitCode maps a code to the CLI exit-code contract (§6).
func (c Code) ExitCode() int {
	switch c {
	case CodeValidation, CodeInvalidHost, CodeInvalidVMName, CodeInvalidPath,
		CodeInvalidPort, CodeInvalidTimeout, CodeInvalidBandwidth:
		return 2
	case CodeConnection, CodeNetwork:
		return 3
	case CodeAuth, CodeSSHKey, CodePermissionDenied, CodeHostKey:
		return 4
	case CodeVMNotFound:
		return 5
	case CodeVMExists:
		return 6
	case CodeInsufficientResources, CodeDiskSpace:
		return 7
	case CodeTransfer:
		return 8
	case CodeOperationCancelled:
		return 9
	case CodeOperationTimeout:
		return 10
	default:
		return 1
	}
}
