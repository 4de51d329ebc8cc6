// Package vdostatus defines the status codes that the metadata
// consistency engine surfaces to its device layer, rendered as Go
// errors that compose with google.golang.org/grpc/codes and
// pkg/util.StatusWrap the same way the rest of this module's ambient
// error handling does.
package vdostatus

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code is one of the status codes enumerated in the device-layer
// contract. The zero value, Success, is never carried by a non-nil
// Error.
type Code int

const (
	Success Code = iota
	ReadOnly
	ComponentBusy
	InvalidAdminState
	BadConfiguration
	CorruptJournal
	RefcountOverflow
	LockError
	NoSpace
	VolumeOverflow
)

func (c Code) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case ReadOnly:
		return "READ_ONLY"
	case ComponentBusy:
		return "COMPONENT_BUSY"
	case InvalidAdminState:
		return "INVALID_ADMIN_STATE"
	case BadConfiguration:
		return "BAD_CONFIGURATION"
	case CorruptJournal:
		return "CORRUPT_JOURNAL"
	case RefcountOverflow:
		return "REFCOUNT_OVERFLOW"
	case LockError:
		return "LOCK_ERROR"
	case NoSpace:
		return "NO_SPACE"
	case VolumeOverflow:
		return "VOLUME_OVERFLOW"
	default:
		return fmt.Sprintf("UNKNOWN_STATUS(%d)", int(c))
	}
}

// grpcCode is the gRPC code each status is rendered as when surfaced
// through pkg/util.StatusWrap-style helpers, so that callers elsewhere
// in the pack that test with status.Code(err) keep working.
func (c Code) grpcCode() codes.Code {
	switch c {
	case Success:
		return codes.OK
	case ReadOnly:
		return codes.Unavailable
	case ComponentBusy:
		return codes.Unavailable
	case InvalidAdminState:
		return codes.FailedPrecondition
	case BadConfiguration:
		return codes.InvalidArgument
	case CorruptJournal:
		return codes.DataLoss
	case RefcountOverflow:
		return codes.ResourceExhausted
	case LockError:
		return codes.ResourceExhausted
	case NoSpace:
		return codes.ResourceExhausted
	case VolumeOverflow:
		return codes.ResourceExhausted
	default:
		return codes.Unknown
	}
}

// Error is a status code carrying a human-readable message. Each call
// to New produces a distinct *Error value, which is what lets the
// read-only notifier (pkg/vdo/readonly) use pointer-identity
// compare-and-swap to implement "the observed error code equals the
// first one that won the CAS" (spec IR3) without a mutex.
type Error struct {
	Code    Code
	Message string
}

// New constructs an *Error for code with the given message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// GRPCStatus lets *Error compose with google.golang.org/grpc/status
// and status.Code(err), exactly as pkg/util's StatusWrap family
// expects of any error it wraps.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code.grpcCode(), e.Error())
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the Code carried by err, or Success if err is nil,
// or an unspecified non-Success code if err is some other error.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Code(-1)
}
