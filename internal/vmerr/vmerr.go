// Package vmerr implements the error taxonomy described for the VM
// lifecycle control plane: a small set of kinds that callers classify with
// errors.As rather than per-operation bespoke error types.
package vmerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind distinguishes the taxonomy described in the control plane's error
// handling design: SchemaError, Conflict, DeviceBusy, MonitorError,
// HostResourceError, StorageError and the internal-only Skip marker.
type Kind int

const (
	KindSchema Kind = iota
	KindConflict
	KindDeviceBusy
	KindMonitor
	KindHostResource
	KindStorage
	KindSkip
)

func (k Kind) String() string {
	switch k {
	case KindSchema:
		return "schema"
	case KindConflict:
		return "conflict"
	case KindDeviceBusy:
		return "device-busy"
	case KindMonitor:
		return "monitor"
	case KindHostResource:
		return "host-resource"
	case KindStorage:
		return "storage"
	case KindSkip:
		return "skip"
	}
	return "unknown"
}

// Error wraps a cause with a Kind and, where applicable, the offending
// option name.
type Error struct {
	Kind   Kind
	Option string
	cause  error
}

func (e *Error) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Option, e.cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, option string, cause error) *Error {
	return &Error{Kind: kind, Option: option, cause: cause}
}

func Schema(option string, cause error) *Error {
	return newErr(KindSchema, option, cause)
}

func Schemaf(option, format string, args ...interface{}) *Error {
	return newErr(KindSchema, option, fmt.Errorf(format, args...))
}

func Conflict(cause error) *Error { return newErr(KindConflict, "", cause) }

func Conflictf(format string, args ...interface{}) *Error {
	return newErr(KindConflict, "", fmt.Errorf(format, args...))
}

func DeviceBusy(option string, cause error) *Error {
	return newErr(KindDeviceBusy, option, cause)
}

func Monitor(cause error) *Error { return newErr(KindMonitor, "", cause) }

func HostResource(cause error) *Error { return newErr(KindHostResource, "", cause) }

func Storage(cause error) *Error { return newErr(KindStorage, "", cause) }

// Skip is the pending engine's internal marker meaning "this option is not
// hot-pluggable right now, keep it pending". It must never be surfaced to a
// user as a failure.
var Skip = newErr(KindSkip, "", errors.New("not hot-pluggable"))

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Wrap is a thin indirection over errors.Wrap, kept here so every internal
// package shares one import for the wrapping convention.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
