// Package ecode defines the typed error carried across quantflow
// components. Every store, sink and decode failure is surfaced as a
// *Status with a Reason discriminant so callers can branch on the kind
// of failure without parsing messages.
package ecode

import (
	"errors"
	"fmt"
)

// Reason identifies the class of a failure.
type Reason string

const (
	ReasonRedis      Reason = "redis_error"
	ReasonScript     Reason = "script_error"
	ReasonDecode     Reason = "decode_error"
	ReasonDecimal    Reason = "decimal_error"
	ReasonEncoding   Reason = "encoding_error"
	ReasonDB         Reason = "db_error"
	ReasonClickhouse Reason = "clickhouse_error"
	ReasonConfig     Reason = "config_error"
	ReasonNotFound   Reason = "not_found"
)

// Status is the error type returned by quantflow components. It carries a
// numeric code, a Reason discriminant and a human readable message. The
// wrapped cause, when present, is reachable through errors.Unwrap.
type Status struct {
	Code    int
	Reason  Reason
	Message string
	cause   error
}

func (s *Status) Error() string {
	return fmt.Sprintf("%s: %s", s.Reason, s.Message)
}

func (s *Status) Unwrap() error {
	return s.cause
}

// New creates a Status without an underlying cause.
func New(reason Reason, message string) *Status {
	return &Status{Code: 500, Reason: reason, Message: message}
}

// Newf creates a Status with a formatted message.
func Newf(reason Reason, format string, args ...interface{}) *Status {
	return New(reason, fmt.Sprintf(format, args...))
}

// Wrap attaches a reason to an underlying error. A nil err yields nil so
// call sites can wrap unconditionally.
func Wrap(reason Reason, err error) error {
	if err == nil {
		return nil
	}
	return &Status{Code: 500, Reason: reason, Message: err.Error(), cause: err}
}

// Wrapf attaches a reason and a formatted message prefix to err.
func Wrapf(reason Reason, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Status{
		Code:    500,
		Reason:  reason,
		Message: fmt.Sprintf(format, args...) + ": " + err.Error(),
		cause:   err,
	}
}

// ReasonOf extracts the Reason from err. Errors that are not a *Status
// report an empty Reason.
func ReasonOf(err error) Reason {
	var s *Status
	if errors.As(err, &s) {
		return s.Reason
	}
	return ""
}

// Is reports whether err carries the given reason.
func Is(err error, reason Reason) bool {
	return ReasonOf(err) == reason
}
