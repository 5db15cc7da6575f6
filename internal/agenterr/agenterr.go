// Package agenterr defines the failure kinds surfaced by the query agent.
//
// An Error carries a Kind, a public Reason that is safe to show to users, and
// the internal cause. Only Kind and Reason ever leave the process; the cause is
// for logs.
package agenterr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindLowConfidenceIntent       Kind = "LowConfidenceIntent"
	KindUnsupportedBackend        Kind = "UnsupportedBackend"
	KindAllProvidersExhausted     Kind = "AllProvidersExhausted"
	KindSynthesisValidationFailed Kind = "SynthesisValidationFailed"
	KindExecutionTimeout          Kind = "ExecutionTimeout"
	KindExecutionError            Kind = "ExecutionError"
	KindRowCapExceeded            Kind = "RowCapExceeded"
	KindRequestTimeout            Kind = "RequestTimeout"
	KindInvalidRequest            Kind = "InvalidRequest"
)

var publicReasons = map[Kind]string{
	KindLowConfidenceIntent:       "the question was too ambiguous to answer reliably",
	KindUnsupportedBackend:        "no configured data source can answer this kind of question",
	KindAllProvidersExhausted:     "no query could be generated for this question",
	KindSynthesisValidationFailed: "the generated query did not pass validation",
	KindExecutionTimeout:          "the data source took too long to respond",
	KindExecutionError:            "the data source could not run the query",
	KindRowCapExceeded:            "the result was truncated to the row limit",
	KindRequestTimeout:            "the request exceeded its time limit",
	KindInvalidRequest:            "the request was invalid",
}

// PublicReason returns the user-facing text for a kind.
func PublicReason(k Kind) string {
	if r, ok := publicReasons[k]; ok {
		return r
	}
	return "an internal error occurred"
}

// Error is a classified agent failure.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

// New creates an Error with the default public reason for kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Reason: PublicReason(kind), Err: cause}
}

// Newf creates an Error whose public reason is formatted by the caller.
// Callers must not interpolate backend or provider output into reason.
func Newf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind of err. Context errors map to the timeout kinds;
// anything else unclassified is an ExecutionError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindRequestTimeout
	}
	return KindExecutionError
}

// ReasonOf returns the sanitized public reason for err.
func ReasonOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Reason != "" {
		return ae.Reason
	}
	return PublicReason(KindOf(err))
}

// Is reports whether err is an agent error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
