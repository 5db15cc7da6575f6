// Package backend defines the capability interface every data store behind
// the agent implements, and a registry that dispatches by kind or id.
package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/dvloznov/finance-agent/internal/domain"
)

// Backend is one queryable data store.
type Backend interface {
	// Kind is the backend family this store belongs to.
	Kind() domain.BackendKind
	// ID is the configured connection id; it defaults to the kind.
	ID() string
	// Execute runs q and returns at most limit records. A limit <= 0 means no
	// limit; callers always pass one.
	Execute(ctx context.Context, q domain.GeneratedQuery, limit int) (*RawResult, error)
	// DescribeSchema lists the tables, labels and fields available.
	DescribeSchema(ctx context.Context) (*Schema, error)
	// ValidateSyntax is a cheap read-only check run before execution.
	ValidateSyntax(text string) error
}

// RawResult is a backend's answer before normalization. Record values may
// be nested maps or slices; the executor flattens them.
type RawResult struct {
	Columns []string
	Records []map[string]any
}

// SyntaxError reports a native query rejected before it reached the backend.
type SyntaxError struct {
	Backend domain.BackendKind
	Reason  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s syntax: %s", e.Backend, e.Reason)
}

// IsSyntaxError reports whether err is (or wraps) a SyntaxError.
func IsSyntaxError(err error) bool {
	var se *SyntaxError
	return errors.As(err, &se)
}

func syntaxErr(kind domain.BackendKind, format string, args ...any) error {
	return &SyntaxError{Backend: kind, Reason: fmt.Sprintf(format, args...)}
}

var namedParamRe = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)`)

// NamedParams returns the @name parameters referenced by a SQL statement in
// first-use order. Names inside string literals are ignored.
func NamedParams(text string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range namedParamRe.FindAllStringSubmatch(stripLiterals(text), -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
