// Package executor runs generated queries against the configured backends
// and normalizes every result shape into ordered flat records.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-agent/internal/agenterr"
	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/deadline"
	"github.com/dvloznov/finance-agent/internal/domain"
)

// Executor holds no per-request state; backends are borrowed per call.
type Executor struct {
	registry *backend.Registry
	rowCap   int
	timeout  time.Duration
	log      zerolog.Logger
}

// New creates an Executor.
func New(registry *backend.Registry, cfg config.ExecutorConfig, log zerolog.Logger) *Executor {
	if cfg.RowCap <= 0 {
		cfg.RowCap = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Executor{
		registry: registry,
		rowCap:   cfg.RowCap,
		timeout:  cfg.Timeout,
		log:      log.With().Str("component", "executor").Logger(),
	}
}

// RowCap returns the configured maximum number of returned rows.
func (x *Executor) RowCap() int { return x.rowCap }

// Execute runs q. It never returns more than RowCap rows; failures come back
// as Success=false with a sanitized error kind and message.
func (x *Executor) Execute(ctx context.Context, q domain.GeneratedQuery) domain.ExecutionResult {
	start := time.Now()
	log := x.log.With().Str("backend", string(q.Backend)).Str("source", string(q.Source)).Logger()

	b, ok := x.registry.Get(q.Backend)
	if !ok {
		return x.fail(start, agenterr.New(agenterr.KindUnsupportedBackend, fmt.Errorf("backend %q not configured", q.Backend)), log)
	}
	return x.run(ctx, b, q, start, log)
}

// ExecuteOn runs q against a backend resolved by connection id or kind. It is
// the path used for caller-supplied native queries.
func (x *Executor) ExecuteOn(ctx context.Context, connectionID string, q domain.GeneratedQuery) domain.ExecutionResult {
	start := time.Now()
	log := x.log.With().Str("connection", connectionID).Str("source", string(q.Source)).Logger()

	b, ok := x.registry.Resolve(connectionID)
	if !ok {
		return x.fail(start, agenterr.New(agenterr.KindUnsupportedBackend, fmt.Errorf("connection %q not configured", connectionID)), log)
	}
	q.Backend = b.Kind()
	return x.run(ctx, b, q, start, log)
}

func (x *Executor) run(ctx context.Context, b backend.Backend, q domain.GeneratedQuery, start time.Time, log zerolog.Logger) domain.ExecutionResult {
	if err := b.ValidateSyntax(q.NativeText); err != nil {
		return x.fail(start, agenterr.New(agenterr.KindSynthesisValidationFailed, err), log)
	}

	execCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	raw, err := deadline.Run(execCtx, func(ctx context.Context) (*backend.RawResult, error) {
		return b.Execute(ctx, q, x.rowCap+1)
	})
	if err != nil {
		return x.fail(start, classify(ctx, execCtx, err), log)
	}
	if ctx.Err() != nil {
		return x.fail(start, agenterr.New(agenterr.KindRequestTimeout, ctx.Err()), log)
	}

	columns, rows := Normalize(raw)
	res := domain.ExecutionResult{
		Success: true,
		Columns: columns,
		Rows:    rows,
	}
	if len(res.Rows) > x.rowCap {
		res.Rows = res.Rows[:x.rowCap]
		res.Truncated = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: results truncated to %d rows",
			agenterr.KindRowCapExceeded, x.rowCap))
	}
	res.RowCount = len(res.Rows)
	res.ExecutionTime = time.Since(start)

	log.Debug().
		Int("rows", res.RowCount).
		Bool("truncated", res.Truncated).
		Dur("elapsed", res.ExecutionTime).
		Msg("query executed")
	return res
}

// classify maps a backend error onto an error kind. The parent context tells
// a request deadline apart from the execution timeout.
func classify(parent, execCtx context.Context, err error) error {
	var ae *agenterr.Error
	switch {
	case errors.As(err, &ae):
		return err
	case backend.IsSyntaxError(err):
		return agenterr.New(agenterr.KindSynthesisValidationFailed, err)
	case parent.Err() != nil:
		return agenterr.New(agenterr.KindRequestTimeout, err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return agenterr.New(agenterr.KindExecutionTimeout, err)
	default:
		return agenterr.New(agenterr.KindExecutionError, err)
	}
}

func (x *Executor) fail(start time.Time, err error, log zerolog.Logger) domain.ExecutionResult {
	kind := agenterr.KindOf(err)
	// raw backend text only goes to the log
	log.Warn().Err(err).Str("error_kind", string(kind)).Msg("query failed")
	return domain.ExecutionResult{
		Success:       false,
		Rows:          []domain.Row{},
		ExecutionTime: time.Since(start),
		ErrorKind:     string(kind),
		Error:         agenterr.ReasonOf(err),
	}
}
