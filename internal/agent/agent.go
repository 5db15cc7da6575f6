// Package agent answers natural-language questions about transactions:
// classify, synthesize, execute, interpret, audit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-agent/internal/agenterr"
	"github.com/dvloznov/finance-agent/internal/audit"
	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/domain"
	"github.com/dvloznov/finance-agent/internal/executor"
	"github.com/dvloznov/finance-agent/internal/intent"
	"github.com/dvloznov/finance-agent/internal/interpret"
	"github.com/dvloznov/finance-agent/internal/provider"
	"github.com/dvloznov/finance-agent/internal/synth"
)

// Auditor receives one record per request. Emit must not block.
type Auditor interface {
	Emit(ctx context.Context, r audit.Record)
}

type nopAuditor struct{}

func (nopAuditor) Emit(context.Context, audit.Record) {}

// Request is one question.
type Request struct {
	Query string
	// DatabaseID optionally pins the backend, by kind or connection id.
	DatabaseID string
	UserID     string
	Timestamp  time.Time
}

// Response is the full answer to a Request. On failure it still carries a
// best-effort Interpretation.
type Response struct {
	QueryID        string
	Success        bool
	Intent         domain.QueryIntent
	Query          *domain.GeneratedQuery
	Result         domain.ExecutionResult
	Interpretation interpret.Interpretation
	Attempts       []provider.Attempt
	Elapsed        time.Duration
	ErrorKind      agenterr.Kind
}

// DirectRequest runs a caller-supplied native query.
type DirectRequest struct {
	ConnectionID string
	Query        string
	Params       map[string]any
	UserID       string
}

// Agent is safe for concurrent use; it holds no per-request state.
type Agent struct {
	classifier  *intent.Classifier
	synthesizer *synth.Synthesizer
	executor    *executor.Executor
	registry    *backend.Registry
	auditor     Auditor
	timeout     time.Duration
	log         zerolog.Logger
}

// Deps are the components an Agent drives.
type Deps struct {
	Classifier  *intent.Classifier
	Synthesizer *synth.Synthesizer
	Executor    *executor.Executor
	Registry    *backend.Registry
	// Auditor may be nil.
	Auditor Auditor
}

// New creates an Agent.
func New(cfg config.AgentConfig, deps Deps, log zerolog.Logger) *Agent {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	a := &Agent{
		classifier:  deps.Classifier,
		synthesizer: deps.Synthesizer,
		executor:    deps.Executor,
		registry:    deps.Registry,
		auditor:     deps.Auditor,
		timeout:     timeout,
		log:         log.With().Str("component", "agent").Logger(),
	}
	if a.auditor == nil {
		a.auditor = nopAuditor{}
	}
	return a
}

// Ask answers req within the request deadline. The returned error is an
// *agenterr.Error whenever the Response reports a failure; the Response is
// never nil.
func (a *Agent) Ask(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return a.Reject(ctx, req, "the query is empty")
	}

	start := time.Now()
	resp := &Response{QueryID: uuid.New().String()}
	log := a.log.With().Str("query_id", resp.QueryID).Logger()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp.Intent = a.classifier.Classify(req.Query)
	log.Debug().
		Str("intent_type", string(resp.Intent.Type)).
		Float64("confidence", resp.Intent.Confidence).
		Bool("low_confidence", resp.Intent.LowConfidence).
		Msg("intent classified")

	q, attempts, err := a.synthesizer.Synthesize(ctx, resp.Intent, synth.Options{Backend: req.DatabaseID})
	resp.Attempts = attempts
	if err != nil {
		err = deadline(ctx, err)
		a.finish(ctx, req, resp, start, err, log)
		return resp, err
	}
	resp.Query = q

	res := a.executor.Execute(ctx, *q)
	if ctx.Err() != nil {
		// partial results are discarded
		err := agenterr.New(agenterr.KindRequestTimeout, ctx.Err())
		a.finish(ctx, req, resp, start, err, log)
		return resp, err
	}
	resp.Result = res
	if !res.Success {
		err := agenterr.Newf(agenterr.Kind(res.ErrorKind), nil, "%s", res.Error)
		a.finish(ctx, req, resp, start, err, log)
		return resp, err
	}

	resp.Success = true
	resp.Interpretation = interpret.Interpret(resp.Intent, res)
	a.finish(ctx, req, resp, start, nil, log)
	return resp, nil
}

// Reject records a request that never reached the pipeline as an
// InvalidRequest failure, audited like any other.
func (a *Agent) Reject(ctx context.Context, req Request, reason string) (*Response, error) {
	start := time.Now()
	resp := &Response{QueryID: uuid.New().String()}
	err := agenterr.Newf(agenterr.KindInvalidRequest, nil, "%s", reason)
	a.finish(ctx, req, resp, start, err, a.log.With().Str("query_id", resp.QueryID).Logger())
	return resp, err
}

// Direct runs a native query straight through the executor. Only syntax
// validation stands between the caller and the backend.
func (a *Agent) Direct(ctx context.Context, req DirectRequest) domain.ExecutionResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	q := domain.GeneratedQuery{
		NativeText: req.Query,
		Parameters: req.Params,
		Source:     domain.SourceDirect,
	}
	res := a.executor.ExecuteOn(ctx, req.ConnectionID, q)

	rec := audit.Record{
		QueryID:         uuid.New().String(),
		UserID:          req.UserID,
		QueryText:       req.Query,
		BackendUsed:     req.ConnectionID,
		NativeText:      req.Query,
		Source:          string(domain.SourceDirect),
		ExecutionTimeMS: res.ExecutionTime.Milliseconds(),
		TotalTimeMS:     time.Since(start).Milliseconds(),
		RowCount:        int64(res.RowCount),
		Truncated:       res.Truncated,
		Success:         res.Success,
		ErrorKind:       res.ErrorKind,
		CreatedAt:       time.Now().UTC(),
	}
	a.auditor.Emit(context.WithoutCancel(ctx), rec)
	return res
}

// Schemas describes every configured backend. Backends whose schema could
// not be read are reported in the error map by kind.
func (a *Agent) Schemas(ctx context.Context) (map[domain.BackendKind]*backend.Schema, map[domain.BackendKind]error) {
	return a.registry.Schemas(ctx)
}

// finish fills the failure fields, logs and audits. It runs exactly once per
// request.
func (a *Agent) finish(ctx context.Context, req Request, resp *Response, start time.Time, err error, log zerolog.Logger) {
	resp.Elapsed = time.Since(start)
	if err != nil {
		resp.Success = false
		resp.ErrorKind = agenterr.KindOf(err)
		resp.Result = domain.ExecutionResult{
			Success:       false,
			Rows:          []domain.Row{},
			ExecutionTime: resp.Result.ExecutionTime,
			ErrorKind:     string(resp.ErrorKind),
			Error:         agenterr.ReasonOf(err),
		}
		resp.Interpretation = interpret.Failure(resp.Intent, err)
		log.Warn().Err(err).Str("error_kind", string(resp.ErrorKind)).Dur("elapsed", resp.Elapsed).Msg("query failed")
	} else {
		log.Info().
			Str("backend", string(resp.Query.Backend)).
			Str("source", string(resp.Query.Source)).
			Int("rows", resp.Result.RowCount).
			Dur("elapsed", resp.Elapsed).
			Msg("query answered")
	}

	// the audit outlives the request deadline
	a.auditor.Emit(context.WithoutCancel(ctx), a.record(req, resp))
}

func (a *Agent) record(req Request, resp *Response) audit.Record {
	created := req.Timestamp
	if created.IsZero() {
		created = time.Now()
	}
	r := audit.Record{
		QueryID:         resp.QueryID,
		UserID:          req.UserID,
		QueryText:       req.Query,
		IntentType:      string(resp.Intent.Type),
		ExecutionTimeMS: resp.Result.ExecutionTime.Milliseconds(),
		TotalTimeMS:     resp.Elapsed.Milliseconds(),
		RowCount:        int64(resp.Result.RowCount),
		Truncated:       resp.Result.Truncated,
		Success:         resp.Success,
		ErrorKind:       string(resp.ErrorKind),
		Confidence:      resp.Interpretation.Confidence,
		CreatedAt:       created.UTC(),
	}
	if q := resp.Query; q != nil {
		r.BackendUsed = string(q.Backend)
		r.NativeText = q.NativeText
		r.Source = string(q.Source)
		r.Template = q.Template
		r.Provider = q.Provider
	}
	for _, at := range resp.Attempts {
		r.Attempts = append(r.Attempts, audit.Attempt{
			Provider:  at.Provider,
			Outcome:   string(at.Outcome),
			ElapsedMS: at.Elapsed.Milliseconds(),
		})
	}
	return r
}

// deadline turns any failure that happened after the request deadline into
// a RequestTimeout.
func deadline(ctx context.Context, err error) error {
	if ctx.Err() == nil || agenterr.Is(err, agenterr.KindRequestTimeout) {
		return err
	}
	return agenterr.New(agenterr.KindRequestTimeout, fmt.Errorf("deadline: %w", errors.Join(err, ctx.Err())))
}
