// Package provider runs model-based query synthesis across an ordered chain
// of language-model providers, each guarded by a timeout, a rate limiter
// and a circuit breaker.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dvloznov/finance-agent/internal/agenterr"
	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/deadline"
	"github.com/dvloznov/finance-agent/internal/domain"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 10 * time.Second

// Provider is one language-model endpoint.
type Provider interface {
	Name() string
	// Generate returns the raw completion for prompt.
	Generate(ctx context.Context, prompt string) (string, error)
}

// Outcome classifies one provider attempt.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeError       Outcome = "error"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeRateLimited Outcome = "rate_limited"
)

// Attempt records one provider try. Detail is safe to show to a model or a
// log reader; Err keeps the raw cause for logs only.
type Attempt struct {
	Provider string        `json:"provider"`
	Outcome  Outcome       `json:"outcome"`
	Elapsed  time.Duration `json:"elapsed"`
	Detail   string        `json:"detail,omitempty"`
	Err      error         `json:"-"`
}

// Request is what the synthesizer asks a model to produce.
type Request struct {
	Intent domain.QueryIntent
	Kind   domain.BackendKind
	Schema *backend.Schema
	// Validate is the target backend's syntax check.
	Validate func(text string) error
	// Params are offered to the model by name and attached to the result.
	Params map[string]any
}

// Entry configures one provider in the chain.
type Entry struct {
	Provider      Provider
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

type handle struct {
	provider Provider
	timeout  time.Duration
	limiter  *rate.Limiter
	breaker  *Breaker
}

// Orchestrator tries providers in order. Breaker state is the only thing it
// shares between concurrent requests.
type Orchestrator struct {
	handles []*handle
	log     zerolog.Logger
}

// NewOrchestrator builds the chain in the given order.
func NewOrchestrator(log zerolog.Logger, breaker config.BreakerConfig, entries ...Entry) *Orchestrator {
	o := &Orchestrator{log: log.With().Str("component", "provider_chain").Logger()}
	for _, e := range entries {
		h := &handle{
			provider: e.Provider,
			timeout:  e.Timeout,
			breaker:  NewBreaker(breaker),
		}
		if h.timeout <= 0 {
			h.timeout = DefaultTimeout
		}
		if e.RatePerSecond > 0 {
			burst := e.Burst
			if burst <= 0 {
				burst = 1
			}
			h.limiter = rate.NewLimiter(rate.Limit(e.RatePerSecond), burst)
		}
		o.handles = append(o.handles, h)
	}
	return o
}

// Len returns the number of configured providers.
func (o *Orchestrator) Len() int { return len(o.handles) }

// BreakerStates reports the circuit state per provider name.
func (o *Orchestrator) BreakerStates() map[string]string {
	out := make(map[string]string, len(o.handles))
	for _, h := range o.handles {
		out[h.provider.Name()] = h.breaker.State().String()
	}
	return out
}

// Synthesize asks each provider in turn for a native query and returns the
// first one that passes validation. prior attempts from earlier rounds are
// shown to the models. Every provider gets at most one call, so the total
// time is bounded by the sum of their timeouts.
func (o *Orchestrator) Synthesize(ctx context.Context, req Request, prior []Attempt) (*domain.GeneratedQuery, []Attempt, error) {
	attempts := append([]Attempt(nil), prior...)
	var errs []error

	for _, h := range o.handles {
		if err := ctx.Err(); err != nil {
			return nil, attempts, agenterr.New(agenterr.KindRequestTimeout, err)
		}

		a, q := o.try(ctx, h, req, attempts)
		attempts = append(attempts, a)

		log := o.log.With().Str("provider", a.Provider).Str("outcome", string(a.Outcome)).Dur("elapsed", a.Elapsed).Logger()
		if q != nil {
			log.Debug().Msg("provider produced query")
			return q, attempts, nil
		}
		log.Warn().Err(a.Err).Str("detail", a.Detail).Msg("provider attempt failed")
		if a.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Provider, a.Err))
		}
		if ctx.Err() != nil {
			return nil, attempts, agenterr.New(agenterr.KindRequestTimeout, ctx.Err())
		}
	}

	cause := errors.Join(errs...)
	if cause == nil {
		cause = errors.New("no provider available")
	}
	return nil, attempts, agenterr.New(agenterr.KindAllProvidersExhausted, cause)
}

func (o *Orchestrator) try(ctx context.Context, h *handle, req Request, history []Attempt) (Attempt, *domain.GeneratedQuery) {
	name := h.provider.Name()
	start := time.Now()
	a := Attempt{Provider: name}
	done := func(out Outcome, detail string, err error) Attempt {
		a.Outcome, a.Detail, a.Err, a.Elapsed = out, detail, err, time.Since(start)
		return a
	}

	if !h.breaker.Allow() {
		return done(OutcomeCircuitOpen, "circuit open", nil), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if h.limiter != nil {
		if err := h.limiter.Wait(callCtx); err != nil {
			h.breaker.Release()
			return done(OutcomeRateLimited, "rate limited", err), nil
		}
	}

	prompt := buildPrompt(req, history)
	raw, err := deadline.Run(callCtx, func(ctx context.Context) (string, error) {
		return h.provider.Generate(ctx, prompt)
	})
	if err != nil && ctx.Err() != nil {
		// the request was cancelled; not the provider's fault
		h.breaker.Release()
		return done(OutcomeTimeout, "request cancelled", err), nil
	}
	if err != nil {
		h.breaker.Failure()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return done(OutcomeTimeout, fmt.Sprintf("no answer within %s", h.timeout), err), nil
		}
		return done(OutcomeError, "provider call failed", err), nil
	}

	text := cleanModelQuery(raw)
	if text == "" {
		h.breaker.Failure()
		return done(OutcomeInvalid, "empty response", errors.New("empty response")), nil
	}
	if err := validate(req, text); err != nil {
		h.breaker.Failure()
		return done(OutcomeInvalid, validationDetail(err), err), nil
	}

	h.breaker.Success()
	q := &domain.GeneratedQuery{
		Backend:    req.Kind,
		NativeText: text,
		Parameters: req.Params,
		Source:     domain.SourceModel,
		Provider:   name,
	}
	return done(OutcomeOK, "", nil), q
}

func validate(req Request, text string) error {
	if req.Validate != nil {
		if err := req.Validate(text); err != nil {
			return err
		}
	}
	return backend.CheckAgainstSchema(req.Kind, text, req.Schema)
}

// validationDetail keeps only our own validator's reason.
func validationDetail(err error) string {
	var se *backend.SyntaxError
	if errors.As(err, &se) {
		return se.Reason
	}
	return "query failed validation"
}
