package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/jobs"
	"github.com/dvloznov/finance-agent/internal/jobs/inmemory"
)

// sinkTimeout bounds a single delivery.
const sinkTimeout = 10 * time.Second

// Sink is one destination for audit records.
type Sink interface {
	Name() string
	Write(ctx context.Context, r Record) error
}

// Emitter fans records out to sinks through the in-memory job queue. Emit
// returns immediately; a full queue drops the delivery with a warning.
type Emitter struct {
	queue *inmemory.Queue
	store *inmemory.Store
	sinks map[string]Sink
	order []string
	log   zerolog.Logger
}

// NewEmitter creates an Emitter over sinks. Call Start before Emit.
func NewEmitter(cfg config.AuditConfig, log zerolog.Logger, sinks ...Sink) *Emitter {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	store := inmemory.NewStore(size * 4)
	e := &Emitter{
		queue: inmemory.NewQueue(size, store, inmemory.WithWorkers(cfg.Workers)),
		store: store,
		sinks: map[string]Sink{},
		log:   log,
	}
	for _, s := range sinks {
		if _, dup := e.sinks[s.Name()]; !dup {
			e.order = append(e.order, s.Name())
		}
		e.sinks[s.Name()] = s
	}
	return e
}

// Start launches the delivery workers.
func (e *Emitter) Start(ctx context.Context) error {
	if err := e.queue.Start(ctx, e.deliver); err != nil {
		return fmt.Errorf("Emitter.Start: %w", err)
	}
	e.log.Info().Strs("sinks", e.order).Msg("audit emitter started")
	return nil
}

// Stop waits for queued deliveries to finish or ctx to expire.
func (e *Emitter) Stop(ctx context.Context) error {
	return e.queue.Stop(ctx)
}

// Jobs exposes delivery job status.
func (e *Emitter) Jobs() jobs.JobStore {
	return e.store
}

// Sinks returns the configured sink names.
func (e *Emitter) Sinks() []string {
	return append([]string(nil), e.order...)
}

// Emit queues r for every sink. It never blocks and never fails the caller.
func (e *Emitter) Emit(ctx context.Context, r Record) {
	if len(e.order) == 0 {
		return
	}
	payload, err := json.Marshal(r.clone())
	if err != nil {
		e.log.Error().Err(err).Str("query_id", r.QueryID).Msg("audit record not serializable")
		return
	}
	for _, name := range e.order {
		err := e.queue.Publish(ctx, &jobs.DeliveryJob{
			RecordID: r.QueryID,
			Sink:     name,
			Payload:  payload,
		})
		switch {
		case err == nil:
		case errors.Is(err, jobs.ErrQueueFull):
			e.log.Warn().Str("query_id", r.QueryID).Str("sink", name).Msg("audit queue full, record dropped")
		default:
			e.log.Warn().Err(err).Str("query_id", r.QueryID).Str("sink", name).Msg("audit record not queued")
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, job jobs.Job) error {
	dj, ok := job.(*jobs.DeliveryJob)
	if !ok {
		return fmt.Errorf("deliver: unexpected job type %s", job.GetType())
	}
	sink, ok := e.sinks[dj.Sink]
	if !ok {
		return fmt.Errorf("deliver: unknown sink %q", dj.Sink)
	}
	var r Record
	if err := json.Unmarshal(dj.Payload, &r); err != nil {
		return fmt.Errorf("deliver: decoding record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()
	if err := sink.Write(ctx, r); err != nil {
		e.log.Warn().Err(err).Str("query_id", r.QueryID).Str("sink", dj.Sink).Int("retry", dj.RetryCount).Msg("audit delivery failed")
		return fmt.Errorf("deliver: %s: %w", dj.Sink, err)
	}
	return nil
}
