package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-agent/internal/config"
)

// LogSink writes records to the structured log.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, r Record) error {
	ev := s.log.Info()
	if !r.Success {
		ev = s.log.Warn().Str("error_kind", r.ErrorKind)
	}
	ev.Str("query_id", r.QueryID).
		Str("user_id", r.UserID).
		Str("intent_type", r.IntentType).
		Str("backend", r.BackendUsed).
		Str("source", r.Source).
		Int64("rows", r.RowCount).
		Int64("execution_ms", r.ExecutionTimeMS).
		Float64("confidence", r.Confidence).
		Bool("success", r.Success).
		Msg("query audited")
	return nil
}

// rowPutter is satisfied by *bigquery.Inserter.
type rowPutter interface {
	Put(ctx context.Context, src interface{}) error
}

// BigQuerySink streams records into the audit table.
type BigQuerySink struct {
	inserter rowPutter
	closer   io.Closer
}

// NewBigQuerySink opens a client for the configured table.
func NewBigQuerySink(ctx context.Context, cfg *config.AuditBigQuery) (*BigQuerySink, error) {
	client, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("NewBigQuerySink: creating client: %w", err)
	}
	table := client.DatasetInProject(cfg.ProjectID, cfg.Dataset).Table(cfg.Table)
	return &BigQuerySink{inserter: table.Inserter(), closer: client}, nil
}

func (s *BigQuerySink) Name() string { return "bigquery" }

func (s *BigQuerySink) Write(ctx context.Context, r Record) error {
	if err := s.inserter.Put(ctx, &r); err != nil {
		return fmt.Errorf("BigQuerySink.Write: inserting row: %w", err)
	}
	return nil
}

func (s *BigQuerySink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// objectPutter stores one object.
type objectPutter func(ctx context.Context, name string, data []byte) error

// GCSSink archives each record as a JSON object under
// <prefix>/audit/YYYY/MM/DD/<query_id>.json.
type GCSSink struct {
	prefix string
	put    objectPutter
	closer io.Closer
}

// NewGCSSink opens a storage client for the configured bucket.
func NewGCSSink(ctx context.Context, cfg *config.AuditGCS) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSSink: create storage client: %w", err)
	}
	bkt := client.Bucket(cfg.Bucket)
	put := func(ctx context.Context, name string, data []byte) error {
		w := bkt.Object(name).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
			_ = w.Close()
			return fmt.Errorf("copy record to GCS writer: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("finalize upload: %w", err)
		}
		return nil
	}
	return &GCSSink{prefix: cfg.Prefix, put: put, closer: client}, nil
}

func (s *GCSSink) Name() string { return "gcs" }

// ObjectName is where r is archived.
func (s *GCSSink) ObjectName(r Record) string {
	return path.Join(s.prefix, "audit", r.CreatedAt.UTC().Format("2006/01/02"), r.QueryID+".json")
}

func (s *GCSSink) Write(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("GCSSink.Write: encoding: %w", err)
	}
	if err := s.put(ctx, s.ObjectName(r), data); err != nil {
		return fmt.Errorf("GCSSink.Write: %w", err)
	}
	return nil
}

func (s *GCSSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// streamAdder is the part of the Redis client the sink uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
}

// RedisSink appends records to a Redis stream for downstream consumers.
type RedisSink struct {
	rdb    streamAdder
	stream string
	maxLen int64
	closer io.Closer
}

// NewRedisSink connects to Redis and checks the connection.
func NewRedisSink(ctx context.Context, cfg *config.AuditRedis) (*RedisSink, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("NewRedisSink: redis ping: %w", err)
	}
	return &RedisSink{rdb: rdb, stream: cfg.Stream, maxLen: cfg.MaxLen, closer: rdb}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, r Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("RedisSink.Write: encoding: %w", err)
	}
	args := &goredis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"query_id": r.QueryID,
			"success":  r.Success,
			"record":   string(raw),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("RedisSink.Write: xadd %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// SinksFromConfig builds every configured sink. The returned closer
// releases their clients. A sink that cannot connect is logged and skipped.
func SinksFromConfig(ctx context.Context, cfg config.AuditConfig, log zerolog.Logger) ([]Sink, func()) {
	var sinks []Sink
	var closers []io.Closer
	if cfg.Log {
		sinks = append(sinks, NewLogSink(log))
	}
	if cfg.BigQuery != nil {
		if s, err := NewBigQuerySink(ctx, cfg.BigQuery); err != nil {
			log.Warn().Err(err).Msg("bigquery audit sink disabled")
		} else {
			sinks = append(sinks, s)
			closers = append(closers, s)
		}
	}
	if cfg.GCS != nil {
		if s, err := NewGCSSink(ctx, cfg.GCS); err != nil {
			log.Warn().Err(err).Msg("gcs audit sink disabled")
		} else {
			sinks = append(sinks, s)
			closers = append(closers, s)
		}
	}
	if cfg.Redis != nil {
		if s, err := NewRedisSink(ctx, cfg.Redis); err != nil {
			log.Warn().Err(err).Msg("redis audit sink disabled")
		} else {
			sinks = append(sinks, s)
			closers = append(closers, s)
		}
	}
	return sinks, func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
}
