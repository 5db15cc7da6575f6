// Package qdrant is the vector backend: semantic search over transaction
// descriptions stored in a Qdrant collection, reached over its REST API.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/domain"
)

const (
	// ScoreColumn carries the cosine similarity of each hit.
	ScoreColumn = "similarity_score"

	maxErrorBodyBytes = 2048
	maxResponseBytes  = 8 << 20
	upsertBatchSize   = 100
	dateFormat        = "2006-01-02"
)

// pointNamespace seeds deterministic point ids so re-ingesting a
// transaction overwrites its point.
var pointNamespace = uuid.MustParse("6f1c2b0e-4d0a-4b8e-9a57-2f4c1f0d9e31")

// APIError is a non-2xx answer or a failed status in the response envelope.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qdrant %s: status=%d: %s", e.Op, e.Status, e.Message)
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type searchHit struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

// Store implements backend.Backend for searches and doubles as the
// ingestion mirror that embeds and upserts transactions.
type Store struct {
	baseURL    string
	apiKey     string
	collection string
	id         string
	http       *http.Client
	embedder   Embedder
	log        zerolog.Logger

	mu      sync.Mutex
	ensured bool
}

// Open creates a Store for cfg and checks the server is ready.
func Open(ctx context.Context, cfg *config.VectorConfig, embedder Embedder, log zerolog.Logger) (*Store, error) {
	s := New(cfg, embedder, &http.Client{Timeout: 30 * time.Second}, log)
	if err := s.ready(ctx); err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	return s, nil
}

// New creates a Store without contacting the server.
func New(cfg *config.VectorConfig, embedder Embedder, hc *http.Client, log zerolog.Logger) *Store {
	id := cfg.ID
	if id == "" {
		id = string(domain.BackendVector)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Store{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		id:         id,
		http:       hc,
		embedder:   embedder,
		log:        log.With().Str("client", "qdrant").Str("collection", cfg.Collection).Logger(),
	}
}

func (s *Store) Kind() domain.BackendKind { return domain.BackendVector }
func (s *Store) ID() string               { return s.id }
func (s *Store) Name() string             { return "qdrant" }

func (s *Store) ValidateSyntax(text string) error {
	return backend.ValidateSearchText(text)
}

// Execute embeds the search text and returns the nearest transactions,
// best match first, restricted by the category, merchant_name, account_id,
// start/end and min_amount/max_amount parameters when present.
func (s *Store) Execute(ctx context.Context, q domain.GeneratedQuery, limit int) (*backend.RawResult, error) {
	filter, err := searchFilter(q.Parameters)
	if err != nil {
		return nil, fmt.Errorf("Execute: %w", err)
	}
	vecs, err := s.embedder.Embed(ctx, []string{strings.TrimSpace(q.NativeText)})
	if err != nil {
		return nil, fmt.Errorf("Execute: %w", err)
	}
	if limit <= 0 {
		limit = 10
	}
	req := map[string]any{
		"vector":       vecs[0],
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if filter != nil {
		req["filter"] = filter
	}

	var hits []searchHit
	if err := s.doJSON(ctx, "search", http.MethodPost, s.collectionPath("/points/search"), req, &hits); err != nil {
		return nil, fmt.Errorf("Execute: %w", classify(err))
	}

	raw := &backend.RawResult{Columns: resultColumns()}
	for _, h := range hits {
		raw.Records = append(raw.Records, hitRecord(h))
	}
	return raw, nil
}

// DescribeSchema reports the collection as one table of transaction fields
// plus the score column. A missing collection is not an error; it is
// created on first ingest.
func (s *Store) DescribeSchema(ctx context.Context) (*backend.Schema, error) {
	var info struct {
		Status      string `json:"status"`
		PointsCount int64  `json:"points_count"`
	}
	err := s.doJSON(ctx, "describe", http.MethodGet, s.collectionPath(""), nil, &info)
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("DescribeSchema: %w", err)
	}
	fields := append([]backend.Field{}, backend.TransactionFields...)
	fields = append(fields, backend.Field{Name: ScoreColumn, Type: "FLOAT"})
	return &backend.Schema{
		Backend: domain.BackendVector,
		ID:      s.id,
		Dialect: backend.DialectQdrant,
		Tables:  []backend.Table{{Name: s.collection, Fields: fields}},
	}, nil
}

// Upsert embeds each record's description and writes it as a point keyed by
// transaction id. The collection is created on first use.
func (s *Store) Upsert(ctx context.Context, records []domain.TransactionRecord) error {
	for start := 0; start < len(records); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := make([]domain.TransactionRecord, end-start)
		texts := make([]string, end-start)
		for i, r := range records[start:end] {
			batch[i] = r.Normalized()
			texts[i] = Describe(batch[i])
		}
		vecs, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("Upsert: %w", err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("Upsert: got %d vectors for %d records", len(vecs), len(batch))
		}
		if err := s.ensureCollection(ctx, len(vecs[0])); err != nil {
			return fmt.Errorf("Upsert: %w", err)
		}

		points := make([]map[string]any, len(batch))
		for i, r := range batch {
			points[i] = map[string]any{
				"id":      PointID(r.ID),
				"vector":  vecs[i],
				"payload": payload(r, texts[i]),
			}
		}
		if err := s.doJSON(ctx, "upsert", http.MethodPut, s.collectionPath("/points?wait=true"), map[string]any{"points": points}, nil); err != nil {
			return fmt.Errorf("Upsert: %w", err)
		}
	}
	s.log.Debug().Int("records", len(records)).Msg("vector index updated")
	return nil
}

func (s *Store) ensureCollection(ctx context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}
	err := s.doJSON(ctx, "describe", http.MethodGet, s.collectionPath(""), nil, nil)
	if isNotFound(err) {
		req := map[string]any{"vectors": map[string]any{"size": dim, "distance": "Cosine"}}
		err = s.doJSON(ctx, "create_collection", http.MethodPut, s.collectionPath(""), req, nil)
		if err == nil {
			s.log.Info().Int("dim", dim).Msg("qdrant collection created")
		}
	}
	if err != nil {
		return err
	}
	s.ensured = true
	return nil
}

func (s *Store) ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/readyz", nil)
	if err != nil {
		return fmt.Errorf("ready: build request: %w", err)
	}
	s.authorize(req)
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("ready: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: "ready", Status: resp.StatusCode, Message: "server not ready"}
	}
	return nil
}

func (s *Store) authorize(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
}

func (s *Store) collectionPath(suffix string) string {
	return "/collections/" + s.collection + suffix
}

func (s *Store) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, Status: resp.StatusCode, Message: envelopeError(raw)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s: decode envelope: %w", op, err)
	}
	if msg := statusError(env.Status); msg != "" {
		return &APIError{Op: op, Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", op, err)
	}
	return nil
}

// statusError returns "" for an ok status, or the error text otherwise.
// Qdrant reports status either as the string "ok" or as {"error": "..."}.
func statusError(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if strings.EqualFold(str, "ok") {
			return ""
		}
		return fmt.Sprintf("status=%q", str)
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && strings.TrimSpace(obj.Error) != "" {
		return strings.TrimSpace(obj.Error)
	}
	return "status=" + status
}

func envelopeError(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		if msg := statusError(env.Status); msg != "" {
			return msg
		}
	}
	if len(raw) > maxErrorBodyBytes {
		return string(raw[:maxErrorBodyBytes]) + "..."
	}
	return string(raw)
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// classify treats a rejected request body (bad filter, wrong vector size) as
// a syntax error.
func classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
		return &backend.SyntaxError{Backend: domain.BackendVector, Reason: apiErr.Message}
	}
	return err
}

// PointID is the deterministic point id of a transaction.
func PointID(transactionID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(transactionID)).String()
}

// Describe is the text embedded for a transaction.
func Describe(r domain.TransactionRecord) string {
	var b strings.Builder
	if r.MerchantName != "" {
		b.WriteString(r.MerchantName)
		b.WriteString(", ")
	}
	b.WriteString(r.Category)
	if r.Subcategory != "" {
		b.WriteString(" / ")
		b.WriteString(r.Subcategory)
	}
	fmt.Fprintf(&b, ", %s", r.Amount.StringFixed(2))
	if r.Currency != "" {
		b.WriteString(" " + r.Currency)
	}
	b.WriteString(" on " + r.Date.Format(dateFormat))
	if r.Location != "" {
		b.WriteString(" at " + r.Location)
	}
	return b.String()
}

func payload(r domain.TransactionRecord, description string) map[string]any {
	return map[string]any{
		"transaction_id":   r.ID,
		"account_id":       r.AccountID,
		"amount":           r.Amount.InexactFloat64(),
		"transaction_date": r.Date.Format(dateFormat),
		"date_unix":        r.Date.Unix(),
		"merchant_name":    r.MerchantName,
		"category":         r.Category,
		"subcategory":      r.Subcategory,
		"currency":         r.Currency,
		"location":         r.Location,
		"description":      description,
	}
}

func resultColumns() []string {
	cols := make([]string, 0, len(backend.TransactionFields)+1)
	for _, f := range backend.TransactionFields {
		cols = append(cols, f.Name)
	}
	return append(cols, ScoreColumn)
}

func hitRecord(h searchHit) map[string]any {
	rec := make(map[string]any, len(backend.TransactionFields)+1)
	for _, f := range backend.TransactionFields {
		v, ok := h.Payload[f.Name]
		if !ok || v == "" {
			rec[f.Name] = nil
			continue
		}
		rec[f.Name] = v
	}
	if amt, ok := h.Payload["amount"].(float64); ok {
		rec["amount"] = decimal.NewFromFloat(amt)
	}
	rec[ScoreColumn] = h.Score
	return rec
}

// searchFilter builds a Qdrant filter from query parameters. Unknown
// parameters are ignored.
func searchFilter(params map[string]any) (map[string]any, error) {
	var must []any
	for _, key := range []string{"category", "merchant_name", "account_id"} {
		if v, ok := params[key].(string); ok && strings.TrimSpace(v) != "" {
			must = append(must, map[string]any{"key": key, "match": map[string]any{"value": strings.TrimSpace(v)}})
		}
	}

	dates := map[string]any{}
	for param, op := range map[string]string{"start": "gte", "end": "lt"} {
		v, ok := params[param]
		if !ok || v == nil {
			continue
		}
		t, err := asDate(v)
		if err != nil {
			return nil, fmt.Errorf("parameter @%s: %w", param, err)
		}
		dates[op] = t.Unix()
	}
	if len(dates) > 0 {
		must = append(must, map[string]any{"key": "date_unix", "range": dates})
	}

	amounts := map[string]any{}
	for param, op := range map[string]string{"min_amount": "gt", "max_amount": "lt"} {
		v, ok := params[param]
		if !ok || v == nil {
			continue
		}
		d, err := asDecimal(v)
		if err != nil {
			return nil, fmt.Errorf("parameter @%s: %w", param, err)
		}
		amounts[op] = d.InexactFloat64()
	}
	if len(amounts) > 0 {
		must = append(must, map[string]any{"key": "amount", "range": amounts})
	}

	if len(must) == 0 {
		return nil, nil
	}
	return map[string]any{"must": must}, nil
}

func asDate(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		d, err := time.Parse(dateFormat, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("want YYYY-MM-DD, got %q", t)
		}
		return d, nil
	}
	return time.Time{}, fmt.Errorf("unsupported date value %T", v)
}

func asDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case *decimal.Decimal:
		if t != nil {
			return *t, nil
		}
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case string:
		return decimal.NewFromString(t)
	}
	return decimal.Decimal{}, fmt.Errorf("unsupported amount value %T", v)
}
