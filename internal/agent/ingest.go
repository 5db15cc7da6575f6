package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-agent/internal/domain"
	"github.com/dvloznov/finance-agent/internal/graph"
)

// Mirror is a secondary store kept in step with the graph engine.
type Mirror interface {
	Name() string
	Upsert(ctx context.Context, records []domain.TransactionRecord) error
}

// IngestResult is the engine's result plus the outcome of each mirror.
type IngestResult struct {
	graph.IngestResult
	Mirrors map[string]string `json:"mirrors,omitempty"`
}

// Ingester writes transaction records into the engine, then into every
// mirror. Mirror failures are reported but do not fail the ingest.
type Ingester struct {
	engine  *graph.Engine
	mirrors []Mirror
	log     zerolog.Logger
}

func NewIngester(engine *graph.Engine, log zerolog.Logger, mirrors ...Mirror) *Ingester {
	return &Ingester{engine: engine, mirrors: mirrors, log: log.With().Str("component", "ingest").Logger()}
}

func (in *Ingester) Ingest(ctx context.Context, records []domain.TransactionRecord) (IngestResult, error) {
	res, err := in.engine.Ingest(ctx, records)
	out := IngestResult{IngestResult: res}
	if err != nil {
		return out, fmt.Errorf("Ingest: %w", err)
	}
	if len(in.mirrors) == 0 || res.Received == res.Rejected {
		return out, nil
	}

	accepted := make([]domain.TransactionRecord, 0, len(records))
	for _, r := range records {
		r = r.Normalized()
		if r.ID != "" && r.AccountID != "" && !r.Date.IsZero() {
			accepted = append(accepted, r)
		}
	}
	out.Mirrors = make(map[string]string, len(in.mirrors))
	for _, m := range in.mirrors {
		if err := m.Upsert(ctx, accepted); err != nil {
			in.log.Warn().Err(err).Str("mirror", m.Name()).Int("records", len(accepted)).Msg("mirror upsert failed")
			out.Mirrors[m.Name()] = "failed"
			continue
		}
		out.Mirrors[m.Name()] = "ok"
	}
	return out, nil
}

// wireRecord is the JSON shape pushed by the ingestion collaborator. Dates
// may be plain dates or RFC 3339 timestamps; location may be a string or
// an object of address parts.
type wireRecord struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Amount       decimal.Decimal `json:"amount"`
	Date         string          `json:"date"`
	MerchantName string          `json:"merchant_name"`
	Category     string          `json:"category"`
	Subcategory  string          `json:"subcategory"`
	Currency     string          `json:"currency"`
	Location     json.RawMessage `json:"location"`
}

// DecodeRecords reads either a JSON array of records or an object with a
// "transactions" array.
func DecodeRecords(r io.Reader) ([]domain.TransactionRecord, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("DecodeRecords: read: %w", err)
	}
	raw = bytes.TrimSpace(raw)

	var wire []wireRecord
	if len(raw) > 0 && raw[0] == '{' {
		var env struct {
			Transactions []wireRecord `json:"transactions"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("DecodeRecords: %w", err)
		}
		wire = env.Transactions
	} else if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("DecodeRecords: %w", err)
	}

	out := make([]domain.TransactionRecord, 0, len(wire))
	for i, w := range wire {
		date, err := parseDate(w.Date)
		if err != nil {
			return nil, fmt.Errorf("DecodeRecords: record %d: %w", i, err)
		}
		loc, err := location(w.Location)
		if err != nil {
			return nil, fmt.Errorf("DecodeRecords: record %d: %w", i, err)
		}
		out = append(out, domain.TransactionRecord{
			ID:           w.ID,
			AccountID:    w.AccountID,
			Amount:       w.Amount,
			Date:         date,
			MerchantName: w.MerchantName,
			Category:     w.Category,
			Subcategory:  w.Subcategory,
			Currency:     w.Currency,
			Location:     loc,
		})
	}
	return out, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		// Left for the engine to reject with the other invalid records.
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t.UTC(), nil
}

func location(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("location: %w", err)
		}
		return s, nil
	}
	var parts map[string]any
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	flat := make(map[string]string, len(parts))
	for k, v := range parts {
		if v != nil {
			flat[k] = fmt.Sprint(v)
		}
	}
	return domain.FlattenLocation(flat), nil
}
