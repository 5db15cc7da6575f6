package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-agent/internal/agenterr"
	"github.com/dvloznov/finance-agent/internal/audit"
	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/domain"
	"github.com/dvloznov/finance-agent/internal/executor"
	"github.com/dvloznov/finance-agent/internal/graph"
	"github.com/dvloznov/finance-agent/internal/intent"
	"github.com/dvloznov/finance-agent/internal/logger"
	"github.com/dvloznov/finance-agent/internal/synth"
)

// Wednesday.
var fixedNow = time.Date(2024, 3, 13, 15, 4, 5, 0, time.UTC)

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func tx(id, amount, merchant, category string, date time.Time) domain.TransactionRecord {
	return domain.TransactionRecord{
		ID:           id,
		AccountID:    "acc_checking",
		Amount:       decimal.RequireFromString(amount),
		Date:         date,
		MerchantName: merchant,
		Category:     category,
		Currency:     "USD",
	}
}

type captureAuditor struct {
	mu      sync.Mutex
	records []audit.Record
}

func (c *captureAuditor) Emit(_ context.Context, r audit.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *captureAuditor) all() []audit.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audit.Record(nil), c.records...)
}

type harness struct {
	agent   *Agent
	engine  *graph.Engine
	auditor *captureAuditor
}

func newHarness(t *testing.T, cfg *config.Config, extra []backend.Backend, records ...domain.TransactionRecord) *harness {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	log := logger.Nop()
	engine := graph.NewEngine(log, graph.WithClock(func() time.Time { return fixedNow }))
	if len(records) > 0 {
		_, err := engine.Ingest(context.Background(), records)
		require.NoError(t, err)
	}
	registry := backend.NewRegistry(graph.NewProcedureBackend(engine, nil))
	for _, b := range extra {
		registry.Register(b)
	}
	aud := &captureAuditor{}
	a := New(cfg.Agent, Deps{
		Classifier:  intent.New(engine, intent.WithClock(func() time.Time { return fixedNow })),
		Synthesizer: synth.New(registry, nil, cfg, log),
		Executor:    executor.New(registry, cfg.Executor, log),
		Registry:    registry,
		Auditor:     aud,
	}, log)
	return &harness{agent: a, engine: engine, auditor: aud}
}

func TestAsk_SpendingByCategoryThisMonth(t *testing.T) {
	h := newHarness(t, nil, nil,
		tx("t1", "20.00", "Starbucks", "Food and Drink", day(3, 2)),
		tx("t2", "22.50", "Whole Foods", "Food and Drink", day(3, 10)),
		tx("t3", "12.00", "Uber", "Travel", day(2, 20)),
	)

	resp, err := h.agent.Ask(context.Background(), Request{Query: "Show me my spending by category this month", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, resp.Success)

	assert.Equal(t, domain.IntentAggregate, resp.Intent.Type)
	assert.Empty(t, resp.Intent.Entities)
	assert.Equal(t, day(3, 1), resp.Intent.TimeRange.Start)
	assert.Equal(t, domain.BackendGraph, resp.Query.Backend)
	assert.Equal(t, domain.SourceTemplate, resp.Query.Source)

	require.Equal(t, 1, resp.Result.RowCount)
	assert.Equal(t, "Food and Drink", resp.Result.Rows[0]["category"])
	assert.Contains(t, resp.Interpretation.Narrative, "Food and Drink")
	assert.Contains(t, resp.Interpretation.Narrative, "42.50")

	recs := h.auditor.all()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Success)
	assert.Equal(t, resp.QueryID, recs[0].QueryID)
	assert.Equal(t, "graph_spending_by_category", recs[0].Template)
	assert.Equal(t, "u1", recs[0].UserID)
}

func TestAsk_NoMatchesIsSuccess(t *testing.T) {
	h := newHarness(t, nil, nil,
		tx("t1", "20.00", "Starbucks", "Food and Drink", day(3, 2)),
		tx("t2", "120.00", "Uber", "Travel", day(3, 5)),
	)

	resp, err := h.agent.Ask(context.Background(), Request{Query: "Find transactions over $500"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, domain.IntentLookup, resp.Intent.Type)
	assert.Equal(t, 0, resp.Result.RowCount)
	assert.Contains(t, resp.Interpretation.Narrative, "No matches found")
}

func anomalyRecords() []domain.TransactionRecord {
	var recs []domain.TransactionRecord
	for i, amt := range []string{"15.00", "20.00", "25.00", "18.00", "22.00", "20.00"} {
		recs = append(recs, tx(fmt.Sprintf("small-%d", i), amt, "Starbucks", "Food and Drink", day(3, i+1)))
	}
	return append(recs, tx("big", "500.00", "Whole Foods", "Food and Drink", day(3, 9)))
}

func TestAsk_AnomalyMultiplier(t *testing.T) {
	cfg := config.Default()
	cfg.Graph.AnomalyMultiplier = 2.0
	h := newHarness(t, cfg, nil, anomalyRecords()...)

	resp, err := h.agent.Ask(context.Background(), Request{Query: "Show me unusual transactions"})
	require.NoError(t, err)
	require.Equal(t, domain.IntentAnomaly, resp.Intent.Type)
	require.Equal(t, 1, resp.Result.RowCount)
	assert.Equal(t, "big", resp.Result.Rows[0]["transaction_id"])

	cfg = config.Default()
	cfg.Graph.AnomalyMultiplier = 200.0
	h = newHarness(t, cfg, nil, anomalyRecords()...)

	resp, err = h.agent.Ask(context.Background(), Request{Query: "Show me unusual transactions"})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Result.RowCount)
}

func TestAsk_EmptyQuery(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, err := h.agent.Ask(context.Background(), Request{Query: "   "})
	require.Error(t, err)
	assert.Equal(t, agenterr.KindInvalidRequest, agenterr.KindOf(err))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Interpretation.Narrative)

	recs := h.auditor.all()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Equal(t, string(agenterr.KindInvalidRequest), recs[0].ErrorKind)
}

func TestReject_AuditsInvalidRequest(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, err := h.agent.Reject(context.Background(), Request{UserID: "u-1"}, "the request body is not valid JSON")
	require.Error(t, err)
	assert.Equal(t, agenterr.KindInvalidRequest, resp.ErrorKind)
	assert.NotEmpty(t, resp.QueryID)

	recs := h.auditor.all()
	require.Len(t, recs, 1)
	assert.Equal(t, resp.QueryID, recs[0].QueryID)
	assert.Equal(t, "u-1", recs[0].UserID)
	assert.Equal(t, string(agenterr.KindInvalidRequest), recs[0].ErrorKind)
}

// blockingSQL is a relational backend that never answers before its
// context ends.
type blockingSQL struct{ calls int }

func (b *blockingSQL) Kind() domain.BackendKind { return domain.BackendRelational }
func (b *blockingSQL) ID() string               { return "warehouse" }
func (b *blockingSQL) Execute(ctx context.Context, q domain.GeneratedQuery, limit int) (*backend.RawResult, error) {
	b.calls++
	<-ctx.Done()
	return &backend.RawResult{Columns: []string{"late"}, Records: []map[string]any{{"late": 1}}}, ctx.Err()
}
func (b *blockingSQL) DescribeSchema(ctx context.Context) (*backend.Schema, error) {
	return &backend.Schema{
		Backend: domain.BackendRelational,
		ID:      "warehouse",
		Dialect: backend.DialectSQLite,
		Tables:  []backend.Table{{Name: "transactions", Fields: backend.TransactionFields}},
	}, nil
}
func (b *blockingSQL) ValidateSyntax(text string) error { return backend.ValidateSQL(text) }

func TestAsk_RequestDeadlineDiscardsPartialResults(t *testing.T) {
	cfg := config.Default()
	cfg.Agent.RequestTimeout = 50 * time.Millisecond
	cfg.Executor.Timeout = 5 * time.Second
	slow := &blockingSQL{}
	h := newHarness(t, cfg, []backend.Backend{slow})

	start := time.Now()
	resp, err := h.agent.Ask(context.Background(), Request{Query: "Find transactions over $500", DatabaseID: "warehouse"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, slow.calls)

	assert.Equal(t, agenterr.KindRequestTimeout, agenterr.KindOf(err))
	assert.False(t, resp.Success)
	assert.Empty(t, resp.Result.Rows)
	assert.Contains(t, resp.Interpretation.Narrative, "Sorry")

	recs := h.auditor.all()
	require.Len(t, recs, 1)
	assert.Equal(t, string(agenterr.KindRequestTimeout), recs[0].ErrorKind)
	assert.Equal(t, "relational", recs[0].BackendUsed)
}

func TestAsk_UnknownBackendPin(t *testing.T) {
	h := newHarness(t, nil, nil, tx("t1", "20.00", "Starbucks", "Food and Drink", day(3, 2)))

	resp, err := h.agent.Ask(context.Background(), Request{Query: "Show me my spending by category this month", DatabaseID: "vector"})
	require.Error(t, err)
	assert.Equal(t, agenterr.KindUnsupportedBackend, agenterr.KindOf(err))
	assert.False(t, resp.Success)
}

func TestDirect(t *testing.T) {
	h := newHarness(t, nil, nil,
		tx("t1", "20.00", "Starbucks", "Food and Drink", day(3, 2)),
		tx("t2", "22.50", "Whole Foods", "Food and Drink", day(3, 10)),
	)

	res := h.agent.Direct(context.Background(), DirectRequest{
		ConnectionID: "graph",
		Query:        "CALL finance.spending_by_category($start, $end)",
		Params:       map[string]any{"start": "2024-03-01", "end": "2024-04-01"},
		UserID:       "u2",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.RowCount)

	bad := h.agent.Direct(context.Background(), DirectRequest{ConnectionID: "graph", Query: "MATCH (n) DELETE n"})
	assert.False(t, bad.Success)
	assert.Equal(t, string(agenterr.KindSynthesisValidationFailed), bad.ErrorKind)

	recs := h.auditor.all()
	require.Len(t, recs, 2)
	assert.Equal(t, string(domain.SourceDirect), recs[0].Source)
	assert.Equal(t, "u2", recs[0].UserID)
}

type fakeMirror struct {
	name string
	err  error
	got  []domain.TransactionRecord
}

func (m *fakeMirror) Name() string { return m.name }
func (m *fakeMirror) Upsert(_ context.Context, records []domain.TransactionRecord) error {
	m.got = append(m.got, records...)
	return m.err
}

func TestIngester_MirrorsAcceptedRecords(t *testing.T) {
	engine := graph.NewEngine(logger.Nop())
	good := &fakeMirror{name: "neo4j"}
	broken := &fakeMirror{name: "qdrant", err: errors.New("connection refused")}
	in := NewIngester(engine, logger.Nop(), good, broken)

	res, err := in.Ingest(context.Background(), []domain.TransactionRecord{
		tx("t1", "20.00", " Starbucks ", "", day(3, 2)),
		{ID: "t2", Amount: decimal.NewFromInt(5), Date: day(3, 3)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Received)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, map[string]string{"neo4j": "ok", "qdrant": "failed"}, res.Mirrors)

	require.Len(t, good.got, 1)
	assert.Equal(t, "Starbucks", good.got[0].MerchantName)
	assert.Equal(t, domain.UncategorizedCategory, good.got[0].Category)
}

func TestDecodeRecords(t *testing.T) {
	body := `{"transactions":[
		{"id":"t1","account_id":"a","amount":"42.50","date":"2024-02-03","merchant_name":"Tesco","category":"Food and Drink","currency":"GBP",
		 "location":{"city":"London","region":"England","country":"UK"}},
		{"id":"t2","account_id":"a","amount":9.99,"date":"2024-02-04T18:30:00+01:00","location":"Leeds, UK"},
		{"id":"t3","account_id":"a","amount":1}
	]}`
	recs, err := DecodeRecords(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "London, England, UK", recs[0].Location)
	assert.True(t, recs[0].Amount.Equal(decimal.RequireFromString("42.5")))
	assert.Equal(t, day(2, 3), recs[0].Date)
	assert.Equal(t, "Leeds, UK", recs[1].Location)
	assert.Equal(t, time.Date(2024, 2, 4, 17, 30, 0, 0, time.UTC), recs[1].Date)
	assert.True(t, recs[2].Date.IsZero())

	arr, err := DecodeRecords(strings.NewReader(`[{"id":"x","account_id":"a","amount":1,"date":"2024-01-01"}]`))
	require.NoError(t, err)
	assert.Len(t, arr, 1)

	_, err = DecodeRecords(strings.NewReader(`[{"id":"x","date":"yesterday"}]`))
	assert.ErrorContains(t, err, "record 0")
}
