package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-agent/internal/agent"
	"github.com/dvloznov/finance-agent/internal/agenterr"
	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/domain"
	"github.com/dvloznov/finance-agent/internal/graph"
	"github.com/dvloznov/finance-agent/internal/interpret"
	"github.com/dvloznov/finance-agent/internal/jobs"
	"github.com/dvloznov/finance-agent/internal/jobs/inmemory"
)

type fakeQueryService struct {
	rejected  []string
	gotAsk    agent.Request
	gotDirect agent.DirectRequest
	resp      *agent.Response
	err       error
	direct    domain.ExecutionResult
}

func (f *fakeQueryService) Ask(ctx context.Context, req agent.Request) (*agent.Response, error) {
	f.gotAsk = req
	return f.resp, f.err
}

func (f *fakeQueryService) Reject(ctx context.Context, req agent.Request, reason string) (*agent.Response, error) {
	f.rejected = append(f.rejected, reason)
	return &agent.Response{QueryID: "q-rejected", ErrorKind: agenterr.KindInvalidRequest}, agenterr.New(agenterr.KindInvalidRequest, nil)
}

func (f *fakeQueryService) Direct(ctx context.Context, req agent.DirectRequest) domain.ExecutionResult {
	f.gotDirect = req
	return f.direct
}

func (f *fakeQueryService) Schemas(ctx context.Context) (map[domain.BackendKind]*backend.Schema, map[domain.BackendKind]error) {
	return map[domain.BackendKind]*backend.Schema{
			domain.BackendGraph: {Backend: domain.BackendGraph},
		}, map[domain.BackendKind]error{
			domain.BackendRelational: assert.AnError,
		}
}

type fakeIngestService struct {
	got []domain.TransactionRecord
}

func (f *fakeIngestService) Ingest(ctx context.Context, records []domain.TransactionRecord) (agent.IngestResult, error) {
	f.got = records
	return agent.IngestResult{IngestResult: graph.IngestResult{Received: len(records), Created: len(records)}}, nil
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind agenterr.Kind
		want int
	}{
		{"", http.StatusOK},
		{agenterr.KindInvalidRequest, http.StatusBadRequest},
		{agenterr.KindLowConfidenceIntent, http.StatusUnprocessableEntity},
		{agenterr.KindSynthesisValidationFailed, http.StatusUnprocessableEntity},
		{agenterr.KindUnsupportedBackend, http.StatusUnprocessableEntity},
		{agenterr.KindAllProvidersExhausted, http.StatusBadGateway},
		{agenterr.KindExecutionError, http.StatusBadGateway},
		{agenterr.KindExecutionTimeout, http.StatusGatewayTimeout},
		{agenterr.KindRequestTimeout, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.kind))
		})
	}
}

func TestQuery_Success(t *testing.T) {
	svc := &fakeQueryService{resp: &agent.Response{
		QueryID: "q-1",
		Success: true,
		Intent:  domain.QueryIntent{Type: domain.IntentAggregate, Confidence: 0.9},
		Query: &domain.GeneratedQuery{
			Backend:    domain.BackendGraph,
			NativeText: "CALL finance.spendingByCategory($start, $end)",
			Source:     domain.SourceTemplate,
		},
		Result: domain.ExecutionResult{
			Success:       true,
			Columns:       []string{"category", "total"},
			Rows:          []domain.Row{{"category": "Food and Drink", "total": "42.50"}},
			RowCount:      1,
			ExecutionTime: 1500 * time.Millisecond,
		},
		Interpretation: interpret.Interpretation{
			Narrative:   "You spent 42.50 on Food and Drink.",
			Confidence:  0.9,
			Suggestions: []string{"bar_chart"},
		},
	}}
	h := NewQueryHandler(svc, zerolog.Nop())

	body := `{"query":"spending this month","database_id":"graph","context":{"user_id":"u1","timestamp":"2024-03-13T10:00:00Z"}}`
	rec := httptest.NewRecorder()
	h.Query(rec, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "spending this month", svc.gotAsk.Query)
	assert.Equal(t, "graph", svc.gotAsk.DatabaseID)
	assert.Equal(t, "u1", svc.gotAsk.UserID)
	assert.Equal(t, time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC), svc.gotAsk.Timestamp.UTC())

	out := decode(t, rec)
	assert.Equal(t, "q-1", out["query_id"])
	result := out["result"].(map[string]any)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "You spent 42.50 on Food and Drink.", result["interpreted_results"])
	assert.Equal(t, "CALL finance.spendingByCategory($start, $end)", result["generated_query"])
	assert.Equal(t, string(domain.IntentAggregate), result["query_type"])
	assert.InDelta(t, 1.5, result["execution_time"], 1e-9)
	assert.Len(t, result["raw_results"], 1)
	assert.Equal(t, []any{}, result["warnings"])
}

func TestQuery_FailureKeepsInterpretation(t *testing.T) {
	svc := &fakeQueryService{
		resp: &agent.Response{
			QueryID:        "q-2",
			ErrorKind:      agenterr.KindLowConfidenceIntent,
			Interpretation: interpret.Interpretation{Narrative: "I could not work out what you meant."},
		},
		err: agenterr.New(agenterr.KindLowConfidenceIntent, nil),
	}
	h := NewQueryHandler(svc, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.Query(rec, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"hmm"}`)))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	result := decode(t, rec)["result"].(map[string]any)
	assert.Equal(t, false, result["success"])
	assert.Equal(t, "I could not work out what you meant.", result["interpreted_results"])
	assert.Equal(t, string(agenterr.KindLowConfidenceIntent), result["error_kind"])
	assert.Equal(t, []any{}, result["raw_results"])
}

func TestQuery_InvalidBody(t *testing.T) {
	svc := &fakeQueryService{}
	h := NewQueryHandler(svc, zerolog.Nop())
	rec := httptest.NewRecorder()
	h.Query(rec, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{not json`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, svc.rejected, 1, "undecodable bodies are still recorded")
	assert.Empty(t, svc.gotAsk.Query, "pipeline not entered")
}

func TestDirectQuery(t *testing.T) {
	t.Run("missing fields", func(t *testing.T) {
		h := NewQueryHandler(&fakeQueryService{}, zerolog.Nop())
		rec := httptest.NewRecorder()
		h.DirectQuery(rec, httptest.NewRequest(http.MethodPost, "/direct_query", strings.NewReader(`{"query":"SELECT 1"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("success", func(t *testing.T) {
		svc := &fakeQueryService{direct: domain.ExecutionResult{
			Success:  true,
			Columns:  []string{"n"},
			Rows:     []domain.Row{{"n": 1}},
			RowCount: 1,
		}}
		h := NewQueryHandler(svc, zerolog.Nop())
		rec := httptest.NewRecorder()
		body := `{"connection_id":"relational","query":"SELECT 1 AS n","params":{"x":1}}`
		h.DirectQuery(rec, httptest.NewRequest(http.MethodPost, "/direct_query", strings.NewReader(body)))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "relational", svc.gotDirect.ConnectionID)
		assert.Equal(t, map[string]any{"x": float64(1)}, svc.gotDirect.Params)
		out := decode(t, rec)
		assert.Equal(t, true, out["success"])
		assert.Equal(t, float64(1), out["row_count"])
		assert.NotContains(t, out, "error_message")
	})

	t.Run("rejected", func(t *testing.T) {
		svc := &fakeQueryService{direct: domain.ExecutionResult{
			ErrorKind: string(agenterr.KindSynthesisValidationFailed),
			Error:     "the query failed validation",
		}}
		h := NewQueryHandler(svc, zerolog.Nop())
		rec := httptest.NewRecorder()
		body := `{"connection_id":"graph","query":"MATCH (n) DELETE n"}`
		h.DirectQuery(rec, httptest.NewRequest(http.MethodPost, "/direct_query", strings.NewReader(body)))

		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		out := decode(t, rec)
		assert.Equal(t, false, out["success"])
		assert.Equal(t, "the query failed validation", out["error_message"])
		assert.Equal(t, []any{}, out["data"])
	})
}

func TestSchema_ReportsFailuresWithoutDetail(t *testing.T) {
	h := NewQueryHandler(&fakeQueryService{}, zerolog.Nop())
	rec := httptest.NewRecorder()
	h.Schema(rec, httptest.NewRequest(http.MethodGet, "/schema", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Contains(t, out["schemas"], string(domain.BackendGraph))
	assert.Equal(t, map[string]any{string(domain.BackendRelational): "schema unavailable"}, out["errors"])
}

func TestIngestTransactions(t *testing.T) {
	t.Run("accepts envelope", func(t *testing.T) {
		svc := &fakeIngestService{}
		h := NewIngestHandler(svc, zerolog.Nop())
		body := `{"transactions":[{"id":"t1","account_id":"a1","amount":"-12.30","date":"2024-03-01","merchant_name":"Tesco"}]}`
		rec := httptest.NewRecorder()
		h.IngestTransactions(rec, httptest.NewRequest(http.MethodPost, "/ingest/transactions", strings.NewReader(body)))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, svc.got, 1)
		assert.True(t, svc.got[0].Amount.Equal(decimal.RequireFromString("-12.30")))
		assert.Equal(t, "Tesco", svc.got[0].MerchantName)
	})

	t.Run("empty batch", func(t *testing.T) {
		h := NewIngestHandler(&fakeIngestService{}, zerolog.Nop())
		rec := httptest.NewRecorder()
		h.IngestTransactions(rec, httptest.NewRequest(http.MethodPost, "/ingest/transactions", strings.NewReader(`[]`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad date", func(t *testing.T) {
		h := NewIngestHandler(&fakeIngestService{}, zerolog.Nop())
		rec := httptest.NewRecorder()
		body := `[{"id":"t1","account_id":"a1","amount":"1","date":"March 1st"}]`
		h.IngestTransactions(rec, httptest.NewRequest(http.MethodPost, "/ingest/transactions", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestJobsHandler(t *testing.T) {
	ctx := context.Background()
	store := inmemory.NewStore(10)
	for _, j := range []*jobs.DeliveryJob{
		{JobID: "j1", RecordID: "q-1", Sink: "log", Status: jobs.JobStatusCompleted, CreatedAt: time.Now()},
		{JobID: "j2", RecordID: "q-1", Sink: "redis", Status: jobs.JobStatusFailed, CreatedAt: time.Now()},
		{JobID: "j3", RecordID: "q-2", Sink: "log", Status: jobs.JobStatusCompleted, CreatedAt: time.Now()},
	} {
		require.NoError(t, store.SaveJob(ctx, j))
	}
	h := NewJobsHandler(store, zerolog.Nop())

	t.Run("list by record and sink", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?record_id=q-1&sink=redis", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		out := decode(t, rec)
		assert.Equal(t, float64(1), out["count"])
	})

	t.Run("get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.GetJob(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/j3", nil), "j3")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "q-2", decode(t, rec)["record_id"])
	})

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.GetJob(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil), "nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
