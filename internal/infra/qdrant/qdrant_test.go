package qdrant

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/domain"
	"github.com/dvloznov/finance-agent/internal/logger"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type recorded struct {
	method string
	path   string
	body   map[string]any
}

// fakeServer answers the handful of Qdrant endpoints the store uses.
type fakeServer struct {
	mu       sync.Mutex
	requests []recorded
	exists   bool
	search   string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.requests = append(f.requests, recorded{method: r.Method, path: r.URL.Path, body: body})
	exists := f.exists
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/collections/transactions" && r.Method == http.MethodGet:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"status":{"error":"Not found: Collection transactions doesn't exist!"},"time":0.0001}`)
			return
		}
		_, _ = io.WriteString(w, `{"result":{"status":"green","points_count":3},"status":"ok","time":0.0002}`)
	case r.URL.Path == "/collections/transactions" && r.Method == http.MethodPut:
		f.mu.Lock()
		f.exists = true
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"result":true,"status":"ok","time":0.01}`)
	case r.URL.Path == "/collections/transactions/points" && r.Method == http.MethodPut:
		_, _ = io.WriteString(w, `{"result":{"operation_id":1,"status":"completed"},"status":"ok","time":0.01}`)
	case r.URL.Path == "/collections/transactions/points/search":
		_, _ = io.WriteString(w, f.search)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeServer) calls(path string) []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recorded
	for _, r := range f.requests {
		if r.path == path {
			out = append(out, r)
		}
	}
	return out
}

func newStore(t *testing.T, srv *fakeServer) (*Store, *fakeEmbedder) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	emb := &fakeEmbedder{}
	s := New(&config.VectorConfig{URL: ts.URL + "/", Collection: "transactions", APIKey: "secret"}, emb, ts.Client(), logger.Nop())
	return s, emb
}

func TestExecute_SearchWithFilter(t *testing.T) {
	srv := &fakeServer{exists: true, search: `{"result":[
		{"id":"a","score":0.93,"payload":{"transaction_id":"t1","account_id":"acc-1","amount":42.5,"transaction_date":"2024-02-03","merchant_name":"Tesco","category":"Food and Drink","subcategory":"","currency":"GBP","location":""}},
		{"id":"b","score":0.71,"payload":{"transaction_id":"t2","account_id":"acc-1","amount":12.5,"transaction_date":"2024-02-10","merchant_name":"Pret","category":"Food and Drink"}}
	],"status":"ok","time":0.002}`}
	s, emb := newStore(t, srv)

	res, err := s.Execute(context.Background(), domain.GeneratedQuery{
		Backend:    domain.BackendVector,
		NativeText: "  coffee near the office ",
		Parameters: map[string]any{
			"category": "Food and Drink",
			"start":    time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			"end":      "2024-03-01",
		},
	}, 5)
	require.NoError(t, err)

	assert.Equal(t, []string{"coffee near the office"}, emb.texts)
	require.Len(t, res.Records, 2)
	assert.Equal(t, ScoreColumn, res.Columns[len(res.Columns)-1])
	assert.Equal(t, "t1", res.Records[0]["transaction_id"])
	assert.Equal(t, 0.93, res.Records[0][ScoreColumn])
	assert.True(t, decimal.RequireFromString("42.5").Equal(res.Records[0]["amount"].(decimal.Decimal)))
	assert.Nil(t, res.Records[0]["location"])
	assert.Nil(t, res.Records[1]["currency"])

	calls := srv.calls("/collections/transactions/points/search")
	require.Len(t, calls, 1)
	body := calls[0].body
	assert.Equal(t, float64(5), body["limit"])
	must := body["filter"].(map[string]any)["must"].([]any)
	require.Len(t, must, 2)
	assert.Equal(t, "category", must[0].(map[string]any)["key"])
	rng := must[1].(map[string]any)["range"].(map[string]any)
	assert.Equal(t, float64(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).Unix()), rng["gte"])
	assert.Equal(t, float64(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Unix()), rng["lt"])
}

func TestExecute_BadRequestIsSyntaxError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"status":{"error":"Wrong input: Vector dimension error"},"time":0}`)
	}))
	defer ts.Close()
	s := New(&config.VectorConfig{URL: ts.URL, Collection: "transactions"}, &fakeEmbedder{}, ts.Client(), logger.Nop())

	_, err := s.Execute(context.Background(), domain.GeneratedQuery{NativeText: "rent"}, 10)
	require.Error(t, err)
	assert.True(t, backend.IsSyntaxError(err))
	assert.Contains(t, err.Error(), "Vector dimension error")
}

func TestUpsert_CreatesCollectionOnce(t *testing.T) {
	srv := &fakeServer{}
	s, emb := newStore(t, srv)

	recs := []domain.TransactionRecord{
		{ID: "t1", AccountID: "acc-1", Amount: decimal.RequireFromString("42.5"), Date: time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC), MerchantName: "Tesco", Category: "Food and Drink", Currency: "gbp"},
		{ID: "t2", AccountID: "acc-1", Amount: decimal.RequireFromString("9.99"), Date: time.Date(2024, 2, 4, 0, 0, 0, 0, time.UTC)},
	}
	require.NoError(t, s.Upsert(context.Background(), recs))
	require.NoError(t, s.Upsert(context.Background(), recs[:1]))

	var creates int
	for _, r := range srv.calls("/collections/transactions") {
		if r.method == http.MethodPut {
			creates++
			assert.Equal(t, float64(3), r.body["vectors"].(map[string]any)["size"])
		}
	}
	assert.Equal(t, 1, creates)

	puts := srv.calls("/collections/transactions/points")
	require.Len(t, puts, 2)
	points := puts[0].body["points"].([]any)
	require.Len(t, points, 2)
	first := points[0].(map[string]any)
	assert.Equal(t, PointID("t1"), first["id"])
	pl := first["payload"].(map[string]any)
	assert.Equal(t, "GBP", pl["currency"])
	assert.Equal(t, "2024-02-03", pl["transaction_date"])
	assert.Equal(t, "Uncategorized", points[1].(map[string]any)["payload"].(map[string]any)["category"])

	assert.Equal(t, "Tesco, Food and Drink, 42.50 GBP on 2024-02-03", emb.texts[0])
}

func TestDescribeSchema_MissingCollection(t *testing.T) {
	s, _ := newStore(t, &fakeServer{})
	schema, err := s.DescribeSchema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.DialectQdrant, schema.Dialect)
	assert.True(t, schema.HasFields("transactions", "merchant_name", ScoreColumn))
}

func TestSearchFilter(t *testing.T) {
	f, err := searchFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = searchFilter(map[string]any{"min_amount": decimal.NewFromInt(500), "merchant_name": "Tesco"})
	require.NoError(t, err)
	must := f["must"].([]any)
	require.Len(t, must, 2)
	assert.Equal(t, map[string]any{"gt": 500.0}, must[1].(map[string]any)["range"])

	_, err = searchFilter(map[string]any{"start": "last tuesday"})
	assert.ErrorContains(t, err, "@start")
}

func TestPointID_Deterministic(t *testing.T) {
	assert.Equal(t, PointID("t1"), PointID("t1"))
	assert.NotEqual(t, PointID("t1"), PointID("t2"))
}
