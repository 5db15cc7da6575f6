package bigquery

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/domain"
)

func TestQueryParameters(t *testing.T) {
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	params, err := queryParameters(domain.GeneratedQuery{
		NativeText: "SELECT * FROM transactions WHERE transaction_date >= @start AND amount > @min_amount AND merchant_name = @merchant",
		Parameters: map[string]any{
			"start":      start,
			"min_amount": decimal.RequireFromString("500.25"),
			"merchant":   "Tesco",
			"unused":     true,
		},
	})
	require.NoError(t, err)
	require.Len(t, params, 3)

	assert.Equal(t, "start", params[0].Name)
	assert.Equal(t, civil.Date{Year: 2024, Month: time.February, Day: 1}, params[0].Value)
	assert.Equal(t, "min_amount", params[1].Name)
	assert.Equal(t, 0, big.NewRat(50025, 100).Cmp(params[1].Value.(*big.Rat)))
	assert.Equal(t, "Tesco", params[2].Value)

	_, err = queryParameters(domain.GeneratedQuery{NativeText: "SELECT @end"})
	assert.ErrorContains(t, err, "@end")
}

func TestValue_NestedRecords(t *testing.T) {
	got := value([]bigquery.Value{
		map[string]bigquery.Value{"provider": "gemini", "elapsed_ms": int64(12)},
	})
	assert.Equal(t, []any{map[string]any{"provider": "gemini", "elapsed_ms": int64(12)}}, got)
	assert.Equal(t, "x", value("x"))
}

func TestClassify(t *testing.T) {
	invalid := &googleapi.Error{Code: 400, Errors: []googleapi.ErrorItem{{Reason: "invalidQuery", Message: "Unrecognized name: amout"}}}
	err := classify(fmt.Errorf("read: %w", invalid))
	assert.True(t, backend.IsSyntaxError(err))

	quota := &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}
	assert.False(t, backend.IsSyntaxError(classify(quota)))
}

func TestTransactionRow_Record(t *testing.T) {
	rec := domain.TransactionRecord{
		ID:           "tx-1",
		AccountID:    "acc-1",
		Amount:       decimal.RequireFromString("42.50"),
		Date:         time.Date(2024, 2, 3, 15, 4, 5, 0, time.UTC),
		MerchantName: " Tesco ",
		Currency:     "gbp",
	}
	row := RowFromRecord(rec, time.Unix(0, 0))
	assert.Equal(t, civil.Date{Year: 2024, Month: time.February, Day: 3}, row.TransactionDate)
	assert.Equal(t, domain.UncategorizedCategory, row.Category)
	assert.False(t, row.Location.Valid)

	back := row.Record()
	assert.Equal(t, "Tesco", back.MerchantName)
	assert.Equal(t, "GBP", back.Currency)
	assert.True(t, back.Amount.Equal(decimal.RequireFromString("42.5")))
	assert.Equal(t, time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC), back.Date)
}

func TestTransactionRowSchemaMatchesRelationalFields(t *testing.T) {
	schema, err := bigquery.InferSchema(TransactionRow{})
	require.NoError(t, err)
	have := map[string]bool{}
	for _, f := range schema {
		have[f.Name] = true
	}
	for _, f := range backend.TransactionFields {
		assert.True(t, have[f.Name], f.Name)
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(nil, &config.RelationalConfig{ProjectID: "p", Dataset: "finance"})
	assert.Equal(t, "relational", b.ID())
	assert.Equal(t, "`p.finance.transactions`", b.qualified())
}
