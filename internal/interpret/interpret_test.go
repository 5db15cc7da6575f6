package interpret

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dvloznov/finance-agent/internal/agenterr"
	"github.com/dvloznov/finance-agent/internal/domain"
)

func ok(cols []string, rows ...domain.Row) domain.ExecutionResult {
	if rows == nil {
		rows = []domain.Row{}
	}
	return domain.ExecutionResult{Success: true, Columns: cols, Rows: rows, RowCount: len(rows)}
}

func TestInterpret_CategoryTotals(t *testing.T) {
	in := domain.QueryIntent{
		Type:       domain.IntentAggregate,
		GroupBy:    domain.GroupCategory,
		TimeRange:  domain.TimeRange{Label: "this month"},
		Confidence: 0.75,
	}
	res := ok([]string{"category", "count", "total"},
		domain.Row{"category": "Food and Drink", "count": 3, "total": json.Number("42.50")},
		domain.Row{"category": "Travel", "count": 1, "total": json.Number("12.00")},
	)

	got := Interpret(in, res)
	assert.Equal(t, "You spent 54.50 across 2 categories in this month. The largest was Food and Drink at 42.50.", got.Narrative)
	assert.Equal(t, 0.75, got.Confidence)
	assert.Equal(t, ChartBar, got.Visualization)
	assert.Contains(t, got.Suggestions, "pie_chart:spending_by_category")
}

func TestInterpret_NoMatchesIsNotAnError(t *testing.T) {
	in := domain.QueryIntent{Type: domain.IntentLookup, TimeRange: domain.TimeRange{Label: "last 30 days"}, Confidence: 0.55}

	got := Interpret(in, ok([]string{"transaction_id", "amount"}))
	assert.Equal(t, "No matches found in last 30 days.", got.Narrative)
	assert.Equal(t, 0.55, got.Confidence)
	assert.Equal(t, ChartTable, got.Visualization)
}

func TestInterpret_FailureNarrative(t *testing.T) {
	in := domain.QueryIntent{Type: domain.IntentAggregate, Confidence: 0.9}
	res := domain.ExecutionResult{
		Success:   false,
		ErrorKind: string(agenterr.KindExecutionTimeout),
		Error:     agenterr.PublicReason(agenterr.KindExecutionTimeout),
	}

	got := Interpret(in, res)
	assert.Equal(t, "Sorry, I couldn't process your query: the data source took too long to respond. Try rephrasing.", got.Narrative)
	assert.Zero(t, got.Confidence)

	fromErr := Failure(in, agenterr.New(agenterr.KindAllProvidersExhausted, errors.New("openai: 401 sk-secret")))
	assert.Equal(t, "Sorry, I couldn't process your query: no query could be generated for this question. Try rephrasing.", fromErr.Narrative)
	assert.NotContains(t, fromErr.Narrative, "sk-secret")
}

func TestInterpret_LowConfidenceNote(t *testing.T) {
	in := domain.QueryIntent{Type: domain.IntentLookup, Confidence: 0.3, LowConfidence: true}
	got := Interpret(in, ok([]string{"transaction_id", "amount"}, domain.Row{"transaction_id": "t1", "amount": 5.0}))
	assert.Contains(t, got.Narrative, lowConfidenceNote)
	assert.Equal(t, 0.3, got.Confidence)
}

func TestInterpret_Truncated(t *testing.T) {
	res := ok([]string{"transaction_id", "amount"}, domain.Row{"transaction_id": "t1", "amount": 5.0})
	res.Truncated = true
	got := Interpret(domain.QueryIntent{Type: domain.IntentLookup}, res)
	assert.Contains(t, got.Narrative, "Only the first 1 rows are shown.")
}

func TestInterpret_Narratives(t *testing.T) {
	tests := []struct {
		name string
		in   domain.QueryIntent
		res  domain.ExecutionResult
		want string
	}{
		{
			name: "overall total",
			in:   domain.QueryIntent{Type: domain.IntentAggregate, TimeRange: domain.TimeRange{Label: "last month"}},
			res:  ok([]string{"group", "count", "total"}, domain.Row{"group": "all", "count": 4, "total": 100.0}),
			want: "You spent 100.00 in last month across 4 transactions.",
		},
		{
			name: "trend",
			in:   domain.QueryIntent{Type: domain.IntentTrend},
			res: ok([]string{"month", "total"},
				domain.Row{"month": "2024-01", "total": 100.0},
				domain.Row{"month": "2024-02", "total": 300.0},
				domain.Row{"month": "2024-03", "total": 150.0},
			),
			want: "Spending over 3 periods peaked in 2024-02 at 300.00 and was lowest in 2024-01 at 100.00. 2024-03 came in at 150.00, down 50.0% versus 2024-02.",
		},
		{
			name: "anomaly",
			in:   domain.QueryIntent{Type: domain.IntentAnomaly},
			res: ok([]string{"transaction_id", "merchant", "amount", "date", "mean"},
				domain.Row{"transaction_id": "t9", "merchant": "Apple Store", "amount": json.Number("1299"), "date": "2024-03-02", "mean": 80.0},
			),
			want: "Found 1 unusual transaction. The most unusual was 1299.00 at Apple Store on 2024-03-02, against a typical 80.00.",
		},
		{
			name: "similarity",
			in:   domain.QueryIntent{Type: domain.IntentSimilarity},
			res: ok([]string{"transaction_id", "merchant", "amount", "similarity_score"},
				domain.Row{"transaction_id": "t2", "merchant": "Starbucks", "amount": 4.5, "similarity_score": 0.92},
				domain.Row{"transaction_id": "t3", "merchant": "Costa", "amount": 4.1, "similarity_score": 0.85},
			),
			want: "Found 2 similar transactions. The closest match is at Starbucks for 4.50 (similarity 0.92).",
		},
		{
			name: "comparison",
			in: domain.QueryIntent{
				Type:         domain.IntentComparison,
				TimeRange:    domain.TimeRange{Label: "this month"},
				CompareRange: &domain.TimeRange{Label: "last month"},
			},
			res: ok([]string{"category", "period_a_total", "period_b_total"},
				domain.Row{"category": "Groceries", "period_a_total": 120.0, "period_b_total": 100.0},
				domain.Row{"category": "Travel", "period_a_total": 80.0, "period_b_total": 0.0},
			),
			want: "You spent 200.00 in this month versus 100.00 in last month, up 100.0%. The biggest difference was in Travel.",
		},
		{
			name: "lookup",
			in:   domain.QueryIntent{Type: domain.IntentLookup, TimeRange: domain.TimeRange{Label: "last week"}},
			res: ok([]string{"transaction_id", "amount", "merchant"},
				domain.Row{"transaction_id": "t1", "amount": 10.0, "merchant": "Tesco"},
				domain.Row{"transaction_id": "t2", "amount": 25.5, "merchant": "Shell"},
			),
			want: "Found 2 transactions in last week. They add up to 35.50. The largest was 25.50 at Shell.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interpret(tt.in, tt.res).Narrative)
		})
	}
}

func TestChartFor(t *testing.T) {
	tests := map[domain.IntentType]Chart{
		domain.IntentAggregate:  ChartBar,
		domain.IntentTrend:      ChartLine,
		domain.IntentAnomaly:    ChartScatter,
		domain.IntentComparison: ChartGroupedBar,
		domain.IntentSimilarity: ChartTable,
		domain.IntentLookup:     ChartTable,
		"unknown":               ChartTable,
	}
	for in, want := range tests {
		assert.Equal(t, want, ChartFor(in), in)
	}
}
