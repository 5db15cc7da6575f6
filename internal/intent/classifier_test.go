package intent

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-agent/internal/domain"
)

// Wednesday.
var fixedNow = time.Date(2024, 3, 13, 15, 4, 5, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newClassifier() *Classifier {
	vocab := Static{
		Accounts:   []string{"acc_checking", "acc_savings"},
		Merchants:  []string{"Starbucks", "Whole Foods", "Uber"},
		Categories: []string{"Food and Drink", "Travel", "Groceries", "Uncategorized"},
	}
	return New(vocab, WithClock(func() time.Time { return fixedNow }))
}

func TestClassify_SpendingByCategoryThisMonth(t *testing.T) {
	in := newClassifier().Classify("Show me my spending by category this month")

	assert.Equal(t, domain.IntentAggregate, in.Type)
	assert.Empty(t, in.Entities)
	assert.Equal(t, date(2024, 3, 1), in.TimeRange.Start)
	assert.Equal(t, date(2024, 4, 1), in.TimeRange.End)
	assert.True(t, in.TimeRange.Explicit)
	assert.Equal(t, "this month", in.TimeRange.Label)
	assert.Equal(t, domain.GroupCategory, in.GroupBy)
	assert.Equal(t, domain.AggSum, in.Aggregation)
	assert.False(t, in.LowConfidence)
	assert.Greater(t, in.Confidence, DefaultLowConfidenceThreshold)
}

func TestClassify_TransactionsOverAmount(t *testing.T) {
	in := newClassifier().Classify("Find transactions over $500")

	assert.Equal(t, domain.IntentLookup, in.Type)
	require.NotNil(t, in.Filters.MinAmount)
	assert.True(t, in.Filters.MinAmount.Equal(decimal.NewFromInt(500)))
	assert.Nil(t, in.Filters.MaxAmount)
	assert.False(t, in.TimeRange.Explicit)
	assert.False(t, in.LowConfidence)
}

func TestClassify_TotalAmbiguity(t *testing.T) {
	in := newClassifier().Classify("hello there")

	assert.Equal(t, domain.IntentLookup, in.Type)
	assert.Equal(t, 0.0, in.Confidence)
	assert.Empty(t, in.Entities)
	assert.True(t, in.LowConfidence)
}

func TestClassify_IntentTypes(t *testing.T) {
	tests := []struct {
		text string
		want domain.IntentType
	}{
		{"Any unusual charges lately?", domain.IntentAnomaly},
		{"Show suspicious transactions at Uber", domain.IntentAnomaly},
		{"Find transactions similar to transaction tx-1042", domain.IntentSimilarity},
		{"How has my spending trended over time?", domain.IntentTrend},
		{"monthly spending trend for acc_checking", domain.IntentTrend},
		{"Compare groceries this month vs last month", domain.IntentComparison},
		{"How much did I spend at Starbucks last week?", domain.IntentAggregate},
		{"What is my average grocery purchase", domain.IntentAggregate},
		{"List purchases from yesterday", domain.IntentLookup},
	}
	c := newClassifier()
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.text).Type)
		})
	}
}

func TestClassify_Entities(t *testing.T) {
	c := newClassifier()

	in := c.Classify("How much did I spend at starbucks on food and drink from acc_checking")
	assert.Equal(t, []domain.Entity{
		{Kind: domain.EntityAccount, Name: "acc_checking"},
		{Kind: domain.EntityMerchant, Name: "Starbucks"},
		{Kind: domain.EntityCategory, Name: "Food and Drink"},
	}, in.Entities)

	// one edit away
	in = c.Classify("total spent at Starbuks")
	assert.Equal(t, []string{"Starbucks"}, in.EntitiesOf(domain.EntityMerchant))

	// short names are never fuzzy matched
	in = c.Classify("total spent at Ubr")
	assert.Empty(t, in.EntitiesOf(domain.EntityMerchant))

	// whole words only
	in = c.Classify("spending on travelling")
	assert.Empty(t, in.EntitiesOf(domain.EntityCategory))
}

func TestClassify_TimeRanges(t *testing.T) {
	tests := []struct {
		text       string
		start, end time.Time
	}{
		{"spending today", date(2024, 3, 13), date(2024, 3, 14)},
		{"spending yesterday", date(2024, 3, 12), date(2024, 3, 13)},
		{"spending this week", date(2024, 3, 11), date(2024, 3, 18)},
		{"spending last week", date(2024, 3, 4), date(2024, 3, 11)},
		{"spending last month", date(2024, 2, 1), date(2024, 3, 1)},
		{"spending this year", date(2024, 1, 1), date(2025, 1, 1)},
		{"spending last year", date(2023, 1, 1), date(2024, 1, 1)},
		{"spending in the last 7 days", date(2024, 3, 7), date(2024, 3, 14)},
		{"spending on 2024-02-10", date(2024, 2, 10), date(2024, 2, 11)},
		{"spending from 2024-01-01 to 2024-01-31", date(2024, 1, 1), date(2024, 2, 1)},
		{"spending between 2024-01-05 and 2024-01-06", date(2024, 1, 5), date(2024, 1, 7)},
		{"spending since 2024-03-01", date(2024, 3, 1), date(2024, 3, 14)},
		{"spending in january", date(2024, 1, 1), date(2024, 2, 1)},
		{"spending in june", date(2023, 6, 1), date(2023, 7, 1)},
		{"spending in 2022", date(2022, 1, 1), date(2023, 1, 1)},
		{"total spending", date(2024, 2, 13), date(2024, 3, 14)},
	}
	c := newClassifier()
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			r := c.Classify(tt.text).TimeRange
			assert.Equal(t, tt.start, r.Start)
			assert.Equal(t, tt.end, r.End)
		})
	}
}

func TestClassify_CompareRange(t *testing.T) {
	c := newClassifier()

	in := c.Classify("Compare last month versus this month")
	require.NotNil(t, in.CompareRange)
	assert.Equal(t, date(2024, 2, 1), in.TimeRange.Start)
	assert.Equal(t, date(2024, 3, 1), in.CompareRange.Start)

	in = c.Classify("compare spending this month")
	require.NotNil(t, in.CompareRange)
	assert.Equal(t, date(2024, 2, 1), in.CompareRange.Start)
	assert.Equal(t, date(2024, 3, 1), in.CompareRange.End)
}

func TestClassify_AmountFilters(t *testing.T) {
	c := newClassifier()

	in := c.Classify("transactions between $100 and $250.50")
	require.NotNil(t, in.Filters.MinAmount)
	require.NotNil(t, in.Filters.MaxAmount)
	assert.Equal(t, "100", in.Filters.MinAmount.String())
	assert.Equal(t, "250.5", in.Filters.MaxAmount.String())

	in = c.Classify("purchases under 1,200")
	require.NotNil(t, in.Filters.MaxAmount)
	assert.Equal(t, "1200", in.Filters.MaxAmount.String())

	in = c.Classify("spending over 30 days")
	assert.Nil(t, in.Filters.MinAmount)

	in = c.Classify("similar to transaction TX-88a")
	assert.Equal(t, "TX-88a", in.Filters.TransactionID)
}

func TestClassify_AggregationAndGrouping(t *testing.T) {
	c := newClassifier()

	in := c.Classify("average spend per merchant")
	assert.Equal(t, domain.AggAvg, in.Aggregation)
	assert.Equal(t, domain.GroupMerchant, in.GroupBy)

	in = c.Classify("how many transactions by account")
	assert.Equal(t, domain.AggCount, in.Aggregation)
	assert.Equal(t, domain.GroupAccount, in.GroupBy)

	in = c.Classify("spending trends")
	assert.Equal(t, domain.GroupMonth, in.GroupBy)
}

func TestClassify_Deterministic(t *testing.T) {
	c := newClassifier()
	inputs := []string{
		"Show me my spending by category this month",
		"compare whole foods vs starbucks last year",
		"unusual travel charges over $80",
		"",
	}
	for _, text := range inputs {
		first := c.Classify(text)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, c.Classify(text))
		}
	}
}

func TestClassify_ThresholdOption(t *testing.T) {
	c := New(nil, WithClock(func() time.Time { return fixedNow }), WithThreshold(0.9))
	in := c.Classify("Find transactions over $500")
	assert.True(t, in.LowConfidence)
	assert.Equal(t, 0.9, c.Threshold())
}
