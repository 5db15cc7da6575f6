package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/domain"
)

func TestCleanModelQuery(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "SELECT 1", "SELECT 1"},
		{"fenced with language", "```sql\nSELECT 1\n```", "SELECT 1"},
		{"fenced bare", "```\nMATCH (n) RETURN n\n```\n", "MATCH (n) RETURN n"},
		{"labelled", "Cypher: MATCH (n) RETURN n", "MATCH (n) RETURN n"},
		{"single line fence", "```SELECT 1```", "SELECT 1"},
		{"whitespace", "  \n SELECT 1 \n", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanModelQuery(tt.in))
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	req := Request{
		Intent: domain.QueryIntent{
			Type:        domain.IntentAggregate,
			SearchText:  "how much at Starbucks",
			Aggregation: domain.AggSum,
			Entities:    []domain.Entity{{Kind: domain.EntityMerchant, Name: "Starbucks"}},
			TimeRange:   domain.TimeRange{Label: "last month"},
		},
		Kind: domain.BackendGraph,
		Schema: &backend.Schema{
			Tables:        []backend.Table{{Name: "Transaction", Fields: []backend.Field{{Name: "amount", Type: "FLOAT"}}}},
			Relationships: []backend.Relationship{{Type: "AT_MERCHANT", From: "Transaction", To: "Merchant"}},
			Procedures:    []backend.Procedure{{Name: "merchant_analysis", Params: []string{"limit"}, Columns: []string{"merchant"}}},
		},
		Params: map[string]any{"start": "2024-02-01", "end": "2024-03-01"},
	}

	p := buildPrompt(req, []Attempt{{Provider: "gemini", Outcome: OutcomeInvalid, Detail: "unknown label User"}})

	assert.Contains(t, p, "how much at Starbucks")
	assert.Contains(t, p, `- merchant: "Starbucks"`)
	assert.Contains(t, p, "- Transaction(amount FLOAT)")
	assert.Contains(t, p, "(:Transaction)-[:AT_MERCHANT]->(:Merchant)")
	assert.Contains(t, p, "CALL finance.merchant_analysis(limit)")
	assert.Contains(t, p, "$end = 2024-03-01")
	assert.Contains(t, p, "Cypher")
	assert.Contains(t, p, "gemini: invalid (unknown label User)")
	assert.Less(t, strings.Index(p, "$end"), strings.Index(p, "$start"), "parameters sorted")
}
