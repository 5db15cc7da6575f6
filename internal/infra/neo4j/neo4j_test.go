package neo4j

import (
	"fmt"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/domain"
)

func TestMirrorRows_Batches(t *testing.T) {
	var records []domain.TransactionRecord
	for i := 0; i < 5; i++ {
		records = append(records, domain.TransactionRecord{
			ID:        fmt.Sprintf("tx-%d", i),
			AccountID: "acc-1",
			Amount:    decimal.RequireFromString("12.34"),
			Date:      time.Date(2024, 2, i+1, 9, 30, 0, 0, time.UTC),
		})
	}
	records[0].MerchantName = "Tesco"

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	batches := mirrorRows(records, now, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[2], 1)

	first := batches[0][0]
	assert.Equal(t, "tx-0", first["transaction_id"])
	assert.Equal(t, "Tesco", first["merchant_name"])
	assert.Nil(t, batches[0][1]["merchant_name"])
	assert.Equal(t, domain.UncategorizedCategory, first["category"])
	assert.InDelta(t, 12.34, first["amount"], 1e-9)
	assert.Equal(t, neo4j.DateOf(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)), first["date"])
	assert.Equal(t, "2024-03-01T12:00:00Z", first["synced_at"])
}

func TestCypherParams(t *testing.T) {
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	got := cypherParams(map[string]any{
		"start":      start,
		"min_amount": decimal.NewFromInt(500),
		"merchant":   "Tesco",
	})
	assert.Equal(t, neo4j.DateOf(start), got["start"])
	assert.Equal(t, 500.0, got["min_amount"])
	assert.Equal(t, "Tesco", got["merchant"])
	assert.Nil(t, cypherParams(nil))
}

func TestValue_GraphTypes(t *testing.T) {
	node := neo4j.Node{
		ElementId: "4:abc:1",
		Labels:    []string{"Transaction"},
		Props:     map[string]any{"amount": 42.5, "date": neo4j.DateOf(time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC))},
	}
	rel := neo4j.Relationship{ElementId: "5:abc:2", Type: "AT_MERCHANT", StartElementId: "4:abc:1", EndElementId: "4:abc:3"}

	got := value(neo4j.Path{Nodes: []neo4j.Node{node}, Relationships: []neo4j.Relationship{rel}}).(map[string]any)
	nodes := got["nodes"].([]any)
	require.Len(t, nodes, 1)
	n := nodes[0].(map[string]any)
	assert.Equal(t, []any{"Transaction"}, n["labels"])
	props := n["properties"].(map[string]any)
	assert.Equal(t, time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC), props["date"])

	r := got["relationships"].([]any)[0].(map[string]any)
	assert.Equal(t, "AT_MERCHANT", r["type"])
	assert.Equal(t, "4:abc:3", r["end"])
}

func TestClassify(t *testing.T) {
	syntax := classify(&neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError", Msg: "Invalid input 'RETRUN'"})
	assert.True(t, backend.IsSyntaxError(syntax))

	transient := &neo4j.Neo4jError{Code: "Neo.TransientError.General.DatabaseUnavailable"}
	assert.False(t, backend.IsSyntaxError(classify(transient)))
}
