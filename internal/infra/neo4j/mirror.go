package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/dvloznov/finance-agent/internal/domain"
)

const defaultBatchSize = 500

var constraints = []string{
	`CREATE CONSTRAINT account_id_unique IF NOT EXISTS FOR (a:Account) REQUIRE a.account_id IS UNIQUE`,
	`CREATE CONSTRAINT transaction_id_unique IF NOT EXISTS FOR (t:Transaction) REQUIRE t.transaction_id IS UNIQUE`,
	`CREATE CONSTRAINT merchant_name_unique IF NOT EXISTS FOR (m:Merchant) REQUIRE m.name IS UNIQUE`,
	`CREATE CONSTRAINT category_name_unique IF NOT EXISTS FOR (c:Category) REQUIRE c.name IS UNIQUE`,
}

// upsertTransactions re-points edges when a transaction's account, merchant
// or category changes, so every transaction keeps exactly one account and
// category edge and at most one merchant edge.
const upsertTransactions = `
UNWIND $rows AS r
MERGE (a:Account {account_id: r.account_id})
  ON CREATE SET a.created_at = r.synced_at
SET a.updated_at = r.synced_at
MERGE (t:Transaction {transaction_id: r.transaction_id})
  ON CREATE SET t.created_at = r.synced_at
SET t.account_id = r.account_id,
    t.amount = r.amount,
    t.date = r.date,
    t.merchant_name = r.merchant_name,
    t.category = r.category,
    t.subcategory = r.subcategory,
    t.currency = r.currency,
    t.location = r.location,
    t.updated_at = r.synced_at
WITH r, a, t
OPTIONAL MATCH (oldA:Account)-[oldHas:HAS_TRANSACTION]->(t) WHERE oldA.account_id <> r.account_id
DELETE oldHas
WITH r, a, t
OPTIONAL MATCH (t)-[oldCat:IN_CATEGORY]->(oldC:Category) WHERE oldC.name <> r.category
DELETE oldCat
WITH r, a, t
OPTIONAL MATCH (t)-[oldAt:AT_MERCHANT]->(oldM:Merchant) WHERE r.merchant_name IS NULL OR oldM.name <> r.merchant_name
DELETE oldAt
WITH r, a, t
MERGE (a)-[:HAS_TRANSACTION]->(t)
MERGE (c:Category {name: r.category})
MERGE (t)-[:IN_CATEGORY]->(c)
FOREACH (_ IN CASE WHEN r.merchant_name IS NULL THEN [] ELSE [1] END |
  MERGE (m:Merchant {name: r.merchant_name})
  MERGE (t)-[:AT_MERCHANT]->(m)
)`

// Mirror keeps a Neo4j copy of the transaction graph for ad-hoc Cypher.
type Mirror struct {
	client    *Client
	batchSize int
}

func (m *Mirror) Name() string { return "neo4j" }

// EnsureSchema creates the uniqueness constraints. Failures are logged; the
// mirror still works without them, only slower.
func (m *Mirror) EnsureSchema(ctx context.Context) {
	session := m.client.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	for _, q := range constraints {
		res, err := session.Run(ctx, q, nil)
		if err != nil {
			m.client.log.Warn().Err(err).Msg("neo4j schema init failed (continuing)")
			continue
		}
		_, _ = res.Consume(ctx)
	}
}

// Upsert writes records in batches, one write transaction per batch.
func (m *Mirror) Upsert(ctx context.Context, records []domain.TransactionRecord) error {
	if len(records) == 0 {
		return nil
	}
	session := m.client.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	batches := mirrorRows(records, time.Now().UTC(), m.batchSize)
	for i, rows := range batches {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, upsertTransactions, map[string]any{"rows": rows})
			if err != nil {
				return nil, err
			}
			return res.Consume(ctx)
		})
		if err != nil {
			return fmt.Errorf("Upsert: batch %d of %d: %w", i+1, len(batches), err)
		}
	}
	m.client.log.Debug().Int("records", len(records)).Int("batches", len(batches)).Msg("graph mirror updated")
	return nil
}

// mirrorRows converts records into Cypher parameter maps, split into batches.
func mirrorRows(records []domain.TransactionRecord, now time.Time, batchSize int) [][]map[string]any {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	synced := now.Format(time.RFC3339Nano)
	var batches [][]map[string]any
	var cur []map[string]any
	for _, r := range records {
		r = r.Normalized()
		cur = append(cur, map[string]any{
			"transaction_id": r.ID,
			"account_id":     r.AccountID,
			"amount":         r.Amount.InexactFloat64(),
			"date":           neo4j.DateOf(r.Date),
			"merchant_name":  nullable(r.MerchantName),
			"category":       r.Category,
			"subcategory":    nullable(r.Subcategory),
			"currency":       nullable(r.Currency),
			"location":       nullable(r.Location),
			"synced_at":      synced,
		})
		if len(cur) == batchSize {
			batches = append(batches, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
