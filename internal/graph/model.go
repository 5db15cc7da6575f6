// Package graph owns the derived transaction graph and the analytic
// operations computed over it.
//
// Vertices live in arenas keyed by natural id. Relationships are stored in
// one edge table per kind:
//
//	(Account)-[:HAS_TRANSACTION]->(Transaction)
//	(Transaction)-[:AT_MERCHANT]->(Merchant)
//	(Transaction)-[:IN_CATEGORY]->(Category)
//
// The whole structure is published as an immutable snapshot. Readers load
// the current snapshot and never lock; writers build a new one and swap it in.
package graph

import (
	"time"

	"github.com/dvloznov/finance-agent/internal/domain"
)

// Relationship names as exposed in schema descriptors and the Neo4j mirror.
const (
	RelHasTransaction = "HAS_TRANSACTION"
	RelAtMerchant     = "AT_MERCHANT"
	RelInCategory     = "IN_CATEGORY"
)

// Vertex labels.
const (
	LabelAccount     = "Account"
	LabelTransaction = "Transaction"
	LabelMerchant    = "Merchant"
	LabelCategory    = "Category"
)

type AccountVertex struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type MerchantVertex struct {
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CategoryVertex struct {
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransactionVertex wraps the ingested record. Its AccountID, MerchantName
// and Category always agree with the edge tables.
type TransactionVertex struct {
	domain.TransactionRecord
	CreatedAt time.Time
	UpdatedAt time.Time
}

type snapshot struct {
	version uint64

	accounts     map[string]AccountVertex
	merchants    map[string]MerchantVertex
	categories   map[string]CategoryVertex
	transactions map[string]TransactionVertex

	// hasTransaction maps account id to its transaction ids in insertion order.
	// The slices are never modified in place.
	hasTransaction map[string][]string
	atMerchant     map[string]string // tx id -> merchant name
	inCategory     map[string]string // tx id -> category name
}

func emptySnapshot() *snapshot {
	return &snapshot{
		accounts:       map[string]AccountVertex{},
		merchants:      map[string]MerchantVertex{},
		categories:     map[string]CategoryVertex{},
		transactions:   map[string]TransactionVertex{},
		hasTransaction: map[string][]string{},
		atMerchant:     map[string]string{},
		inCategory:     map[string]string{},
	}
}

func (s *snapshot) clone() *snapshot {
	return &snapshot{
		version:        s.version,
		accounts:       cloneMap(s.accounts),
		merchants:      cloneMap(s.merchants),
		categories:     cloneMap(s.categories),
		transactions:   cloneMap(s.transactions),
		hasTransaction: cloneMap(s.hasTransaction),
		atMerchant:     cloneMap(s.atMerchant),
		inCategory:     cloneMap(s.inCategory),
	}
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Stats reports vertex and edge counts.
type Stats struct {
	Accounts      int    `json:"accounts"`
	Transactions  int    `json:"transactions"`
	Merchants     int    `json:"merchants"`
	Categories    int    `json:"categories"`
	Relationships int    `json:"relationships"`
	Version       uint64 `json:"version"`
}
