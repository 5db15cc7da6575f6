package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/finance-agent/internal/domain"
)

// maxIngestWorkers bounds how many account groups are prepared concurrently.
const maxIngestWorkers = 8

// Engine is the in-process transaction graph. It is safe for concurrent use.
type Engine struct {
	current atomic.Pointer[snapshot]

	// commitMu guards the swap of the current snapshot. It is held only
	// while applying already prepared account groups.
	commitMu sync.Mutex

	now func() time.Time
	log zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for vertex timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an empty engine.
func NewEngine(log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		now: time.Now,
		log: log.With().Str("component", "graph").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.current.Store(emptySnapshot())
	return e
}

func (e *Engine) snap() *snapshot {
	return e.current.Load()
}

// IngestResult summarizes one Ingest call.
type IngestResult struct {
	Received  int      `json:"received"`
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
}

func (r *IngestResult) add(o IngestResult) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
	r.Rejected += o.Rejected
	r.Errors = append(r.Errors, o.Errors...)
}

// Ingest upserts records into the graph. Records are grouped by account and
// each group is deduplicated concurrently; the groups are then applied to a
// single copy of the graph and published as one new version. Invalid records
// are rejected and reported, not fatal.
func (e *Engine) Ingest(ctx context.Context, records []domain.TransactionRecord) (IngestResult, error) {
	res := IngestResult{Received: len(records)}

	groups := make(map[string][]domain.TransactionRecord)
	for i, rec := range records {
		rec = rec.Normalized()
		if err := validateRecord(rec); err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		groups[rec.AccountID] = append(groups[rec.AccountID], rec)
	}

	accounts := make([]string, 0, len(groups))
	for id := range groups {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)

	prepared := make([][]domain.TransactionRecord, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxIngestWorkers)
	for i, acct := range accounts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return fmt.Errorf("prepareAccount %s: %w", acct, err)
			}
			prepared[i] = dedupe(groups[acct])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("Ingest: %w", err)
	}
	if len(accounts) > 0 {
		res.add(e.commit(prepared))
	}

	e.log.Debug().
		Int("received", res.Received).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).
		Int("rejected", res.Rejected).
		Msg("ingested transactions")
	return res, nil
}

// dedupe keeps the last record per id, in first-seen order.
func dedupe(recs []domain.TransactionRecord) []domain.TransactionRecord {
	byID := make(map[string]int, len(recs))
	ordered := make([]domain.TransactionRecord, 0, len(recs))
	for _, r := range recs {
		if idx, ok := byID[r.ID]; ok {
			ordered[idx] = r
			continue
		}
		byID[r.ID] = len(ordered)
		ordered = append(ordered, r)
	}
	return ordered
}

// commit applies every prepared group to one clone of the current snapshot.
func (e *Engine) commit(groups [][]domain.TransactionRecord) IngestResult {
	now := e.now().UTC()

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	next := e.snap().clone()
	next.version++
	var res IngestResult
	for _, recs := range groups {
		for _, r := range recs {
			switch next.upsert(r, now) {
			case outcomeCreated:
				res.Created++
			case outcomeUpdated:
				res.Updated++
			case outcomeUnchanged:
				res.Unchanged++
			}
		}
	}
	e.current.Store(next)
	return res
}

func validateRecord(r domain.TransactionRecord) error {
	switch {
	case r.ID == "":
		return fmt.Errorf("missing id")
	case r.AccountID == "":
		return fmt.Errorf("missing account_id")
	case r.Date.IsZero():
		return fmt.Errorf("missing date")
	}
	return nil
}

type upsertOutcome int

const (
	outcomeCreated upsertOutcome = iota
	outcomeUpdated
	outcomeUnchanged
)

// upsert applies r to a snapshot that is not yet published.
func (s *snapshot) upsert(r domain.TransactionRecord, now time.Time) upsertOutcome {
	prev, exists := s.transactions[r.ID]
	if exists && sameRecord(prev.TransactionRecord, r) {
		prev.UpdatedAt = now
		s.transactions[r.ID] = prev
		return outcomeUnchanged
	}

	created := now
	if exists {
		created = prev.CreatedAt
		s.unlink(prev.TransactionRecord)
	}

	s.touchAccount(r.AccountID, now)
	s.touchCategory(r.Category, now)
	if r.MerchantName != "" {
		s.touchMerchant(r.MerchantName, now)
		s.atMerchant[r.ID] = r.MerchantName
	}
	s.inCategory[r.ID] = r.Category

	ids := s.hasTransaction[r.AccountID]
	next := make([]string, len(ids), len(ids)+1)
	copy(next, ids)
	s.hasTransaction[r.AccountID] = append(next, r.ID)

	s.transactions[r.ID] = TransactionVertex{TransactionRecord: r, CreatedAt: created, UpdatedAt: now}
	if exists {
		return outcomeUpdated
	}
	return outcomeCreated
}

// unlink removes every edge of a transaction. Vertices on the other end stay.
func (s *snapshot) unlink(r domain.TransactionRecord) {
	ids := s.hasTransaction[r.AccountID]
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != r.ID {
			kept = append(kept, id)
		}
	}
	s.hasTransaction[r.AccountID] = kept
	delete(s.atMerchant, r.ID)
	delete(s.inCategory, r.ID)
}

func (s *snapshot) touchAccount(id string, now time.Time) {
	v, ok := s.accounts[id]
	if !ok {
		v = AccountVertex{ID: id, CreatedAt: now}
	}
	v.UpdatedAt = now
	s.accounts[id] = v
}

func (s *snapshot) touchMerchant(name string, now time.Time) {
	v, ok := s.merchants[name]
	if !ok {
		v = MerchantVertex{Name: name, CreatedAt: now}
	}
	v.UpdatedAt = now
	s.merchants[name] = v
}

func (s *snapshot) touchCategory(name string, now time.Time) {
	v, ok := s.categories[name]
	if !ok {
		v = CategoryVertex{Name: name, CreatedAt: now}
	}
	v.UpdatedAt = now
	s.categories[name] = v
}

func sameRecord(a, b domain.TransactionRecord) bool {
	return a.ID == b.ID &&
		a.AccountID == b.AccountID &&
		a.Amount.Equal(b.Amount) &&
		a.Date.Equal(b.Date) &&
		a.MerchantName == b.MerchantName &&
		a.Category == b.Category &&
		a.Subcategory == b.Subcategory &&
		a.Currency == b.Currency &&
		a.Location == b.Location
}

// Transaction returns one transaction vertex by id.
func (e *Engine) Transaction(id string) (TransactionVertex, bool) {
	v, ok := e.snap().transactions[id]
	return v, ok
}

// Stats returns vertex and edge counts of the current snapshot.
func (e *Engine) Stats() Stats {
	s := e.snap()
	rels := len(s.atMerchant) + len(s.inCategory)
	for _, ids := range s.hasTransaction {
		rels += len(ids)
	}
	return Stats{
		Accounts:      len(s.accounts),
		Transactions:  len(s.transactions),
		Merchants:     len(s.merchants),
		Categories:    len(s.categories),
		Relationships: rels,
		Version:       s.version,
	}
}

// Vocabulary returns the sorted names of all known entities.
func (e *Engine) Vocabulary() domain.Vocabulary {
	s := e.snap()
	return domain.Vocabulary{
		Accounts:   sortedKeys(s.accounts),
		Merchants:  sortedKeys(s.merchants),
		Categories: sortedKeys(s.categories),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
