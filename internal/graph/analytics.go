package graph

import (
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-agent/internal/domain"
)

// DefaultAnomalyMultiplier and DefaultSimilarityThreshold are used when
// callers pass a non-positive value.
const (
	DefaultAnomalyMultiplier   = 2.0
	DefaultSimilarityThreshold = 0.8
	DefaultMerchantLimit       = 10
)

// ErrTransactionNotFound is returned when an operation names an unknown transaction.
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrAccountNotFound is returned when an operation names an unknown account.
var ErrAccountNotFound = errors.New("account not found")

// Filter narrows the transactions an operation looks at. Zero values match
// everything.
type Filter struct {
	Range     domain.TimeRange
	AccountID string
	Merchant  string
	Category  string
	MinAmount *decimal.Decimal // exclusive
	MaxAmount *decimal.Decimal // exclusive
}

func (f Filter) match(tx TransactionVertex) bool {
	if !f.Range.IsZero() && !f.Range.Contains(tx.Date) {
		return false
	}
	if f.AccountID != "" && !strings.EqualFold(tx.AccountID, f.AccountID) {
		return false
	}
	if f.Merchant != "" && !strings.EqualFold(tx.MerchantName, f.Merchant) {
		return false
	}
	if f.Category != "" && !strings.EqualFold(tx.Category, f.Category) {
		return false
	}
	if f.MinAmount != nil && !tx.Amount.GreaterThan(*f.MinAmount) {
		return false
	}
	if f.MaxAmount != nil && !tx.Amount.LessThan(*f.MaxAmount) {
		return false
	}
	return true
}

// each visits matching transactions in id order.
func (s *snapshot) each(f Filter, fn func(tx TransactionVertex)) {
	ids := sortedKeys(s.transactions)
	if f.AccountID != "" {
		if acct, ok := s.lookupAccount(f.AccountID); ok {
			ids = append([]string(nil), s.hasTransaction[acct]...)
			sort.Strings(ids)
		} else {
			return
		}
	}
	for _, id := range ids {
		tx := s.transactions[id]
		if f.match(tx) {
			fn(tx)
		}
	}
}

func (s *snapshot) lookupAccount(id string) (string, bool) {
	if _, ok := s.accounts[id]; ok {
		return id, true
	}
	for k := range s.accounts {
		if strings.EqualFold(k, id) {
			return k, true
		}
	}
	return "", false
}

// Transactions returns matching transactions, newest first.
func (e *Engine) Transactions(f Filter, limit int) []domain.TransactionRecord {
	var out []domain.TransactionRecord
	e.snap().each(f, func(tx TransactionVertex) {
		out = append(out, tx.TransactionRecord)
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GroupTotal is one row of a grouped aggregate.
type GroupTotal struct {
	Key   string          `json:"key"`
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
	Avg   decimal.Decimal `json:"avg"`
	Min   decimal.Decimal `json:"min"`
	Max   decimal.Decimal `json:"max"`
}

// Aggregate groups matching transactions by the given dimension, ordered by
// total descending. Month groups are ordered chronologically instead.
func (e *Engine) Aggregate(by domain.GroupBy, f Filter) []GroupTotal {
	groups := map[string]*GroupTotal{}
	e.snap().each(f, func(tx TransactionVertex) {
		key := groupKey(by, tx)
		if key == "" {
			return
		}
		g, ok := groups[key]
		if !ok {
			g = &GroupTotal{Key: key, Min: tx.Amount, Max: tx.Amount}
			groups[key] = g
		}
		g.Count++
		g.Total = g.Total.Add(tx.Amount)
		if tx.Amount.LessThan(g.Min) {
			g.Min = tx.Amount
		}
		if tx.Amount.GreaterThan(g.Max) {
			g.Max = tx.Amount
		}
	})

	out := make([]GroupTotal, 0, len(groups))
	for _, g := range groups {
		g.Avg = g.Total.Div(decimal.NewFromInt(int64(g.Count))).Round(2)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if by == domain.GroupMonth {
			return out[i].Key < out[j].Key
		}
		if c := out[i].Total.Cmp(out[j].Total); c != 0 {
			return c > 0
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func groupKey(by domain.GroupBy, tx TransactionVertex) string {
	switch by {
	case domain.GroupCategory:
		return tx.Category
	case domain.GroupMerchant:
		return tx.MerchantName
	case domain.GroupAccount:
		return tx.AccountID
	case domain.GroupMonth:
		return tx.Date.Format("2006-01")
	default:
		return "all"
	}
}

// CategorySpend is one row of SpendingByCategory.
type CategorySpend struct {
	Category string          `json:"category"`
	Count    int             `json:"count"`
	Total    decimal.Decimal `json:"total"`
}

// SpendingByCategory totals transactions per category within tr. A zero
// range covers all transactions.
func (e *Engine) SpendingByCategory(tr domain.TimeRange) []CategorySpend {
	groups := e.Aggregate(domain.GroupCategory, Filter{Range: tr})
	out := make([]CategorySpend, len(groups))
	for i, g := range groups {
		out[i] = CategorySpend{Category: g.Key, Count: g.Count, Total: g.Total}
	}
	return out
}

// MerchantStat is one row of MerchantAnalysis.
type MerchantStat struct {
	Merchant   string          `json:"merchant"`
	Count      int             `json:"count"`
	Total      decimal.Decimal `json:"total"`
	Avg        decimal.Decimal `json:"avg"`
	Categories []string        `json:"categories"`
}

// MerchantAnalysis returns the top merchants by total amount, then by count.
func (e *Engine) MerchantAnalysis(limit int) []MerchantStat {
	if limit <= 0 {
		limit = DefaultMerchantLimit
	}
	s := e.snap()
	stats := map[string]*MerchantStat{}
	cats := map[string]map[string]bool{}
	for txID, merchant := range s.atMerchant {
		tx := s.transactions[txID]
		m, ok := stats[merchant]
		if !ok {
			m = &MerchantStat{Merchant: merchant}
			stats[merchant] = m
			cats[merchant] = map[string]bool{}
		}
		m.Count++
		m.Total = m.Total.Add(tx.Amount)
		cats[merchant][s.inCategory[txID]] = true
	}

	out := make([]MerchantStat, 0, len(stats))
	for name, m := range stats {
		m.Avg = m.Total.Div(decimal.NewFromInt(int64(m.Count))).Round(2)
		m.Categories = sortedKeys(cats[name])
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Total.Cmp(out[j].Total); c != 0 {
			return c > 0
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Merchant < out[j].Merchant
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Anomaly is a transaction whose amount is far from its category mean.
type Anomaly struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Merchant      string          `json:"merchant"`
	Category      string          `json:"category"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"date"`
	Mean          float64         `json:"mean"`
	StdDev        float64         `json:"stddev"`
	Deviation     float64         `json:"deviation"`
	Score         float64         `json:"anomaly_score"`
}

// DetectAnomalies flags every transaction whose amount deviates from its
// category mean by more than multiplier sample standard deviations.
// Categories with fewer than two transactions are skipped. Results are
// ordered by deviation descending.
func (e *Engine) DetectAnomalies(multiplier float64) []Anomaly {
	if multiplier <= 0 {
		multiplier = DefaultAnomalyMultiplier
	}
	s := e.snap()
	byCategory := map[string][]TransactionVertex{}
	for txID, cat := range s.inCategory {
		byCategory[cat] = append(byCategory[cat], s.transactions[txID])
	}

	var out []Anomaly
	for cat, txs := range byCategory {
		if len(txs) < 2 {
			continue
		}
		mean, sd := meanStdDev(txs)
		for _, tx := range txs {
			dev := math.Abs(tx.Amount.InexactFloat64() - mean)
			if dev <= multiplier*sd {
				continue
			}
			out = append(out, Anomaly{
				TransactionID: tx.ID,
				AccountID:     tx.AccountID,
				Merchant:      tx.MerchantName,
				Category:      cat,
				Amount:        tx.Amount,
				Date:          tx.Date,
				Mean:          mean,
				StdDev:        sd,
				Deviation:     dev,
				Score:         dev / sd,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deviation != out[j].Deviation {
			return out[i].Deviation > out[j].Deviation
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out
}

// meanStdDev returns the mean and sample standard deviation of amounts.
// It requires at least two transactions.
func meanStdDev(txs []TransactionVertex) (float64, float64) {
	var sum float64
	for _, tx := range txs {
		sum += tx.Amount.InexactFloat64()
	}
	mean := sum / float64(len(txs))
	var sq float64
	for _, tx := range txs {
		d := tx.Amount.InexactFloat64() - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(txs)-1))
}

// Similar is one match returned by FindSimilar.
type Similar struct {
	TransactionID string          `json:"transaction_id"`
	Merchant      string          `json:"merchant"`
	Category      string          `json:"category"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"date"`
	Score         float64         `json:"similarity_score"`
}

// FindSimilar scores transactions that share a merchant or category with the
// target by Jaccard overlap of {merchant, category, amount bucket} and returns
// those scoring at least threshold, best first. The target is never returned.
func (e *Engine) FindSimilar(txID string, threshold float64) ([]Similar, error) {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	s := e.snap()
	target, ok := s.transactions[txID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	want := features(target.TransactionRecord)

	var out []Similar
	for id, tx := range s.transactions {
		if id == txID {
			continue
		}
		sameMerchant := target.MerchantName != "" && tx.MerchantName == target.MerchantName
		if !sameMerchant && tx.Category != target.Category {
			continue
		}
		score := jaccard(want, features(tx.TransactionRecord))
		if score < threshold {
			continue
		}
		out = append(out, Similar{
			TransactionID: id,
			Merchant:      tx.MerchantName,
			Category:      tx.Category,
			Amount:        tx.Amount,
			Date:          tx.Date,
			Score:         score,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out, nil
}

var amountBands = []int64{10, 50, 100, 500, 1000}

// AmountBucket labels the absolute amount with its band, e.g. "10-50".
func AmountBucket(amount decimal.Decimal) string {
	abs := amount.Abs()
	lower := int64(0)
	for _, upper := range amountBands {
		if abs.LessThan(decimal.NewFromInt(upper)) {
			return decimal.NewFromInt(lower).String() + "-" + decimal.NewFromInt(upper).String()
		}
		lower = upper
	}
	return "1000+"
}

func features(r domain.TransactionRecord) map[string]bool {
	f := map[string]bool{
		"c:" + r.Category:             true,
		"b:" + AmountBucket(r.Amount): true,
	}
	if r.MerchantName != "" {
		f["m:"+r.MerchantName] = true
	}
	return f
}

func jaccard(a, b map[string]bool) float64 {
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// MonthlyTrend is one calendar month of spending.
type MonthlyTrend struct {
	Month time.Time       `json:"month"`
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
	Avg   decimal.Decimal `json:"avg"`
}

// SpendingTrends aggregates amounts by calendar month, oldest first. An
// empty accountID covers every account.
func (e *Engine) SpendingTrends(accountID string) []MonthlyTrend {
	groups := e.Aggregate(domain.GroupMonth, Filter{AccountID: accountID})
	out := make([]MonthlyTrend, 0, len(groups))
	for _, g := range groups {
		month, err := time.Parse("2006-01", g.Key)
		if err != nil {
			continue
		}
		out = append(out, MonthlyTrend{Month: month, Count: g.Count, Total: g.Total, Avg: g.Avg})
	}
	return out
}

// MerchantPair counts the account-days on which both merchants were visited.
type MerchantPair struct {
	MerchantA string `json:"merchant_a"`
	MerchantB string `json:"merchant_b"`
	Count     int    `json:"count"`
}

// MerchantCoOccurrence finds merchant pairs visited by the same account on
// the same day, most frequent first.
func (e *Engine) MerchantCoOccurrence(limit int) []MerchantPair {
	if limit <= 0 {
		limit = DefaultMerchantLimit
	}
	s := e.snap()
	days := map[string]map[string]bool{}
	for txID, merchant := range s.atMerchant {
		tx := s.transactions[txID]
		key := tx.AccountID + "|" + tx.Date.Format("2006-01-02")
		if days[key] == nil {
			days[key] = map[string]bool{}
		}
		days[key][merchant] = true
	}

	counts := map[[2]string]int{}
	for _, set := range days {
		names := sortedKeys(set)
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				counts[[2]string{names[i], names[j]}]++
			}
		}
	}

	out := make([]MerchantPair, 0, len(counts))
	for pair, n := range counts {
		out = append(out, MerchantPair{MerchantA: pair[0], MerchantB: pair[1], Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].MerchantA != out[j].MerchantA {
			return out[i].MerchantA < out[j].MerchantA
		}
		return out[i].MerchantB < out[j].MerchantB
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AccountSummary describes the activity of one account.
type AccountSummary struct {
	AccountID        string          `json:"account_id"`
	TransactionCount int             `json:"transaction_count"`
	Total            decimal.Decimal `json:"total_amount"`
	Avg              decimal.Decimal `json:"avg_amount"`
	Earliest         time.Time       `json:"earliest_transaction"`
	Latest           time.Time       `json:"latest_transaction"`
	Categories       []string        `json:"categories"`
}

// AccountSummary returns totals and the date span for one account.
func (e *Engine) AccountSummary(accountID string) (AccountSummary, error) {
	s := e.snap()
	acct, ok := s.lookupAccount(accountID)
	if !ok {
		return AccountSummary{}, ErrAccountNotFound
	}
	sum := AccountSummary{AccountID: acct}
	cats := map[string]bool{}
	for _, id := range s.hasTransaction[acct] {
		tx := s.transactions[id]
		sum.TransactionCount++
		sum.Total = sum.Total.Add(tx.Amount)
		cats[tx.Category] = true
		if sum.Earliest.IsZero() || tx.Date.Before(sum.Earliest) {
			sum.Earliest = tx.Date
		}
		if tx.Date.After(sum.Latest) {
			sum.Latest = tx.Date
		}
	}
	if sum.TransactionCount > 0 {
		sum.Avg = sum.Total.Div(decimal.NewFromInt(int64(sum.TransactionCount))).Round(2)
	}
	sum.Categories = sortedKeys(cats)
	return sum, nil
}

// PeriodComparison is one group compared across two ranges.
type PeriodComparison struct {
	Key    string          `json:"key"`
	TotalA decimal.Decimal `json:"period_a_total"`
	TotalB decimal.Decimal `json:"period_b_total"`
	Change decimal.Decimal `json:"change"`
	CountA int             `json:"period_a_count"`
	CountB int             `json:"period_b_count"`
}

// ComparePeriods totals each group in two ranges. Change is B minus A.
func (e *Engine) ComparePeriods(by domain.GroupBy, a, b domain.TimeRange) []PeriodComparison {
	rows := map[string]*PeriodComparison{}
	get := func(k string) *PeriodComparison {
		if r, ok := rows[k]; ok {
			return r
		}
		r := &PeriodComparison{Key: k}
		rows[k] = r
		return r
	}
	for _, g := range e.Aggregate(by, Filter{Range: a}) {
		r := get(g.Key)
		r.TotalA, r.CountA = g.Total, g.Count
	}
	for _, g := range e.Aggregate(by, Filter{Range: b}) {
		r := get(g.Key)
		r.TotalB, r.CountB = g.Total, g.Count
	}
	out := make([]PeriodComparison, 0, len(rows))
	for _, r := range rows {
		r.Change = r.TotalB.Sub(r.TotalA)
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
