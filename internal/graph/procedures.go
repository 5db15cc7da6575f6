package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-agent/internal/agenterr"
	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/domain"
)

// ProcedureBackend exposes the engine as the graph backend. Statements of
// the form "CALL finance.<name>(args)" run in-process; any other read-only
// Cypher goes to the fallback (a Neo4j mirror) when one is configured.
type ProcedureBackend struct {
	engine   *Engine
	fallback backend.Backend
	id       string
}

// NewProcedureBackend wraps engine. fallback may be nil.
func NewProcedureBackend(engine *Engine, fallback backend.Backend) *ProcedureBackend {
	id := string(domain.BackendGraph)
	if fallback != nil {
		id = fallback.ID()
	}
	return &ProcedureBackend{engine: engine, fallback: fallback, id: id}
}

func (b *ProcedureBackend) Kind() domain.BackendKind { return domain.BackendGraph }
func (b *ProcedureBackend) ID() string               { return b.id }

type paramKind int

const (
	pString paramKind = iota
	pDate
	pFloat
	pInt
	pDecimal
)

type param struct {
	name string
	kind paramKind
}

type procedure struct {
	params  []param
	columns []string
	run     func(e *Engine, args map[string]any) ([]map[string]any, error)
}

var procedures = map[string]procedure{
	"spending_by_category": {
		params:  []param{{"start", pDate}, {"end", pDate}},
		columns: []string{"category", "count", "total"},
		run: func(e *Engine, a map[string]any) ([]map[string]any, error) {
			var rows []map[string]any
			for _, r := range e.SpendingByCategory(rangeArg(a, "start", "end")) {
				rows = append(rows, map[string]any{"category": r.Category, "count": r.Count, "total": r.Total})
			}
			return rows, nil
		},
	},
	"merchant_analysis": {
		params:  []param{{"limit", pInt}},
		columns: []string{"merchant", "count", "total", "avg", "categories"},
		run: func(e *Engine, a map[string]any) ([]map[string]any, error) {
			var rows []map[string]any
			for _, r := range e.MerchantAnalysis(intArg(a, "limit")) {
				rows = append(rows, map[string]any{
					"merchant": r.Merchant, "count": r.Count, "total": r.Total,
					"avg": r.Avg, "categories": r.Categories,
				})
			}
			return rows, nil
		},
	},
	"detect_anomalies": {
		params: []param{{"multiplier", pFloat}},
		columns: []string{"transaction_id", "account_id", "merchant", "category", "amount",
			"date", "mean", "stddev", "deviation", "anomaly_score"},
		run: func(e *Engine, a map[string]any) ([]map[string]any, error) {
			var rows []map[string]any
			for _, r := range e.DetectAnomalies(floatArg(a, "multiplier")) {
				rows = append(rows, map[string]any{
					"transaction_id": r.TransactionID, "account_id": r.AccountID,
					"merchant": r.Merchant, "category": r.Category, "amount": r.Amount,
					"date": r.Date, "mean": round2(r.Mean), "stddev": round2(r.StdDev),
					"deviation": round2(r.Deviation), "anomaly_score": round2(r.Score),
				})
			}
			return rows, nil
		},
	},
	"find_similar": {
		params:  []param{{"transaction_id", pString}, {"threshold", pFloat}},
		columns: []string{"transaction_id", "merchant", "category", "amount", "date", "similarity_score"},
		run: func(e *Engine, a map[string]any) ([]map[string]any, error) {
			matches, err := e.FindSimilar(stringArg(a, "transaction_id"), floatArg(a, "threshold"))
			if err != nil {
				return nil, err
			}
			var rows []map[string]any
			for _, r := range matches {
				rows = append(rows, map[string]any{
					"transaction_id": r.TransactionID, "merchant": r.Merchant, "category": r.Category,
					"amount": r.Amount, "date": r.Date, "similarity_score": round2(r.Score),
				})
			}
			return rows, nil
		},
	},
	"spending_trends": {
		params:  []param{{"account_id", pString}},
		columns: []string{"month", "count", "total", "avg"},
		run: func(e *Engine, a map[string]any) ([]map[string]any, error) {
			var rows []map[string]any
			for _, r := range e.SpendingTrends(stringArg(a, "account_id")) {
				rows = append(rows, map[string]any{
					"month": r.Month.Format("2006-01"), "count": r.Count, "total": r.Total, "avg": r.Avg,
				})
			}
			return rows, nil
		},
	},
	"merchant_cooccurrence": {
		params:  []param{{"limit", pInt}},
		columns: []string{"merchant_a", "merchant_b", "count"},
		run: func(e *Engine, a map[string]any) ([]map[string]any, error) {
			var rows []map[string]any
			for _, r := range e.MerchantCoOccurrence(intArg(a, "limit")) {
				rows = append(rows, map[string]any{"merchant_a": r.MerchantA, "merchant_b": r.MerchantB, "count": r.Count})
			}
			return rows, nil
		},
	},
	"account_summary": {
		params: []param{{"account_id", pString}},
		columns: []string{"account_id", "transaction_count", "total_amount", "avg_amount",
			"earliest_transaction", "latest_transaction", "categories"},
		run: func(e *Engine, a map[string]any) ([]map[string]any, error) {
			s, err := e.AccountSummary(stringArg(a, "account_id"))
			if err != nil {
				return nil, err
			}
			return []map[string]any{{
				"account_id": s.AccountID, "transaction_count": s.TransactionCount,
				"total_amount": s.Total, "avg_amount": s.Avg,
				"earliest_transaction": s.Earliest, "latest_transaction": s.Latest,
				"categories": s.Categories,
			}}, nil
		},
	},
	"transaction": {
		params: []param{{"transaction_id", pString}},
		columns: []string{"transaction_id", "account_id", "date", "amount", "currency",
			"merchant", "category", "subcategory", "location"},
		run: func(e *Engine, a map[string]any) ([]map[string]any, error) {
			r, ok := e.Transaction(stringArg(a, "transaction_id"))
			if !ok {
				return nil, nil
			}
			return []map[string]any{{
				"transaction_id": r.ID, "account_id": r.AccountID, "date": r.Date,
				"amount": r.Amount, "currency": r.Currency, "merchant": r.MerchantName,
				"category": r.Category, "subcategory": r.Subcategory, "location": r.Location,
			}}, nil
		},
	},
	"transactions": {
		params: []param{{"start", pDate}, {"end", pDate}, {"account_id", pString}, {"merchant", pString},
			{"category", pString}, {"min_amount", pDecimal}, {"max_amount", pDecimal}},
		columns: []string{"transaction_id", "account_id", "date", "amount", "currency",
			"merchant", "category", "subcategory", "location"},
		run: func(e *Engine, a map[string]any) ([]map[string]any, error) {
			var rows []map[string]any
			for _, r := range e.Transactions(filterArgs(a), 0) {
				rows = append(rows, map[string]any{
					"transaction_id": r.ID, "account_id": r.AccountID, "date": r.Date,
					"amount": r.Amount, "currency": r.Currency, "merchant": r.MerchantName,
					"category": r.Category, "subcategory": r.Subcategory, "location": r.Location,
				})
			}
			return rows, nil
		},
	},
	"aggregate": {
		params: []param{{"group_by", pString}, {"start", pDate}, {"end", pDate}, {"account_id", pString},
			{"merchant", pString}, {"category", pString}, {"min_amount", pDecimal}, {"max_amount", pDecimal}},
		columns: []string{"group", "count", "total", "avg", "min", "max"},
		run: func(e *Engine, a map[string]any) ([]map[string]any, error) {
			var rows []map[string]any
			for _, g := range e.Aggregate(domain.GroupBy(stringArg(a, "group_by")), filterArgs(a)) {
				rows = append(rows, map[string]any{
					"group": g.Key, "count": g.Count, "total": g.Total, "avg": g.Avg, "min": g.Min, "max": g.Max,
				})
			}
			return rows, nil
		},
	},
	"compare_periods": {
		params: []param{{"group_by", pString}, {"start_a", pDate}, {"end_a", pDate},
			{"start_b", pDate}, {"end_b", pDate}},
		columns: []string{"group", "period_a_total", "period_b_total", "change", "period_a_count", "period_b_count"},
		run: func(e *Engine, a map[string]any) ([]map[string]any, error) {
			var rows []map[string]any
			cmp := e.ComparePeriods(domain.GroupBy(stringArg(a, "group_by")),
				rangeArg(a, "start_a", "end_a"), rangeArg(a, "start_b", "end_b"))
			for _, r := range cmp {
				rows = append(rows, map[string]any{
					"group": r.Key, "period_a_total": r.TotalA, "period_b_total": r.TotalB,
					"change": r.Change, "period_a_count": r.CountA, "period_b_count": r.CountB,
				})
			}
			return rows, nil
		},
	},
	"stats": {
		columns: []string{"accounts", "transactions", "merchants", "categories", "relationships"},
		run: func(e *Engine, _ map[string]any) ([]map[string]any, error) {
			s := e.Stats()
			return []map[string]any{{
				"accounts": s.Accounts, "transactions": s.Transactions, "merchants": s.Merchants,
				"categories": s.Categories, "relationships": s.Relationships,
			}}, nil
		},
	},
}

var callStmtRe = regexp.MustCompile(`(?is)^\s*CALL\s+finance\.([a-z_]+)\s*\((.*)\)\s*;?\s*$`)

// IsProcedureCall reports whether text is a single finance.* procedure call.
func IsProcedureCall(text string) bool {
	return callStmtRe.MatchString(text)
}

func (b *ProcedureBackend) ValidateSyntax(text string) error {
	if err := backend.ValidateCypher(text); err != nil {
		return err
	}
	if m := callStmtRe.FindStringSubmatch(text); m != nil {
		if _, ok := procedures[strings.ToLower(m[1])]; !ok {
			return &backend.SyntaxError{Backend: domain.BackendGraph, Reason: "unknown procedure finance." + m[1]}
		}
		return nil
	}
	if b.fallback == nil {
		return &backend.SyntaxError{Backend: domain.BackendGraph, Reason: "only finance.* procedures are available"}
	}
	return b.fallback.ValidateSyntax(text)
}

func (b *ProcedureBackend) Execute(ctx context.Context, q domain.GeneratedQuery, limit int) (*backend.RawResult, error) {
	m := callStmtRe.FindStringSubmatch(q.NativeText)
	if m == nil {
		if b.fallback == nil {
			return nil, agenterr.New(agenterr.KindUnsupportedBackend, errors.New("generic cypher needs a neo4j connection"))
		}
		return b.fallback.Execute(ctx, q, limit)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := strings.ToLower(m[1])
	proc, ok := procedures[name]
	if !ok {
		return nil, &backend.SyntaxError{Backend: domain.BackendGraph, Reason: "unknown procedure finance." + name}
	}
	args, err := bindArgs(proc.params, m[2], q.Parameters)
	if err != nil {
		return nil, &backend.SyntaxError{Backend: domain.BackendGraph, Reason: err.Error()}
	}
	rows, err := proc.run(b.engine, args)
	if err != nil {
		return nil, fmt.Errorf("Execute: finance.%s: %w", name, err)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return &backend.RawResult{Columns: proc.columns, Records: rows}, nil
}

func (b *ProcedureBackend) DescribeSchema(ctx context.Context) (*backend.Schema, error) {
	return GraphSchema(b.id), nil
}

// GraphSchema describes the labels, relationships and procedures of the
// transaction graph.
func GraphSchema(id string) *backend.Schema {
	s := &backend.Schema{
		Backend: domain.BackendGraph,
		ID:      id,
		Dialect: backend.DialectCypher,
		Tables: []backend.Table{
			{Name: LabelAccount, Fields: []backend.Field{{Name: "account_id", Type: "STRING"}}},
			{Name: LabelTransaction, Fields: []backend.Field{
				{Name: "transaction_id", Type: "STRING"}, {Name: "account_id", Type: "STRING"},
				{Name: "amount", Type: "FLOAT"}, {Name: "date", Type: "DATE"},
				{Name: "merchant_name", Type: "STRING"}, {Name: "category", Type: "STRING"},
				{Name: "subcategory", Type: "STRING"}, {Name: "currency", Type: "STRING"},
				{Name: "location", Type: "STRING"},
			}},
			{Name: LabelMerchant, Fields: []backend.Field{{Name: "name", Type: "STRING"}}},
			{Name: LabelCategory, Fields: []backend.Field{{Name: "name", Type: "STRING"}}},
		},
		Relationships: []backend.Relationship{
			{Type: RelHasTransaction, From: LabelAccount, To: LabelTransaction},
			{Type: RelAtMerchant, From: LabelTransaction, To: LabelMerchant},
			{Type: RelInCategory, From: LabelTransaction, To: LabelCategory},
		},
	}
	for _, name := range sortedKeys(procedures) {
		p := procedures[name]
		names := make([]string, len(p.params))
		for i, pr := range p.params {
			names[i] = pr.name
		}
		s.Procedures = append(s.Procedures, backend.Procedure{Name: name, Params: names, Columns: p.columns})
	}
	return s
}

// bindArgs maps positional call arguments onto the procedure signature.
// Arguments are $name references into params or literals.
func bindArgs(sig []param, argText string, params map[string]any) (map[string]any, error) {
	raw := splitArgs(argText)
	if len(raw) > len(sig) {
		return nil, fmt.Errorf("too many arguments: got %d, want at most %d", len(raw), len(sig))
	}
	out := make(map[string]any, len(sig))
	for i, p := range sig {
		if i >= len(raw) {
			break
		}
		v, err := argValue(raw[i], params)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		cv, err := convert(p, v)
		if err != nil {
			return nil, err
		}
		out[p.name] = cv
	}
	return out, nil
}

func splitArgs(s string) []string {
	var out []string
	var cur strings.Builder
	var quote rune
	for _, r := range s {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == ',':
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if last := strings.TrimSpace(cur.String()); last != "" || len(out) > 0 {
		out = append(out, last)
	}
	return out
}

func argValue(tok string, params map[string]any) (any, error) {
	switch {
	case tok == "" || strings.EqualFold(tok, "null"):
		return nil, nil
	case strings.HasPrefix(tok, "$"):
		v, ok := params[tok[1:]]
		if !ok {
			return nil, fmt.Errorf("missing parameter %s", tok)
		}
		return v, nil
	case len(tok) >= 2 && (tok[0] == '\'' || tok[0] == '"') && tok[len(tok)-1] == tok[0]:
		return tok[1 : len(tok)-1], nil
	default:
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("bad literal %q", tok)
		}
		return f, nil
	}
}

func convert(p param, v any) (any, error) {
	switch p.kind {
	case pDate:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			d, err := time.Parse("2006-01-02", t)
			if err != nil {
				return nil, fmt.Errorf("%s: expected YYYY-MM-DD", p.name)
			}
			return d, nil
		}
	case pFloat:
		if f, ok := toFloat(v); ok {
			return f, nil
		}
	case pInt:
		if f, ok := toFloat(v); ok {
			return int(f), nil
		}
	case pDecimal:
		switch d := v.(type) {
		case decimal.Decimal:
			return d, nil
		case string:
			if x, err := decimal.NewFromString(d); err == nil {
				return x, nil
			}
		default:
			if f, ok := toFloat(v); ok {
				return decimal.NewFromFloat(f), nil
			}
		}
	case pString:
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("%s: unexpected value type %T", p.name, v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case decimal.Decimal:
		return n.InexactFloat64(), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringArg(a map[string]any, k string) string {
	s, _ := a[k].(string)
	return s
}

func intArg(a map[string]any, k string) int {
	n, _ := a[k].(int)
	return n
}

func floatArg(a map[string]any, k string) float64 {
	f, _ := a[k].(float64)
	return f
}

func rangeArg(a map[string]any, startKey, endKey string) domain.TimeRange {
	start, _ := a[startKey].(time.Time)
	end, _ := a[endKey].(time.Time)
	if start.IsZero() && end.IsZero() {
		return domain.TimeRange{}
	}
	if end.IsZero() {
		end = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return domain.TimeRange{Start: start, End: end}
}

func filterArgs(a map[string]any) Filter {
	f := Filter{
		Range:     rangeArg(a, "start", "end"),
		AccountID: stringArg(a, "account_id"),
		Merchant:  stringArg(a, "merchant"),
		Category:  stringArg(a, "category"),
	}
	if d, ok := a["min_amount"].(decimal.Decimal); ok {
		f.MinAmount = &d
	}
	if d, ok := a["max_amount"].(decimal.Decimal); ok {
		f.MaxAmount = &d
	}
	return f
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

var _ backend.Backend = (*ProcedureBackend)(nil)
