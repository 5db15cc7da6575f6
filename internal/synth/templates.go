package synth

import (
	"strings"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/domain"
)

// transactionsTable is the relational table every SQL template reads.
const transactionsTable = "transactions"

type buildEnv struct {
	intent   domain.QueryIntent
	schema   *backend.Schema
	settings settings
}

// template is one deterministic rule. Templates are evaluated in slice
// order; the first whose requirements hold wins.
type template struct {
	name   string
	intent domain.IntentType
	kind   domain.BackendKind
	// when reports whether the intent carries what the template needs.
	when func(in domain.QueryIntent) bool
	// procedure must be offered by the graph schema.
	procedure string
	// fields must exist on the relational transactions table, on top of
	// those the intent's filters and grouping reference.
	fields []string
	build  func(env buildEnv) (string, map[string]any)
}

func (t template) matches(env buildEnv) bool {
	if t.when != nil && !t.when(env.intent) {
		return false
	}
	switch t.kind {
	case domain.BackendGraph:
		_, ok := env.schema.Procedure(t.procedure)
		return ok
	case domain.BackendRelational:
		tbl, ok := env.schema.Table(transactionsTable)
		if !ok {
			return false
		}
		need := append([]string{}, t.fields...)
		need = append(need, referencedFields(env.intent)...)
		return env.schema.HasFields(tbl.Name, need...)
	case domain.BackendVector:
		return env.schema != nil && len(env.schema.Tables) > 0
	}
	return false
}

func hasTransactionID(in domain.QueryIntent) bool { return in.Filters.TransactionID != "" }

func unfiltered(in domain.QueryIntent) bool {
	return len(in.Entities) == 0 && in.Filters.IsEmpty()
}

var templates = []template{
	// Relational.
	{
		name:   "sql_aggregate",
		intent: domain.IntentAggregate,
		kind:   domain.BackendRelational,
		fields: []string{"amount", "transaction_date"},
		build:  sqlAggregate,
	},
	{
		name:   "sql_transaction_by_id",
		intent: domain.IntentLookup,
		kind:   domain.BackendRelational,
		when:   hasTransactionID,
		fields: []string{"transaction_id"},
		build:  sqlLookup,
	},
	{
		name:   "sql_lookup",
		intent: domain.IntentLookup,
		kind:   domain.BackendRelational,
		fields: []string{"transaction_id", "transaction_date", "amount"},
		build:  sqlLookup,
	},
	{
		name:   "sql_monthly_trend",
		intent: domain.IntentTrend,
		kind:   domain.BackendRelational,
		fields: []string{"amount", "transaction_date"},
		build:  sqlTrend,
	},
	{
		name:   "sql_compare_periods",
		intent: domain.IntentComparison,
		kind:   domain.BackendRelational,
		when:   func(in domain.QueryIntent) bool { return in.CompareRange != nil },
		fields: []string{"amount", "transaction_date"},
		build:  sqlCompare,
	},

	// Graph.
	{
		name:   "graph_spending_by_category",
		intent: domain.IntentAggregate,
		kind:   domain.BackendGraph,
		when: func(in domain.QueryIntent) bool {
			return in.GroupBy == domain.GroupCategory && unfiltered(in)
		},
		procedure: "spending_by_category",
		build: func(env buildEnv) (string, map[string]any) {
			c := newCall()
			c.param("start", env.intent.TimeRange.Start)
			c.param("end", env.intent.TimeRange.End)
			return c.text("spending_by_category")
		},
	},
	{
		name:      "graph_aggregate",
		intent:    domain.IntentAggregate,
		kind:      domain.BackendGraph,
		procedure: "aggregate",
		build: func(env buildEnv) (string, map[string]any) {
			c := newCall()
			c.param("group_by", groupName(env.intent.GroupBy))
			c.filters(env.intent, true)
			return c.text("aggregate")
		},
	},
	{
		name:      "graph_transaction_by_id",
		intent:    domain.IntentLookup,
		kind:      domain.BackendGraph,
		when:      hasTransactionID,
		procedure: "transaction",
		build: func(env buildEnv) (string, map[string]any) {
			c := newCall()
			c.param("transaction_id", env.intent.Filters.TransactionID)
			return c.text("transaction")
		},
	},
	{
		name:      "graph_lookup",
		intent:    domain.IntentLookup,
		kind:      domain.BackendGraph,
		procedure: "transactions",
		build: func(env buildEnv) (string, map[string]any) {
			c := newCall()
			c.filters(env.intent, true)
			return c.text("transactions")
		},
	},
	{
		name:      "graph_spending_trends",
		intent:    domain.IntentTrend,
		kind:      domain.BackendGraph,
		procedure: "spending_trends",
		when: func(in domain.QueryIntent) bool {
			// spending_trends only narrows by account.
			return len(in.EntitiesOf(domain.EntityMerchant)) == 0 &&
				len(in.EntitiesOf(domain.EntityCategory)) == 0 && in.Filters.IsEmpty()
		},
		build: func(env buildEnv) (string, map[string]any) {
			c := newCall()
			c.optional("account_id", firstEntity(env.intent, domain.EntityAccount))
			return c.text("spending_trends")
		},
	},
	{
		name:      "graph_monthly_trend",
		intent:    domain.IntentTrend,
		kind:      domain.BackendGraph,
		procedure: "aggregate",
		build: func(env buildEnv) (string, map[string]any) {
			c := newCall()
			c.param("group_by", string(domain.GroupMonth))
			c.filters(env.intent, env.intent.TimeRange.Explicit)
			return c.text("aggregate")
		},
	},
	{
		name:      "graph_detect_anomalies",
		intent:    domain.IntentAnomaly,
		kind:      domain.BackendGraph,
		procedure: "detect_anomalies",
		build: func(env buildEnv) (string, map[string]any) {
			c := newCall()
			c.param("multiplier", env.settings.anomalyMultiplier)
			return c.text("detect_anomalies")
		},
	},
	{
		name:      "graph_find_similar",
		intent:    domain.IntentSimilarity,
		kind:      domain.BackendGraph,
		when:      hasTransactionID,
		procedure: "find_similar",
		build: func(env buildEnv) (string, map[string]any) {
			c := newCall()
			c.param("transaction_id", env.intent.Filters.TransactionID)
			c.param("threshold", env.settings.similarityThreshold)
			return c.text("find_similar")
		},
	},
	{
		name:      "graph_compare_periods",
		intent:    domain.IntentComparison,
		kind:      domain.BackendGraph,
		procedure: "compare_periods",
		when: func(in domain.QueryIntent) bool {
			return in.CompareRange != nil && unfiltered(in)
		},
		build: func(env buildEnv) (string, map[string]any) {
			c := newCall()
			c.param("group_by", groupName(compareGroup(env.intent.GroupBy)))
			c.param("start_a", env.intent.TimeRange.Start)
			c.param("end_a", env.intent.TimeRange.End)
			c.param("start_b", env.intent.CompareRange.Start)
			c.param("end_b", env.intent.CompareRange.End)
			return c.text("compare_periods")
		},
	},

	// Vector.
	{
		name:   "vector_semantic_search",
		intent: domain.IntentSimilarity,
		kind:   domain.BackendVector,
		when: func(in domain.QueryIntent) bool {
			return !hasTransactionID(in) && strings.TrimSpace(in.SearchText) != ""
		},
		build: vectorSearch,
	},
}

// safeTemplates list recent transactions in the intent's time range. They
// answer low-confidence questions without involving a model.
var safeTemplates = []template{
	{
		name:   "sql_recent_transactions",
		kind:   domain.BackendRelational,
		fields: []string{"transaction_id", "transaction_date", "amount"},
		build: func(env buildEnv) (string, map[string]any) {
			return sqlLookup(buildEnv{intent: recentOnly(env.intent), schema: env.schema, settings: env.settings})
		},
	},
	{
		name:      "graph_recent_transactions",
		kind:      domain.BackendGraph,
		procedure: "transactions",
		build: func(env buildEnv) (string, map[string]any) {
			c := newCall()
			c.filters(recentOnly(env.intent), true)
			return c.text("transactions")
		},
	},
	{
		name: "vector_recent_transactions",
		kind: domain.BackendVector,
		build: func(env buildEnv) (string, map[string]any) {
			return vectorSearch(buildEnv{intent: recentOnly(env.intent), schema: env.schema, settings: env.settings})
		},
	},
}

// recentOnly keeps the time range of in and drops everything else the
// classifier was unsure about.
func recentOnly(in domain.QueryIntent) domain.QueryIntent {
	search := strings.TrimSpace(in.SearchText)
	if search == "" {
		search = "recent transactions"
	}
	return domain.QueryIntent{Type: domain.IntentLookup, TimeRange: in.TimeRange, SearchText: search}
}

// callBuilder assembles "CALL finance.<name>(...)" with positional $params.
type callBuilder struct {
	args   []string
	params map[string]any
}

func newCall() *callBuilder {
	return &callBuilder{params: map[string]any{}}
}

func (c *callBuilder) param(name string, v any) {
	c.args = append(c.args, "$"+name)
	c.params[name] = v
}

func (c *callBuilder) null() {
	c.args = append(c.args, "null")
}

func (c *callBuilder) optional(name, v string) {
	if v == "" {
		c.null()
		return
	}
	c.param(name, v)
}

// filters appends the start, end, account_id, merchant, category,
// min_amount and max_amount arguments shared by several procedures.
func (c *callBuilder) filters(in domain.QueryIntent, withRange bool) {
	if withRange && !in.TimeRange.IsZero() {
		c.param("start", in.TimeRange.Start)
		c.param("end", in.TimeRange.End)
	} else {
		c.null()
		c.null()
	}
	c.optional("account_id", firstEntity(in, domain.EntityAccount))
	c.optional("merchant", firstEntity(in, domain.EntityMerchant))
	c.optional("category", firstEntity(in, domain.EntityCategory))
	if in.Filters.MinAmount != nil {
		c.param("min_amount", *in.Filters.MinAmount)
	} else {
		c.null()
	}
	if in.Filters.MaxAmount != nil {
		c.param("max_amount", *in.Filters.MaxAmount)
	} else {
		c.null()
	}
}

func (c *callBuilder) text(proc string) (string, map[string]any) {
	args := c.args
	for len(args) > 0 && args[len(args)-1] == "null" {
		args = args[:len(args)-1]
	}
	return "CALL finance." + proc + "(" + strings.Join(args, ", ") + ")", c.params
}

func vectorSearch(env buildEnv) (string, map[string]any) {
	params := map[string]any{}
	if v := firstEntity(env.intent, domain.EntityCategory); v != "" {
		params["category"] = v
	}
	if v := firstEntity(env.intent, domain.EntityMerchant); v != "" {
		params["merchant_name"] = v
	}
	if v := firstEntity(env.intent, domain.EntityAccount); v != "" {
		params["account_id"] = v
	}
	if env.intent.TimeRange.Explicit {
		params["start"] = env.intent.TimeRange.Start
		params["end"] = env.intent.TimeRange.End
	}
	return strings.TrimSpace(env.intent.SearchText), params
}

func firstEntity(in domain.QueryIntent, kind domain.EntityKind) string {
	if names := in.EntitiesOf(kind); len(names) > 0 {
		return names[0]
	}
	return ""
}

func groupName(by domain.GroupBy) string {
	if by == domain.GroupNone {
		return "all"
	}
	return string(by)
}

// compareGroup breaks period comparisons down by category unless another
// non-temporal dimension was asked for.
func compareGroup(by domain.GroupBy) domain.GroupBy {
	if by == domain.GroupNone || by == domain.GroupMonth {
		return domain.GroupCategory
	}
	return by
}

// referencedFields are the relational columns the intent's entities,
// filters and grouping touch.
func referencedFields(in domain.QueryIntent) []string {
	var out []string
	for _, e := range in.Entities {
		out = append(out, entityColumn(e.Kind))
	}
	if in.Filters.MinAmount != nil || in.Filters.MaxAmount != nil {
		out = append(out, "amount")
	}
	if in.Filters.TransactionID != "" {
		out = append(out, "transaction_id")
	}
	if col, _ := groupColumn(in.GroupBy, ""); col != "" && in.GroupBy != domain.GroupMonth {
		out = append(out, col)
	}
	return out
}

// modelParams are the values offered to a model for binding, named the
// same way the templates name them.
func modelParams(in domain.QueryIntent, kind domain.BackendKind, s settings) map[string]any {
	if kind == domain.BackendVector {
		return nil
	}
	p := map[string]any{}
	if !in.TimeRange.IsZero() {
		p["start"] = in.TimeRange.Start
		p["end"] = in.TimeRange.End
	}
	if in.CompareRange != nil {
		p["start_a"] = in.TimeRange.Start
		p["end_a"] = in.TimeRange.End
		p["start_b"] = in.CompareRange.Start
		p["end_b"] = in.CompareRange.End
	}
	if v := firstEntity(in, domain.EntityAccount); v != "" {
		p["account_id"] = v
	}
	if v := firstEntity(in, domain.EntityMerchant); v != "" {
		p["merchant"] = v
	}
	if v := firstEntity(in, domain.EntityCategory); v != "" {
		p["category"] = v
	}
	if in.Filters.MinAmount != nil {
		p["min_amount"] = *in.Filters.MinAmount
	}
	if in.Filters.MaxAmount != nil {
		p["max_amount"] = *in.Filters.MaxAmount
	}
	if in.Filters.TransactionID != "" {
		p["transaction_id"] = in.Filters.TransactionID
	}
	if kind == domain.BackendGraph {
		switch in.Type {
		case domain.IntentAnomaly:
			p["multiplier"] = s.anomalyMultiplier
		case domain.IntentSimilarity:
			p["threshold"] = s.similarityThreshold
		}
	}
	return p
}
