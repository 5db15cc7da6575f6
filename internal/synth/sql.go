package synth

import (
	"strings"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/domain"
)

const lookupColumns = "transaction_id, account_id, transaction_date, amount, currency, merchant_name, category, subcategory, location"

func entityColumn(kind domain.EntityKind) string {
	switch kind {
	case domain.EntityAccount:
		return "account_id"
	case domain.EntityMerchant:
		return "merchant_name"
	default:
		return "category"
	}
}

// groupColumn returns the expression to group by and its output alias.
func groupColumn(by domain.GroupBy, dialect string) (expr, alias string) {
	switch by {
	case domain.GroupCategory:
		return "category", "category"
	case domain.GroupMerchant:
		return "merchant_name", "merchant"
	case domain.GroupAccount:
		return "account_id", "account_id"
	case domain.GroupMonth:
		return monthExpr(dialect), "month"
	}
	return "", ""
}

func monthExpr(dialect string) string {
	switch dialect {
	case backend.DialectPostgres:
		return "to_char(transaction_date, 'YYYY-MM')"
	case backend.DialectBigQuery:
		return "FORMAT_DATE('%Y-%m', transaction_date)"
	default:
		return "strftime('%Y-%m', transaction_date)"
	}
}

func tableName(s *backend.Schema) string {
	t, _ := s.Table(transactionsTable)
	return t.Name
}

// conditions renders the WHERE clauses for in, binding @params. A
// transaction id pins the lookup and the other filters are ignored.
func conditions(in domain.QueryIntent, withRange bool, params map[string]any) []string {
	if id := in.Filters.TransactionID; id != "" {
		params["transaction_id"] = id
		return []string{"transaction_id = @transaction_id"}
	}
	var conds []string
	if withRange && !in.TimeRange.IsZero() {
		params["start"] = in.TimeRange.Start
		params["end"] = in.TimeRange.End
		conds = append(conds, "transaction_date >= @start", "transaction_date < @end")
	}
	if v := firstEntity(in, domain.EntityAccount); v != "" {
		params["account_id"] = v
		conds = append(conds, "account_id = @account_id")
	}
	if v := firstEntity(in, domain.EntityMerchant); v != "" {
		params["merchant"] = v
		conds = append(conds, "LOWER(merchant_name) = LOWER(@merchant)")
	}
	if v := firstEntity(in, domain.EntityCategory); v != "" {
		params["category"] = v
		conds = append(conds, "LOWER(category) = LOWER(@category)")
	}
	if in.Filters.MinAmount != nil {
		params["min_amount"] = *in.Filters.MinAmount
		conds = append(conds, "amount > @min_amount")
	}
	if in.Filters.MaxAmount != nil {
		params["max_amount"] = *in.Filters.MaxAmount
		conds = append(conds, "amount < @max_amount")
	}
	return conds
}

func writeWhere(b *strings.Builder, conds []string) {
	if len(conds) == 0 {
		return
	}
	b.WriteString("\nWHERE ")
	b.WriteString(strings.Join(conds, "\n  AND "))
}

func sqlAggregate(env buildEnv) (string, map[string]any) {
	params := map[string]any{}
	expr, alias := groupColumn(env.intent.GroupBy, env.schema.Dialect)

	var b strings.Builder
	b.WriteString("SELECT ")
	if expr != "" {
		b.WriteString(expr)
		if expr != alias {
			b.WriteString(" AS " + alias)
		}
		b.WriteString(", ")
	}
	b.WriteString("COUNT(*) AS count, SUM(amount) AS total, AVG(amount) AS average, MIN(amount) AS minimum, MAX(amount) AS maximum")
	b.WriteString("\nFROM " + tableName(env.schema))
	writeWhere(&b, conditions(env.intent, true, params))
	if expr != "" {
		b.WriteString("\nGROUP BY " + expr)
		if env.intent.GroupBy == domain.GroupMonth {
			b.WriteString("\nORDER BY " + expr)
		} else {
			b.WriteString("\nORDER BY total DESC, " + expr)
		}
	}
	return b.String(), params
}

func sqlLookup(env buildEnv) (string, map[string]any) {
	params := map[string]any{}
	var b strings.Builder
	b.WriteString("SELECT " + lookupColumns)
	b.WriteString("\nFROM " + tableName(env.schema))
	writeWhere(&b, conditions(env.intent, true, params))
	b.WriteString("\nORDER BY transaction_date DESC, transaction_id")
	return b.String(), params
}

// sqlTrend totals spend per month. The default trailing window is too short
// for a trend, so only an explicit range narrows it.
func sqlTrend(env buildEnv) (string, map[string]any) {
	params := map[string]any{}
	month := monthExpr(env.schema.Dialect)

	var b strings.Builder
	b.WriteString("SELECT " + month + " AS month, COUNT(*) AS count, SUM(amount) AS total, AVG(amount) AS average")
	b.WriteString("\nFROM " + tableName(env.schema))
	writeWhere(&b, conditions(env.intent, env.intent.TimeRange.Explicit, params))
	b.WriteString("\nGROUP BY " + month)
	b.WriteString("\nORDER BY " + month)
	return b.String(), params
}

func sqlCompare(env buildEnv) (string, map[string]any) {
	in := env.intent
	params := map[string]any{
		"start_a": in.TimeRange.Start,
		"end_a":   in.TimeRange.End,
		"start_b": in.CompareRange.Start,
		"end_b":   in.CompareRange.End,
	}
	expr, alias := groupColumn(compareGroup(in.GroupBy), env.schema.Dialect)
	inA := "transaction_date >= @start_a AND transaction_date < @end_a"
	inB := "transaction_date >= @start_b AND transaction_date < @end_b"

	var b strings.Builder
	b.WriteString("SELECT " + expr)
	if expr != alias {
		b.WriteString(" AS " + alias)
	}
	b.WriteString(",\n  SUM(CASE WHEN " + inA + " THEN amount ELSE 0 END) AS period_a_total,")
	b.WriteString("\n  SUM(CASE WHEN " + inB + " THEN amount ELSE 0 END) AS period_b_total")
	b.WriteString("\nFROM " + tableName(env.schema))

	conds := []string{"((" + inA + ") OR (" + inB + "))"}
	conds = append(conds, conditions(withoutRange(in), false, params)...)
	writeWhere(&b, conds)
	b.WriteString("\nGROUP BY " + expr)
	b.WriteString("\nORDER BY period_a_total DESC, " + expr)
	return b.String(), params
}

func withoutRange(in domain.QueryIntent) domain.QueryIntent {
	in.TimeRange = domain.TimeRange{}
	return in
}
