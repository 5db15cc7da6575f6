// Package interpret turns execution results into a short narrative, a
// confidence score and visualization hints. It never calls a model.
package interpret

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dvloznov/finance-agent/internal/agenterr"
	"github.com/dvloznov/finance-agent/internal/domain"
)

// Chart is the primary visualization for a result.
type Chart string

const (
	ChartBar        Chart = "bar"
	ChartLine       Chart = "line"
	ChartScatter    Chart = "scatter"
	ChartGroupedBar Chart = "grouped_bar"
	ChartTable      Chart = "table"
)

var charts = map[domain.IntentType]Chart{
	domain.IntentAggregate:  ChartBar,
	domain.IntentTrend:      ChartLine,
	domain.IntentAnomaly:    ChartScatter,
	domain.IntentComparison: ChartGroupedBar,
	domain.IntentSimilarity: ChartTable,
	domain.IntentLookup:     ChartTable,
}

// ChartFor returns the visualization hint for an intent type.
func ChartFor(t domain.IntentType) Chart {
	if c, ok := charts[t]; ok {
		return c
	}
	return ChartTable
}

// Interpretation is what the user reads.
type Interpretation struct {
	Narrative     string   `json:"narrative"`
	Confidence    float64  `json:"confidence"`
	Visualization Chart    `json:"visualization_hint"`
	Suggestions   []string `json:"visualization_suggestions"`
	FollowUps     []string `json:"follow_up_questions,omitempty"`
}

const lowConfidenceNote = "Note: I'm not confident I understood the question, so this is a broad answer. Try naming a merchant, category or time period."

// Interpret describes res in terms of the question that produced it.
func Interpret(in domain.QueryIntent, res domain.ExecutionResult) Interpretation {
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = agenterr.PublicReason(agenterr.Kind(res.ErrorKind))
		}
		return failure(in, reason)
	}

	var narrative string
	if len(res.Rows) == 0 {
		narrative = "No matches found" + period(in.TimeRange) + "."
	} else {
		narrative = describe(in, res)
	}
	if res.Truncated {
		narrative += fmt.Sprintf(" Only the first %d rows are shown.", res.RowCount)
	}
	if in.LowConfidence {
		narrative += " " + lowConfidenceNote
	}

	return Interpretation{
		Narrative:     narrative,
		Confidence:    in.Confidence,
		Visualization: ChartFor(in.Type),
		Suggestions:   suggestions(in, len(res.Rows) > 0),
		FollowUps:     followUps[in.Type],
	}
}

// Failure is the best-effort interpretation of a request that failed before
// or during execution.
func Failure(in domain.QueryIntent, err error) Interpretation {
	return failure(in, agenterr.ReasonOf(err))
}

func failure(in domain.QueryIntent, reason string) Interpretation {
	return Interpretation{
		Narrative:     fmt.Sprintf("Sorry, I couldn't process your query: %s. Try rephrasing.", strings.TrimSuffix(reason, ".")),
		Confidence:    0,
		Visualization: ChartFor(in.Type),
		FollowUps:     followUps[in.Type],
	}
}

func describe(in domain.QueryIntent, res domain.ExecutionResult) string {
	switch in.Type {
	case domain.IntentAggregate:
		return describeAggregate(in, res)
	case domain.IntentTrend:
		return describeTrend(res)
	case domain.IntentAnomaly:
		return describeAnomalies(res)
	case domain.IntentSimilarity:
		return describeSimilar(res)
	case domain.IntentComparison:
		return describeComparison(in, res)
	default:
		return describeLookup(in, res)
	}
}

func describeAggregate(in domain.QueryIntent, res domain.ExecutionResult) string {
	label := labelColumn(res.Columns)
	value := valueColumn(res.Columns)
	if value == "" {
		return fmt.Sprintf("Found %d result rows%s.", len(res.Rows), period(in.TimeRange))
	}
	if label == "group" && len(res.Rows) == 1 && text(res.Rows[0][label]) == "all" {
		label = ""
	}
	if label == "" {
		total, _ := number(res.Rows[0][value])
		msg := fmt.Sprintf("You spent %s%s", money(total), period(in.TimeRange))
		if n, ok := number(res.Rows[0]["count"]); ok {
			msg += fmt.Sprintf(" across %d transactions", int(n))
		}
		return msg + "."
	}

	var sum float64
	top, topValue := "", math.Inf(-1)
	for _, r := range res.Rows {
		v, ok := number(r[value])
		if !ok {
			continue
		}
		sum += v
		if v > topValue {
			top, topValue = text(r[label]), v
		}
	}
	msg := fmt.Sprintf("You spent %s across %d %s%s.", money(sum), len(res.Rows), dimension(in.GroupBy, len(res.Rows)), period(in.TimeRange))
	if top != "" {
		msg += fmt.Sprintf(" The largest was %s at %s.", top, money(topValue))
	}
	return msg
}

func describeTrend(res domain.ExecutionResult) string {
	label := labelColumn(res.Columns)
	value := valueColumn(res.Columns)
	if label == "" || value == "" {
		return fmt.Sprintf("Found %d points in the trend.", len(res.Rows))
	}
	type point struct {
		key string
		v   float64
	}
	var points []point
	for _, r := range res.Rows {
		if v, ok := number(r[value]); ok {
			points = append(points, point{text(r[label]), v})
		}
	}
	if len(points) == 0 {
		return fmt.Sprintf("Found %d points in the trend.", len(res.Rows))
	}
	hi, lo := points[0], points[0]
	for _, p := range points[1:] {
		if p.v > hi.v {
			hi = p
		}
		if p.v < lo.v {
			lo = p
		}
	}
	msg := fmt.Sprintf("Spending over %d periods peaked in %s at %s and was lowest in %s at %s.",
		len(points), hi.key, money(hi.v), lo.key, money(lo.v))
	if n := len(points); n >= 2 {
		last, prev := points[n-1], points[n-2]
		msg += fmt.Sprintf(" %s came in at %s, %s versus %s.", last.key, money(last.v), change(prev.v, last.v), prev.key)
	}
	return msg
}

func describeAnomalies(res domain.ExecutionResult) string {
	msg := fmt.Sprintf("Found %d unusual %s.", len(res.Rows), plural(len(res.Rows), "transaction", "transactions"))
	r := res.Rows[0]
	amount, ok := number(r["amount"])
	if !ok {
		return msg
	}
	msg += " The most unusual was " + money(amount)
	if m := text(r["merchant"]); m != "" {
		msg += " at " + m
	}
	if d := text(r["date"]); d != "" {
		msg += " on " + d
	}
	if mean, ok := number(r["mean"]); ok {
		msg += fmt.Sprintf(", against a typical %s", money(mean))
	}
	return msg + "."
}

func describeSimilar(res domain.ExecutionResult) string {
	msg := fmt.Sprintf("Found %d similar %s.", len(res.Rows), plural(len(res.Rows), "transaction", "transactions"))
	r := res.Rows[0]
	if m := text(r["merchant"]); m != "" {
		msg += " The closest match is at " + m
		if a, ok := number(r["amount"]); ok {
			msg += " for " + money(a)
		}
		if s, ok := number(r["similarity_score"]); ok {
			msg += fmt.Sprintf(" (similarity %.2f)", s)
		}
		msg += "."
	}
	return msg
}

func describeComparison(in domain.QueryIntent, res domain.ExecutionResult) string {
	var a, b float64
	label := labelColumn(res.Columns)
	biggest, biggestDelta := "", 0.0
	for _, r := range res.Rows {
		va, _ := number(r["period_a_total"])
		vb, _ := number(r["period_b_total"])
		a += va
		b += vb
		if d := math.Abs(va - vb); label != "" && d > biggestDelta {
			biggest, biggestDelta = text(r[label]), d
		}
	}
	nameA, nameB := "the first period", "the second period"
	if in.TimeRange.Label != "" {
		nameA = in.TimeRange.Label
	}
	if in.CompareRange != nil && in.CompareRange.Label != "" {
		nameB = in.CompareRange.Label
	}
	msg := fmt.Sprintf("You spent %s in %s versus %s in %s, %s.", money(a), nameA, money(b), nameB, change(b, a))
	if biggest != "" {
		msg += fmt.Sprintf(" The biggest difference was in %s.", biggest)
	}
	return msg
}

func describeLookup(in domain.QueryIntent, res domain.ExecutionResult) string {
	n := len(res.Rows)
	msg := fmt.Sprintf("Found %d %s%s.", n, plural(n, "transaction", "transactions"), period(in.TimeRange))
	amountCol := ""
	for _, c := range []string{"amount", "total"} {
		if contains(res.Columns, c) {
			amountCol = c
			break
		}
	}
	if amountCol == "" {
		return msg
	}
	var sum float64
	var largest domain.Row
	largestV := math.Inf(-1)
	for _, r := range res.Rows {
		v, ok := number(r[amountCol])
		if !ok {
			continue
		}
		sum += v
		if v > largestV {
			largest, largestV = r, v
		}
	}
	if largest == nil {
		return msg
	}
	msg += fmt.Sprintf(" They add up to %s.", money(sum))
	if n > 1 {
		msg += " The largest was " + money(largestV)
		if m := text(firstOf(largest, "merchant", "merchant_name")); m != "" {
			msg += " at " + m
		}
		msg += "."
	}
	return msg
}

// labelColumn picks the dimension column of an aggregate-shaped result.
func labelColumn(cols []string) string {
	for _, c := range []string{"category", "merchant", "merchant_name", "account_id", "month", "group"} {
		if contains(cols, c) {
			return c
		}
	}
	return ""
}

func valueColumn(cols []string) string {
	for _, c := range []string{"total", "total_amount", "period_a_total", "amount", "count"} {
		if contains(cols, c) {
			return c
		}
	}
	return ""
}

func dimension(by domain.GroupBy, n int) string {
	switch by {
	case domain.GroupCategory:
		return plural(n, "category", "categories")
	case domain.GroupMerchant:
		return plural(n, "merchant", "merchants")
	case domain.GroupAccount:
		return plural(n, "account", "accounts")
	case domain.GroupMonth:
		return plural(n, "month", "months")
	}
	return plural(n, "group", "groups")
}

func period(r domain.TimeRange) string {
	if r.Label == "" {
		return ""
	}
	l := r.Label
	switch {
	case strings.HasPrefix(l, "in "), strings.HasPrefix(l, "since "), strings.HasPrefix(l, "from "),
		strings.HasPrefix(l, "between "):
		return " " + l
	case l == "today" || l == "yesterday":
		return " " + l
	}
	return " in " + l
}

func change(from, to float64) string {
	if from == 0 {
		if to == 0 {
			return "unchanged"
		}
		return "up from nothing"
	}
	pct := (to - from) / math.Abs(from) * 100
	switch {
	case math.Abs(pct) < 0.05:
		return "unchanged"
	case pct > 0:
		return fmt.Sprintf("up %.1f%%", pct)
	default:
		return fmt.Sprintf("down %.1f%%", -pct)
	}
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func contains(cols []string, c string) bool {
	for _, x := range cols {
		if x == c {
			return true
		}
	}
	return false
}

func firstOf(r domain.Row, keys ...string) any {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// number reads the numeric values the executor produces.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func text(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	}
	return fmt.Sprint(v)
}
