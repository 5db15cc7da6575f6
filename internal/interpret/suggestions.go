package interpret

import "github.com/dvloznov/finance-agent/internal/domain"

// suggestions lists chart ideas as "<chart>:<subject>" for the client.
func suggestions(in domain.QueryIntent, hasRows bool) []string {
	if !hasRows {
		return []string{"table:detailed_results"}
	}
	switch in.Type {
	case domain.IntentAggregate:
		switch in.GroupBy {
		case domain.GroupCategory:
			return []string{"bar_chart:spending_by_category", "pie_chart:spending_by_category", "treemap:hierarchical_spending"}
		case domain.GroupMerchant:
			return []string{"bar_chart:top_merchants", "table:merchant_totals"}
		case domain.GroupAccount:
			return []string{"bar_chart:account_totals", "donut_chart:account_distribution"}
		case domain.GroupMonth:
			return []string{"bar_chart:spending_by_month", "line_chart:spending_over_time"}
		}
		return []string{"summary_cards:key_metrics"}
	case domain.IntentTrend:
		return []string{"line_chart:spending_over_time", "area_chart:cumulative_spending", "heatmap:spending_patterns"}
	case domain.IntentAnomaly:
		return []string{"scatter_plot:amount_vs_date", "table:flagged_transactions"}
	case domain.IntentComparison:
		return []string{"grouped_bar_chart:period_comparison", "table:period_changes"}
	case domain.IntentSimilarity:
		return []string{"table:similar_transactions", "network_graph:merchant_connections"}
	}
	return []string{"table:detailed_results", "summary_cards:key_metrics"}
}

// followUps are example questions the agent answers well, offered next to
// a result of the same kind.
var followUps = map[domain.IntentType][]string{
	domain.IntentAggregate: {
		"Show me spending by category this month",
		"How much did I spend at Starbucks last month?",
	},
	domain.IntentTrend: {
		"Show my spending trends over time",
		"Compare my spending this month vs last month",
	},
	domain.IntentComparison: {
		"Compare my spending this year vs last year",
		"Show my spending trends over time",
	},
	domain.IntentAnomaly: {
		"Find unusual transactions",
		"Find transactions over $500",
	},
	domain.IntentSimilarity: {
		"Find transactions similar to a specific transaction id",
	},
	domain.IntentLookup: {
		"Show my transactions from last week",
		"Find transactions over $500",
	},
}
