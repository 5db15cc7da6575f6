package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentType is the kind of answer a question asks for.
type IntentType string

const (
	IntentLookup     IntentType = "lookup"
	IntentAggregate  IntentType = "aggregate"
	IntentTrend      IntentType = "trend"
	IntentAnomaly    IntentType = "anomaly"
	IntentSimilarity IntentType = "similarity"
	IntentComparison IntentType = "comparison"
)

// EntityKind identifies which vocabulary an entity was resolved against.
type EntityKind string

const (
	EntityAccount  EntityKind = "account"
	EntityMerchant EntityKind = "merchant"
	EntityCategory EntityKind = "category"
)

// Entity is a reference to a known account, merchant or category.
type Entity struct {
	Kind EntityKind `json:"kind"`
	Name string     `json:"name"`
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Label string    `json:"label"`
	// Explicit is false when the default trailing window was applied.
	Explicit bool `json:"explicit"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// IsZero reports whether the range is unset.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Filters are value constraints extracted from the question.
type Filters struct {
	MinAmount     *decimal.Decimal `json:"min_amount,omitempty"` // exclusive
	MaxAmount     *decimal.Decimal `json:"max_amount,omitempty"` // exclusive
	TransactionID string           `json:"transaction_id,omitempty"`
}

// IsEmpty reports whether no filter is set.
func (f Filters) IsEmpty() bool {
	return f.MinAmount == nil && f.MaxAmount == nil && f.TransactionID == ""
}

// AggregationOp is the aggregate function requested.
type AggregationOp string

const (
	AggNone  AggregationOp = ""
	AggSum   AggregationOp = "sum"
	AggCount AggregationOp = "count"
	AggAvg   AggregationOp = "avg"
	AggMin   AggregationOp = "min"
	AggMax   AggregationOp = "max"
)

// GroupBy is the dimension an aggregate is broken down by.
type GroupBy string

const (
	GroupNone     GroupBy = ""
	GroupCategory GroupBy = "category"
	GroupMerchant GroupBy = "merchant"
	GroupAccount  GroupBy = "account"
	GroupMonth    GroupBy = "month"
)

// QueryIntent is the structured interpretation of one question.
type QueryIntent struct {
	Type         IntentType    `json:"type"`
	Entities     []Entity      `json:"entities"`
	TimeRange    TimeRange     `json:"time_range"`
	CompareRange *TimeRange    `json:"compare_range,omitempty"`
	Filters      Filters       `json:"filters"`
	Aggregation  AggregationOp `json:"aggregation_op,omitempty"`
	GroupBy      GroupBy       `json:"group_by,omitempty"`
	SearchText   string        `json:"search_text,omitempty"`
	Confidence   float64       `json:"confidence"`
	// LowConfidence is set when Confidence is below the configured threshold.
	LowConfidence bool `json:"low_confidence"`
}

// EntitiesOf returns the names of entities of the given kind, in order.
func (q QueryIntent) EntitiesOf(kind EntityKind) []string {
	var out []string
	for _, e := range q.Entities {
		if e.Kind == kind {
			out = append(out, e.Name)
		}
	}
	return out
}

// BackendKind is one of the data stores the agent can query.
type BackendKind string

const (
	BackendGraph      BackendKind = "graph"
	BackendRelational BackendKind = "relational"
	BackendVector     BackendKind = "vector"
)

// QuerySource records how a GeneratedQuery was produced.
type QuerySource string

const (
	SourceTemplate QuerySource = "template"
	SourceModel    QuerySource = "model"
	SourceDirect   QuerySource = "direct"
)

// GeneratedQuery is a native query ready for execution.
type GeneratedQuery struct {
	Backend    BackendKind    `json:"backend_kind"`
	NativeText string         `json:"native_text"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     QuerySource    `json:"source"`
	// Template names the rule that produced the query, empty for model output.
	Template string `json:"template,omitempty"`
	// Provider names the model provider that produced the query.
	Provider string `json:"provider,omitempty"`
}

// Row is one flat record. Column order lives on ExecutionResult.Columns.
type Row map[string]any

// ExecutionResult is the normalized outcome of running a GeneratedQuery.
type ExecutionResult struct {
	Success       bool          `json:"success"`
	Columns       []string      `json:"columns"`
	Rows          []Row         `json:"rows"`
	RowCount      int           `json:"row_count"`
	ExecutionTime time.Duration `json:"execution_time"`
	Truncated     bool          `json:"truncated"`
	Warnings      []string      `json:"warnings,omitempty"`
	// ErrorKind and Error are sanitized; raw backend errors never land here.
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Vocabulary holds the known entity names the classifier resolves against.
type Vocabulary struct {
	Accounts   []string `json:"accounts"`
	Merchants  []string `json:"merchants"`
	Categories []string `json:"categories"`
}
