// Package audit produces one append-only record per query and delivers it,
// best effort, to the configured sinks.
package audit

import (
	"time"

	"cloud.google.com/go/bigquery"
)

// Record is one query attempt. Records are values: once emitted they are
// never changed.
type Record struct {
	QueryID     string `json:"query_id" bigquery:"query_id"`
	UserID      string `json:"user_id" bigquery:"user_id"`
	QueryText   string `json:"query_text" bigquery:"query_text"`
	IntentType  string `json:"intent_type" bigquery:"intent_type"`
	BackendUsed string `json:"backend_used" bigquery:"backend_used"`
	NativeText  string `json:"native_text" bigquery:"native_text"`
	// Source is template, model or direct.
	Source   string `json:"source" bigquery:"source"`
	Template string `json:"template,omitempty" bigquery:"template"`
	Provider string `json:"provider,omitempty" bigquery:"provider"`

	ExecutionTimeMS int64     `json:"execution_time_ms" bigquery:"execution_time_ms"`
	TotalTimeMS     int64     `json:"total_time_ms" bigquery:"total_time_ms"`
	RowCount        int64     `json:"row_count" bigquery:"row_count"`
	Truncated       bool      `json:"truncated" bigquery:"truncated"`
	Success         bool      `json:"success" bigquery:"success"`
	ErrorKind       string    `json:"error_kind,omitempty" bigquery:"error_kind"`
	Confidence      float64   `json:"confidence" bigquery:"confidence"`
	Attempts        []Attempt `json:"attempts,omitempty" bigquery:"attempts"`
	CreatedAt       time.Time `json:"created_at" bigquery:"created_at"`
}

// Attempt is one provider call made while synthesizing the query.
type Attempt struct {
	Provider  string `json:"provider" bigquery:"provider"`
	Outcome   string `json:"outcome" bigquery:"outcome"`
	ElapsedMS int64  `json:"elapsed_ms" bigquery:"elapsed_ms"`
}

// clone returns a deep copy so later changes to the caller's slices cannot
// reach a queued record.
func (r Record) clone() Record {
	out := r
	if r.Attempts != nil {
		out.Attempts = append([]Attempt(nil), r.Attempts...)
	}
	return out
}

// BigQuerySchema is the table schema of the audit table, inferred from
// Record's bigquery tags.
func BigQuerySchema() (bigquery.Schema, error) {
	return bigquery.InferSchema(Record{})
}
