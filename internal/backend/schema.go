package backend

import (
	"strings"

	"github.com/dvloznov/finance-agent/internal/domain"
)

// Schema describes what a backend can be asked about. For relational stores
// Tables are tables; for the graph they are vertex labels.
type Schema struct {
	Backend       domain.BackendKind `json:"backend"`
	ID            string             `json:"id"`
	Dialect       string             `json:"dialect"`
	Tables        []Table            `json:"tables"`
	Relationships []Relationship     `json:"relationships,omitempty"`
	Procedures    []Procedure        `json:"procedures,omitempty"`
}

type Table struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Relationship struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Procedure is a canned read-only routine callable by name.
type Procedure struct {
	Name    string   `json:"name"`
	Params  []string `json:"params"`
	Columns []string `json:"columns"`
}

// Dialects.
const (
	DialectCypher   = "cypher"
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectBigQuery = "bigquery"
	DialectQdrant   = "qdrant"
)

// Table returns the table (or label) with the given name. Qualified names
// such as `project.dataset.transactions` match on their last segment.
func (s *Schema) Table(name string) (Table, bool) {
	if s == nil {
		return Table{}, false
	}
	want := baseName(name)
	for _, t := range s.Tables {
		if strings.EqualFold(baseName(t.Name), want) {
			return t, true
		}
	}
	return Table{}, false
}

// HasField reports whether table carries field.
func (s *Schema) HasField(table, field string) bool {
	t, ok := s.Table(table)
	if !ok {
		return false
	}
	for _, f := range t.Fields {
		if strings.EqualFold(f.Name, field) {
			return true
		}
	}
	return false
}

// HasFields reports whether table carries every one of fields.
func (s *Schema) HasFields(table string, fields ...string) bool {
	for _, f := range fields {
		if !s.HasField(table, f) {
			return false
		}
	}
	return true
}

// HasRelationship reports whether a relationship type is known.
func (s *Schema) HasRelationship(typ string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Relationships {
		if strings.EqualFold(r.Type, typ) {
			return true
		}
	}
	return false
}

// Procedure returns the named procedure.
func (s *Schema) Procedure(name string) (Procedure, bool) {
	if s == nil {
		return Procedure{}, false
	}
	for _, p := range s.Procedures {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Procedure{}, false
}

func baseName(name string) string {
	name = strings.Trim(name, "`\"")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.Trim(name, "`\"")
}

// TransactionFields are the columns of the relational transactions table,
// shared by every SQL dialect.
var TransactionFields = []Field{
	{Name: "transaction_id", Type: "STRING"},
	{Name: "account_id", Type: "STRING"},
	{Name: "amount", Type: "NUMERIC"},
	{Name: "transaction_date", Type: "DATE"},
	{Name: "merchant_name", Type: "STRING"},
	{Name: "category", Type: "STRING"},
	{Name: "subcategory", Type: "STRING"},
	{Name: "currency", Type: "STRING"},
	{Name: "location", Type: "STRING"},
}
