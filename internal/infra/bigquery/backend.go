// Package bigquery is the relational backend for a BigQuery dataset. It runs
// generated GoogleSQL with named parameters and reads the transactions table
// for the ingest command.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/domain"
)

const defaultTable = "transactions"

// Backend queries one dataset. Unqualified table names in generated queries
// resolve against it.
type Backend struct {
	client  *bigquery.Client
	project string
	dataset string
	table   string
	id      string
}

// Open creates a client for cfg.ProjectID.
func Open(ctx context.Context, cfg *config.RelationalConfig) (*Backend, error) {
	client, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("Open: bigquery client: %w", err)
	}
	return New(client, cfg), nil
}

// New wraps an existing client.
func New(client *bigquery.Client, cfg *config.RelationalConfig) *Backend {
	b := &Backend{
		client:  client,
		project: cfg.ProjectID,
		dataset: cfg.Dataset,
		table:   cfg.Table,
		id:      cfg.ID,
	}
	if b.table == "" {
		b.table = defaultTable
	}
	if b.id == "" {
		b.id = string(domain.BackendRelational)
	}
	return b
}

func (b *Backend) Kind() domain.BackendKind { return domain.BackendRelational }
func (b *Backend) ID() string               { return b.id }

func (b *Backend) ValidateSyntax(text string) error {
	return backend.ValidateSQL(text)
}

func (b *Backend) qualified() string {
	return fmt.Sprintf("`%s.%s.%s`", b.project, b.dataset, b.table)
}

// Execute runs q as a standard SQL job and reads at most limit rows.
func (b *Backend) Execute(ctx context.Context, q domain.GeneratedQuery, limit int) (*backend.RawResult, error) {
	params, err := queryParameters(q)
	if err != nil {
		return nil, fmt.Errorf("Execute: %w", err)
	}
	query := b.client.Query(q.NativeText)
	query.Parameters = params
	query.DefaultProjectID = b.project
	query.DefaultDatasetID = b.dataset

	it, err := query.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("Execute: query read: %w", classify(err))
	}

	res := &backend.RawResult{}
	for limit <= 0 || len(res.Records) < limit {
		var row []bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("Execute: iter next: %w", classify(err))
		}
		if res.Columns == nil {
			res.Columns = columnNames(it.Schema)
		}
		rec := make(map[string]any, len(row))
		for i, v := range row {
			if i < len(res.Columns) {
				rec[res.Columns[i]] = value(v)
			}
		}
		res.Records = append(res.Records, rec)
	}
	if res.Columns == nil {
		res.Columns = columnNames(it.Schema)
	}
	return res, nil
}

// queryParameters binds each @name the statement references. Dates become
// civil.Date and amounts exact NUMERICs.
func queryParameters(q domain.GeneratedQuery) ([]bigquery.QueryParameter, error) {
	var params []bigquery.QueryParameter
	for _, name := range backend.NamedParams(q.NativeText) {
		v, ok := q.Parameters[name]
		if !ok {
			return nil, fmt.Errorf("parameter @%s not supplied", name)
		}
		switch t := v.(type) {
		case time.Time:
			v = civil.DateOf(t)
		case decimal.Decimal:
			v = t.Rat()
		case *decimal.Decimal:
			if t != nil {
				v = t.Rat()
			}
		}
		params = append(params, bigquery.QueryParameter{Name: name, Value: v})
	}
	return params, nil
}

func columnNames(s bigquery.Schema) []string {
	cols := make([]string, len(s))
	for i, f := range s {
		cols[i] = f.Name
	}
	return cols
}

// value turns repeated and record values into plain slices and maps.
func value(v bigquery.Value) any {
	switch t := v.(type) {
	case []bigquery.Value:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = value(e)
		}
		return out
	case map[string]bigquery.Value:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = value(e)
		}
		return out
	default:
		return v
	}
}

// classify marks invalid-query job errors as syntax errors.
func classify(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		for _, item := range gErr.Errors {
			if item.Reason == "invalidQuery" {
				return &backend.SyntaxError{Backend: domain.BackendRelational, Reason: item.Message}
			}
		}
	}
	return err
}

// DescribeSchema lists the tables of the dataset with their top-level
// fields.
func (b *Backend) DescribeSchema(ctx context.Context) (*backend.Schema, error) {
	s := &backend.Schema{Backend: domain.BackendRelational, ID: b.id, Dialect: backend.DialectBigQuery}
	ds := b.client.DatasetInProject(b.project, b.dataset)
	it := ds.Tables(ctx)
	for {
		t, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("DescribeSchema: listing tables: %w", err)
		}
		md, err := t.Metadata(ctx)
		if err != nil {
			return nil, fmt.Errorf("DescribeSchema: metadata of %s: %w", t.TableID, err)
		}
		table := backend.Table{Name: t.TableID}
		for _, f := range md.Schema {
			table.Fields = append(table.Fields, backend.Field{Name: f.Name, Type: string(f.Type)})
		}
		s.Tables = append(s.Tables, table)
	}
	return s, nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}
