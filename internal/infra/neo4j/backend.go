package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/domain"
)

// Backend runs read-only Cypher in read sessions.
type Backend struct {
	client *Client
}

func (b *Backend) Kind() domain.BackendKind { return domain.BackendGraph }
func (b *Backend) ID() string               { return b.client.id }

func (b *Backend) ValidateSyntax(text string) error {
	return backend.ValidateCypher(text)
}

// Execute runs q in a managed read transaction and returns at most limit
// records. Nodes, relationships and paths come back as nested maps.
func (b *Backend) Execute(ctx context.Context, q domain.GeneratedQuery, limit int) (*backend.RawResult, error) {
	session := b.client.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, q.NativeText, cypherParams(q.Parameters))
		if err != nil {
			return nil, err
		}
		keys, err := res.Keys()
		if err != nil {
			return nil, err
		}
		raw := &backend.RawResult{Columns: keys}
		for res.Next(ctx) {
			if limit > 0 && len(raw.Records) >= limit {
				break
			}
			rec := res.Record()
			row := make(map[string]any, len(keys))
			for i, k := range keys {
				row[k] = value(rec.Values[i])
			}
			raw.Records = append(raw.Records, row)
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return nil, fmt.Errorf("Execute: %w", classify(err))
	}
	return out.(*backend.RawResult), nil
}

// DescribeSchema reads labels, their property keys and the relationship
// types from the database catalog.
func (b *Backend) DescribeSchema(ctx context.Context) (*backend.Schema, error) {
	session := b.client.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		s := &backend.Schema{Backend: domain.BackendGraph, ID: b.client.id, Dialect: backend.DialectCypher}

		res, err := tx.Run(ctx, `CALL db.schema.nodeTypeProperties() YIELD nodeLabels, propertyName, propertyTypes
RETURN nodeLabels, propertyName, propertyTypes`, nil)
		if err != nil {
			return nil, err
		}
		index := map[string]int{}
		for res.Next(ctx) {
			rec := res.Record()
			labels, _ := rec.Values[0].([]any)
			prop, _ := rec.Values[1].(string)
			types, _ := rec.Values[2].([]any)
			for _, l := range labels {
				label, _ := l.(string)
				i, ok := index[label]
				if !ok {
					i = len(s.Tables)
					index[label] = i
					s.Tables = append(s.Tables, backend.Table{Name: label})
				}
				if prop != "" {
					s.Tables[i].Fields = append(s.Tables[i].Fields, backend.Field{Name: prop, Type: firstString(types)})
				}
			}
		}
		if err := res.Err(); err != nil {
			return nil, err
		}

		rels, err := tx.Run(ctx, `CALL db.relationshipTypes() YIELD relationshipType RETURN relationshipType`, nil)
		if err != nil {
			return nil, err
		}
		for rels.Next(ctx) {
			if typ, ok := rels.Record().Values[0].(string); ok {
				s.Relationships = append(s.Relationships, backend.Relationship{Type: typ})
			}
		}
		return s, rels.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("DescribeSchema: %w", err)
	}
	return out.(*backend.Schema), nil
}

func firstString(xs []any) string {
	for _, x := range xs {
		if s, ok := x.(string); ok {
			return s
		}
	}
	return ""
}

// cypherParams converts typed parameters: dates become Cypher dates and
// amounts floats, matching how the mirror stores them.
func cypherParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch t := v.(type) {
		case time.Time:
			out[k] = neo4j.DateOf(t)
		case decimal.Decimal:
			out[k] = t.InexactFloat64()
		case *decimal.Decimal:
			if t == nil {
				out[k] = nil
			} else {
				out[k] = t.InexactFloat64()
			}
		default:
			out[k] = v
		}
	}
	return out
}

// value converts driver graph and temporal types into plain values.
func value(v any) any {
	switch t := v.(type) {
	case neo4j.Node:
		return map[string]any{
			"id":         t.ElementId,
			"labels":     stringsToAny(t.Labels),
			"properties": props(t.Props),
		}
	case neo4j.Relationship:
		return map[string]any{
			"id":         t.ElementId,
			"type":       t.Type,
			"start":      t.StartElementId,
			"end":        t.EndElementId,
			"properties": props(t.Props),
		}
	case neo4j.Path:
		nodes := make([]any, len(t.Nodes))
		for i, n := range t.Nodes {
			nodes[i] = value(n)
		}
		rels := make([]any, len(t.Relationships))
		for i, r := range t.Relationships {
			rels[i] = value(r)
		}
		return map[string]any{"nodes": nodes, "relationships": rels}
	case neo4j.Date:
		return t.Time()
	case neo4j.LocalDateTime:
		return t.Time()
	case neo4j.LocalTime:
		return t.Time().Format("15:04:05")
	case neo4j.Time:
		return t.Time().Format("15:04:05Z07:00")
	case neo4j.Duration:
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = value(e)
		}
		return out
	case map[string]any:
		return props(t)
	default:
		return v
	}
}

func props(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = value(v)
	}
	return out
}

func stringsToAny(xs []string) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

// classify maps statement errors reported by the server onto syntax errors.
func classify(err error) error {
	var nErr *neo4j.Neo4jError
	if errors.As(err, &nErr) {
		switch {
		case strings.HasPrefix(nErr.Code, "Neo.ClientError.Statement."),
			nErr.Code == "Neo.ClientError.Procedure.ProcedureNotFound":
			return &backend.SyntaxError{Backend: domain.BackendGraph, Reason: nErr.Msg}
		}
	}
	return err
}
