package provider

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/domain"
)

// buildPrompt renders the synthesis request for one provider. Only the
// schema's own labels and fields are offered to the model.
func buildPrompt(req Request, prior []Attempt) string {
	var b strings.Builder

	b.WriteString("You are a read-only query generator for a personal finance analytics system.\n\n")
	b.WriteString("QUESTION:\n")
	b.WriteString(strings.TrimSpace(req.Intent.SearchText) + "\n\n")

	b.WriteString("INTENT:\n")
	fmt.Fprintf(&b, "- type: %s\n", req.Intent.Type)
	if req.Intent.Aggregation != domain.AggNone {
		fmt.Fprintf(&b, "- aggregation: %s\n", req.Intent.Aggregation)
	}
	if req.Intent.GroupBy != domain.GroupNone {
		fmt.Fprintf(&b, "- group by: %s\n", req.Intent.GroupBy)
	}
	for _, e := range req.Intent.Entities {
		fmt.Fprintf(&b, "- %s: %q\n", e.Kind, e.Name)
	}
	if req.Intent.TimeRange.Label != "" {
		fmt.Fprintf(&b, "- time range: %s\n", req.Intent.TimeRange.Label)
	}
	b.WriteString("\n")

	writeSchema(&b, req.Schema)
	writeParams(&b, req.Kind, req.Params)

	b.WriteString("RULES:\n")
	switch req.Kind {
	case domain.BackendGraph:
		b.WriteString("1. Write ONE Neo4j Cypher statement: MATCH/WITH/RETURN, or CALL finance.<procedure>(...).\n")
		b.WriteString("2. Never use CREATE, MERGE, DELETE, SET, REMOVE, DROP or LOAD.\n")
	case domain.BackendRelational:
		fmt.Fprintf(&b, "1. Write ONE %s SELECT statement (CTEs allowed).\n", dialectName(req.Schema))
		b.WriteString("2. Never use INSERT, UPDATE, DELETE, DROP, ALTER, CREATE or PRAGMA.\n")
	case domain.BackendVector:
		b.WriteString("1. Write ONE short semantic search phrase describing the transactions to find.\n")
		b.WriteString("2. Do not write a query language statement.\n")
	}
	b.WriteString("3. Reference ONLY the tables, labels, relationships and fields listed above.\n")
	b.WriteString("4. Return ONLY the query. No explanations. Do NOT wrap it in code fences.\n")

	if len(prior) > 0 {
		b.WriteString("\nPREVIOUS ATTEMPTS THAT FAILED (do not repeat them):\n")
		for _, a := range prior {
			fmt.Fprintf(&b, "- %s: %s", a.Provider, a.Outcome)
			if a.Detail != "" {
				fmt.Fprintf(&b, " (%s)", a.Detail)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func writeSchema(b *strings.Builder, s *backend.Schema) {
	if s == nil {
		return
	}
	b.WriteString("SCHEMA:\n")
	for _, t := range s.Tables {
		fields := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			fields[i] = f.Name + " " + f.Type
		}
		fmt.Fprintf(b, "- %s(%s)\n", t.Name, strings.Join(fields, ", "))
	}
	for _, r := range s.Relationships {
		fmt.Fprintf(b, "- (:%s)-[:%s]->(:%s)\n", r.From, r.Type, r.To)
	}
	for _, p := range s.Procedures {
		fmt.Fprintf(b, "- CALL finance.%s(%s) YIELDS %s\n", p.Name, strings.Join(p.Params, ", "), strings.Join(p.Columns, ", "))
	}
	b.WriteString("\n")
}

func writeParams(b *strings.Builder, kind domain.BackendKind, params map[string]any) {
	if len(params) == 0 || kind == domain.BackendVector {
		return
	}
	prefix := "@"
	if kind == domain.BackendGraph {
		prefix = "$"
	}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	b.WriteString("PARAMETERS (reference them, do not inline their values):\n")
	for _, n := range names {
		fmt.Fprintf(b, "- %s%s = %s\n", prefix, n, paramText(params[n]))
	}
	b.WriteString("\n")
}

func paramText(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.Format("2006-01-02")
	}
	return fmt.Sprint(v)
}

func dialectName(s *backend.Schema) string {
	if s == nil || s.Dialect == "" {
		return "SQL"
	}
	return s.Dialect
}

// cleanModelQuery strips Markdown fences and labels the model added despite
// the instructions.
func cleanModelQuery(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		// Drop the first line (``` or ```sql).
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return strings.Trim(s, "`")
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	for _, label := range []string{"sql:", "cypher:", "query:"} {
		if len(s) >= len(label) && strings.EqualFold(s[:len(label)], label) {
			s = strings.TrimSpace(s[len(label):])
		}
	}
	return s
}
