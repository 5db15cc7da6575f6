package executor

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/domain"
)

// Normalize flattens raw records into rows and derives the column order:
// declared columns first (expanded in place when nested), then any
// undeclared keys in sorted order.
func Normalize(raw *backend.RawResult) ([]string, []domain.Row) {
	if raw == nil {
		return []string{}, []domain.Row{}
	}
	declared := make(map[string]bool, len(raw.Columns))
	for _, c := range raw.Columns {
		declared[c] = true
	}

	var columns []string
	seen := map[string]bool{}
	addCol := func(k string) {
		if !seen[k] {
			seen[k] = true
			columns = append(columns, k)
		}
	}

	rows := make([]domain.Row, 0, len(raw.Records))
	for _, rec := range raw.Records {
		row := domain.Row{}
		keys := append([]string(nil), raw.Columns...)
		var extra []string
		for k := range rec {
			if !declared[k] {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		keys = append(keys, extra...)

		for _, k := range keys {
			v, ok := rec[k]
			if !ok {
				continue
			}
			for _, kv := range flatten(k, v) {
				row[kv.key] = kv.value
				addCol(kv.key)
			}
		}
		rows = append(rows, row)
	}
	if columns == nil {
		columns = append([]string{}, raw.Columns...)
	}
	return columns, rows
}

type keyValue struct {
	key   string
	value any
}

func flatten(prefix string, v any) []keyValue {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []keyValue
		for _, k := range keys {
			out = append(out, flatten(prefix+"."+k, t[k])...)
		}
		return out
	case []any:
		if !containsMaps(t) {
			vals := make([]any, len(t))
			for i, e := range t {
				vals[i] = scalar(e)
			}
			return []keyValue{{prefix, vals}}
		}
		var out []keyValue
		for i, e := range t {
			out = append(out, flatten(prefix+"."+strconv.Itoa(i), e)...)
		}
		return out
	default:
		return []keyValue{{prefix, scalar(v)}}
	}
}

func containsMaps(xs []any) bool {
	for _, x := range xs {
		if _, ok := x.(map[string]any); ok {
			return true
		}
	}
	return false
}

// scalar converts driver value types into JSON-friendly ones. Exact numerics
// become json.Number so they serialize as numbers without losing precision.
func scalar(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case decimal.Decimal:
		return json.Number(t.String())
	case *decimal.Decimal:
		if t == nil {
			return nil
		}
		return json.Number(t.String())
	case *big.Rat:
		if t == nil {
			return nil
		}
		return json.Number(decimal.RequireFromString(t.FloatString(9)).String())
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case float32:
		return scalar(float64(t))
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format(time.RFC3339)
	case civil.Date:
		return t.String()
	case civil.DateTime:
		return t.String()
	case []byte:
		return string(t)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case fmt.Stringer:
		return t.String()
	default:
		return v
	}
}
