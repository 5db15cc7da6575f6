package intent

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-agent/internal/domain"
)

const isoDate = `(\d{4}-\d{2}-\d{2})`

var months = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
}

type timePattern struct {
	re      *regexp.Regexp
	resolve func(m []string, today time.Time) (domain.TimeRange, bool)
}

// Wider patterns come first so their dates are not matched again alone.
var timePatterns = []timePattern{
	{regexp.MustCompile(`\bfrom\s+` + isoDate + `\s+(?:to|until|through)\s+` + isoDate), func(m []string, _ time.Time) (domain.TimeRange, bool) {
		return dateSpan(m[1], m[2])
	}},
	{regexp.MustCompile(`\bbetween\s+` + isoDate + `\s+and\s+` + isoDate), func(m []string, _ time.Time) (domain.TimeRange, bool) {
		return dateSpan(m[1], m[2])
	}},
	{regexp.MustCompile(`\bsince\s+` + isoDate), func(m []string, today time.Time) (domain.TimeRange, bool) {
		start, err := time.Parse("2006-01-02", m[1])
		if err != nil || start.After(today) {
			return domain.TimeRange{}, false
		}
		return domain.TimeRange{Start: start, End: today.AddDate(0, 0, 1)}, true
	}},
	{regexp.MustCompile(`\b(?:on\s+)?` + isoDate), func(m []string, _ time.Time) (domain.TimeRange, bool) {
		return dateSpan(m[1], m[1])
	}},
	{regexp.MustCompile(`\b(?:last|past|previous)\s+(\d{1,4})\s+days?\b`), func(m []string, today time.Time) (domain.TimeRange, bool) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return domain.TimeRange{}, false
		}
		return trailingDays(today, n), true
	}},
	{regexp.MustCompile(`\btoday\b`), func(_ []string, today time.Time) (domain.TimeRange, bool) {
		return domain.TimeRange{Start: today, End: today.AddDate(0, 0, 1)}, true
	}},
	{regexp.MustCompile(`\byesterday\b`), func(_ []string, today time.Time) (domain.TimeRange, bool) {
		return domain.TimeRange{Start: today.AddDate(0, 0, -1), End: today}, true
	}},
	{regexp.MustCompile(`\b(this|current|last|previous|past)\s+(week|month|year)\b`), func(m []string, today time.Time) (domain.TimeRange, bool) {
		r := calendarPeriod(m[2], today)
		if m[1] != "this" && m[1] != "current" {
			r = previousPeriod(r)
		}
		return r, true
	}},
	{regexp.MustCompile(`\bin\s+(january|february|march|april|may|june|july|august|september|october|november|december)(?:\s+(\d{4}))?\b`), func(m []string, today time.Time) (domain.TimeRange, bool) {
		year := today.Year()
		if m[2] != "" {
			year, _ = strconv.Atoi(m[2])
		}
		start := time.Date(year, months[m[1]], 1, 0, 0, 0, 0, time.UTC)
		if m[2] == "" && start.After(today) {
			start = start.AddDate(-1, 0, 0)
		}
		return domain.TimeRange{Start: start, End: start.AddDate(0, 1, 0)}, true
	}},
	{regexp.MustCompile(`\bin\s+(\d{4})\b`), func(m []string, _ time.Time) (domain.TimeRange, bool) {
		year, _ := strconv.Atoi(m[1])
		if year < 1900 || year > 2999 {
			return domain.TimeRange{}, false
		}
		start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return domain.TimeRange{Start: start, End: start.AddDate(1, 0, 0)}, true
	}},
}

type spanRange struct {
	start, end int
	r          domain.TimeRange
}

// extractTimeRanges returns every explicit time phrase in text order.
func extractTimeRanges(lower string, today time.Time) []domain.TimeRange {
	var found []spanRange
	overlaps := func(s, e int) bool {
		for _, f := range found {
			if s < f.end && e > f.start {
				return true
			}
		}
		return false
	}
	for _, p := range timePatterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(lower, -1) {
			if overlaps(loc[0], loc[1]) {
				continue
			}
			m := submatches(lower, loc)
			r, ok := p.resolve(m, today)
			if !ok {
				continue
			}
			r.Label = strings.TrimSpace(m[0])
			r.Explicit = true
			found = append(found, spanRange{loc[0], loc[1], r})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].start < found[j].start })

	out := make([]domain.TimeRange, len(found))
	for i, f := range found {
		out[i] = f.r
	}
	return out
}

func submatches(s string, loc []int) []string {
	m := make([]string, len(loc)/2)
	for i := range m {
		if loc[2*i] >= 0 {
			m[i] = s[loc[2*i]:loc[2*i+1]]
		}
	}
	return m
}

func dateSpan(from, to string) (domain.TimeRange, bool) {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return domain.TimeRange{}, false
	}
	end, err := time.Parse("2006-01-02", to)
	if err != nil || end.Before(start) {
		return domain.TimeRange{}, false
	}
	return domain.TimeRange{Start: start, End: end.AddDate(0, 0, 1)}, true
}

// trailingDays covers n days ending with today.
func trailingDays(today time.Time, n int) domain.TimeRange {
	return domain.TimeRange{
		Start: today.AddDate(0, 0, -(n - 1)),
		End:   today.AddDate(0, 0, 1),
		Label: "last " + strconv.Itoa(n) + " days",
	}
}

func calendarPeriod(unit string, today time.Time) domain.TimeRange {
	switch unit {
	case "week":
		start := today.AddDate(0, 0, -((int(today.Weekday()) + 6) % 7))
		return domain.TimeRange{Start: start, End: start.AddDate(0, 0, 7)}
	case "year":
		start := time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		return domain.TimeRange{Start: start, End: start.AddDate(1, 0, 0)}
	default:
		start := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		return domain.TimeRange{Start: start, End: start.AddDate(0, 1, 0)}
	}
}

// previousPeriod returns the period of the same shape immediately before r.
// Whole calendar months and years shift by calendar unit.
func previousPeriod(r domain.TimeRange) domain.TimeRange {
	switch {
	case r.Start.Day() == 1 && r.End.Equal(r.Start.AddDate(0, 1, 0)):
		return domain.TimeRange{Start: r.Start.AddDate(0, -1, 0), End: r.Start, Label: "previous month", Explicit: r.Explicit}
	case r.Start.YearDay() == 1 && r.End.Equal(r.Start.AddDate(1, 0, 0)):
		return domain.TimeRange{Start: r.Start.AddDate(-1, 0, 0), End: r.Start, Label: "previous year", Explicit: r.Explicit}
	default:
		d := r.End.Sub(r.Start)
		return domain.TimeRange{Start: r.Start.Add(-d), End: r.Start, Label: "previous period", Explicit: r.Explicit}
	}
}

const amountNum = `\$?(\d[\d,]*(?:\.\d+)?)`

var (
	betweenAmountRe = regexp.MustCompile(`\bbetween\s+` + amountNum + `\s+and\s+` + amountNum)
	minAmountRe     = regexp.MustCompile(`\b(?:over|above|more than|greater than|exceeding|at least|bigger than|larger than)\s+` + amountNum)
	maxAmountRe     = regexp.MustCompile(`\b(?:under|below|less than|at most|cheaper than|smaller than)\s+` + amountNum)
	unitSuffixRe    = regexp.MustCompile(`^\s*(?:days?|weeks?|months?|years?|transactions?|times)\b`)
)

// extractFilters reads amount bounds from lower and a transaction id from
// the original text, whose case is preserved.
func extractFilters(text, lower string) domain.Filters {
	var f domain.Filters
	if m := transactionIDRe.FindStringSubmatch(text); m != nil {
		f.TransactionID = m[1]
	}
	if loc := betweenAmountRe.FindStringSubmatchIndex(lower); loc != nil && isAmount(lower, loc[1]) {
		m := submatches(lower, loc)
		lo, okLo := parseAmount(m[1])
		hi, okHi := parseAmount(m[2])
		if okLo && okHi {
			if hi.LessThan(lo) {
				lo, hi = hi, lo
			}
			f.MinAmount, f.MaxAmount = &lo, &hi
			return f
		}
	}
	if loc := minAmountRe.FindStringSubmatchIndex(lower); loc != nil && isAmount(lower, loc[1]) {
		if d, ok := parseAmount(submatches(lower, loc)[1]); ok {
			f.MinAmount = &d
		}
	}
	if loc := maxAmountRe.FindStringSubmatchIndex(lower); loc != nil && isAmount(lower, loc[1]) {
		if d, ok := parseAmount(submatches(lower, loc)[1]); ok {
			f.MaxAmount = &d
		}
	}
	return f
}

// isAmount rejects numbers that are really dates or durations.
func isAmount(lower string, end int) bool {
	if end < len(lower) && lower[end] == '-' {
		return false
	}
	return !unitSuffixRe.MatchString(lower[end:])
}

func parseAmount(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// fuzzyContains reports whether some window of text tokens is within one
// edit of the name.
func fuzzyContains(tokens, name []string) bool {
	k := len(name)
	if k == 0 || k > len(tokens) {
		return false
	}
	want := strings.Join(name, " ")
	for i := 0; i+k <= len(tokens); i++ {
		w := strings.Join(tokens[i:i+k], " ")
		if len(w) < 5 {
			continue
		}
		if levenshtein.ComputeDistance(w, want) <= 1 {
			return true
		}
	}
	return false
}
