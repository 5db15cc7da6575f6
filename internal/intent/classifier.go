// Package intent turns a free-text question into a structured QueryIntent.
//
// Classification is keyword and pattern driven. It never fails: a question
// with no recognizable signal comes back as a zero-confidence lookup.
// Output depends only on the text, the vocabulary and the clock.
package intent

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/finance-agent/internal/domain"
)

// DefaultLowConfidenceThreshold is used when no threshold is configured.
const DefaultLowConfidenceThreshold = 0.35

// VocabularySource supplies the known entity names. The graph engine
// implements it.
type VocabularySource interface {
	Vocabulary() domain.Vocabulary
}

// Static is a fixed vocabulary.
type Static domain.Vocabulary

// Vocabulary implements VocabularySource.
func (s Static) Vocabulary() domain.Vocabulary { return domain.Vocabulary(s) }

type keywordSet struct {
	intent domain.IntentType
	weight float64
	res    []*regexp.Regexp
}

// Order doubles as the tie-break priority.
var keywordSets = []keywordSet{
	compile(domain.IntentAnomaly, 2, "unusual", "anomaly", "anomalies", "anomalous", "strange",
		"suspicious", "outlier", "outliers", "abnormal", "weird", "odd", "irregular", "fraud", "fraudulent"),
	compile(domain.IntentSimilarity, 2, "similar", "similarity", "resemble", "resembles", "resembling",
		"like this", "like that", "same as"),
	compile(domain.IntentComparison, 2, "compare", "compared", "comparing", "comparison", "vs", "vs.",
		"versus", "difference between", "relative to"),
	compile(domain.IntentTrend, 2, "trend", "trends", "trending", "over time", "monthly", "per month",
		"each month", "month by month", "month over month", "trajectory", "history", "growing",
		"increasing", "decreasing", "evolution"),
	compile(domain.IntentAggregate, 1.5, "how much", "total", "totals", "sum", "spent", "spend", "spending",
		"average", "avg", "mean", "count", "how many", "number of", "breakdown", "top", "most",
		"biggest", "largest", "highest", "lowest", "by category", "per category", "by merchant",
		"per merchant", "by account"),
	compile(domain.IntentLookup, 0.5, "show", "find", "list", "display", "get", "which", "what",
		"transactions", "transaction", "purchases", "payments", "charges"),
}

func compile(t domain.IntentType, weight float64, phrases ...string) keywordSet {
	ks := keywordSet{intent: t, weight: weight}
	for _, p := range phrases {
		ks.res = append(ks.res, regexp.MustCompile(`\b`+regexp.QuoteMeta(p)+`(?:\b|$|\s)`))
	}
	return ks
}

var (
	groupByRes = []struct {
		group domain.GroupBy
		re    *regexp.Regexp
	}{
		{domain.GroupCategory, regexp.MustCompile(`\b(?:by|per|each|across)\s+categor(?:y|ies)\b|\bcategories\b|\bcategory breakdown\b`)},
		{domain.GroupMerchant, regexp.MustCompile(`\b(?:by|per|each|top|which)\s+merchants?\b|\bmerchants\b`)},
		{domain.GroupAccount, regexp.MustCompile(`\b(?:by|per|each)\s+accounts?\b|\baccounts\b`)},
		{domain.GroupMonth, regexp.MustCompile(`\b(?:by|per|each)\s+month\b|\bmonthly\b|\bmonth (?:by|over) month\b`)},
	}
	aggregationRes = []struct {
		op domain.AggregationOp
		re *regexp.Regexp
	}{
		{domain.AggAvg, regexp.MustCompile(`\b(?:average|avg|mean)\b`)},
		{domain.AggCount, regexp.MustCompile(`\b(?:how many|count|number of)\b`)},
		{domain.AggMax, regexp.MustCompile(`\b(?:largest|biggest|highest|max|maximum)\b`)},
		{domain.AggMin, regexp.MustCompile(`\b(?:smallest|lowest|min|minimum)\b`)},
		{domain.AggSum, regexp.MustCompile(`\b(?:total|sum|how much|spent|spend|spending)\b`)},
	}
	transactionIDRe = regexp.MustCompile(`(?i)\btransaction\s+(?:id\s+)?#?([A-Za-z0-9][A-Za-z0-9_\-]*\d[A-Za-z0-9_\-]*)\b`)
)

// Option configures a Classifier.
type Option func(*Classifier)

// WithClock overrides the clock used for relative time phrases.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// WithThreshold sets the low-confidence threshold.
func WithThreshold(t float64) Option {
	return func(c *Classifier) { c.threshold = t }
}

// Classifier is safe for concurrent use.
type Classifier struct {
	vocab     VocabularySource
	threshold float64
	now       func() time.Time
}

// New creates a Classifier resolving entities against vocab.
func New(vocab VocabularySource, opts ...Option) *Classifier {
	c := &Classifier{
		vocab:     vocab,
		threshold: DefaultLowConfidenceThreshold,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if vocab == nil {
		c.vocab = Static{}
	}
	return c
}

// Threshold returns the configured low-confidence threshold.
func (c *Classifier) Threshold() float64 { return c.threshold }

// Classify parses text into a QueryIntent.
func (c *Classifier) Classify(text string) domain.QueryIntent {
	lower := strings.ToLower(strings.TrimSpace(text))
	today := startOfDay(c.now())

	typ, hits, ambiguous := scoreIntent(lower)
	entities := matchEntities(lower, c.vocab.Vocabulary())
	filters := extractFilters(text, lower)
	ranges := extractTimeRanges(lower, today)

	in := domain.QueryIntent{
		Type:       typ,
		Entities:   entities,
		Filters:    filters,
		SearchText: strings.TrimSpace(text),
	}
	if in.Entities == nil {
		in.Entities = []domain.Entity{}
	}

	if len(ranges) > 0 {
		in.TimeRange = ranges[0]
	} else {
		in.TimeRange = trailingDays(today, 30)
	}
	if typ == domain.IntentComparison {
		if len(ranges) > 1 {
			r := ranges[1]
			in.CompareRange = &r
		} else {
			r := previousPeriod(in.TimeRange)
			in.CompareRange = &r
		}
	}

	in.GroupBy = extractGroupBy(lower)
	in.Aggregation = extractAggregation(lower, typ)
	if typ == domain.IntentTrend && in.GroupBy == domain.GroupNone {
		in.GroupBy = domain.GroupMonth
	}

	signal := hits > 0 || len(entities) > 0 || !filters.IsEmpty() || len(ranges) > 0
	if !signal {
		return domain.QueryIntent{
			Type:          domain.IntentLookup,
			Entities:      []domain.Entity{},
			TimeRange:     in.TimeRange,
			SearchText:    in.SearchText,
			Confidence:    0,
			LowConfidence: true,
		}
	}

	in.Confidence = confidence(hits, ambiguous, len(entities) > 0, len(ranges) > 0 || !filters.IsEmpty())
	in.LowConfidence = in.Confidence < c.threshold
	return in
}

// scoreIntent returns the best-scoring intent, how many distinct phrases
// backed it, and whether another intent scored the same.
func scoreIntent(lower string) (domain.IntentType, int, bool) {
	best, bestScore, bestHits := domain.IntentLookup, 0.0, 0
	ambiguous := false
	for _, ks := range keywordSets {
		n := 0
		for _, re := range ks.res {
			if re.MatchString(lower) {
				n++
			}
		}
		if n == 0 {
			continue
		}
		score := float64(n) * ks.weight
		switch {
		case score > bestScore:
			best, bestScore, bestHits = ks.intent, score, n
			ambiguous = false
		case score == bestScore:
			ambiguous = true
		}
	}
	return best, bestHits, ambiguous
}

func confidence(hits int, ambiguous, hasEntities, hasConstraints bool) float64 {
	c := 0.3
	if hits > 0 {
		if hits > 3 {
			hits = 3
		}
		c = 0.55 + 0.1*float64(hits-1)
	}
	if hasEntities {
		c += 0.1
	}
	if hasConstraints {
		c += 0.1
	}
	if ambiguous {
		c -= 0.2
	}
	c = math.Max(0, math.Min(c, 0.95))
	return math.Round(c*100) / 100
}

func extractGroupBy(lower string) domain.GroupBy {
	for _, g := range groupByRes {
		if g.re.MatchString(lower) {
			return g.group
		}
	}
	return domain.GroupNone
}

func extractAggregation(lower string, typ domain.IntentType) domain.AggregationOp {
	for _, a := range aggregationRes {
		if a.re.MatchString(lower) {
			return a.op
		}
	}
	switch typ {
	case domain.IntentAggregate, domain.IntentTrend, domain.IntentComparison:
		return domain.AggSum
	}
	return domain.AggNone
}

// matchEntities resolves vocabulary names mentioned in lower: a whole-word
// substring match first, then a fuzzy match allowing one edit for names of
// five or more characters.
func matchEntities(lower string, vocab domain.Vocabulary) []domain.Entity {
	tokens := tokenize(lower)
	seen := map[domain.Entity]bool{}
	var out []domain.Entity

	try := func(kind domain.EntityKind, names []string) {
		for _, name := range names {
			n := strings.ToLower(strings.TrimSpace(name))
			if len(n) < 3 {
				continue
			}
			if containsPhrase(lower, n) || (len(n) >= 5 && fuzzyContains(tokens, tokenize(n))) {
				e := domain.Entity{Kind: kind, Name: name}
				if !seen[e] {
					seen[e] = true
					out = append(out, e)
				}
			}
		}
	}
	try(domain.EntityAccount, vocab.Accounts)
	try(domain.EntityMerchant, vocab.Merchants)
	try(domain.EntityCategory, vocab.Categories)

	order := map[domain.EntityKind]int{domain.EntityAccount: 0, domain.EntityMerchant: 1, domain.EntityCategory: 2}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return order[out[i].Kind] < order[out[j].Kind]
		}
		return out[i].Name < out[j].Name
	})
	return out
}

var tokenRe = regexp.MustCompile(`[a-z0-9&'_\-]+`)

func tokenize(s string) []string {
	return tokenRe.FindAllString(strings.ToLower(s), -1)
}

func containsPhrase(s, phrase string) bool {
	for from := 0; ; {
		i := strings.Index(s[from:], phrase)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(phrase)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return true
		}
		from = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
