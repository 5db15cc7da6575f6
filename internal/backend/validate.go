package backend

import (
	"regexp"
	"strings"

	"github.com/dvloznov/finance-agent/internal/domain"
)

var wordRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

var cypherWriteClauses = map[string]bool{
	"CREATE": true, "MERGE": true, "DELETE": true, "DETACH": true,
	"SET": true, "REMOVE": true, "DROP": true, "FOREACH": true, "LOAD": true,
}

var cypherLeading = map[string]bool{
	"MATCH": true, "OPTIONAL": true, "WITH": true, "UNWIND": true, "CALL": true, "RETURN": true,
}

var sqlWriteKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "DROP": true,
	"ALTER": true, "CREATE": true, "TRUNCATE": true, "GRANT": true, "REVOKE": true,
	"ATTACH": true, "DETACH": true, "PRAGMA": true, "COPY": true, "EXECUTE": true,
	"CALL": true, "VACUUM": true,
}

// Functions a SELECT can call that change server state or reach outside the
// database. Matched case-insensitively when followed by "(".
var sqlSideEffectFuncs = map[string]bool{
	"pg_terminate_backend": true, "pg_cancel_backend": true, "pg_reload_conf": true,
	"pg_rotate_logfile": true, "pg_switch_wal": true, "pg_create_restore_point": true,
	"pg_promote": true, "pg_sleep": true, "pg_sleep_for": true, "pg_sleep_until": true,
	"pg_read_file": true, "pg_read_binary_file": true, "pg_ls_dir": true, "pg_stat_file": true,
	"pg_notify": true, "set_config": true, "nextval": true, "setval": true,
	"lo_import": true, "lo_export": true, "lo_unlink": true, "lo_create": true, "lo_put": true,
	"query_to_xml": true, "load_extension": true, "readfile": true, "writefile": true,
}

var sqlSideEffectPrefixes = []string{"pg_advisory_", "pg_try_advisory_", "dblink", "pg_logical_", "pg_replication_"}

var allowedCallPrefixes = []string{"finance.", "db.labels", "db.relationshiptypes", "db.schema"}

var (
	callRe         = regexp.MustCompile(`(?i)\bcall\s+([a-z0-9_.]+)`)
	financeCallRe  = regexp.MustCompile(`(?i)\bcall\s+finance\.([a-z_]+)`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	funcCallRe     = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_.]*)\s*\(`)
)

// ValidateCypher accepts a single read-only Cypher statement.
func ValidateCypher(text string) error {
	const kind = domain.BackendGraph
	body, err := singleStatement(kind, text)
	if err != nil {
		return err
	}
	words := upperWords(stripLiterals(body))
	if len(words) == 0 {
		return syntaxErr(kind, "empty statement")
	}
	if !cypherLeading[words[0]] {
		return syntaxErr(kind, "statement must start with MATCH, WITH, UNWIND, CALL or RETURN")
	}
	for _, w := range words {
		if cypherWriteClauses[w] {
			return syntaxErr(kind, "write clause %s is not allowed", w)
		}
	}
	if err := checkBalanced(kind, body); err != nil {
		return err
	}

	lower := strings.ToLower(stripLiterals(body))
	hasCall := false
	for _, m := range callRe.FindAllStringSubmatch(lower, -1) {
		hasCall = true
		if !hasAnyPrefix(m[1], allowedCallPrefixes) {
			return syntaxErr(kind, "procedure %s is not allowed", m[1])
		}
	}
	if !hasCall && !containsWord(words, "RETURN") {
		return syntaxErr(kind, "statement has no RETURN clause")
	}
	return nil
}

// ValidateSQL accepts a single read-only SELECT (optionally with CTEs).
func ValidateSQL(text string) error {
	const kind = domain.BackendRelational
	body, err := singleStatement(kind, text)
	if err != nil {
		return err
	}
	words := upperWords(stripLiterals(body))
	if len(words) == 0 {
		return syntaxErr(kind, "empty statement")
	}
	if words[0] != "SELECT" && words[0] != "WITH" {
		return syntaxErr(kind, "statement must start with SELECT or WITH")
	}
	for _, w := range words {
		if sqlWriteKeywords[w] {
			return syntaxErr(kind, "keyword %s is not allowed", w)
		}
	}
	if !containsWord(words, "SELECT") {
		return syntaxErr(kind, "statement has no SELECT")
	}
	for _, m := range funcCallRe.FindAllStringSubmatch(callableText(body), -1) {
		name := strings.ToLower(m[1])
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		if sqlSideEffectFuncs[name] || hasAnyPrefix(name, sqlSideEffectPrefixes) {
			return syntaxErr(kind, "function %s is not allowed", name)
		}
	}
	return checkBalanced(kind, body)
}

// ValidateSearchText accepts a non-empty semantic search phrase.
func ValidateSearchText(text string) error {
	t := strings.TrimSpace(text)
	if t == "" {
		return syntaxErr(domain.BackendVector, "empty search text")
	}
	if len(t) > 1000 {
		return syntaxErr(domain.BackendVector, "search text longer than 1000 characters")
	}
	return nil
}

// singleStatement trims a trailing semicolon and rejects stacked statements.
func singleStatement(kind domain.BackendKind, text string) (string, error) {
	body := strings.TrimSpace(stripComments(kind, text))
	body = strings.TrimSpace(strings.TrimSuffix(body, ";"))
	if body == "" {
		return "", syntaxErr(kind, "empty statement")
	}
	if strings.Contains(stripLiterals(body), ";") {
		return "", syntaxErr(kind, "multiple statements are not allowed")
	}
	return body, nil
}

// stripComments removes /* */ blocks and line comments: "--" for SQL, "//"
// for Cypher, where "--" is an undirected relationship.
func stripComments(kind domain.BackendKind, s string) string {
	s = blockCommentRe.ReplaceAllString(s, " ")
	marker := "--"
	if kind == domain.BackendGraph {
		marker = "//"
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if idx := strings.Index(l, marker); idx >= 0 {
			lines[i] = l[:idx]
		}
	}
	return strings.Join(lines, "\n")
}

// stripLiterals blanks out quoted strings so keywords inside them are ignored.
func stripLiterals(s string) string {
	return blankQuoted(s, `'"`)
}

func blankQuoted(s, quotes string) string {
	var b strings.Builder
	var quote rune
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				b.WriteRune(r)
			} else {
				b.WriteRune(' ')
			}
		case strings.ContainsRune(quotes, r):
			quote = r
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// callableText blanks string literals and unquotes identifiers, so that
// "pg_catalog"."nextval"( reads as pg_catalog.nextval(.
func callableText(s string) string {
	return strings.ReplaceAll(blankQuoted(s, "'"), `"`, "")
}

func upperWords(s string) []string {
	words := wordRe.FindAllString(s, -1)
	for i, w := range words {
		words[i] = strings.ToUpper(w)
	}
	return words
}

func containsWord(words []string, w string) bool {
	for _, x := range words {
		if x == w {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func checkBalanced(kind domain.BackendKind, s string) error {
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var stack []rune
	for _, r := range stripLiterals(s) {
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return syntaxErr(kind, "unbalanced %q", r)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return syntaxErr(kind, "unclosed %q", stack[len(stack)-1])
	}
	return nil
}

var (
	sqlTableRe    = regexp.MustCompile("(?i)\\b(?:from|join)\\s+([`\"]?[A-Za-z0-9_.\\-]+[`\"]?)")
	cypherLabelRe = regexp.MustCompile(`\(\s*[A-Za-z0-9_]*\s*:\s*([A-Za-z_][A-Za-z0-9_]*)`)
	cypherRelRe   = regexp.MustCompile(`\[\s*[A-Za-z0-9_]*\s*:\s*([A-Za-z_][A-Za-z0-9_]*)`)
)

// CheckAgainstSchema verifies that a query only references tables, labels
// and relationship types the schema knows about.
func CheckAgainstSchema(kind domain.BackendKind, text string, s *Schema) error {
	if s == nil {
		return nil
	}
	body := stripLiterals(stripComments(kind, text))
	switch kind {
	case domain.BackendRelational:
		ctes := cteNames(body)
		for _, m := range sqlTableRe.FindAllStringSubmatch(body, -1) {
			name := m[1]
			if ctes[strings.ToLower(baseName(name))] || isKnownField(s, baseName(name)) {
				continue
			}
			if _, ok := s.Table(name); !ok {
				return syntaxErr(kind, "unknown table %s", baseName(name))
			}
		}
	case domain.BackendGraph:
		for _, m := range cypherLabelRe.FindAllStringSubmatch(body, -1) {
			if _, ok := s.Table(m[1]); !ok {
				return syntaxErr(kind, "unknown label %s", m[1])
			}
		}
		for _, m := range cypherRelRe.FindAllStringSubmatch(body, -1) {
			if !s.HasRelationship(m[1]) {
				return syntaxErr(kind, "unknown relationship %s", m[1])
			}
		}
		for _, m := range financeCallRe.FindAllStringSubmatch(body, -1) {
			if _, ok := s.Procedure(m[1]); !ok {
				return syntaxErr(kind, "unknown procedure finance.%s", m[1])
			}
		}
	}
	return nil
}

var cteRe = regexp.MustCompile(`(?i)\b([A-Za-z_][A-Za-z0-9_]*)\s+as\s*\(`)

func cteNames(body string) map[string]bool {
	out := map[string]bool{}
	for _, m := range cteRe.FindAllStringSubmatch(body, -1) {
		out[strings.ToLower(m[1])] = true
	}
	return out
}

// isKnownField lets "EXTRACT(MONTH FROM transaction_date)" through the table check.
func isKnownField(s *Schema, name string) bool {
	for _, t := range s.Tables {
		if s.HasField(t.Name, name) {
			return true
		}
	}
	return false
}
