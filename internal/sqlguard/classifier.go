// Package sqlguard decides whether a SQL statement may run under a given
// access tier. The decision is purely lexical and deterministic.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/edvin/jitaccess/internal/model"
)

// MaxStatementLength bounds the accepted statement size in bytes.
const MaxStatementLength = 10000

var tierVerbs = map[string]map[string]struct{}{
	model.TierRead:        set("SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN", "WITH"),
	model.TierReadWrite:   set("SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN", "WITH", "INSERT", "UPDATE"),
	model.TierDestructive: set("DELETE", "DROP", "TRUNCATE", "ALTER", "CREATE", "RENAME"),
}

type blockedPattern struct {
	re     *regexp.Regexp
	reason string
}

var dclPatterns = []blockedPattern{
	{regexp.MustCompile(`(?i)\bGRANT\b`), "GRANT is not allowed (DCL)"},
	{regexp.MustCompile(`(?i)\bREVOKE\b`), "REVOKE is not allowed (DCL)"},
}

var dangerousPatterns = []blockedPattern{
	{regexp.MustCompile(`(?i)\bINTO\s+OUTFILE\b`), "SELECT INTO OUTFILE is not allowed"},
	{regexp.MustCompile(`(?i)\bINTO\s+DUMPFILE\b`), "SELECT INTO DUMPFILE is not allowed"},
	{regexp.MustCompile(`(?i)\bLOAD_FILE\b`), "LOAD_FILE is not allowed"},
	{regexp.MustCompile(`(?i)\bEXEC\b`), "EXEC is not allowed"},
	{regexp.MustCompile(`(?i)\bEXECUTE\b`), "EXECUTE is not allowed"},
	{regexp.MustCompile(`(?i)\bCALL\b`), "CALL is not allowed"},
}

var firstWord = regexp.MustCompile(`^(\w+)`)

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// Rejection explains why a statement was blocked.
type Rejection struct {
	Tier   string
	Verb   string
	Reason string
}

func (r *Rejection) Error() string {
	if r.Tier == "" {
		return "statement blocked: " + r.Reason
	}
	return fmt.Sprintf("statement blocked (%s): %s", r.Tier, r.Reason)
}

// Classify returns the upper-cased first keyword of statement after
// leading comments are stripped, or "" when there is none.
func Classify(statement string) string {
	q := stripLeadingComments(statement)
	m := firstWord.FindStringSubmatch(q)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

func stripLeadingComments(s string) string {
	q := strings.TrimSpace(s)
	for q != "" {
		switch {
		case strings.HasPrefix(q, "--"):
			idx := strings.IndexByte(q, '\n')
			if idx < 0 {
				return ""
			}
			q = strings.TrimSpace(q[idx+1:])
		case strings.HasPrefix(q, "/*") && !strings.HasPrefix(q, "/*!"):
			idx := strings.Index(q, "*/")
			if idx < 0 {
				return ""
			}
			q = strings.TrimSpace(q[idx+2:])
		default:
			return q
		}
	}
	return q
}

// Enforce returns nil when statement is allowed under tier, and a
// *Rejection otherwise. DCL is rejected for every tier.
func Enforce(statement, tier string) error {
	q := strings.TrimSpace(statement)
	if q == "" {
		return &Rejection{Tier: tier, Reason: "statement is required"}
	}
	if len(q) > MaxStatementLength {
		return &Rejection{Tier: tier, Reason: fmt.Sprintf("statement exceeds maximum length of %d characters", MaxStatementLength)}
	}

	resolved, err := model.ParseSQLTier(tier)
	if err != nil {
		return &Rejection{Tier: tier, Reason: err.Error()}
	}

	for _, p := range dclPatterns {
		if p.re.MatchString(q) {
			return &Rejection{Tier: resolved, Reason: p.reason}
		}
	}
	for _, p := range dangerousPatterns {
		if p.re.MatchString(q) {
			return &Rejection{Tier: resolved, Reason: p.reason}
		}
	}

	verb := Classify(q)
	if verb == "" {
		return &Rejection{Tier: resolved, Reason: "invalid or empty statement"}
	}
	if _, ok := tierVerbs[resolved][verb]; !ok {
		return &Rejection{Tier: resolved, Verb: verb, Reason: fmt.Sprintf("%s is not allowed for this tier", verb)}
	}
	return nil
}

// lexer is one engine's view of quotes and comments.
type lexer struct {
	mysql            bool
	backslashEscapes bool
}

var lexers = []lexer{
	{mysql: true, backslashEscapes: true}, // MySQL default sql_mode
	{mysql: true},                         // MySQL NO_BACKSLASH_ESCAPES
	{},                                    // Postgres standard_conforming_strings=on
	{backslashEscapes: true},              // Postgres standard_conforming_strings=off
}

// RequireSingleStatement rejects input that carries more than one
// statement. Semicolons inside quoted strings and comments are ignored and a
// trailing semicolon is allowed. The text is scanned once per engine lexer,
// so a batch hidden from any one engine's view of quotes and comments is
// rejected. MySQL executable comments are scanned as code.
func RequireSingleStatement(statement string) error {
	for _, lx := range lexers {
		if lx.hasMultiple(statement) {
			return &Rejection{Reason: "only one statement per call is allowed"}
		}
	}
	return nil
}

func (lx lexer) hasMultiple(s string) bool {
	var (
		quote      byte
		escapes    bool
		dollarTag  string
		depth      int
		inLine     bool
		terminated bool
	)

	for i := 0; i < len(s); i++ {
		c := s[i]
		var next byte
		if i+1 < len(s) {
			next = s[i+1]
		}

		switch {
		case inLine:
			if c == '\n' {
				inLine = false
			}
			continue
		case depth > 0:
			switch {
			case c == '*' && next == '/':
				depth--
				i++
			case !lx.mysql && c == '/' && next == '*':
				// Postgres block comments nest.
				depth++
				i++
			}
			continue
		case dollarTag != "":
			if strings.HasPrefix(s[i:], dollarTag) {
				i += len(dollarTag) - 1
				dollarTag = ""
			}
			continue
		case quote != 0:
			if escapes && c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}

		switch {
		case c == '-' && next == '-' && (!lx.mysql || i+2 >= len(s) || isSpace(s[i+2])):
			inLine = true
			i++
		case c == '#' && lx.mysql:
			inLine = true
		case c == '/' && next == '*' && !(lx.mysql && i+2 < len(s) && s[i+2] == '!'):
			depth = 1
			i++
		case isSpace(c):
		case terminated:
			return true
		case c == '\'' || c == '"' || c == '`':
			// A bare backtick is a lexing error in Postgres, so quoting it
			// cannot hide a statement that would otherwise run.
			quote = c
			escapes = lx.stringEscapes(s, i)
		case c == '$' && !lx.mysql:
			if tag, ok := dollarTagAt(s, i); ok {
				dollarTag = tag
				i += len(tag) - 1
			}
		case c == ';':
			terminated = true
		}
	}
	return false
}

// stringEscapes reports whether the literal opened at s[i] treats a
// backslash as an escape.
func (lx lexer) stringEscapes(s string, i int) bool {
	switch s[i] {
	case '`':
		return false
	case '"':
		// Postgres double quotes delimit identifiers, which never escape.
		return lx.mysql && lx.backslashEscapes
	}
	if lx.backslashEscapes {
		return true
	}
	// Postgres E'...' literals always take escapes.
	return !lx.mysql && i > 0 && (s[i-1] == 'e' || s[i-1] == 'E') && (i == 1 || !isIdentChar(s[i-2]))
}

// dollarTagAt returns the Postgres dollar-quote delimiter ($$ or $tag$)
// starting at s[i].
func dollarTagAt(s string, i int) (string, bool) {
	if i > 0 && isIdentChar(s[i-1]) {
		return "", false
	}
	j := i + 1
	for j < len(s) && s[j] != '$' {
		c := s[j]
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80 || (j > i+1 && c >= '0' && c <= '9')) {
			return "", false
		}
		j++
	}
	if j >= len(s) {
		return "", false
	}
	return s[i : j+1], true
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Check runs the single-statement rule and then Enforce.
func Check(statement, tier string) error {
	if err := RequireSingleStatement(statement); err != nil {
		return err
	}
	return Enforce(statement, tier)
}
