// Package sqlident turns free-form spreadsheet headers into safe PostgreSQL identifiers.
package sqlident

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/iota-uz/sheet-ingest/pkg/serrors"
)

// MaxLength is the PostgreSQL identifier limit (NAMEDATALEN - 1) in bytes.
const MaxLength = 63

const DefaultFallback = "column"

var ErrInvalidIdentifier = serrors.NewError("SQLIDENT_INVALID", "invalid SQL identifier", "")

var validRe = regexp.MustCompile(`^[\p{L}\p{N}\p{M}_]+$`)

var lower = cases.Lower(language.Und)

// Set holds identifiers already claimed in one table.
type Set map[string]struct{}

func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s.Add(n)
	}
	return s
}

func (s Set) Add(name string) {
	s[name] = struct{}{}
}

func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sanitize maps name to a unique identifier not present in used, and records it there.
func Sanitize(name string, used Set, fallback string) string {
	if fallback == "" {
		fallback = DefaultFallback
	}
	base := clean(name)
	if base == "" {
		base = clean(fallback)
		if base == "" {
			base = DefaultFallback
		}
	}
	if r, _ := utf8.DecodeRuneInString(base); unicode.IsDigit(r) {
		base = "_" + base
	}
	base = truncate(base, MaxLength)

	candidate := base
	for i := 1; used.Has(candidate); i++ {
		suffix := "_" + strconv.Itoa(i)
		candidate = truncate(base, MaxLength-len(suffix)) + suffix
	}
	used.Add(candidate)
	return candidate
}

func clean(name string) string {
	s := lower.String(norm.NFKC.String(strings.TrimSpace(name)))

	var b strings.Builder
	b.Grow(len(s))
	underscore := false
	for _, r := range s {
		if r != '_' && (unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsMark(r)) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// Valid is the strict check applied to identifiers that reach SQL text unchanged.
func Valid(name string) bool {
	return name != "" && len(name) <= MaxLength && validRe.MatchString(name)
}

// Parse parses "schema.table" or "table" into a pgx.Identifier, validating each part.
func Parse(s string) (pgx.Identifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: identifier is empty", ErrInvalidIdentifier)
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("%w: %q (expected table or schema.table)", ErrInvalidIdentifier, s)
	}
	ident := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if !Valid(p) {
			return nil, fmt.Errorf("%w: %q (bad part %q)", ErrInvalidIdentifier, s, p)
		}
		ident = append(ident, p)
	}
	return ident, nil
}

// MustParse is Parse for identifiers known at compile time.
func MustParse(s string) pgx.Identifier {
	ident, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ident
}

// Quote quotes a single column identifier.
func Quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// QuoteAll quotes names and joins them with ", ".
func QuoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = Quote(n)
	}
	return strings.Join(quoted, ", ")
}

// Label renders ident without quoting, for logs and metric labels.
func Label(ident pgx.Identifier) string {
	return strings.Join(ident, ".")
}
