package sqlast

import (
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// PlaceholderStyle selects the numbered-placeholder syntax a Lower-phase rewrite
// target uses (spec.md §4.1: "the lowering pass rewrites engine-specific
// forms per dialect, notably ... placeholder syntax").
type PlaceholderStyle int

const (
	// StyleBare leaves every placeholder as a bare "?".
	StyleBare PlaceholderStyle = iota
	// StyleDollar renders numbered placeholders as "$N" (Postgres).
	StyleDollar
	// StyleQuestionNumbered renders numbered placeholders as "?N".
	StyleQuestionNumbered
)

// ErrMixedPlaceholders is the "placeholder contract" violation of spec.md
// §3.3 invariant 9: a statement may use only bare `?` or only numbered
// `?N`/`$N` placeholders, never both.
var ErrMixedPlaceholders = errors.Base("sqlast: bare and numbered placeholders mixed in one statement")

// ErrInvalidPlaceholder is returned for a malformed numbered placeholder
// (zero, negative, or non-numeric index).
var ErrInvalidPlaceholder = errors.Base("sqlast: invalid placeholder")

// token is a lexical span of sql: either a pass-through slice or a
// recognized placeholder.
type token struct {
	text        string
	isBare      bool
	isNumbered  bool
	numberValue int
}

// tokenizePlaceholders performs a minimal lexical scan of sql that recognizes
// single-quoted string literals, double-quoted identifiers, `--` line
// comments, and `?`/`?N`/`$N` placeholders, leaving everything else as
// pass-through text. It deliberately does not build a full AST: placeholder
// normalization is a textual, dialect-crossing concern applied to
// already-rewritten SQL (spec.md §4.1), not a semantic one.
func tokenizePlaceholders(sql string) ([]token, errors.E) {
	var tokens []token
	i := 0
	n := len(sql)

	flushLiteral := func(start, end int) {
		if end > start {
			tokens = append(tokens, token{text: sql[start:end]}) //nolint:exhaustruct
		}
	}

	start := 0
	for i < n {
		c := sql[i]
		switch {
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < n {
				if sql[j] == quote {
					if j+1 < n && sql[j+1] == quote {
						j += 2
						continue
					}
					break
				}
				j++
			}
			i = j + 1

		case c == '-' && i+1 < n && sql[i+1] == '-':
			j := i
			for j < n && sql[j] != '\n' {
				j++
			}
			i = j

		case c == '?':
			flushLiteral(start, i)
			j := i + 1
			for j < n && sql[j] >= '0' && sql[j] <= '9' {
				j++
			}
			if j > i+1 {
				num, err := strconv.Atoi(sql[i+1 : j])
				if err != nil || num < 1 {
					errE := errors.WithStack(ErrInvalidPlaceholder)
					errors.Details(errE)["token"] = sql[i:j]
					return nil, errE
				}
				tokens = append(tokens, token{text: sql[i:j], isNumbered: true, numberValue: num}) //nolint:exhaustruct
			} else {
				tokens = append(tokens, token{text: "?", isBare: true}) //nolint:exhaustruct
			}
			i = j
			start = i
			continue

		case c == '$':
			j := i + 1
			for j < n && sql[j] >= '0' && sql[j] <= '9' {
				j++
			}
			if j > i+1 {
				flushLiteral(start, i)
				num, err := strconv.Atoi(sql[i+1 : j])
				if err != nil || num < 1 {
					errE := errors.WithStack(ErrInvalidPlaceholder)
					errors.Details(errE)["token"] = sql[i:j]
					return nil, errE
				}
				tokens = append(tokens, token{text: sql[i:j], isNumbered: true, numberValue: num}) //nolint:exhaustruct
				i = j
				start = i
				continue
			}
			i++

		default:
			i++
		}
	}
	flushLiteral(start, i)
	return tokens, nil
}

// NormalizePlaceholders assigns consecutive 1-based indices to bare `?`
// tokens while preserving explicit `?N`/`$N` placeholders, rendering the
// numbered form in the requested style (spec.md §4.1). Mixing bare and
// numbered placeholders in the same statement is rejected per the
// placeholder contract (spec.md §3.3 invariant 9).
func NormalizePlaceholders(sql string, style PlaceholderStyle) (string, int, errors.E) {
	tokens, errE := tokenizePlaceholders(sql)
	if errE != nil {
		return "", 0, errE
	}

	hasBare, hasNumbered := false, false
	maxNumbered := 0
	for _, t := range tokens {
		if t.isBare {
			hasBare = true
		}
		if t.isNumbered {
			hasNumbered = true
			if t.numberValue > maxNumbered {
				maxNumbered = t.numberValue
			}
		}
	}
	if hasBare && hasNumbered {
		errE := errors.WithStack(ErrMixedPlaceholders)
		errors.Details(errE)["sql"] = sql
		return "", 0, errE
	}

	var b strings.Builder
	count := 0
	nextBareIndex := 1
	for _, t := range tokens {
		switch {
		case t.isBare:
			b.WriteString(renderPlaceholder(style, nextBareIndex))
			nextBareIndex++
			count++
		case t.isNumbered:
			b.WriteString(renderPlaceholder(style, t.numberValue))
			if t.numberValue > count {
				count = t.numberValue
			}
		default:
			b.WriteString(t.text)
		}
	}
	return b.String(), count, nil
}

func renderPlaceholder(style PlaceholderStyle, n int) string {
	switch style {
	case StyleDollar:
		return "$" + strconv.Itoa(n)
	case StyleQuestionNumbered:
		return "?" + strconv.Itoa(n)
	case StyleBare:
		fallthrough
	default:
		return "?"
	}
}

// ValidatePlaceholderContract re-checks an already-emitted statement against
// spec.md §3.3 invariant 9, used by the phase invariant validator (§4.2.3)
// as the last line of defense after Lower has potentially exploded the SQL.
func ValidatePlaceholderContract(sql string) errors.E {
	tokens, errE := tokenizePlaceholders(sql)
	if errE != nil {
		return errE
	}
	hasBare, hasNumbered := false, false
	for _, t := range tokens {
		hasBare = hasBare || t.isBare
		hasNumbered = hasNumbered || t.isNumbered
	}
	if hasBare && hasNumbered {
		errE := errors.WithStack(ErrMixedPlaceholders)
		errors.Details(errE)["sql"] = sql
		return errE
	}
	return nil
}
