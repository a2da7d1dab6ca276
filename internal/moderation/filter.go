// Package moderation screens message content before it is persisted. A
// Filter matches a keyword and phrase blocklist (also through common
// character substitutions) and a set of spam heuristics.
package moderation

import (
	"strings"
	"unicode"
)

const (
	ReasonBlockedKeyword = "blocked_keyword"
	ReasonSpamPattern    = "spam_pattern"
)

// DefaultTerms is the blocklist used by NewFilter.
var DefaultTerms = []string{
	"kill yourself",
	"kys",
	"send nudes",
	"free bitcoin",
	"crypto giveaway",
	"bomb threat",
	"wire transfer fee",
}

// Result is the outcome of Check. The zero value means the content is clean.
type Result struct {
	Blocked bool
	Reason  string
	Term    string // matched term or spam check name
}

// Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
	checks  []spamCheck
}

// Option configures a Filter.
type Option func(*Filter)

// WithLinkBlocking also rejects URLs and phone numbers.
func WithLinkBlocking() Option {
	return func(f *Filter) {
		f.checks = append([]spamCheck{urlCheck, phoneCheck}, f.checks...)
	}
}

// NewFilter creates a Filter with DefaultTerms.
func NewFilter(opts ...Option) *Filter {
	return NewFilterWithTerms(DefaultTerms, opts...)
}

// NewFilterWithTerms creates a Filter for the given terms. Single words are
// matched per token, multi-word terms as consecutive tokens. Blank terms are
// ignored.
func NewFilterWithTerms(terms []string, opts ...Option) *Filter {
	f := &Filter{
		words:  make(map[string]struct{}),
		checks: append([]spamCheck(nil), floodChecks...),
	}
	for _, term := range terms {
		tokens := tokenizePlain(term)
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Check screens text. Blocklist matches take priority over spam checks.
func (f *Filter) Check(text string) Result {
	for _, tokens := range [][]string{tokenizePlain(text), normalizeAll(tokenizeLeet(text))} {
		if term, ok := f.matchTokens(tokens); ok {
			return Result{Blocked: true, Reason: ReasonBlockedKeyword, Term: term}
		}
	}
	return f.checkSpamPatterns(text)
}

func (f *Filter) matchTokens(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	for _, phrase := range f.phrases {
		if containsSeq(tokens, phrase) {
			return strings.Join(phrase, " "), true
		}
	}
	return "", false
}

func containsSeq(tokens, seq []string) bool {
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for j, s := range seq {
			if tokens[i+j] != s {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

var leet = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if sub, ok := leet[r]; ok {
			return sub
		}
		return unicode.ToLower(r)
	}, s)
}

func normalizeAll(tokens []string) []string {
	for i, t := range tokens {
		tokens[i] = normalizeLeet(t)
	}
	return tokens
}

// tokenizePlain lowercases and splits on anything that is not a letter or
// digit.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace only, keeping substitution characters,
// and trims punctuation that never stands in for a letter.
func tokenizeLeet(s string) []string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		if f = strings.Trim(f, `.,;:?"'()[]`); f != "" {
			out = append(out, f)
		}
	}
	return out
}
