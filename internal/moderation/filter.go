// Package moderation screens chat text and display names before they reach
// the partner. It blocks configured keywords and phrases (including common
// leetspeak spellings) and spam patterns such as links and phone numbers.
package moderation

import (
	"strings"
	"unicode"
)

// defaultTerms is the built-in blocklist. Single words match whole tokens;
// multi-word entries match consecutive tokens.
var defaultTerms = []string{
	// slurs
	"nigger", "nigga", "faggot", "fag", "retard", "tranny", "chink", "spic", "kike",
	// self-harm and threats
	"kill yourself", "kys", "go die", "hang yourself", "bomb threat", "shoot up",
	// sexual exploitation
	"child porn", "cp", "send nudes", "underage", "pedo",
	// extremism
	"heil hitler", "sieg heil", "white power",
	// scams
	"free bitcoin", "crypto giveaway", "cashapp me", "onlyfans",
}

// leetMap maps common character substitutions back to letters.
var leetMap = map[rune]rune{
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

// Filter checks text against a keyword blocklist and spam patterns. It is
// immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string // space-joined lowercase tokens
}

// NewFilter returns a Filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a Filter that blocks exactly terms. Empty and
// whitespace-only terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, strings.Join(tokens, " "))
		}
	}
	return f
}

// ParseTerms splits a comma-separated term list, as read from configuration.
func ParseTerms(csv string) []string {
	var terms []string
	for _, t := range strings.Split(csv, ",") {
		if t = strings.TrimSpace(t); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

// Check returns a blocking result on the first blocked keyword or phrase,
// then on the first spam pattern. Clean text yields the zero FilterResult.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}
	lower := strings.ToLower(text)

	plain := tokenizePlain(lower)
	leet := tokenizeLeet(lower)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}

	for _, tokens := range [][]string{plain, leet} {
		if term, ok := f.matchTokens(tokens); ok {
			return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: term}
		}
	}

	return f.checkSpamPatterns(text)
}

// CheckDisplayName returns name unchanged when it is clean and the empty
// string otherwise. Spam patterns do not apply to names.
func (f *Filter) CheckDisplayName(name string) string {
	lower := strings.ToLower(name)
	leet := tokenizeLeet(lower)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}
	for _, tokens := range [][]string{tokenizePlain(lower), leet} {
		if _, ok := f.matchTokens(tokens); ok {
			return ""
		}
	}
	return name
}

func (f *Filter) matchTokens(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	if len(f.phrases) == 0 || len(tokens) < 2 {
		return "", false
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(joined, " "+p+" ") {
			return p, true
		}
	}
	return "", false
}

// normalizeLeet lowercases s and undoes common character substitutions.
func normalizeLeet(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if m, ok := leetMap[r]; ok {
			r = m
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace only, keeping substitution characters
// inside tokens, and trims trailing sentence punctuation.
func tokenizeLeet(s string) []string {
	fields := strings.Fields(s)
	tokens := fields[:0]
	for _, f := range fields {
		f = strings.TrimRight(f, ".,?;:")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	if len(tokens) == 0 {
		return nil
	}
	return tokens
}
