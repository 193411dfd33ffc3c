// Package normalize turns surface strings into canonical keys used for
// entity deduplication.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// blockPrefixLen is the number of runes of a token used as a blocking key.
const blockPrefixLen = 4

// Turkish letters that survive NFD decomposition without a combining mark.
var turkishFold = strings.NewReplacer(
	"ç", "c",
	"ğ", "g",
	"ı", "i",
	"ö", "o",
	"ş", "s",
	"ü", "u",
)

// Key returns the normalized key of text: Turkish-aware lower case, diacritics
// removed, punctuation other than '.', '_' and '-' dropped, whitespace runs
// collapsed to a single space and edges trimmed. Key(Key(s)) == Key(s).
func Key(text string) string {
	if text == "" {
		return ""
	}

	t := norm.NFKC.String(text)
	t = Lower(t)
	t = turkishFold.Replace(t)
	t = stripMarks(t)

	var b strings.Builder
	b.Grow(len(t))
	for _, r := range t {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}

	// dropping punctuation can leave composable runes next to each other
	return collapse(norm.NFKC.String(b.String()))
}

// Display returns a lightly cleaned form of text suitable as a display name.
func Display(text string) string {
	return collapse(norm.NFKC.String(text))
}

// Lower lower-cases text using Turkish casing rules (I -> ı, İ -> i).
func Lower(text string) string {
	// Casers keep state between calls and must not be shared.
	return cases.Lower(language.Turkish).String(text)
}

// FirstToken returns the first space separated token of a key.
func FirstToken(key string) string {
	first, _, _ := strings.Cut(key, " ")
	return first
}

// BlockKeys returns the candidate blocking keys of a normalized key: the
// prefixes of its first and last token. Two keys are only compared by the
// fuzzy matcher when they share at least one block key.
func BlockKeys(key string) []string {
	tokens := strings.Fields(key)
	if len(tokens) == 0 {
		return nil
	}

	first := prefix(tokens[0], blockPrefixLen)
	last := prefix(tokens[len(tokens)-1], blockPrefixLen)
	if first == last {
		return []string{first}
	}
	return []string{first, last}
}

func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
