package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Vusisean11/valiant/pkg/matcher"
	"github.com/Vusisean11/valiant/pkg/repository"
)

// matchGlossary returns the terms mentioned by the customer in transcript,
// by whole-word, case-insensitive match on the term or a synonym.
func matchGlossary(terms []repository.GlossaryTerm, transcript []matcher.Utterance) []repository.GlossaryTerm {
	if len(terms) == 0 {
		return nil
	}
	var text strings.Builder
	for _, u := range transcript {
		if u.Source == matcher.SourceCustomer {
			text.WriteString(strings.ToLower(u.Text))
			text.WriteByte('\n')
		}
	}
	haystack := text.String()

	var out []repository.GlossaryTerm
	for _, term := range terms {
		for _, name := range append([]string{term.Term}, term.Synonyms...) {
			if mentions(haystack, strings.ToLower(strings.TrimSpace(name))) {
				out = append(out, term)
				break
			}
		}
	}
	return out
}

func mentions(haystack, word string) bool {
	if word == "" {
		return false
	}
	for from := 0; from < len(haystack); {
		i := strings.Index(haystack[from:], word)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(word)
		before, _ := utf8.DecodeLastRuneInString(haystack[:start])
		after, _ := utf8.DecodeRuneInString(haystack[end:])
		if !isWordRune(before) && !isWordRune(after) {
			return true
		}
		from = start + 1
	}
	return false
}

func isWordRune(r rune) bool {
	return r != utf8.RuneError && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
