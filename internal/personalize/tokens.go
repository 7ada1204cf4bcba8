package personalize

import (
	"sort"
	"strings"
	"unicode"
)

// Lexicons driving the recurring-failure and progress-accumulation families.
var failureTerms = map[string]bool{
	"error": true, "errors": true, "bug": true, "bugs": true,
	"struggle": true, "struggles": true, "struggling": true,
	"fail": true, "failed": true, "failing": true, "failure": true,
	"stuck": true, "confused": true, "wrong": true, "broken": true,
	"crash": true, "crashes": true, "issue": true, "problem": true, "problems": true,
}

var progressTerms = map[string]bool{
	"progress": true, "progressed": true, "improved": true, "improving": true,
	"learned": true, "mastered": true, "completed": true, "finished": true,
	"passed": true, "solved": true, "achieved": true, "milestone": true,
	"understands": true, "understood": true,
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"to": true, "of": true, "in": true, "on": true, "for": true, "and": true,
	"or": true, "it": true, "this": true, "that": true, "with": true,
	"user": true, "asked": true, "about": true, "how": true, "what": true,
	"i": true, "my": true, "me": true, "you": true, "do": true, "does": true,
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenize(s) {
		set[tok] = true
	}
	return set
}

// jaccard computes lexical overlap between two token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func intersectsLexicon(tokens map[string]bool, lexicon map[string]bool) bool {
	for tok := range tokens {
		if lexicon[tok] {
			return true
		}
	}
	return false
}

// dominantTopic picks up to three most frequent non-stopword tokens across
// the cluster, hyphen-joined, for the signature's normalized topic part.
func dominantTopic(texts []string) string {
	freq := make(map[string]int)
	for _, text := range texts {
		for _, tok := range tokenize(text) {
			if stopwords[tok] || len(tok) < 3 {
				continue
			}
			freq[tok]++
		}
	}
	if len(freq) == 0 {
		return "general"
	}

	type tf struct {
		tok string
		n   int
	}
	ranked := make([]tf, 0, len(freq))
	for tok, n := range freq {
		ranked = append(ranked, tf{tok, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].tok < ranked[j].tok
	})
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}
	toks := make([]string, len(ranked))
	for i, r := range ranked {
		toks[i] = r.tok
	}
	return strings.Join(toks, "-")
}
