package intent

import (
	"sort"
	"strings"
	"unicode"
)

// framingParticles are CJK lead-in words stripped before run extraction so
// a phrase like "告诉我关于Rust的笔记" doesn't produce one giant span.
var framingParticles = []string{"告诉我", "帮我", "请问", "可以", "一下", "的"}

// latinStopWords mirrors the teacher's stopWords table but is scoped to
// the keyword-extraction use case (broader than title-match stop lists).
var latinStopWords = map[string]bool{
	"about": true, "above": true, "after": true, "again": true, "being": true,
	"below": true, "between": true, "could": true, "doing": true, "during": true,
	"every": true, "found": true, "going": true, "having": true, "might": true,
	"never": true, "other": true, "should": true, "their": true, "there": true,
	"these": true, "thing": true, "think": true, "those": true, "under": true,
	"until": true, "using": true, "where": true, "which": true, "while": true,
	"would": true, "write": true, "yours": true, "really": true, "please": true,
	"right": true, "since": true, "still": true, "today": true, "what": true,
	"that": true, "this": true, "with": true, "from": true, "have": true,
}

// ExtractKeywords implements §4.D's keyword extraction: normalize, split
// CJK runs from Latin tokens, dedup, sort by length descending, drop
// Latin substrings of longer kept tokens, cap at maxKeywords.
func ExtractKeywords(prompt string, maxKeywords int) []string {
	normalized := normalizeForExtraction(prompt)

	cjkKeywords := extractCJKKeywords(normalized)
	latinKeywords := extractLatinKeywords(normalized)

	seen := make(map[string]bool)
	var all []string
	for _, k := range cjkKeywords {
		if !seen[k] {
			all = append(all, k)
			seen[k] = true
		}
	}
	for _, k := range latinKeywords {
		lower := strings.ToLower(k)
		if !seen[lower] {
			all = append(all, k)
			seen[lower] = true
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return len([]rune(all[i])) > len([]rune(all[j]))
	})

	isCJKToken := make(map[string]bool, len(cjkKeywords))
	for _, k := range cjkKeywords {
		isCJKToken[k] = true
	}

	var kept []string
	for _, candidate := range all {
		if isCJKToken[candidate] {
			kept = append(kept, candidate)
			continue
		}
		isSubstring := false
		lowerCandidate := strings.ToLower(candidate)
		for _, other := range kept {
			if isCJKToken[other] {
				continue
			}
			if other == candidate {
				continue
			}
			if strings.Contains(strings.ToLower(other), lowerCandidate) {
				isSubstring = true
				break
			}
		}
		if !isSubstring {
			kept = append(kept, candidate)
		}
	}

	if maxKeywords > 0 && len(kept) > maxKeywords {
		kept = kept[:maxKeywords]
	}
	return kept
}

// normalizeForExtraction collapses whitespace and strips punctuation,
// preserving CJK characters and alphanumerics.
func normalizeForExtraction(prompt string) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range prompt {
		switch {
		case unicode.Is(unicode.Han, r) || unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastWasSpace = false
		default:
			if !lastWasSpace {
				b.WriteRune(' ')
				lastWasSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// extractCJKKeywords removes framing particles, then pulls runs of >=2 CJK
// characters; runs of length >=5 also emit up to 20 overlapping 2-grams so
// a long compound phrase still matches on its constituent entity names.
func extractCJKKeywords(normalized string) []string {
	stripped := normalized
	for _, p := range framingParticles {
		stripped = strings.ReplaceAll(stripped, p, " ")
	}

	var keywords []string
	var run []rune
	flush := func() {
		if len(run) >= 2 {
			s := string(run)
			keywords = append(keywords, s)
			if len(run) >= 5 {
				keywords = append(keywords, cjk2Grams(run, 20)...)
			}
		}
		run = run[:0]
	}
	for _, r := range stripped {
		if unicode.Is(unicode.Han, r) {
			run = append(run, r)
		} else {
			flush()
		}
	}
	flush()
	return keywords
}

func cjk2Grams(run []rune, cap int) []string {
	var grams []string
	for i := 0; i < len(run)-1 && len(grams) < cap; i++ {
		grams = append(grams, string(run[i:i+2]))
	}
	return grams
}

// extractLatinKeywords lowercases, splits on whitespace, and keeps tokens
// of length >1 that aren't stopwords and contain no CJK characters.
func extractLatinKeywords(normalized string) []string {
	var out []string
	for _, tok := range strings.Fields(normalized) {
		hasCJK := false
		for _, r := range tok {
			if unicode.Is(unicode.Han, r) {
				hasCJK = true
				break
			}
		}
		if hasCJK {
			continue
		}
		if len(tok) <= 1 {
			continue
		}
		lower := strings.ToLower(tok)
		if latinStopWords[lower] {
			continue
		}
		out = append(out, lower)
	}
	return out
}
