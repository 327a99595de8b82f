package parser

import (
	"regexp"
	"strings"
	"unicode"
)

// completeSeasonRx matches "whole season" markers that would otherwise break
// title comparison against catalog titles.
var completeSeasonRx = regexp.MustCompile(`(?i)\b(INTEGRALE|COMPLETE|COMPLET|INTEGRAL)\b`)

// IsCompleteSeries reports whether a release name carries a whole-series or
// whole-season marker.
func IsCompleteSeries(rawTitle string) bool {
	return completeSeasonRx.MatchString(rawTitle)
}

// CleanTitle normalizes a title for comparison: punctuation, symbol and
// control characters become spaces, whole-season markers are stripped, and
// whitespace is collapsed.
func CleanTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range title {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsControl(r) {
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	cleaned := completeSeasonRx.ReplaceAllString(b.String(), " ")
	return strings.Join(strings.Fields(cleaned), " ")
}

// TitlesMatch compares a catalog title with a parsed release title.
// It accepts if the words of one title appear in order within the other
// (catalogs often omit subtitles, releases often append them), falling back
// to a fuzzy comparison for small spelling differences.
func TitlesMatch(wanted, got string) bool {
	wantedWords := strings.Fields(strings.ToLower(CleanTitle(wanted)))
	gotWords := strings.Fields(strings.ToLower(CleanTitle(got)))
	if len(wantedWords) == 0 || len(gotWords) == 0 {
		return false
	}
	if isOrderedSubset(wantedWords, gotWords) || isOrderedSubset(gotWords, wantedWords) {
		return true
	}
	return similarity(strings.Join(wantedWords, " "), strings.Join(gotWords, " ")) >= 0.85
}

// isOrderedSubset reports whether all words of sub appear in super in order.
func isOrderedSubset(sub, super []string) bool {
	i := 0
	for _, w := range super {
		if i < len(sub) && w == sub[i] {
			i++
		}
	}
	return i == len(sub)
}

// similarity is a normalized Levenshtein ratio in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
