package utils

import (
	"regexp"
	"strings"
)

var whitespace = regexp.MustCompile(`\s+`)

// featuring splits a chart artist credit into its lead artist.
var featuring = regexp.MustCompile(`(?i)\s+(featuring|feat\.?|ft\.?|with|x|&)\s+|\s*,\s*`)

// NormalizeString lowercases, trims and collapses inner whitespace.
func NormalizeString(s string) string {
	return whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

// PrimaryArtist returns the lead artist of a credit such as
// "Drake Featuring J. Cole".
func PrimaryArtist(s string) string {
	if loc := featuring.FindStringIndex(s); loc != nil {
		return strings.TrimSpace(s[:loc[0]])
	}
	return strings.TrimSpace(s)
}

// StringSimilarity scores two strings from 0.0 to 1.0: 1 for an exact
// match, 0.7 to 1 when one contains the other, otherwise the shared
// character ratio.
func StringSimilarity(s1, s2 string) float64 {
	if s1 == "" || s2 == "" {
		return 0.0
	}

	n1 := NormalizeString(s1)
	n2 := NormalizeString(s2)

	if n1 == n2 {
		return 1.0
	}

	if strings.Contains(n1, n2) || strings.Contains(n2, n1) {
		shorter, longer := len(n1), len(n2)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		return 0.7 + (0.3 * float64(shorter) / float64(longer))
	}

	chars1 := make(map[rune]int)
	chars2 := make(map[rune]int)
	for _, c := range n1 {
		chars1[c]++
	}
	for _, c := range n2 {
		chars2[c]++
	}

	overlap := 0
	for c, count1 := range chars1 {
		if count2, ok := chars2[c]; ok {
			overlap += min(count1, count2)
		}
	}

	return float64(overlap*2) / float64(len(n1)+len(n2))
}
