package utils

import (
	"math"
	"testing"
)

func TestNormalizeString(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"  Hello   World ", "hello world"},
		{"FLOWERS", "flowers"},
		{"a\tb\nc", "a b c"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeString(tt.in); got != tt.expected {
			t.Errorf("NormalizeString(%q) = %q, want %q", tt.in, got, tt.expected)
		}
	}
}

func TestPrimaryArtist(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"Drake Featuring J. Cole", "Drake"},
		{"Metro Boomin, The Weeknd & 21 Savage", "Metro Boomin"},
		{"Lil Nas X", "Lil Nas X"},
		{"Kanye West x Ty Dolla $ign", "Kanye West"},
		{"Post Malone feat. Swae Lee", "Post Malone"},
		{"Taylor Swift", "Taylor Swift"},
	}
	for _, tt := range tests {
		if got := PrimaryArtist(tt.in); got != tt.expected {
			t.Errorf("PrimaryArtist(%q) = %q, want %q", tt.in, got, tt.expected)
		}
	}
}

func TestStringSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected float64
	}{
		{"exact", "Flowers", "flowers", 1.0},
		{"empty", "", "flowers", 0.0},
		{"contains", "Flowers", "Flowers (Demo)", 0.7 + 0.3*7.0/14.0},
		{"disjoint", "abc", "xyz", 0.0},
		{"overlap", "abcd", "abxy", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StringSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("StringSimilarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.expected)
			}
		})
	}
}
