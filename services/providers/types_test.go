package providers

import (
	"errors"
	"testing"
	"time"
)

func TestChartKeyHistorical(t *testing.T) {
	now := time.Date(2024, 3, 12, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		week     string
		expected bool
	}{
		{"current", "", false},
		{"past week", "2020-01-04", true},
		{"yesterday", "2024-03-11", true},
		{"today", "2024-03-12", false},
		{"future", "2024-03-19", false},
		{"malformed", "March 2020", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := ChartKey{ChartID: "hot-100", Week: tt.week}
			if got := key.Historical(now); got != tt.expected {
				t.Errorf("Historical(%q) = %v, want %v", tt.week, got, tt.expected)
			}
		})
	}
}

func TestChartKeyValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     ChartKey
		wantErr error
	}{
		{"known current", ChartKey{ChartID: "hot-100"}, nil},
		{"known historical", ChartKey{ChartID: "billboard-200", Week: "2010-01-02"}, nil},
		{"unknown chart", ChartKey{ChartID: "not-a-chart"}, ErrUnknownChart},
		{"empty chart", ChartKey{}, ErrUnknownChart},
		{"bad week", ChartKey{ChartID: "hot-100", Week: "2020-13-45"}, ErrInvalidWeek},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestChartKeyString(t *testing.T) {
	if got := (ChartKey{ChartID: "hot-100"}).String(); got != "hot-100" {
		t.Errorf("Expected 'hot-100', got %q", got)
	}
	if got := (ChartKey{ChartID: "hot-100", Week: "2022-01-01"}).String(); got != "hot-100:2022-01-01" {
		t.Errorf("Expected 'hot-100:2022-01-01', got %q", got)
	}
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	orig := &ChartSnapshot{
		ChartID: "hot-100",
		Tracks:  []TrackEntry{{Position: 1, Title: "A"}, {Position: 2, Title: "B"}},
	}
	c := orig.Clone()
	c.Tracks[0].Enrichment = &Enrichment{ExternalID: "1"}

	if orig.Tracks[0].Enrichment != nil {
		t.Error("Expected clone mutation not to affect the original")
	}
	if !c.Enriched() {
		t.Error("Expected clone to report enrichment")
	}
	if orig.Enriched() {
		t.Error("Expected original to report no enrichment")
	}
}

func TestUpstreamError(t *testing.T) {
	tests := []struct {
		name     string
		err      *UpstreamError
		expected string
	}{
		{
			name:     "with underlying error",
			err:      NewUpstreamError("billboard", "status 500", ErrUpstream),
			expected: "billboard: status 500: upstream error",
		},
		{
			name:     "without underlying error",
			err:      NewUpstreamError("apple_music", "no token", nil),
			expected: "apple_music: no token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}

	wrapped := NewUpstreamError("billboard", "too many requests", ErrRateLimited)
	if !errors.Is(wrapped, ErrRateLimited) {
		t.Error("Expected errors.Is to find ErrRateLimited")
	}
	var ue *UpstreamError
	if !errors.As(error(wrapped), &ue) || ue.Provider != "billboard" {
		t.Error("Expected errors.As to recover the UpstreamError")
	}
}

func TestKnownCharts(t *testing.T) {
	for _, id := range []string{"hot-100", "billboard-200", "artist-100", "streaming-songs", "digital-song-sales"} {
		if !IsKnownChart(id) {
			t.Errorf("Expected %q to be a known chart", id)
		}
	}
	if IsKnownChart("Hot-100") {
		t.Error("Expected chart ids to be case sensitive")
	}

	charts := KnownCharts()
	for i := 1; i < len(charts); i++ {
		if charts[i-1].ID >= charts[i].ID {
			t.Fatalf("Expected sorted catalog, got %q before %q", charts[i-1].ID, charts[i].ID)
		}
	}
	if ChartName("hot-100") != "Billboard Hot 100" {
		t.Errorf("Unexpected name %q", ChartName("hot-100"))
	}
}
