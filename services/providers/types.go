package providers

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// WeekLayout is the format of the week query parameter and of chart week labels.
const WeekLayout = "2006-01-02"

// DefaultChartID is served when a request does not name a chart.
const DefaultChartID = "hot-100"

// Source records where a snapshot handed to a caller came from.
type Source string

const (
	SourceLive          Source = "live"
	SourceCache         Source = "cache"
	SourceStaleFallback Source = "stale-fallback"
)

// ChartKey identifies one chart snapshot. An empty Week means the latest chart.
type ChartKey struct {
	ChartID string
	Week    string
}

func (k ChartKey) String() string {
	if k.Week == "" {
		return k.ChartID
	}
	return k.ChartID + ":" + k.Week
}

// Historical reports whether the key names a week strictly before the
// calendar date of now. Historical charts never change once published.
func (k ChartKey) Historical(now time.Time) bool {
	if k.Week == "" {
		return false
	}
	week, err := time.ParseInLocation(WeekLayout, k.Week, now.Location())
	if err != nil {
		return false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return week.Before(today)
}

// Validate checks the chart id against the catalog and the week format.
func (k ChartKey) Validate() error {
	if !IsKnownChart(k.ChartID) {
		return fmt.Errorf("%w: %q", ErrUnknownChart, k.ChartID)
	}
	if k.Week != "" {
		if _, err := time.Parse(WeekLayout, k.Week); err != nil {
			return fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrInvalidWeek, k.Week)
		}
	}
	return nil
}

// ChartSnapshot is one fetched chart. It is replaced as a whole, never edited
// in place once shared.
type ChartSnapshot struct {
	ChartID   string       `json:"chart_id"`
	Name      string       `json:"name"`
	WeekLabel string       `json:"week_label"`
	Tracks    []TrackEntry `json:"tracks"`
	FetchedAt time.Time    `json:"fetched_at"`
	Source    Source       `json:"source"`
}

// Clone returns a copy whose Tracks slice can be modified independently.
func (s *ChartSnapshot) Clone() *ChartSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Tracks = make([]TrackEntry, len(s.Tracks))
	copy(c.Tracks, s.Tracks)
	return &c
}

// Enriched reports whether any track carries enrichment data.
func (s *ChartSnapshot) Enriched() bool {
	for _, t := range s.Tracks {
		if t.Enrichment != nil {
			return true
		}
	}
	return false
}

// TrackEntry is one ranked row of a chart.
type TrackEntry struct {
	Position         int         `json:"position"`
	Title            string      `json:"title"`
	Artist           string      `json:"artist"`
	ImageURL         string      `json:"image_url,omitempty"`
	LastWeekPosition *int        `json:"last_week_position"`
	PeakPosition     int         `json:"peak_position"`
	WeeksOnChart     int         `json:"weeks_on_chart"`
	LinkURL          string      `json:"link_url,omitempty"`
	Enrichment       *Enrichment `json:"enrichment"`
}

// Enrichment is catalog metadata matched to a track. A nil *Enrichment is a
// valid outcome meaning no confident match.
type Enrichment struct {
	PreviewURL  *string `json:"preview_url"`
	ArtworkURL  string  `json:"artwork_url"`
	ExternalURL string  `json:"external_url"`
	ExternalID  string  `json:"external_id"`
}

var (
	ErrRateLimited  = errors.New("upstream rate limited")
	ErrTimeout      = errors.New("upstream timeout")
	ErrUpstream     = errors.New("upstream error")
	ErrUnknownChart = errors.New("unknown chart id")
	ErrInvalidWeek  = errors.New("invalid week")
)

// UpstreamError represents an error from a provider with additional context
type UpstreamError struct {
	Provider string
	Message  string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return e.Provider + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Provider + ": " + e.Message
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError creates a new UpstreamError
func NewUpstreamError(provider, message string, err error) *UpstreamError {
	return &UpstreamError{
		Provider: provider,
		Message:  message,
		Err:      err,
	}
}

// Chart is a catalog entry for a supported chart.
type Chart struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var knownCharts = map[string]string{
	"hot-100":                "Billboard Hot 100",
	"billboard-200":          "Billboard 200",
	"artist-100":             "Artist 100",
	"streaming-songs":        "Streaming Songs",
	"digital-song-sales":     "Digital Song Sales",
	"radio-songs":            "Radio Songs",
	"billboard-global-200":   "Billboard Global 200",
	"country-songs":          "Hot Country Songs",
	"r-b-hip-hop-songs":      "Hot R&B/Hip-Hop Songs",
	"hot-rock-songs":         "Hot Rock Songs",
	"latin-songs":            "Hot Latin Songs",
	"pop-songs":              "Pop Airplay",
	"dance-electronic-songs": "Hot Dance/Electronic Songs",
}

// IsKnownChart checks a chart id against the supported catalog.
func IsKnownChart(id string) bool {
	_, ok := knownCharts[id]
	return ok
}

// ChartName returns the display name for a known chart id.
func ChartName(id string) string {
	return knownCharts[id]
}

// KnownCharts lists the catalog sorted by id.
func KnownCharts() []Chart {
	charts := make([]Chart, 0, len(knownCharts))
	for id, name := range knownCharts {
		charts = append(charts, Chart{ID: id, Name: name})
	}
	sort.Slice(charts, func(i, j int) bool { return charts[i].ID < charts[j].ID })
	return charts
}
