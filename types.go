package main

import (
	"time"

	"billboard-api-go/services/charts"
	"billboard-api-go/services/providers"
)

// ChartInfo identifies the chart in a response body.
type ChartInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Date string `json:"date"`
}

// ChartResponse is the body of /billboard_api.php.
type ChartResponse struct {
	Chart   ChartInfo              `json:"chart"`
	Entries []providers.TrackEntry `json:"entries"`
	Cached  bool                   `json:"cached"`
	Note    string                 `json:"note,omitempty"`
}

// ErrorResponse is returned for every non-200 chart response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// CachedRecordInfo summarises one stored record for /cache/lookup.
type CachedRecordInfo struct {
	Key       string    `json:"key"`
	WeekLabel string    `json:"week_label"`
	Tracks    int       `json:"tracks"`
	Enriched  int       `json:"enriched_tracks"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Fresh     bool      `json:"fresh"`
}

// CacheLookupResponse is the body of /cache/lookup.
type CacheLookupResponse struct {
	Chart    string            `json:"chart"`
	Basic    *CachedRecordInfo `json:"basic"`
	Enriched *CachedRecordInfo `json:"enriched"`
	Serving  string            `json:"serving"`
}

func newChartResponse(key providers.ChartKey, res *charts.Result) ChartResponse {
	snap := res.Snapshot
	info := ChartInfo{ID: key.ChartID, Name: snap.Name, Date: snap.WeekLabel}
	if snap.ChartID != "" {
		info.ID = snap.ChartID
	}
	if info.Name == "" {
		info.Name = providers.ChartName(info.ID)
	}

	entries := snap.Tracks
	if entries == nil {
		entries = []providers.TrackEntry{}
	}

	return ChartResponse{
		Chart:   info,
		Entries: entries,
		Cached:  res.Cached,
		Note:    res.Note,
	}
}

func describeRecord(key string, rec *charts.Record, policy charts.Policy, now time.Time) *CachedRecordInfo {
	if rec == nil || rec.Snapshot == nil {
		return nil
	}
	enriched := 0
	for _, t := range rec.Snapshot.Tracks {
		if t.Enrichment != nil {
			enriched++
		}
	}
	return &CachedRecordInfo{
		Key:       key,
		WeekLabel: rec.Snapshot.WeekLabel,
		Tracks:    len(rec.Snapshot.Tracks),
		Enriched:  enriched,
		FetchedAt: rec.Snapshot.FetchedAt,
		ExpiresAt: rec.ExpiresAt,
		Fresh:     rec.ExpiresAt.IsZero() || policy.Fresh(rec.Snapshot, now),
	}
}
