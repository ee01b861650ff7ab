package providers

import "context"

// ChartSource fetches a chart snapshot from the chart provider.
type ChartSource interface {
	// Name returns the provider's identifier (e.g., "billboard")
	Name() string

	// FetchChart performs one upstream call for key. Failures wrap
	// ErrRateLimited, ErrTimeout or ErrUpstream.
	FetchChart(ctx context.Context, key ChartKey) (*ChartSnapshot, error)
}

// Enricher resolves catalog metadata for chart tracks.
type Enricher interface {
	// Name returns the provider's identifier (e.g., "apple_music")
	Name() string

	// Ready fails when no lookups can be made for the current batch,
	// for example because a signing token cannot be issued.
	Ready(ctx context.Context) error

	// Lookup returns the best match for a track, or nil when nothing
	// matched confidently. Errors are per-track and never fatal.
	Lookup(ctx context.Context, title, artist string) (*Enrichment, error)
}
