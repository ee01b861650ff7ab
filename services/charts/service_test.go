package charts

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"billboard-api-go/cache"
	"billboard-api-go/circuitbreaker"
	"billboard-api-go/services/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Thursday, so the publish-day rule stays out of the way unless a test
// moves the clock to a Tuesday.
var thursday = time.Date(2025, 4, 10, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func makeSnapshot(key providers.ChartKey, label string, n int, fetchedAt time.Time) *providers.ChartSnapshot {
	tracks := make([]providers.TrackEntry, n)
	for i := range tracks {
		tracks[i] = providers.TrackEntry{
			Position:     i + 1,
			Title:        fmt.Sprintf("Song %d", i+1),
			Artist:       fmt.Sprintf("Artist %d", i+1),
			PeakPosition: i + 1,
			WeeksOnChart: 1,
		}
	}
	return &providers.ChartSnapshot{
		ChartID:   key.ChartID,
		Name:      providers.ChartName(key.ChartID),
		WeekLabel: label,
		Tracks:    tracks,
		FetchedAt: fetchedAt,
		Source:    providers.SourceLive,
	}
}

type fakeSource struct {
	clock  *fakeClock
	tracks int
	calls  atomic.Int32
	label  func(call int) string
	err    error
}

func (f *fakeSource) Name() string { return "fake-billboard" }

func (f *fakeSource) FetchChart(_ context.Context, key providers.ChartKey) (*providers.ChartSnapshot, error) {
	call := int(f.calls.Add(1))
	if f.err != nil {
		return nil, f.err
	}
	label := "2025-04-05"
	if key.Week != "" {
		label = key.Week
	}
	if f.label != nil {
		label = f.label(call)
	}
	return makeSnapshot(key, label, f.tracks, f.clock.Now()), nil
}

type fakeEnricher struct {
	readyErr error
	lookup   func(ctx context.Context, title, artist string) (*providers.Enrichment, error)
	calls    atomic.Int32
}

func (f *fakeEnricher) Name() string { return "fake-catalog" }

func (f *fakeEnricher) Ready(context.Context) error { return f.readyErr }

func (f *fakeEnricher) Lookup(ctx context.Context, title, artist string) (*providers.Enrichment, error) {
	f.calls.Add(1)
	if f.lookup != nil {
		return f.lookup(ctx, title, artist)
	}
	return matchFor(title), nil
}

func matchFor(title string) *providers.Enrichment {
	return &providers.Enrichment{
		ExternalID:  "am-" + title,
		ExternalURL: "https://music.apple.com/" + title,
		ArtworkURL:  "https://art/" + title,
	}
}

type fixture struct {
	clock    *fakeClock
	store    *cache.MemoryStore
	source   *fakeSource
	enricher *fakeEnricher
	service  *Service
}

func newFixture(t *testing.T, tracks int) *fixture {
	t.Helper()
	clock := &fakeClock{t: thursday}
	store := cache.NewMemoryStore(clock.Now)
	source := &fakeSource{clock: clock, tracks: tracks}
	enricher := &fakeEnricher{}
	svc := NewService(store, source, enricher, Config{
		StaleRetention: 30 * 24 * time.Hour,
		EnrichWorkers:  4,
		EnrichTimeout:  5 * time.Second,
		QueueWorkers:   1,
		QueueSize:      4,
		Now:            clock.Now,
	})
	return &fixture{clock: clock, store: store, source: source, enricher: enricher, service: svc}
}

func (f *fixture) raw(t *testing.T, key string) (string, bool) {
	t.Helper()
	v, found, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	return v, found
}

func (f *fixture) has(key string) bool {
	_, found, _ := f.store.Get(context.Background(), key)
	return found
}

var hot100 = providers.ChartKey{ChartID: "hot-100"}

func TestGet_HistoricalIsFetchedOnce(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	key := providers.ChartKey{ChartID: "hot-100", Week: "2024-01-06"}

	first, err := f.service.Get(ctx, Request{Key: key})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	before, found := f.raw(t, BasicKey(key))
	require.True(t, found)

	f.clock.Advance(90 * 24 * time.Hour)
	second, err := f.service.Get(ctx, Request{Key: key, ForceRefresh: true})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.EqualValues(t, 1, f.source.calls.Load())

	after, _ := f.raw(t, BasicKey(key))
	assert.Equal(t, before, after)
	assert.Equal(t, first.Snapshot.Tracks, second.Snapshot.Tracks)
}

func TestGet_RetentionBoundary(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.service.Get(ctx, Request{Key: hot100})
	require.NoError(t, err)

	f.clock.Advance(7*24*time.Hour - time.Second)
	res, err := f.service.Get(ctx, Request{Key: hot100})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.EqualValues(t, 1, f.source.calls.Load())

	f.clock.Advance(2 * time.Second)
	res, err = f.service.Get(ctx, Request{Key: hot100})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.EqualValues(t, 2, f.source.calls.Load())
}

func TestGet_ForceRefreshCurrent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.service.Get(ctx, Request{Key: hot100})
	require.NoError(t, err)
	res, err := f.service.Get(ctx, Request{Key: hot100, ForceRefresh: true})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, StatusMiss, res.Status)
	assert.EqualValues(t, 2, f.source.calls.Load())
}

func TestGet_WeekdayRecheckConverges(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	// First call seeds the cache on Monday; rechecks 1-3 see the same
	// label and the 4th sees the new chart.
	f.source.label = func(call int) string {
		if call <= 4 {
			return "2025-04-05"
		}
		return "2025-04-12"
	}
	f.clock.Set(time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC))
	_, err := f.service.Get(ctx, Request{Key: hot100})
	require.NoError(t, err)

	tuesday := time.Date(2025, 4, 8, 0, 10, 0, 0, time.UTC)
	require.Equal(t, time.Tuesday, tuesday.Weekday())

	for hour := 0; hour < 6; hour++ {
		for minute := 0; minute < 3; minute++ {
			f.clock.Set(tuesday.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*15*time.Minute))
			res, err := f.service.Get(ctx, Request{Key: hot100})
			require.NoError(t, err)

			attempts := min(hour+1, 4)
			assert.EqualValues(t, 1+attempts, f.source.calls.Load(), "hour %d request %d", hour, minute)

			want := "2025-04-05"
			if hour >= 3 {
				want = "2025-04-12"
			}
			assert.Equal(t, want, res.Snapshot.WeekLabel, "hour %d request %d", hour, minute)
		}
	}
}

func TestGet_OrderPreservedUnderRandomLatency(t *testing.T) {
	f := newFixture(t, 40)
	f.enricher.lookup = func(ctx context.Context, title, artist string) (*providers.Enrichment, error) {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return matchFor(title), nil
	}

	res, err := f.service.Get(context.Background(), Request{Key: hot100, Enrich: true})
	require.NoError(t, err)
	require.Len(t, res.Snapshot.Tracks, 40)
	for i, tr := range res.Snapshot.Tracks {
		assert.Equal(t, i+1, tr.Position)
		require.NotNil(t, tr.Enrichment)
		assert.Equal(t, "am-"+tr.Title, tr.Enrichment.ExternalID)
	}
}

func TestGet_EnrichedSupersedesBasic(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	first, err := f.service.Get(ctx, Request{Key: hot100, Enrich: true})
	require.NoError(t, err)

	// Concrete scenario: cold cache, 5 tracks, every lookup matches.
	assert.False(t, first.Cached)
	require.Len(t, first.Snapshot.Tracks, 5)
	for i, tr := range first.Snapshot.Tracks {
		assert.Equal(t, i+1, tr.Position)
		assert.NotNil(t, tr.Enrichment)
	}

	_, found := f.raw(t, BasicKey(hot100))
	assert.False(t, found, "basic record should be deleted after the enriched commit")
	_, found = f.raw(t, EnrichedKey(hot100))
	assert.True(t, found)

	second, err := f.service.Get(ctx, Request{Key: hot100, Enrich: true})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, StatusHit, second.Status)
	assert.True(t, second.Snapshot.Enriched())
	assert.EqualValues(t, 1, f.source.calls.Load())
	assert.EqualValues(t, 5, f.enricher.calls.Load())
}

func TestGet_RateLimitFallback(t *testing.T) {
	t.Run("expired cache entry", func(t *testing.T) {
		f := newFixture(t, 3)
		f.source.err = providers.NewUpstreamError("billboard", "too many requests", providers.ErrRateLimited)

		old := makeSnapshot(hot100, "2025-03-01", 3, thursday.Add(-30*24*time.Hour))
		require.NoError(t, saveRecord(context.Background(), f.store, BasicKey(hot100), Record{Snapshot: old}, 0))

		res, err := f.service.Get(context.Background(), Request{Key: hot100})
		require.NoError(t, err)
		assert.True(t, res.Cached)
		assert.Equal(t, StatusStale, res.Status)
		assert.Contains(t, res.Note, "rate limit")
		assert.Equal(t, providers.SourceStaleFallback, res.Snapshot.Source)
		assert.Equal(t, "2025-03-01", res.Snapshot.WeekLabel)
	})

	t.Run("nothing cached", func(t *testing.T) {
		f := newFixture(t, 3)
		f.source.err = providers.NewUpstreamError("billboard", "too many requests", providers.ErrRateLimited)

		_, err := f.service.Get(context.Background(), Request{Key: hot100})
		assert.ErrorIs(t, err, providers.ErrRateLimited)
	})

	t.Run("upstream error text in note", func(t *testing.T) {
		f := newFixture(t, 3)
		f.source.err = providers.NewUpstreamError("billboard", "status 500: boom", providers.ErrUpstream)

		old := makeSnapshot(hot100, "2025-03-01", 3, thursday.Add(-8*24*time.Hour))
		require.NoError(t, saveRecord(context.Background(), f.store, BasicKey(hot100), Record{Snapshot: old}, 0))

		res, err := f.service.Get(context.Background(), Request{Key: hot100})
		require.NoError(t, err)
		assert.Contains(t, res.Note, "boom")
	})
}

func TestGet_EnrichmentFailureIsolation(t *testing.T) {
	f := newFixture(t, 10)
	errLookup := errors.New("lookup failed")
	f.enricher.lookup = func(ctx context.Context, title, artist string) (*providers.Enrichment, error) {
		if title == "Song 3" || title == "Song 7" {
			return nil, errLookup
		}
		return matchFor(title), nil
	}

	res, err := f.service.Get(context.Background(), Request{Key: hot100, Enrich: true})
	require.NoError(t, err)
	for _, tr := range res.Snapshot.Tracks {
		if tr.Position == 3 || tr.Position == 7 {
			assert.Nil(t, tr.Enrichment, "position %d", tr.Position)
		} else {
			assert.NotNil(t, tr.Enrichment, "position %d", tr.Position)
		}
	}
}

func TestGet_OutageBatchIsNotCommitted(t *testing.T) {
	f := newFixture(t, 3)
	f.service.Start()
	t.Cleanup(func() { f.service.Stop(context.Background()) })
	ctx := context.Background()
	key := providers.ChartKey{ChartID: "hot-100", Week: "2022-01-01"}

	f.enricher.lookup = func(ctx context.Context, title, artist string) (*providers.Enrichment, error) {
		return nil, errors.New("connection refused")
	}
	res, err := f.service.Get(ctx, Request{Key: key, Enrich: true})
	require.NoError(t, err)
	assert.False(t, res.Snapshot.Enriched())
	assert.False(t, f.has(EnrichedKey(key)), "failed batch must not be committed")
	assert.True(t, f.has(BasicKey(key)))

	f.enricher.lookup = nil
	_, err = f.service.Get(ctx, Request{Key: key, Enrich: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.has(EnrichedKey(key)) }, 2*time.Second, 10*time.Millisecond)

	res, err = f.service.Get(ctx, Request{Key: key, Enrich: true})
	require.NoError(t, err)
	assert.True(t, res.Snapshot.Enriched())
	assert.Equal(t, 3, countEnriched(res.Snapshot))
	assert.EqualValues(t, 1, f.source.calls.Load())
}

func TestGet_ProviderWideLookupErrorAbortsBatch(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"breaker open", circuitbreaker.ErrCircuitOpen},
		{"rate limited", fmt.Errorf("apple_music: %w", providers.ErrRateLimited)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5)
			f.enricher.lookup = func(ctx context.Context, title, artist string) (*providers.Enrichment, error) {
				if title == "Song 4" {
					return nil, tt.err
				}
				return matchFor(title), nil
			}

			res, err := f.service.Get(context.Background(), Request{Key: hot100, Enrich: true})
			require.NoError(t, err)
			assert.False(t, res.Snapshot.Enriched())
			assert.False(t, f.has(EnrichedKey(hot100)))
			assert.True(t, f.has(BasicKey(hot100)))
		})
	}
}

func TestGet_TokenFailureDegradesToBasic(t *testing.T) {
	f := newFixture(t, 4)
	f.enricher.readyErr = errors.New("no token")

	res, err := f.service.Get(context.Background(), Request{Key: hot100, Enrich: true})
	require.NoError(t, err)
	assert.False(t, res.Snapshot.Enriched())
	assert.EqualValues(t, 0, f.enricher.calls.Load())

	_, found := f.raw(t, BasicKey(hot100))
	assert.True(t, found, "basic record must survive a failed enrichment")
	_, found = f.raw(t, EnrichedKey(hot100))
	assert.False(t, found)
}

func TestGet_InterruptedBatchIsNotCommitted(t *testing.T) {
	f := newFixture(t, 6)
	f.service.enrichTimeout = 50 * time.Millisecond
	f.enricher.lookup = func(ctx context.Context, title, artist string) (*providers.Enrichment, error) {
		if title == "Song 6" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return matchFor(title), nil
	}

	res, err := f.service.Get(context.Background(), Request{Key: hot100, Enrich: true})
	require.NoError(t, err)
	assert.False(t, res.Snapshot.Enriched())

	_, found := f.raw(t, EnrichedKey(hot100))
	assert.False(t, found)
	_, found = f.raw(t, BasicKey(hot100))
	assert.True(t, found)
}

func TestGet_BasicHitQueuesBackgroundEnrichment(t *testing.T) {
	f := newFixture(t, 3)
	f.service.Start()
	t.Cleanup(func() { f.service.Stop(context.Background()) })
	ctx := context.Background()

	_, err := f.service.Get(ctx, Request{Key: hot100})
	require.NoError(t, err)

	res, err := f.service.Get(ctx, Request{Key: hot100, Enrich: true})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.False(t, res.Snapshot.Enriched(), "fast path returns the basic record")

	require.Eventually(t, func() bool { return f.has(EnrichedKey(hot100)) }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !f.has(BasicKey(hot100)) }, 2*time.Second, 10*time.Millisecond)

	res, err = f.service.Get(ctx, Request{Key: hot100, Enrich: true})
	require.NoError(t, err)
	assert.True(t, res.Snapshot.Enriched())
	assert.EqualValues(t, 1, f.source.calls.Load())
}

func TestGet_WithoutEnrichmentLeavesEnrichedNamespaceAlone(t *testing.T) {
	f := newFixture(t, 3)

	res, err := f.service.Get(context.Background(), Request{Key: hot100})
	require.NoError(t, err)
	assert.False(t, res.Snapshot.Enriched())
	assert.EqualValues(t, 0, f.enricher.calls.Load())

	_, found := f.raw(t, EnrichedKey(hot100))
	assert.False(t, found)
}

func TestGet_StripsEnrichmentWhenNotRequested(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.service.Get(ctx, Request{Key: hot100, Enrich: true})
	require.NoError(t, err)

	res, err := f.service.Get(ctx, Request{Key: hot100})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.False(t, res.Snapshot.Enriched())

	_, found := f.raw(t, EnrichedKey(hot100))
	assert.True(t, found, "stripping is read-only")
}

func TestGet_CacheOnly(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.service.Get(ctx, Request{Key: hot100, CacheOnly: true})
	assert.ErrorIs(t, err, ErrNotCached)
	assert.EqualValues(t, 0, f.source.calls.Load())

	_, err = f.service.Get(ctx, Request{Key: hot100})
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	res, err := f.service.Get(ctx, Request{Key: hot100, CacheOnly: true, ForceRefresh: true})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, StatusStale, res.Status)
	assert.NotEmpty(t, res.Note)
	assert.EqualValues(t, 1, f.source.calls.Load())
}

func TestGet_Validation(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.service.Get(context.Background(), Request{Key: providers.ChartKey{ChartID: "not-a-chart"}})
	assert.ErrorIs(t, err, providers.ErrUnknownChart)

	_, err = f.service.Get(context.Background(), Request{Key: providers.ChartKey{ChartID: "hot-100", Week: "last week"}})
	assert.ErrorIs(t, err, providers.ErrInvalidWeek)

	res, err := f.service.Get(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, providers.DefaultChartID, res.Snapshot.ChartID)
	assert.EqualValues(t, 1, f.source.calls.Load())
}

func TestGet_CallerCancelStillCommits(t *testing.T) {
	f := newFixture(t, 3)
	release := make(chan struct{})
	f.enricher.lookup = func(ctx context.Context, title, artist string) (*providers.Enrichment, error) {
		<-release
		return matchFor(title), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() {
		res, _ := f.service.Get(ctx, Request{Key: hot100, Enrich: true})
		done <- res
	}()

	require.Eventually(t, func() bool { return f.enricher.calls.Load() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	res := <-done
	require.NotNil(t, res)
	assert.False(t, res.Snapshot.Enriched(), "cancelled caller gets the basic snapshot")

	close(release)
	require.Eventually(t, func() bool { return f.has(EnrichedKey(hot100)) }, 2*time.Second, 10*time.Millisecond)
}
