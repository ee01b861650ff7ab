package charts

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"billboard-api-go/cache"
	"billboard-api-go/circuitbreaker"
	"billboard-api-go/logcolors"
	"billboard-api-go/services/providers"
	"billboard-api-go/stats"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotCached is returned for cache-only requests with nothing cached.
	ErrNotCached = errors.New("chart not cached")
	// ErrEnrichmentAborted means a batch did not complete and nothing was committed.
	ErrEnrichmentAborted = errors.New("enrichment aborted")
)

// CacheStatus is reported to clients in X-Cache-Status.
type CacheStatus string

const (
	StatusHit   CacheStatus = "HIT"
	StatusMiss  CacheStatus = "MISS"
	StatusStale CacheStatus = "STALE"
)

// Request is one chart read.
type Request struct {
	Key          providers.ChartKey
	ForceRefresh bool
	Enrich       bool
	CacheOnly    bool
}

// Result is what Get hands back to the HTTP layer.
type Result struct {
	Snapshot *providers.ChartSnapshot
	Cached   bool
	Note     string
	Status   CacheStatus
}

// Config tunes a Service. Zero values get defaults.
type Config struct {
	Policy         Policy
	StaleRetention time.Duration // kept past Policy.Retention for stale fallback
	EnrichWorkers  int           // concurrent lookups per chart
	EnrichTimeout  time.Duration // bound on one enrichment batch
	QueueWorkers   int
	QueueSize      int
	Now            func() time.Time
}

// Service serves charts from cache, refreshing and enriching them as the
// policy requires.
type Service struct {
	store    cache.Store
	charts   providers.ChartSource
	enricher providers.Enricher

	policy         Policy
	staleRetention time.Duration
	enrichWorkers  int
	enrichTimeout  time.Duration
	now            func() time.Time

	fetches     singleflight.Group
	enrichments singleflight.Group
	queue       *Worker
}

// NewService wires a chart service. enricher may be nil, in which case
// every response is basic. Call Start to run the background queue.
func NewService(store cache.Store, charts providers.ChartSource, enricher providers.Enricher, cfg Config) *Service {
	if cfg.Policy.Retention <= 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.StaleRetention < 0 {
		cfg.StaleRetention = 0
	}
	if cfg.EnrichWorkers <= 0 {
		cfg.EnrichWorkers = 5
	}
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Service{
		store:          store,
		charts:         charts,
		enricher:       enricher,
		policy:         cfg.Policy,
		staleRetention: cfg.StaleRetention,
		enrichWorkers:  cfg.EnrichWorkers,
		enrichTimeout:  cfg.EnrichTimeout,
		now:            cfg.Now,
	}
	s.queue = NewWorker(cfg.QueueWorkers, cfg.QueueSize, s.runJob)
	return s
}

// Start runs the background enrichment workers.
func (s *Service) Start() { s.queue.Start() }

// Stop stops the background workers.
func (s *Service) Stop(ctx context.Context) error { return s.queue.Stop(ctx) }

// Policy returns the refresh policy in use.
func (s *Service) Policy() Policy { return s.policy }

// PendingEnrichments returns the number of queued or running background jobs.
func (s *Service) PendingEnrichments() int { return s.queue.Pending() }

// Get returns the chart for req.Key.
func (s *Service) Get(ctx context.Context, req Request) (*Result, error) {
	if req.Key.ChartID == "" {
		req.Key.ChartID = providers.DefaultChartID
	}
	if err := req.Key.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	basic := s.load(ctx, BasicKey(req.Key))
	enriched := s.load(ctx, EnrichedKey(req.Key))
	current := newer(basic, enriched)

	if req.CacheOnly {
		return s.serveCacheOnly(ctx, req, basic, enriched, now)
	}

	var cachedSnap *providers.ChartSnapshot
	if current != nil {
		cachedSnap = current.Snapshot
	}

	var state RefreshState
	if cachedSnap != nil && !req.Key.Historical(now) && now.Weekday() == s.policy.PublishDay {
		st, err := loadRefreshState(ctx, s.store, req.Key)
		if err != nil {
			log.Warnf("%s Failed to read refresh state for %s: %v", logcolors.LogScheduler, req.Key, err)
		}
		state = st.ForDay(now, cachedSnap.WeekLabel)
	}

	decision := s.policy.Decide(req.Key, cachedSnap, req.ForceRefresh, state, now)
	log.Debugf("%s %s -> %s", logcolors.LogScheduler, req.Key, decision)

	switch decision {
	case RefreshNow:
		return s.refresh(ctx, req, basic, enriched)
	case RefreshIfStale:
		return s.recheck(ctx, req, basic, enriched, state, now)
	default:
		return s.serveCached(ctx, req, basic, enriched, StatusHit, ""), nil
	}
}

func (s *Service) load(ctx context.Context, key string) *Record {
	rec, err := loadRecord(ctx, s.store, key)
	if err != nil {
		log.Warnf("%s Failed to read %s: %v", logcolors.LogCacheChart, key, err)
		return nil
	}
	return rec
}

// serveCached answers from the newer of the two cached records. A basic
// record served to a caller that wants enrichment is queued for the
// background worker.
func (s *Service) serveCached(ctx context.Context, req Request, basic, enriched *Record, status CacheStatus, note string) *Result {
	rec := newer(basic, enriched)

	snap := rec.Snapshot.Clone()
	snap.Source = providers.SourceCache
	if status == StatusStale {
		snap.Source = providers.SourceStaleFallback
		stats.Get().RecordStaleCacheHit()
	} else {
		stats.Get().RecordCacheHit(rec == enriched)
	}

	if !req.Enrich {
		stripEnrichment(snap)
	} else if rec == basic && s.enricher != nil {
		s.queue.Enqueue(Job{Key: req.Key, Snapshot: rec.Snapshot.Clone()})
	}

	log.Debugf("%s %s served from cache (%s)", logcolors.LogCacheChart, req.Key, status)
	return &Result{Snapshot: snap, Cached: true, Note: note, Status: status}
}

func (s *Service) serveCacheOnly(ctx context.Context, req Request, basic, enriched *Record, now time.Time) (*Result, error) {
	current := newer(basic, enriched)
	if current == nil {
		stats.Get().RecordCacheMiss()
		return nil, ErrNotCached
	}
	if req.Key.Historical(now) || s.policy.Fresh(current.Snapshot, now) {
		return s.serveCached(ctx, req, basic, enriched, StatusHit, ""), nil
	}
	return s.serveCached(ctx, req, basic, enriched, StatusStale,
		"Request rate limit exceeded; serving cached chart without refreshing"), nil
}

// refresh fetches unconditionally, falling back to any cached record.
func (s *Service) refresh(ctx context.Context, req Request, basic, enriched *Record) (*Result, error) {
	stats.Get().RecordCacheMiss()

	snap, err := s.fetch(ctx, req.Key)
	if err != nil {
		return s.fallback(ctx, req, basic, enriched, err)
	}
	return s.commitFetched(ctx, req, snap), nil
}

// recheck is a publish-day refresh attempt. The attempt is recorded before
// fetching so other requests in the same hour do not repeat it.
func (s *Service) recheck(ctx context.Context, req Request, basic, enriched *Record, state RefreshState, now time.Time) (*Result, error) {
	state.LastAttemptBucket = hourBucket(now)
	if err := saveRefreshState(ctx, s.store, req.Key, state); err != nil {
		log.Warnf("%s Failed to save refresh state for %s: %v", logcolors.LogScheduler, req.Key, err)
	}

	snap, err := s.fetch(ctx, req.Key)
	if err != nil {
		return s.fallback(ctx, req, basic, enriched, err)
	}

	cached := newer(basic, enriched)
	// An unchanged label counts as a cache hit even though upstream was asked.
	if snap.WeekLabel == cached.Snapshot.WeekLabel {
		stats.Get().UnchangedRechecks.Add(1)
		log.Infof("%s No new chart data yet for %s (still %s), next check next hour",
			logcolors.LogScheduler, req.Key, snap.WeekLabel)
		return s.serveCached(ctx, req, basic, enriched, StatusHit, ""), nil
	}

	log.Infof("%s New chart for %s: %s -> %s", logcolors.LogScheduler, req.Key, cached.Snapshot.WeekLabel, snap.WeekLabel)
	return s.commitFetched(ctx, req, snap), nil
}

func (s *Service) fallback(ctx context.Context, req Request, basic, enriched *Record, err error) (*Result, error) {
	s.countFailure(err)
	if newer(basic, enriched) == nil {
		log.Errorf("%s Fetch failed for %s with nothing cached: %v", logcolors.LogBillboard, req.Key, err)
		return nil, err
	}

	log.Warnf("%s Fetch failed for %s, serving cached data: %v", logcolors.LogStaleFallback, req.Key, err)
	return s.serveCached(ctx, req, basic, enriched, StatusStale, fallbackNote(err)), nil
}

func fallbackNote(err error) string {
	if errors.Is(err, providers.ErrRateLimited) {
		return "Billboard API rate limit reached; serving cached chart data"
	}
	return fmt.Sprintf("Billboard API unavailable (%v); serving cached chart data", err)
}

func (s *Service) countFailure(err error) {
	st := stats.Get()
	switch {
	case errors.Is(err, providers.ErrRateLimited):
		st.UpstreamRateLimited.Add(1)
	case errors.Is(err, providers.ErrTimeout):
		st.UpstreamTimeouts.Add(1)
	default:
		st.UpstreamErrors.Add(1)
	}
}

// fetch deduplicates concurrent upstream calls for the same key. The
// shared call is detached from any one caller's cancellation.
func (s *Service) fetch(ctx context.Context, key providers.ChartKey) (*providers.ChartSnapshot, error) {
	ch := s.fetches.DoChan(key.String(), func() (interface{}, error) {
		stats.Get().UpstreamFetches.Add(1)
		return s.charts.FetchChart(context.WithoutCancel(ctx), key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*providers.ChartSnapshot).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// commitFetched stores a freshly fetched snapshot and, when asked,
// enriches it before answering.
func (s *Service) commitFetched(ctx context.Context, req Request, snap *providers.ChartSnapshot) *Result {
	if err := s.save(ctx, BasicKey(req.Key), req.Key, snap); err != nil {
		log.Errorf("%s Failed to cache %s: %v", logcolors.LogCacheChart, req.Key, err)
	}

	out := snap
	if req.Enrich && s.enricher != nil {
		if merged, err := s.enrichAndWait(ctx, req.Key, snap); err == nil {
			out = merged
		}
	}

	out = out.Clone()
	out.Source = providers.SourceLive
	if !req.Enrich {
		stripEnrichment(out)
	}
	return &Result{Snapshot: out, Cached: false, Status: StatusMiss}
}

func (s *Service) save(ctx context.Context, key string, chart providers.ChartKey, snap *providers.ChartSnapshot) error {
	rec := Record{Snapshot: snap}
	var ttl time.Duration
	if !chart.Historical(snap.FetchedAt) {
		rec.ExpiresAt = snap.FetchedAt.Add(s.policy.Retention)
		ttl = s.policy.Retention + s.staleRetention
	}
	return saveRecord(ctx, s.store, key, rec, ttl)
}

// enrichAndWait runs the enrichment job and waits for it while ctx lasts.
// If the caller goes away the job keeps running and still commits.
func (s *Service) enrichAndWait(ctx context.Context, key providers.ChartKey, snap *providers.ChartSnapshot) (*providers.ChartSnapshot, error) {
	ch := s.startEnrichment(key, snap)
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*providers.ChartSnapshot), nil
	case <-ctx.Done():
		log.Debugf("%s Caller left before enrichment of %s finished", logcolors.LogEnrich, key)
		return nil, ctx.Err()
	}
}

func (s *Service) startEnrichment(key providers.ChartKey, snap *providers.ChartSnapshot) <-chan singleflight.Result {
	return s.enrichments.DoChan(key.String(), func() (interface{}, error) {
		jobCtx, cancel := context.WithTimeout(context.Background(), s.enrichTimeout)
		defer cancel()
		return s.enrich(jobCtx, key, snap)
	})
}

// runJob is the background worker entry point.
func (s *Service) runJob(ctx context.Context, job Job) {
	select {
	case res := <-s.startEnrichment(job.Key, job.Snapshot):
		if res.Err != nil {
			log.Debugf("%s Background enrichment of %s did not commit: %v", logcolors.LogEnrich, job.Key, res.Err)
		}
	case <-ctx.Done():
	}
}

// enrich looks up every track with bounded parallelism and commits the
// merged snapshot only if the whole batch ran. A batch where the provider
// was down (breaker open, rate limited, or every lookup failed) is not
// committed, so the basic record stays and a later request retries.
func (s *Service) enrich(ctx context.Context, key providers.ChartKey, basic *providers.ChartSnapshot) (*providers.ChartSnapshot, error) {
	start := time.Now()
	if err := s.enricher.Ready(ctx); err != nil {
		stats.Get().EnrichAborted.Add(1)
		log.Warnf("%s Skipping enrichment of %s: %v", logcolors.LogEnrich, key, err)
		return nil, fmt.Errorf("%w: %v", ErrEnrichmentAborted, err)
	}

	merged := basic.Clone()
	var attempted, failed atomic.Int32
	var providerDown atomic.Bool
	var g errgroup.Group
	g.SetLimit(s.enrichWorkers)
	for i := range merged.Tracks {
		if merged.Tracks[i].Enrichment != nil {
			continue
		}
		title, artist := merged.Tracks[i].Title, merged.Tracks[i].Artist
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			attempted.Add(1)
			e, err := s.enricher.Lookup(ctx, title, artist)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed.Add(1)
				if providerWide(err) {
					providerDown.Store(true)
				}
				log.Debugf("%s Lookup failed for %q by %q: %v", logcolors.LogEnrich, title, artist, err)
				return nil
			}
			merged.Tracks[i].Enrichment = e
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		stats.Get().EnrichAborted.Add(1)
		log.Warnf("%s Enrichment of %s interrupted, nothing committed: %v", logcolors.LogEnrich, key, err)
		return nil, fmt.Errorf("%w: %v", ErrEnrichmentAborted, err)
	}

	if n := attempted.Load(); n > 0 && (providerDown.Load() || failed.Load() == n) {
		stats.Get().EnrichAborted.Add(1)
		log.Warnf("%s Enrichment of %s not committed: %d/%d lookups failed (provider down: %v)",
			logcolors.LogEnrich, key, failed.Load(), n, providerDown.Load())
		return nil, fmt.Errorf("%w: %d of %d lookups failed", ErrEnrichmentAborted, failed.Load(), n)
	}

	if err := s.save(ctx, EnrichedKey(key), key, merged); err != nil {
		stats.Get().EnrichAborted.Add(1)
		log.Errorf("%s Failed to commit enriched %s: %v", logcolors.LogEnrich, key, err)
		return nil, fmt.Errorf("%w: %v", ErrEnrichmentAborted, err)
	}
	s.dropSupersededBasic(ctx, key, basic.FetchedAt)
	stats.Get().EnrichCommits.Add(1)

	log.Infof("%s Enriched %s (%d/%d matched) in %v",
		logcolors.LogEnrich, key, countEnriched(merged), len(merged.Tracks), time.Since(start))
	return merged, nil
}

// providerWide reports lookup errors that say nothing about the track and
// everything about the provider.
func providerWide(err error) bool {
	return errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, providers.ErrRateLimited)
}

// dropSupersededBasic deletes the basic record the enriched one was built
// from. A newer basic record written meanwhile is kept.
func (s *Service) dropSupersededBasic(ctx context.Context, key providers.ChartKey, fetchedAt time.Time) {
	rec := s.load(ctx, BasicKey(key))
	if rec == nil || !rec.Snapshot.FetchedAt.Equal(fetchedAt) {
		return
	}
	if err := s.store.Delete(ctx, BasicKey(key)); err != nil {
		log.Warnf("%s Failed to delete superseded basic record %s: %v", logcolors.LogCacheChart, key, err)
	}
}

// Cached returns both cached records for key, for the admin lookup endpoint.
func (s *Service) Cached(ctx context.Context, key providers.ChartKey) (basic, enriched *Record) {
	return s.load(ctx, BasicKey(key)), s.load(ctx, EnrichedKey(key))
}

func stripEnrichment(snap *providers.ChartSnapshot) {
	for i := range snap.Tracks {
		snap.Tracks[i].Enrichment = nil
	}
}

func countEnriched(snap *providers.ChartSnapshot) int {
	n := 0
	for _, t := range snap.Tracks {
		if t.Enrichment != nil {
			n++
		}
	}
	return n
}
