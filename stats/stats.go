package stats

import (
	"strings"
	"sync/atomic"
	"time"
)

// Stats holds process-lifetime counters. Nothing here is persisted.
type Stats struct {
	StartTime time.Time

	// Request counters
	TotalRequests  atomic.Int64
	ChartRequests  atomic.Int64
	CacheRequests  atomic.Int64
	StatsRequests  atomic.Int64
	HealthRequests atomic.Int64
	OtherRequests  atomic.Int64

	// Chart cache
	CacheHits         atomic.Int64
	EnrichedCacheHits atomic.Int64
	CacheMisses       atomic.Int64
	StaleCacheHits    atomic.Int64

	// Chart upstream
	UpstreamFetches     atomic.Int64
	UpstreamRateLimited atomic.Int64
	UpstreamTimeouts    atomic.Int64
	UpstreamErrors      atomic.Int64
	UnchangedRechecks   atomic.Int64

	// Enrichment
	LookupMatches     atomic.Int64
	LookupNoMatch     atomic.Int64
	LookupFailures    atomic.Int64
	LookupCacheHits   atomic.Int64
	EnrichCommits     atomic.Int64
	EnrichAborted     atomic.Int64
	BackgroundQueued  atomic.Int64
	BackgroundDropped atomic.Int64

	// Rate limiting
	RateLimitNormal   atomic.Int64
	RateLimitCached   atomic.Int64
	RateLimitExceeded atomic.Int64

	// Response status codes
	Status2xx atomic.Int64
	Status4xx atomic.Int64
	Status5xx atomic.Int64

	// Response time tracking (microseconds)
	totalResponseTime atomic.Int64
	responseCount     atomic.Int64
	minResponseTime   atomic.Int64
	maxResponseTime   atomic.Int64

	chartResponseTime  atomic.Int64
	chartResponseCount atomic.Int64
}

const noMin = int64(^uint64(0) >> 1)

// New returns zeroed counters starting now.
func New() *Stats {
	s := &Stats{StartTime: time.Now()}
	s.minResponseTime.Store(noMin)
	return s
}

var global = New()

// Get returns the global stats instance
func Get() *Stats {
	return global
}

// RecordRequest records a request to a specific endpoint
func (s *Stats) RecordRequest(endpoint string) {
	s.TotalRequests.Add(1)
	switch endpoint {
	case "/billboard_api.php":
		s.ChartRequests.Add(1)
	case "/stats":
		s.StatsRequests.Add(1)
	case "/health":
		s.HealthRequests.Add(1)
	default:
		if endpoint == "/cache" || strings.HasPrefix(endpoint, "/cache/") {
			s.CacheRequests.Add(1)
			return
		}
		s.OtherRequests.Add(1)
	}
}

// RecordCacheHit records a chart served from cache; enriched tells which namespace.
func (s *Stats) RecordCacheHit(enriched bool) {
	s.CacheHits.Add(1)
	if enriched {
		s.EnrichedCacheHits.Add(1)
	}
}

// RecordCacheMiss records a cache miss
func (s *Stats) RecordCacheMiss() {
	s.CacheMisses.Add(1)
}

// RecordStaleCacheHit records a stale cache hit (fallback)
func (s *Stats) RecordStaleCacheHit() {
	s.StaleCacheHits.Add(1)
}

// RecordRateLimit records rate limit tier usage
func (s *Stats) RecordRateLimit(tier string) {
	switch tier {
	case "normal":
		s.RateLimitNormal.Add(1)
	case "cached":
		s.RateLimitCached.Add(1)
	case "exceeded":
		s.RateLimitExceeded.Add(1)
	}
}

// RecordStatusCode records a response status code
func (s *Stats) RecordStatusCode(code int) {
	switch {
	case code >= 200 && code < 300:
		s.Status2xx.Add(1)
	case code >= 400 && code < 500:
		s.Status4xx.Add(1)
	case code >= 500:
		s.Status5xx.Add(1)
	}
}

// RecordResponseTime records a response time
func (s *Stats) RecordResponseTime(duration time.Duration, endpoint string) {
	us := duration.Microseconds()

	s.totalResponseTime.Add(us)
	s.responseCount.Add(1)

	for {
		current := s.minResponseTime.Load()
		if us >= current || s.minResponseTime.CompareAndSwap(current, us) {
			break
		}
	}
	for {
		current := s.maxResponseTime.Load()
		if us <= current || s.maxResponseTime.CompareAndSwap(current, us) {
			break
		}
	}

	if endpoint == "/billboard_api.php" {
		s.chartResponseTime.Add(us)
		s.chartResponseCount.Add(1)
	}
}

// Uptime returns the server uptime
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// CacheHitRate returns the cache hit rate as a percentage
func (s *Stats) CacheHitRate() float64 {
	hits := s.CacheHits.Load() + s.StaleCacheHits.Load()
	total := hits + s.CacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// MatchRate returns the share of catalog lookups that found a match, as a percentage
func (s *Stats) MatchRate() float64 {
	matches := s.LookupMatches.Load()
	total := matches + s.LookupNoMatch.Load() + s.LookupFailures.Load()
	if total == 0 {
		return 0
	}
	return float64(matches) / float64(total) * 100
}

func avg(total, count int64) time.Duration {
	if count == 0 {
		return 0
	}
	return time.Duration(total/count) * time.Microsecond
}

// AvgResponseTime returns the average response time
func (s *Stats) AvgResponseTime() time.Duration {
	return avg(s.totalResponseTime.Load(), s.responseCount.Load())
}

// MinResponseTime returns the minimum response time
func (s *Stats) MinResponseTime() time.Duration {
	min := s.minResponseTime.Load()
	if min == noMin {
		return 0
	}
	return time.Duration(min) * time.Microsecond
}

// MaxResponseTime returns the maximum response time
func (s *Stats) MaxResponseTime() time.Duration {
	return time.Duration(s.maxResponseTime.Load()) * time.Microsecond
}

// AvgChartResponseTime returns the average response time for chart requests
func (s *Stats) AvgChartResponseTime() time.Duration {
	return avg(s.chartResponseTime.Load(), s.chartResponseCount.Load())
}

// Snapshot returns a point-in-time snapshot of all stats
func (s *Stats) Snapshot() map[string]interface{} {
	uptime := s.Uptime()

	return map[string]interface{}{
		"server": map[string]interface{}{
			"start_time":     s.StartTime.Format(time.RFC3339),
			"uptime":         uptime.String(),
			"uptime_seconds": int64(uptime.Seconds()),
		},
		"requests": map[string]interface{}{
			"total":  s.TotalRequests.Load(),
			"charts": s.ChartRequests.Load(),
			"cache":  s.CacheRequests.Load(),
			"stats":  s.StatsRequests.Load(),
			"health": s.HealthRequests.Load(),
			"other":  s.OtherRequests.Load(),
		},
		"cache": map[string]interface{}{
			"hits":          s.CacheHits.Load(),
			"enriched_hits": s.EnrichedCacheHits.Load(),
			"misses":        s.CacheMisses.Load(),
			"stale_hits":    s.StaleCacheHits.Load(),
			"hit_rate":      s.CacheHitRate(),
		},
		"upstream": map[string]interface{}{
			"fetches":            s.UpstreamFetches.Load(),
			"rate_limited":       s.UpstreamRateLimited.Load(),
			"timeouts":           s.UpstreamTimeouts.Load(),
			"errors":             s.UpstreamErrors.Load(),
			"unchanged_rechecks": s.UnchangedRechecks.Load(),
		},
		"enrichment": map[string]interface{}{
			"matches":            s.LookupMatches.Load(),
			"no_match":           s.LookupNoMatch.Load(),
			"failures":           s.LookupFailures.Load(),
			"lookup_cache_hits":  s.LookupCacheHits.Load(),
			"match_rate":         s.MatchRate(),
			"commits":            s.EnrichCommits.Load(),
			"aborted":            s.EnrichAborted.Load(),
			"background_queued":  s.BackgroundQueued.Load(),
			"background_dropped": s.BackgroundDropped.Load(),
		},
		"rate_limiting": map[string]interface{}{
			"normal_tier": s.RateLimitNormal.Load(),
			"cached_tier": s.RateLimitCached.Load(),
			"exceeded":    s.RateLimitExceeded.Load(),
		},
		"responses": map[string]interface{}{
			"2xx": s.Status2xx.Load(),
			"4xx": s.Status4xx.Load(),
			"5xx": s.Status5xx.Load(),
		},
		"response_times": map[string]interface{}{
			"avg":        s.AvgResponseTime().String(),
			"min":        s.MinResponseTime().String(),
			"max":        s.MaxResponseTime().String(),
			"avg_charts": s.AvgChartResponseTime().String(),
		},
	}
}
