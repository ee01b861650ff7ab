package middleware

import (
	"context"
	"crypto/subtle"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"billboard-api-go/logcolors"
	"billboard-api-go/stats"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type contextKey string

const (
	cacheOnlyKey     contextKey = "cacheOnly"
	rateLimitTypeKey contextKey = "rateLimitType"
)

// CacheOnly reports whether the request was admitted on the cached tier and
// must be answered without calling upstream.
func CacheOnly(ctx context.Context) bool {
	v, _ := ctx.Value(cacheOnlyKey).(bool)
	return v
}

// RateLimitType returns the tier that admitted the request: "normal",
// "cached" or "bypass".
func RateLimitType(ctx context.Context) string {
	v, _ := ctx.Value(rateLimitTypeKey).(string)
	return v
}

// LimiterPair holds both tiers for one client.
type LimiterPair struct {
	Normal   *rate.Limiter
	Cached   *rate.Limiter
	lastSeen time.Time
}

// GetNormalTokens returns the number of tokens available in the normal tier
func (lp *LimiterPair) GetNormalTokens() int {
	return int(math.Floor(lp.Normal.Tokens()))
}

// GetCachedTokens returns the number of tokens available in the cached tier
func (lp *LimiterPair) GetCachedTokens() int {
	return int(math.Floor(lp.Cached.Tokens()))
}

// IPRateLimiter keeps a two-tier limiter per client address. Requests over
// the normal tier may still be served from cache on the cached tier.
type IPRateLimiter struct {
	ips         map[string]*LimiterPair
	mu          sync.Mutex
	normalRate  rate.Limit
	normalBurst int
	cachedRate  rate.Limit
	cachedBurst int
}

// NewIPRateLimiter creates a new two-tier rate limiter
func NewIPRateLimiter(normalRate rate.Limit, normalBurst int, cachedRate rate.Limit, cachedBurst int) *IPRateLimiter {
	return &IPRateLimiter{
		ips:         make(map[string]*LimiterPair),
		normalRate:  normalRate,
		normalBurst: normalBurst,
		cachedRate:  cachedRate,
		cachedBurst: cachedBurst,
	}
}

// GetNormalLimit returns the normal tier burst limit
func (i *IPRateLimiter) GetNormalLimit() int {
	return i.normalBurst
}

// GetCachedLimit returns the cached tier burst limit
func (i *IPRateLimiter) GetCachedLimit() int {
	return i.cachedBurst
}

func (i *IPRateLimiter) AddIP(ip string) *LimiterPair {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.addLocked(ip)
}

func (i *IPRateLimiter) addLocked(ip string) *LimiterPair {
	pair := &LimiterPair{
		Normal:   rate.NewLimiter(i.normalRate, i.normalBurst),
		Cached:   rate.NewLimiter(i.cachedRate, i.cachedBurst),
		lastSeen: time.Now(),
	}
	i.ips[ip] = pair
	return pair
}

func (i *IPRateLimiter) GetLimiter(ip string) *LimiterPair {
	i.mu.Lock()
	defer i.mu.Unlock()

	pair, exists := i.ips[ip]
	if !exists {
		return i.addLocked(ip)
	}
	pair.lastSeen = time.Now()
	return pair
}

// Prune forgets clients not seen for maxIdle and returns how many were removed.
func (i *IPRateLimiter) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	i.mu.Lock()
	defer i.mu.Unlock()
	removed := 0
	for ip, pair := range i.ips {
		if pair.lastSeen.Before(cutoff) {
			delete(i.ips, ip)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked clients.
func (i *IPRateLimiter) Size() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.ips)
}

// clientIP strips the port from RemoteAddr so one client maps to one limiter.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// RateLimit admits requests on the normal tier, then on the cached tier
// (marking them cache-only), and rejects them with 429 once both are spent.
// A valid X-API-Key bypasses both tiers.
func RateLimit(limiter *IPRateLimiter, apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-API-Key")
			if provided != "" && apiKey != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) == 1 {
				w.Header().Set("X-RateLimit-Bypass", "true")
				ctx := context.WithValue(r.Context(), rateLimitTypeKey, "bypass")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			ip := clientIP(r)
			pair := limiter.GetLimiter(ip)

			if pair.Normal.Allow() {
				stats.Get().RecordRateLimit("normal")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.GetNormalLimit()))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(pair.GetNormalTokens()))
				w.Header().Set("X-RateLimit-Type", "normal")
				ctx := context.WithValue(r.Context(), rateLimitTypeKey, "normal")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if pair.Cached.Allow() {
				stats.Get().RecordRateLimit("cached")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.GetCachedLimit()))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(pair.GetCachedTokens()))
				w.Header().Set("X-RateLimit-Type", "cached")
				log.Debugf("%s IP %s exceeded normal tier, using cached tier", logcolors.LogRateLimit, ip)
				ctx := context.WithValue(r.Context(), cacheOnlyKey, true)
				ctx = context.WithValue(ctx, rateLimitTypeKey, "cached")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			stats.Get().RecordRateLimit("exceeded")
			log.Warnf("%s IP %s exceeded both rate limit tiers", logcolors.LogRateLimit, ip)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.GetCachedLimit()))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Type", "exceeded")
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		})
	}
}
