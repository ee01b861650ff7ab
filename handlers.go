package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"billboard-api-go/cache"
	"billboard-api-go/circuitbreaker"
	"billboard-api-go/logcolors"
	"billboard-api-go/middleware"
	"billboard-api-go/services/applemusic"
	"billboard-api-go/services/billboard"
	"billboard-api-go/services/charts"
	"billboard-api-go/services/notifier"
	"billboard-api-go/services/providers"
	"billboard-api-go/stats"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// server holds the collaborators the HTTP handlers need.
type server struct {
	charts     *charts.Service
	store      cache.Backend
	breaker    *circuitbreaker.CircuitBreaker
	chartLimit *billboard.RateLimitState
	tokens     *applemusic.TokenManager
	notifiers  []notifier.Notifier

	adminToken    string
	cacheOnlyMode bool
	now           func() time.Time
}

func (s *server) getChart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := charts.Request{
		Key: providers.ChartKey{
			ChartID: strings.TrimSpace(q.Get("id")),
			Week:    strings.TrimSpace(q.Get("week")),
		},
		ForceRefresh: parseFlag(q.Get("refresh"), false),
		Enrich:       parseFlag(q.Get("apple_music"), true),
		CacheOnly:    s.cacheOnlyMode || middleware.CacheOnly(r.Context()),
	}
	if req.Key.ChartID == "" {
		req.Key.ChartID = providers.DefaultChartID
	}

	res, err := s.charts.Get(r.Context(), req)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			log.Errorf("%s %s failed: %v", logcolors.LogBillboard, req.Key, err)
		} else {
			log.Warnf("%s %s rejected: %v", logcolors.LogBillboard, req.Key, err)
		}

		resp := Respond(w, r).SetCacheStatus(string(charts.StatusMiss))
		if status == http.StatusTooManyRequests {
			resp.SetRetryAfter("1")
		}
		resp.Error(status, ErrorResponse{Error: errorTitle(status), Message: err.Error()})
		return
	}

	Respond(w, r).SetCacheStatus(string(res.Status)).JSON(newChartResponse(req.Key, res))
}

// statusForError maps service errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, providers.ErrUnknownChart), errors.Is(err, providers.ErrInvalidWeek):
		return http.StatusBadRequest
	case errors.Is(err, charts.ErrNotCached):
		return http.StatusTooManyRequests
	case errors.Is(err, providers.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, providers.ErrRateLimited), errors.Is(err, providers.ErrUpstream):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorTitle(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Invalid request"
	case http.StatusTooManyRequests:
		return "Rate limit exceeded and chart is not cached"
	case http.StatusServiceUnavailable:
		return "Chart data unavailable"
	case http.StatusGatewayTimeout:
		return "Chart provider timed out"
	default:
		return "Internal server error"
	}
}

// parseFlag reads "true"/"false" style query values, falling back to def.
func parseFlag(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return def
	}
	return b
}

func (s *server) listCharts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"default": providers.DefaultChartID,
		"charts":  providers.KnownCharts(),
	})
}

// authorized checks the admin token. An unset token locks the admin
// endpoints rather than opening them.
func (s *server) authorized(w http.ResponseWriter, r *http.Request) bool {
	provided := r.Header.Get("Authorization")
	if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.adminToken)) != 1 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *server) getStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	snapshot := stats.Get().Snapshot()

	if st, err := s.store.Stats(r.Context()); err != nil {
		snapshot["cache_storage"] = map[string]interface{}{"error": err.Error()}
	} else {
		snapshot["cache_storage"] = st
	}
	if s.breaker != nil {
		snapshot["circuit_breaker"] = s.breaker.Status()
	}
	snapshot["pending_enrichments"] = s.charts.PendingEnrichments()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (s *server) getCacheInfo(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	ctx := r.Context()
	storage, err := s.store.Stats(ctx)
	if err != nil {
		log.Errorf("%s Failed to read cache stats: %v", logcolors.LogCache, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": fmt.Sprintf("Failed to read cache stats: %v", err),
		})
		return
	}

	counts := make(map[string]int)
	var chartKeys []string
	for name, prefix := range charts.Namespaces {
		if prefix == "" {
			continue
		}
		keys, err := charts.NamespaceKeys(ctx, s.store, name)
		if err != nil {
			log.Warnf("%s Failed to list %s keys: %v", logcolors.LogCache, name, err)
			continue
		}
		counts[name] = len(keys)
		if name == "charts" {
			chartKeys = keys
		}
	}
	sort.Strings(chartKeys)

	st := stats.Get()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"storage":    storage,
		"namespaces": counts,
		"chart_keys": chartKeys,
		"performance": map[string]interface{}{
			"hits":             st.CacheHits.Load(),
			"enriched_hits":    st.EnrichedCacheHits.Load(),
			"misses":           st.CacheMisses.Load(),
			"stale_hits":       st.StaleCacheHits.Load(),
			"hit_rate_percent": st.CacheHitRate(),
		},
	})
}

func (s *server) cacheLookup(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	q := r.URL.Query()
	key := providers.ChartKey{ChartID: strings.TrimSpace(q.Get("id")), Week: strings.TrimSpace(q.Get("week"))}
	if key.ChartID == "" {
		key.ChartID = providers.DefaultChartID
	}
	w.Header().Set("Content-Type", "application/json")
	if err := key.Validate(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	basic, enriched := s.charts.Cached(r.Context(), key)
	now := s.now()
	policy := s.charts.Policy()
	resp := CacheLookupResponse{
		Chart:    key.String(),
		Basic:    describeRecord(charts.BasicKey(key), basic, policy, now),
		Enriched: describeRecord(charts.EnrichedKey(key), enriched, policy, now),
		Serving:  "none",
	}
	switch {
	case resp.Basic != nil && resp.Enriched != nil:
		resp.Serving = "enriched"
		if resp.Basic.FetchedAt.After(resp.Enriched.FetchedAt) {
			resp.Serving = "basic"
		}
	case resp.Enriched != nil:
		resp.Serving = "enriched"
	case resp.Basic != nil:
		resp.Serving = "basic"
	}

	json.NewEncoder(w).Encode(resp)
}

func (s *server) backupCache(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	pc, ok := s.store.(*cache.PersistentCache)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "Backups are only available with CACHE_BACKEND=bolt",
		})
		return
	}

	backupPath, err := pc.Backup()
	if err != nil {
		log.Errorf("%s Failed to create backup: %v", logcolors.LogCacheBackup, err)
		notifier.PublishCacheBackupFailed(err)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": fmt.Sprintf("Failed to create backup: %v", err),
		})
		return
	}

	log.Infof("%s Backup created successfully at: %s", logcolors.LogCacheBackup, backupPath)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":     "Backup created successfully",
		"backup_path": backupPath,
	})
}

func (s *server) listBackups(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	pc, ok := s.store.(*cache.PersistentCache)
	if !ok {
		json.NewEncoder(w).Encode(map[string]interface{}{"count": 0, "backups": []cache.BackupInfo{}})
		return
	}

	backups, err := pc.ListBackups()
	if err != nil {
		log.Errorf("%s Failed to list backups: %v", logcolors.LogCacheBackup, err)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": fmt.Sprintf("Failed to list backups: %v", err),
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":   len(backups),
		"backups": backups,
	})
}

func (s *server) clearCache(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	namespace := mux.Vars(r)["namespace"]
	w.Header().Set("Content-Type", "application/json")

	result, err := clearNamespace(r.Context(), s.store, namespace)
	if errors.Is(err, errUnknownNamespace) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":      fmt.Sprintf("Unknown namespace %q", namespace),
			"namespaces": namespaceNames(),
		})
		return
	}
	if err != nil {
		log.Errorf("%s Failed to clear %s: %v", logcolors.LogCacheClear, namespace, err)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": fmt.Sprintf("Failed to clear cache: %v", err),
		})
		return
	}

	log.Infof("%s Cleared %d keys from %s", logcolors.LogCacheClear, result.Removed, namespace)
	notifier.PublishCacheCleared(namespace, result.Removed)

	body := map[string]interface{}{
		"message":   "Cache cleared successfully",
		"namespace": namespace,
		"removed":   result.Removed,
	}
	if result.BackupPath != "" {
		body["backup_path"] = result.BackupPath
	}
	json.NewEncoder(w).Encode(body)
}

func (s *server) getHealthStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := map[string]interface{}{
		"status":     "ok",
		"enrichment": "disabled",
	}
	if s.tokens != nil && s.tokens.Configured() {
		health["enrichment"] = "enabled"
	}

	if _, err := s.store.Stats(r.Context()); err != nil {
		health["status"] = "unhealthy"
		health["cache"] = "unreachable"
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(health)
		return
	}
	health["cache"] = "ok"

	if s.breaker != nil {
		health["circuit_breaker"] = s.breaker.State().String()
		if s.breaker.IsOpen() {
			health["status"] = "degraded"
			health["circuit_breaker_retry_in"] = s.breaker.TimeUntilRetry().Round(time.Second).String()
		}
	}

	if s.chartLimit != nil {
		if until, limited := s.chartLimit.Limited(s.now()); limited {
			health["status"] = "degraded"
			health["chart_api_rate_limited_until"] = until.UTC().Format(time.RFC3339)
		}
	}

	if s.adminToken != "" && r.Header.Get("Authorization") == s.adminToken {
		health["pending_enrichments"] = s.charts.PendingEnrichments()
		health["uptime"] = stats.Get().Uptime().Round(time.Second).String()
		if s.tokens != nil {
			health["tokens_minted"] = s.tokens.Mints()
		}
		if s.breaker != nil {
			health["circuit_breaker_failures"] = s.breaker.Failures()
		}
	}

	json.NewEncoder(w).Encode(health)
}

func (s *server) getCircuitBreakerStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if s.breaker == nil {
		json.NewEncoder(w).Encode(map[string]interface{}{"state": "DISABLED"})
		return
	}
	json.NewEncoder(w).Encode(s.breaker.Status())
}

func (s *server) resetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	if s.breaker != nil {
		s.breaker.Reset()
		log.Infof("%s Reset to CLOSED by admin request", logcolors.CircuitBreakerPrefix(s.breaker.Status().Name))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Circuit breaker reset to CLOSED state",
	})
}

func (s *server) testNotifications(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if len(s.notifiers) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "No notifiers configured. Please configure at least one notifier in your .env file.",
			"help": map[string]string{
				"telegram": "Set NOTIFIER_TELEGRAM_BOT_TOKEN and NOTIFIER_TELEGRAM_CHAT_ID",
				"ntfy":     "Set NOTIFIER_NTFY_TOPIC",
			},
		})
		return
	}

	subject := "Billboard API test notification"
	message := fmt.Sprintf("Test notification sent at %s.\nIf you can read this, alerts are wired up.",
		s.now().UTC().Format(time.RFC1123))

	results := make(map[string]string)
	sent := 0
	for _, n := range s.notifiers {
		name := getNotifierTypeName(n)
		if err := n.Send(subject, message); err != nil {
			log.Warnf("%s Test notification via %s failed: %v", logcolors.LogNotifier, name, err)
			results[name] = "failed: " + err.Error()
			continue
		}
		results[name] = "sent"
		sent++
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": fmt.Sprintf("Sent %d of %d test notifications", sent, len(s.notifiers)),
		"results": results,
	})
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"help": "Use /billboard_api.php to get a Billboard chart. Example: /billboard_api.php?id=hot-100&week=2024-06-01",
		"parameters": map[string]string{
			"id":          "Chart id (default hot-100, see /charts)",
			"week":        "Chart week as YYYY-MM-DD (default: latest)",
			"refresh":     "true to bypass the cache for the current chart",
			"apple_music": "false to skip Apple Music metadata (default true)",
		},
		"admin": []string{
			"/stats", "/health", "/cache", "/cache/lookup?id=&week=", "/cache/backup", "/cache/backups",
			"/cache/clear/{namespace}", "/circuit-breaker", "/circuit-breaker/reset", "/test-notifications",
		},
	})
}
