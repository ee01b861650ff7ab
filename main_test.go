package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"billboard-api-go/cache"
	"billboard-api-go/services/charts"
	"billboard-api-go/services/providers"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 4, 10, 10, 0, 0, 0, time.UTC)

const testAdminToken = "admin-secret"

type stubChartSource struct {
	calls atomic.Int32
	err   atomic.Value // error
}

func (s *stubChartSource) Name() string { return "stub" }

func (s *stubChartSource) fail(err error) { s.err.Store(&err) }

func (s *stubChartSource) FetchChart(_ context.Context, key providers.ChartKey) (*providers.ChartSnapshot, error) {
	s.calls.Add(1)
	if v, ok := s.err.Load().(*error); ok && *v != nil {
		return nil, *v
	}
	label := "2025-04-05"
	if key.Week != "" {
		label = key.Week
	}
	tracks := make([]providers.TrackEntry, 3)
	for i := range tracks {
		tracks[i] = providers.TrackEntry{
			Position:     i + 1,
			Title:        fmt.Sprintf("Song %d", i+1),
			Artist:       fmt.Sprintf("Artist %d", i+1),
			PeakPosition: i + 1,
			WeeksOnChart: 2,
		}
	}
	return &providers.ChartSnapshot{
		ChartID:   key.ChartID,
		Name:      providers.ChartName(key.ChartID),
		WeekLabel: label,
		Tracks:    tracks,
		FetchedAt: testNow,
		Source:    providers.SourceLive,
	}, nil
}

type testEnv struct {
	server *server
	source *stubChartSource
	store  *cache.MemoryStore
	router *mux.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := func() time.Time { return testNow }
	store := cache.NewMemoryStore(now)
	source := &stubChartSource{}
	svc := charts.NewService(store, source, nil, charts.Config{Now: now})
	svc.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Stop(ctx)
	})

	s := &server{
		charts:     svc,
		store:      store,
		adminToken: testAdminToken,
		now:        now,
	}
	router := mux.NewRouter()
	s.setupRoutes(router)
	return &testEnv{server: s, source: source, store: store, router: router}
}

func (e *testEnv) get(t *testing.T, target string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if admin {
		req.Header.Set("Authorization", testAdminToken)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeChart(t *testing.T, rr *httptest.ResponseRecorder) ChartResponse {
	t.Helper()
	var body ChartResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestGetChart_FetchThenCache(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get(t, "/billboard_api.php", false)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache-Status"))
	body := decodeChart(t, rr)
	assert.Equal(t, "hot-100", body.Chart.ID)
	assert.Equal(t, "2025-04-05", body.Chart.Date)
	assert.NotEmpty(t, body.Chart.Name)
	assert.Len(t, body.Entries, 3)
	assert.False(t, body.Cached)
	assert.Empty(t, body.Note)

	rr = env.get(t, "/billboard_api.php?id=hot-100", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "HIT", rr.Header().Get("X-Cache-Status"))
	assert.True(t, decodeChart(t, rr).Cached)
	assert.EqualValues(t, 1, env.source.calls.Load())
}

func TestGetChart_WeekIsPassedThrough(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get(t, "/billboard_api.php?id=billboard-200&week=2024-06-01", false)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeChart(t, rr)
	assert.Equal(t, "billboard-200", body.Chart.ID)
	assert.Equal(t, "2024-06-01", body.Chart.Date)
}

func TestGetChart_RefreshBypassesCache(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, http.StatusOK, env.get(t, "/billboard_api.php", false).Code)
	rr := env.get(t, "/billboard_api.php?refresh=true", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decodeChart(t, rr).Cached)
	assert.EqualValues(t, 2, env.source.calls.Load())
}

func TestGetChart_InvalidRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		target string
	}{
		{"unknown chart", "/billboard_api.php?id=not-a-chart"},
		{"malformed week", "/billboard_api.php?week=last-tuesday"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.get(t, tt.target, false)
			assert.Equal(t, http.StatusBadRequest, rr.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
	assert.EqualValues(t, 0, env.source.calls.Load())
}

func TestGetChart_RateLimitedUpstream(t *testing.T) {
	env := newTestEnv(t)
	env.source.fail(providers.ErrRateLimited)

	rr := env.get(t, "/billboard_api.php", false)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestGetChart_StaleFallbackCarriesNote(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.get(t, "/billboard_api.php", false).Code)

	env.source.fail(providers.ErrRateLimited)
	rr := env.get(t, "/billboard_api.php?refresh=1", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "STALE", rr.Header().Get("X-Cache-Status"))

	body := decodeChart(t, rr)
	assert.True(t, body.Cached)
	assert.Contains(t, body.Note, "rate limit")
	assert.Len(t, body.Entries, 3)
}

func TestGetChart_Timeout(t *testing.T) {
	env := newTestEnv(t)
	env.source.fail(fmt.Errorf("billboard: %w", providers.ErrTimeout))

	rr := env.get(t, "/billboard_api.php", false)
	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
}

func TestGetChart_CacheOnlyMiss(t *testing.T) {
	env := newTestEnv(t)
	env.server.cacheOnlyMode = true

	rr := env.get(t, "/billboard_api.php", false)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.EqualValues(t, 0, env.source.calls.Load())
}

func TestGetChart_CacheOnlyHit(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.get(t, "/billboard_api.php", false).Code)

	env.server.cacheOnlyMode = true
	rr := env.get(t, "/billboard_api.php", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeChart(t, rr).Cached)
	assert.EqualValues(t, 1, env.source.calls.Load())
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{providers.ErrUnknownChart, http.StatusBadRequest},
		{fmt.Errorf("%w: %q", providers.ErrInvalidWeek, "x"), http.StatusBadRequest},
		{charts.ErrNotCached, http.StatusTooManyRequests},
		{providers.ErrRateLimited, http.StatusServiceUnavailable},
		{providers.NewUpstreamError("billboard", "status 502", providers.ErrUpstream), http.StatusServiceUnavailable},
		{providers.ErrTimeout, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := statusForError(tt.err); got != tt.want {
				t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseFlag(t *testing.T) {
	tests := []struct {
		in   string
		def  bool
		want bool
	}{
		{"", true, true},
		{"", false, false},
		{"true", false, true},
		{"1", false, true},
		{"TRUE", false, true},
		{"false", true, false},
		{"0", true, false},
		{"maybe", true, true},
	}

	for _, tt := range tests {
		if got := parseFlag(tt.in, tt.def); got != tt.want {
			t.Errorf("parseFlag(%q, %v) = %v, want %v", tt.in, tt.def, got, tt.want)
		}
	}
}

func TestAdminEndpoints_RequireToken(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/stats", "/cache", "/cache/lookup", "/cache/clear/charts", "/circuit-breaker"} {
		rr := env.get(t, path, false)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}

	env.server.adminToken = ""
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "unset token keeps admin endpoints closed")
}

func TestGetStats(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get(t, "/stats", true)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Contains(t, body, "cache_storage")
	assert.Contains(t, body, "pending_enrichments")
}

func TestCacheLookupAndClear(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.get(t, "/billboard_api.php", false).Code)

	rr := env.get(t, "/cache/lookup?id=hot-100", true)
	require.Equal(t, http.StatusOK, rr.Code)
	var lookup CacheLookupResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &lookup))
	require.NotNil(t, lookup.Basic)
	assert.Nil(t, lookup.Enriched)
	assert.Equal(t, "basic", lookup.Serving)
	assert.Equal(t, 3, lookup.Basic.Tracks)
	assert.True(t, lookup.Basic.Fresh)

	rr = env.get(t, "/cache/lookup?id=nope", true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.get(t, "/cache/clear/unknown", true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.get(t, "/cache/clear/charts", true)
	require.Equal(t, http.StatusOK, rr.Code)
	var cleared map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cleared))
	assert.EqualValues(t, 1, cleared["removed"])

	_, found, err := env.store.Get(context.Background(), charts.BasicKey(providers.ChartKey{ChartID: "hot-100"}))
	require.NoError(t, err)
	assert.False(t, found)

	rr = env.get(t, "/billboard_api.php", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decodeChart(t, rr).Cached)
}

func TestClearCharts_KeepsEnrichedAndRefreshKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := providers.ChartKey{ChartID: "hot-100"}

	require.NoError(t, env.store.Set(ctx, charts.BasicKey(key), "{}", time.Hour))
	require.NoError(t, env.store.Set(ctx, charts.EnrichedKey(key), "{}", time.Hour))
	require.NoError(t, env.store.Set(ctx, charts.RefreshStateKey(key), "{}", time.Hour))

	rr := env.get(t, "/cache", true)
	require.Equal(t, http.StatusOK, rr.Code)
	var info struct {
		Namespaces map[string]int `json:"namespaces"`
		ChartKeys  []string       `json:"chart_keys"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, 1, info.Namespaces["charts"])
	assert.Equal(t, 1, info.Namespaces["enriched"])
	assert.Equal(t, 1, info.Namespaces["refresh"])
	assert.Equal(t, []string{charts.BasicKey(key)}, info.ChartKeys)

	res, err := clearNamespace(ctx, env.store, "charts")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	_, found, err := env.store.Get(ctx, charts.BasicKey(key))
	require.NoError(t, err)
	assert.False(t, found)
	for _, k := range []string{charts.EnrichedKey(key), charts.RefreshStateKey(key)} {
		_, found, err := env.store.Get(ctx, k)
		require.NoError(t, err)
		assert.True(t, found, k)
	}
}

func TestBackupRequiresBolt(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get(t, "/cache/backup", true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get(t, "/health", false)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "disabled", body["enrichment"])
	assert.NotContains(t, body, "pending_enrichments")

	rr = env.get(t, "/health", true)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Contains(t, body, "pending_enrichments")
}

func TestTestNotifications_NoneConfigured(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get(t, "/test-notifications", true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHelpAndChartList(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get(t, "/", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "billboard_api.php")

	rr = env.get(t, "/charts", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "hot-100")
}
