package main

import (
	"fmt"
	"net/http"
	"time"

	"billboard-api-go/cache"
	"billboard-api-go/circuitbreaker"
	"billboard-api-go/config"
	"billboard-api-go/logcolors"
	"billboard-api-go/middleware"
	"billboard-api-go/services/applemusic"
	"billboard-api-go/services/billboard"
	"billboard-api-go/services/charts"
	"billboard-api-go/services/notifier"
	"billboard-api-go/services/providers"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func getNotifierTypeName(n notifier.Notifier) string {
	switch n.(type) {
	case *notifier.TelegramNotifier:
		return "telegram"
	case *notifier.NtfyNotifier:
		return "ntfy"
	default:
		return "unknown"
	}
}

func setupNotifiers(c config.Config) []notifier.Notifier {
	var notifiers []notifier.Notifier

	if c.Configuration.TelegramBotToken != "" {
		notifiers = append(notifiers, &notifier.TelegramNotifier{
			BotToken: c.Configuration.TelegramBotToken,
			ChatID:   c.Configuration.TelegramChatID,
		})
		log.Infof("%s Telegram notifier enabled", logcolors.LogNotifier)
	}

	if c.Configuration.NtfyTopic != "" {
		notifiers = append(notifiers, &notifier.NtfyNotifier{
			Topic:  c.Configuration.NtfyTopic,
			Server: c.Configuration.NtfyServer,
		})
		log.Infof("%s Ntfy.sh notifier enabled", logcolors.LogNotifier)
	}

	return notifiers
}

// newServer wires the chart pipeline on top of store. The enrichment
// stage is left out when no Apple Music credentials are configured.
func newServer(c config.Config, store cache.Backend) (*server, error) {
	publishDay, err := c.PublishWeekday()
	if err != nil {
		return nil, err
	}
	loc := c.Location()
	now := func() time.Time { return time.Now().In(loc) }

	chartClient := billboard.New(billboard.Options{
		BaseURL:  c.Configuration.ChartAPIBaseURL,
		APIKey:   c.Configuration.RapidAPIKey,
		Host:     c.Configuration.RapidAPIHost,
		Timeout:  c.UpstreamTimeout(),
		Cooldown: c.ChartRateLimitCooldown(),
	})
	if c.Configuration.RapidAPIKey == "" {
		log.Warnf("%s RAPID_API_KEY is not set, upstream fetches will be rejected", logcolors.LogConfig)
	}

	tokens, err := applemusic.NewTokenManager(applemusic.TokenConfig{
		KeyID:   c.Configuration.AppleMusicKeyID,
		TeamID:  c.Configuration.AppleMusicTeamID,
		AuthKey: c.Configuration.AppleMusicAuthKey,
		TTL:     c.AppleMusicTokenTTL(),
		Store:   store,
	})
	if err != nil {
		return nil, fmt.Errorf("apple music token: %w", err)
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:      applemusic.ProviderName,
		Threshold: c.Configuration.CircuitBreakerThreshold,
		Cooldown:  c.CircuitBreakerCooldown(),
	})

	var enricher providers.Enricher
	if tokens.Configured() {
		enricher = applemusic.New(applemusic.Options{
			BaseURL:    c.Configuration.AppleMusicBaseURL,
			Storefront: c.Configuration.AppleMusicStorefront,
			Timeout:    c.UpstreamTimeout(),
			MinScore:   c.Configuration.MinMatchScore,
			CacheTTL:   c.EnrichmentCacheTTL(),
			Tokens:     tokens,
			Store:      store,
			Breaker:    breaker,
		})
	}

	svc := charts.NewService(store, chartClient, enricher, charts.Config{
		Policy: charts.Policy{
			Retention:  c.CurrentChartTTL(),
			PublishDay: publishDay,
		},
		StaleRetention: c.StaleRetention(),
		EnrichWorkers:  c.Configuration.EnrichmentWorkers,
		QueueSize:      c.Configuration.EnrichmentQueueSize,
		Now:            now,
	})

	return &server{
		charts:        svc,
		store:         store,
		breaker:       breaker,
		chartLimit:    chartClient.RateLimit(),
		tokens:        tokens,
		notifiers:     setupNotifiers(c),
		adminToken:    c.Configuration.CacheAccessToken,
		cacheOnlyMode: c.FeatureFlags.CacheOnlyMode,
		now:           now,
	}, nil
}

func newLimiter(c config.Config) *middleware.IPRateLimiter {
	return middleware.NewIPRateLimiter(
		rate.Limit(c.Configuration.RateLimitPerSecond), c.Configuration.RateLimitBurstLimit,
		rate.Limit(c.Configuration.CachedRateLimitPerSecond), c.Configuration.CachedRateLimitBurstLimit,
	)
}

// newHandler assembles the middleware chain, outermost first: access log,
// CORS, API key check, rate limiting, router.
func newHandler(c config.Config, s *server, limiter *middleware.IPRateLimiter) http.Handler {
	router := mux.NewRouter()
	s.setupRoutes(router)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   c.Origins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "X-API-Key", "Content-Type"},
		ExposedHeaders:   []string{"X-Cache-Status", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Type"},
		AllowCredentials: true,
	})

	publicPaths := []string{"/", "/health", "/charts"}
	var handler http.Handler = router
	handler = middleware.RateLimit(limiter, c.Configuration.APIKey)(handler)
	handler = middleware.APIKeyMiddleware(c.Configuration.APIKey, c.Configuration.APIKeyRequired, publicPaths)(handler)
	handler = corsHandler.Handler(handler)
	return middleware.LoggingMiddleware(handler)
}
