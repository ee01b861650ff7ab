package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

var conf = mustLoad()

type Config struct {
	Configuration struct {
		Port     string `envconfig:"PORT" default:"8080"`
		LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

		RateLimitPerSecond        int    `envconfig:"RATE_LIMIT_PER_SECOND" default:"2"`
		RateLimitBurstLimit       int    `envconfig:"RATE_LIMIT_BURST_LIMIT" default:"5"`
		CachedRateLimitPerSecond  int    `envconfig:"CACHED_RATE_LIMIT_PER_SECOND" default:"10"`
		CachedRateLimitBurstLimit int    `envconfig:"CACHED_RATE_LIMIT_BURST_LIMIT" default:"20"`
		CacheAccessToken          string `envconfig:"CACHE_ACCESS_TOKEN" default:""`
		APIKey                    string `envconfig:"API_KEY" default:""`
		APIKeyRequired            bool   `envconfig:"API_KEY_REQUIRED" default:"false"`
		AllowedOrigins            string `envconfig:"ALLOWED_ORIGINS" default:"*"`

		// Chart provider (RapidAPI)
		RapidAPIKey                string `envconfig:"RAPID_API_KEY" default:""`
		RapidAPIHost               string `envconfig:"RAPID_API_HOST" default:"billboard-charts-api.p.rapidapi.com"`
		ChartAPIBaseURL            string `envconfig:"CHART_API_BASE_URL" default:"https://billboard-charts-api.p.rapidapi.com"`
		UpstreamTimeoutSecs        int    `envconfig:"UPSTREAM_TIMEOUT_SECS" default:"10"`
		ChartRateLimitCooldownSecs int    `envconfig:"CHART_RATE_LIMIT_COOLDOWN_SECS" default:"300"`

		// Chart caching policy
		CurrentChartTTLInDays int    `envconfig:"CURRENT_CHART_TTL_DAYS" default:"7"`
		StaleRetentionInDays  int    `envconfig:"STALE_RETENTION_DAYS" default:"30"` // kept past the 7 day window for stale fallback
		ChartPublishWeekday   string `envconfig:"CHART_PUBLISH_WEEKDAY" default:"Tuesday"`
		ChartTimezone         string `envconfig:"CHART_TIMEZONE" default:"America/New_York"`

		// Apple Music enrichment
		AppleMusicKeyID            string  `envconfig:"APPLE_MUSIC_KEY_ID" default:""`
		AppleMusicTeamID           string  `envconfig:"APPLE_MUSIC_TEAM_ID" default:""`
		AppleMusicAuthKey          string  `envconfig:"APPLE_MUSIC_AUTH_KEY" default:""` // PEM contents or a path to the .p8 file
		AppleMusicStorefront       string  `envconfig:"APPLE_MUSIC_STOREFRONT" default:"us"`
		AppleMusicBaseURL          string  `envconfig:"APPLE_MUSIC_BASE_URL" default:"https://api.music.apple.com"`
		AppleMusicTokenTTLHours    int     `envconfig:"APPLE_MUSIC_TOKEN_TTL_HOURS" default:"12"`
		EnrichmentCacheTTLInHours  int     `envconfig:"ENRICHMENT_CACHE_TTL_HOURS" default:"24"`
		MinMatchScore              float64 `envconfig:"MIN_MATCH_SCORE" default:"0.6"`
		EnrichmentWorkers          int     `envconfig:"ENRICHMENT_WORKERS" default:"5"`
		EnrichmentQueueSize        int     `envconfig:"ENRICHMENT_QUEUE_SIZE" default:"32"`
		CircuitBreakerThreshold    int     `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5"`       // Consecutive failures before circuit opens
		CircuitBreakerCooldownSecs int     `envconfig:"CIRCUIT_BREAKER_COOLDOWN_SECS" default:"300"` // Seconds to wait before retrying (default: 5 minutes)

		// Cache store
		CacheBackend                       string `envconfig:"CACHE_BACKEND" default:"redis"`
		RedisURL                           string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
		CacheDBPath                        string `envconfig:"CACHE_DB_PATH" default:"/data/cache.db"`
		CacheBackupPath                    string `envconfig:"CACHE_BACKUP_PATH" default:"/data/backups"`
		CacheInvalidationIntervalInSeconds int    `envconfig:"CACHE_INVALIDATION_INTERVAL_IN_SECONDS" default:"3600"`

		// Publish-day prewarming
		ChartPrewarmIDs      string `envconfig:"CHART_PREWARM_IDS" default:""`
		ChartPrewarmSchedule string `envconfig:"CHART_PREWARM_SCHEDULE" default:"5 * * * 2"`

		// Notifiers
		NtfyTopic        string `envconfig:"NOTIFIER_NTFY_TOPIC" default:""`
		NtfyServer       string `envconfig:"NOTIFIER_NTFY_SERVER" default:"https://ntfy.sh"`
		TelegramBotToken string `envconfig:"NOTIFIER_TELEGRAM_BOT_TOKEN" default:""`
		TelegramChatID   string `envconfig:"NOTIFIER_TELEGRAM_CHAT_ID" default:""`
	}

	FeatureFlags struct {
		CacheCompression bool `envconfig:"FF_CACHE_COMPRESSION" default:"true"`
		CacheOnlyMode    bool `envconfig:"FF_CACHE_ONLY_MODE" default:"false"`
	}
}

// load loads the configuration from the environment.
func load() (Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Warnf("Error loading env config: %v", err)
	}

	cfg := Config{}
	err = envconfig.Process("", &cfg)
	return cfg, err
}

func mustLoad() Config {
	c, err := load()
	if err != nil {
		log.WithError(err).Warnf("Unable to load configuration")
	}

	return c
}

func Get() Config {
	return conf
}

// UpstreamTimeout is applied to every outbound call (chart fetch, token mint, catalog search).
func (c Config) UpstreamTimeout() time.Duration {
	if c.Configuration.UpstreamTimeoutSecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Configuration.UpstreamTimeoutSecs) * time.Second
}

func (c Config) ChartRateLimitCooldown() time.Duration {
	return time.Duration(c.Configuration.ChartRateLimitCooldownSecs) * time.Second
}

func (c Config) CurrentChartTTL() time.Duration {
	return time.Duration(c.Configuration.CurrentChartTTLInDays) * 24 * time.Hour
}

func (c Config) StaleRetention() time.Duration {
	return time.Duration(c.Configuration.StaleRetentionInDays) * 24 * time.Hour
}

func (c Config) AppleMusicTokenTTL() time.Duration {
	return time.Duration(c.Configuration.AppleMusicTokenTTLHours) * time.Hour
}

func (c Config) EnrichmentCacheTTL() time.Duration {
	return time.Duration(c.Configuration.EnrichmentCacheTTLInHours) * time.Hour
}

func (c Config) CircuitBreakerCooldown() time.Duration {
	return time.Duration(c.Configuration.CircuitBreakerCooldownSecs) * time.Second
}

// PublishWeekday parses CHART_PUBLISH_WEEKDAY ("Tuesday", "tue", "2").
func (c Config) PublishWeekday() (time.Weekday, error) {
	raw := strings.ToLower(strings.TrimSpace(c.Configuration.ChartPublishWeekday))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if raw == name || raw == name[:3] || raw == fmt.Sprint(int(d)) {
			return d, nil
		}
	}
	return time.Tuesday, fmt.Errorf("invalid CHART_PUBLISH_WEEKDAY %q", c.Configuration.ChartPublishWeekday)
}

// Location is the timezone used for weekday and hour-bucket decisions.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Configuration.ChartTimezone)
	if err != nil {
		log.Warnf("Invalid CHART_TIMEZONE %q, falling back to UTC: %v", c.Configuration.ChartTimezone, err)
		return time.UTC
	}
	return loc
}

// PrewarmChartIDs returns the chart ids listed in CHART_PREWARM_IDS.
func (c Config) PrewarmChartIDs() []string {
	return splitList(c.Configuration.ChartPrewarmIDs)
}

// Origins returns the configured CORS origins.
func (c Config) Origins() []string {
	return splitList(c.Configuration.AllowedOrigins)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
