package logcolors

// ANSI color codes for log prefixes
const (
	Reset  = "\033[0m"
	Green  = "\033[32m"
	Blue   = "\033[34m"
	Purple = "\033[35m"
	Cyan   = "\033[36m"
	Red    = "\033[31m"
)

// Cache-related log prefixes
const (
	LogCacheInit     = Blue + "[Cache:Init]" + Reset
	LogCache         = Blue + "[Cache]" + Reset
	LogCacheBackup   = Blue + "[Cache:Backup]" + Reset
	LogCacheClear    = Blue + "[Cache:Clear]" + Reset
	LogCachePurge    = Blue + "[Cache:Purge]" + Reset
	LogCacheChart    = Green + "[Cache:Chart]" + Reset
	LogCacheSearch   = Green + "[Cache:Search]" + Reset
	LogStaleFallback = Cyan + "[Stale Fallback]" + Reset
)

// Rate limiting log prefixes
const (
	LogRateLimit = Purple + "[RateLimit]" + Reset
	LogAPIKey    = Purple + "[APIKey]" + Reset
)

// CircuitBreakerPrefix returns a colored circuit breaker prefix with the given name
func CircuitBreakerPrefix(name string) string {
	return Purple + "[CircuitBreaker:" + name + "]" + Reset
}

// Server/Init log prefixes
const (
	LogServer  = Green + "[Server]" + Reset
	LogConfig  = Cyan + "[Config]" + Reset
	LogStats   = Blue + "[Stats]" + Reset
	LogPrewarm = Cyan + "[Prewarm]" + Reset
)

// Notification log prefixes
const (
	LogNotifier = Cyan + "[Notifier]" + Reset
)

// Upstream and pipeline log prefixes
const (
	LogBillboard      = Purple + "[Billboard]" + Reset
	LogAppleMusic     = Blue + "[AppleMusic]" + Reset
	LogToken          = Cyan + "[AppleMusic:Token]" + Reset
	LogMatch          = Green + "[Match]" + Reset
	LogScheduler      = Cyan + "[Scheduler]" + Reset
	LogEnrich         = Green + "[Enrich]" + Reset
	LogWorker         = Blue + "[Worker]" + Reset
	LogCircuitBreaker = Purple + "[CircuitBreaker]" + Reset
	LogWarning        = Red + "[Warning]" + Reset
)
