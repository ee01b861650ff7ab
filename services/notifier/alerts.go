package notifier

import (
	"fmt"
	"sync"
	"time"

	"billboard-api-go/logcolors"

	log "github.com/sirupsen/logrus"
)

const (
	// Default cooldown between alerts of the same type
	DefaultAlertCooldown = 15 * time.Minute
)

// AlertHandler handles events and sends notifications
type AlertHandler struct {
	notifiers        []Notifier
	cooldowns        map[EventType]time.Time // last alert time per event type
	cooldownDuration time.Duration
	mu               sync.Mutex
}

// AlertConfig holds configuration for the alert handler
type AlertConfig struct {
	Notifiers        []Notifier
	CooldownDuration time.Duration
}

// NewAlertHandler creates a new alert handler
func NewAlertHandler(config AlertConfig) *AlertHandler {
	cooldown := config.CooldownDuration
	if cooldown == 0 {
		cooldown = DefaultAlertCooldown
	}

	return &AlertHandler{
		notifiers:        config.Notifiers,
		cooldowns:        make(map[EventType]time.Time),
		cooldownDuration: cooldown,
	}
}

// Start subscribes the handler to the given bus
func (h *AlertHandler) Start(bus *EventBus) {
	bus.SubscribeAll(h.handleEvent)
	log.Infof("%s Alert handler started (cooldown: %v, notifiers: %d)",
		logcolors.LogNotifier, h.cooldownDuration, len(h.notifiers))
}

func (h *AlertHandler) handleEvent(event *Event) {
	subject, message := formatAlert(event)
	if subject == "" {
		return
	}

	if !h.shouldAlert(event.Type, event.Timestamp) {
		log.Debugf("%s Skipping alert for %s (cooldown active)", logcolors.LogNotifier, event.Type)
		return
	}

	h.sendAlert(subject, message)
}

// shouldAlert checks if we should send an alert based on cooldown
func (h *AlertHandler) shouldAlert(eventType EventType, at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	lastAlert, exists := h.cooldowns[eventType]
	if !exists || at.Sub(lastAlert) >= h.cooldownDuration {
		h.cooldowns[eventType] = at
		return true
	}
	return false
}

// formatAlert turns an event into a notification. Events without a
// template return an empty subject and are not sent.
func formatAlert(event *Event) (subject, message string) {
	str := func(key string) string {
		v, _ := event.Data[key].(string)
		return v
	}
	num := func(key string) int {
		v, _ := event.Data[key].(int)
		return v
	}

	switch event.Type {
	case EventCircuitBreakerOpen:
		subject = "Circuit Breaker OPEN"
		message = fmt.Sprintf(
			"The %s circuit breaker has tripped after %d consecutive failures.\n\n"+
				"Track enrichment is paused for %s; charts are served without catalog data.\n\n"+
				"Action: Check Apple Music API status and the developer key.",
			str("name"), num("failures"), str("cooldown"))

	case EventTokenIssuanceFailed:
		subject = "Apple Music Token Issuance Failed"
		message = fmt.Sprintf(
			"Could not sign an Apple Music developer token.\n\n"+
				"Error: %s\n\n"+
				"Action: Verify APPLE_MUSIC_KEY_ID, APPLE_MUSIC_TEAM_ID and APPLE_MUSIC_AUTH_KEY.",
			str("error"))

	case EventServerStartupFailed:
		subject = "Server Startup FAILED"
		message = fmt.Sprintf(
			"The server failed to start.\n\n"+
				"Component: %s\n"+
				"Error: %s",
			str("component"), str("error"))

	case EventHighFailureRate:
		subject = "High Failure Rate Warning"
		message = fmt.Sprintf(
			"The %s circuit breaker has recorded %d/%d failures.\n\n"+
				"If failures continue, the circuit will open and enrichment will stop.",
			str("name"), num("failures"), num("threshold"))

	case EventChartRateLimited:
		subject = "Chart Provider Rate Limited"
		message = fmt.Sprintf(
			"The chart provider returned HTTP 429.\n\n"+
				"Chart refreshes are suspended until %s; cached charts are served meanwhile.",
			str("until"))

	case EventEnrichmentDropped:
		subject = "Enrichment Queue Full"
		message = fmt.Sprintf(
			"Background enrichment for %s was dropped (queue size %d).\n\n"+
				"Action: Consider raising ENRICHMENT_QUEUE_SIZE or ENRICHMENT_WORKERS.",
			str("key"), num("queue_size"))

	case EventCacheBackupFailed:
		subject = "Cache Backup Failed"
		message = fmt.Sprintf(
			"Failed to create cache backup.\n\n"+
				"Error: %s\n\n"+
				"Action: Check disk space and permissions.",
			str("error"))

	case EventCircuitBreakerRecovered:
		subject = "Circuit Breaker Recovered"
		message = fmt.Sprintf("The %s circuit breaker has recovered and is now operational.", str("name"))

	case EventServerStarted:
		enrichment, _ := event.Data["enrichment"].(bool)
		subject = "Server Started"
		message = fmt.Sprintf("Server started on port %s (cache: %s, enrichment: %v).",
			str("port"), str("backend"), enrichment)

	case EventCacheCleared:
		subject = "Cache Cleared"
		message = fmt.Sprintf("Cache namespace %q cleared (%d keys removed).", str("namespace"), num("removed"))

	default:
		return "", ""
	}

	switch event.Severity {
	case SeverityCritical:
		subject = "🚨 " + subject
	case SeverityWarning:
		subject = "⚠️ " + subject
	case SeverityInfo:
		subject = "ℹ️ " + subject
	}

	return subject, message
}

// sendAlert sends the alert through all configured notifiers
func (h *AlertHandler) sendAlert(subject, message string) {
	if len(h.notifiers) == 0 {
		log.Warnf("%s No notifiers configured, skipping alert: %s", logcolors.LogNotifier, subject)
		return
	}

	log.Infof("%s Sending alert: %s", logcolors.LogNotifier, subject)

	successCount := 0
	for _, n := range h.notifiers {
		if err := n.Send(subject, message); err != nil {
			log.Errorf("%s Failed to send alert via notifier: %v", logcolors.LogNotifier, err)
		} else {
			successCount++
		}
	}

	if successCount > 0 {
		log.Infof("%s Alert sent successfully via %d/%d notifiers", logcolors.LogNotifier, successCount, len(h.notifiers))
	}
}

// ResetAllCooldowns resets all cooldowns
func (h *AlertHandler) ResetAllCooldowns() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cooldowns = make(map[EventType]time.Time)
}
