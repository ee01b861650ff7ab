package charts

import (
	"time"

	"billboard-api-go/services/providers"
)

// Decision is what the scheduler wants done with a cached chart.
type Decision int

const (
	UseCache Decision = iota
	RefreshNow
	RefreshIfStale
)

func (d Decision) String() string {
	switch d {
	case UseCache:
		return "use-cache"
	case RefreshNow:
		return "refresh-now"
	case RefreshIfStale:
		return "refresh-if-stale"
	default:
		return "unknown"
	}
}

// RefreshState tracks publish-day rechecks for one chart. It is shared
// through the cache so every instance sees the same hour bucket.
type RefreshState struct {
	Day               string `json:"day"`
	BaselineLabel     string `json:"baseline_label"`
	LastAttemptBucket int64  `json:"last_attempt_bucket"`
}

// ForDay returns the state to use on now's calendar day. A state left
// over from an earlier day is reset, with label as the baseline.
func (s RefreshState) ForDay(now time.Time, label string) RefreshState {
	day := now.Format(providers.WeekLayout)
	if s.Day == day {
		return s
	}
	return RefreshState{Day: day, BaselineLabel: label}
}

// Policy decides between serving cached charts and refetching them.
type Policy struct {
	Retention  time.Duration
	PublishDay time.Weekday
}

// DefaultPolicy keeps current charts for 7 days and rechecks on Tuesdays.
func DefaultPolicy() Policy {
	return Policy{Retention: 7 * 24 * time.Hour, PublishDay: time.Tuesday}
}

// Fresh reports whether snap is inside the retention window at now.
func (p Policy) Fresh(snap *providers.ChartSnapshot, now time.Time) bool {
	return snap != nil && !now.After(snap.FetchedAt.Add(p.Retention))
}

// Decide applies the refresh rules. Historical charts never change, so a
// cached one is used even when force is set.
func (p Policy) Decide(key providers.ChartKey, cached *providers.ChartSnapshot, force bool, state RefreshState, now time.Time) Decision {
	if key.Historical(now) {
		if cached != nil {
			return UseCache
		}
		return RefreshNow
	}

	if force || cached == nil || !p.Fresh(cached, now) {
		return RefreshNow
	}

	if now.Weekday() == p.PublishDay &&
		NeedsWeekdayRecheck(now, state.LastAttemptBucket, state.BaselineLabel, cached.WeekLabel) {
		return RefreshIfStale
	}
	return UseCache
}

// NeedsWeekdayRecheck reports whether a publish-day recheck is due. Once
// the cached label has moved past the day's baseline the new chart is in
// and no more rechecks happen. Otherwise one attempt is allowed per hour.
func NeedsWeekdayRecheck(now time.Time, lastAttemptBucket int64, baselineLabel, cachedLabel string) bool {
	if baselineLabel != "" && cachedLabel != baselineLabel {
		return false
	}
	return hourBucket(now) > lastAttemptBucket
}

func hourBucket(t time.Time) int64 {
	return t.Unix() / 3600
}
