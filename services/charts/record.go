package charts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"billboard-api-go/cache"
	"billboard-api-go/services/providers"
)

// Cache namespaces. Basic and enriched records for a key live side by side
// until an enriched write supersedes the basic one.
const (
	basicPrefix    = "billboard:"
	enrichedPrefix = "billboard:enriched:"
	refreshPrefix  = "billboard:refresh:"
)

// BasicKey is the cache key of the unenriched snapshot for key.
func BasicKey(key providers.ChartKey) string {
	return basicPrefix + key.String()
}

// EnrichedKey is the cache key of the enriched snapshot for key.
func EnrichedKey(key providers.ChartKey) string {
	return enrichedPrefix + key.String()
}

// RefreshStateKey is the cache key of the publish-day recheck state.
func RefreshStateKey(key providers.ChartKey) string {
	return refreshPrefix + key.String()
}

// Namespaces maps the names accepted by the cache admin endpoints to
// key prefixes.
var Namespaces = map[string]string{
	"charts":      basicPrefix,
	"enriched":    enrichedPrefix,
	"refresh":     refreshPrefix,
	"apple_music": "apple_music:",
	"all":         "",
}

// InNamespace reports whether key belongs to the named namespace. Enriched
// and refresh keys share the charts prefix but are not part of it.
func InNamespace(name, key string) bool {
	prefix, ok := Namespaces[name]
	if !ok || !strings.HasPrefix(key, prefix) {
		return false
	}
	if name == "charts" {
		return !strings.HasPrefix(key, enrichedPrefix) && !strings.HasPrefix(key, refreshPrefix)
	}
	return true
}

// NamespaceKeys lists the keys of the named namespace.
func NamespaceKeys(ctx context.Context, store cache.Backend, name string) ([]string, error) {
	prefix, ok := Namespaces[name]
	if !ok {
		return nil, fmt.Errorf("unknown namespace %q", name)
	}
	keys, err := store.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if InNamespace(name, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Record is the stored cache value. It is always written whole.
type Record struct {
	Snapshot  *providers.ChartSnapshot `json:"snapshot"`
	ExpiresAt time.Time                `json:"expires_at"` // zero for historical charts
}

func loadRecord(ctx context.Context, store cache.Store, key string) (*Record, error) {
	raw, found, err := store.Get(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if rec.Snapshot == nil {
		return nil, fmt.Errorf("decode %s: record has no snapshot", key)
	}
	return &rec, nil
}

func saveRecord(ctx context.Context, store cache.Store, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(data), ttl)
}

// newer returns whichever record was fetched later. Ties go to enriched.
func newer(basic, enriched *Record) *Record {
	switch {
	case basic == nil:
		return enriched
	case enriched == nil:
		return basic
	case basic.Snapshot.FetchedAt.After(enriched.Snapshot.FetchedAt):
		return basic
	default:
		return enriched
	}
}

func loadRefreshState(ctx context.Context, store cache.Store, key providers.ChartKey) (RefreshState, error) {
	var st RefreshState
	raw, found, err := store.Get(ctx, RefreshStateKey(key))
	if err != nil || !found {
		return st, err
	}
	err = json.Unmarshal([]byte(raw), &st)
	return st, err
}

func saveRefreshState(ctx context.Context, store cache.Store, key providers.ChartKey, st RefreshState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return store.Set(ctx, RefreshStateKey(key), string(data), 8*24*time.Hour)
}
