package main

import (
	"context"
	"errors"
	"sort"
	"time"

	"billboard-api-go/cache"
	"billboard-api-go/logcolors"
	"billboard-api-go/middleware"
	"billboard-api-go/services/charts"

	log "github.com/sirupsen/logrus"
)

var errUnknownNamespace = errors.New("unknown cache namespace")

type clearResult struct {
	Removed    int
	BackupPath string
}

// clearNamespace deletes every key in the named namespace. Clearing "all"
// on the bolt backend snapshots the database first. The charts namespace
// leaves enriched and refresh keys in place.
func clearNamespace(ctx context.Context, store cache.Backend, namespace string) (clearResult, error) {
	prefix, ok := charts.Namespaces[namespace]
	if !ok {
		return clearResult{}, errUnknownNamespace
	}

	if pc, isBolt := store.(*cache.PersistentCache); isBolt && prefix == "" {
		before, err := pc.Stats(ctx)
		if err != nil {
			return clearResult{}, err
		}
		backupPath, err := pc.BackupAndClear()
		if err != nil {
			return clearResult{}, err
		}
		return clearResult{Removed: before.Keys, BackupPath: backupPath}, nil
	}

	if namespace != "charts" {
		removed, err := store.DeletePrefix(ctx, prefix)
		if err != nil {
			return clearResult{}, err
		}
		return clearResult{Removed: removed}, nil
	}

	keys, err := charts.NamespaceKeys(ctx, store, namespace)
	if err != nil {
		return clearResult{}, err
	}
	var res clearResult
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil {
			return res, err
		}
		res.Removed++
	}
	return res, nil
}

func namespaceNames() []string {
	names := make([]string, 0, len(charts.Namespaces))
	for name := range charts.Namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// purgeExpired drops expired bolt entries on every tick. Redis and the
// in-memory store expire keys themselves.
func purgeExpired(ctx context.Context, store cache.Backend, interval time.Duration) {
	pc, ok := store.(*cache.PersistentCache)
	if !ok || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := pc.PurgeExpired()
			if err != nil {
				log.Errorf("%s Failed to purge expired entries: %v", logcolors.LogCachePurge, err)
				continue
			}
			if removed > 0 {
				log.Infof("%s Purged %d expired entries", logcolors.LogCachePurge, removed)
			}
		}
	}
}

// pruneLimiters forgets clients that have been idle for longer than maxIdle.
func pruneLimiters(ctx context.Context, limiter *middleware.IPRateLimiter, maxIdle time.Duration) {
	ticker := time.NewTicker(maxIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := limiter.Prune(maxIdle); removed > 0 {
				log.Debugf("%s Pruned %d idle clients, %d tracked", logcolors.LogRateLimit, removed, limiter.Size())
			}
		}
	}
}
