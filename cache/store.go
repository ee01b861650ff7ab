package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store is a key/value store with per-key expiry. A ttl of 0 means the
// record never expires. Every Set replaces the whole record.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Backend is a Store that also supports the admin endpoints.
type Backend interface {
	Store
	Keys(ctx context.Context, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats describes the contents of a backend.
type Stats struct {
	Backend string `json:"backend"`
	Keys    int    `json:"keys"`
	SizeKB  int    `json:"size_kb,omitempty"`
}

// Options selects and configures a backend.
type Options struct {
	Backend     string // "redis", "bolt" or "memory"
	RedisURL    string
	DBPath      string
	BackupPath  string
	Compression bool
}

// Open creates the backend named in opts.
func Open(opts Options) (Backend, error) {
	switch strings.ToLower(opts.Backend) {
	case "", "redis":
		return NewRedisStore(opts.RedisURL)
	case "bolt", "bbolt":
		return NewPersistentCache(opts.DBPath, opts.BackupPath, opts.Compression)
	case "memory":
		return NewMemoryStore(nil), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}
