package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"billboard-api-go/logcolors"
	"billboard-api-go/utils"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const bucketName = "cache"

// PersistentCache wraps BoltDB with an in-memory cache for fast access.
// It is the single-instance alternative to RedisStore.
type PersistentCache struct {
	db                 *bolt.DB
	memCache           sync.Map
	dbPath             string
	backupPath         string
	compressionEnabled bool
	now                func() time.Time
}

// CacheEntry is the stored form of a value (possibly compressed).
type CacheEntry struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expiresAt,omitempty"` // unix nanos, 0 means never
}

func (e CacheEntry) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() > e.ExpiresAt
}

// NewPersistentCache opens (or creates) the database at dbPath.
func NewPersistentCache(dbPath string, backupPath string, compressionEnabled bool) (*PersistentCache, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %v", err)
	}

	if backupPath != "" {
		if err := os.MkdirAll(backupPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create backup directory: %v", err)
		}
		log.Infof("%s Backup directory set to: %s", logcolors.LogCacheInit, backupPath)
	}

	if info, err := os.Stat(dbPath); err == nil {
		log.Infof("%s Found existing database file at: %s (size: %d bytes)", logcolors.LogCacheInit, dbPath, info.Size())
	} else {
		log.Infof("%s Creating new database file at: %s", logcolors.LogCacheInit, dbPath)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %v", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %v", err)
	}

	pc := &PersistentCache{
		db:                 db,
		dbPath:             dbPath,
		backupPath:         backupPath,
		compressionEnabled: compressionEnabled,
		now:                time.Now,
	}

	if err := pc.loadToMemory(); err != nil {
		log.Warnf("%s Failed to preload cache to memory: %v", logcolors.LogCache, err)
	}

	log.Infof("%s Persistent cache initialized at %s (compression: %v)", logcolors.LogCache, dbPath, compressionEnabled)
	return pc, nil
}

// loadToMemory loads all unexpired entries from disk to memory
func (pc *PersistentCache) loadToMemory() error {
	count, skipped := 0, 0
	now := pc.now()
	err := pc.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var entry CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				log.Warnf("%s Failed to unmarshal cache entry for key %s: %v", logcolors.LogCache, string(k), err)
				return nil
			}
			if entry.expired(now) {
				skipped++
				return nil
			}
			pc.memCache.Store(string(k), entry)
			count++
			return nil
		})
	})
	if err != nil {
		return err
	}

	log.Infof("%s Loaded %d entries from disk to memory (%d expired)", logcolors.LogCache, count, skipped)
	return nil
}

func (pc *PersistentCache) decode(key string, entry CacheEntry) (string, bool, error) {
	if !pc.compressionEnabled {
		return entry.Value, true, nil
	}
	decompressed, err := utils.DecompressString(entry.Value)
	if err != nil {
		return "", false, fmt.Errorf("decompress %s: %w", key, err)
	}
	return decompressed, true, nil
}

// Get checks memory first, then disk. Expired entries are reported as
// missing and left for PurgeExpired.
func (pc *PersistentCache) Get(_ context.Context, key string) (string, bool, error) {
	now := pc.now()

	if v, ok := pc.memCache.Load(key); ok {
		entry := v.(CacheEntry)
		if entry.expired(now) {
			return "", false, nil
		}
		return pc.decode(key, entry)
	}

	var entry CacheEntry
	var found bool
	err := pc.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("bolt get %s: %w", key, err)
	}
	if !found || entry.expired(now) {
		return "", false, nil
	}

	pc.memCache.Store(key, entry)
	return pc.decode(key, entry)
}

// Set stores a value in memory and on disk, compressing it when enabled.
func (pc *PersistentCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	finalValue := value
	if pc.compressionEnabled {
		compressed, err := utils.CompressString(value)
		if err != nil {
			return fmt.Errorf("compress %s: %w", key, err)
		}
		finalValue = compressed
	}

	entry := CacheEntry{Value: finalValue}
	if ttl > 0 {
		entry.ExpiresAt = pc.now().Add(ttl).UnixNano()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	err = pc.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("bolt put %s: %w", key, err)
	}

	pc.memCache.Store(key, entry)
	return nil
}

func (pc *PersistentCache) Delete(_ context.Context, key string) error {
	pc.memCache.Delete(key)

	return pc.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Delete([]byte(key))
	})
}

// Keys returns every key with the given prefix, expired or not.
func (pc *PersistentCache) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := pc.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func (pc *PersistentCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return pc.deleteWhere(func(k string, _ CacheEntry) bool {
		return strings.HasPrefix(k, prefix)
	})
}

// PurgeExpired removes entries whose expiry has passed.
func (pc *PersistentCache) PurgeExpired() (int, error) {
	now := pc.now()
	n, err := pc.deleteWhere(func(_ string, e CacheEntry) bool {
		return e.expired(now)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Infof("%s Purged %d expired entries", logcolors.LogCachePurge, n)
	}
	return n, nil
}

func (pc *PersistentCache) deleteWhere(match func(key string, entry CacheEntry) bool) (int, error) {
	var removed []string
	err := pc.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if match(string(k), entry) {
				removed = append(removed, string(k))
			}
		}
		for _, k := range removed {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range removed {
		pc.memCache.Delete(k)
	}
	return len(removed), nil
}

// Clear removes all entries from cache
func (pc *PersistentCache) Clear() error {
	pc.memCache.Range(func(key, value interface{}) bool {
		pc.memCache.Delete(key)
		return true
	})

	return pc.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketName)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucketName))
		return err
	})
}

// Stats counts entries held in memory.
func (pc *PersistentCache) Stats(_ context.Context) (Stats, error) {
	numKeys, size := 0, 0
	pc.memCache.Range(func(k, v interface{}) bool {
		numKeys++
		size += len(k.(string)) + len(v.(CacheEntry).Value)
		return true
	})
	return Stats{Backend: "bolt", Keys: numKeys, SizeKB: size / 1024}, nil
}

// Backup writes a consistent copy of the database to the backup directory
// and returns its path.
func (pc *PersistentCache) Backup() (string, error) {
	if pc.backupPath == "" {
		return "", fmt.Errorf("no backup path configured")
	}

	timestamp := pc.now().Format("2006-01-02_15-04-05")
	backupFilePath := filepath.Join(pc.backupPath, fmt.Sprintf("cache_backup_%s.db", timestamp))

	log.Infof("%s Creating backup at: %s", logcolors.LogCacheBackup, backupFilePath)

	err := pc.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(backupFilePath, 0600)
	})
	if err != nil {
		return "", fmt.Errorf("failed to copy database file: %v", err)
	}

	log.Infof("%s Backup created successfully: %s", logcolors.LogCacheBackup, backupFilePath)
	return backupFilePath, nil
}

// BackupAndClear creates a backup of the cache and then clears it
func (pc *PersistentCache) BackupAndClear() (string, error) {
	backupPath, err := pc.Backup()
	if err != nil {
		return "", fmt.Errorf("failed to create backup: %v", err)
	}

	if err := pc.Clear(); err != nil {
		return backupPath, fmt.Errorf("backup created but failed to clear cache: %v", err)
	}

	log.Infof("%s Cache cleared successfully (backup: %s)", logcolors.LogCacheClear, backupPath)
	return backupPath, nil
}

// BackupInfo contains metadata about a backup file
type BackupInfo struct {
	FileName  string    `json:"fileName"`
	Size      int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListBackups returns all backup files in the backup directory.
func (pc *PersistentCache) ListBackups() ([]BackupInfo, error) {
	var backups []BackupInfo

	entries, err := os.ReadDir(pc.backupPath)
	if err != nil {
		if os.IsNotExist(err) {
			return backups, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %v", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".db" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Warnf("%s Failed to get info for %s: %v", logcolors.LogCacheBackup, entry.Name(), err)
			continue
		}

		backups = append(backups, BackupInfo{
			FileName:  entry.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	return backups, nil
}

// Close closes the database connection
func (pc *PersistentCache) Close() error {
	if pc.db != nil {
		return pc.db.Close()
	}
	return nil
}

var _ Backend = (*PersistentCache)(nil)
