package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Cache is a SQLite-backed key/value cache with TTL expiry and a bounded
// entry count. Values are stored as JSON.
type Cache struct {
	db      *sql.DB
	ttl     time.Duration
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats reports cache hit and miss counts for the lifetime of the process.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int64
}

// New creates a Cache with the database at <dataDir>/cache.db.
func New(dataDir string, ttl time.Duration, maxSize int) (*Cache, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".slackrag")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return NewWithPath(filepath.Join(dataDir, "cache.db"), ttl, maxSize)
}

// NewWithPath creates a Cache with a custom database path. Useful for testing.
func NewWithPath(dbPath string, ttl time.Duration, maxSize int) (*Cache, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxSize <= 0 {
		maxSize = 1000
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	c := &Cache{db: db, ttl: ttl, maxSize: maxSize}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate cache database: %w", err)
	}
	return c, nil
}

func (c *Cache) migrate() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			stored_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create cache_entries table: %w", err)
	}
	_, err = c.db.Exec(`CREATE INDEX IF NOT EXISTS idx_cache_entries_stored_at ON cache_entries(stored_at);`)
	if err != nil {
		return fmt.Errorf("failed to create cache index: %w", err)
	}
	return nil
}

// Get loads the cached value for key into dst. It returns false on a miss,
// expired entries included; expired entries are deleted on read.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT value, stored_at FROM cache_entries WHERE key = ?`, key)

	var (
		value    []byte
		storedAt int64
	)
	err := row.Scan(&value, &storedAt)
	if err == sql.ErrNoRows {
		c.misses.Add(1)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	if time.Since(time.Unix(0, storedAt)) >= c.ttl {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return false, fmt.Errorf("failed to evict expired entry: %w", err)
		}
		c.misses.Add(1)
		return false, nil
	}

	if err := json.Unmarshal(value, dst); err != nil {
		return false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	c.hits.Add(1)
	return true, nil
}

// Set stores value under key, replacing any previous entry. When the entry
// count exceeds the maximum, the oldest entries are pruned.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (key, value, stored_at) VALUES (?, ?, ?)`,
		key, encoded, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE key IN (
			SELECT key FROM cache_entries
			ORDER BY stored_at DESC, key
			LIMIT -1 OFFSET ?
		)`, c.maxSize)
	if err != nil {
		return fmt.Errorf("failed to prune cache: %w", err)
	}
	return nil
}

// Delete removes the entry for key if present.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Clear removes all entries.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// Stats returns hit/miss counters and the current entry count.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&stats.Entries)
	if err != nil {
		return stats, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return stats, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
