package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Cache is a persistent store for fetched raw file contents, keyed by
// (repo, commit, path). Content at a commit is immutable, so entries never
// need invalidation; Prune exists only to bound disk use.
type Cache struct {
	db *sql.DB
}

// OpenCache creates or opens a content cache at the given path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("backend: create cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("backend: open cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("backend: ping cache: %w", err)
	}
	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("backend: migrate cache: %w", err)
	}
	return c, nil
}

// OpenMemoryCache creates an in-memory cache (useful for testing).
func OpenMemoryCache() (*Cache, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("backend: open in-memory cache: %w", err)
	}
	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("backend: migrate cache: %w", err)
	}
	return c, nil
}

func (c *Cache) migrate() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS contents (
			repo       TEXT NOT NULL,
			commit_id  TEXT NOT NULL,
			path       TEXT NOT NULL,
			content    TEXT NOT NULL,
			fetched_at TIMESTAMP NOT NULL,
			PRIMARY KEY (repo, commit_id, path)
		)`)
	return err
}

// Get returns the cached content for a key and whether it was present.
func (c *Cache) Get(ctx context.Context, repo, commit, path string) (string, bool, error) {
	var content string
	err := c.db.QueryRowContext(ctx,
		`SELECT content FROM contents WHERE repo = ? AND commit_id = ? AND path = ?`,
		repo, commit, path,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("backend: cache get: %w", err)
	}
	return content, true, nil
}

// Put stores content for a key, replacing any existing entry.
func (c *Cache) Put(ctx context.Context, repo, commit, path, content string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO contents (repo, commit_id, path, content, fetched_at)
		 VALUES (?, ?, ?, ?, ?)`,
		repo, commit, path, content, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("backend: cache put: %w", err)
	}
	return nil
}

// Prune deletes entries fetched before cutoff and returns how many were
// removed.
func (c *Cache) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM contents WHERE fetched_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("backend: cache prune: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the cache's database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}
