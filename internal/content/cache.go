package content

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// CachingFetcher wraps a Fetcher with a SQLite-backed CID cache. The cache
// is ephemeral cost control, not durable state: losing it only means
// re-fetching from the gateway. CIDs are content addresses, so a cache hit
// can never be stale; the TTL only bounds disk growth.
type CachingFetcher struct {
	inner Fetcher
	db    *sql.DB
	ttl   time.Duration
}

const cacheMigration = `
CREATE TABLE IF NOT EXISTS content_cache (
	cid        TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	fetched_at DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_content_cache_expires_at ON content_cache(expires_at);
`

// NewCachingFetcher opens (or creates) the cache database at dsn and wraps
// inner with it.
func NewCachingFetcher(inner Fetcher, dsn string, ttl time.Duration) (*CachingFetcher, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "content: open cache")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "content: exec %s", pragma)
		}
	}
	if _, err := db.Exec(cacheMigration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "content: migrate cache")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachingFetcher{inner: inner, db: db, ttl: ttl}, nil
}

// Fetch returns cached content when present, otherwise delegates to the
// inner fetcher and stores the result. Cache failures degrade to a plain
// fetch; they are logged, never surfaced.
func (c *CachingFetcher) Fetch(ctx context.Context, cid string) (string, error) {
	var content string
	err := c.db.QueryRowContext(ctx,
		`SELECT content FROM content_cache WHERE cid = ? AND expires_at > datetime('now')`,
		cid,
	).Scan(&content)
	switch {
	case err == nil:
		return content, nil
	case err != sql.ErrNoRows:
		zap.L().Warn("content: cache read failed", zap.String("cid", cid), zap.Error(err))
	}

	content, err = c.inner.Fetch(ctx, cid)
	if err != nil {
		return "", err
	}

	// Stored in the same "YYYY-MM-DD HH:MM:SS" shape datetime('now') emits
	// so the expiry comparison stays a plain string compare.
	expires := time.Now().UTC().Add(c.ttl).Format("2006-01-02 15:04:05")
	if _, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO content_cache (cid, content, fetched_at, expires_at) VALUES (?, ?, datetime('now'), ?)`,
		cid, content, expires,
	); err != nil {
		zap.L().Warn("content: cache write failed", zap.String("cid", cid), zap.Error(err))
	}
	return content, nil
}

// PruneExpired deletes expired cache rows, returning the number removed.
func (c *CachingFetcher) PruneExpired(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM content_cache WHERE expires_at <= datetime('now')`)
	if err != nil {
		return 0, eris.Wrap(err, "content: prune cache")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "content: prune cache rows")
	}
	return int(n), nil
}

// Close closes the cache database.
func (c *CachingFetcher) Close() error {
	return c.db.Close()
}
