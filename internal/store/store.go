// Package store persists accounts, posts and signals. The same schema runs on
// SQLite (modernc) and Postgres (lib/pq); queries are written with ? binds and
// rebound per driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ibeckermayer/sigcrawl/internal/config"
	"github.com/ibeckermayer/sigcrawl/internal/types"
)


func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store handles all database operations
type Store struct {
	db *sqlx.DB
}

// Open connects to driver ("sqlite" or "postgres") and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case config.StoreDriverSQLite:
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0700); err != nil {
				return nil, err
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)"
		}
	case config.StoreDriverPostgres:
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == config.StoreDriverSQLite {
		// one writer at a time keeps SQLite from returning SQLITE_BUSY mid-transaction
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewWithDB(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// NewWithDB wraps an existing connection without touching the schema.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the database schema
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		last_seen_post_at BIGINT
	);

	CREATE TABLE IF NOT EXISTS tweets (
		permalink TEXT PRIMARY KEY,
		author_id TEXT NOT NULL,
		text TEXT NOT NULL,
		posted_at BIGINT NOT NULL,
		reply_count BIGINT,
		repost_count BIGINT,
		like_count BIGINT,
		synthetic BOOLEAN NOT NULL DEFAULT FALSE,
		scraped_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		asset_key TEXT NOT NULL,
		symbol TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		detected BOOLEAN NOT NULL,
		sentiment TEXT NOT NULL,
		action TEXT NOT NULL,
		strength DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		rationale TEXT NOT NULL,
		classifier TEXT NOT NULL,
		source_permalinks TEXT NOT NULL,
		expires_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tweets_scraped_at ON tweets(scraped_at);
	CREATE INDEX IF NOT EXISTS idx_signals_asset_action ON signals(asset_key, action, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// UpsertAccounts registers tracked accounts. Existing watermarks are kept.
func (s *Store) UpsertAccounts(ctx context.Context, accounts []types.TrackedAccount) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(`
		INSERT INTO accounts (id, display_name)
		VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET display_name = excluded.display_name`)

	for _, a := range accounts {
		if _, err := tx.ExecContext(ctx, query, a.ID, a.DisplayName); err != nil {
			return fmt.Errorf("failed to upsert account %s: %w", a.ID, err)
		}
	}

	return tx.Commit()
}

// ListAccounts returns every tracked account ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]types.TrackedAccount, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, display_name, last_seen_post_at
		FROM accounts
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts := make([]types.TrackedAccount, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.toAccount())
	}
	return accounts, nil
}

// AdvanceWatermark moves an account's last_seen_post_at forward to at. An
// older or equal value leaves the stored watermark untouched.
func (s *Store) AdvanceWatermark(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO accounts (id, display_name, last_seen_post_at)
		VALUES (?, '', ?)
		ON CONFLICT (id) DO UPDATE SET last_seen_post_at = excluded.last_seen_post_at
		WHERE accounts.last_seen_post_at IS NULL
			OR accounts.last_seen_post_at < excluded.last_seen_post_at`),
		id, toMillis(at))
	if err != nil {
		return fmt.Errorf("failed to advance watermark for %s: %w", id, err)
	}
	return nil
}

// InsertPosts writes posts in one transaction, ignoring permalinks that are
// already stored, and returns the posts that were actually inserted.
func (s *Store) InsertPosts(ctx context.Context, posts []types.Post) ([]types.Post, error) {
	if len(posts) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(`
		INSERT INTO tweets (permalink, author_id, text, posted_at,
			reply_count, repost_count, like_count, synthetic, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (permalink) DO NOTHING`)

	var inserted []types.Post
	for _, p := range posts {
		r := newPostRow(p)
		res, err := tx.ExecContext(ctx, query,
			r.Permalink, r.AuthorID, r.Text, r.PostedAt,
			r.ReplyCount, r.RepostCount, r.LikeCount, r.Synthetic, r.ScrapedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert post %s: %w", p.Permalink, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			inserted = append(inserted, p)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit posts: %w", err)
	}
	return inserted, nil
}

// CountPosts returns the number of stored posts
func (s *Store) CountPosts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM tweets`); err != nil {
		return 0, fmt.Errorf("failed to count posts: %w", err)
	}
	return n, nil
}

// RecentPosts returns posts stored at or after since, newest first.
func (s *Store) RecentPosts(ctx context.Context, since time.Time) ([]types.Post, error) {
	var rows []postRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT permalink, author_id, text, posted_at, reply_count,
			repost_count, like_count, synthetic, scraped_at
		FROM tweets
		WHERE scraped_at >= ?
		ORDER BY posted_at DESC`), toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query recent posts: %w", err)
	}

	posts := make([]types.Post, 0, len(rows))
	for _, r := range rows {
		posts = append(posts, r.toPost())
	}
	return posts, nil
}

const signalColumns = `id, asset_key, symbol, name, address, detected, sentiment,
	action, strength, confidence, rationale, classifier, source_permalinks,
	expires_at, created_at`

// findRecentSignal returns the newest signal for assetKey and action created
// at or after since, or nil when there is none.
func findRecentSignal(ctx context.Context, q sqlx.ExtContext, assetKey string, action types.Action, since time.Time) (*types.Signal, error) {
	var row signalRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`
		SELECT `+signalColumns+`
		FROM signals
		WHERE asset_key = ? AND action = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1`), assetKey, string(action), toMillis(since))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recent signal: %w", err)
	}

	sig, err := row.toSignal()
	if err != nil {
		return nil, fmt.Errorf("failed to decode signal %s: %w", row.ID, err)
	}
	return &sig, nil
}

func insertSignal(ctx context.Context, e sqlx.ExtContext, sig types.Signal) error {
	row, err := newSignalRow(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal source permalinks: %w", err)
	}

	query := e.Rebind(`
		INSERT INTO signals (` + signalColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = e.ExecContext(ctx, query,
		row.ID, row.AssetKey, row.Symbol, row.Name, row.Address, row.Detected,
		row.Sentiment, row.Action, row.Strength, row.Confidence, row.Rationale,
		row.Classifier, row.SourcePermalinks, row.ExpiresAt, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

// SaveSignalIfAbsent inserts sig unless a signal for the same asset and action
// was created within window before sig.CreatedAt. The existing signal is
// returned with created=false in that case. Lookup and insert share one
// transaction.
func (s *Store) SaveSignalIfAbsent(ctx context.Context, sig types.Signal, window time.Duration) (types.Signal, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return types.Signal{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := findRecentSignal(ctx, tx, sig.Asset.Key(), sig.Action, sig.CreatedAt.Add(-window))
	if err != nil {
		return types.Signal{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	if err := insertSignal(ctx, tx, sig); err != nil {
		return types.Signal{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return types.Signal{}, false, fmt.Errorf("failed to commit signal: %w", err)
	}
	return sig, true, nil
}

// ListSignals returns signals created at or after since, newest first. A
// non-positive limit means no limit.
func (s *Store) ListSignals(ctx context.Context, since time.Time, limit int) ([]types.Signal, error) {
	query := `
		SELECT ` + signalColumns + `
		FROM signals
		WHERE created_at >= ?
		ORDER BY created_at DESC`
	args := []any{toMillis(since)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []signalRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}

	signals := make([]types.Signal, 0, len(rows))
	for _, r := range rows {
		sig, err := r.toSignal()
		if err != nil {
			return nil, fmt.Errorf("failed to decode signal %s: %w", r.ID, err)
		}
		signals = append(signals, sig)
	}
	return signals, nil
}
