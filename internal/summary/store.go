// Package summary persists per-file summaries of a target repository so they
// are generated at most once per content digest. Summaries survive across
// runs in an embedded sqlite database, fronted by an LRU cache.
package summary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// openDB is a seam for tests.
var openDB = sql.Open

const cacheSize = 512

const schema = `
CREATE TABLE IF NOT EXISTS summaries (
	identity   TEXT NOT NULL,
	path       TEXT NOT NULL,
	digest     TEXT NOT NULL,
	summary    TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (identity, path)
);
CREATE INDEX IF NOT EXISTS idx_summaries_identity ON summaries (identity);
`

// Record is one stored summary.
type Record struct {
	Identity  string
	Path      string
	Digest    string
	Summary   string
	UpdatedAt time.Time
}

// Generator produces a summary when the store has no current one. It is only
// invoked on a digest miss.
type Generator func(ctx context.Context) (string, error)

// Store is the summary database for all repository identities.
type Store struct {
	db     *sql.DB
	cache  *lru.Cache[string, Record]
	logger *zap.Logger
}

// Open opens (or creates) the summary database at <root>/summaries.db.
func Open(root string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating summary directory: %w", err)
	}

	db, err := openDB("sqlite", filepath.Join(root, "summaries.db"))
	if err != nil {
		return nil, fmt.Errorf("opening summary database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing summary schema: %w", err)
	}

	cache, err := lru.New[string, Record](cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating summary cache: %w", err)
	}

	return &Store{db: db, cache: cache, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func cacheKey(identity, path string) string {
	return identity + "\x00" + path
}

// Get returns the stored summary for a file, if any.
func (s *Store) Get(ctx context.Context, identity, path string) (Record, bool, error) {
	if rec, ok := s.cache.Get(cacheKey(identity, path)); ok {
		return rec, true, nil
	}

	var rec Record
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, path, digest, summary, updated_at FROM summaries WHERE identity = ? AND path = ?`,
		identity, path,
	).Scan(&rec.Identity, &rec.Path, &rec.Digest, &rec.Summary, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("querying summary: %w", err)
	}

	s.cache.Add(cacheKey(identity, path), rec)
	return rec, true, nil
}

// GetOrGenerate returns the summary for a file at a given content digest,
// invoking gen only when no summary exists for that digest. The bool reports
// whether gen ran.
func (s *Store) GetOrGenerate(ctx context.Context, identity, path, digest string, gen Generator) (string, bool, error) {
	rec, ok, err := s.Get(ctx, identity, path)
	if err != nil {
		return "", false, err
	}
	if ok && rec.Digest == digest {
		return rec.Summary, false, nil
	}

	text, err := gen(ctx)
	if err != nil {
		return "", false, fmt.Errorf("generating summary for %s: %w", path, err)
	}

	if err := s.upsert(ctx, Record{
		Identity:  identity,
		Path:      path,
		Digest:    digest,
		Summary:   text,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return "", false, err
	}
	return text, true, nil
}

func (s *Store) upsert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (identity, path, digest, summary, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (identity, path) DO UPDATE SET
		   digest = excluded.digest,
		   summary = excluded.summary,
		   updated_at = excluded.updated_at`,
		rec.Identity, rec.Path, rec.Digest, rec.Summary, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting summary: %w", err)
	}
	s.cache.Add(cacheKey(rec.Identity, rec.Path), rec)
	return nil
}

// Count returns how many summaries exist for an identity. A zero count on a
// non-empty repository signals that a backfill pass is needed.
func (s *Store) Count(ctx context.Context, identity string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM summaries WHERE identity = ?`, identity,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting summaries: %w", err)
	}
	return n, nil
}

// List returns all summaries for an identity ordered by path, for building
// briefings and module-level rollups.
func (s *Store) List(ctx context.Context, identity string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, path, digest, summary, updated_at FROM summaries WHERE identity = ? ORDER BY path`,
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("listing summaries: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Identity, &rec.Path, &rec.Digest, &rec.Summary, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
