package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"catalog/ingest/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS items (
    seq           BIGSERIAL,
    id            TEXT        PRIMARY KEY,
    title         TEXT        NOT NULL DEFAULT '',
    url           TEXT        NOT NULL DEFAULT '',
    price         BIGINT      NOT NULL DEFAULT 0,
    thumbnail_url TEXT        NOT NULL DEFAULT '',
    status        TEXT        NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'fetched', 'failed')),
    attributes    JSONB,
    derived       JSONB,
    attempt_count INTEGER     NOT NULL DEFAULT 0,
    last_error    TEXT        NOT NULL DEFAULT '',
    dead          BOOLEAN     NOT NULL DEFAULT FALSE,
    claimed_by    TEXT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_items_claimable ON items (seq) WHERE status = 'pending' AND claimed_by IS NULL;
CREATE TABLE IF NOT EXISTS crawl_cursor (
    id         INTEGER     PRIMARY KEY CHECK (id = 1),
    last_page  INTEGER     NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const upsertItemPostgres = `
	INSERT INTO items (id, title, url, price, thumbnail_url)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id)
	DO UPDATE SET title = $2, url = $3, price = $4, thumbnail_url = $5, updated_at = now()
	RETURNING (xmax = 0)`

const setCursorPostgres = `
	INSERT INTO crawl_cursor (id, last_page) VALUES (1, $1)
	ON CONFLICT (id) DO UPDATE SET last_page = $1, updated_at = now()`

const selectItemPostgres = `SELECT id, title, url, price, thumbnail_url, status, attributes, derived,
	attempt_count, last_error, dead, updated_at FROM items`

// PostgresStore keeps items in Postgres. Claims use row locks with SKIP LOCKED,
// so concurrent workers never see the same row.
type PostgresStore struct {
	db     *pgxpool.Pool
	closed atomic.Bool
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info("✅ Connected to Postgres successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if !s.closed.Swap(true) {
		s.db.Close()
	}
	return nil
}

func (s *PostgresStore) UpsertCatalogItem(ctx context.Context, item domain.CatalogItem) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	if item.Slug == "" {
		return false, fmt.Errorf("catalog item without slug (%q)", item.URL)
	}

	var created bool
	err := s.db.QueryRow(ctx, upsertItemPostgres,
		item.Slug, item.Title, item.URL, item.Price, item.ThumbnailURL).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("failed to upsert item %s: %w", item.Slug, err)
	}
	return created, nil
}

func (s *PostgresStore) CommitPage(ctx context.Context, page int, items []domain.CatalogItem) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	created := 0
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, item := range items {
			if item.Slug == "" {
				return fmt.Errorf("catalog item without slug (%q)", item.URL)
			}
			batch.Queue(upsertItemPostgres, item.Slug, item.Title, item.URL, item.Price, item.ThumbnailURL).
				QueryRow(func(row pgx.Row) error {
					var inserted bool
					if err := row.Scan(&inserted); err != nil {
						return err
					}
					if inserted {
						created++
					}
					return nil
				})
		}
		batch.Queue(setCursorPostgres, page)

		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to commit page %d: %w", page, err)
	}
	return created, nil
}

func (s *PostgresStore) ClaimNextPending(ctx context.Context, runID string) (*domain.WorkItem, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	row := s.db.QueryRow(ctx, `
	UPDATE items SET claimed_by = $1
	WHERE id = (
		SELECT id FROM items
		WHERE status = 'pending' AND claimed_by IS NULL
		ORDER BY seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, title, url, price, thumbnail_url, status, attributes, derived,
		attempt_count, last_error, dead, updated_at`, runID)

	item, err := scanPostgresItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim next pending item: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) MarkFetched(ctx context.Context, id string, details domain.ItemDetails, attempts int) error {
	if s.closed.Load() {
		return ErrClosed
	}

	tag, err := s.db.Exec(ctx, `
	UPDATE items
	SET status = 'fetched', attributes = $2, derived = $3, attempt_count = attempt_count + $4,
		last_error = '', claimed_by = NULL, updated_at = now()
	WHERE id = $1 AND status = 'pending'`,
		id, details.Attributes, details.Derived, attempts)
	if err != nil {
		return fmt.Errorf("failed to mark %s fetched: %w", id, err)
	}
	return s.expectOne(ctx, tag.RowsAffected(), id)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, reason string, attempts int, dead bool) error {
	if s.closed.Load() {
		return ErrClosed
	}

	tag, err := s.db.Exec(ctx, `
	UPDATE items
	SET status = 'failed', attempt_count = attempt_count + $2, last_error = $3, dead = $4,
		claimed_by = NULL, updated_at = now()
	WHERE id = $1 AND status = 'pending'`,
		id, attempts, reason, dead)
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", id, err)
	}
	return s.expectOne(ctx, tag.RowsAffected(), id)
}

func (s *PostgresStore) expectOne(ctx context.Context, n int64, id string) error {
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s: %w", id, ErrStateConflict)
}

func (s *PostgresStore) ReleaseClaims(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	tag, err := s.db.Exec(ctx, `UPDATE items SET claimed_by = NULL WHERE claimed_by IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to release claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ResetFailed(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE items SET status = 'pending', updated_at = now() WHERE status = 'failed' AND NOT dead`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetCursor(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var page int
	err := s.db.QueryRow(ctx, `SELECT last_page FROM crawl_cursor WHERE id = 1`).Scan(&page)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	return page, nil
}

func (s *PostgresStore) SetCursor(ctx context.Context, page int) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.Exec(ctx, setCursorPostgres, page); err != nil {
		return fmt.Errorf("failed to set cursor to page %d: %w", page, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.WorkItem, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	item, err := scanPostgresItem(s.db.QueryRow(ctx, selectItemPostgres+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item %s: %w", id, err)
	}
	return item, nil
}

func (s *PostgresStore) List(ctx context.Context, status domain.Status) ([]domain.WorkItem, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(ctx, selectItemPostgres+` WHERE status = $1 ORDER BY seq`, status.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s items: %w", status, err)
	}
	defer rows.Close()

	var items []domain.WorkItem
	for rows.Next() {
		item, err := scanPostgresItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s item: %w", status, err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) Counts(ctx context.Context) (domain.StatusCounts, error) {
	var c domain.StatusCounts
	if s.closed.Load() {
		return c, ErrClosed
	}

	err := s.db.QueryRow(ctx, `
	SELECT
		COUNT(*) FILTER (WHERE status = 'pending'),
		COUNT(*) FILTER (WHERE status = 'fetched'),
		COUNT(*) FILTER (WHERE status = 'failed'),
		COUNT(*) FILTER (WHERE dead)
	FROM items`).Scan(&c.Pending, &c.Fetched, &c.Failed, &c.Dead)
	if err != nil {
		return c, fmt.Errorf("failed to count items: %w", err)
	}

	c.Cursor, err = s.GetCursor(ctx)
	return c, err
}

func scanPostgresItem(row pgx.Row) (*domain.WorkItem, error) {
	var (
		item      domain.WorkItem
		status    string
		derived   *domain.DerivedSpecs
		updatedAt time.Time
	)
	err := row.Scan(&item.ID, &item.Catalog.Title, &item.Catalog.URL, &item.Catalog.Price,
		&item.Catalog.ThumbnailURL, &status, &item.Attributes, &derived,
		&item.AttemptCount, &item.LastError, &item.Dead, &updatedAt)
	if err != nil {
		return nil, err
	}

	item.Catalog.Slug = item.ID
	item.Status = domain.Status(status)
	item.UpdatedAt = updatedAt
	if derived != nil {
		item.Derived = *derived
	}
	return &item, nil
}
