package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"catalog/ingest/internal/domain"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps items in a single SQLite file. One connection serialises
// every write; multi-statement changes run in a transaction.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
// Pass ":memory:" for an in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Debugf("SQLite store opened at %s", path)
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := strconv.Atoi(strings.SplitN(entry.Name(), "_", 2)[0])
		if err != nil {
			return fmt.Errorf("invalid migration filename %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func (s *SQLiteStore) UpsertCatalogItem(ctx context.Context, item domain.CatalogItem) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	created, err := upsertSQLite(ctx, tx, item, now())
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing upsert: %w", err)
	}
	return created, nil
}

func (s *SQLiteStore) CommitPage(ctx context.Context, page int, items []domain.CatalogItem) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning page %d transaction: %w", page, err)
	}
	defer tx.Rollback()

	ts := now()
	created := 0
	for _, item := range items {
		ok, err := upsertSQLite(ctx, tx, item, ts)
		if err != nil {
			return 0, fmt.Errorf("page %d: %w", page, err)
		}
		if ok {
			created++
		}
	}

	if err := setCursorSQLite(ctx, tx, page, ts); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing page %d: %w", page, err)
	}
	return created, nil
}

func upsertSQLite(ctx context.Context, tx *sql.Tx, item domain.CatalogItem, ts string) (bool, error) {
	if item.Slug == "" {
		return false, fmt.Errorf("catalog item without slug (%q)", item.URL)
	}

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM items WHERE id = ?", item.Slug).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking item %s: %w", item.Slug, err)
	}

	_, err := tx.ExecContext(ctx, `
	INSERT INTO items (id, title, url, price, thumbnail_url, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
	ON CONFLICT (id)
	DO UPDATE SET title = excluded.title, url = excluded.url, price = excluded.price,
		thumbnail_url = excluded.thumbnail_url, updated_at = excluded.updated_at`,
		item.Slug, item.Title, item.URL, item.Price, item.ThumbnailURL, ts, ts)
	if err != nil {
		return false, fmt.Errorf("upserting item %s: %w", item.Slug, err)
	}

	return exists == 0, nil
}

func (s *SQLiteStore) ClaimNextPending(ctx context.Context, runID string) (*domain.WorkItem, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectItemSQLite+`
		WHERE status = 'pending' AND claimed_by IS NULL
		ORDER BY rowid
		LIMIT 1`)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next pending item: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE items SET claimed_by = ? WHERE id = ? AND status = 'pending' AND claimed_by IS NULL`,
		runID, item.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming item %s: %w", item.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, fmt.Errorf("claiming item %s: %d rows affected: %v", item.ID, n, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) MarkFetched(ctx context.Context, id string, details domain.ItemDetails, attempts int) error {
	if s.closed.Load() {
		return ErrClosed
	}

	attrs, derived, err := encodeDetails(details)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE items
	SET status = 'fetched', attributes_json = ?, derived_json = ?, attempt_count = attempt_count + ?,
		last_error = '', claimed_by = NULL, updated_at = ?
	WHERE id = ? AND status = 'pending'`,
		attrs, derived, attempts, now(), id)
	if err != nil {
		return fmt.Errorf("marking %s fetched: %w", id, err)
	}
	return s.expectOne(ctx, res, id)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, reason string, attempts int, dead bool) error {
	if s.closed.Load() {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE items
	SET status = 'failed', attempt_count = attempt_count + ?, last_error = ?, dead = ?,
		claimed_by = NULL, updated_at = ?
	WHERE id = ? AND status = 'pending'`,
		attempts, reason, boolInt(dead), now(), id)
	if err != nil {
		return fmt.Errorf("marking %s failed: %w", id, err)
	}
	return s.expectOne(ctx, res, id)
}

func (s *SQLiteStore) expectOne(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update of %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s: %w", id, ErrStateConflict)
}

func (s *SQLiteStore) ReleaseClaims(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `UPDATE items SET claimed_by = NULL WHERE claimed_by IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("releasing claims: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) ResetFailed(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET status = 'pending', updated_at = ? WHERE status = 'failed' AND dead = 0`, now())
	if err != nil {
		return 0, fmt.Errorf("resetting failed items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) GetCursor(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var page int
	err := s.db.QueryRowContext(ctx, `SELECT last_page FROM crawl_cursor WHERE id = 1`).Scan(&page)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading cursor: %w", err)
	}
	return page, nil
}

func (s *SQLiteStore) SetCursor(ctx context.Context, page int) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cursor transaction: %w", err)
	}
	defer tx.Rollback()

	if err := setCursorSQLite(ctx, tx, page, now()); err != nil {
		return err
	}
	return tx.Commit()
}

func setCursorSQLite(ctx context.Context, tx *sql.Tx, page int, ts string) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO crawl_cursor (id, last_page, updated_at) VALUES (1, ?, ?)
	ON CONFLICT (id) DO UPDATE SET last_page = excluded.last_page, updated_at = excluded.updated_at`,
		page, ts)
	if err != nil {
		return fmt.Errorf("setting cursor to page %d: %w", page, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.WorkItem, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	item, err := scanItem(s.db.QueryRowContext(ctx, selectItemSQLite+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading item %s: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteStore) List(ctx context.Context, status domain.Status) ([]domain.WorkItem, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, selectItemSQLite+` WHERE status = ? ORDER BY rowid`, status.String())
	if err != nil {
		return nil, fmt.Errorf("listing %s items: %w", status, err)
	}
	defer rows.Close()

	var items []domain.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning %s item: %w", status, err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Counts(ctx context.Context) (domain.StatusCounts, error) {
	var c domain.StatusCounts
	if s.closed.Load() {
		return c, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*), SUM(dead) FROM items GROUP BY status`)
	if err != nil {
		return c, fmt.Errorf("counting items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n, dead int
		if err := rows.Scan(&status, &n, &dead); err != nil {
			return c, fmt.Errorf("scanning counts: %w", err)
		}
		c.Dead += dead
		switch domain.Status(status) {
		case domain.StatusPending:
			c.Pending = n
		case domain.StatusFetched:
			c.Fetched = n
		case domain.StatusFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return c, err
	}
	// The pool has a single connection; free it before the cursor query.
	rows.Close()

	c.Cursor, err = s.GetCursor(ctx)
	return c, err
}

const selectItemSQLite = `SELECT id, title, url, price, thumbnail_url, status, attributes_json, derived_json,
	attempt_count, last_error, dead, updated_at FROM items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.WorkItem, error) {
	var (
		item           domain.WorkItem
		status         string
		attrs, derived sql.NullString
		updatedAt      string
	)
	err := row.Scan(&item.ID, &item.Catalog.Title, &item.Catalog.URL, &item.Catalog.Price,
		&item.Catalog.ThumbnailURL, &status, &attrs, &derived,
		&item.AttemptCount, &item.LastError, &item.Dead, &updatedAt)
	if err != nil {
		return nil, err
	}

	item.Catalog.Slug = item.ID
	item.Status = domain.Status(status)
	item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if err := decodeDetails(attrs.String, derived.String, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func encodeDetails(details domain.ItemDetails) (string, string, error) {
	attrs, err := json.Marshal(details.Attributes)
	if err != nil {
		return "", "", fmt.Errorf("encoding attributes: %w", err)
	}
	derived, err := json.Marshal(details.Derived)
	if err != nil {
		return "", "", fmt.Errorf("encoding derived specs: %w", err)
	}
	return string(attrs), string(derived), nil
}

func decodeDetails(attrs, derived string, item *domain.WorkItem) error {
	if attrs != "" && attrs != "null" {
		if err := json.Unmarshal([]byte(attrs), &item.Attributes); err != nil {
			return fmt.Errorf("decoding attributes of %s: %w", item.ID, err)
		}
	}
	if derived != "" {
		if err := json.Unmarshal([]byte(derived), &item.Derived); err != nil {
			return fmt.Errorf("decoding derived specs of %s: %w", item.ID, err)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
