// Package store persists work items and the catalog cursor. It is the only
// synchronised mutation path of the pipeline: every backend is safe for
// concurrent callers, a claim is exclusive, and a page commit is atomic with
// its cursor update.
package store

import (
	"context"
	"errors"

	"catalog/ingest/internal/domain"
)

var (
	ErrClosed        = errors.New("store is closed")
	ErrNotFound      = errors.New("item not found")
	ErrStateConflict = errors.New("item is not pending")
)

type Store interface {
	// UpsertCatalogItem creates a pending item or refreshes the catalog fields
	// of an existing one. Status, attributes and attempts are never touched.
	UpsertCatalogItem(ctx context.Context, item domain.CatalogItem) (created bool, err error)
	// CommitPage upserts all items of a page and moves the cursor to page in
	// one transaction.
	CommitPage(ctx context.Context, page int, items []domain.CatalogItem) (created int, err error)

	// ClaimNextPending hands one unclaimed pending item to the caller, stamping
	// it with runID. Returns nil when nothing is left.
	ClaimNextPending(ctx context.Context, runID string) (*domain.WorkItem, error)
	MarkFetched(ctx context.Context, id string, details domain.ItemDetails, attempts int) error
	MarkFailed(ctx context.Context, id string, reason string, attempts int, dead bool) error
	// ReleaseClaims clears claim stamps left behind by a process that died
	// before finishing its items.
	ReleaseClaims(ctx context.Context) (int, error)
	// ResetFailed turns failed, non-dead items back into pending ones.
	ResetFailed(ctx context.Context) (int, error)

	GetCursor(ctx context.Context) (int, error)
	SetCursor(ctx context.Context, page int) error

	Get(ctx context.Context, id string) (*domain.WorkItem, error)
	List(ctx context.Context, status domain.Status) ([]domain.WorkItem, error)
	Counts(ctx context.Context) (domain.StatusCounts, error)

	Close() error
}
