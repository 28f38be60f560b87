package service

import (
	"context"
	"fmt"

	"catalog/ingest/internal/domain"

	log "github.com/sirupsen/logrus"
)

// StopReason says why enumeration ended.
type StopReason string

const (
	StopEndOfCatalog StopReason = "end_of_catalog" // Page without any product card
	StopOutOfStock   StopReason = "out_of_stock"   // Page with an out-of-stock card
	StopMaxPages     StopReason = "max_pages"
	StopShutdown     StopReason = "shutdown"
)

type CatalogResult struct {
	PagesProcessed  int
	ItemsDiscovered int // Items upserted, new or refreshed
	ItemsCreated    int
	LastPage        int // Last committed page, 0 when none
	Reason          StopReason
}

// RunCatalogPhase walks the listing from startPage one page at a time and
// commits the in-stock items of every page together with the cursor. It stops
// at the first empty page, at the first page with an out-of-stock card (after
// committing its in-stock prefix), at the page cap or on shutdown. Reaching
// the end of the catalog resets the cursor to 0; the other stops leave it at
// the last committed page so the next run resumes there.
func (s *Service) RunCatalogPhase(ctx context.Context, startPage int) (CatalogResult, error) {
	result := CatalogResult{}
	if startPage < 1 {
		startPage = 1
	}

	log.Infof("📄 Enumerating catalog from page %d", startPage)

	for pageNumber := startPage; ; pageNumber++ {
		if s.coordinator.Stopping() {
			result.Reason = StopShutdown
			break
		}
		if s.cfg.MaxPages > 0 && pageNumber > s.cfg.MaxPages {
			log.Warnf("⚠️ Reached the page cap of %d", s.cfg.MaxPages)
			result.Reason = StopMaxPages
			break
		}

		var page *domain.CatalogPage
		_, err := s.retry.Execute(ctx, func(ctx context.Context) error {
			p, err := s.client.GetCatalogPage(ctx, pageNumber)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			log.Errorf("❌ Catalog enumeration stopped at page %d: %v", pageNumber, err)
			return result, fmt.Errorf("failed to fetch catalog page %d: %w", pageNumber, err)
		}

		if page.CardCount > 0 {
			created, err := s.store.CommitPage(ctx, pageNumber, page.Items)
			if err != nil {
				return result, fmt.Errorf("failed to commit catalog page %d: %w", pageNumber, err)
			}

			result.PagesProcessed++
			result.ItemsDiscovered += len(page.Items)
			result.ItemsCreated += created
			result.LastPage = pageNumber
			s.metrics.PageCommitted(len(page.Items))

			log.Infof("✅ Page %d: %d items (%d new)", pageNumber, len(page.Items), created)
		}

		if page.Terminal() {
			result.Reason = StopOutOfStock
			if page.CardCount == 0 {
				result.Reason = StopEndOfCatalog
			}
			log.Infof("🏁 Page %d ended the catalog (%s)", pageNumber, result.Reason)

			// The next run walks the listing from page 1 again.
			if err := s.store.SetCursor(ctx, 0); err != nil {
				return result, fmt.Errorf("failed to reset the crawl cursor: %w", err)
			}
			break
		}

		if !s.coordinator.Sleep(ctx, s.cfg.PageDelay) {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			result.Reason = StopShutdown
			break
		}
	}

	log.Infof("📄 Catalog phase finished (%s): %d pages, %d items, %d new",
		result.Reason, result.PagesProcessed, result.ItemsDiscovered, result.ItemsCreated)

	return result, nil
}
