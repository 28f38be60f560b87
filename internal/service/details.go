package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"catalog/ingest/internal/domain"
	"catalog/ingest/internal/retry"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type DetailResult struct {
	Succeeded int
	Failed    int
	Dead      int // Subset of Failed
}

type detailCounters struct {
	succeeded atomic.Int64
	failed    atomic.Int64
	dead      atomic.Int64
}

func (c *detailCounters) processed() int64 {
	return c.succeeded.Load() + c.failed.Load()
}

// RunDetailPhase starts concurrency workers that claim pending items until
// none are left or a shutdown is requested. Per-item failures are recorded on
// the item; a store error stops every worker and is returned.
func (s *Service) RunDetailPhase(ctx context.Context, concurrency int) (DetailResult, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	log.Infof("🚀 Starting %d detail workers", concurrency)

	counters := &detailCounters{}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			return s.detailWorker(gctx, workerID, counters)
		})
	}
	err := g.Wait()

	result := DetailResult{
		Succeeded: int(counters.succeeded.Load()),
		Failed:    int(counters.failed.Load()),
		Dead:      int(counters.dead.Load()),
	}

	if err != nil {
		log.Errorf("❌ Detail phase aborted: %v", err)
		return result, err
	}

	log.Infof("✅ Detail phase finished: %d fetched, %d failed (%d dead)", result.Succeeded, result.Failed, result.Dead)
	return result, nil
}

func (s *Service) detailWorker(ctx context.Context, workerID int, counters *detailCounters) error {
	log.Debugf("🚀 Detail worker %d started", workerID)

	for {
		if s.coordinator.Stopping() {
			log.Infof("🛑 Detail worker %d stopping", workerID)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		item, err := s.store.ClaimNextPending(ctx, s.runID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d failed to claim an item: %w", workerID, err)
		}
		if item == nil {
			log.Debugf("Detail worker %d found no pending items", workerID)
			return nil
		}

		if err := s.processItem(ctx, item, counters); err != nil {
			return fmt.Errorf("worker %d: %w", workerID, err)
		}

		if every := int64(s.cfg.ProgressEvery); every > 0 {
			if n := counters.processed(); n%every == 0 {
				log.Infof("📊 Progress: %d items processed (%d fetched, %d failed)",
					n, counters.succeeded.Load(), counters.failed.Load())
			}
		}
	}
}

// processItem fetches one claimed item and writes the outcome back. The fetch
// and the write-back ignore cancellation of ctx so a claimed item is never left
// half done.
func (s *Service) processItem(ctx context.Context, item *domain.WorkItem, counters *detailCounters) error {
	done := s.metrics.FetchStarted()
	defer done()

	detached := context.WithoutCancel(ctx)
	started := time.Now()

	var details *domain.ItemDetails
	outcome, err := s.retry.Execute(detached, func(ctx context.Context) error {
		d, err := s.client.GetItemDetails(ctx, item.Catalog)
		if err != nil {
			return err
		}
		details = d
		return nil
	})

	if err == nil {
		if err := s.store.MarkFetched(detached, item.ID, *details, outcome.Attempts); err != nil {
			return fmt.Errorf("failed to save details of %s: %w", item.ID, err)
		}
		counters.succeeded.Add(1)
		s.metrics.ItemFetched(outcome.Attempts, time.Since(started))
		log.Debugf("✅ %s fetched after %d attempt(s)", item.ID, outcome.Attempts)
		return nil
	}

	var fatal *retry.FatalError
	if !errors.As(err, &fatal) {
		return fmt.Errorf("unexpected error fetching %s: %w", item.ID, err)
	}

	total := item.AttemptCount + outcome.Attempts
	dead := s.cfg.DeadAfterAttempts > 0 && total >= s.cfg.DeadAfterAttempts

	if err := s.store.MarkFailed(detached, item.ID, err.Error(), outcome.Attempts, dead); err != nil {
		return fmt.Errorf("failed to record failure of %s: %w", item.ID, err)
	}
	counters.failed.Add(1)
	if dead {
		counters.dead.Add(1)
	}
	s.metrics.ItemFailed(outcome.Attempts, dead, time.Since(started))

	if dead {
		log.Errorf("💀 %s failed for good after %d attempts in total: %v", item.ID, total, err)
	} else {
		log.Warnf("❌ %s failed after %d attempt(s): %v", item.ID, outcome.Attempts, err)
	}
	return nil
}
