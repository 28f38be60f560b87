package service

import (
	"context"
	"fmt"
	"time"

	"catalog/ingest/internal/client"
	"catalog/ingest/internal/domain"
	"catalog/ingest/internal/metrics"
	"catalog/ingest/internal/retry"
	"catalog/ingest/internal/state"
	"catalog/ingest/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Config holds the knobs of both phases.
type Config struct {
	MaxPages          int // 0 means no cap
	PageDelay         time.Duration
	Restart           bool
	Workers           int
	DeadAfterAttempts int // 0 keeps failed items retryable forever
	ProgressEvery     int
}

// Options narrow a single Run.
type Options struct {
	Fresh       bool
	SkipCatalog bool
	SkipDetails bool
	Workers     int // Overrides Config.Workers when > 0
}

// RunSummary is what one Run did, plus the store state afterwards.
type RunSummary struct {
	RunID    string
	Released int
	Reset    int
	Catalog  CatalogResult
	Details  DetailResult
	Counts   domain.StatusCounts
}

type Service struct {
	store       store.Store
	client      client.CatalogClient
	retry       *retry.Controller
	coordinator *state.Coordinator
	metrics     *metrics.Metrics
	cfg         Config
	runID       string
}

func NewService(
	st store.Store,
	catalogClient client.CatalogClient,
	retryController *retry.Controller,
	coordinator *state.Coordinator,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Service{
		store:       st,
		client:      catalogClient,
		retry:       retryController,
		coordinator: coordinator,
		metrics:     m,
		cfg:         cfg,
		runID:       uuid.NewString(),
	}
}

// RunID identifies this process in claim stamps.
func (s *Service) RunID() string {
	return s.runID
}

// Run prepares the store, enumerates the catalog from the saved cursor and
// then enriches every pending item. A failed enumeration stops the run before
// the detail phase.
func (s *Service) Run(ctx context.Context, opts Options) (RunSummary, error) {
	summary := RunSummary{RunID: s.runID}
	log.Infof("🚀 Starting run %s", s.runID)

	released, err := s.store.ReleaseClaims(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to release stale claims: %w", err)
	}
	summary.Released = released
	if released > 0 {
		log.Warnf("🔓 Released %d items claimed by an earlier run", released)
	}

	reset, err := s.store.ResetFailed(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to reset failed items: %w", err)
	}
	summary.Reset = reset
	if reset > 0 {
		log.Infof("🔄 Reset %d failed items to pending", reset)
	}

	if !opts.SkipCatalog {
		startPage := 1
		if !opts.Fresh && !s.cfg.Restart {
			cursor, err := s.store.GetCursor(ctx)
			if err != nil {
				return summary, fmt.Errorf("failed to read crawl cursor: %w", err)
			}
			startPage = cursor + 1
			if cursor > 0 {
				log.Infof("🔄 Continue from page %d", startPage)
			}
		}

		summary.Catalog, err = s.RunCatalogPhase(ctx, startPage)
		if err != nil {
			return summary, err
		}
	}

	if !opts.SkipDetails && !s.coordinator.Stopping() {
		workers := s.cfg.Workers
		if opts.Workers > 0 {
			workers = opts.Workers
		}
		summary.Details, err = s.RunDetailPhase(ctx, workers)
		if err != nil {
			return summary, err
		}
	}

	summary.Counts, err = s.store.Counts(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to count items: %w", err)
	}
	s.metrics.ObserveCounts(summary.Counts)

	log.Infof("📊 Run %s done: %d pending, %d fetched, %d failed (%d dead), cursor at page %d",
		s.runID, summary.Counts.Pending, summary.Counts.Fetched, summary.Counts.Failed,
		summary.Counts.Dead, summary.Counts.Cursor)

	return summary, nil
}
