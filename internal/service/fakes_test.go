package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"catalog/ingest/internal/domain"
	"catalog/ingest/internal/retry"
	"catalog/ingest/internal/state"
	"catalog/ingest/internal/store"

	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("connection reset by peer")

// fakeSite serves generated catalog pages and detail pages.
type fakeSite struct {
	mu           sync.Mutex
	pages        map[int]*domain.CatalogPage
	pageCalls    []int
	detailCalls  map[string]int
	detailErrors map[string][]error // Consumed one per call; nil entry means success
	alwaysFail   map[string]error
	brokenPages  map[int]error
	onPage       func(pageNumber int)
	onDetail     func(slug string, call int)
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		pages:        make(map[int]*domain.CatalogPage),
		detailCalls:  make(map[string]int),
		detailErrors: make(map[string][]error),
		alwaysFail:   make(map[string]error),
		brokenPages:  make(map[int]error),
	}
}

// addPage adds a page with cards product cards. When outOfStockAt > 0 the card
// at that 1-based position and every later one is out of stock.
func (f *fakeSite) addPage(number, cards, outOfStockAt int) {
	page := &domain.CatalogPage{PageNumber: number, CardCount: cards}
	for i := 1; i <= cards; i++ {
		if outOfStockAt > 0 && i >= outOfStockAt {
			page.OutOfStock = true
			break
		}
		slug := fmt.Sprintf("laptop-p%d-%03d", number, i)
		page.Items = append(page.Items, domain.CatalogItem{
			Slug:  slug,
			Title: fmt.Sprintf("Laptop %d/%d", number, i),
			URL:   "https://exo.ir/product/" + slug,
			Price: int64(10000000 + i),
		})
	}
	f.pages[number] = page
}

func (f *fakeSite) failDetail(slug string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailErrors[slug] = errs
}

func (f *fakeSite) breakDetail(slug string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alwaysFail[slug] = err
}

func (f *fakeSite) GetCatalogPage(ctx context.Context, pageNumber int) (*domain.CatalogPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pageCalls = append(f.pageCalls, pageNumber)
	if f.onPage != nil {
		f.onPage(pageNumber)
	}
	if err, ok := f.brokenPages[pageNumber]; ok {
		return nil, err
	}
	if page, ok := f.pages[pageNumber]; ok {
		return page, nil
	}
	return &domain.CatalogPage{PageNumber: pageNumber}, nil
}

func (f *fakeSite) GetItemDetails(ctx context.Context, item domain.CatalogItem) (*domain.ItemDetails, error) {
	f.mu.Lock()
	f.detailCalls[item.Slug]++
	call := f.detailCalls[item.Slug]
	var err error
	if errs := f.detailErrors[item.Slug]; len(errs) > 0 {
		err = errs[0]
		f.detailErrors[item.Slug] = errs[1:]
	} else if e, ok := f.alwaysFail[item.Slug]; ok {
		err = e
	}
	hook := f.onDetail
	f.mu.Unlock()

	if hook != nil {
		hook(item.Slug, call)
	}
	if err != nil {
		return nil, err
	}

	attrs := map[string]string{
		domain.AttrTitle: item.Title,
		domain.AttrRAM:   "16 گیگابایت",
	}
	return &domain.ItemDetails{Attributes: attrs, Derived: domain.Normalize(attrs)}, nil
}

func (f *fakeSite) calls(slug string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailCalls[slug]
}

func (f *fakeSite) requestedPages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pageCalls...)
}

// recordingSleeper captures backoff delays without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func (r *recordingSleeper) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type harness struct {
	store       *store.SQLiteStore
	site        *fakeSite
	sleeper     *recordingSleeper
	coordinator *state.Coordinator
	service     *Service
}

func testConfig() Config {
	return Config{
		MaxPages:      50,
		PageDelay:     0,
		Workers:       4,
		ProgressEvery: 10,
	}
}

func openTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "items.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newHarness(t *testing.T, st *store.SQLiteStore, site *fakeSite, cfg Config) *harness {
	t.Helper()
	sleeper := &recordingSleeper{}
	controller := retry.New(retry.Config{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		Multiplier: 2,
		Timeout:    5 * time.Second,
	}).WithSleeper(sleeper.sleep)
	coordinator := state.NewCoordinator()

	return &harness{
		store:       st,
		site:        site,
		sleeper:     sleeper,
		coordinator: coordinator,
		service:     NewService(st, site, controller, coordinator, nil, cfg),
	}
}
