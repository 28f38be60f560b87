package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"catalog/ingest/internal/config"
	"catalog/ingest/internal/domain"
	"catalog/ingest/internal/proxy"

	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
	"resty.dev/v3"
)

// CatalogClient is everything the pipeline needs from the remote site.
type CatalogClient interface {
	GetCatalogPage(ctx context.Context, pageNumber int) (*domain.CatalogPage, error)
	GetItemDetails(ctx context.Context, item domain.CatalogItem) (*domain.ItemDetails, error)
}

type exoClient struct {
	rl            ratelimit.Limiter
	config        config.SiteConfig
	itemsPerPage  int
	parser        *pageParser
	proxySupplier proxy.ProxySupplier

	// One resty client per proxy URL ("" is a direct connection). A client's
	// proxy never changes after creation; rotation swaps the current one.
	mutex      sync.Mutex
	clients    map[string]*resty.Client
	httpClient atomic.Pointer[resty.Client]
}

// NewExoClient builds a client for the exo.ir catalog. Retries are left to the
// caller; the HTTP layer makes exactly one request per call.
func NewExoClient(cfg config.SiteConfig, itemsPerPage int, proxySupplier proxy.ProxySupplier) CatalogClient {
	c := &exoClient{
		rl:            ratelimit.New(max(1, cfg.RequestsPerSecond)),
		config:        cfg,
		itemsPerPage:  itemsPerPage,
		parser:        newPageParser(cfg.Origin),
		proxySupplier: proxySupplier,
		clients:       make(map[string]*resty.Client),
	}

	proxyURL := ""
	if proxySupplier != nil {
		proxyURL = proxySupplier.Get()
		if proxyURL != "" {
			log.Infof("🔗 Using initial proxy: %s", proxyURL)
		}
	}
	c.httpClient.Store(c.clientFor(proxyURL))

	return c
}

// clientFor returns the client bound to proxyURL, creating it on first use.
func (c *exoClient) clientFor(proxyURL string) *resty.Client {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if client, ok := c.clients[proxyURL]; ok {
		return client
	}

	client := resty.New().
		SetRetryCount(0).
		SetHeader("User-Agent", c.config.UserAgent).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
		SetHeader("Accept-Language", "en-US,en;q=0.9,fa;q=0.8")
	if proxyURL != "" {
		client.SetProxy(proxyURL)
	}

	c.clients[proxyURL] = client
	return client
}

// Close releases the idle connections of every client.
func (c *exoClient) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for proxyURL, client := range c.clients {
		if err := client.Close(); err != nil {
			return fmt.Errorf("failed to close client for proxy %q: %w", proxyURL, err)
		}
	}
	clear(c.clients)
	return nil
}

func (c *exoClient) GetCatalogPage(ctx context.Context, pageNumber int) (*domain.CatalogPage, error) {
	params := map[string]string{"limit": strconv.Itoa(c.itemsPerPage)}
	if pageNumber > 1 {
		params["page"] = strconv.Itoa(pageNumber)
	}

	html, err := c.fetchHTML(ctx, c.config.CategoryURL, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog page %d: %w", pageNumber, err)
	}

	page, err := c.parser.ParseCatalogPage(html, pageNumber)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to parse catalog page %d: %w", pageNumber, err))
	}

	log.Debugf("Fetched page %d: %d cards, %d in stock", pageNumber, page.CardCount, len(page.Items))
	return page, nil
}

func (c *exoClient) GetItemDetails(ctx context.Context, item domain.CatalogItem) (*domain.ItemDetails, error) {
	if item.URL == "" {
		return nil, classify(fmt.Errorf("item %s has no URL: %w", item.Slug, ErrMalformedPage))
	}

	html, err := c.fetchHTML(ctx, item.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch HTML for item %s: %w", item.Slug, err)
	}

	details, err := c.parser.ParseItemDetails(html)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to parse item %s: %w", item.Slug, err))
	}

	log.Debugf("Fetched and parsed details for %s (%d attributes)", item.Slug, len(details.Attributes))
	return details, nil
}

func (c *exoClient) fetchHTML(ctx context.Context, url string, params map[string]string) (string, error) {
	c.rl.Take()

	started := time.Now()
	resp, err := c.httpClient.Load().R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(url)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}

	if resp.IsError() {
		httpErr := &HTTPError{URL: url, StatusCode: resp.StatusCode(), Status: http.StatusText(resp.StatusCode())}
		if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() == http.StatusForbidden {
			c.rotateProxy(url)
		}
		return "", classify(httpErr)
	}

	html := resp.String()
	if strings.TrimSpace(html) == "" {
		return "", fmt.Errorf("%s: %w", url, ErrEmptyBody)
	}

	log.Debugf("GET %s -> %d in %v", url, resp.StatusCode(), time.Since(started).Round(time.Millisecond))
	return html, nil
}

// rotateProxy switches to the next proxy after the site pushed back.
func (c *exoClient) rotateProxy(url string) {
	if c.proxySupplier == nil {
		return
	}
	if newProxy := c.proxySupplier.Get(); newProxy != "" {
		log.Warnf("🚫 Rate limited on %s, switching to proxy %s", url, newProxy)
		c.httpClient.Store(c.clientFor(newProxy))
	}
}
