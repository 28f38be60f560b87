package proxy

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"resty.dev/v3"
)

const (
	probeTimeout     = 5 * time.Second
	probeConcurrency = 16
)

// ProxySupplier hands out proxies in round-robin order. An empty string means
// the client should go direct.
type ProxySupplier interface {
	Get() string
}

// RoundRobin is a ProxySupplier over a fixed, probed list.
type RoundRobin struct {
	proxies []string
	current int
	mutex   sync.Mutex
}

// NewProxySupplier probes every proxy against probeURL and keeps the ones that
// answer with a 2xx. Configured order is preserved.
func NewProxySupplier(ctx context.Context, proxies []string, probeURL string) *RoundRobin {
	if len(proxies) == 0 {
		return &RoundRobin{}
	}

	log.Infof("🔄 Probing %d proxies against %s", len(proxies), probeURL)

	healthy := make([]bool, len(proxies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, proxyURL := range proxies {
		g.Go(func() error {
			healthy[i] = probe(gctx, proxyURL, probeURL)
			return nil
		})
	}
	_ = g.Wait()

	valid := make([]string, 0, len(proxies))
	for i, ok := range healthy {
		if ok {
			valid = append(valid, proxies[i])
		}
	}

	log.Infof("✅ %d of %d proxies usable", len(valid), len(proxies))
	return &RoundRobin{proxies: valid}
}

func (p *RoundRobin) Get() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.proxies) == 0 {
		return ""
	}

	proxy := p.proxies[p.current]
	p.current = (p.current + 1) % len(p.proxies)
	return proxy
}

// Len is the number of usable proxies.
func (p *RoundRobin) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.proxies)
}

func probe(ctx context.Context, proxyURL, probeURL string) bool {
	client := resty.New().
		SetTimeout(probeTimeout).
		SetRetryCount(0).
		SetProxy(proxyURL)
	defer client.Close()

	resp, err := client.R().
		SetContext(ctx).
		Get(probeURL)
	if err != nil {
		log.Infof("❌ Proxy %s failed: %v", proxyURL, err)
		return false
	}
	if resp.IsError() {
		log.Infof("❌ Proxy %s answered %s", proxyURL, resp.Status())
		return false
	}

	log.Debugf("✅ Proxy %s is working", proxyURL)
	return true
}
