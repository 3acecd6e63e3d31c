package capture

import (
	"log/slog"
	"net/http"
	"time"
)

// NewFetcherForTesting creates a Fetcher with SSRF protection disabled.
//
// SECURITY WARNING: this bypasses the URL validator and MUST ONLY be
// used in tests against local httptest servers. Production code always
// uses NewFetcher.
func NewFetcherForTesting(cfg Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Fetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
		maxBody:   cfg.MaxBodyBytes,
		userAgent: cfg.UserAgent,
		skipSSRF:  true,
	}
}

// NewCrawlerForTesting creates a Crawler with SSRF protection disabled.
// Test-only, as above.
func NewCrawlerForTesting(cfg CrawlerConfig, logger *slog.Logger) *Crawler {
	c := NewCrawler(cfg, logger)
	c.skipSSRF = true
	return c
}
