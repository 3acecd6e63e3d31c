// Package capture fetches web pages as link evidence.
//
// Every fetch goes through the SSRF validator in internal/security, and
// response bodies are capped, so user-supplied URLs cannot be used to
// probe the internal network or exhaust memory. Extraction prefers the
// readability algorithm and falls back to Open Graph metadata when a
// page resists article parsing.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/publicsuffix"

	"github.com/casewire/casewire/internal/security"
)

// ErrNotHTML is returned when the fetched resource is not an HTML page.
var ErrNotHTML = errors.New("not an html page")

const defaultUserAgent = "CaseWire/1.0 (evidence capture)"

// Config configures a Fetcher.
type Config struct {
	// Timeout bounds the whole fetch including redirects.
	Timeout time.Duration
	// MaxBodyBytes caps how much of the response body is read.
	MaxBodyBytes int64
	UserAgent    string
}

// Result is the extracted content of one captured page.
type Result struct {
	URL         string
	Title       string
	Byline      string
	SiteName    string
	Excerpt     string
	Text        string
	ContentType string
	FetchedAt   time.Time
	// Truncated reports that the body hit MaxBodyBytes and the text is
	// incomplete.
	Truncated bool
}

// Fetcher downloads and extracts single pages.
type Fetcher struct {
	client    *http.Client
	validator *security.URL
	logger    *slog.Logger
	maxBody   int64
	userAgent string

	// skipSSRF is set only by the testing constructor so tests can hit
	// httptest servers on loopback.
	skipSSRF bool
}

// NewFetcher creates a Fetcher with SSRF protection enabled.
func NewFetcher(cfg Config, logger *slog.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = security.MaxFetchBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	validator := security.NewURL()
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	return &Fetcher{
		client: &http.Client{
			Transport: validator.SafeTransport(),
			Jar:       jar,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return validator.ValidateRedirect(req, via)
			},
		},
		validator: validator,
		logger:    logger,
		maxBody:   cfg.MaxBodyBytes,
		userAgent: cfg.UserAgent,
	}, nil
}

// Capture fetches rawURL and extracts its readable content.
func (f *Fetcher) Capture(ctx context.Context, rawURL string) (*Result, error) {
	if !f.skipSSRF {
		if err := f.validator.Validate(rawURL); err != nil {
			return nil, fmt.Errorf("validating url: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching page: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !isHTML(contentType) {
		return nil, fmt.Errorf("%w: %s serves %q", ErrNotHTML, rawURL, contentType)
	}

	// Read one byte past the cap to distinguish "exactly at the limit"
	// from "truncated".
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	truncated := int64(len(body)) > f.maxBody
	if truncated {
		body = body[:f.maxBody]
	}

	res := extract(resp.Request.URL, body)
	res.URL = resp.Request.URL.String()
	res.ContentType = contentType
	res.FetchedAt = time.Now().UTC()
	res.Truncated = truncated

	f.logger.Info("page captured",
		"url", res.URL, "title", res.Title, "bytes", len(body), "truncated", truncated)
	return res, nil
}

// extract runs readability over the page and fills gaps from meta tags.
func extract(pageURL *url.URL, body []byte) *Result {
	res := &Result{}

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil {
		res.Title = strings.TrimSpace(article.Title)
		res.Byline = strings.TrimSpace(article.Byline)
		res.SiteName = strings.TrimSpace(article.SiteName)
		res.Excerpt = strings.TrimSpace(article.Excerpt)
		res.Text = strings.TrimSpace(article.TextContent)
	}
	if res.Title == "" || res.SiteName == "" || res.Excerpt == "" {
		metaFallback(body, res)
	}
	return res
}

// metaFallback fills missing fields from Open Graph and standard meta
// tags.
func metaFallback(body []byte, res *Result) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return
	}
	if res.Title == "" {
		res.Title = strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	}
	if res.Title == "" {
		res.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if res.SiteName == "" {
		res.SiteName = strings.TrimSpace(doc.Find(`meta[property="og:site_name"]`).AttrOr("content", ""))
	}
	if res.Excerpt == "" {
		res.Excerpt = strings.TrimSpace(doc.Find(`meta[name="description"]`).AttrOr("content", ""))
	}
	if res.Excerpt == "" {
		res.Excerpt = strings.TrimSpace(doc.Find(`meta[property="og:description"]`).AttrOr("content", ""))
	}
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
