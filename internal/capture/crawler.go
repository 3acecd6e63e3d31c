package capture

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/casewire/casewire/internal/security"
)

// Citation is an outbound link that looks like a legal source,
// discovered while crawling a captured page. Source matches the
// citations table source_type values.
type Citation struct {
	URL    string
	Text   string
	Source string
}

// CrawlerConfig configures citation discovery.
type CrawlerConfig struct {
	// MaxDepth counts the seed page as depth one.
	MaxDepth    int
	Parallelism int
	Delay       time.Duration
	Timeout     time.Duration
	UserAgent   string
}

// Crawler walks a site looking for links to known legal sources. It
// stays on the seed's host; external links are classified, never
// visited.
type Crawler struct {
	cfg       CrawlerConfig
	validator *security.URL
	logger    *slog.Logger
	skipSSRF  bool
}

// NewCrawler creates a Crawler with SSRF protection enabled.
func NewCrawler(cfg CrawlerConfig, logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 2
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Crawler{cfg: cfg, validator: security.NewURL(), logger: logger}
}

// DiscoverCitations crawls from startURL and returns the legal-source
// links found, deduplicated and ordered by URL.
func (c *Crawler) DiscoverCitations(ctx context.Context, startURL string) ([]Citation, error) {
	if !c.skipSSRF {
		if err := c.validator.Validate(startURL); err != nil {
			return nil, fmt.Errorf("validating url: %w", err)
		}
	}
	start, err := url.Parse(startURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}

	col := colly.NewCollector(
		colly.MaxDepth(c.cfg.MaxDepth),
		colly.AllowedDomains(start.Hostname()),
		colly.UserAgent(c.cfg.UserAgent),
		colly.Async(true),
	)
	col.SetRequestTimeout(c.cfg.Timeout)
	if !c.skipSSRF {
		col.WithTransport(c.validator.SafeTransport())
	}
	if err := col.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: c.cfg.Parallelism,
		Delay:       c.cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("configuring crawl limits: %w", err)
	}

	var (
		mu    sync.Mutex
		seen  = make(map[string]bool)
		found []Citation
	)
	col.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	col.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		u, err := url.Parse(link)
		if err != nil {
			return
		}
		if source, ok := classifyCitation(u); ok {
			mu.Lock()
			if !seen[link] {
				seen[link] = true
				found = append(found, Citation{
					URL:    link,
					Text:   strings.Join(strings.Fields(e.Text), " "),
					Source: source,
				})
			}
			mu.Unlock()
			return
		}
		// Same-host pages are followed; the collector enforces depth
		// and revisit rules.
		if u.Hostname() == start.Hostname() {
			_ = e.Request.Visit(link)
		}
	})
	col.OnError(func(r *colly.Response, err error) {
		c.logger.Debug("crawl request failed", "url", r.Request.URL, "error", err)
	})

	if err := col.Visit(startURL); err != nil {
		return nil, fmt.Errorf("starting crawl: %w", err)
	}
	col.Wait()

	sort.Slice(found, func(i, j int) bool { return found[i].URL < found[j].URL })
	c.logger.Info("citation crawl complete", "seed", startURL, "citations", len(found))
	return found, ctx.Err()
}

// citationSources maps legal-source host suffixes to citation types.
// law.cornell.edu is handled separately because its type depends on the
// path.
var citationSources = []struct {
	suffix string
	source string
}{
	{"courtlistener.com", "case_law"},
	{"supremecourt.gov", "case_law"},
	{"uscourts.gov", "case_law"},
	{"justia.com", "case_law"},
	{"casetext.com", "case_law"},
	{"findlaw.com", "case_law"},
	{"uscode.house.gov", "statute"},
	{"govinfo.gov", "statute"},
	{"ecfr.gov", "regulation"},
	{"federalregister.gov", "regulation"},
}

func classifyCitation(u *url.URL) (string, bool) {
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.Path)

	if host == "law.cornell.edu" || strings.HasSuffix(host, ".law.cornell.edu") {
		switch {
		case strings.HasPrefix(path, "/uscode"):
			return "statute", true
		case strings.HasPrefix(path, "/cfr"):
			return "regulation", true
		case strings.HasPrefix(path, "/wex"):
			return "article", true
		default:
			return "case_law", true
		}
	}
	for _, s := range citationSources {
		if host == s.suffix || strings.HasSuffix(host, "."+s.suffix) {
			return s.source, true
		}
	}
	return "", false
}
