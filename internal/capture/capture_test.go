package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

const articleHTML = `<!DOCTYPE html>
<html>
<head>
<title>Smith v. Jones: Appeals Court Ruling</title>
<meta property="og:site_name" content="Legal News Daily">
<meta name="description" content="The appeals court ruled on the indemnification dispute.">
</head>
<body>
<article>
<h1>Smith v. Jones: Appeals Court Ruling</h1>
<p>The appeals court held that the indemnification clause in the master
services agreement covered third-party claims arising from the vendor's
negligence, reversing the trial court's narrower reading.</p>
<p>Writing for the panel, the court emphasized that the parties were
sophisticated commercial actors who allocated risk deliberately, and that
the clause's plain language controlled over extrinsic evidence of a
different intent.</p>
<p>The dissent argued that the majority's reading renders the separate
limitation of liability provision meaningless, and would have remanded
for further fact-finding on the parties' course of dealing.</p>
<p>The case returns to the trial court for a damages determination
consistent with the opinion. Counsel for both sides declined to comment
on whether a petition for review is planned.</p>
</article>
</body>
</html>`

func TestCaptureExtractsArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	f := NewFetcherForTesting(Config{}, nil)
	res, err := f.Capture(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	if !strings.Contains(res.Title, "Smith v. Jones") {
		t.Errorf("Title = %q, want the article headline", res.Title)
	}
	if !strings.Contains(res.Text, "indemnification clause") {
		t.Errorf("Text does not contain article body, got %q", res.Text[:min(len(res.Text), 120)])
	}
	if res.SiteName != "Legal News Daily" {
		t.Errorf("SiteName = %q, want og:site_name value", res.SiteName)
	}
	if res.URL != srv.URL {
		t.Errorf("URL = %q, want %q", res.URL, srv.URL)
	}
	if res.Truncated {
		t.Error("Truncated = true for a small page")
	}
	if res.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}
}

func TestCaptureRejectsNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.7")
	}))
	defer srv.Close()

	f := NewFetcherForTesting(Config{}, nil)
	if _, err := f.Capture(context.Background(), srv.URL); !errors.Is(err, ErrNotHTML) {
		t.Errorf("Capture(pdf) error = %v, want ErrNotHTML", err)
	}
}

func TestCaptureStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcherForTesting(Config{}, nil)
	_, err := f.Capture(context.Background(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Errorf("Capture(404) error = %v, want status error", err)
	}
}

func TestCaptureTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	f := NewFetcherForTesting(Config{MaxBodyBytes: 256}, nil)
	res, err := f.Capture(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if !res.Truncated {
		t.Error("Truncated = false, want true for a capped body")
	}
}

func TestCaptureBlocksLoopbackWhenGuarded(t *testing.T) {
	f, err := NewFetcher(Config{Timeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("NewFetcher() error = %v", err)
	}
	if _, err := f.Capture(context.Background(), "http://127.0.0.1:9/never"); err == nil {
		t.Error("Capture(loopback) expected validation error, got nil")
	}
}

func TestMetaFallback(t *testing.T) {
	page := []byte(`<html><head>
		<meta property="og:title" content="OG Title">
		<meta property="og:site_name" content="OG Site">
		<meta property="og:description" content="OG description text">
	</head><body></body></html>`)

	res := &Result{}
	metaFallback(page, res)
	if res.Title != "OG Title" {
		t.Errorf("Title = %q, want og:title", res.Title)
	}
	if res.SiteName != "OG Site" {
		t.Errorf("SiteName = %q, want og:site_name", res.SiteName)
	}
	if res.Excerpt != "OG description text" {
		t.Errorf("Excerpt = %q, want og:description", res.Excerpt)
	}

	// <title> is the fallback when no og:title exists, and existing
	// fields are kept.
	res = &Result{Title: "already set"}
	metaFallback([]byte(`<html><head><title>Tag Title</title></head></html>`), res)
	if res.Title != "already set" {
		t.Errorf("Title overwritten to %q", res.Title)
	}
	res = &Result{}
	metaFallback([]byte(`<html><head><title>Tag Title</title></head></html>`), res)
	if res.Title != "Tag Title" {
		t.Errorf("Title = %q, want title tag text", res.Title)
	}
}

func TestIsHTML(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"application/xhtml+xml", true},
		{"application/pdf", false},
		{"text/plain", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isHTML(tt.ct); got != tt.want {
			t.Errorf("isHTML(%q) = %v, want %v", tt.ct, got, tt.want)
		}
	}
}

func TestClassifyCitation(t *testing.T) {
	tests := []struct {
		url    string
		source string
		ok     bool
	}{
		{"https://www.courtlistener.com/opinion/108713/smith-v-jones/", "case_law", true},
		{"https://supremecourt.gov/opinions/24pdf/23-175.pdf", "case_law", true},
		{"https://law.cornell.edu/uscode/text/18/1001", "statute", true},
		{"https://www.law.cornell.edu/cfr/text/29/1910.132", "regulation", true},
		{"https://www.law.cornell.edu/wex/negligence", "article", true},
		{"https://www.law.cornell.edu/supremecourt/text/410/113", "case_law", true},
		{"https://uscode.house.gov/view.xhtml?req=18+USC+1001", "statute", true},
		{"https://www.ecfr.gov/current/title-29", "regulation", true},
		{"https://example.com/blog/post", "", false},
		{"https://notcourtlistener.com/opinion/1", "", false},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.url)
		if err != nil {
			t.Fatalf("parsing %q: %v", tt.url, err)
		}
		source, ok := classifyCitation(u)
		if ok != tt.ok || source != tt.source {
			t.Errorf("classifyCitation(%q) = (%q, %v), want (%q, %v)",
				tt.url, source, ok, tt.source, tt.ok)
		}
	}
}

func TestDiscoverCitations(t *testing.T) {
	var (
		mu      sync.Mutex
		visited []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		visited = append(visited, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
			<a href="/page2">more analysis</a>
			<a href="https://www.courtlistener.com/opinion/123/smith/">Smith v. Jones</a>
			<a href="https://evil.example.com/x">unrelated</a>
		</body></html>`)
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		visited = append(visited, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
			<a href="https://law.cornell.edu/uscode/text/18/1001">18 U.S.C. § 1001</a>
			<a href="https://www.courtlistener.com/opinion/123/smith/">Smith again</a>
		</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewCrawlerForTesting(CrawlerConfig{
		MaxDepth:    2,
		Parallelism: 2,
		Delay:       time.Millisecond,
		Timeout:     5 * time.Second,
	}, nil)

	citations, err := c.DiscoverCitations(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("DiscoverCitations() error = %v", err)
	}

	if len(citations) != 2 {
		t.Fatalf("citations = %d, want 2 (deduplicated), got %+v", len(citations), citations)
	}
	// Sorted by URL: law.cornell.edu before www.courtlistener.com.
	if citations[0].Source != "statute" || !strings.Contains(citations[0].URL, "uscode") {
		t.Errorf("citations[0] = %+v, want the statute link", citations[0])
	}
	if citations[1].Source != "case_law" || !strings.Contains(citations[1].URL, "courtlistener") {
		t.Errorf("citations[1] = %+v, want the case law link", citations[1])
	}
	if citations[1].Text != "Smith v. Jones" {
		t.Errorf("citation text = %q, want first anchor text kept", citations[1].Text)
	}

	// Only same-host pages were visited; the citation and external
	// hosts were classified, not fetched.
	mu.Lock()
	defer mu.Unlock()
	for _, p := range visited {
		if p != "/" && p != "/page2" {
			t.Errorf("unexpected path visited: %s", p)
		}
	}
}
