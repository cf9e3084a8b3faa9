package crawler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCrawler(maxSubpages int) *Crawler {
	return New(Options{
		UserAgent:   "leadsieve-test",
		Timeout:     5 * time.Second,
		MaxSubpages: maxSubpages,
	}, testLogger())
}

const homePage = `<!DOCTYPE html>
<html><head>
<title>Acme Tools</title>
<meta name="description" content="Industrial tooling supplier">
</head><body>
<main><p>We build industrial tooling for workshops.</p></main>
<a href="/about">About us</a>
<a href="/contact">Contact</a>
<a href="https://elsewhere.example/partner">Partner</a>
<footer>Acme Tools GmbH, Berlin. info@acme.example</footer>
</body></html>`

func TestCrawlExtractsStructure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			io.WriteString(w, homePage)
		case "/about":
			io.WriteString(w, `<html><body><h1>About</h1><p>Founded 2001.</p></body></html>`)
		case "/contact":
			io.WriteString(w, `<html><body><p>Mail us at info@acme.example</p></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := testCrawler(4)
	got, err := c.Crawl(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	if got.Title != "Acme Tools" {
		t.Errorf("title = %q", got.Title)
	}
	if got.Description != "Industrial tooling supplier" {
		t.Errorf("description = %q", got.Description)
	}
	if !strings.Contains(got.FooterContent, "Acme Tools GmbH") {
		t.Errorf("footer = %q", got.FooterContent)
	}
	if !strings.Contains(got.Content, "industrial tooling") {
		t.Errorf("content = %q", got.Content)
	}
	if len(got.Pages) != 2 {
		t.Fatalf("pages = %d, want 2 (external link excluded)", len(got.Pages))
	}
	// Contact ranks before about.
	if got.Pages[0].Kind != "contact" || got.Pages[1].Kind != "about" {
		t.Errorf("page kinds = %s, %s", got.Pages[0].Kind, got.Pages[1].Kind)
	}

	snap := got.Snapshot()
	if snap.CrawledCount != 3 {
		t.Errorf("CrawledCount = %d, want 3", snap.CrawledCount)
	}
}

func TestCrawlSubpageFailureSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			io.WriteString(w, homePage)
		case "/about":
			io.WriteString(w, `<html><body>About</body></html>`)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := testCrawler(4)
	got, err := c.Crawl(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if len(got.Pages) != 1 || got.Pages[0].Kind != "about" {
		t.Errorf("pages = %+v, want about only", got.Pages)
	}
}

func TestCrawlHomeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := testCrawler(4)
	_, err := c.Crawl(context.Background(), srv.URL)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if statusErr.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", statusErr.Code)
	}
}

func TestCrawlRespectsSubpageLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			io.WriteString(w, `<html><body>
				<a href="/contact">Contact</a>
				<a href="/about">About</a>
				<a href="/team">Team</a>
				<a href="/impressum">Impressum</a>
			</body></html>`)
			return
		}
		io.WriteString(w, `<html><body>page</body></html>`)
	}))
	defer srv.Close()

	c := testCrawler(2)
	got, err := c.Crawl(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if len(got.Pages) != 2 {
		t.Errorf("pages = %d, want 2", len(got.Pages))
	}
}

func TestExtractLinksDedup(t *testing.T) {
	body := `<html><body>
		<a href="/contact">Contact</a>
		<a href="/contact#form">Contact form</a>
		<a href="mailto:x@y.z">Mail</a>
		<a href="/pricing">Pricing</a>
	</body></html>`
	doc, err := parsePage([]byte(body))
	if err != nil {
		t.Fatalf("parsePage: %v", err)
	}
	base, _ := url.Parse("https://acme.example/")

	links := extractLinks(doc, base)
	if len(links) != 1 {
		t.Fatalf("links = %+v, want the one contact link", links)
	}
	if links[0].URL != "https://acme.example/contact" {
		t.Errorf("url = %s", links[0].URL)
	}
}

func TestClassifyLink(t *testing.T) {
	tests := []struct {
		path, text, want string
	}{
		{"/kontakt", "", "contact"},
		{"/ueber-uns", "", "about"},
		{"/random", "our team", "team"},
		{"/impressum", "", "legal"},
		{"/products", "catalog", ""},
	}
	for _, tt := range tests {
		if got := classifyLink(tt.path, tt.text); got != tt.want {
			t.Errorf("classifyLink(%q, %q) = %q, want %q", tt.path, tt.text, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", maxMainContent+100)
	if got := truncate(long, maxMainContent); len(got) != maxMainContent {
		t.Errorf("len = %d, want %d", len(got), maxMainContent)
	}
	if got := truncate("short", maxMainContent); got != "short" {
		t.Errorf("short string changed: %q", got)
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	// Each CJK rune is 3 bytes; a limit landing inside one must back up.
	s := strings.Repeat("网", 10)
	for limit := 1; limit < len(s); limit++ {
		got := truncate(s, limit)
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%d) produced invalid UTF-8: %q", limit, got)
		}
		if len(got) > limit {
			t.Fatalf("truncate(%d) length = %d", limit, len(got))
		}
	}
}

func TestHTTPFetcherProxy(t *testing.T) {
	f := NewHTTPFetcher(time.Second, "test-agent", "http://proxy.local:3128")
	tr, ok := f.client.Transport.(*http.Transport)
	if !ok || tr.Proxy == nil {
		t.Fatal("proxy transport not configured")
	}
	req, _ := http.NewRequest(http.MethodGet, "https://a.com", nil)
	got, err := tr.Proxy(req)
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	if got == nil || got.Host != "proxy.local:3128" {
		t.Errorf("proxy = %v, want proxy.local:3128", got)
	}

	// No proxy configured or an unusable value leaves the default transport.
	if f := NewHTTPFetcher(time.Second, "test-agent", ""); f.client.Transport != nil {
		t.Error("empty proxy configured a transport")
	}
	if f := NewHTTPFetcher(time.Second, "test-agent", "::bad::"); f.client.Transport != nil {
		t.Error("unparseable proxy configured a transport")
	}
}
