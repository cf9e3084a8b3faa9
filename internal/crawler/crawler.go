// Package crawler fetches a site's home page plus a handful of informative
// subpages and condenses them into text suitable for AI classification.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/sync/errgroup"

	"github.com/leadsieve/leadsieve/internal/storage"
)

// Content size caps. Everything the crawler produces eventually lands in a
// prompt and a SQLite row, so each part is truncated independently.
const (
	maxMainContent    = 8000
	maxSubpageContent = 3000
	maxFooterContent  = 1500
)

// SubPage is one crawled secondary page.
type SubPage struct {
	URL     string
	Kind    string
	Content string
}

// Content is the condensed crawl output for one site.
type Content struct {
	URL           string
	Title         string
	Description   string
	Content       string
	FooterContent string
	Pages         []SubPage
}

// Snapshot converts the crawl output to its persisted form. The per-page
// texts are dropped; only the count survives.
func (c *Content) Snapshot() *storage.PageSnapshot {
	return &storage.PageSnapshot{
		Title:         c.Title,
		Description:   c.Description,
		Content:       c.Content,
		FooterContent: c.FooterContent,
		CrawledCount:  1 + len(c.Pages),
	}
}

// Options configures a Crawler.
type Options struct {
	UserAgent   string
	Timeout     time.Duration
	MaxSubpages int
	Headless    bool
	Proxy       string
}

// Crawler turns a URL into condensed site content.
type Crawler struct {
	fetcher     Fetcher
	converter   *converter.Converter
	sanitizer   *bluemonday.Policy
	maxSubpages int
	logger      *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Crawler {
	var fetcher Fetcher
	if opts.Headless {
		fetcher = NewHeadlessFetcher(opts.Timeout, opts.UserAgent, opts.Proxy)
	} else {
		fetcher = NewHTTPFetcher(opts.Timeout, opts.UserAgent, opts.Proxy)
	}
	return &Crawler{
		fetcher: fetcher,
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		sanitizer:   bluemonday.UGCPolicy(),
		maxSubpages: opts.MaxSubpages,
		logger:      logger,
	}
}

// NewWithFetcher builds a crawler around a caller-supplied fetcher (tests).
func NewWithFetcher(f Fetcher, maxSubpages int, logger *slog.Logger) *Crawler {
	c := New(Options{MaxSubpages: maxSubpages}, logger)
	c.fetcher = f
	return c
}

// Crawl fetches the home page, extracts its structure, then fetches up to
// MaxSubpages informative subpages concurrently. Subpage failures are
// logged and skipped; only a home-page failure fails the crawl.
func (c *Crawler) Crawl(ctx context.Context, rawURL string) (*Content, error) {
	baseURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url %s: %w", rawURL, err)
	}

	home, err := c.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	content := &Content{URL: rawURL}

	if strings.Contains(home.ContentType, "application/pdf") {
		text, err := pdfToText(home.Body)
		if err != nil {
			return nil, err
		}
		content.Content = truncate(text, maxMainContent)
		return content, nil
	}

	doc, err := parsePage(home.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing page %s: %w", rawURL, err)
	}

	content.Title = extractTitle(doc)
	content.Description = extractDescription(doc)
	content.FooterContent = truncate(extractFooter(doc), maxFooterContent)
	content.Content = truncate(c.toText(string(home.Body), rawURL), maxMainContent)

	links := extractLinks(doc, baseURL)
	if len(links) > c.maxSubpages {
		links = links[:c.maxSubpages]
	}
	if len(links) == 0 {
		return content, nil
	}

	pages := make([]SubPage, len(links))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range links {
		g.Go(func() error {
			page, err := c.crawlSubpage(gctx, l)
			if err != nil {
				c.logger.Debug("subpage crawl failed", "url", l.URL, "error", err)
				return nil
			}
			pages[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, p := range pages {
		if p.URL != "" {
			content.Pages = append(content.Pages, p)
		}
	}
	return content, nil
}

func (c *Crawler) crawlSubpage(ctx context.Context, l link) (SubPage, error) {
	fetched, err := c.fetcher.Fetch(ctx, l.URL)
	if err != nil {
		return SubPage{}, err
	}

	var text string
	if strings.Contains(fetched.ContentType, "application/pdf") {
		text, err = pdfToText(fetched.Body)
		if err != nil {
			return SubPage{}, err
		}
	} else {
		text = c.toText(string(fetched.Body), l.URL)
	}

	return SubPage{
		URL:     l.URL,
		Kind:    l.Kind,
		Content: truncate(text, maxSubpageContent),
	}, nil
}

// toText sanitizes raw HTML and converts it to markdown-ish plain text.
func (c *Crawler) toText(rawHTML, sourceURL string) string {
	clean := c.sanitizer.Sanitize(rawHTML)
	text, err := c.converter.ConvertString(clean, converter.WithDomain(sourceURL))
	if err != nil {
		// Converter failures degrade to the sanitized text.
		return collapseSpace(clean)
	}
	return strings.TrimSpace(text)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so multibyte text is never cut mid-rune.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
