package crawler

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
)

// HeadlessFetcher renders pages in headless Chrome. Used for sites that
// build their content client-side; selected via the crawler.headless config
// flag.
type HeadlessFetcher struct {
	allocOpts []chromedp.ExecAllocatorOption
	timeout   time.Duration
}

func NewHeadlessFetcher(timeout time.Duration, userAgent, proxy string) *HeadlessFetcher {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(userAgent),
	)
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	return &HeadlessFetcher{allocOpts: opts, timeout: timeout}
}

func (f *HeadlessFetcher) Fetch(ctx context.Context, url string) (*Fetched, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, f.allocOpts...)
	defer cancelAlloc()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, f.timeout)
	defer cancelTimeout()

	var rendered string
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.OuterHTML("html", &rendered),
	)
	if err != nil {
		return nil, err
	}

	body := []byte(rendered)
	if len(body) > maxBodySize {
		body = body[:maxBodySize]
	}
	return &Fetched{
		Body:        body,
		ContentType: "text/html",
		StatusCode:  200,
		FinalURL:    url,
	}, nil
}
