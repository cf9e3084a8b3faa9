// Package pipeline drives records through crawl, analyze and extract stages
// in bounded-concurrency batches with cooperative cancellation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leadsieve/leadsieve/internal/analyzer"
	"github.com/leadsieve/leadsieve/internal/crawler"
	"github.com/leadsieve/leadsieve/internal/metrics"
	"github.com/leadsieve/leadsieve/internal/storage"
)

// Pipeline stages.
const (
	StageCrawl   = "crawl"
	StageAnalyze = "analyze"
	StageExtract = "extract"
)

// ErrBusy is returned when a run is requested while another is active.
var ErrBusy = errors.New("a batch run is already active")

// Store is the record persistence surface the coordinator needs.
type Store interface {
	GetRecord(id string) (storage.Record, error)
	GetRecordByURL(url string) (storage.Record, error)
	UpdateRecord(rec storage.Record) error
	ExtractionCandidates() ([]string, error)
	AddFailure(f storage.FailedEntry) error
}

// CrawlClient produces condensed site content for one URL.
type CrawlClient interface {
	Crawl(ctx context.Context, url string) (*crawler.Content, error)
}

// AnalyzeClient runs the AI stages.
type AnalyzeClient interface {
	Classify(ctx context.Context, content *crawler.Content) (analyzer.Verdict, error)
	ExtractEmails(ctx context.Context, content *crawler.Content) ([]storage.EmailInfo, error)
	ExtractCompany(ctx context.Context, content *crawler.Content) (*storage.CompanyInfo, error)
}

// Options bound the coordinator's concurrency and per-stage timeouts.
type Options struct {
	Concurrency    int
	Delay          time.Duration
	CrawlTimeout   time.Duration
	AnalyzeTimeout time.Duration
	ExtractInfo    bool         // run contact extraction inline for Y verdicts
	Preflight      func() error // config validation, checked before any dispatch
}

// Outcome is one settled item.
type Outcome struct {
	URL       string
	Status    string
	Result    string
	Reason    string
	Details   *storage.ErrorDetails
	Cancelled bool
}

// Hooks observe a run. Either callback may be nil. BatchStarted reports the
// URLs about to be dispatched; ItemFinished reports each settled item with
// the count of terminal items so far. Cancelled items are reported but not
// counted: they return to the pending set.
type Hooks struct {
	BatchStarted func(processing []string)
	ItemFinished func(o Outcome, current, total int)
}

// Summary aggregates one run.
type Summary struct {
	Processed int
	Succeeded int
	Failed    int
	Cancelled int
}

// Coordinator runs batches. One run at a time; Stop cancels the active run
// cooperatively.
type Coordinator struct {
	store    Store
	crawler  CrawlClient
	analyzer AnalyzeClient
	opts     Options
	logger   *slog.Logger

	running atomic.Bool
	stopped atomic.Bool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	current int
	total   int
}

func New(store Store, crawlClient CrawlClient, analyzeClient AnalyzeClient, opts Options, logger *slog.Logger) *Coordinator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Coordinator{
		store:    store,
		crawler:  crawlClient,
		analyzer: analyzeClient,
		opts:     opts,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Running reports whether a run is active.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Stop requests cooperative cancellation: no further batches or stage calls
// are dispatched, and every in-flight item's context is cancelled. In-flight
// items return to waiting.
func (c *Coordinator) Stop() {
	if !c.running.Load() {
		return
	}
	c.stopped.Store(true)
	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.mu.Unlock()
}

// Run processes the given URLs in consecutive batches of Concurrency. A
// failed item never aborts its siblings; batch N+1 starts only after every
// item of batch N settled.
func (c *Coordinator) Run(ctx context.Context, urls []string, hooks Hooks) (Summary, error) {
	return c.runBatches(ctx, urls, hooks, c.processURL)
}

// RunExtraction drives contact extraction over every Y-classified record
// that has not been through it yet.
func (c *Coordinator) RunExtraction(ctx context.Context, hooks Hooks) (Summary, error) {
	ids, err := c.store.ExtractionCandidates()
	if err != nil {
		return Summary{}, err
	}
	urls := make([]string, 0, len(ids))
	for _, id := range ids {
		rec, err := c.store.GetRecord(id)
		if err != nil {
			continue
		}
		urls = append(urls, rec.URL)
	}
	return c.runBatches(ctx, urls, hooks, c.extractURL)
}

func (c *Coordinator) runBatches(ctx context.Context, urls []string, hooks Hooks, item func(context.Context, string, Hooks) Outcome) (Summary, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Summary{}, ErrBusy
	}
	defer c.running.Store(false)
	c.stopped.Store(false)

	if c.opts.Preflight != nil {
		if err := c.opts.Preflight(); err != nil {
			return Summary{}, fmt.Errorf("preflight: %w", err)
		}
	}

	c.mu.Lock()
	c.current = 0
	c.total = len(urls)
	c.mu.Unlock()

	var summary Summary
	for start := 0; start < len(urls); start += c.opts.Concurrency {
		if c.stopped.Load() || ctx.Err() != nil {
			break
		}

		end := min(start+c.opts.Concurrency, len(urls))
		batch := urls[start:end]
		if hooks.BatchStarted != nil {
			hooks.BatchStarted(batch)
		}

		g := new(errgroup.Group)
		for _, u := range batch {
			g.Go(func() error {
				o := item(ctx, u, hooks)
				c.mu.Lock()
				summary.Processed++
				switch {
				case o.Cancelled:
					summary.Cancelled++
				case o.Details != nil:
					summary.Failed++
				default:
					summary.Succeeded++
				}
				c.mu.Unlock()
				return nil
			})
		}
		g.Wait()

		if end < len(urls) && c.opts.Delay > 0 && !c.stopped.Load() {
			select {
			case <-ctx.Done():
			case <-time.After(c.opts.Delay):
			}
		}
	}
	return summary, nil
}

// processURL runs one record through crawl, analyze and (for Y verdicts)
// extraction. The returned outcome is already persisted and reported.
func (c *Coordinator) processURL(ctx context.Context, url string, hooks Hooks) Outcome {
	rec, err := c.store.GetRecordByURL(url)
	if err != nil {
		c.logger.Warn("record lookup failed", "url", url, "error", err)
		return Outcome{URL: url, Cancelled: true}
	}

	itemCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.registerCancel(url, cancel)
	defer c.unregisterCancel(url)

	if c.stopped.Load() {
		return c.resetToWaiting(&rec, hooks)
	}

	// Crawl.
	if err := c.writeRecord(&rec, func(r *storage.Record) { r.Status = storage.StatusCrawling }); err != nil {
		c.logger.Error("status write failed", "url", url, "error", err)
		return Outcome{URL: url, Cancelled: true}
	}
	content, err := c.runCrawl(itemCtx, url)
	if err != nil {
		if c.cancelledItem(itemCtx) {
			return c.resetToWaiting(&rec, hooks)
		}
		return c.failItem(&rec, StageCrawl, err, hooks)
	}

	// Analyze.
	if c.stopped.Load() {
		return c.resetToWaiting(&rec, hooks)
	}
	if err := c.writeRecord(&rec, func(r *storage.Record) { r.Status = storage.StatusAnalyzing }); err != nil {
		c.logger.Error("status write failed", "url", url, "error", err)
		return Outcome{URL: url, Cancelled: true}
	}
	verdict, err := c.runClassify(itemCtx, content)
	if err != nil {
		if c.cancelledItem(itemCtx) {
			return c.resetToWaiting(&rec, hooks)
		}
		return c.failItem(&rec, StageAnalyze, err, hooks)
	}

	snapshot := content.Snapshot()
	if err := c.writeRecord(&rec, func(r *storage.Record) {
		r.Status = storage.StatusCompleted
		r.Result = verdict.Result
		r.Reason = verdict.Reason
		r.CrawledContent = snapshot
		r.Error = ""
		r.ErrorDetails = nil
	}); err != nil {
		c.logger.Error("result write failed", "url", url, "error", err)
		return Outcome{URL: url, Cancelled: true}
	}

	// Extraction, only for confirmed targets.
	if c.opts.ExtractInfo && verdict.Result == storage.ResultYes {
		if c.stopped.Load() {
			return c.finishItem(&rec, hooks)
		}
		if err := c.extractInto(itemCtx, &rec, content); err != nil {
			if c.cancelledItem(itemCtx) {
				return c.resetToWaiting(&rec, hooks)
			}
			return c.failItem(&rec, StageExtract, err, hooks)
		}
	}

	return c.finishItem(&rec, hooks)
}

// extractURL runs the standalone extraction flow for one already-classified
// record.
func (c *Coordinator) extractURL(ctx context.Context, url string, hooks Hooks) Outcome {
	rec, err := c.store.GetRecordByURL(url)
	if err != nil {
		c.logger.Warn("record lookup failed", "url", url, "error", err)
		return Outcome{URL: url, Cancelled: true}
	}

	itemCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.registerCancel(url, cancel)
	defer c.unregisterCancel(url)

	if c.stopped.Load() {
		return Outcome{URL: url, Cancelled: true}
	}

	// Extraction needs the site content; re-crawl for it.
	if err := c.writeRecord(&rec, func(r *storage.Record) { r.Status = storage.StatusInfoCrawling }); err != nil {
		c.logger.Error("status write failed", "url", url, "error", err)
		return Outcome{URL: url, Cancelled: true}
	}
	content, err := c.runCrawl(itemCtx, url)
	if err != nil {
		if c.cancelledItem(itemCtx) {
			return c.resetToWaiting(&rec, hooks)
		}
		return c.failItem(&rec, StageExtract, err, hooks)
	}

	if err := c.extractInto(itemCtx, &rec, content); err != nil {
		if c.cancelledItem(itemCtx) {
			return c.resetToWaiting(&rec, hooks)
		}
		return c.failItem(&rec, StageExtract, err, hooks)
	}
	return c.finishItem(&rec, hooks)
}

// extractInto runs email and company extraction and merges the results into
// rec, finishing it as completed. The caller handles failures.
func (c *Coordinator) extractInto(ctx context.Context, rec *storage.Record, content *crawler.Content) error {
	if err := c.writeRecord(rec, func(r *storage.Record) { r.Status = storage.StatusInfoCrawling }); err != nil {
		return err
	}

	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, c.opts.AnalyzeTimeout)
	defer cancel()

	emails, err := c.analyzer.ExtractEmails(sctx, content)
	if err != nil {
		metrics.ObserveStage(StageExtract, "error", time.Since(start).Seconds())
		return err
	}
	company, err := c.analyzer.ExtractCompany(sctx, content)
	if err != nil {
		metrics.ObserveStage(StageExtract, "error", time.Since(start).Seconds())
		return err
	}
	metrics.ObserveStage(StageExtract, "ok", time.Since(start).Seconds())

	return c.writeRecord(rec, func(r *storage.Record) {
		r.Status = storage.StatusCompleted
		r.Emails = emails
		r.CompanyInfo = company
		r.HasInfoCrawled = true
	})
}

func (c *Coordinator) runCrawl(ctx context.Context, url string) (*crawler.Content, error) {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, c.opts.CrawlTimeout)
	defer cancel()

	content, err := c.crawler.Crawl(sctx, url)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ObserveStage(StageCrawl, status, time.Since(start).Seconds())
	return content, err
}

func (c *Coordinator) runClassify(ctx context.Context, content *crawler.Content) (analyzer.Verdict, error) {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, c.opts.AnalyzeTimeout)
	defer cancel()

	verdict, err := c.analyzer.Classify(sctx, content)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ObserveStage(StageAnalyze, status, time.Since(start).Seconds())
	return verdict, err
}

// failItem persists a stage failure: stage-specific status, error details,
// and a failure journal entry.
func (c *Coordinator) failItem(rec *storage.Record, stage string, err error, hooks Hooks) Outcome {
	details := ClassifyError(err, stage)
	c.logger.Warn("stage failed", "url", rec.URL, "stage", stage, "type", details.Type, "error", err)

	if werr := c.writeRecord(rec, func(r *storage.Record) {
		r.Status = failedStatus(stage)
		r.Result = storage.ResultError
		r.Error = details.Message
		r.ErrorDetails = details
	}); werr != nil {
		c.logger.Error("failure write failed", "url", rec.URL, "error", werr)
	}

	if jerr := c.store.AddFailure(storage.FailedEntry{
		URL:          rec.URL,
		Stage:        stage,
		ErrorType:    details.Type,
		ErrorMessage: details.Message,
	}); jerr != nil {
		c.logger.Error("failure journal write failed", "url", rec.URL, "error", jerr)
	}

	o := Outcome{URL: rec.URL, Status: rec.Status, Result: rec.Result, Details: details}
	c.reportItem(o, hooks)
	return o
}

// resetToWaiting returns a cancelled item to the pending set. Cancellation
// never marks records failed.
func (c *Coordinator) resetToWaiting(rec *storage.Record, hooks Hooks) Outcome {
	if rec.InFlight() {
		if err := c.writeRecord(rec, func(r *storage.Record) { r.Status = storage.StatusWaiting }); err != nil {
			c.logger.Error("reset write failed", "url", rec.URL, "error", err)
		}
	}
	o := Outcome{URL: rec.URL, Status: rec.Status, Cancelled: true}
	if hooks.ItemFinished != nil {
		c.mu.Lock()
		current, total := c.current, c.total
		c.mu.Unlock()
		hooks.ItemFinished(o, current, total)
	}
	return o
}

func (c *Coordinator) finishItem(rec *storage.Record, hooks Hooks) Outcome {
	o := Outcome{URL: rec.URL, Status: rec.Status, Result: rec.Result, Reason: rec.Reason}
	c.reportItem(o, hooks)
	return o
}

// reportItem bumps the terminal-item counter and notifies the observer.
// Progress only ever moves forward.
func (c *Coordinator) reportItem(o Outcome, hooks Hooks) {
	c.mu.Lock()
	c.current++
	current, total := c.current, c.total
	c.mu.Unlock()
	if hooks.ItemFinished != nil {
		hooks.ItemFinished(o, current, total)
	}
}

// writeRecord applies mutate and persists with the version guard, re-reading
// and reapplying on a stale write.
func (c *Coordinator) writeRecord(rec *storage.Record, mutate func(*storage.Record)) error {
	for attempt := 0; attempt < 3; attempt++ {
		mutate(rec)
		err := c.store.UpdateRecord(*rec)
		if err == nil {
			rec.Version++
			return nil
		}
		if !errors.Is(err, storage.ErrStaleWrite) {
			return err
		}
		fresh, gerr := c.store.GetRecord(rec.ID)
		if gerr != nil {
			return gerr
		}
		*rec = fresh
	}
	return storage.ErrStaleWrite
}

func (c *Coordinator) cancelledItem(ctx context.Context) bool {
	return c.stopped.Load() || errors.Is(ctx.Err(), context.Canceled)
}

func (c *Coordinator) registerCancel(url string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancels[url] = cancel
	c.mu.Unlock()
}

func (c *Coordinator) unregisterCancel(url string) {
	c.mu.Lock()
	delete(c.cancels, url)
	c.mu.Unlock()
}
