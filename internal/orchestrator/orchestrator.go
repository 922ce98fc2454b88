// Package orchestrator drives bounded crawl sessions across domains:
// bootstrap for brand-new domains, scheduler-fed incremental recrawl for
// established ones, with a global page budget and per-page failure
// isolation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shopgraph/crawler/internal/crawl"
	"github.com/shopgraph/crawler/internal/graph"
	"github.com/shopgraph/crawler/internal/metrics"
	"github.com/shopgraph/crawler/internal/scheduler"
)

// ErrNoDomains is returned when a session has nothing to crawl.
var ErrNoDomains = errors.New("no active domains")

// Config controls session behavior.
type Config struct {
	// DefaultLimit is the run-wide fetch budget when the caller passes none.
	DefaultLimit int
	// DefaultDelay spaces sequential fetches within one domain. A domain's
	// RequestDelay overrides it.
	DefaultDelay time.Duration
	BlobPrefix   string
	ContentType  string
	// Topic for content-ready notifications; empty disables publishing.
	Topic string
}

// Options mirror the CLI flags for a session.
type Options struct {
	NewOnly bool
	Force   bool
}

// DomainReport is the per-domain session outcome.
type DomainReport struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	QueueSize int `json:"queue_size"`
}

// Orchestrator runs crawl sessions.
type Orchestrator struct {
	domains   crawl.DomainStore
	pages     crawl.PageStore
	sched     *scheduler.Scheduler
	book      *graph.Bookkeeper
	probe     crawl.Fetcher
	renderer  crawl.Fetcher
	detector  crawl.RenderDetector
	blobs     crawl.BlobStore
	publisher crawl.Publisher
	hasher    crawl.Hasher
	clock     crawl.Clock
	ids       crawl.IDGenerator
	logger    *zap.Logger
	cfg       Config
}

// New constructs an Orchestrator. The renderer and detector are optional;
// when either is nil every fetch stays on the probe path.
func New(
	domains crawl.DomainStore,
	pages crawl.PageStore,
	sched *scheduler.Scheduler,
	book *graph.Bookkeeper,
	probe crawl.Fetcher,
	renderer crawl.Fetcher,
	detector crawl.RenderDetector,
	blobs crawl.BlobStore,
	publisher crawl.Publisher,
	hasher crawl.Hasher,
	clock crawl.Clock,
	ids crawl.IDGenerator,
	logger *zap.Logger,
	cfg Config,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 50
	}
	return &Orchestrator{
		domains:   domains,
		pages:     pages,
		sched:     sched,
		book:      book,
		probe:     probe,
		renderer:  renderer,
		detector:  detector,
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run executes one crawl session over the given domains. The limit is the
// run-wide fetch-attempt budget; once exhausted, remaining domains are
// skipped entirely. Per-page failures are counted, never fatal; Run fails
// only when the session cannot start at all.
func (o *Orchestrator) Run(
	ctx context.Context,
	domains []crawl.Domain,
	limit int,
	opts Options,
) (map[string]DomainReport, error) {
	if len(domains) == 0 {
		return nil, ErrNoDomains
	}
	if limit <= 0 {
		limit = o.cfg.DefaultLimit
	}

	sessionID := o.newSessionID()
	logger := o.logger.With(zap.String("session_id", sessionID))
	logger.Info("crawl session starting",
		zap.Int("domains", len(domains)),
		zap.Int("limit", limit),
		zap.Bool("new_only", opts.NewOnly),
		zap.Bool("force", opts.Force),
	)

	reports := make(map[string]DomainReport, len(domains))
	attempts := 0
	for _, domain := range domains {
		if attempts >= limit {
			logger.Info("budget exhausted, skipping remaining domains",
				zap.String("next_domain", domain.Hostname))
			break
		}
		if !domain.Active {
			logger.Warn("skipping inactive domain", zap.String("domain", domain.Hostname))
			continue
		}

		budget := limit - attempts
		if domain.PageBudget > 0 && domain.PageBudget < budget {
			budget = domain.PageBudget
		}

		report := o.crawlDomain(ctx, logger, domain, budget, opts, sessionID)
		reports[domain.Hostname] = report
		attempts += report.Processed + report.Errors
	}

	metrics.ObserveSession("completed")
	logger.Info("crawl session finished", zap.Int("attempts", attempts))
	return reports, nil
}

func (o *Orchestrator) crawlDomain(
	ctx context.Context,
	logger *zap.Logger,
	domain crawl.Domain,
	budget int,
	opts Options,
	sessionID string,
) DomainReport {
	report := DomainReport{}
	cache := graph.NewSessionCache()
	logger = logger.With(zap.String("domain", domain.Hostname))

	has, err := o.pages.HasPages(ctx, domain.ID)
	if err != nil {
		logger.Error("domain page lookup failed", zap.Error(err))
		report.Errors++
		return report
	}

	if !has {
		// Brand-new domain: fetch the root only to seed the frontier.
		logger.Info("bootstrapping new domain", zap.String("url", domain.RootURL()))
		if err := o.fetchPage(ctx, logger, domain, domain.RootURL(), "", cache, sessionID); err != nil {
			logger.Error("bootstrap fetch failed", zap.Error(err))
			report.Errors++
		} else {
			report.Processed++
		}
	} else {
		candidates, err := o.sched.DueCandidates(ctx, domain, budget, scheduler.Options(opts))
		if err != nil {
			logger.Error("scheduler failed", zap.Error(err))
			report.Errors++
			return report
		}
		limiter := o.newLimiter(domain)
		for _, candidate := range candidates {
			if err := limiter.Wait(ctx); err != nil {
				logger.Warn("session interrupted", zap.Error(err))
				break
			}
			if err := o.fetchPage(ctx, logger, domain, candidate.URL, "", cache, sessionID); err != nil {
				// A broken page must not block the rest of the queue.
				logger.Error("candidate fetch failed",
					zap.String("url", candidate.URL), zap.Error(err))
				report.Errors++
				continue
			}
			report.Processed++
		}
	}

	o.finishDomain(ctx, logger, domain, &report)
	return report
}

// finishDomain runs the end-of-session bookkeeping: inbound-count
// recompute, backlog measurement, and the domain crawl stamp.
func (o *Orchestrator) finishDomain(
	ctx context.Context,
	logger *zap.Logger,
	domain crawl.Domain,
	report *DomainReport,
) {
	if err := o.book.RecomputeInboundCounts(ctx, domain); err != nil {
		logger.Error("inbound count recompute failed", zap.Error(err))
	}
	queue, err := o.pages.CountFrontier(ctx, domain.ID)
	if err != nil {
		logger.Error("frontier count failed", zap.Error(err))
	} else {
		report.QueueSize = queue
		metrics.SetFrontierSize(domain.Hostname, queue)
	}
	if err := o.domains.TouchLastCrawled(ctx, domain.ID, o.clock.Now()); err != nil {
		logger.Error("domain crawl stamp failed", zap.Error(err))
	}
	logger.Info("domain session done",
		zap.Int("processed", report.Processed),
		zap.Int("errors", report.Errors),
		zap.Int("queue_size", report.QueueSize),
	)
}

// fetchPage runs the full pipeline for one URL: probe fetch, optional
// render promotion, blob persistence, graph bookkeeping, link ingestion,
// and the content-ready notification.
func (o *Orchestrator) fetchPage(
	ctx context.Context,
	logger *zap.Logger,
	domain crawl.Domain,
	pageURL string,
	foundOnURL string,
	cache *graph.SessionCache,
	sessionID string,
) error {
	resp, err := o.probe.Fetch(ctx, crawl.FetchRequest{URL: pageURL, SessionID: sessionID})
	if err != nil {
		metrics.ObservePage(domain.Hostname, "probe", 0, 0)
		return fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObservePage(domain.Hostname, "probe", resp.StatusCode, 0)
		return fmt.Errorf("fetch %s: unexpected status %d", pageURL, resp.StatusCode)
	}

	resp = o.maybeRender(ctx, logger, domain, pageURL, sessionID, resp)
	mode := "probe"
	if resp.WasRendered {
		mode = "rendered"
	}
	metrics.ObservePage(domain.Hostname, mode, resp.StatusCode, len(resp.Body))

	ref, err := o.storeBody(ctx, domain, pageURL, resp.Body)
	if err != nil {
		return fmt.Errorf("store body for %s: %w", pageURL, err)
	}

	page, err := o.book.RecordFetch(ctx, domain, pageURL, ref, foundOnURL, cache)
	if err != nil {
		return fmt.Errorf("record fetch for %s: %w", pageURL, err)
	}

	links, err := graph.ExtractOutboundLinks(resp.Body, pageURL)
	if err != nil {
		// Extraction failure is isolated: the page itself is recorded.
		logger.Warn("link extraction failed", zap.String("url", pageURL), zap.Error(err))
		links = nil
	}
	o.book.IngestDiscoveredLinks(ctx, domain, links, page, cache)

	o.publishContentReady(ctx, logger, sessionID, page, resp.WasRendered, links)
	return nil
}

func (o *Orchestrator) maybeRender(
	ctx context.Context,
	logger *zap.Logger,
	domain crawl.Domain,
	pageURL string,
	sessionID string,
	probe crawl.FetchResponse,
) crawl.FetchResponse {
	if o.renderer == nil || o.detector == nil || !domain.RenderAllowed {
		return probe
	}
	if !o.detector.ShouldRender(probe) {
		return probe
	}
	rendered, err := o.renderer.Fetch(ctx, crawl.FetchRequest{URL: pageURL, SessionID: sessionID})
	if err != nil {
		// Fall back to the probe body rather than failing the page.
		logger.Warn("render promotion failed", zap.String("url", pageURL), zap.Error(err))
		return probe
	}
	if rendered.StatusCode < 200 || rendered.StatusCode > 299 {
		logger.Warn("render promotion returned bad status",
			zap.String("url", pageURL), zap.Int("status", rendered.StatusCode))
		return probe
	}
	metrics.ObserveRenderPromotion()
	rendered.WasRendered = true
	return rendered
}

func (o *Orchestrator) storeBody(
	ctx context.Context,
	domain crawl.Domain,
	pageURL string,
	body []byte,
) (string, error) {
	urlHash, err := o.hasher.Hash([]byte(pageURL))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	objectPath := path.Join(
		o.cfg.BlobPrefix,
		domain.Hostname,
		o.clock.Now().Format("2006-01-02"),
		urlHash+".html",
	)
	ref, err := o.blobs.PutObject(ctx, objectPath, o.cfg.ContentType, body)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return ref, nil
}

func (o *Orchestrator) publishContentReady(
	ctx context.Context,
	logger *zap.Logger,
	sessionID string,
	page crawl.Page,
	wasRendered bool,
	links []graph.DiscoveredLink,
) {
	if o.publisher == nil || o.cfg.Topic == "" {
		return
	}
	urls := make([]string, 0, len(links))
	for _, l := range links {
		urls = append(urls, l.URL)
	}
	event := crawl.ContentReady{
		SessionID:       sessionID,
		PageID:          page.ID,
		URL:             page.URL,
		RawContentRef:   page.RawContentRef,
		WasRendered:     wasRendered,
		DiscoveredLinks: urls,
		FetchedAt:       o.clock.Now(),
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.Topic, event); err != nil {
		// Notification failure does not undo the recorded fetch.
		logger.Warn("content-ready publish failed",
			zap.Int64("page_id", page.ID), zap.Error(err))
	}
}

func (o *Orchestrator) newLimiter(domain crawl.Domain) *rate.Limiter {
	delay := domain.RequestDelay
	if delay <= 0 {
		delay = o.cfg.DefaultDelay
	}
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

func (o *Orchestrator) newSessionID() string {
	if o.ids == nil {
		return ""
	}
	id, err := o.ids.NewID()
	if err != nil {
		o.logger.Warn("session id generation failed", zap.Error(err))
		return ""
	}
	return id
}
