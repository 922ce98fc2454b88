// Package graph maintains the page/link graph: page upserts keyed by
// (domain, url hash), directed edges, crawl depth, and inbound-link
// counts.
package graph

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/shopgraph/crawler/internal/crawl"
)

// SessionCache memoizes url-hash -> page lookups for one crawl session so
// just-created frontier pages are not re-read from the store on every
// edge. It is created per session and discarded at session end; holding
// one across sessions would serve stale rows.
type SessionCache struct {
	byHash map[string]crawl.Page
}

// NewSessionCache returns an empty cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{byHash: make(map[string]crawl.Page)}
}

func (c *SessionCache) get(hash string) (crawl.Page, bool) {
	p, ok := c.byHash[hash]
	return p, ok
}

func (c *SessionCache) put(p crawl.Page) {
	c.byHash[p.URLHash] = p
}

// Bookkeeper turns one successful page fetch into durable graph state.
type Bookkeeper struct {
	pages  crawl.PageStore
	links  crawl.LinkStore
	hasher crawl.Hasher
	clock  crawl.Clock
	logger *zap.Logger
}

// New constructs a Bookkeeper.
func New(
	pages crawl.PageStore,
	links crawl.LinkStore,
	hasher crawl.Hasher,
	clock crawl.Clock,
	logger *zap.Logger,
) *Bookkeeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bookkeeper{
		pages:  pages,
		links:  links,
		hasher: hasher,
		clock:  clock,
		logger: logger,
	}
}

// RecordFetch upserts the page row for a successful fetch. Depth is 0 for
// a crawl root (no foundOnURL), else parent depth + 1; when the parent is
// not yet persisted the depth defaults to 1.
func (b *Bookkeeper) RecordFetch(
	ctx context.Context,
	domain crawl.Domain,
	pageURL string,
	rawContentRef string,
	foundOnURL string,
	cache *SessionCache,
) (crawl.Page, error) {
	hash, err := b.hasher.Hash([]byte(pageURL))
	if err != nil {
		return crawl.Page{}, fmt.Errorf("hash url: %w", err)
	}

	depth := 0
	switch existing, known := b.lookupByHash(ctx, domain.ID, hash, cache); {
	case known:
		// Refetch of a known page keeps the depth it was discovered at.
		depth = existing.Depth
	case foundOnURL != "":
		depth = 1
		if parent, ok := b.lookupByURL(ctx, domain.ID, foundOnURL, cache); ok {
			depth = parent.Depth + 1
		}
	}

	page, err := b.pages.UpsertFetched(ctx, crawl.PageUpsert{
		DomainID:      domain.ID,
		URL:           pageURL,
		URLHash:       hash,
		Depth:         depth,
		RawContentRef: rawContentRef,
		CrawledAt:     b.clock.Now(),
	})
	if err != nil {
		return crawl.Page{}, fmt.Errorf("upsert page %s: %w", pageURL, err)
	}
	if cache != nil {
		cache.put(page)
	}
	return page, nil
}

// RecordEdge upserts the source -> target edge with last-seen-wins anchor
// text. Uniqueness races are expected under concurrent discovery and are
// logged at debug, never surfaced.
func (b *Bookkeeper) RecordEdge(ctx context.Context, source, target crawl.Page, anchorText string) {
	err := b.links.UpsertLink(ctx, crawl.PageLink{
		SourcePageID: source.ID,
		TargetPageID: target.ID,
		AnchorText:   anchorText,
	})
	if err != nil {
		b.logger.Debug("edge upsert race",
			zap.Int64("source", source.ID),
			zap.Int64("target", target.ID),
			zap.Error(err),
		)
	}
}

// IngestDiscoveredLinks grows the frontier from one page's outbound links.
// External hosts are dropped by the domain policy; known targets get an
// edge; unknown targets become frontier pages at source depth + 1. Any
// single link's failure is logged and skipped, never aborting the loop.
func (b *Bookkeeper) IngestDiscoveredLinks(
	ctx context.Context,
	domain crawl.Domain,
	links []DiscoveredLink,
	source crawl.Page,
	cache *SessionCache,
) {
	for _, link := range links {
		if err := b.ingestOne(ctx, domain, link, source, cache); err != nil {
			b.logger.Warn("skipping discovered link",
				zap.String("url", link.URL),
				zap.String("source", source.URL),
				zap.Error(err),
			)
		}
	}
}

func (b *Bookkeeper) ingestOne(
	ctx context.Context,
	domain crawl.Domain,
	link DiscoveredLink,
	source crawl.Page,
	cache *SessionCache,
) error {
	parsed, err := url.Parse(link.URL)
	if err != nil {
		return fmt.Errorf("parse link: %w", err)
	}
	if !domain.AllowsHost(parsed.Hostname()) {
		return nil
	}

	hash, err := b.hasher.Hash([]byte(link.URL))
	if err != nil {
		return fmt.Errorf("hash link: %w", err)
	}

	target, ok := b.lookupByHash(ctx, domain.ID, hash, cache)
	if !ok {
		target, err = b.pages.CreateFrontier(ctx, crawl.Page{
			DomainID:     domain.ID,
			URL:          link.URL,
			URLHash:      hash,
			Depth:        source.Depth + 1,
			DiscoveredAt: b.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("create frontier page: %w", err)
		}
	}
	if cache != nil {
		cache.put(target)
	}

	b.RecordEdge(ctx, source, target, link.Anchor)
	return nil
}

// RecomputeInboundCounts bulk-recomputes inbound-link counts for the
// domain. Run once at session end, not per edge.
func (b *Bookkeeper) RecomputeInboundCounts(ctx context.Context, domain crawl.Domain) error {
	if err := b.links.RecomputeInboundCounts(ctx, domain.ID); err != nil {
		return fmt.Errorf("recompute inbound counts for %s: %w", domain.Hostname, err)
	}
	return nil
}

func (b *Bookkeeper) lookupByURL(
	ctx context.Context,
	domainID int64,
	pageURL string,
	cache *SessionCache,
) (crawl.Page, bool) {
	hash, err := b.hasher.Hash([]byte(pageURL))
	if err != nil {
		return crawl.Page{}, false
	}
	return b.lookupByHash(ctx, domainID, hash, cache)
}

func (b *Bookkeeper) lookupByHash(
	ctx context.Context,
	domainID int64,
	hash string,
	cache *SessionCache,
) (crawl.Page, bool) {
	if cache != nil {
		if page, ok := cache.get(hash); ok {
			return page, true
		}
	}
	page, err := b.pages.GetByHash(ctx, domainID, hash)
	if err != nil {
		return crawl.Page{}, false
	}
	return page, true
}
