// Package scheduler decides which known pages are due for re-fetch and in
// what order. It is the sole authority on recrawl admission: the
// orchestrator fetches exactly what this package hands it.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopgraph/crawler/internal/crawl"
)

// Config holds the priority formula knobs. All values are externally
// supplied; the scheduler keeps no internal state.
type Config struct {
	// HoursPerLink is how many hours each inbound link shaves off the
	// effective wait.
	HoursPerLink float64
	// MinInterval is the hard floor between fetches of the same page,
	// regardless of popularity.
	MinInterval time.Duration
	// MaxInterval is the ceiling before a recrawl is forced.
	MaxInterval time.Duration
}

// DefaultConfig mirrors the reference knobs: 1 hour per link, 20 minute
// floor, 20 day ceiling.
func DefaultConfig() Config {
	return Config{
		HoursPerLink: 1,
		MinInterval:  20 * time.Minute,
		MaxInterval:  20 * 24 * time.Hour,
	}
}

// Options select a candidate mode.
type Options struct {
	// NewOnly restricts candidates to never-fetched pages, oldest
	// discovery first (pure frontier expansion).
	NewOnly bool
	// Force ignores the due predicate and ranks every page by priority.
	Force bool
}

// Scheduler computes due candidates over a PageStore port.
type Scheduler struct {
	pages crawl.PageStore
	clock crawl.Clock
	cfg   Config
}

// New constructs a Scheduler.
func New(pages crawl.PageStore, clock crawl.Clock, cfg Config) *Scheduler {
	if cfg.MaxInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{pages: pages, clock: clock, cfg: cfg}
}

// EffectiveAge returns the priority metric in hours: elapsed time since
// the last crawl plus the inbound-link popularity credit. Each inbound
// link shortens the effective wait by HoursPerLink, so popular pages age
// faster and come due sooner. Only meaningful for pages fetched at least
// once.
func (s *Scheduler) EffectiveAge(page crawl.Page, now time.Time) float64 {
	if page.LastCrawledAt == nil {
		return 0
	}
	hoursSince := now.Sub(*page.LastCrawledAt).Hours()
	return hoursSince + float64(page.InboundLinks)*s.cfg.HoursPerLink
}

// DueCandidates returns up to limit pages of the domain ordered by
// descending priority. Never-crawled pages always precede stale ones.
func (s *Scheduler) DueCandidates(
	ctx context.Context,
	domain crawl.Domain,
	limit int,
	opts Options,
) ([]crawl.Page, error) {
	if limit <= 0 {
		return nil, nil
	}
	pages, err := s.pages.ListByDomain(ctx, domain.ID)
	if err != nil {
		return nil, fmt.Errorf("list pages for %s: %w", domain.Hostname, err)
	}
	now := s.clock.Now()

	if opts.NewOnly {
		return truncate(s.frontierByDiscovery(pages), limit), nil
	}

	var never, stale []crawl.Page
	for _, p := range pages {
		switch {
		case !p.Fetched():
			never = append(never, p)
		case opts.Force || s.due(p, now):
			stale = append(stale, p)
		}
	}

	sortByDiscovery(never)
	sort.SliceStable(stale, func(i, j int) bool {
		return s.EffectiveAge(stale[i], now) > s.EffectiveAge(stale[j], now)
	})

	return truncate(append(never, stale...), limit), nil
}

// due applies the recrawl predicate: past the hard floor, and effectively
// older than the ceiling once popularity is discounted. The popularity
// term can exceed the ceiling, which correctly makes hub pages eligible
// almost immediately after the floor.
func (s *Scheduler) due(page crawl.Page, now time.Time) bool {
	since := now.Sub(*page.LastCrawledAt)
	if since < s.cfg.MinInterval {
		return false
	}
	return s.EffectiveAge(page, now) > s.cfg.MaxInterval.Hours()
}

func (s *Scheduler) frontierByDiscovery(pages []crawl.Page) []crawl.Page {
	var frontier []crawl.Page
	for _, p := range pages {
		if !p.Fetched() {
			frontier = append(frontier, p)
		}
	}
	sortByDiscovery(frontier)
	return frontier
}

func sortByDiscovery(pages []crawl.Page) {
	sort.SliceStable(pages, func(i, j int) bool {
		if pages[i].DiscoveredAt.Equal(pages[j].DiscoveredAt) {
			return pages[i].ID < pages[j].ID
		}
		return pages[i].DiscoveredAt.Before(pages[j].DiscoveredAt)
	})
}

func truncate(pages []crawl.Page, limit int) []crawl.Page {
	if len(pages) > limit {
		return pages[:limit]
	}
	return pages
}
