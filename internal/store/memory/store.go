// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopgraph/crawler/internal/crawl"
)

type pageKey struct {
	domainID int64
	urlHash  string
}

type linkKey struct {
	source int64
	target int64
}

// Store implements crawl.DomainStore, crawl.PageStore and crawl.LinkStore
// behind a single mutex. Writes are atomic with respect to each other,
// matching the conditional-upsert contract of the Postgres store.
type Store struct {
	mu           sync.RWMutex
	nextDomainID int64
	nextPageID   int64
	domains      map[int64]crawl.Domain
	domainByHost map[string]int64
	pages        map[int64]crawl.Page
	pageByKey    map[pageKey]int64
	links        map[linkKey]crawl.PageLink
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		domains:      make(map[int64]crawl.Domain),
		domainByHost: make(map[string]int64),
		pages:        make(map[int64]crawl.Page),
		pageByKey:    make(map[pageKey]int64),
		links:        make(map[linkKey]crawl.PageLink),
	}
}

// UpsertDomain inserts or updates a domain keyed by hostname.
func (s *Store) UpsertDomain(_ context.Context, domain crawl.Domain) (crawl.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.domainByHost[domain.Hostname]; ok {
		existing := s.domains[id]
		domain.ID = id
		domain.LastCrawledAt = existing.LastCrawledAt
		s.domains[id] = domain
		return domain, nil
	}
	s.nextDomainID++
	domain.ID = s.nextDomainID
	s.domains[domain.ID] = domain
	s.domainByHost[domain.Hostname] = domain.ID
	return domain, nil
}

// GetDomain fetches a domain by hostname.
func (s *Store) GetDomain(_ context.Context, hostname string) (crawl.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.domainByHost[hostname]
	if !ok {
		return crawl.Domain{}, crawl.ErrNotFound
	}
	return s.domains[id], nil
}

// ListActiveDomains returns all domains with the active flag set.
func (s *Store) ListActiveDomains(_ context.Context) ([]crawl.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Domain, 0, len(s.domains))
	for _, d := range s.domains {
		if d.Active {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TouchLastCrawled stamps the domain's last-crawl timestamp.
func (s *Store) TouchLastCrawled(_ context.Context, domainID int64, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	domain, ok := s.domains[domainID]
	if !ok {
		return crawl.ErrNotFound
	}
	ts := t
	domain.LastCrawledAt = &ts
	s.domains[domainID] = domain
	return nil
}

// UpsertFetched inserts or refreshes the page row for (domain, url hash).
func (s *Store) UpsertFetched(_ context.Context, up crawl.PageUpsert) (crawl.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	crawledAt := up.CrawledAt
	key := pageKey{domainID: up.DomainID, urlHash: up.URLHash}
	if id, ok := s.pageByKey[key]; ok {
		page := s.pages[id]
		page.URL = up.URL
		page.Depth = up.Depth
		page.RawContentRef = up.RawContentRef
		page.LastCrawledAt = &crawledAt
		s.pages[id] = page
		return page, nil
	}
	s.nextPageID++
	page := crawl.Page{
		ID:            s.nextPageID,
		DomainID:      up.DomainID,
		URL:           up.URL,
		URLHash:       up.URLHash,
		Depth:         up.Depth,
		DiscoveredAt:  crawledAt,
		LastCrawledAt: &crawledAt,
		RawContentRef: up.RawContentRef,
	}
	s.pages[page.ID] = page
	s.pageByKey[key] = page.ID
	return page, nil
}

// CreateFrontier inserts a discovered-but-unfetched page, returning the
// existing row untouched when the hash is already known.
func (s *Store) CreateFrontier(_ context.Context, page crawl.Page) (crawl.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pageKey{domainID: page.DomainID, urlHash: page.URLHash}
	if id, ok := s.pageByKey[key]; ok {
		return s.pages[id], nil
	}
	s.nextPageID++
	page.ID = s.nextPageID
	page.LastCrawledAt = nil
	s.pages[page.ID] = page
	s.pageByKey[key] = page.ID
	return page, nil
}

// GetByHash looks up a page by its deduplication key.
func (s *Store) GetByHash(_ context.Context, domainID int64, urlHash string) (crawl.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pageByKey[pageKey{domainID: domainID, urlHash: urlHash}]
	if !ok {
		return crawl.Page{}, crawl.ErrNotFound
	}
	return s.pages[id], nil
}

// ListByDomain returns all pages of a domain ordered by ID.
func (s *Store) ListByDomain(_ context.Context, domainID int64) ([]crawl.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Page, 0)
	for _, p := range s.pages {
		if p.DomainID == domainID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// HasPages reports whether the domain has any page rows.
func (s *Store) HasPages(_ context.Context, domainID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pages {
		if p.DomainID == domainID {
			return true, nil
		}
	}
	return false, nil
}

// CountFrontier counts discovered-but-unfetched pages for the domain.
func (s *Store) CountFrontier(_ context.Context, domainID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, p := range s.pages {
		if p.DomainID == domainID && p.LastCrawledAt == nil {
			count++
		}
	}
	return count, nil
}

// MarkStageDone sets the completion timestamp for one downstream stage.
func (s *Store) MarkStageDone(_ context.Context, pageID int64, stage crawl.Stage, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[pageID]
	if !ok {
		return crawl.ErrNotFound
	}
	ts := t
	switch stage {
	case crawl.StageScreenshot:
		page.ScreenshotAt = &ts
	case crawl.StageAnalysis:
		page.AnalyzedAt = &ts
	case crawl.StageEmbedding:
		page.EmbeddedAt = &ts
	case crawl.StageAttributes:
		page.ExtractedAt = &ts
	default:
		return crawl.ErrNotFound
	}
	s.pages[pageID] = page
	return nil
}

// UpsertLink records the edge, last anchor wins.
func (s *Store) UpsertLink(_ context.Context, link crawl.PageLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[linkKey{source: link.SourcePageID, target: link.TargetPageID}] = link
	return nil
}

// RecomputeInboundCounts recounts edges targeting each page of the domain.
func (s *Store) RecomputeInboundCounts(_ context.Context, domainID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[int64]int)
	for key := range s.links {
		counts[key.target]++
	}
	for id, p := range s.pages {
		if p.DomainID != domainID {
			continue
		}
		p.InboundLinks = counts[id]
		s.pages[id] = p
	}
	return nil
}

// Links returns a copy of all edges, for test assertions.
func (s *Store) Links() []crawl.PageLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.PageLink, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourcePageID != out[j].SourcePageID {
			return out[i].SourcePageID < out[j].SourcePageID
		}
		return out[i].TargetPageID < out[j].TargetPageID
	})
	return out
}
