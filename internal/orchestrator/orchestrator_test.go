package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shopgraph/crawler/internal/crawl"
	"github.com/shopgraph/crawler/internal/graph"
	hashsha256 "github.com/shopgraph/crawler/internal/hash/sha256"
	"github.com/shopgraph/crawler/internal/scheduler"
	storememory "github.com/shopgraph/crawler/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
	errOn  map[string]error
	calls  []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		bodies: make(map[string]string),
		status: make(map[string]int),
		errOn:  make(map[string]error),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	if err, ok := f.errOn[req.URL]; ok {
		return crawl.FetchResponse{}, err
	}
	status := 200
	if s, ok := f.status[req.URL]; ok {
		status = s
	}
	body := f.bodies[req.URL]
	if body == "" {
		body = "<html><body>ok</body></html>"
	}
	return crawl.FetchResponse{URL: req.URL, StatusCode: status, Body: []byte(body)}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeBlobStore struct {
	mu   sync.Mutex
	puts []string
}

func (f *fakeBlobStore) PutObject(_ context.Context, objectPath, _ string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, objectPath)
	return "mem://" + objectPath, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []crawl.ContentReady
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	event, ok := payload.(crawl.ContentReady)
	if !ok {
		return "", errors.New("unexpected payload type")
	}
	f.events = append(f.events, event)
	return fmt.Sprintf("msg-%d", len(f.events)), nil
}

type fakeIDs struct{}

func (fakeIDs) NewID() (string, error) { return "session-1", nil }

type alwaysRender struct{}

func (alwaysRender) ShouldRender(crawl.FetchResponse) bool { return true }

type harness struct {
	store     *storememory.Store
	fetcher   *fakeFetcher
	blobs     *fakeBlobStore
	publisher *fakePublisher
	clock     *fakeClock
	hasher    *hashsha256.Hasher
	orch      *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     storememory.New(),
		fetcher:   newFakeFetcher(),
		blobs:     &fakeBlobStore{},
		publisher: &fakePublisher{},
		clock:     newFakeClock(),
		hasher:    hashsha256.New(),
	}
	h.orch = New(
		h.store,
		h.store,
		scheduler.New(h.store, h.clock, scheduler.DefaultConfig()),
		graph.New(h.store, h.store, h.hasher, h.clock, zap.NewNop()),
		h.fetcher,
		nil,
		nil,
		h.blobs,
		h.publisher,
		h.hasher,
		h.clock,
		fakeIDs{},
		zap.NewNop(),
		Config{DefaultLimit: 50, BlobPrefix: "pages", Topic: "content-ready"},
	)
	return h
}

func (h *harness) seedDomain(t *testing.T, hostname string) crawl.Domain {
	t.Helper()
	domain, err := h.store.UpsertDomain(context.Background(), crawl.Domain{
		Hostname:     hostname,
		BaseProtocol: "https",
		Active:       true,
	})
	require.NoError(t, err)
	return domain
}

// seedFetched inserts an already-crawled page so the domain is past its
// bootstrap phase.
func (h *harness) seedFetched(t *testing.T, domain crawl.Domain, url string, crawledAt time.Time) crawl.Page {
	t.Helper()
	hash, err := h.hasher.Hash([]byte(url))
	require.NoError(t, err)
	page, err := h.store.UpsertFetched(context.Background(), crawl.PageUpsert{
		DomainID:  domain.ID,
		URL:       url,
		URLHash:   hash,
		CrawledAt: crawledAt,
	})
	require.NoError(t, err)
	return page
}

func (h *harness) seedFrontier(t *testing.T, domain crawl.Domain, url string, depth int) crawl.Page {
	t.Helper()
	hash, err := h.hasher.Hash([]byte(url))
	require.NoError(t, err)
	page, err := h.store.CreateFrontier(context.Background(), crawl.Page{
		DomainID:     domain.ID,
		URL:          url,
		URLHash:      hash,
		Depth:        depth,
		DiscoveredAt: h.clock.Now(),
	})
	require.NoError(t, err)
	return page
}

func TestRun_BootstrapCreatesSingleRootPage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	domain := h.seedDomain(t, "example.com")
	h.fetcher.bodies["https://example.com/"] = "<html><body>storefront</body></html>"

	reports, err := h.orch.Run(context.Background(), []crawl.Domain{domain}, 10, Options{})
	require.NoError(t, err)
	require.Equal(t, DomainReport{Processed: 1, Errors: 0, QueueSize: 0}, reports["example.com"])

	pages, err := h.store.ListByDomain(context.Background(), domain.ID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, domain.RootURL(), pages[0].URL)
	require.Equal(t, 0, pages[0].Depth)
	require.NotNil(t, pages[0].LastCrawledAt)

	got, err := h.store.GetDomain(context.Background(), "example.com")
	require.NoError(t, err)
	require.NotNil(t, got.LastCrawledAt)
}

func TestRun_IncrementalHarvestsLinksIntoFrontier(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	domain := h.seedDomain(t, "example.com")
	h.fetcher.bodies["https://example.com/"] = "<html><body>empty</body></html>"

	_, err := h.orch.Run(context.Background(), []crawl.Domain{domain}, 10, Options{})
	require.NoError(t, err)

	// Three weeks later the root is stale and its refetch now carries links.
	h.clock.Advance(21 * 24 * time.Hour)
	h.fetcher.bodies["https://example.com/"] = `<html><body>
		<a href="/products">Products</a>
		<a href="/about">About</a>
		<a href="https://example.com/contact">Contact</a>
	</body></html>`

	reports, err := h.orch.Run(context.Background(), []crawl.Domain{domain}, 10, Options{})
	require.NoError(t, err)
	require.Equal(t, DomainReport{Processed: 1, Errors: 0, QueueSize: 3}, reports["example.com"])

	pages, err := h.store.ListByDomain(context.Background(), domain.ID)
	require.NoError(t, err)
	require.Len(t, pages, 4)
	require.Len(t, h.store.Links(), 3)
	for _, p := range pages {
		if p.URL == domain.RootURL() {
			continue
		}
		require.Nil(t, p.LastCrawledAt, "discovered page %s must stay unfetched", p.URL)
		require.Equal(t, 1, p.Depth)
	}
}

func TestRun_GlobalBudgetSpansDomains(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	first := h.seedDomain(t, "alpha.example")
	second := h.seedDomain(t, "beta.example")
	h.seedFetched(t, first, "https://alpha.example", h.clock.Now().Add(-30*24*time.Hour))
	h.seedFetched(t, second, "https://beta.example", h.clock.Now().Add(-30*24*time.Hour))
	for i := 0; i < 4; i++ {
		h.seedFrontier(t, first, fmt.Sprintf("https://alpha.example/p/%d", i), 1)
		h.seedFrontier(t, second, fmt.Sprintf("https://beta.example/p/%d", i), 1)
	}

	reports, err := h.orch.Run(context.Background(), []crawl.Domain{first, second}, 3, Options{})
	require.NoError(t, err)

	total := 0
	for _, r := range reports {
		total += r.Processed + r.Errors
	}
	require.Equal(t, 3, total)
	require.Equal(t, 3, h.fetcher.callCount())
	// The first domain consumed the whole budget; the second never ran.
	require.Contains(t, reports, "alpha.example")
	require.NotContains(t, reports, "beta.example")
}

func TestRun_FetchFailureIsolatedPerPage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	domain := h.seedDomain(t, "example.com")
	h.seedFetched(t, domain, "https://example.com", h.clock.Now().Add(-30*24*time.Hour))
	for i := 0; i < 5; i++ {
		h.seedFrontier(t, domain, fmt.Sprintf("https://example.com/p/%d", i), 1)
	}
	h.fetcher.errOn["https://example.com/p/2"] = errors.New("connection reset")

	reports, err := h.orch.Run(context.Background(), []crawl.Domain{domain}, 5, Options{NewOnly: true})
	require.NoError(t, err)
	require.Equal(t, 4, reports["example.com"].Processed)
	require.Equal(t, 1, reports["example.com"].Errors)
	require.Equal(t, 5, h.fetcher.callCount())
}

func TestRun_Non2xxCountsAsError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	domain := h.seedDomain(t, "example.com")
	h.seedFetched(t, domain, "https://example.com", h.clock.Now().Add(-30*24*time.Hour))
	h.seedFrontier(t, domain, "https://example.com/gone", 1)
	h.fetcher.status["https://example.com/gone"] = 404

	reports, err := h.orch.Run(context.Background(), []crawl.Domain{domain}, 5, Options{NewOnly: true})
	require.NoError(t, err)
	require.Equal(t, 0, reports["example.com"].Processed)
	require.Equal(t, 1, reports["example.com"].Errors)
}

func TestRun_InactiveDomainSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	domain := h.seedDomain(t, "example.com")
	domain.Active = false

	reports, err := h.orch.Run(context.Background(), []crawl.Domain{domain}, 10, Options{})
	require.NoError(t, err)
	require.NotContains(t, reports, "example.com")
	require.Zero(t, h.fetcher.callCount())
}

func TestRun_NoDomainsFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, err := h.orch.Run(context.Background(), nil, 10, Options{})
	require.ErrorIs(t, err, ErrNoDomains)
}

func TestRun_PublishesContentReadyPerFetch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	domain := h.seedDomain(t, "example.com")
	h.fetcher.bodies["https://example.com/"] = `<html><body><a href="/a">A</a></body></html>`

	_, err := h.orch.Run(context.Background(), []crawl.Domain{domain}, 10, Options{})
	require.NoError(t, err)

	require.Len(t, h.publisher.events, 1)
	event := h.publisher.events[0]
	require.Equal(t, "session-1", event.SessionID)
	require.Equal(t, domain.RootURL(), event.URL)
	require.Equal(t, []string{"https://example.com/a"}, event.DiscoveredLinks)
	require.False(t, event.WasRendered)
	require.Contains(t, event.RawContentRef, "mem://pages/example.com/")
}

func TestRun_PublishFailureDoesNotFailFetch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.publisher.err = errors.New("topic unavailable")
	domain := h.seedDomain(t, "example.com")

	reports, err := h.orch.Run(context.Background(), []crawl.Domain{domain}, 10, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, reports["example.com"].Processed)
	require.Zero(t, reports["example.com"].Errors)
}

func TestRun_RenderPromotionSwapsBody(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	renderer := newFakeFetcher()
	renderer.bodies["https://example.com/"] = `<html><body><a href="/hydrated">Hydrated</a></body></html>`
	h.orch.renderer = renderer
	h.orch.detector = alwaysRender{}

	domain := h.seedDomain(t, "example.com")
	domain.RenderAllowed = true
	h.fetcher.bodies["https://example.com/"] = "<html><body><div id=\"root\"></div></body></html>"

	_, err := h.orch.Run(context.Background(), []crawl.Domain{domain}, 10, Options{})
	require.NoError(t, err)

	require.Equal(t, 1, renderer.callCount())
	require.Len(t, h.publisher.events, 1)
	require.True(t, h.publisher.events[0].WasRendered)
	require.Equal(t, []string{"https://example.com/hydrated"}, h.publisher.events[0].DiscoveredLinks)
}

func TestRun_RenderFailureFallsBackToProbe(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	renderer := newFakeFetcher()
	renderer.errOn["https://example.com/"] = errors.New("chrome crashed")
	h.orch.renderer = renderer
	h.orch.detector = alwaysRender{}

	domain := h.seedDomain(t, "example.com")
	domain.RenderAllowed = true

	reports, err := h.orch.Run(context.Background(), []crawl.Domain{domain}, 10, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, reports["example.com"].Processed)
	require.False(t, h.publisher.events[0].WasRendered)
}

func TestRun_ForceRefetchesFreshPages(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	domain := h.seedDomain(t, "example.com")
	h.seedFetched(t, domain, "https://example.com", h.clock.Now().Add(-time.Hour))

	reports, err := h.orch.Run(context.Background(), []crawl.Domain{domain}, 10, Options{})
	require.NoError(t, err)
	require.Zero(t, reports["example.com"].Processed, "fresh page must not be refetched")

	reports, err = h.orch.Run(context.Background(), []crawl.Domain{domain}, 10, Options{Force: true})
	require.NoError(t, err)
	require.Equal(t, 1, reports["example.com"].Processed)
}
