package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shopgraph/crawler/internal/crawl"
)

func TestUpsertFetched_IdempotentOnSameHash(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	first := time.Unix(1000, 0).UTC()
	second := time.Unix(2000, 0).UTC()

	p1, err := store.UpsertFetched(ctx, crawl.PageUpsert{
		DomainID: 1, URL: "https://shop.example/a", URLHash: "h1",
		Depth: 0, RawContentRef: "mem://a-v1", CrawledAt: first,
	})
	require.NoError(t, err)

	p2, err := store.UpsertFetched(ctx, crawl.PageUpsert{
		DomainID: 1, URL: "https://shop.example/a", URLHash: "h1",
		Depth: 0, RawContentRef: "mem://a-v2", CrawledAt: second,
	})
	require.NoError(t, err)

	require.Equal(t, p1.ID, p2.ID)
	require.Equal(t, "mem://a-v2", p2.RawContentRef)
	require.Equal(t, second, *p2.LastCrawledAt)

	pages, err := store.ListByDomain(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pages, 1)
}

func TestCreateFrontier_ReturnsExistingOnConflict(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	created, err := store.CreateFrontier(ctx, crawl.Page{
		DomainID: 1, URL: "https://shop.example/b", URLHash: "h2", Depth: 1,
	})
	require.NoError(t, err)
	require.Nil(t, created.LastCrawledAt)

	again, err := store.CreateFrontier(ctx, crawl.Page{
		DomainID: 1, URL: "https://shop.example/b", URLHash: "h2", Depth: 5,
	})
	require.NoError(t, err)
	require.Equal(t, created.ID, again.ID)
	require.Equal(t, 1, again.Depth)
}

func TestUpsertLink_LastAnchorWins(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	require.NoError(t, store.UpsertLink(ctx, crawl.PageLink{SourcePageID: 1, TargetPageID: 2, AnchorText: "old"}))
	require.NoError(t, store.UpsertLink(ctx, crawl.PageLink{SourcePageID: 1, TargetPageID: 2, AnchorText: "new"}))

	links := store.Links()
	require.Len(t, links, 1)
	require.Equal(t, "new", links[0].AnchorText)
}

func TestRecomputeInboundCounts(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	now := time.Unix(1000, 0).UTC()

	a, err := store.UpsertFetched(ctx, crawl.PageUpsert{DomainID: 1, URL: "https://e.com/a", URLHash: "a", CrawledAt: now})
	require.NoError(t, err)
	b, err := store.CreateFrontier(ctx, crawl.Page{DomainID: 1, URL: "https://e.com/b", URLHash: "b", Depth: 1})
	require.NoError(t, err)
	c, err := store.CreateFrontier(ctx, crawl.Page{DomainID: 1, URL: "https://e.com/c", URLHash: "c", Depth: 1})
	require.NoError(t, err)

	require.NoError(t, store.UpsertLink(ctx, crawl.PageLink{SourcePageID: a.ID, TargetPageID: b.ID}))
	require.NoError(t, store.UpsertLink(ctx, crawl.PageLink{SourcePageID: a.ID, TargetPageID: c.ID}))
	require.NoError(t, store.UpsertLink(ctx, crawl.PageLink{SourcePageID: c.ID, TargetPageID: b.ID}))

	require.NoError(t, store.RecomputeInboundCounts(ctx, 1))

	pages, err := store.ListByDomain(ctx, 1)
	require.NoError(t, err)
	byHash := make(map[string]crawl.Page)
	for _, p := range pages {
		byHash[p.URLHash] = p
	}
	require.Equal(t, 0, byHash["a"].InboundLinks)
	require.Equal(t, 2, byHash["b"].InboundLinks)
	require.Equal(t, 1, byHash["c"].InboundLinks)
}

func TestCountFrontier(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	now := time.Unix(1000, 0).UTC()

	_, err := store.UpsertFetched(ctx, crawl.PageUpsert{DomainID: 1, URL: "https://e.com/a", URLHash: "a", CrawledAt: now})
	require.NoError(t, err)
	_, err = store.CreateFrontier(ctx, crawl.Page{DomainID: 1, URL: "https://e.com/b", URLHash: "b", Depth: 1})
	require.NoError(t, err)
	_, err = store.CreateFrontier(ctx, crawl.Page{DomainID: 2, URL: "https://other.com/x", URLHash: "x", Depth: 1})
	require.NoError(t, err)

	count, err := store.CountFrontier(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMarkStageDone(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	now := time.Unix(1000, 0).UTC()

	page, err := store.UpsertFetched(ctx, crawl.PageUpsert{DomainID: 1, URL: "https://e.com/a", URLHash: "a", CrawledAt: now})
	require.NoError(t, err)

	done := now.Add(time.Minute)
	require.NoError(t, store.MarkStageDone(ctx, page.ID, crawl.StageEmbedding, done))

	stored, err := store.GetByHash(ctx, 1, "a")
	require.NoError(t, err)
	require.NotNil(t, stored.EmbeddedAt)
	require.Equal(t, done, *stored.EmbeddedAt)
	require.Nil(t, stored.AnalyzedAt)
}

func TestDomainLifecycle(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	d, err := store.UpsertDomain(ctx, crawl.Domain{Hostname: "shop.example", Active: true})
	require.NoError(t, err)
	require.NotZero(t, d.ID)

	_, err = store.GetDomain(ctx, "missing.example")
	require.ErrorIs(t, err, crawl.ErrNotFound)

	now := time.Unix(5000, 0).UTC()
	require.NoError(t, store.TouchLastCrawled(ctx, d.ID, now))

	got, err := store.GetDomain(ctx, "shop.example")
	require.NoError(t, err)
	require.NotNil(t, got.LastCrawledAt)
	require.Equal(t, now, *got.LastCrawledAt)

	// Re-upsert keeps the identity and the crawl stamp.
	d2, err := store.UpsertDomain(ctx, crawl.Domain{Hostname: "shop.example", Active: false})
	require.NoError(t, err)
	require.Equal(t, d.ID, d2.ID)
	require.NotNil(t, d2.LastCrawledAt)

	active, err := store.ListActiveDomains(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}
