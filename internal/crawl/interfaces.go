package crawl

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DomainStore persists crawl target roots.
type DomainStore interface {
	UpsertDomain(ctx context.Context, domain Domain) (Domain, error)
	GetDomain(ctx context.Context, hostname string) (Domain, error)
	ListActiveDomains(ctx context.Context) ([]Domain, error)
	TouchLastCrawled(ctx context.Context, domainID int64, t time.Time) error
}

// PageStore persists pages keyed by (domain_id, url_hash).
type PageStore interface {
	// UpsertFetched atomically inserts or refreshes the row for this hash.
	// It must be a single conditional write, not a read-then-write pair.
	UpsertFetched(ctx context.Context, up PageUpsert) (Page, error)
	// CreateFrontier inserts a discovered-but-unfetched page. If the row
	// already exists the existing page is returned unchanged.
	CreateFrontier(ctx context.Context, page Page) (Page, error)
	GetByHash(ctx context.Context, domainID int64, urlHash string) (Page, error)
	ListByDomain(ctx context.Context, domainID int64) ([]Page, error)
	HasPages(ctx context.Context, domainID int64) (bool, error)
	CountFrontier(ctx context.Context, domainID int64) (int, error)
	MarkStageDone(ctx context.Context, pageID int64, stage Stage, t time.Time) error
}

// LinkStore persists directed page edges.
type LinkStore interface {
	// UpsertLink records the edge, overwriting any prior anchor text.
	UpsertLink(ctx context.Context, link PageLink) error
	// RecomputeInboundCounts bulk-recomputes inbound-link counts for every
	// page of the domain. Safe to run repeatedly.
	RecomputeInboundCounts(ctx context.Context, domainID int64) error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RenderDetector decides whether a headless render is warranted.
type RenderDetector interface {
	ShouldRender(probe FetchResponse) bool
}

// BlobStore writes raw artifacts and returns an opaque URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes content-ready events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for URL deduplication and blob naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
