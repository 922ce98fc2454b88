// Package crawl defines the core types and ports shared across the crawl
// pipeline: domains, pages, link edges, fetch contracts, and the
// content-ready notification consumed by downstream stages.
package crawl

import (
	"net/http"
	"strings"
	"time"
)

// Stage is one downstream processing step applied to a fetched page.
// Each stage claims a page through the lock service before acting.
type Stage string

// Stage names used as lock keys and completion-timestamp columns.
const (
	StageScreenshot Stage = "screenshot"
	StageAnalysis   Stage = "analysis"
	StageEmbedding  Stage = "embedding"
	StageAttributes Stage = "attributes"
)

// Domain is a crawl target root.
type Domain struct {
	ID                int64
	Hostname          string
	AllowedSubdomains []string
	BaseProtocol      string
	LastCrawledAt     *time.Time
	Active            bool

	// Per-domain session overrides; zero means "use the global default".
	RequestDelay  time.Duration
	PageBudget    int
	RenderAllowed bool
}

// RootURL returns the URL fetched when the domain is bootstrapped.
func (d Domain) RootURL() string {
	proto := d.BaseProtocol
	if proto == "" {
		proto = "https"
	}
	return proto + "://" + d.Hostname + "/"
}

// AllowsHost reports whether a resolved link host belongs to this domain.
// The bare hostname is always allowed; everything else must match an entry
// in the allowed-subdomain list.
func (d Domain) AllowsHost(host string) bool {
	host = strings.ToLower(host)
	if host == strings.ToLower(d.Hostname) {
		return true
	}
	for _, sub := range d.AllowedSubdomains {
		if host == strings.ToLower(sub+"."+d.Hostname) {
			return true
		}
	}
	return false
}

// Page is a single crawled URL scoped to one Domain. A page with
// LastCrawledAt == nil is a frontier node: discovered but never fetched.
type Page struct {
	ID            int64
	DomainID      int64
	URL           string
	URLHash       string
	Depth         int
	DiscoveredAt  time.Time
	LastCrawledAt *time.Time
	InboundLinks  int
	RawContentRef string

	// Completion timestamps set by downstream stages.
	ScreenshotAt *time.Time
	AnalyzedAt   *time.Time
	EmbeddedAt   *time.Time
	ExtractedAt  *time.Time
}

// Fetched reports whether the page has ever been crawled.
func (p Page) Fetched() bool {
	return p.LastCrawledAt != nil
}

// PageUpsert carries the fields written by a successful fetch.
type PageUpsert struct {
	DomainID      int64
	URL           string
	URLHash       string
	Depth         int
	RawContentRef string
	CrawledAt     time.Time
}

// PageLink is a directed edge source page -> target page. At most one row
// exists per pair; the anchor text is from the most recent discovery.
type PageLink struct {
	SourcePageID int64
	TargetPageID int64
	AnchorText   string
}

// FetchRequest captures everything needed to fetch one URL.
type FetchRequest struct {
	URL       string
	SessionID string
	Headers   http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	WasRendered bool
}

// ContentReady is the notification emitted after a page fetch has been
// persisted and its outbound links ingested. Downstream stages (screenshot,
// AI analysis, embedding, attribute extraction) consume this payload.
type ContentReady struct {
	SessionID       string    `json:"session_id"`
	PageID          int64     `json:"page_id"`
	URL             string    `json:"url"`
	RawContentRef   string    `json:"raw_content_ref"`
	WasRendered     bool      `json:"was_rendered"`
	DiscoveredLinks []string  `json:"discovered_links"`
	FetchedAt       time.Time `json:"fetched_at"`
}
