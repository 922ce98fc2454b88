// Package postgres provides Postgres-backed persistence for domains,
// pages and page links.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopgraph/crawler/internal/crawl"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements the domain, page and link store ports on Postgres.
type Store struct {
	pool dbPool
}

// New creates a Postgres store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS domains (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	hostname TEXT NOT NULL UNIQUE,
	allowed_subdomains TEXT[] NOT NULL DEFAULT '{}',
	base_protocol TEXT NOT NULL DEFAULT 'https',
	last_crawled_at TIMESTAMPTZ,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	request_delay_ms BIGINT NOT NULL DEFAULT 0,
	page_budget INT NOT NULL DEFAULT 0,
	render_allowed BOOLEAN NOT NULL DEFAULT FALSE
)`,
		`CREATE TABLE IF NOT EXISTS pages (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	domain_id BIGINT NOT NULL REFERENCES domains(id),
	url TEXT NOT NULL,
	url_hash TEXT NOT NULL,
	depth INT NOT NULL DEFAULT 0,
	discovered_at TIMESTAMPTZ NOT NULL,
	last_crawled_at TIMESTAMPTZ,
	inbound_links INT NOT NULL DEFAULT 0,
	raw_content_ref TEXT NOT NULL DEFAULT '',
	screenshot_at TIMESTAMPTZ,
	analyzed_at TIMESTAMPTZ,
	embedded_at TIMESTAMPTZ,
	extracted_at TIMESTAMPTZ,
	UNIQUE (domain_id, url_hash)
)`,
		`CREATE INDEX IF NOT EXISTS pages_domain_frontier_idx
	ON pages (domain_id) WHERE last_crawled_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS page_links (
	source_page_id BIGINT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
	target_page_id BIGINT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
	anchor_text TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (source_page_id, target_page_id)
)`,
		`CREATE INDEX IF NOT EXISTS page_links_target_idx ON page_links (target_page_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

const domainColumns = `id, hostname, allowed_subdomains, base_protocol,
	last_crawled_at, active, request_delay_ms, page_budget, render_allowed`

// UpsertDomain inserts or updates a domain keyed by hostname. The
// last-crawl timestamp is never overwritten here.
func (s *Store) UpsertDomain(ctx context.Context, domain crawl.Domain) (crawl.Domain, error) {
	query := `
INSERT INTO domains (hostname, allowed_subdomains, base_protocol, active,
	request_delay_ms, page_budget, render_allowed)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (hostname) DO UPDATE SET
	allowed_subdomains = EXCLUDED.allowed_subdomains,
	base_protocol = EXCLUDED.base_protocol,
	active = EXCLUDED.active,
	request_delay_ms = EXCLUDED.request_delay_ms,
	page_budget = EXCLUDED.page_budget,
	render_allowed = EXCLUDED.render_allowed
RETURNING ` + domainColumns
	row := s.pool.QueryRow(ctx, query,
		domain.Hostname,
		domain.AllowedSubdomains,
		domain.BaseProtocol,
		domain.Active,
		domain.RequestDelay.Milliseconds(),
		domain.PageBudget,
		domain.RenderAllowed,
	)
	return scanDomain(row)
}

// GetDomain fetches a domain by hostname.
func (s *Store) GetDomain(ctx context.Context, hostname string) (crawl.Domain, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE hostname = $1`, hostname)
	domain, err := scanDomain(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Domain{}, crawl.ErrNotFound
	}
	return domain, err
}

// ListActiveDomains returns all domains with the active flag set.
func (s *Store) ListActiveDomains(ctx context.Context) ([]crawl.Domain, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []crawl.Domain
	for rows.Next() {
		domain, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, domain)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return out, nil
}

// TouchLastCrawled stamps the domain's last-crawl timestamp.
func (s *Store) TouchLastCrawled(ctx context.Context, domainID int64, t time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE domains SET last_crawled_at = $2 WHERE id = $1`, domainID, t)
	if err != nil {
		return fmt.Errorf("touch domain %d: %w", domainID, err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

const pageColumns = `id, domain_id, url, url_hash, depth, discovered_at,
	last_crawled_at, inbound_links, raw_content_ref,
	screenshot_at, analyzed_at, embedded_at, extracted_at`

// UpsertFetched atomically inserts or refreshes the page row for
// (domain_id, url_hash). Concurrent sessions racing on the same hash both
// land on the same row.
func (s *Store) UpsertFetched(ctx context.Context, up crawl.PageUpsert) (crawl.Page, error) {
	query := `
INSERT INTO pages (domain_id, url, url_hash, depth, discovered_at,
	last_crawled_at, raw_content_ref)
VALUES ($1, $2, $3, $4, $5, $5, $6)
ON CONFLICT (domain_id, url_hash) DO UPDATE SET
	url = EXCLUDED.url,
	depth = EXCLUDED.depth,
	last_crawled_at = EXCLUDED.last_crawled_at,
	raw_content_ref = EXCLUDED.raw_content_ref
RETURNING ` + pageColumns
	row := s.pool.QueryRow(ctx, query,
		up.DomainID,
		up.URL,
		up.URLHash,
		up.Depth,
		up.CrawledAt,
		up.RawContentRef,
	)
	page, err := scanPage(row)
	if err != nil {
		return crawl.Page{}, fmt.Errorf("upsert page: %w", err)
	}
	return page, nil
}

// CreateFrontier inserts a discovered-but-unfetched page. On conflict the
// existing row wins and is returned unchanged.
func (s *Store) CreateFrontier(ctx context.Context, page crawl.Page) (crawl.Page, error) {
	query := `
INSERT INTO pages (domain_id, url, url_hash, depth, discovered_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (domain_id, url_hash) DO NOTHING
RETURNING ` + pageColumns
	row := s.pool.QueryRow(ctx, query,
		page.DomainID,
		page.URL,
		page.URLHash,
		page.Depth,
		page.DiscoveredAt,
	)
	inserted, err := scanPage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race or the page already existed; hand back the winner.
		return s.GetByHash(ctx, page.DomainID, page.URLHash)
	}
	if err != nil {
		return crawl.Page{}, fmt.Errorf("create frontier page: %w", err)
	}
	return inserted, nil
}

// GetByHash fetches a page by its (domain, url hash) key.
func (s *Store) GetByHash(ctx context.Context, domainID int64, urlHash string) (crawl.Page, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE domain_id = $1 AND url_hash = $2`,
		domainID, urlHash)
	page, err := scanPage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Page{}, crawl.ErrNotFound
	}
	return page, err
}

// ListByDomain returns every page of a domain.
func (s *Store) ListByDomain(ctx context.Context, domainID int64) ([]crawl.Page, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE domain_id = $1 ORDER BY id`, domainID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var out []crawl.Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	return out, nil
}

// HasPages reports whether the domain has any page rows at all.
func (s *Store) HasPages(ctx context.Context, domainID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pages WHERE domain_id = $1)`, domainID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check domain pages: %w", err)
	}
	return exists, nil
}

// CountFrontier counts the domain's discovered-but-unfetched pages.
func (s *Store) CountFrontier(ctx context.Context, domainID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pages WHERE domain_id = $1 AND last_crawled_at IS NULL`,
		domainID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count frontier: %w", err)
	}
	return count, nil
}

// MarkStageDone stamps the completion time of one processing stage.
func (s *Store) MarkStageDone(ctx context.Context, pageID int64, stage crawl.Stage, t time.Time) error {
	var column string
	switch stage {
	case crawl.StageScreenshot:
		column = "screenshot_at"
	case crawl.StageAnalysis:
		column = "analyzed_at"
	case crawl.StageEmbedding:
		column = "embedded_at"
	case crawl.StageAttributes:
		column = "extracted_at"
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pages SET `+column+` = $2 WHERE id = $1`, pageID, t)
	if err != nil {
		return fmt.Errorf("mark stage %s: %w", stage, err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// UpsertLink records the edge, overwriting any prior anchor text.
func (s *Store) UpsertLink(ctx context.Context, link crawl.PageLink) error {
	query := `
INSERT INTO page_links (source_page_id, target_page_id, anchor_text)
VALUES ($1, $2, $3)
ON CONFLICT (source_page_id, target_page_id) DO UPDATE SET
	anchor_text = EXCLUDED.anchor_text`
	if _, err := s.pool.Exec(ctx, query,
		link.SourcePageID, link.TargetPageID, link.AnchorText); err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}
	return nil
}

// RecomputeInboundCounts bulk-recomputes inbound-link counts for every
// page of the domain in a single statement.
func (s *Store) RecomputeInboundCounts(ctx context.Context, domainID int64) error {
	query := `
UPDATE pages SET inbound_links = counted.cnt
FROM (
	SELECT p.id, COUNT(pl.source_page_id) AS cnt
	FROM pages p
	LEFT JOIN page_links pl ON pl.target_page_id = p.id
	WHERE p.domain_id = $1
	GROUP BY p.id
) AS counted
WHERE pages.id = counted.id`
	if _, err := s.pool.Exec(ctx, query, domainID); err != nil {
		return fmt.Errorf("recompute inbound counts: %w", err)
	}
	return nil
}

func scanDomain(row pgx.Row) (crawl.Domain, error) {
	var (
		domain  crawl.Domain
		delayMS int64
	)
	err := row.Scan(
		&domain.ID,
		&domain.Hostname,
		&domain.AllowedSubdomains,
		&domain.BaseProtocol,
		&domain.LastCrawledAt,
		&domain.Active,
		&delayMS,
		&domain.PageBudget,
		&domain.RenderAllowed,
	)
	if err != nil {
		return crawl.Domain{}, err
	}
	domain.RequestDelay = time.Duration(delayMS) * time.Millisecond
	return domain, nil
}

func scanPage(row pgx.Row) (crawl.Page, error) {
	var page crawl.Page
	err := row.Scan(
		&page.ID,
		&page.DomainID,
		&page.URL,
		&page.URLHash,
		&page.Depth,
		&page.DiscoveredAt,
		&page.LastCrawledAt,
		&page.InboundLinks,
		&page.RawContentRef,
		&page.ScreenshotAt,
		&page.AnalyzedAt,
		&page.EmbeddedAt,
		&page.ExtractedAt,
	)
	if err != nil {
		return crawl.Page{}, err
	}
	return page, nil
}
