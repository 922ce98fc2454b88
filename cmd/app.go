package cmd

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	gcsblob "github.com/shopgraph/crawler/internal/blob/gcs"
	localblob "github.com/shopgraph/crawler/internal/blob/local"
	memoryblob "github.com/shopgraph/crawler/internal/blob/memory"
	"github.com/shopgraph/crawler/internal/clock/system"
	"github.com/shopgraph/crawler/internal/config"
	"github.com/shopgraph/crawler/internal/crawl"
	collyfetcher "github.com/shopgraph/crawler/internal/fetch/colly"
	"github.com/shopgraph/crawler/internal/fetch/detector"
	"github.com/shopgraph/crawler/internal/fetch/headless"
	"github.com/shopgraph/crawler/internal/graph"
	"github.com/shopgraph/crawler/internal/hash/sha256"
	uuidgen "github.com/shopgraph/crawler/internal/id/uuid"
	"github.com/shopgraph/crawler/internal/lock"
	lockmemory "github.com/shopgraph/crawler/internal/lock/memory"
	lockredis "github.com/shopgraph/crawler/internal/lock/redis"
	"github.com/shopgraph/crawler/internal/logging"
	memorynotify "github.com/shopgraph/crawler/internal/notify/memory"
	pubsubnotify "github.com/shopgraph/crawler/internal/notify/pubsub"
	"github.com/shopgraph/crawler/internal/orchestrator"
	"github.com/shopgraph/crawler/internal/scheduler"
	storememory "github.com/shopgraph/crawler/internal/store/memory"
	storepostgres "github.com/shopgraph/crawler/internal/store/postgres"
)

// app holds the wired dependencies shared by the crawl and serve commands.
// Every external backend has an in-memory fallback so a bare config still
// produces a working process for local development.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	domains crawl.DomainStore
	pages   crawl.PageStore
	locks   *lock.Service
	clock   crawl.Clock
	orch    *orchestrator.Orchestrator

	closers []func()
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, clock: system.New()}
	hasher := sha256.New()

	domains, pages, links, err := a.buildStores(ctx)
	if err != nil {
		return nil, err
	}
	a.domains = domains
	a.pages = pages

	lockStore, err := a.buildLockStore(ctx)
	if err != nil {
		return nil, err
	}
	a.locks = lock.New(lockStore, cfg.Lock.TTL(), a.clock, logger)

	blobs, err := a.buildBlobStore(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   15 * time.Second,
	})

	var (
		renderer crawl.Fetcher
		detect   crawl.RenderDetector
	)
	if cfg.Headless.Enabled {
		chrome, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.closers = append(a.closers, chrome.Close)
		renderer = chrome
		detect = detector.NewHeuristic(cfg.Headless.PromotionThresh)
	}

	sched := scheduler.New(pages, a.clock, scheduler.Config{
		HoursPerLink: cfg.Scheduler.HoursPerLink,
		MinInterval:  time.Duration(cfg.Scheduler.MinIntervalMinutes) * time.Minute,
		MaxInterval:  time.Duration(cfg.Scheduler.MaxIntervalDays) * 24 * time.Hour,
	})
	book := graph.New(pages, links, hasher, a.clock, logger)

	a.orch = orchestrator.New(
		domains,
		pages,
		sched,
		book,
		probe,
		renderer,
		detect,
		blobs,
		publisher,
		hasher,
		a.clock,
		uuidgen.NewGenerator(),
		logger,
		orchestrator.Config{
			DefaultLimit: cfg.Crawler.DefaultLimit,
			DefaultDelay: cfg.Crawler.RequestDelay(),
			BlobPrefix:   cfg.Storage.Prefix,
			ContentType:  cfg.Storage.ContentType,
			Topic:        cfg.PubSub.TopicName,
		},
	)
	return a, nil
}

func (a *app) buildStores(ctx context.Context) (crawl.DomainStore, crawl.PageStore, crawl.LinkStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database configured, using in-memory stores")
		mem := storememory.New()
		return mem, mem, mem, nil
	}
	pg, err := storepostgres.New(ctx, storepostgres.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init postgres store: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, nil, fmt.Errorf("migrate postgres schema: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	return pg, pg, pg, nil
}

func (a *app) buildLockStore(ctx context.Context) (lock.Store, error) {
	if a.cfg.Redis.Addr == "" {
		return lockmemory.New(), nil
	}
	store, err := lockredis.New(ctx, lockredis.Config{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("init redis lock store: %w", err)
	}
	a.closers = append(a.closers, func() {
		if cerr := store.Close(); cerr != nil {
			a.logger.Warn("close redis lock store", zap.Error(cerr))
		}
	})
	return store, nil
}

func (a *app) buildBlobStore(ctx context.Context) (crawl.BlobStore, error) {
	switch {
	case a.cfg.Storage.GCSBucket != "":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if cerr := client.Close(); cerr != nil {
				a.logger.Warn("close gcs client", zap.Error(cerr))
			}
		})
		return gcsblob.New(client, gcsblob.Config{Bucket: a.cfg.Storage.GCSBucket})
	case a.cfg.Storage.LocalDir != "":
		return localblob.New(localblob.Config{BaseDir: a.cfg.Storage.LocalDir})
	default:
		a.logger.Warn("no blob backend configured, raw content is kept in memory")
		return memoryblob.NewBlobStore(), nil
	}
}

func (a *app) buildPublisher(ctx context.Context) (crawl.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		return memorynotify.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsubnotify.New(client)
	a.closers = append(a.closers, func() {
		pub.Close()
		if cerr := client.Close(); cerr != nil {
			a.logger.Warn("close pubsub client", zap.Error(cerr))
		}
	})
	return pub, nil
}

// seedDomains registers config-declared domains before a session runs.
func (a *app) seedDomains(ctx context.Context) error {
	for _, seed := range a.cfg.Domains {
		protocol := seed.Protocol
		if protocol == "" {
			protocol = "https"
		}
		_, err := a.domains.UpsertDomain(ctx, crawl.Domain{
			Hostname:          seed.Hostname,
			AllowedSubdomains: seed.Subdomains,
			BaseProtocol:      protocol,
			Active:            true,
			RequestDelay:      time.Duration(seed.DelaySeconds) * time.Second,
			PageBudget:        seed.PageBudget,
			RenderAllowed:     seed.Render,
		})
		if err != nil {
			return fmt.Errorf("seed domain %s: %w", seed.Hostname, err)
		}
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}
