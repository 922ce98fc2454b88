// Package lock implements the short-TTL per-stage page lock.
//
// A lock is a key-value record lock:{stage}:{entityID} holding the Unix
// timestamp of acquisition. Staleness is computed client-side against the
// wall clock; the store needs only GET/SET/DEL. There is no ownership
// token: any caller may release a lock or take over a stale one, so two
// workers racing on a stale lock can both believe they hold it. Stage
// consumers must stay idempotent enough to tolerate that rare double-run.
package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shopgraph/crawler/internal/crawl"
)

// DefaultTTL is the lock lifetime applied when none is configured.
const DefaultTTL = 10 * time.Second

// Store is the key-value surface the lock service needs.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error
}

// Service prevents two workers from running the same stage on the same
// page simultaneously. The backing store is cache-tier: when it is
// unavailable the service fails open, granting the lock with a warning,
// so a lock outage never blocks stage processing.
type Service struct {
	store  Store
	ttl    time.Duration
	clock  crawl.Clock
	logger *zap.Logger
}

// New constructs a lock Service.
func New(store Store, ttl time.Duration, clock crawl.Clock, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		ttl:    ttl,
		clock:  clock,
		logger: logger,
	}
}

// Acquire attempts to claim the (entity, stage) lock. It returns true when
// the lock was absent or stale, false when another worker holds it.
func (s *Service) Acquire(ctx context.Context, entityID int64, stage crawl.Stage) bool {
	key := lockKey(entityID, stage)
	now := s.clock.Now()

	value, found, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("lock store unavailable, proceeding without mutual exclusion",
			zap.String("key", key), zap.Error(err))
		return true
	}
	if found && !s.stale(value, now) {
		return false
	}

	if err := s.store.Set(ctx, key, strconv.FormatInt(now.Unix(), 10)); err != nil {
		s.logger.Warn("lock store write failed, proceeding without mutual exclusion",
			zap.String("key", key), zap.Error(err))
	}
	return true
}

// Release deletes the lock unconditionally. No effect if absent.
func (s *Service) Release(ctx context.Context, entityID int64, stage crawl.Stage) {
	key := lockKey(entityID, stage)
	if err := s.store.Del(ctx, key); err != nil {
		s.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
	}
}

// IsLocked reports whether a fresh lock is held, without mutating state.
func (s *Service) IsLocked(ctx context.Context, entityID int64, stage crawl.Stage) bool {
	key := lockKey(entityID, stage)
	value, found, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("lock store unavailable during check", zap.String("key", key), zap.Error(err))
		return false
	}
	return found && !s.stale(value, s.clock.Now())
}

// Timeout returns the lock TTL, used by callers to pick a retry cadence.
func (s *Service) Timeout() time.Duration {
	return s.ttl
}

func (s *Service) stale(value string, now time.Time) bool {
	acquired, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		// Unparseable values count as stale so a corrupt key cannot wedge
		// a stage forever.
		return true
	}
	return now.Sub(time.Unix(acquired, 0)) >= s.ttl
}

func lockKey(entityID int64, stage crawl.Stage) string {
	return fmt.Sprintf("lock:%s:%d", stage, entityID)
}
