package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/edge-engine/internal/model"
)

// CachedStore wraps a primary Store (SQL) with a Redis read-through cache of
// the whole portfolio. Writes go to the primary store and refresh the cached
// version marker; reads serve the cached portfolio only when its version
// matches the marker, otherwise they fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string
	logger  *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store. prefix
// namespaces keys when several engines share one Redis.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, prefix string, logger *slog.Logger) *CachedStore {
	if prefix == "" {
		prefix = "edge"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  prefix,
		logger:  logger,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveMutation(ctx context.Context, m Mutation) error {
	if err := s.primary.SaveMutation(ctx, m); err != nil {
		return err
	}
	// Cache errors never fail a committed mutation.
	if err := s.rdb.Set(ctx, s.versionKey(), m.Version, 0).Err(); err != nil {
		s.logger.Warn("redis version marker update failed", "version", m.Version, "error", err)
	}
	if err := s.rdb.Del(ctx, s.portfolioKey()).Err(); err != nil {
		s.logger.Warn("redis portfolio invalidation failed", "version", m.Version, "error", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadPortfolio(ctx context.Context) (*model.PortfolioState, error) {
	if st, ok := s.cached(ctx); ok {
		return st, nil
	}

	st, err := s.primary.LoadPortfolio(ctx)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(st)
	if err != nil {
		return st, nil
	}
	if err := s.rdb.SetNX(ctx, s.versionKey(), st.Version, 0).Err(); err != nil {
		s.logger.Warn("redis version marker init failed", "version", st.Version, "error", err)
	}
	if err := s.rdb.Set(ctx, s.portfolioKey(), data, s.ttl).Err(); err != nil {
		s.logger.Warn("redis portfolio cache fill failed", "version", st.Version, "error", err)
	}
	return st, nil
}

// cached returns the cached portfolio when it is at the marker version.
func (s *CachedStore) cached(ctx context.Context) (*model.PortfolioState, bool) {
	data, err := s.rdb.Get(ctx, s.portfolioKey()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("redis portfolio read failed", "error", err)
		}
		return nil, false
	}
	var st model.PortfolioState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false
	}
	v, ok := s.Version(ctx)
	if !ok || v != st.Version {
		s.logger.Warn("stale portfolio cache, reloading", "cached", st.Version, "marker", v)
		return nil, false
	}
	return &st, true
}

// Version returns the last version written by any engine sharing this
// Redis. ok is false when no marker is set or Redis is unreachable.
func (s *CachedStore) Version(ctx context.Context) (v uint64, ok bool) {
	v, err := s.rdb.Get(ctx, s.versionKey()).Uint64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// --- Cache helpers ---

func (s *CachedStore) portfolioKey() string { return fmt.Sprintf("%s:portfolio", s.prefix) }
func (s *CachedStore) versionKey() string   { return fmt.Sprintf("%s:portfolio:version", s.prefix) }
