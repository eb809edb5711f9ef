// Package cache implements the Redis-backed market data core: the
// per-symbol ranked price-level store with atomic top-of-book reads, and
// the bounded event streams with consumer-group delivery tracking.
//
// The package owns the access protocol only. The price levels, streams and
// group cursors all live in Redis, shared with other processes and
// surviving restarts; nothing is buffered in process memory beyond the
// lifetime of one call.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"quantflow/config"
	"quantflow/ecode"
	"quantflow/logger"
)

// Store is the shared handle for all cache operations. The underlying
// go-redis client pools connections and is safe for concurrent use, so one
// Store serves any number of goroutines.
type Store struct {
	rdb              *redis.Client
	depthLevels      int
	forceOrderMaxLen int64
	askScript        *redis.Script
	bidScript        *redis.Script
	log              *logger.Log
}

// New connects a Store according to the redis, depth and stream sections
// of the configuration.
func New(cfg *config.Config) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: time.Duration(cfg.Redis.DialTimeout),
		ReadTimeout: time.Duration(cfg.Redis.ReadTimeout),
	})
	return NewWithClient(rdb, cfg.Depth.Levels, cfg.Stream.ForceOrderMaxLen)
}

// NewWithClient wraps an existing client. Tests use this to point the
// Store at a local stand-in server.
func NewWithClient(rdb *redis.Client, depthLevels int, forceOrderMaxLen int64) *Store {
	if depthLevels <= 0 {
		depthLevels = 4
	}
	if forceOrderMaxLen <= 0 {
		forceOrderMaxLen = 100
	}
	return &Store{
		rdb:              rdb,
		depthLevels:      depthLevels,
		forceOrderMaxLen: forceOrderMaxLen,
		askScript:        redis.NewScript(askRangeScript),
		bidScript:        redis.NewScript(bidRangeScript),
		log:              logger.GetLogger(),
	}
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return ecode.Wrap(ecode.ReasonRedis, err)
	}
	return nil
}

// Close releases the client's connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}
