package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"quantflow/ecode"
	"quantflow/internal/keys"
	"quantflow/logger"
	"quantflow/models"
)

// AppendKline appends a closed candle to the given stream key. The stream
// is uncapped; the entry id is assigned by the store and strictly
// increases per stream. The snowflake id inside the payload is a separate,
// application-level identifier.
func (s *Store) AppendKline(ctx context.Context, key string, ev models.KlineEvent) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		ID:     "*",
		Values: fieldValues(ev.Fields()),
	}).Err()
	if err != nil {
		return ecode.Wrapf(ecode.ReasonRedis, err, "xadd kline %s", key)
	}
	return nil
}

// AppendForceOrder appends a forced-liquidation event to the stream
// derived from its (exchange, market, symbol) tuple. The stream is capped
// approximately at the configured maximum; trimming is best effort, so the
// log length hovers around the cap rather than matching it exactly.
func (s *Store) AppendForceOrder(ctx context.Context, ev models.ForceOrderEvent) error {
	key := keys.ForceOrderStream(ev.Exchange, ev.Market, ev.Symbol)
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.forceOrderMaxLen,
		Approx: true,
		ID:     "*",
		Values: fieldValues(ev.Fields()),
	}).Err()
	if err != nil {
		return ecode.Wrapf(ecode.ReasonRedis, err, "xadd force order %s", key)
	}
	return nil
}

// EnsureGroup creates a consumer group on the stream, creating the stream
// itself when absent. Creation is idempotent: an already existing group is
// left untouched and reported as success.
func (s *Store) EnsureGroup(ctx context.Context, key, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, key, group, "$").Err()
	if err != nil {
		if isBusyGroup(err) {
			return nil
		}
		return ecode.Wrapf(ecode.ReasonRedis, err, "create group %s on %s", group, key)
	}
	s.log.WithComponent("cache").WithFields(logger.Fields{
		"stream": key,
		"group":  group,
	}).Info("consumer group created")
	return nil
}

// isBusyGroup reports whether err is the server's reply to XGROUP CREATE
// for a group that already exists. The server sends it as a plain error
// string starting with "BUSYGROUP", so the prefix is the only stable
// discriminant.
func isBusyGroup(err error) bool {
	var rerr redis.Error
	return errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "BUSYGROUP")
}

// ReadGroup performs a blocking batched read of entries not yet delivered
// to this consumer. It waits up to block for new data (a negative block
// returns immediately) and returns up to count entries in log order; the
// returned entries are pending until acknowledged. No new data yields an
// empty slice, not an error.
func (s *Store) ReadGroup(ctx context.Context, key, group, consumer string, count int64, block time.Duration) ([]models.StreamEntry, error) {
	return s.readGroupFrom(ctx, key, group, consumer, ">", count, block)
}

// ReadPending re-reads entries already delivered to this consumer but not
// yet acknowledged. Called on startup so a crash between delivery and
// acknowledgment leads to redelivery instead of loss.
func (s *Store) ReadPending(ctx context.Context, key, group, consumer string, count int64) ([]models.StreamEntry, error) {
	return s.readGroupFrom(ctx, key, group, consumer, "0", count, -1)
}

func (s *Store) readGroupFrom(ctx context.Context, key, group, consumer, from string, count int64, block time.Duration) ([]models.StreamEntry, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, from},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, ecode.Wrapf(ecode.ReasonRedis, err, "xreadgroup %s as %s/%s", key, group, consumer)
	}

	var entries []models.StreamEntry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entries = append(entries, models.StreamEntry{ID: msg.ID, Fields: stringFields(msg.Values)})
		}
	}
	return entries, nil
}

// Ack removes delivered entries from the group's pending set. Unknown or
// already acknowledged ids are not an error, so acks are safely retryable.
func (s *Store) Ack(ctx context.Context, key, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, key, group, ids...).Err(); err != nil {
		return ecode.Wrapf(ecode.ReasonRedis, err, "xack %s", key)
	}
	return nil
}

// StreamLen reports the current length of a stream.
func (s *Store) StreamLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.XLen(ctx, key).Result()
	if err != nil {
		return 0, ecode.Wrapf(ecode.ReasonRedis, err, "xlen %s", key)
	}
	return n, nil
}

func fieldValues(fields map[string]string) map[string]interface{} {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return values
}

func stringFields(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	return fields
}
