/**
 * @description
 * This file provides a Redis implementation of the EventStore interface,
 * usable as a low-latency deduplication front when many webhook workers share
 * one engine. A Lua script makes the insert-if-absent check atomic, so two
 * racing deliveries of the same event resolve to exactly one winner, and the
 * retention window rides Redis key TTLs instead of an explicit purge.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: The Redis client library.
 */

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cleargate/reconciliation-service/internal/domain"
)

var recordEventScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
  return {0, existing}
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return {1, ARGV[1]}
`)

// RedisEventStore implements EventStore on a shared Redis instance.
type RedisEventStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisEventStore creates a Redis-backed dedup store. Keys live under
// prefix and expire after retention, which must cover at least the upstream
// redelivery window.
func NewRedisEventStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisEventStore {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "cleargate:events"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if retention <= 0 {
		retention = 72 * time.Hour
	}

	return &RedisEventStore{
		client:    client,
		prefix:    trimmedPrefix,
		retention: retention,
	}
}

func (s *RedisEventStore) RecordEventIfNew(ctx context.Context, event domain.InboundEvent) (EventRecordResult, error) {
	key := fmt.Sprintf("%s:%s", s.prefix, event.EventID)
	retentionMs := s.retention.Milliseconds()

	rawResult, err := recordEventScript.Run(ctx, s.client, []string{key}, event.PayloadDigest, retentionMs).Result()
	if err != nil {
		return EventRecordResult{}, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return EventRecordResult{}, fmt.Errorf("unexpected redis dedup response shape: %T", rawResult)
	}
	inserted, ok := values[0].(int64)
	if !ok {
		return EventRecordResult{}, fmt.Errorf("unexpected redis dedup flag type: %T", values[0])
	}
	storedDigest, ok := values[1].(string)
	if !ok {
		return EventRecordResult{}, fmt.Errorf("unexpected redis dedup digest type: %T", values[1])
	}

	if inserted == 1 {
		return EventRecordResult{WasNew: true}, nil
	}
	return EventRecordResult{DigestMismatch: storedDigest != event.PayloadDigest}, nil
}

// PurgeEventsBefore is a no-op for Redis: retention is enforced by key TTLs.
func (s *RedisEventStore) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
