package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/consilium-ai/consilium/pkg/models"
)

// RedisStore implements persistence.UsageRepository on Redis, for
// deployments that share quota counters across multiple API instances.
// INCRBY/DECRBY give the atomic upsert-with-delta the ledger requires.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a usage store over an existing Redis client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "consilium"
	}

	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) counterKey(userID, mode, period string) string {
	return fmt.Sprintf("%s:usage:%s:%s:%s", s.prefix, userID, mode, period)
}

func (s *RedisStore) logKey(runID string) string {
	return fmt.Sprintf("%s:usage-log:%s", s.prefix, runID)
}

// IncrementCounter applies a signed delta and returns the resulting value.
func (s *RedisStore) IncrementCounter(ctx context.Context, userID, mode, period string, delta int64) (int64, error) {
	used, err := s.client.IncrBy(ctx, s.counterKey(userID, mode, period), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}

	if used < 0 {
		// Clamp stray rollbacks; the counter never goes negative.
		err = s.client.Set(ctx, s.counterKey(userID, mode, period), 0, 0).Err()
		if err != nil {
			return 0, fmt.Errorf("failed to clamp usage counter: %w", err)
		}

		return 0, nil
	}

	return used, nil
}

// GetCounter returns the current used value for the given key, zero if absent.
func (s *RedisStore) GetCounter(ctx context.Context, userID, mode, period string) (int64, error) {
	used, err := s.client.Get(ctx, s.counterKey(userID, mode, period)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}

	return used, nil
}

// AppendUsageLog appends one ledger entry to the per-run usage log list.
func (s *RedisStore) AppendUsageLog(ctx context.Context, entry *models.UsageLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal usage log entry: %w", err)
	}

	err = s.client.RPush(ctx, s.logKey(entry.RunID), data).Err()
	if err != nil {
		return fmt.Errorf("failed to append usage log entry: %w", err)
	}

	return nil
}

// UsageLogByRun returns the ledger entries recorded for a run, in appended order.
func (s *RedisStore) UsageLogByRun(ctx context.Context, runID string) ([]*models.UsageLogEntry, error) {
	values, err := s.client.LRange(ctx, s.logKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read usage log: %w", err)
	}

	entries := make([]*models.UsageLogEntry, 0, len(values))

	for _, value := range values {
		var entry models.UsageLogEntry

		err := json.Unmarshal([]byte(value), &entry)
		if err != nil {
			return nil, fmt.Errorf("failed to decode usage log entry: %w", err)
		}

		entries = append(entries, &entry)
	}

	return entries, nil
}
