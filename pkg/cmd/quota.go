package cmd

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/consilium-ai/consilium/pkg/persistence"
	"github.com/consilium-ai/consilium/pkg/quota"
)

// NewUsageStore returns the counter store the quota ledger runs on. With a
// redis URL the counters live in redis; otherwise they share the main
// persistence layer.
func NewUsageStore(redisURL string, p persistence.Persistence) persistence.UsageRepository {
	if redisURL == "" {
		return p.UsageRepository()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(fmt.Errorf("invalid redis URL: %w", err))
	}

	return quota.NewRedisStore(redis.NewClient(opts), "consilium")
}
