package startup

import (
	"context"
	"time"

	cacheredis "github.com/tribechat/internal/cache/redis"
	"github.com/tribechat/internal/logger"
)

// ConnectRedisWithRetry connects to Redis with retries. Unlike the database,
// the cache is optional: when the deadline passes, nil is returned and the
// caller runs without a shared cache.
func ConnectRedisWithRetry(redisURL string, ttl, maxWait time.Duration, logPrefix string) *cacheredis.Client {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := cacheredis.New(ctx, redisURL, ttl)
		cancel()
		if err != nil {
			if time.Now().After(deadline) {
				logger.Errorf("%sredis (gave up after %v): %v", logPrefix, maxWait, err)
				return nil
			}
			logger.Errorf("%sredis connect failed, retry in %v: %v", logPrefix, backoff, err)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return client
	}
}
