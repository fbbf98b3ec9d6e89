package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/redis/go-redis/v9"
)

// LoginThrottle bounds authentication attempts per account within a
// sliding window, backed by redis so the limit holds across replicas.
type LoginThrottle struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewLoginThrottle(client *redis.Client, limit int, window time.Duration) *LoginThrottle {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &LoginThrottle{client: client, limit: limit, window: window}
}

// Allow reports whether another attempt for the given account may
// proceed. Redis failures fail open: blocking all logins on a cache
// outage is worse than briefly losing the throttle.
func (t *LoginThrottle) Allow(ctx context.Context, email string) bool {
	if t == nil || t.client == nil {
		return true
	}
	key := fmt.Sprintf("login_throttle:%s", strings.ToLower(strings.TrimSpace(email)))

	count, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		logger.Log.WithError(err).Warn("login throttle unavailable")
		return true
	}
	if count == 1 {
		t.client.Expire(ctx, key, t.window)
	}
	return count <= int64(t.limit)
}

// Reset clears the counter after a successful login.
func (t *LoginThrottle) Reset(ctx context.Context, email string) {
	if t == nil || t.client == nil {
		return
	}
	key := fmt.Sprintf("login_throttle:%s", strings.ToLower(strings.TrimSpace(email)))
	t.client.Del(ctx, key)
}
