package middleware

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// RateLimit caps requests per key in fixed one-minute windows using Redis
// counters. keyFn picks the bucket (account id, source IP). It fails open on
// cache errors since the endpoints behind it enforce their own limits.
func RateLimit(cache *redis.Client, name string, maxPerMin int, keyFn func(*fiber.Ctx) string) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 30
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		bucket := keyFn(c)
		if bucket == "" {
			bucket = c.IP()
		}
		key := "rl:" + name + ":" + bucket
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}
