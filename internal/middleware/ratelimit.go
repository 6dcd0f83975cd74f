package middleware

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter is a redis-backed fixed-window limiter scoped to the
// authenticated user. Constructed in main and applied per route group;
// it holds no package-level state.
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	scope  string
}

func NewRateLimiter(redisClient *redis.Client, scope string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		limit:  limit,
		window: window,
		scope:  scope,
	}
}

// Handler enforces the limit. When redis is unavailable requests pass
// through; availability beats throttling here.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.redis == nil {
			next.ServeHTTP(w, r)
			return
		}

		subject, _ := r.Context().Value("userID").(string)
		if subject == "" {
			subject = r.RemoteAddr
		}

		key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.scope, subject, time.Now().Unix()/int64(rl.window.Seconds()))
		count, err := rl.redis.Incr(r.Context(), key).Result()
		if err != nil {
			log.Printf("[RATELIMIT] Redis unavailable, allowing request: %v", err)
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			rl.redis.Expire(r.Context(), key, rl.window)
		}

		if count > int64(rl.limit) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.window.Seconds())))
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
