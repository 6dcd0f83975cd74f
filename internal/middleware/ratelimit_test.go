package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func limiterKey(scope, subject string, window time.Duration) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", scope, subject, time.Now().Unix()/int64(window.Seconds()))
}

func TestRateLimiter(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	newRequest := func(userID string) *http.Request {
		req := httptest.NewRequest("POST", "/listings", nil)
		return req.WithContext(context.WithValue(req.Context(), "userID", userID))
	}

	t.Run("allows under the limit", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		limiter := NewRateLimiter(redisClient, "trade", 2, time.Minute)

		key := limiterKey("trade", "user1", time.Minute)
		redisMock.ExpectIncr(key).SetVal(1)
		redisMock.ExpectExpire(key, time.Minute).SetVal(true)

		w := httptest.NewRecorder()
		limiter.Handler(okHandler).ServeHTTP(w, newRequest("user1"))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("blocks over the limit", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		limiter := NewRateLimiter(redisClient, "trade", 2, time.Minute)

		key := limiterKey("trade", "user1", time.Minute)
		redisMock.ExpectIncr(key).SetVal(3)

		w := httptest.NewRecorder()
		limiter.Handler(okHandler).ServeHTTP(w, newRequest("user1"))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
	})

	t.Run("passes through without redis", func(t *testing.T) {
		limiter := NewRateLimiter(nil, "trade", 1, time.Minute)

		w := httptest.NewRecorder()
		limiter.Handler(okHandler).ServeHTTP(w, newRequest("user1"))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
