package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	t.Run("should allow up to burst then reject", func(t *testing.T) {
		limiter := NewRateLimiter(0.001, 3)

		for i := 0; i < 3; i++ {
			assert.True(t, limiter.Allow("10.0.0.1"))
		}
		assert.False(t, limiter.Allow("10.0.0.1"))
	})

	t.Run("should track hosts independently", func(t *testing.T) {
		limiter := NewRateLimiter(0.001, 1)

		assert.True(t, limiter.Allow("10.0.0.1"))
		assert.True(t, limiter.Allow("10.0.0.2"))
		assert.False(t, limiter.Allow("10.0.0.1"))
		assert.Equal(t, 2, limiter.Len())
	})

	t.Run("should allow everything when disabled", func(t *testing.T) {
		limiter := NewRateLimiter(0, 1)
		for i := 0; i < 100; i++ {
			assert.True(t, limiter.Allow("10.0.0.1"))
		}
	})

	t.Run("should allow on nil limiter", func(t *testing.T) {
		var limiter *RateLimiter
		assert.True(t, limiter.Allow("10.0.0.1"))
		assert.Zero(t, limiter.Cleanup())
	})
}

func TestRateLimiter_AllowRequestUsesHost(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)

	r1 := httptest.NewRequest(http.MethodGet, "/", nil)
	r1.RemoteAddr = "192.0.2.1:1111"
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.RemoteAddr = "192.0.2.1:2222"

	assert.True(t, limiter.AllowRequest(r1))
	assert.False(t, limiter.AllowRequest(r2))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(10, 1)
	limiter.idleTTL = time.Millisecond

	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.2")
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 2, limiter.Cleanup())
	assert.Equal(t, 0, limiter.Len())
}
