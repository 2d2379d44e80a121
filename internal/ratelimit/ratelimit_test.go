package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	l := New(cfg)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l.now = clock.now
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Allow("ip"); !ok {
			t.Errorf("request %d should be allowed (within burst)", i)
		}
	}

	ok, wait := limiter.Allow("ip")
	if ok {
		t.Fatal("request after burst should be denied")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("expected wait within one second at 60/min, got %v", wait)
	}

	clock.advance(time.Second)
	if ok, _ := limiter.Allow("ip"); !ok {
		t.Error("request after one token interval should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if ok, _ := limiter.Allow("client-a"); ok {
		t.Error("client A should be rate limited")
	}
	if ok, _ := limiter.Allow("client-b"); !ok {
		t.Error("client B should not be rate limited")
	}
}

func TestLimiterBurstCap(t *testing.T) {
	limiter, clock := newTestLimiter(Config{RequestsPerMinute: 600, BurstSize: 2})
	defer limiter.Stop()

	limiter.Allow("k")
	clock.advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Allow("k"); ok {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("idle time should refill only up to the burst, got %d", allowed)
	}
}

func TestLimiterEvictIdle(t *testing.T) {
	limiter, clock := newTestLimiter(Config{IdleTTL: time.Minute})
	defer limiter.Stop()

	limiter.Allow("old")
	clock.advance(2 * time.Minute)
	limiter.Allow("fresh")
	limiter.evictIdle()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if _, ok := limiter.buckets["old"]; ok {
		t.Error("idle bucket should be evicted")
	}
	if _, ok := limiter.buckets["fresh"]; !ok {
		t.Error("fresh bucket should be kept")
	}
}

func TestDefaultConfig(t *testing.T) {
	l := New(Config{})
	defer l.Stop()
	l.Stop()

	if l.cfg != DefaultConfig() {
		t.Errorf("zero config should take defaults, got %+v", l.cfg)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer limiter.Stop()

	r := gin.New()
	r.POST("/escrows", limiter.Middleware(nil), func(c *gin.Context) { c.Status(http.StatusCreated) })

	send := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/escrows", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		r.ServeHTTP(w, req)
		return w
	}

	if w := send(); w.Code != http.StatusCreated {
		t.Fatalf("first request: got %d", w.Code)
	}
	w := send()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}
