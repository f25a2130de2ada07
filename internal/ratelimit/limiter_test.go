package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func keyGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`chat-[0-9]{1,6}`)
}

// =============================================================================
// Property: Requests within burst succeed
// =============================================================================

func testRateLimiter_RequestsWithinBurst(t *rapid.T) {
	config := Config{
		RPS:             rapid.Float64Range(0.1, 50).Draw(t, "rps"),
		Burst:           rapid.IntRange(1, 100).Draw(t, "burst"),
		CleanupInterval: time.Hour,
	}
	rl := NewRateLimiter(config)
	defer rl.Stop()

	key := keyGenerator().Draw(t, "key")
	for i := 0; i < config.Burst; i++ {
		if !rl.Allow(key) {
			t.Fatalf("request %d of burst %d was rejected", i+1, config.Burst)
		}
	}
}

func TestRateLimiter_RequestsWithinBurst(t *testing.T) {
	rapid.Check(t, testRateLimiter_RequestsWithinBurst)
}

func FuzzRateLimiter_RequestsWithinBurst(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testRateLimiter_RequestsWithinBurst))
}

// =============================================================================
// Property: Exceeding burst is blocked
// =============================================================================

func testRateLimiter_ExceedingBurstBlocked(t *rapid.T) {
	config := Config{
		RPS:             0.001,
		Burst:           rapid.IntRange(1, 20).Draw(t, "burst"),
		CleanupInterval: time.Hour,
	}
	rl := NewRateLimiter(config)
	defer rl.Stop()

	key := keyGenerator().Draw(t, "key")
	for i := 0; i < config.Burst; i++ {
		rl.Allow(key)
	}
	if rl.Allow(key) {
		t.Fatalf("request beyond burst %d was allowed", config.Burst)
	}
}

func TestRateLimiter_ExceedingBurstBlocked(t *testing.T) {
	rapid.Check(t, testRateLimiter_ExceedingBurstBlocked)
}

func FuzzRateLimiter_ExceedingBurstBlocked(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testRateLimiter_ExceedingBurstBlocked))
}

// =============================================================================
// Property: Keys are independent
// =============================================================================

func testRateLimiter_KeyIndependence(t *rapid.T) {
	rl := NewRateLimiter(Config{RPS: 0.001, Burst: 1, CleanupInterval: time.Hour})
	defer rl.Stop()

	a := keyGenerator().Draw(t, "a")
	b := keyGenerator().Filter(func(s string) bool { return s != a }).Draw(t, "b")

	if !rl.Allow(a) {
		t.Fatal("first request for a rejected")
	}
	if rl.Allow(a) {
		t.Fatal("second request for a allowed")
	}
	if !rl.Allow(b) {
		t.Fatal("exhausting a must not affect b")
	}
}

func TestRateLimiter_KeyIndependence(t *testing.T) {
	rapid.Check(t, testRateLimiter_KeyIndependence)
}

func TestRateLimiter_IdleLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(Config{RPS: 1, Burst: 1, CleanupInterval: time.Hour})
	defer rl.Stop()

	rl.Allow("chat-1")
	rl.Allow("chat-2")
	if rl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", rl.Len())
	}

	rl.mu.Lock()
	rl.limiters["chat-1"].lastUsed = time.Now().Add(-2 * time.Hour)
	rl.mu.Unlock()

	rl.Cleanup()
	if rl.Len() != 1 {
		t.Fatalf("Len() after cleanup = %d, want 1", rl.Len())
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(Config{RPS: 1000, Burst: 1000, CleanupInterval: time.Hour})
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				rl.Allow("shared")
			}
		}()
	}
	wg.Wait()
	if rl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", rl.Len())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultConfig)
	rl.Stop()
	rl.Stop()
}

func TestMiddleware_Returns429WhenExhausted(t *testing.T) {
	rl := NewRateLimiter(Config{RPS: 0.001, Burst: 1, CleanupInterval: time.Hour})
	defer rl.Stop()

	h := Middleware(rl, func(r *http.Request) string { return r.URL.Query().Get("k") })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)

	do := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}

	if rec := do("/?k=a"); rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := do("/?k=a")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec := do("/"); rec.Code != http.StatusNoContent {
		t.Fatalf("keyless request status = %d", rec.Code)
	}
}
