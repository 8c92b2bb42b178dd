package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"
)

func TestRateLimitKeys(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "198.51.100.20:5050"

	if got := KeyByUserOrIP()(c); got != "ip:198.51.100.20" {
		t.Fatalf("anonymous key = %q", got)
	}
	c.Set(CtxKeyUserID, "emp-1")
	if got := KeyByUserOrIP()(c); got != "user:emp-1" {
		t.Fatalf("authenticated key = %q", got)
	}
	if got := KeyByIP()(c); got != "ip:198.51.100.20" {
		t.Fatalf("ip key = %q", got)
	}
}

func TestRateLimiter_Buckets(t *testing.T) {
	rl := NewRateLimiter(5, -3, KeyByIP())
	if rl.burst != 1 || rl.Name != "api" {
		t.Fatalf("defaults: burst=%d name=%q", rl.burst, rl.Name)
	}
	a := rl.getVisitor("ip:a")
	if rl.getVisitor("ip:a") != a {
		t.Fatal("bucket not reused")
	}
	if rl.getVisitor("ip:b") == a {
		t.Fatal("distinct keys share a bucket")
	}
}

func TestRateLimiter_EvictsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyByIP())
	rl.ttl = time.Minute

	rl.mu.Lock()
	rl.visitors["ip:stale"] = &visitor{limiter: rate.NewLimiter(1, 1), lastSeen: time.Now().Add(-2 * time.Minute)}
	rl.visitors["ip:fresh"] = &visitor{limiter: rate.NewLimiter(1, 1), lastSeen: time.Now()}
	rl.cleanupN = 4999
	rl.mu.Unlock()

	rl.getVisitor("ip:other")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.visitors["ip:stale"]; ok {
		t.Fatal("stale bucket survived the sweep")
	}
	if _, ok := rl.visitors["ip:fresh"]; !ok {
		t.Fatal("fresh bucket evicted")
	}
	if rl.cleanupN != 0 {
		t.Fatalf("sweep counter not reset: %d", rl.cleanupN)
	}
}

// limitedRouter puts rl behind a fake identity read from X-Test-User.
func limitedRouter(rl *RateLimiter, bypass bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Header(requestIDHeader, "rid-rl")
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(CtxKeyUserID, u)
		}
		if bypass {
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	})
	r.Use(rl.Handler())
	r.POST("/chat/messages", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func hit(r *gin.Engine, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat/messages", nil)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_RejectsPerUser(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyByUserOrIP())
	rl.Name = "per-user-test"
	base := testutil.ToFloat64(rateLimited.WithLabelValues("per-user-test"))
	r := limitedRouter(rl, false)

	if w := hit(r, "alice"); w.Code != http.StatusOK {
		t.Fatalf("alice first = %d", w.Code)
	}
	w := hit(r, "alice")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("alice second = %d", w.Code)
	}
	if ra := w.Header().Get("Retry-After"); ra != "1" {
		t.Fatalf("Retry-After = %q", ra)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != "too_many_requests" || body["request_id"] != "rid-rl" {
		t.Fatalf("body = %v", body)
	}

	// Bob has his own bucket.
	if w := hit(r, "bob"); w.Code != http.StatusOK {
		t.Fatalf("bob throttled by alice's bucket: %d", w.Code)
	}
	if got := testutil.ToFloat64(rateLimited.WithLabelValues("per-user-test")); got != base+1 {
		t.Fatalf("rejections = %v; want %v", got, base+1)
	}
}

func TestRateLimiter_ReplayBypass(t *testing.T) {
	rl := NewRateLimiter(0, 1, KeyByUserOrIP())
	r := limitedRouter(rl, true)
	for i := 0; i < 3; i++ {
		if w := hit(r, "alice"); w.Code != http.StatusOK {
			t.Fatalf("replay %d throttled: %d", i, w.Code)
		}
	}
}

func TestRateLimiter_ZeroRateRetryAfter(t *testing.T) {
	rl := NewRateLimiter(0, 1, KeyByIP())
	r := limitedRouter(rl, false)

	if w := hit(r, ""); w.Code != http.StatusOK {
		t.Fatalf("burst token unused: %d", w.Code)
	}
	w := hit(r, "")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "60" {
		t.Fatalf("got %d Retry-After=%q", w.Code, w.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_RetryAfterClamped(t *testing.T) {
	// One token per 100s would advertise a 100s wait.
	rl := NewRateLimiter(0.01, 1, KeyByIP())
	r := limitedRouter(rl, false)

	hit(r, "")
	w := hit(r, "")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "60" {
		t.Fatalf("got %d Retry-After=%q", w.Code, w.Header().Get("Retry-After"))
	}
}
