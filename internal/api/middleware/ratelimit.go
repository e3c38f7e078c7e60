package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"medqueue/internal/api/handlers"
)

// hostLimiter is one remote host's bucket on the status endpoints.
type hostLimiter struct {
	bucket *rate.Limiter
	seen   time.Time
}

// RateLimiter throttles each remote host independently. Hosts idle for
// longer than the idle window are forgotten on the next sweep.
type RateLimiter struct {
	mu    sync.Mutex
	hosts map[string]*hostLimiter
	every rate.Limit
	burst int
	idle  time.Duration
	swept time.Time
	now   func() time.Time
}

func NewRateLimiter(perMinute int, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 600
	}
	if burst <= 0 {
		burst = 60
	}
	return &RateLimiter{
		hosts: map[string]*hostLimiter{},
		every: rate.Limit(float64(perMinute) / 60.0),
		burst: burst,
		idle:  10 * time.Minute,
		now:   time.Now,
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wait, ok := rl.take(remoteHost(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			handlers.WriteErrPublic(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many status requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Hosts reports how many hosts currently hold a bucket.
func (rl *RateLimiter) Hosts() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.hosts)
}

// take consumes one token for host. When none is available it reports how
// long until one would be, without consuming it.
func (rl *RateLimiter) take(host string) (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if now.Sub(rl.swept) > rl.idle {
		for k, h := range rl.hosts {
			if now.Sub(h.seen) > rl.idle {
				delete(rl.hosts, k)
			}
		}
		rl.swept = now
	}

	h, ok := rl.hosts[host]
	if !ok {
		h = &hostLimiter{bucket: rate.NewLimiter(rl.every, rl.burst)}
		rl.hosts[host] = h
	}
	h.seen = now

	res := h.bucket.ReserveN(now, 1)
	if !res.OK() {
		return rl.idle, false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return max(wait, time.Second), false
	}
	return 0, true
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
