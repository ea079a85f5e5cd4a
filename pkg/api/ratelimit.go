package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepEvery = 5 * time.Minute
	limiterIdleAfter  = 10 * time.Minute
)

type clientBucket struct {
	tokens *rate.Limiter
	seen   time.Time
}

// limiterPool hands out one token bucket per client address. A client may
// burst up to a full minute's allowance.
type limiterPool struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*clientBucket
}

func newLimiterPool(perMinute int) *limiterPool {
	perMinute = max(perMinute, 1)

	return &limiterPool{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		buckets: make(map[string]*clientBucket),
	}
}

// allow spends one token from key's bucket at now.
func (p *limiterPool) allow(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buckets[key]
	if !ok {
		b = &clientBucket{tokens: rate.NewLimiter(p.limit, p.burst)}
		p.buckets[key] = b
	}

	b.seen = now

	return b.tokens.AllowN(now, 1)
}

// sweep drops buckets not used since cutoff and returns how many remain.
func (p *limiterPool) sweep(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, b := range p.buckets {
		if b.seen.Before(cutoff) {
			delete(p.buckets, key)
		}
	}

	return len(p.buckets)
}

func (p *limiterPool) sweepUntil(done <-chan struct{}) {
	t := time.NewTicker(limiterSweepEvery)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-t.C:
			p.sweep(now.Add(-limiterIdleAfter))
		}
	}
}

// rateLimitMiddleware rejects clients exceeding requestsPerMinute with 429.
func (s *server) rateLimitMiddleware(requestsPerMinute int) func(http.Handler) http.Handler {
	pool := newLimiterPool(requestsPerMinute)

	go pool.sweepUntil(s.done)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if pool.allow(clientAddr(r), time.Now()) {
				next.ServeHTTP(w, r)

				return
			}

			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{"rate limit exceeded"})
		})
	}
}

// clientAddr identifies the caller, preferring the first X-Forwarded-For
// hop over the connection's remote address.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}
