package middleware

import (
	"math"
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/ox-it/apiox-core/internal/apierror"
)

const rateLimiterCacheSize = 4096

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter allows perSecond requests per address with the given
// burst. A non-positive rate disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	limiters, _ := lru.New[string, *rate.Limiter](rateLimiterCacheSize)
	return &RateLimiter{limit: rate.Limit(perSecond), burst: burst, limiters: limiters}
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Add(key, lim)
	return lim
}

// Allow reports whether a request from key may proceed.
func (l *RateLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	return l.limiter(key).Allow()
}

// Middleware answers 429 once an address exhausts its bucket.
func (l *RateLimiter) Middleware(writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(clientAddr(r)) {
				retry := 1
				if l.limit > 0 {
					retry = int(math.Ceil(1 / float64(l.limit)))
				}
				writeErr(w, r, apierror.TooManyRequests(retry))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
