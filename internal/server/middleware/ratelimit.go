package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleLimiter is how long an IP's bucket survives without requests.
const idleLimiter = 10 * time.Minute

type ipBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// IPLimiter is a token bucket per client IP in front of the whole API. The
// security guard applies the per-identity order limits behind it.
type IPLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*ipBucket
	limit      rate.Limit
	burst      int
	trustProxy bool
	now        func() time.Time
}

// NewIPLimiter allows perSec requests per second per IP with the given burst.
func NewIPLimiter(perSec float64, burst int, trustProxy bool) *IPLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IPLimiter{
		buckets:    make(map[string]*ipBucket),
		limit:      rate.Limit(perSec),
		burst:      burst,
		trustProxy: trustProxy,
		now:        time.Now,
	}
}

// reserve takes a token for ip and returns how long the caller must wait
// when none is available.
func (l *IPLimiter) reserve(ip string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	l.mu.Unlock()

	if b.lim.AllowN(now, 1) {
		return true, 0
	}
	r := b.lim.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// Sweep forgets buckets idle for longer than idleLimiter.
func (l *IPLimiter) Sweep() int {
	cutoff := l.now().Add(-idleLimiter)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, ip)
			n++
		}
	}
	return n
}

// Middleware rejects requests over the limit with 429 and a Retry-After.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.limit == rate.Inf || l.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ok, wait := l.reserve(ClientIP(r, l.trustProxy))
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retryAfter":` + strconv.Itoa(secs) + `}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the caller's address. Proxy headers are honored only when
// trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.SplitN(xff, ",", 2)
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
