package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const bucketTTL = 5 * time.Minute

// rateLimiter keeps one token bucket per client. Idle buckets are dropped
// lazily on access instead of by a background sweeper.
type rateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	perSecond float64
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	lim *rate.Limiter
	ts  time.Time
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		buckets:   make(map[string]*bucket),
		perSecond: perSecond,
		burst:     burst,
		now:       time.Now,
	}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.ts) > bucketTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.perSecond), l.burst)}
		l.buckets[key] = b
	}
	b.ts = now
	return b.lim.AllowN(now, 1)
}

// RateLimit rejects clients that exceed perSecond (with burst) with 429.
// A non-positive rate disables limiting. X-Forwarded-For is only honoured
// when the direct peer is one of trustedProxies (addresses or CIDRs).
func RateLimit(perSecond float64, burst int, trustedProxies ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if perSecond <= 0 {
			return next
		}
		if burst <= 0 {
			burst = int(perSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter := newRateLimiter(perSecond, burst)
		trusted := parseTrustedProxies(trustedProxies)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, trusted)
			if ip == "" {
				ip = "unknown"
			}
			if !limiter.allow(ip) {
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseTrustedProxy accepts a bare address or a CIDR.
func parseTrustedProxy(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Invalid entries are skipped; config validation reports them.
func parseTrustedProxies(entries []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if p, err := parseTrustedProxy(e); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func isTrusted(trusted []netip.Prefix, ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP keys on the direct peer. Behind a trusted proxy it walks
// X-Forwarded-For from the right and returns the first untrusted hop, so
// a client cannot pick its own key by prepending entries.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if len(trusted) == 0 || !isTrusted(trusted, host) {
		return host
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return host
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !isTrusted(trusted, hop) {
			return hop
		}
	}
	return strings.TrimSpace(hops[0])
}
