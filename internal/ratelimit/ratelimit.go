package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/httpmw"
)

// sender is one source address and its token bucket.
type sender struct {
	bucket   *rate.Limiter
	lastSeen time.Time
	// warned is set on the first denial and cleared by eviction
	warned bool
}

// IPLimiter rate limits trigger requests per source address and evicts idle
// senders in the background. Git hosts deliver from a handful of
// addresses, so the defaults are far below what a public site would need.
type IPLimiter struct {
	mu      sync.Mutex
	senders map[string]*sender
	full    bool

	perSecond  rate.Limit
	burst      int
	ttl        time.Duration
	maxSenders int // 0 = unbounded

	OnFirstDenied func(ip string)
	OnDenied      func(ip string)
	OnCapacity    func()
}

type Option func(*IPLimiter)

// WithRate sets the refill rate and bucket size. WithRate(1, 10) accepts
// ten deliveries at once, then one per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle sender is remembered.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithMaxVisitors bounds the number of tracked senders. New senders are
// rejected at the bound; known ones keep their buckets. 0 disables it.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxSenders = n }
}

// WithOnFirstDenied is called once per sender lifetime, for logging.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnFirstDenied = fn }
}

// WithOnDenied is called on every rejection, for counting.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnDenied = fn }
}

// WithOnCapacity is called once each time the sender table fills.
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.OnCapacity = fn }
}

// New returns a limiter whose eviction loop runs until ctx is done.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		senders:    make(map[string]*sender),
		perSecond:  1,
		burst:      10,
		ttl:        5 * time.Minute,
		maxSenders: 100000,
	}
	for _, o := range opts {
		o(l)
	}
	go l.evictLoop(ctx)
	return l
}

// verdict is the outcome of one admission check.
type verdict struct {
	ok         bool
	firstDeny  bool
	filled     bool
	retryAfter time.Duration
}

func (l *IPLimiter) admit(ip string, now time.Time) verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, known := l.senders[ip]
	if !known {
		if l.maxSenders > 0 && len(l.senders) >= l.maxSenders {
			filled := !l.full
			l.full = true
			return verdict{filled: filled, retryAfter: l.ttl}
		}
		s = &sender{bucket: rate.NewLimiter(l.perSecond, l.burst)}
		l.senders[ip] = s
	}
	s.lastSeen = now
	if s.bucket.AllowN(now, 1) {
		return verdict{ok: true}
	}
	first := !s.warned
	s.warned = true
	return verdict{firstDeny: first, retryAfter: l.untilToken(s.bucket, now)}
}

// untilToken estimates when the bucket next holds a whole token.
func (l *IPLimiter) untilToken(b *rate.Limiter, now time.Time) time.Duration {
	if l.perSecond <= 0 {
		return l.ttl
	}
	missing := 1 - b.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(l.perSecond) * float64(time.Second))
}

// allow reports whether ip may proceed and how long a rejected sender
// should wait. Hooks run after the lock is released.
func (l *IPLimiter) allow(ip string) (bool, time.Duration) {
	v := l.admit(ip, time.Now())
	if v.ok {
		return true, 0
	}
	if v.filled && l.OnCapacity != nil {
		l.OnCapacity()
	}
	if v.firstDeny && l.OnFirstDenied != nil {
		l.OnFirstDenied(ip)
	}
	if l.OnDenied != nil {
		l.OnDenied(ip)
	}
	return false, v.retryAfter
}

// evictLoop forgets senders idle for longer than the ttl, checking every
// half ttl.
func (l *IPLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

func (l *IPLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, s := range l.senders {
		if now.Sub(s.lastSeen) > l.ttl {
			delete(l.senders, ip)
		}
	}
	if l.maxSenders <= 0 || len(l.senders) < l.maxSenders {
		l.full = false
	}
}

// retryAfterSeconds renders d for the Retry-After header, rounded up and
// at least one second.
func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}

// Middleware answers 429 for senders over their limit. The sender is the
// address httpmw.ClientIP resolved.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.allow(httpmw.ClientIPFromContext(r.Context()))
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", retryAfterSeconds(wait))
		httpmw.WriteError(w, r, http.StatusTooManyRequests, "too many requests")
	})
}
