// Package ratelimit enforces sliding-window request limits and IP access
// policy at the public ingress.
package ratelimit

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// window is the sliding interval every limit is measured over.
const window = time.Minute

// GlobalKey accounts all public traffic against one shared limit.
const GlobalKey = "global"

// ClientKey scopes a limit to one public client IP.
func ClientKey(ip string) string { return "client:" + ip }

// TunnelKey scopes a limit to one tunnel subdomain.
func TunnelKey(subdomain string) string { return "tunnel:" + subdomain }

// Decision is the outcome of a limit check, carrying what a caller needs to
// emit X-RateLimit headers and a Retry-After.
type Decision struct {
	Allowed    bool
	Key        string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type keyWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

// prune drops timestamps that have left the window. A stamp exactly
// window-old no longer counts.
func (k *keyWindow) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(k.stamps) && !k.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		k.stamps = append(k.stamps[:0], k.stamps[i:]...)
	}
}

// Limiter tracks request timestamps per key. Keys that go quiet are reaped by
// Sweep.
type Limiter struct {
	windows *xsync.Map[string, *keyWindow]
	now     func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{windows: xsync.NewMap[string, *keyWindow](), now: time.Now}
}

// Check records one request against the key if it is under the limit. A
// limit of zero or less means unlimited.
func (l *Limiter) Check(key string, limit int) Decision {
	now := l.now()
	if limit <= 0 {
		return Decision{Allowed: true, Key: key, Limit: limit, Remaining: -1}
	}

	kw, _ := l.windows.LoadOrStore(key, &keyWindow{})
	kw.mu.Lock()
	defer kw.mu.Unlock()

	kw.prune(now)
	if len(kw.stamps) >= limit {
		oldest := kw.stamps[0]
		reset := oldest.Add(window)
		return Decision{
			Key:        key,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    reset,
			RetryAfter: reset.Sub(now),
		}
	}

	kw.stamps = append(kw.stamps, now)
	return Decision{
		Allowed:   true,
		Key:       key,
		Limit:     limit,
		Remaining: limit - len(kw.stamps),
		ResetAt:   kw.stamps[0].Add(window),
	}
}

// Peek reports the current count for a key without recording a request.
func (l *Limiter) Peek(key string) int {
	kw, ok := l.windows.Load(key)
	if !ok {
		return 0
	}
	kw.mu.Lock()
	defer kw.mu.Unlock()
	kw.prune(l.now())
	return len(kw.stamps)
}

// Sweep removes keys with no requests left in the window and returns how
// many were dropped.
func (l *Limiter) Sweep() int {
	now := l.now()
	dropped := 0
	l.windows.Range(func(key string, kw *keyWindow) bool {
		kw.mu.Lock()
		kw.prune(now)
		empty := len(kw.stamps) == 0
		kw.mu.Unlock()
		if empty {
			l.windows.Delete(key)
			dropped++
		}
		return true
	})
	return dropped
}

// Limits carries the per-scope limits applied by a Gate.
type Limits struct {
	Client int
	Tunnel int
	Global int
}

// Gate applies the client, tunnel and global limits in order. The first
// scope over its limit denies the request; scopes checked before it have
// already counted the request, which keeps a denied burst visible in the
// narrower windows.
type Gate struct {
	limiter *Limiter
	limits  Limits
}

func NewGate(limits Limits) *Gate {
	return &Gate{limiter: NewLimiter(), limits: limits}
}

// Admit checks one public request against all three scopes.
func (g *Gate) Admit(clientIP, subdomain string) Decision {
	if d := g.limiter.Check(ClientKey(clientIP), g.limits.Client); !d.Allowed {
		return d
	}
	if d := g.limiter.Check(TunnelKey(subdomain), g.limits.Tunnel); !d.Allowed {
		return d
	}
	return g.limiter.Check(GlobalKey, g.limits.Global)
}

// Limiter exposes the underlying limiter for sweeping and introspection.
func (g *Gate) Limiter() *Limiter { return g.limiter }
