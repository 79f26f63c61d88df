package ratelimit

import (
	"log"
	"sync"
	"time"

	"github.com/maypok86/otter"
)

const (
	// maxFailedAuth temporary-blocks an IP after this many handshake auth
	// failures inside the block window.
	maxFailedAuth        = 5
	defaultBlockDuration = 15 * time.Minute
	blockCacheCapacity   = 10_000
)

// Verdict explains why an IP was denied.
type Verdict struct {
	Allowed bool
	Reason  string
}

// AccessControl combines a static allow/deny policy with temporary blocks
// for repeated auth failures. Deny wins over allow; the allow list, when
// non-empty, is exhaustive.
type AccessControl struct {
	allow map[string]bool
	deny  map[string]bool

	blockDuration time.Duration
	maxFailures   int
	blocks        otter.Cache[string, time.Time]

	mu       sync.Mutex
	failures map[string][]time.Time
}

// AccessPolicy configures an AccessControl. Zero values fall back to the
// defaults above.
type AccessPolicy struct {
	AllowIPs      []string
	DenyIPs       []string
	MaxFailedAuth int
	BlockDuration time.Duration
}

func NewAccessControl(policy AccessPolicy) *AccessControl {
	if policy.BlockDuration <= 0 {
		policy.BlockDuration = defaultBlockDuration
	}
	if policy.MaxFailedAuth <= 0 {
		policy.MaxFailedAuth = maxFailedAuth
	}
	blocks, err := otter.MustBuilder[string, time.Time](blockCacheCapacity).
		WithTTL(policy.BlockDuration).
		Build()
	if err != nil {
		panic("ratelimit: failed to create block cache: " + err.Error())
	}

	ac := &AccessControl{
		allow:         make(map[string]bool, len(policy.AllowIPs)),
		deny:          make(map[string]bool, len(policy.DenyIPs)),
		blockDuration: policy.BlockDuration,
		maxFailures:   policy.MaxFailedAuth,
		blocks:        blocks,
		failures:      make(map[string][]time.Time),
	}
	for _, ip := range policy.AllowIPs {
		ac.allow[ip] = true
	}
	for _, ip := range policy.DenyIPs {
		ac.deny[ip] = true
	}
	return ac
}

// Admit checks an IP against the deny list, the allow list and the
// temporary block cache, in that order.
func (a *AccessControl) Admit(ip string) Verdict {
	if a.deny[ip] {
		return Verdict{Reason: "ip denied by policy"}
	}
	if len(a.allow) > 0 && !a.allow[ip] {
		return Verdict{Reason: "ip not on allow list"}
	}
	if until, ok := a.blocks.Get(ip); ok {
		if time.Now().Before(until) {
			return Verdict{Reason: "ip temporarily blocked"}
		}
		a.blocks.Delete(ip)
	}
	return Verdict{Allowed: true}
}

// RecordAuthFailure counts a failed handshake. Crossing the threshold
// installs a temporary block; the otter TTL expires it without bookkeeping.
func (a *AccessControl) RecordAuthFailure(ip string) {
	now := time.Now()
	cutoff := now.Add(-a.blockDuration)

	a.mu.Lock()
	recent := a.failures[ip][:0]
	for _, at := range a.failures[ip] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	recent = append(recent, now)
	a.failures[ip] = recent
	count := len(recent)
	if count >= a.maxFailures {
		delete(a.failures, ip)
	}
	a.mu.Unlock()

	if count >= a.maxFailures {
		a.blocks.Set(ip, now.Add(a.blockDuration))
		log.Printf("access: blocked %s for %s after %d auth failures", ip, a.blockDuration, count)
	}
}

// Blocked reports whether the IP currently carries a temporary block.
func (a *AccessControl) Blocked(ip string) bool {
	until, ok := a.blocks.Get(ip)
	return ok && time.Now().Before(until)
}
