// Package tunnel implements the control-channel session and the registry
// binding subdomains to live agent sessions.
package tunnel

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/tunnelgate/tunnelgate/internal/bus"
	"github.com/tunnelgate/tunnelgate/internal/shortid"
)

const (
	minSubdomainLen       = 3
	maxSubdomainLen       = 32
	generatedSubdomainLen = 8
	tunnelIDLen           = 12
)

// Registration failures, surfaced to agents as protocol error codes.
var (
	ErrSubdomainTaken   = errors.New("subdomain already taken")
	ErrSubdomainInvalid = errors.New("subdomain invalid")
	ErrGenerationFailed = errors.New("subdomain generation failed")
)

// Event is the payload published on tunnel:created and tunnel:closed.
type Event struct {
	TunnelID    string    `json:"tunnel_id"`
	Subdomain   string    `json:"subdomain"`
	LocalPort   int       `json:"local_port"`
	ConnectedAt time.Time `json:"connected_at"`
	// DurationMS and Reason are set on tunnel:closed only.
	DurationMS int64  `json:"duration_ms,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Stats is a point-in-time registry summary.
type Stats struct {
	ActiveTunnels   int   `json:"active_tunnels"`
	TotalRegistered int64 `json:"total_registered"`
	TotalClosed     int64 `json:"total_closed"`
}

// RegisterRequest asks the registry to bind a transport to a subdomain.
type RegisterRequest struct {
	Subdomain string
	LocalPort int
	Transport Transport
}

// Registry owns the subdomain->session and id->session maps. A subdomain
// resolves to at most one live session at any instant; re-registration of a
// bound subdomain fails rather than evicting the incumbent.
type Registry struct {
	heartbeat time.Duration
	reserved  map[string]struct{}
	maxTries  int
	bus       *bus.Bus

	mu          sync.RWMutex
	bySubdomain map[string]*Session
	byID        map[string]*Session
	registered  int64
	closed      int64
}

// NewRegistry creates a registry. reserved entries are case-folded; maxTries
// bounds random subdomain generation retries.
func NewRegistry(b *bus.Bus, reserved []string, maxTries int, heartbeat time.Duration) *Registry {
	rs := make(map[string]struct{}, len(reserved))
	for _, s := range reserved {
		rs[strings.ToLower(s)] = struct{}{}
	}
	if maxTries <= 0 {
		maxTries = 10
	}
	return &Registry{
		heartbeat:   heartbeat,
		reserved:    rs,
		maxTries:    maxTries,
		bus:         b,
		bySubdomain: make(map[string]*Session),
		byID:        make(map[string]*Session),
	}
}

// Reserved reports whether a label can never be allocated as a subdomain.
func (r *Registry) Reserved(label string) bool {
	_, ok := r.reserved[strings.ToLower(label)]
	return ok
}

// ValidateSubdomain checks length and charset after case folding.
func ValidateSubdomain(s string) error {
	if len(s) < minSubdomainLen || len(s) > maxSubdomainLen {
		return fmt.Errorf("%w: length must be %d-%d characters", ErrSubdomainInvalid, minSubdomainLen, maxSubdomainLen)
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return fmt.Errorf("%w: only lowercase letters and digits allowed", ErrSubdomainInvalid)
		}
	}
	return nil
}

// Register validates or generates a subdomain, creates the session, and binds
// it. The returned session is not started; the control-channel server starts
// its loops after sending TUNNEL_REGISTERED.
func (r *Registry) Register(req RegisterRequest) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var subdomain string
	if req.Subdomain != "" {
		subdomain = strings.ToLower(req.Subdomain)
		if err := ValidateSubdomain(subdomain); err != nil {
			return nil, err
		}
		if _, reserved := r.reserved[subdomain]; reserved {
			return nil, fmt.Errorf("%w: %q is reserved", ErrSubdomainTaken, subdomain)
		}
		if _, taken := r.bySubdomain[subdomain]; taken {
			return nil, fmt.Errorf("%w: %q", ErrSubdomainTaken, subdomain)
		}
	} else {
		found := false
		for i := 0; i < r.maxTries; i++ {
			candidate := shortid.Subdomain(generatedSubdomainLen)
			if _, reserved := r.reserved[candidate]; reserved {
				continue
			}
			if _, taken := r.bySubdomain[candidate]; !taken {
				subdomain = candidate
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w after %d attempts", ErrGenerationFailed, r.maxTries)
		}
	}

	sess := NewSession(shortid.New(tunnelIDLen), subdomain, req.LocalPort, req.Transport, r.heartbeat)
	sess.SetOnClose(r.remove)
	r.bySubdomain[subdomain] = sess
	r.byID[sess.ID] = sess
	r.registered++

	if r.bus != nil {
		r.bus.Publish(bus.TopicTunnelCreated, Event{
			TunnelID:    sess.ID,
			Subdomain:   sess.Subdomain,
			LocalPort:   sess.LocalPort,
			ConnectedAt: sess.CreatedAt,
		})
	}
	log.Printf("tunnel created: %s -> %s (local port %d)", sess.Subdomain, sess.ID, sess.LocalPort)
	return sess, nil
}

// remove is the session onClose hook; it runs before Session.Close returns so
// a closed transport is never still resolvable.
func (r *Registry) remove(sess *Session, reason string) {
	r.mu.Lock()
	if cur, ok := r.bySubdomain[sess.Subdomain]; ok && cur == sess {
		delete(r.bySubdomain, sess.Subdomain)
	}
	if _, ok := r.byID[sess.ID]; ok {
		delete(r.byID, sess.ID)
		r.closed++
	}
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(bus.TopicTunnelClosed, Event{
			TunnelID:    sess.ID,
			Subdomain:   sess.Subdomain,
			LocalPort:   sess.LocalPort,
			ConnectedAt: sess.CreatedAt,
			DurationMS:  time.Since(sess.CreatedAt).Milliseconds(),
			Reason:      reason,
		})
	}
	log.Printf("tunnel closed: %s (%s): %s", sess.Subdomain, sess.ID, reason)
}

// Lookup resolves a subdomain to its live session.
func (r *Registry) Lookup(subdomain string) (*Session, bool) {
	r.mu.RLock()
	sess, ok := r.bySubdomain[strings.ToLower(subdomain)]
	r.mu.RUnlock()
	return sess, ok
}

// LookupByID resolves a tunnel id to its live session.
func (r *Registry) LookupByID(id string) (*Session, bool) {
	r.mu.RLock()
	sess, ok := r.byID[id]
	r.mu.RUnlock()
	return sess, ok
}

// Close tears down the tunnel with the given id.
func (r *Registry) Close(id, reason string) bool {
	sess, ok := r.LookupByID(id)
	if !ok {
		return false
	}
	sess.Close(reason)
	return true
}

// CloseAll tears down every live tunnel.
func (r *Registry) CloseAll(reason string) {
	for _, sess := range r.List() {
		sess.Close(reason)
	}
}

// List snapshots the live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.byID))
	for _, sess := range r.byID {
		out = append(out, sess)
	}
	r.mu.RUnlock()
	return out
}

// Stats summarises registry counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		ActiveTunnels:   len(r.byID),
		TotalRegistered: r.registered,
		TotalClosed:     r.closed,
	}
}
