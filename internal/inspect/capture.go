// Package inspect captures tunneled (request, response) pairs in a bounded
// in-memory store and derives rolling-window traffic metrics from the live
// stream.
package inspect

import (
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// RequestEvent is published on traffic:request for every forwarded request.
type RequestEvent struct {
	RequestID string            `json:"request_id"`
	SessionID string            `json:"session_id"`
	Subdomain string            `json:"subdomain"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     map[string]string `json:"query,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	ClientIP  string            `json:"client_ip"`
	Timestamp time.Time         `json:"timestamp"`
}

// ResponseEvent is published on traffic:response when a forwarded request
// completes.
type ResponseEvent struct {
	RequestID      string            `json:"request_id"`
	Status         int               `json:"status"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           []byte            `json:"body,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	ResponseTimeMS int64             `json:"response_time_ms"`
}

// RequestSnapshot is the immutable request half of a capture.
type RequestSnapshot struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     map[string]string `json:"query,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	ClientIP  string            `json:"client_ip"`
	Timestamp time.Time         `json:"timestamp"`
}

// ResponseSnapshot is the response half; nil until the response arrives.
type ResponseSnapshot struct {
	Status         int               `json:"status"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           []byte            `json:"body,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	ResponseTimeMS int64             `json:"response_time_ms"`
}

// Entry is one captured exchange. The response half is write-once: a second
// response for the same request id is logged and dropped.
type Entry struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id"`
	Subdomain    string            `json:"subdomain"`
	Request      RequestSnapshot   `json:"request"`
	Response     *ResponseSnapshot `json:"response,omitempty"`
	RequestSize  int               `json:"request_size"`
	ResponseSize int               `json:"response_size"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Filter narrows List results.
type Filter struct {
	Method     string
	StatusCode int
	// PathPattern is matched case-insensitively as a regular expression.
	PathPattern string
	Since       time.Time
	Limit       int
	Offset      int
}

// Store holds captures in a global insertion-ordered ring of capacity
// maxStored, a per-session list capped at maxStored/2, and an O(1) id index.
type Store struct {
	maxStored int
	retention time.Duration

	mu         sync.RWMutex
	ring       []*Entry
	perSession map[string][]*Entry
	byID       *xsync.Map[string, *Entry]
}

// NewStore creates a capture store.
func NewStore(maxStored int, retention time.Duration) *Store {
	if maxStored <= 0 {
		maxStored = 1000
	}
	return &Store{
		maxStored:  maxStored,
		retention:  retention,
		perSession: make(map[string][]*Entry),
		byID:       xsync.NewMap[string, *Entry](),
	}
}

// AddRequest opens a capture for a forwarded request.
func (s *Store) AddRequest(ev RequestEvent) *Entry {
	e := &Entry{
		ID:        ev.RequestID,
		SessionID: ev.SessionID,
		Subdomain: ev.Subdomain,
		Request: RequestSnapshot{
			Method:    ev.Method,
			Path:      ev.Path,
			Query:     ev.Query,
			Headers:   ev.Headers,
			Body:      ev.Body,
			ClientIP:  ev.ClientIP,
			Timestamp: ev.Timestamp,
		},
		RequestSize: len(ev.Body),
		CreatedAt:   ev.Timestamp,
	}

	s.mu.Lock()
	if len(s.ring) >= s.maxStored {
		s.dropOldestLocked()
	}
	s.ring = append(s.ring, e)

	perSess := append(s.perSession[ev.SessionID], e)
	if cap := s.maxStored / 2; len(perSess) > cap {
		perSess = perSess[len(perSess)-cap:]
	}
	s.perSession[ev.SessionID] = perSess
	s.mu.Unlock()

	s.byID.Store(e.ID, e)
	return e
}

// AddResponse fills the response half of a capture. Responses with no
// matching request, and second responses for the same id, are dropped with a
// warning.
func (s *Store) AddResponse(ev ResponseEvent) *Entry {
	e, ok := s.byID.Load(ev.RequestID)
	if !ok {
		log.Printf("inspector: response for unknown request %s dropped", ev.RequestID)
		return nil
	}

	s.mu.Lock()
	if e.Response != nil {
		s.mu.Unlock()
		log.Printf("inspector: duplicate response for request %s dropped", ev.RequestID)
		return nil
	}
	e.Response = &ResponseSnapshot{
		Status:         ev.Status,
		Headers:        ev.Headers,
		Body:           ev.Body,
		Timestamp:      ev.Timestamp,
		ResponseTimeMS: ev.ResponseTimeMS,
	}
	e.ResponseSize = len(ev.Body)
	s.mu.Unlock()
	return e
}

// cloneLocked snapshots an entry so readers never share memory with a live
// capture whose response half may still land. Caller holds s.mu.
func (e *Entry) cloneLocked() *Entry {
	c := *e
	if e.Response != nil {
		r := *e.Response
		c.Response = &r
	}
	return &c
}

// GetByID resolves a capture by request id. The returned entry is a snapshot;
// a response arriving later is not reflected in it.
func (s *Store) GetByID(id string) (*Entry, bool) {
	e, ok := s.byID.Load(id)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return e.cloneLocked(), true
}

// List returns captures matching the filter, newest first.
func (s *Store) List(f Filter) ([]*Entry, error) {
	var pathRe *regexp.Regexp
	if f.PathPattern != "" {
		re, err := regexp.Compile("(?i)" + f.PathPattern)
		if err != nil {
			return nil, err
		}
		pathRe = re
	}

	s.mu.RLock()
	matched := make([]*Entry, 0, len(s.ring))
	for _, e := range s.ring {
		if f.Method != "" && e.Request.Method != f.Method {
			continue
		}
		if f.StatusCode != 0 && (e.Response == nil || e.Response.Status != f.StatusCode) {
			continue
		}
		if pathRe != nil && !pathRe.MatchString(e.Request.Path) {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		matched = append(matched, e.cloneLocked())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []*Entry{}, nil
		}
		matched = matched[f.Offset:]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// BySession returns the capped capture list for one session, newest first.
func (s *Store) BySession(sessionID string) []*Entry {
	s.mu.RLock()
	entries := s.perSession[sessionID]
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e.cloneLocked()
	}
	s.mu.RUnlock()
	return out
}

// Len reports the global ring size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ring)
}

// Purge drops every capture.
func (s *Store) Purge() int {
	s.mu.Lock()
	n := len(s.ring)
	for _, e := range s.ring {
		s.byID.Delete(e.ID)
	}
	s.ring = nil
	s.perSession = make(map[string][]*Entry)
	s.mu.Unlock()
	return n
}

// EvictExpired drops captures older than the retention horizon.
func (s *Store) EvictExpired(now time.Time) int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for len(s.ring) > 0 && s.ring[0].CreatedAt.Before(cutoff) {
		s.dropOldestLocked()
		evicted++
	}
	return evicted
}

// dropOldestLocked removes the head of the ring from all indices.
func (s *Store) dropOldestLocked() {
	e := s.ring[0]
	s.ring = s.ring[1:]
	s.byID.Delete(e.ID)

	perSess := s.perSession[e.SessionID]
	for i, pe := range perSess {
		if pe == e {
			s.perSession[e.SessionID] = append(perSess[:i], perSess[i+1:]...)
			break
		}
	}
	if len(s.perSession[e.SessionID]) == 0 {
		delete(s.perSession, e.SessionID)
	}
}
