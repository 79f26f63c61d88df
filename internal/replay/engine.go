// Package replay re-dispatches captured requests through their tunnel,
// optionally with modifications, and diffs the replayed response against the
// original.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tunnelgate/tunnelgate/internal/forward"
	"github.com/tunnelgate/tunnelgate/internal/inspect"
	"github.com/tunnelgate/tunnelgate/internal/tunnel"
)

const defaultHistorySize = 100

var (
	// ErrRequestNotFound means the capture id is unknown (never stored or
	// already evicted).
	ErrRequestNotFound = errors.New("request not found")
	// ErrTunnelUnavailable means the capture's tunnel has no live session.
	ErrTunnelUnavailable = errors.New("tunnel unavailable")
)

// Modifications selectively override parts of a captured request before it is
// re-dispatched. Headers and query merge over the captured values; method,
// path and body replace them outright.
type Modifications struct {
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	// Body replaces the captured body. A JSON string is used verbatim; any
	// other JSON value is re-marshaled.
	Body json.RawMessage `json:"body,omitempty"`
}

func (m Modifications) empty() bool {
	return m.Method == "" && m.Path == "" && len(m.Headers) == 0 &&
		len(m.Query) == 0 && len(m.Body) == 0
}

// Record is one replay execution, kept in the bounded history.
type Record struct {
	ReplayID          string                   `json:"replay_id"`
	OriginalRequestID string                   `json:"original_request_id"`
	ReplayedAt        time.Time                `json:"replayed_at"`
	Subdomain         string                   `json:"subdomain"`
	SessionID         string                   `json:"session_id"`
	Request           inspect.RequestSnapshot  `json:"request"`
	Modifications     *Modifications           `json:"modifications,omitempty"`
	Response          *inspect.ResponseSnapshot `json:"response,omitempty"`
	Error             string                   `json:"error,omitempty"`
	DurationMS        int64                    `json:"duration_ms"`
	Success           bool                     `json:"success"`
}

// Result pairs a replay record with the diff against the original response.
type Result struct {
	Record *Record `json:"record"`
	Diff   *Diff   `json:"diff,omitempty"`
}

// Engine resolves captures, applies modifications and re-dispatches through
// the forwarder. Replays flow through the same dispatch path as live traffic,
// so they are captured and counted like any other request.
type Engine struct {
	store    *inspect.Store
	registry *tunnel.Registry
	fwd      *forward.Forwarder

	mu      sync.Mutex
	history []*Record
	cap     int
}

func NewEngine(store *inspect.Store, registry *tunnel.Registry, fwd *forward.Forwarder, historySize int) *Engine {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Engine{store: store, registry: registry, fwd: fwd, cap: historySize}
}

// Replay re-dispatches the captured request through its tunnel session and
// records the outcome in the history.
func (e *Engine) Replay(ctx context.Context, requestID string, mods Modifications) (*Record, error) {
	entry, ok := e.store.GetByID(requestID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}

	req := buildRequest(entry.Request, mods)
	rec := &Record{
		ReplayID:          uuid.New().String(),
		OriginalRequestID: requestID,
		ReplayedAt:        time.Now(),
		Subdomain:         entry.Subdomain,
		Request:           snapshotOf(req),
	}
	if !mods.empty() {
		m := mods
		rec.Modifications = &m
	}

	sess, ok := e.registry.Lookup(entry.Subdomain)
	if !ok || !sess.Alive() {
		rec.Error = ErrTunnelUnavailable.Error()
		e.push(rec)
		return rec, fmt.Errorf("%w: %s", ErrTunnelUnavailable, entry.Subdomain)
	}
	rec.SessionID = sess.ID

	start := time.Now()
	resp, err := e.fwd.Dispatch(ctx, sess, req)
	rec.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		var fe *forward.Error
		if errors.As(err, &fe) {
			rec.Response = &inspect.ResponseSnapshot{
				Status:         fe.Status,
				Body:           []byte(fe.Message),
				Timestamp:      time.Now(),
				ResponseTimeMS: rec.DurationMS,
			}
			rec.Error = fe.Code
		} else {
			rec.Error = err.Error()
		}
		log.Printf("replay: %s of %s failed: %v", rec.ReplayID, requestID, err)
		e.push(rec)
		return rec, err
	}

	rec.Success = true
	rec.Response = &inspect.ResponseSnapshot{
		Status:         resp.Status,
		Headers:        resp.Headers,
		Body:           resp.Body,
		Timestamp:      time.Now(),
		ResponseTimeMS: resp.Duration.Milliseconds(),
	}
	e.push(rec)
	return rec, nil
}

// ReplayWithDiff replays and compares the replayed response to the original
// capture's response. The diff is produced even when the replay failed, so a
// regression that turned 200 into 502 is visible as a critical status change.
func (e *Engine) ReplayWithDiff(ctx context.Context, requestID string, mods Modifications) (*Result, error) {
	entry, ok := e.store.GetByID(requestID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	original := entry.Response

	rec, err := e.Replay(ctx, requestID, mods)
	if err != nil && rec == nil {
		return nil, err
	}
	return &Result{Record: rec, Diff: Compare(original, rec.Response)}, nil
}

// History returns recorded replays, newest first.
func (e *Engine) History() []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Record, len(e.history))
	for i, r := range e.history {
		out[len(e.history)-1-i] = r
	}
	return out
}

// Get resolves one replay record by id.
func (e *Engine) Get(replayID string) (*Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.history {
		if r.ReplayID == replayID {
			return r, true
		}
	}
	return nil, false
}

func (e *Engine) push(rec *Record) {
	e.mu.Lock()
	e.history = append(e.history, rec)
	if len(e.history) > e.cap {
		e.history = e.history[len(e.history)-e.cap:]
	}
	e.mu.Unlock()
}

// buildRequest merges modifications over a captured request. Entity headers
// that no longer describe the outgoing body are dropped so the agent never
// sees a stale content-length.
func buildRequest(snap inspect.RequestSnapshot, mods Modifications) forward.Request {
	req := forward.Request{
		Method:  snap.Method,
		Path:    snap.Path,
		Query:   copyMap(snap.Query),
		Headers: copyMap(snap.Headers),
		Body:    snap.Body,
	}

	if mods.Method != "" {
		req.Method = strings.ToUpper(mods.Method)
	}
	if mods.Path != "" {
		req.Path = mods.Path
	}
	if len(mods.Headers) > 0 {
		if req.Headers == nil {
			req.Headers = make(map[string]string, len(mods.Headers))
		}
		for k, v := range mods.Headers {
			req.Headers[strings.ToLower(k)] = v
		}
	}
	if len(mods.Query) > 0 {
		if req.Query == nil {
			req.Query = make(map[string]string, len(mods.Query))
		}
		for k, v := range mods.Query {
			req.Query[k] = v
		}
	}
	if len(mods.Body) > 0 {
		var s string
		if json.Unmarshal(mods.Body, &s) == nil {
			req.Body = []byte(s)
		} else {
			req.Body = []byte(mods.Body)
		}
	}

	for _, h := range []string{"content-length", "host", "connection"} {
		delete(req.Headers, h)
	}
	return req
}

func snapshotOf(req forward.Request) inspect.RequestSnapshot {
	return inspect.RequestSnapshot{
		Method:    req.Method,
		Path:      req.Path,
		Query:     req.Query,
		Headers:   req.Headers,
		Body:      req.Body,
		Timestamp: time.Now(),
	}
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
