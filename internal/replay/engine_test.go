package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tunnelgate/tunnelgate/internal/bus"
	"github.com/tunnelgate/tunnelgate/internal/config"
	"github.com/tunnelgate/tunnelgate/internal/forward"
	"github.com/tunnelgate/tunnelgate/internal/inspect"
	"github.com/tunnelgate/tunnelgate/internal/protocol"
	"github.com/tunnelgate/tunnelgate/internal/tunnel"
)

// echoAgent answers every HTTP_REQUEST frame with a 200 echoing the request
// body, and records the requests it saw.
type echoAgent struct {
	mu       sync.Mutex
	in       chan []byte
	closed   chan struct{}
	once     sync.Once
	status   int
	requests []protocol.RequestPayload
}

func newEchoAgent(status int) *echoAgent {
	return &echoAgent{in: make(chan []byte, 16), closed: make(chan struct{}), status: status}
}

func (a *echoAgent) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-a.in:
		return data, nil
	case <-a.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *echoAgent) WriteMessage(ctx context.Context, data []byte) error {
	f, err := protocol.Decode(data)
	if err != nil || f.Type != protocol.TypeHTTPRequest {
		return nil
	}
	var req protocol.RequestPayload
	if err := f.DecodePayload(&req); err != nil {
		return nil
	}
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()

	body, err := protocol.DecodeBody(req.Body, req.BodyEncoding)
	if err != nil {
		return err
	}
	respBody, enc := protocol.EncodeBody(body)
	reply, err := protocol.Encode(protocol.TypeHTTPResponse, protocol.ResponsePayload{
		RequestID:    req.RequestID,
		StatusCode:   a.status,
		Headers:      map[string]string{"content-type": "application/json"},
		Body:         respBody,
		BodyEncoding: enc,
	})
	if err != nil {
		return err
	}
	a.in <- reply
	return nil
}

func (a *echoAgent) Close(string) error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

func (a *echoAgent) seenRequests() []protocol.RequestPayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.RequestPayload(nil), a.requests...)
}

type fixture struct {
	store    *inspect.Store
	registry *tunnel.Registry
	engine   *Engine
}

func newFixture(t *testing.T, historySize int) *fixture {
	t.Helper()
	b := bus.New()
	store := inspect.NewStore(100, time.Hour)
	reg := tunnel.NewRegistry(b, config.DefaultReserved, 10, 0)
	fwd := forward.New(reg, b, 2*time.Second)
	return &fixture{store: store, registry: reg, engine: NewEngine(store, reg, fwd, historySize)}
}

func (fx *fixture) connect(t *testing.T, subdomain string, agent *echoAgent) *tunnel.Session {
	t.Helper()
	sess, err := fx.registry.Register(tunnel.RegisterRequest{Subdomain: subdomain, LocalPort: 3000, Transport: agent})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	sess.Start()
	t.Cleanup(func() { sess.Close("test done") })
	return sess
}

// capture seeds the store with one completed exchange and returns its id.
func (fx *fixture) capture(id, subdomain, method, path string, body []byte, status int, respBody []byte) string {
	now := time.Now()
	fx.store.AddRequest(inspect.RequestEvent{
		RequestID: id,
		SessionID: "sess-orig",
		Subdomain: subdomain,
		Method:    method,
		Path:      path,
		Headers:   map[string]string{"content-type": "application/json", "content-length": fmt.Sprint(len(body))},
		Body:      body,
		ClientIP:  "203.0.113.7",
		Timestamp: now,
	})
	fx.store.AddResponse(inspect.ResponseEvent{
		RequestID:      id,
		Status:         status,
		Headers:        map[string]string{"content-type": "application/json"},
		Body:           respBody,
		Timestamp:      now.Add(40 * time.Millisecond),
		ResponseTimeMS: 40,
	})
	return id
}

func Test_replay_unknown_request(t *testing.T) {
	fx := newFixture(t, 10)
	if _, err := fx.engine.Replay(context.Background(), "ghost", Modifications{}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func Test_replay_dead_tunnel(t *testing.T) {
	fx := newFixture(t, 10)
	fx.capture("r1", "myapp", "GET", "/", nil, 200, []byte("ok"))

	rec, err := fx.engine.Replay(context.Background(), "r1", Modifications{})
	if !errors.Is(err, ErrTunnelUnavailable) {
		t.Fatalf("expected ErrTunnelUnavailable, got %v", err)
	}
	if rec == nil || rec.Success {
		t.Fatalf("record: %+v", rec)
	}
	// The failed attempt is still visible in the history.
	if hist := fx.engine.History(); len(hist) != 1 || hist[0].Error == "" {
		t.Errorf("history: %+v", hist)
	}
}

func Test_replay_verbatim(t *testing.T) {
	fx := newFixture(t, 10)
	agent := newEchoAgent(200)
	fx.connect(t, "myapp", agent)
	fx.capture("r1", "myapp", "POST", "/items", []byte(`{"name":"a"}`), 200, []byte(`{"name":"a"}`))

	rec, err := fx.engine.Replay(context.Background(), "r1", Modifications{})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !rec.Success || rec.Response == nil || rec.Response.Status != 200 {
		t.Fatalf("record: %+v", rec)
	}
	if rec.OriginalRequestID != "r1" || rec.ReplayID == "" || rec.ReplayID == "r1" {
		t.Errorf("ids: %+v", rec)
	}
	if rec.Modifications != nil {
		t.Errorf("empty modifications should not be recorded: %+v", rec.Modifications)
	}

	reqs := agent.seenRequests()
	if len(reqs) != 1 || reqs[0].Method != "POST" || reqs[0].Path != "/items" {
		t.Fatalf("agent saw: %+v", reqs)
	}
}

func Test_replay_applies_modifications(t *testing.T) {
	fx := newFixture(t, 10)
	agent := newEchoAgent(200)
	fx.connect(t, "myapp", agent)
	fx.capture("r1", "myapp", "get", "/items", []byte(`{"name":"a"}`), 200, []byte(`{"name":"a"}`))

	mods := Modifications{
		Method:  "put",
		Path:    "/items/42",
		Headers: map[string]string{"X-Replay": "yes", "content-type": "text/plain"},
		Query:   map[string]string{"force": "1"},
		Body:    json.RawMessage(`{"name":"b"}`),
	}
	rec, err := fx.engine.Replay(context.Background(), "r1", mods)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if rec.Modifications == nil {
		t.Error("modifications not recorded")
	}

	reqs := agent.seenRequests()
	if len(reqs) != 1 {
		t.Fatalf("agent saw %d requests", len(reqs))
	}
	sent := reqs[0]
	if sent.Method != "PUT" {
		t.Errorf("method not uppercased: %q", sent.Method)
	}
	if sent.Path != "/items/42" {
		t.Errorf("path: %q", sent.Path)
	}
	if sent.Headers["x-replay"] != "yes" || sent.Headers["content-type"] != "text/plain" {
		t.Errorf("headers: %+v", sent.Headers)
	}
	if _, ok := sent.Headers["content-length"]; ok {
		t.Error("stale content-length survived")
	}
	if sent.Query["force"] != "1" {
		t.Errorf("query: %+v", sent.Query)
	}
	body, _ := protocol.DecodeBody(sent.Body, sent.BodyEncoding)
	if string(body) != `{"name":"b"}` {
		t.Errorf("body: %s", body)
	}
}

func Test_replay_body_string_used_verbatim(t *testing.T) {
	fx := newFixture(t, 10)
	agent := newEchoAgent(200)
	fx.connect(t, "myapp", agent)
	fx.capture("r1", "myapp", "POST", "/raw", []byte("old"), 200, []byte("old"))

	_, err := fx.engine.Replay(context.Background(), "r1", Modifications{Body: json.RawMessage(`"plain text"`)})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	body, _ := protocol.DecodeBody(agent.seenRequests()[0].Body, agent.seenRequests()[0].BodyEncoding)
	if string(body) != "plain text" {
		t.Errorf("body: %q", body)
	}
}

func Test_replay_does_not_mutate_capture(t *testing.T) {
	fx := newFixture(t, 10)
	agent := newEchoAgent(200)
	fx.connect(t, "myapp", agent)
	fx.capture("r1", "myapp", "GET", "/items", nil, 200, []byte("ok"))

	_, err := fx.engine.Replay(context.Background(), "r1", Modifications{
		Path:    "/other",
		Headers: map[string]string{"x-extra": "1"},
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	e, _ := fx.store.GetByID("r1")
	if e.Request.Path != "/items" {
		t.Errorf("capture path mutated: %q", e.Request.Path)
	}
	if _, ok := e.Request.Headers["x-extra"]; ok {
		t.Error("capture headers mutated")
	}
}

func Test_replay_history_capped_fifo(t *testing.T) {
	fx := newFixture(t, 3)
	agent := newEchoAgent(200)
	fx.connect(t, "myapp", agent)
	fx.capture("r1", "myapp", "GET", "/", nil, 200, []byte("ok"))

	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := fx.engine.Replay(context.Background(), "r1", Modifications{})
		if err != nil {
			t.Fatalf("replay %d failed: %v", i, err)
		}
		ids = append(ids, rec.ReplayID)
	}

	hist := fx.engine.History()
	if len(hist) != 3 {
		t.Fatalf("history length: %d", len(hist))
	}
	// Newest first; the two oldest replays fell off.
	if hist[0].ReplayID != ids[4] || hist[2].ReplayID != ids[2] {
		t.Errorf("history order: %+v", hist)
	}
	if _, ok := fx.engine.Get(ids[0]); ok {
		t.Error("evicted replay still resolvable")
	}
	if _, ok := fx.engine.Get(ids[4]); !ok {
		t.Error("latest replay not resolvable")
	}
}

func Test_replay_with_diff_detects_body_change(t *testing.T) {
	fx := newFixture(t, 10)
	agent := newEchoAgent(200)
	fx.connect(t, "myapp", agent)
	fx.capture("r1", "myapp", "POST", "/items", []byte(`{"name":"a"}`), 200, []byte(`{"name":"a"}`))

	res, err := fx.engine.ReplayWithDiff(context.Background(), "r1", Modifications{Body: json.RawMessage(`{"name":"b"}`)})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	d := res.Diff
	if d.Status.Changed {
		t.Errorf("status diff: %+v", d.Status)
	}
	if len(d.Body.Modifications) != 1 || d.Body.Modifications[0].Path != "name" {
		t.Fatalf("body diff: %+v", d.Body)
	}
	if d.Body.Modifications[0].Original != "a" || d.Body.Modifications[0].Replay != "b" {
		t.Errorf("field change: %+v", d.Body.Modifications[0])
	}
	if d.TotalChanges != 1 {
		t.Errorf("total changes: %d", d.TotalChanges)
	}
}

func Test_replay_with_diff_surfaces_regression(t *testing.T) {
	fx := newFixture(t, 10)
	agent := newEchoAgent(500)
	fx.connect(t, "myapp", agent)
	fx.capture("r1", "myapp", "GET", "/", nil, 200, []byte("ok"))

	res, err := fx.engine.ReplayWithDiff(context.Background(), "r1", Modifications{})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if res.Diff.Status.Severity != SeverityCritical {
		t.Errorf("severity: %s", res.Diff.Status.Severity)
	}
}
