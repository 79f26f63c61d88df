package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tunnelgate/tunnelgate/internal/protocol"
	"nhooyr.io/websocket"
)

// fakeGateway accepts one control channel, acks the registration and exposes
// the connection for scripting frames at the agent.
type fakeGateway struct {
	ts     *httptest.Server
	conns  chan *websocket.Conn
	reject *protocol.ErrorPayload
	seen   chan protocol.RegisterPayload
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		conns: make(chan *websocket.Conn, 4),
		seen:  make(chan protocol.RegisterPayload, 4),
	}
	g.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/connect" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		ctx := context.Background()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil || frame.Type != protocol.TypeTunnelRegister {
			conn.Close(websocket.StatusPolicyViolation, "expected registration")
			return
		}
		var reg protocol.RegisterPayload
		frame.DecodePayload(&reg)
		g.seen <- reg

		if g.reject != nil {
			reply, _ := protocol.Encode(protocol.TypeError, *g.reject)
			conn.Write(ctx, websocket.MessageText, reply)
			conn.Close(websocket.StatusNormalClosure, "rejected")
			return
		}

		ack, _ := protocol.Encode(protocol.TypeTunnelRegistered, protocol.RegisteredPayload{
			TunnelID:  "t-1",
			Subdomain: reg.Subdomain,
			PublicURL: "http://" + reg.Subdomain + ".localhost",
		})
		conn.Write(ctx, websocket.MessageText, ack)
		g.conns <- conn
	}))
	t.Cleanup(g.ts.Close)
	return g
}

// conn waits for a registered control channel.
func (g *fakeGateway) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-g.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("agent never registered")
		return nil
	}
}

func sendRequest(t *testing.T, conn *websocket.Conn, req protocol.RequestPayload) {
	t.Helper()
	data, err := protocol.Encode(protocol.TypeHTTPRequest, req)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return frame
}

// localServer starts a target HTTP server and returns its port.
func localServer(t *testing.T, handler http.HandlerFunc) int {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	port, err := strconv.Atoi(ts.URL[strings.LastIndexByte(ts.URL, ':')+1:])
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func runClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
}

func Test_agent_forwards_request_to_local_server(t *testing.T) {
	var gotPath, gotQuery, gotHeader string
	port := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("q")
		gotHeader = r.Header.Get("X-Custom")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(201)
		fmt.Fprint(w, `{"ok":true}`)
	})

	g := newFakeGateway(t)
	runClient(t, NewClient(g.ts.URL, "myapp", port, ""))
	conn := g.conn(t)

	sendRequest(t, conn, protocol.RequestPayload{
		RequestID: "r1",
		Method:    "GET",
		Path:      "/api/items",
		Query:     map[string]string{"q": "42"},
		Headers:   map[string]string{"x-custom": "yes"},
	})

	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeHTTPResponse {
		t.Fatalf("frame type: %s", frame.Type)
	}
	var resp protocol.ResponsePayload
	if err := frame.DecodePayload(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.RequestID != "r1" || resp.StatusCode != 201 || resp.Streaming {
		t.Errorf("response: %+v", resp)
	}
	body, _ := protocol.DecodeBody(resp.Body, resp.BodyEncoding)
	if string(body) != `{"ok":true}` {
		t.Errorf("body: %s", body)
	}
	if resp.Headers["content-type"] != "application/json" {
		t.Errorf("headers: %+v", resp.Headers)
	}
	if gotPath != "/api/items" || gotQuery != "42" || gotHeader != "yes" {
		t.Errorf("local server saw path=%q q=%q header=%q", gotPath, gotQuery, gotHeader)
	}
}

func Test_agent_posts_body(t *testing.T) {
	var gotBody string
	port := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, r.ContentLength)
		r.Body.Read(b)
		gotBody = string(b)
		w.WriteHeader(200)
	})

	g := newFakeGateway(t)
	runClient(t, NewClient(g.ts.URL, "myapp", port, ""))
	conn := g.conn(t)

	data, enc := protocol.EncodeBody([]byte(`{"name":"a"}`))
	sendRequest(t, conn, protocol.RequestPayload{
		RequestID:    "r1",
		Method:       "POST",
		Path:         "/items",
		Body:         data,
		BodyEncoding: enc,
	})
	readFrame(t, conn)
	if gotBody != `{"name":"a"}` {
		t.Errorf("local body: %q", gotBody)
	}
}

func Test_agent_accepts_large_request_body(t *testing.T) {
	// 48 KB base64-expands past the websocket library's default read limit;
	// request bodies arrive as a single frame regardless of size.
	large := strings.Repeat("y", 48*1024)
	var gotLen int
	port := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotLen = len(b)
		w.WriteHeader(200)
	})

	g := newFakeGateway(t)
	runClient(t, NewClient(g.ts.URL, "myapp", port, ""))
	conn := g.conn(t)

	data, enc := protocol.EncodeBody([]byte(large))
	sendRequest(t, conn, protocol.RequestPayload{
		RequestID:    "r1",
		Method:       "POST",
		Path:         "/upload",
		Body:         data,
		BodyEncoding: enc,
	})

	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeHTTPResponse {
		t.Fatalf("frame type: %s", frame.Type)
	}
	if gotLen != len(large) {
		t.Errorf("local server received %d bytes, want %d", gotLen, len(large))
	}
}

func Test_agent_streams_large_response(t *testing.T) {
	large := strings.Repeat("x", streamThreshold+chunkSize+100)
	port := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, large)
	})

	g := newFakeGateway(t)
	runClient(t, NewClient(g.ts.URL, "myapp", port, ""))
	conn := g.conn(t)
	sendRequest(t, conn, protocol.RequestPayload{RequestID: "r1", Method: "GET", Path: "/big"})

	head := readFrame(t, conn)
	if head.Type != protocol.TypeHTTPResponse {
		t.Fatalf("first frame: %s", head.Type)
	}
	var resp protocol.ResponsePayload
	head.DecodePayload(&resp)
	if !resp.Streaming || resp.Body != "" {
		t.Fatalf("stream head: %+v", resp)
	}

	var assembled []byte
	lastIndex := -1
	for {
		frame := readFrame(t, conn)
		if frame.Type == protocol.TypeHTTPEnd {
			break
		}
		if frame.Type != protocol.TypeHTTPChunk {
			t.Fatalf("frame type: %s", frame.Type)
		}
		var chunk protocol.ChunkPayload
		frame.DecodePayload(&chunk)
		if chunk.Index != lastIndex+1 {
			t.Fatalf("chunk order: %d after %d", chunk.Index, lastIndex)
		}
		lastIndex = chunk.Index
		b, err := protocol.DecodeBody(chunk.Chunk, protocol.EncodingBase64)
		if err != nil {
			t.Fatal(err)
		}
		assembled = append(assembled, b...)
	}
	if string(assembled) != large {
		t.Errorf("assembled %d bytes, want %d", len(assembled), len(large))
	}
}

func Test_agent_reports_unreachable_local_server(t *testing.T) {
	g := newFakeGateway(t)
	// Port 1 is never listening.
	runClient(t, NewClient(g.ts.URL, "myapp", 1, ""))
	conn := g.conn(t)
	sendRequest(t, conn, protocol.RequestPayload{RequestID: "r1", Method: "GET", Path: "/"})

	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeHTTPError {
		t.Fatalf("frame type: %s", frame.Type)
	}
	var he protocol.HTTPErrorPayload
	frame.DecodePayload(&he)
	if he.RequestID != "r1" || he.Code != protocol.CodeConnectionRefused {
		t.Errorf("error payload: %+v", he)
	}
}

func Test_agent_answers_ping(t *testing.T) {
	port := localServer(t, func(w http.ResponseWriter, r *http.Request) {})
	g := newFakeGateway(t)
	runClient(t, NewClient(g.ts.URL, "myapp", port, ""))
	conn := g.conn(t)

	ping, _ := protocol.Encode(protocol.TypePing, protocol.PingPayload{Timestamp: 1234})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, conn)
	if frame.Type != protocol.TypePong {
		t.Fatalf("frame type: %s", frame.Type)
	}
	var pong protocol.PingPayload
	frame.DecodePayload(&pong)
	if pong.Timestamp != 1234 {
		t.Errorf("pong timestamp: %d", pong.Timestamp)
	}
}

func Test_agent_registration_rejection_is_terminal(t *testing.T) {
	g := newFakeGateway(t)
	g.reject = &protocol.ErrorPayload{Error: "subdomain myapp is taken", Code: protocol.CodeSubdomainTaken}

	c := NewClient(g.ts.URL, "myapp", 3000, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)

	var rr *RegistrationError
	if !errors.As(err, &rr) {
		t.Fatalf("expected RegistrationError, got %v", err)
	}
	if rr.Code != protocol.CodeSubdomainTaken {
		t.Errorf("code: %q", rr.Code)
	}
	// Exactly one attempt: rejections must not trigger reconnects.
	if len(g.seen) != 1 {
		t.Errorf("registration attempts: %d", len(g.seen))
	}
}
