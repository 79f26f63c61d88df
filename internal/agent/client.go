// Package agent is the tunnel client: it holds the control channel to the
// gateway and forwards tunneled requests to a local HTTP server.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tunnelgate/tunnelgate/internal/protocol"
	"nhooyr.io/websocket"
)

// Responses larger than this are streamed as HTTP_RESPONSE_CHUNK frames
// instead of one unary HTTP_RESPONSE.
const streamThreshold = 64 * 1024

// chunkSize bounds the raw bytes per chunk frame, keeping each text frame
// comfortably inside default WebSocket read limits after base64 expansion.
const chunkSize = 16 * 1024

// Client connects to a gateway and serves one tunnel.
type Client struct {
	ServerURL string
	Subdomain string
	LocalPort int
	AuthToken string

	httpClient *http.Client
}

func NewClient(serverURL, subdomain string, localPort int, authToken string) *Client {
	return &Client{
		ServerURL: serverURL,
		Subdomain: subdomain,
		LocalPort: localPort,
		AuthToken: authToken,
		httpClient: &http.Client{
			Timeout: 0, // No timeout: SSE and long polls flow through tunnels.
		},
	}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff after drops. Registration rejections are fatal: a
// taken subdomain will not free itself by retrying.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	maxBackoff := 60 * time.Second

	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var rr *RegistrationError
		if errors.As(err, &rr) {
			return err
		}
		if err != nil {
			log.Printf("tunnel disconnected: %v", err)
		}

		log.Printf("reconnecting in %s...", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// RegistrationError is a terminal handshake rejection from the gateway.
type RegistrationError struct {
	Code    string
	Message string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration rejected (%s): %s", e.Code, e.Message)
}

func (c *Client) connectAndServe(ctx context.Context) error {
	wsURL := c.ServerURL + "/connect"
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	// Public request bodies arrive as single frames; the library default of
	// 32 KiB would kill the tunnel on the first large POST.
	conn.SetReadLimit(protocol.MaxFrameSize)

	reg, err := protocol.Encode(protocol.TypeTunnelRegister, protocol.RegisterPayload{
		Subdomain: c.Subdomain,
		LocalPort: c.LocalPort,
		AuthToken: c.AuthToken,
	})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, reg); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("await registration: %w", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("decode handshake reply: %w", err)
	}
	switch frame.Type {
	case protocol.TypeTunnelRegistered:
		var ack protocol.RegisteredPayload
		if err := frame.DecodePayload(&ack); err != nil {
			return err
		}
		log.Printf("tunnel ready: %s -> localhost:%d", ack.PublicURL, c.LocalPort)
	case protocol.TypeError:
		var ep protocol.ErrorPayload
		if err := frame.DecodePayload(&ep); err != nil {
			return err
		}
		return &RegistrationError{Code: ep.Code, Message: ep.Error}
	default:
		return fmt.Errorf("unexpected handshake reply %s", frame.Type)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			log.Printf("dropping undecodable frame: %v", err)
			continue
		}

		switch frame.Type {
		case protocol.TypeHTTPRequest:
			var req protocol.RequestPayload
			if err := frame.DecodePayload(&req); err != nil {
				log.Printf("bad request frame: %v", err)
				continue
			}
			go c.handleRequest(ctx, conn, &req)
		case protocol.TypePing:
			var ping protocol.PingPayload
			frame.DecodePayload(&ping)
			pong, err := protocol.Encode(protocol.TypePong, ping)
			if err == nil {
				conn.Write(ctx, websocket.MessageText, pong)
			}
		case protocol.TypeTunnelClose:
			var cp protocol.ClosePayload
			frame.DecodePayload(&cp)
			log.Printf("gateway closed tunnel: %s", cp.Reason)
			return nil
		default:
			// PONG and anything else the gateway may add later.
		}
	}
}

// handleRequest runs one tunneled request against the local server and
// writes the response frames back on the control channel.
func (c *Client) handleRequest(ctx context.Context, conn *websocket.Conn, req *protocol.RequestPayload) {
	body, err := protocol.DecodeBody(req.Body, req.BodyEncoding)
	if err != nil {
		c.sendHTTPError(ctx, conn, req.RequestID, protocol.CodeRequestFailed, "undecodable request body")
		return
	}

	target := fmt.Sprintf("http://localhost:%d%s", c.LocalPort, req.Path)
	if len(req.Query) > 0 {
		target += "?" + encodeQuery(req.Query)
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		c.sendHTTPError(ctx, conn, req.RequestID, protocol.CodeRequestFailed, "failed to build local request")
		return
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.sendHTTPError(ctx, conn, req.RequestID, protocol.CodeConnectionRefused, "local server unreachable: "+err.Error())
		return
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k, vals := range resp.Header {
		if len(vals) > 0 {
			headers[strings.ToLower(k)] = vals[0]
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.sendHTTPError(ctx, conn, req.RequestID, protocol.CodeRequestFailed, "reading local response: "+err.Error())
		return
	}

	if len(respBody) > streamThreshold {
		c.sendStreaming(ctx, conn, req.RequestID, resp.StatusCode, headers, respBody)
		return
	}

	data, enc := protocol.EncodeBody(respBody)
	c.send(ctx, conn, protocol.TypeHTTPResponse, protocol.ResponsePayload{
		RequestID:    req.RequestID,
		StatusCode:   resp.StatusCode,
		Headers:      headers,
		Body:         data,
		BodyEncoding: enc,
	})
}

func (c *Client) sendStreaming(ctx context.Context, conn *websocket.Conn, requestID string, status int, headers map[string]string, body []byte) {
	if !c.send(ctx, conn, protocol.TypeHTTPResponse, protocol.ResponsePayload{
		RequestID:  requestID,
		StatusCode: status,
		Headers:    headers,
		Streaming:  true,
	}) {
		return
	}
	for i := 0; i*chunkSize < len(body); i++ {
		end := (i + 1) * chunkSize
		if end > len(body) {
			end = len(body)
		}
		chunk, _ := protocol.EncodeBody(body[i*chunkSize : end])
		if !c.send(ctx, conn, protocol.TypeHTTPChunk, protocol.ChunkPayload{
			RequestID: requestID,
			Index:     i,
			Chunk:     chunk,
		}) {
			return
		}
	}
	c.send(ctx, conn, protocol.TypeHTTPEnd, protocol.EndPayload{RequestID: requestID})
}

func (c *Client) sendHTTPError(ctx context.Context, conn *websocket.Conn, requestID, code, msg string) {
	c.send(ctx, conn, protocol.TypeHTTPError, protocol.HTTPErrorPayload{
		RequestID: requestID,
		Error:     msg,
		Code:      code,
	})
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, t protocol.MessageType, payload any) bool {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		log.Printf("encode %s: %v", t, err)
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Printf("write %s: %v", t, err)
		return false
	}
	return true
}

func encodeQuery(q map[string]string) string {
	vals := make(url.Values, len(q))
	for k, v := range q {
		vals.Set(k, v)
	}
	return vals.Encode()
}
