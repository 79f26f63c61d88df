// Package forward drives a single public HTTP request through a tunnel
// session and assembles the agent's response.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tunnelgate/tunnelgate/internal/bus"
	"github.com/tunnelgate/tunnelgate/internal/inspect"
	"github.com/tunnelgate/tunnelgate/internal/protocol"
	"github.com/tunnelgate/tunnelgate/internal/tunnel"
)

// hopByHop headers apply to a single transport hop and are stripped in both
// directions.
var hopByHop = map[string]bool{
	"host":              true,
	"connection":        true,
	"upgrade":           true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"proxy-connection":  true,
}

// Request is one public request, decoupled from net/http so the replay
// engine can drive the same path from a capture.
type Request struct {
	Method   string
	Path     string
	Query    map[string]string
	Headers  map[string]string
	Body     []byte
	ClientIP string
}

// Response is the assembled agent response.
type Response struct {
	RequestID string
	Status    int
	Headers   map[string]string
	Body      []byte
	Duration  time.Duration
}

// Error carries a stable code plus the HTTP status used at the public
// boundary.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// ErrClientGone reports that the public client went away before the agent
// responded; the eventual response is discarded silently.
var ErrClientGone = errors.New("client disconnected before response")

// Forwarder matches public requests to sessions and correlates the
// request/response frames.
type Forwarder struct {
	registry *tunnel.Registry
	bus      *bus.Bus
	timeout  time.Duration
}

func New(registry *tunnel.Registry, b *bus.Bus, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{registry: registry, bus: b, timeout: timeout}
}

// Forward serves one public request end to end: route, dispatch through the
// owning session, write the response.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, subdomain string) {
	sess, ok := f.registry.Lookup(subdomain)
	if !ok {
		writeHTTPError(w, http.StatusNotFound, protocol.CodeTunnelNotFound, "no tunnel for subdomain "+subdomain)
		return
	}
	if !sess.Alive() {
		writeHTTPError(w, http.StatusBadGateway, protocol.CodeConnectionClosed, "tunnel connection closed")
		return
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			writeHTTPError(w, http.StatusBadRequest, protocol.CodeRequestFailed, "failed to read request body")
			return
		}
	}

	req := Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		Query:    flattenValues(r.URL.Query()),
		Headers:  flattenHeaders(r.Header),
		Body:     body,
		ClientIP: clientIP(r),
	}

	resp, err := f.Dispatch(r.Context(), sess, req)
	if err != nil {
		if errors.Is(err, ErrClientGone) {
			// Nothing to write; the client hung up.
			return
		}
		var fe *Error
		if errors.As(err, &fe) {
			writeHTTPError(w, fe.Status, fe.Code, fe.Message)
			return
		}
		writeHTTPError(w, http.StatusBadGateway, protocol.CodeRequestFailed, err.Error())
		return
	}

	for k, v := range resp.Headers {
		if hopByHop[strings.ToLower(k)] {
			continue
		}
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

// Dispatch runs the forwarding state machine against a resolved session:
// capture the request, register the waiter, send the HTTP_REQUEST frame, and
// await exactly one outcome. Both halves of the exchange are published on the
// traffic topics.
func (f *Forwarder) Dispatch(ctx context.Context, sess *tunnel.Session, req Request) (*Response, error) {
	requestID := uuid.New().String()
	headers := stripHopByHop(req.Headers)
	ingress := time.Now()

	sess.TrackRequest()
	f.bus.Publish(bus.TopicTrafficRequest, inspect.RequestEvent{
		RequestID: requestID,
		SessionID: sess.ID,
		Subdomain: sess.Subdomain,
		Method:    req.Method,
		Path:      req.Path,
		Query:     req.Query,
		Headers:   headers,
		Body:      req.Body,
		ClientIP:  req.ClientIP,
		Timestamp: ingress,
	})

	// Register before sending so no completion can beat the waiter.
	waiter, err := sess.RegisterPending(requestID)
	if err != nil {
		return nil, f.failed(requestID, ingress, &Error{
			Code:    protocol.CodeConnectionClosed,
			Status:  http.StatusBadGateway,
			Message: "tunnel connection closed",
		})
	}

	bodyData, bodyEnc := protocol.EncodeBody(req.Body)
	frame := protocol.RequestPayload{
		RequestID:    requestID,
		Method:       req.Method,
		Path:         req.Path,
		Headers:      headers,
		Query:        req.Query,
		Body:         bodyData,
		BodyEncoding: bodyEnc,
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := sess.Send(ctx, protocol.TypeHTTPRequest, frame); err != nil {
		sess.CancelPending(requestID)
		return nil, f.failed(requestID, ingress, &Error{
			Code:    protocol.CodeConnectionClosed,
			Status:  http.StatusBadGateway,
			Message: "failed to dispatch request: " + err.Error(),
		})
	}

	select {
	case out := <-waiter:
		return f.resolve(requestID, ingress, out)
	case <-ctx.Done():
		sess.CancelPending(requestID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, f.failed(requestID, ingress, &Error{
				Code:    protocol.CodeRequestTimeout,
				Status:  http.StatusGatewayTimeout,
				Message: "agent did not respond within " + f.timeout.String(),
			})
		}
		log.Printf("forward: request %s abandoned by client", requestID)
		return nil, ErrClientGone
	}
}

// resolve turns a session outcome into a response or a typed error,
// publishing the response half of the capture either way.
func (f *Forwarder) resolve(requestID string, ingress time.Time, out tunnel.Outcome) (*Response, error) {
	if out.ErrCode != "" {
		status := out.Status
		if status == 0 {
			switch out.ErrCode {
			case protocol.CodeConnectionRefused:
				status = http.StatusServiceUnavailable
			case protocol.CodeTimeout, protocol.CodeRequestTimeout:
				status = http.StatusGatewayTimeout
			default:
				status = http.StatusBadGateway
			}
		}
		return nil, f.failed(requestID, ingress, &Error{Code: out.ErrCode, Status: status, Message: out.ErrMsg})
	}

	egress := time.Now()
	resp := &Response{
		RequestID: requestID,
		Status:    out.Status,
		Headers:   out.Headers,
		Body:      out.Body,
		Duration:  egress.Sub(ingress),
	}
	f.bus.Publish(bus.TopicTrafficResponse, inspect.ResponseEvent{
		RequestID:      requestID,
		Status:         resp.Status,
		Headers:        resp.Headers,
		Body:           resp.Body,
		Timestamp:      egress,
		ResponseTimeMS: resp.Duration.Milliseconds(),
	})
	return resp, nil
}

// failed publishes the synthesized error response as the capture's response
// half and returns the error.
func (f *Forwarder) failed(requestID string, ingress time.Time, fe *Error) error {
	egress := time.Now()
	f.bus.Publish(bus.TopicTrafficResponse, inspect.ResponseEvent{
		RequestID:      requestID,
		Status:         fe.Status,
		Body:           errorBody(fe.Code, fe.Message),
		Timestamp:      egress,
		ResponseTimeMS: egress.Sub(ingress).Milliseconds(),
	})
	return fe
}

// Timeout exposes the configured per-request deadline.
func (f *Forwarder) Timeout() time.Duration { return f.timeout }

func stripHopByHop(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if hopByHop[strings.ToLower(k)] {
			continue
		}
		out[k] = v
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) > 0 {
			out[strings.ToLower(k)] = vals[0]
		}
	}
	return out
}

func flattenValues(vals map[string][]string) map[string]string {
	if len(vals) == 0 {
		return nil
	}
	out := make(map[string]string, len(vals))
	for k, vs := range vals {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func errorBody(code, msg string) []byte {
	b, _ := json.Marshal(map[string]string{"error": msg, "code": code})
	return b
}

// writeHTTPError writes the management-style {error, code} JSON body.
func writeHTTPError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(errorBody(code, msg))
}
