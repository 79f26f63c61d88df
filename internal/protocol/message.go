// Package protocol defines the control-channel wire protocol between the
// gateway and local agents. Every message is a single UTF-8 JSON text frame:
// a tagged envelope {type, payload}. Binary bodies travel base64-encoded
// inside the payload.
package protocol

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"
)

// MessageType tags a control-channel frame.
type MessageType string

const (
	TypeTunnelRegister   MessageType = "TUNNEL_REGISTER"
	TypeTunnelRegistered MessageType = "TUNNEL_REGISTERED"
	TypeTunnelClose      MessageType = "TUNNEL_CLOSE"
	TypeHTTPRequest      MessageType = "HTTP_REQUEST"
	TypeHTTPResponse     MessageType = "HTTP_RESPONSE"
	TypeHTTPChunk        MessageType = "HTTP_RESPONSE_CHUNK"
	TypeHTTPEnd          MessageType = "HTTP_RESPONSE_END"
	TypeHTTPError        MessageType = "HTTP_ERROR"
	TypePing             MessageType = "PING"
	TypePong             MessageType = "PONG"
	TypeError            MessageType = "ERROR"
)

// Body encodings carried in request/response payloads. An absent encoding
// means base64.
const (
	EncodingBase64 = "base64"
	EncodingUTF8   = "utf8"
	EncodingNone   = "none"
)

// MaxFrameSize bounds a single control-channel frame on both sides. Unary
// bodies stay under the agent's streaming threshold, but base64 expansion
// plus the JSON envelope overshoots the websocket library's 32 KiB default,
// and inbound request bodies carry no streaming threshold at all.
const MaxFrameSize = 10 * 1024 * 1024

// Stable error codes exchanged on the wire and surfaced by the management API.
const (
	CodeTunnelNotFound            = "TUNNEL_NOT_FOUND"
	CodeConnectionClosed          = "CONNECTION_CLOSED"
	CodeConnectionRefused         = "CONNECTION_REFUSED"
	CodeRequestTimeout            = "REQUEST_TIMEOUT"
	CodeRequestFailed             = "REQUEST_FAILED"
	CodeSessionClosed             = "SESSION_CLOSED"
	CodeSubdomainTaken            = "SUBDOMAIN_TAKEN"
	CodeSubdomainInvalid          = "SUBDOMAIN_INVALID"
	CodeSubdomainGenerationFailed = "SUBDOMAIN_GENERATION_FAILED"
	CodeInvalidMessage            = "INVALID_MESSAGE"
	CodeUnknownMessage            = "UNKNOWN_MESSAGE"
	CodeRateLimited               = "RATE_LIMITED"
	CodeForbidden                 = "FORBIDDEN"
	CodeRequestNotFound           = "REQUEST_NOT_FOUND"
	CodeTunnelUnavailable         = "TUNNEL_UNAVAILABLE"
	CodeUnauthorized              = "UNAUTHORIZED"
	CodeTimeout                   = "TIMEOUT"
)

// RegisterPayload is sent by an agent to request a tunnel.
type RegisterPayload struct {
	Subdomain string `json:"subdomain,omitempty"`
	LocalPort int    `json:"local_port"`
	AuthToken string `json:"auth_token,omitempty"`
}

// RegisteredPayload confirms a tunnel registration.
type RegisteredPayload struct {
	TunnelID  string `json:"tunnel_id"`
	Subdomain string `json:"subdomain"`
	PublicURL string `json:"public_url"`
}

// ClosePayload announces tunnel teardown; valid in both directions.
type ClosePayload struct {
	TunnelID string `json:"tunnel_id"`
	Reason   string `json:"reason,omitempty"`
}

// RequestPayload carries one public HTTP request to the agent.
type RequestPayload struct {
	RequestID    string            `json:"request_id"`
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	Headers      map[string]string `json:"headers,omitempty"`
	Query        map[string]string `json:"query,omitempty"`
	Body         string            `json:"body,omitempty"`
	BodyEncoding string            `json:"body_encoding,omitempty"`
}

// ResponsePayload carries the agent's response, either complete (unary) or
// announcing a chunked stream when Streaming is true.
type ResponsePayload struct {
	RequestID    string            `json:"request_id"`
	StatusCode   int               `json:"status_code"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	BodyEncoding string            `json:"body_encoding,omitempty"`
	Streaming    bool              `json:"streaming,omitempty"`
}

// ChunkPayload carries one base64 body segment of a streaming response.
type ChunkPayload struct {
	RequestID string `json:"request_id"`
	Index     int    `json:"index"`
	Chunk     string `json:"chunk"`
}

// EndPayload terminates a streaming response.
type EndPayload struct {
	RequestID string `json:"request_id"`
}

// HTTPErrorPayload reports that the agent could not complete a request.
type HTTPErrorPayload struct {
	RequestID  string `json:"request_id"`
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// PingPayload doubles as the PONG payload.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload is a protocol-level error, not tied to a request.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// EncodeBody picks the wire encoding for a body. Empty bodies use "none";
// everything else is base64 (the agent may respond with utf8, which we accept
// on decode but never produce).
func EncodeBody(body []byte) (data, encoding string) {
	if len(body) == 0 {
		return "", EncodingNone
	}
	return base64.StdEncoding.EncodeToString(body), EncodingBase64
}

// DecodeBody reverses EncodeBody for any of the three encodings. An empty
// encoding means base64.
func DecodeBody(data, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingNone:
		return nil, nil
	case EncodingUTF8:
		if !utf8.ValidString(data) {
			return nil, fmt.Errorf("body is not valid utf8")
		}
		return []byte(data), nil
	case EncodingBase64, "":
		if data == "" {
			return nil, nil
		}
		b, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 body: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown body encoding %q", encoding)
	}
}
