package tunnel

import (
	"context"

	"github.com/tunnelgate/tunnelgate/internal/protocol"
	"nhooyr.io/websocket"
)

// Transport is the framed message stream under a session's control channel.
// The production implementation wraps a WebSocket connection; tests substitute
// an in-memory pipe.
type Transport interface {
	// ReadMessage blocks until the next inbound text message arrives.
	ReadMessage(ctx context.Context) ([]byte, error)
	// WriteMessage sends one text message. Callers serialize writes.
	WriteMessage(ctx context.Context, data []byte) error
	// Close tears down the underlying connection. Idempotent.
	Close(reason string) error
}

type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an accepted WebSocket connection. The default
// read limit is far below a unary response frame, so it is raised here.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	conn.SetReadLimit(protocol.MaxFrameSize)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
