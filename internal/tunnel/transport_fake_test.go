package tunnel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tunnelgate/tunnelgate/internal/protocol"
)

// fakeTransport is an in-memory message pipe standing in for a WebSocket.
type fakeTransport struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	case t.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Close(string) error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// inject delivers an encoded frame to the session's read loop.
func (t *fakeTransport) inject(typ protocol.MessageType, payload any) {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		panic(err)
	}
	t.in <- data
}

// nextFrame waits for the session to write a frame.
func (t *fakeTransport) nextFrame(timeout time.Duration) (*protocol.Frame, error) {
	select {
	case data := <-t.out:
		return protocol.Decode(data)
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for frame")
	}
}
