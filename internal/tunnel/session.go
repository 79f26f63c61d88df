package tunnel

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunnelgate/tunnelgate/internal/protocol"
)

// ErrSessionClosed is returned when an operation hits a session whose
// transport is gone.
var ErrSessionClosed = errors.New("session closed")

// maxStreamBuffer caps the chunk bytes buffered for one in-flight request.
// An agent that overflows it gets the whole session closed.
const maxStreamBuffer = 10 * 1024 * 1024

// Outcome is the single completion value delivered to a request waiter.
// Exactly one outcome fires per registered request id.
type Outcome struct {
	Status  int
	Headers map[string]string
	Body    []byte
	// ErrCode is empty on success; otherwise one of the protocol error codes.
	ErrCode string
	ErrMsg  string
}

// pending is one in-flight request slot on a session. Chunked responses
// accumulate here, guarded by the session mutex, until HTTP_RESPONSE_END
// wakes the waiter.
type pending struct {
	once      sync.Once
	ch        chan Outcome
	streaming bool
	status    int
	headers   map[string]string
	chunks    map[int][]byte
	buffered  int
}

func (p *pending) complete(o Outcome) {
	p.once.Do(func() { p.ch <- o })
}

// Session is one live agent control channel. It owns the pending-request
// table and the outbound write lock; at most one frame is on the wire at a
// time. The read loop and heartbeat run as dedicated goroutines started by
// Start and stopped by Close.
type Session struct {
	ID        string
	Subdomain string
	LocalPort int
	CreatedAt time.Time

	transport Transport
	heartbeat time.Duration
	maxStream int

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pending

	lastActivity atomic.Int64 // unix nanos
	inboundSeen  atomic.Bool  // any frame since the previous heartbeat tick
	requestCount atomic.Int64
	healthy      atomic.Bool

	onClose     func(s *Session, reason string)
	done        chan struct{}
	closeOnce   sync.Once
	closeReason string
}

// NewSession wraps a registered transport. The caller starts the read and
// heartbeat loops with Start once the registration reply has been sent.
func NewSession(id, subdomain string, localPort int, tr Transport, heartbeat time.Duration) *Session {
	s := &Session{
		ID:        id,
		Subdomain: subdomain,
		LocalPort: localPort,
		CreatedAt: time.Now(),
		transport: tr,
		heartbeat: heartbeat,
		maxStream: maxStreamBuffer,
		pending:   make(map[string]*pending),
		done:      make(chan struct{}),
	}
	s.healthy.Store(true)
	s.touch()
	return s
}

// SetOnClose installs the teardown hook. The registry uses it to remove the
// session before Close returns.
func (s *Session) SetOnClose(fn func(s *Session, reason string)) {
	s.onClose = fn
}

// Start launches the read loop and heartbeat ticker.
func (s *Session) Start() {
	go s.readLoop()
	if s.heartbeat > 0 {
		go s.heartbeatLoop()
	}
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Alive reports whether the transport is still considered live.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return s.healthy.Load()
	}
}

// LastActivity is the time of the most recent inbound frame.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// RequestCount is the number of public requests forwarded on this session.
func (s *Session) RequestCount() int64 { return s.requestCount.Load() }

// TrackRequest increments the forwarded-request counter.
func (s *Session) TrackRequest() { s.requestCount.Add(1) }

// CloseReason reports why the session shut down, once it has.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
	s.inboundSeen.Store(true)
}

// Send encodes a frame and writes it through the session write lock. A write
// failure marks the session unhealthy and tears it down.
func (s *Session) Send(ctx context.Context, t protocol.MessageType, payload any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	data, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	err = s.transport.WriteMessage(ctx, data)
	s.writeMu.Unlock()
	if err != nil {
		s.healthy.Store(false)
		s.Close("write failed")
		return err
	}
	return nil
}

// RegisterPending installs a waiter slot for a request id. It must be called
// before the HTTP_REQUEST frame is sent, so a completion can never race the
// registration.
func (s *Session) RegisterPending(requestID string) (<-chan Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return nil, ErrSessionClosed
	default:
	}
	if _, exists := s.pending[requestID]; exists {
		return nil, errors.New("duplicate pending request id " + requestID)
	}
	p := &pending{ch: make(chan Outcome, 1)}
	s.pending[requestID] = p
	return p.ch, nil
}

// CancelPending removes a waiter that will never be consumed (client
// disconnect or deadline). Any later agent frames for the id are dropped.
func (s *Session) CancelPending(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// PendingCount reports the number of in-flight requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close tears the session down: drains every pending waiter with
// SESSION_CLOSED, closes the transport, and runs the onClose hook before
// returning. Idempotent.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.healthy.Store(false)

		s.mu.Lock()
		s.closeReason = reason
		drained := s.pending
		s.pending = make(map[string]*pending)
		s.mu.Unlock()

		for _, p := range drained {
			p.complete(Outcome{ErrCode: protocol.CodeSessionClosed, ErrMsg: reason})
		}

		s.transport.Close(reason)
		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}

// readLoop is the single reader for the control channel. It dispatches
// inbound frames by tag until the transport errors or the session closes.
func (s *Session) readLoop() {
	ctx := context.Background()
	for {
		data, err := s.transport.ReadMessage(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("session %s: read error: %v", s.ID, err)
				s.Close("Client disconnected")
			}
			return
		}
		s.touch()

		f, err := protocol.Decode(data)
		if err != nil {
			var unknown *protocol.UnknownMessageError
			if errors.As(err, &unknown) {
				s.sendErrorFrame(ctx, protocol.CodeUnknownMessage, err.Error())
			} else {
				s.sendErrorFrame(ctx, protocol.CodeInvalidMessage, err.Error())
			}
			continue
		}

		switch f.Type {
		case protocol.TypeHTTPResponse:
			var p protocol.ResponsePayload
			if err := f.DecodePayload(&p); err != nil {
				s.sendErrorFrame(ctx, protocol.CodeInvalidMessage, err.Error())
				continue
			}
			s.deliverResponse(&p)
		case protocol.TypeHTTPChunk:
			var p protocol.ChunkPayload
			if err := f.DecodePayload(&p); err != nil {
				s.sendErrorFrame(ctx, protocol.CodeInvalidMessage, err.Error())
				continue
			}
			s.deliverChunk(&p)
		case protocol.TypeHTTPEnd:
			var p protocol.EndPayload
			if err := f.DecodePayload(&p); err != nil {
				s.sendErrorFrame(ctx, protocol.CodeInvalidMessage, err.Error())
				continue
			}
			s.deliverEnd(p.RequestID)
		case protocol.TypeHTTPError:
			var p protocol.HTTPErrorPayload
			if err := f.DecodePayload(&p); err != nil {
				s.sendErrorFrame(ctx, protocol.CodeInvalidMessage, err.Error())
				continue
			}
			s.deliverError(&p)
		case protocol.TypePing:
			var p protocol.PingPayload
			f.DecodePayload(&p)
			s.Send(ctx, protocol.TypePong, protocol.PingPayload{Timestamp: p.Timestamp})
		case protocol.TypePong:
			// Activity already recorded above.
		case protocol.TypeTunnelClose:
			var p protocol.ClosePayload
			f.DecodePayload(&p)
			reason := p.Reason
			if reason == "" {
				reason = "Client requested close"
			}
			s.Close(reason)
			return
		case protocol.TypeError:
			var p protocol.ErrorPayload
			f.DecodePayload(&p)
			log.Printf("session %s: agent error: %s (%s)", s.ID, p.Error, p.Code)
		default:
			s.sendErrorFrame(ctx, protocol.CodeUnknownMessage, "unhandled frame type "+string(f.Type))
		}
	}
}

func (s *Session) sendErrorFrame(ctx context.Context, code, msg string) {
	s.Send(ctx, protocol.TypeError, protocol.ErrorPayload{Error: msg, Code: code})
}

func (s *Session) deliverResponse(p *protocol.ResponsePayload) {
	s.mu.Lock()
	w, ok := s.pending[p.RequestID]
	if !ok {
		s.mu.Unlock()
		log.Printf("session %s: no pending waiter for request %s", s.ID, p.RequestID)
		return
	}
	if p.Streaming {
		// Header frame of a chunked response; body arrives as chunks.
		w.streaming = true
		w.status = p.StatusCode
		w.headers = p.Headers
		w.chunks = make(map[int][]byte)
		s.mu.Unlock()
		return
	}
	delete(s.pending, p.RequestID)
	s.mu.Unlock()

	body, err := protocol.DecodeBody(p.Body, p.BodyEncoding)
	if err != nil {
		log.Printf("session %s: request %s: bad response body: %v", s.ID, p.RequestID, err)
		w.complete(Outcome{ErrCode: protocol.CodeRequestFailed, ErrMsg: err.Error()})
		return
	}
	w.complete(Outcome{Status: p.StatusCode, Headers: p.Headers, Body: body})
}

func (s *Session) deliverChunk(p *protocol.ChunkPayload) {
	s.mu.Lock()
	w, ok := s.pending[p.RequestID]
	if !ok {
		s.mu.Unlock()
		log.Printf("session %s: chunk for unknown request %s", s.ID, p.RequestID)
		return
	}
	if !w.streaming {
		s.mu.Unlock()
		log.Printf("session %s: chunk for non-streaming request %s", s.ID, p.RequestID)
		return
	}
	chunk, err := protocol.DecodeBody(p.Chunk, protocol.EncodingBase64)
	if err != nil {
		s.mu.Unlock()
		log.Printf("session %s: request %s: bad chunk %d: %v", s.ID, p.RequestID, p.Index, err)
		return
	}
	if w.buffered+len(chunk) > s.maxStream {
		s.mu.Unlock()
		log.Printf("session %s: request %s: stream buffer exceeded", s.ID, p.RequestID)
		s.healthy.Store(false)
		s.Close("stream buffer exceeded")
		return
	}
	w.buffered += len(chunk)
	w.chunks[p.Index] = chunk
	s.mu.Unlock()
}

func (s *Session) deliverEnd(requestID string) {
	s.mu.Lock()
	w, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		log.Printf("session %s: end for unknown request %s", s.ID, requestID)
		return
	}
	if !w.streaming {
		// END with no preceding streaming header; completing with the zero
		// status would reach WriteHeader(0) downstream.
		log.Printf("session %s: request %s: stream end without response header", s.ID, requestID)
		w.complete(Outcome{ErrCode: protocol.CodeRequestFailed, ErrMsg: "stream end without response header"})
		return
	}

	// Concatenate chunks in index order. Absent indices count as empty but
	// are logged so truncated responses stay diagnosable.
	indices := make([]int, 0, len(w.chunks))
	maxIdx := -1
	for i := range w.chunks {
		indices = append(indices, i)
		if i > maxIdx {
			maxIdx = i
		}
	}
	sort.Ints(indices)
	if len(indices) != maxIdx+1 {
		log.Printf("session %s: request %s: %d chunk gaps in stream", s.ID, requestID, maxIdx+1-len(indices))
	}
	var body []byte
	for _, i := range indices {
		body = append(body, w.chunks[i]...)
	}
	w.complete(Outcome{Status: w.status, Headers: w.headers, Body: body})
}

func (s *Session) deliverError(p *protocol.HTTPErrorPayload) {
	s.mu.Lock()
	w, ok := s.pending[p.RequestID]
	if ok {
		delete(s.pending, p.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		log.Printf("session %s: error for unknown request %s", s.ID, p.RequestID)
		return
	}
	code := p.Code
	if code == "" {
		code = protocol.CodeRequestFailed
	}
	w.complete(Outcome{Status: p.StatusCode, ErrCode: code, ErrMsg: p.Error})
}

// heartbeatLoop pings the agent on a fixed interval. A tick with no inbound
// frame since the previous tick counts as missed; two consecutive misses
// terminate the session.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.inboundSeen.Swap(false) {
				missed = 0
				s.healthy.Store(true)
			} else {
				missed++
				s.healthy.Store(false)
				if missed >= 2 {
					log.Printf("session %s: heartbeat timeout", s.ID)
					s.Close("heartbeat timeout")
					return
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.Send(ctx, protocol.TypePing, protocol.PingPayload{Timestamp: time.Now().UnixMilli()})
			cancel()
			if err != nil {
				return
			}
		}
	}
}
