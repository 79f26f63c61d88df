package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tunnelgate/tunnelgate/internal/protocol"
	"github.com/tunnelgate/tunnelgate/internal/tunnel"
	"nhooyr.io/websocket"
)

// handleConnect upgrades to a WebSocket and runs the control-channel
// handshake: the first frame must be TUNNEL_REGISTER, answered with
// TUNNEL_REGISTERED or a terminal ERROR.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if s.Access != nil {
		if v := s.Access.Admit(ip); !v.Allowed {
			writeError(w, http.StatusForbidden, protocol.CodeForbidden, v.Reason)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("control: websocket accept failed: %v", err)
		return
	}
	tr := tunnel.NewWebSocketTransport(conn)

	handshake := s.Config.Tunnel.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	hsCtx, cancel := context.WithTimeout(r.Context(), handshake)
	reg, err := s.readRegister(hsCtx, tr)
	cancel()
	if err != nil {
		sendError(tr, protocol.CodeInvalidMessage, err.Error())
		tr.Close("handshake failed")
		return
	}

	if s.Config.Tunnel.AuthToken != "" && reg.AuthToken != s.Config.Tunnel.AuthToken {
		if s.Access != nil {
			s.Access.RecordAuthFailure(ip)
		}
		sendError(tr, protocol.CodeUnauthorized, "invalid auth token")
		tr.Close("unauthorized")
		return
	}

	sess, err := s.Registry.Register(tunnel.RegisterRequest{
		Subdomain: reg.Subdomain,
		LocalPort: reg.LocalPort,
		Transport: tr,
	})
	if err != nil {
		code := protocol.CodeSubdomainTaken
		switch {
		case errors.Is(err, tunnel.ErrSubdomainInvalid):
			code = protocol.CodeSubdomainInvalid
		case errors.Is(err, tunnel.ErrGenerationFailed):
			code = protocol.CodeSubdomainGenerationFailed
		}
		sendError(tr, code, err.Error())
		tr.Close("registration rejected")
		return
	}

	ack := protocol.RegisteredPayload{
		TunnelID:  sess.ID,
		Subdomain: sess.Subdomain,
		PublicURL: s.Config.PublicURL(sess.Subdomain),
	}
	if err := sess.Send(r.Context(), protocol.TypeTunnelRegistered, ack); err != nil {
		log.Printf("control: failed to ack registration for %s: %v", sess.Subdomain, err)
		sess.Close("handshake failed")
		return
	}

	log.Printf("control: tunnel %s registered as %s from %s", sess.ID, sess.Subdomain, ip)
	sess.Start()

	select {
	case <-sess.Done():
	case <-r.Context().Done():
		sess.Close("Client disconnected")
	}
}

// readRegister reads frames until the registration arrives or the handshake
// deadline passes. PINGs before registration are tolerated and ignored.
func (s *Server) readRegister(ctx context.Context, tr tunnel.Transport) (*protocol.RegisterPayload, error) {
	for {
		data, err := tr.ReadMessage(ctx)
		if err != nil {
			return nil, errors.New("no registration received")
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			return nil, err
		}
		switch frame.Type {
		case protocol.TypeTunnelRegister:
			var reg protocol.RegisterPayload
			if err := frame.DecodePayload(&reg); err != nil {
				return nil, err
			}
			return &reg, nil
		case protocol.TypePing:
			continue
		default:
			return nil, errors.New("expected TUNNEL_REGISTER, got " + string(frame.Type))
		}
	}
}

func sendError(tr tunnel.Transport, code, msg string) {
	data, err := protocol.Encode(protocol.TypeError, protocol.ErrorPayload{Error: msg, Code: code})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr.WriteMessage(ctx, data)
}

func remoteIP(r *http.Request) string {
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
