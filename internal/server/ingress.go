package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/tunnelgate/tunnelgate/internal/protocol"
)

// tunnelHost extracts the tunnel subdomain from a request Host. Requests to
// the apex itself, to reserved labels, or with no subdomain at all belong to
// the management surface.
func (s *Server) tunnelHost(host string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	apex := strings.ToLower(s.Config.Domain.Apex)

	if host == apex {
		return "", false
	}
	suffix := "." + apex
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, suffix)
	// Nested labels (a.b.apex) route on the leftmost one.
	if i := strings.IndexByte(label, '.'); i >= 0 {
		label = label[:i]
	}
	if label == "" || s.Registry.Reserved(label) {
		return "", false
	}
	return label, true
}

// serveTunnel runs the public request through the access and rate-limit
// gates, then hands it to the forwarder.
func (s *Server) serveTunnel(w http.ResponseWriter, r *http.Request, subdomain string) {
	ip := remoteIP(r)
	if s.Access != nil {
		if v := s.Access.Admit(ip); !v.Allowed {
			writeError(w, http.StatusForbidden, protocol.CodeForbidden, v.Reason)
			return
		}
	}
	if s.Gate != nil {
		d := s.Gate.Admit(ip, subdomain)
		if d.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		}
		if !d.Allowed {
			retry := int(d.RetryAfter.Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "rate limit exceeded")
			return
		}
	}
	s.Forwarder.Forward(w, r, subdomain)
}
