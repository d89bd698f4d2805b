package audit

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the address recorded on an audit entry. Deployments sit
// behind a reverse proxy, so forwarding headers win over the socket peer;
// the first X-Forwarded-For hop is the original caller.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
