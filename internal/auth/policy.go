package auth

import (
	"net/http"
	"strings"
)

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole resolves required role for the request.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	method := r.Method

	switch {
	case path == "/command":
		return RoleOperator, true
	case strings.HasPrefix(path, "/command/"):
		if method == http.MethodGet {
			return RoleViewer, true
		}
		// manual retry
		return RoleOperator, true
	case strings.HasPrefix(path, "/device/"):
		if strings.HasSuffix(path, "/export") || strings.HasSuffix(path, "/report.pdf") {
			return RoleAdmin, true
		}
		return RoleViewer, true
	case path == "/system/overview":
		return RoleViewer, true
	case path == "/config/cache" && method == http.MethodDelete:
		return RoleAdmin, true
	case strings.HasPrefix(path, "/config/") && method == http.MethodDelete:
		return RoleAdmin, true
	case strings.HasPrefix(path, "/config/") && method == http.MethodPost:
		return RoleOperator, true
	case path == "/config" || strings.HasPrefix(path, "/config/"):
		return RoleViewer, true
	case path == "/sync/status":
		return RoleViewer, true
	case strings.HasPrefix(path, "/sync/"):
		return RoleOperator, true
	}

	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return RoleViewer, true
	}
	return RoleOperator, true
}
