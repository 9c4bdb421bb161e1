package httpapi

import (
	"fmt"
	"net"
	"net/http"
)

// acl is a deny-by-default remote-IP allowlist gating /debug/*: only an IP
// contained in at least one configured CIDR reaches the wrapped handler.
// An empty allowlist defaults to loopback-only rather than open access.
type acl struct {
	nets []*net.IPNet
}

func newACL(cidrs []string) (*acl, error) {
	if len(cidrs) == 0 {
		cidrs = []string{"127.0.0.1/32", "::1/128"}
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parsing debug allowlist CIDR %q: %w", c, err)
		}
		nets = append(nets, ipnet)
	}
	return &acl{nets: nets}, nil
}

// Middleware wraps next so a request is only served when its remote
// address is allowed.
func (a *acl) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.allowed(r.RemoteAddr) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *acl) allowed(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range a.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
