// Package clientip resolves the client key every limiter is keyed by.
//
// Precedence: first entry of X-Forwarded-For, then X-Real-IP, then the
// raw remote address. Values are not validated; a malformed header is
// passed through as an opaque key.
package clientip

import (
	"net"
	"net/http"
	"strings"
)

const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
)

// HeaderGetter is the read side of http.Header.
type HeaderGetter interface {
	Get(key string) string
}

// Resolve returns the client key for the given headers and remote address.
func Resolve(h HeaderGetter, remoteAddr string) string {
	if h != nil {
		if xff := h.Get(HeaderForwardedFor); xff != "" {
			if i := strings.IndexByte(xff, ','); i >= 0 {
				xff = xff[:i]
			}
			return strings.TrimSpace(xff)
		}
		if xrip := h.Get(HeaderRealIP); xrip != "" {
			return xrip
		}
	}
	return remoteAddr
}

// FromRequest applies Resolve to r. The port is dropped from r.RemoteAddr
// so every connection from one host maps to the same key.
func FromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return Resolve(r.Header, hostOnly(r.RemoteAddr))
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
