package middleware

import (
	"net/http"
	"net/netip"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// forwardingHeaders are the client address headers chi's RealIP believes.
var forwardingHeaders = []string{"True-Client-IP", "X-Real-IP", "X-Forwarded-For"}

// TrustedRealIP applies chi's RealIP to requests whose peer lies in one of
// trusted. Requests from anywhere else keep their socket address, and their
// forwarding headers are dropped so nothing downstream can read them.
func TrustedRealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		realIP := chimw.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if peerTrusted(r.RemoteAddr, trusted) {
				realIP.ServeHTTP(w, r)
				return
			}
			for _, name := range forwardingHeaders {
				r.Header.Del(name)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func peerTrusted(remoteAddr string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	var addr netip.Addr
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		addr = ap.Addr()
	} else if a, err := netip.ParseAddr(remoteAddr); err == nil {
		addr = a
	} else {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
