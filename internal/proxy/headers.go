package proxy

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/services/authn"
)

// Identity headers set on every proxied request.
const (
	HeaderClient      = "X-ApiOx-Client"
	HeaderScopes      = "X-ApiOx-Scopes"
	HeaderAccount     = "X-ApiOx-Account"
	HeaderAccountType = "X-ApiOx-Account-Type"
	HeaderUser        = "X-ApiOx-User"
	HeaderRequestID   = "X-ApiOx-Request-Id"
)

var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var discardRequest = []string{
	"Host",
	"Authorization",
	HeaderClient,
	HeaderScopes,
	HeaderAccount,
	HeaderAccountType,
	HeaderUser,
	HeaderRequestID,
	"X-Forwarded-For",
	authn.RemoteUserHeader,
	"Accept-Encoding",
	"Cookie",
}

var discardResponse = []string{
	"Content-Encoding",
	"Server",
	"Set-Cookie",
	"WWW-Authenticate",
}

// credentialParams never reach an upstream.
var credentialParams = []string{"bearer_token", "remote_user"}

func stripHeaders(h http.Header, names []string) {
	// Headers listed in Connection are hop-by-hop too.
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
	for _, name := range names {
		h.Del(name)
	}
}

// upstreamHeaders copies the inbound headers for forwarding, replacing any
// client-supplied identity with the authenticated token's.
func upstreamHeaders(r *http.Request, tok *models.Token, requestID string) http.Header {
	h := r.Header.Clone()
	stripHeaders(h, discardRequest)

	if tok != nil {
		h.Set(HeaderClient, tok.ClientID)
		h.Set(HeaderScopes, strings.Join(tok.Scopes, " "))
		h.Set(HeaderAccount, tok.AccountID)
		accountType := ""
		if tok.Account != nil {
			accountType = string(tok.Account.Type)
		}
		h.Set(HeaderAccountType, accountType)
		if tok.UserID != nil && accountType != string(models.PrincipalTypeProject) {
			h.Set(HeaderUser, strconv.FormatInt(*tok.UserID, 10))
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		h.Set("X-Forwarded-For", host)
	} else if r.RemoteAddr != "" {
		h.Set("X-Forwarded-For", r.RemoteAddr)
	}
	h.Set(HeaderRequestID, requestID)
	return h
}

func copyResponseHeaders(dst, src http.Header) {
	h := src.Clone()
	stripHeaders(h, discardResponse)
	for k, vs := range h {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
