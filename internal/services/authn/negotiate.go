package authn

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/db/models"
)

// SPNEGO response tokens, base64 encoded.
const (
	NegotiateAcceptCompleted = "oRQwEqADCgEAoQsGCSqGSIb3EgECAg=="
	NegotiateReject          = "oQcwBaADCgEC"
	NegotiateIncomplete      = "oRQwEqADCgEBoQsGCSqGSIb3EgECAg=="
)

// ErrContinueNeeded is returned by a SecurityContext that needs another
// round trip before it completes.
var ErrContinueNeeded = errors.New("security context continue needed")

// SecurityContext is one acceptor-side GSS-API security context.
type SecurityContext interface {
	// Accept consumes a client token. On completion it returns the
	// initiator's principal name; output is the token to send back.
	Accept(input []byte) (initiator string, output string, err error)
}

// ContextFactory creates a security context for a connection.
type ContextFactory func(connection string) SecurityContext

type connIDKey struct{}

var connCounter atomic.Uint64

// ConnContext tags ctx with an identifier unique to the connection. Install
// it as http.Server.ConnContext so security contexts follow connections
// rather than client addresses.
func ConnContext(ctx context.Context, _ net.Conn) context.Context {
	return context.WithValue(ctx, connIDKey{}, "conn-"+strconv.FormatUint(connCounter.Add(1), 10))
}

// connectionKey identifies the connection r arrived on, falling back to the
// peer address when the server did not install ConnContext.
func connectionKey(r *http.Request) string {
	if id, ok := r.Context().Value(connIDKey{}).(string); ok {
		return id
	}
	return r.RemoteAddr
}

// NegotiateOptions tunes the per-connection context cache.
type NegotiateOptions struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Negotiate authenticates SPNEGO (Kerberos) tokens. Security contexts are
// kept per connection; a context that fails is discarded and the token is
// retried once on a fresh one.
type Negotiate struct {
	newContext ContextFactory
	contexts   *expirable.LRU[string, SecurityContext]
	principals PrincipalFinder
	tokens     TokenAuthenticator
	logger     *zap.Logger
}

func NewNegotiate(factory ContextFactory, principals PrincipalFinder, tokens TokenAuthenticator, opts NegotiateOptions, logger *zap.Logger) *Negotiate {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Negotiate{
		newContext: factory,
		contexts:   expirable.NewLRU[string, SecurityContext](opts.CacheSize, nil, opts.CacheTTL),
		principals: principals,
		tokens:     tokens,
		logger:     logger.Named("negotiate"),
	}
}

func (n *Negotiate) Name() string { return "negotiate" }

func (n *Negotiate) Challenge() string { return "Negotiate" }

func (n *Negotiate) Authenticate(w http.ResponseWriter, r *http.Request) (*models.Token, error) {
	encoded, ok := credentials(r, "Negotiate")
	if !ok {
		return nil, nil
	}
	input, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		n.respond(w, NegotiateReject)
		return nil, apierror.Unauthenticated(nil)
	}

	initiator, output, err := n.accept(connectionKey(r), input)
	if output != "" {
		n.respond(w, output)
	}
	if err != nil {
		if output == "" {
			n.respond(w, NegotiateReject)
		}
		n.logger.Debug("negotiate failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return nil, apierror.Unauthenticated(nil)
	}
	return selfToken(r, n.principals, n.tokens, initiator)
}

func (n *Negotiate) accept(conn string, input []byte) (string, string, error) {
	sc, ok := n.contexts.Get(conn)
	if !ok {
		sc = n.newContext(conn)
		n.contexts.Add(conn, sc)
	}
	initiator, output, err := sc.Accept(input)
	if err != nil && !errors.Is(err, ErrContinueNeeded) {
		n.contexts.Remove(conn)
		sc = n.newContext(conn)
		n.contexts.Add(conn, sc)
		initiator, output, err = sc.Accept(input)
	}
	if err != nil {
		if !errors.Is(err, ErrContinueNeeded) {
			n.contexts.Remove(conn)
		}
		return "", output, err
	}
	// A completed context is not reused for the next request on the connection.
	n.contexts.Remove(conn)
	return initiator, output, nil
}

func (n *Negotiate) respond(w http.ResponseWriter, token string) {
	w.Header().Set("WWW-Authenticate", "Negotiate "+token)
}
