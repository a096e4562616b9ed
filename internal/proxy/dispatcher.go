// Package proxy forwards requests for registered APIs to their upstream
// services after enforcing each path rule's authorization requirements.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/repository"
	"github.com/ox-it/apiox-core/internal/services/authn"
	"github.com/ox-it/apiox-core/internal/services/scope"
	"github.com/ox-it/apiox-core/internal/telemetry"
)

const (
	tracerName = "apiox/proxy"

	// ChunkSize is the unit in which upstream bodies are relayed and flushed.
	ChunkSize = 4096

	// APIIDParam is the chi URL parameter naming the API.
	APIIDParam = "apiID"
)

// APISource looks up API definitions.
type APISource interface {
	Get(ctx context.Context, id string) (*models.API, error)
}

// Authorizer enforces route requirements against the request's token.
type Authorizer interface {
	Check(r *http.Request, req authn.Requirement) error
	Challenges() []string
}

// GroupChecker answers single group-membership questions.
type GroupChecker interface {
	IsMember(ctx context.Context, subject, group string) (bool, error)
}

// ErrorWriter renders a failed dispatch.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Options bounds upstream exchanges.
type Options struct {
	ConnectTimeout time.Duration
	Timeout        time.Duration
	RegexCacheSize int
}

// Dispatcher is the http.Handler mounted at /{apiID}/*.
type Dispatcher struct {
	apis     APISource
	authz    Authorizer
	groups   GroupChecker
	client   *http.Client
	timeout  time.Duration
	regexes  *lru.Cache[string, *regexp.Regexp]
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	writeErr ErrorWriter

	idMu    sync.Mutex
	entropy io.Reader
}

// NewDispatcher creates a dispatcher. groups may be nil, in which case
// routes requiring a group answer 503.
func NewDispatcher(apis APISource, authz Authorizer, groups GroupChecker, opts Options, logger *zap.Logger) (*Dispatcher, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RegexCacheSize <= 0 {
		opts.RegexCacheSize = 512
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	regexes, err := lru.New[string, *regexp.Regexp](opts.RegexCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create regex cache: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = opts.ConnectTimeout
	// Bodies are relayed as-is.
	transport.DisableCompression = true

	return &Dispatcher{
		apis:   apis,
		authz:  authz,
		groups: groups,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:  opts.Timeout,
		regexes:  regexes,
		logger:   logger.Named("proxy"),
		writeErr: func(w http.ResponseWriter, _ *http.Request, err error) { apierror.Write(w, err, "") },
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// WithMetrics records proxied requests and upstream latency.
func (d *Dispatcher) WithMetrics(m *telemetry.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithErrorWriter replaces the default JSON error rendering.
func (d *Dispatcher) WithErrorWriter(fn ErrorWriter) *Dispatcher {
	d.writeErr = fn
	return d
}

func (d *Dispatcher) requestID() string {
	d.idMu.Lock()
	defer d.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), d.entropy).String()
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apiID := chi.URLParam(r, APIIDParam)
	if err := d.Dispatch(w, r, apiID, Path(r)); err != nil {
		d.writeErr(w, r, err)
	}
}

// Dispatch forwards r to the API apiID, where path is the request path below
// the API segment. A returned error has not been written to w.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, apiID, path string) error {
	ctx, span := telemetry.StartSpan(r.Context(), tracerName, "proxy.Dispatch",
		attribute.String(telemetry.AttrAPIID, apiID),
	)
	defer span.End()
	r = r.WithContext(ctx)

	api, err := d.apis.Get(ctx, apiID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !api.Available) {
		return apierror.NotFound("No such API.")
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return apierror.Internal(err)
	}

	rt, ok := d.match(api, path)
	if !ok {
		return apierror.NotFound("No matching path.")
	}
	if !rt.available {
		return apierror.Unavailable("This API path is currently unavailable.", nil)
	}
	if !rt.allows(r.Method) {
		return apierror.MethodNotAllowed(rt.allowHeader())
	}
	if err := d.authz.Check(r, rt.require); err != nil {
		return err
	}
	tok, _ := auth.GetToken(ctx)
	if err := d.checkGroup(ctx, r, tok, rt.group); err != nil {
		return err
	}

	target, err := d.upstreamURL(api, rt, path, r.URL.RawQuery)
	if err != nil {
		telemetry.RecordError(span, err)
		return apierror.Internal(err)
	}
	span.SetAttributes(attribute.String(telemetry.AttrUpstreamURL, target.Redacted()))
	return d.forward(w, r, api.ID, target, tok)
}

func (d *Dispatcher) match(api *models.API, path string) (route, bool) {
	for i := range api.Paths {
		rule := &api.Paths[i]
		re, err := d.compile(rule.SourcePath)
		if err != nil {
			d.logger.Warn("skipping invalid source path",
				zap.String("api_id", api.ID), zap.String("source_path", rule.SourcePath), zap.Error(err))
			continue
		}
		// Source paths match from the start of the path, even unanchored.
		if m := re.FindStringSubmatchIndex(path); m != nil && m[0] == 0 {
			rt := effective(api, rule)
			rt.re, rt.match = re, m
			return rt, true
		}
	}
	return route{}, false
}

func (d *Dispatcher) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := d.regexes.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	d.regexes.Add(pattern, re)
	return re, nil
}

func (d *Dispatcher) checkGroup(ctx context.Context, r *http.Request, tok *models.Token, group string) error {
	if group == "" || tok == nil || r.Method == http.MethodOptions {
		return nil
	}
	if d.groups == nil {
		return apierror.Unavailable("Group membership is unavailable.", nil)
	}
	subject := tok.AccountID
	if tok.Account != nil {
		subject = scope.Subject(tok.Account)
	}
	member, err := d.groups.IsMember(ctx, subject, group)
	if err != nil {
		return apierror.Unavailable("Group membership is unavailable.", err)
	}
	if !member {
		return apierror.Forbidden(fmt.Sprintf("This requires membership of the %s group.", group))
	}
	return nil
}

func (d *Dispatcher) upstreamURL(api *models.API, rt route, path, rawQuery string) (*url.URL, error) {
	base, err := url.Parse(api.Base)
	if err != nil {
		return nil, fmt.Errorf("parse base of api %s: %w", api.ID, err)
	}
	ref, err := url.Parse(rt.targetPath(path))
	if err != nil {
		return nil, fmt.Errorf("parse target path: %w", err)
	}
	target := base.ResolveReference(ref)
	if q := stripCredentialParams(rawQuery); q != "" {
		if target.RawQuery != "" {
			target.RawQuery += "&" + q
		} else {
			target.RawQuery = q
		}
	}
	return target, nil
}

// stripCredentialParams drops credential parameters from a raw query string.
// The remaining pairs keep their order and encoding.
func stripCredentialParams(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0]
	for _, pair := range pairs {
		if pair == "" {
			continue
		}
		name, _, _ := strings.Cut(pair, "=")
		if unescaped, err := url.QueryUnescape(name); err == nil {
			name = unescaped
		}
		if isCredentialParam(name) {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

func isCredentialParam(name string) bool {
	for _, p := range credentialParams {
		if name == p {
			return true
		}
	}
	return false
}

func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, apiID string, target *url.URL, tok *models.Token) error {
	ctx, cancel := context.WithTimeout(r.Context(), d.timeout)
	defer cancel()

	requestID := d.requestID()
	var body io.Reader
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return apierror.Internal(err)
	}
	out.Header = upstreamHeaders(r, tok, requestID)
	out.ContentLength = r.ContentLength
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))

	log := d.logger.With(
		zap.String("api_id", apiID),
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("upstream", target.Redacted()),
	)

	started := time.Now()
	resp, err := d.client.Do(out)
	if err != nil {
		if r.Context().Err() != nil {
			log.Debug("client went away before upstream answered")
			return nil
		}
		log.Warn("upstream request failed", zap.Error(err))
		d.metrics.ProxyRequest(apiID, http.StatusServiceUnavailable, 0)
		return apierror.Unavailable("The upstream service is unavailable.", err)
	}
	defer resp.Body.Close()
	latency := time.Since(started)

	// An upstream 401 means the request needs credentials it did not carry.
	if resp.StatusCode == http.StatusUnauthorized {
		d.metrics.ProxyRequest(apiID, http.StatusUnauthorized, latency)
		return apierror.Unauthenticated(d.authz.Challenges())
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set(HeaderRequestID, requestID)
	w.WriteHeader(resp.StatusCode)
	d.metrics.ProxyRequest(apiID, resp.StatusCode, latency)

	n, err := relay(w, resp.Body)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("relaying upstream body aborted", zap.Int64("bytes", n), zap.Error(err))
		return nil
	}
	log.Debug("proxied",
		zap.Int("status", resp.StatusCode),
		zap.Int64("bytes", n),
		zap.Duration("upstream", latency),
	)
	return nil
}

// relay copies src to w in ChunkSize pieces, flushing after each.
func relay(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, ChunkSize)
	var total int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			written, err := w.Write(buf[:n])
			total += int64(written)
			if err != nil {
				return total, err
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return total, err
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}

// Path returns the request path below the API segment for a chi request.
func Path(r *http.Request) string {
	return "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
}
