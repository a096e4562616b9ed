// Package apierror defines the tagged error values returned by handlers and
// the single writer that turns them into HTTP responses.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// Kind classifies an error for the HTTP boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidRequest
	KindUnsupportedGrantType
	KindUnauthenticated
	KindInvalidClient
	KindUnauthorizedClient
	KindAccessDenied
	KindForbidden
	KindNotFound
	KindMethodNotAllowed
	KindConflict
	KindUnavailable
	KindTooManyRequests
)

// Status maps a kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindInvalidRequest, KindUnsupportedGrantType:
		return http.StatusBadRequest
	case KindUnauthenticated, KindInvalidClient:
		return http.StatusUnauthorized
	case KindUnauthorizedClient, KindAccessDenied, KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a failure that knows how it should be rendered.
//
// When Code is set the body is the OAuth2 shape
// {"error": Code, "error_description": Description}; otherwise
// {"error": Description}. Fields are merged into the body. Challenges become
// WWW-Authenticate headers, in order. Headers are copied verbatim.
type Error struct {
	Kind        Kind
	Code        string
	Description string
	Fields      map[string]any
	Challenges  []string
	Headers     http.Header
	Err         error
}

func (e *Error) Error() string {
	msg := e.Description
	if e.Code != "" {
		msg = e.Code + ": " + e.Description
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// With returns a copy of e with an extra body field.
func (e *Error) With(key string, value any) *Error {
	c := *e
	c.Fields = make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	c.Fields[key] = value
	return &c
}

// WithChallenges returns a copy of e carrying the given WWW-Authenticate values.
func (e *Error) WithChallenges(challenges []string) *Error {
	c := *e
	c.Challenges = append([]string(nil), challenges...)
	return &c
}

// Body returns the JSON document rendered for e.
func (e *Error) Body() map[string]any {
	body := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		body[k] = v
	}
	if e.Code != "" {
		body["error"] = e.Code
		if e.Description != "" {
			body["error_description"] = e.Description
		}
	} else {
		body["error"] = e.Description
	}
	return body
}

// OAuth2 error codes
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidToken         = "invalid_token"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeAccessDenied         = "access_denied"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInvalidScope         = "invalid_scope"
)

func InvalidRequest(description string) *Error {
	return &Error{Kind: KindInvalidRequest, Code: CodeInvalidRequest, Description: description}
}

// BadRequest is a 400 without an OAuth2 error code, used by pages rendered
// for people rather than clients.
func BadRequest(description string) *Error {
	return &Error{Kind: KindInvalidRequest, Description: description}
}

func UnsupportedGrantType(description string) *Error {
	return &Error{Kind: KindUnsupportedGrantType, Code: CodeUnsupportedGrantType, Description: description}
}

func UnauthorizedClient(description string) *Error {
	return &Error{Kind: KindUnauthorizedClient, Code: CodeUnauthorizedClient, Description: description}
}

func AccessDenied(description string) *Error {
	return &Error{Kind: KindAccessDenied, Code: CodeAccessDenied, Description: description}
}

func InvalidToken(description string) *Error {
	return &Error{Kind: KindUnauthenticated, Code: CodeInvalidToken, Description: description}
}

// Unauthenticated is a 401 asking the client to authenticate with one of the
// offered challenges.
func Unauthenticated(challenges []string) *Error {
	return &Error{
		Kind:        KindUnauthenticated,
		Description: "You need to authenticate to access this resource.",
		Challenges:  append([]string(nil), challenges...),
	}
}

func Forbidden(description string) *Error {
	return &Error{Kind: KindForbidden, Description: description}
}

func NotFound(description string) *Error {
	return &Error{Kind: KindNotFound, Description: description}
}

func Conflict(description string) *Error {
	return &Error{Kind: KindConflict, Description: description}
}

// MethodNotAllowed carries the permitted methods in an Allow header.
func MethodNotAllowed(allowed []string) *Error {
	h := http.Header{}
	for _, m := range allowed {
		h.Add("Allow", m)
	}
	return &Error{Kind: KindMethodNotAllowed, Description: "Method not allowed.", Headers: h}
}

func Unavailable(description string, err error) *Error {
	return &Error{Kind: KindUnavailable, Description: description, Err: err}
}

// TooManyRequests tells the client to retry after the given number of seconds.
func TooManyRequests(retryAfter int) *Error {
	h := http.Header{}
	h.Set("Retry-After", strconv.Itoa(retryAfter))
	return &Error{Kind: KindTooManyRequests, Description: "Too many requests.", Headers: h}
}

// Internal wraps an unexpected failure. The cause is never rendered.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Description: "Internal server error.", Err: err}
}

// From converts any error into an *Error, treating untagged errors as internal.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}

// Write renders err as JSON. State, when non-empty, is echoed in the body as
// OAuth2 requires for authorization and token errors.
func Write(w http.ResponseWriter, err error, state string) {
	e := From(err)
	body := e.Body()
	if state != "" {
		body["state"] = state
	}

	h := w.Header()
	for k, vs := range e.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	for _, c := range e.Challenges {
		h.Add("WWW-Authenticate", c)
	}
	h.Set("Content-Type", "application/json")
	if e.Code != "" {
		h.Set("Cache-Control", "no-store")
		h.Set("Pragma", "no-cache")
	}
	w.WriteHeader(e.Kind.Status())
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		zap.L().Debug("write error body", zap.Error(encodeErr))
	}
}
