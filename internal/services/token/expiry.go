package token

import "time"

// DefaultLifetime is how long an access token lives before it must be
// refreshed, and the lifetime applied by DefaultExpiry.
const DefaultLifetime = 600 * time.Second

type expiryKind int

const (
	expiryNone expiryKind = iota
	expiryAfter
	expiryAt
)

// Expiry describes the hard ceiling of a new token.
type Expiry struct {
	kind  expiryKind
	after time.Duration
	at    time.Time
}

// NoExpiry leaves the token refreshable indefinitely.
func NoExpiry() Expiry { return Expiry{} }

// DefaultExpiry caps the token at DefaultLifetime from issue.
func DefaultExpiry() Expiry { return ExpireAfter(DefaultLifetime) }

// ExpireAfter caps the token at d from issue.
func ExpireAfter(d time.Duration) Expiry { return Expiry{kind: expiryAfter, after: d} }

// ExpireAt caps the token at an absolute instant. A nil instant means no expiry.
func ExpireAt(at *time.Time) Expiry {
	if at == nil {
		return NoExpiry()
	}
	return Expiry{kind: expiryAt, at: *at}
}

func (e Expiry) resolve(now time.Time) *time.Time {
	switch e.kind {
	case expiryAfter:
		at := now.Add(e.after)
		return &at
	case expiryAt:
		at := e.at
		return &at
	default:
		return nil
	}
}
