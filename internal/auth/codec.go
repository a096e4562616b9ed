package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

const (
	// TokenLength is the number of characters in every generated secret.
	TokenLength = 32

	tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateToken returns a fresh random secret over [a-zA-Z0-9].
func GenerateToken() (string, error) {
	const maxByte = 256 - (256 % len(tokenAlphabet))

	out := make([]byte, 0, TokenLength)
	buf := make([]byte, TokenLength*2)
	for len(out) < TokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			// Reject the tail of the byte range so every symbol is equally likely.
			if int(b) >= maxByte {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(out) == TokenLength {
				break
			}
		}
	}
	return string(out), nil
}

// MustGenerateToken is GenerateToken for callers with no error path.
func MustGenerateToken() string {
	tok, err := GenerateToken()
	if err != nil {
		panic(err)
	}
	return tok
}

// Codec hashes secrets with a deployment-wide salt.
type Codec struct {
	salt string
}

// NewCodec creates a codec using salt.
func NewCodec(salt string) *Codec {
	return &Codec{salt: salt}
}

// Hash returns hex(sha256(token || salt)).
func (c *Codec) Hash(token string) string {
	sum := sha256.Sum256([]byte(token + c.salt))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether token hashes to hash, in constant time.
func (c *Codec) Verify(token, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(c.Hash(token)), []byte(hash)) == 1
}

// Generate returns a new secret together with its hash.
func (c *Codec) Generate() (token, hash string, err error) {
	token, err = GenerateToken()
	if err != nil {
		return "", "", err
	}
	return token, c.Hash(token), nil
}

// Fingerprint shortens a stored hash for log lines. It never reveals the secret.
func Fingerprint(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return base58.Encode(sum[:8])
}
