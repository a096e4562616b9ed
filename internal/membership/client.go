// Package membership queries the group membership service.
package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrUnavailable is returned when the service could not answer, after one retry.
var ErrUnavailable = errors.New("membership service unavailable")

type membershipRequest struct {
	Subjects []string `json:"subjects"`
	Groups   []string `json:"groups"`
}

type membershipResponse struct {
	Memberships map[string][]string `json:"memberships"`
}

// Client talks to the membership service over HTTP JSON:
//
//	POST {base}/memberships {"subjects": [...], "groups": [...]}
//	200 {"memberships": {"<subject>": ["<group>", ...]}}
type Client struct {
	base       string
	httpClient *http.Client
	logger     *zap.Logger
	retryDelay time.Duration
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:       strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("membership"),
		retryDelay: 100 * time.Millisecond,
	}
}

// MembersOf returns, per subject, which of groups it belongs to. Subjects in
// no group may be absent from the result.
func (c *Client) MembersOf(ctx context.Context, subjects, groups []string) (map[string][]string, error) {
	if len(subjects) == 0 || len(groups) == 0 {
		return map[string][]string{}, nil
	}
	body, err := json.Marshal(membershipRequest{Subjects: subjects, Groups: groups})
	if err != nil {
		return nil, fmt.Errorf("encode membership request: %w", err)
	}

	op := func() (map[string][]string, error) {
		return c.post(ctx, body)
	}
	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, _ time.Duration) {
			c.logger.Warn("membership query failed, retrying", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, nil
}

// IsMember reports whether subject belongs to group.
func (c *Client) IsMember(ctx context.Context, subject, group string) (bool, error) {
	result, err := c.MembersOf(ctx, []string{subject}, []string{group})
	if err != nil {
		return false, err
	}
	for _, g := range result[subject] {
		if g == group {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) post(ctx context.Context, body []byte) (map[string][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/memberships", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
		if resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var decoded membershipResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode membership response: %w", err)
	}
	if decoded.Memberships == nil {
		decoded.Memberships = map[string][]string{}
	}
	return decoded.Memberships, nil
}
