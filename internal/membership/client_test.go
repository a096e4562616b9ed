package membership

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_MembersOf(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/memberships", r.URL.Path)
		var req membershipRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"1001", "1002"}, req.Subjects)
		assert.Equal(t, []string{"editors", "readers"}, req.Groups)
		_ = json.NewEncoder(w).Encode(membershipResponse{Memberships: map[string][]string{
			"1001": {"editors"},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second, nil)
	got, err := c.MembersOf(context.Background(), []string{"1001", "1002"}, []string{"editors", "readers"})
	require.NoError(t, err)
	assert.Equal(t, []string{"editors"}, got["1001"])
	assert.Empty(t, got["1002"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_NoQueryWithoutGroups(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second, nil)
	got, err := c.MembersOf(context.Background(), []string{"1001"}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClient_RetriesOnce(t *testing.T) {
	t.Run("recovers after one server error", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"memberships":{"s":["g"]}}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, time.Second, nil)
		c.retryDelay = time.Millisecond
		ok, err := c.IsMember(context.Background(), "s", "g")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("gives up after the second failure", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, time.Second, nil)
		c.retryDelay = time.Millisecond
		_, err := c.MembersOf(context.Background(), []string{"s"}, []string{"g"})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, time.Second, nil)
		_, err := c.MembersOf(context.Background(), []string{"s"}, []string{"g"})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, int32(1), calls.Load())
	})
}
