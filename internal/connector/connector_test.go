package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{
		Timeout:     2 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}
}

func TestPull(t *testing.T) {
	var gotSince atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pull", r.URL.Path)
		gotSince.Store(r.URL.Query().Get("since"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"documents": [{"id": "d1"}, {"id": "d2"}], "next_since": "2026-01-02T00:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Credential{}, fastOptions())
	resp, err := c.Pull(context.Background(), "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	assert.Equal(t, "2026-01-01T00:00:00Z", gotSince.Load())
	require.Len(t, resp.Documents, 2)
	assert.Equal(t, "d1", resp.Documents[0]["id"])
	assert.Equal(t, "2026-01-02T00:00:00Z", resp.NextSince)
}

func TestPullWithoutSinceOmitsParam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("since"))
		w.Write([]byte(`{"documents": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Credential{}, fastOptions())
	resp, err := c.Pull(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, resp.Documents)
}

func TestPullBearerAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		w.Write([]byte(`{"documents": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Credential{Scheme: "bearer", Token: "sekrit"}, fastOptions())
	_, err := c.Pull(context.Background(), "")
	require.NoError(t, err)
}

func TestPullBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bob", user)
		assert.Equal(t, "hunter2", pass)
		w.Write([]byte(`{"documents": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Credential{Scheme: "basic", Username: "bob", Password: "hunter2"}, fastOptions())
	_, err := c.Pull(context.Background(), "")
	require.NoError(t, err)
}

func TestPullRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"documents": [{"id": "d1"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Credential{}, fastOptions())
	resp, err := c.Pull(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, resp.Documents, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPullExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "still down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Credential{}, fastOptions())
	_, err := c.Pull(context.Background(), "")

	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, http.StatusInternalServerError, srcErr.Status)
	assert.Contains(t, srcErr.Body, "still down")
	// initial attempt + 3 retries
	assert.Equal(t, int32(4), calls.Load())
}

func TestPull4xxIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad cursor", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Credential{}, fastOptions())
	_, err := c.Pull(context.Background(), "garbage")

	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, http.StatusBadRequest, srcErr.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPullNetworkError(t *testing.T) {
	// Nothing listens here.
	c := NewClient("http://127.0.0.1:1", Credential{}, fastOptions())
	_, err := c.Pull(context.Background(), "")

	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, 0, srcErr.Status)
}

func TestPullContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(srv.URL, Credential{}, Options{
		Timeout: time.Second, MaxRetries: 3,
		BackoffBase: time.Hour, BackoffCap: time.Hour,
	})
	_, err := c.Pull(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"status": "ok"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Credential{}, fastOptions())
	assert.NoError(t, c.Health(context.Background()))
}

func TestHealthReportsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "error"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Credential{}, fastOptions())
	err := c.Health(context.Background())
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Contains(t, srcErr.Body, `"error"`)
}
