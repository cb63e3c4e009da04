// Package connector implements the uniform HTTP client for pulling documents
// from a source connector endpoint with an incremental cursor.
//
// Contract (consumed): GET {url}/pull?since=<ISO-8601> returns
// {"documents": [...], "next_since": "..."}; GET {url}/health returns
// {"status": "ok"|"error"}.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/moolen/loom/internal/logging"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxRetries  = 3
	defaultBackoffBase = 250 * time.Millisecond
	defaultBackoffCap  = 4 * time.Second

	// bodyExcerptMax caps how much of an error response body is retained.
	bodyExcerptMax = 512
)

// Credential is the opaque auth material resolved from a source's auth_ref.
// Scheme selects how it is attached to requests.
type Credential struct {
	Scheme   string // "bearer", "basic" or "" (no auth)
	Token    string
	Username string
	Password string
}

// SourceError is a connector HTTP failure: a non-retryable 4xx, or a 5xx or
// network error that persisted through all retries. Status is 0 for network
// errors.
type SourceError struct {
	Status int
	Body   string
}

func (e *SourceError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("connector unreachable: %s", e.Body)
	}
	return fmt.Sprintf("connector returned status %d: %s", e.Status, e.Body)
}

// PullResponse is one connector pull result. Documents preserve the order the
// connector returned them.
type PullResponse struct {
	Documents []map[string]any `json:"documents"`
	NextSince string           `json:"next_since,omitempty"`
}

// HealthResponse is the connector health probe result.
type HealthResponse struct {
	Status string `json:"status"`
}

// Options tune the client; zero values select the defaults.
type Options struct {
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Client pulls documents from one connector endpoint.
type Client struct {
	baseURL    string
	credential Credential
	httpClient *http.Client
	maxRetries int
	base       time.Duration
	cap        time.Duration
	logger     *logging.Logger
}

// NewClient creates a connector client for the given base URL.
func NewClient(baseURL string, credential Credential, opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffCap == 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		httpClient: &http.Client{Timeout: opts.Timeout},
		maxRetries: opts.MaxRetries,
		base:       opts.BackoffBase,
		cap:        opts.BackoffCap,
		logger:     logging.GetLogger("connector"),
	}
}

// Pull fetches documents modified at or after the since cursor (opaque
// ISO-8601, empty for a full pull). 5xx and network errors are retried with
// exponential backoff; 4xx surfaces immediately as *SourceError.
func (c *Client) Pull(ctx context.Context, since string) (*PullResponse, error) {
	endpoint := c.baseURL + "/pull"
	if since != "" {
		endpoint += "?since=" + url.QueryEscape(since)
	}

	body, err := c.getWithRetry(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var resp PullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &SourceError{Status: 0, Body: fmt.Sprintf("invalid pull response: %v", err)}
	}
	return &resp, nil
}

// Health probes the connector's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	body, err := c.getWithRetry(ctx, c.baseURL+"/health")
	if err != nil {
		return err
	}

	var resp HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return &SourceError{Status: 0, Body: fmt.Sprintf("invalid health response: %v", err)}
	}
	if resp.Status != "ok" {
		return &SourceError{Status: 0, Body: fmt.Sprintf("connector reports status %q", resp.Status)}
	}
	return nil
}

// getWithRetry performs a GET with up to maxRetries retries on 5xx or network
// errors, backing off base·2^k capped at cap. Retries respect context
// cancellation.
func (c *Client) getWithRetry(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr *SourceError

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.base << (attempt - 1)
			if backoff > c.cap {
				backoff = c.cap
			}
			c.logger.Debug("retrying %s in %s (attempt %d/%d)", endpoint, backoff, attempt, c.maxRetries)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, status, err := c.get(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &SourceError{Status: 0, Body: err.Error()}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			return body, nil
		case status >= 500:
			lastErr = &SourceError{Status: status, Body: excerpt(body)}
			continue
		default:
			// 4xx is not retryable.
			return nil, &SourceError{Status: status, Body: excerpt(body)}
		}
	}

	return nil, lastErr
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	switch c.credential.Scheme {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+c.credential.Token)
	case "basic":
		req.SetBasicAuth(c.credential.Username, c.credential.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func excerpt(body []byte) string {
	s := string(body)
	if len(s) > bodyExcerptMax {
		return s[:bodyExcerptMax]
	}
	return s
}
