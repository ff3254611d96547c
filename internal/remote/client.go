// Package remote talks to the hosted, owner-scoped data API that mirrors the
// local cache.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"
)

// Model names understood by the data API.
const (
	ModelTasks      = "tasks"
	ModelMilestones = "milestones"
	ModelSettings   = "settings"
)

var (
	// ErrTokenExpired is returned before any request once the token's exp
	// claim has passed.
	ErrTokenExpired = errors.New("remote token expired")
	ErrNotFound     = errors.New("remote record not found")
	ErrUnauthorized = errors.New("remote rejected credentials")
)

// StatusError is an unexpected HTTP status from the data API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// Client communicates with the data API over HTTP.
type Client struct {
	baseURL    string
	token      string
	owner      string
	expires    time.Time
	httpClient *http.Client
	now        func() time.Time
}

// New creates a Client for baseURL authenticated by the JWT token. The token
// is decoded without verification to learn the owner (sub) and expiry; the
// server remains the verifier.
func New(baseURL, token string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("remote base URL is empty")
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parsing remote token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("remote token has no sub claim")
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		owner:      claims.Subject,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
	if claims.ExpiresAt != nil {
		c.expires = claims.ExpiresAt.Time
	}
	return c, nil
}

// Owner returns the account the token is scoped to.
func (c *Client) Owner() string { return c.owner }

// Expired reports whether the token's exp claim has passed.
func (c *Client) Expired() bool {
	return !c.expires.IsZero() && c.now().After(c.expires)
}

// Health returns nil when GET /health answers 200.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probing remote: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Probe implements connectivity.Prober.
func (c *Client) Probe(ctx context.Context) error { return c.Health(ctx) }

type listResponse struct {
	Items []json.RawMessage `json:"items"`
}

func (c *Client) list(ctx context.Context, model string) ([]json.RawMessage, error) {
	var out listResponse
	if err := c.do(ctx, http.MethodGet, "/v1/"+model, nil, &out); err != nil {
		return nil, fmt.Errorf("listing %s: %w", model, err)
	}
	return out.Items, nil
}

func (c *Client) put(ctx context.Context, model, id string, body any) error {
	if err := c.do(ctx, http.MethodPut, "/v1/"+model+"/"+url.PathEscape(id), body, nil); err != nil {
		return fmt.Errorf("upserting %s/%s: %w", model, id, err)
	}
	return nil
}

func (c *Client) delete(ctx context.Context, model, id string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/"+model+"/"+url.PathEscape(id), nil, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting %s/%s: %w", model, id, err)
	}
	return nil
}

// Snapshot lists the given models in parallel and returns the raw records
// per model.
func (c *Client) Snapshot(ctx context.Context, models ...string) (map[string][]json.RawMessage, error) {
	results := make([][]json.RawMessage, len(models))

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range models {
		g.Go(func() error {
			items, err := c.list(gctx, m)
			if err != nil {
				return err
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]json.RawMessage, len(models))
	for i, m := range models {
		out[m] = results[i]
	}
	return out, nil
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.Expired() {
		return ErrTokenExpired
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	u := c.baseURL + path + "?owner=" + url.QueryEscape(c.owner)
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 300:
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
			return &StatusError{Code: resp.StatusCode, Message: eb.Error.Message}
		}
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
