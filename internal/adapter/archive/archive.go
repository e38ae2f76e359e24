// Package archive talks to the external memory store that persists
// message content and lifecycle audit trails. It sits off the delivery
// correctness path: every failure here is logged and swallowed.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

// Store is the minimal memory-store capability the hub consumes.
type Store interface {
	Store(ctx context.Context, agentID string, record any, scope, kind string) (string, error)
	Search(ctx context.Context, query string, opts SearchOptions) ([]Record, error)
	Update(ctx context.Context, id string, record any, scope string) error
}

// SearchOptions narrows a search; zero values mean "no filter".
type SearchOptions struct {
	Scope string
	Limit int
	Since time.Time
}

// Record is one stored entry as returned by search.
type Record struct {
	ID      string          `json:"id"`
	AgentID string          `json:"agent_id"`
	Scope   string          `json:"scope"`
	Kind    string          `json:"kind"`
	Record  json.RawMessage `json:"record"`
	Created time.Time       `json:"created_at"`
}

// Client is the HTTP implementation, breaker-protected so a slow or dead
// archive cannot pile up goroutines behind it.
type Client struct {
	base    string
	httpCli *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ Store = (*Client)(nil)

func NewClient(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base:    base,
		httpCli: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "memory-store",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

type storeRequest struct {
	AgentID string `json:"agent_id"`
	Scope   string `json:"scope"`
	Kind    string `json:"kind"`
	Record  any    `json:"record"`
}

type storeResponse struct {
	ID string `json:"id"`
}

func (c *Client) Store(ctx context.Context, agentID string, record any, scope, kind string) (string, error) {
	body, err := json.Marshal(storeRequest{AgentID: agentID, Scope: scope, Kind: kind, Record: record})
	if err != nil {
		return "", fmt.Errorf("archive store: %w", err)
	}

	res, err := c.breaker.Execute(func() (any, error) {
		var out storeResponse
		if err := c.do(ctx, http.MethodPost, "/records", body, &out); err != nil {
			return nil, err
		}
		return out.ID, nil
	})
	if err != nil {
		return "", fmt.Errorf("archive store: %w", err)
	}
	return res.(string), nil
}

type searchResponse struct {
	Records []Record `json:"records"`
}

func (c *Client) Search(ctx context.Context, query string, opts SearchOptions) ([]Record, error) {
	q := url.Values{}
	q.Set("query", query)
	if opts.Scope != "" {
		q.Set("scope", opts.Scope)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}

	res, err := c.breaker.Execute(func() (any, error) {
		var out searchResponse
		if err := c.do(ctx, http.MethodGet, "/records?"+q.Encode(), nil, &out); err != nil {
			return nil, err
		}
		return out.Records, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive search: %w", err)
	}
	return res.([]Record), nil
}

type updateRequest struct {
	Scope  string `json:"scope"`
	Record any    `json:"record"`
}

func (c *Client) Update(ctx context.Context, id string, record any, scope string) error {
	body, err := json.Marshal(updateRequest{Scope: scope, Record: record})
	if err != nil {
		return fmt.Errorf("archive update: %w", err)
	}

	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.do(ctx, http.MethodPut, "/records/"+url.PathEscape(id), body, nil)
	})
	if err != nil {
		return fmt.Errorf("archive update: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
