// Package graphql fetches single records from a GraphQL endpoint through a
// forward proxy and classifies the response for the retry state machine.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/JakeFAU/rangecrawler/internal/crawler"
)

const (
	maxResponseBody = 8 << 20

	msgNotFound        = "Not Found."
	msgTooManyRequests = "Too Many Requests."
)

// Config controls the request sent for each ID.
type Config struct {
	Endpoint  string
	Query     string
	Timeout   time.Duration
	UserAgent string
}

// Client implements crawler.Fetcher against a GraphQL API.
type Client struct {
	cfg Config

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// New builds a Client.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		transports: make(map[string]*http.Transport),
	}
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

type gqlError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Fetch posts the query for id through proxy. A nil error means the returned
// body is a record payload.
func (c *Client) Fetch(ctx context.Context, proxy crawler.Proxy, id int64) ([]byte, error) {
	payload, err := json.Marshal(request{
		Query:     c.cfg.Query,
		Variables: map[string]any{"id": id},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	client := &http.Client{Transport: c.transport(proxy), Timeout: c.cfg.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch id %d: %w", id, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", crawler.ErrTransport, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch id %d: %w", id, ctx.Err())
		}
		return nil, fmt.Errorf("%w: read body: %w", crawler.ErrTransport, err)
	}
	if err := Classify(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Classify maps an HTTP status and body onto the error taxonomy. The body's
// first GraphQL error wins over the HTTP status because upstream reports
// application failures inside the payload.
func Classify(status int, body []byte) error {
	var decoded response
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if status == http.StatusTooManyRequests {
			return crawler.ErrRateLimited
		}
		return fmt.Errorf("%w: response is not a JSON object (status %d)", crawler.ErrTransport, status)
	}
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		if status == http.StatusTooManyRequests {
			return crawler.ErrRateLimited
		}
		return fmt.Errorf("%w: malformed response (status %d): %w", crawler.ErrTransport, status, err)
	}
	if decoded.Errors != nil && len(decoded.Errors) == 0 {
		return fmt.Errorf("%w: empty errors array (status %d)", crawler.ErrTransport, status)
	}
	if len(decoded.Errors) > 0 {
		first := decoded.Errors[0]
		switch {
		case first.Message == msgNotFound || first.Status == http.StatusNotFound:
			return crawler.ErrNotFound
		case first.Message == msgTooManyRequests || first.Status == http.StatusTooManyRequests:
			return crawler.ErrRateLimited
		default:
			return &crawler.UpstreamError{Message: first.Message, Status: first.Status}
		}
	}
	switch {
	case status == http.StatusTooManyRequests:
		return crawler.ErrRateLimited
	case status < 200 || status >= 300:
		return fmt.Errorf("%w: unexpected status %d", crawler.ErrTransport, status)
	}
	return nil
}

// transport returns a pooled transport dialing through proxy.
func (c *Client) transport(proxy crawler.Proxy) *http.Transport {
	key := ""
	if proxy.URL != nil {
		key = proxy.URL.String()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr, ok := c.transports[key]; ok {
		return tr
	}
	tr := &http.Transport{
		Proxy:               http.ProxyURL(proxy.URL),
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	c.transports[key] = tr
	return tr
}

// Release closes idle connections held for proxy.
func (c *Client) Release(proxy crawler.Proxy) {
	if proxy.URL == nil {
		return
	}
	c.mu.Lock()
	tr, ok := c.transports[proxy.URL.String()]
	delete(c.transports, proxy.URL.String())
	c.mu.Unlock()
	if ok {
		tr.CloseIdleConnections()
	}
}
