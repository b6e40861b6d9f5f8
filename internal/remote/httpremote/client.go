// Package httpremote is a remote.Backend speaking JSON over HTTP, with the
// change feed delivered over a WebSocket.
//
// Routes, relative to the base URL:
//
//	GET    /resources/{name}?filter=f&eq=<json>&order=f&desc=1   query
//	POST   /resources/{name}                                     insert
//	PATCH  /resources/{name}/{id}                                update
//	DELETE /resources/{name}/{id}                                delete
//	GET    /feed/{name}  (WebSocket upgrade)                     change feed
//
// Network failures and 5xx/408/429 responses are transient; every other
// 4xx is a rejection. NewHandler serves the same routes over any
// remote.Backend.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
)

// DefaultTimeout bounds every request when no http.Client is supplied.
const DefaultTimeout = 10 * time.Second

// LinkObserver is told when the feed connection goes down (false) or is
// re-established (true).
type LinkObserver func(online bool)

// Client is an HTTP remote.Backend.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	logger     *slog.Logger
	observer   LinkObserver
	retryDelay time.Duration
	maxDelay   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithTimeout sets the request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.httpClient.Timeout = d
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// WithLinkObserver registers fn for feed connectivity changes.
func WithLinkObserver(fn LinkObserver) Option {
	return func(cl *Client) {
		cl.observer = fn
	}
}

// WithReconnectDelay sets the initial and maximum feed reconnect backoff.
func WithReconnectDelay(initial, max time.Duration) Option {
	return func(cl *Client) {
		cl.retryDelay = initial
		cl.maxDelay = max
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base:       u,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
		retryDelay: 500 * time.Millisecond,
		maxDelay:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the backend address.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Query fetches the rows matching q.
func (c *Client) Query(ctx context.Context, resource string, q record.Query) (record.Snapshot, error) {
	params := url.Values{}
	if q.Filter != nil && q.Filter.Field != "" {
		eq, err := json.Marshal(q.Filter.Value)
		if err != nil {
			return nil, remote.Rejected(resource, "query", fmt.Errorf("encode filter: %w", err))
		}
		params.Set("filter", q.Filter.Field)
		params.Set("eq", string(eq))
	}
	if q.Order != nil && q.Order.Field != "" {
		params.Set("order", q.Order.Field)
		if q.Order.Desc {
			params.Set("desc", "1")
		}
	}

	body, err := c.do(ctx, resource, "query", http.MethodGet, c.resourcePath(resource, ""), params, nil)
	if err != nil {
		return nil, err
	}
	rows, err := record.DecodeSnapshot(body)
	if err != nil {
		return nil, remote.Transient(resource, "query", err)
	}
	return rows, nil
}

// Insert posts payload and returns the stored row.
func (c *Client) Insert(ctx context.Context, resource string, payload record.Record) (record.Record, error) {
	body, err := c.do(ctx, resource, "insert", http.MethodPost, c.resourcePath(resource, ""), nil, payload)
	if err != nil {
		return nil, err
	}
	return decodeRow(resource, "insert", body)
}

// Update patches the row with id and returns it.
func (c *Client) Update(ctx context.Context, resource string, id record.ID, payload record.Record) (record.Record, error) {
	body, err := c.do(ctx, resource, "update", http.MethodPatch, c.resourcePath(resource, id), nil, payload)
	if err != nil {
		return nil, err
	}
	return decodeRow(resource, "update", body)
}

// Delete removes the row with id.
func (c *Client) Delete(ctx context.Context, resource string, id record.ID) error {
	_, err := c.do(ctx, resource, "delete", http.MethodDelete, c.resourcePath(resource, id), nil, nil)
	return err
}

func (c *Client) resourcePath(resource string, id record.ID) string {
	p := "/resources/" + url.PathEscape(resource)
	if id != "" {
		p += "/" + url.PathEscape(string(id))
	}
	return p
}

func (c *Client) do(ctx context.Context, resource, op, method, path string, params url.Values, payload record.Record) ([]byte, error) {
	u := *c.base
	u.Path += path
	u.RawQuery = params.Encode()

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, remote.Rejected(resource, op, fmt.Errorf("encode payload: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	c.logger.Debug("backend request",
		slog.String("method", method),
		slog.String("path", path),
	)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, remote.Rejected(resource, op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, remote.Transient(resource, op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, remote.Transient(resource, op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return nil, statusError(resource, op, resp.StatusCode, body)
	}
	return body, nil
}

// statusError classifies a non-2xx response.
func statusError(resource, op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var wire struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error != "" {
		msg = wire.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	code := remote.CodeRejected
	if status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		code = remote.CodeTransient
	}
	return &remote.Error{
		Code:     code,
		Resource: resource,
		Op:       op,
		Status:   status,
		Err:      errors.New(msg),
	}
}

func decodeRow(resource, op string, body []byte) (record.Record, error) {
	row, err := record.Decode(body)
	if err != nil {
		return nil, remote.Transient(resource, op, err)
	}
	return row, nil
}

func (c *Client) feedURL(resource string) string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/feed/" + url.PathEscape(resource)
	return u.String()
}

func (c *Client) notify(online bool) {
	if c.observer != nil {
		c.observer(online)
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.retryDelay
	for i := 0; i < attempt && d < c.maxDelay; i++ {
		d *= 2
	}
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}
