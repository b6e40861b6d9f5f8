package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/offsync/internal/remote"
)

// Subscribe opens the resource's change feed. The first connection must
// succeed; after that a dropped connection is redialled with exponential
// backoff until ctx is cancelled or the returned function is called. The
// link observer sees every drop and every recovery.
func (c *Client) Subscribe(ctx context.Context, resource string, handler remote.Handler) (func(), error) {
	conn, err := c.dial(ctx, resource)
	if err != nil {
		return nil, err
	}

	fctx, cancel := context.WithCancel(ctx)
	f := &feedConn{
		client:   c,
		resource: resource,
		handler:  handler,
		ctx:      fctx,
		cancel:   cancel,
		conn:     conn,
	}
	stop := context.AfterFunc(fctx, f.closeConn)
	go func() {
		defer stop()
		f.run()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			f.closeConn()
		})
	}, nil
}

func (c *Client) dial(ctx context.Context, resource string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.httpClient.Timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.feedURL(resource), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &remote.Error{Code: remote.CodeRejected, Resource: resource, Op: "subscribe", Status: resp.StatusCode, Err: err}
		}
		return nil, remote.Transient(resource, "subscribe", err)
	}
	return conn, nil
}

// feedConn owns one logical feed subscription across reconnects.
type feedConn struct {
	client   *Client
	resource string
	handler  remote.Handler
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (f *feedConn) run() {
	logger := f.client.logger.With("resource", f.resource)
	for {
		f.read()
		if f.ctx.Err() != nil {
			return
		}

		logger.Warn("change feed lost, reconnecting")
		f.client.notify(false)
		if !f.reconnect() {
			return
		}
		logger.Info("change feed restored")
		f.client.notify(true)
	}
}

// read delivers messages until the connection fails.
func (f *feedConn) read() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		ev, err := decodeEvent(msg)
		if err != nil {
			f.client.logger.Warn("dropping malformed feed message", "resource", f.resource, "error", err)
			continue
		}
		if ev.Resource == "" {
			ev.Resource = f.resource
		}
		if f.ctx.Err() != nil {
			return
		}
		f.handler(ev)
	}
}

// reconnect dials until it succeeds or the subscription ends.
func (f *feedConn) reconnect() bool {
	for attempt := 0; ; attempt++ {
		timer := time.NewTimer(f.client.backoff(attempt))
		select {
		case <-f.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		conn, err := f.client.dial(f.ctx, f.resource)
		if err != nil {
			f.client.logger.Debug("feed redial failed", "resource", f.resource, "attempt", attempt+1, "error", err)
			continue
		}

		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			_ = conn.Close()
			return false
		}
		f.conn = conn
		f.mu.Unlock()
		return true
	}
}

func (f *feedConn) closeConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}

func decodeEvent(msg []byte) (remote.Event, error) {
	var ev remote.Event
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	if !ev.Op.Valid() {
		return ev, fmt.Errorf("decode event: unknown op %q", ev.Op)
	}
	return ev, nil
}
