// Package signaling implements the duplex control channel to the media relay.
// Requests are JSON-RPC 2.0 calls over a websocket, so concurrent requests are
// correlated by id and never resolve each other.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"
)

const (
	defaultDialTimeout         = 10 * time.Second
	defaultRequestTimeout      = 10 * time.Second
	defaultReconnectMaxElapsed = 30 * time.Second
)

// NotificationHandler receives relay-initiated notifications
type NotificationHandler func(method string, params json.RawMessage)

type Option func(*Channel)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

func WithHeader(h http.Header) Option {
	return func(c *Channel) { c.header = h }
}

// WithRequestTimeout bounds requests whose context carries no deadline. Zero disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Channel) { c.requestTimeout = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) { c.dialTimeout = d }
}

// WithReconnectMaxElapsed bounds the redial loop in Reset. Zero retries until ctx is done.
func WithReconnectMaxElapsed(d time.Duration) Option {
	return func(c *Channel) { c.reconnectMaxElapsed = d }
}

func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *Channel) { c.onNotify = h }
}

// Channel is a reconnectable JSON-RPC connection to the relay
type Channel struct {
	url                 string
	dialer              *websocket.Dialer
	header              http.Header
	logger              *zap.Logger
	dialTimeout         time.Duration
	requestTimeout      time.Duration
	reconnectMaxElapsed time.Duration
	onNotify            NotificationHandler

	mu     sync.Mutex
	conn   *jsonrpc2.Conn
	closed bool
}

// Dial connects to the relay at url
func Dial(ctx context.Context, url string, opts ...Option) (*Channel, error) {
	c := &Channel{
		url:                 url,
		dialer:              websocket.DefaultDialer,
		logger:              zap.L().Named("signaling"),
		dialTimeout:         defaultDialTimeout,
		requestTimeout:      defaultRequestTimeout,
		reconnectMaxElapsed: defaultReconnectMaxElapsed,
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func (c *Channel) dial(ctx context.Context) (*jsonrpc2.Conn, error) {
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (HTTP %d): %w", c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	// The connection outlives ctx, which only bounds the dial.
	conn := jsonrpc2.NewConn(context.Background(), jsonrpc2ws.NewObjectStream(ws), jsonrpc2.HandlerWithError(c.handle))
	c.logger.Info("Connected to relay", zap.String("url", c.url))
	return conn, nil
}

// handle serves requests and notifications initiated by the relay
func (c *Channel) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	if req.Notif {
		if c.onNotify != nil {
			var params json.RawMessage
			if req.Params != nil {
				params = *req.Params
			}
			c.onNotify(req.Method, params)
		} else {
			c.logger.Debug("Ignoring relay notification", zap.String("method", req.Method))
		}
		return nil, nil
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "client does not serve " + req.Method}
}

func (c *Channel) current() (*jsonrpc2.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return nil, ErrClosed
	}
	return c.conn, nil
}

// Request sends one request and decodes the reply into result, which may be nil
func (c *Channel) Request(ctx context.Context, method string, params, result interface{}) error {
	conn, err := c.current()
	if err != nil {
		return fmt.Errorf("signaling %s: %w", method, err)
	}

	if _, ok := ctx.Deadline(); !ok && c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	start := time.Now()
	err = conn.Call(ctx, method, params, result)
	c.logger.Debug("Request completed",
		zap.String("method", method),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return c.mapError(method, err)
}

func (c *Channel) mapError(method string, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return &Error{Method: method, Code: rpcErr.Code, Message: rpcErr.Message}
	}
	if errors.Is(err, jsonrpc2.ErrClosed) {
		return fmt.Errorf("signaling %s: %w", method, ErrClosed)
	}
	return fmt.Errorf("signaling %s: %w", method, err)
}

// Reset drops the current connection and dials a fresh one. Requests pending
// on the old connection fail with ErrClosed.
func (c *Channel) Reset(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.conn
	c.conn = nil
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
			c.logger.Warn("Error closing relay connection", zap.Error(err))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.reconnectMaxElapsed

	operation := func() error {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			conn.Close()
			return backoff.Permanent(ErrClosed)
		}
		c.conn = conn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Reconnect to relay failed, retrying",
			zap.Error(err),
			zap.Duration("retry_in", wait))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("failed to reconnect to relay: %w", err)
	}
	return nil
}

// DisconnectNotify is closed when the current connection drops
func (c *Channel) DisconnectNotify() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.conn.DisconnectNotify()
}

// Close shuts the channel down for good
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		return err
	}
	return nil
}
