package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/platnet"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingPeriod   = 54 * time.Second
)

// RateLimitConfig defines per-connection rate limiting for incoming frames.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many frames a connection can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Conn wraps one accepted server-side WebSocket connection. Application
// frames go through WriteFrame, which serializes writes with a per-connection
// lock; the keepalive goroutine uses control frames only, which gorilla
// allows concurrently with data writes.
type Conn struct {
	uuid string
	meta platnet.Metadata
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool

	rateLimiter *rate.Limiter
	log         *zap.Logger
}

// NewConn wraps an upgraded connection. The uuid is the identifier minted at
// accept time.
func NewConn(conn *websocket.Conn, uuid string, meta platnet.Metadata, rateLimitConfig *RateLimitConfig, log *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rateLimitConfig != nil && rateLimitConfig.Enabled {
		limiter = rate.NewLimiter(rateLimitConfig.MessagesPerSecond, rateLimitConfig.Burst)
	}

	c := &Conn{
		uuid:        uuid,
		meta:        meta,
		conn:        conn,
		ctx:         ctx,
		cancel:      cancel,
		rateLimiter: limiter,
		log:         log,
	}

	go c.keepalive()

	return c
}

// UUID returns the connection identifier minted at accept time.
func (c *Conn) UUID() string {
	return c.uuid
}

// Metadata returns the connect-time metadata.
func (c *Conn) Metadata() platnet.Metadata {
	return c.meta
}

// Context returns the connection's lifecycle context, cancelled on close.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// WriteFrame writes one text frame. The frame counts as delivered once the
// write returns, i.e. it has been handed to the OS. Fails fast when the
// connection is closed or closing.
func (c *Conn) WriteFrame(ctx context.Context, data []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf(platnet.ErrConnectionClosed)
	}
	c.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the connection with a normal-closure code.
func (c *Conn) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason.
func (c *Conn) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	return c.conn.Close()
}

// IsAlive returns true if the connection is still active.
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// CheckRateLimit reports whether another incoming frame is allowed.
func (c *Conn) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// keepalive pings the peer until the connection closes.
func (c *Conn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if c.log != nil {
					c.log.Debug("keepalive ping failed", zap.String("uuid", c.uuid), zap.Error(err))
				}
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
