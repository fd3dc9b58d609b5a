package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/platnet"
	"github.com/luciancaetano/platnet/envelope"
)

// ClientConnConfig binds one outbound connection to a fixed
// (url, api_key, platform) triple and carries its reconnect, heartbeat and
// TLS knobs.
type ClientConnConfig struct {
	URL      string
	APIKey   string
	Platform string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration

	PingInterval time.Duration
	PingTimeout  time.Duration
	CloseTimeout time.Duration

	SSLEnabled       bool
	SSLVerify        bool
	SSLCACerts       string
	SSLCertFile      string
	SSLKeyFile       string
	SSLCheckHostname bool

	Header http.Header
}

func (cfg *ClientConnConfig) normalize() {
	if strings.HasPrefix(cfg.URL, "wss://") {
		cfg.SSLEnabled = true
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}
}

// backoffDelay returns the delay before reconnect attempt k (1-based):
// base doubled per prior attempt, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// connCallbacks is how a ClientConn surfaces traffic and lifecycle changes to
// its supervisor.
type connCallbacks struct {
	onMessage    func(msg *envelope.APIMessageBase, meta platnet.Metadata)
	onCustom     func(cm *envelope.CustomMessage, meta platnet.Metadata)
	onConnect    func(connectionID string)
	onDisconnect func(connectionID string, err error)
}

// ClientConn is a single supervised outbound WebSocket connection. It owns
// its reconnect schedule; the supervisor only ever asks it to connect,
// disconnect, or send.
type ClientConn struct {
	id        string
	cfg       ClientConnConfig
	dialer    *websocket.Dialer
	callbacks connCallbacks
	log       *zap.Logger

	state atomic.Int32

	mu         sync.Mutex
	conn       *websocket.Conn
	sessCancel context.CancelFunc
	lastErr    error

	writeMu sync.Mutex
}

// NewClientConn builds the connection in the Idle state. TLS credentials are
// loaded here, once; bad paths are construction errors.
func NewClientConn(id string, cfg ClientConnConfig, callbacks connCallbacks, log *zap.Logger) (*ClientConn, error) {
	cfg.normalize()

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if cfg.SSLEnabled {
		tlsCfg, err := clientTLSConfig(cfg.SSLVerify, cfg.SSLCACerts, cfg.SSLCertFile, cfg.SSLKeyFile, cfg.SSLCheckHostname)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	c := &ClientConn{
		id:        id,
		cfg:       cfg,
		dialer:    dialer,
		callbacks: callbacks,
		log:       log,
	}
	c.state.Store(int32(platnet.StateIdle))
	return c, nil
}

// ID returns the supervisor-assigned connection id.
func (c *ClientConn) ID() string {
	return c.id
}

// Config returns the connection's fixed coordinates and knobs.
func (c *ClientConn) Config() ClientConnConfig {
	return c.cfg
}

// State returns the current lifecycle state.
func (c *ClientConn) State() platnet.ConnState {
	return platnet.ConnState(c.state.Load())
}

func (c *ClientConn) setState(s platnet.ConnState) {
	c.state.Store(int32(s))
}

// LastError returns the most recent dial or transport error.
func (c *ClientConn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *ClientConn) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// Connect transitions Idle (or Stopped) to Connecting and starts the
// connection's run loop. Calling it while the loop is active is a no-op.
func (c *ClientConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.State() {
	case platnet.StateConnecting, platnet.StateConnected, platnet.StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.sessCancel = cancel
	c.setState(platnet.StateConnecting)
	c.mu.Unlock()

	go c.run(runCtx)
	return nil
}

// Disconnect cancels the run loop and closes the socket. The connection
// returns to Idle and keeps its configuration; Connect starts it again.
func (c *ClientConn) Disconnect() {
	c.mu.Lock()
	if c.sessCancel != nil {
		c.sessCancel()
		c.sessCancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.setState(platnet.StateIdle)
	c.mu.Unlock()

	if conn != nil {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// run dials, pumps, and reconnects until the session is cancelled, reconnects
// are exhausted, or auto-reconnect is off.
func (c *ClientConn) run(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.setLastErr(err)
			c.log.Warn("dial failed",
				zap.String("connection", c.id),
				zap.String("url", c.cfg.URL),
				zap.Error(err))
		} else {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.setState(platnet.StateConnected)
			attempts = 0
			c.callbacks.onConnect(c.id)

			readErr := c.readLoop(ctx, conn)

			c.mu.Lock()
			c.conn = nil
			c.lastErr = readErr
			c.mu.Unlock()
			c.callbacks.onDisconnect(c.id, readErr)
		}

		if ctx.Err() != nil {
			// Deliberate disconnect; state already set by Disconnect.
			return
		}
		if !c.cfg.AutoReconnect || attempts >= c.cfg.MaxReconnectAttempts {
			c.setState(platnet.StateStopped)
			return
		}

		attempts++
		c.setState(platnet.StateReconnecting)
		delay := backoffDelay(c.cfg.ReconnectDelay, c.cfg.MaxReconnectDelay, attempts)
		c.log.Info("reconnecting",
			zap.String("connection", c.id),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		c.setState(platnet.StateConnecting)
	}
}

// dial opens the socket with the connection's credentials in the query
// string and headers.
func (c *ClientConn) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set(platnet.MetaQueryAPIKey, c.cfg.APIKey)
	q.Set(platnet.MetaQueryPlatform, c.cfg.Platform)
	u.RawQuery = q.Encode()

	header := http.Header{}
	for k, vs := range c.cfg.Header {
		header[k] = vs
	}
	header.Set(platnet.MetaHeaderAPIKey, c.cfg.APIKey)
	header.Set(platnet.MetaHeaderPlatform, c.cfg.Platform)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// readLoop pumps frames until the socket fails, keeping the heartbeat going
// in a side goroutine. It returns the terminal read error. Session
// cancellation closes the socket so the blocking read always unwinds.
func (c *ClientConn) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	conn.SetReadLimit(envelope.MaxFrameSize)
	readDeadline := c.cfg.PingInterval + c.cfg.PingTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go c.heartbeat(conn, heartbeatDone)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

		if msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

// heartbeat sends pings every PingInterval. A missed pong surfaces as a read
// deadline error in the read loop, which triggers the reconnect path.
func (c *ClientConn) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.PingTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *ClientConn) handleFrame(data []byte) {
	kind, err := envelope.Classify(data)
	if err != nil {
		c.log.Warn(platnet.ErrMalformedFrame, zap.String("connection", c.id), zap.Error(err))
		return
	}

	meta := platnet.Metadata{
		APIKey:   c.cfg.APIKey,
		Platform: c.cfg.Platform,
		UUID:     c.id,
	}

	switch kind {
	case envelope.KindStandard:
		msg, err := envelope.Decode(data)
		if err != nil {
			c.log.Warn(platnet.ErrMalformedFrame, zap.String("connection", c.id), zap.Error(err))
			return
		}
		c.callbacks.onMessage(msg, meta)

	case envelope.KindCustom:
		cm, err := envelope.DecodeCustom(data)
		if err != nil {
			c.log.Warn(platnet.ErrMalformedFrame, zap.String("connection", c.id), zap.Error(err))
			return
		}
		c.callbacks.onCustom(cm, meta)
	}
}

// Send writes one frame on the socket. Only a Connected connection accepts
// sends; writes are serialized per connection.
func (c *ClientConn) Send(ctx context.Context, frame []byte) error {
	if c.State() != platnet.StateConnected {
		return fmt.Errorf(platnet.ErrConnectionClosed)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf(platnet.ErrConnectionClosed)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}
