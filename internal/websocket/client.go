package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/platnet"
	"github.com/luciancaetano/platnet/envelope"
	"github.com/luciancaetano/platnet/logger"
)

// ClientOnConnectFn is called when a supervised connection reaches Connected.
type ClientOnConnectFn = func(connectionID string)

// ClientOnDisconnectFn is called when a supervised connection loses its
// socket; err is the error that ended the read loop. It is never nil: a
// close frame from the peer, clean or not, arrives as a close error.
type ClientOnDisconnectFn = func(connectionID string, err error)

// ClientConfig carries the supervisor-wide defaults applied to every added
// connection, plus the shared callbacks and logging knobs.
type ClientConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration

	PingInterval time.Duration
	PingTimeout  time.Duration
	CloseTimeout time.Duration

	SSLVerify        bool
	SSLCACerts       string
	SSLCertFile      string
	SSLKeyFile       string
	SSLCheckHostname bool

	Header http.Header

	OnMessage    OnMessageFn
	OnConnect    ClientOnConnectFn
	OnDisconnect ClientOnDisconnectFn

	Logger              *zap.Logger
	LogLevel            string
	EnableConnectionLog bool
	EnableMessageLog    bool
}

// NewClientConfig returns a config with the standard defaults: auto
// reconnect on, certificate and hostname verification on, all logs enabled.
func NewClientConfig() *ClientConfig {
	return &ClientConfig{
		AutoReconnect:       true,
		SSLVerify:           true,
		SSLCheckHostname:    true,
		EnableConnectionLog: true,
		EnableMessageLog:    true,
	}
}

// Client implements the platnet.MessageClient interface: a supervisor over a
// pool of outbound connections keyed by connection id, with insertion order
// retained for deterministic routing tie-breaks.
type Client struct {
	cfg      ClientConfig
	log      *zap.Logger
	handlers *handlerTable

	mu      sync.RWMutex
	running bool
	conns   map[string]*ClientConn
	order   []string
}

// NewClient builds an idle supervisor. Connections are added with
// AddConnection and dialed with ConnectTo.
func NewClient(cfg *ClientConfig) *Client {
	c := *cfg
	log := c.Logger
	if log == nil {
		log = logger.New(c.LogLevel)
	}
	return &Client{
		cfg:      c,
		log:      log,
		handlers: newHandlerTable(),
		conns:    make(map[string]*ClientConn),
	}
}

// Start makes the client operational.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf(platnet.ErrClientAlreadyRunning)
	}
	c.running = true
	return nil
}

// Stop cancels every reconnect timer and read loop, then closes all
// connections. Added connections survive a Stop/Start cycle.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	conns := make([]*ClientConn, 0, len(c.conns))
	for _, cc := range c.conns {
		conns = append(conns, cc)
	}
	c.mu.Unlock()

	for _, cc := range conns {
		cc.Disconnect()
	}
	return nil
}

// AddConnection registers a connection bound to (url, apiKey, platform) and
// returns its generated id. The connection starts Idle.
func (c *Client) AddConnection(rawURL, apiKey, platform string) (string, error) {
	cfg := ClientConnConfig{
		URL:      rawURL,
		APIKey:   apiKey,
		Platform: platform,

		AutoReconnect:        c.cfg.AutoReconnect,
		MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
		ReconnectDelay:       c.cfg.ReconnectDelay,
		MaxReconnectDelay:    c.cfg.MaxReconnectDelay,

		PingInterval: c.cfg.PingInterval,
		PingTimeout:  c.cfg.PingTimeout,
		CloseTimeout: c.cfg.CloseTimeout,

		SSLVerify:        c.cfg.SSLVerify,
		SSLCACerts:       c.cfg.SSLCACerts,
		SSLCertFile:      c.cfg.SSLCertFile,
		SSLKeyFile:       c.cfg.SSLKeyFile,
		SSLCheckHostname: c.cfg.SSLCheckHostname,

		Header: c.cfg.Header,
	}

	id := uuid.New().String()
	cc, err := NewClientConn(id, cfg, connCallbacks{
		onMessage:    c.fireOnMessage,
		onCustom:     c.dispatchCustom,
		onConnect:    c.fireOnConnect,
		onDisconnect: c.fireOnDisconnect,
	}, c.log)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.conns[id] = cc
	c.order = append(c.order, id)
	c.mu.Unlock()

	if c.cfg.EnableConnectionLog {
		c.log.Info("connection added",
			zap.String("connection", id),
			zap.String("url", rawURL),
			zap.String("platform", platform))
	}
	return id, nil
}

func (c *Client) get(connectionID string) (*ClientConn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cc, ok := c.conns[connectionID]
	if !ok {
		return nil, fmt.Errorf("%s: %s", platnet.ErrConnectionNotFound, connectionID)
	}
	return cc, nil
}

// ConnectTo dials the identified connection.
func (c *Client) ConnectTo(ctx context.Context, connectionID string) error {
	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()
	if !running {
		return fmt.Errorf(platnet.ErrShutdownInProgress)
	}

	cc, err := c.get(connectionID)
	if err != nil {
		return err
	}
	return cc.Connect(ctx)
}

// Disconnect closes the identified connection without removing it.
func (c *Client) Disconnect(connectionID string) error {
	cc, err := c.get(connectionID)
	if err != nil {
		return err
	}
	cc.Disconnect()
	return nil
}

// RemoveConnection closes and permanently removes the identified connection.
func (c *Client) RemoveConnection(connectionID string) error {
	c.mu.Lock()
	cc, ok := c.conns[connectionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%s: %s", platnet.ErrConnectionNotFound, connectionID)
	}
	delete(c.conns, connectionID)
	for i, id := range c.order {
		if id == connectionID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	cc.Disconnect()
	if c.cfg.EnableConnectionLog {
		c.log.Info("connection removed", zap.String("connection", connectionID))
	}
	return nil
}

// snapshot returns the supervised connections in insertion order.
func (c *Client) snapshot() []*ClientConn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ClientConn, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.conns[id])
	}
	return out
}

func info(cc *ClientConn) platnet.ConnectionInfo {
	cfg := cc.Config()
	return platnet.ConnectionInfo{
		ID:       cc.ID(),
		URL:      cfg.URL,
		APIKey:   cfg.APIKey,
		Platform: cfg.Platform,
		State:    cc.State(),
	}
}

// GetConnections lists every connection with its current state, in the order
// they were added.
func (c *Client) GetConnections() []platnet.ConnectionInfo {
	conns := c.snapshot()
	out := make([]platnet.ConnectionInfo, 0, len(conns))
	for _, cc := range conns {
		out = append(out, info(cc))
	}
	return out
}

// GetActiveConnections lists only connections currently Connected.
func (c *Client) GetActiveConnections() []platnet.ConnectionInfo {
	var out []platnet.ConnectionInfo
	for _, cc := range c.snapshot() {
		if cc.State() == platnet.StateConnected {
			out = append(out, info(cc))
		}
	}
	return out
}

// selectConnection picks the outbound connection for a target by strict
// priority: exact (api_key, platform) match, then api-key match, then
// platform match. Ties go to the earliest-added connection. The selection
// runs against a snapshot so it never races a concurrent remove.
func (c *Client) selectConnection(apiKey, platform string) *ClientConn {
	conns := c.snapshot()

	for _, cc := range conns {
		cfg := cc.Config()
		if cc.State() == platnet.StateConnected && cfg.APIKey == apiKey && cfg.Platform == platform {
			return cc
		}
	}
	for _, cc := range conns {
		if cc.State() == platnet.StateConnected && cc.Config().APIKey == apiKey {
			return cc
		}
	}
	for _, cc := range conns {
		if cc.State() == platnet.StateConnected && cc.Config().Platform == platform {
			return cc
		}
	}
	return nil
}

// SendMessage routes the envelope onto the best-matching Connected
// connection. A failed write returns false; the supervisor does not retry on
// another connection, since that could duplicate delivery.
func (c *Client) SendMessage(ctx context.Context, msg *envelope.APIMessageBase) bool {
	apiKey := msg.GetAPIKey()
	platform := msg.GetPlatform()
	if apiKey == "" || platform == "" {
		c.log.Error(platnet.ErrUnroutableMessage,
			zap.String("api_key", apiKey),
			zap.String("platform", platform))
		return false
	}

	target := c.selectConnection(apiKey, platform)
	if target == nil {
		c.log.Warn(platnet.ErrNoMatchingTarget,
			zap.String("api_key", apiKey),
			zap.String("platform", platform))
		return false
	}

	frame, err := envelope.Encode(msg)
	if err != nil {
		c.log.Error("encode failed", zap.Error(err))
		return false
	}

	if err := target.Send(ctx, frame); err != nil {
		c.log.Warn("send failed", zap.String("connection", target.ID()), zap.Error(err))
		return false
	}
	if c.cfg.EnableMessageLog {
		c.log.Debug("envelope sent",
			zap.String("connection", target.ID()),
			zap.String("api_key", apiKey),
			zap.String("platform", platform))
	}
	return true
}

// SendCustomMessage sends a typed custom frame on the earliest-added
// Connected connection.
func (c *Client) SendCustomMessage(ctx context.Context, messageType string, payload any) bool {
	var target *ClientConn
	for _, cc := range c.snapshot() {
		if cc.State() == platnet.StateConnected {
			target = cc
			break
		}
	}
	if target == nil {
		c.log.Warn(platnet.ErrNoMatchingTarget, zap.String("type", messageType))
		return false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("payload marshal failed", zap.String("type", messageType), zap.Error(err))
		return false
	}
	frame, err := envelope.EncodeCustom(&envelope.CustomMessage{Type: messageType, Payload: raw})
	if err != nil {
		c.log.Error("encode failed", zap.String("type", messageType), zap.Error(err))
		return false
	}

	if err := target.Send(ctx, frame); err != nil {
		c.log.Warn("send failed", zap.String("connection", target.ID()), zap.Error(err))
		return false
	}
	return true
}

// RegisterCustomHandler installs the handler for a custom message type.
func (c *Client) RegisterCustomHandler(messageType string, handler platnet.CustomHandler) {
	c.handlers.register(messageType, handler)
}

// UnregisterCustomHandler removes the handler for a custom message type.
func (c *Client) UnregisterCustomHandler(messageType string) {
	c.handlers.unregister(messageType)
}

func (c *Client) dispatchCustom(cm *envelope.CustomMessage, meta platnet.Metadata) {
	c.handlers.dispatch(cm.Type, cm.Payload, meta, c.log)
}

func (c *Client) fireOnMessage(msg *envelope.APIMessageBase, meta platnet.Metadata) {
	defer c.recoverCallback("on_message", meta.UUID)
	if c.cfg.EnableMessageLog {
		c.log.Debug("envelope received",
			zap.String("connection", meta.UUID),
			zap.String("platform", msg.MessageInfo.Platform))
	}
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(msg, meta)
	}
}

func (c *Client) fireOnConnect(connectionID string) {
	defer c.recoverCallback("on_connect", connectionID)
	if c.cfg.EnableConnectionLog {
		c.log.Info("connected", zap.String("connection", connectionID))
	}
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect(connectionID)
	}
}

func (c *Client) fireOnDisconnect(connectionID string, err error) {
	defer c.recoverCallback("on_disconnect", connectionID)
	if c.cfg.EnableConnectionLog {
		c.log.Info("disconnected", zap.String("connection", connectionID), zap.Error(err))
	}
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(connectionID, err)
	}
}

func (c *Client) recoverCallback(name, connectionID string) {
	if r := recover(); r != nil {
		c.log.Error("callback panicked",
			zap.String("callback", name),
			zap.String("connection", connectionID),
			zap.Any("panic", r))
	}
}
