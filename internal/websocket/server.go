package websocket

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/platnet"
	"github.com/luciancaetano/platnet/auth"
	"github.com/luciancaetano/platnet/envelope"
	"github.com/luciancaetano/platnet/internal/registry"
	"github.com/luciancaetano/platnet/logger"
)

// CheckOriginFn validates the origin of a WebSocket connection request.
// Return true to allow the connection.
type CheckOriginFn = func(r *http.Request) bool

// OnMessageFn is called for every standard envelope received from a peer.
// The server does not auto-forward: the application decides whether to
// re-route the envelope via SendMessage.
type OnMessageFn = func(msg *envelope.APIMessageBase, metadata platnet.Metadata)

// OnConnectFn is called after a connection has authenticated and been
// registered, strictly before any OnMessage for that connection.
type OnConnectFn = func(connectionUUID string, metadata platnet.Metadata)

// OnDisconnectFn is called after a connection has been unregistered,
// strictly after its last OnMessage.
type OnDisconnectFn = func(connectionUUID string, metadata platnet.Metadata)

// ServerConfig configures the routing server.
type ServerConfig struct {
	Host string
	Port int
	Path string

	// TLS
	SSLEnabled  bool
	SSLCertFile string
	SSLKeyFile  string
	SSLCACerts  string
	SSLVerify   bool // require and verify client certificates

	// Callbacks. Nil OnMessage, OnConnect and OnDisconnect are skipped;
	// OnAuth and OnAuthExtractUser default to the api-key identity pair.
	OnAuth            auth.AuthFunc
	OnAuthExtractUser auth.ExtractUserFunc
	OnMessage         OnMessageFn
	OnConnect         OnConnectFn
	OnDisconnect      OnDisconnectFn

	CheckOrigin CheckOriginFn
	RateLimit   *RateLimitConfig

	// Observability
	Logger              *zap.Logger
	LogLevel            string
	EnableConnectionLog bool
	EnableMessageLog    bool
	EnableStats         bool

	// Shutdown drain bound.
	CloseTimeout time.Duration
}

// NewServerConfig returns a config with the standard defaults: path /ws,
// default authenticator, default rate limit, all logs enabled.
func NewServerConfig(host string, port int) *ServerConfig {
	return &ServerConfig{
		Host:                host,
		Port:                port,
		Path:                "/ws",
		EnableConnectionLog: true,
		EnableMessageLog:    true,
		EnableStats:         true,
	}
}

func (cfg *ServerConfig) normalize() {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 18000
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}
	if cfg.RateLimit == nil {
		cfg.RateLimit = DefaultRateLimitConfig()
	}
	if cfg.OnAuth == nil {
		cfg.OnAuth = auth.DefaultAuth
	}
	if cfg.OnAuthExtractUser == nil {
		cfg.OnAuthExtractUser = auth.DefaultExtractUser
	}
}

type serverCounters struct {
	authRequests  atomic.Uint64
	authSuccesses atomic.Uint64
	authFailures  atomic.Uint64
	messages      atomic.Uint64
	custom        atomic.Uint64
}

// Server implements the platnet.MessageServer interface.
type Server struct {
	cfg      ServerConfig
	log      *zap.Logger
	tlsCfg   *tls.Config
	upgrader websocket.Upgrader

	registry *registry.Registry
	handlers *handlerTable

	mu       sync.Mutex
	running  bool
	server   *http.Server
	listener net.Listener

	counters serverCounters
}

// NewServer builds a server from the config. TLS credentials are loaded here,
// once; bad certificate paths are construction errors.
func NewServer(cfg *ServerConfig) (*Server, error) {
	c := *cfg
	c.normalize()

	log := c.Logger
	if log == nil {
		log = logger.New(c.LogLevel)
	}

	var tlsCfg *tls.Config
	if c.SSLEnabled {
		var err error
		tlsCfg, err = serverTLSConfig(c.SSLCertFile, c.SSLKeyFile, c.SSLCACerts, c.SSLVerify)
		if err != nil {
			return nil, err
		}
	}

	return &Server{
		cfg:      c,
		log:      log,
		tlsCfg:   tlsCfg,
		registry: registry.New(),
		handlers: newHandlerTable(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     c.CheckOrigin,
		},
	}, nil
}

// Addr returns the listener address once the server has started. Useful when
// Port was 0 and the OS picked one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and begins accepting connections. Bind failures
// are returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf(platnet.ErrServerAlreadyRunning)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)

	s.server = &http.Server{Handler: mux}
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("server stopped", zap.Error(err))
		}
	}()

	s.log.Info("websocket server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", s.cfg.Path),
		zap.Bool("tls", s.tlsCfg != nil))
	return nil
}

// Stop shuts the server down: new handshakes and sends are refused, every
// live connection is closed with close code 1001, and the HTTP server is then
// shut down within CloseTimeout. Sends already writing to a connection are
// not waited for; one cut off by the close reports false for that uuid.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.CloseTimeout)
	defer cancel()

	for _, tgt := range s.registry.SnapshotAll() {
		if c, ok := tgt.Sender.(*Conn); ok {
			_ = c.CloseWithCode(drainCtx, platnet.CloseGoingAway, "server shutdown")
		}
		s.registry.Unregister(tgt.UUID)
	}

	if srv != nil {
		return srv.Shutdown(drainCtx)
	}
	return nil
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RegisterCustomHandler installs the handler for a custom message type.
func (s *Server) RegisterCustomHandler(messageType string, handler platnet.CustomHandler) {
	s.handlers.register(messageType, handler)
}

// UnregisterCustomHandler removes the handler for a custom message type.
func (s *Server) UnregisterCustomHandler(messageType string) {
	s.handlers.unregister(messageType)
}

// metadataFromRequest builds the connect-time metadata view. The api key is
// taken from the query string, falling back to the x-apikey header; the
// platform from the query string, falling back to x-platform.
func metadataFromRequest(r *http.Request) platnet.Metadata {
	query := r.URL.Query()
	apiKey := query.Get(platnet.MetaQueryAPIKey)
	if apiKey == "" {
		apiKey = r.Header.Get(platnet.MetaHeaderAPIKey)
	}
	platform := query.Get(platnet.MetaQueryPlatform)
	if platform == "" {
		platform = r.Header.Get(platnet.MetaHeaderPlatform)
	}
	return platnet.Metadata{
		APIKey:     apiKey,
		Platform:   platform,
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header.Clone(),
	}
}

// handleWebSocket runs the accept pipeline: metadata, auth, user extraction,
// registration, connect callback, read loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.isRunning() {
		http.Error(w, platnet.ErrShutdownInProgress, http.StatusServiceUnavailable)
		return
	}

	meta := metadataFromRequest(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	s.counters.authRequests.Add(1)

	if !s.cfg.OnAuth(meta) {
		s.counters.authFailures.Add(1)
		s.log.Warn("authentication failed",
			zap.String("remote", meta.RemoteAddr),
			zap.String("platform", meta.Platform))
		closeRaw(conn, platnet.ClosePolicyViolation, platnet.ErrAuthFailed)
		return
	}

	userID, err := s.cfg.OnAuthExtractUser(meta)
	if err != nil || userID == "" {
		s.counters.authFailures.Add(1)
		s.log.Error("user extraction failed", zap.String("remote", meta.RemoteAddr), zap.Error(err))
		closeRaw(conn, platnet.CloseInternalError, platnet.ErrUserExtractFailed)
		return
	}
	s.counters.authSuccesses.Add(1)

	connUUID := uuid.New().String()
	meta.UUID = connUUID

	c := NewConn(conn, connUUID, meta, s.cfg.RateLimit, s.log)
	rec := &registry.Record{
		UUID:          connUUID,
		UserID:        userID,
		Platform:      meta.Platform,
		APIKey:        meta.APIKey,
		RemoteAddr:    meta.RemoteAddr,
		EstablishedAt: time.Now(),
		Sender:        c,
	}
	if err := s.registry.Register(rec); err != nil {
		s.log.Error("registration failed", zap.String("uuid", connUUID), zap.Error(err))
		_ = c.CloseWithCode(context.Background(), platnet.CloseInternalError, err.Error())
		return
	}

	if s.cfg.EnableConnectionLog {
		s.log.Info("connection registered",
			zap.String("uuid", connUUID),
			zap.String("user", userID),
			zap.String("platform", meta.Platform),
			zap.String("remote", meta.RemoteAddr))
	}

	s.fireOnConnect(connUUID, meta)

	go s.readLoop(c)
}

// closeRaw rejects a freshly upgraded socket before a Conn wrapper exists.
func closeRaw(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// readLoop pumps frames off one connection until it closes or errors, then
// unregisters and fires the disconnect callback.
func (s *Server) readLoop(c *Conn) {
	defer func() {
		s.registry.Unregister(c.uuid)
		_ = c.Close(context.Background())
		if s.cfg.EnableConnectionLog {
			s.log.Info("connection closed", zap.String("uuid", c.uuid))
		}
		s.fireOnDisconnect(c.uuid, c.meta)
	}()

	c.conn.SetReadLimit(envelope.MaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read error", zap.String("uuid", c.uuid), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if !c.CheckRateLimit() {
			s.log.Warn("rate limit exceeded",
				zap.String("uuid", c.uuid),
				zap.String("remote", c.meta.RemoteAddr))
			_ = c.CloseWithCode(context.Background(), platnet.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			s.log.Debug("ignoring non-text frame", zap.String("uuid", c.uuid))
			continue
		}

		s.handleFrame(c, data)
	}
}

// handleFrame classifies one frame and dispatches it. Malformed frames are
// logged and skipped; the connection stays open.
func (s *Server) handleFrame(c *Conn, data []byte) {
	kind, err := envelope.Classify(data)
	if err != nil {
		s.log.Warn(platnet.ErrMalformedFrame, zap.String("uuid", c.uuid), zap.Error(err))
		return
	}

	switch kind {
	case envelope.KindStandard:
		msg, err := envelope.Decode(data)
		if err != nil {
			s.log.Warn(platnet.ErrMalformedFrame, zap.String("uuid", c.uuid), zap.Error(err))
			return
		}
		s.counters.messages.Add(1)
		if s.cfg.EnableMessageLog {
			s.log.Debug("envelope received",
				zap.String("uuid", c.uuid),
				zap.String("api_key", msg.GetAPIKey()),
				zap.String("platform", msg.GetPlatform()))
		}
		s.fireOnMessage(msg, c.meta)

	case envelope.KindCustom:
		cm, err := envelope.DecodeCustom(data)
		if err != nil {
			s.log.Warn(platnet.ErrMalformedFrame, zap.String("uuid", c.uuid), zap.Error(err))
			return
		}
		s.counters.custom.Add(1)
		// Handlers run off the read loop so a slow handler cannot stall the
		// connection.
		go s.handlers.dispatch(cm.Type, cm.Payload, c.meta, s.log)
	}
}

// SendMessage routes the envelope to every live connection matching its
// routing dimensions.
func (s *Server) SendMessage(ctx context.Context, msg *envelope.APIMessageBase, platformOverride ...string) map[string]bool {
	results := map[string]bool{}

	if !s.isRunning() {
		s.log.Warn(platnet.ErrShutdownInProgress)
		return results
	}

	apiKey := msg.GetAPIKey()
	platform := msg.GetPlatform()
	if len(platformOverride) > 0 && platformOverride[0] != "" {
		platform = platformOverride[0]
	}
	if apiKey == "" || platform == "" {
		s.log.Error(platnet.ErrUnroutableMessage,
			zap.String("api_key", apiKey),
			zap.String("platform", platform))
		return results
	}

	userID, err := s.cfg.OnAuthExtractUser(platnet.Metadata{APIKey: apiKey})
	if err != nil || userID == "" {
		s.log.Error(platnet.ErrUserExtractFailed, zap.String("api_key", apiKey), zap.Error(err))
		return results
	}

	targets := s.registry.Lookup(userID, platform)
	if len(targets) == 0 {
		s.log.Warn(platnet.ErrNoMatchingTarget,
			zap.String("user", userID),
			zap.String("platform", platform))
		return results
	}

	frame, err := envelope.Encode(msg)
	if err != nil {
		s.log.Error("encode failed", zap.Error(err))
		return results
	}

	return s.fanOut(ctx, targets, frame)
}

// SendCustomMessage sends a typed custom frame. Empty targets broadcast
// across the omitted dimension.
func (s *Server) SendCustomMessage(ctx context.Context, messageType string, payload any, targetUser, targetPlatform string) map[string]bool {
	results := map[string]bool{}

	if !s.isRunning() {
		s.log.Warn(platnet.ErrShutdownInProgress)
		return results
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("payload marshal failed", zap.String("type", messageType), zap.Error(err))
		return results
	}
	frame, err := envelope.EncodeCustom(&envelope.CustomMessage{
		Type:           messageType,
		Payload:        raw,
		TargetUser:     targetUser,
		TargetPlatform: targetPlatform,
	})
	if err != nil {
		s.log.Error("encode failed", zap.String("type", messageType), zap.Error(err))
		return results
	}

	var targets []registry.Target
	switch {
	case targetUser == "" && targetPlatform == "":
		targets = s.registry.SnapshotAll()
	case targetPlatform == "":
		targets = s.registry.LookupUser(targetUser)
	case targetUser == "":
		targets = s.registry.LookupPlatform(targetPlatform)
	default:
		for _, tgt := range s.registry.LookupUser(targetUser) {
			if tgt.Platform == targetPlatform {
				targets = append(targets, tgt)
			}
		}
	}
	if len(targets) == 0 {
		return results
	}

	return s.fanOut(ctx, targets, frame)
}

// BroadcastMessage fans the envelope out to every live connection, optionally
// filtered by platform, independent of the envelope's routing dimensions.
func (s *Server) BroadcastMessage(ctx context.Context, msg *envelope.APIMessageBase, platform ...string) map[string]bool {
	results := map[string]bool{}

	if !s.isRunning() {
		s.log.Warn(platnet.ErrShutdownInProgress)
		return results
	}

	frame, err := envelope.Encode(msg)
	if err != nil {
		s.log.Error("encode failed", zap.Error(err))
		return results
	}

	var targets []registry.Target
	if len(platform) > 0 && platform[0] != "" {
		targets = s.registry.LookupPlatform(platform[0])
	} else {
		targets = s.registry.SnapshotAll()
	}
	if len(targets) == 0 {
		return results
	}

	return s.fanOut(ctx, targets, frame)
}

// fanOut writes the frame to every target in parallel and collects per-uuid
// success. A failed write unregisters and closes that connection only.
func (s *Server) fanOut(ctx context.Context, targets []registry.Target, frame []byte) map[string]bool {
	results := make(map[string]bool, len(targets))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, tgt := range targets {
		wg.Add(1)
		go func(tgt registry.Target) {
			defer wg.Done()

			err := tgt.Sender.WriteFrame(ctx, frame)

			mu.Lock()
			results[tgt.UUID] = err == nil
			mu.Unlock()

			if err != nil {
				s.log.Warn("delivery failed", zap.String("uuid", tgt.UUID), zap.Error(err))
				s.registry.Unregister(tgt.UUID)
				if c, ok := tgt.Sender.(*Conn); ok {
					_ = c.Close(context.Background())
				}
			}
		}(tgt)
	}
	wg.Wait()

	return results
}

// Stats returns a snapshot of the registry and traffic counters.
func (s *Server) Stats() platnet.ServerStats {
	reg := s.registry.Stats()
	return platnet.ServerStats{
		Users:                   reg.Users,
		Connections:             reg.Connections,
		AuthRequests:            s.counters.authRequests.Load(),
		AuthSuccesses:           s.counters.authSuccesses.Load(),
		AuthFailures:            s.counters.authFailures.Load(),
		MessagesProcessed:       s.counters.messages.Load(),
		CustomMessagesProcessed: s.counters.custom.Load(),
	}
}

// fireOnConnect invokes the connect callback, isolating panics.
func (s *Server) fireOnConnect(connUUID string, meta platnet.Metadata) {
	defer s.recoverCallback("on_connect", connUUID)
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(connUUID, meta)
	}
}

func (s *Server) fireOnDisconnect(connUUID string, meta platnet.Metadata) {
	defer s.recoverCallback("on_disconnect", connUUID)
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(connUUID, meta)
	}
}

func (s *Server) fireOnMessage(msg *envelope.APIMessageBase, meta platnet.Metadata) {
	defer s.recoverCallback("on_message", meta.UUID)
	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(msg, meta)
	}
}

func (s *Server) recoverCallback(name, connUUID string) {
	if r := recover(); r != nil {
		s.log.Error("callback panicked",
			zap.String("callback", name),
			zap.String("uuid", connUUID),
			zap.Any("panic", r))
	}
}
