package platnet

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/luciancaetano/platnet/envelope"
)

// Metadata is the connect-time view of a connection: the credentials and
// transport details captured during the WebSocket handshake. It is handed to
// the authenticator hooks and to every connection-scoped callback.
type Metadata struct {
	// APIKey is the credential presented at connect time, taken from the
	// api_key query parameter or the x-apikey header.
	APIKey string
	// Platform is the logical platform tag presented at connect time.
	Platform string
	// UUID is the server-minted connection identifier. On the client side it
	// carries the supervisor-assigned connection id instead.
	UUID string
	// RemoteAddr is the peer's network address.
	RemoteAddr string
	// Header carries the full handshake headers for custom authenticators.
	Header http.Header
}

// CustomHandler processes a custom (non-envelope) message. The payload is the
// raw JSON of the frame's payload field; metadata describes the connection the
// frame arrived on. Handlers are dispatched by the frame's type tag and must
// not assume any delivery-status reporting.
type CustomHandler func(payload json.RawMessage, metadata Metadata)

// ConnState is the lifecycle state of a client-side connection.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ConnectionInfo describes one client-side connection.
type ConnectionInfo struct {
	ID       string
	URL      string
	APIKey   string
	Platform string
	State    ConnState
}

// ServerStats is a snapshot of the server's registry and traffic counters.
type ServerStats struct {
	Users       int
	Connections int

	AuthRequests            uint64
	AuthSuccesses           uint64
	AuthFailures            uint64
	MessagesProcessed       uint64
	CustomMessagesProcessed uint64
}

// MessageServer routes envelopes between connected endpoints.
//
// Connections are indexed by (user, platform, uuid): the user id is produced
// by the configured extractor from the connect-time api key, the platform is
// the tag presented at connect time, and the uuid is minted per connection.
// SendMessage targets the subset of live connections matching the envelope's
// routing dimensions; delivery is best-effort and in-memory.
//
// Example usage:
//
//	import "github.com/luciancaetano/platnet/ws"
//
//	server, err := ws.NewServer(ws.NewServerConfig("localhost", 18040))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Start(ctx)
//
//	results := server.SendMessage(ctx, msg) // msg.MessageDim names the recipient
type MessageServer interface {
	// Start begins listening for connections. It returns once the listener is
	// up, or an error if the server is already running or the bind fails
	// (e.g. port in use). TLS credentials are loaded earlier, when the server
	// is constructed, so bad TLS paths fail there.
	Start(ctx context.Context) error

	// Stop shuts the server down: new connections and sends are refused,
	// every live connection is closed with close code 1001, and the listener
	// is shut down within the configured close timeout. Sends already in
	// progress are not waited for before the connections are closed.
	Stop(ctx context.Context) error

	// SendMessage routes an envelope to every live connection matching its
	// routing dimensions and returns per-uuid delivery results. The target
	// platform may be overridden without touching the envelope. An envelope
	// with empty dimensions, an unknown user, or no matching connection
	// yields an empty map; it is not an error.
	SendMessage(ctx context.Context, msg *envelope.APIMessageBase, platformOverride ...string) map[string]bool

	// SendCustomMessage sends a typed custom frame. An empty targetUser or
	// targetPlatform broadcasts across that dimension; both empty reaches
	// every connection.
	SendCustomMessage(ctx context.Context, messageType string, payload any, targetUser, targetPlatform string) map[string]bool

	// BroadcastMessage fans the envelope out to every live connection,
	// optionally filtered by platform, independent of the envelope's
	// routing dimensions.
	BroadcastMessage(ctx context.Context, msg *envelope.APIMessageBase, platform ...string) map[string]bool

	// RegisterCustomHandler installs the handler dispatched for incoming
	// custom frames with the given type tag. Re-registering replaces the
	// previous handler.
	RegisterCustomHandler(messageType string, handler CustomHandler)

	// UnregisterCustomHandler removes the handler for the given type tag.
	UnregisterCustomHandler(messageType string)

	// Stats returns a snapshot of registry and traffic counters.
	Stats() ServerStats
}

// MessageClient supervises a pool of outbound connections, each bound to a
// fixed (url, api_key, platform) triple, and dispatches outgoing envelopes
// onto the best-matching live connection.
//
// Example usage:
//
//	client := ws.NewClient(ws.NewClientConfig())
//	client.Start(ctx)
//	id, _ := client.AddConnection("ws://localhost:18040/ws", "kA", "wechat")
//	client.ConnectTo(ctx, id)
//	ok := client.SendMessage(ctx, msg)
type MessageClient interface {
	// Start makes the client operational. Connections added before Start are
	// kept but not dialed until ConnectTo.
	Start(ctx context.Context) error

	// Stop cancels every reconnect timer and read loop, then closes all
	// connections.
	Stop(ctx context.Context) error

	// AddConnection registers a new connection bound to the given coordinates
	// and returns its generated connection id. The connection starts Idle.
	AddConnection(url, apiKey, platform string) (string, error)

	// ConnectTo dials the identified connection (Idle -> Connecting).
	ConnectTo(ctx context.Context, connectionID string) error

	// Disconnect closes the identified connection without removing it.
	Disconnect(connectionID string) error

	// RemoveConnection closes and permanently removes the identified
	// connection.
	RemoveConnection(connectionID string) error

	// GetConnections lists every connection with its current state.
	GetConnections() []ConnectionInfo

	// GetActiveConnections lists only connections currently Connected.
	GetActiveConnections() []ConnectionInfo

	// SendMessage selects one Connected connection for the envelope's routing
	// dimensions — exact match first, then api-key match, then platform
	// match, earliest-added winning ties — and sends on it. Returns false
	// when no connection matches or the write fails; there is no automatic
	// retry on another connection.
	SendMessage(ctx context.Context, msg *envelope.APIMessageBase) bool

	// SendCustomMessage sends a typed custom frame on the earliest-added
	// Connected connection.
	SendCustomMessage(ctx context.Context, messageType string, payload any) bool

	// RegisterCustomHandler installs the handler dispatched for incoming
	// custom frames with the given type tag.
	RegisterCustomHandler(messageType string, handler CustomHandler)

	// UnregisterCustomHandler removes the handler for the given type tag.
	UnregisterCustomHandler(messageType string)
}
