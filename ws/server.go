// Package ws is the public construction facade: it re-exports the server and
// client configurations and builds the implementations behind the platnet
// interfaces.
package ws

import (
	"net/http"

	"github.com/luciancaetano/platnet"
	"github.com/luciancaetano/platnet/internal/websocket"
)

type ServerConfig = websocket.ServerConfig
type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnMessageFn = websocket.OnMessageFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnDisconnectFn

// NewServer creates a routing server from the config.
//
// Example:
//
//	cfg := ws.NewServerConfig("localhost", 18040)
//	cfg.OnMessage = func(msg *envelope.APIMessageBase, meta platnet.Metadata) {
//	    // inspect and optionally re-route via server.SendMessage
//	}
//	server, err := ws.NewServer(cfg)
func NewServer(cfg *ServerConfig) (platnet.MessageServer, error) {
	return websocket.NewServer(cfg)
}

// NewServerConfig returns a server config with the standard defaults:
// path /ws, the default api-key authenticator, default rate limiting, all
// logs enabled.
func NewServerConfig(host string, port int) *ServerConfig {
	return websocket.NewServerConfig(host, port)
}

// AllOrigins returns a checkOrigin function that allows all origins.
// Configure a real origin policy in production.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
