package ws

import (
	"fmt"

	"github.com/luciancaetano/platnet"
	"github.com/luciancaetano/platnet/internal/websocket"
)

type ClientConfig = websocket.ClientConfig
type ClientOnConnectFn = websocket.ClientOnConnectFn
type ClientOnDisconnectFn = websocket.ClientOnDisconnectFn

// NewClient creates a multi-connection client supervisor.
//
// Example:
//
//	client := ws.NewClient(ws.NewClientConfig())
//	client.Start(ctx)
//	id, _ := client.AddConnection("ws://localhost:18040/ws", "my-key", "wechat")
//	client.ConnectTo(ctx, id)
func NewClient(cfg *ClientConfig) platnet.MessageClient {
	return websocket.NewClient(cfg)
}

// NewClientConfig returns a client config with the standard defaults: auto
// reconnect on, certificate and hostname verification on, all logs enabled.
func NewClientConfig() *ClientConfig {
	return websocket.NewClientConfig()
}

// URL assembles a connection URL from host, port and path; ssl selects the
// wss scheme.
func URL(host string, port int, path string, ssl bool) string {
	scheme := "ws"
	if ssl {
		scheme = "wss"
	}
	if path == "" {
		path = "/ws"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, port, path)
}
