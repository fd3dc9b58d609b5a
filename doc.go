// Package platnet provides a WebSocket message routing server and companion
// client library for delivering structured messages between identified
// endpoints across many logical platforms.
//
// The server accepts long-lived bidirectional connections from authenticated
// clients, indexes them by (user, platform, connection uuid), and routes each
// outbound envelope to the subset of live connections matching the envelope's
// routing dimensions. The client supervises a pool of outbound connections —
// each bound to a distinct (api_key, platform) pair — and dispatches outgoing
// envelopes onto the best-matching one.
//
// # Architecture
//
// Every routed message is an envelope with three parts: message_info
// (descriptive metadata), message_segment (the opaque payload), and
// message_dim (the routing dimensions: api_key and platform, naming the
// recipient). The server turns the api_key into a user id through a pluggable
// extractor and fans the envelope out to every connection registered under
// (user, platform). Non-envelope frames carry a top-level type tag and are
// dispatched through a custom handler table on both sides.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/platnet/ws"
//	)
//
//	// Server
//	cfg := ws.NewServerConfig("localhost", 18040)
//	cfg.OnMessage = func(msg *envelope.APIMessageBase, meta platnet.Metadata) {
//	    // application decides whether to re-route via server.SendMessage
//	}
//	server, err := ws.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Start(ctx)
//
//	// Client
//	client := ws.NewClient(ws.NewClientConfig())
//	client.Start(ctx)
//	id, _ := client.AddConnection("ws://localhost:18040/ws", "my-key", "wechat")
//	client.ConnectTo(ctx, id)
//
// # Wire Format
//
// One UTF-8 JSON document per WebSocket text frame. A frame with a top-level
// message_dim field is a standard envelope:
//
//	{
//	  "message_info":    {"platform": "...", "message_id": "...", "time": 0},
//	  "message_segment": {"type": "text", "data": "..."},
//	  "message_dim":     {"api_key": "...", "platform": "..."}
//	}
//
// A frame with a top-level type tag and no message_dim is a custom message:
//
//	{"type": "...", "payload": ..., "target_user": "...", "target_platform": "..."}
//
// Frames matching neither shape are logged and skipped; the connection stays
// open. Maximum frame size: 10MB.
//
// # Delivery Semantics
//
// Delivery is best-effort and in-memory. There is no persistent queue, no
// replay and no cross-server federation: if no matching connection exists the
// message is dropped with a negative result. Frames on a single socket arrive
// in order; fan-out across recipients is unordered.
//
// # Reconnection
//
// Client connections reconnect with exponential backoff: the delay starts at
// ReconnectDelay, doubles per failed attempt, and is capped at
// MaxReconnectDelay; after MaxReconnectAttempts the connection stops. A
// successful connect resets the schedule.
//
// # Rate Limiting
//
// Each server-side connection has independent token-bucket rate limiting:
//
//	// Default: 100 messages/second, burst 200
//	cfg.RateLimit = ws.DefaultRateLimitConfig()
//
//	// Disabled
//	cfg.RateLimit = ws.NoRateLimit()
//
// When the limit is exceeded the connection is closed with code 1008.
//
// # Security Features
//
//   - Pluggable connect-time authentication (close 1008 on rejection)
//   - Rate limiting per connection (prevents DoS)
//   - Maximum frame size: 10MB (prevents OOM)
//   - TLS with optional client-certificate verification
//   - Origin validation via CheckOriginFn
package platnet
