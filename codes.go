package platnet

// Reserved discriminators for the wire protocol.
const (
	// TypeStandard is the type tag a peer may attach to standard envelopes.
	// A frame carrying a top-level message_dim is standard regardless of any
	// type tag; custom frames may use any other value.
	TypeStandard = "sys_std"
)

// WebSocket close codes used by the server and client.
const (
	CloseNormal          = 1000 // normal closure
	CloseGoingAway       = 1001 // server shutdown
	ClosePolicyViolation = 1008 // authentication failure or rate limit
	CloseInternalError   = 1011 // extractor or handler failure during accept
)

// Standard error messages
const (
	// Frame errors
	ErrMalformedFrame     = "malformed frame"
	ErrFrameTooLarge      = "frame exceeds maximum size"
	ErrUnknownMessageType = "unknown message type"

	// Routing errors
	ErrUnroutableMessage = "message is missing routing dimensions"
	ErrNoMatchingTarget  = "no matching connection for target"

	// Connection errors
	ErrConnectionClosed     = "connection is closed"
	ErrConnectionNotFound   = "connection not found"
	ErrContextCancelled     = "context cancelled"
	ErrServerAlreadyRunning = "server already running"
	ErrClientAlreadyRunning = "client already running"
	ErrShutdownInProgress   = "shutdown in progress"

	// Handshake errors
	ErrAuthFailed        = "authentication failed"
	ErrUserExtractFailed = "user extraction failed"
)

// Connection-time metadata keys. The api key is accepted from the query
// string or the MetaHeaderAPIKey header; the platform from the query string
// or the MetaHeaderPlatform header.
const (
	MetaQueryAPIKey    = "api_key"
	MetaQueryPlatform  = "platform"
	MetaHeaderAPIKey   = "x-apikey"
	MetaHeaderPlatform = "x-platform"
)
