package session

import (
	"context"
	"encoding/json"
)

// ConnectionState mirrors the transport provider's connection lifecycle.
type ConnectionState string

const (
	ConnStateConnecting ConnectionState = "connecting"
	ConnStateOpen       ConnectionState = "open"
	ConnStateClosed     ConnectionState = "closed"
)

// Transport status codes, as reported on closed connections. The default
// non-retryable set is {401, 403, 411, 440}; everything else is retried.
const (
	StatusLoggedOut          = 401
	StatusForbidden          = 403
	StatusConnectionLost     = 408
	StatusMultideviceBadPair = 411
	StatusConnectionClosed   = 428
	StatusSessionReplaced    = 440
	StatusBadSession         = 500
	StatusRestartRequired    = 515
)

// Event is a transport-emitted event. The concrete types below are the only
// implementations.
type Event interface {
	isEvent()
}

// QREvent carries a fresh pairing token value.
type QREvent struct {
	Value string
}

// ConnectionEvent signals a connection state change. StatusCode is meaningful
// only when State is closed.
type ConnectionEvent struct {
	State      ConnectionState
	StatusCode int
}

// CredentialsEvent carries updated session credentials to persist.
type CredentialsEvent struct {
	Credentials []byte
}

// MessageEvent carries an opaque message payload. The session manager never
// inspects it; payloads go straight to the configured sink.
type MessageEvent struct {
	Payload json.RawMessage
}

func (QREvent) isEvent()          {}
func (ConnectionEvent) isEvent()  {}
func (CredentialsEvent) isEvent() {}
func (MessageEvent) isEvent()     {}

// Transport is one live connection to the messaging platform for one agent.
// Implementations are supplied externally; the manager only drives the
// lifecycle and consumes events.
type Transport interface {
	// Connect starts the connection. Passing credentials attempts a resume;
	// nil credentials start a fresh QR pairing flow.
	Connect(ctx context.Context, credentials []byte) error
	// Logout invalidates the remote session. Best-effort.
	Logout(ctx context.Context) error
	// Close tears down the socket and stops the event stream.
	Close() error
	// Events yields transport events until Close. The channel is closed by
	// the transport when the connection is fully torn down.
	Events() <-chan Event
}

// Dialer produces a Transport per agent.
type Dialer interface {
	Dial(ctx context.Context, agentID string) (Transport, error)
}

// QRRefresher is an optional Transport capability: issuing a replacement
// pairing token on demand when the previous one expired unscanned.
type QRRefresher interface {
	RefreshQR(ctx context.Context) error
}

// MessageSink receives opaque message payloads from open sessions.
type MessageSink interface {
	HandleMessage(ctx context.Context, agentID string, payload json.RawMessage)
}
