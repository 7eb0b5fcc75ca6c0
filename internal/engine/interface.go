package engine

import (
	"context"
	"fmt"

	"github.com/talkincode/toughwa/internal/domain"
)

// UpdateKind tells what an Update carries.
type UpdateKind string

const (
	UpdateQR          UpdateKind = "qr"
	UpdateOpen        UpdateKind = "open"
	UpdateClose       UpdateKind = "close"
	UpdateCredentials UpdateKind = "credentials"
	UpdateMessage     UpdateKind = "message"
)

// CloseReason is the engine's classification of a closed connection.
type CloseReason string

const (
	ReasonUnauthorized   CloseReason = "unauthorized"
	ReasonDeviceRemoved  CloseReason = "device_removed"
	ReasonLoggedOut      CloseReason = "logged_out"
	ReasonStreamError    CloseReason = "stream_error"
	ReasonConnectionLost CloseReason = "connection_lost"
	ReasonOther          CloseReason = "other"
)

// CloseCause describes why a connection closed. Code is the raw
// protocol status code when the engine has one.
type CloseCause struct {
	Reason  CloseReason
	Code    int
	Message string
}

func (c CloseCause) String() string {
	if c.Message == "" {
		return fmt.Sprintf("%s(%d)", c.Reason, c.Code)
	}
	return fmt.Sprintf("%s(%d): %s", c.Reason, c.Code, c.Message)
}

// Update is one connection event reported by a Handle.
type Update struct {
	Kind        UpdateKind
	QR          string                 // UpdateQR
	Identity    string                 // UpdateOpen, resolved phone
	Cause       CloseCause             // UpdateClose
	Credentials []byte                 // UpdateCredentials, blob to persist
	Message     *domain.InboundMessage // UpdateMessage
}

// OpenRequest carries what the engine needs to start a connection.
// Credentials is nil for a fresh pairing.
type OpenRequest struct {
	InstanceID  string
	Credentials []byte
}

// Engine opens protocol connections.
type Engine interface {
	Open(ctx context.Context, req OpenRequest) (Handle, error)
}

// Handle is one live protocol connection. Updates are delivered one at a
// time on a single channel; the channel is closed after Close.
type Handle interface {
	// Updates returns the event stream of this connection
	Updates() <-chan Update

	// Send delivers content to the target and returns the engine message id
	Send(ctx context.Context, to, content, kind string) (string, error)

	// Close tears down the transport; calling it twice is safe
	Close() error
}
