// Package connection accepts and multiplexes long-lived bidirectional
// streaming sessions, routing inbound messages to typed handlers and
// pushing outbound messages to connected clients.
package connection

import (
	"time"

	"github.com/google/uuid"
)

// Session is the transport a connection rides on. The manager only needs
// text frames plus metadata lookup at accept time; the websocket adapter
// in this package is the production implementation.
type Session interface {
	// ReceiveText blocks until the next inbound text frame arrives.
	ReceiveText() (string, error)

	// SendText writes one text frame.
	SendText(text string) error

	// Close terminates the session.
	Close() error

	// RemoteAddr returns the peer address.
	RemoteAddr() string

	// Header returns the named handshake header, or "".
	Header(name string) string
}

// Message is the tagged frame exchanged with clients.
type Message struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
	MessageID string         `json:"message_id"`
}

// ensureDefaults fills in the timestamp and message id when absent.
func (m *Message) ensureDefaults() {
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
}
