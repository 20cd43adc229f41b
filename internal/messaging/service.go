// Package messaging connects transports to the chat engine: it adapts WhatsApp and
// Twilio clients to one Service interface and filters inbound events before they reach
// the Chat Reply Engine.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/MediBot/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer for event and receipt channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long a producer waits on a full channel.
	DefaultChannelTimeout = 1 * time.Second
)

var (
	// ErrTransportNotReady is returned when sending before the transport signalled readiness.
	ErrTransportNotReady = errors.New("transport not ready")
	// ErrTransportSendError wraps any failure reported by the transport while sending.
	ErrTransportSendError = errors.New("transport send failed")
	// ErrServiceStopped is returned after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
)

// Service is a pluggable message transport.
type Service interface {
	// SendMessage delivers body to the conversation and returns the transport message id.
	SendMessage(ctx context.Context, to, body string) (string, error)

	// SendTypingIndicator shows or clears the typing state in the conversation.
	SendTypingIndicator(ctx context.Context, to string, typing bool) error

	// IsReady reports whether the transport can send.
	IsReady() bool

	// Start begins background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Events returns inbound message events.
	Events() <-chan models.InboundEvent

	// Receipts returns delivery receipts.
	Receipts() <-chan models.Receipt
}

// emit pushes v into ch, dropping it after DefaultChannelTimeout.
func emit[T any](ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-time.After(DefaultChannelTimeout):
		return false
	}
}
