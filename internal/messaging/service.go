// Package messaging defines the pluggable message channel abstraction and
// the inbound event loop that feeds the conversation pipeline.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/citabot/citabot/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size for inbound event channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel sends before an event
	// is dropped.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when an operation runs against a stopped service.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex strips every non-digit during canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction. Implementations
// wrap a concrete channel (WhatsApp via whatsmeow, Twilio's WhatsApp API)
// behind sending and inbound-event surfaces.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Each channel implements its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Events returns a channel of inbound message events.
	Events() <-chan models.InboundEvent
}
