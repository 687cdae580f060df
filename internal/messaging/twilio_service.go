package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio WhatsApp API. Inbound
// messages arrive through the webhook handler, which the API server mounts.
type TwilioService struct {
	client  twiliowhatsapp.Sender
	events  chan models.InboundEvent
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a TwilioService wrapping the given sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client: client,
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient reduces a recipient to bare digits and
// checks it is long enough to be a phone number. Twilio's "whatsapp:+NN"
// prefixes are stripped along the way.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short", canonical)
	}
	return canonical, nil
}

// Start is a no-op; Twilio delivers inbound messages via webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channel and marks the service stopped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.events)
	slog.Info("TwilioService.Stop: service stopped")
	return nil
}

// SendMessage sends a message via the Twilio API.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("TwilioService.SendMessage failed", "to", canonical, "error", err)
		return err
	}
	slog.Debug("TwilioService.SendMessage: message sent", "to", canonical)
	return nil
}

// Events returns the inbound event channel.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.events
}

// WebhookHandler handles inbound Twilio webhook requests, converting each
// form post into an inbound event.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	messageSID := r.FormValue("MessageSid")
	if from == "" || body == "" || messageSID == "" {
		slog.Warn("TwilioService.WebhookHandler: missing required fields", "from_set", from != "", "body_set", body != "", "sid_set", messageSID != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	event := models.InboundEvent{
		SenderID:          canonical,
		Text:              body,
		DisplayName:       r.FormValue("ProfileName"),
		ExternalMessageID: messageSID,
		TimestampEpochSec: time.Now().Unix(),
	}
	s.emit(event)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) emit(event models.InboundEvent) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService.emit: dropping inbound event, service stopped", "senderID", event.SenderID)
		return
	}

	select {
	case s.events <- event:
		slog.Debug("TwilioService.emit: event forwarded", "senderID", event.SenderID, "externalMessageID", event.ExternalMessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService.emit: event channel blocked, dropping message", "senderID", event.SenderID)
	}
}
