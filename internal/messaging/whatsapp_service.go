package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service over the Whatsmeow-based client.
type WhatsAppService struct {
	sender   whatsapp.Sender
	waClient *whatsapp.Client // full client for event wiring, nil when mocked
	events   chan models.InboundEvent
	done     chan struct{}
}

// NewWhatsAppService wraps the given sender. When sender is a full
// *whatsapp.Client, inbound events are wired through Events().
func NewWhatsAppService(sender whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		sender: sender,
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}
	if waClient, ok := sender.(*whatsapp.Client); ok {
		s.waClient = waClient
	} else {
		slog.Debug("WhatsAppService.NewWhatsAppService: interface sender, inbound events disabled")
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces a recipient to bare digits and
// checks it is long enough to be a phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
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

// SendMessage sends a message through the WhatsApp client.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.sender.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage failed", "to", canonical, "error", err)
		return err
	}
	slog.Debug("WhatsAppService.SendMessage: message sent", "to", canonical)
	return nil
}

// Start registers the inbound event handler when a full client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no full client, skipping event wiring")
		return nil
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	slog.Info("WhatsAppService.Start: inbound event handler registered")
	return nil
}

// Stop closes the event channel.
func (s *WhatsAppService) Stop() error {
	close(s.done)
	close(s.events)
	slog.Info("WhatsAppService.Stop: service stopped")
	return nil
}

// Events returns the inbound event channel.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.events
}

// handleIncomingMessage converts a WhatsApp text message into an inbound
// event. Non-text messages (images, audio, stickers) are skipped.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	default:
		slog.Debug("WhatsAppService.handleIncomingMessage: skipping non-text message", "from", evt.Info.Sender.String())
		return
	}

	event := models.InboundEvent{
		SenderID:          evt.Info.Sender.User,
		Text:              text,
		DisplayName:       evt.Info.PushName,
		ExternalMessageID: evt.Info.ID,
		TimestampEpochSec: evt.Info.Timestamp.Unix(),
	}

	select {
	case s.events <- event:
		slog.Debug("WhatsAppService.handleIncomingMessage: event forwarded", "senderID", event.SenderID, "externalMessageID", event.ExternalMessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService.handleIncomingMessage: event channel blocked, dropping message", "senderID", event.SenderID)
	}
}
