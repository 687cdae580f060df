package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/ratelimit"
)

// DefaultDeferDelay is how long a rate-limited sender's message is pushed
// back before processing.
const DefaultDeferDelay = 30 * time.Second

// TurnQueue is the pipeline surface the event loop schedules turns on.
type TurnQueue interface {
	EnqueueTurn(event models.InboundEvent) error
	EnqueueTurnDelayed(event models.InboundEvent, delay time.Duration) error
}

// EventHandler consumes inbound events from a messaging service and
// schedules conversation turns. Rate-limited senders are deferred, not
// dropped.
type EventHandler struct {
	service    Service
	queue      TurnQueue
	limiter    *ratelimit.Limiter
	deferDelay time.Duration
}

// NewEventHandler creates an inbound event loop. limiter may be nil to
// disable rate limiting.
func NewEventHandler(service Service, queue TurnQueue, limiter *ratelimit.Limiter) *EventHandler {
	return &EventHandler{
		service:    service,
		queue:      queue,
		limiter:    limiter,
		deferDelay: DefaultDeferDelay,
	}
}

// Run consumes events until the context is cancelled or the service closes
// its event channel.
func (h *EventHandler) Run(ctx context.Context) {
	slog.Info("EventHandler.Run: starting inbound event loop")
	for {
		select {
		case <-ctx.Done():
			slog.Info("EventHandler.Run: stopping")
			return
		case event, ok := <-h.service.Events():
			if !ok {
				slog.Info("EventHandler.Run: event channel closed")
				return
			}
			h.handle(event)
		}
	}
}

func (h *EventHandler) handle(event models.InboundEvent) {
	if event.SenderID == "" || event.ExternalMessageID == "" {
		slog.Warn("EventHandler.handle: dropping event without sender or message ID")
		return
	}

	canonical, err := h.service.ValidateAndCanonicalizeRecipient(event.SenderID)
	if err != nil {
		slog.Warn("EventHandler.handle: invalid sender, dropping event", "senderID", event.SenderID, "error", err)
		return
	}
	event.SenderID = canonical

	if h.limiter != nil && !h.limiter.Allow(event.SenderID) {
		slog.Info("EventHandler.handle: sender rate-limited, deferring turn", "senderID", event.SenderID, "delay", h.deferDelay)
		if err := h.queue.EnqueueTurnDelayed(event, h.deferDelay); err != nil {
			slog.Error("EventHandler.handle: failed to defer turn", "senderID", event.SenderID, "error", err)
		}
		return
	}

	if err := h.queue.EnqueueTurn(event); err != nil {
		slog.Error("EventHandler.handle: failed to enqueue turn", "senderID", event.SenderID, "error", err)
	}
}
