// Package store provides the DedupRepo interface for inbound event deduplication.
package store

import (
	"time"
)

// DedupRecord represents an inbound event deduplication record.
type DedupRecord struct {
	ExternalMessageID string     `json:"external_message_id"`
	SenderID          string     `json:"sender_id"`
	ReceivedAt        time.Time  `json:"received_at"`
	ProcessedAt       *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound event deduplication keyed by
// the channel's external message ID.
type DedupRepo interface {
	// IsDuplicate checks if an external message ID has already been recorded.
	IsDuplicate(externalMessageID string) (bool, error)

	// RecordInbound inserts a new inbound event record. Returns false if the
	// event was already recorded (duplicate).
	RecordInbound(externalMessageID, senderID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for an event.
	MarkProcessed(externalMessageID string) error
}
