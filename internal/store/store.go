// Package store provides storage backends for Citabot.
//
// It defines the repository interfaces the engine runs against and ships
// SQLite and PostgreSQL implementations.
package store

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/citabot/citabot/internal/models"
)

// ErrLeadExists is returned by CreateLead when a lead with the same sender
// already exists. Callers recover by re-reading the existing row.
var ErrLeadExists = errors.New("lead already exists for sender")

// LeadRepo manages lead rows. SenderID is globally unique.
type LeadRepo interface {
	// CreateLead inserts a new lead. Returns ErrLeadExists if the senderId is
	// already taken (including when a concurrent insert won the race).
	CreateLead(lead models.Lead) error

	// GetLead retrieves a lead by ID. Returns nil if not found.
	GetLead(id string) (*models.Lead, error)

	// GetLeadBySenderID retrieves a lead by sender identifier. Returns nil if not found.
	GetLeadBySenderID(senderID string) (*models.Lead, error)

	// UpdateLead persists profile, status, score, and aiPaused changes.
	UpdateLead(lead models.Lead) error

	// TouchLead updates lastActiveAt only.
	TouchLead(id string, at time.Time) error

	// DeleteLead removes a lead and, by cascade, its messages and appointments.
	// Used by test tooling only.
	DeleteLead(id string) error
}

// MessageRepo manages the append-only conversation log.
type MessageRepo interface {
	// AddMessage appends a message to a lead's conversation log.
	AddMessage(msg models.Message) error

	// ListMessages returns the most recent limit messages for a lead in
	// createdAt-ascending order. limit <= 0 returns all messages.
	ListMessages(leadID string, limit int) ([]models.Message, error)
}

// AppointmentRepo manages the shared appointment calendar. All booking
// writes must go through CreateAppointmentIfFree; no other path may insert
// calendar-occupying rows.
type AppointmentRepo interface {
	// CreateAppointmentIfFree atomically inserts apt (status unconfirmed)
	// only if no unconfirmed or confirmed appointment overlaps
	// [apt.StartTime, apt.EndTime). Returns false when the slot is taken.
	// The check-and-insert cannot be bypassed by a concurrent booking race.
	CreateAppointmentIfFree(apt models.Appointment) (bool, error)

	// GetAppointment retrieves an appointment by ID. Returns nil if not found.
	GetAppointment(id string) (*models.Appointment, error)

	// UpdateAppointmentStatus transitions an appointment's status.
	UpdateAppointmentStatus(id string, status models.AppointmentStatus) error

	// ListAppointmentsByRange returns appointments whose interval intersects
	// [from, to), optionally filtered by status. Ordered by startTime.
	ListAppointmentsByRange(from, to time.Time, statuses []models.AppointmentStatus) ([]models.Appointment, error)

	// CancelStaleUnconfirmed bulk-cancels unconfirmed appointments created
	// before the cutoff. Returns the number of rows transitioned.
	CancelStaleUnconfirmed(createdBefore time.Time) (int, error)

	// ListReminderDue returns confirmed appointments with reminderSent=false
	// whose startTime falls in [windowStart, windowEnd).
	ListReminderDue(windowStart, windowEnd time.Time) ([]models.Appointment, error)

	// MarkReminderSent sets reminderSent=true.
	MarkReminderSent(id string) error
}

// AuditRepo records observable pipeline events. Write-mostly; reads serve
// the admin surface and tests, never pipeline decisions.
type AuditRepo interface {
	AddAuditEntry(entry models.AuditLogEntry) error
	ListAuditEntries(leadID string, limit int) ([]models.AuditLogEntry, error)
}

// SettingsRepo is the business settings store contract.
type SettingsRepo interface {
	// ReadSetting returns the setting for key, or nil if absent.
	ReadSetting(key string) (*models.BusinessSetting, error)

	// WriteSetting upserts a setting value with attribution.
	WriteSetting(key string, value json.RawMessage, updatedBy string) error
}

// PipelineCheckpoint records the last completed stage of a conversation
// pipeline run, keyed by the external event ID, so retries resume instead of
// re-running completed stages.
type PipelineCheckpoint struct {
	EventID   string    `json:"event_id"`
	Stage     string    `json:"stage"`
	DataJSON  string    `json:"data_json"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointRepo persists pipeline stage checkpoints.
type CheckpointRepo interface {
	// GetCheckpoint returns the checkpoint for an event, or nil if none exists.
	GetCheckpoint(eventID string) (*PipelineCheckpoint, error)

	// SaveCheckpoint upserts the checkpoint for an event.
	SaveCheckpoint(cp PipelineCheckpoint) error
}

// Store aggregates every repository the engine needs from one backend.
type Store interface {
	LeadRepo
	MessageRepo
	AppointmentRepo
	AuditRepo
	SettingsRepo
	CheckpointRepo
	DedupRepo
	JobRepo
	OutboxRepo

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite".
// PostgreSQL DSNs use URL or key=value forms; anything else is treated as a
// SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
