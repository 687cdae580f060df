// Package store provides storage backends for Citabot.
//
// This file implements the SQLite-backed store, the default for single-host
// deployments.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/util"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements the full Store interface.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// One connection serializes all writers, so conditional inserts (booking
	// conflict checks, dedupe keys) stay atomic under concurrent callers
	// without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	// Cascade deletes from leads to messages/appointments require FK enforcement.
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		slog.Error("Failed to enable SQLite foreign keys", "error", err)
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// --- LeadRepo ---

func (s *SQLiteStore) CreateLead(lead models.Lead) error {
	profileJSON, err := json.Marshal(lead.Profile)
	if err != nil {
		return fmt.Errorf("failed to marshal lead profile: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO leads (id, sender_id, profile_json, status, lead_score, ai_paused, last_active_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.SenderID, string(profileJSON), lead.Status, lead.LeadScore, lead.AIPaused, lead.LastActiveAt, lead.CreatedAt,
	)
	if err != nil {
		if sqliteErr, ok := err.(sqlite3.Error); ok && sqliteErr.Code == sqlite3.ErrConstraint {
			slog.Debug("SQLiteStore.CreateLead: sender already exists", "senderID", lead.SenderID)
			return ErrLeadExists
		}
		slog.Error("SQLiteStore.CreateLead failed", "error", err, "senderID", lead.SenderID)
		return fmt.Errorf("failed to insert lead for %s: %w", lead.SenderID, err)
	}
	slog.Debug("SQLiteStore.CreateLead succeeded", "id", lead.ID, "senderID", lead.SenderID)
	return nil
}

func (s *SQLiteStore) GetLead(id string) (*models.Lead, error) {
	row := s.db.QueryRow(
		`SELECT id, sender_id, profile_json, status, lead_score, ai_paused, last_active_at, created_at
		 FROM leads WHERE id = ?`, id)
	return scanLeadRow(row)
}

func (s *SQLiteStore) GetLeadBySenderID(senderID string) (*models.Lead, error) {
	row := s.db.QueryRow(
		`SELECT id, sender_id, profile_json, status, lead_score, ai_paused, last_active_at, created_at
		 FROM leads WHERE sender_id = ?`, senderID)
	return scanLeadRow(row)
}

func (s *SQLiteStore) UpdateLead(lead models.Lead) error {
	profileJSON, err := json.Marshal(lead.Profile)
	if err != nil {
		return fmt.Errorf("failed to marshal lead profile: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE leads SET profile_json = ?, status = ?, lead_score = ?, ai_paused = ?, last_active_at = ? WHERE id = ?`,
		string(profileJSON), lead.Status, lead.LeadScore, lead.AIPaused, lead.LastActiveAt, lead.ID,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpdateLead failed", "error", err, "id", lead.ID)
		return fmt.Errorf("failed to update lead %s: %w", lead.ID, err)
	}
	slog.Debug("SQLiteStore.UpdateLead succeeded", "id", lead.ID, "status", lead.Status)
	return nil
}

func (s *SQLiteStore) TouchLead(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE leads SET last_active_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch lead %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteLead(id string) error {
	_, err := s.db.Exec(`DELETE FROM leads WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore.DeleteLead failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete lead %s: %w", id, err)
	}
	return nil
}

// --- MessageRepo ---

func (s *SQLiteStore) AddMessage(msg models.Message) error {
	// Callers replaying a turn reuse deterministic message IDs; the conflict
	// clause makes the replay a no-op instead of a duplicate row.
	_, err := s.db.Exec(
		`INSERT INTO messages (id, lead_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.LeadID, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.AddMessage failed", "error", err, "leadID", msg.LeadID)
		return fmt.Errorf("failed to insert message for lead %s: %w", msg.LeadID, err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(leadID string, limit int) ([]models.Message, error) {
	query := `SELECT id, lead_id, role, content, created_at FROM messages WHERE lead_id = ? ORDER BY created_at ASC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		// Keep the most recent limit messages, still in ascending order.
		query = `SELECT id, lead_id, role, content, created_at FROM (
			SELECT id, lead_id, role, content, created_at FROM messages
			WHERE lead_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`
		rows, err = s.db.Query(query, leadID, limit)
	} else {
		rows, err = s.db.Query(query, leadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for lead %s: %w", leadID, err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.LeadID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

// --- AppointmentRepo ---

func (s *SQLiteStore) CreateAppointmentIfFree(apt models.Appointment) (bool, error) {
	// Single conditional INSERT: SQLite serializes writers, so the overlap
	// check and the insert are one atomic unit and no booking race can
	// produce overlapping calendar-occupying rows.
	res, err := s.db.Exec(
		`INSERT INTO appointments (id, lead_id, start_time, end_time, status, notes, reminder_sent, created_at)
		 SELECT ?, ?, ?, ?, ?, ?, 0, ?
		 WHERE NOT EXISTS (
		 	SELECT 1 FROM appointments
		 	WHERE status IN ('unconfirmed', 'confirmed')
		 	  AND start_time < ? AND end_time > ?
		 )`,
		apt.ID, apt.LeadID, apt.StartTime, apt.EndTime, apt.Status, nilIfEmpty(apt.Notes), apt.CreatedAt,
		apt.EndTime, apt.StartTime,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateAppointmentIfFree failed", "error", err, "leadID", apt.LeadID)
		return false, fmt.Errorf("failed to insert appointment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore.CreateAppointmentIfFree: slot conflict", "start", apt.StartTime, "end", apt.EndTime)
		return false, nil
	}
	slog.Debug("SQLiteStore.CreateAppointmentIfFree succeeded", "id", apt.ID, "start", apt.StartTime)
	return true, nil
}

func (s *SQLiteStore) GetAppointment(id string) (*models.Appointment, error) {
	row := s.db.QueryRow(
		`SELECT id, lead_id, start_time, end_time, status, notes, reminder_sent, created_at
		 FROM appointments WHERE id = ?`, id)
	apt, err := scanAppointmentRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment %s: %w", id, err)
	}
	return &apt, nil
}

func (s *SQLiteStore) UpdateAppointmentStatus(id string, status models.AppointmentStatus) error {
	res, err := s.db.Exec(`UPDATE appointments SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		slog.Error("SQLiteStore.UpdateAppointmentStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update appointment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("appointment %s not found", id)
	}
	slog.Debug("SQLiteStore.UpdateAppointmentStatus succeeded", "id", id, "status", status)
	return nil
}

func (s *SQLiteStore) ListAppointmentsByRange(from, to time.Time, statuses []models.AppointmentStatus) ([]models.Appointment, error) {
	query := `SELECT id, lead_id, start_time, end_time, status, notes, reminder_sent, created_at
		FROM appointments WHERE start_time < ? AND end_time > ?`
	args := []interface{}{to, from}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + repeatPlaceholder(len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY start_time ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (s *SQLiteStore) CancelStaleUnconfirmed(createdBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE appointments SET status = 'cancelled' WHERE status = 'unconfirmed' AND created_at < ?`,
		createdBefore,
	)
	if err != nil {
		slog.Error("SQLiteStore.CancelStaleUnconfirmed failed", "error", err)
		return 0, fmt.Errorf("failed to cancel stale appointments: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.CancelStaleUnconfirmed", "cancelled", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) ListReminderDue(windowStart, windowEnd time.Time) ([]models.Appointment, error) {
	rows, err := s.db.Query(
		`SELECT id, lead_id, start_time, end_time, status, notes, reminder_sent, created_at
		 FROM appointments
		 WHERE status = 'confirmed' AND reminder_sent = 0 AND start_time >= ? AND start_time < ?
		 ORDER BY start_time ASC`,
		windowStart, windowEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminder-due appointments: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (s *SQLiteStore) MarkReminderSent(id string) error {
	_, err := s.db.Exec(`UPDATE appointments SET reminder_sent = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark reminder sent for %s: %w", id, err)
	}
	return nil
}

// --- AuditRepo ---

func (s *SQLiteStore) AddAuditEntry(entry models.AuditLogEntry) error {
	var payload interface{}
	if len(entry.Payload) > 0 {
		payload = string(entry.Payload)
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (id, lead_id, event_type, payload_json, latency_ms, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.LeadID, entry.EventType, payload, entry.LatencyMs, entry.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.AddAuditEntry failed", "error", err, "eventType", entry.EventType)
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAuditEntries(leadID string, limit int) ([]models.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, lead_id, event_type, payload_json, latency_ms, created_at
		 FROM audit_log WHERE lead_id = ? ORDER BY created_at DESC LIMIT ?`,
		leadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.LeadID, &e.EventType, &payload, &e.LatencyMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit rows: %w", err)
	}
	return entries, nil
}

// --- SettingsRepo ---

func (s *SQLiteStore) ReadSetting(key string) (*models.BusinessSetting, error) {
	var setting models.BusinessSetting
	var value string
	var updatedBy sql.NullString
	err := s.db.QueryRow(
		`SELECT key, value_json, updated_at, updated_by FROM business_settings WHERE key = ?`, key,
	).Scan(&setting.Key, &value, &setting.UpdatedAt, &updatedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	setting.Value = json.RawMessage(value)
	setting.UpdatedBy = updatedBy.String
	return &setting, nil
}

func (s *SQLiteStore) WriteSetting(key string, value json.RawMessage, updatedBy string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO business_settings (key, value_json, updated_at, updated_by) VALUES (?, ?, ?, ?)`,
		key, string(value), time.Now(), nilIfEmpty(updatedBy),
	)
	if err != nil {
		slog.Error("SQLiteStore.WriteSetting failed", "error", err, "key", key)
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	slog.Debug("SQLiteStore.WriteSetting succeeded", "key", key, "updatedBy", updatedBy)
	return nil
}

// --- CheckpointRepo ---

func (s *SQLiteStore) GetCheckpoint(eventID string) (*PipelineCheckpoint, error) {
	var cp PipelineCheckpoint
	var data sql.NullString
	err := s.db.QueryRow(
		`SELECT event_id, stage, data_json, updated_at FROM pipeline_checkpoints WHERE event_id = ?`, eventID,
	).Scan(&cp.EventID, &cp.Stage, &data, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint for %s: %w", eventID, err)
	}
	cp.DataJSON = data.String
	return &cp, nil
}

func (s *SQLiteStore) SaveCheckpoint(cp PipelineCheckpoint) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO pipeline_checkpoints (event_id, stage, data_json, updated_at) VALUES (?, ?, ?, ?)`,
		cp.EventID, cp.Stage, nilIfEmpty(cp.DataJSON), time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveCheckpoint failed", "error", err, "eventID", cp.EventID, "stage", cp.Stage)
		return fmt.Errorf("failed to save checkpoint for %s: %w", cp.EventID, err)
	}
	return nil
}

// repeatPlaceholder returns n occurrences of ", ?" for IN clauses.
func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// newID is a convenience wrapper used by repos that mint their own IDs.
func newID(prefix string) string {
	return util.GenerateRandomID(prefix, 32)
}
