// Package store provides storage backends for Citabot.
//
// This file implements the PostgreSQL-backed store for production deployments.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/citabot/citabot/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements the full Store interface.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}

// isUniqueViolation reports whether err is a Postgres unique constraint violation.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// --- LeadRepo ---

func (s *PostgresStore) CreateLead(lead models.Lead) error {
	profileJSON, err := json.Marshal(lead.Profile)
	if err != nil {
		return fmt.Errorf("failed to marshal lead profile: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO leads (id, sender_id, profile_json, status, lead_score, ai_paused, last_active_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		lead.ID, lead.SenderID, string(profileJSON), lead.Status, lead.LeadScore, lead.AIPaused, lead.LastActiveAt, lead.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			slog.Debug("PostgresStore.CreateLead: sender already exists", "senderID", lead.SenderID)
			return ErrLeadExists
		}
		slog.Error("PostgresStore.CreateLead failed", "error", err, "senderID", lead.SenderID)
		return fmt.Errorf("failed to insert lead for %s: %w", lead.SenderID, err)
	}
	slog.Debug("PostgresStore.CreateLead succeeded", "id", lead.ID, "senderID", lead.SenderID)
	return nil
}

func (s *PostgresStore) GetLead(id string) (*models.Lead, error) {
	row := s.db.QueryRow(
		`SELECT id, sender_id, profile_json, status, lead_score, ai_paused, last_active_at, created_at
		 FROM leads WHERE id = $1`, id)
	return scanLeadRow(row)
}

func (s *PostgresStore) GetLeadBySenderID(senderID string) (*models.Lead, error) {
	row := s.db.QueryRow(
		`SELECT id, sender_id, profile_json, status, lead_score, ai_paused, last_active_at, created_at
		 FROM leads WHERE sender_id = $1`, senderID)
	return scanLeadRow(row)
}

func (s *PostgresStore) UpdateLead(lead models.Lead) error {
	profileJSON, err := json.Marshal(lead.Profile)
	if err != nil {
		return fmt.Errorf("failed to marshal lead profile: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE leads SET profile_json = $1, status = $2, lead_score = $3, ai_paused = $4, last_active_at = $5 WHERE id = $6`,
		string(profileJSON), lead.Status, lead.LeadScore, lead.AIPaused, lead.LastActiveAt, lead.ID,
	)
	if err != nil {
		slog.Error("PostgresStore.UpdateLead failed", "error", err, "id", lead.ID)
		return fmt.Errorf("failed to update lead %s: %w", lead.ID, err)
	}
	return nil
}

func (s *PostgresStore) TouchLead(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE leads SET last_active_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch lead %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) DeleteLead(id string) error {
	_, err := s.db.Exec(`DELETE FROM leads WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore.DeleteLead failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete lead %s: %w", id, err)
	}
	return nil
}

// --- MessageRepo ---

func (s *PostgresStore) AddMessage(msg models.Message) error {
	// Replayed turns reuse deterministic message IDs; duplicates are no-ops.
	_, err := s.db.Exec(
		`INSERT INTO messages (id, lead_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.LeadID, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.AddMessage failed", "error", err, "leadID", msg.LeadID)
		return fmt.Errorf("failed to insert message for lead %s: %w", msg.LeadID, err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(leadID string, limit int) ([]models.Message, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(
			`SELECT id, lead_id, role, content, created_at FROM (
				SELECT id, lead_id, role, content, created_at FROM messages
				WHERE lead_id = $1 ORDER BY created_at DESC LIMIT $2
			) recent ORDER BY created_at ASC`,
			leadID, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, lead_id, role, content, created_at FROM messages WHERE lead_id = $1 ORDER BY created_at ASC`,
			leadID,
		)
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

func (s *PostgresStore) CreateAppointmentIfFree(apt models.Appointment) (bool, error) {
	// A transaction-scoped advisory lock serializes the overlap check and
	// insert across concurrent bookers; READ COMMITTED alone would let two
	// statements pass the same NOT EXISTS check.
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin booking transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`SELECT pg_advisory_xact_lock(hashtext('appointments_calendar'))`); err != nil {
		return false, fmt.Errorf("failed to acquire calendar lock: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO appointments (id, lead_id, start_time, end_time, status, notes, reminder_sent, created_at)
		 SELECT $1, $2, $3, $4, $5, $6, FALSE, $7
		 WHERE NOT EXISTS (
		 	SELECT 1 FROM appointments
		 	WHERE status IN ('unconfirmed', 'confirmed')
		 	  AND start_time < $4 AND end_time > $3
		 )`,
		apt.ID, apt.LeadID, apt.StartTime, apt.EndTime, apt.Status, nilIfEmpty(apt.Notes), apt.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.CreateAppointmentIfFree failed", "error", err, "leadID", apt.LeadID)
		return false, fmt.Errorf("failed to insert appointment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit booking transaction: %w", err)
	}
	if n == 0 {
		slog.Debug("PostgresStore.CreateAppointmentIfFree: slot conflict", "start", apt.StartTime, "end", apt.EndTime)
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) GetAppointment(id string) (*models.Appointment, error) {
	row := s.db.QueryRow(
		`SELECT id, lead_id, start_time, end_time, status, notes, reminder_sent, created_at
		 FROM appointments WHERE id = $1`, id)
	apt, err := scanAppointmentRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment %s: %w", id, err)
	}
	return &apt, nil
}

func (s *PostgresStore) UpdateAppointmentStatus(id string, status models.AppointmentStatus) error {
	res, err := s.db.Exec(`UPDATE appointments SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		slog.Error("PostgresStore.UpdateAppointmentStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update appointment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("appointment %s not found", id)
	}
	return nil
}

func (s *PostgresStore) ListAppointmentsByRange(from, to time.Time, statuses []models.AppointmentStatus) ([]models.Appointment, error) {
	query := `SELECT id, lead_id, start_time, end_time, status, notes, reminder_sent, created_at
		FROM appointments WHERE start_time < $1 AND end_time > $2`
	args := []interface{}{to, from}
	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, st := range statuses {
			strs[i] = string(st)
		}
		query += ` AND status = ANY($3)`
		args = append(args, pq.Array(strs))
	}
	query += ` ORDER BY start_time ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (s *PostgresStore) CancelStaleUnconfirmed(createdBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE appointments SET status = 'cancelled' WHERE status = 'unconfirmed' AND created_at < $1`,
		createdBefore,
	)
	if err != nil {
		slog.Error("PostgresStore.CancelStaleUnconfirmed failed", "error", err)
		return 0, fmt.Errorf("failed to cancel stale appointments: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.CancelStaleUnconfirmed", "cancelled", n)
	}
	return int(n), nil
}

func (s *PostgresStore) ListReminderDue(windowStart, windowEnd time.Time) ([]models.Appointment, error) {
	rows, err := s.db.Query(
		`SELECT id, lead_id, start_time, end_time, status, notes, reminder_sent, created_at
		 FROM appointments
		 WHERE status = 'confirmed' AND reminder_sent = FALSE AND start_time >= $1 AND start_time < $2
		 ORDER BY start_time ASC`,
		windowStart, windowEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminder-due appointments: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (s *PostgresStore) MarkReminderSent(id string) error {
	_, err := s.db.Exec(`UPDATE appointments SET reminder_sent = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark reminder sent for %s: %w", id, err)
	}
	return nil
}

// --- AuditRepo ---

func (s *PostgresStore) AddAuditEntry(entry models.AuditLogEntry) error {
	var payload interface{}
	if len(entry.Payload) > 0 {
		payload = string(entry.Payload)
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (id, lead_id, event_type, payload_json, latency_ms, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.LeadID, entry.EventType, payload, entry.LatencyMs, entry.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.AddAuditEntry failed", "error", err, "eventType", entry.EventType)
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEntries(leadID string, limit int) ([]models.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, lead_id, event_type, payload_json, latency_ms, created_at
		 FROM audit_log WHERE lead_id = $1 ORDER BY created_at DESC LIMIT $2`,
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

func (s *PostgresStore) ReadSetting(key string) (*models.BusinessSetting, error) {
	var setting models.BusinessSetting
	var value string
	var updatedBy sql.NullString
	err := s.db.QueryRow(
		`SELECT key, value_json, updated_at, updated_by FROM business_settings WHERE key = $1`, key,
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

func (s *PostgresStore) WriteSetting(key string, value json.RawMessage, updatedBy string) error {
	_, err := s.db.Exec(
		`INSERT INTO business_settings (key, value_json, updated_at, updated_by) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET value_json = EXCLUDED.value_json, updated_at = EXCLUDED.updated_at, updated_by = EXCLUDED.updated_by`,
		key, string(value), time.Now(), nilIfEmpty(updatedBy),
	)
	if err != nil {
		slog.Error("PostgresStore.WriteSetting failed", "error", err, "key", key)
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// --- CheckpointRepo ---

func (s *PostgresStore) GetCheckpoint(eventID string) (*PipelineCheckpoint, error) {
	var cp PipelineCheckpoint
	var data sql.NullString
	err := s.db.QueryRow(
		`SELECT event_id, stage, data_json, updated_at FROM pipeline_checkpoints WHERE event_id = $1`, eventID,
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

func (s *PostgresStore) SaveCheckpoint(cp PipelineCheckpoint) error {
	_, err := s.db.Exec(
		`INSERT INTO pipeline_checkpoints (event_id, stage, data_json, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO UPDATE SET stage = EXCLUDED.stage, data_json = EXCLUDED.data_json, updated_at = EXCLUDED.updated_at`,
		cp.EventID, cp.Stage, nilIfEmpty(cp.DataJSON), time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore.SaveCheckpoint failed", "error", err, "eventID", cp.EventID, "stage", cp.Stage)
		return fmt.Errorf("failed to save checkpoint for %s: %w", cp.EventID, err)
	}
	return nil
}
