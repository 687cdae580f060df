package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/citabot/citabot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanLeadRow scans a lead from a single row, mapping ErrNoRows to nil.
func scanLeadRow(row *sql.Row) (*models.Lead, error) {
	var l models.Lead
	var profileJSON sql.NullString
	err := row.Scan(&l.ID, &l.SenderID, &profileJSON, &l.Status, &l.LeadScore, &l.AIPaused, &l.LastActiveAt, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan lead failed: %w", err)
	}
	if profileJSON.Valid && profileJSON.String != "" {
		if err := json.Unmarshal([]byte(profileJSON.String), &l.Profile); err != nil {
			// Continue with an empty profile rather than failing the read.
			l.Profile = models.LeadProfile{}
		}
	}
	return &l, nil
}

// scanAppointmentRow scans an appointment from any scanner.
func scanAppointmentRow(row rowScanner) (models.Appointment, error) {
	var a models.Appointment
	var notes sql.NullString
	err := row.Scan(&a.ID, &a.LeadID, &a.StartTime, &a.EndTime, &a.Status, &notes, &a.ReminderSent, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	a.Notes = notes.String
	return a, nil
}

// scanAppointments drains rows into a slice.
func scanAppointments(rows *sql.Rows) ([]models.Appointment, error) {
	var apts []models.Appointment
	for rows.Next() {
		a, err := scanAppointmentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment failed: %w", err)
		}
		apts = append(apts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appointment rows iteration failed: %w", err)
	}
	return apts, nil
}

// scanJob scans a Job from sql.Rows.
func scanJob(rows *sql.Rows) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := rows.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanJobRow scans a Job from a single sql.Row.
func scanJobRow(row *sql.Row) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.SenderID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
