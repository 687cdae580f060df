package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

func (s *SQLiteStore) IsDuplicate(externalMessageID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(
		`SELECT 1 FROM inbound_dedup WHERE external_message_id = ?`, externalMessageID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) RecordInbound(externalMessageID, senderID string) (bool, error) {
	_, err := s.db.Exec(
		`INSERT INTO inbound_dedup (external_message_id, sender_id, received_at) VALUES (?, ?, ?)`,
		externalMessageID, senderID, time.Now(),
	)
	if err != nil {
		if sqliteErr, ok := err.(sqlite3.Error); ok && sqliteErr.Code == sqlite3.ErrConstraint {
			slog.Debug("SQLiteStore.RecordInbound: duplicate event", "externalMessageID", externalMessageID)
			return false, nil
		}
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) MarkProcessed(externalMessageID string) error {
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = ? WHERE external_message_id = ?`,
		time.Now(), externalMessageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
