package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

func (s *PostgresStore) IsDuplicate(externalMessageID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(
		`SELECT 1 FROM inbound_dedup WHERE external_message_id = $1`, externalMessageID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) RecordInbound(externalMessageID, senderID string) (bool, error) {
	_, err := s.db.Exec(
		`INSERT INTO inbound_dedup (external_message_id, sender_id, received_at) VALUES ($1, $2, $3)`,
		externalMessageID, senderID, time.Now(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			slog.Debug("PostgresStore.RecordInbound: duplicate event", "externalMessageID", externalMessageID)
			return false, nil
		}
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) MarkProcessed(externalMessageID string) error {
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = $1 WHERE external_message_id = $2`,
		time.Now(), externalMessageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
