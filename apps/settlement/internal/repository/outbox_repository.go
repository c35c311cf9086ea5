package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	"settlement/apps/settlement/internal/model"
)

type OutboxRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOutboxRepository(db *sql.DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{db: db, logger: logger}
}

func (r *OutboxRepository) GetUnsentEventsForProcessing(limit int) ([]model.OutboxEvent, error) {
	// Use a transaction to ensure atomicity
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	// Select and lock unsent events for processing
	rows, err := tx.Query(`
		SELECT id, event_type, aggregate_id, agent_id, status, event_blob, created_at
		FROM event_outbox
		WHERE status = 'unsent'
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.OutboxEvent
	for rows.Next() {
		var event model.OutboxEvent
		if err := rows.Scan(&event.ID, &event.EventType, &event.AggregateID, &event.AgentID,
			&event.Status, &event.EventBlob, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox events: %w", err)
	}
	rows.Close()

	// Mark selected events as 'processing' to prevent other threads from picking them up
	for _, event := range events {
		_, err = tx.Exec(`
			UPDATE event_outbox
			SET status = 'processing'
			WHERE id = $1 AND status = 'unsent'
		`, event.ID)
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return events, nil
}

func (r *OutboxRepository) MarkEventAsSent(id int64) error {
	_, err := r.db.Exec(`
		UPDATE event_outbox
		SET status = 'sent'
		WHERE id = $1
	`, id)
	return err
}

func (r *OutboxRepository) MarkEventAsFailed(id int64) error {
	_, err := r.db.Exec(`
		UPDATE event_outbox
		SET status = 'unsent'
		WHERE id = $1 AND status = 'processing'
	`, id)
	return err
}

// ResetStuckEvents returns events left in 'processing' by a crashed publisher
// to 'unsent'. It is called once at startup before publishing begins.
func (r *OutboxRepository) ResetStuckEvents() (int64, error) {
	res, err := r.db.Exec(`
		UPDATE event_outbox SET status = 'unsent' WHERE status = 'processing'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck outbox events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.logger.Warn("Reset stuck outbox events", zap.Int64("count", n))
	}
	return n, nil
}
