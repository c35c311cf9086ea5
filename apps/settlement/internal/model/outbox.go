package model

import (
	"encoding/json"
	"time"
)

const (
	OutboxUnsent     = "unsent"
	OutboxProcessing = "processing"
	OutboxSent       = "sent"
)

type OutboxEvent struct {
	ID          int64           `db:"id"`
	EventType   string          `db:"event_type"`
	AggregateID string          `db:"aggregate_id"`
	AgentID     string          `db:"agent_id"`
	Status      string          `db:"status"`
	EventBlob   json.RawMessage `db:"event_blob"`
	CreatedAt   time.Time       `db:"created_at"`
}
