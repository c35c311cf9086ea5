package events

import (
	"encoding/json"
	"fmt"
	"time"

	"settlement/apps/settlement/internal/model"
)

const (
	WithdrawalRequested  = "withdrawal_requested"
	WithdrawalProcessing = "withdrawal_processing"
	WithdrawalCompleted  = "withdrawal_completed"
	WithdrawalFailed     = "withdrawal_failed"
	DepositCredited      = "deposit_credited"
)

// SettlementEvent is the envelope published to Kafka for every ledger-visible
// state change.
type SettlementEvent struct {
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	AgentID     string          `json:"agent_id"`
	Amount      string          `json:"amount"`
	Status      string          `json:"status,omitempty"`
	TxHash      string          `json:"tx_hash,omitempty"`
	EventData   json.RawMessage `json:"event_data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ToOutbox marshals the event into an unsent outbox row.
func (e SettlementEvent) ToOutbox() (model.OutboxEvent, error) {
	blob, err := json.Marshal(e)
	if err != nil {
		return model.OutboxEvent{}, fmt.Errorf("failed to marshal %s event: %w", e.EventType, err)
	}
	return model.OutboxEvent{
		EventType:   e.EventType,
		AggregateID: e.AggregateID,
		AgentID:     e.AgentID,
		Status:      model.OutboxUnsent,
		EventBlob:   blob,
		CreatedAt:   e.Timestamp,
	}, nil
}
