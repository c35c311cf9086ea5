package repository

import (
	"database/sql"
	"fmt"
)

// InitMigration initializes the database. In production, this would use a proper migration
// library like go-migrate
func InitMigration(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id VARCHAR(64) PRIMARY KEY,
			wallet_address VARCHAR(42) UNIQUE,
			balance NUMERIC(38,18) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			total_earned NUMERIC(38,18) NOT NULL DEFAULT 0,
			total_spent NUMERIC(38,18) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS withdrawal_transactions (
			id UUID PRIMARY KEY,
			agent_id VARCHAR(64) NOT NULL REFERENCES agents(id),
			agnt_amount_in NUMERIC(38,18) NOT NULL,
			fee_agnt NUMERIC(38,18) NOT NULL,
			usdc_amount_out NUMERIC(38,18) NOT NULL DEFAULT 0,
			exchange_rate NUMERIC(38,18) NOT NULL DEFAULT 0,
			recipient_address VARCHAR(42) NOT NULL,
			status VARCHAR(20) NOT NULL,
			transfer_tx_hash VARCHAR(66),
			error_message VARCHAR(500),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawals_agent_created ON withdrawal_transactions (agent_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawals_status_updated ON withdrawal_transactions (status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS consumed_deposits (
			tx_hash VARCHAR(66) PRIMARY KEY,
			agent_id VARCHAR(64) NOT NULL REFERENCES agents(id),
			amount NUMERIC(38,18) NOT NULL,
			currency VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS event_outbox (
			id BIGSERIAL PRIMARY KEY,
			event_type VARCHAR(40) NOT NULL,
			aggregate_id VARCHAR(66) NOT NULL,
			agent_id VARCHAR(64) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'unsent',
			event_blob JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_outbox_status_created ON event_outbox (status, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}
