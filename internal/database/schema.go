package database

import (
	"database/sql"
	"fmt"
)

// EnsureSchema creates the treasury tables and indexes if they do not exist.
// Ledger entries are append-only; there is deliberately no UPDATE path for
// them anywhere in the codebase.
func EnsureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			account_id TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount >= 0),
			currency TEXT NOT NULL,
			direction TEXT NOT NULL CHECK (direction IN ('credit', 'debit')),
			event_source TEXT NOT NULL,
			reference_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_by TEXT NOT NULL DEFAULT 'system'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_correlation ON ledger_entries(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_source_ref ON ledger_entries(event_source, reference_id)`,

		`CREATE TABLE IF NOT EXISTS purchases (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			product_type TEXT NOT NULL,
			product_reference TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			currency TEXT NOT NULL,
			external_session_id TEXT NOT NULL UNIQUE,
			external_charge_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			fulfillment_status TEXT NOT NULL DEFAULT 'pending',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			refunded_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_account ON purchases(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_charge ON purchases(external_charge_id)`,

		`CREATE TABLE IF NOT EXISTS split_rules (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			scope_reference TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_split_rules_scope ON split_rules(scope, COALESCE(scope_reference, ''))`,

		`CREATE TABLE IF NOT EXISTS split_rule_recipients (
			rule_id TEXT NOT NULL REFERENCES split_rules(id) ON DELETE CASCADE,
			recipient_id TEXT NOT NULL,
			percent INTEGER NOT NULL CHECK (percent > 0 AND percent <= 100),
			role TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (rule_id, position)
		)`,

		`CREATE TABLE IF NOT EXISTS payouts (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			currency TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			scheduled_for TIMESTAMPTZ NOT NULL,
			risk_score INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payouts_account ON payouts(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payouts_status ON payouts(status)`,

		`CREATE TABLE IF NOT EXISTS payout_entries (
			payout_id TEXT NOT NULL REFERENCES payouts(id),
			ledger_entry_id BIGINT NOT NULL REFERENCES ledger_entries(id),
			released BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (payout_id, ledger_entry_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_payout_entries_active ON payout_entries(ledger_entry_id) WHERE NOT released`,

		`CREATE TABLE IF NOT EXISTS refunds (
			id TEXT PRIMARY KEY,
			purchase_id TEXT NOT NULL REFERENCES purchases(id),
			amount BIGINT NOT NULL CHECK (amount > 0),
			currency TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'processed',
			correlation_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refunds_purchase ON refunds(purchase_id)`,

		`CREATE TABLE IF NOT EXISTS disputes (
			id TEXT PRIMARY KEY,
			purchase_id TEXT NOT NULL REFERENCES purchases(id),
			external_dispute_id TEXT NOT NULL UNIQUE,
			amount BIGINT NOT NULL CHECK (amount > 0),
			currency TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'open',
			correlation_id TEXT NOT NULL,
			due_by TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			resolved_at TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS webhook_logs (
			id BIGSERIAL PRIMARY KEY,
			external_event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'processing',
			payload JSONB NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_logs_status ON webhook_logs(status)`,

		`CREATE TABLE IF NOT EXISTS tickets (
			id TEXT PRIMARY KEY,
			purchase_id TEXT NOT NULL UNIQUE REFERENCES purchases(id),
			account_id TEXT NOT NULL,
			product_reference TEXT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}
