package models

import (
	"time"
)

// Entry directions.
const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

// Event sources for ledger entries.
const (
	SourcePurchase   = "purchase"
	SourceRefund     = "refund"
	SourceDispute    = "dispute"
	SourcePayout     = "payout"
	SourceSplit      = "split"
	SourceAdjustment = "adjustment"
)

// LedgerEntry is one half of a double-entry record. Entries are append-only:
// never updated or deleted, corrections are always new paired entries.
type LedgerEntry struct {
	ID            int64     `json:"id" db:"id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	Amount        int64     `json:"amount" db:"amount"` // minor currency units, non-negative
	Currency      string    `json:"currency" db:"currency"`
	Direction     string    `json:"direction" db:"direction"` // credit or debit
	EventSource   string    `json:"event_source" db:"event_source"`
	ReferenceID   string    `json:"reference_id" db:"reference_id"`
	CorrelationID string    `json:"correlation_id" db:"correlation_id"`
	Description   string    `json:"description" db:"description"`
	Metadata      Metadata  `json:"metadata" db:"metadata"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	CreatedBy     string    `json:"created_by" db:"created_by"`
}

// Account is an ordinary account row. The platform reserve and the payer
// funds holding account are plain accounts identified by configured ids,
// resolved through the same lookup path as any other account.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
