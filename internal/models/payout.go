package models

import "time"

// Payout statuses.
const (
	PayoutPending    = "pending"
	PayoutProcessing = "processing"
	PayoutCompleted  = "completed"
	PayoutFailed     = "failed"
	PayoutCancelled  = "cancelled"
)

// Payout is a batched transfer of accumulated ledger credit to an external
// payee account. EntryIDs are the ledger entries being paid out; a failed
// payout releases them for rescheduling without reversing them.
type Payout struct {
	ID           string    `json:"id" db:"id"`
	AccountID    string    `json:"account_id" db:"account_id"`
	Amount       int64     `json:"amount" db:"amount"`
	Currency     string    `json:"currency" db:"currency"`
	Status       string    `json:"status" db:"status"`
	ScheduledFor time.Time `json:"scheduled_for" db:"scheduled_for"`
	RiskScore    int       `json:"risk_score" db:"risk_score"`
	EntryIDs     []int64   `json:"entry_ids"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
