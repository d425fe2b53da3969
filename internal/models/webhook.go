package models

import (
	"encoding/json"
	"time"
)

// Webhook log statuses. A row with status processed is the sole idempotency
// authority: an event is safe to reprocess only if no processed row exists.
const (
	WebhookProcessing = "processing"
	WebhookProcessed  = "processed"
	WebhookFailed     = "failed"
	WebhookSkipped    = "skipped"
)

// Gateway event types handled by the treasury pipeline.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventChargeRefunded    = "charge.refunded"
	EventDisputeCreated    = "charge.dispute.created"
	EventDisputeClosed     = "charge.dispute.closed"
	EventPayoutUpdated     = "payout.updated"
)

type WebhookLog struct {
	ID              int64     `json:"id" db:"id"`
	ExternalEventID string    `json:"external_event_id" db:"external_event_id"` // unique
	EventType       string    `json:"event_type" db:"event_type"`
	Status          string    `json:"status" db:"status"`
	Payload         []byte    `json:"payload" db:"payload"`
	Error           string    `json:"error" db:"error"`
	RetryCount      int       `json:"retry_count" db:"retry_count"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// GatewayEvent is the signed event envelope delivered by the payment gateway.
type GatewayEvent struct {
	ID        string          `json:"id" validate:"required"`
	Type      string          `json:"type" validate:"required"`
	CreatedAt int64           `json:"created_at"`
	Data      json.RawMessage `json:"data" validate:"required"`
}

// CheckoutCompletedData carries the fields of a completed checkout session.
type CheckoutCompletedData struct {
	SessionID        string   `json:"session_id" validate:"required"`
	ChargeID         string   `json:"charge_id" validate:"required"`
	PayerAccountID   string   `json:"payer_account_id"`
	ProductType      string   `json:"product_type" validate:"required,oneof=ticket drop tip subscription"`
	ProductReference string   `json:"product_reference" validate:"required"`
	Amount           int64    `json:"amount" validate:"required,gt=0"`
	Currency         string   `json:"currency" validate:"required,len=3"`
	Metadata         Metadata `json:"metadata"`
}

// ChargeRefundedData reports money returned for a prior charge. Amount may be
// partial.
type ChargeRefundedData struct {
	ChargeID string `json:"charge_id" validate:"required"`
	RefundID string `json:"refund_id" validate:"required"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
	Currency string `json:"currency" validate:"required,len=3"`
	Reason   string `json:"reason"`
}

type DisputeCreatedData struct {
	ChargeID  string `json:"charge_id" validate:"required"`
	DisputeID string `json:"dispute_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Currency  string `json:"currency" validate:"required,len=3"`
	Reason    string `json:"reason"`
	DueBy     int64  `json:"due_by"`
}

type DisputeClosedData struct {
	DisputeID string `json:"dispute_id" validate:"required"`
	Outcome   string `json:"outcome" validate:"required,oneof=won lost"`
}

// PayoutUpdatedData is the rail callback relayed through the gateway.
type PayoutUpdatedData struct {
	PayoutID string `json:"payout_id" validate:"required"`
	Status   string `json:"status" validate:"required,oneof=completed failed"`
	Failure  string `json:"failure_reason"`
}
