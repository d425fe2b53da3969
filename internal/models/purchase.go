package models

import "time"

// Purchase statuses. Transitions are one-directional except refund/dispute,
// which move completed -> refunded/disputed.
const (
	PurchasePending   = "pending"
	PurchaseCompleted = "completed"
	PurchaseRefunded  = "refunded"
	PurchaseDisputed  = "disputed"
)

// Fulfillment statuses.
const (
	FulfillmentPending   = "pending"
	FulfillmentFulfilled = "fulfilled"
	FulfillmentFailed    = "failed"
)

// Product types sold through gateway checkout.
const (
	ProductTicket       = "ticket"
	ProductDrop         = "drop"
	ProductTip          = "tip"
	ProductSubscription = "subscription"
)

// Purchase is one row per completed checkout session.
type Purchase struct {
	ID                string     `json:"id" db:"id"`
	AccountID         string     `json:"account_id" db:"account_id"` // payer
	ProductType       string     `json:"product_type" db:"product_type"`
	ProductReference  string     `json:"product_reference" db:"product_reference"`
	Amount            int64      `json:"amount" db:"amount"`
	Currency          string     `json:"currency" db:"currency"`
	ExternalSessionID string     `json:"external_session_id" db:"external_session_id"` // unique
	ExternalChargeID  string     `json:"external_charge_id" db:"external_charge_id"`
	Status            string     `json:"status" db:"status"`
	FulfillmentStatus string     `json:"fulfillment_status" db:"fulfillment_status"`
	Metadata          Metadata   `json:"metadata" db:"metadata"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
	RefundedAt        *time.Time `json:"refunded_at,omitempty" db:"refunded_at"`
}

// Refund references the originating purchase and the reversal entry pair it
// produced. Created only in response to gateway-reported events.
type Refund struct {
	ID            string    `json:"id" db:"id"`
	PurchaseID    string    `json:"purchase_id" db:"purchase_id"`
	Amount        int64     `json:"amount" db:"amount"`
	Currency      string    `json:"currency" db:"currency"`
	Status        string    `json:"status" db:"status"`
	CorrelationID string    `json:"correlation_id" db:"correlation_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Dispute resolution outcomes.
const (
	DisputeOpen = "open"
	DisputeWon  = "won"
	DisputeLost = "lost"
)

type Dispute struct {
	ID                string     `json:"id" db:"id"`
	PurchaseID        string     `json:"purchase_id" db:"purchase_id"`
	ExternalDisputeID string     `json:"external_dispute_id" db:"external_dispute_id"`
	Amount            int64      `json:"amount" db:"amount"`
	Currency          string     `json:"currency" db:"currency"`
	Reason            string     `json:"reason" db:"reason"`
	Status            string     `json:"status" db:"status"`
	CorrelationID     string     `json:"correlation_id" db:"correlation_id"`
	DueBy             *time.Time `json:"due_by,omitempty" db:"due_by"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}
