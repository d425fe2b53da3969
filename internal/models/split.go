package models

import "time"

// Split rule scopes, most specific first during resolution.
const (
	ScopeEvent        = "event"
	ScopeSubscription = "subscription"
	ScopeDrop         = "drop"
	ScopeTip          = "tip"
	ScopeDefault      = "default"
)

// SplitRule describes how a purchase's value is divided among recipients.
// Percents must sum to at most 100; the remainder implicitly accrues to the
// platform reserve.
type SplitRule struct {
	ID             string           `json:"id" db:"id"`
	OwnerID        string           `json:"owner_id" db:"owner_id"`
	Scope          string           `json:"scope" db:"scope" validate:"required,oneof=event subscription drop tip default"`
	ScopeReference *string          `json:"scope_reference,omitempty" db:"scope_reference"` // nil for defaults
	Recipients     []SplitRecipient `json:"recipients" validate:"required,min=1,dive"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

type SplitRecipient struct {
	RecipientID string `json:"recipient_id" db:"recipient_id" validate:"required"`
	Percent     int    `json:"percent" db:"percent" validate:"required,gt=0,lte=100"`
	Role        string `json:"role" db:"role" validate:"required"`
	Position    int    `json:"position" db:"position"`
}

// PercentTotal sums recipient percents for the rule invariant check.
func (r *SplitRule) PercentTotal() int {
	total := 0
	for _, rec := range r.Recipients {
		total += rec.Percent
	}
	return total
}
