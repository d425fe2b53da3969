package services

import "errors"

// Treasury error taxonomy. Handlers decide HTTP/webhook outcomes off these
// sentinels with errors.Is.
var (
	// ErrSignatureInvalid rejects an event at the boundary; it is never
	// admitted for processing.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrInvalidPayload is fatal for the event; it is marked failed and not
	// retried automatically.
	ErrInvalidPayload = errors.New("invalid event payload")

	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrBelowMinimumThreshold = errors.New("balance below minimum payout threshold")

	// ErrPurchaseNotFound is logged for manual reconciliation, never
	// silently dropped.
	ErrPurchaseNotFound = errors.New("purchase not found")

	ErrUnbalancedPair = errors.New("ledger pair amounts do not balance")
	ErrRuleNotFound   = errors.New("split rule not found")
	ErrPayoutNotFound = errors.New("payout not found")
)
