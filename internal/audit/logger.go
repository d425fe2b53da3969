package audit

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	CorrelationID string    `json:"correlation_id"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	Details       any       `json:"details"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogPair(correlationID, debitAccount, creditAccount string, amount int64, source string) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "LEDGER_PAIR",
		CorrelationID: correlationID,
		Amount:        amount,
		Status:        "SUCCESS",
		Details: map[string]string{
			"debit_account":  debitAccount,
			"credit_account": creditAccount,
			"event_source":   source,
		},
	}
	a.log(event)
}

func (a *Logger) LogPayout(payoutID, accountID string, amount int64, status string) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "PAYOUT",
		CorrelationID: payoutID,
		AccountID:     accountID,
		Amount:        amount,
		Status:        status,
	}
	a.log(event)
}

func (a *Logger) LogError(correlationID, accountID string, err error) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		CorrelationID: correlationID,
		AccountID:     accountID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *Logger) LogOperation(correlationID, accountID, operation, details string) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     operation,
		CorrelationID: correlationID,
		AccountID:     accountID,
		Status:        "SUCCESS",
		Details:       map[string]string{"details": details},
	}
	a.log(event)
}

func (a *Logger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
