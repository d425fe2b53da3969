package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
)

// WebhookOutcome is the result of processing one delivery.
type WebhookOutcome int

const (
	OutcomeProcessed WebhookOutcome = iota
	OutcomeSkipped
	OutcomeFailed
)

// EventHandlerFunc handles one verified, admitted gateway event.
type EventHandlerFunc func(ctx context.Context, eventID string, data json.RawMessage) error

// WebhookService authenticates inbound gateway events, deduplicates them
// through the webhook_logs table and routes them to the registered handler.
// The unique constraint on external_event_id is the sole mechanism preventing
// duplicate processing; a racing second delivery loses the insert and is
// skipped.
type WebhookService struct {
	db       *sql.DB
	secret   []byte
	timeout  time.Duration
	handlers map[string]EventHandlerFunc
}

func NewWebhookService(db *sql.DB, secret string, timeout time.Duration) *WebhookService {
	return &WebhookService{
		db:       db,
		secret:   []byte(secret),
		timeout:  timeout,
		handlers: make(map[string]EventHandlerFunc),
	}
}

// Register binds a handler to a gateway event type.
func (s *WebhookService) Register(eventType string, h EventHandlerFunc) {
	s.handlers[eventType] = h
}

// VerifySignature recomputes the HMAC-SHA256 over the raw payload and
// compares in constant time. Header format: "t=<unix>,v1=<hex>". Any
// malformed header fails closed.
func (s *WebhookService) VerifySignature(payload []byte, signatureHeader string) error {
	var timestamp, signature string
	for _, part := range strings.Split(signatureHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signature = kv[1]
		}
	}

	if timestamp == "" || signature == "" {
		return ErrSignatureInvalid
	}
	if _, err := strconv.ParseInt(timestamp, 10, 64); err != nil {
		return ErrSignatureInvalid
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureInvalid
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)

	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrSignatureInvalid
	}
	return nil
}

// Admit decides whether the event proceeds. The check-then-insert is a single
// atomic upsert: a row already marked processed wins the conflict and the
// delivery is skipped; processing/failed rows are retaken with a retry bump.
func (s *WebhookService) Admit(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_logs (external_event_id, event_type, status, payload, retry_count, created_at, updated_at)
		VALUES ($1, $2, 'processing', $3, 0, $4, $4)
		ON CONFLICT (external_event_id) DO UPDATE
		SET status = 'processing', retry_count = webhook_logs.retry_count + 1, updated_at = $4
		WHERE webhook_logs.status <> 'processed'
		RETURNING id`,
		eventID, eventType, payload, time.Now()).Scan(&id)

	if err == sql.ErrNoRows {
		// Redelivery of a processed event. Silent skip, not an error.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *WebhookService) markProcessed(eventID string) {
	if _, err := s.db.Exec(`
		UPDATE webhook_logs SET status = 'processed', error = '', updated_at = $1
		WHERE external_event_id = $2`, time.Now(), eventID); err != nil {
		log.Printf("[WEBHOOK] Failed to mark %s processed: %v", eventID, err)
	}
}

func (s *WebhookService) markFailed(eventID string, cause error) {
	if _, err := s.db.Exec(`
		UPDATE webhook_logs SET status = 'failed', error = $1, updated_at = $2
		WHERE external_event_id = $3`, cause.Error(), time.Now(), eventID); err != nil {
		log.Printf("[WEBHOOK] Failed to mark %s failed: %v", eventID, err)
	}
}

func (s *WebhookService) markSkipped(eventID string) {
	if _, err := s.db.Exec(`
		UPDATE webhook_logs SET status = 'skipped', updated_at = $1
		WHERE external_event_id = $2`, time.Now(), eventID); err != nil {
		log.Printf("[WEBHOOK] Failed to mark %s skipped: %v", eventID, err)
	}
}

type webhookEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Process runs the full pipeline for one delivery: verify, admit, route,
// record the outcome. The returned error is transient (caller answers 5xx so
// the gateway redelivers); a nil error with OutcomeFailed is a fatal,
// acknowledged event.
func (s *WebhookService) Process(ctx context.Context, payload []byte, signatureHeader string) (WebhookOutcome, error) {
	if err := s.VerifySignature(payload, signatureHeader); err != nil {
		return OutcomeFailed, err
	}

	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.ID == "" || env.Type == "" {
		// Without an event id there is nothing to record against.
		return OutcomeFailed, fmt.Errorf("%w: malformed envelope", ErrInvalidPayload)
	}

	proceed, err := s.Admit(ctx, env.ID, env.Type, payload)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("admit %s: %w", env.ID, err)
	}
	if !proceed {
		log.Printf("[WEBHOOK] Skipping already processed event %s", env.ID)
		return OutcomeSkipped, nil
	}

	handler, ok := s.handlers[env.Type]
	if !ok {
		log.Printf("[WEBHOOK] No handler for event type %s, acknowledging", env.Type)
		s.markSkipped(env.ID)
		return OutcomeSkipped, nil
	}

	hctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = handler(hctx, env.ID, env.Data)
	if err == nil {
		s.markProcessed(env.ID)
		return OutcomeProcessed, nil
	}

	if errors.Is(err, context.DeadlineExceeded) || hctx.Err() != nil {
		// Leave the row in processing so the gateway retry is treated as a
		// fresh attempt rather than skipped.
		log.Printf("[WEBHOOK] Event %s timed out: %v", env.ID, err)
		return OutcomeFailed, err
	}

	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrPurchaseNotFound) {
		// Fatal for this event: record and acknowledge, redelivery cannot
		// make it succeed.
		log.Printf("[WEBHOOK] Event %s failed permanently: %v", env.ID, err)
		s.markFailed(env.ID, err)
		return OutcomeFailed, nil
	}

	// Transient: record failure, answer 5xx, gateway redelivery retries it.
	log.Printf("[WEBHOOK] Event %s failed: %v", env.ID, err)
	s.markFailed(env.ID, err)
	return OutcomeFailed, err
}
