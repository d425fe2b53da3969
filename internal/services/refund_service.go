package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/stagepass/treasury/internal/audit"
	"github.com/stagepass/treasury/internal/config"
	"github.com/stagepass/treasury/internal/models"
)

// ChargeLookup queries the gateway for charge details, used when a reported
// refund cannot be matched to a purchase.
type ChargeLookup interface {
	GetCharge(ctx context.Context, chargeID string) (*GatewayCharge, error)
}

// RefundService creates compensating ledger entries when money is returned
// or contested. Reversals never touch the original entries; they are new
// paired entries in the opposite direction.
type RefundService struct {
	db        *sql.DB
	ledger    *LedgerService
	gateway   ChargeLookup
	notifier  Notifier
	audit     *audit.Logger
	validator *ValidationHelper
	cfg       *config.TreasuryConfig
}

func NewRefundService(db *sql.DB, ledger *LedgerService, gateway ChargeLookup, notifier Notifier, cfg *config.TreasuryConfig) *RefundService {
	return &RefundService{
		db:        db,
		ledger:    ledger,
		gateway:   gateway,
		notifier:  notifier,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// HandleChargeRefunded reverses the refunded amount back to the payer. The
// purchase moves to refunded only when the cumulative refunded amount equals
// the original amount; partial refunds leave it completed with a note.
func (rs *RefundService) HandleChargeRefunded(ctx context.Context, eventID string, data json.RawMessage) error {
	var payload models.ChargeRefundedData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := rs.validator.ValidateStruct(&payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	purchase, err := rs.purchaseByCharge(ctx, payload.ChargeID)
	if err != nil {
		if err == sql.ErrNoRows {
			rs.logUnmatchedCharge(ctx, payload.ChargeID, eventID)
			return fmt.Errorf("%w: charge %s", ErrPurchaseNotFound, payload.ChargeID)
		}
		return err
	}

	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// The gateway refund id is the refund's primary key; a redelivered event
	// loses the insert and the reversal is not duplicated.
	correlationID, err := rs.ledger.RecordPair(ctx, tx, EntryPair{
		DebitAccountID:  rs.cfg.ReserveAccountID,
		CreditAccountID: purchase.AccountID,
		Amount:          payload.Amount,
		Currency:        payload.Currency,
		EventSource:     models.SourceRefund,
		ReferenceID:     purchase.ID,
		Description:     fmt.Sprintf("refund %s for charge %s", payload.RefundID, payload.ChargeID),
		Metadata:        models.Metadata{"external_event_id": eventID, "refund_id": payload.RefundID},
	})
	if err != nil {
		return fmt.Errorf("record reversal pair: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO refunds (id, purchase_id, amount, currency, status, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, 'processed', $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		payload.RefundID, purchase.ID, payload.Amount, payload.Currency, correlationID, time.Now())
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		log.Printf("[REFUND] Refund %s already recorded, skipping", payload.RefundID)
		return nil
	}

	var refundedTotal int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE purchase_id = $1`, purchase.ID).Scan(&refundedTotal); err != nil {
		return fmt.Errorf("sum refunds: %w", err)
	}

	if refundedTotal >= purchase.Amount {
		if _, err := tx.ExecContext(ctx, `
			UPDATE purchases SET status = 'refunded', refunded_at = $1, updated_at = $1
			WHERE id = $2`, time.Now(), purchase.ID); err != nil {
			return fmt.Errorf("mark refunded: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE purchases
			SET metadata = metadata || jsonb_build_object('refund_note', $1::text), updated_at = $2
			WHERE id = $3`,
			fmt.Sprintf("partial refund %d of %d", refundedTotal, purchase.Amount),
			time.Now(), purchase.ID); err != nil {
			return fmt.Errorf("note partial refund: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refund %s: %w", payload.RefundID, err)
	}

	rs.notifier.Notify("refund.processed", map[string]any{
		"purchase_id":    purchase.ID,
		"refund_id":      payload.RefundID,
		"amount":         payload.Amount,
		"correlation_id": correlationID,
	})
	return nil
}

// HandleDisputeCreated holds back the disputed amount with the same reversal
// pattern and records dispute metadata. The money returns only if the
// dispute is later won.
func (rs *RefundService) HandleDisputeCreated(ctx context.Context, eventID string, data json.RawMessage) error {
	var payload models.DisputeCreatedData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := rs.validator.ValidateStruct(&payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	purchase, err := rs.purchaseByCharge(ctx, payload.ChargeID)
	if err != nil {
		if err == sql.ErrNoRows {
			rs.logUnmatchedCharge(ctx, payload.ChargeID, eventID)
			return fmt.Errorf("%w: charge %s", ErrPurchaseNotFound, payload.ChargeID)
		}
		return err
	}

	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	disputeID := uuid.New().String()
	correlationID, err := rs.ledger.RecordPair(ctx, tx, EntryPair{
		DebitAccountID:  rs.cfg.ReserveAccountID,
		CreditAccountID: purchase.AccountID,
		Amount:          payload.Amount,
		Currency:        payload.Currency,
		EventSource:     models.SourceDispute,
		ReferenceID:     disputeID,
		Description:     fmt.Sprintf("dispute %s for charge %s", payload.DisputeID, payload.ChargeID),
		Metadata:        models.Metadata{"external_event_id": eventID, "reason": payload.Reason},
	})
	if err != nil {
		return fmt.Errorf("record dispute reversal: %w", err)
	}

	var dueBy *time.Time
	if payload.DueBy > 0 {
		t := time.Unix(payload.DueBy, 0)
		dueBy = &t
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO disputes (id, purchase_id, external_dispute_id, amount, currency, reason, status, correlation_id, due_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'open', $7, $8, $9)
		ON CONFLICT (external_dispute_id) DO NOTHING`,
		disputeID, purchase.ID, payload.DisputeID, payload.Amount, payload.Currency,
		payload.Reason, correlationID, dueBy, time.Now())
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		log.Printf("[DISPUTE] Dispute %s already recorded, skipping", payload.DisputeID)
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE purchases SET status = 'disputed', updated_at = $1
		WHERE id = $2 AND status = 'completed'`, time.Now(), purchase.ID); err != nil {
		return fmt.Errorf("mark disputed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dispute %s: %w", payload.DisputeID, err)
	}

	rs.audit.LogOperation(correlationID, purchase.AccountID, "DISPUTE_OPENED",
		fmt.Sprintf("dispute %s, reason: %s", payload.DisputeID, payload.Reason))
	return nil
}

// HandleDisputeClosed resolves an open dispute. A win restores the held
// funds with a counter-reversal; a loss finalizes the hold.
func (rs *RefundService) HandleDisputeClosed(ctx context.Context, eventID string, data json.RawMessage) error {
	var payload models.DisputeClosedData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := rs.validator.ValidateStruct(&payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var dispute models.Dispute
	var payerAccountID string
	err = tx.QueryRowContext(ctx, `
		SELECT d.id, d.purchase_id, d.amount, d.currency, p.account_id
		FROM disputes d
		JOIN purchases p ON p.id = d.purchase_id
		WHERE d.external_dispute_id = $1 AND d.status = 'open'
		FOR UPDATE OF d`, payload.DisputeID).Scan(
		&dispute.ID, &dispute.PurchaseID, &dispute.Amount, &dispute.Currency, &payerAccountID)
	if err == sql.ErrNoRows {
		// Unknown or already resolved; redelivered resolution is a no-op.
		log.Printf("[DISPUTE] No open dispute %s, skipping resolution", payload.DisputeID)
		return nil
	}
	if err != nil {
		return err
	}

	if payload.Outcome == models.DisputeWon {
		// Reversal of the reversal: the held funds come back.
		if _, err := rs.ledger.RecordPair(ctx, tx, EntryPair{
			DebitAccountID:  payerAccountID,
			CreditAccountID: rs.cfg.ReserveAccountID,
			Amount:          dispute.Amount,
			Currency:        dispute.Currency,
			EventSource:     models.SourceDispute,
			ReferenceID:     dispute.ID,
			Description:     fmt.Sprintf("dispute %s won, funds restored", payload.DisputeID),
			Metadata:        models.Metadata{"external_event_id": eventID},
		}); err != nil {
			return fmt.Errorf("record counter-reversal: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE purchases SET status = 'completed', updated_at = $1
			WHERE id = $2 AND status = 'disputed'`, time.Now(), dispute.PurchaseID); err != nil {
			return fmt.Errorf("restore purchase status: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolved_at = $2
		WHERE id = $3`, payload.Outcome, time.Now(), dispute.ID); err != nil {
		return fmt.Errorf("resolve dispute: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resolution %s: %w", payload.DisputeID, err)
	}

	log.Printf("[DISPUTE] Dispute %s resolved: %s", payload.DisputeID, payload.Outcome)
	return nil
}

func (rs *RefundService) purchaseByCharge(ctx context.Context, chargeID string) (*models.Purchase, error) {
	p := &models.Purchase{}
	err := rs.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount, currency, status
		FROM purchases
		WHERE external_charge_id = $1`, chargeID).Scan(
		&p.ID, &p.AccountID, &p.Amount, &p.Currency, &p.Status)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// logUnmatchedCharge pulls gateway-side charge details so the manual
// reconciliation entry has something to work with.
func (rs *RefundService) logUnmatchedCharge(ctx context.Context, chargeID, eventID string) {
	charge, err := rs.gateway.GetCharge(ctx, chargeID)
	if err != nil {
		log.Printf("[REFUND] Unmatched charge %s (event %s), gateway lookup failed: %v", chargeID, eventID, err)
		return
	}
	log.Printf("[REFUND] Unmatched charge %s (event %s): gateway reports amount=%d %s status=%s",
		chargeID, eventID, charge.Amount, charge.Currency, charge.Status)
}
