package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stagepass/treasury/internal/audit"
	"github.com/stagepass/treasury/internal/config"
	"github.com/stagepass/treasury/internal/models"
)

// Fulfiller performs the domain side effect of a purchase (ticket issuance,
// content unlock). Invoked only after the ledger pair is committed.
type Fulfiller interface {
	Fulfill(ctx context.Context, purchase *models.Purchase) error
}

// SplitApplier distributes a purchase's value among beneficiaries.
type SplitApplier interface {
	Apply(ctx context.Context, purchase *models.Purchase) ([]string, error)
}

// Notifier delivers fire-and-forget event notifications to the analytics
// collaborator. Delivery failure never blocks a financial operation.
type Notifier interface {
	Notify(eventType string, payload any)
}

// PurchaseService turns verified checkout events into purchase rows, ledger
// entries and fulfillment side effects.
type PurchaseService struct {
	db        *sql.DB
	ledger    *LedgerService
	splits    SplitApplier
	fulfiller Fulfiller
	notifier  Notifier
	audit     *audit.Logger
	validator *ValidationHelper
	cfg       *config.TreasuryConfig
}

func NewPurchaseService(db *sql.DB, ledger *LedgerService, splits SplitApplier, fulfiller Fulfiller, notifier Notifier, cfg *config.TreasuryConfig) *PurchaseService {
	return &PurchaseService{
		db:        db,
		ledger:    ledger,
		splits:    splits,
		fulfiller: fulfiller,
		notifier:  notifier,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// HandleCheckoutCompleted processes a verified checkout.session.completed
// event. The ledger pair and the purchase row commit in one transaction;
// split application and fulfillment run afterwards and never roll back money
// already recorded.
func (ps *PurchaseService) HandleCheckoutCompleted(ctx context.Context, eventID string, data json.RawMessage) error {
	var payload models.CheckoutCompletedData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.PayerAccountID == "" {
		return fmt.Errorf("%w: missing payer account id", ErrInvalidPayload)
	}
	if err := ps.validator.ValidateStruct(&payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if err := ps.ledger.EnsureAccount(ctx, payload.PayerAccountID, ""); err != nil {
		return fmt.Errorf("ensure payer account: %w", err)
	}

	purchase := &models.Purchase{
		ID:                uuid.New().String(),
		AccountID:         payload.PayerAccountID,
		ProductType:       payload.ProductType,
		ProductReference:  payload.ProductReference,
		Amount:            payload.Amount,
		Currency:          payload.Currency,
		ExternalSessionID: payload.SessionID,
		ExternalChargeID:  payload.ChargeID,
		Status:            models.PurchaseCompleted,
		FulfillmentStatus: models.FulfillmentPending,
		Metadata:          payload.Metadata,
	}

	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Unique constraint on external_session_id: a second delivery of the
	// same session loses here and the whole event is an idempotent no-op.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO purchases
		(id, account_id, product_type, product_reference, amount, currency, external_session_id, external_charge_id, status, fulfillment_status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (external_session_id) DO NOTHING`,
		purchase.ID, purchase.AccountID, purchase.ProductType, purchase.ProductReference,
		purchase.Amount, purchase.Currency, purchase.ExternalSessionID, purchase.ExternalChargeID,
		purchase.Status, purchase.FulfillmentStatus, purchase.Metadata, time.Now())
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		log.Printf("[PURCHASE] Duplicate session %s, treating as processed", payload.SessionID)
		return nil
	}

	// Money received: debit the reserve, credit the neutral payer funds
	// account. The beneficiary split settles later out of the reserve.
	correlationID, err := ps.ledger.RecordPair(ctx, tx, EntryPair{
		DebitAccountID:  ps.cfg.ReserveAccountID,
		CreditAccountID: ps.cfg.PayerFundsAccountID,
		Amount:          purchase.Amount,
		Currency:        purchase.Currency,
		EventSource:     models.SourcePurchase,
		ReferenceID:     purchase.ID,
		Description:     fmt.Sprintf("checkout %s (%s)", payload.SessionID, purchase.ProductType),
		Metadata:        models.Metadata{"external_event_id": eventID, "charge_id": payload.ChargeID},
	})
	if err != nil {
		return fmt.Errorf("record purchase pair: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purchase %s: %w", purchase.ID, err)
	}

	// Past this point the financial record is durable. Split and fulfillment
	// failures are recorded and retried by reconciliation, never rolled back.
	if _, err := ps.splits.Apply(ctx, purchase); err != nil {
		log.Printf("[PURCHASE] Split application deferred for %s: %v", purchase.ID, err)
		ps.audit.LogError(correlationID, purchase.AccountID, err)
	}

	ps.runFulfillment(ctx, purchase)

	ps.notifier.Notify("purchase.completed", map[string]any{
		"purchase_id":    purchase.ID,
		"account_id":     purchase.AccountID,
		"amount":         purchase.Amount,
		"currency":       purchase.Currency,
		"correlation_id": correlationID,
	})

	return nil
}

func (ps *PurchaseService) runFulfillment(ctx context.Context, purchase *models.Purchase) {
	status := models.FulfillmentFulfilled
	if err := ps.fulfiller.Fulfill(ctx, purchase); err != nil {
		// Money already moved stays truthfully recorded; only the
		// fulfillment status reports the failure.
		log.Printf("[PURCHASE] Fulfillment failed for %s: %v", purchase.ID, err)
		status = models.FulfillmentFailed
	}

	if _, err := ps.db.ExecContext(ctx, `
		UPDATE purchases SET fulfillment_status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now(), purchase.ID); err != nil {
		log.Printf("[PURCHASE] Failed to update fulfillment status for %s: %v", purchase.ID, err)
	}
	purchase.FulfillmentStatus = status
}

// GetPurchase retrieves a purchase by id.
// @Summary Get purchase
// @Description Retrieve a purchase by its id
// @Tags purchases
// @Produce json
// @Param purchaseId path string true "Purchase ID"
// @Success 200 {object} models.Purchase
// @Failure 404 {object} map[string]string
// @Router /purchases/{purchaseId} [get]
func (ps *PurchaseService) GetPurchase(w http.ResponseWriter, r *http.Request) {
	purchaseID := chi.URLParam(r, "purchaseId")

	purchase, err := ps.fetchPurchase(r.Context(), purchaseID)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Purchase not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to fetch purchase", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(purchase)
}

// ListPurchases lists purchases with optional account filter.
// @Summary List purchases
// @Description List purchases, optionally filtered by payer account
// @Tags purchases
// @Produce json
// @Param accountId query string false "Filter by payer account"
// @Success 200 {object} object{purchases=[]models.Purchase,count=int}
// @Failure 500 {object} map[string]string
// @Router /purchases [get]
func (ps *PurchaseService) ListPurchases(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")

	query := `
		SELECT id, account_id, product_type, product_reference, amount, currency,
		       external_session_id, external_charge_id, status, fulfillment_status,
		       metadata, created_at, updated_at, refunded_at
		FROM purchases`
	args := []interface{}{}
	if accountID != "" {
		query += ` WHERE account_id = $1`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at DESC LIMIT 50`

	rows, err := ps.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		http.Error(w, "Failed to fetch purchases", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	purchases := []models.Purchase{}
	for rows.Next() {
		var p models.Purchase
		if err := rows.Scan(&p.ID, &p.AccountID, &p.ProductType, &p.ProductReference,
			&p.Amount, &p.Currency, &p.ExternalSessionID, &p.ExternalChargeID,
			&p.Status, &p.FulfillmentStatus, &p.Metadata, &p.CreatedAt, &p.UpdatedAt, &p.RefundedAt); err != nil {
			http.Error(w, "Failed to fetch purchases", http.StatusInternalServerError)
			return
		}
		purchases = append(purchases, p)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"purchases": purchases,
		"count":     len(purchases),
	})
}

func (ps *PurchaseService) fetchPurchase(ctx context.Context, purchaseID string) (*models.Purchase, error) {
	p := &models.Purchase{}
	err := ps.db.QueryRowContext(ctx, `
		SELECT id, account_id, product_type, product_reference, amount, currency,
		       external_session_id, external_charge_id, status, fulfillment_status,
		       metadata, created_at, updated_at, refunded_at
		FROM purchases
		WHERE id = $1`, purchaseID).Scan(
		&p.ID, &p.AccountID, &p.ProductType, &p.ProductReference, &p.Amount, &p.Currency,
		&p.ExternalSessionID, &p.ExternalChargeID, &p.Status, &p.FulfillmentStatus,
		&p.Metadata, &p.CreatedAt, &p.UpdatedAt, &p.RefundedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}
