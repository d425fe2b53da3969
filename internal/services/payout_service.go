package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stagepass/treasury/internal/audit"
	"github.com/stagepass/treasury/internal/config"
	"github.com/stagepass/treasury/internal/models"
)

// PayoutRail dispatches a payout to the external payee rail.
type PayoutRail interface {
	Dispatch(ctx context.Context, payout *models.Payout) error
}

// PayoutScheduler batches accumulated credits into payouts. The claim step is
// transactional: candidate entries are locked and assigned to the payout in
// the same transaction that creates it, so two concurrent runs can never pay
// out the same funds twice. The partial unique index on active
// payout_entries rows is the backstop.
type PayoutScheduler struct {
	db        *sql.DB
	ledger    *LedgerService
	rail      PayoutRail
	audit     *audit.Logger
	validator *ValidationHelper
	cfg       *config.TreasuryConfig
}

func NewPayoutScheduler(db *sql.DB, ledger *LedgerService, rail PayoutRail, cfg *config.TreasuryConfig) *PayoutScheduler {
	return &PayoutScheduler{
		db:        db,
		ledger:    ledger,
		rail:      rail,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// SchedulePayout claims the account's unclaimed credit entries and creates a
// payout for their sum. Fails with ErrBelowMinimumThreshold when the sum is
// under the configured minimum; no payout row is created in that case.
func (s *PayoutScheduler) SchedulePayout(ctx context.Context, accountID string) (*models.Payout, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Lock credit entries not already assigned to a live payout. Entries of
	// failed payouts have released = true and become claimable again.
	rows, err := tx.QueryContext(ctx, `
		SELECT e.id, e.amount, e.currency
		FROM ledger_entries e
		WHERE e.account_id = $1
		  AND e.direction = 'credit'
		  AND NOT EXISTS (
			SELECT 1 FROM payout_entries pe
			WHERE pe.ledger_entry_id = e.id AND NOT pe.released
		  )
		ORDER BY e.id
		FOR UPDATE OF e`, accountID)
	if err != nil {
		return nil, fmt.Errorf("claim entries: %w", err)
	}

	var entryIDs []int64
	var total int64
	currency := ""
	for rows.Next() {
		var id, amount int64
		var ccy string
		if err := rows.Scan(&id, &amount, &ccy); err != nil {
			rows.Close()
			return nil, err
		}
		if currency == "" {
			currency = ccy
		}
		if ccy != currency {
			// One currency per payout. Entries in other currencies stay
			// unclaimed and go out in a later cycle.
			continue
		}
		entryIDs = append(entryIDs, id)
		total += amount
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if total < s.cfg.MinPayoutAmount {
		return nil, ErrBelowMinimumThreshold
	}

	// The derived balance is authoritative; adjustments or debits outside the
	// payout path must never be paid out.
	balance, err := s.ledger.AccountBalance(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("derive balance: %w", err)
	}
	if balance < total {
		return nil, ErrInsufficientBalance
	}

	payout := &models.Payout{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Amount:       total,
		Currency:     currency,
		Status:       models.PayoutPending,
		ScheduledFor: time.Now(),
		RiskScore:    riskScore(total),
		EntryIDs:     entryIDs,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payouts (id, account_id, amount, currency, status, scheduled_for, risk_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		payout.ID, payout.AccountID, payout.Amount, payout.Currency, payout.Status,
		payout.ScheduledFor, payout.RiskScore, time.Now()); err != nil {
		return nil, fmt.Errorf("insert payout: %w", err)
	}

	for _, entryID := range entryIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payout_entries (payout_id, ledger_entry_id, released)
			VALUES ($1, $2, false)`, payout.ID, entryID); err != nil {
			return nil, fmt.Errorf("assign entry %d: %w", entryID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit payout %s: %w", payout.ID, err)
	}

	s.audit.LogPayout(payout.ID, accountID, total, models.PayoutPending)
	return payout, nil
}

func riskScore(amount int64) int {
	switch {
	case amount >= 1_000_000:
		return 75
	case amount >= 100_000:
		return 40
	default:
		return 10
	}
}

// Dispatch sends the payout to the external rail and moves it to processing.
// A dispatch failure leaves the payout pending for the next cycle.
func (s *PayoutScheduler) Dispatch(ctx context.Context, payout *models.Payout) error {
	if err := s.rail.Dispatch(ctx, payout); err != nil {
		log.Printf("[PAYOUT] Dispatch failed for %s, will retry next cycle: %v", payout.ID, err)
		return err
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE payouts SET status = 'processing', updated_at = $1
		WHERE id = $2 AND status = 'pending'`, time.Now(), payout.ID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	payout.Status = models.PayoutProcessing
	s.audit.LogPayout(payout.ID, payout.AccountID, payout.Amount, models.PayoutProcessing)
	return nil
}

// HandlePayoutUpdated processes the rail callback relayed by the gateway.
// Completion records the payout ledger pair; failure releases the claimed
// entries for rescheduling without reversing them, since the money is still owed.
func (s *PayoutScheduler) HandlePayoutUpdated(ctx context.Context, eventID string, data json.RawMessage) error {
	var payload models.PayoutUpdatedData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.validator.ValidateStruct(&payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	payout, err := s.fetchPayout(ctx, payload.PayoutID)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: payout %s", ErrPayoutNotFound, payload.PayoutID)
		}
		return err
	}

	switch payload.Status {
	case models.PayoutCompleted:
		return s.completePayout(ctx, payout, eventID)
	case models.PayoutFailed:
		return s.failPayout(ctx, payout, payload.Failure)
	default:
		return fmt.Errorf("%w: unknown payout status %q", ErrInvalidPayload, payload.Status)
	}
}

func (s *PayoutScheduler) completePayout(ctx context.Context, payout *models.Payout, eventID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payouts SET status = 'completed', updated_at = $1
		WHERE id = $2 AND status IN ('pending', 'processing')`, time.Now(), payout.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Already terminal; redelivered callback.
		return nil
	}

	// The paid-out funds leave the account and settle against the reserve.
	if _, err := s.ledger.RecordPair(ctx, tx, EntryPair{
		DebitAccountID:  payout.AccountID,
		CreditAccountID: s.cfg.ReserveAccountID,
		Amount:          payout.Amount,
		Currency:        payout.Currency,
		EventSource:     models.SourcePayout,
		ReferenceID:     payout.ID,
		Description:     "payout settled",
		Metadata:        models.Metadata{"external_event_id": eventID},
	}); err != nil {
		return fmt.Errorf("record payout pair: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.audit.LogPayout(payout.ID, payout.AccountID, payout.Amount, models.PayoutCompleted)
	return nil
}

func (s *PayoutScheduler) failPayout(ctx context.Context, payout *models.Payout, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payouts SET status = 'failed', updated_at = $1
		WHERE id = $2 AND status IN ('pending', 'processing')`, time.Now(), payout.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE payout_entries SET released = true WHERE payout_id = $1`, payout.ID); err != nil {
		return fmt.Errorf("release entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("[PAYOUT] Payout %s failed (%s), entries released for rescheduling", payout.ID, reason)
	s.audit.LogPayout(payout.ID, payout.AccountID, payout.Amount, models.PayoutFailed)
	return nil
}

func (s *PayoutScheduler) fetchPayout(ctx context.Context, payoutID string) (*models.Payout, error) {
	p := &models.Payout{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount, currency, status, scheduled_for, risk_score, created_at, updated_at
		FROM payouts
		WHERE id = $1`, payoutID).Scan(
		&p.ID, &p.AccountID, &p.Amount, &p.Currency, &p.Status, &p.ScheduledFor,
		&p.RiskScore, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// eligibleAccounts finds accounts whose unclaimed credits meet the minimum.
// Holding accounts never receive payouts.
func (s *PayoutScheduler) eligibleAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.account_id
		FROM ledger_entries e
		WHERE e.direction = 'credit'
		  AND e.account_id NOT IN ($1, $2)
		  AND NOT EXISTS (
			SELECT 1 FROM payout_entries pe
			WHERE pe.ledger_entry_id = e.id AND NOT pe.released
		  )
		GROUP BY e.account_id
		HAVING SUM(e.amount) >= $3`,
		s.cfg.ReserveAccountID, s.cfg.PayerFundsAccountID, s.cfg.MinPayoutAmount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		accounts = append(accounts, id)
	}
	return accounts, rows.Err()
}

// Run executes the scheduling cycle on a timer until ctx is cancelled.
func (s *PayoutScheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// redispatchPending retries payouts stuck in pending from an earlier failed
// rail dispatch. Their entries stay claimed, so the eligibility scan never
// sees them again; without this pass the funds would be stuck forever.
func (s *PayoutScheduler) redispatchPending(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, amount, currency, status, scheduled_for, risk_score, created_at, updated_at
		FROM payouts
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT 50`)
	if err != nil {
		log.Printf("[PAYOUT] Pending scan failed: %v", err)
		return
	}
	defer rows.Close()

	pending := []models.Payout{}
	for rows.Next() {
		var p models.Payout
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Amount, &p.Currency, &p.Status,
			&p.ScheduledFor, &p.RiskScore, &p.CreatedAt, &p.UpdatedAt); err != nil {
			log.Printf("[PAYOUT] Pending scan failed: %v", err)
			return
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[PAYOUT] Pending scan failed: %v", err)
		return
	}

	for i := range pending {
		if err := s.Dispatch(ctx, &pending[i]); err != nil {
			continue
		}
		log.Printf("[PAYOUT] Redispatched payout %s for %s", pending[i].ID, pending[i].AccountID)
	}
}

func (s *PayoutScheduler) runCycle(ctx context.Context) {
	s.redispatchPending(ctx)

	accounts, err := s.eligibleAccounts(ctx)
	if err != nil {
		log.Printf("[PAYOUT] Eligibility scan failed: %v", err)
		return
	}

	for _, accountID := range accounts {
		payout, err := s.SchedulePayout(ctx, accountID)
		if err != nil {
			if errors.Is(err, ErrBelowMinimumThreshold) {
				continue
			}
			log.Printf("[PAYOUT] Scheduling failed for %s: %v", accountID, err)
			continue
		}
		if err := s.Dispatch(ctx, payout); err != nil {
			continue
		}
		log.Printf("[PAYOUT] Dispatched payout %s for %s (%d %s)", payout.ID, accountID, payout.Amount, payout.Currency)
	}
}

// RequestPayout schedules a payout on demand for one account.
// @Summary Request a payout
// @Description Schedule a payout of the account's accumulated credits
// @Tags payouts
// @Accept json
// @Produce json
// @Param request body object{account_id=string} true "Payout request"
// @Success 201 {object} models.Payout
// @Failure 400 {object} map[string]string
// @Failure 422 {object} map[string]string
// @Router /payouts [post]
func (s *PayoutScheduler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id" validate:"required"`
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	payout, err := s.SchedulePayout(r.Context(), req.AccountID)
	if err != nil {
		switch {
		case errors.Is(err, ErrBelowMinimumThreshold):
			SendErrorResponse(w, "Balance below minimum payout threshold", http.StatusUnprocessableEntity, nil)
		case errors.Is(err, ErrInsufficientBalance):
			SendErrorResponse(w, "Insufficient balance", http.StatusUnprocessableEntity, nil)
		default:
			log.Printf("[PAYOUT] Request failed for %s: %v", req.AccountID, err)
			SendErrorResponse(w, "Failed to schedule payout", http.StatusInternalServerError, nil)
		}
		return
	}

	if err := s.Dispatch(r.Context(), payout); err != nil {
		log.Printf("[PAYOUT] Immediate dispatch failed for %s: %v", payout.ID, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(payout)
}

// ListPayouts lists payouts, optionally filtered by account.
// @Summary List payouts
// @Description List payouts, optionally filtered by account
// @Tags payouts
// @Produce json
// @Param accountId query string false "Filter by account"
// @Success 200 {object} object{payouts=[]models.Payout,count=int}
// @Failure 500 {object} map[string]string
// @Router /payouts [get]
func (s *PayoutScheduler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")

	query := `
		SELECT id, account_id, amount, currency, status, scheduled_for, risk_score, created_at, updated_at
		FROM payouts`
	args := []interface{}{}
	if accountID != "" {
		query += ` WHERE account_id = $1`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at DESC LIMIT 50`

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		http.Error(w, "Failed to fetch payouts", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	payouts := []models.Payout{}
	for rows.Next() {
		var p models.Payout
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Amount, &p.Currency, &p.Status,
			&p.ScheduledFor, &p.RiskScore, &p.CreatedAt, &p.UpdatedAt); err != nil {
			http.Error(w, "Failed to fetch payouts", http.StatusInternalServerError)
			return
		}
		payouts = append(payouts, p)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"payouts": payouts,
		"count":   len(payouts),
	})
}
