package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stagepass/treasury/internal/audit"
	"github.com/stagepass/treasury/internal/models"
)

// LedgerService is the single source of truth for balances. Every write goes
// through RecordPair so the ledger can never hold an unbalanced correlation
// group.
type LedgerService struct {
	db    *sql.DB
	audit *audit.Logger
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:    db,
		audit: audit.NewLogger(),
	}
}

// EntryPair describes one logical transaction: a debit and a credit of the
// same amount, grouped by a correlation id.
type EntryPair struct {
	DebitAccountID  string
	CreditAccountID string
	Amount          int64
	Currency        string
	EventSource     string
	ReferenceID     string
	Description     string
	Metadata        models.Metadata
	CreatedBy       string
}

// RecordPair appends the two entries of a pair inside the given transaction
// and returns the generated correlation id. Amounts must be positive; the
// pair nets to zero by construction.
func (s *LedgerService) RecordPair(ctx context.Context, tx *sql.Tx, pair EntryPair) (string, error) {
	if pair.Amount <= 0 {
		return "", ErrUnbalancedPair
	}

	correlationID := uuid.New().String()
	if pair.CreatedBy == "" {
		pair.CreatedBy = "system"
	}

	if err := s.appendEntry(ctx, tx, pair.DebitAccountID, models.DirectionDebit, correlationID, pair); err != nil {
		return "", err
	}
	if err := s.appendEntry(ctx, tx, pair.CreditAccountID, models.DirectionCredit, correlationID, pair); err != nil {
		return "", err
	}

	s.audit.LogPair(correlationID, pair.DebitAccountID, pair.CreditAccountID, pair.Amount, pair.EventSource)
	return correlationID, nil
}

// RecordPairTx runs RecordPair in its own committed transaction.
func (s *LedgerService) RecordPairTx(ctx context.Context, pair EntryPair) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	correlationID, err := s.RecordPair(ctx, tx, pair)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return correlationID, nil
}

func (s *LedgerService) appendEntry(ctx context.Context, tx *sql.Tx, accountID, direction, correlationID string, pair EntryPair) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(account_id, amount, currency, direction, event_source, reference_id, correlation_id, description, metadata, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		accountID, pair.Amount, pair.Currency, direction, pair.EventSource,
		pair.ReferenceID, correlationID, pair.Description, pair.Metadata, time.Now(), pair.CreatedBy)
	return err
}

// AccountBalance derives the balance as sum(credits) - sum(debits). No cached
// balance exists anywhere; this is always recomputed from entries.
func (s *LedgerService) AccountBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN direction = 'credit' THEN amount ELSE -amount END), 0)
		FROM ledger_entries
		WHERE account_id = $1`, accountID).Scan(&balance)
	return balance, err
}

const entriesForReferenceQuery = `
	SELECT EXISTS(
		SELECT 1 FROM ledger_entries
		WHERE event_source = $1 AND reference_id = $2
	)`

// HasEntriesForReference reports whether any entry with the given event
// source already references the domain object. The split engine uses this as
// its idempotency probe against committed state.
func (s *LedgerService) HasEntriesForReference(ctx context.Context, eventSource, referenceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, entriesForReferenceQuery, eventSource, referenceID).Scan(&exists)
	return exists, err
}

// HasEntriesForReferenceTx runs the same probe inside an open transaction so
// the caller can serialize it behind a row lock.
func (s *LedgerService) HasEntriesForReferenceTx(ctx context.Context, tx *sql.Tx, eventSource, referenceID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, entriesForReferenceQuery, eventSource, referenceID).Scan(&exists)
	return exists, err
}

// EntriesByCorrelation returns the entries of one correlation group.
func (s *LedgerService) EntriesByCorrelation(ctx context.Context, correlationID string) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, amount, currency, direction, event_source, reference_id, correlation_id, description, metadata, created_at, created_by
		FROM ledger_entries
		WHERE correlation_id = $1
		ORDER BY id`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// EntriesByAccount lists an account's entries, newest first.
func (s *LedgerService) EntriesByAccount(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, amount, currency, direction, event_source, reference_id, correlation_id, description, metadata, created_at, created_by
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Currency, &e.Direction,
			&e.EventSource, &e.ReferenceID, &e.CorrelationID, &e.Description,
			&e.Metadata, &e.CreatedAt, &e.CreatedBy)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EnsureAccount creates the account row if missing. The platform reserve and
// payer funds accounts go through this same path at startup.
func (s *LedgerService) EnsureAccount(ctx context.Context, accountID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, status, created_at)
		VALUES ($1, $2, 'active', $3)
		ON CONFLICT (id) DO NOTHING`, accountID, name, time.Now())
	return err
}

// GetAccountBalance handles dashboard balance enquiries.
// @Summary Get account balance
// @Description Derive the account balance from ledger entries
// @Tags ledger
// @Produce json
// @Param accountId path string true "Account ID"
// @Success 200 {object} object{accountId=string,balance=int64}
// @Failure 500 {object} map[string]string
// @Router /ledger/accounts/{accountId}/balance [get]
func (s *LedgerService) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	balance, err := s.AccountBalance(r.Context(), accountID)
	if err != nil {
		log.Printf("[LEDGER] Balance derivation failed for %s: %v", accountID, err)
		http.Error(w, "Failed to derive balance", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accountId": accountID,
		"balance":   balance,
	})
}

// ListAccountEntries handles dashboard entry listings.
// @Summary List ledger entries
// @Description List an account's ledger entries, newest first
// @Tags ledger
// @Produce json
// @Param accountId path string true "Account ID"
// @Param limit query int false "Number of entries (default 50, max 200)"
// @Success 200 {object} object{entries=[]models.LedgerEntry,count=int}
// @Failure 500 {object} map[string]string
// @Router /ledger/accounts/{accountId}/entries [get]
func (s *LedgerService) ListAccountEntries(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	entries, err := s.EntriesByAccount(r.Context(), accountID, limit)
	if err != nil {
		log.Printf("[LEDGER] Entry listing failed for %s: %v", accountID, err)
		http.Error(w, "Failed to fetch entries", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
