package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/stagepass/treasury/internal/config"
	"github.com/stagepass/treasury/internal/models"
)

// SplitEngine distributes a purchase's value among beneficiaries per the most
// specific split rule. Shares are floor(amount*percent/100); whatever integer
// truncation or unassigned percent leaves over is credited back to the
// platform reserve, so the credits always sum to the original amount exactly.
type SplitEngine struct {
	db     *sql.DB
	ledger *LedgerService
	cfg    *config.TreasuryConfig
}

func NewSplitEngine(db *sql.DB, ledger *LedgerService, cfg *config.TreasuryConfig) *SplitEngine {
	return &SplitEngine{db: db, ledger: ledger, cfg: cfg}
}

// Apply settles the purchase's value out of the holding accounts. Idempotent
// per purchase: if split-sourced entries already reference it, this is a
// no-op. The idempotency probe reads committed ledger state, so callers must
// have committed the purchase pair first.
func (se *SplitEngine) Apply(ctx context.Context, purchase *models.Purchase) ([]string, error) {
	applied, err := se.ledger.HasEntriesForReference(ctx, models.SourceSplit, purchase.ID)
	if err != nil {
		return nil, fmt.Errorf("split idempotency check: %w", err)
	}
	if applied {
		log.Printf("[SPLIT] Purchase %s already split, skipping", purchase.ID)
		return nil, nil
	}

	rule, err := se.resolveRule(ctx, scopeForProduct(purchase.ProductType), purchase.ProductReference)
	if err != nil && err != ErrRuleNotFound {
		return nil, fmt.Errorf("resolve rule: %w", err)
	}

	shares, remainder := computeShares(purchase.Amount, rule)

	tx, err := se.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Lock the purchase row and re-run the probe under the lock. The inline
	// apply after checkout and the reconciliation sweep can both pass the
	// committed-state probe; only one of them gets past this one.
	var lockedID string
	if err := tx.QueryRowContext(ctx, `
		SELECT id FROM purchases WHERE id = $1 FOR UPDATE`, purchase.ID).Scan(&lockedID); err != nil {
		return nil, fmt.Errorf("lock purchase: %w", err)
	}
	applied, err = se.ledger.HasEntriesForReferenceTx(ctx, tx, models.SourceSplit, purchase.ID)
	if err != nil {
		return nil, fmt.Errorf("split idempotency check: %w", err)
	}
	if applied {
		log.Printf("[SPLIT] Purchase %s split by a concurrent applier, skipping", purchase.ID)
		return nil, nil
	}

	correlationIDs := []string{}
	for _, share := range shares {
		if err := se.ledger.EnsureAccount(ctx, share.RecipientID, ""); err != nil {
			return nil, fmt.Errorf("ensure recipient account: %w", err)
		}
		correlationID, err := se.ledger.RecordPair(ctx, tx, EntryPair{
			DebitAccountID:  se.cfg.ReserveAccountID,
			CreditAccountID: share.RecipientID,
			Amount:          share.Amount,
			Currency:        purchase.Currency,
			EventSource:     models.SourceSplit,
			ReferenceID:     purchase.ID,
			Description:     fmt.Sprintf("split %d%% (%s)", share.Percent, share.Role),
			Metadata:        models.Metadata{"purchase_id": purchase.ID, "role": share.Role},
		})
		if err != nil {
			return nil, fmt.Errorf("record split pair: %w", err)
		}
		correlationIDs = append(correlationIDs, correlationID)
	}

	if remainder > 0 {
		// Remainder leaves the payer funds holding account and accrues to
		// the reserve. Guarantees no currency unit is lost or fabricated.
		correlationID, err := se.ledger.RecordPair(ctx, tx, EntryPair{
			DebitAccountID:  se.cfg.PayerFundsAccountID,
			CreditAccountID: se.cfg.ReserveAccountID,
			Amount:          remainder,
			Currency:        purchase.Currency,
			EventSource:     models.SourceSplit,
			ReferenceID:     purchase.ID,
			Description:     "split remainder to reserve",
			Metadata:        models.Metadata{"purchase_id": purchase.ID},
		})
		if err != nil {
			return nil, fmt.Errorf("record remainder pair: %w", err)
		}
		correlationIDs = append(correlationIDs, correlationID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit split for %s: %w", purchase.ID, err)
	}

	return correlationIDs, nil
}

type splitShare struct {
	RecipientID string
	Percent     int
	Role        string
	Amount      int64
}

// computeShares floors each recipient's cut and returns the exact remainder.
// sum(shares) + remainder == amount for any rule, including rules summing to
// less than 100 and a nil rule (everything to remainder).
func computeShares(amount int64, rule *models.SplitRule) ([]splitShare, int64) {
	shares := []splitShare{}
	var assigned int64
	if rule != nil {
		for _, rec := range rule.Recipients {
			cut := amount * int64(rec.Percent) / 100
			if cut <= 0 {
				continue
			}
			shares = append(shares, splitShare{
				RecipientID: rec.RecipientID,
				Percent:     rec.Percent,
				Role:        rec.Role,
				Amount:      cut,
			})
			assigned += cut
		}
	}
	return shares, amount - assigned
}

func scopeForProduct(productType string) string {
	switch productType {
	case models.ProductTicket:
		return models.ScopeEvent
	case models.ProductDrop:
		return models.ScopeDrop
	case models.ProductTip:
		return models.ScopeTip
	case models.ProductSubscription:
		return models.ScopeSubscription
	default:
		return models.ScopeDefault
	}
}

// resolveRule finds the most specific rule: scope+reference, then the scope
// default, then the platform default.
func (se *SplitEngine) resolveRule(ctx context.Context, scope, scopeRef string) (*models.SplitRule, error) {
	if scopeRef != "" {
		rule, err := se.fetchRule(ctx, `scope = $1 AND scope_reference = $2`, scope, scopeRef)
		if err != nil && err != ErrRuleNotFound {
			return nil, err
		}
		if rule != nil {
			return rule, nil
		}
	}

	rule, err := se.fetchRule(ctx, `scope = $1 AND scope_reference IS NULL`, scope)
	if err != nil && err != ErrRuleNotFound {
		return nil, err
	}
	if rule != nil {
		return rule, nil
	}

	return se.fetchRule(ctx, `scope = 'default' AND scope_reference IS NULL`)
}

func (se *SplitEngine) fetchRule(ctx context.Context, where string, args ...interface{}) (*models.SplitRule, error) {
	rule := &models.SplitRule{}
	err := se.db.QueryRowContext(ctx, `
		SELECT id, owner_id, scope, scope_reference, created_at, updated_at
		FROM split_rules
		WHERE `+where+`
		LIMIT 1`, args...).Scan(&rule.ID, &rule.OwnerID, &rule.Scope, &rule.ScopeReference, &rule.CreatedAt, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := se.db.QueryContext(ctx, `
		SELECT recipient_id, percent, role, position
		FROM split_rule_recipients
		WHERE rule_id = $1
		ORDER BY position`, rule.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rec models.SplitRecipient
		if err := rows.Scan(&rec.RecipientID, &rec.Percent, &rec.Role, &rec.Position); err != nil {
			return nil, err
		}
		rule.Recipients = append(rule.Recipients, rec)
	}
	return rule, rows.Err()
}

// ReconcileBacklog sweeps completed purchases that have no split-sourced
// ledger entries yet and applies their splits. This is what makes the
// best-effort split in the purchase path eventually consistent.
func (se *SplitEngine) ReconcileBacklog(ctx context.Context) (int, error) {
	rows, err := se.db.QueryContext(ctx, `
		SELECT id, account_id, product_type, product_reference, amount, currency
		FROM purchases p
		WHERE p.status = 'completed'
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries e
			WHERE e.event_source = 'split' AND e.reference_id = p.id
		  )
		ORDER BY p.created_at
		LIMIT 50`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	backlog := []models.Purchase{}
	for rows.Next() {
		var p models.Purchase
		if err := rows.Scan(&p.ID, &p.AccountID, &p.ProductType, &p.ProductReference, &p.Amount, &p.Currency); err != nil {
			return 0, err
		}
		backlog = append(backlog, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	applied := 0
	for i := range backlog {
		if _, err := se.Apply(ctx, &backlog[i]); err != nil {
			log.Printf("[SPLIT] Reconciliation failed for purchase %s: %v", backlog[i].ID, err)
			continue
		}
		applied++
	}
	return applied, nil
}

// RunReconciliation runs the backlog sweep on a timer until ctx is cancelled.
func (se *SplitEngine) RunReconciliation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			applied, err := se.ReconcileBacklog(ctx)
			if err != nil {
				log.Printf("[SPLIT] Reconciliation sweep error: %v", err)
				continue
			}
			if applied > 0 {
				log.Printf("[SPLIT] Reconciliation applied %d backlogged splits", applied)
			}
		}
	}
}
