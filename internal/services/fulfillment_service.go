package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/stagepass/treasury/internal/models"
)

// TicketFulfillmentService issues tickets for completed purchases. Ticket
// products get a ticket row; other product types (drops, tips, subscriptions)
// are unlocked downstream off the analytics stream and need no row here.
type TicketFulfillmentService struct {
	db       *sql.DB
	notifier Notifier
}

func NewTicketFulfillmentService(db *sql.DB, notifier Notifier) *TicketFulfillmentService {
	return &TicketFulfillmentService{db: db, notifier: notifier}
}

func (fs *TicketFulfillmentService) Fulfill(ctx context.Context, purchase *models.Purchase) error {
	if purchase.ProductType != models.ProductTicket {
		fs.notifier.Notify("purchase.unlocked", map[string]any{
			"purchase_id":       purchase.ID,
			"product_type":      purchase.ProductType,
			"product_reference": purchase.ProductReference,
		})
		return nil
	}

	ticketID := uuid.New().String()
	res, err := fs.db.ExecContext(ctx, `
		INSERT INTO tickets (id, purchase_id, account_id, product_reference, issued_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (purchase_id) DO NOTHING`,
		ticketID, purchase.ID, purchase.AccountID, purchase.ProductReference, time.Now())
	if err != nil {
		return fmt.Errorf("issue ticket: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		log.Printf("[FULFILL] Ticket already issued for purchase %s", purchase.ID)
		return nil
	}

	log.Printf("[FULFILL] Issued ticket %s for purchase %s", ticketID, purchase.ID)
	fs.notifier.Notify("ticket.issued", map[string]any{
		"ticket_id":   ticketID,
		"purchase_id": purchase.ID,
		"account_id":  purchase.AccountID,
	})
	return nil
}
