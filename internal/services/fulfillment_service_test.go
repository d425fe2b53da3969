package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stagepass/treasury/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestTicketFulfillmentService_Fulfill(t *testing.T) {
	t.Run("ticket purchase issues a ticket", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		notifier := &MockNotifier{}
		notifier.On("Notify", "ticket.issued", mock.Anything).Return()
		service := NewTicketFulfillmentService(db, notifier)

		dbMock.ExpectExec("INSERT INTO tickets").
			WithArgs(sqlmock.AnyArg(), "pur_1", "acct_payer_9", "evt_gig_1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err = service.Fulfill(context.Background(), &models.Purchase{
			ID:               "pur_1",
			AccountID:        "acct_payer_9",
			ProductType:      models.ProductTicket,
			ProductReference: "evt_gig_1",
		})

		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		notifier.AssertExpectations(t)
	})

	t.Run("redelivered fulfillment does not issue a second ticket", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		notifier := &MockNotifier{}
		service := NewTicketFulfillmentService(db, notifier)

		dbMock.ExpectExec("INSERT INTO tickets").
			WillReturnResult(sqlmock.NewResult(0, 0)) // conflict on purchase_id

		err = service.Fulfill(context.Background(), &models.Purchase{
			ID:          "pur_1",
			ProductType: models.ProductTicket,
		})

		assert.NoError(t, err)
		notifier.AssertNotCalled(t, "Notify", "ticket.issued", mock.Anything)
	})

	t.Run("non-ticket products unlock without a ticket row", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		notifier := &MockNotifier{}
		notifier.On("Notify", "purchase.unlocked", mock.Anything).Return()
		service := NewTicketFulfillmentService(db, notifier)

		err = service.Fulfill(context.Background(), &models.Purchase{
			ID:          "pur_2",
			ProductType: models.ProductDrop,
		})

		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		notifier.AssertExpectations(t)
	})
}
