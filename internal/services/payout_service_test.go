package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stagepass/treasury/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestPayoutScheduler_SchedulePayout(t *testing.T) {
	entryColumns := []string{"id", "amount", "currency"}

	t.Run("below minimum creates no payout", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		scheduler := NewPayoutScheduler(db, NewLedgerService(db), &MockPayoutRail{}, testConfig())

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT e.id, e.amount, e.currency").
			WithArgs("acct_artist_1").
			WillReturnRows(sqlmock.NewRows(entryColumns).
				AddRow(1, 2000, "USD"))
		dbMock.ExpectRollback()

		payout, err := scheduler.SchedulePayout(context.Background(), "acct_artist_1")

		assert.ErrorIs(t, err, ErrBelowMinimumThreshold)
		assert.Nil(t, payout)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("claims entries and creates payout", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		scheduler := NewPayoutScheduler(db, NewLedgerService(db), &MockPayoutRail{}, testConfig())

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT e.id, e.amount, e.currency").
			WithArgs("acct_artist_1").
			WillReturnRows(sqlmock.NewRows(entryColumns).
				AddRow(11, 1400, "USD").
				AddRow(12, 1600, "USD"))
		// Balance check runs outside the claim transaction.
		dbMock.ExpectQuery("SELECT COALESCE\\(SUM").
			WithArgs("acct_artist_1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(3000))
		dbMock.ExpectExec("INSERT INTO payouts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO payout_entries").
			WithArgs(sqlmock.AnyArg(), int64(11)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO payout_entries").
			WithArgs(sqlmock.AnyArg(), int64(12)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		payout, err := scheduler.SchedulePayout(context.Background(), "acct_artist_1")

		assert.NoError(t, err)
		assert.Equal(t, int64(3000), payout.Amount)
		assert.Equal(t, models.PayoutPending, payout.Status)
		assert.Equal(t, []int64{11, 12}, payout.EntryIDs)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("mixed currencies claim only the first currency", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		scheduler := NewPayoutScheduler(db, NewLedgerService(db), &MockPayoutRail{}, testConfig())

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT e.id, e.amount, e.currency").
			WithArgs("acct_artist_1").
			WillReturnRows(sqlmock.NewRows(entryColumns).
				AddRow(11, 1400, "USD").
				AddRow(12, 1600, "USD").
				AddRow(13, 900, "EUR"))
		dbMock.ExpectQuery("SELECT COALESCE\\(SUM").
			WithArgs("acct_artist_1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(3900))
		dbMock.ExpectExec("INSERT INTO payouts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO payout_entries").
			WithArgs(sqlmock.AnyArg(), int64(11)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO payout_entries").
			WithArgs(sqlmock.AnyArg(), int64(12)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		payout, err := scheduler.SchedulePayout(context.Background(), "acct_artist_1")

		assert.NoError(t, err)
		assert.Equal(t, int64(3000), payout.Amount)
		assert.Equal(t, "USD", payout.Currency)
		assert.Equal(t, []int64{11, 12}, payout.EntryIDs)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("derived balance below claim total aborts", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		scheduler := NewPayoutScheduler(db, NewLedgerService(db), &MockPayoutRail{}, testConfig())

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT e.id, e.amount, e.currency").
			WithArgs("acct_artist_1").
			WillReturnRows(sqlmock.NewRows(entryColumns).
				AddRow(11, 3000, "USD"))
		// Debits elsewhere have reduced the real balance.
		dbMock.ExpectQuery("SELECT COALESCE\\(SUM").
			WithArgs("acct_artist_1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(1200))
		dbMock.ExpectRollback()

		payout, err := scheduler.SchedulePayout(context.Background(), "acct_artist_1")

		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Nil(t, payout)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestPayoutScheduler_Dispatch(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	payout := &models.Payout{
		ID:        "po_1",
		AccountID: "acct_artist_1",
		Amount:    3000,
		Currency:  "USD",
		Status:    models.PayoutPending,
	}

	t.Run("rail success moves payout to processing", func(t *testing.T) {
		rail := &MockPayoutRail{}
		rail.On("Dispatch", mock.Anything, payout).Return(nil)
		scheduler := NewPayoutScheduler(db, NewLedgerService(db), rail, testConfig())

		dbMock.ExpectExec("UPDATE payouts SET status = 'processing'").
			WithArgs(sqlmock.AnyArg(), "po_1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := scheduler.Dispatch(context.Background(), payout)

		assert.NoError(t, err)
		assert.Equal(t, models.PayoutProcessing, payout.Status)
		rail.AssertExpectations(t)
	})

	t.Run("rail failure leaves payout pending", func(t *testing.T) {
		payout := &models.Payout{ID: "po_2", Status: models.PayoutPending}
		rail := &MockPayoutRail{}
		rail.On("Dispatch", mock.Anything, payout).Return(assert.AnError)
		scheduler := NewPayoutScheduler(db, NewLedgerService(db), rail, testConfig())

		err := scheduler.Dispatch(context.Background(), payout)

		assert.Error(t, err)
		assert.Equal(t, models.PayoutPending, payout.Status)
	})
}

func TestPayoutScheduler_RunCycle(t *testing.T) {
	payoutColumns := []string{"id", "account_id", "amount", "currency", "status",
		"scheduled_for", "risk_score", "created_at", "updated_at"}

	t.Run("redispatches payouts left pending by a failed dispatch", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		rail := &MockPayoutRail{}
		rail.On("Dispatch", mock.Anything, mock.Anything).Return(nil)
		scheduler := NewPayoutScheduler(db, NewLedgerService(db), rail, testConfig())

		dbMock.ExpectQuery("WHERE status = 'pending'").
			WillReturnRows(sqlmock.NewRows(payoutColumns).
				AddRow("po_stuck", "acct_artist_1", 3000, "USD", "pending", time.Now(), 10, time.Now(), time.Now()))
		dbMock.ExpectExec("UPDATE payouts SET status = 'processing'").
			WithArgs(sqlmock.AnyArg(), "po_stuck").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectQuery("SELECT e.account_id").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}))

		scheduler.runCycle(context.Background())

		rail.AssertExpectations(t)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("rail still down leaves the payout pending for the next cycle", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		rail := &MockPayoutRail{}
		rail.On("Dispatch", mock.Anything, mock.Anything).Return(assert.AnError)
		scheduler := NewPayoutScheduler(db, NewLedgerService(db), rail, testConfig())

		dbMock.ExpectQuery("WHERE status = 'pending'").
			WillReturnRows(sqlmock.NewRows(payoutColumns).
				AddRow("po_stuck", "acct_artist_1", 3000, "USD", "pending", time.Now(), 10, time.Now(), time.Now()))
		dbMock.ExpectQuery("SELECT e.account_id").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}))

		scheduler.runCycle(context.Background())

		rail.AssertExpectations(t)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestPayoutScheduler_HandlePayoutUpdated(t *testing.T) {
	payoutColumns := []string{"id", "account_id", "amount", "currency", "status",
		"scheduled_for", "risk_score", "created_at", "updated_at"}

	payoutRow := func(status string) *sqlmock.Rows {
		return sqlmock.NewRows(payoutColumns).
			AddRow("po_1", "acct_artist_1", 3000, "USD", status, time.Now(), 10, time.Now(), time.Now())
	}

	t.Run("completion records the settlement pair", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		scheduler := NewPayoutScheduler(db, NewLedgerService(db), &MockPayoutRail{}, testConfig())

		dbMock.ExpectQuery("SELECT id, account_id, amount, currency, status").
			WithArgs("po_1").
			WillReturnRows(payoutRow("processing"))
		dbMock.ExpectBegin()
		dbMock.ExpectExec("UPDATE payouts SET status = 'completed'").
			WithArgs(sqlmock.AnyArg(), "po_1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("acct_artist_1", int64(3000), "USD", "debit", "payout", "po_1",
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("acct_platform_reserve", int64(3000), "USD", "credit", "payout", "po_1",
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))
		dbMock.ExpectCommit()

		data, _ := json.Marshal(models.PayoutUpdatedData{PayoutID: "po_1", Status: models.PayoutCompleted})
		err = scheduler.HandlePayoutUpdated(context.Background(), "evt_po_1", data)

		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("redelivered completion is a no-op", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		scheduler := NewPayoutScheduler(db, NewLedgerService(db), &MockPayoutRail{}, testConfig())

		dbMock.ExpectQuery("SELECT id, account_id, amount, currency, status").
			WithArgs("po_1").
			WillReturnRows(payoutRow("completed"))
		dbMock.ExpectBegin()
		dbMock.ExpectExec("UPDATE payouts SET status = 'completed'").
			WillReturnResult(sqlmock.NewResult(0, 0))
		dbMock.ExpectRollback()

		data, _ := json.Marshal(models.PayoutUpdatedData{PayoutID: "po_1", Status: models.PayoutCompleted})
		err = scheduler.HandlePayoutUpdated(context.Background(), "evt_po_1_retry", data)

		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("failure releases the claimed entries", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		scheduler := NewPayoutScheduler(db, NewLedgerService(db), &MockPayoutRail{}, testConfig())

		dbMock.ExpectQuery("SELECT id, account_id, amount, currency, status").
			WithArgs("po_1").
			WillReturnRows(payoutRow("processing"))
		dbMock.ExpectBegin()
		dbMock.ExpectExec("UPDATE payouts SET status = 'failed'").
			WithArgs(sqlmock.AnyArg(), "po_1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("UPDATE payout_entries SET released = true").
			WithArgs("po_1").
			WillReturnResult(sqlmock.NewResult(0, 2))
		dbMock.ExpectCommit()

		data, _ := json.Marshal(models.PayoutUpdatedData{
			PayoutID: "po_1", Status: models.PayoutFailed, Failure: "account closed"})
		err = scheduler.HandlePayoutUpdated(context.Background(), "evt_po_2", data)

		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("unknown payout id is fatal", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		scheduler := NewPayoutScheduler(db, NewLedgerService(db), &MockPayoutRail{}, testConfig())

		dbMock.ExpectQuery("SELECT id, account_id, amount, currency, status").
			WithArgs("po_missing").
			WillReturnRows(sqlmock.NewRows(payoutColumns))

		data, _ := json.Marshal(models.PayoutUpdatedData{PayoutID: "po_missing", Status: models.PayoutCompleted})
		err = scheduler.HandlePayoutUpdated(context.Background(), "evt_po_3", data)

		assert.ErrorIs(t, err, ErrPayoutNotFound)
	})

	t.Run("malformed payload is fatal", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		scheduler := NewPayoutScheduler(db, NewLedgerService(db), &MockPayoutRail{}, testConfig())

		err = scheduler.HandlePayoutUpdated(context.Background(), "evt_po_4", []byte(`{"payout_id":""}`))

		assert.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func TestPayoutScheduler_RequestPayout(t *testing.T) {
	t.Run("below minimum returns 422", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		scheduler := NewPayoutScheduler(db, NewLedgerService(db), &MockPayoutRail{}, testConfig())

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT e.id, e.amount, e.currency").
			WillReturnRows(sqlmock.NewRows([]string{"id", "amount", "currency"}).
				AddRow(1, 1000, "USD"))
		dbMock.ExpectRollback()

		body, _ := json.Marshal(map[string]string{"account_id": "acct_artist_1"})
		req := httptest.NewRequest("POST", "/payouts", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		scheduler.RequestPayout(w, req)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("missing account id returns 400", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		scheduler := NewPayoutScheduler(db, NewLedgerService(db), &MockPayoutRail{}, testConfig())

		req := httptest.NewRequest("POST", "/payouts", bytes.NewBuffer([]byte(`{}`)))
		w := httptest.NewRecorder()

		scheduler.RequestPayout(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		scheduler := NewPayoutScheduler(db, NewLedgerService(db), &MockPayoutRail{}, testConfig())

		req := httptest.NewRequest("POST", "/payouts", bytes.NewBuffer([]byte(`{"account_id":"a","admin":true}`)))
		w := httptest.NewRecorder()

		scheduler.RequestPayout(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
