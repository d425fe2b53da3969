package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stagepass/treasury/internal/services"
	"github.com/stretchr/testify/assert"
)

const testSecret = "whsec_test"

func sign(payload []byte) string {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func postEvent(t *testing.T, handler *WebhookHandler, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhooks/gateway", bytes.NewBuffer(payload))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	handler.HandleGatewayEvent(w, req)
	return w
}

func TestWebhookHandler_HandleGatewayEvent(t *testing.T) {
	t.Run("missing signature returns 400", func(t *testing.T) {
		service := services.NewWebhookService(nil, testSecret, time.Second)
		handler := NewWebhookHandler(service)

		w := postEvent(t, handler, []byte(`{"id":"evt_1","type":"x","data":{}}`), "")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad signature returns 400", func(t *testing.T) {
		service := services.NewWebhookService(nil, testSecret, time.Second)
		handler := NewWebhookHandler(service)

		w := postEvent(t, handler, []byte(`{"id":"evt_1","type":"x","data":{}}`), "t=1700000000,v1=deadbeef")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed envelope returns 400", func(t *testing.T) {
		service := services.NewWebhookService(nil, testSecret, time.Second)
		handler := NewWebhookHandler(service)

		payload := []byte(`{"no":"envelope"}`)
		w := postEvent(t, handler, payload, sign(payload))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("processed event returns 200 processed", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := services.NewWebhookService(db, testSecret, time.Second)
		service.Register("checkout.session.completed", func(ctx context.Context, eventID string, data json.RawMessage) error {
			return nil
		})
		handler := NewWebhookHandler(service)

		mock.ExpectQuery("INSERT INTO webhook_logs").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectExec("UPDATE webhook_logs SET status = 'processed'").
			WillReturnResult(sqlmock.NewResult(0, 1))

		payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{}}`)
		w := postEvent(t, handler, payload, sign(payload))

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]string
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "processed", response["status"])
	})

	t.Run("replayed event returns 200 skipped", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := services.NewWebhookService(db, testSecret, time.Second)
		handler := NewWebhookHandler(service)

		mock.ExpectQuery("INSERT INTO webhook_logs").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{}}`)
		w := postEvent(t, handler, payload, sign(payload))

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]string
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "skipped", response["status"])
	})

	t.Run("fatal handler failure returns 200 failed", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := services.NewWebhookService(db, testSecret, time.Second)
		service.Register("charge.refunded", func(ctx context.Context, eventID string, data json.RawMessage) error {
			return fmt.Errorf("%w: charge unknown", services.ErrPurchaseNotFound)
		})
		handler := NewWebhookHandler(service)

		mock.ExpectQuery("INSERT INTO webhook_logs").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
		mock.ExpectExec("UPDATE webhook_logs SET status = 'failed'").
			WillReturnResult(sqlmock.NewResult(0, 1))

		payload := []byte(`{"id":"evt_2","type":"charge.refunded","data":{}}`)
		w := postEvent(t, handler, payload, sign(payload))

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]string
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "failed", response["status"])
	})

	t.Run("transient handler failure returns 500", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := services.NewWebhookService(db, testSecret, time.Second)
		service.Register("charge.refunded", func(ctx context.Context, eventID string, data json.RawMessage) error {
			return fmt.Errorf("connection reset")
		})
		handler := NewWebhookHandler(service)

		mock.ExpectQuery("INSERT INTO webhook_logs").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
		mock.ExpectExec("UPDATE webhook_logs SET status = 'failed'").
			WillReturnResult(sqlmock.NewResult(0, 1))

		payload := []byte(`{"id":"evt_3","type":"charge.refunded","data":{}}`)
		w := postEvent(t, handler, payload, sign(payload))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
