package services

import (
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestRedisNotifier_Notify(t *testing.T) {
	t.Run("pushes event onto the analytics queue", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		notifier := NewRedisNotifier(client)

		mock.Regexp().ExpectRPush(eventsQueue, `.*"purchase_id":"pur_1".*"type":"purchase\.completed".*`).SetVal(1)

		notifier.Notify("purchase.completed", map[string]any{"purchase_id": "pur_1"})

		assert.Eventually(t, func() bool {
			return mock.ExpectationsWereMet() == nil
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("nil client is a no-op", func(t *testing.T) {
		notifier := NewRedisNotifier(nil)

		assert.NotPanics(t, func() {
			notifier.Notify("purchase.completed", nil)
		})
	})
}
