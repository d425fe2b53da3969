package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

const eventsQueue = "treasury_events"

// RedisNotifier pushes significant ledger events onto the analytics queue.
// Delivery is fire-and-forget: a push failure is logged and never blocks or
// reverses the financial operation that triggered it.
type RedisNotifier struct {
	redis *redis.Client
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{redis: rdb}
}

func (n *RedisNotifier) Notify(eventType string, payload any) {
	if n.redis == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		data, err := json.Marshal(map[string]any{
			"type":       eventType,
			"payload":    payload,
			"emitted_at": time.Now().Unix(),
		})
		if err != nil {
			log.Printf("[NOTIFY] Failed to marshal %s event: %v", eventType, err)
			return
		}

		if err := n.redis.RPush(ctx, eventsQueue, string(data)).Err(); err != nil {
			log.Printf("[NOTIFY] Failed to push %s event: %v", eventType, err)
		}
	}()
}
