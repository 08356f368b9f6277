package worker

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	notificationStream = "webhooks:payment_notifications"
	notificationGroup  = "group_notification_reconciler"
)

// QueuedNotification is the webhook payload persisted to the stream before
// the HTTP response goes out. Losing the process after XAdd loses nothing.
type QueuedNotification struct {
	PaymentID  string    `json:"payment_id"`
	RequestID  string    `json:"request_id"`
	Type       string    `json:"type"`
	ReceivedAt time.Time `json:"received_at"`
}

// NotificationQueue is the producer half of the durable notification stream.
type NotificationQueue struct {
	rdb *redis.Client
}

func NewNotificationQueue(rdb *redis.Client) *NotificationQueue {
	return &NotificationQueue{rdb: rdb}
}

func (q *NotificationQueue) Enqueue(ctx context.Context, notification QueuedNotification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: notificationStream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}
