package worker

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Orbitado/flexigom-orders/pkg/client"
	"github.com/Orbitado/flexigom-orders/pkg/model"
	"github.com/Orbitado/flexigom-orders/pkg/retry"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PaymentFetcher retrieves the authoritative payment record from the
// provider (with its own not-found retry).
type PaymentFetcher interface {
	GetPayment(ctx context.Context, paymentID string) (*client.Payment, error)
}

// OrderReconciler upserts the local order for a fetched payment.
type OrderReconciler interface {
	Reconcile(ctx context.Context, paymentID string, payment *client.Payment) (*model.Order, error)
}

// NotificationWorker drains the notification stream through a consumer
// group: fetch payment details, reconcile the order, ack. Entries whose
// processing fails transiently stay pending and are reclaimed once idle.
type NotificationWorker struct {
	rdb        *redis.Client
	payments   PaymentFetcher
	reconciler OrderReconciler
	logger     *logrus.Logger
	consumer   string

	processedTotal uint64
	failedTotal    uint64
	malformedTotal uint64
	reclaimedTotal uint64
}

func NewNotificationWorker(rdb *redis.Client, payments PaymentFetcher, reconciler OrderReconciler, log *logrus.Logger) *NotificationWorker {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "pod-unknown"
	}
	w := &NotificationWorker{
		rdb:        rdb,
		payments:   payments,
		reconciler: reconciler,
		logger:     log,
		consumer:   hostname,
	}
	w.registerMetrics()
	return w
}

func (w *NotificationWorker) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("flexigom.notifications")
	meter.Int64ObservableGauge("app_notification_jobs_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&w.processedTotal)),
				metric.WithAttributes(attribute.String("result", "processed")))
			obs.Observe(int64(atomic.LoadUint64(&w.failedTotal)),
				metric.WithAttributes(attribute.String("result", "failed")))
			obs.Observe(int64(atomic.LoadUint64(&w.malformedTotal)),
				metric.WithAttributes(attribute.String("result", "malformed")))
			obs.Observe(int64(atomic.LoadUint64(&w.reclaimedTotal)),
				metric.WithAttributes(attribute.String("result", "reclaimed")))
			return nil
		}),
	)
}

func (w *NotificationWorker) Start(ctx context.Context, wg *sync.WaitGroup) {
	// Group creation is idempotent; BUSYGROUP on restart is expected.
	w.rdb.XGroupCreateMkStream(ctx, notificationStream, notificationGroup, "0")

	wg.Add(2)
	go w.consumeLoop(ctx, wg)
	go w.reclaimLoop(ctx, wg)
}

func (w *NotificationWorker) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	w.logger.Infof("[NotificationWorker] Consuming %s as %s", notificationStream, w.consumer)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("[NotificationWorker] Stopping...")
			return
		default:
			entries, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    notificationGroup,
				Consumer: w.consumer,
				Streams:  []string{notificationStream, ">"},
				Count:    10,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				time.Sleep(readBackoff(err))
				continue
			}

			for _, stream := range entries {
				w.processMessages(ctx, stream.Messages)
			}
		}
	}
}

// reclaimLoop picks up entries another consumer (or a previous life of this
// one) read but never acked, so a crash mid-reconciliation is retried
// instead of lost.
func (w *NotificationWorker) reclaimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pendings, err := w.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: notificationStream,
				Group:  notificationGroup,
				Idle:   60 * time.Second,
				Start:  "-",
				End:    "+",
				Count:  50,
			}).Result()
			if err != nil || len(pendings) == 0 {
				continue
			}

			var ids []string
			for _, p := range pendings {
				ids = append(ids, p.ID)
			}

			claimed, err := w.rdb.XClaim(ctx, &redis.XClaimArgs{
				Stream:   notificationStream,
				Group:    notificationGroup,
				Consumer: w.consumer,
				MinIdle:  60 * time.Second,
				Messages: ids,
			}).Result()
			if err != nil {
				w.logger.Errorf("[NotificationWorker] Failed to claim %d pending entries: %v", len(ids), err)
				continue
			}
			if len(claimed) > 0 {
				atomic.AddUint64(&w.reclaimedTotal, uint64(len(claimed)))
				w.logger.Infof("[NotificationWorker] Reclaimed %d pending notifications", len(claimed))
				w.processMessages(ctx, claimed)
			}
		}
	}
}

func (w *NotificationWorker) processMessages(ctx context.Context, messages []redis.XMessage) {
	for _, msg := range messages {
		if w.handleMessage(ctx, msg) {
			w.ack(ctx, msg.ID)
		}
	}
}

// handleMessage runs one stream entry and reports whether it reached a final
// state. Final entries (processed, malformed, permanent failure) are acked;
// transient failures stay pending so the reclaim loop retries them.
func (w *NotificationWorker) handleMessage(ctx context.Context, msg redis.XMessage) (ackNow bool) {
	payloadStr, ok := msg.Values["payload"].(string)
	if !ok {
		w.logger.Errorf("[NotificationWorker] Entry %s has no payload field, dropping", msg.ID)
		atomic.AddUint64(&w.malformedTotal, 1)
		return true
	}

	var notification QueuedNotification
	if err := json.Unmarshal([]byte(payloadStr), &notification); err != nil {
		w.logger.Errorf("[NotificationWorker] Entry %s is not valid JSON (%v), dropping. Payload: %s", msg.ID, err, payloadStr)
		atomic.AddUint64(&w.malformedTotal, 1)
		return true
	}

	if err := w.processOne(ctx, notification); err != nil {
		atomic.AddUint64(&w.failedTotal, 1)
		if permanent(err) {
			// A 4xx from the provider will not heal on redelivery.
			w.logger.WithFields(logrus.Fields{
				"payment_id": notification.PaymentID,
				"request_id": notification.RequestID,
				"error":      err.Error(),
			}).Error("[NotificationWorker] Permanent failure, dropping notification")
			return true
		}
		w.logger.WithFields(logrus.Fields{
			"payment_id": notification.PaymentID,
			"error":      err.Error(),
		}).Warn("[NotificationWorker] Transient failure, leaving entry pending for reclaim")
		return false
	}

	atomic.AddUint64(&w.processedTotal, 1)
	return true
}

func (w *NotificationWorker) processOne(ctx context.Context, notification QueuedNotification) error {
	payment, err := w.payments.GetPayment(ctx, notification.PaymentID)
	if err != nil {
		return err
	}
	_, err = w.reconciler.Reconcile(ctx, notification.PaymentID, payment)
	return err
}

func (w *NotificationWorker) ack(ctx context.Context, id string) {
	if err := w.rdb.XAck(ctx, notificationStream, notificationGroup, id).Err(); err != nil {
		w.logger.Errorf("[NotificationWorker] Failed to ack %s: %v", id, err)
	}
}

// readBackoff spaces out stream reads after a failed XReadGroup. A block
// timeout or a cancelled context polls again immediately; anything else is a
// Redis failure and the loop must not spin hot while it lasts.
func readBackoff(err error) time.Duration {
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0
	}
	return time.Second
}

func permanent(err error) bool {
	// 429 is the one 4xx that heals on redelivery.
	status := retry.StatusCode(err)
	return status >= 400 && status < 500 && status != 429
}
