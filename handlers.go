package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Orbitado/flexigom-orders/pkg/client"
	"github.com/Orbitado/flexigom-orders/pkg/worker"
	"github.com/sirupsen/logrus"
)

type notificationEnqueuer interface {
	Enqueue(ctx context.Context, notification worker.QueuedNotification) error
}

type server struct {
	mp    *client.MercadoPago
	queue notificationEnqueuer
}

func newServer(mp *client.MercadoPago, queue notificationEnqueuer) *server {
	return &server{mp: mp, queue: queue}
}

// webhookHandler receives MercadoPago payment notifications. It verifies the
// signature, persists the notification to the work queue and answers right
// away; fetching details and reconciling the order happen in the worker.
func (s *server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)

	query := r.URL.Query()
	paymentID := firstQueryValue(query, "data.id", "id")
	notificationType := firstQueryValue(query, "type", "topic")
	signature := r.Header.Get("x-signature")
	requestID := r.Header.Get("x-request-id")

	// Verification runs when the provider sent all three pieces; deliveries
	// without a signature are tolerated (older notification topics).
	if signature != "" && requestID != "" && paymentID != "" {
		if !s.mp.VerifyWebhookSignature(signature, requestID, paymentID) {
			log.WithFields(logrus.Fields{
				"payment_id": paymentID,
				"request_id": requestID,
			}).Warn("[Webhook] Signature verification failed")
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	if notificationType != "payment" || paymentID == "" {
		log.WithField("type", notificationType).Info("[Webhook] Ignoring non-payment notification")
		writeSuccess(w)
		return
	}

	err := s.queue.Enqueue(r.Context(), worker.QueuedNotification{
		PaymentID:  paymentID,
		RequestID:  requestID,
		Type:       notificationType,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		// Answering 5xx makes MercadoPago redeliver, which is the only
		// durability left when the queue itself is down.
		log.WithFields(logrus.Fields{
			"payment_id": paymentID,
			"error":      err.Error(),
		}).Error("[Webhook] Failed to enqueue notification")
		http.Error(w, "queue unavailable", http.StatusInternalServerError)
		return
	}

	log.WithFields(logrus.Fields{
		"payment_id": paymentID,
		"request_id": requestID,
	}).Info("[Webhook] Notification accepted")
	writeSuccess(w)
}

func (s *server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func firstQueryValue(query map[string][]string, keys ...string) string {
	for _, key := range keys {
		if values, ok := query[key]; ok && len(values) > 0 && values[0] != "" {
			return values[0]
		}
	}
	return ""
}

func requestLogger(r *http.Request) logrus.FieldLogger {
	if l, ok := r.Context().Value(ctxKeyLog{}).(logrus.FieldLogger); ok {
		return l
	}
	return log
}
