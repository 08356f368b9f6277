package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Orbitado/flexigom-orders/pkg/client"
	"github.com/Orbitado/flexigom-orders/pkg/worker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "flexigom-test-secret"

type fakeQueue struct {
	enqueued []worker.QueuedNotification
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, n worker.QueuedNotification) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, n)
	return nil
}

func signatureHeader(secret, requestID, paymentID, ts string) string {
	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s", paymentID, requestID, ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return fmt.Sprintf("ts=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func newTestServer(queue *fakeQueue) *server {
	quiet := logrus.New()
	quiet.SetLevel(logrus.PanicLevel)
	mp := client.NewMercadoPago(client.MercadoPagoConfig{
		BaseURL:       "http://mercadopago.invalid",
		AccessToken:   "token",
		WebhookSecret: testWebhookSecret,
	}, quiet)
	return newServer(mp, queue)
}

func webhookRequest(paymentID, notificationType, signature, requestID string) *http.Request {
	url := "/api/webhooks/mercadopago?data.id=" + paymentID + "&type=" + notificationType
	r := httptest.NewRequest(http.MethodPost, url, nil)
	if signature != "" {
		r.Header.Set("x-signature", signature)
	}
	if requestID != "" {
		r.Header.Set("x-request-id", requestID)
	}
	return r
}

func TestWebhookAcceptsValidSignature(t *testing.T) {
	queue := &fakeQueue{}
	srv := newTestServer(queue)

	sig := signatureHeader(testWebhookSecret, "req-1", "12345", "1704908010")
	w := httptest.NewRecorder()
	srv.webhookHandler(w, webhookRequest("12345", "payment", sig, "req-1"))

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true}`, w.Body.String())
	require.Len(t, queue.enqueued, 1)
	require.Equal(t, "12345", queue.enqueued[0].PaymentID)
	require.Equal(t, "req-1", queue.enqueued[0].RequestID)
	require.Equal(t, "payment", queue.enqueued[0].Type)
	require.False(t, queue.enqueued[0].ReceivedAt.IsZero())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	queue := &fakeQueue{}
	srv := newTestServer(queue)

	sig := signatureHeader("wrong-secret", "req-1", "12345", "1704908010")
	w := httptest.NewRecorder()
	srv.webhookHandler(w, webhookRequest("12345", "payment", sig, "req-1"))

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Empty(t, queue.enqueued)
}

func TestWebhookToleratesMissingSignature(t *testing.T) {
	queue := &fakeQueue{}
	srv := newTestServer(queue)

	w := httptest.NewRecorder()
	srv.webhookHandler(w, webhookRequest("12345", "payment", "", ""))

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, queue.enqueued, 1)
}

func TestWebhookIgnoresNonPaymentNotifications(t *testing.T) {
	queue := &fakeQueue{}
	srv := newTestServer(queue)

	w := httptest.NewRecorder()
	srv.webhookHandler(w, webhookRequest("99", "merchant_order", "", ""))

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true}`, w.Body.String())
	require.Empty(t, queue.enqueued)
}

func TestWebhookIgnoresMissingPaymentID(t *testing.T) {
	queue := &fakeQueue{}
	srv := newTestServer(queue)

	r := httptest.NewRequest(http.MethodPost, "/api/webhooks/mercadopago?type=payment", nil)
	w := httptest.NewRecorder()
	srv.webhookHandler(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, queue.enqueued)
}

func TestWebhookReadsLegacyQueryKeys(t *testing.T) {
	queue := &fakeQueue{}
	srv := newTestServer(queue)

	r := httptest.NewRequest(http.MethodPost, "/api/webhooks/mercadopago?id=777&topic=payment", nil)
	w := httptest.NewRecorder()
	srv.webhookHandler(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, queue.enqueued, 1)
	require.Equal(t, "777", queue.enqueued[0].PaymentID)
}

func TestWebhookAnswers500WhenQueueIsDown(t *testing.T) {
	queue := &fakeQueue{err: errors.New("redis: connection refused")}
	srv := newTestServer(queue)

	w := httptest.NewRecorder()
	srv.webhookHandler(w, webhookRequest("12345", "payment", "", ""))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Empty(t, queue.enqueued)
}

func TestHealthHandler(t *testing.T) {
	srv := newTestServer(&fakeQueue{})

	w := httptest.NewRecorder()
	srv.healthHandler(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
