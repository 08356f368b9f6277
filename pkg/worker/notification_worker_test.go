package worker

import (
	"context"
	"testing"
	"time"

	"github.com/Orbitado/flexigom-orders/pkg/client"
	"github.com/Orbitado/flexigom-orders/pkg/model"
	"github.com/Orbitado/flexigom-orders/pkg/retry"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	payments map[string]*client.Payment
	err      error
	calls    []string
}

func (f *fakeFetcher) GetPayment(_ context.Context, paymentID string) (*client.Payment, error) {
	f.calls = append(f.calls, paymentID)
	if f.err != nil {
		return nil, f.err
	}
	return f.payments[paymentID], nil
}

type fakeReconciler struct {
	err   error
	calls []string
}

func (f *fakeReconciler) Reconcile(_ context.Context, paymentID string, _ *client.Payment) (*model.Order, error) {
	f.calls = append(f.calls, paymentID)
	if f.err != nil {
		return nil, f.err
	}
	return &model.Order{PaymentID: paymentID}, nil
}

func newTestWorker(fetcher *fakeFetcher, reconciler *fakeReconciler) *NotificationWorker {
	quiet := logrus.New()
	quiet.SetLevel(logrus.PanicLevel)
	return &NotificationWorker{
		payments:   fetcher,
		reconciler: reconciler,
		logger:     quiet,
		consumer:   "test-consumer",
	}
}

func TestProcessOneFetchesThenReconciles(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*client.Payment{
		"12345": {ID: 12345, Status: model.PaymentStatusApproved, ExternalReference: "ORDER-1"},
	}}
	reconciler := &fakeReconciler{}
	w := newTestWorker(fetcher, reconciler)

	err := w.processOne(context.Background(), QueuedNotification{PaymentID: "12345", Type: "payment"})
	require.NoError(t, err)
	require.Equal(t, []string{"12345"}, fetcher.calls)
	require.Equal(t, []string{"12345"}, reconciler.calls)
}

func TestProcessOneStopsWhenFetchFails(t *testing.T) {
	fetcher := &fakeFetcher{err: &retry.HTTPError{StatusCode: 404, Message: "payment not found"}}
	reconciler := &fakeReconciler{}
	w := newTestWorker(fetcher, reconciler)

	err := w.processOne(context.Background(), QueuedNotification{PaymentID: "404404"})
	require.Error(t, err)
	require.Empty(t, reconciler.calls)
}

func TestProcessOneSurfacesReconcileError(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*client.Payment{
		"1": {ID: 1, Status: model.PaymentStatusPending},
	}}
	reconciler := &fakeReconciler{err: errors.New("db is down")}
	w := newTestWorker(fetcher, reconciler)

	err := w.processOne(context.Background(), QueuedNotification{PaymentID: "1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "db is down")
}

func streamMessage(id, payload string) redis.XMessage {
	return redis.XMessage{ID: id, Values: map[string]interface{}{"payload": payload}}
}

func TestHandleMessageAcksProcessedEntry(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*client.Payment{
		"12345": {ID: 12345, Status: model.PaymentStatusApproved, ExternalReference: "ORDER-1"},
	}}
	reconciler := &fakeReconciler{}
	w := newTestWorker(fetcher, reconciler)

	msg := streamMessage("1-0", `{"payment_id":"12345","request_id":"req-1","type":"payment"}`)
	require.True(t, w.handleMessage(context.Background(), msg))
	require.Equal(t, []string{"12345"}, reconciler.calls)
	require.Equal(t, uint64(1), w.processedTotal)
	require.Equal(t, uint64(0), w.failedTotal)
}

func TestHandleMessageAcksMalformedEntries(t *testing.T) {
	fetcher := &fakeFetcher{}
	reconciler := &fakeReconciler{}
	w := newTestWorker(fetcher, reconciler)

	// No payload field at all.
	require.True(t, w.handleMessage(context.Background(), redis.XMessage{
		ID:     "1-0",
		Values: map[string]interface{}{"other": "x"},
	}))
	// Payload present but not JSON.
	require.True(t, w.handleMessage(context.Background(), streamMessage("2-0", "not json")))

	require.Equal(t, uint64(2), w.malformedTotal)
	require.Empty(t, fetcher.calls)
	require.Empty(t, reconciler.calls)
}

func TestHandleMessageAcksPermanentFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: &retry.HTTPError{StatusCode: 404, Message: "payment not found"}}
	reconciler := &fakeReconciler{}
	w := newTestWorker(fetcher, reconciler)

	msg := streamMessage("1-0", `{"payment_id":"404404","type":"payment"}`)
	require.True(t, w.handleMessage(context.Background(), msg))
	require.Empty(t, reconciler.calls)
	require.Equal(t, uint64(1), w.failedTotal)
	require.Equal(t, uint64(0), w.processedTotal)
}

func TestHandleMessageLeavesTransientFailurePending(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*client.Payment{
		"1": {ID: 1, Status: model.PaymentStatusApproved, ExternalReference: "ORDER-1"},
	}}
	reconciler := &fakeReconciler{err: errors.New("db is down")}
	w := newTestWorker(fetcher, reconciler)

	msg := streamMessage("1-0", `{"payment_id":"1","type":"payment"}`)
	require.False(t, w.handleMessage(context.Background(), msg))
	require.Equal(t, uint64(1), w.failedTotal)

	// Provider outages are transient too.
	fetcher.err = &retry.HTTPError{StatusCode: 503}
	require.False(t, w.handleMessage(context.Background(), msg))
	require.Equal(t, uint64(2), w.failedTotal)
}

func TestReadBackoff(t *testing.T) {
	require.Equal(t, time.Duration(0), readBackoff(redis.Nil))
	require.Equal(t, time.Duration(0), readBackoff(context.Canceled))
	require.Equal(t, time.Duration(0), readBackoff(context.DeadlineExceeded))
	require.Equal(t, time.Second, readBackoff(errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")))
}

func TestPermanentClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"not found after retries", &retry.HTTPError{StatusCode: 404}, true},
		{"provider rejects request", &retry.HTTPError{StatusCode: 400}, true},
		{"rate limited", &retry.HTTPError{StatusCode: 429}, false},
		{"provider outage", &retry.HTTPError{StatusCode: 503}, false},
		{"no response", errors.New("dial tcp: connection refused"), false},
		{"wrapped status", errors.Wrap(&retry.HTTPError{StatusCode: 403}, "fetching payment"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, permanent(tc.err))
		})
	}
}
