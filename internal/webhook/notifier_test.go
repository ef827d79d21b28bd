package webhook_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/logger"
	"github.com/neuralcloud/deployd/internal/messaging"
	"github.com/neuralcloud/deployd/internal/webhook"
)

type received struct {
	header http.Header
	body   []byte
}

func newNotifier(t *testing.T, endpoints ...webhook.Endpoint) *webhook.Notifier {
	t.Helper()
	require.NoError(t, logger.Initialize(logger.Config{Debug: true}))

	n := webhook.NewNotifier(webhook.Config{
		Endpoints:      endpoints,
		MaxAttempts:    3,
		Timeout:        2 * time.Second,
		RetryInterval:  10 * time.Millisecond,
		WorkerPoolSize: 2,
	}, webhook.NewSigner(adapter.NewJSON(), adapter.NewJCS()), adapter.NewClock())
	t.Cleanup(n.Close)
	return n
}

func TestDeliver(t *testing.T) {
	requests := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- received{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	endpoint := webhook.Endpoint{ID: "billing", URL: srv.URL, Secret: testSecret}
	n := newNotifier(t, endpoint)
	event := testEvent()

	result := n.Deliver(context.Background(), endpoint, event)
	require.True(t, result.Success)
	assert.Equal(t, http.StatusNoContent, result.StatusCode)
	assert.Equal(t, 1, result.Attempts)

	got := <-requests
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, event.EventID, got.header.Get("X-Webhook-Event-ID"))
	assert.Equal(t, event.EventType, got.header.Get("X-Webhook-Event-Type"))

	timestamp, err := strconv.ParseInt(got.header.Get("X-Webhook-Timestamp"), 10, 64)
	require.NoError(t, err)
	assert.True(t, webhook.Verify(testSecret, timestamp, event.EventID, got.body, got.header.Get("X-Webhook-Signature")))
}

func TestDeliverRetries(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		success  bool
		attempts int
	}{
		{name: "recovers after server errors", statuses: []int{500, 503, 200}, success: true, attempts: 3},
		{name: "retries rate limiting", statuses: []int{429, 202}, success: true, attempts: 2},
		{name: "gives up after max attempts", statuses: []int{502, 502, 502, 502}, attempts: 3},
		{name: "client errors are permanent", statuses: []int{400, 200}, attempts: 1},
		{name: "gone is permanent", statuses: []int{410}, attempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				i := int(calls.Add(1)) - 1
				w.WriteHeader(tt.statuses[min(i, len(tt.statuses)-1)])
			}))
			defer srv.Close()

			endpoint := webhook.Endpoint{ID: "ops", URL: srv.URL, Secret: testSecret}
			result := newNotifier(t, endpoint).Deliver(context.Background(), endpoint, testEvent())

			assert.Equal(t, tt.success, result.Success)
			assert.Equal(t, tt.attempts, result.Attempts)
			assert.Equal(t, int32(tt.attempts), calls.Load())
			if !tt.success {
				assert.NotEmpty(t, result.Error)
			}
		})
	}
}

func TestDeliverStopsWhenCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	endpoint := webhook.Endpoint{ID: "ops", URL: srv.URL, Secret: testSecret}
	result := newNotifier(t, endpoint).Deliver(ctx, endpoint, testEvent())
	assert.False(t, result.Success)
	assert.LessOrEqual(t, result.Attempts, 1)
}

func TestPublishFansOutToSubscribedEndpoints(t *testing.T) {
	var mu sync.Mutex
	hits := map[string][]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits[r.URL.Path] = append(hits[r.URL.Path], r.Header.Get("X-Webhook-Event-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newNotifier(t,
		webhook.Endpoint{ID: "all", URL: srv.URL + "/all", Secret: testSecret},
		webhook.Endpoint{ID: "servers", URL: srv.URL + "/servers", Secret: testSecret, EventTypes: []string{string(messaging.EventServerProvisioned)}},
	)

	now := time.Now()
	account := "0x52908400098527886E0F7030069857D2E4169EE7"
	require.NoError(t, n.Publish(context.Background(), messaging.NewEvent(now, messaging.EventTransactionRecorded, account)))
	require.NoError(t, n.Publish(context.Background(), messaging.NewEvent(now, messaging.EventServerProvisioned, account)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hits["/all"]) == 2 && len(hits["/servers"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"transaction.recorded", "server.provisioned"}, hits["/all"])
	assert.Equal(t, []string{"server.provisioned"}, hits["/servers"])
}
