package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/logger"
	"github.com/neuralcloud/deployd/internal/messaging"
	"github.com/neuralcloud/deployd/internal/metrics"
)

const (
	DEFAULT_MAX_ATTEMPTS   = 5
	DEFAULT_TIMEOUT        = 10 * time.Second
	DEFAULT_RETRY_INTERVAL = 5 * time.Second
	maxResponseBody        = 4 * 1024
	userAgent              = "deployd-webhook/1.0"
)

// Config holds the webhook notifier configuration
type Config struct {
	Endpoints      []Endpoint
	MaxAttempts    int           // Delivery attempts per endpoint and event
	Timeout        time.Duration // Per attempt
	RetryInterval  time.Duration // First backoff interval, doubled after each attempt
	WorkerPoolSize int
	QueueSize      int // Deliveries waiting for a worker, zero means unbounded
}

// Notifier is a messaging.Publisher that POSTs signed events to the configured endpoints.
// Deliveries run on a worker pool, Publish never blocks on the network.
type Notifier struct {
	cfg    Config
	signer *Signer
	clock  adapter.Clock
	http   *http.Client
	pool   pond.Pool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNotifier creates a notifier and starts its worker pool
func NewNotifier(cfg Config, signer *Signer, clock adapter.Clock) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DEFAULT_MAX_ATTEMPTS
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DEFAULT_TIMEOUT
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DEFAULT_RETRY_INTERVAL
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	opts := []pond.Option{pond.WithContext(ctx)}
	if cfg.QueueSize > 0 {
		opts = append(opts, pond.WithQueueSize(cfg.QueueSize))
	}

	return &Notifier{
		cfg:    cfg,
		signer: signer,
		clock:  clock,
		http:   &http.Client{Timeout: cfg.Timeout},
		pool:   pond.NewPool(cfg.WorkerPoolSize, opts...),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish schedules a delivery to every endpoint subscribed to the event
func (n *Notifier) Publish(ctx context.Context, event messaging.Event) error {
	webhookEvent := NewWebhookEvent(event)
	for _, endpoint := range n.cfg.Endpoints {
		if !endpoint.Accepts(event) {
			continue
		}
		n.pool.Submit(func() {
			n.Deliver(n.ctx, endpoint, webhookEvent)
		})
	}
	return nil
}

// Close abandons retries in progress and waits for the workers to exit
func (n *Notifier) Close() {
	n.cancel()
	n.pool.StopAndWait()
}

// Deliver sends one event to one endpoint, retrying with exponential backoff on network
// errors, 408, 429 and 5xx responses. Other 4xx responses are permanent.
func (n *Notifier) Deliver(ctx context.Context, endpoint Endpoint, event WebhookEvent) DeliveryResult {
	var result DeliveryResult

	operation := func() error {
		result.Attempts++
		statusCode, body, err := n.post(ctx, endpoint, event)
		result.StatusCode = statusCode
		result.Body = body
		if err != nil {
			logger.WarnCtx(ctx, "Webhook delivery attempt failed",
				zap.String("endpoint", endpoint.ID),
				zap.String("event_id", event.EventID),
				zap.Int("attempt", result.Attempts),
				zap.Error(err))
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.RetryInterval
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(n.cfg.MaxAttempts-1)), ctx) //nolint:gosec,G115

	if err := backoff.Retry(operation, policy); err != nil {
		result.Error = err.Error()
		metrics.ObserveWebhookDelivery(endpoint.ID, "failed")
		logger.ErrorCtx(ctx, errors.New("webhook delivery failed"),
			zap.String("endpoint", endpoint.ID),
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.Int("attempts", result.Attempts),
			zap.Error(err))
		return result
	}

	result.Success = true
	metrics.ObserveWebhookDelivery(endpoint.ID, "success")
	logger.DebugCtx(ctx, "Webhook delivered",
		zap.String("endpoint", endpoint.ID),
		zap.String("event_id", event.EventID),
		zap.Int("status", result.StatusCode))
	return result
}

func (n *Notifier) post(ctx context.Context, endpoint Endpoint, event WebhookEvent) (int, string, error) {
	// Signed per attempt so the timestamp stays inside the receiver's replay window
	payload, signature, timestamp, err := n.signer.Sign(endpoint.Secret, event, n.clock.Now())
	if err != nil {
		return 0, "", backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event-ID", event.EventID)
	req.Header.Set("X-Webhook-Event-Type", event.EventType)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(timestamp, 10))

	resp, err := n.http.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("failed to post webhook: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.WarnCtx(ctx, "failed to close response body", zap.Error(err), zap.String("endpoint", endpoint.ID))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		// The status code is what matters
		body = nil
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, string(body), nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return resp.StatusCode, string(body), fmt.Errorf("HTTP %d", resp.StatusCode)
	default:
		return resp.StatusCode, string(body), backoff.Permanent(fmt.Errorf("HTTP %d", resp.StatusCode))
	}
}
