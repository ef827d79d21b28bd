package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/deployment"
	"github.com/neuralcloud/deployd/internal/logger"
	"github.com/neuralcloud/deployd/internal/metrics"
)

const (
	DEFAULT_SWEEP_INTERVAL = time.Minute // Time to sleep between sweep cycles
)

// PaymentSweeperConfig holds configuration for the pending payment sweeper
type PaymentSweeperConfig struct {
	Interval       time.Duration // Sleep between cycles
	BatchSize      int           // Payments checked per cycle
	WorkerPoolSize int           // Concurrent workers
	QueueSize      int           // Resumes waiting for a worker, zero means unbounded
	StaleAfter     time.Duration // Only payments untouched for this long are checked
}

// paymentSweeper re-attaches pending on-chain payments that no confirmation watch is tracking,
// for example after a restart. Payments past their deadline settle as timed out.
type paymentSweeper struct {
	config      *PaymentSweeperConfig
	coordinator deployment.Coordinator
	clock       adapter.Clock
	pool        pond.Pool
	running     atomic.Bool
	stopChan    chan struct{}
	stoppedCh   chan struct{}
}

// NewPaymentSweeper creates a new pending payment sweeper
func NewPaymentSweeper(config *PaymentSweeperConfig, coordinator deployment.Coordinator, clock adapter.Clock) Sweeper {
	if config.Interval <= 0 {
		config.Interval = DEFAULT_SWEEP_INTERVAL
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &paymentSweeper{
		config:      config,
		coordinator: coordinator,
		clock:       clock,
		stopChan:    make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}
}

// Name returns the sweeper's name
func (s *paymentSweeper) Name() string {
	return "payment-sweeper"
}

// Start runs sweep cycles until the context is canceled or Stop is called
func (s *paymentSweeper) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sweeper already running")
	}
	defer func() {
		s.running.Store(false)
		close(s.stoppedCh)
	}()

	logger.InfoCtx(ctx, "Starting payment sweeper",
		zap.Duration("interval", s.config.Interval),
		zap.Int("batch_size", s.config.BatchSize),
		zap.Int("worker_pool_size", s.config.WorkerPoolSize),
		zap.Duration("stale_after", s.config.StaleAfter),
	)

	opts := []pond.Option{pond.WithContext(ctx)}
	if s.config.QueueSize > 0 {
		opts = append(opts, pond.WithQueueSize(s.config.QueueSize))
	}
	s.pool = pond.NewPool(s.config.WorkerPoolSize, opts...)
	defer s.pool.StopAndWait()

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Payment sweeper stopping due to context cancellation", zap.Error(ctx.Err()))
			return nil
		case <-s.stopChan:
			logger.InfoCtx(ctx, "Payment sweeper stop requested")
			return nil
		default:
			s.runSweepCycle(ctx)
			s.sleep(ctx, s.config.Interval)
		}
	}
}

// Stop signals the main loop and waits for the running cycle to finish
func (s *paymentSweeper) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}

	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}

	select {
	case <-s.stoppedCh:
		logger.InfoCtx(ctx, "Payment sweeper stopped gracefully")
		return nil
	case <-ctx.Done():
		logger.WarnCtx(ctx, "Payment sweeper stop interrupted by context timeout")
		return ctx.Err()
	}
}

// runSweepCycle resumes every stale pending payment once
func (s *paymentSweeper) runSweepCycle(ctx context.Context) {
	startTime := s.clock.Now()

	pending := s.coordinator.PendingPayments(ctx)
	metrics.SetPendingPayments(len(pending))

	var ids []string
	for _, rec := range pending {
		if s.clock.Since(rec.UpdatedAt) < s.config.StaleAfter {
			continue
		}
		ids = append(ids, rec.ID)
		if s.config.BatchSize > 0 && len(ids) >= s.config.BatchSize {
			break
		}
	}
	if len(ids) == 0 {
		logger.DebugCtx(ctx, "No stale pending payments", zap.Int("pending", len(pending)))
		return
	}

	var resumed, failed atomic.Int32
	group := s.pool.NewGroup()
	for _, id := range ids {
		group.Submit(func() {
			if err := s.coordinator.Resume(ctx, id); err != nil {
				failed.Add(1)
				metrics.ObserveReconciled("failed")
				if !errors.Is(err, context.Canceled) {
					logger.ErrorCtx(ctx, fmt.Errorf("failed to resume payment: %w", err), logger.TransactionID(id))
				}
				return
			}
			resumed.Add(1)
			metrics.ObserveReconciled("ok")
		})
	}
	if err := group.Wait(); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("sweep cycle interrupted: %w", err))
	}

	logger.InfoCtx(ctx, "Sweep cycle completed",
		zap.Duration("duration", s.clock.Since(startTime)),
		zap.Int("checked", len(ids)),
		zap.Int32("resumed", resumed.Load()),
		zap.Int32("failed", failed.Load()),
	)
}

// sleep waits for the duration unless the context is canceled or a stop is requested
func (s *paymentSweeper) sleep(ctx context.Context, duration time.Duration) {
	select {
	case <-s.clock.After(duration):
	case <-ctx.Done():
	case <-s.stopChan:
	}
}
