package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/logger"
	"github.com/neuralcloud/deployd/internal/messaging"
	"github.com/neuralcloud/deployd/internal/metrics"
	"github.com/neuralcloud/deployd/internal/pricing"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/txlog"
)

// deployOnchain reserves the external funds, records the intent, submits the payment and
// provisions the server optimistically. The returned task settles asynchronously.
func (c *coordinator) deployOnchain(ctx context.Context, task *Task, name string, cfg domain.ServerConfig, quote pricing.Quote) (*Task, error) {
	account := task.account

	unlock := c.lock(account)
	if err := c.ensureOpen(ctx, account); err != nil {
		unlock()
		return nil, err
	}

	// The hold keeps a second deployment from spending the same funds while this one is in flight
	if err := c.ledger.Reserve(ctx, account, domain.PoolExternal, quote.Asset, quote.Amount, task.ID()); err != nil {
		unlock()
		c.observeRejection(err)
		metrics.ObserveDeployment(string(task.method), "rejected")
		return nil, err
	}

	paymentID, err := c.log.Record(ctx, txlog.RecordInput{
		ID:          task.ID(),
		Account:     account,
		Kind:        domain.TransactionKindPayment,
		Asset:       quote.Asset,
		Amount:      quote.Amount,
		External:    true,
		Method:      domain.PaymentMethodOnchain,
		Description: deploymentDescription(name),
	})
	if err != nil {
		_ = c.ledger.Release(ctx, account, task.ID())
		unlock()
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}
	task.setTransaction(paymentID)
	c.tasks.Store(task.ID(), task)
	c.persist(ctx, account)
	unlock()

	recorded := c.event(messaging.EventTransactionRecorded, account)
	recorded.TransactionID = paymentID
	recorded.TaskID = task.ID()
	recorded.Status = string(domain.TransactionStatusPending)
	c.publish(ctx, recorded)

	// Submission happens outside the account lock, the reservation already protects the funds
	hash, submitErr := c.wallet.Submit(ctx, account, c.cfg.PlatformWallet, quote.Asset, quote.Amount)

	unlock = c.lock(account)
	if submitErr != nil {
		if !errors.Is(submitErr, domain.ErrExternalSubmissionFailed) {
			submitErr = fmt.Errorf("%w: %w", domain.ErrExternalSubmissionFailed, submitErr)
		}
		events := c.abandonPayment(ctx, account, paymentID, "", submitErr)
		c.persist(ctx, account)
		unlock()

		c.publish(ctx, events...)
		c.finish(ctx, task, TaskStateFailed, submitErr)

		logger.WarnCtx(ctx, "On-chain payment submission failed",
			logger.Account(account),
			logger.TaskID(task.ID()),
			zap.Bool("transient", domain.IsTransient(submitErr)),
			zap.Error(submitErr))
		return nil, submitErr
	}

	events, err := c.attachSubmission(ctx, task, name, cfg, quote, hash)
	c.persist(ctx, account)
	unlock()
	c.publish(ctx, events...)
	if err != nil {
		// The record was settled while the submission was in flight
		logger.WarnCtx(ctx, "Payment settled before its submission completed",
			logger.TaskID(task.ID()),
			logger.Hash(hash),
			zap.Error(err))
		c.finish(ctx, task, TaskStateFailed, err)
		return task, nil
	}

	metrics.PaymentSubmitted()
	c.startAwait(task, hash, c.cfg.ConfirmationTimeout)

	logger.InfoCtx(ctx, "On-chain payment submitted",
		logger.Account(account),
		logger.TaskID(task.ID()),
		logger.Hash(hash),
		logger.ServerID(task.ServerID()))
	return task, nil
}

// attachSubmission stores the hash and provisions the server optimistically.
// Must be called with the account lock held.
func (c *coordinator) attachSubmission(ctx context.Context, task *Task, name string, cfg domain.ServerConfig, quote pricing.Quote, hash string) ([]messaging.Event, error) {
	account := task.account
	paymentID := task.TransactionID()

	if err := c.log.UpdateStatus(ctx, paymentID, domain.TransactionStatusPending, hash); err != nil {
		return nil, err
	}
	task.setHash(hash)

	updated := c.event(messaging.EventTransactionUpdated, account)
	updated.TransactionID = paymentID
	updated.Status = string(domain.TransactionStatusPending)
	updated.Message = hash
	events := []messaging.Event{updated}

	serverID, err := c.registry.Provision(ctx, registry.ProvisionInput{
		Account:              account,
		Name:                 name,
		Config:               cfg,
		MonthlyCost:          quote.USD,
		PaymentTransactionID: paymentID,
	})
	if err != nil {
		// Settlement refunds a confirmed payment that has no server
		logger.ErrorCtx(ctx, fmt.Errorf("failed to provision server: %w", err), logger.TransactionID(paymentID))
		return events, nil
	}
	task.setServer(serverID)

	if err := c.log.LinkServer(ctx, paymentID, serverID); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to link payment to server: %w", err),
			logger.TransactionID(paymentID),
			logger.ServerID(serverID))
	}

	provisioned := c.event(messaging.EventServerProvisioned, account)
	provisioned.ServerID = serverID
	provisioned.TransactionID = paymentID
	provisioned.Status = string(domain.ServerStatusProvisioning)
	return append(events, provisioned), nil
}

type awaitResult struct {
	outcome domain.Outcome
	err     error
}

// startAwait waits for the outcome of a submitted payment in the background
func (c *coordinator) startAwait(task *Task, hash string, timeout time.Duration) {
	c.wg.Add(1)
	go c.await(task, hash, timeout)
}

func (c *coordinator) await(task *Task, hash string, timeout time.Duration) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan awaitResult, 1)
	go func() {
		outcome, err := c.wallet.AwaitConfirmation(ctx, hash)
		results <- awaitResult{outcome: outcome, err: err}
	}()

	deadline := c.clock.After(timeout)
	for {
		select {
		case <-task.Done():
			// settled by ConfirmDeployment or Cancel
			return
		case <-c.closing:
			return
		case <-deadline:
			c.settleLogged(ctx, task, domain.OutcomeFailed,
				fmt.Errorf("%w: no confirmation after %s", domain.ErrConfirmationTimeout, timeout))
			return
		case r := <-results:
			if r.err != nil {
				// keep waiting for a signal or the deadline
				logger.WarnCtx(ctx, "Confirmation watch stopped",
					logger.TaskID(task.ID()),
					logger.Hash(hash),
					zap.Error(r.err))
				results = nil
				continue
			}
			var cause error
			if r.outcome != domain.OutcomeConfirmed {
				cause = fmt.Errorf("%w: transaction %s reverted", domain.ErrExternalConfirmationFailed, hash)
			}
			c.settleLogged(ctx, task, r.outcome, cause)
			return
		}
	}
}

func (c *coordinator) settleLogged(ctx context.Context, task *Task, outcome domain.Outcome, cause error) {
	if err := c.settle(ctx, task, outcome, cause); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to settle payment: %w", err), logger.TaskID(task.ID()))
	}
}

// settle applies the outcome of an on-chain payment exactly once.
// A payment that is already final is left alone, which makes late and duplicate signals no-ops.
func (c *coordinator) settle(ctx context.Context, task *Task, outcome domain.Outcome, cause error) error {
	account := task.account

	unlock := c.lock(account)
	rec, err := c.log.Get(ctx, task.ID())
	if err != nil {
		unlock()
		return err
	}
	if rec.Status.Terminal() {
		unlock()
		logger.InfoCtx(ctx, "Ignoring signal for settled payment",
			logger.TransactionID(rec.ID),
			zap.String("status", string(rec.Status)),
			zap.String("outcome", string(outcome)))
		return nil
	}

	var (
		events []messaging.Event
		state  = TaskStateConfirmed
	)
	if outcome == domain.OutcomeConfirmed {
		events, cause = c.confirmPayment(ctx, rec)
		if cause != nil {
			state = TaskStateFailed
		}
	} else {
		if cause == nil {
			cause = domain.ErrExternalConfirmationFailed
		}
		events = c.abandonPayment(ctx, account, rec.ID, rec.ServerID, cause)
		state = TaskStateFailed
	}
	c.persist(ctx, account)
	unlock()

	metrics.PaymentSettled()
	metrics.ObserveConfirmation(string(outcome), c.clock.Since(rec.CreatedAt))
	c.publish(ctx, events...)
	c.finish(ctx, task, state, cause)

	logger.InfoCtx(ctx, "On-chain payment settled",
		logger.Account(account),
		logger.TransactionID(rec.ID),
		logger.ServerID(rec.ServerID),
		zap.String("outcome", string(outcome)),
		zap.String("state", string(state)),
		zap.Error(cause))
	return nil
}

// confirmPayment finalizes a confirmed payment and promotes its server. A server that cannot run
// is rolled back and the payment is refunded to the platform pool. Must be called with the account lock held.
func (c *coordinator) confirmPayment(ctx context.Context, rec txlog.Record) ([]messaging.Event, error) {
	if err := c.log.UpdateStatus(ctx, rec.ID, domain.TransactionStatusConfirmed, ""); err != nil {
		return nil, err
	}

	// The chain has moved the funds, the external pool follows
	if err := c.ledger.Consume(ctx, rec.Account, rec.ID); err != nil {
		logger.WarnCtx(ctx, "Failed to consume reservation, debiting external pool directly",
			logger.Account(rec.Account),
			logger.TransactionID(rec.ID),
			zap.Error(err))
		c.settleWithoutReservation(ctx, rec)
	}

	confirmed := c.event(messaging.EventTransactionUpdated, rec.Account)
	confirmed.TransactionID = rec.ID
	confirmed.Status = string(domain.TransactionStatusConfirmed)
	events := []messaging.Event{confirmed, c.event(messaging.EventBalanceUpdated, rec.Account)}

	if rec.ServerID == "" {
		events = append(events, c.refund(ctx, rec.Account, rec.Asset, rec.Amount, rec.ID, "no server was provisioned")...)
		return events, fmt.Errorf("%w: payment %s has no server", domain.ErrServerNotFound, rec.ID)
	}

	if err := c.registry.Promote(ctx, rec.ServerID); err != nil {
		events = append(events, c.rollbackServer(ctx, rec.Account, rec.ServerID)...)
		events = append(events, c.refund(ctx, rec.Account, rec.Asset, rec.Amount, rec.ID, "server promotion failed")...)
		return events, fmt.Errorf("failed to start server: %w", err)
	}

	running := c.event(messaging.EventServerUpdated, rec.Account)
	running.ServerID = rec.ServerID
	running.TransactionID = rec.ID
	running.Status = string(domain.ServerStatusRunning)
	return append(events, running), nil
}

// abandonPayment fails a pending payment, releases its hold and rolls its server back.
// Must be called with the account lock held.
func (c *coordinator) abandonPayment(ctx context.Context, account string, paymentID string, serverID string, cause error) []messaging.Event {
	if err := c.log.Fail(ctx, paymentID, cause.Error()); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to mark payment failed: %w", err), logger.TransactionID(paymentID))
	}
	_ = c.ledger.Release(ctx, account, paymentID)

	failed := c.event(messaging.EventTransactionUpdated, account)
	failed.TransactionID = paymentID
	failed.Status = string(domain.TransactionStatusFailed)
	failed.Message = cause.Error()

	events := []messaging.Event{failed, c.event(messaging.EventBalanceUpdated, account)}
	return append(events, c.rollbackServer(ctx, account, serverID)...)
}

func (c *coordinator) ConfirmDeployment(ctx context.Context, transactionID string, outcome domain.Outcome) error {
	if !outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", domain.ErrInvalidTransition, outcome)
	}

	rec, err := c.log.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if rec.Kind != domain.TransactionKindPayment {
		return fmt.Errorf("%w: %s is a %s record", domain.ErrInvalidTransition, rec.ID, rec.Kind)
	}
	if rec.Status.Terminal() {
		logger.InfoCtx(ctx, "Ignoring signal for settled payment",
			logger.TransactionID(rec.ID),
			zap.String("status", string(rec.Status)),
			zap.String("outcome", string(outcome)))
		return nil
	}
	if rec.ExternalHash == "" {
		return fmt.Errorf("%w: payment %s has not been submitted yet", domain.ErrInvalidTransition, rec.ID)
	}

	v, _ := c.tasks.LoadOrStore(rec.ID, taskFromRecord(rec))
	task := v.(*Task)

	var cause error
	if outcome == domain.OutcomeFailed {
		cause = fmt.Errorf("%w: reported failed for %s", domain.ErrExternalConfirmationFailed, rec.ExternalHash)
	}
	return c.settle(ctx, task, outcome, cause)
}

func (c *coordinator) Cancel(ctx context.Context, taskID string) error {
	v, ok := c.tasks.Load(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	task := v.(*Task)

	if task.State() != TaskStatePending {
		return fmt.Errorf("%w: task %s is already %s", domain.ErrInvalidTransition, taskID, task.State())
	}
	if task.Hash() == "" {
		return fmt.Errorf("%w: task %s is still submitting", domain.ErrInvalidTransition, taskID)
	}

	logger.InfoCtx(ctx, "Canceling deployment", logger.TaskID(taskID), logger.Account(task.account))
	return c.settle(ctx, task, domain.OutcomeFailed, fmt.Errorf("%w: canceled by user", domain.ErrDeploymentCanceled))
}

func (c *coordinator) Resume(ctx context.Context, transactionID string) error {
	rec, err := c.log.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if rec.Kind != domain.TransactionKindPayment || rec.Status.Terminal() {
		return nil
	}

	task := taskFromRecord(rec)
	if _, tracked := c.tasks.LoadOrStore(rec.ID, task); tracked {
		return nil
	}

	if rec.ExternalHash == "" {
		// The process stopped before the hash was stored, the payment cannot be watched
		return c.settle(ctx, task, domain.OutcomeFailed,
			fmt.Errorf("%w: submission was interrupted", domain.ErrExternalSubmissionFailed))
	}

	remaining := max(c.cfg.ConfirmationTimeout-c.clock.Since(rec.CreatedAt), 0)
	c.startAwait(task, rec.ExternalHash, remaining)

	logger.InfoCtx(ctx, "Resumed confirmation watch",
		logger.TransactionID(rec.ID),
		logger.Hash(rec.ExternalHash),
		zap.Duration("remaining", remaining))
	return nil
}

// settleWithoutReservation moves a confirmed payment out of the external pool when its hold is gone.
// The server is still delivered since the chain has already taken the funds. Must be called with the account lock held.
func (c *coordinator) settleWithoutReservation(ctx context.Context, rec txlog.Record) {
	// A hold that is still present would keep the amount unavailable after the debit
	if err := c.ledger.Release(ctx, rec.Account, rec.ID); err != nil {
		logger.WarnCtx(ctx, "Failed to release reservation", logger.TransactionID(rec.ID), zap.Error(err))
	}

	if err := c.ledger.Debit(ctx, rec.Account, domain.PoolExternal, rec.Asset, rec.Amount); err != nil {
		metrics.ObserveLedgerMismatch(string(domain.PoolExternal))
		logger.ErrorCtx(ctx, fmt.Errorf("external pool does not reflect confirmed payment: %w", err),
			logger.Account(rec.Account),
			logger.TransactionID(rec.ID),
			logger.Amount(rec.Amount))
	}
}
