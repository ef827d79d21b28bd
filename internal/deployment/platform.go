package deployment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/logger"
	"github.com/neuralcloud/deployd/internal/messaging"
	"github.com/neuralcloud/deployd/internal/metrics"
	"github.com/neuralcloud/deployd/internal/pricing"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/txlog"
)

// deployFromPlatform runs the synchronous platform-credit path and returns a final task
func (c *coordinator) deployFromPlatform(ctx context.Context, task *Task, name string, cfg domain.ServerConfig, quote pricing.Quote) (*Task, error) {
	account := task.account

	unlock := c.lock(account)
	if err := c.ensureOpen(ctx, account); err != nil {
		unlock()
		return nil, err
	}
	events, err := c.payFromPlatform(ctx, task, name, cfg, quote)
	if task.TransactionID() != "" {
		c.persist(ctx, account)
	}
	unlock()

	c.publish(ctx, events...)

	if err != nil {
		if task.TransactionID() == "" {
			// nothing was recorded, the request is rejected rather than failed
			metrics.ObserveDeployment(string(task.method), "rejected")
			return nil, err
		}
		c.finish(ctx, task, TaskStateFailed, err)
		c.tasks.Store(task.ID(), task)
		return nil, err
	}

	c.finish(ctx, task, TaskStateConfirmed, nil)
	c.tasks.Store(task.ID(), task)

	logger.InfoCtx(ctx, "Deployment paid from platform balance",
		logger.Account(account),
		logger.TaskID(task.ID()),
		logger.ServerID(task.ServerID()),
		logger.Amount(quote.Amount),
		zap.String("asset", string(quote.Asset)))
	return task, nil
}

// payFromPlatform debits, records, provisions and promotes. Any failure after the debit is
// compensated before returning. Must be called with the account lock held.
func (c *coordinator) payFromPlatform(ctx context.Context, task *Task, name string, cfg domain.ServerConfig, quote pricing.Quote) ([]messaging.Event, error) {
	account := task.account

	if err := c.ledger.Debit(ctx, account, domain.PoolPlatform, quote.Asset, quote.Amount); err != nil {
		c.observeRejection(err)
		return nil, err
	}
	events := []messaging.Event{c.event(messaging.EventBalanceUpdated, account)}

	paymentID, err := c.log.Record(ctx, txlog.RecordInput{
		ID:          task.ID(),
		Account:     account,
		Kind:        domain.TransactionKindPayment,
		Asset:       quote.Asset,
		Amount:      quote.Amount,
		Method:      domain.PaymentMethodPlatform,
		Description: deploymentDescription(name),
	})
	if err != nil {
		c.refund(ctx, account, quote.Asset, quote.Amount, "", "")
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}
	task.setTransaction(paymentID)

	recorded := c.event(messaging.EventTransactionRecorded, account)
	recorded.TransactionID = paymentID
	recorded.Status = string(domain.TransactionStatusConfirmed)
	events = append(events, recorded)

	serverID, err := c.registry.Provision(ctx, registry.ProvisionInput{
		Account:              account,
		Name:                 name,
		Config:               cfg,
		MonthlyCost:          quote.USD,
		PaymentTransactionID: paymentID,
	})
	if err != nil {
		events = append(events, c.refund(ctx, account, quote.Asset, quote.Amount, paymentID, "server provisioning failed")...)
		return events, fmt.Errorf("failed to provision server: %w", err)
	}
	task.setServer(serverID)

	if err := c.log.LinkServer(ctx, paymentID, serverID); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to link payment to server: %w", err),
			logger.TransactionID(paymentID),
			logger.ServerID(serverID))
	}

	if err := c.registry.Promote(ctx, serverID); err != nil {
		events = append(events, c.rollbackServer(ctx, account, serverID)...)
		events = append(events, c.refund(ctx, account, quote.Asset, quote.Amount, paymentID, "server promotion failed")...)
		return events, fmt.Errorf("failed to start server: %w", err)
	}

	running := c.event(messaging.EventServerProvisioned, account)
	running.ServerID = serverID
	running.TransactionID = paymentID
	running.Status = string(domain.ServerStatusRunning)
	return append(events, running), nil
}
