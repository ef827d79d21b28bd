package deployment

import (
	"context"
	"fmt"
	"iter"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/ledger"
	"github.com/neuralcloud/deployd/internal/logger"
	"github.com/neuralcloud/deployd/internal/messaging"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/txlog"
)

// ensureOpen seeds the external pool of an account the ledger has never seen.
// The native balance mirrors the chain, stable balances come from configuration.
// Must be called with the account lock held.
func (c *coordinator) ensureOpen(ctx context.Context, account string) error {
	if c.ledger.Exists(account) {
		return nil
	}

	native, err := c.wallet.GetBalance(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to read chain balance: %w", err)
	}

	seed := map[domain.Asset]decimal.Decimal{domain.AssetETH: native}
	for asset, amount := range c.cfg.StableBalances {
		if !asset.Native() {
			seed[asset] = amount
		}
	}

	for _, asset := range domain.Assets {
		amount, ok := seed[asset]
		if !ok || !amount.IsPositive() {
			continue
		}
		if err := c.ledger.Credit(ctx, account, domain.PoolExternal, asset, amount.Truncate(asset.Precision())); err != nil {
			return fmt.Errorf("failed to seed %s balance: %w", asset.Symbol(), err)
		}
	}

	// Accounts without any balance still need an entry so they are not seeded twice
	_ = c.ledger.Balance(ctx, account)
	c.persist(ctx, account)

	logger.InfoCtx(ctx, "Account opened", logger.Account(account), logger.Amount(native))
	return nil
}

func (c *coordinator) OpenAccount(ctx context.Context, account string) (ledger.AccountBalance, error) {
	account, err := normalize(account)
	if err != nil {
		return ledger.AccountBalance{}, err
	}

	unlock := c.lock(account)
	defer unlock()

	if err := c.ensureOpen(ctx, account); err != nil {
		return ledger.AccountBalance{}, err
	}
	return c.ledger.Balance(ctx, account), nil
}

func (c *coordinator) Balance(ctx context.Context, account string) (ledger.AccountBalance, error) {
	return c.OpenAccount(ctx, account)
}

func (c *coordinator) Deposit(ctx context.Context, account string, asset domain.Asset, amount decimal.Decimal) (string, error) {
	account, err := normalize(account)
	if err != nil {
		return "", err
	}
	if !asset.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedAsset, asset)
	}

	unlock := c.lock(account)
	if err := c.ensureOpen(ctx, account); err != nil {
		unlock()
		return "", err
	}

	if err := c.ledger.Transfer(ctx, account, domain.PoolExternal, domain.PoolPlatform, asset, amount); err != nil {
		unlock()
		c.observeRejection(err)
		return "", err
	}

	id, err := c.log.Record(ctx, txlog.RecordInput{
		Account:     account,
		Kind:        domain.TransactionKindDeposit,
		Asset:       asset,
		Amount:      amount,
		Description: fmt.Sprintf("Deposited %s %s to platform wallet", amount.String(), asset.Symbol()),
	})
	if err != nil {
		// An unrecorded transfer is reversed so both pools match the log
		if rerr := c.ledger.Transfer(ctx, account, domain.PoolPlatform, domain.PoolExternal, asset, amount); rerr != nil {
			logger.ErrorCtx(ctx, fmt.Errorf("failed to reverse deposit: %w", rerr), logger.Account(account))
		}
		unlock()
		return "", fmt.Errorf("failed to record deposit: %w", err)
	}
	c.persist(ctx, account)
	unlock()

	recorded := c.event(messaging.EventTransactionRecorded, account)
	recorded.TransactionID = id
	recorded.Status = string(domain.TransactionStatusConfirmed)
	c.publish(ctx, recorded, c.event(messaging.EventBalanceUpdated, account))

	logger.InfoCtx(ctx, "Deposit to platform wallet",
		logger.Account(account),
		logger.TransactionID(id),
		logger.Amount(amount),
		zap.String("asset", string(asset)))
	return id, nil
}

func creditDescription(asset domain.Asset) string {
	if asset.Native() {
		return fmt.Sprintf("Promotional %s credits received", asset.Symbol())
	}
	return "Promotional credits received"
}

func (c *coordinator) GrantCredits(ctx context.Context, account string) ([]string, error) {
	account, err := normalize(account)
	if err != nil {
		return nil, err
	}

	unlock := c.lock(account)
	if err := c.ensureOpen(ctx, account); err != nil {
		unlock()
		return nil, err
	}

	var (
		ids    []string
		events []messaging.Event
	)
	for _, asset := range []domain.Asset{domain.AssetUSDC, domain.AssetUSDT, domain.AssetETH} {
		amount, ok := c.cfg.PromoCredits[asset]
		if !ok || !amount.IsPositive() {
			continue
		}
		if err := c.ledger.Credit(ctx, account, domain.PoolPlatform, asset, amount); err != nil {
			logger.ErrorCtx(ctx, fmt.Errorf("failed to credit promotion: %w", err), logger.Account(account))
			continue
		}
		id, err := c.log.Record(ctx, txlog.RecordInput{
			Account:     account,
			Kind:        domain.TransactionKindCredit,
			Asset:       asset,
			Amount:      amount,
			Description: creditDescription(asset),
		})
		if err != nil {
			_ = c.ledger.Debit(ctx, account, domain.PoolPlatform, asset, amount)
			logger.ErrorCtx(ctx, fmt.Errorf("failed to record promotion: %w", err), logger.Account(account))
			continue
		}
		ids = append(ids, id)

		ev := c.event(messaging.EventTransactionRecorded, account)
		ev.TransactionID = id
		ev.Status = string(domain.TransactionStatusConfirmed)
		events = append(events, ev)
	}
	if len(ids) > 0 {
		c.persist(ctx, account)
		events = append(events, c.event(messaging.EventBalanceUpdated, account))
	}
	unlock()

	c.publish(ctx, events...)
	return ids, nil
}

func (c *coordinator) SetServerStatus(ctx context.Context, account string, serverID string, status domain.ServerStatus) error {
	account, err := normalize(account)
	if err != nil {
		return err
	}

	unlock := c.lock(account)
	srv, err := c.registry.Get(ctx, serverID)
	if err != nil {
		unlock()
		return err
	}
	if srv.Account != account {
		unlock()
		return fmt.Errorf("%w: %s", domain.ErrServerNotFound, serverID)
	}
	if err := c.registry.SetStatus(ctx, serverID, status); err != nil {
		unlock()
		return err
	}
	c.persist(ctx, account)
	unlock()

	ev := c.event(messaging.EventServerUpdated, account)
	ev.ServerID = serverID
	ev.Status = string(status)
	c.publish(ctx, ev)

	logger.InfoCtx(ctx, "Server status changed",
		logger.Account(account),
		logger.ServerID(serverID),
		zap.String("from", string(srv.Status)),
		zap.String("to", string(status)))
	return nil
}

func (c *coordinator) Transactions(ctx context.Context, account string, filter txlog.Filter) (iter.Seq[txlog.Record], error) {
	account, err := normalize(account)
	if err != nil {
		return nil, err
	}
	return c.log.List(ctx, account, filter), nil
}

func (c *coordinator) Transaction(ctx context.Context, account string, id string) (txlog.Record, error) {
	account, err := normalize(account)
	if err != nil {
		return txlog.Record{}, err
	}
	rec, err := c.log.Get(ctx, id)
	if err != nil {
		return txlog.Record{}, err
	}
	if rec.Account != account {
		return txlog.Record{}, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
	}
	return rec, nil
}

func (c *coordinator) Servers(ctx context.Context, account string, filter registry.Filter) ([]registry.Server, error) {
	account, err := normalize(account)
	if err != nil {
		return nil, err
	}
	return c.registry.List(ctx, account, filter), nil
}

func (c *coordinator) Server(ctx context.Context, account string, id string) (registry.Server, error) {
	account, err := normalize(account)
	if err != nil {
		return registry.Server{}, err
	}
	srv, err := c.registry.Get(ctx, id)
	if err != nil {
		return registry.Server{}, err
	}
	if srv.Account != account {
		return registry.Server{}, fmt.Errorf("%w: %s", domain.ErrServerNotFound, id)
	}
	return srv, nil
}

func (c *coordinator) Stats(ctx context.Context, account string) (Stats, error) {
	account, err := normalize(account)
	if err != nil {
		return Stats{}, err
	}

	revenue := ledger.Balances{}
	for _, asset := range domain.Assets {
		revenue[asset] = decimal.Zero
	}
	payments := c.log.List(ctx, account, txlog.Filter{
		Kind:   domain.TransactionKindPayment,
		Status: domain.TransactionStatusConfirmed,
	})
	settled := make(map[string]struct{})
	for rec := range payments {
		settled[rec.ID] = struct{}{}
		revenue[rec.Asset] = revenue[rec.Asset].Add(rec.Amount)
	}

	// A refunded payment earned nothing
	refunds := c.log.List(ctx, account, txlog.Filter{Kind: domain.TransactionKindRefund})
	for rec := range refunds {
		if _, ok := settled[rec.RefundOf]; ok {
			revenue[rec.Asset] = revenue[rec.Asset].Sub(rec.Amount)
		}
	}

	servers := c.registry.Stats(ctx, account)
	return Stats{
		Revenue:       revenue,
		TotalServers:  servers.Total,
		ActiveServers: servers.Active,
	}, nil
}
