package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/neuralcloud/deployd/internal/domain"
)

// Ledger holds the external and platform balances of every account.
// Each account is guarded by its own mutex, a check and the mutation it
// guards always happen inside the same critical section.
type Ledger interface {
	// Debit decreases a pool balance, failing with domain.ErrInsufficientBalance when the amount exceeds what is available
	Debit(ctx context.Context, account string, pool domain.Pool, asset domain.Asset, amount decimal.Decimal) error

	// Credit increases a pool balance
	Credit(ctx context.Context, account string, pool domain.Pool, asset domain.Asset, amount decimal.Decimal) error

	// Transfer moves an amount between the two pools of the same account atomically
	Transfer(ctx context.Context, account string, from, to domain.Pool, asset domain.Asset, amount decimal.Decimal) error

	// Reserve places a hold on part of a pool balance under ref
	Reserve(ctx context.Context, account string, pool domain.Pool, asset domain.Asset, amount decimal.Decimal, ref string) error

	// Release drops a hold without moving funds. Unknown refs are ignored.
	Release(ctx context.Context, account string, ref string) error

	// Consume debits the held amount and drops the hold
	Consume(ctx context.Context, account string, ref string) error

	// Balance returns a consistent snapshot of the account balances
	Balance(ctx context.Context, account string) AccountBalance

	// Exists reports whether the account has ever been touched
	Exists(account string) bool

	// Snapshot returns the persistable state of an account
	Snapshot(account string) AccountState

	// Restore replaces the state of an account, used when loading from storage
	Restore(state AccountState) error
}

// Reservation is a hold on part of a pool balance
type Reservation struct {
	Ref    string          `json:"ref"`
	Pool   domain.Pool     `json:"pool"`
	Asset  domain.Asset    `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Balances maps an asset to an amount
type Balances map[domain.Asset]decimal.Decimal

// AccountBalance is a point-in-time view of an account
type AccountBalance struct {
	External Balances                 `json:"external"`
	Platform Balances                 `json:"platform"`
	Reserved map[domain.Pool]Balances `json:"reserved"`
}

// Available returns the balance of a pool minus its reservations
func (b AccountBalance) Available(pool domain.Pool, asset domain.Asset) decimal.Decimal {
	var total decimal.Decimal
	switch pool {
	case domain.PoolExternal:
		total = b.External[asset]
	case domain.PoolPlatform:
		total = b.Platform[asset]
	}
	return total.Sub(b.Reserved[pool][asset])
}

// AccountState is the persisted form of an account
type AccountState struct {
	Account      string        `json:"account"`
	External     Balances      `json:"external"`
	Platform     Balances      `json:"platform"`
	Reservations []Reservation `json:"reservations"`
}

type accountEntry struct {
	mu           sync.Mutex
	balances     map[domain.Pool]Balances
	reservations map[string]Reservation
}

type ledger struct {
	mu       sync.RWMutex
	accounts map[string]*accountEntry
}

// New creates an empty ledger
func New() Ledger {
	return &ledger{
		accounts: make(map[string]*accountEntry),
	}
}

func newAccountEntry() *accountEntry {
	e := &accountEntry{
		balances: map[domain.Pool]Balances{
			domain.PoolExternal: {},
			domain.PoolPlatform: {},
		},
		reservations: make(map[string]Reservation),
	}
	for _, pool := range []domain.Pool{domain.PoolExternal, domain.PoolPlatform} {
		for _, asset := range domain.Assets {
			e.balances[pool][asset] = decimal.Zero
		}
	}
	return e
}

// entry returns the account entry, creating it on first use
func (l *ledger) entry(account string) *accountEntry {
	l.mu.RLock()
	e, ok := l.accounts[account]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.accounts[account]; ok {
		return e
	}
	e = newAccountEntry()
	l.accounts[account] = e
	return e
}

func (e *accountEntry) reserved(pool domain.Pool, asset domain.Asset) decimal.Decimal {
	total := decimal.Zero
	for _, r := range e.reservations {
		if r.Pool == pool && r.Asset == asset {
			total = total.Add(r.Amount)
		}
	}
	return total
}

func (e *accountEntry) available(pool domain.Pool, asset domain.Asset) decimal.Decimal {
	return e.balances[pool][asset].Sub(e.reserved(pool, asset))
}

// debit must be called with e.mu held
func (e *accountEntry) debit(pool domain.Pool, asset domain.Asset, amount decimal.Decimal) error {
	available := e.available(pool, asset)
	if amount.GreaterThan(available) {
		return &domain.InsufficientFundsError{
			Pool:      pool,
			Asset:     asset,
			Required:  amount,
			Available: available,
		}
	}
	e.balances[pool][asset] = e.balances[pool][asset].Sub(amount)
	return nil
}

func validate(pool domain.Pool, asset domain.Asset, amount decimal.Decimal) error {
	if !pool.Valid() {
		return fmt.Errorf("%w: unknown pool %q", domain.ErrInvalidAmount, pool)
	}
	return domain.ValidateAmount(asset, amount)
}

func (l *ledger) Debit(ctx context.Context, account string, pool domain.Pool, asset domain.Asset, amount decimal.Decimal) error {
	if err := validate(pool, asset, amount); err != nil {
		return err
	}

	e := l.entry(account)
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.debit(pool, asset, amount)
}

func (l *ledger) Credit(ctx context.Context, account string, pool domain.Pool, asset domain.Asset, amount decimal.Decimal) error {
	if err := validate(pool, asset, amount); err != nil {
		return err
	}

	e := l.entry(account)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.balances[pool][asset] = e.balances[pool][asset].Add(amount)
	return nil
}

func (l *ledger) Transfer(ctx context.Context, account string, from, to domain.Pool, asset domain.Asset, amount decimal.Decimal) error {
	if err := validate(from, asset, amount); err != nil {
		return err
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown pool %q", domain.ErrInvalidAmount, to)
	}
	if from == to {
		return fmt.Errorf("%w: transfer needs two distinct pools", domain.ErrInvalidAmount)
	}

	e := l.entry(account)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.debit(from, asset, amount); err != nil {
		return err
	}
	e.balances[to][asset] = e.balances[to][asset].Add(amount)
	return nil
}

func (l *ledger) Reserve(ctx context.Context, account string, pool domain.Pool, asset domain.Asset, amount decimal.Decimal, ref string) error {
	if err := validate(pool, asset, amount); err != nil {
		return err
	}
	if ref == "" {
		return fmt.Errorf("%w: reservation ref is required", domain.ErrInvalidAmount)
	}

	e := l.entry(account)
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.reservations[ref]; ok {
		if existing.Pool == pool && existing.Asset == asset && existing.Amount.Equal(amount) {
			return nil
		}
		return fmt.Errorf("%w: reservation %s already holds %s %s", domain.ErrInvalidTransition, ref, existing.Amount.String(), existing.Asset.Symbol())
	}

	available := e.available(pool, asset)
	if amount.GreaterThan(available) {
		return &domain.InsufficientFundsError{
			Pool:      pool,
			Asset:     asset,
			Required:  amount,
			Available: available,
		}
	}

	e.reservations[ref] = Reservation{Ref: ref, Pool: pool, Asset: asset, Amount: amount}
	return nil
}

func (l *ledger) Release(ctx context.Context, account string, ref string) error {
	e := l.entry(account)
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.reservations, ref)
	return nil
}

func (l *ledger) Consume(ctx context.Context, account string, ref string) error {
	e := l.entry(account)
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.reservations[ref]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrReservationNotFound, ref)
	}

	// The hold is dropped first so that the debit can use the reserved funds
	delete(e.reservations, ref)
	if err := e.debit(r.Pool, r.Asset, r.Amount); err != nil {
		e.reservations[ref] = r
		return err
	}
	return nil
}

func (l *ledger) Balance(ctx context.Context, account string) AccountBalance {
	e := l.entry(account)
	e.mu.Lock()
	defer e.mu.Unlock()

	b := AccountBalance{
		External: cloneBalances(e.balances[domain.PoolExternal]),
		Platform: cloneBalances(e.balances[domain.PoolPlatform]),
		Reserved: map[domain.Pool]Balances{
			domain.PoolExternal: {},
			domain.PoolPlatform: {},
		},
	}
	for _, pool := range []domain.Pool{domain.PoolExternal, domain.PoolPlatform} {
		for _, asset := range domain.Assets {
			b.Reserved[pool][asset] = e.reserved(pool, asset)
		}
	}
	return b
}

func (l *ledger) Exists(account string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.accounts[account]
	return ok
}

func (l *ledger) Snapshot(account string) AccountState {
	e := l.entry(account)
	e.mu.Lock()
	defer e.mu.Unlock()

	state := AccountState{
		Account:      account,
		External:     cloneBalances(e.balances[domain.PoolExternal]),
		Platform:     cloneBalances(e.balances[domain.PoolPlatform]),
		Reservations: make([]Reservation, 0, len(e.reservations)),
	}
	for _, r := range e.reservations {
		state.Reservations = append(state.Reservations, r)
	}
	sort.Slice(state.Reservations, func(i, j int) bool {
		return state.Reservations[i].Ref < state.Reservations[j].Ref
	})
	return state
}

func (l *ledger) Restore(state AccountState) error {
	restored := newAccountEntry()
	for pool, balances := range map[domain.Pool]Balances{
		domain.PoolExternal: state.External,
		domain.PoolPlatform: state.Platform,
	} {
		for asset, amount := range balances {
			if !asset.Valid() {
				return fmt.Errorf("%w: unknown asset %q in stored state of %s", domain.ErrInvalidAmount, asset, state.Account)
			}
			if amount.IsNegative() {
				return fmt.Errorf("%w: negative %s balance in stored state of %s", domain.ErrInvalidAmount, asset, state.Account)
			}
			restored.balances[pool][asset] = amount
		}
	}
	for _, r := range state.Reservations {
		restored.reservations[r.Ref] = r
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[state.Account] = restored
	return nil
}

func cloneBalances(b Balances) Balances {
	out := make(Balances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
