package store

import (
	"context"
	"sort"

	"github.com/neuralcloud/deployd/internal/ledger"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/txlog"
)

// AccountState is everything persisted for one account. It is written as a single atomic unit.
type AccountState struct {
	Account      string              `json:"account"`
	Ledger       ledger.AccountState `json:"ledger"`
	Transactions []txlog.Record      `json:"transactions"`
	Servers      []registry.Server   `json:"servers"`
}

// State is the full persisted state loaded at startup
type State struct {
	Accounts []AccountState
}

//go:generate mockgen -source=store.go -destination=../mocks/store.go -package=mocks -mock_names=Store=MockStore

// Store defines the interface for the durable persistence repository
type Store interface {
	// Load reads every persisted account
	Load(ctx context.Context) (*State, error)
	// SaveAccount atomically replaces the persisted state of one account
	SaveAccount(ctx context.Context, state *AccountState) error
	// Close releases the underlying resources
	Close() error
}

// sortAccounts orders accounts, records and servers deterministically
func sortAccounts(accounts []AccountState) {
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Account < accounts[j].Account
	})
	for i := range accounts {
		sort.Slice(accounts[i].Transactions, func(a, b int) bool {
			return accounts[i].Transactions[a].Sequence < accounts[i].Transactions[b].Sequence
		})
		sort.Slice(accounts[i].Servers, func(a, b int) bool {
			return accounts[i].Servers[a].Sequence < accounts[i].Servers[b].Sequence
		})
	}
}
