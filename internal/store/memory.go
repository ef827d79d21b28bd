package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type memoryStore struct {
	mu       sync.RWMutex
	accounts map[string][]byte
}

// NewMemoryStore creates a store that keeps serialized account states in process memory.
// It is the default backend for development and tests.
func NewMemoryStore() Store {
	return &memoryStore{accounts: make(map[string][]byte)}
}

func (s *memoryStore) Load(ctx context.Context) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := &State{Accounts: make([]AccountState, 0, len(s.accounts))}
	for account, data := range s.accounts {
		var a AccountState
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("failed to decode account %s: %w", account, err)
		}
		state.Accounts = append(state.Accounts, a)
	}
	sortAccounts(state.Accounts)
	return state, nil
}

func (s *memoryStore) SaveAccount(ctx context.Context, state *AccountState) error {
	if state == nil || state.Account == "" {
		return fmt.Errorf("account state requires an account")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Encoding decouples the stored copy from the caller's slices and maps
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode account %s: %w", state.Account, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[state.Account] = data
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
