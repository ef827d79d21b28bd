package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

const accountKeyPrefix = "account:"

// BadgerOptions configures the embedded key-value backend
type BadgerOptions struct {
	Dir      string
	InMemory bool
}

type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens an embedded Badger database. Each account is stored as one JSON value
// under the account: prefix, so a save is a single key write.
func NewBadgerStore(opts BadgerOptions) (Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("badger directory is required")
		}
		bopts = badger.DefaultOptions(filepath.Clean(opts.Dir))
	}
	bopts = bopts.WithLogger(nil).WithValueLogFileSize(1 << 24)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func accountKey(account string) []byte {
	return []byte(accountKeyPrefix + account)
}

func (s *badgerStore) Load(ctx context.Context) (*State, error) {
	state := &State{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(accountKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			var a AccountState
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &a)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", item.Key(), err)
			}
			state.Accounts = append(state.Accounts, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	sortAccounts(state.Accounts)
	return state, nil
}

func (s *badgerStore) SaveAccount(ctx context.Context, state *AccountState) error {
	if state == nil || state.Account == "" {
		return errors.New("account state requires an account")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode account %s: %w", state.Account, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(accountKey(state.Account), data)
	})
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
