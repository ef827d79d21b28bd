package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/ledger"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/store/schema"
	"github.com/neuralcloud/deployd/internal/txlog"
)

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// Migrate creates or updates the tables used by the PostgreSQL store
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(schema.Models()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// ConfigureConnectionPool configures the connection pool settings for a GORM database connection.
// It accesses the underlying *sql.DB and sets the pool configuration.
// If any of the pool settings are 0 or empty, reasonable defaults are used:
//   - MaxOpenConns: 20 (if 0)
//   - MaxIdleConns: 5 (if 0)
//   - ConnMaxLifetime: 5 minutes (if 0)
//   - ConnMaxIdleTime: 10 minutes (if 0)
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime =
		NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// NormalizeConnectionPoolSettings applies defaults and clamps pool settings into safe values.
//
// Notes:
//   - database/sql treats MaxOpenConns=0 as "unlimited"
//   - database/sql treats MaxIdleConns=0 as "no idle connections"
func NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (int, int, time.Duration, time.Duration) {
	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}

	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	return maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime
}

// Load reads every account with its transactions and servers
func (s *pgStore) Load(ctx context.Context) (*State, error) {
	var accounts []schema.Account
	if err := s.db.WithContext(ctx).Order("address").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	var transactions []schema.Transaction
	if err := s.db.WithContext(ctx).Order("sequence").Find(&transactions).Error; err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	var servers []schema.Server
	if err := s.db.WithContext(ctx).Order("sequence").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("failed to load servers: %w", err)
	}

	byAccount := make(map[string]*AccountState, len(accounts))
	state := &State{Accounts: make([]AccountState, len(accounts))}
	for i, a := range accounts {
		ls, err := ledgerFromRow(a)
		if err != nil {
			return nil, err
		}
		state.Accounts[i] = AccountState{Account: a.Address, Ledger: ls}
		byAccount[a.Address] = &state.Accounts[i]
	}

	for _, t := range transactions {
		a, ok := byAccount[t.Account]
		if !ok {
			return nil, fmt.Errorf("transaction %s belongs to unknown account %s", t.ID, t.Account)
		}
		a.Transactions = append(a.Transactions, recordFromRow(t))
	}

	for _, srv := range servers {
		a, ok := byAccount[srv.Account]
		if !ok {
			return nil, fmt.Errorf("server %s belongs to unknown account %s", srv.ID, srv.Account)
		}
		server, err := serverFromRow(srv)
		if err != nil {
			return nil, err
		}
		a.Servers = append(a.Servers, server)
	}

	return state, nil
}

// SaveAccount upserts the account balances, its records and its servers in a single transaction
func (s *pgStore) SaveAccount(ctx context.Context, state *AccountState) error {
	if state == nil || state.Account == "" {
		return fmt.Errorf("account state requires an account")
	}

	account, err := ledgerToRow(state.Account, state.Ledger)
	if err != nil {
		return err
	}

	transactions := make([]schema.Transaction, len(state.Transactions))
	for i, r := range state.Transactions {
		transactions[i] = recordToRow(r)
	}

	servers := make([]schema.Server, len(state.Servers))
	for i, srv := range state.Servers {
		servers[i], err = serverToRow(srv)
		if err != nil {
			return err
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. Upsert the account balances
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{"external", "platform", "reservations", "updated_at"}),
		}).Create(&account).Error; err != nil {
			return fmt.Errorf("failed to upsert account: %w", err)
		}

		// 2. Upsert the transaction records, only the mutable columns are updated
		if len(transactions) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"status", "external_hash", "server_id", "failure_reason", "updated_at"}),
			}).CreateInBatches(&transactions, calculateSafeBatchSize(len(transactions), 15)).Error; err != nil {
				return fmt.Errorf("failed to upsert transactions: %w", err)
			}
		}

		// 3. Upsert the servers
		if len(servers) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"status", "ip_address", "promoted_at", "updated_at"}),
			}).CreateInBatches(&servers, calculateSafeBatchSize(len(servers), 12)).Error; err != nil {
				return fmt.Errorf("failed to upsert servers: %w", err)
			}
		}

		return nil
	})
}

func (s *pgStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// calculateSafeBatchSize computes the batch size for bulk inserts that keeps a statement under
// PostgreSQL's limit of 65535 parameters per query.
func calculateSafeBatchSize(totalRecords int, fieldsPerRecord int) int {
	const maxParams = 65535
	const totalHeadroom = 1000

	availableParams := maxParams - totalHeadroom
	safeBatchSize := max(availableParams/fieldsPerRecord, 1)

	if safeBatchSize > totalRecords {
		return totalRecords
	}

	return safeBatchSize
}

func ledgerToRow(account string, state ledger.AccountState) (schema.Account, error) {
	external, err := json.Marshal(state.External)
	if err != nil {
		return schema.Account{}, fmt.Errorf("failed to marshal external balances: %w", err)
	}
	platform, err := json.Marshal(state.Platform)
	if err != nil {
		return schema.Account{}, fmt.Errorf("failed to marshal platform balances: %w", err)
	}
	reservations := state.Reservations
	if reservations == nil {
		reservations = []ledger.Reservation{}
	}
	held, err := json.Marshal(reservations)
	if err != nil {
		return schema.Account{}, fmt.Errorf("failed to marshal reservations: %w", err)
	}

	return schema.Account{
		Address:      account,
		External:     external,
		Platform:     platform,
		Reservations: held,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

func ledgerFromRow(row schema.Account) (ledger.AccountState, error) {
	state := ledger.AccountState{Account: row.Address}
	if err := json.Unmarshal(row.External, &state.External); err != nil {
		return state, fmt.Errorf("failed to unmarshal external balances of %s: %w", row.Address, err)
	}
	if err := json.Unmarshal(row.Platform, &state.Platform); err != nil {
		return state, fmt.Errorf("failed to unmarshal platform balances of %s: %w", row.Address, err)
	}
	if err := json.Unmarshal(row.Reservations, &state.Reservations); err != nil {
		return state, fmt.Errorf("failed to unmarshal reservations of %s: %w", row.Address, err)
	}
	return state, nil
}

func recordToRow(r txlog.Record) schema.Transaction {
	return schema.Transaction{
		ID:            r.ID,
		Account:       r.Account,
		Kind:          string(r.Kind),
		Asset:         string(r.Asset),
		Amount:        r.Amount,
		Status:        string(r.Status),
		ExternalHash:  optional(r.ExternalHash),
		ServerID:      optional(r.ServerID),
		Method:        optional(string(r.Method)),
		RefundOf:      optional(r.RefundOf),
		Description:   r.Description,
		FailureReason: optional(r.FailureReason),
		Sequence:      r.Sequence,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func recordFromRow(row schema.Transaction) txlog.Record {
	return txlog.Record{
		ID:            row.ID,
		Account:       row.Account,
		Kind:          domain.TransactionKind(row.Kind),
		Asset:         domain.Asset(row.Asset),
		Amount:        row.Amount,
		Status:        domain.TransactionStatus(row.Status),
		ExternalHash:  deref(row.ExternalHash),
		ServerID:      deref(row.ServerID),
		Method:        domain.PaymentMethod(deref(row.Method)),
		RefundOf:      deref(row.RefundOf),
		Description:   row.Description,
		FailureReason: deref(row.FailureReason),
		Sequence:      row.Sequence,
		CreatedAt:     row.CreatedAt.UTC(),
		UpdatedAt:     row.UpdatedAt.UTC(),
	}
}

func serverToRow(srv registry.Server) (schema.Server, error) {
	config, err := json.Marshal(srv.Config)
	if err != nil {
		return schema.Server{}, fmt.Errorf("failed to marshal server config: %w", err)
	}
	return schema.Server{
		ID:                   srv.ID,
		Account:              srv.Account,
		Name:                 srv.Name,
		Config:               config,
		MonthlyCost:          srv.MonthlyCost,
		Status:               string(srv.Status),
		PaymentTransactionID: srv.PaymentTransactionID,
		IPAddress:            optional(srv.IPAddress),
		PromotedAt:           srv.PromotedAt,
		Sequence:             srv.Sequence,
		CreatedAt:            srv.CreatedAt,
		UpdatedAt:            srv.UpdatedAt,
	}, nil
}

func serverFromRow(row schema.Server) (registry.Server, error) {
	var config domain.ServerConfig
	if err := json.Unmarshal(row.Config, &config); err != nil {
		return registry.Server{}, fmt.Errorf("failed to unmarshal config of server %s: %w", row.ID, err)
	}

	var promotedAt *time.Time
	if row.PromotedAt != nil {
		t := row.PromotedAt.UTC()
		promotedAt = &t
	}

	return registry.Server{
		ID:                   row.ID,
		Account:              row.Account,
		Name:                 row.Name,
		Config:               config,
		MonthlyCost:          row.MonthlyCost,
		Status:               domain.ServerStatus(row.Status),
		PaymentTransactionID: row.PaymentTransactionID,
		IPAddress:            deref(row.IPAddress),
		PromotedAt:           promotedAt,
		Sequence:             row.Sequence,
		CreatedAt:            row.CreatedAt.UTC(),
		UpdatedAt:            row.UpdatedAt.UTC(),
	}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
