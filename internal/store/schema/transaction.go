package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction represents the transactions table - the append-only transaction log
type Transaction struct {
	// ID is the ULID of the record
	ID string `gorm:"column:id;primaryKey;type:text"`
	// Account is the owner of the record
	Account string `gorm:"column:account;not null;type:text;index:idx_transactions_account_sequence,priority:1"`
	// Kind is one of deposit, payment, refund, credit
	Kind string `gorm:"column:kind;not null;type:text"`
	// Asset is one of eth, usdc, usdt
	Asset string `gorm:"column:asset;not null;type:text"`
	// Amount is the transferred amount, immutable after creation
	Amount decimal.Decimal `gorm:"column:amount;not null;type:numeric(78,18)"`
	// Status is one of pending, confirmed, failed
	Status string `gorm:"column:status;not null;type:text;index:idx_transactions_status"`
	// ExternalHash is the on-chain transaction hash, if any
	ExternalHash *string `gorm:"column:external_hash;type:text"`
	// ServerID is the back-reference to the server paid by this record
	ServerID *string `gorm:"column:server_id;type:text"`
	// Method is the payment path of a payment record, platform or onchain
	Method *string `gorm:"column:method;type:text"`
	// RefundOf is the payment reversed by a refund record
	RefundOf *string `gorm:"column:refund_of;type:text;index:idx_transactions_refund_of"`
	// Description is the human readable label shown in the activity feed
	Description string `gorm:"column:description;not null;type:text"`
	// FailureReason explains why a record failed
	FailureReason *string `gorm:"column:failure_reason;type:text"`
	// Sequence is the creation order across the log
	Sequence  uint64    `gorm:"column:sequence;not null;index:idx_transactions_account_sequence,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;not null;type:timestamptz"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;type:timestamptz"`
}

// TableName specifies the table name for the Transaction model
func (Transaction) TableName() string {
	return "transactions"
}
