package schema

import (
	"time"

	"gorm.io/datatypes"
)

// Account represents the accounts table - one row per ledger account holding its pool balances
type Account struct {
	// Address is the checksummed EVM address identifying the account
	Address string `gorm:"column:address;primaryKey;type:text"`
	// External holds the external pool balances keyed by asset
	External datatypes.JSON `gorm:"column:external;not null;type:jsonb"`
	// Platform holds the platform credit balances keyed by asset
	Platform datatypes.JSON `gorm:"column:platform;not null;type:jsonb"`
	// Reservations holds the outstanding holds on either pool
	Reservations datatypes.JSON `gorm:"column:reservations;not null;type:jsonb"`
	// CreatedAt is the timestamp when this account was first persisted
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this account was last persisted
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the Account model
func (Account) TableName() string {
	return "accounts"
}
