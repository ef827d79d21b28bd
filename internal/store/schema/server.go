package schema

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Server represents the servers table - the lifecycle record of each deployment
type Server struct {
	// ID is the srv_ prefixed identifier
	ID string `gorm:"column:id;primaryKey;type:text"`
	// Account is the owner of the server
	Account string `gorm:"column:account;not null;type:text;index:idx_servers_account_sequence,priority:1"`
	Name    string `gorm:"column:name;not null;type:text"`
	// Config is the configuration snapshot taken at deployment time
	Config datatypes.JSON `gorm:"column:config;not null;type:jsonb"`
	// MonthlyCost is the quoted monthly cost in USD
	MonthlyCost decimal.Decimal `gorm:"column:monthly_cost;not null;type:numeric(20,2)"`
	// Status is one of provisioning, running, stopped, terminated, error
	Status string `gorm:"column:status;not null;type:text"`
	// PaymentTransactionID references the payment record of the server
	PaymentTransactionID string `gorm:"column:payment_transaction_id;not null;type:text"`
	// IPAddress is assigned on promotion
	IPAddress *string `gorm:"column:ip_address;type:text"`
	// PromotedAt is set the first time the server reaches running
	PromotedAt *time.Time `gorm:"column:promoted_at;type:timestamptz"`
	Sequence   uint64     `gorm:"column:sequence;not null;index:idx_servers_account_sequence,priority:2"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null;type:timestamptz"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;not null;type:timestamptz"`
}

// TableName specifies the table name for the Server model
func (Server) TableName() string {
	return "servers"
}

// Models lists every model managed by the store, in migration order
func Models() []any {
	return []any{&Account{}, &Transaction{}, &Server{}}
}
