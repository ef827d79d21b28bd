package logger

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Account tags a log entry with the account address
func Account(account string) zap.Field {
	return zap.String("account", account)
}

// TransactionID tags a log entry with a transaction record id
func TransactionID(id string) zap.Field {
	return zap.String("transaction_id", id)
}

// ServerID tags a log entry with a server record id
func ServerID(id string) zap.Field {
	return zap.String("server_id", id)
}

// TaskID tags a log entry with a deployment task id
func TaskID(id string) zap.Field {
	return zap.String("task_id", id)
}

// Hash tags a log entry with an external transaction hash
func Hash(hash string) zap.Field {
	return zap.String("hash", hash)
}

// Amount tags a log entry with a decimal amount
func Amount(amount decimal.Decimal) zap.Field {
	return zap.String("amount", amount.String())
}
