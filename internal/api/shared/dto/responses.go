package dto

import (
	"github.com/neuralcloud/deployd/internal/deployment"
	"github.com/neuralcloud/deployd/internal/ledger"
	"github.com/neuralcloud/deployd/internal/pricing"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/txlog"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// BalanceResponse represents the balances of an account
type BalanceResponse struct {
	Account string `json:"account"`
	ledger.AccountBalance
}

// QuoteResponse represents the price of a configuration
type QuoteResponse struct {
	pricing.Quote
	Method string `json:"method"`
}

// TransactionListResponse represents a page of transaction records, newest first
type TransactionListResponse struct {
	Transactions []txlog.Record `json:"transactions"`
}

// ServerListResponse represents the servers of an account, newest first
type ServerListResponse struct {
	Servers []registry.Server `json:"servers"`
}

// DeployResponse represents the task handle of a deployment
type DeployResponse struct {
	Task deployment.TaskInfo `json:"task"`
}

// DepositResponse represents the record created by a deposit
type DepositResponse struct {
	TransactionID string `json:"transaction_id"`
}

// CreditsResponse represents the records created by a promotional credit grant
type CreditsResponse struct {
	TransactionIDs []string `json:"transaction_ids"`
}

// RegionsResponse lists the regions servers can be deployed to
type RegionsResponse struct {
	Regions []string `json:"regions"`
}
