package rest

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neuralcloud/deployd/internal/api/shared/constants"
	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/txlog"
)

// ListTransactionsQueryParams holds query parameters for GET /transactions
type ListTransactionsQueryParams struct {
	Status string `form:"status"`
	Kind   string `form:"kind"`
	Limit  int    `form:"limit,default=50"`
}

// ParseListTransactionsQuery parses query parameters for GET /transactions into a log filter
func ParseListTransactionsQuery(c *gin.Context) (txlog.Filter, error) {
	var params ListTransactionsQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return txlog.Filter{}, err
	}

	filter := txlog.Filter{
		Status: domain.TransactionStatus(params.Status),
		Kind:   domain.TransactionKind(params.Kind),
		Limit:  params.Limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return txlog.Filter{}, fmt.Errorf("unknown transaction status %q", params.Status)
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return txlog.Filter{}, fmt.Errorf("unknown transaction kind %q", params.Kind)
	}

	// Cap limit
	if filter.Limit <= 0 {
		filter.Limit = constants.DEFAULT_TRANSACTIONS_LIMIT
	}
	if filter.Limit > constants.MAX_PAGE_SIZE {
		filter.Limit = constants.MAX_PAGE_SIZE
	}

	return filter, nil
}

// ListServersQueryParams holds query parameters for GET /servers
type ListServersQueryParams struct {
	Status string `form:"status"`
}

// ParseListServersQuery parses query parameters for GET /servers into a registry filter
func ParseListServersQuery(c *gin.Context) (registry.Filter, error) {
	var params ListServersQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return registry.Filter{}, err
	}

	filter := registry.Filter{Status: domain.ServerStatus(params.Status)}
	if filter.Status != "" && !filter.Status.Valid() {
		return registry.Filter{}, fmt.Errorf("unknown server status %q", params.Status)
	}
	return filter, nil
}

// DeployQueryParams holds query parameters for POST /deployments
type DeployQueryParams struct {
	// Wait blocks the response until an on-chain deployment settles or the duration elapses
	Wait time.Duration
}

// ParseDeployQuery parses query parameters for POST /deployments
func ParseDeployQuery(c *gin.Context) (*DeployQueryParams, error) {
	var params DeployQueryParams
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid wait duration %q", raw)
		}
		params.Wait = d
	}

	// Cap wait
	if params.Wait > constants.MAX_DEPLOY_WAIT {
		params.Wait = constants.MAX_DEPLOY_WAIT
	}
	return &params, nil
}
