package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/api/middleware"
	"github.com/neuralcloud/deployd/internal/api/shared/constants"
	"github.com/neuralcloud/deployd/internal/api/shared/dto"
	apierrors "github.com/neuralcloud/deployd/internal/api/shared/errors"
	"github.com/neuralcloud/deployd/internal/deployment"
	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/logger"
	"github.com/neuralcloud/deployd/internal/messaging"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/txlog"
)

// EventSource delivers the change events of one account
type EventSource interface {
	Subscribe(account string) (<-chan messaging.Event, func())
}

// Handler defines the interface for REST API handlers
type Handler interface {
	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)

	// ListRegions returns the regions servers can be deployed to
	// GET /api/v1/regions
	ListRegions(c *gin.Context)

	// Quote prices a configuration
	// POST /api/v1/quotes
	Quote(c *gin.Context)

	// GetBalance returns the external, platform and reserved balances of the caller, opening the account on first access
	// GET /api/v1/account/balance
	GetBalance(c *gin.Context)

	// Deposit moves funds from the external to the platform pool
	// POST /api/v1/account/deposits
	Deposit(c *gin.Context)

	// GrantCredits credits the promotional amounts to the platform pool
	// POST /api/v1/account/credits
	GrantCredits(c *gin.Context)

	// GetStats returns revenue and server counts of the caller
	// GET /api/v1/account/stats
	GetStats(c *gin.Context)

	// ListTransactions lists the transaction records of the caller, newest first
	// GET /api/v1/transactions?status=<status>&kind=<kind>&limit=<limit>
	ListTransactions(c *gin.Context)

	// GetTransaction returns one transaction record of the caller
	// GET /api/v1/transactions/:id
	GetTransaction(c *gin.Context)

	// ListServers lists the servers of the caller, newest first
	// GET /api/v1/servers?status=<status>
	ListServers(c *gin.Context)

	// GetServer returns one server of the caller
	// GET /api/v1/servers/:id
	GetServer(c *gin.Context)

	// UpdateServerStatus applies a user-driven lifecycle change
	// PATCH /api/v1/servers/:id
	UpdateServerStatus(c *gin.Context)

	// Deploy pays for and provisions a server
	// POST /api/v1/deployments?wait=<duration>
	Deploy(c *gin.Context)

	// GetDeployment returns the task of a deployment
	// GET /api/v1/deployments/:id
	GetDeployment(c *gin.Context)

	// CancelDeployment abandons an on-chain deployment awaiting confirmation
	// POST /api/v1/deployments/:id/cancel
	CancelDeployment(c *gin.Context)

	// ConfirmPayment delivers the external outcome of an on-chain payment (API key only)
	// POST /api/v1/payments/:id/confirm
	ConfirmPayment(c *gin.Context)

	// StreamEvents streams the change events of the caller as server-sent events
	// GET /api/v1/events
	StreamEvents(c *gin.Context)
}

// handler implements the Handler interface
type handler struct {
	coordinator deployment.Coordinator
	events      EventSource
}

// NewHandler creates a new REST API handler
func NewHandler(coordinator deployment.Coordinator, events EventSource) Handler {
	return &handler{
		coordinator: coordinator,
		events:      events,
	}
}

// HealthCheck returns the health status of the API
func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{
		Status:  "ok",
		Service: "deployd",
	})
}

// ListRegions returns the supported regions
func (h *handler) ListRegions(c *gin.Context) {
	c.JSON(http.StatusOK, dto.RegionsResponse{Regions: domain.SupportedRegions()})
}

// Quote prices a configuration
func (h *handler) Quote(c *gin.Context) {
	var req dto.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}
	asset, err := req.Validate()
	if err != nil {
		respondAPIError(c, err)
		return
	}

	quote, err := h.coordinator.Quote(c.Request.Context(), req.Config, req.Method, asset)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.QuoteResponse{Quote: quote, Method: string(req.Method)})
}

// GetBalance returns the balances of the caller
func (h *handler) GetBalance(c *gin.Context) {
	account := middleware.Account(c)
	balance, err := h.coordinator.Balance(c.Request.Context(), account)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.BalanceResponse{Account: account, AccountBalance: balance})
}

// Deposit moves funds from the external to the platform pool
func (h *handler) Deposit(c *gin.Context) {
	var req dto.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}
	asset, err := req.Validate()
	if err != nil {
		respondAPIError(c, err)
		return
	}

	id, err := h.coordinator.Deposit(c.Request.Context(), middleware.Account(c), asset, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.DepositResponse{TransactionID: id})
}

// GrantCredits credits the promotional amounts
func (h *handler) GrantCredits(c *gin.Context) {
	ids, err := h.coordinator.GrantCredits(c.Request.Context(), middleware.Account(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.CreditsResponse{TransactionIDs: ids})
}

// GetStats returns revenue and server counts
func (h *handler) GetStats(c *gin.Context) {
	stats, err := h.coordinator.Stats(c.Request.Context(), middleware.Account(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// ListTransactions lists the records of the caller
func (h *handler) ListTransactions(c *gin.Context) {
	filter, err := ParseListTransactionsQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	records, err := h.coordinator.Transactions(c.Request.Context(), middleware.Account(c), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.TransactionListResponse{Transactions: slices.Collect(records)}
	if resp.Transactions == nil {
		resp.Transactions = []txlog.Record{}
	}
	c.JSON(http.StatusOK, resp)
}

// GetTransaction returns one record of the caller
func (h *handler) GetTransaction(c *gin.Context) {
	rec, err := h.coordinator.Transaction(c.Request.Context(), middleware.Account(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

// ListServers lists the servers of the caller
func (h *handler) ListServers(c *gin.Context) {
	filter, err := ParseListServersQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	servers, err := h.coordinator.Servers(c.Request.Context(), middleware.Account(c), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.ServerListResponse{Servers: servers}
	if resp.Servers == nil {
		resp.Servers = []registry.Server{}
	}
	c.JSON(http.StatusOK, resp)
}

// GetServer returns one server of the caller
func (h *handler) GetServer(c *gin.Context) {
	srv, err := h.coordinator.Server(c.Request.Context(), middleware.Account(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, srv)
}

// UpdateServerStatus applies a lifecycle change and returns the updated server
func (h *handler) UpdateServerStatus(c *gin.Context) {
	var req dto.ServerStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		respondAPIError(c, err)
		return
	}

	ctx := c.Request.Context()
	account := middleware.Account(c)
	id := c.Param("id")
	if err := h.coordinator.SetServerStatus(ctx, account, id, req.Status); err != nil {
		respondError(c, err)
		return
	}

	srv, err := h.coordinator.Server(ctx, account, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, srv)
}

// Deploy pays for and provisions a server.
// Platform payments answer 201 with a confirmed task, on-chain payments answer 202 with a pending task
// unless ?wait lets them settle first.
func (h *handler) Deploy(c *gin.Context) {
	params, err := ParseDeployQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	var body dto.DeployRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}
	req, err := body.Validate()
	if err != nil {
		respondAPIError(c, err)
		return
	}

	ctx := c.Request.Context()
	task, err := h.coordinator.Deploy(ctx, middleware.Account(c), req)
	if err != nil {
		respondError(c, err)
		return
	}

	if params.Wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, params.Wait)
		_, _ = task.Wait(waitCtx)
		cancel()
	}

	respondTask(c, task)
}

// GetDeployment returns the task of a deployment of the caller
func (h *handler) GetDeployment(c *gin.Context) {
	task, ok := h.ownTask(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, dto.DeployResponse{Task: task.Info()})
}

// CancelDeployment abandons a pending on-chain deployment of the caller
func (h *handler) CancelDeployment(c *gin.Context) {
	task, ok := h.ownTask(c)
	if !ok {
		return
	}

	if err := h.coordinator.Cancel(c.Request.Context(), task.ID()); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.DeployResponse{Task: task.Info()})
}

// ConfirmPayment delivers the outcome of an on-chain payment. Late signals are accepted as no-ops.
func (h *handler) ConfirmPayment(c *gin.Context) {
	var req dto.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		respondAPIError(c, err)
		return
	}

	id := c.Param("id")
	if err := h.coordinator.ConfirmDeployment(c.Request.Context(), id, req.Outcome); err != nil {
		respondError(c, err, logger.TransactionID(id))
		return
	}

	c.Status(http.StatusNoContent)
}

// StreamEvents streams the change events of the caller until the client disconnects
func (h *handler) StreamEvents(c *gin.Context) {
	account := middleware.Account(c)
	events, cancel := h.events.Subscribe(account)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// Streams outlive the server write timeout
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(constants.SSE_KEEPALIVE_INTERVAL)
	defer keepalive.Stop()

	logger.DebugCtx(c.Request.Context(), "Event stream opened", logger.Account(account))

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC()})
			return true
		}
	})

	logger.DebugCtx(c.Request.Context(), "Event stream closed", logger.Account(account))
}

// ownTask resolves the :id task and hides tasks of other accounts
func (h *handler) ownTask(c *gin.Context) (*deployment.Task, bool) {
	task, err := h.coordinator.Task(c.Request.Context(), c.Param("id"))
	if err == nil && task.Account() != middleware.Account(c) {
		err = domain.ErrTaskNotFound
	}
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return task, true
}

func respondTask(c *gin.Context, task *deployment.Task) {
	info := task.Info()
	switch info.State {
	case deployment.TaskStateConfirmed:
		c.JSON(http.StatusCreated, dto.DeployResponse{Task: info})
	case deployment.TaskStatePending:
		c.JSON(http.StatusAccepted, dto.DeployResponse{Task: info})
	default:
		respondError(c, task.Err(), logger.TaskID(info.ID), zap.String("state", string(info.State)))
	}
}

// respondAPIError sends a validation error raised while parsing a request
func respondAPIError(c *gin.Context, err error) {
	var apiErr *apierrors.APIError
	if errors.As(err, &apiErr) {
		respondWithError(c, http.StatusUnprocessableEntity, apiErr)
		return
	}
	respondValidationError(c, err.Error())
}
