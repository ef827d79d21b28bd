package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/api/shared/dto"
	apierrors "github.com/neuralcloud/deployd/internal/api/shared/errors"
	"github.com/neuralcloud/deployd/internal/deployment"
	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/logger"
	"github.com/neuralcloud/deployd/internal/messaging"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/txlog"
)

const maxRetryElapsed = 30 * time.Second

// Config holds the client configuration
type Config struct {
	ServerURL string
	APIKey    string
	Account   string // sent as X-Account with API key authentication
	Timeout   time.Duration
}

// StatusError is returned for non-2xx responses. API is set when the body carried the error envelope.
type StatusError struct {
	StatusCode int
	API        *apierrors.APIError
}

func (e *StatusError) Error() string {
	if e.API == nil {
		return fmt.Sprintf("unexpected status code %d", e.StatusCode)
	}
	if e.API.Details != "" {
		return fmt.Sprintf("%s (%d %s): %s", e.API.Message, e.StatusCode, e.API.Code, e.API.Details)
	}
	return fmt.Sprintf("%s (%d %s)", e.API.Message, e.StatusCode, e.API.Code)
}

// Client talks to the deployd REST API
type Client struct {
	cfg  Config
	http *http.Client
	json adapter.JSON
}

// New creates a REST client
func New(cfg Config, json adapter.JSON) *Client {
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		json: json,
	}
}

// do sends a request and decodes the response into result when it is not nil.
// Network failures, 429 and 503 are retried with exponential backoff, other statuses are permanent.
func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = c.json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	var respBody []byte
	operation := func() error {
		req, err := c.newRequest(ctx, method, path, payload)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("failed to perform request: %w", err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				logger.Warn("failed to close response body", zap.Error(err), zap.String("path", path))
			}
		}()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
			logger.Warn("server busy, retrying with backoff", zap.Int("status", resp.StatusCode), zap.String("path", path))
			return c.statusError(resp.StatusCode, respBody)
		case resp.StatusCode >= http.StatusBadRequest:
			return backoff.Permanent(c.statusError(resp.StatusCode, respBody))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxRetryElapsed
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return err
	}

	if result == nil || len(respBody) == 0 {
		return nil
	}
	if err := c.json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "ApiKey "+c.cfg.APIKey)
	}
	if c.cfg.Account != "" {
		req.Header.Set("X-Account", c.cfg.Account)
	}
	return req, nil
}

func (c *Client) statusError(status int, body []byte) error {
	var envelope struct {
		Error *apierrors.APIError `json:"error"`
	}
	if err := c.json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return &StatusError{StatusCode: status}
	}
	return &StatusError{StatusCode: status, API: envelope.Error}
}

// IsCode reports whether err is an API error with the given code
func IsCode(err error, code apierrors.ErrorCode) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.API != nil && statusErr.API.Code == code
}

// Health checks the server health
func (c *Client) Health(ctx context.Context) (dto.HealthResponse, error) {
	var resp dto.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	return resp, err
}

// Regions lists the deployable regions
func (c *Client) Regions(ctx context.Context) ([]string, error) {
	var resp dto.RegionsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/regions", nil, &resp)
	return resp.Regions, err
}

// Quote prices a configuration
func (c *Client) Quote(ctx context.Context, cfg domain.ServerConfig, method domain.PaymentMethod, asset domain.Asset) (dto.QuoteResponse, error) {
	var resp dto.QuoteResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/quotes", dto.QuoteRequest{Config: cfg, Method: method, Asset: string(asset)}, &resp)
	return resp, err
}

// Balance returns the balances of the account
func (c *Client) Balance(ctx context.Context) (dto.BalanceResponse, error) {
	var resp dto.BalanceResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/account/balance", nil, &resp)
	return resp, err
}

// Deposit moves funds from the external to the platform pool
func (c *Client) Deposit(ctx context.Context, asset domain.Asset, amount decimal.Decimal) (string, error) {
	var resp dto.DepositResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/account/deposits", dto.DepositRequest{Asset: string(asset), Amount: amount}, &resp)
	return resp.TransactionID, err
}

// GrantCredits claims the promotional credits
func (c *Client) GrantCredits(ctx context.Context) ([]string, error) {
	var resp dto.CreditsResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/account/credits", nil, &resp)
	return resp.TransactionIDs, err
}

// Stats returns revenue and server counts
func (c *Client) Stats(ctx context.Context) (deployment.Stats, error) {
	var resp deployment.Stats
	err := c.do(ctx, http.MethodGet, "/api/v1/account/stats", nil, &resp)
	return resp, err
}

// Transactions lists transaction records, newest first
func (c *Client) Transactions(ctx context.Context, filter txlog.Filter) ([]txlog.Record, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Kind != "" {
		q.Set("kind", string(filter.Kind))
	}
	if filter.Limit > 0 {
		q.Set("limit", fmt.Sprint(filter.Limit))
	}

	var resp dto.TransactionListResponse
	err := c.do(ctx, http.MethodGet, withQuery("/api/v1/transactions", q), nil, &resp)
	return resp.Transactions, err
}

// Transaction returns one transaction record
func (c *Client) Transaction(ctx context.Context, id string) (txlog.Record, error) {
	var resp txlog.Record
	err := c.do(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Servers lists servers, newest first
func (c *Client) Servers(ctx context.Context, status domain.ServerStatus) ([]registry.Server, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}

	var resp dto.ServerListResponse
	err := c.do(ctx, http.MethodGet, withQuery("/api/v1/servers", q), nil, &resp)
	return resp.Servers, err
}

// Server returns one server
func (c *Client) Server(ctx context.Context, id string) (registry.Server, error) {
	var resp registry.Server
	err := c.do(ctx, http.MethodGet, "/api/v1/servers/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetServerStatus applies a lifecycle change and returns the updated server
func (c *Client) SetServerStatus(ctx context.Context, id string, status domain.ServerStatus) (registry.Server, error) {
	var resp registry.Server
	err := c.do(ctx, http.MethodPatch, "/api/v1/servers/"+url.PathEscape(id), dto.ServerStatusRequest{Status: status}, &resp)
	return resp, err
}

// Deploy requests a deployment. A positive wait lets on-chain payments settle before the response.
func (c *Client) Deploy(ctx context.Context, req dto.DeployRequest, wait time.Duration) (deployment.TaskInfo, error) {
	path := "/api/v1/deployments"
	if wait > 0 {
		path = withQuery(path, url.Values{"wait": []string{wait.String()}})
	}

	var resp dto.DeployResponse
	err := c.do(ctx, http.MethodPost, path, req, &resp)
	return resp.Task, err
}

// Deployment returns the task of a deployment
func (c *Client) Deployment(ctx context.Context, id string) (deployment.TaskInfo, error) {
	var resp dto.DeployResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/deployments/"+url.PathEscape(id), nil, &resp)
	return resp.Task, err
}

// CancelDeployment abandons a pending on-chain deployment
func (c *Client) CancelDeployment(ctx context.Context, id string) (deployment.TaskInfo, error) {
	var resp dto.DeployResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/deployments/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp.Task, err
}

// ConfirmPayment reports the outcome of an on-chain payment
func (c *Client) ConfirmPayment(ctx context.Context, transactionID string, outcome domain.Outcome) error {
	return c.do(ctx, http.MethodPost, "/api/v1/payments/"+url.PathEscape(transactionID)+"/confirm", dto.ConfirmRequest{Outcome: outcome}, nil)
}

// StreamEvents calls fn for every change event of the account until ctx is done or the stream ends.
// Keepalive pings are skipped.
func (c *Client) StreamEvents(ctx context.Context, fn func(messaging.Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams are long lived, only the context bounds them
	stream := &http.Client{Transport: c.http.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return c.statusError(resp.StatusCode, body)
	}

	var name string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if name == "ping" {
				continue
			}
			var event messaging.Event
			if err := c.json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			if err := fn(event); err != nil {
				return err
			}
		case line == "":
			name = ""
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream interrupted: %w", err)
	}
	return nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
