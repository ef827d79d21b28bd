package dto

import (
	"fmt"

	"github.com/shopspring/decimal"

	apierrors "github.com/neuralcloud/deployd/internal/api/shared/errors"
	"github.com/neuralcloud/deployd/internal/deployment"
	"github.com/neuralcloud/deployd/internal/domain"
)

// QuoteRequest represents the request body for pricing a configuration
type QuoteRequest struct {
	Config domain.ServerConfig  `json:"config"`
	Method domain.PaymentMethod `json:"method"`
	Asset  string               `json:"asset"`
}

// Validate validates the request body and returns the parsed asset
func (r *QuoteRequest) Validate() (domain.Asset, error) {
	if !r.Method.Valid() {
		return "", apierrors.NewValidationError(fmt.Sprintf("method must be %q or %q", domain.PaymentMethodPlatform, domain.PaymentMethodOnchain))
	}
	asset, err := domain.ParseAsset(r.Asset)
	if err != nil {
		return "", apierrors.NewValidationError(err.Error())
	}
	return asset, nil
}

// DeployRequest represents the request body for deploying a server
type DeployRequest struct {
	Name   string               `json:"name,omitempty"`
	Config domain.ServerConfig  `json:"config"`
	Method domain.PaymentMethod `json:"method"`
	Asset  string               `json:"asset"`
}

// Validate validates the request body and converts it to a coordinator request.
// The configuration itself is validated against the catalogue by the coordinator.
func (r *DeployRequest) Validate() (deployment.Request, error) {
	q := QuoteRequest{Config: r.Config, Method: r.Method, Asset: r.Asset}
	asset, err := q.Validate()
	if err != nil {
		return deployment.Request{}, err
	}
	if len(r.Name) > 64 {
		return deployment.Request{}, apierrors.NewValidationError("name must be at most 64 characters")
	}
	return deployment.Request{
		Name:   r.Name,
		Config: r.Config,
		Method: r.Method,
		Asset:  asset,
	}, nil
}

// DepositRequest represents the request body for moving funds from the external to the platform pool
type DepositRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Validate validates the request body and returns the parsed asset
func (r *DepositRequest) Validate() (domain.Asset, error) {
	asset, err := domain.ParseAsset(r.Asset)
	if err != nil {
		return "", apierrors.NewValidationError(err.Error())
	}
	if err := domain.ValidateAmount(asset, r.Amount); err != nil {
		return "", apierrors.NewValidationError(err.Error())
	}
	return asset, nil
}

// ServerStatusRequest represents the request body for a user-driven server lifecycle change
type ServerStatusRequest struct {
	Status domain.ServerStatus `json:"status"`
}

// Validate validates the request body
func (r *ServerStatusRequest) Validate() error {
	if !r.Status.Valid() {
		return apierrors.NewValidationError(fmt.Sprintf("unknown server status %q", r.Status))
	}
	return nil
}

// ConfirmRequest represents the external outcome of an on-chain payment
type ConfirmRequest struct {
	Outcome domain.Outcome `json:"outcome"`
}

// Validate validates the request body
func (r *ConfirmRequest) Validate() error {
	if !r.Outcome.Valid() {
		return apierrors.NewValidationError(fmt.Sprintf("outcome must be %q or %q", domain.OutcomeConfirmed, domain.OutcomeFailed))
	}
	return nil
}
