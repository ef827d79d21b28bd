package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned when a debit or reservation exceeds the available balance
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned when an amount is not strictly positive or not representable
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidConfig is returned when a server configuration is outside the catalogue
	ErrInvalidConfig = errors.New("invalid server configuration")

	// ErrNotFound is the parent of every missing-entity error
	ErrNotFound = errors.New("not found")

	// ErrTransactionNotFound is returned when a transaction record does not exist
	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)

	// ErrServerNotFound is returned when a server record does not exist
	ErrServerNotFound = fmt.Errorf("server %w", ErrNotFound)

	// ErrTaskNotFound is returned when a deployment task does not exist
	ErrTaskNotFound = fmt.Errorf("deployment task %w", ErrNotFound)

	// ErrReservationNotFound is returned when a reservation reference is unknown
	ErrReservationNotFound = fmt.Errorf("reservation %w", ErrNotFound)

	// ErrInvalidTransition is returned when a status change is not allowed by the state machine
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrPaymentNotConfirmed is returned when a server is promoted before its payment is confirmed
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")

	// ErrExternalSubmissionFailed is returned when the wallet rejects a transaction before a hash is issued
	ErrExternalSubmissionFailed = errors.New("external submission failed")

	// ErrExternalConfirmationFailed is returned when a submitted transaction fails on chain
	ErrExternalConfirmationFailed = errors.New("external confirmation failed")

	// ErrConfirmationTimeout is returned when no confirmation arrives within the configured wait
	ErrConfirmationTimeout = errors.New("confirmation timed out")

	// ErrDeploymentCanceled is returned when a pending deployment is canceled by the user
	ErrDeploymentCanceled = errors.New("deployment canceled")

	// ErrUnsupportedAsset is returned when an asset cannot be used on a given path
	ErrUnsupportedAsset = errors.New("unsupported asset")

	// ErrTransient marks failures that may succeed when retried
	ErrTransient = errors.New("transient failure")
)

// InsufficientFundsError carries the shortfall of a rejected debit
type InsufficientFundsError struct {
	Pool      Pool
	Asset     Asset
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s balance: required %s %s, available %s %s, short by %s %s",
		e.Pool,
		e.Required.String(), e.Asset.Symbol(),
		e.Available.String(), e.Asset.Symbol(),
		e.Shortfall().String(), e.Asset.Symbol())
}

// Shortfall returns how much is missing to cover the required amount
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// Is makes errors.Is(err, ErrInsufficientBalance) match
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Transient wraps err so that IsTransient reports true
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
