package models

import "fmt"

// PriceUnavailableError means the price feed returned nothing usable for a
// ticker. Callers skip the current cycle and retry on the next one.
type PriceUnavailableError struct {
	Ticker string
	Err    error
}

func (e *PriceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("price unavailable for %s: %v", e.Ticker, e.Err)
	}
	return fmt.Sprintf("price unavailable for %s", e.Ticker)
}

func (e *PriceUnavailableError) Unwrap() error { return e.Err }

// InsufficientBalanceError means the account does not hold enough of a
// currency for a proposed order. Only that action is skipped.
type InsufficientBalanceError struct {
	Currency  string
	Required  float64
	Available float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: required %.8f, available %.8f",
		e.Currency, e.Required, e.Available)
}

// FillConfirmationError means an order was accepted but its fill could not be
// confirmed. The level state must not be mutated.
type FillConfirmationError struct {
	OrderID string
	Err     error
}

func (e *FillConfirmationError) Error() string {
	return fmt.Sprintf("could not confirm fill for order %s: %v", e.OrderID, e.Err)
}

func (e *FillConfirmationError) Unwrap() error { return e.Err }

// InvalidIntervalError means the grid interval resolved to a non-positive
// amount. Fatal for that asset's worker at startup.
type InvalidIntervalError struct {
	Interval float64
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("grid interval must be positive, resolved to %.8f", e.Interval)
}

// GridConstructionError means the grid for an asset could not be built.
// Fatal for that asset's worker at startup.
type GridConstructionError struct {
	Ticker string
	Err    error
}

func (e *GridConstructionError) Error() string {
	return fmt.Sprintf("grid construction failed for %s: %v", e.Ticker, e.Err)
}

func (e *GridConstructionError) Unwrap() error { return e.Err }

// APIError is the error payload returned by the Upbit REST API.
type APIError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upbit API error: name=%s, message=%s", e.Name, e.Message)
}
