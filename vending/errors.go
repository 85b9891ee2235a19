/*
errors.go - Purchase failure taxonomy

PURPOSE:
  Every rejection the engine can produce, in one place. Each kind has a
  sentinel (for errors.Is), a stable code (for transports) and a human
  message. Rejections never escape as panics; they are returned as
  *PurchaseError values.

ERROR CATEGORIES:
  1. Input errors   - invalid_payment
  2. Catalog errors - drink_not_found, out_of_stock
  3. Cash errors    - insufficient_wallet_funds, insufficient_funds,
                      insufficient_change
  4. Store errors   - store_unavailable, commit_failed

USAGE:
  _, err := engine.Purchase(ctx, req)
  var perr *vending.PurchaseError
  if errors.As(err, &perr) {
      log.Println(perr.Kind.Code(), perr.Amount)
  }

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package vending

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidPayment          = errors.New("invalid payment")
	ErrDrinkNotFound           = errors.New("drink not found")
	ErrOutOfStock              = errors.New("out of stock")
	ErrInsufficientWalletFunds = errors.New("insufficient wallet funds")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInsufficientChange      = errors.New("insufficient change")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrCommitFailed            = errors.New("commit failed")

	// ErrConcurrentModification is returned by stores when a serialized
	// commit lost a race. Retryable.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidDrink and ErrInvalidMoney reject admin writes.
	ErrInvalidDrink = errors.New("invalid drink")
	ErrInvalidMoney = errors.New("invalid money row")

	// ErrMoneyRowNotFound is returned when editing a ledger row that does not exist.
	ErrMoneyRowNotFound = errors.New("money row not found")
)

// =============================================================================
// FAILURE KINDS
// =============================================================================

// Kind classifies a rejected purchase.
type Kind int

const (
	KindInvalidPayment Kind = iota + 1
	KindDrinkNotFound
	KindOutOfStock
	KindInsufficientWalletFunds
	KindInsufficientFunds
	KindInsufficientChange
	KindStoreUnavailable
	KindCommitFailed
)

var kindInfo = map[Kind]struct {
	code     string
	message  string
	sentinel error
}{
	KindInvalidPayment:          {"invalid_payment", "Invalid selectedMoney data", ErrInvalidPayment},
	KindDrinkNotFound:           {"drink_not_found", "Drink not found", ErrDrinkNotFound},
	KindOutOfStock:              {"out_of_stock", "Out of stock", ErrOutOfStock},
	KindInsufficientWalletFunds: {"insufficient_wallet_funds", "Insufficient money in wallet", ErrInsufficientWalletFunds},
	KindInsufficientFunds:       {"insufficient_funds", "Insufficient funds", ErrInsufficientFunds},
	KindInsufficientChange:      {"insufficient_change", "Insufficient change in casher", ErrInsufficientChange},
	KindStoreUnavailable:        {"store_unavailable", "Store unavailable", ErrStoreUnavailable},
	KindCommitFailed:            {"commit_failed", "Purchase could not be committed", ErrCommitFailed},
}

// Code is the stable machine-readable identifier.
func (k Kind) Code() string {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}
	return "unknown"
}

// Message is the human-readable text shown to the user.
func (k Kind) Message() string {
	if info, ok := kindInfo[k]; ok {
		return info.message
	}
	return "Unknown error"
}

func (k Kind) String() string { return k.Code() }

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// PurchaseError is a rejected purchase.
// Amount carries the shortfall for insufficient_funds and the undispensable
// remainder for insufficient_change; zero otherwise.
type PurchaseError struct {
	Kind   Kind
	Detail string
	Amount int64
	Err    error // underlying cause for store kinds
}

func (e *PurchaseError) Error() string {
	msg := e.Kind.Code()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *PurchaseError) Unwrap() []error {
	errs := []error{kindInfo[e.Kind].sentinel}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func reject(kind Kind, format string, args ...any) *PurchaseError {
	return &PurchaseError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func storeFailure(kind Kind, op string, err error) *PurchaseError {
	return &PurchaseError{Kind: kind, Detail: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf extracts the failure kind, or 0 if err is not a PurchaseError.
func KindOf(err error) Kind {
	var perr *PurchaseError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return 0
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPayment) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrInsufficientWalletFunds) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientChange) ||
		errors.Is(err, ErrInvalidDrink) ||
		errors.Is(err, ErrInvalidMoney)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDrinkNotFound) || errors.Is(err, ErrMoneyRowNotFound)
}
