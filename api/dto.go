/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the vending API. Field names follow the kiosk frontend
  (camelCase request keys, yen_<value> money keys) so the existing UI
  keeps working.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers and the vending package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - vending/denomination.go: Money key parsing
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/vending-engine/vending"
)

// =============================================================================
// PURCHASE
// =============================================================================

// PurchaseRequestDTO is the body of POST /api/purchase.
// SelectedMoney stays raw so a malformed map is reported as invalid payment
// rather than as an unreadable body.
type PurchaseRequestDTO struct {
	UserID        json.RawMessage `json:"userId,omitempty"`
	DrinkID       int64           `json:"drinkId"`
	SelectedMoney json.RawMessage `json:"selectedMoney"`
}

// PurchaseResponse is the success body.
type PurchaseResponse struct {
	PurchaseID string           `json:"purchase_id"`
	DrinkID    int64            `json:"drink_id"`
	Paid       int64            `json:"paid"`
	Change     []ChangeEntryDTO `json:"change"`
}

type ChangeEntryDTO struct {
	Denom int64 `json:"denom"`
	Count int   `json:"count"`
}

// =============================================================================
// CATALOG & MONEY
// =============================================================================

type DrinkDTO struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Cost  int64  `json:"cost"`
	Stock int    `json:"stock"`
}

// SaveDrinkRequest creates or edits a drink.
type SaveDrinkRequest struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Cost  int64  `json:"cost"`
	Stock int    `json:"stock"`
}

// MoneyDTO is one denomination row of the drawer or the wallet.
type MoneyDTO struct {
	ID       int64 `json:"id"`
	Value    int64 `json:"value"`
	Quantity int   `json:"quantity"`
}

type EditMoneyRequest struct {
	Value    int64 `json:"value"`
	Quantity int   `json:"quantity"`
}

// ReceiptDTO is one purchase history row.
type ReceiptDTO struct {
	ID        string         `json:"id"`
	DrinkID   int64          `json:"drink_id"`
	Cost      int64          `json:"cost"`
	Tendered  map[string]int `json:"tendered"`
	Change    map[string]int `json:"change"`
	CreatedAt string         `json:"created_at"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
	Amount  int64  `json:"amount,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toChangeDTOs(entries []vending.ChangeEntry) []ChangeEntryDTO {
	out := make([]ChangeEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = ChangeEntryDTO{Denom: int64(e.Denom), Count: e.Count}
	}
	return out
}

func toDrinkDTO(d vending.Drink) DrinkDTO {
	return DrinkDTO{
		ID:    int64(d.ID),
		Name:  d.Name,
		Type:  string(d.Category),
		Cost:  d.Cost,
		Stock: d.Stock,
	}
}

func toMoneyDTOs(rows []vending.MoneyRow) []MoneyDTO {
	out := make([]MoneyDTO, len(rows))
	for i, r := range rows {
		out[i] = MoneyDTO{ID: r.ID, Value: int64(r.Value), Quantity: r.Quantity}
	}
	return out
}

func toReceiptDTO(r vending.Receipt) ReceiptDTO {
	return ReceiptDTO{
		ID:        string(r.ID),
		DrinkID:   int64(r.DrinkID),
		Cost:      r.Cost,
		Tendered:  r.Tendered.Wire(),
		Change:    r.Change.Wire(),
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
}
