/*
handlers.go - HTTP API handlers for the vending machine

PURPOSE:
  Exposes the purchase engine and the catalog/money administration via a
  JSON API. Handles HTTP request/response and JSON serialization, and
  delegates to the vending package.

ENDPOINTS:
  Purchase:
    POST   /api/purchase               Buy one drink, returns the change

  Drinks:
    GET    /api/drinks                 List the catalog
    POST   /api/drinks                 Create a drink
    GET    /api/drinks/{id}            Get one drink
    POST   /api/drinks/edit/{id}       Edit name, type, cost, stock

  Money:
    GET    /api/money                  Drawer rows
    POST   /api/money/edit/{id}        Set a drawer row quantity
    GET    /api/user_money             Wallet rows
    POST   /api/user_money/edit/{id}   Set a wallet row quantity

  History:
    GET    /api/purchases?limit=N      Receipts, newest first

ERROR HANDLING:
  Errors are returned as JSON {error, code, details} with status:
  - 400: Invalid payment, sold out, not enough money or change
  - 404: Drink or money row not found
  - 409: Commit lost a race with another process (retry)
  - 503: Store unavailable or commit failed

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - idempotency.go: at-most-once Idempotency-Key handling for purchases
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/warp/vending-engine/vending"
)

// DefaultHistoryLimit caps GET /api/purchases when no limit is given.
const DefaultHistoryLimit = 50

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *vending.Engine
	Store  vending.Store
	Logger *slog.Logger
}

// NewHandler creates a handler. A nil logger uses slog.Default.
func NewHandler(engine *vending.Engine, store vending.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Engine: engine, Store: store, Logger: logger}
}

// =============================================================================
// PURCHASE
// =============================================================================

// Purchase buys one drink.
// POST /api/purchase
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tendered, err := parseSelectedMoney(req.SelectedMoney)
	if err != nil {
		h.writePurchaseError(w, r, &vending.PurchaseError{
			Kind:   vending.KindInvalidPayment,
			Detail: err.Error(),
		})
		return
	}

	result, err := h.Engine.Purchase(r.Context(), vending.PurchaseRequest{
		DrinkID:  vending.DrinkID(req.DrinkID),
		Tendered: tendered,
	})
	if err != nil {
		h.writePurchaseError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PurchaseResponse{
		PurchaseID: string(result.PurchaseID),
		DrinkID:    int64(result.Drink.ID),
		Paid:       result.Paid,
		Change:     toChangeDTOs(result.Change),
	})
}

// parseSelectedMoney reads {"yen_100": 1, ...}. Anything that is not an
// object of integer counts is an invalid payment.
func parseSelectedMoney(raw json.RawMessage) (vending.MoneyMap, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return vending.MoneyMap{}, nil
	}
	var wire map[string]int
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, errors.New("selectedMoney must map denominations to integer counts")
	}
	return vending.ParseMoneyMap(wire)
}

func (h *Handler) writePurchaseError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *vending.PurchaseError
	if !errors.As(err, &perr) {
		h.Logger.ErrorContext(r.Context(), "unexpected purchase error", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", err)
		return
	}

	writeJSON(w, purchaseStatus(perr), ErrorResponse{
		Error:   perr.Kind.Message(),
		Code:    perr.Kind.Code(),
		Details: perr.Detail,
		Amount:  perr.Amount,
	})
}

func purchaseStatus(perr *vending.PurchaseError) int {
	switch perr.Kind {
	case vending.KindDrinkNotFound:
		return http.StatusNotFound
	case vending.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case vending.KindCommitFailed:
		if vending.IsRetryable(perr) {
			return http.StatusConflict
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// =============================================================================
// DRINK HANDLERS
// =============================================================================

// ListDrinks returns the catalog.
// GET /api/drinks
func (h *Handler) ListDrinks(w http.ResponseWriter, r *http.Request) {
	drinks, err := h.Store.ListDrinks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list drinks", err)
		return
	}

	dtos := make([]DrinkDTO, len(drinks))
	for i, d := range drinks {
		dtos[i] = toDrinkDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDrink returns a single drink.
// GET /api/drinks/{id}
func (h *Handler) GetDrink(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	drink, err := h.Store.GetDrink(r.Context(), vending.DrinkID(id))
	if err != nil {
		writeStoreError(w, "Failed to get drink", err)
		return
	}
	writeJSON(w, http.StatusOK, toDrinkDTO(drink))
}

// CreateDrink adds a drink to the catalog.
// POST /api/drinks
func (h *Handler) CreateDrink(w http.ResponseWriter, r *http.Request) {
	h.saveDrink(w, r, 0, http.StatusCreated)
}

// EditDrink replaces a drink's name, type, cost and stock.
// POST /api/drinks/edit/{id}
func (h *Handler) EditDrink(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	h.saveDrink(w, r, vending.DrinkID(id), http.StatusOK)
}

func (h *Handler) saveDrink(w http.ResponseWriter, r *http.Request, id vending.DrinkID, status int) {
	var req SaveDrinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	saved, err := h.Store.SaveDrink(r.Context(), vending.Drink{
		ID:       id,
		Name:     req.Name,
		Category: vending.Category(req.Type),
		Cost:     req.Cost,
		Stock:    req.Stock,
	})
	if err != nil {
		writeStoreError(w, "Failed to save drink", err)
		return
	}

	h.Logger.InfoContext(r.Context(), "drink saved", "drink_id", saved.ID, "stock", saved.Stock)
	writeJSON(w, status, toDrinkDTO(saved))
}

// =============================================================================
// MONEY HANDLERS
// =============================================================================

// ListMoney returns a ledger's rows.
// GET /api/money, GET /api/user_money
func (h *Handler) ListMoney(ledger vending.LedgerKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := h.Store.ListMoney(r.Context(), ledger)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list money", err)
			return
		}
		writeJSON(w, http.StatusOK, toMoneyDTOs(rows))
	}
}

// EditMoney sets the quantity of one ledger row.
// POST /api/money/edit/{id}, POST /api/user_money/edit/{id}
func (h *Handler) EditMoney(ledger vending.LedgerKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}

		var req EditMoneyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		row := vending.MoneyRow{ID: id, Value: vending.Denomination(req.Value), Quantity: req.Quantity}
		if err := h.Store.SetMoney(r.Context(), ledger, row); err != nil {
			writeStoreError(w, "Failed to update money", err)
			return
		}

		h.Logger.InfoContext(r.Context(), "money row updated",
			"ledger", ledger, "value", row.Value, "quantity", row.Quantity)
		writeJSON(w, http.StatusOK, MoneyDTO{ID: row.ID, Value: int64(row.Value), Quantity: row.Quantity})
	}
}

// =============================================================================
// HISTORY
// =============================================================================

// ListPurchases returns receipts, newest first.
// GET /api/purchases?limit=N
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	receipts, err := h.Store.ListPurchases(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list purchases", err)
		return
	}

	dtos := make([]ReceiptDTO, len(receipts))
	for i, rc := range receipts {
		dtos[i] = toReceiptDTO(rc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

// writeStoreError maps admin store errors to a status.
func writeStoreError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, vending.ErrDrinkNotFound):
		writeError(w, http.StatusNotFound, "Drink not found", err)
	case errors.Is(err, vending.ErrMoneyRowNotFound):
		writeError(w, http.StatusNotFound, "Money row not found", err)
	case vending.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
