/*
handlers_test.go - HTTP tests for the vending API

Tests for:
- POST /api/purchase outcomes and their status codes
- Catalog, money and history endpoints
- Idempotency-Key replay
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vending-engine/api"
	"github.com/warp/vending-engine/vending"
	"github.com/warp/vending-engine/vending/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	router *chi.Mux
	store  *store.TxMemory
}

func newTestServer(t *testing.T, opts api.RouterOptions) *testServer {
	t.Helper()
	mem := store.NewTxMemory()
	require.NoError(t, mem.Seed(context.Background(), vending.DefaultSeed()))

	engine := vending.NewEngine(mem)
	h := api.NewHandler(engine, mem, nil)
	return &testServer{router: api.NewRouter(h, opts), store: mem}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) purchase(t *testing.T, drinkID int64, selected map[string]any) *httptest.ResponseRecorder {
	return s.do(t, http.MethodPost, "/api/purchase", map[string]any{
		"userId":        1,
		"drinkId":       drinkID,
		"selectedMoney": selected,
	}, nil)
}

func (s *testServer) setCost(t *testing.T, id vending.DrinkID, cost int64) {
	t.Helper()
	d, err := s.store.GetDrink(context.Background(), id)
	require.NoError(t, err)
	d.Cost = cost
	_, err = s.store.SaveDrink(context.Background(), d)
	require.NoError(t, err)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// PURCHASE
// =============================================================================

func TestPurchase_Success(t *testing.T) {
	tests := []struct {
		name     string
		cost     int64
		selected map[string]any
		want     []api.ChangeEntryDTO
	}{
		{"exact payment", 150, map[string]any{"yen_100": 1, "yen_50": 1}, []api.ChangeEntryDTO{}},
		{"500 for 150", 150, map[string]any{"yen_500": 1},
			[]api.ChangeEntryDTO{{Denom: 100, Count: 3}, {Denom: 50, Count: 1}}},
		{"mixed coins 300 for 170", 170, map[string]any{"yen_100": 2, "yen_50": 2},
			[]api.ChangeEntryDTO{{Denom: 100, Count: 1}, {Denom: 10, Count: 3}}},
		{"small coins exact 163", 163, map[string]any{"yen_100": 1, "yen_50": 1, "yen_10": 1, "yen_1": 3},
			[]api.ChangeEntryDTO{}},
		{"500 for 183", 183, map[string]any{"yen_500": 1},
			[]api.ChangeEntryDTO{{Denom: 100, Count: 3}, {Denom: 10, Count: 1}, {Denom: 5, Count: 1}, {Denom: 1, Count: 2}}},
		{"bill exact 1000", 1000, map[string]any{"yen_1000": 1}, []api.ChangeEntryDTO{}},
		{"bare numeric keys", 150, map[string]any{"100": 2}, []api.ChangeEntryDTO{{Denom: 50, Count: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, api.RouterOptions{})
			srv.setCost(t, 1, tt.cost)

			rec := srv.purchase(t, 1, tt.selected)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			resp := decode[api.PurchaseResponse](t, rec)
			assert.Equal(t, tt.want, resp.Change)
			assert.NotEmpty(t, resp.PurchaseID)
			assert.Equal(t, int64(1), resp.DrinkID)
		})
	}
}

func TestPurchase_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, srv *testServer)
		drinkID    int64
		selected   map[string]any
		wantStatus int
		wantError  string
		wantCode   string
		wantAmount int64
	}{
		{
			name:       "insufficient funds",
			setup:      func(t *testing.T, srv *testServer) { srv.setCost(t, 1, 200) },
			drinkID:    1,
			selected:   map[string]any{"yen_100": 1},
			wantStatus: http.StatusBadRequest,
			wantError:  "Insufficient funds",
			wantCode:   "insufficient_funds",
			wantAmount: 100,
		},
		{
			name:       "insufficient change in casher",
			setup:      func(t *testing.T, srv *testServer) { srv.store.SetDrawer(vending.MoneyMap{}) },
			drinkID:    1,
			selected:   map[string]any{"yen_500": 1},
			wantStatus: http.StatusBadRequest,
			wantError:  "Insufficient change in casher",
			wantCode:   "insufficient_change",
			wantAmount: 350,
		},
		{
			name:       "negative count",
			drinkID:    1,
			selected:   map[string]any{"yen_100": -1},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid selectedMoney data",
			wantCode:   "invalid_payment",
		},
		{
			name:       "unknown denomination",
			drinkID:    1,
			selected:   map[string]any{"yen_3": 1},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid selectedMoney data",
			wantCode:   "invalid_payment",
		},
		{
			name:       "fractional count",
			drinkID:    1,
			selected:   map[string]any{"yen_100": 1.5},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid selectedMoney data",
			wantCode:   "invalid_payment",
		},
		{
			name:       "zero amount",
			drinkID:    1,
			selected:   map[string]any{"yen_100": 0},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid selectedMoney data",
			wantCode:   "invalid_payment",
		},
		{
			name:       "empty selection",
			drinkID:    1,
			selected:   map[string]any{},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid selectedMoney data",
			wantCode:   "invalid_payment",
		},
		{
			name:       "drink not found",
			drinkID:    99,
			selected:   map[string]any{"yen_500": 1},
			wantStatus: http.StatusNotFound,
			wantError:  "Drink not found",
			wantCode:   "drink_not_found",
		},
		{
			name: "out of stock",
			setup: func(t *testing.T, srv *testServer) {
				d, err := srv.store.GetDrink(context.Background(), 1)
				require.NoError(t, err)
				d.Stock = 0
				srv.store.PutDrink(d)
			},
			drinkID:    1,
			selected:   map[string]any{"yen_500": 1},
			wantStatus: http.StatusBadRequest,
			wantError:  "Out of stock",
			wantCode:   "out_of_stock",
		},
		{
			name:       "more coins than the wallet holds",
			drinkID:    1,
			selected:   map[string]any{"yen_5000": 2},
			wantStatus: http.StatusBadRequest,
			wantError:  "Insufficient money in wallet",
			wantCode:   "insufficient_wallet_funds",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, api.RouterOptions{})
			if tt.setup != nil {
				tt.setup(t, srv)
			}
			ctx := context.Background()
			walletBefore, _ := srv.store.GetWallet(ctx)
			drawerBefore, _ := srv.store.GetDrawer(ctx)

			rec := srv.purchase(t, tt.drinkID, tt.selected)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			resp := decode[api.ErrorResponse](t, rec)
			assert.Equal(t, tt.wantError, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantAmount, resp.Amount)

			walletAfter, _ := srv.store.GetWallet(ctx)
			drawerAfter, _ := srv.store.GetDrawer(ctx)
			assert.Equal(t, walletBefore, walletAfter)
			assert.Equal(t, drawerBefore, drawerAfter)
		})
	}
}

func TestPurchase_MalformedBody(t *testing.T) {
	srv := newTestServer(t, api.RouterOptions{})

	rec := srv.do(t, http.MethodPost, "/api/purchase", `{"drinkId": `, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decode[api.ErrorResponse](t, rec).Error)
}

func TestPurchase_StoreFailureIs503(t *testing.T) {
	srv := newTestServer(t, api.RouterOptions{})
	srv.store.FailCommit = fmt.Errorf("disk full")

	rec := srv.purchase(t, 1, map[string]any{"yen_500": 1})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "commit_failed", decode[api.ErrorResponse](t, rec).Code)
}

func TestPurchase_RecordedInHistory(t *testing.T) {
	srv := newTestServer(t, api.RouterOptions{})

	rec := srv.purchase(t, 1, map[string]any{"yen_500": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	bought := decode[api.PurchaseResponse](t, rec)

	rec = srv.do(t, http.MethodGet, "/api/purchases?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	receipts := decode[[]api.ReceiptDTO](t, rec)
	require.Len(t, receipts, 1)
	assert.Equal(t, bought.PurchaseID, receipts[0].ID)
	assert.Equal(t, map[string]int{"yen_500": 1}, receipts[0].Tendered)
	assert.Equal(t, map[string]int{"yen_100": 3, "yen_50": 1}, receipts[0].Change)

	rec = srv.do(t, http.MethodGet, "/api/purchases?limit=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// CATALOG & MONEY
// =============================================================================

func TestDrinks_CRUD(t *testing.T) {
	srv := newTestServer(t, api.RouterOptions{})

	rec := srv.do(t, http.MethodGet, "/api/drinks", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.DrinkDTO](t, rec), len(vending.DefaultSeed().Drinks))

	rec = srv.do(t, http.MethodPost, "/api/drinks",
		api.SaveDrinkRequest{Name: "Lemon Soda", Type: "cold", Cost: 140, Stock: 6}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[api.DrinkDTO](t, rec)
	assert.NotZero(t, created.ID)

	rec = srv.do(t, http.MethodPost, fmt.Sprintf("/api/drinks/edit/%d", created.ID),
		api.SaveDrinkRequest{Name: "Lemon Soda", Type: "cold", Cost: 160, Stock: 2}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = srv.do(t, http.MethodGet, fmt.Sprintf("/api/drinks/%d", created.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[api.DrinkDTO](t, rec)
	assert.Equal(t, int64(160), got.Cost)
	assert.Equal(t, 2, got.Stock)

	rec = srv.do(t, http.MethodGet, "/api/drinks/404", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/drinks/edit/404",
		api.SaveDrinkRequest{Name: "Ghost", Type: "hot", Cost: 100}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/drinks",
		api.SaveDrinkRequest{Name: "Soup", Type: "warm", Cost: 100}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/drinks/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMoney_ListAndEdit(t *testing.T) {
	for _, path := range []string{"/api/money", "/api/user_money"} {
		t.Run(path, func(t *testing.T) {
			srv := newTestServer(t, api.RouterOptions{})

			rec := srv.do(t, http.MethodGet, path, nil, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			rows := decode[[]api.MoneyDTO](t, rec)
			require.Len(t, rows, len(vending.Denominations()))
			assert.Equal(t, api.MoneyDTO{ID: 5, Value: 100, Quantity: 10}, rows[4])

			rec = srv.do(t, http.MethodPost, path+"/edit/5", api.EditMoneyRequest{Value: 100, Quantity: 2}, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			rec = srv.do(t, http.MethodGet, path, nil, nil)
			assert.Equal(t, 2, decode[[]api.MoneyDTO](t, rec)[4].Quantity)

			rec = srv.do(t, http.MethodPost, path+"/edit/4", api.EditMoneyRequest{Value: 100, Quantity: 2}, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code)

			rec = srv.do(t, http.MethodPost, path+"/edit/5", api.EditMoneyRequest{Value: 100, Quantity: -2}, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHealthAndCORS(t *testing.T) {
	srv := newTestServer(t, api.RouterOptions{})

	rec := srv.do(t, http.MethodGet, "/health", nil, map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = srv.do(t, http.MethodGet, "/health", nil, map[string]string{"Origin": "http://evil.test"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

type memoryIdempotency struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{entries: map[string][]byte{}}
}

func (m *memoryIdempotency) Reserve(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	m.entries[key] = append([]byte(nil), value...)
	return true, nil
}

func (m *memoryIdempotency) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *memoryIdempotency) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// heldIdempotency pauses the first Set until release is closed, holding the
// key in its claimed state after the purchase has committed.
type heldIdempotency struct {
	*memoryIdempotency
	setting chan struct{}
	release chan struct{}
	once    sync.Once
}

func (h *heldIdempotency) Set(ctx context.Context, key string, value []byte) error {
	h.once.Do(func() {
		close(h.setting)
		<-h.release
	})
	return h.memoryIdempotency.Set(ctx, key, value)
}

type failingIdempotency struct{ memoryIdempotency }

func (*failingIdempotency) Reserve(context.Context, string, []byte) (bool, error) {
	return false, fmt.Errorf("connection refused")
}

func TestIdempotency_ReplaysFirstResponse(t *testing.T) {
	srv := newTestServer(t, api.RouterOptions{Idempotency: newMemoryIdempotency()})
	body := map[string]any{"drinkId": 1, "selectedMoney": map[string]int{"yen_500": 1}}
	headers := map[string]string{api.IdempotencyHeader: "kiosk-7-0001"}

	first := srv.do(t, http.MethodPost, "/api/purchase", body, headers)
	require.Equal(t, http.StatusOK, first.Code)

	second := srv.do(t, http.MethodPost, "/api/purchase", body, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Hit"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	d, err := srv.store.GetDrink(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, vending.DefaultSeed().Drinks[0].Stock-1, d.Stock, "only one can dispensed")

	// A different key is a different purchase.
	third := srv.do(t, http.MethodPost, "/api/purchase", body, map[string]string{api.IdempotencyHeader: "kiosk-7-0002"})
	require.Equal(t, http.StatusOK, third.Code)
	assert.NotEqual(t, decode[api.PurchaseResponse](t, first).PurchaseID, decode[api.PurchaseResponse](t, third).PurchaseID)
}

func TestIdempotency_ServerErrorsAreNotCached(t *testing.T) {
	srv := newTestServer(t, api.RouterOptions{Idempotency: newMemoryIdempotency()})
	body := map[string]any{"drinkId": 1, "selectedMoney": map[string]int{"yen_500": 1}}
	headers := map[string]string{api.IdempotencyHeader: "retry-me"}

	srv.store.FailCommit = fmt.Errorf("database is locked")
	rec := srv.do(t, http.MethodPost, "/api/purchase", body, headers)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv.store.FailCommit = nil
	rec = srv.do(t, http.MethodPost, "/api/purchase", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Idempotency-Hit"))
}

func TestIdempotency_DuplicateInFlightIsConflict(t *testing.T) {
	idem := &heldIdempotency{
		memoryIdempotency: newMemoryIdempotency(),
		setting:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	srv := newTestServer(t, api.RouterOptions{Idempotency: idem})
	body := map[string]any{"drinkId": 1, "selectedMoney": map[string]int{"yen_500": 1}}
	headers := map[string]string{api.IdempotencyHeader: "kiosk-3-0042"}

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		firstDone <- srv.do(t, http.MethodPost, "/api/purchase", body, headers)
	}()
	<-idem.setting

	dup := srv.do(t, http.MethodPost, "/api/purchase", body, headers)
	assert.Equal(t, http.StatusConflict, dup.Code, dup.Body.String())

	close(idem.release)
	first := <-firstDone
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	replay := srv.do(t, http.MethodPost, "/api/purchase", body, headers)
	require.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("X-Idempotency-Hit"))

	d, err := srv.store.GetDrink(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, vending.DefaultSeed().Drinks[0].Stock-1, d.Stock)
}

func TestIdempotency_ConcurrentSameKeyBuysOnce(t *testing.T) {
	srv := newTestServer(t, api.RouterOptions{Idempotency: newMemoryIdempotency()})
	body := map[string]any{"drinkId": 1, "selectedMoney": map[string]int{"yen_500": 1}}
	headers := map[string]string{api.IdempotencyHeader: "kiosk-9-0001"}

	const n = 8
	results := make([]*httptest.ResponseRecorder, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i] = srv.do(t, http.MethodPost, "/api/purchase", body, headers)
		}()
	}
	close(start)
	wg.Wait()

	executed := 0
	for _, rec := range results {
		switch {
		case rec.Code == http.StatusOK && rec.Header().Get("X-Idempotency-Hit") == "":
			executed++
		case rec.Code == http.StatusOK:
		case rec.Code == http.StatusConflict:
		default:
			t.Errorf("unexpected response %d: %s", rec.Code, rec.Body.String())
		}
	}
	assert.Equal(t, 1, executed, "exactly one request runs the purchase")

	d, err := srv.store.GetDrink(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, vending.DefaultSeed().Drinks[0].Stock-1, d.Stock)

	rec := srv.do(t, http.MethodGet, "/api/purchases", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.ReceiptDTO](t, rec), 1)
}

func TestIdempotency_KeyReusedWithDifferentBody(t *testing.T) {
	srv := newTestServer(t, api.RouterOptions{Idempotency: newMemoryIdempotency()})
	headers := map[string]string{api.IdempotencyHeader: "kiosk-7-0003"}

	rec := srv.do(t, http.MethodPost, "/api/purchase",
		map[string]any{"drinkId": 1, "selectedMoney": map[string]int{"yen_500": 1}}, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/purchase",
		map[string]any{"drinkId": 2, "selectedMoney": map[string]int{"yen_500": 1}}, headers)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Idempotency-Hit"))

	rec = srv.do(t, http.MethodGet, "/api/purchases", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.ReceiptDTO](t, rec), 1)
}

func TestIdempotency_StoreDownRefusesKeyedPurchase(t *testing.T) {
	srv := newTestServer(t, api.RouterOptions{Idempotency: &failingIdempotency{}})
	headers := map[string]string{api.IdempotencyHeader: "kiosk-7-0004"}
	body := map[string]any{"drinkId": 1, "selectedMoney": map[string]int{"yen_500": 1}}

	rec := srv.do(t, http.MethodPost, "/api/purchase", body, headers)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	d, err := srv.store.GetDrink(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, vending.DefaultSeed().Drinks[0].Stock, d.Stock)

	// Unkeyed requests do not touch the store.
	rec = srv.do(t, http.MethodPost, "/api/purchase", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
