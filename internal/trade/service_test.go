package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fanbase/market-engine/internal/config"
	"github.com/fanbase/market-engine/internal/logger"
	"github.com/fanbase/market-engine/internal/model"
	"github.com/fanbase/market-engine/internal/rating"
	"github.com/fanbase/market-engine/internal/store"
	"github.com/fanbase/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2020, 8, 20, 18, 0, 0, 0, time.UTC)

// steppingClock advances one second per call so lots get distinct open times.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := t0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func spreads(s float64) config.TradingConfig {
	return config.TradingConfig{BuySpread: s, SellSpread: s, ShortSpread: s, UnshortSpread: s}
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T, spread float64) (*trade.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := trade.NewService(ms, rating.NewUpdater(d(1)), spreads(spread), d(50000), nil, logger.NewNop())
	svc.SetClock(steppingClock())

	r := chi.NewRouter()
	r.Post("/api/v1/trades/{kind}", svc.HandleTrade)
	r.Post("/api/v1/users", svc.HandleRegister)

	return svc, ms, r
}

// seedInstrument creates a test instrument directly in the store.
func seedInstrument(t *testing.T, ms *store.MemoryStore, abbr string, r float64) *model.Instrument {
	t.Helper()
	inst := &model.Instrument{ID: "inst-" + abbr, Abbr: abbr, Name: abbr, SeedRating: d(r)}
	err := ms.Update(context.Background(), func(tx store.Tx) error {
		return rating.Seed(context.Background(), tx, inst, t0)
	})
	if err != nil {
		t.Fatalf("failed to seed instrument: %v", err)
	}
	return inst
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, funds float64) {
	t.Helper()
	err := ms.Update(context.Background(), func(tx store.Tx) error {
		return tx.CreateUser(context.Background(), &model.User{ID: id, Username: id, AvailableFunds: d(funds), CreatedAt: t0})
	})
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

// snapshot is the externally visible state a rejected trade must not change.
type snapshot struct {
	funds   decimal.Decimal
	rating  decimal.Decimal
	lots    []model.Lot
	records int
	points  int
}

func take(t *testing.T, ms *store.MemoryStore, userID, instrumentID string) snapshot {
	t.Helper()
	ctx := context.Background()
	var s snapshot
	err := ms.View(ctx, func(r store.Reader) error {
		u, err := r.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		inst, err := r.GetInstrument(ctx, instrumentID)
		if err != nil {
			return err
		}
		lots, _ := r.OpenLotsByUser(ctx, userID)
		recs, _ := r.TransactionsByUser(ctx, userID, t0.Add(24*time.Hour))
		pts, _ := r.RatingHistory(ctx, instrumentID, time.Time{}, t0.Add(24*time.Hour))
		s = snapshot{funds: u.AvailableFunds, rating: inst.Rating, lots: lots, records: len(recs), points: len(pts)}
		return nil
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return s
}

func assertUnchanged(t *testing.T, before, after snapshot) {
	t.Helper()
	if !before.funds.Equal(after.funds) {
		t.Errorf("funds changed: %s -> %s", before.funds, after.funds)
	}
	if !before.rating.Equal(after.rating) {
		t.Errorf("rating changed: %s -> %s", before.rating, after.rating)
	}
	if len(before.lots) != len(after.lots) || before.records != after.records || before.points != after.points {
		t.Errorf("records changed: %+v -> %+v", before, after)
	}
}

func openLots(t *testing.T, ms *store.MemoryStore, userID, instrumentID string, side model.Side) []model.Lot {
	t.Helper()
	var lots []model.Lot
	_ = ms.View(context.Background(), func(r store.Reader) error {
		var err error
		lots, err = r.OpenLots(context.Background(), userID, instrumentID, side)
		return err
	})
	return lots
}

// --- Trade execution tests ---

func TestBuyThenSell_Scenario(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 0.005)
	bos := seedInstrument(t, ms, "BOS", 1500)
	seedUser(t, ms, "user1", 50000)
	ctx := context.Background()

	buy, err := svc.Buy(ctx, "user1", "BOS", 10)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !buy.CashDelta.Equal(d(-15075)) {
		t.Errorf("buy cash delta = %s, want -15075", buy.CashDelta)
	}
	if !buy.ExecutionPrice.Equal(d(1507.5)) || !buy.NewRating.Equal(d(1507.5)) {
		t.Errorf("exec=%s rating=%s, want 1507.5", buy.ExecutionPrice, buy.NewRating)
	}
	if !buy.RemainingFunds.Equal(d(34925)) {
		t.Errorf("funds = %s, want 34925", buy.RemainingFunds)
	}

	lots := openLots(t, ms, "user1", bos.ID, model.Long)
	if len(lots) != 1 || lots[0].Size != 10 || !lots[0].OpenPrice.Equal(d(1507.5)) {
		t.Fatalf("unexpected lots %+v", lots)
	}

	sell, err := svc.Sell(ctx, "user1", "BOS", 10)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !sell.CashDelta.Equal(d(14999.625)) {
		t.Errorf("sale credit = %s, want 14999.625", sell.CashDelta)
	}
	if !sell.NewRating.Equal(d(1499.9625)) {
		t.Errorf("rating after sale = %s, want 1499.9625", sell.NewRating)
	}
	if left := openLots(t, ms, "user1", bos.ID, model.Long); len(left) != 0 {
		t.Errorf("lot should be closed, got %+v", left)
	}

	after := take(t, ms, "user1", bos.ID)
	if !after.funds.Equal(d(49924.625)) {
		t.Errorf("final funds = %s, want 49924.625", after.funds)
	}
	if after.records != 2 || after.points != 3 {
		t.Errorf("records=%d points=%d, want 2 and 3", after.records, after.points)
	}
}

func TestSell_ConsumesOldestLotFirst(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 0.0025)
	bos := seedInstrument(t, ms, "BOS", 1500)
	seedUser(t, ms, "user1", 50000)
	ctx := context.Background()

	first, _ := svc.Buy(ctx, "user1", "BOS", 5)
	second, _ := svc.Buy(ctx, "user1", "BOS", 3)
	if first == nil || second == nil {
		t.Fatal("buys failed")
	}

	if _, err := svc.Sell(ctx, "user1", "BOS", 6); err != nil {
		t.Fatalf("sell: %v", err)
	}

	lots := openLots(t, ms, "user1", bos.ID, model.Long)
	if len(lots) != 1 {
		t.Fatalf("open lots = %d, want 1", len(lots))
	}
	if lots[0].Size != 2 || !lots[0].OpenPrice.Equal(second.ExecutionPrice) {
		t.Errorf("remaining lot = %+v, want 2 shares of the newer lot", lots[0])
	}
	if trade.OpenSize(lots) != 5+3-6 {
		t.Errorf("open size = %d, want 2", trade.OpenSize(lots))
	}
}

func TestConsumeFIFO_TieBreaksOnInsertion(t *testing.T) {
	at := t0
	lots := []model.Lot{
		{ID: "a", Seq: 1, OpenedAt: at, Size: 2, Open: true},
		{ID: "b", Seq: 2, OpenedAt: at, Size: 2, Open: true},
	}
	changed := trade.ConsumeFIFO(lots, 3, at.Add(time.Minute), d(1500))

	if len(changed) != 2 {
		t.Fatalf("changed = %d lots, want 2", len(changed))
	}
	if changed[0].ID != "a" || changed[0].Open || changed[0].ClosePrice == nil {
		t.Errorf("first lot should be closed: %+v", changed[0])
	}
	if changed[1].ID != "b" || !changed[1].Open || changed[1].Size != 1 {
		t.Errorf("second lot should be reduced to 1: %+v", changed[1])
	}
	if lots[0].Size != 2 {
		t.Error("input lots must not be modified")
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 0.0025)
	bos := seedInstrument(t, ms, "BOS", 1500)
	seedUser(t, ms, "poor", 1000)
	before := take(t, ms, "poor", bos.ID)

	_, err := svc.Buy(context.Background(), "poor", "BOS", 1)
	if !errors.Is(err, trade.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	assertUnchanged(t, before, take(t, ms, "poor", bos.ID))
}

func TestSell_InsufficientShares(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 0.0025)
	bos := seedInstrument(t, ms, "BOS", 1500)
	seedUser(t, ms, "user1", 50000)
	ctx := context.Background()

	if _, err := svc.Buy(ctx, "user1", "BOS", 2); err != nil {
		t.Fatalf("buy: %v", err)
	}
	before := take(t, ms, "user1", bos.ID)

	_, err := svc.Sell(ctx, "user1", "BOS", 3)
	if !errors.Is(err, trade.ErrInsufficientShares) {
		t.Fatalf("err = %v, want ErrInsufficientShares", err)
	}
	assertUnchanged(t, before, take(t, ms, "user1", bos.ID))
}

func TestShortThenUnshort(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 0.0025)
	bos := seedInstrument(t, ms, "BOS", 1500)
	seedUser(t, ms, "user1", 50000)
	ctx := context.Background()

	short, err := svc.Short(ctx, "user1", "BOS", 4)
	if err != nil {
		t.Fatalf("short: %v", err)
	}
	if !short.CashDelta.Equal(d(5985)) {
		t.Errorf("short proceeds = %s, want 5985", short.CashDelta)
	}
	if !short.NewRating.Equal(d(1496.25)) {
		t.Errorf("rating = %s, want 1496.25", short.NewRating)
	}
	if lots := openLots(t, ms, "user1", bos.ID, model.Short); trade.OpenSize(lots) != 4 {
		t.Errorf("open short = %d, want 4", trade.OpenSize(lots))
	}

	if _, err := svc.Unshort(ctx, "user1", "BOS", 5); !errors.Is(err, trade.ErrInsufficientShares) {
		t.Errorf("covering more than shorted: err = %v", err)
	}

	cover, err := svc.Unshort(ctx, "user1", "BOS", 4)
	if err != nil {
		t.Fatalf("unshort: %v", err)
	}
	if !cover.CashDelta.Equal(d(-5999.990625)) {
		t.Errorf("cover cost = %s, want -5999.990625", cover.CashDelta)
	}
	if !cover.NewRating.Equal(d(1499.990625)) {
		t.Errorf("rating = %s, want 1499.990625", cover.NewRating)
	}
	if lots := openLots(t, ms, "user1", bos.ID, model.Short); len(lots) != 0 {
		t.Errorf("short lots should be closed, got %+v", lots)
	}
}

func TestUnshort_InsufficientFunds(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 0.0025)
	bos := seedInstrument(t, ms, "BOS", 1500)
	seedUser(t, ms, "user1", 0)
	ctx := context.Background()

	if _, err := svc.Short(ctx, "user1", "BOS", 1); err != nil {
		t.Fatalf("short: %v", err)
	}
	_ = ms.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateUserFunds(ctx, "user1", d(100))
	})
	before := take(t, ms, "user1", bos.ID)

	if _, err := svc.Unshort(ctx, "user1", "BOS", 1); !errors.Is(err, trade.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	assertUnchanged(t, before, take(t, ms, "user1", bos.ID))
}

func TestRoundTrip_CostsTheSpread(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 0.0025)
	bos := seedInstrument(t, ms, "BOS", 1500)
	seedUser(t, ms, "user1", 50000)
	ctx := context.Background()

	if _, err := svc.Buy(ctx, "user1", "BOS", 7); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := svc.Sell(ctx, "user1", "BOS", 7); err != nil {
		t.Fatalf("sell: %v", err)
	}

	// Buy at r(1+s); the buy nudges the rating to r(1+s), so the sale fills
	// at r(1+s)(1-s).
	r, s, n := d(1500), d(0.0025), d(7)
	one := decimal.NewFromInt(1)
	paid := n.Mul(r).Mul(one.Add(s))
	received := n.Mul(r).Mul(one.Add(s)).Mul(one.Sub(s))
	want := d(50000).Sub(paid).Add(received)

	after := take(t, ms, "user1", bos.ID)
	if !after.funds.Equal(want) {
		t.Errorf("funds = %s, want %s", after.funds, want)
	}
	if after.funds.GreaterThanOrEqual(d(50000)) {
		t.Error("round trip should lose money")
	}
	if len(after.lots) != 0 {
		t.Errorf("position should be flat, got %+v", after.lots)
	}
}

func TestTrade_Validation(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 0.0025)
	seedInstrument(t, ms, "BOS", 1500)
	seedUser(t, ms, "user1", 50000)
	ctx := context.Background()

	for _, size := range []int64{0, -3} {
		if _, err := svc.Buy(ctx, "user1", "BOS", size); !errors.Is(err, trade.ErrInvalidSize) {
			t.Errorf("size %d: err = %v, want ErrInvalidSize", size, err)
		}
	}
	if _, err := svc.Buy(ctx, "user1", "NOPE", 1); !errors.Is(err, store.ErrUnknownInstrument) {
		t.Errorf("err = %v, want ErrUnknownInstrument", err)
	}
	if _, err := svc.Buy(ctx, "ghost", "BOS", 1); !errors.Is(err, store.ErrUnknownUser) {
		t.Errorf("err = %v, want ErrUnknownUser", err)
	}
	if _, err := svc.Execute(ctx, model.TxKind("GIFT"), "user1", "BOS", 1); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestConcurrentSells_NeverOverConsume(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 0.0025)
	bos := seedInstrument(t, ms, "BOS", 1500)
	seedUser(t, ms, "user1", 50000)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := svc.Buy(ctx, "user1", "BOS", 5); err != nil {
			t.Fatalf("buy: %v", err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, short := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Sell(ctx, "user1", "BOS", 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, trade.ErrInsufficientShares):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 20 || short != 30 {
		t.Errorf("ok=%d rejected=%d, want 20 and 30", ok, short)
	}
	if lots := openLots(t, ms, "user1", bos.ID, model.Long); trade.OpenSize(lots) != 0 {
		t.Errorf("open size = %d, want 0", trade.OpenSize(lots))
	}
}

func TestConcurrentBuys_ManyUsers(t *testing.T) {
	svc, ms, _ := newTestEnv(t, 0.0025)
	bos := seedInstrument(t, ms, "BOS", 1500)
	users := []string{"a", "b", "c", "d", "e"}
	for _, u := range users {
		seedUser(t, ms, u, 50000)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				if _, err := svc.Buy(ctx, u, "BOS", 2); err != nil {
					t.Errorf("buy %s: %v", u, err)
				}
			}(u)
		}
	}
	wg.Wait()

	for _, u := range users {
		s := take(t, ms, u, bos.ID)
		if trade.OpenSize(s.lots) != 8 || s.records != 4 {
			t.Errorf("user %s: open=%d records=%d, want 8 and 4", u, trade.OpenSize(s.lots), s.records)
		}
		if s.funds.IsNegative() {
			t.Errorf("user %s has negative funds", u)
		}
	}
	if n := take(t, ms, "a", bos.ID).points; n != 21 {
		t.Errorf("rating points = %d, want 21", n)
	}
}

// --- HTTP tests ---

func doJSON(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleTrade(t *testing.T) {
	_, ms, router := newTestEnv(t, 0.005)
	seedInstrument(t, ms, "BOS", 1500)
	seedUser(t, ms, "user1", 50000)
	seedUser(t, ms, "poor", 10)

	w := doJSON(t, router, "/api/v1/trades/buy", trade.TradeRequest{UserID: "user1", Abbr: "BOS", Size: 10})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var fill trade.Fill
	if err := json.NewDecoder(w.Body).Decode(&fill); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if fill.Kind != model.Purchase || fill.Size != 10 || !fill.ExecutionPrice.Equal(d(1507.5)) {
		t.Errorf("unexpected fill %+v", fill)
	}

	cases := []struct {
		name string
		path string
		body any
		want int
	}{
		{"insufficient funds", "/api/v1/trades/buy", trade.TradeRequest{UserID: "poor", Abbr: "BOS", Size: 1}, http.StatusConflict},
		{"insufficient shares", "/api/v1/trades/sell", trade.TradeRequest{UserID: "poor", Abbr: "BOS", Size: 1}, http.StatusConflict},
		{"unknown instrument", "/api/v1/trades/short", trade.TradeRequest{UserID: "user1", Abbr: "XXX", Size: 1}, http.StatusNotFound},
		{"unknown user", "/api/v1/trades/buy", trade.TradeRequest{UserID: "ghost", Abbr: "BOS", Size: 1}, http.StatusNotFound},
		{"zero size", "/api/v1/trades/unshort", trade.TradeRequest{UserID: "user1", Abbr: "BOS", Size: 0}, http.StatusBadRequest},
		{"missing user", "/api/v1/trades/buy", trade.TradeRequest{Abbr: "BOS", Size: 1}, http.StatusBadRequest},
		{"bad kind", "/api/v1/trades/gift", trade.TradeRequest{UserID: "user1", Abbr: "BOS", Size: 1}, http.StatusNotFound},
		{"bad body", "/api/v1/trades/buy", "not an object", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, router, tc.path, tc.body)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestHandleRegister(t *testing.T) {
	_, _, router := newTestEnv(t, 0.0025)

	w := doJSON(t, router, "/api/v1/users", trade.RegisterRequest{Username: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var u model.User
	if err := json.NewDecoder(w.Body).Decode(&u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.ID == "" || !u.AvailableFunds.Equal(d(50000)) {
		t.Errorf("unexpected user %+v", u)
	}

	if w := doJSON(t, router, "/api/v1/users", trade.RegisterRequest{Username: "alice"}); w.Code != http.StatusConflict {
		t.Errorf("duplicate username: status = %d, want 409", w.Code)
	}
	if w := doJSON(t, router, "/api/v1/users", trade.RegisterRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty username: status = %d, want 400", w.Code)
	}
}
