package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fanbase/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Update holds the write lock for the whole transaction, which serializes
// writers; failed transactions are rolled back from an undo log.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			instruments: make(map[string]*model.Instrument),
			byAbbr:      make(map[string]string),
			points:      make(map[string][]model.RatingPoint),
			users:       make(map[string]*model.User),
			lotIndex:    make(map[string]*model.Lot),
			games:       make(map[string]model.GameResult),
		},
	}
}

func (s *MemoryStore) View(_ context.Context, fn func(r Reader) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.state)
}

func (s *MemoryStore) Update(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{memState: s.state}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memState struct {
	instruments map[string]*model.Instrument
	byAbbr      map[string]string
	points      map[string][]model.RatingPoint
	users       map[string]*model.User
	lots        []*model.Lot // append-only; closed lots stay for history
	lotIndex    map[string]*model.Lot
	ledger      []model.TransactionRecord
	games       map[string]model.GameResult
	seq         int64
}

func (s *memState) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	inst, ok := s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, ErrUnknownInstrument)
	}
	cp := *inst
	return &cp, nil
}

func (s *memState) GetInstrumentByAbbr(ctx context.Context, abbr string) (*model.Instrument, error) {
	id, ok := s.byAbbr[abbr]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", abbr, ErrUnknownInstrument)
	}
	return s.GetInstrument(ctx, id)
}

func (s *memState) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	out := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Abbr < out[j].Abbr })
	return out, nil
}

func (s *memState) LastRatingPoint(_ context.Context, instrumentID string) (model.RatingPoint, bool, error) {
	pts := s.points[instrumentID]
	if len(pts) == 0 {
		return model.RatingPoint{}, false, nil
	}
	return pts[len(pts)-1], true, nil
}

func (s *memState) RatingPointAsOf(_ context.Context, instrumentID string, at time.Time) (model.RatingPoint, bool, error) {
	pts := s.points[instrumentID]
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Timestamp.After(at) })
	if i == 0 {
		return model.RatingPoint{}, false, nil
	}
	return pts[i-1], true, nil
}

func (s *memState) RatingHistory(_ context.Context, instrumentID string, from, to time.Time) ([]model.RatingPoint, error) {
	var out []model.RatingPoint
	for _, p := range s.points[instrumentID] {
		if p.Timestamp.Before(from) || p.Timestamp.After(to) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *memState) GetUser(_ context.Context, id string) (*model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrUnknownUser)
	}
	cp := *u
	return &cp, nil
}

func (s *memState) ListUsers(_ context.Context) ([]model.User, error) {
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *memState) openLots(match func(*model.Lot) bool) []model.Lot {
	var out []model.Lot
	for _, l := range s.lots {
		if l.Open && match(l) {
			out = append(out, *l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (s *memState) OpenLots(_ context.Context, userID, instrumentID string, side model.Side) ([]model.Lot, error) {
	return s.openLots(func(l *model.Lot) bool {
		return l.UserID == userID && l.InstrumentID == instrumentID && l.Side == side
	}), nil
}

func (s *memState) OpenLotsByUser(_ context.Context, userID string) ([]model.Lot, error) {
	return s.openLots(func(l *model.Lot) bool { return l.UserID == userID }), nil
}

func (s *memState) OpenLongLotsOpenedBy(_ context.Context, instrumentID string, at time.Time) ([]model.Lot, error) {
	return s.openLots(func(l *model.Lot) bool {
		return l.InstrumentID == instrumentID && l.Side == model.Long && !l.OpenedAt.After(at)
	}), nil
}

func (s *memState) TransactionsByUser(_ context.Context, userID string, to time.Time) ([]model.TransactionRecord, error) {
	var out []model.TransactionRecord
	for _, e := range s.ledger {
		if e.UserID == userID && !e.Timestamp.After(to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *memState) CountTransactions(_ context.Context, instrumentID string, after, before time.Time) (map[model.TxKind]int, error) {
	counts := make(map[model.TxKind]int)
	for _, e := range s.ledger {
		if e.InstrumentID != instrumentID {
			continue
		}
		if e.Timestamp.After(after) && e.Timestamp.Before(before) {
			counts[e.Kind]++
		}
	}
	return counts, nil
}

func (s *memState) HasGameResult(_ context.Context, gameID string) (bool, error) {
	_, ok := s.games[gameID]
	return ok, nil
}

// memTx applies writes directly to the shared state and records how to undo
// each one.
type memTx struct {
	*memState
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) CreateInstrument(_ context.Context, inst *model.Instrument) error {
	if _, ok := t.instruments[inst.ID]; ok {
		return fmt.Errorf("instrument %s: %w", inst.ID, ErrDuplicate)
	}
	if _, ok := t.byAbbr[inst.Abbr]; ok {
		return fmt.Errorf("instrument %s: %w", inst.Abbr, ErrDuplicate)
	}
	cp := *inst
	t.instruments[inst.ID] = &cp
	t.byAbbr[inst.Abbr] = inst.ID
	t.undo = append(t.undo, func() {
		delete(t.instruments, cp.ID)
		delete(t.byAbbr, cp.Abbr)
	})
	return nil
}

func (t *memTx) LockInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	return t.GetInstrument(ctx, id)
}

func (t *memTx) UpdateInstrumentRating(_ context.Context, id string, rating, prev, delta decimal.Decimal) error {
	inst, ok := t.instruments[id]
	if !ok {
		return fmt.Errorf("instrument %s: %w", id, ErrUnknownInstrument)
	}
	old := *inst
	inst.Rating = rating
	inst.PrevRating = prev
	inst.LastDelta = delta
	t.undo = append(t.undo, func() { *inst = old })
	return nil
}

func (t *memTx) InsertRatingPoint(_ context.Context, p model.RatingPoint) error {
	if _, ok := t.instruments[p.InstrumentID]; !ok {
		return fmt.Errorf("instrument %s: %w", p.InstrumentID, ErrUnknownInstrument)
	}
	pts := t.points[p.InstrumentID]
	// Insert after every point with the same or earlier timestamp.
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Timestamp.After(p.Timestamp) })
	pts = append(pts, model.RatingPoint{})
	copy(pts[i+1:], pts[i:])
	pts[i] = p
	t.points[p.InstrumentID] = pts
	t.undo = append(t.undo, func() {
		cur := t.points[p.InstrumentID]
		t.points[p.InstrumentID] = append(cur[:i], cur[i+1:]...)
	})
	return nil
}

func (t *memTx) IncrementSeriesWins(_ context.Context, instrumentID string) (int, error) {
	inst, ok := t.instruments[instrumentID]
	if !ok {
		return 0, fmt.Errorf("instrument %s: %w", instrumentID, ErrUnknownInstrument)
	}
	inst.SeriesWinCount++
	t.undo = append(t.undo, func() { inst.SeriesWinCount-- })
	return inst.SeriesWinCount, nil
}

func (t *memTx) CreateUser(_ context.Context, u *model.User) error {
	if _, ok := t.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	for _, existing := range t.users {
		if existing.Username == u.Username {
			return fmt.Errorf("username %s: %w", u.Username, ErrDuplicate)
		}
	}
	cp := *u
	t.users[u.ID] = &cp
	t.undo = append(t.undo, func() { delete(t.users, cp.ID) })
	return nil
}

func (t *memTx) LockUser(ctx context.Context, id string) (*model.User, error) {
	return t.GetUser(ctx, id)
}

func (t *memTx) UpdateUserFunds(_ context.Context, id string, funds decimal.Decimal) error {
	u, ok := t.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrUnknownUser)
	}
	old := u.AvailableFunds
	u.AvailableFunds = funds
	t.undo = append(t.undo, func() { u.AvailableFunds = old })
	return nil
}

func (t *memTx) InsertLot(_ context.Context, lot *model.Lot) error {
	if _, ok := t.lotIndex[lot.ID]; ok {
		return fmt.Errorf("lot %s: %w", lot.ID, ErrDuplicate)
	}
	t.seq++
	lot.Seq = t.seq
	cp := *lot
	t.lots = append(t.lots, &cp)
	t.lotIndex[cp.ID] = &cp
	t.undo = append(t.undo, func() {
		t.lots = t.lots[:len(t.lots)-1]
		delete(t.lotIndex, cp.ID)
		t.seq--
	})
	return nil
}

func (t *memTx) UpdateLot(_ context.Context, lot *model.Lot) error {
	stored, ok := t.lotIndex[lot.ID]
	if !ok {
		return fmt.Errorf("lot %s: %w", lot.ID, ErrUnknownLot)
	}
	old := *stored
	stored.Size = lot.Size
	stored.Open = lot.Open
	stored.ClosedAt = lot.ClosedAt
	stored.ClosePrice = lot.ClosePrice
	t.undo = append(t.undo, func() { *stored = old })
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, rec *model.TransactionRecord) error {
	t.ledger = append(t.ledger, *rec)
	t.undo = append(t.undo, func() { t.ledger = t.ledger[:len(t.ledger)-1] })
	return nil
}

func (t *memTx) InsertGameResult(_ context.Context, g *model.GameResult) error {
	if _, ok := t.games[g.GameID]; ok {
		return fmt.Errorf("game %s: %w", g.GameID, ErrGameRecorded)
	}
	t.games[g.GameID] = *g
	t.undo = append(t.undo, func() { delete(t.games, g.GameID) })
	return nil
}
