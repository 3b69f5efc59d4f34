package valuation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fanbase/market-engine/internal/config"
	"github.com/fanbase/market-engine/internal/logger"
	"github.com/fanbase/market-engine/internal/model"
	"github.com/fanbase/market-engine/internal/rating"
	"github.com/fanbase/market-engine/internal/store"
)

var ErrUnknownWindow = errors.New("valuation: unknown window")

// Valuator answers portfolio and price history queries. Every query reads
// one consistent store snapshot.
type Valuator struct {
	store       store.Store
	windows     []config.WindowConfig
	seasonStart time.Time
	initialCash decimal.Decimal
	now         func() time.Time

	logger logger.Logger
}

func NewValuator(st store.Store, cfg config.ValuationConfig, logger logger.Logger) *Valuator {
	return &Valuator{
		store:       st,
		windows:     cfg.Windows,
		seasonStart: cfg.SeasonStart,
		initialCash: decimal.NewFromFloat(cfg.InitialCash),
		now:         time.Now,
		logger:      logger,
	}
}

// SetClock replaces the time source. Used in tests.
func (v *Valuator) SetClock(now func() time.Time) {
	v.now = now
}

// Windows returns the configured window names in order.
func (v *Valuator) Windows() []string {
	names := make([]string, len(v.windows))
	for i, w := range v.windows {
		names[i] = w.Name
	}
	return names
}

func (v *Valuator) boundaries(name string, now time.Time) ([]time.Time, error) {
	for _, w := range v.windows {
		if w.Name != name {
			continue
		}
		start := v.seasonStart
		if w.Span > 0 {
			start = now.Add(-w.Span)
		}
		return Boundaries(start, now, w.Step), nil
	}
	return nil, fmt.Errorf("%q: %w", name, ErrUnknownWindow)
}

// LeaderboardEntry is one row of the leaderboard.
type LeaderboardEntry struct {
	UserID   string          `json:"user_id"`
	Username string          `json:"username"`
	NetWorth decimal.Decimal `json:"net_worth"`
}

// HoldingView is a user's open position in one instrument.
type HoldingView struct {
	Abbr   string          `json:"abbr"`
	Long   int64           `json:"long"`
	Short  int64           `json:"short"`
	Rating decimal.Decimal `json:"rating"`
	Value  decimal.Decimal `json:"value"`
}

// Summary is everything shown on a user's page.
type Summary struct {
	UserID      string             `json:"user_id"`
	Username    string             `json:"username"`
	Funds       decimal.Decimal    `json:"funds"`
	Holdings    []HoldingView      `json:"holdings"`
	TotalAssets decimal.Decimal    `json:"total_assets"`
	Curves      map[string][]Point `json:"curves"`
}

// InstrumentView is an instrument with its price curve for every window.
type InstrumentView struct {
	model.Instrument
	Curves map[string][]Point `json:"curves"`
}

// snapshot caches instruments and their histories for one View.
type snapshot struct {
	ctx     context.Context
	r       store.Reader
	now     time.Time
	byID    map[string]*model.Instrument
	history map[string][]model.RatingPoint
}

func (v *Valuator) snapshot(ctx context.Context, r store.Reader) (*snapshot, error) {
	list, err := r.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	s := &snapshot{
		ctx:     ctx,
		r:       r,
		now:     v.now().UTC(),
		byID:    make(map[string]*model.Instrument, len(list)),
		history: make(map[string][]model.RatingPoint),
	}
	for i := range list {
		s.byID[list[i].ID] = &list[i]
	}
	return s, nil
}

func (s *snapshot) ratingAt(instrumentID string, at time.Time) (decimal.Decimal, error) {
	inst, ok := s.byID[instrumentID]
	if !ok {
		return decimal.Zero, fmt.Errorf("instrument %s: %w", instrumentID, store.ErrUnknownInstrument)
	}
	pts, ok := s.history[instrumentID]
	if !ok {
		var err error
		pts, err = s.r.RatingHistory(s.ctx, instrumentID, time.Time{}, s.now)
		if err != nil {
			return decimal.Zero, fmt.Errorf("history of %s: %w", inst.Abbr, err)
		}
		s.history[instrumentID] = pts
	}
	return rating.Sample(inst, pts, at)
}

// netWorth values open lots at current ratings: funds + longs - shorts.
func (s *snapshot) netWorth(u *model.User) (decimal.Decimal, []HoldingView, error) {
	lots, err := s.r.OpenLotsByUser(s.ctx, u.ID)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("lots of %s: %w", u.ID, err)
	}

	byInst := make(map[string]*HoldingView)
	var order []string
	total := u.AvailableFunds
	for _, l := range lots {
		inst, ok := s.byID[l.InstrumentID]
		if !ok {
			return decimal.Zero, nil, fmt.Errorf("lot %s: %w", l.ID, store.ErrUnknownInstrument)
		}
		h, ok := byInst[inst.ID]
		if !ok {
			h = &HoldingView{Abbr: inst.Abbr, Rating: inst.Rating}
			byInst[inst.ID] = h
			order = append(order, inst.ID)
		}
		value := inst.Rating.Mul(decimal.NewFromInt(l.Size))
		if l.Side == model.Short {
			h.Short += l.Size
			value = value.Neg()
		} else {
			h.Long += l.Size
		}
		h.Value = h.Value.Add(value)
		total = total.Add(value)
	}

	holdings := make([]HoldingView, 0, len(order))
	for _, id := range order {
		holdings = append(holdings, *byInst[id])
	}
	slices.SortFunc(holdings, func(a, b HoldingView) int { return cmp.Compare(a.Abbr, b.Abbr) })
	return total, holdings, nil
}

func (v *Valuator) userCurve(s *snapshot, userID, window string) ([]Point, error) {
	bounds, err := v.boundaries(window, s.now)
	if err != nil {
		return nil, err
	}
	records, err := s.r.TransactionsByUser(s.ctx, userID, s.now)
	if err != nil {
		return nil, fmt.Errorf("records of %s: %w", userID, err)
	}
	return Fold(NewState(v.initialCash), records, bounds, s.ratingAt)
}

func (v *Valuator) instrumentCurve(s *snapshot, inst *model.Instrument, window string) ([]Point, error) {
	bounds, err := v.boundaries(window, s.now)
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, len(bounds))
	for _, b := range bounds {
		r, err := s.ratingAt(inst.ID, b)
		if err != nil {
			return nil, err
		}
		points = append(points, Point{Timestamp: b, Value: r})
	}
	return points, nil
}

// Leaderboard ranks every user by net worth, highest first.
func (v *Valuator) Leaderboard(ctx context.Context) ([]LeaderboardEntry, error) {
	var entries []LeaderboardEntry
	err := v.store.View(ctx, func(r store.Reader) error {
		s, err := v.snapshot(ctx, r)
		if err != nil {
			return err
		}
		users, err := r.ListUsers(ctx)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		entries = make([]LeaderboardEntry, 0, len(users))
		for i := range users {
			worth, _, err := s.netWorth(&users[i])
			if err != nil {
				return err
			}
			entries = append(entries, LeaderboardEntry{
				UserID:   users[i].ID,
				Username: users[i].Username,
				NetWorth: worth,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(entries, func(a, b LeaderboardEntry) int {
		if c := b.NetWorth.Cmp(a.NetWorth); c != 0 {
			return c
		}
		return cmp.Compare(a.Username, b.Username)
	})
	return entries, nil
}

// UserCurve replays a user's records into a net-worth curve for one window.
func (v *Valuator) UserCurve(ctx context.Context, userID, window string) ([]Point, error) {
	var points []Point
	err := v.store.View(ctx, func(r store.Reader) error {
		if _, err := r.GetUser(ctx, userID); err != nil {
			return err
		}
		s, err := v.snapshot(ctx, r)
		if err != nil {
			return err
		}
		points, err = v.userCurve(s, userID, window)
		return err
	})
	return points, err
}

// InstrumentCurve samples an instrument's rating at each window boundary.
func (v *Valuator) InstrumentCurve(ctx context.Context, abbr, window string) ([]Point, error) {
	var points []Point
	err := v.store.View(ctx, func(r store.Reader) error {
		inst, err := r.GetInstrumentByAbbr(ctx, abbr)
		if err != nil {
			return err
		}
		s, err := v.snapshot(ctx, r)
		if err != nil {
			return err
		}
		points, err = v.instrumentCurve(s, inst, window)
		return err
	})
	return points, err
}

// UserSummary returns a user's funds, holdings, total assets and a curve for
// every configured window.
func (v *Valuator) UserSummary(ctx context.Context, userID string) (*Summary, error) {
	var sum *Summary
	err := v.store.View(ctx, func(r store.Reader) error {
		u, err := r.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		s, err := v.snapshot(ctx, r)
		if err != nil {
			return err
		}
		total, holdings, err := s.netWorth(u)
		if err != nil {
			return err
		}

		curves := make(map[string][]Point, len(v.windows))
		for _, w := range v.windows {
			if curves[w.Name], err = v.userCurve(s, userID, w.Name); err != nil {
				return fmt.Errorf("window %s: %w", w.Name, err)
			}
		}

		sum = &Summary{
			UserID:      u.ID,
			Username:    u.Username,
			Funds:       u.AvailableFunds,
			Holdings:    holdings,
			TotalAssets: total,
			Curves:      curves,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// ListInstruments returns every instrument with its curves, sorted by abbr.
func (v *Valuator) ListInstruments(ctx context.Context) ([]InstrumentView, error) {
	var out []InstrumentView
	err := v.store.View(ctx, func(r store.Reader) error {
		s, err := v.snapshot(ctx, r)
		if err != nil {
			return err
		}
		out = make([]InstrumentView, 0, len(s.byID))
		for _, inst := range s.byID {
			view := InstrumentView{Instrument: *inst, Curves: make(map[string][]Point, len(v.windows))}
			for _, w := range v.windows {
				if view.Curves[w.Name], err = v.instrumentCurve(s, inst, w.Name); err != nil {
					// An instrument without history still lists; its curve is empty.
					if errors.Is(err, rating.ErrStaleRatingHistory) {
						v.logger.Warnw("instrument has no rating history", "abbr", inst.Abbr)
						view.Curves[w.Name] = nil
						continue
					}
					return err
				}
			}
			out = append(out, view)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b InstrumentView) int { return cmp.Compare(a.Abbr, b.Abbr) })
	return out, nil
}
