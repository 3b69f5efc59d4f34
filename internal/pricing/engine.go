// Package pricing runs the periodic repricing tick: live games move the two
// participants' ratings, completed games are recorded once and may pay a
// series dividend to long holders of the winner.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fanbase/market-engine/internal/config"
	"github.com/fanbase/market-engine/internal/feed"
	"github.com/fanbase/market-engine/internal/logger"
	"github.com/fanbase/market-engine/internal/metrics"
	"github.com/fanbase/market-engine/internal/model"
	"github.com/fanbase/market-engine/internal/models"
	"github.com/fanbase/market-engine/internal/rating"
	"github.com/fanbase/market-engine/internal/store"
)

// ErrTickInProgress is returned when RunTick is called while another tick is
// still running.
var ErrTickInProgress = errors.New("pricing: tick already in progress")

// WinProbabilityModel returns the live home win probability in percent.
type WinProbabilityModel interface {
	Evaluate(elapsed, margin, pregamePct float64, period int) float64
}

// MarginMultiplierModel scales a rating change by the projected margin.
type MarginMultiplierModel interface {
	Evaluate(home, away, projectedMOV float64) float64
}

// Broadcaster pushes price changes to connected clients.
type Broadcaster interface {
	BroadcastPrices(update model.PriceUpdate)
}

type Engine struct {
	store   store.Store
	feed    feed.Feed
	winProb WinProbabilityModel
	margin  MarginMultiplierModel
	ratings *rating.Updater
	hub     Broadcaster
	cfg     config.PricingConfig
	now     func() time.Time

	// tickMu makes RunTick single-flight.
	tickMu sync.Mutex

	logger logger.Logger
}

type Option func(*Engine)

func WithModels(wp WinProbabilityModel, mm MarginMultiplierModel) Option {
	return func(e *Engine) {
		e.winProb = wp
		e.margin = mm
	}
}

func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.hub = b }
}

func WithUpdater(u *rating.Updater) Option {
	return func(e *Engine) { e.ratings = u }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(s store.Store, f feed.Feed, cfg config.PricingConfig, logger logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		feed:    f,
		winProb: models.NormalWinProbability{},
		margin:  models.EloMarginMultiplier{},
		ratings: rating.NewUpdater(decimal.NewFromFloat(cfg.MinRating)),
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run calls RunTick on every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.Infow("pricing loop started", "interval", e.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Infow("pricing loop stopped")
			return
		case <-ticker.C:
			if _, err := e.RunTick(ctx); err != nil {
				if errors.Is(err, ErrTickInProgress) {
					e.logger.Debugw("tick skipped", "reason", err)
					continue
				}
				e.logger.Errorw("tick failed", "error", err)
			}
		}
	}
}

// pendingRating is a computed but not yet written rating.
type pendingRating struct {
	gameID       string
	instrumentID string
	abbr         string
	rating       decimal.Decimal
}

// RunTick performs one repricing pass over the feed's games and returns the
// ratings it wrote, keyed by abbreviation.
//
// Every game is resolved and priced before anything is written, so an
// unknown team or missing rating history aborts the tick with no rating
// change. Game results, series wins and ratings are then written in one
// transaction, so a failed write leaves the game to be recorded next tick.
func (e *Engine) RunTick(ctx context.Context) (model.PriceUpdate, error) {
	if !e.tickMu.TryLock() {
		metrics.TicksTotal.WithLabelValues("skipped").Inc()
		return nil, ErrTickInProgress
	}
	defer e.tickMu.Unlock()

	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	update, err := e.runTick(ctx)
	if err != nil {
		metrics.TicksTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.TicksTotal.WithLabelValues("ok").Inc()
	return update, nil
}

func (e *Engine) runTick(ctx context.Context) (model.PriceUpdate, error) {
	now := e.now()

	games, err := e.feed.Games(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch games: %w", err)
	}

	var pending []pendingRating
	var completed []model.GameSnapshot
	err = e.store.View(ctx, func(r store.Reader) error {
		for _, g := range games {
			if !g.Started() {
				continue
			}

			home, away, err := resolve(ctx, r, g)
			if err != nil {
				return err
			}

			if !g.IsLive {
				recorded, err := r.HasGameResult(ctx, g.GameID)
				if err != nil {
					return fmt.Errorf("game %s: %w", g.GameID, err)
				}
				if recorded {
					continue
				}
				completed = append(completed, g)
			}

			newHome, newAway, err := e.reprice(ctx, r, g, home, away, now)
			if err != nil {
				return fmt.Errorf("game %s: %w", g.GameID, err)
			}
			pending = append(pending,
				pendingRating{gameID: g.GameID, instrumentID: home.ID, abbr: home.Abbr, rating: newHome},
				pendingRating{gameID: g.GameID, instrumentID: away.ID, abbr: away.Abbr, rating: newAway},
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		return model.PriceUpdate{}, nil
	}

	// Game results, series wins and ratings commit together. Dividends are
	// paid only after that commit.
	var clinches []clinch
	update := make(model.PriceUpdate, len(pending))
	err = e.store.Update(ctx, func(tx store.Tx) error {
		clinches = clinches[:0]
		skip := make(map[string]bool)
		for _, g := range completed {
			c, err := e.recordResult(ctx, tx, g, now)
			if errors.Is(err, store.ErrGameRecorded) {
				skip[g.GameID] = true
				continue
			}
			if err != nil {
				return fmt.Errorf("record game %s: %w", g.GameID, err)
			}
			clinches = append(clinches, c)
		}

		for _, p := range pending {
			if skip[p.gameID] {
				continue
			}
			pt, err := e.ratings.Set(ctx, tx, p.instrumentID, p.rating, now)
			if err != nil {
				return fmt.Errorf("write ratings: %w", err)
			}
			update[p.abbr] = model.PricePoint{Timestamp: pt.Timestamp, Rating: pt.Rating}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range clinches {
		metrics.GamesRecorded.Inc()
		e.logger.Infow("game recorded", "game", c.gameID, "winner", c.winner.Abbr, "series_wins", c.wins)
		if c.dividend.IsPositive() {
			e.payDividends(ctx, c.winner, c.dividend, SeriesBoundary(e.cfg.SeriesStarts, now))
		}
	}

	metrics.RatingUpdates.WithLabelValues("tick").Add(float64(len(update)))

	if e.hub != nil && len(update) > 0 {
		e.hub.BroadcastPrices(update)
	}
	e.logger.Debugw("tick complete", "games", len(games), "updates", len(update))
	return update, nil
}

func resolve(ctx context.Context, r store.Reader, g model.GameSnapshot) (home, away *model.Instrument, err error) {
	home, err = r.GetInstrumentByAbbr(ctx, g.HomeAbbr)
	if err != nil {
		return nil, nil, fmt.Errorf("game %s: %w", g.GameID, err)
	}
	away, err = r.GetInstrumentByAbbr(ctx, g.AwayAbbr)
	if err != nil {
		return nil, nil, fmt.Errorf("game %s: %w", g.GameID, err)
	}
	return home, away, nil
}

// PregameHomeProb is the Elo expectation for the home side with a home-court
// advantage of h rating points.
func PregameHomeProb(home, away, h float64) float64 {
	return 1 / (1 + math.Pow(10, -(home-away+h)/400))
}

// reprice computes both participants' new ratings from their ratings at tip
// off, the live win probability and the trading pressure since tip off.
func (e *Engine) reprice(ctx context.Context, r store.Reader, g model.GameSnapshot, home, away *model.Instrument, now time.Time) (decimal.Decimal, decimal.Decimal, error) {
	homeStart, err := rating.AsOf(ctx, r, home, g.StartTime)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	awayStart, err := rating.AsOf(ctx, r, away, g.StartTime)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	elapsed, err := ElapsedMinutes(g.Period, g.Clock)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %v", feed.ErrFeedUnavailable, err)
	}

	h, a := homeStart.InexactFloat64(), awayStart.InexactFloat64()
	margin := g.Margin()

	pHome := PregameHomeProb(h, a, e.cfg.HomeAdvantage)
	live := e.winProb.Evaluate(elapsed, margin, pHome*100, g.Period)

	var projectedMOV float64
	if margin > 0 {
		projectedMOV = margin * live / 100
	} else {
		projectedMOV = -margin * (1 - live/100)
	}

	mult := e.margin.Evaluate(h, a, projectedMOV)
	delta := e.cfg.K * mult * (live - pHome*100) / 100

	homePressure, err := e.pressure(ctx, r, home.ID, g.StartTime, now)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	awayPressure, err := e.pressure(ctx, r, away.ID, g.StartTime, now)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	newHome := (h + delta) * homePressure
	newAway := (a - delta) * awayPressure

	if math.IsNaN(newHome) || math.IsInf(newHome, 0) || math.IsNaN(newAway) || math.IsInf(newAway, 0) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("non-finite rating for %s/%s", home.Abbr, away.Abbr)
	}

	return decimal.NewFromFloat(newHome).Round(rating.Scale),
		decimal.NewFromFloat(newAway).Round(rating.Scale), nil
}

// pressure is the multiplicative trading-volume factor: buys and covers push
// the rating up, sales and shorts push it down, one step per trade.
func (e *Engine) pressure(ctx context.Context, r store.Reader, instrumentID string, from, to time.Time) (float64, error) {
	counts, err := r.CountTransactions(ctx, instrumentID, from, to)
	if err != nil {
		return 0, fmt.Errorf("count transactions of %s: %w", instrumentID, err)
	}
	net := counts[model.Purchase] - counts[model.Sale] + counts[model.Unshort] - counts[model.ShortTx]
	return math.Pow(e.cfg.PressureFactor, float64(net)), nil
}

// clinch is a recorded game and the dividend its winner pays, if any.
type clinch struct {
	gameID   string
	winner   *model.Instrument
	wins     int
	dividend decimal.Decimal
}

// recordResult stores the result and credits the winner with a series win.
// It returns store.ErrGameRecorded when the game already has a result.
//
// The dividend is computed from the winner's rating as read here, before this
// tick's final repricing is written in the same transaction.
func (e *Engine) recordResult(ctx context.Context, tx store.Tx, g model.GameSnapshot, now time.Time) (clinch, error) {
	home, away, err := resolve(ctx, tx, g)
	if err != nil {
		return clinch{}, err
	}

	if err := tx.InsertGameResult(ctx, &model.GameResult{
		GameID:           g.GameID,
		HomeInstrumentID: home.ID,
		AwayInstrumentID: away.ID,
		HomeScore:        g.HomeScore,
		AwayScore:        g.AwayScore,
		StartTime:        g.StartTime,
		RecordedAt:       now,
	}); err != nil {
		return clinch{}, err
	}

	winner := away
	if g.HomeScore > g.AwayScore {
		winner = home
	}
	wins, err := tx.IncrementSeriesWins(ctx, winner.ID)
	if err != nil {
		return clinch{}, err
	}
	return clinch{gameID: g.GameID, winner: winner, wins: wins, dividend: Dividend(winner.Rating, wins)}, nil
}

// payDividends credits every qualifying long lot in its own transaction so
// one failing holder does not block the rest.
func (e *Engine) payDividends(ctx context.Context, winner *model.Instrument, dividend decimal.Decimal, boundary time.Time) {
	var lots []model.Lot
	err := e.store.View(ctx, func(r store.Reader) error {
		var err error
		lots, err = r.OpenLongLotsOpenedBy(ctx, winner.ID, boundary)
		return err
	})
	if err != nil {
		e.logger.Errorw("list dividend holders failed", "instrument", winner.Abbr, "error", err)
		return
	}

	for _, lot := range lots {
		credit := dividend
		if e.cfg.ScaleDividendByShares {
			credit = dividend.Mul(decimal.NewFromInt(lot.Size))
		}

		err := e.store.Update(ctx, func(tx store.Tx) error {
			u, err := tx.LockUser(ctx, lot.UserID)
			if err != nil {
				return err
			}
			return tx.UpdateUserFunds(ctx, u.ID, u.AvailableFunds.Add(credit))
		})
		if err != nil {
			metrics.DividendFailures.Inc()
			e.logger.Errorw("dividend credit failed", "user", lot.UserID, "lot", lot.ID, "error", err)
			continue
		}
		metrics.DividendsPaid.Inc()
	}
	e.logger.Infow("dividends paid", "instrument", winner.Abbr, "per_lot", dividend, "lots", len(lots))
}
