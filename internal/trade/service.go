// Package trade executes buys, sells, shorts and covers against per-user
// lots, and exposes them over HTTP.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fanbase/market-engine/internal/config"
	"github.com/fanbase/market-engine/internal/lockset"
	"github.com/fanbase/market-engine/internal/logger"
	"github.com/fanbase/market-engine/internal/metrics"
	"github.com/fanbase/market-engine/internal/model"
	"github.com/fanbase/market-engine/internal/rating"
	"github.com/fanbase/market-engine/internal/store"
)

var (
	ErrInsufficientFunds  = errors.New("trade: insufficient funds")
	ErrInsufficientShares = errors.New("trade: insufficient shares")
	ErrInvalidSize        = errors.New("trade: size must be a positive number of shares")
	ErrInvalidUsername    = errors.New("trade: username is required")
)

// Service executes trades. Each trade is one store transaction, serialized
// per instrument and per user by keyed locks.
type Service struct {
	store       store.Store
	ratings     *rating.Updater
	locks       lockset.Set
	spreads     config.TradingConfig
	initialCash decimal.Decimal
	wsHub       *WSHub // optional WebSocket hub for real-time broadcasts
	now         func() time.Time

	logger logger.Logger
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, ratings *rating.Updater, spreads config.TradingConfig, initialCash decimal.Decimal, hub *WSHub, logger logger.Logger) *Service {
	return &Service{
		store:       st,
		ratings:     ratings,
		spreads:     spreads,
		initialCash: initialCash,
		wsHub:       hub,
		now:         time.Now,
		logger:      logger,
	}
}

// SetClock replaces the time source. Used in tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Fill is the result of one executed trade.
type Fill struct {
	TransactionID  string          `json:"transaction_id"`
	Kind           model.TxKind    `json:"kind"`
	UserID         string          `json:"user_id"`
	Abbr           string          `json:"abbr"`
	Size           int64           `json:"size"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	CashDelta      decimal.Decimal `json:"cash_delta"`
	NewRating      decimal.Decimal `json:"new_rating"`
	RemainingFunds decimal.Decimal `json:"remaining_funds"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Buy opens a long lot at rating × (1 + buy spread).
func (s *Service) Buy(ctx context.Context, userID, abbr string, size int64) (*Fill, error) {
	return s.execute(ctx, model.Purchase, userID, abbr, size)
}

// Sell closes long lots oldest first at rating × (1 − sell spread).
func (s *Service) Sell(ctx context.Context, userID, abbr string, size int64) (*Fill, error) {
	return s.execute(ctx, model.Sale, userID, abbr, size)
}

// Short opens a short lot and credits the proceeds at entry.
func (s *Service) Short(ctx context.Context, userID, abbr string, size int64) (*Fill, error) {
	return s.execute(ctx, model.ShortTx, userID, abbr, size)
}

// Unshort closes short lots oldest first and debits the cover cost.
func (s *Service) Unshort(ctx context.Context, userID, abbr string, size int64) (*Fill, error) {
	return s.execute(ctx, model.Unshort, userID, abbr, size)
}

// Execute dispatches on kind.
func (s *Service) Execute(ctx context.Context, kind model.TxKind, userID, abbr string, size int64) (*Fill, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown trade kind %q", kind)
	}
	return s.execute(ctx, kind, userID, abbr, size)
}

// terms describe how a trade kind moves cash, lots and the rating.
type terms struct {
	spread decimal.Decimal
	// buying kinds pay rating × (1 + spread) and push the rating up.
	buying bool
	// opens is the side a new lot is opened on; closes the side consumed.
	opens, closes model.Side
}

func (s *Service) termsFor(kind model.TxKind) terms {
	switch kind {
	case model.Purchase:
		return terms{spread: decimal.NewFromFloat(s.spreads.BuySpread), buying: true, opens: model.Long}
	case model.Sale:
		return terms{spread: decimal.NewFromFloat(s.spreads.SellSpread), closes: model.Long}
	case model.ShortTx:
		return terms{spread: decimal.NewFromFloat(s.spreads.ShortSpread), opens: model.Short}
	default:
		return terms{spread: decimal.NewFromFloat(s.spreads.UnshortSpread), buying: true, closes: model.Short}
	}
}

func (s *Service) execute(ctx context.Context, kind model.TxKind, userID, abbr string, size int64) (*Fill, error) {
	start := time.Now()
	fill, err := s.executeLocked(ctx, kind, userID, abbr, size)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(string(kind), rejectionReason(err)).Inc()
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(kind)).Inc()
	metrics.TradeVolume.WithLabelValues(abbr, string(kind)).Add(float64(size))
	metrics.TradeLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	metrics.RatingUpdates.WithLabelValues("trade").Inc()

	s.logger.Infow("trade executed",
		"transaction_id", fill.TransactionID,
		"kind", kind,
		"user", userID,
		"abbr", abbr,
		"size", size,
		"execution_price", fill.ExecutionPrice.String(),
		"new_rating", fill.NewRating.String(),
	)

	// Broadcast after commit; a failed push never undoes the trade.
	if s.wsHub != nil {
		s.wsHub.BroadcastTrade(*fill)
	}
	return fill, nil
}

func (s *Service) executeLocked(ctx context.Context, kind model.TxKind, userID, abbr string, size int64) (*Fill, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	var instrumentID string
	err := s.store.View(ctx, func(r store.Reader) error {
		inst, err := r.GetInstrumentByAbbr(ctx, abbr)
		if err != nil {
			return err
		}
		instrumentID = inst.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock("instrument:"+instrumentID, "user:"+userID)
	defer unlock()

	t := s.termsFor(kind)
	shares := decimal.NewFromInt(size)
	now := s.now().UTC()

	fill := &Fill{
		TransactionID: uuid.New().String(),
		Kind:          kind,
		UserID:        userID,
		Abbr:          abbr,
		Size:          size,
		Timestamp:     now,
	}

	err = s.store.Update(ctx, func(tx store.Tx) error {
		inst, err := tx.LockInstrument(ctx, instrumentID)
		if err != nil {
			return err
		}
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}

		price := inst.Rating
		nudge := price.Mul(t.spread)

		var exec, cashDelta decimal.Decimal
		if t.buying {
			exec = price.Mul(decimal.NewFromInt(1).Add(t.spread))
			cashDelta = exec.Mul(shares).Neg()
		} else {
			exec = price.Mul(decimal.NewFromInt(1).Sub(t.spread))
			cashDelta = exec.Mul(shares)
			nudge = nudge.Neg()
		}

		// Validate everything before the first write.
		funds := user.AvailableFunds.Add(cashDelta)
		if funds.IsNegative() {
			return ErrInsufficientFunds
		}
		var lots []model.Lot
		if t.closes != "" {
			lots, err = tx.OpenLots(ctx, userID, instrumentID, t.closes)
			if err != nil {
				return err
			}
			if OpenSize(lots) < size {
				return ErrInsufficientShares
			}
		}

		if t.opens != "" {
			if err := tx.InsertLot(ctx, &model.Lot{
				ID:           uuid.New().String(),
				UserID:       userID,
				InstrumentID: instrumentID,
				Side:         t.opens,
				OpenedAt:     now,
				OpenPrice:    exec,
				Size:         size,
				Open:         true,
			}); err != nil {
				return fmt.Errorf("open lot: %w", err)
			}
		}
		if t.closes != "" {
			for _, lot := range ConsumeFIFO(lots, size, now, exec) {
				if err := tx.UpdateLot(ctx, &lot); err != nil {
					return fmt.Errorf("close lot: %w", err)
				}
			}
		}

		if err := tx.UpdateUserFunds(ctx, userID, funds); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &model.TransactionRecord{
			ID:             fill.TransactionID,
			Kind:           kind,
			UserID:         userID,
			InstrumentID:   instrumentID,
			Timestamp:      now,
			Size:           size,
			ExecutionPrice: exec,
		}); err != nil {
			return fmt.Errorf("record transaction: %w", err)
		}

		pt, err := s.ratings.Adjust(ctx, tx, instrumentID, nudge, now)
		if err != nil {
			return err
		}

		fill.ExecutionPrice = exec
		fill.CashDelta = cashDelta
		fill.NewRating = pt.Rating
		fill.RemainingFunds = funds
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fill, nil
}

// OpenSize sums the sizes of open lots.
func OpenSize(lots []model.Lot) int64 {
	var n int64
	for _, l := range lots {
		if l.Open {
			n += l.Size
		}
	}
	return n
}

// ConsumeFIFO takes size shares from lots, which must already be in FIFO
// order, and returns the lots it changed. A fully consumed lot is closed at
// the given time and price; the last one touched may only be reduced.
func ConsumeFIFO(lots []model.Lot, size int64, at time.Time, price decimal.Decimal) []model.Lot {
	var changed []model.Lot
	remaining := size
	for _, lot := range lots {
		if remaining == 0 {
			break
		}
		if !lot.Open || lot.Size == 0 {
			continue
		}

		take := min(lot.Size, remaining)
		lot.Size -= take
		remaining -= take

		if lot.Size == 0 {
			closedAt := at
			closePrice := price
			lot.Open = false
			lot.ClosedAt = &closedAt
			lot.ClosePrice = &closePrice
		}
		changed = append(changed, lot)
	}
	return changed
}

// RegisterUser creates a user with the initial cash grant.
func (s *Service) RegisterUser(ctx context.Context, username string) (*model.User, error) {
	if username == "" {
		return nil, ErrInvalidUsername
	}

	u := &model.User{
		ID:             uuid.New().String(),
		Username:       username,
		AvailableFunds: s.initialCash,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.CreateUser(ctx, u)
	}); err != nil {
		return nil, err
	}

	s.logger.Infow("user registered", "id", u.ID, "username", username)
	return u, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrInvalidSize):
		return "invalid_size"
	case errors.Is(err, store.ErrUnknownInstrument):
		return "unknown_instrument"
	case errors.Is(err, store.ErrUnknownUser):
		return "unknown_user"
	default:
		return "error"
	}
}
