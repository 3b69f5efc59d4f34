// Package rating is the single write path for instrument ratings. Trades and
// the pricing tick both go through Updater so every change lands in the
// rating history with a non-decreasing timestamp.
package rating

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fanbase/market-engine/internal/model"
	"github.com/fanbase/market-engine/internal/store"
)

// Scale is the number of decimal places ratings are rounded to.
const Scale = 8

// ErrStaleRatingHistory means an instrument has no rating history to price
// from.
var ErrStaleRatingHistory = errors.New("rating: instrument has no rating history")

// Updater applies rating changes inside a store transaction.
type Updater struct {
	floor decimal.Decimal
}

// NewUpdater returns an Updater that never writes a rating below floor.
// A non-positive floor is replaced by the smallest representable rating.
func NewUpdater(floor decimal.Decimal) *Updater {
	if !floor.IsPositive() {
		floor = decimal.New(1, -Scale)
	}
	return &Updater{floor: floor}
}

// Floor returns the minimum rating the updater writes.
func (u *Updater) Floor() decimal.Decimal {
	return u.floor
}

// Set writes an absolute rating for an instrument at the given time. The
// instrument row is locked for the rest of tx. If at is earlier than the
// newest history point the newest timestamp is used instead.
func (u *Updater) Set(ctx context.Context, tx store.Tx, instrumentID string, r decimal.Decimal, at time.Time) (model.RatingPoint, error) {
	inst, err := tx.LockInstrument(ctx, instrumentID)
	if err != nil {
		return model.RatingPoint{}, err
	}
	return u.write(ctx, tx, inst, r, at)
}

// Adjust adds delta to the instrument's current rating.
func (u *Updater) Adjust(ctx context.Context, tx store.Tx, instrumentID string, delta decimal.Decimal, at time.Time) (model.RatingPoint, error) {
	inst, err := tx.LockInstrument(ctx, instrumentID)
	if err != nil {
		return model.RatingPoint{}, err
	}
	return u.write(ctx, tx, inst, inst.Rating.Add(delta), at)
}

func (u *Updater) write(ctx context.Context, tx store.Tx, inst *model.Instrument, r decimal.Decimal, at time.Time) (model.RatingPoint, error) {
	r = r.Round(Scale)
	if r.LessThan(u.floor) {
		r = u.floor
	}

	last, ok, err := tx.LastRatingPoint(ctx, inst.ID)
	if err != nil {
		return model.RatingPoint{}, fmt.Errorf("last rating of %s: %w", inst.Abbr, err)
	}
	if ok && at.Before(last.Timestamp) {
		at = last.Timestamp
	}

	if err := tx.UpdateInstrumentRating(ctx, inst.ID, r, inst.Rating, r.Sub(inst.Rating)); err != nil {
		return model.RatingPoint{}, fmt.Errorf("update rating of %s: %w", inst.Abbr, err)
	}

	p := model.RatingPoint{InstrumentID: inst.ID, Timestamp: at, Rating: r}
	if err := tx.InsertRatingPoint(ctx, p); err != nil {
		return model.RatingPoint{}, fmt.Errorf("insert rating point of %s: %w", inst.Abbr, err)
	}
	return p, nil
}

// AsOf returns the instrument's rating at time at: the newest history point
// at or before at, or the seed rating when every point is later.
func AsOf(ctx context.Context, r store.Reader, inst *model.Instrument, at time.Time) (decimal.Decimal, error) {
	p, ok, err := r.RatingPointAsOf(ctx, inst.ID, at)
	if err != nil {
		return decimal.Zero, err
	}
	if ok {
		return p.Rating, nil
	}

	_, hasHistory, err := r.LastRatingPoint(ctx, inst.ID)
	if err != nil {
		return decimal.Zero, err
	}
	if !hasHistory || !inst.SeedRating.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: %w", inst.Abbr, ErrStaleRatingHistory)
	}
	return inst.SeedRating, nil
}

// Sample is AsOf over an already loaded history, which must be in timestamp
// order. Curves use it to avoid one query per boundary.
func Sample(inst *model.Instrument, points []model.RatingPoint, at time.Time) (decimal.Decimal, error) {
	i := sort.Search(len(points), func(i int) bool { return points[i].Timestamp.After(at) })
	if i > 0 {
		return points[i-1].Rating, nil
	}
	if len(points) == 0 || !inst.SeedRating.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: %w", inst.Abbr, ErrStaleRatingHistory)
	}
	return inst.SeedRating, nil
}

// Seed creates an instrument at its seed rating and writes the first history
// point.
func Seed(ctx context.Context, tx store.Tx, inst *model.Instrument, at time.Time) error {
	if !inst.SeedRating.IsPositive() {
		return fmt.Errorf("seed %s: rating must be positive", inst.Abbr)
	}
	inst.SeedRating = inst.SeedRating.Round(Scale)
	inst.Rating = inst.SeedRating
	inst.PrevRating = inst.SeedRating
	inst.LastDelta = decimal.Zero

	if err := tx.CreateInstrument(ctx, inst); err != nil {
		return fmt.Errorf("create %s: %w", inst.Abbr, err)
	}
	return tx.InsertRatingPoint(ctx, model.RatingPoint{
		InstrumentID: inst.ID,
		Timestamp:    at,
		Rating:       inst.SeedRating,
	})
}
