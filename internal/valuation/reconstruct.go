// Package valuation replays the immutable transaction log into point-in-time
// net-worth curves, and serves leaderboards and user summaries.
package valuation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fanbase/market-engine/internal/model"
)

// State is a user's replayed position at one instant. Holdings are net
// shares per instrument id: longs positive, shorts negative.
//
// Next is the index of the first record Reconstruct has not consumed, so a
// State must only be carried forward over the same record slice.
type State struct {
	At       time.Time
	Funds    decimal.Decimal
	Holdings map[string]int64
	Next     int
}

// NewState returns an empty position holding funds.
func NewState(funds decimal.Decimal) State {
	return State{Funds: funds, Holdings: make(map[string]int64)}
}

func (s State) clone() State {
	h := make(map[string]int64, len(s.Holdings))
	for k, v := range s.Holdings {
		h[k] = v
	}
	return State{At: s.At, Funds: s.Funds, Holdings: h, Next: s.Next}
}

// RatingFunc returns an instrument's rating as of a time.
type RatingFunc func(instrumentID string, at time.Time) (decimal.Decimal, error)

// Point is one sample of a curve.
type Point struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

// Reconstruct applies every record with state.At < timestamp <= end, in
// order, and values the result at end. records must be in chronological
// order. Scanning resumes at state.Next. The input state is not modified.
func Reconstruct(state State, records []model.TransactionRecord, end time.Time, ratingAt RatingFunc) (State, decimal.Decimal, error) {
	next := state.clone()
	for ; next.Next < len(records); next.Next++ {
		rec := records[next.Next]
		if rec.Timestamp.After(end) {
			break
		}
		if !rec.Timestamp.After(state.At) {
			continue
		}
		amount := rec.ExecutionPrice.Mul(decimal.NewFromInt(rec.Size))
		switch rec.Kind {
		case model.Purchase, model.Unshort:
			next.Funds = next.Funds.Sub(amount)
			next.Holdings[rec.InstrumentID] += rec.Size
		case model.Sale, model.ShortTx:
			next.Funds = next.Funds.Add(amount)
			next.Holdings[rec.InstrumentID] -= rec.Size
		default:
			return State{}, decimal.Zero, fmt.Errorf("record %s: unknown kind %q", rec.ID, rec.Kind)
		}
	}
	next.At = end

	assets := next.Funds
	for id, shares := range next.Holdings {
		if shares == 0 {
			continue
		}
		r, err := ratingAt(id, end)
		if err != nil {
			return State{}, decimal.Zero, err
		}
		assets = assets.Add(r.Mul(decimal.NewFromInt(shares)))
	}
	return next, assets, nil
}

// Fold runs Reconstruct across ascending boundaries, carrying funds, holdings
// and the record cursor from one to the next, and returns one point per
// boundary. The log is scanned once in total.
func Fold(state State, records []model.TransactionRecord, boundaries []time.Time, ratingAt RatingFunc) ([]Point, error) {
	points := make([]Point, 0, len(boundaries))
	for _, b := range boundaries {
		var (
			assets decimal.Decimal
			err    error
		)
		state, assets, err = Reconstruct(state, records, b, ratingAt)
		if err != nil {
			return nil, err
		}
		points = append(points, Point{Timestamp: b, Value: assets})
	}
	return points, nil
}

// Boundaries returns the sample times for a window ending at now: every step
// from start, with now itself always last.
func Boundaries(start, now time.Time, step time.Duration) []time.Time {
	if start.After(now) {
		start = now
	}
	var out []time.Time
	for t := start; t.Before(now); t = t.Add(step) {
		out = append(out, t)
	}
	return append(out, now)
}
