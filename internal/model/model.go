// Package model defines the core domain types shared across the market engine.
// All monetary values and ratings use shopspring/decimal. Share counts are
// whole shares.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument is one tradable team. Rating fields are only written through
// the rating package so that every change also lands in the rating history.
type Instrument struct {
	ID             string          `json:"id" db:"id"`
	Abbr           string          `json:"abbr" db:"abbr"`
	Name           string          `json:"name" db:"name"`
	Rating         decimal.Decimal `json:"rating" db:"rating"`
	PrevRating     decimal.Decimal `json:"prev_rating" db:"prev_rating"`
	LastDelta      decimal.Decimal `json:"last_delta" db:"last_delta"`
	SeedRating     decimal.Decimal `json:"seed_rating" db:"seed_rating"`
	SeriesWinCount int             `json:"series_win_count" db:"series_win_count"`
}

// RatingPoint is one immutable entry of an instrument's price history.
type RatingPoint struct {
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
	Rating       decimal.Decimal `json:"rating" db:"rating"`
}

// Side distinguishes long lots from short lots.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Lot is a block of shares opened at one price. Lots are consumed oldest
// first; Seq breaks ties between lots opened at the same instant.
type Lot struct {
	ID           string           `json:"id" db:"id"`
	Seq          int64            `json:"seq" db:"seq"`
	UserID       string           `json:"user_id" db:"user_id"`
	InstrumentID string           `json:"instrument_id" db:"instrument_id"`
	Side         Side             `json:"side" db:"side"`
	OpenedAt     time.Time        `json:"opened_at" db:"opened_at"`
	OpenPrice    decimal.Decimal  `json:"open_price" db:"open_price"`
	Size         int64            `json:"size" db:"size"`
	Open         bool             `json:"open" db:"open"`
	ClosedAt     *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
	ClosePrice   *decimal.Decimal `json:"close_price,omitempty" db:"close_price"`
}

// Before reports whether l must be consumed before other under FIFO.
func (l Lot) Before(other Lot) bool {
	if !l.OpenedAt.Equal(other.OpenedAt) {
		return l.OpenedAt.Before(other.OpenedAt)
	}
	return l.Seq < other.Seq
}

// TxKind is the kind of an immutable transaction record.
type TxKind string

const (
	Purchase TxKind = "PURCHASE"
	Sale     TxKind = "SALE"
	ShortTx  TxKind = "SHORT"
	Unshort  TxKind = "UNSHORT"
)

// Valid reports whether k is one of the four trading kinds.
func (k TxKind) Valid() bool {
	switch k {
	case Purchase, Sale, ShortTx, Unshort:
		return true
	}
	return false
}

// TransactionRecord is an immutable record of a trade execution.
// Once created, these are never modified or deleted.
type TransactionRecord struct {
	ID             string          `json:"id" db:"id"`
	Kind           TxKind          `json:"kind" db:"kind"`
	UserID         string          `json:"user_id" db:"user_id"`
	InstrumentID   string          `json:"instrument_id" db:"instrument_id"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
	Size           int64           `json:"size" db:"size"`
	ExecutionPrice decimal.Decimal `json:"execution_price" db:"execution_price"`
}

// User is a trader with a cash balance.
type User struct {
	ID             string          `json:"id" db:"id"`
	Username       string          `json:"username" db:"username"`
	AvailableFunds decimal.Decimal `json:"available_funds" db:"available_funds"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// GameSnapshot is one game as reported by the live feed.
type GameSnapshot struct {
	GameID    string    `json:"game_id"`
	IsLive    bool      `json:"is_live"`
	Arena     string    `json:"arena"`
	HomeAbbr  string    `json:"home_abbr"`
	AwayAbbr  string    `json:"away_abbr"`
	HomeScore float64   `json:"home_score"`
	AwayScore float64   `json:"away_score"`
	Period    int       `json:"period"`
	Clock     string    `json:"clock"`
	StartTime time.Time `json:"start_time"`
}

// Started reports whether either side has scored.
func (g GameSnapshot) Started() bool {
	return g.HomeScore != 0 || g.AwayScore != 0
}

// Margin is the home score minus the away score.
func (g GameSnapshot) Margin() float64 {
	return g.HomeScore - g.AwayScore
}

// GameResult is the permanent record of a completed game. Its existence is
// what makes completion processing run once per game.
type GameResult struct {
	GameID           string    `json:"game_id" db:"game_id"`
	HomeInstrumentID string    `json:"home_instrument_id" db:"home_instrument_id"`
	AwayInstrumentID string    `json:"away_instrument_id" db:"away_instrument_id"`
	HomeScore        float64   `json:"home_score" db:"home_score"`
	AwayScore        float64   `json:"away_score" db:"away_score"`
	StartTime        time.Time `json:"start_time" db:"start_time"`
	RecordedAt       time.Time `json:"recorded_at" db:"recorded_at"`
}

// PricePoint is the broadcast shape of a rating change.
type PricePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Rating    decimal.Decimal `json:"rating"`
}

// PriceUpdate maps an instrument abbreviation to its latest price point.
type PriceUpdate map[string]PricePoint
