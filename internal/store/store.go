// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every access goes through a transaction: View for read-consistent
// snapshots spanning ratings and the transaction log, Update for atomic
// multi-record writes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fanbase/market-engine/internal/model"
)

var (
	ErrUnknownInstrument = errors.New("store: unknown instrument")
	ErrUnknownUser       = errors.New("store: unknown user")
	ErrUnknownLot        = errors.New("store: unknown lot")
	ErrGameRecorded      = errors.New("store: game already recorded")
	ErrDuplicate         = errors.New("store: record already exists")
)

// Store is the transactional entry point. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(r Reader) error) error

	// Update runs fn in a read-write transaction. If fn returns an error
	// nothing it wrote is kept.
	Update(ctx context.Context, fn func(tx Tx) error) error
}

// Reader holds every query the engine needs.
type Reader interface {
	// --- Instruments and rating history ---

	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	GetInstrumentByAbbr(ctx context.Context, abbr string) (*model.Instrument, error)
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// LastRatingPoint returns the newest point for an instrument, or
	// ok=false when it has no history at all.
	LastRatingPoint(ctx context.Context, instrumentID string) (model.RatingPoint, bool, error)

	// RatingPointAsOf returns the newest point with timestamp <= at.
	RatingPointAsOf(ctx context.Context, instrumentID string, at time.Time) (model.RatingPoint, bool, error)

	// RatingHistory returns points with from <= timestamp <= to in order.
	// A zero from means "since the beginning".
	RatingHistory(ctx context.Context, instrumentID string, from, to time.Time) ([]model.RatingPoint, error)

	// --- Users ---

	GetUser(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	// --- Position lots ---

	// OpenLots returns a user's open lots on one side of one instrument in
	// FIFO order.
	OpenLots(ctx context.Context, userID, instrumentID string, side model.Side) ([]model.Lot, error)

	// OpenLotsByUser returns every open lot a user holds in FIFO order.
	OpenLotsByUser(ctx context.Context, userID string) ([]model.Lot, error)

	// OpenLongLotsOpenedBy returns every open long lot in an instrument
	// opened at or before the given time.
	OpenLongLotsOpenedBy(ctx context.Context, instrumentID string, at time.Time) ([]model.Lot, error)

	// --- Immutable transaction log ---

	// TransactionsByUser returns a user's records with timestamp <= to in
	// chronological order.
	TransactionsByUser(ctx context.Context, userID string, to time.Time) ([]model.TransactionRecord, error)

	// CountTransactions counts records per kind for an instrument with
	// after < timestamp < before.
	CountTransactions(ctx context.Context, instrumentID string, after, before time.Time) (map[model.TxKind]int, error)

	// --- Games ---

	HasGameResult(ctx context.Context, gameID string) (bool, error)
}

// Tx is a read-write transaction.
type Tx interface {
	Reader

	CreateInstrument(ctx context.Context, inst *model.Instrument) error

	// LockInstrument reads an instrument and holds it for the rest of the
	// transaction.
	LockInstrument(ctx context.Context, id string) (*model.Instrument, error)

	UpdateInstrumentRating(ctx context.Context, id string, rating, prev, delta decimal.Decimal) error
	InsertRatingPoint(ctx context.Context, p model.RatingPoint) error

	// IncrementSeriesWins adds one win and returns the new count.
	IncrementSeriesWins(ctx context.Context, instrumentID string) (int, error)

	CreateUser(ctx context.Context, u *model.User) error

	// LockUser reads a user and holds it for the rest of the transaction.
	LockUser(ctx context.Context, id string) (*model.User, error)

	UpdateUserFunds(ctx context.Context, id string, funds decimal.Decimal) error

	// InsertLot stores a new lot and assigns its Seq.
	InsertLot(ctx context.Context, lot *model.Lot) error

	// UpdateLot persists Size, Open, ClosedAt and ClosePrice.
	UpdateLot(ctx context.Context, lot *model.Lot) error

	InsertTransaction(ctx context.Context, rec *model.TransactionRecord) error

	// InsertGameResult returns ErrGameRecorded when the game id exists.
	InsertGameResult(ctx context.Context, g *model.GameResult) error
}
