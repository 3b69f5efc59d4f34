package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fanbase/market-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Views run as REPEATABLE READ, READ ONLY so a valuation sees one snapshot
// across ratings and the transaction log. Updates run as READ COMMITTED and
// take row locks with SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) View(ctx context.Context, fn func(r Reader) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin view: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgReader{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{pgReader: pgReader{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// querier is the subset of pgx.Tx used by the reader and writer.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgReader struct {
	q querier
}

const instrumentColumns = `id, abbr, name, rating::TEXT, prev_rating::TEXT, last_delta::TEXT,
	seed_rating::TEXT, series_win_count`

func scanInstrument(row pgx.Row) (*model.Instrument, error) {
	var inst model.Instrument
	var rating, prev, delta, seed string
	if err := row.Scan(&inst.ID, &inst.Abbr, &inst.Name, &rating, &prev, &delta, &seed, &inst.SeriesWinCount); err != nil {
		return nil, err
	}
	inst.Rating, _ = decimal.NewFromString(rating)
	inst.PrevRating, _ = decimal.NewFromString(prev)
	inst.LastDelta, _ = decimal.NewFromString(delta)
	inst.SeedRating, _ = decimal.NewFromString(seed)
	return &inst, nil
}

func (r *pgReader) getInstrument(ctx context.Context, where, key string) (*model.Instrument, error) {
	inst, err := scanInstrument(r.q.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE `+where, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("instrument %s: %w", key, ErrUnknownInstrument)
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", key, err)
	}
	return inst, nil
}

func (r *pgReader) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	return r.getInstrument(ctx, "id = $1", id)
}

func (r *pgReader) GetInstrumentByAbbr(ctx context.Context, abbr string) (*model.Instrument, error) {
	return r.getInstrument(ctx, "abbr = $1", abbr)
}

func (r *pgReader) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := r.q.Query(ctx, `SELECT `+instrumentColumns+` FROM instruments ORDER BY abbr`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func (r *pgReader) ratingPoint(ctx context.Context, sql string, args ...any) (model.RatingPoint, bool, error) {
	var p model.RatingPoint
	var rating string
	err := r.q.QueryRow(ctx, sql, args...).Scan(&p.InstrumentID, &p.Timestamp, &rating)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RatingPoint{}, false, nil
	}
	if err != nil {
		return model.RatingPoint{}, false, err
	}
	p.Rating, _ = decimal.NewFromString(rating)
	return p, true, nil
}

func (r *pgReader) LastRatingPoint(ctx context.Context, instrumentID string) (model.RatingPoint, bool, error) {
	return r.ratingPoint(ctx,
		`SELECT instrument_id, timestamp, rating::TEXT FROM rating_points
		 WHERE instrument_id = $1 ORDER BY timestamp DESC, id DESC LIMIT 1`, instrumentID)
}

func (r *pgReader) RatingPointAsOf(ctx context.Context, instrumentID string, at time.Time) (model.RatingPoint, bool, error) {
	return r.ratingPoint(ctx,
		`SELECT instrument_id, timestamp, rating::TEXT FROM rating_points
		 WHERE instrument_id = $1 AND timestamp <= $2
		 ORDER BY timestamp DESC, id DESC LIMIT 1`, instrumentID, at)
}

func (r *pgReader) RatingHistory(ctx context.Context, instrumentID string, from, to time.Time) ([]model.RatingPoint, error) {
	rows, err := r.q.Query(ctx,
		`SELECT instrument_id, timestamp, rating::TEXT FROM rating_points
		 WHERE instrument_id = $1 AND timestamp >= $2 AND timestamp <= $3
		 ORDER BY timestamp, id`, instrumentID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RatingPoint
	for rows.Next() {
		var p model.RatingPoint
		var rating string
		if err := rows.Scan(&p.InstrumentID, &p.Timestamp, &rating); err != nil {
			return nil, err
		}
		p.Rating, _ = decimal.NewFromString(rating)
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var funds string
	if err := row.Scan(&u.ID, &u.Username, &funds, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.AvailableFunds, _ = decimal.NewFromString(funds)
	return &u, nil
}

func (r *pgReader) getUser(ctx context.Context, sql, id string) (*model.User, error) {
	u, err := scanUser(r.q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrUnknownUser)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (r *pgReader) GetUser(ctx context.Context, id string) (*model.User, error) {
	return r.getUser(ctx,
		`SELECT id, username, available_funds::TEXT, created_at FROM users WHERE id = $1`, id)
}

func (r *pgReader) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, username, available_funds::TEXT, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

const lotColumns = `id, seq, user_id, instrument_id, side, opened_at, open_price::TEXT,
	size, open, closed_at, close_price::TEXT`

func (r *pgReader) queryLots(ctx context.Context, where string, args ...any) ([]model.Lot, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE open AND `+where+` ORDER BY opened_at, seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

func (r *pgReader) OpenLots(ctx context.Context, userID, instrumentID string, side model.Side) ([]model.Lot, error) {
	return r.queryLots(ctx, "user_id = $1 AND instrument_id = $2 AND side = $3", userID, instrumentID, string(side))
}

func (r *pgReader) OpenLotsByUser(ctx context.Context, userID string) ([]model.Lot, error) {
	return r.queryLots(ctx, "user_id = $1", userID)
}

func (r *pgReader) OpenLongLotsOpenedBy(ctx context.Context, instrumentID string, at time.Time) ([]model.Lot, error) {
	return r.queryLots(ctx, "instrument_id = $1 AND side = 'LONG' AND opened_at <= $2", instrumentID, at)
}

func (r *pgReader) TransactionsByUser(ctx context.Context, userID string, to time.Time) ([]model.TransactionRecord, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, kind, user_id, instrument_id, timestamp, size, execution_price::TEXT
		 FROM transactions WHERE user_id = $1 AND timestamp <= $2
		 ORDER BY timestamp`, userID, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TransactionRecord
	for rows.Next() {
		var rec model.TransactionRecord
		var kind, price string
		if err := rows.Scan(&rec.ID, &kind, &rec.UserID, &rec.InstrumentID, &rec.Timestamp, &rec.Size, &price); err != nil {
			return nil, err
		}
		rec.Kind = model.TxKind(kind)
		rec.ExecutionPrice, _ = decimal.NewFromString(price)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *pgReader) CountTransactions(ctx context.Context, instrumentID string, after, before time.Time) (map[model.TxKind]int, error) {
	rows, err := r.q.Query(ctx,
		`SELECT kind, COUNT(*) FROM transactions
		 WHERE instrument_id = $1 AND timestamp > $2 AND timestamp < $3
		 GROUP BY kind`, instrumentID, after, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.TxKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[model.TxKind(kind)] = n
	}
	return counts, rows.Err()
}

func (r *pgReader) HasGameResult(ctx context.Context, gameID string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM game_results WHERE game_id = $1)`, gameID).Scan(&exists)
	return exists, err
}

type pgTx struct {
	pgReader
}

func (t *pgTx) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO instruments (id, abbr, name, rating, prev_rating, last_delta, seed_rating, series_win_count)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT DO NOTHING`,
		inst.ID, inst.Abbr, inst.Name,
		inst.Rating.String(), inst.PrevRating.String(), inst.LastDelta.String(), inst.SeedRating.String(),
		inst.SeriesWinCount,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", inst.Abbr, ErrDuplicate)
	}
	return nil
}

func (t *pgTx) LockInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	return t.getInstrument(ctx, "id = $1 FOR UPDATE", id)
}

func (t *pgTx) UpdateInstrumentRating(ctx context.Context, id string, rating, prev, delta decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE instruments SET rating = $2::NUMERIC, prev_rating = $3::NUMERIC, last_delta = $4::NUMERIC
		 WHERE id = $1`, id, rating.String(), prev.String(), delta.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", id, ErrUnknownInstrument)
	}
	return nil
}

func (t *pgTx) InsertRatingPoint(ctx context.Context, p model.RatingPoint) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO rating_points (instrument_id, timestamp, rating) VALUES ($1, $2, $3::NUMERIC)`,
		p.InstrumentID, p.Timestamp, p.Rating.String())
	return err
}

func (t *pgTx) IncrementSeriesWins(ctx context.Context, instrumentID string) (int, error) {
	var wins int
	err := t.q.QueryRow(ctx,
		`UPDATE instruments SET series_win_count = series_win_count + 1
		 WHERE id = $1 RETURNING series_win_count`, instrumentID).Scan(&wins)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("instrument %s: %w", instrumentID, ErrUnknownInstrument)
	}
	return wins, err
}

func (t *pgTx) CreateUser(ctx context.Context, u *model.User) error {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO users (id, username, available_funds, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4) ON CONFLICT DO NOTHING`,
		u.ID, u.Username, u.AvailableFunds.String(), u.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", u.Username, ErrDuplicate)
	}
	return nil
}

func (t *pgTx) LockUser(ctx context.Context, id string) (*model.User, error) {
	return t.getUser(ctx,
		`SELECT id, username, available_funds::TEXT, created_at FROM users WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) UpdateUserFunds(ctx context.Context, id string, funds decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE users SET available_funds = $2::NUMERIC WHERE id = $1`, id, funds.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, ErrUnknownUser)
	}
	return nil
}

func (t *pgTx) InsertLot(ctx context.Context, lot *model.Lot) error {
	return t.q.QueryRow(ctx,
		`INSERT INTO lots (id, user_id, instrument_id, side, opened_at, open_price, size, open)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, TRUE) RETURNING seq`,
		lot.ID, lot.UserID, lot.InstrumentID, string(lot.Side), lot.OpenedAt, lot.OpenPrice.String(), lot.Size,
	).Scan(&lot.Seq)
}

func (t *pgTx) UpdateLot(ctx context.Context, lot *model.Lot) error {
	var closePrice *string
	if lot.ClosePrice != nil {
		s := lot.ClosePrice.String()
		closePrice = &s
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE lots SET size = $2, open = $3, closed_at = $4, close_price = $5::NUMERIC WHERE id = $1`,
		lot.ID, lot.Size, lot.Open, lot.ClosedAt, closePrice)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lot %s: %w", lot.ID, ErrUnknownLot)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, rec *model.TransactionRecord) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO transactions (id, kind, user_id, instrument_id, timestamp, size, execution_price)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC)`,
		rec.ID, string(rec.Kind), rec.UserID, rec.InstrumentID, rec.Timestamp, rec.Size, rec.ExecutionPrice.String())
	return err
}

func (t *pgTx) InsertGameResult(ctx context.Context, g *model.GameResult) error {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO game_results (game_id, home_instrument_id, away_instrument_id, home_score, away_score, start_time, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (game_id) DO NOTHING`,
		g.GameID, g.HomeInstrumentID, g.AwayInstrumentID, g.HomeScore, g.AwayScore, g.StartTime, g.RecordedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("game %s: %w", g.GameID, ErrGameRecorded)
	}
	return nil
}

// pgxRows is the part of pgx.Rows that scanLots needs.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLots(rows pgxRows) ([]model.Lot, error) {
	var lots []model.Lot
	for rows.Next() {
		var l model.Lot
		var side, openPrice string
		var closePrice *string

		if err := rows.Scan(&l.ID, &l.Seq, &l.UserID, &l.InstrumentID, &side, &l.OpenedAt, &openPrice,
			&l.Size, &l.Open, &l.ClosedAt, &closePrice); err != nil {
			return nil, err
		}

		l.Side = model.Side(side)
		l.OpenPrice, _ = decimal.NewFromString(openPrice)
		if closePrice != nil {
			cp, _ := decimal.NewFromString(*closePrice)
			l.ClosePrice = &cp
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}
