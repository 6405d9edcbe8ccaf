package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trading-enginev1/internal/model"
)

// CandleRepo implements model.CandleRepository on SQLite.
// Timestamps are stored as unix seconds (bucket starts are minute-aligned).
type CandleRepo struct {
	db *sql.DB
}

// NewCandleRepo wraps an open database.
func NewCandleRepo(db *sql.DB) *CandleRepo {
	return &CandleRepo{db: db}
}

// DB returns the underlying sql.DB for health checks.
func (r *CandleRepo) DB() *sql.DB { return r.db }

func (r *CandleRepo) Upsert(ctx context.Context, c model.Candle) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, tf, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Symbol, int(c.Timeframe), c.TS.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return fmt.Errorf("candle upsert %s: %w", c.Key(), err)
	}
	return nil
}

func (r *CandleRepo) UpsertBatch(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("candle batch begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, tf, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("candle batch prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			c.Symbol, int(c.Timeframe), c.TS.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			tx.Rollback()
			return fmt.Errorf("candle batch exec %s: %w", c.Key(), err)
		}
	}
	return tx.Commit()
}

func (r *CandleRepo) FindLatest(ctx context.Context, symbol string, tf model.Timeframe) (*model.Candle, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT symbol, tf, ts, open, high, low, close, volume
		FROM candles WHERE symbol = ? AND tf = ?
		ORDER BY ts DESC LIMIT 1`, symbol, int(tf))
	c, err := scanCandle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("candle find latest: %w", err)
	}
	return c, nil
}

func (r *CandleRepo) FindRange(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, tf, ts, open, high, low, close, volume
		FROM candles WHERE symbol = ? AND tf = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC`, symbol, int(tf), from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("candle find range: %w", err)
	}
	defer rows.Close()
	return collectCandles(rows)
}

func (r *CandleRepo) FindAll(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, tf, ts, open, high, low, close, volume
		FROM candles WHERE symbol = ? AND tf = ?
		ORDER BY ts DESC LIMIT ?`, symbol, int(tf), limit)
	if err != nil {
		return nil, fmt.Errorf("candle find all: %w", err)
	}
	defer rows.Close()
	return collectCandles(rows)
}

func (r *CandleRepo) Exists(ctx context.Context, symbol string, tf model.Timeframe) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM candles WHERE symbol = ? AND tf = ? LIMIT 1`, symbol, int(tf)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("candle exists: %w", err)
	}
	return true, nil
}

func (r *CandleRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM candles WHERE ts < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("candle delete: %w", err)
	}
	return res.RowsAffected()
}

func (r *CandleRepo) Close() error { return r.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(row rowScanner) (*model.Candle, error) {
	var c model.Candle
	var tf int
	var ts int64
	if err := row.Scan(&c.Symbol, &tf, &ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
		return nil, err
	}
	c.Timeframe = model.Timeframe(tf)
	c.TS = time.Unix(ts, 0).UTC()
	return &c, nil
}

func collectCandles(rows *sql.Rows) ([]model.Candle, error) {
	var out []model.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

var _ model.CandleRepository = (*CandleRepo)(nil)
