package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trading-enginev1/internal/model"
)

// TradeRepo implements model.TradeRepository. The trade management service is
// the only writer; Update bumps version unconditionally since all writes for
// one key are already serialized upstream.
type TradeRepo struct {
	db *sql.DB
}

func NewTradeRepo(db *sql.DB) *TradeRepo {
	return &TradeRepo{db: db}
}

const tradeColumns = `trade_id, client_order_id, user_id, broker_id, user_broker_id, signal_id,
	symbol, direction, class, status,
	entry_price, entry_qty, entry_value, entry_ts, mtf,
	exit_primary_price, effective_floor,
	trailing_active, trailing_highest, trailing_stop,
	exit_price, exit_ts, exit_trigger, exit_order_id,
	realized_pnl, realized_log_return, holding_days,
	broker_order_id, last_broker_update_at, error_code, error_message,
	created_at, updated_at, version`

func (r *TradeRepo) Insert(ctx context.Context, t *model.Trade) error {
	mtf, err := json.Marshal(t.MTF)
	if err != nil {
		return fmt.Errorf("trade mtf marshal: %w", err)
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Version == 0 {
		t.Version = 1
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.ClientOrderID, t.UserID, t.BrokerID, t.UserBrokerID, t.SignalID,
		t.Symbol, string(t.Direction), string(t.Class), string(t.Status),
		t.EntryPrice, t.EntryQty, t.EntryValue, unixOrNull(t.EntryTimestamp), string(mtf),
		t.ExitPrimaryPrice, t.EffectiveFloor,
		boolToInt(t.TrailingActive), t.TrailingHighestPrice, t.TrailingStopPrice,
		t.ExitPrice, unixOrNull(t.ExitTimestamp), t.ExitTrigger, t.ExitOrderID,
		t.RealizedPnl, t.RealizedLogReturn, t.HoldingDays,
		t.BrokerOrderID, unixOrNull(t.LastBrokerUpdateAt), t.ErrorCode, t.ErrorMessage,
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(), t.Version)
	if err != nil {
		return fmt.Errorf("trade insert %s: %w", t.TradeID, err)
	}
	return nil
}

func (r *TradeRepo) Update(ctx context.Context, t *model.Trade) error {
	mtf, err := json.Marshal(t.MTF)
	if err != nil {
		return fmt.Errorf("trade mtf marshal: %w", err)
	}
	t.UpdatedAt = time.Now().UTC()
	t.Version++
	res, err := r.db.ExecContext(ctx, `
		UPDATE trades SET
			status = ?, entry_price = ?, entry_qty = ?, entry_value = ?, entry_ts = ?, mtf = ?,
			exit_primary_price = ?, effective_floor = ?,
			trailing_active = ?, trailing_highest = ?, trailing_stop = ?,
			exit_price = ?, exit_ts = ?, exit_trigger = ?, exit_order_id = ?,
			realized_pnl = ?, realized_log_return = ?, holding_days = ?,
			broker_order_id = ?, last_broker_update_at = ?, error_code = ?, error_message = ?,
			updated_at = ?, version = ?
		WHERE trade_id = ?`,
		string(t.Status), t.EntryPrice, t.EntryQty, t.EntryValue, unixOrNull(t.EntryTimestamp), string(mtf),
		t.ExitPrimaryPrice, t.EffectiveFloor,
		boolToInt(t.TrailingActive), t.TrailingHighestPrice, t.TrailingStopPrice,
		t.ExitPrice, unixOrNull(t.ExitTimestamp), t.ExitTrigger, t.ExitOrderID,
		t.RealizedPnl, t.RealizedLogReturn, t.HoldingDays,
		t.BrokerOrderID, unixOrNull(t.LastBrokerUpdateAt), t.ErrorCode, t.ErrorMessage,
		t.UpdatedAt.UnixMilli(), t.Version,
		t.TradeID)
	if err != nil {
		return fmt.Errorf("trade update %s: %w", t.TradeID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("trade update %s: not found", t.TradeID)
	}
	return nil
}

func (r *TradeRepo) FindByID(ctx context.Context, tradeID string) (*model.Trade, error) {
	return r.findOne(ctx, `WHERE trade_id = ?`, tradeID)
}

func (r *TradeRepo) FindByBrokerOrderID(ctx context.Context, brokerOrderID string) (*model.Trade, error) {
	return r.findOne(ctx, `WHERE broker_order_id = ?`, brokerOrderID)
}

func (r *TradeRepo) FindByIntentID(ctx context.Context, intentID string) (*model.Trade, error) {
	return r.findOne(ctx, `WHERE client_order_id = ?`, intentID)
}

func (r *TradeRepo) findOne(ctx context.Context, where string, arg any) (*model.Trade, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades `+where+` LIMIT 1`, arg)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trade find: %w", err)
	}
	return t, nil
}

func (r *TradeRepo) FindByStatus(ctx context.Context, status model.TradeStatus) ([]model.Trade, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("trade find by status: %w", err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *TradeRepo) CountNonTerminal(ctx context.Context, userID, symbol string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE user_id = ? AND symbol = ?
		AND status NOT IN ('CLOSED', 'REJECTED', 'CANCELLED', 'ERROR')`,
		userID, symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("trade count non-terminal: %w", err)
	}
	return n, nil
}

func (r *TradeRepo) Close() error { return r.db.Close() }

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var direction, class, status, mtf string
	var entryTS, exitTS, lastUpdate sql.NullInt64
	var exitTrigger, exitOrderID, brokerOrderID, errCode, errMsg, signalID sql.NullString
	var trailingActive int
	var createdAt, updatedAt int64

	err := row.Scan(
		&t.TradeID, &t.ClientOrderID, &t.UserID, &t.BrokerID, &t.UserBrokerID, &signalID,
		&t.Symbol, &direction, &class, &status,
		&t.EntryPrice, &t.EntryQty, &t.EntryValue, &entryTS, &mtf,
		&t.ExitPrimaryPrice, &t.EffectiveFloor,
		&trailingActive, &t.TrailingHighestPrice, &t.TrailingStopPrice,
		&t.ExitPrice, &exitTS, &exitTrigger, &exitOrderID,
		&t.RealizedPnl, &t.RealizedLogReturn, &t.HoldingDays,
		&brokerOrderID, &lastUpdate, &errCode, &errMsg,
		&createdAt, &updatedAt, &t.Version)
	if err != nil {
		return nil, err
	}

	t.SignalID = signalID.String
	t.Direction = model.Direction(direction)
	t.Class = model.TradeClass(class)
	t.Status = model.TradeStatus(status)
	t.TrailingActive = trailingActive != 0
	t.ExitTrigger = exitTrigger.String
	t.ExitOrderID = exitOrderID.String
	t.BrokerOrderID = brokerOrderID.String
	t.ErrorCode = errCode.String
	t.ErrorMessage = errMsg.String
	if mtf != "" {
		if err := json.Unmarshal([]byte(mtf), &t.MTF); err != nil {
			return nil, fmt.Errorf("trade mtf unmarshal: %w", err)
		}
	}
	if entryTS.Valid {
		t.EntryTimestamp = time.UnixMilli(entryTS.Int64).UTC()
	}
	if exitTS.Valid {
		t.ExitTimestamp = time.UnixMilli(exitTS.Int64).UTC()
	}
	if lastUpdate.Valid {
		t.LastBrokerUpdateAt = time.UnixMilli(lastUpdate.Int64).UTC()
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &t, nil
}

func unixOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ model.TradeRepository = (*TradeRepo)(nil)
