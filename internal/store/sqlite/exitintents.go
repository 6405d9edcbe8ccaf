package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trading-enginev1/internal/model"
)

// ExitIntentRepo implements model.ExitIntentRepository. The APPROVED→PLACED
// transition is a single guarded UPDATE so two executors racing on the same
// intent can never both place a broker order.
type ExitIntentRepo struct {
	db *sql.DB
}

func NewExitIntentRepo(db *sql.DB) *ExitIntentRepo {
	return &ExitIntentRepo{db: db}
}

const exitIntentColumns = `exit_intent_id, trade_id, user_broker_id, symbol, exit_reason,
	order_type, product_type, calculated_qty, limit_price, status,
	broker_order_id, error_code, error_message, placed_at, created_at, updated_at, version`

func (r *ExitIntentRepo) Insert(ctx context.Context, e *model.ExitIntent) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Version == 0 {
		e.Version = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exit_intents (`+exitIntentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExitIntentID, e.TradeID, e.UserBrokerID, e.Symbol, string(e.ExitReason),
		string(e.OrderType), e.ProductType, e.CalculatedQty, e.LimitPrice, string(e.Status),
		e.BrokerOrderID, e.ErrorCode, e.ErrorMessage, unixOrNull(e.PlacedAt),
		e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli(), e.Version)
	if err != nil {
		return fmt.Errorf("exit intent insert %s: %w", e.ExitIntentID, err)
	}
	return nil
}

func (r *ExitIntentRepo) FindByID(ctx context.Context, exitIntentID string) (*model.ExitIntent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+exitIntentColumns+` FROM exit_intents WHERE exit_intent_id = ?`, exitIntentID)
	e, err := scanExitIntent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("exit intent find: %w", err)
	}
	return e, nil
}

func (r *ExitIntentRepo) FindByStatus(ctx context.Context, status model.ExitIntentStatus) ([]model.ExitIntent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+exitIntentColumns+` FROM exit_intents WHERE status = ? ORDER BY created_at ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("exit intent find by status: %w", err)
	}
	defer rows.Close()

	var out []model.ExitIntent
	for rows.Next() {
		e, err := scanExitIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// PlaceExitOrder performs the APPROVED→PLACED compare-and-set. Returns true
// iff this caller won the transition.
func (r *ExitIntentRepo) PlaceExitOrder(ctx context.Context, exitIntentID, placeholderOrderID string, placedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE exit_intents
		SET status = 'PLACED', broker_order_id = ?, placed_at = ?,
		    updated_at = ?, version = version + 1
		WHERE exit_intent_id = ? AND status = 'APPROVED'`,
		placeholderOrderID, placedAt.UnixMilli(), time.Now().UTC().UnixMilli(), exitIntentID)
	if err != nil {
		return false, fmt.Errorf("exit intent place %s: %w", exitIntentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *ExitIntentRepo) UpdateBrokerOrderID(ctx context.Context, exitIntentID, brokerOrderID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exit_intents
		SET broker_order_id = ?, updated_at = ?, version = version + 1
		WHERE exit_intent_id = ?`,
		brokerOrderID, time.Now().UTC().UnixMilli(), exitIntentID)
	if err != nil {
		return fmt.Errorf("exit intent set broker order %s: %w", exitIntentID, err)
	}
	return nil
}

func (r *ExitIntentRepo) MarkFilled(ctx context.Context, exitIntentID string) error {
	return r.setStatus(ctx, exitIntentID, model.ExitIntentFilled, "", "")
}

func (r *ExitIntentRepo) MarkFailed(ctx context.Context, exitIntentID, errorCode, errorMessage string) error {
	return r.setStatus(ctx, exitIntentID, model.ExitIntentFailed, errorCode, errorMessage)
}

func (r *ExitIntentRepo) MarkCancelled(ctx context.Context, exitIntentID string) error {
	return r.setStatus(ctx, exitIntentID, model.ExitIntentCancelled, "", "")
}

func (r *ExitIntentRepo) setStatus(ctx context.Context, id string, status model.ExitIntentStatus, errCode, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exit_intents
		SET status = ?, error_code = ?, error_message = ?, updated_at = ?, version = version + 1
		WHERE exit_intent_id = ?`,
		string(status), errCode, errMsg, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("exit intent %s -> %s: %w", id, status, err)
	}
	return nil
}

func (r *ExitIntentRepo) Close() error { return r.db.Close() }

func scanExitIntent(row rowScanner) (*model.ExitIntent, error) {
	var e model.ExitIntent
	var reason, orderType, status string
	var productType, brokerOrderID, errCode, errMsg sql.NullString
	var placedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&e.ExitIntentID, &e.TradeID, &e.UserBrokerID, &e.Symbol, &reason,
		&orderType, &productType, &e.CalculatedQty, &e.LimitPrice, &status,
		&brokerOrderID, &errCode, &errMsg, &placedAt, &createdAt, &updatedAt, &e.Version)
	if err != nil {
		return nil, err
	}

	e.ExitReason = model.ExitReason(reason)
	e.OrderType = model.OrderType(orderType)
	e.ProductType = productType.String
	e.Status = model.ExitIntentStatus(status)
	e.BrokerOrderID = brokerOrderID.String
	e.ErrorCode = errCode.String
	e.ErrorMessage = errMsg.String
	if placedAt.Valid {
		e.PlacedAt = time.UnixMilli(placedAt.Int64).UTC()
	}
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &e, nil
}

var _ model.ExitIntentRepository = (*ExitIntentRepo)(nil)
