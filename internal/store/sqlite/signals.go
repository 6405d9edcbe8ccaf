package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trading-enginev1/internal/model"
)

// SignalRepo implements model.SignalRepository. Signals are written upstream
// and read-only here, so the row is a JSON blob keyed by signal id.
type SignalRepo struct {
	db *sql.DB
}

func NewSignalRepo(db *sql.DB) (*SignalRepo, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			signal_id  TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("signals schema: %w", err)
	}
	return &SignalRepo{db: db}, nil
}

func (r *SignalRepo) FindByID(ctx context.Context, signalID string) (*model.Signal, error) {
	var data string
	err := r.db.QueryRowContext(ctx,
		`SELECT data FROM signals WHERE signal_id = ?`, signalID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signal find %s: %w", signalID, err)
	}
	var s model.Signal
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("signal unmarshal %s: %w", signalID, err)
	}
	return &s, nil
}

// Save is used by tests and by the relay ingest path when signals arrive on
// the wire.
func (r *SignalRepo) Save(ctx context.Context, s *model.Signal) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("signal marshal %s: %w", s.SignalID, err)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO signals (signal_id, data, created_at)
		VALUES (?, ?, ?)`, s.SignalID, string(data), s.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("signal save %s: %w", s.SignalID, err)
	}
	return nil
}

var _ model.SignalRepository = (*SignalRepo)(nil)
