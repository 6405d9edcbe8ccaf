// Package sqlite implements the durable repositories on SQLite. One database
// file holds candles, trades, and exit intents; the connection pool is pinned
// to a single connection because SQLite allows one writer at a time.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (or creates) the engine database with WAL mode and schema.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", dbPath)
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol  TEXT    NOT NULL,
			tf      INTEGER NOT NULL,
			ts      INTEGER NOT NULL,
			open    INTEGER NOT NULL,
			high    INTEGER NOT NULL,
			low     INTEGER NOT NULL,
			close   INTEGER NOT NULL,
			volume  INTEGER,
			PRIMARY KEY (symbol, tf, ts)
		);

		CREATE TABLE IF NOT EXISTS trades (
			trade_id              TEXT PRIMARY KEY,
			client_order_id       TEXT NOT NULL UNIQUE,
			user_id               TEXT NOT NULL,
			broker_id             TEXT NOT NULL,
			user_broker_id        TEXT NOT NULL,
			signal_id             TEXT,
			symbol                TEXT NOT NULL,
			direction             TEXT NOT NULL,
			class                 TEXT NOT NULL,
			status                TEXT NOT NULL,
			entry_price           INTEGER NOT NULL DEFAULT 0,
			entry_qty             INTEGER NOT NULL DEFAULT 0,
			entry_value           INTEGER NOT NULL DEFAULT 0,
			entry_ts              INTEGER,
			mtf                   TEXT,
			exit_primary_price    INTEGER NOT NULL DEFAULT 0,
			effective_floor       INTEGER NOT NULL DEFAULT 0,
			trailing_active       INTEGER NOT NULL DEFAULT 0,
			trailing_highest      INTEGER NOT NULL DEFAULT 0,
			trailing_stop         INTEGER NOT NULL DEFAULT 0,
			exit_price            INTEGER NOT NULL DEFAULT 0,
			exit_ts               INTEGER,
			exit_trigger          TEXT,
			exit_order_id         TEXT,
			realized_pnl          INTEGER NOT NULL DEFAULT 0,
			realized_log_return   REAL NOT NULL DEFAULT 0,
			holding_days          INTEGER NOT NULL DEFAULT 0,
			broker_order_id       TEXT,
			last_broker_update_at INTEGER,
			error_code            TEXT,
			error_message         TEXT,
			created_at            INTEGER NOT NULL,
			updated_at            INTEGER NOT NULL,
			version               INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
		CREATE INDEX IF NOT EXISTS idx_trades_broker_order ON trades(broker_order_id);
		CREATE INDEX IF NOT EXISTS idx_trades_user_symbol ON trades(user_id, symbol);

		CREATE TABLE IF NOT EXISTS exit_intents (
			exit_intent_id  TEXT PRIMARY KEY,
			trade_id        TEXT NOT NULL,
			user_broker_id  TEXT NOT NULL,
			symbol          TEXT NOT NULL,
			exit_reason     TEXT NOT NULL,
			order_type      TEXT NOT NULL,
			product_type    TEXT,
			calculated_qty  INTEGER NOT NULL,
			limit_price     INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL,
			broker_order_id TEXT,
			error_code      TEXT,
			error_message   TEXT,
			placed_at       INTEGER,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			version         INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_exit_intents_status ON exit_intents(status);
	`)
	return err
}
