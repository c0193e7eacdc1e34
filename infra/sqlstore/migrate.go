package sqlstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

func (s *Sink) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS events (
  event_id   TEXT PRIMARY KEY,
  seq        INTEGER NOT NULL,
  request_id TEXT NOT NULL DEFAULT '',
  type       TEXT NOT NULL,
  time       INTEGER NOT NULL,
  payload    TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS events_seq ON events(seq);`,
		`
CREATE TABLE IF NOT EXISTS trades (
  trade_id       INTEGER PRIMARY KEY,
  seq            INTEGER NOT NULL,
  market         TEXT NOT NULL,
  taker_order_id INTEGER NOT NULL,
  maker_order_id INTEGER NOT NULL,
  taker_account  TEXT NOT NULL,
  maker_account  TEXT NOT NULL,
  taker_side     TEXT NOT NULL,
  price          TEXT NOT NULL,
  quantity       TEXT NOT NULL,
  time           INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS trades_market ON trades(market, trade_id);`,
		`
CREATE TABLE IF NOT EXISTS balances (
  account   TEXT NOT NULL,
  asset     TEXT NOT NULL,
  available TEXT NOT NULL,
  locked    TEXT NOT NULL,
  seq       INTEGER NOT NULL,
  PRIMARY KEY (account, asset)
);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrapf(err, "exec %.40q", q)
		}
	}
	return nil
}
