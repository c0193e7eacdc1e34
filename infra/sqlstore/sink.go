// Package sqlstore persists output events into SQLite. Every write is
// keyed by event id, trade id or sequence number, so redelivered
// responses change nothing.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"lokiseq/domain/message"
)

type Sink struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" works for tests.
func Open(path string) (*Sink, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir db dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Sink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return s, nil
}

func (s *Sink) Close() error { return s.db.Close() }

func (s *Sink) Name() string { return "sqlite" }

// Accept writes all events of resp in one transaction.
func (s *Sink) Accept(ctx context.Context, resp *message.Response) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	for _, env := range message.Envelopes(resp) {
		payload, err := json.Marshal(env.Event)
		if err != nil {
			return errors.Wrap(err, "encode event")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO events (event_id, seq, request_id, type, time, payload) VALUES (?, ?, ?, ?, ?, ?)`,
			env.EventID, env.Seq, env.RequestID, env.Type, env.Time, string(payload)); err != nil {
			return errors.Wrap(err, "insert event")
		}

		switch ev := env.Event.(type) {
		case message.TradeExecuted:
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO trades (trade_id, seq, market, taker_order_id, maker_order_id, taker_account, maker_account, taker_side, price, quantity, time)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ev.TradeID, ev.Seq, ev.Market, uint64(ev.TakerOrderID), uint64(ev.MakerOrderID),
				ev.TakerAccount, ev.MakerAccount, ev.TakerSide.String(), ev.Price.String(), ev.Quantity.String(), ev.Time); err != nil {
				return errors.Wrap(err, "insert trade")
			}
		case message.BalanceChanged:
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO balances (account, asset, available, locked, seq) VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT(account, asset) DO UPDATE SET
				   available = excluded.available, locked = excluded.locked, seq = excluded.seq
				 WHERE excluded.seq >= balances.seq`,
				ev.Account, ev.Asset, ev.Available.String(), ev.Locked.String(), env.Seq); err != nil {
				return errors.Wrap(err, "upsert balance")
			}
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Trade is one row of the trades table.
type Trade struct {
	TradeID  uint64
	Seq      uint64
	Market   string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

func (s *Sink) Trades(ctx context.Context, market string) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trade_id, seq, market, price, quantity FROM trades WHERE market = ? ORDER BY trade_id`, market)
	if err != nil {
		return nil, errors.Wrap(err, "query trades")
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var (
			t          Trade
			price, qty string
		)
		if err := rows.Scan(&t.TradeID, &t.Seq, &t.Market, &price, &qty); err != nil {
			return nil, errors.Wrap(err, "scan trade")
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, errors.Wrap(err, "trade price")
		}
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, errors.Wrap(err, "trade quantity")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "read trades")
}

// Balance returns the newest stored balance for account and asset.
func (s *Sink) Balance(ctx context.Context, account, asset string) (available, locked decimal.Decimal, found bool, err error) {
	var av, lk string
	err = s.db.QueryRowContext(ctx,
		`SELECT available, locked FROM balances WHERE account = ? AND asset = ?`, account, asset).Scan(&av, &lk)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, false, errors.Wrap(err, "query balance")
	}
	if available, err = decimal.NewFromString(av); err != nil {
		return
	}
	locked, err = decimal.NewFromString(lk)
	return available, locked, err == nil, err
}

func (s *Sink) EventCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, errors.Wrap(err, "count events")
}
