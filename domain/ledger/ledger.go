// Package ledger keeps per-account available and locked balances.
package ledger

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrInsufficient = errors.New("insufficient balance")

type Balance struct {
	Available decimal.Decimal
	Locked    decimal.Decimal
}

func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Ledger is owned by the single writer; it is not safe for concurrent use.
type Ledger struct {
	accounts map[string]map[string]*Balance
}

func New() *Ledger {
	return &Ledger{accounts: make(map[string]map[string]*Balance)}
}

func (l *Ledger) get(account, asset string) *Balance {
	assets, ok := l.accounts[account]
	if !ok {
		assets = make(map[string]*Balance)
		l.accounts[account] = assets
	}
	b, ok := assets[asset]
	if !ok {
		b = &Balance{}
		assets[asset] = b
	}
	return b
}

func (l *Ledger) Balance(account, asset string) Balance {
	if b, ok := l.accounts[account][asset]; ok {
		return *b
	}
	return Balance{}
}

func (l *Ledger) Credit(account, asset string, amt decimal.Decimal) {
	b := l.get(account, asset)
	b.Available = b.Available.Add(amt)
}

func (l *Ledger) Debit(account, asset string, amt decimal.Decimal) error {
	if avail := l.Balance(account, asset).Available; avail.LessThan(amt) {
		return errors.Wrapf(ErrInsufficient, "%s %s available %s, need %s", account, asset, avail, amt)
	}
	b := l.get(account, asset)
	b.Available = b.Available.Sub(amt)
	return nil
}

// Lock moves amt from available to locked.
func (l *Ledger) Lock(account, asset string, amt decimal.Decimal) error {
	if avail := l.Balance(account, asset).Available; avail.LessThan(amt) {
		return errors.Wrapf(ErrInsufficient, "%s %s available %s, need %s", account, asset, avail, amt)
	}
	b := l.get(account, asset)
	b.Available = b.Available.Sub(amt)
	b.Locked = b.Locked.Add(amt)
	return nil
}

// Unlock moves amt from locked back to available.
func (l *Ledger) Unlock(account, asset string, amt decimal.Decimal) error {
	if locked := l.Balance(account, asset).Locked; locked.LessThan(amt) {
		return errors.Wrapf(ErrInsufficient, "%s %s locked %s, unlock %s", account, asset, locked, amt)
	}
	b := l.get(account, asset)
	b.Locked = b.Locked.Sub(amt)
	b.Available = b.Available.Add(amt)
	return nil
}

// SpendLocked removes amt from locked; the value leaves the account.
func (l *Ledger) SpendLocked(account, asset string, amt decimal.Decimal) error {
	if locked := l.Balance(account, asset).Locked; locked.LessThan(amt) {
		return errors.Wrapf(ErrInsufficient, "%s %s locked %s, spend %s", account, asset, locked, amt)
	}
	b := l.get(account, asset)
	b.Locked = b.Locked.Sub(amt)
	return nil
}

// Set overwrites a balance; used when restoring a checkpoint.
func (l *Ledger) Set(account, asset string, b Balance) {
	*l.get(account, asset) = b
}

// Walk visits balances ordered by account then asset.
func (l *Ledger) Walk(fn func(account, asset string, b Balance)) {
	accounts := make([]string, 0, len(l.accounts))
	for a := range l.accounts {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	for _, account := range accounts {
		assets := make([]string, 0, len(l.accounts[account]))
		for a := range l.accounts[account] {
			assets = append(assets, a)
		}
		sort.Strings(assets)
		for _, asset := range assets {
			fn(account, asset, *l.accounts[account][asset])
		}
	}
}

// Totals sums available plus locked per asset across all accounts.
func (l *Ledger) Totals() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, assets := range l.accounts {
		for asset, b := range assets {
			out[asset] = out[asset].Add(b.Total())
		}
	}
	return out
}
