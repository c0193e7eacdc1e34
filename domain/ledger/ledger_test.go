package ledger

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	five = decimal.NewFromInt(5)
	ten  = decimal.NewFromInt(10)
)

func TestLockUnlockSpend(t *testing.T) {
	l := New()
	l.Credit("a", "USDC", ten)

	require.NoError(t, l.Lock("a", "USDC", five))
	b := l.Balance("a", "USDC")
	assert.True(t, b.Available.Equal(five))
	assert.True(t, b.Locked.Equal(five))

	require.NoError(t, l.Unlock("a", "USDC", decimal.NewFromInt(2)))
	require.NoError(t, l.SpendLocked("a", "USDC", decimal.NewFromInt(3)))
	b = l.Balance("a", "USDC")
	assert.True(t, b.Available.Equal(decimal.NewFromInt(7)))
	assert.True(t, b.Locked.IsZero())
}

func TestNeverNegative(t *testing.T) {
	l := New()
	l.Credit("a", "ETH", five)

	assert.True(t, errors.Is(l.Lock("a", "ETH", ten), ErrInsufficient))
	assert.True(t, errors.Is(l.Debit("a", "ETH", ten), ErrInsufficient))
	assert.True(t, errors.Is(l.Unlock("a", "ETH", decimal.NewFromInt(1)), ErrInsufficient))
	assert.True(t, errors.Is(l.SpendLocked("a", "ETH", decimal.NewFromInt(1)), ErrInsufficient))
	assert.True(t, l.Balance("a", "ETH").Available.Equal(five))
}

func TestWalkIsSorted(t *testing.T) {
	l := New()
	l.Credit("b", "USDC", five)
	l.Credit("a", "USDC", five)
	l.Credit("a", "ETH", five)

	var got []string
	l.Walk(func(account, asset string, _ Balance) {
		got = append(got, account+"/"+asset)
	})
	assert.Equal(t, []string{"a/ETH", "a/USDC", "b/USDC"}, got)
	assert.True(t, l.Totals()["USDC"].Equal(ten))
}

func TestFailedOperationsCreateNoEntries(t *testing.T) {
	l := New()
	l.Credit("a", "USDC", five)

	assert.Error(t, l.Debit("b", "USDC", five))
	assert.Error(t, l.Lock("c", "ETH", five))
	assert.Error(t, l.Lock("a", "ETH", five))
	assert.Error(t, l.Unlock("d", "USDC", five))
	assert.Error(t, l.SpendLocked("e", "USDC", five))

	var got []string
	l.Walk(func(account, asset string, _ Balance) {
		got = append(got, account+"/"+asset)
	})
	assert.Equal(t, []string{"a/USDC"}, got)
}
