// Package relayer defines gas relayer compensation accounting and the gas
// price quote maintained by the fee oracle.
package relayer

import (
	"math/big"
	"time"
)

// Account tracks accrued compensation for one relayer address. The balance
// only increases through compensation and only decreases through withdrawal.
type Account struct {
	Address          string
	AccruedBalance   *big.Int
	DailyCompensated *big.Int
	LastDailyReset   time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Clone returns a deep copy safe to hand across store boundaries.
func (a Account) Clone() Account {
	out := a
	if a.AccruedBalance != nil {
		out.AccruedBalance = new(big.Int).Set(a.AccruedBalance)
	}
	if a.DailyCompensated != nil {
		out.DailyCompensated = new(big.Int).Set(a.DailyCompensated)
	}
	return out
}

// GasQuote is the current gas price observation. It is only mutated by the
// fee oracle's gated update path.
type GasQuote struct {
	Price         *big.Int
	LastUpdatedAt time.Time
}

// Clone returns a deep copy of the quote.
func (q GasQuote) Clone() GasQuote {
	out := q
	if q.Price != nil {
		out.Price = new(big.Int).Set(q.Price)
	}
	return out
}
