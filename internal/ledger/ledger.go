// Package ledger owns the balance book: available and reserved amounts per
// asset. Every mutation goes through a method that preserves the invariant
// available + reserved == total; nothing else may write balances.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/amirphl/kraken-trader/internal/market"
)

type entry struct {
	available float64
	reserved  float64
}

// Ledger tracks balances for one account. Safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	assets map[string]*entry
}

// New creates a ledger seeded with initial available balances.
func New(initial map[string]float64) *Ledger {
	l := &Ledger{assets: make(map[string]*entry, len(initial))}
	for asset, amount := range initial {
		l.assets[asset] = &entry{available: amount}
	}
	return l
}

func (l *Ledger) get(asset string) *entry {
	e, ok := l.assets[asset]
	if !ok {
		e = &entry{}
		l.assets[asset] = e
	}
	return e
}

// Reserve moves amount from available to reserved, failing without mutation
// if available funds are insufficient.
func (l *Ledger) Reserve(asset string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %f %s", amount, asset)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.get(asset)
	if e.available < amount-1e-12 {
		return fmt.Errorf("insufficient %s: available %f, need %f", asset, e.available, amount)
	}
	e.available -= amount
	e.reserved += amount
	return nil
}

// Release returns a reservation to available funds, e.g. on cancel or on a
// failed submission after funds were reserved.
func (l *Ledger) Release(asset string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("release amount must be positive, got %f %s", amount, asset)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.get(asset)
	if e.reserved < amount-1e-12 {
		return fmt.Errorf("release exceeds reservation for %s: reserved %f, release %f", asset, e.reserved, amount)
	}
	e.reserved -= amount
	e.available += amount
	return nil
}

// Settle converts a fill: debit debitAmount from the reserved debitAsset and
// credit creditAmount to the available creditAsset. The reservation is
// consumed exactly once.
func (l *Ledger) Settle(debitAsset string, debitAmount float64, creditAsset string, creditAmount float64) error {
	if debitAmount <= 0 || creditAmount < 0 {
		return fmt.Errorf("settle amounts invalid: debit %f %s, credit %f %s", debitAmount, debitAsset, creditAmount, creditAsset)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	de := l.get(debitAsset)
	if de.reserved < debitAmount-1e-12 {
		return fmt.Errorf("settle exceeds reservation for %s: reserved %f, debit %f", debitAsset, de.reserved, debitAmount)
	}
	de.reserved -= debitAmount
	l.get(creditAsset).available += creditAmount
	return nil
}

// Deposit credits available funds. Used at startup and in tests.
func (l *Ledger) Deposit(asset string, amount float64) {
	if amount <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.get(asset).available += amount
}

// SetAll replaces the ledger contents with exchange-reported balances. The
// live backend treats the ledger as a cache of the exchange's authoritative
// state and refreshes it through this method after fills.
func (l *Ledger) SetAll(balances map[string]market.Balance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assets = make(map[string]*entry, len(balances))
	for asset, b := range balances {
		l.assets[asset] = &entry{available: b.Available, reserved: b.Reserved}
	}
}

// Get returns the balance for one asset.
func (l *Ledger) Get(asset string) market.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.assets[asset]
	if !ok {
		return market.Balance{Asset: asset}
	}
	return market.Balance{Asset: asset, Available: e.available, Reserved: e.reserved}
}

// Available returns the spendable amount for one asset.
func (l *Ledger) Available(asset string) float64 { return l.Get(asset).Available }

// Snapshot returns all balances sorted by asset, for persistence and
// reporting.
func (l *Ledger) Snapshot() []market.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]market.Balance, 0, len(l.assets))
	for asset, e := range l.assets {
		out = append(out, market.Balance{Asset: asset, Available: e.available, Reserved: e.reserved})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}
