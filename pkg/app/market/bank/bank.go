// Package bank keeps payment balances for marketplace participants.
// Amounts are integers in the smallest currency unit. Value enters through
// Deposit (the bridge stand-in) and only moves between accounts afterwards,
// so total supply is conserved across settlements.
package bank

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInsufficientFunds = fmt.Errorf("insufficient funds")

// Bank is a thread-safe map of account balances with a non-negative
// balance invariant.
type Bank struct {
	mu       sync.RWMutex
	balances map[common.Address]int64
}

func New() *Bank {
	return &Bank{balances: make(map[common.Address]int64)}
}

// Deposit credits an account. Amount must be positive.
func (b *Bank) Deposit(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive: %d", amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] += amount
	return nil
}

// Balance returns the current balance of an account (zero if unknown).
func (b *Bank) Balance(addr common.Address) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[addr]
}

// Transfer moves amount from one account to another.
// Fails without state change if from cannot cover the amount.
func (b *Bank) Transfer(from, to common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("transfer amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.balances[from] < amount {
		return fmt.Errorf("account %s has %d, needs %d: %w",
			from.Hex(), b.balances[from], amount, ErrInsufficientFunds)
	}
	b.balances[from] -= amount
	b.balances[to] += amount
	return nil
}

// TotalSupply returns the sum of all balances.
func (b *Bank) TotalSupply() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total int64
	for _, bal := range b.balances {
		total += bal
	}
	return total
}

// HashInto writes a deterministic encoding of all balances in address order.
func (b *Bank) HashInto(w io.Writer) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	addrs := make([]common.Address, 0, len(b.balances))
	for addr := range b.balances {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].Cmp(addrs[j]) < 0
	})

	var buf [8]byte
	for _, addr := range addrs {
		w.Write(addr[:])
		binary.BigEndian.PutUint64(buf[:], uint64(b.balances[addr]))
		w.Write(buf[:])
	}
}
