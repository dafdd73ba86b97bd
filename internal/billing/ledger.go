// Package billing defines the credit-ledger contract the call lifecycle
// depends on. The real ledger lives in the billing system; this package
// carries the interface and an in-memory implementation used for tests
// and single-node deployments.
package billing

import (
	"fmt"
	"sync"
)

// Ledger is the external credit collaborator. One credit unit covers one
// started minute of call time.
type Ledger interface {
	// Balance returns the owner's current credit balance.
	Balance(ownerID string) (int, error)
	// Deduct removes units from the owner's balance. It fails when the
	// balance would go negative; partial deductions never happen.
	Deduct(ownerID string, units int) error
}

// MemoryLedger is a mutex-guarded in-memory Ledger
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int
}

// NewMemoryLedger creates a ledger with the given starting balances
func NewMemoryLedger(balances map[string]int) *MemoryLedger {
	b := make(map[string]int, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &MemoryLedger{balances: b}
}

func (l *MemoryLedger) Balance(ownerID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[ownerID], nil
}

func (l *MemoryLedger) Deduct(ownerID string, units int) error {
	if units < 0 {
		return fmt.Errorf("negative deduction of %d units", units)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balances[ownerID]
	if balance < units {
		return fmt.Errorf("insufficient credit: balance %d, need %d", balance, units)
	}
	l.balances[ownerID] = balance - units
	return nil
}

// Credit adds units to the owner's balance
func (l *MemoryLedger) Credit(ownerID string, units int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[ownerID] += units
}
