package ledger

import (
	"context"
	"fmt"
	"sync"
)

type memAccount struct {
	paid     int
	promo    int
	reserved int
}

type memEntry struct {
	op        string
	amount    int
	promoPart int
}

// MemoryStore is an in-memory Store with the same semantics as the MySQL
// implementation. It backs tests and NATS-less development runs.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[int64]*memAccount
	entries  map[string]memEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]*memAccount),
		entries:  make(map[string]memEntry),
	}
}

// SeedAccount sets the starting balances for an account.
func (s *MemoryStore) SeedAccount(accountID int64, paid, promo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountID] = &memAccount{paid: paid, promo: promo}
}

// Balances reports (paid, promo, reserved) for an account.
func (s *MemoryStore) Balances(accountID int64) (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[accountID]
	if a == nil {
		return 0, 0, 0
	}
	return a.paid, a.promo, a.reserved
}

// EntryCount reports how many ledger rows exist for the triple. Zero or one
// by construction.
func (s *MemoryStore) EntryCount(accountID int64, correlationID, op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entryKey(accountID, correlationID, op)]; ok {
		return 1
	}
	return 0
}

func (s *MemoryStore) Hold(ctx context.Context, accountID int64, correlationID string, amount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(accountID, correlationID, OpHold)
	if _, dup := s.entries[key]; dup {
		return false, nil
	}
	a := s.account(accountID)
	if a.paid+a.promo < amount {
		return false, ErrInsufficientCredit
	}
	promoPart := min(a.promo, amount)
	a.promo -= promoPart
	a.paid -= amount - promoPart
	a.reserved += amount
	s.entries[key] = memEntry{op: OpHold, amount: amount, promoPart: promoPart}
	return true, nil
}

func (s *MemoryStore) Capture(ctx context.Context, accountID int64, correlationID string, amount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.entries[entryKey(accountID, correlationID, OpHold)]; !held {
		return false, ErrNoPriorHold
	}
	key := entryKey(accountID, correlationID, OpCapture)
	if _, dup := s.entries[key]; dup {
		return false, nil
	}
	a := s.account(accountID)
	a.reserved -= amount
	if a.reserved < 0 {
		a.reserved = 0
	}
	s.entries[key] = memEntry{op: OpCapture, amount: amount}
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, accountID int64, correlationID string, amount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hold, held := s.entries[entryKey(accountID, correlationID, OpHold)]
	if !held {
		return false, ErrNoPriorHold
	}
	key := entryKey(accountID, correlationID, OpRelease)
	if _, dup := s.entries[key]; dup {
		return false, nil
	}
	a := s.account(accountID)
	a.promo += hold.promoPart
	a.paid += amount - hold.promoPart
	a.reserved -= amount
	if a.reserved < 0 {
		a.reserved = 0
	}
	s.entries[key] = memEntry{op: OpRelease, amount: amount, promoPart: hold.promoPart}
	return true, nil
}

func (s *MemoryStore) Grant(ctx context.Context, accountID int64, correlationID string, amount int, pool Pool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(accountID, correlationID, OpGrant)
	if _, dup := s.entries[key]; dup {
		return false, nil
	}
	a := s.account(accountID)
	promoPart := 0
	if pool == PoolPromo {
		a.promo += amount
		promoPart = amount
	} else {
		a.paid += amount
	}
	s.entries[key] = memEntry{op: OpGrant, amount: amount, promoPart: promoPart}
	return true, nil
}

func (s *MemoryStore) account(accountID int64) *memAccount {
	a := s.accounts[accountID]
	if a == nil {
		a = &memAccount{}
		s.accounts[accountID] = a
	}
	return a
}

func entryKey(accountID int64, correlationID, op string) string {
	return fmt.Sprintf("%d|%s|%s", accountID, correlationID, op)
}
