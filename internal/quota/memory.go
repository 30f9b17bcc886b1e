package quota

import (
	"context"
	"sync"
	"time"
)

type ledgerKey struct {
	key string
	op  Operation
}

// MemoryStore is an in-memory Store with the same all-or-nothing
// transaction semantics as the SQL store: WithinTx works on a clone of
// the state and swaps it in only on success. A single mutex serializes
// transactions, which also models the database's row-level
// serialization for the unit tests. Useful for tests and local dev.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*Account
	reservations map[string]*Reservation
	ledger       map[ledgerKey]*IdempotencyRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*Account),
		reservations: make(map[string]*Reservation),
		ledger:       make(map[ledgerKey]*IdempotencyRecord),
	}
}

func (s *MemoryStore) ReadAccount(_ context.Context, accountID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrNoActiveAccount
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) LookupLedger(_ context.Context, key string, op Operation) (*IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ledger[ledgerKey{key, op}]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetReservation(_ context.Context, key string) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.reservations[key]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *res
	return &cp, nil
}

func (s *MemoryStore) PendingReserved(_ context.Context, accountID string, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumPending(s.reservations, accountID, now), nil
}

func (s *MemoryStore) ExpirePending(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, res := range s.reservations {
		if res.Status == ReservationPending && res.ExpiresAt.Before(now) {
			res.Status = ReservationExpired
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		accounts:     cloneMap(s.accounts),
		reservations: cloneMap(s.reservations),
		ledger:       cloneLedger(s.ledger),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.accounts = tx.accounts
	s.reservations = tx.reservations
	s.ledger = tx.ledger
	return nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *acct
	if cp.Status == "" {
		cp.Status = AccountActive
	}
	cp.Remaining = cp.Initial - cp.Used
	s.accounts[cp.AccountID] = &cp
	return nil
}

// memTx operates on cloned maps; the store swaps them in on commit.
// The store mutex is held for the whole transaction, so row locks are
// implicit and LockAccount/LockReservation are plain reads.
type memTx struct {
	accounts     map[string]*Account
	reservations map[string]*Reservation
	ledger       map[ledgerKey]*IdempotencyRecord
}

var _ Tx = (*memTx)(nil)

func (t *memTx) LookupLedger(_ context.Context, key string, op Operation) (*IdempotencyRecord, error) {
	rec, ok := t.ledger[ledgerKey{key, op}]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (t *memTx) RecordLedger(_ context.Context, rec *IdempotencyRecord) error {
	lk := ledgerKey{rec.Key, rec.Operation}
	if _, exists := t.ledger[lk]; exists {
		return ErrDuplicateKey
	}
	cp := *rec
	t.ledger[lk] = &cp
	return nil
}

func (t *memTx) TryDecrement(_ context.Context, accountID string, amount int64, now time.Time) (DecrementResult, error) {
	acct, ok := t.accounts[accountID]
	if !ok || acct.Status != AccountActive || acct.IsExpired(now) || acct.Remaining < amount {
		return DecrementResult{}, nil
	}
	acct.Remaining -= amount
	acct.Used += amount
	acct.UpdatedAt = now
	return DecrementResult{Applied: true, RemainingAfter: acct.Remaining}, nil
}

func (t *memTx) Increment(_ context.Context, accountID string, amount int64) (IncrementResult, error) {
	acct, ok := t.accounts[accountID]
	if !ok {
		return IncrementResult{}, nil
	}
	restore := amount
	if restore > acct.Used {
		restore = acct.Used
	}
	acct.Used -= restore
	acct.Remaining += restore
	return IncrementResult{Restored: restore, UsedAfter: acct.Used, RemainingAfter: acct.Remaining}, nil
}

func (t *memTx) LockAccount(_ context.Context, accountID string) (*Account, error) {
	acct, ok := t.accounts[accountID]
	if !ok {
		return nil, ErrNoActiveAccount
	}
	cp := *acct
	return &cp, nil
}

func (t *memTx) ReadAccount(ctx context.Context, accountID string) (*Account, error) {
	return t.LockAccount(ctx, accountID)
}

func (t *memTx) PendingReserved(_ context.Context, accountID string, now time.Time) (int64, error) {
	return sumPending(t.reservations, accountID, now), nil
}

func (t *memTx) InsertReservation(_ context.Context, res *Reservation) error {
	cp := *res
	t.reservations[cp.Key] = &cp
	return nil
}

func (t *memTx) LockReservation(_ context.Context, key string) (*Reservation, error) {
	res, ok := t.reservations[key]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *res
	return &cp, nil
}

func (t *memTx) TransitionReservation(_ context.Context, key string, from, to ReservationStatus, at time.Time) (bool, error) {
	res, ok := t.reservations[key]
	if !ok || res.Status != from {
		return false, nil
	}
	res.Status = to
	switch to {
	case ReservationConfirmed:
		res.ConfirmedAt = &at
	case ReservationCancelled:
		res.CancelledAt = &at
	}
	return true, nil
}

func sumPending(reservations map[string]*Reservation, accountID string, now time.Time) int64 {
	var sum int64
	for _, res := range reservations {
		if res.AccountID == accountID && res.Status == ReservationPending && res.ExpiresAt.After(now) {
			sum += res.Amount
		}
	}
	return sum
}

func cloneMap[V Account | Reservation](src map[string]*V) map[string]*V {
	dst := make(map[string]*V, len(src))
	for k, v := range src {
		cp := *v
		dst[k] = &cp
	}
	return dst
}

func cloneLedger(src map[ledgerKey]*IdempotencyRecord) map[ledgerKey]*IdempotencyRecord {
	dst := make(map[ledgerKey]*IdempotencyRecord, len(src))
	for k, v := range src {
		cp := *v
		dst[k] = &cp
	}
	return dst
}
