package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"canopy-ledger/internal/services/earnings/commission"
)

// MemoryStore keeps the ledger in process. One mutex serializes every transaction, and a
// failed transaction restores the state captured when it started.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
}

type memoryState struct {
	accounts      map[AccountKey]Account
	transactions  []Transaction
	keys          map[string]struct{}
	payouts       map[string]PayoutRequest
	confirmations map[string]Confirmation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memoryState{
		accounts:      map[AccountKey]Account{},
		keys:          map[string]struct{}{},
		payouts:       map[string]PayoutRequest{},
		confirmations: map[string]Confirmation{},
	}}
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		accounts:      make(map[AccountKey]Account, len(s.accounts)),
		transactions:  append([]Transaction(nil), s.transactions...),
		keys:          make(map[string]struct{}, len(s.keys)),
		payouts:       make(map[string]PayoutRequest, len(s.payouts)),
		confirmations: make(map[string]Confirmation, len(s.confirmations)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k := range s.keys {
		c.keys[k] = struct{}{}
	}
	for k, v := range s.payouts {
		c.payouts[k] = v
	}
	for k, v := range s.confirmations {
		c.confirmations[k] = v
	}
	return c
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&memoryTx{s: &s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, key AccountKey) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.state.accounts[key]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, class commission.Class, cursor string, limit int) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Account
	for k, a := range s.state.accounts {
		if k.Class == class && k.EarnerID > cursor {
			out = append(out, copyAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EarnerID < out[j].EarnerID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, key AccountKey, since time.Time, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for i := len(s.state.transactions) - 1; i >= 0; i-- {
		t := s.state.transactions[i]
		if t.Account != key || (!since.IsZero() && t.CreatedAt.Before(since)) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) TransactionsForOrder(_ context.Context, orderID string) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for _, t := range s.state.transactions {
		if t.OrderID() == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetPayout(_ context.Context, id string) (PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.payouts[id]
	if !ok {
		return PayoutRequest{}, ErrPayoutNotFound
	}
	return copyPayout(p), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Confirmations returns the confirmation recorded for each confirmed transaction id.
func (s *MemoryStore) Confirmations() map[string]Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Confirmation, len(s.state.confirmations))
	for k, v := range s.state.confirmations {
		out[k] = v
	}
	return out
}

// TransactionCount is the number of records in the log.
func (s *MemoryStore) TransactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.transactions)
}

type memoryTx struct {
	s *memoryState
}

func (t *memoryTx) CreateAccount(a Account) error {
	if _, ok := t.s.accounts[a.AccountKey]; !ok {
		t.s.accounts[a.AccountKey] = copyAccount(a)
	}
	return nil
}

func (t *memoryTx) LockAccount(key AccountKey) (Account, bool, error) {
	a, ok := t.s.accounts[key]
	return copyAccount(a), ok, nil
}

func (t *memoryTx) SaveAccount(a Account) error {
	t.s.accounts[a.AccountKey] = copyAccount(a)
	return nil
}

func (t *memoryTx) HasIdempotencyKey(key string) (bool, error) {
	_, ok := t.s.keys[key]
	return ok, nil
}

func (t *memoryTx) AppendTransaction(rec Transaction) error {
	if _, ok := t.s.keys[rec.IdempotencyKey]; ok {
		return ErrDuplicateTransaction
	}
	t.s.transactions = append(t.s.transactions, rec)
	t.s.keys[rec.IdempotencyKey] = struct{}{}
	return nil
}

func (t *memoryTx) CreatePayout(p PayoutRequest) error {
	t.s.payouts[p.ID] = copyPayout(p)
	return nil
}

func (t *memoryTx) LockPayout(id string) (PayoutRequest, error) {
	p, ok := t.s.payouts[id]
	if !ok {
		return PayoutRequest{}, ErrPayoutNotFound
	}
	return copyPayout(p), nil
}

func (t *memoryTx) FindPayoutByKey(idempotencyKey string) (PayoutRequest, bool, error) {
	for _, p := range t.s.payouts {
		if idempotencyKey != "" && p.IdempotencyKey == idempotencyKey {
			return copyPayout(p), true, nil
		}
	}
	return PayoutRequest{}, false, nil
}

func (t *memoryTx) SavePayout(p PayoutRequest) error {
	if _, ok := t.s.payouts[p.ID]; !ok {
		return ErrPayoutNotFound
	}
	t.s.payouts[p.ID] = copyPayout(p)
	return nil
}

func (t *memoryTx) UnconfirmedCommissions(key AccountKey) ([]Transaction, error) {
	var out []Transaction
	for _, rec := range t.s.transactions {
		if rec.Account != key || rec.Type != TxOrderCommission {
			continue
		}
		if _, ok := t.s.confirmations[rec.ID]; ok {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t *memoryTx) ConfirmCommission(c Confirmation) error {
	if _, ok := t.s.confirmations[c.TransactionID]; !ok {
		t.s.confirmations[c.TransactionID] = c
	}
	return nil
}

func copyAccount(a Account) Account {
	if a.Bank != nil {
		b := *a.Bank
		a.Bank = &b
	}
	return a
}

func copyPayout(p PayoutRequest) PayoutRequest {
	p.Allocations = append([]Allocation(nil), p.Allocations...)
	if p.ProcessedAt != nil {
		t := *p.ProcessedAt
		p.ProcessedAt = &t
	}
	return p
}
