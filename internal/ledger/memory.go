package ledger

import (
	"context"
	"strings"
	"sync"
)

var (
	_ Repository   = (*MemoryRepository)(nil)
	_ TxRepository = (*memoryTx)(nil)
)

// MemoryRepository keeps one direction of the ledger in process memory.
// Transactions are serialized by a single lock, which makes number allocation
// and balance checks atomic without further coordination.
type MemoryRepository struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	bills         map[string]Bill
	billNos       map[string]string
	settlements   map[string]Settlement
	settlementNos map[string]string
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: memoryState{
		bills:         make(map[string]Bill),
		billNos:       make(map[string]string),
		settlements:   make(map[string]Settlement),
		settlementNos: make(map[string]string),
	}}
}

// WithTx runs fn while holding the write lock. When fn fails every change it
// made is undone in reverse order.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{state: &r.state}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (r *MemoryRepository) GetBill(ctx context.Context, id string) (Bill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getBill(id)
}

func (r *MemoryRepository) GetBillByNumber(ctx context.Context, billNo string) (Bill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getBillByNumber(billNo)
}

func (r *MemoryRepository) ListBills(ctx context.Context) ([]Bill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.listBills(), nil
}

func (r *MemoryRepository) GetSettlement(ctx context.Context, id string) (Settlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getSettlement(id)
}

func (r *MemoryRepository) ListSettlements(ctx context.Context, billID string) ([]Settlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.listSettlements(billID), nil
}

func (r *MemoryRepository) CountSettlements(ctx context.Context, billID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.state.listSettlements(billID)), nil
}

func (r *MemoryRepository) ListNumbers(ctx context.Context, scope Scope, prefix string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.listNumbers(scope, prefix), nil
}

func (s *memoryState) getBill(id string) (Bill, error) {
	b, ok := s.bills[id]
	if !ok {
		return Bill{}, ErrNotFound
	}
	return b, nil
}

func (s *memoryState) getBillByNumber(billNo string) (Bill, error) {
	id, ok := s.billNos[billNo]
	if !ok {
		return Bill{}, ErrNotFound
	}
	return s.getBill(id)
}

func (s *memoryState) listBills() []Bill {
	out := make([]Bill, 0, len(s.bills))
	for _, b := range s.bills {
		out = append(out, b)
	}
	return out
}

func (s *memoryState) getSettlement(id string) (Settlement, error) {
	st, ok := s.settlements[id]
	if !ok {
		return Settlement{}, ErrNotFound
	}
	return st, nil
}

func (s *memoryState) listSettlements(billID string) []Settlement {
	var out []Settlement
	for _, st := range s.settlements {
		if billID != "" && st.BillID != billID {
			continue
		}
		out = append(out, st)
	}
	return out
}

func (s *memoryState) listNumbers(scope Scope, prefix string) []string {
	index := s.billNos
	if scope == ScopeSettlement {
		index = s.settlementNos
	}
	var out []string
	for no := range index {
		if strings.HasPrefix(no, prefix) {
			out = append(out, no)
		}
	}
	return out
}

type memoryTx struct {
	state *memoryState
	undo  []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) GetBill(ctx context.Context, id string) (Bill, error) {
	return tx.state.getBill(id)
}

func (tx *memoryTx) GetBillByNumber(ctx context.Context, billNo string) (Bill, error) {
	return tx.state.getBillByNumber(billNo)
}

func (tx *memoryTx) ListBills(ctx context.Context) ([]Bill, error) {
	return tx.state.listBills(), nil
}

func (tx *memoryTx) GetSettlement(ctx context.Context, id string) (Settlement, error) {
	return tx.state.getSettlement(id)
}

func (tx *memoryTx) ListSettlements(ctx context.Context, billID string) ([]Settlement, error) {
	return tx.state.listSettlements(billID), nil
}

func (tx *memoryTx) CountSettlements(ctx context.Context, billID string) (int, error) {
	return len(tx.state.listSettlements(billID)), nil
}

func (tx *memoryTx) ListNumbers(ctx context.Context, scope Scope, prefix string) ([]string, error) {
	return tx.state.listNumbers(scope, prefix), nil
}

func (tx *memoryTx) LockBill(ctx context.Context, id string) (Bill, error) {
	return tx.state.getBill(id)
}

func (tx *memoryTx) InsertBill(ctx context.Context, b Bill) error {
	s := tx.state
	if _, exists := s.bills[b.ID]; exists {
		return ErrDuplicateNumber
	}
	if _, taken := s.billNos[b.BillNo]; taken {
		return ErrDuplicateNumber
	}
	s.bills[b.ID] = b
	s.billNos[b.BillNo] = b.ID
	tx.undo = append(tx.undo, func() {
		delete(s.bills, b.ID)
		delete(s.billNos, b.BillNo)
	})
	return nil
}

func (tx *memoryTx) UpdateBill(ctx context.Context, b Bill) error {
	s := tx.state
	prev, ok := s.bills[b.ID]
	if !ok {
		return ErrNotFound
	}
	if b.BillNo != prev.BillNo {
		if _, taken := s.billNos[b.BillNo]; taken {
			return ErrDuplicateNumber
		}
		delete(s.billNos, prev.BillNo)
		s.billNos[b.BillNo] = b.ID
	}
	s.bills[b.ID] = b
	tx.undo = append(tx.undo, func() {
		if b.BillNo != prev.BillNo {
			delete(s.billNos, b.BillNo)
			s.billNos[prev.BillNo] = prev.ID
		}
		s.bills[prev.ID] = prev
	})
	return nil
}

func (tx *memoryTx) DeleteBill(ctx context.Context, id string) error {
	s := tx.state
	prev, ok := s.bills[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.bills, id)
	delete(s.billNos, prev.BillNo)
	tx.undo = append(tx.undo, func() {
		s.bills[id] = prev
		s.billNos[prev.BillNo] = id
	})
	return nil
}

func (tx *memoryTx) InsertSettlement(ctx context.Context, st Settlement) error {
	s := tx.state
	if _, exists := s.settlements[st.ID]; exists {
		return ErrDuplicateNumber
	}
	if _, taken := s.settlementNos[st.SettlementNo]; taken {
		return ErrDuplicateNumber
	}
	s.settlements[st.ID] = st
	s.settlementNos[st.SettlementNo] = st.ID
	tx.undo = append(tx.undo, func() {
		delete(s.settlements, st.ID)
		delete(s.settlementNos, st.SettlementNo)
	})
	return nil
}

func (tx *memoryTx) DeleteSettlement(ctx context.Context, id string) error {
	s := tx.state
	prev, ok := s.settlements[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.settlements, id)
	delete(s.settlementNos, prev.SettlementNo)
	tx.undo = append(tx.undo, func() {
		s.settlements[id] = prev
		s.settlementNos[prev.SettlementNo] = id
	})
	return nil
}
