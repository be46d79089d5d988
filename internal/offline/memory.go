package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

// MemoryStore является недолговечной реализацией Store для тестов.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	pending   []model.PendingSubmission
	resolved  map[string]model.Resolution
	sequences map[string]int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore создаёт пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resolved:  make(map[string]model.Resolution),
		sequences: make(map[string]int64),
	}
}

func (m *MemoryStore) indexOf(okp string) int {
	for i := range m.pending {
		if m.pending[i].OKP == okp {
			return i
		}
	}
	return -1
}

func clonePending(sub model.PendingSubmission) model.PendingSubmission {
	sub.Payload = append([]byte(nil), sub.Payload...)
	return sub
}

func (m *MemoryStore) Enqueue(_ context.Context, sub *model.PendingSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.resolved[sub.OKP]; ok || m.indexOf(sub.OKP) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSubmission, sub.OKP)
	}

	m.nextID++
	sub.ID = m.nextID
	sub.EnqueuedAt = time.Now().UTC()
	m.pending = append(m.pending, clonePending(*sub))

	if sub.Sequence > m.sequences[sub.CashRegisterCode] {
		m.sequences[sub.CashRegisterCode] = sub.Sequence
	}
	return nil
}

func (m *MemoryStore) PeekOldest(_ context.Context, register string) (*model.PendingSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.pending {
		if m.pending[i].CashRegisterCode == register {
			sub := clonePending(m.pending[i])
			return &sub, nil
		}
	}
	return nil, ErrEmpty
}

func (m *MemoryStore) Dequeue(_ context.Context, okp string, res model.Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(okp)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, okp)
	}

	sub := m.pending[i]
	m.pending = append(m.pending[:i], m.pending[i+1:]...)

	res.OKP = okp
	res.CashRegisterCode = sub.CashRegisterCode
	res.Kind = sub.Kind
	res.Attempts = max(sub.Attempts, res.Attempts)
	res.ResolvedAt = resolvedAt(res)
	res.Outcome.OKP = okp
	m.resolved[okp] = res
	return nil
}

func (m *MemoryStore) RecordAttempt(_ context.Context, okp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(okp)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, okp)
	}
	m.pending[i].Attempts++
	return nil
}

func (m *MemoryStore) NextSequence(_ context.Context, register string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sequences[register]++
	return m.sequences[register], nil
}

func (m *MemoryStore) Registers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var registers []string
	for _, sub := range m.pending {
		if _, ok := seen[sub.CashRegisterCode]; ok {
			continue
		}
		seen[sub.CashRegisterCode] = struct{}{}
		registers = append(registers, sub.CashRegisterCode)
	}
	return registers, nil
}

func (m *MemoryStore) Pending(_ context.Context, register string) ([]model.PendingSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.PendingSubmission
	for _, sub := range m.pending {
		if sub.CashRegisterCode == register {
			res = append(res, clonePending(sub))
		}
	}
	return res, nil
}

func (m *MemoryStore) Resolution(_ context.Context, okp string) (*model.Resolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.resolved[okp]
	if !ok {
		return nil, ErrNotFound
	}
	return &res, nil
}

func (m *MemoryStore) Close() error { return nil }
