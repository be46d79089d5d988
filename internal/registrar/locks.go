package registrar

import "sync"

// Locks выдаёт отдельный мьютекс на каждую кассу.
// Число касс в процессе невелико, поэтому мьютексы не освобождаются.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocks создаёт пустой набор блокировок.
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*sync.Mutex)}
}

// For возвращает мьютекс кассы register.
func (l *Locks) For(register string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[register]
	if !ok {
		m = &sync.Mutex{}
		l.locks[register] = m
	}
	return m
}
