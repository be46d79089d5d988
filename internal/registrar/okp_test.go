package registrar

import (
	"sync"
	"testing"
	"time"
)

func TestOKPDeterministic(t *testing.T) {
	issued := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	payload := []byte(`{"items":[1]}`)

	a := OKP("R1", 1, issued, payload)
	b := OKP("R1", 1, issued, payload)
	if a != b {
		t.Fatalf("OKP must be deterministic, got %s and %s", a, b)
	}
	if len(a) != 44 {
		t.Fatalf("OKP length = %d, want 44", len(a))
	}

	variants := []string{
		OKP("R2", 1, issued, payload),
		OKP("R1", 2, issued, payload),
		OKP("R1", 1, issued.Add(time.Millisecond), payload),
		OKP("R1", 1, issued, []byte(`{"items":[2]}`)),
	}
	for i, v := range variants {
		if v == a {
			t.Fatalf("variant %d must produce a different OKP", i)
		}
	}
}

func TestLocksSameRegisterSameMutex(t *testing.T) {
	l := NewLocks()
	if l.For("A") != l.For("A") {
		t.Fatalf("expected the same mutex for one register")
	}
	if l.For("A") == l.For("B") {
		t.Fatalf("expected different mutexes for different registers")
	}

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := l.For("A")
			m.Lock()
			counter++
			m.Unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
}
