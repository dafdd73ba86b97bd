package pool

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestReserveUpToCeiling(t *testing.T) {
	m := NewManager(2, zerolog.Nop())

	if !m.Reserve("call-1", "cred-a") {
		t.Fatal("first reservation should succeed")
	}
	if !m.Reserve("call-2", "cred-a") {
		t.Fatal("second reservation should succeed")
	}
	if m.Reserve("call-3", "cred-a") {
		t.Error("third reservation should be rejected at ceiling 2")
	}

	// Other credentials have their own ceiling
	if !m.Reserve("call-4", "cred-b") {
		t.Error("reservation against a different credential should succeed")
	}
}

func TestReserveDuplicateCall(t *testing.T) {
	m := NewManager(5, zerolog.Nop())

	if !m.Reserve("call-1", "cred-a") {
		t.Fatal("reservation should succeed")
	}
	// Re-reserving the same call keeps its single slot
	if !m.Reserve("call-1", "cred-a") {
		t.Error("re-reservation for the same call should succeed")
	}
	if m.ActiveCount("cred-a") != 1 {
		t.Errorf("expected 1 active, got %d", m.ActiveCount("cred-a"))
	}
	// A single release must free it entirely
	m.Release("call-1")
	if m.ActiveCount("cred-a") != 0 {
		t.Errorf("expected 0 active after release, got %d", m.ActiveCount("cred-a"))
	}
}

func TestReserveSameCallDifferentCredential(t *testing.T) {
	m := NewManager(5, zerolog.Nop())

	if !m.Reserve("call-1", "cred-a") {
		t.Fatal("reservation should succeed")
	}
	if m.Reserve("call-1", "cred-b") {
		t.Error("a call cannot move its slot to another credential")
	}
	if m.ActiveCount("cred-a") != 1 || m.ActiveCount("cred-b") != 0 {
		t.Errorf("unexpected counts: a=%d b=%d", m.ActiveCount("cred-a"), m.ActiveCount("cred-b"))
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager(1, zerolog.Nop())

	m.Reserve("call-1", "cred-a")
	m.Release("call-1")
	m.Release("call-1") // second release must be a no-op
	m.Release("never-reserved")

	if m.ActiveCount("cred-a") != 0 {
		t.Errorf("expected 0 active after release, got %d", m.ActiveCount("cred-a"))
	}
	if !m.Reserve("call-2", "cred-a") {
		t.Error("slot should be reusable after release")
	}
}

func TestConcurrentReservationsRespectCeiling(t *testing.T) {
	const ceiling = 5
	m := NewManager(ceiling, zerolog.Nop())

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if m.Reserve(fmt.Sprintf("call-%d", n), "cred-a") {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if granted != ceiling {
		t.Errorf("expected exactly %d granted reservations, got %d", ceiling, granted)
	}
	if m.ActiveCount("cred-a") != ceiling {
		t.Errorf("expected %d active, got %d", ceiling, m.ActiveCount("cred-a"))
	}
}

func TestSnapshot(t *testing.T) {
	m := NewManager(3, zerolog.Nop())
	m.Reserve("call-1", "cred-a")
	m.Reserve("call-2", "cred-a")
	m.Reserve("call-3", "cred-b")

	snap := m.Snapshot()
	if snap["cred-a"] != 2 || snap["cred-b"] != 1 {
		t.Errorf("unexpected snapshot: %v", snap)
	}
	if m.TotalActive() != 3 {
		t.Errorf("expected 3 total, got %d", m.TotalActive())
	}
}
