package lockset_test

import (
	"sync"
	"testing"

	"github.com/fanbase/market-engine/internal/lockset"
)

func TestLock_SerializesSameKey(t *testing.T) {
	var s lockset.Set
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("instrument:BOS", "user:alice")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
	if s.Len() != 0 {
		t.Errorf("tracked keys = %d, want 0 after release", s.Len())
	}
}

func TestLock_OppositeOrderDoesNotDeadlock(t *testing.T) {
	var s lockset.Set
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Lock("a", "b")()
		}()
		go func() {
			defer wg.Done()
			s.Lock("b", "a")()
		}()
	}
	wg.Wait()
}

func TestLock_DuplicateKeys(t *testing.T) {
	var s lockset.Set
	unlock := s.Lock("x", "x", "y")
	if s.Len() != 2 {
		t.Errorf("tracked keys = %d, want 2", s.Len())
	}
	unlock()
	if s.Len() != 0 {
		t.Errorf("tracked keys = %d, want 0", s.Len())
	}
}
