package services

import (
	"sync"
	"testing"
)

func TestUserLocksSerializeSameUser(t *testing.T) {
	locks := NewUserLocks()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("u1")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50, got %d", counter)
	}
	if locks.size() != 0 {
		t.Errorf("expected lock table to drain, got %d entries", locks.size())
	}
}

func TestUserLocksTryLock(t *testing.T) {
	locks := NewUserLocks()

	unlock := locks.Lock("u1")
	if _, ok := locks.TryLock("u1"); ok {
		t.Fatal("TryLock succeeded while held")
	}
	other, ok := locks.TryLock("u2")
	if !ok {
		t.Fatal("TryLock on another user should succeed")
	}
	other()
	unlock()

	again, ok := locks.TryLock("u1")
	if !ok {
		t.Fatal("TryLock after release should succeed")
	}
	again()
}
