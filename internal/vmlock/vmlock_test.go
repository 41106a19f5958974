package vmlock

import (
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	m := NewManager(t.TempDir(), time.Second)

	lock, err := m.Acquire(100)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Releasing twice must be safe.
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	m := NewManager(t.TempDir(), 200*time.Millisecond)

	first, err := m.Acquire(100)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	if _, err := m.Acquire(100); err == nil {
		t.Fatal("expected timeout acquiring a lock already held")
	}
}

func TestAcquireIndependentVMIDs(t *testing.T) {
	m := NewManager(t.TempDir(), time.Second)

	first, err := m.Acquire(100)
	if err != nil {
		t.Fatalf("Acquire 100: %v", err)
	}
	defer first.Release()

	second, err := m.Acquire(200)
	if err != nil {
		t.Fatalf("Acquire 200 should not block on VM 100's lock: %v", err)
	}
	defer second.Release()
}

func TestAcquireSucceedsAfterRelease(t *testing.T) {
	m := NewManager(t.TempDir(), 500*time.Millisecond)

	first, err := m.Acquire(100)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		first.Release()
		close(done)
	}()

	second, err := m.Acquire(100)
	if err != nil {
		t.Fatalf("second Acquire should succeed once first is released: %v", err)
	}
	<-done
	second.Release()
}
