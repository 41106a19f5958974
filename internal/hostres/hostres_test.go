package hostres

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostres.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReservePCIRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.ReservePCI("0000:01:00.0", 100); err != nil {
		t.Fatalf("ReservePCI: %v", err)
	}

	reservations, err := s.ListPCIByVM(100)
	if err != nil {
		t.Fatalf("ListPCIByVM: %v", err)
	}
	if len(reservations) != 1 || reservations[0].Address != "0000:01:00.0" {
		t.Fatalf("reservations = %+v", reservations)
	}
}

func TestReservePCIConflict(t *testing.T) {
	s := openTestStore(t)

	if err := s.ReservePCI("0000:01:00.0", 100); err != nil {
		t.Fatalf("ReservePCI: %v", err)
	}
	if err := s.ReservePCI("0000:01:00.0", 200); err == nil {
		t.Fatal("expected conflict reserving a device already held by another VM")
	}
	// Re-reserving for the same VM is idempotent.
	if err := s.ReservePCI("0000:01:00.0", 100); err != nil {
		t.Fatalf("re-reserve by owning VM should succeed: %v", err)
	}
}

func TestReleasePCIRequiresOwningVM(t *testing.T) {
	s := openTestStore(t)

	if err := s.ReservePCI("0000:02:00.0", 100); err != nil {
		t.Fatalf("ReservePCI: %v", err)
	}
	if err := s.ReleasePCI("0000:02:00.0", 200); err == nil {
		t.Fatal("expected error releasing a reservation owned by a different VM")
	}
	if err := s.ReleasePCI("0000:02:00.0", 100); err != nil {
		t.Fatalf("ReleasePCI: %v", err)
	}

	reservations, err := s.ListPCIByVM(100)
	if err != nil {
		t.Fatalf("ListPCIByVM: %v", err)
	}
	if len(reservations) != 0 {
		t.Fatalf("reservations after release = %+v, want none", reservations)
	}
}

func TestReleasePCIMissingIsNoop(t *testing.T) {
	s := openTestStore(t)
	if err := s.ReleasePCI("0000:03:00.0", 100); err != nil {
		t.Fatalf("ReleasePCI on missing reservation should be a no-op: %v", err)
	}
}

func TestHugepageReservationTotals(t *testing.T) {
	s := openTestStore(t)

	if err := s.ReserveHugepages(100, 0, 2048, 512); err != nil {
		t.Fatalf("ReserveHugepages: %v", err)
	}
	if err := s.ReserveHugepages(200, 0, 2048, 256); err != nil {
		t.Fatalf("ReserveHugepages: %v", err)
	}
	// Different node/page size should not contribute to the same total.
	if err := s.ReserveHugepages(100, 1, 2048, 999); err != nil {
		t.Fatalf("ReserveHugepages: %v", err)
	}

	total, err := s.TotalHugepagesReserved(0, 2048)
	if err != nil {
		t.Fatalf("TotalHugepagesReserved: %v", err)
	}
	if total != 768 {
		t.Errorf("total = %d, want 768", total)
	}

	if err := s.ReleaseHugepages(100, 0); err != nil {
		t.Fatalf("ReleaseHugepages: %v", err)
	}
	total, err = s.TotalHugepagesReserved(0, 2048)
	if err != nil {
		t.Fatalf("TotalHugepagesReserved: %v", err)
	}
	if total != 256 {
		t.Errorf("total after release = %d, want 256", total)
	}
}
