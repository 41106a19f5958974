package memplan

import "testing"

func TestBuildPlan(t *testing.T) {
	p, err := BuildPlan(StaticBaseMB+4*DimmSizeMB, 1, 2, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(p.Dimms) != 4 {
		t.Fatalf("expected 4 dimms, got %d", len(p.Dimms))
	}
	if p.Dimms[0].NodeID != 0 || p.Dimms[1].NodeID != 1 {
		t.Fatalf("expected round-robin NUMA assignment, got %+v", p.Dimms)
	}
	if p.Dimms[3].Cumulative != StaticBaseMB+4*DimmSizeMB {
		t.Fatalf("expected cumulative to reach target, got %d", p.Dimms[3].Cumulative)
	}
}

func TestBuildPlanBandsDouble(t *testing.T) {
	// dimm0..31 at 512MB, dimm32 should be the first at 1024MB.
	target := StaticBaseMB + DimmsPerBand*DimmSizeMB + 2*DimmSizeMB
	p, err := BuildPlan(target, 1, 1, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	last := p.Dimms[len(p.Dimms)-1]
	if last.Index != DimmsPerBand {
		t.Fatalf("expected the extra dimm to be index %d, got %d", DimmsPerBand, last.Index)
	}
	if last.SizeMB != DimmSizeMB*2 {
		t.Fatalf("expected band 1 to double to %d, got %d", DimmSizeMB*2, last.SizeMB)
	}
}

func TestBuildPlanHugepage1GStaticBaseScalesWithSockets(t *testing.T) {
	p, err := BuildPlan(1024*4, 4, 1, true)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(p.Dimms) != 0 {
		t.Fatalf("expected target to land exactly on the static base, got %+v", p.Dimms)
	}
}

func TestBuildPlanRejectsMisalignedTarget(t *testing.T) {
	if _, err := BuildPlan(StaticBaseMB+100, 1, 1, false); err == nil {
		t.Fatalf("expected error for non-multiple-of-DimmSizeMB target")
	}
}

func TestBuildPlanRejectsOverMaxMem(t *testing.T) {
	if _, err := BuildPlan(MaxMemMB+DimmSizeMB, 1, 1, false); err == nil {
		t.Fatalf("expected error for target above MAX_MEM")
	}
}

func TestBuildPlanRejectsBelowStaticBase(t *testing.T) {
	if _, err := BuildPlan(StaticBaseMB-1, 1, 1, false); err == nil {
		t.Fatalf("expected error for target below the static base")
	}
}

func TestDelta(t *testing.T) {
	target, err := BuildPlan(StaticBaseMB+3*DimmSizeMB, 1, 1, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	attached := map[int]bool{0: true, 1: true, 4: true}
	toAdd, toRemove := Delta(target, attached)
	if len(toAdd) != 1 || toAdd[0].Index != 2 {
		t.Fatalf("toAdd = %+v", toAdd)
	}
	if len(toRemove) != 1 || toRemove[0].Index != 4 {
		t.Fatalf("toRemove = %+v", toRemove)
	}
	if toRemove[0].SizeMB != dimmSizeMB(4) {
		t.Fatalf("toRemove size = %d, want %d (band-correct, not the bottom-band constant)", toRemove[0].SizeMB, dimmSizeMB(4))
	}
}

func TestForEachReverseDimmOrder(t *testing.T) {
	target := StaticBaseMB + 3*DimmSizeMB
	var order []int
	if err := ForEachReverseDimm(target, 1, 1, false, func(d Dimm) { order = append(order, d.Index) }); err != nil {
		t.Fatalf("ForEachReverseDimm: %v", err)
	}
	if len(order) != 3 || order[0] != 2 || order[1] != 1 || order[2] != 0 {
		t.Fatalf("unexpected reverse order: %v", order)
	}
}

// TestForwardReverseAgree is the spec's F == reverse(R) invariant: the
// forward plan and the reverse walk must visit the exact same slots, in
// exactly reversed order, with identical per-slot fields.
func TestForwardReverseAgree(t *testing.T) {
	targets := []int{
		StaticBaseMB,
		StaticBaseMB + DimmSizeMB,
		StaticBaseMB + 3*DimmSizeMB,
		StaticBaseMB + DimmsPerBand*DimmSizeMB + 5*(DimmSizeMB*2),
	}
	for _, target := range targets {
		forward, err := BuildPlan(target, 1, 3, false)
		if err != nil {
			t.Fatalf("BuildPlan(%d): %v", target, err)
		}

		var reverse []Dimm
		if err := ForEachReverseDimm(target, 1, 3, false, func(d Dimm) { reverse = append(reverse, d) }); err != nil {
			t.Fatalf("ForEachReverseDimm(%d): %v", target, err)
		}

		if len(reverse) != len(forward.Dimms) {
			t.Fatalf("target %d: forward has %d dimms, reverse visited %d", target, len(forward.Dimms), len(reverse))
		}
		for i, fd := range forward.Dimms {
			rd := reverse[len(reverse)-1-i]
			if fd.Index != rd.Index || fd.SizeMB != rd.SizeMB || fd.NodeID != rd.NodeID || fd.Cumulative != rd.Cumulative {
				t.Fatalf("target %d slot %d: forward %+v != reverse %+v", target, i, fd, rd)
			}
		}
	}
}

func TestForEachReverseDimmRejectsOverMaxMem(t *testing.T) {
	if err := ForEachReverseDimm(MaxMemMB+DimmSizeMB, 1, 1, false, func(Dimm) {}); err == nil {
		t.Fatalf("expected error for target above MAX_MEM")
	}
}
