package pcitopology

import "testing"

func TestFixedSlotsStable(t *testing.T) {
	top := New(MachineI440FX)
	a, err := top.Assign("virtioscsi")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	b, err := top.Assign("virtioscsi")
	if err != nil {
		t.Fatalf("Assign (again): %v", err)
	}
	if a != b {
		t.Fatalf("fixed slot changed across calls: %v vs %v", a, b)
	}
	if a.Bus != "pci.0" || a.Device != 5 {
		t.Fatalf("unexpected virtioscsi slot: %v", a)
	}
}

func TestIndexedOverflowGrowsBridge(t *testing.T) {
	top := New(MachineI440FX)
	for i := 0; i < netSlotsPerBus+1; i++ {
		if _, err := top.AssignIndexed("net", i); err != nil {
			t.Fatalf("AssignIndexed(net, %d): %v", i, err)
		}
	}
	if len(top.bridges) == 0 {
		t.Fatalf("expected bridge overflow after %d net devices", netSlotsPerBus+1)
	}
}

func TestQ35RootPorts(t *testing.T) {
	top := New(MachineQ35)
	slot, err := top.AssignIndexed("net", 0)
	if err != nil {
		t.Fatalf("AssignIndexed: %v", err)
	}
	if slot.Bus != "pcie.0" {
		t.Fatalf("q35 device must land on pcie.0, got %s", slot.Bus)
	}
}

func TestValidateIDEOnPCIe(t *testing.T) {
	if err := ValidateIDEOnPCIe(MachineQ35, "aarch64", true); err == nil {
		t.Fatalf("expected error for ide on aarch64 virt")
	}
	if err := ValidateIDEOnPCIe(MachineQ35, "x86_64", true); err != nil {
		t.Fatalf("unexpected error for ide on x86_64 q35: %v", err)
	}
}
