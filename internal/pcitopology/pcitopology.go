// Package pcitopology assigns PCI/PCIe bus:slot.function addresses to
// the device set a VM config requires, and emits the bridge topology
// QEMU needs to expose enough logical slots. The bridge-emission idiom
// (an addBus helper that grows the bridge chain on demand) is grounded
// on minimega's kvm.go qemuArgs/addBus.
package pcitopology

import (
	"fmt"

	"github.com/pkg/errors"
)

// MachineKind distinguishes the two chipsets this model supports.
type MachineKind int

const (
	MachineI440FX MachineKind = iota
	MachineQ35
)

// Slot is a resolved PCI address.
type Slot struct {
	Bus      string // bus id: "pci.0", "pci.1", ... or "pcie.0"
	Device   int    // slot number on Bus
	Function int
}

func (s Slot) String() string {
	if s.Function == 0 {
		return fmt.Sprintf("bus=%s,addr=0x%x", s.Bus, s.Device)
	}
	return fmt.Sprintf("bus=%s,addr=0x%x.%d", s.Bus, s.Device, s.Function)
}

// LogicalID names a device by the role it plays in the config (spec
// §4.3), e.g. "net0", "virtioscsi", "balloon", "vga".
type LogicalID string

// fixed i440fx slot table: logical ids always land on the same bus:slot
// regardless of which other devices are present, so hot-plug reattach
// after a restart is deterministic.
var i440fxFixed = map[LogicalID]Slot{
	"lsi":         {Bus: "pci.0", Device: 4},
	"virtioscsi":  {Bus: "pci.0", Device: 5},
	"virtio0":     {Bus: "pci.0", Device: 10},
	"balloon":     {Bus: "pci.0", Device: 18},
	"vga":         {Bus: "pci.0", Device: 2},
	"ivshmem":     {Bus: "pci.0", Device: 1},
	"audio0":      {Bus: "pci.0", Device: 3},
	"xhci":        {Bus: "pci.0", Device: 7},
	"efidisk0":    {Bus: "pci.0", Device: 22},
	"tpmstate0":   {Bus: "pci.0", Device: 21},
	"ahci0":       {Bus: "pci.0", Device: 6},
}

const (
	netBaseSlot      = 12 // net0..net31 walk slots 12..19 then overflow to bridge
	netSlotsPerBus   = 8
	usbBaseSlot      = 8
	virtioDiskBase   = 10
	virtioDiskPerBus = 6
	maxPCIBridgeDevs = 31 // slot 0 reserved for the bridge's own upstream port
)

// q35 PCIe root ports occupy function slots 10.0-11.3 across 12 logical
// ports (numbered 4-15 to leave 0-3 for chipset-reserved devices).
const (
	q35RootPortBaseIndex = 4
	q35RootPortCount     = 12
)

func q35RootPort(index int) (Slot, error) {
	if index < q35RootPortBaseIndex || index >= q35RootPortBaseIndex+q35RootPortCount {
		return Slot{}, errors.Errorf("pcitopology: root port index %d out of range", index)
	}
	n := index - q35RootPortBaseIndex
	dev := 0x10 + n/8
	fn := n % 8
	return Slot{Bus: "pcie.0", Device: dev, Function: fn}, nil
}

// Topology accumulates bridge/slot assignments for one VM launch.
type Topology struct {
	machine      MachineKind
	bridges      []string // pci.1, pci.2, ... already emitted, in order
	nextBridge   int
	usedByBridge map[string]int
	assigned     map[LogicalID]Slot
	nextRootPort int
}

// New returns an empty Topology for the given chipset.
func New(machine MachineKind) *Topology {
	return &Topology{
		machine:      machine,
		usedByBridge: map[string]int{"pci.0": 1}, // slot 0 reserved for host bridge
		assigned:     map[LogicalID]Slot{},
		nextRootPort: q35RootPortBaseIndex,
	}
}

// Assign resolves the address for a fixed logical device on i440fx, or
// allocates the next free PCIe root port slot on q35.
func (t *Topology) Assign(id LogicalID) (Slot, error) {
	if s, ok := t.assigned[id]; ok {
		return s, nil
	}

	var slot Slot
	var err error
	switch t.machine {
	case MachineI440FX:
		fixed, ok := i440fxFixed[id]
		if !ok {
			slot, err = t.allocateOverflow("pci.0")
		} else {
			slot = fixed
		}
	case MachineQ35:
		slot, err = q35RootPort(t.nextRootPort)
		if err == nil {
			t.nextRootPort++
		}
	default:
		err = errors.Errorf("pcitopology: unknown machine kind %d", t.machine)
	}
	if err != nil {
		return Slot{}, err
	}

	t.assigned[id] = slot
	return slot, nil
}

// AssignIndexed resolves the slot for an indexed device class (net0,
// net1, ..., virtio0, virtio1, ...) by walking fixed base slots and
// spilling into bridge-extension buses once a bus fills up.
func (t *Topology) AssignIndexed(class string, index int) (Slot, error) {
	id := LogicalID(fmt.Sprintf("%s%d", class, index))
	if s, ok := t.assigned[id]; ok {
		return s, nil
	}

	var base, per int
	switch class {
	case "net":
		base, per = netBaseSlot, netSlotsPerBus
	case "virtio":
		base, per = virtioDiskBase, virtioDiskPerBus
	case "usb":
		base, per = usbBaseSlot, 4
	default:
		return Slot{}, errors.Errorf("pcitopology: unknown indexed class %q", class)
	}

	if t.machine == MachineQ35 {
		slot, err := q35RootPort(t.nextRootPort)
		if err != nil {
			return Slot{}, err
		}
		t.nextRootPort++
		t.assigned[id] = slot
		return slot, nil
	}

	busIndex := index / per
	slotNum := base + index%per
	bus := "pci.0"
	if busIndex > 0 {
		var err error
		bus, err = t.ensureBridge(busIndex)
		if err != nil {
			return Slot{}, err
		}
	}
	slot := Slot{Bus: bus, Device: slotNum}
	t.assigned[id] = slot
	return slot, nil
}

func (t *Topology) allocateOverflow(preferredBus string) (Slot, error) {
	used := t.usedByBridge[preferredBus]
	if used < maxPCIBridgeDevs {
		t.usedByBridge[preferredBus] = used + 1
		return Slot{Bus: preferredBus, Device: used}, nil
	}
	bus, err := t.ensureBridge(len(t.bridges) + 1)
	if err != nil {
		return Slot{}, err
	}
	used = t.usedByBridge[bus]
	t.usedByBridge[bus] = used + 1
	return Slot{Bus: bus, Device: used}, nil
}

// ensureBridge returns the name of the nth extension bus, emitting a new
// pci-bridge on pci.0 the first time it is requested. Mirrors kvm.go's
// addBus pattern of growing the bridge chain lazily.
func (t *Topology) ensureBridge(n int) (string, error) {
	if t.machine == MachineQ35 {
		return "", errors.New("pcitopology: bridge overflow buses are not used on q35")
	}
	name := fmt.Sprintf("pci.%d", n)
	for _, b := range t.bridges {
		if b == name {
			return name, nil
		}
	}
	if n > 8 {
		return "", errors.Errorf("pcitopology: too many PCI bridges required (%d)", n)
	}
	t.bridges = append(t.bridges, name)
	if _, ok := t.usedByBridge[name]; !ok {
		t.usedByBridge[name] = 1
	}
	return name, nil
}

// BridgeDeviceArgs returns the -device arguments needed to instantiate
// every bridge this topology has allocated, in creation order.
func (t *Topology) BridgeDeviceArgs() []string {
	args := make([]string, 0, len(t.bridges))
	for i, name := range t.bridges {
		args = append(args, bridgeDeviceArg(name, i))
	}
	return args
}

func bridgeDeviceArg(name string, creationIndex int) string {
	return fmt.Sprintf("pci-bridge,id=%s,chassis_nr=%d,bus=pci.0,addr=0x%x", name, creationIndex+1, 0x1e-creationIndex)
}

// EnsureBridge grows the bridge chain to include extension bus n if it
// does not already exist, returning its name and whether this call is
// what created it — a hot-plug caller needs to know whether it must
// device_add the bridge itself before plugging onto it, since a boot-time
// caller emits every bridge up front via BridgeDeviceArgs instead.
func (t *Topology) EnsureBridge(n int) (name string, created bool, err error) {
	before := len(t.bridges)
	name, err = t.ensureBridge(n)
	if err != nil {
		return "", false, err
	}
	return name, len(t.bridges) > before, nil
}

// BridgeDeviceArg renders the -device argument for a single already-
// allocated bridge, for hot-plugging one bridge at a time rather than the
// full BridgeDeviceArgs list emitted at boot.
func (t *Topology) BridgeDeviceArg(name string) (string, bool) {
	for i, b := range t.bridges {
		if b == name {
			return bridgeDeviceArg(name, i), true
		}
	}
	return "", false
}

// BusIndex returns which extension bus (0 for pci.0, 1 for pci.1, ...) a
// bus name refers to, used by callers that need to know whether a slot
// requires a bridge prerequisite before it can be hot-plugged onto.
func BusIndex(bus string) int {
	var n int
	if _, err := fmt.Sscanf(bus, "pci.%d", &n); err != nil {
		return 0
	}
	return n
}

// ValidateIDEOnPCIe enforces that IDE controllers are never requested on
// the aarch64 "virt" machine, which exposes only a PCIe bus with no
// legacy IDE bridge path.
func ValidateIDEOnPCIe(machine MachineKind, arch string, wantsIDE bool) error {
	if arch == "aarch64" && machine == MachineQ35 && wantsIDE {
		return errors.New("pcitopology: ide drives are not supported on the aarch64 virt machine")
	}
	return nil
}
