// Package devicemgr drives the plug/unplug state machine for a single
// device (disk, NIC, USB) against a running VM's QMP connection: issue
// the add/del command, then on add poll a caller-supplied check until the
// device appears (rolling it back with device_del on timeout), and on
// removal wait for QEMU's DEVICE_DELETED event. The wait-before-success
// shape is grounded on minimega's kvm.go hotplugRemove, which
// issues device_del and then waits for the corresponding bus slot to
// clear before declaring success.
package devicemgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nodeplane/vmctl/internal/config"
	"github.com/nodeplane/vmctl/internal/pcitopology"
	"github.com/nodeplane/vmctl/internal/qmp"
	"github.com/nodeplane/vmctl/internal/vmerr"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultPollTimeout   = 10 * time.Second
)

// virtioSCSIControllerID is the single virtio-scsi-pci controller every
// scsiN drive attaches to, matching the id cmdbuilder assigns it at boot.
const virtioSCSIControllerID = "virtioscsi0"

// Manager issues and verifies device_add/device_del against one VM's
// monitor connection.
type Manager struct {
	conn *qmp.Conn
}

// New returns a Manager bound to conn.
func New(conn *qmp.Conn) *Manager {
	return &Manager{conn: conn}
}

// Plug adds a device and blocks until the guest has acknowledged it or
// the poll budget is exhausted, at which point the device is rolled
// back with device_del.
func (m *Manager) Plug(ctx context.Context, id, driver string, props map[string]interface{}, verify func(context.Context) (bool, error)) error {
	if err := m.conn.DeviceAdd(ctx, id, driver, props); err != nil {
		return vmerr.DeviceBusy(id, err)
	}

	if verify == nil {
		return nil
	}

	ok, err := m.pollUntil(ctx, verify)
	if err != nil {
		_ = m.conn.DeviceDel(ctx, id)
		return vmerr.DeviceBusy(id, err)
	}
	if !ok {
		_ = m.conn.DeviceDel(ctx, id)
		return vmerr.DeviceBusy(id, context.DeadlineExceeded)
	}
	return nil
}

// Unplug removes a device and blocks until it has cleared, per QEMU's
// asynchronous DEVICE_DELETED event.
func (m *Manager) Unplug(ctx context.Context, id string) error {
	pollCtx, cancel := context.WithTimeout(ctx, defaultPollTimeout)
	defer cancel()

	if err := m.conn.DeviceDel(pollCtx, id); err != nil {
		return vmerr.DeviceBusy(id, err)
	}
	return nil
}

// PlugDrive implements the device-class table's scsiN/virtioN row: it
// ensures the drive's prerequisite parent (the shared virtio-scsi-pci
// controller for scsiN, a PCI bridge for any bus index >= 1), creates an
// iothread object when the drive asks for one, issues drive_add over the
// human monitor, then device_add's the front-end and polls query-block
// for it, rolling the whole chain back on any failure.
func (m *Manager) PlugDrive(ctx context.Context, top *pcitopology.Topology, iface config.Interface, index int, d *config.Drive, driveID string) error {
	slot, err := m.ensurePrerequisites(ctx, top, iface, index)
	if err != nil {
		return err
	}

	iothreadID := ""
	if d.Iothread {
		iothreadID = fmt.Sprintf("iothread-%s%d", iface, index)
		if err := m.conn.ObjectAdd(ctx, iothreadID, "iothread", nil); err != nil && !alreadyPresent(err) {
			return vmerr.DeviceBusy(iothreadID, err)
		}
	}

	if _, err := m.conn.HumanMonitorCommand(ctx, driveAddCommand(driveID, d)); err != nil {
		if iothreadID != "" {
			_ = m.conn.ObjectDel(ctx, iothreadID)
		}
		return vmerr.DeviceBusy(driveID, err)
	}

	driver, props, err := driveDeviceProps(iface, index, slot, driveID, iothreadID)
	if err != nil {
		m.rollbackDrive(ctx, driveID, iothreadID)
		return err
	}

	verify := func(pollCtx context.Context) (bool, error) {
		raw, err := m.conn.QueryBlock(pollCtx)
		if err != nil {
			return false, err
		}
		return blockDeviceExists(raw, driveID), nil
	}

	key := fmt.Sprintf("%s%d", iface, index)
	if err := m.Plug(ctx, key, driver, props, verify); err != nil {
		m.rollbackDrive(ctx, driveID, iothreadID)
		return err
	}
	return nil
}

// UnplugDrive reverses PlugDrive: device_del the front-end, drive_del the
// backing block node over the human monitor, and release the iothread
// object if one was requested. The shared controller and any bridge it
// rode in on are left in place, since other drives may still use them.
func (m *Manager) UnplugDrive(ctx context.Context, iface config.Interface, index int, d *config.Drive, driveID string) error {
	key := fmt.Sprintf("%s%d", iface, index)
	if err := m.Unplug(ctx, key); err != nil {
		return err
	}
	iothreadID := ""
	if d.Iothread {
		iothreadID = fmt.Sprintf("iothread-%s%d", iface, index)
	}
	m.rollbackDrive(ctx, driveID, iothreadID)
	return nil
}

func (m *Manager) rollbackDrive(ctx context.Context, driveID, iothreadID string) {
	_, _ = m.conn.HumanMonitorCommand(ctx, fmt.Sprintf("drive_del %s", driveID))
	if iothreadID != "" {
		_ = m.conn.ObjectDel(ctx, iothreadID)
	}
}

// ensurePrerequisites resolves the slot a drive must attach to and
// creates whatever parent device that slot requires but does not yet
// have: the shared SCSI-HW controller for scsiN, and a PCI bridge for
// any bus index >= 1 regardless of interface.
func (m *Manager) ensurePrerequisites(ctx context.Context, top *pcitopology.Topology, iface config.Interface, index int) (pcitopology.Slot, error) {
	var slot pcitopology.Slot
	var err error

	switch iface {
	case config.IfaceSCSI:
		ctrlSlot, cerr := top.Assign("virtioscsi")
		if cerr != nil {
			return slot, cerr
		}
		if err := m.ensureController(ctx, virtioSCSIControllerID, "virtio-scsi-pci", ctrlSlot); err != nil {
			return slot, err
		}
		slot = ctrlSlot
	case config.IfaceVirtIO:
		slot, err = top.AssignIndexed("virtio", index)
		if err != nil {
			return slot, err
		}
	default:
		return slot, vmerr.Schemaf(string(iface), "devicemgr: hot-plug is not supported for interface %s", iface)
	}

	if busIdx := pcitopology.BusIndex(slot.Bus); busIdx > 0 {
		if err := m.ensureBridge(ctx, top, busIdx); err != nil {
			return slot, err
		}
	}
	return slot, nil
}

func (m *Manager) ensureController(ctx context.Context, id, driver string, slot pcitopology.Slot) error {
	err := m.conn.DeviceAdd(ctx, id, driver, map[string]interface{}{
		"bus":  slot.Bus,
		"addr": fmt.Sprintf("0x%x", slot.Device),
	})
	if err != nil && !alreadyPresent(err) {
		return vmerr.DeviceBusy(id, err)
	}
	return nil
}

func (m *Manager) ensureBridge(ctx context.Context, top *pcitopology.Topology, busIdx int) error {
	name, created, err := top.EnsureBridge(busIdx)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	arg, ok := top.BridgeDeviceArg(name)
	if !ok {
		return nil
	}
	driver, props := parseDeviceArg(arg)
	if err := m.conn.DeviceAdd(ctx, name, driver, props); err != nil && !alreadyPresent(err) {
		return vmerr.DeviceBusy(name, err)
	}
	return nil
}

// parseDeviceArg splits a cmdbuilder-style "driver,k=v,k=v" -device
// argument back into its driver name and property map, so devicemgr can
// replay the exact same bridge device cmdbuilder would have emitted at
// boot through device_add instead.
func parseDeviceArg(arg string) (string, map[string]interface{}) {
	parts := strings.Split(arg, ",")
	props := map[string]interface{}{}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		props[kv[0]] = kv[1]
	}
	return parts[0], props
}

func alreadyPresent(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Duplicate")
}

// driveAddCommand renders the HMP drive_add line for a block backend,
// per the spec's §4.7 device-class table requirement that block devices
// attach through drive_add rather than blockdev-add, matching the
// backing file properties ParseDrive already validated.
func driveAddCommand(driveID string, d *config.Drive) string {
	var b strings.Builder
	fmt.Fprintf(&b, "drive_add auto file=%s,if=none,id=%s", d.File, driveID)
	if d.Cache != "" {
		fmt.Fprintf(&b, ",cache=%s", d.Cache)
	}
	if d.Aio != "" {
		fmt.Fprintf(&b, ",aio=%s", d.Aio)
	}
	if d.Format != "" {
		fmt.Fprintf(&b, ",format=%s", d.Format)
	}
	return b.String()
}

// driveDeviceProps renders the device_add driver and properties for a
// drive's front-end, given the slot its prerequisite parent resolved to.
func driveDeviceProps(iface config.Interface, index int, slot pcitopology.Slot, driveID, iothreadID string) (string, map[string]interface{}, error) {
	switch iface {
	case config.IfaceVirtIO:
		props := map[string]interface{}{
			"drive": driveID,
			"bus":   slot.Bus,
			"addr":  fmt.Sprintf("0x%x", slot.Device),
		}
		if iothreadID != "" {
			props["iothread"] = iothreadID
		}
		return "virtio-blk-pci", props, nil
	case config.IfaceSCSI:
		props := map[string]interface{}{
			"drive":    driveID,
			"bus":      virtioSCSIControllerID + ".0",
			"channel":  0,
			"scsi-id":  index,
		}
		return "scsi-hd", props, nil
	default:
		return "", nil, vmerr.Schemaf(string(iface), "devicemgr: no device-class mapping for interface %s", iface)
	}
}

func blockDeviceExists(raw []interface{}, driveID string) bool {
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if dev, _ := m["device"].(string); dev == driveID {
			return true
		}
	}
	return false
}

func (m *Manager) pollUntil(ctx context.Context, verify func(context.Context) (bool, error)) (bool, error) {
	deadline := time.Now().Add(defaultPollTimeout)
	for {
		ok, err := verify(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-time.After(defaultPollInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
