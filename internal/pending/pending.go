// Package pending reconciles a VM's [PENDING] overlay against its live
// config and, for a running VM, against the actual device state inside
// QEMU (spec §5). Each option key is classified into one of three
// plug classes; the classification table is the crux of the engine and
// is expressed the same way minimega's kvm.go dispatches per-device-kind
// hot-plug handling: a lookup table keyed by option prefix rather than a
// chain of if/else branches.
package pending

import (
	"context"
	"fmt"
	"strings"

	"github.com/nodeplane/vmctl/internal/config"
	"github.com/nodeplane/vmctl/internal/cpuhotplug"
	"github.com/nodeplane/vmctl/internal/devicemgr"
	"github.com/nodeplane/vmctl/internal/memhotplug"
	"github.com/nodeplane/vmctl/internal/memplan"
	"github.com/nodeplane/vmctl/internal/nethotplug"
	"github.com/nodeplane/vmctl/internal/pcitopology"
	"github.com/nodeplane/vmctl/internal/qmp"
	"github.com/nodeplane/vmctl/internal/storage"
	"github.com/nodeplane/vmctl/internal/vmerr"
)

// PlugClass says how a changed option can be applied to a running VM.
type PlugClass int

const (
	// ColdPlug options require a full VM restart; they are recorded in
	// the pending overlay but never reconciled while running.
	ColdPlug PlugClass = iota
	// FastPlug options take effect immediately with no QEMU-side
	// action (e.g. description, protection-only metadata).
	FastPlug
	// HotPlug options require a device_add/device_del (or equivalent)
	// round trip against the monitor.
	HotPlug
)

// fastPlugKeys take effect immediately with no QEMU-side action at all
// (spec §4.10): they are metadata or scheduling hints the monitor never
// needs to hear about.
var fastPlugKeys = map[string]bool{
	"lock":           true,
	"name":           true,
	"onboot":         true,
	"shares":         true,
	"startup":        true,
	"description":    true,
	"protection":     true,
	"vmstatestorage": true,
	"tags":           true,
}

// hotPlugCandidateKeys are classified HotPlug because *some* value of
// the key can, in principle, be applied to a running VM; Engine.Reconcile
// still falls back to vmerr.Skip for any key or interface its switch does
// not actually implement a live-reconciliation path for.
var hotPlugCandidateKeys = map[string]bool{
	"memory":   true,
	"vcpus":    true,
	"balloon":  true,
	"tablet":   true,
	"cpuunits": true,
	"cpulimit": true,
	"hotplug":  true,
	"agent":    true,
}

func classify(key string) PlugClass {
	if fastPlugKeys[key] {
		return FastPlug
	}
	if hotPlugCandidateKeys[key] {
		return HotPlug
	}
	if strings.HasPrefix(key, "net") {
		return HotPlug
	}
	if strings.HasPrefix(key, "usb") {
		return HotPlug
	}
	if iface, _, ok := config.SplitDriveKey(key); ok && iface != config.IfaceUnused {
		return HotPlug
	}
	return ColdPlug
}

// Change describes one option's pending transition.
type Change struct {
	Key      string
	OldValue string
	NewValue string // "" if the key is being deleted
	Deleted  bool
	Class    PlugClass
}

// Diff computes the set of changes a pending overlay introduces relative
// to the live config.
func Diff(live *config.Config, overlay *config.PendingOverlay) []Change {
	var changes []Change

	for _, key := range overlay.Keys() {
		newVal := overlay.Options[key]
		oldVal, _ := live.Get(key)
		if oldVal == newVal {
			continue
		}
		changes = append(changes, Change{Key: key, OldValue: oldVal, NewValue: newVal, Class: classify(key)})
	}

	for _, key := range overlay.Delete {
		name := strings.TrimPrefix(key, "!")
		oldVal, ok := live.Get(name)
		if !ok {
			continue
		}
		changes = append(changes, Change{Key: name, OldValue: oldVal, Deleted: true, Class: classify(name)})
	}

	return changes
}

// ApplyPending merges every FastPlug and ColdPlug change straight into
// live (spec: "apply_pending"), leaving HotPlug changes untouched if the
// VM is currently running — those are only merged once hot-plug
// reconciliation has actually completed successfully. Deleting a drive
// key is refused with vmerr.Conflict if volid is still referenced by a
// snapshot or by another live drive (spec §4.2, §4.10 invariant, S6).
func ApplyPending(ctx context.Context, live *config.Config, overlay *config.PendingOverlay, running bool, vol storage.Volumes, snapshots map[string]*config.Snapshot) ([]Change, error) {
	changes := Diff(live, overlay)
	var applied []Change

	for _, c := range changes {
		if running && c.Class == HotPlug {
			continue
		}
		if c.Deleted {
			if err := checkDriveDeleteConflict(ctx, vol, live, snapshots, c.Key); err != nil {
				return applied, err
			}
			live.Delete(c.Key)
		} else {
			live.Set(c.Key, c.NewValue)
		}
		applied = append(applied, c)
	}

	for _, c := range applied {
		overlay.Delete = removeFromDeleteList(overlay.Delete, c.Key)
		delete(overlay.Options, c.Key)
	}

	return applied, nil
}

// checkDriveDeleteConflict implements spec scenario S6: a drive key may
// not be deleted out from under a volume that's still referenced — by
// another drive, or by a snapshot — once skipKey itself is removed.
func checkDriveDeleteConflict(ctx context.Context, vol storage.Volumes, live *config.Config, snapshots map[string]*config.Snapshot, key string) error {
	iface, idx, ok := config.SplitDriveKey(key)
	if !ok {
		return nil
	}
	raw, ok := live.Get(key)
	if !ok {
		return nil
	}
	d, err := config.ParseDrive(iface, idx, raw)
	if err != nil || d.IsCDROM(true) {
		return nil
	}
	if config.IsVolumeInUse(ctx, vol, live, snapshots, key, d.File) {
		return vmerr.Conflictf("%s: volume %s is still referenced by a snapshot or another drive", key, d.File)
	}
	return nil
}

func removeFromDeleteList(list []string, key string) []string {
	out := list[:0]
	for _, d := range list {
		if strings.TrimPrefix(d, "!") != key {
			out = append(out, d)
		}
	}
	return out
}

// Engine drives hot-plug reconciliation ("hotplug_pending") for a single
// running VM.
type Engine struct {
	Conn *qmp.Conn
	// Topology and OUI are only required when changes touch netN keys;
	// they carry the same PCI slot table and MAC prefix the VM was
	// started with, so a replugged NIC lands on the slot CommandBuilder
	// would have assigned it at boot.
	Topology *pcitopology.Topology
	OUI      string
	// Sockets and Hugepage1G mirror the values CommandBuilder launched
	// the VM with; memplan needs both to keep its static base and
	// banded DIMM sequence in agreement with the running guest.
	Sockets    int
	Hugepage1G bool
	// Volumes and Snapshots back the S6 delete-conflict check for a
	// disk hot-unplug; Volumes may be nil to skip path-equality
	// resolution and rely on raw string comparison only.
	Volumes   storage.Volumes
	Snapshots map[string]*config.Snapshot
}

// Reconcile applies every HotPlug-classed change in changes against the
// running VM. A change whose device class does not support hot-plug
// (vmerr.Skip) appears in neither returned list, so it stays pending.
func (e *Engine) Reconcile(ctx context.Context, live *config.Config, changes []Change, numaNodes int) ([]Change, []error) {
	var applied []Change
	var errs []error

	for _, c := range changes {
		if c.Class != HotPlug {
			continue
		}
		var err error
		switch {
		case c.Key == "memory":
			err = e.reconcileMemory(ctx, c, numaNodes)
		case c.Key == "vcpus":
			err = e.reconcileCPU(ctx, c)
		case strings.HasPrefix(c.Key, "net"):
			err = e.reconcileNet(ctx, c)
		default:
			if iface, idx, ok := config.SplitDriveKey(c.Key); ok {
				err = e.reconcileDisk(ctx, live, c, iface, idx)
			} else {
				err = vmerr.Skip
			}
		}

		if err != nil {
			if !vmerr.Is(err, vmerr.KindSkip) {
				errs = append(errs, fmt.Errorf("%s: %w", c.Key, err))
			}
			continue
		}
		applied = append(applied, c)
	}

	return applied, errs
}

func (e *Engine) reconcileMemory(ctx context.Context, c Change, numaNodes int) error {
	var targetMB int
	if _, err := fmt.Sscanf(c.NewValue, "%d", &targetMB); err != nil {
		return vmerr.Schemaf("memory", "invalid memory value %q", c.NewValue)
	}
	plan, err := memplan.BuildPlan(targetMB, e.Sockets, numaNodes, e.Hugepage1G)
	if err != nil {
		return err
	}
	return memhotplug.Reconcile(ctx, e.Conn, plan, memhotplug.HugepageConfig{})
}

func (e *Engine) reconcileNet(ctx context.Context, c Change) error {
	if e.Topology == nil {
		return vmerr.Skip
	}
	oui := e.OUI
	if oui == "" {
		oui = config.DefaultOUI
	}
	return nethotplug.Reconcile(ctx, e.Conn, e.Topology, c.Key, c.OldValue, c.NewValue, c.Deleted, oui)
}

func (e *Engine) reconcileCPU(ctx context.Context, c Change) error {
	var target int
	if _, err := fmt.Sscanf(c.NewValue, "%d", &target); err != nil {
		return vmerr.Schemaf(c.Key, "invalid %s value %q", c.Key, c.NewValue)
	}
	return cpuhotplug.Reconcile(ctx, e.Conn, target)
}

// reconcileDisk implements the update_disk path (spec §4.10): a scsiN or
// virtioN key that only changed size is resized in place through the
// storage layer; any other change unplugs (if the key previously held a
// drive) and replugs through devicemgr. ide/sata/efidisk/tpmstate drives
// are not hot-pluggable on this machine model, so they fall back to
// vmerr.Skip and stay pending for the next restart.
func (e *Engine) reconcileDisk(ctx context.Context, live *config.Config, c Change, iface config.Interface, idx int) error {
	if iface != config.IfaceSCSI && iface != config.IfaceVirtIO {
		return vmerr.Skip
	}
	if e.Topology == nil {
		return vmerr.Skip
	}
	mgr := devicemgr.New(e.Conn)
	driveID := fmt.Sprintf("drive-%s", c.Key)

	if c.Deleted {
		oldDrive, err := config.ParseDrive(iface, idx, c.OldValue)
		if err != nil {
			return vmerr.Schemaf(c.Key, "invalid existing drive value %q", c.OldValue)
		}
		if err := checkDriveDeleteConflict(ctx, e.Volumes, live, e.Snapshots, c.Key); err != nil {
			return err
		}
		return mgr.UnplugDrive(ctx, iface, idx, oldDrive, driveID)
	}

	newDrive, err := config.ParseDrive(iface, idx, c.NewValue)
	if err != nil {
		return vmerr.Schemaf(c.Key, "invalid drive value %q", c.NewValue)
	}

	if c.OldValue != "" {
		oldDrive, err := config.ParseDrive(iface, idx, c.OldValue)
		sizeOnly := false
		if err == nil {
			unsized := *oldDrive
			unsized.SizeBytes = newDrive.SizeBytes
			sizeOnly = unsized == *newDrive
		}
		if sizeOnly && e.Volumes != nil {
			if newDrive.SizeBytes != 0 {
				resized, _ := config.UpdateDiskSize(oldDrive, newDrive.SizeBytes)
				if resized == nil {
					return nil
				}
				return e.Volumes.Resize(ctx, storage.VolumeRef(newDrive.File), newDrive.SizeBytes)
			}
			return nil
		}
		// any other change to the key: unplug the old drive before
		// plugging the new one.
		if err == nil {
			if err := mgr.UnplugDrive(ctx, iface, idx, oldDrive, driveID); err != nil {
				return err
			}
		}
	}

	return mgr.PlugDrive(ctx, e.Topology, iface, idx, newDrive, driveID)
}
