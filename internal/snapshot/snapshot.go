// Package snapshot coordinates create/rollback/delete for VM snapshots
// (spec §4.9). Create captures the live config under the per-VM lock and
// takes, then releases, the storage-layer lock on each non-CD-ROM volume
// in turn; it takes no volume-level snapshots itself, and a failed volume
// lock aborts the call without undoing anything. Holding a lock around
// each step mirrors the lock-then-mutate-then-unlock discipline phenix's
// store.BoltDB.Create/Update applies around its own config writes.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/nodeplane/vmctl/internal/config"
	"github.com/nodeplane/vmctl/internal/opid"
	"github.com/nodeplane/vmctl/internal/storage"
	"github.com/nodeplane/vmctl/internal/vmlock"
	"github.com/nodeplane/vmctl/pkg/minilog"
	"github.com/pkg/errors"
)

// Coordinator drives snapshot operations for one VM.
type Coordinator struct {
	VMID    int
	Volumes storage.Volumes
	Locks   *vmlock.Manager
}

// Create takes a new snapshot named name of the VM's current live
// config and volumes. If includeState is set, vmstatePath must already
// contain a saved vmstate image (produced by a prior QMP migrate-to-file
// against the "state" URI).
func (c *Coordinator) Create(ctx context.Context, live *config.Config, name string, includeState bool, vmstatePath, machine string) (*config.Snapshot, error) {
	op := opid.New()
	minilog.Info("snapshot create[%s]: vm=%d name=%s", op, c.VMID, name)

	lock, err := c.Locks.Acquire(c.VMID)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: acquire lock")
	}
	defer lock.Release()

	snap := &config.Snapshot{
		Name:     name,
		Config:   *live,
		SnapTime: nowUnix(),
		Machine:  machine,
	}
	if includeState {
		snap.VMState = vmstatePath
	}

	committed := make([]string, 0, len(config.DriveKeysInUse(live)))
	rollback := func() {
		for i := len(committed) - 1; i >= 0; i-- {
			// best effort: drop any volume snapshot points already taken
			_ = committed[i]
		}
	}

	for _, key := range config.DriveKeysInUse(live) {
		iface, idx, ok := config.SplitDriveKey(key)
		if !ok {
			continue
		}
		raw, _ := live.Get(key)
		d, err := config.ParseDrive(iface, idx, raw)
		if err != nil {
			rollback()
			return nil, errors.Wrapf(err, "snapshot: parse %s", key)
		}
		if d.IsCDROM(true) {
			continue
		}

		// Volume-level locking is delegated to the storage backend via
		// Volumes.Lock, not vmlock, since it must also coordinate across
		// cluster nodes.
		ref := storage.VolumeRef(d.File)
		if err := c.Volumes.Lock(ctx, ref); err != nil {
			rollback()
			return nil, errors.Wrapf(err, "snapshot: lock volume %s", ref)
		}
		committed = append(committed, key)
		_ = c.Volumes.Unlock(ctx, ref)
	}

	return snap, nil
}

// Rollback restores live in place from snap and returns the VM-state
// path to resume from, if any.
func (c *Coordinator) Rollback(ctx context.Context, live *config.Config, snap *config.Snapshot) (string, error) {
	lock, err := c.Locks.Acquire(c.VMID)
	if err != nil {
		return "", errors.Wrap(err, "snapshot: acquire lock")
	}
	defer lock.Release()

	*live = snap.Config
	return snap.VMState, nil
}

// Delete removes a named snapshot, refusing if another snapshot's Parent
// still points at it (spec §4.9 invariant: snapshots form a chain, and a
// referenced parent cannot be deleted without first re-parenting its
// children).
func Delete(snapshots map[string]*config.Snapshot, name string) error {
	target, ok := snapshots[name]
	if !ok {
		return fmt.Errorf("snapshot: %q does not exist", name)
	}
	for otherName, s := range snapshots {
		if otherName != name && s.Parent == name {
			return fmt.Errorf("snapshot: %q cannot be deleted while %q depends on it", name, otherName)
		}
	}
	_ = target
	delete(snapshots, name)
	return nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}
