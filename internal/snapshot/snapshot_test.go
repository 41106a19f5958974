package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/nodeplane/vmctl/internal/config"
	"github.com/nodeplane/vmctl/internal/storage"
	"github.com/nodeplane/vmctl/internal/vmlock"
)

type fakeVolumes struct {
	locked      map[storage.VolumeRef]bool
	lockErr     error
	lockErrRef  storage.VolumeRef
	lockCalls   []storage.VolumeRef
}

func newFakeVolumes() *fakeVolumes {
	return &fakeVolumes{locked: map[storage.VolumeRef]bool{}}
}

func (f *fakeVolumes) Resolve(ctx context.Context, ref storage.VolumeRef) (*storage.VolumeInfo, error) {
	return &storage.VolumeInfo{Ref: ref}, nil
}

func (f *fakeVolumes) Allocate(ctx context.Context, storageID string, vmid int, sizeBytes int64, format storage.Format) (storage.VolumeRef, error) {
	return storage.VolumeRef(storageID + ":new-disk"), nil
}

func (f *fakeVolumes) Resize(ctx context.Context, ref storage.VolumeRef, newSizeBytes int64) error {
	return nil
}

func (f *fakeVolumes) Clone(ctx context.Context, ref storage.VolumeRef, vmid int, linked bool) (storage.VolumeRef, error) {
	return ref, nil
}

func (f *fakeVolumes) Free(ctx context.Context, ref storage.VolumeRef) error {
	delete(f.locked, ref)
	return nil
}

func (f *fakeVolumes) Lock(ctx context.Context, ref storage.VolumeRef) error {
	f.lockCalls = append(f.lockCalls, ref)
	if f.lockErr != nil && ref == f.lockErrRef {
		return f.lockErr
	}
	f.locked[ref] = true
	return nil
}

func (f *fakeVolumes) Unlock(ctx context.Context, ref storage.VolumeRef) error {
	delete(f.locked, ref)
	return nil
}

func newCoordinator(t *testing.T, vols storage.Volumes, vmid int) *Coordinator {
	t.Helper()
	return &Coordinator{
		VMID:    vmid,
		Volumes: vols,
		Locks:   vmlock.NewManager(t.TempDir(), time.Second),
	}
}

func TestCreateLocksEachNonCDROMDriveVolume(t *testing.T) {
	live := config.NewConfig()
	live.Set("scsi0", "local:vm-100-disk-0,size=10G")
	live.Set("ide2", "local:iso/debian.iso,media=cdrom")

	vols := newFakeVolumes()
	c := newCoordinator(t, vols, 100)

	snap, err := c.Create(context.Background(), live, "before-upgrade", false, "", "pc")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if snap.Name != "before-upgrade" {
		t.Errorf("snap.Name = %q", snap.Name)
	}
	if snap.Config.Options["scsi0"] != live.Options["scsi0"] {
		t.Errorf("snapshot did not capture live config")
	}
	if len(vols.lockCalls) != 1 || vols.lockCalls[0] != "local:vm-100-disk-0" {
		t.Errorf("locked volumes = %v, want only local:vm-100-disk-0 (the CD-ROM is skipped)", vols.lockCalls)
	}
}

func TestCreateFailsIfLockCannotBeAcquired(t *testing.T) {
	live := config.NewConfig()
	live.Set("scsi0", "local:vm-100-disk-0,size=10G")

	vols := newFakeVolumes()
	vols.lockErr = context.DeadlineExceeded
	vols.lockErrRef = "local:vm-100-disk-0"
	c := newCoordinator(t, vols, 100)

	if _, err := c.Create(context.Background(), live, "snap1", false, "", "pc"); err == nil {
		t.Fatal("expected error when the volume lock fails")
	}
}

func TestRollbackReplacesLiveConfig(t *testing.T) {
	live := config.NewConfig()
	live.Set("memory", "2048")

	snap := &config.Snapshot{
		Name:    "old",
		Config:  config.Config{Options: map[string]string{"memory": "1024"}},
		VMState: "/var/lib/vmctl/100/old.vmstate",
	}

	c := newCoordinator(t, newFakeVolumes(), 100)
	vmstate, err := c.Rollback(context.Background(), live, snap)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if vmstate != snap.VMState {
		t.Errorf("vmstate = %q, want %q", vmstate, snap.VMState)
	}
	if live.Options["memory"] != "1024" {
		t.Errorf("live memory = %q, want 1024 after rollback", live.Options["memory"])
	}
}

func TestDeleteRefusesWhenAnotherSnapshotDependsOnIt(t *testing.T) {
	snapshots := map[string]*config.Snapshot{
		"base":  {Name: "base"},
		"child": {Name: "child", Parent: "base"},
	}

	if err := Delete(snapshots, "base"); err == nil {
		t.Fatal("expected error deleting a snapshot that another snapshot depends on")
	}
	if _, ok := snapshots["base"]; !ok {
		t.Error("base should not have been deleted")
	}
}

func TestDeleteRemovesLeafSnapshot(t *testing.T) {
	snapshots := map[string]*config.Snapshot{
		"base":  {Name: "base"},
		"child": {Name: "child", Parent: "base"},
	}

	if err := Delete(snapshots, "child"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := snapshots["child"]; ok {
		t.Error("child should have been deleted")
	}
}

func TestDeleteUnknownSnapshotErrors(t *testing.T) {
	snapshots := map[string]*config.Snapshot{"base": {Name: "base"}}
	if err := Delete(snapshots, "missing"); err == nil {
		t.Fatal("expected error deleting an unknown snapshot")
	}
}
