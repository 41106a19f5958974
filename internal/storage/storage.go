// Package storage declares the contract this module expects from the
// cluster storage layer, without implementing it: volume allocation,
// path resolution and format negotiation are the job of an external
// collaborator (spec §1, §6 Non-goals). Everything in this module that
// needs to touch actual volumes — DriveModel, SnapshotCoordinator,
// cloudinit's ISO writer — takes a Volumes implementation rather than
// talking to a storage backend directly.
package storage

import "context"

// VolumeRef identifies a storage volume the way config property strings
// do: "<storage-id>:<volume-name>".
type VolumeRef string

// Format is the on-disk image format of a volume.
type Format string

const (
	FormatRaw   Format = "raw"
	FormatQcow2 Format = "qcow2"
	FormatVmdk  Format = "vmdk"
)

// VolumeInfo describes a resolved volume.
type VolumeInfo struct {
	Ref      VolumeRef
	Path     string // absolute path, or a block device node
	Format   Format
	SizeByte int64
	Shared   bool
}

// Volumes is the storage-layer collaborator interface.
type Volumes interface {
	// Resolve maps a VolumeRef to its current on-disk location and
	// format.
	Resolve(ctx context.Context, ref VolumeRef) (*VolumeInfo, error)

	// Allocate creates a new volume of the given size on storageID,
	// returning its VolumeRef.
	Allocate(ctx context.Context, storageID string, vmid int, sizeBytes int64, format Format) (VolumeRef, error)

	// Resize grows (never shrinks) a volume to newSizeBytes.
	Resize(ctx context.Context, ref VolumeRef, newSizeBytes int64) error

	// Clone creates a copy of ref, either a full copy or a linked clone
	// depending on what the backing storage supports.
	Clone(ctx context.Context, ref VolumeRef, vmid int, linked bool) (VolumeRef, error)

	// Free deletes a volume. Implementations must refuse to free a
	// volume that IsVolumeInUse (internal/config) still reports as
	// referenced by a live drive.
	Free(ctx context.Context, ref VolumeRef) error

	// Lock/Unlock coordinate access across cluster nodes during a
	// migration or backup; a single-node deployment may implement both
	// as no-ops.
	Lock(ctx context.Context, ref VolumeRef) error
	Unlock(ctx context.Context, ref VolumeRef) error
}
