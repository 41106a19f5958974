package config

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nodeplane/vmctl/internal/storage"
)

// reserved keys never treated as generic options by the persist layer.
const (
	KeyDescription = "description"
	KeyDigest      = "digest"
	KeySnapstate   = "snapstate"
	KeyLock        = "lock"
	KeyParent      = "parent"
)

// Config is the live (or pending/snapshot) set of a VM's options, keyed by
// option name (spec §3/§6). Key order is not significant; persist.go is
// responsible for canonical on-disk ordering.
type Config struct {
	Description string
	Digest      string
	Lock        string

	Options map[string]string
}

// NewConfig returns an empty Config.
func NewConfig() *Config {
	return &Config{Options: map[string]string{}}
}

// Get returns an option value and whether it was present.
func (c *Config) Get(key string) (string, bool) {
	v, ok := c.Options[key]
	return v, ok
}

// Set assigns an option value.
func (c *Config) Set(key, value string) {
	c.Options[key] = value
}

// Delete removes an option.
func (c *Config) Delete(key string) {
	delete(c.Options, key)
}

// Keys returns the option keys in sorted order.
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.Options))
	for k := range c.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PendingOverlay is the [PENDING] section: a Config-shaped set of proposed
// changes plus a delete list (spec §6). Entries in Delete prefixed with "!"
// mark force-deletes, which ForceDelete reports; the pending engine applies
// a forced delete exactly as it does a plain one, with the same checks.
type PendingOverlay struct {
	Config
	Delete []string
}

// ForceDelete reports whether key appears in the delete list with the "!"
// force prefix.
func (p *PendingOverlay) ForceDelete(key string) bool {
	for _, d := range p.Delete {
		if d == "!"+key {
			return true
		}
	}
	return false
}

// IsDeleted reports whether key appears in the delete list at all (forced
// or not).
func (p *PendingOverlay) IsDeleted(key string) bool {
	for _, d := range p.Delete {
		if d == key || d == "!"+key {
			return true
		}
	}
	return false
}

// Snapshot is a full-fidelity copy of a VM's live configuration captured
// at a point in time, plus the running/suspended state the snapshot was
// taken in (spec §6).
type Snapshot struct {
	Name     string
	Config   Config
	SnapTime int64
	VMState  string // path to a saved vmstate image, or "" for a disk-only snapshot
	Machine  string // qemu machine type pinned at snapshot time
	Parent   string
}

// ResolveFirstDisk returns the option key of the first bootable disk found
// by scanning interfaces in the canonical boot-order (spec §4.2): ide,
// scsi, virtio, sata, efidisk, tpmstate. If wantCDROM is true, only CDROM
// media is considered; otherwise only non-CDROM media.
func ResolveFirstDisk(cfg *Config, wantCDROM bool) (string, bool) {
	for _, iface := range ValidDriveNames() {
		max := MaxIndex[iface]
		for i := 0; i <= max; i++ {
			key := fmt.Sprintf("%s%d", iface, i)
			raw, ok := cfg.Get(key)
			if !ok {
				continue
			}
			d, err := ParseDrive(iface, i, raw)
			if err != nil {
				continue
			}
			if d.IsCDROM(true) == wantCDROM {
				return key, true
			}
		}
	}
	return "", false
}

// IsVolumeInUse reports whether volid is referenced by any drive in cfg
// (other than skipKey) or by any of snapshots, per spec §4.2's
// is_volume_in_use(storage, config, skip_key, volid): a snapshot's config
// is scanned in full, with no skip_key exemption, since deleting a disk
// that only a snapshot still points at must still be refused. CD-ROM
// (and cloud-init) drives never pin a volume, since their contents are
// never unique to this VM. vol may be nil, in which case only raw
// string equality is checked; passing a resolver additionally catches
// two different-looking volume references that resolve to the same
// underlying path.
func IsVolumeInUse(ctx context.Context, vol storage.Volumes, cfg *Config, snapshots map[string]*Snapshot, skipKey, volid string) bool {
	if scanConfigForVolume(ctx, vol, cfg, skipKey, volid) {
		return true
	}
	for _, snap := range snapshots {
		if scanConfigForVolume(ctx, vol, &snap.Config, "", volid) {
			return true
		}
	}
	return false
}

func scanConfigForVolume(ctx context.Context, vol storage.Volumes, cfg *Config, skipKey, volid string) bool {
	targetPath := resolveVolumePath(ctx, vol, storage.VolumeRef(volid))

	for _, iface := range ValidDriveNames() {
		max := MaxIndex[iface]
		for i := 0; i <= max; i++ {
			key := fmt.Sprintf("%s%d", iface, i)
			if key == skipKey {
				continue
			}
			raw, ok := cfg.Get(key)
			if !ok {
				continue
			}
			d, err := ParseDrive(iface, i, raw)
			if err != nil || d.IsCDROM(true) {
				continue
			}
			if d.File == volid {
				return true
			}
			if targetPath != "" && resolveVolumePath(ctx, vol, storage.VolumeRef(d.File)) == targetPath {
				return true
			}
		}
	}
	return false
}

func resolveVolumePath(ctx context.Context, vol storage.Volumes, ref storage.VolumeRef) string {
	if vol == nil || ref == "" {
		return ""
	}
	info, err := vol.Resolve(ctx, ref)
	if err != nil {
		return ""
	}
	return info.Path
}

// BootdiskSize returns the size in bytes of the VM's first bootable disk,
// or 0 if none is configured or its size cannot be determined from the
// config alone (an unsized volume reference must be resolved by the
// storage layer instead).
func BootdiskSize(cfg *Config) (int64, bool) {
	key, ok := ResolveFirstDisk(cfg, false)
	if !ok {
		return 0, false
	}
	raw, _ := cfg.Get(key)
	iface, idx, ok := SplitDriveKey(key)
	if !ok {
		return 0, false
	}
	d, err := ParseDrive(iface, idx, raw)
	if err != nil || d.SizeBytes == 0 {
		return 0, false
	}
	return d.SizeBytes, true
}

// driveKeysInUse enumerates every drive-shaped option key present in cfg,
// across the interfaces ValidDriveNames lists, in canonical boot order;
// unusedN keys are not included.
func driveKeysInUse(cfg *Config) []string {
	var keys []string
	for _, iface := range ValidDriveNames() {
		max := MaxIndex[iface]
		for i := 0; i <= max; i++ {
			key := fmt.Sprintf("%s%d", iface, i)
			if _, ok := cfg.Get(key); ok {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// DriveKeysInUse is the exported form of driveKeysInUse, used by callers
// outside this package (device builders, backup coordinators) that need
// the set of configured drive option names without re-deriving the scan
// order themselves.
func DriveKeysInUse(cfg *Config) []string {
	return driveKeysInUse(cfg)
}

// String renders cfg as a debugging aid; it is not the persisted format
// (see persist.go for that).
func (c *Config) String() string {
	var b strings.Builder
	if c.Description != "" {
		fmt.Fprintf(&b, "description: %s\n", c.Description)
	}
	for _, k := range c.Keys() {
		fmt.Fprintf(&b, "%s: %s\n", k, c.Options[k])
	}
	return b.String()
}
