// Package hostctx replaces the implicit globals a VM lifecycle daemon would
// otherwise reach for (node name, runtime directory, pci sysfs path, binary
// locations) with a single context struct built once at startup and
// threaded explicitly into every component that needs it, per design note
// §9 ("implicit global state ... a process-wide context struct").
package hostctx

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Context holds every host-specific path and default that components of
// the control plane need, so that no package reaches for an ambient global.
type Context struct {
	// NodeName identifies this hypervisor node in a cluster.
	NodeName string

	// RuntimeDir holds the per-VM monitor (<vmid>.qmp), guest-agent
	// (<vmid>.qga) sockets and pidfiles (<vmid>.pid).
	RuntimeDir string

	// LockDir holds per-VM advisory lock files (lock-<vmid>.conf).
	LockDir string

	// ConfigDir holds the persisted VM configuration text files.
	ConfigDir string

	// PCISysfsRoot is the root of /sys/bus/pci.
	PCISysfsRoot string

	// HugepageSysfsRoot is the root of /sys/kernel/mm/hugepages (and the
	// per-NUMA-node variant under /sys/devices/system/node).
	HugepageSysfsRoot string

	// NodeSysfsRoot is /sys/devices/system/node.
	NodeSysfsRoot string

	// KVMBinary, QemuImgBinary, GenIsoImageBinary, MountBinary and
	// ModprobeBinary are the external commands this control plane shells
	// out to (spec §6 "Commands issued to external processes").
	KVMBinary         string
	QemuImgBinary     string
	GenIsoImageBinary string
	MountBinary       string
	ModprobeBinary    string

	// DefaultMonitorTimeout is the non-blocking QMP command timeout.
	DefaultMonitorTimeout time.Duration

	// HugepageLockTimeout bounds how long a VM start will wait to acquire
	// the process-wide hugepage advisory lock.
	HugepageLockTimeout time.Duration

	// VMLockTimeout bounds how long an operation waits for the per-VM lock.
	VMLockTimeout time.Duration
}

// Default returns a Context populated with the conventional paths used
// throughout this package's tests and examples.
func Default() *Context {
	return &Context{
		NodeName:              "localhost",
		RuntimeDir:            "/run/vmctl",
		LockDir:               "/run/vmctl/lock",
		ConfigDir:             "/etc/vmctl/qemu-server",
		PCISysfsRoot:          "/sys/bus/pci",
		HugepageSysfsRoot:     "/sys/kernel/mm/hugepages",
		NodeSysfsRoot:         "/sys/devices/system/node",
		KVMBinary:             "/usr/bin/kvm",
		QemuImgBinary:         "/usr/bin/qemu-img",
		GenIsoImageBinary:     "genisoimage",
		MountBinary:           "/bin/mount",
		ModprobeBinary:        "/sbin/modprobe",
		DefaultMonitorTimeout: 3 * time.Second,
		HugepageLockTimeout:   60 * time.Second,
		VMLockTimeout:         10 * time.Second,
	}
}

// Load reads an optional YAML/TOML/INI config file (resolved by viper from
// the given search paths) over the conventional defaults, with
// VMCTL_*-prefixed environment variables taking precedence over both,
// returning the merged Context.
func Load(searchPaths ...string) (*Context, error) {
	ctx := Default()

	v := viper.New()
	v.SetConfigName("vmctl")
	v.SetEnvPrefix("VMCTL")
	v.AutomaticEnv()

	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	v.SetDefault("node_name", ctx.NodeName)
	v.SetDefault("runtime_dir", ctx.RuntimeDir)
	v.SetDefault("lock_dir", ctx.LockDir)
	v.SetDefault("config_dir", ctx.ConfigDir)
	v.SetDefault("pci_sysfs_root", ctx.PCISysfsRoot)
	v.SetDefault("hugepage_sysfs_root", ctx.HugepageSysfsRoot)
	v.SetDefault("node_sysfs_root", ctx.NodeSysfsRoot)
	v.SetDefault("kvm_binary", ctx.KVMBinary)
	v.SetDefault("qemu_img_binary", ctx.QemuImgBinary)
	v.SetDefault("genisoimage_binary", ctx.GenIsoImageBinary)
	v.SetDefault("mount_binary", ctx.MountBinary)
	v.SetDefault("modprobe_binary", ctx.ModprobeBinary)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading vmctl config")
		}
	}

	ctx.NodeName = v.GetString("node_name")
	ctx.RuntimeDir = v.GetString("runtime_dir")
	ctx.LockDir = v.GetString("lock_dir")
	ctx.ConfigDir = v.GetString("config_dir")
	ctx.PCISysfsRoot = v.GetString("pci_sysfs_root")
	ctx.HugepageSysfsRoot = v.GetString("hugepage_sysfs_root")
	ctx.NodeSysfsRoot = v.GetString("node_sysfs_root")
	ctx.KVMBinary = v.GetString("kvm_binary")
	ctx.QemuImgBinary = v.GetString("qemu_img_binary")
	ctx.GenIsoImageBinary = v.GetString("genisoimage_binary")
	ctx.MountBinary = v.GetString("mount_binary")
	ctx.ModprobeBinary = v.GetString("modprobe_binary")

	return ctx, nil
}
