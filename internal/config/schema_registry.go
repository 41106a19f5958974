package config

import (
	"strconv"
	"sync"

	"github.com/nodeplane/vmctl/pkg/schema"
)

// Interface enumerates the block device interfaces this model supports.
type Interface string

const (
	IfaceIDE      Interface = "ide"
	IfaceSCSI     Interface = "scsi"
	IfaceSATA     Interface = "sata"
	IfaceVirtIO   Interface = "virtio"
	IfaceEFIDisk  Interface = "efidisk"
	IfaceTPMState Interface = "tpmstate"
	IfaceUnused   Interface = "unused"
)

// MaxIndex is the enforced per-interface index ceiling (spec §3).
var MaxIndex = map[Interface]int{
	IfaceIDE:      3,
	IfaceSATA:     5,
	IfaceSCSI:     30,
	IfaceVirtIO:   15,
	IfaceUnused:   255,
	IfaceEFIDisk:  0,
	IfaceTPMState: 0,
}

// driveFormatName returns the schema format name registered for iface.
func driveFormatName(iface Interface) string {
	return "drive-" + string(iface)
}

func rateConv() schema.AliasFunc {
	return func(v string) (string, error) {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f/(1024*1024), 'f', -1, 64), nil
	}
}

func passthrough() schema.AliasFunc {
	return func(v string) (string, error) { return v, nil }
}

func throttlingFields() []*schema.Field {
	num := func(name string) *schema.Field { return &schema.Field{Name: name, Type: schema.TypeNumber, Optional: true} }
	length := func(name string) *schema.Field { return &schema.Field{Name: name, Type: schema.TypeInteger, Optional: true} }
	bpsAlias := func(name, target string) *schema.Field {
		return &schema.Field{Name: name, Alias: target, AliasFn: rateConv(), Optional: true}
	}
	lenAlias := func(name, target string) *schema.Field {
		return &schema.Field{Name: name, Alias: target, AliasFn: passthrough(), Optional: true}
	}

	return []*schema.Field{
		num("mbps"), num("mbps_rd"), num("mbps_wr"),
		num("mbps_max"), num("mbps_rd_max"), num("mbps_wr_max"),
		length("mbps_max_length"), length("mbps_rd_max_length"), length("mbps_wr_max_length"),

		length("iops"), length("iops_rd"), length("iops_wr"),
		length("iops_max"), length("iops_rd_max"), length("iops_wr_max"),
		length("iops_max_length"), length("iops_rd_max_length"), length("iops_wr_max_length"),

		bpsAlias("bps", "mbps"), bpsAlias("bps_rd", "mbps_rd"), bpsAlias("bps_wr", "mbps_wr"),
		bpsAlias("bps_max", "mbps_max"), bpsAlias("bps_rd_max", "mbps_rd_max"), bpsAlias("bps_wr_max", "mbps_wr_max"),
		lenAlias("bps_max_length", "mbps_max_length"),
		lenAlias("bps_rd_max_length", "mbps_rd_max_length"),
		lenAlias("bps_wr_max_length", "mbps_wr_max_length"),
		// legacy double-aliased names predating the _max_ infix.
		lenAlias("bps_rd_length", "mbps_rd_max_length"),
		lenAlias("bps_wr_length", "mbps_wr_max_length"),
	}
}

func baseDriveFields() []*schema.Field {
	fields := []*schema.Field{
		{Name: "file", Type: schema.TypeString, DefaultKey: true},
		{Name: "media", Type: schema.TypeString, Enum: []string{"disk", "cdrom"}, Optional: true, Default: "disk", HasDefault: true},
		{Name: "cyls", Type: schema.TypeInteger, Optional: true},
		{Name: "heads", Type: schema.TypeInteger, Optional: true},
		{Name: "secs", Type: schema.TypeInteger, Optional: true},
		{Name: "trans", Type: schema.TypeString, Enum: []string{"auto", "lba", "none"}, Optional: true},
		{Name: "snapshot", Type: schema.TypeBool, Optional: true},
		{Name: "cache", Type: schema.TypeString, Enum: []string{"none", "writeback", "writethrough", "directsync", "unsafe"}, Optional: true},
		{Name: "aio", Type: schema.TypeString, Enum: []string{"native", "threads", "io_uring"}, Optional: true},
		{Name: "format", Type: schema.TypeString, Enum: []string{"raw", "qcow", "qcow2", "qed", "vmdk", "cloop"}, Optional: true},
		{Name: "size", Type: schema.TypeString, Optional: true},
		{Name: "rerror", Type: schema.TypeString, Enum: []string{"ignore", "report", "stop"}, Optional: true},
		{Name: "werror", Type: schema.TypeString, Enum: []string{"ignore", "report", "stop", "enospc"}, Optional: true},
		{Name: "serial", Type: schema.TypeString, Optional: true},
		{Name: "shared", Type: schema.TypeBool, Optional: true},
		{Name: "backup", Type: schema.TypeBool, Optional: true, Default: "1", HasDefault: true},
		{Name: "replicate", Type: schema.TypeBool, Optional: true, Default: "1", HasDefault: true},
	}
	return append(fields, throttlingFields()...)
}

func iothreadField() *schema.Field {
	return &schema.Field{Name: "iothread", Type: schema.TypeBool, Optional: true}
}

func modelSSDWWNFields() []*schema.Field {
	return []*schema.Field{
		{Name: "model", Type: schema.TypeString, Optional: true},
		{Name: "ssd", Type: schema.TypeBool, Optional: true},
		{Name: "wwn", Type: schema.TypeString, Optional: true},
	}
}

var (
	registryOnce sync.Once
	registry     *schema.Registry
)

// Registry returns the process-wide schema registry for the VM config
// model, built once.
func Registry() *schema.Registry {
	registryOnce.Do(func() {
		registry = schema.NewRegistry()

		registry.Register(driveFormatName(IfaceIDE), append(baseDriveFields(), modelSSDWWNFields()...))
		registry.Register(driveFormatName(IfaceSATA), append(baseDriveFields(), modelSSDWWNFields()...))
		registry.Register(driveFormatName(IfaceVirtIO), append(baseDriveFields(), iothreadField()))
		registry.Register(driveFormatName(IfaceSCSI), append(baseDriveFields(),
			iothreadField(),
			&schema.Field{Name: "queues", Type: schema.TypeInteger, Optional: true},
			&schema.Field{Name: "scsiblock", Type: schema.TypeBool, Optional: true},
		))
		registry.Register(driveFormatName(IfaceEFIDisk), []*schema.Field{
			{Name: "file", Type: schema.TypeString, DefaultKey: true},
			{Name: "size", Type: schema.TypeString, Optional: true},
			{Name: "format", Type: schema.TypeString, Enum: []string{"raw", "qcow2", "vmdk"}, Optional: true},
		})
		registry.Register(driveFormatName(IfaceTPMState), []*schema.Field{
			{Name: "file", Type: schema.TypeString, DefaultKey: true},
			{Name: "size", Type: schema.TypeString, Optional: true},
			{Name: "version", Type: schema.TypeString, Enum: []string{"v1.2", "v2.0"}, Optional: true},
		})
		registry.Register(driveFormatName(IfaceUnused), []*schema.Field{
			{Name: "file", Type: schema.TypeString, DefaultKey: true},
		})

		registerNetFormat(registry)
		registerNumaFormat(registry)
		registerIPConfigFormat(registry)
	})
	return registry
}
