// Package cmdbuilder turns a validated VM Config into the deterministic
// QEMU argv the launcher execs (spec §4.6): disks, NICs, CPU/memory
// topology, NUMA, and the PCI/PCIe bus layout from internal/pcitopology.
// The argument-accumulation style — a builder that appends flag/value
// pairs in a fixed section order — is grounded on minimega's kvm.go
// qemuArgs, which builds its QEMU argv the same way.
package cmdbuilder

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nodeplane/vmctl/internal/config"
	"github.com/nodeplane/vmctl/internal/hostcaps"
	"github.com/nodeplane/vmctl/internal/pcitopology"
	"github.com/nodeplane/vmctl/internal/vmerr"
)

// Defaults carries host-wide settings the builder needs but that do not
// belong to any single VM's config (binary paths, default bridge, OUI).
type Defaults struct {
	KVMBinary   string
	MachineType string // "pc" (i440fx) or "q35"
	Arch        string
	DefaultOUI  string
}

// Result is the built command line plus the side information callers
// need after a successful build.
type Result struct {
	Argv      []string
	Volumes   []string // file/volume references pulled out of every drive, for the storage layer to resolve
	SpicePort int       // 0 unless vga=qxl requested a spice server
}

// Build runs the full Config -> argv pipeline for one VM.
func Build(ctx context.Context, vmid int, cfg *config.Config, defaults Defaults, caps *hostcaps.Prober) (*Result, error) {
	machine := pcitopology.MachineI440FX
	if defaults.MachineType == "q35" {
		machine = pcitopology.MachineQ35
	}
	top := pcitopology.New(machine)

	r := &Result{}
	argv := []string{defaults.KVMBinary, "-id", strconv.Itoa(vmid), "-name", fmt.Sprintf("vm-%d", vmid)}
	argv = append(argv,
		"-chardev", fmt.Sprintf("socket,id=monitor,path=/run/vmctl/%d.mon,server=on,wait=off", vmid),
		"-mon", "chardev=monitor,mode=control",
		"-pidfile", fmt.Sprintf("/run/vmctl/%d.pid", vmid),
		"-daemonize",
	)

	argv = append(argv, "-machine", defaults.MachineType+",accel=kvm")

	if smbios := buildSMBIOS(cfg, vmid); smbios != "" {
		argv = append(argv, "-smbios", smbios)
	}

	ovmfArgs, efidiskVol, err := buildOVMF(cfg, top)
	if err != nil {
		return nil, err
	}
	argv = append(argv, ovmfArgs...)
	if efidiskVol != "" {
		r.Volumes = append(r.Volumes, efidiskVol)
	}

	cpuArgs, err := buildCPU(ctx, cfg, defaults, caps)
	if err != nil {
		return nil, err
	}
	argv = append(argv, cpuArgs...)

	memArgs, err := buildMemory(cfg)
	if err != nil {
		return nil, err
	}
	argv = append(argv, memArgs...)

	numaArgs, err := buildNuma(cfg)
	if err != nil {
		return nil, err
	}
	argv = append(argv, numaArgs...)

	usbArgs, usb3 := buildUSBControllers(cfg, top)
	argv = append(argv, usbArgs...)

	vgaArgs, spicePort, spiceActive := buildDisplay(cfg, defaults)
	argv = append(argv, vgaArgs...)
	r.SpicePort = spicePort

	if tabletArgs, ok := buildTablet(cfg, top, usb3, spiceActive); ok {
		argv = append(argv, tabletArgs...)
	}

	if agentArgs := buildAgent(cfg, top); agentArgs != nil {
		argv = append(argv, agentArgs...)
	}

	argv = append(argv, buildSerial(cfg)...)

	if balloonArgs, ok := buildBalloon(cfg, top); ok {
		argv = append(argv, balloonArgs...)
	}

	if watchdogArgs, ok := buildWatchdog(cfg); ok {
		argv = append(argv, watchdogArgs...)
	}

	driveArgs, volumes, err := buildDrives(cfg, top, machine, defaults.Arch)
	if err != nil {
		return nil, err
	}
	argv = append(argv, driveArgs...)
	r.Volumes = append(r.Volumes, volumes...)

	netArgs, err := buildNet(cfg, top, defaults.DefaultOUI)
	if err != nil {
		return nil, err
	}
	argv = append(argv, netArgs...)

	// PCI bridges must be emitted after every other section has had a
	// chance to allocate an overflow slot, since a bridge is only needed
	// once its first device has claimed a slot past the primary bus.
	argv = append(argv, top.BridgeDeviceArgs()...)

	argv = append(argv, "-rtc", "base=localtime,driftfix=slew")

	if extra, ok := cfg.Get("args"); ok && extra != "" {
		argv = append(argv, strings.Fields(extra)...)
	}

	argv = append(argv, "-qmp", fmt.Sprintf("unix:/run/vmctl/%d.qmp,server=on,wait=off", vmid))

	r.Argv = argv
	return r, nil
}

// buildSMBIOS renders the smbios1 option (a uuid=...,manufacturer=...
// property string) into a single -smbios type=1 argument, defaulting the
// uuid to a value derived from vmid when unset so every boot of the same
// VM reports the same identity.
func buildSMBIOS(cfg *config.Config, vmid int) string {
	raw, ok := cfg.Get("smbios1")
	fields := map[string]string{}
	if ok {
		for _, part := range strings.Split(raw, ",") {
			if k, v, found := strings.Cut(part, "="); found {
				fields[k] = v
			}
		}
	}
	if fields["uuid"] == "" {
		fields["uuid"] = deterministicUUID(vmid)
	}

	var b strings.Builder
	b.WriteString("type=1")
	for _, k := range []string{"uuid", "manufacturer", "product", "version", "serial", "sku", "family"} {
		if v := fields[k]; v != "" {
			fmt.Fprintf(&b, ",%s=%s", k, v)
		}
	}
	return b.String()
}

func deterministicUUID(vmid int) string {
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", vmid)
}

// buildOVMF emits the two pflash drives UEFI boot requires when
// bios=ovmf: a read-only firmware code volume and a variable store backed
// by the efidisk0 drive. A missing efidisk0 is not fatal — spec §4.6
// treats it as a configuration warning paired with a throwaway temp file
// rather than a hard failure, since the VM can still boot (just without
// persisted UEFI variables across restarts).
func buildOVMF(cfg *config.Config, top *pcitopology.Topology) ([]string, string, error) {
	bios, _ := cfg.Get("bios")
	if bios != "ovmf" {
		return nil, "", nil
	}

	args := []string{
		"-drive", "if=pflash,unit=0,format=raw,readonly=on,file=/usr/share/ovmf/OVMF_CODE.fd",
	}

	raw, ok := cfg.Get("efidisk0")
	varsPath := fmt.Sprintf("/run/vmctl/%s-efivars.fd", "tmp")
	var volume string
	if ok {
		d, err := config.ParseDrive(config.IfaceEFIDisk, 0, raw)
		if err != nil {
			return nil, "", vmerr.Schemaf("efidisk0", "%v", err)
		}
		varsPath = d.File
		volume = d.File
	}
	args = append(args, "-drive", fmt.Sprintf("if=pflash,unit=1,format=raw,file=%s", varsPath))

	if _, err := top.Assign("efidisk0"); err != nil {
		return nil, "", err
	}

	return args, volume, nil
}

func buildCPU(ctx context.Context, cfg *config.Config, defaults Defaults, caps *hostcaps.Prober) ([]string, error) {
	cores := 1
	if v, ok := cfg.Get("cores"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, vmerr.Schemaf("cores", "invalid cores value %q", v)
		}
		cores = n
	}
	sockets := 1
	if v, ok := cfg.Get("sockets"); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			sockets = n
		}
	}

	model, flags, err := buildCPUModel(cfg)
	if err != nil {
		return nil, err
	}
	if caps != nil {
		supported, err := caps.CPUs(ctx, defaults.MachineType)
		if err == nil {
			if err := hostcaps.RequireCPU(supported, model); err != nil {
				return nil, vmerr.Schemaf("cpu", "%v", err)
			}
		}
	}

	maxVCPUs := cores * sockets
	if v, ok := cfg.Get("vcpus"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > maxVCPUs {
			maxVCPUs = n
		}
	}

	cpuArg := model
	if len(flags) > 0 {
		cpuArg += "," + strings.Join(flags, ",")
	}

	smp := fmt.Sprintf("cpus=%d,sockets=%d,cores=%d,maxcpus=%d", cores, sockets, cores, maxVCPUs)
	args := []string{"-cpu", cpuArg, "-smp", smp}

	if maxVCPUs > cores {
		for i := cores + 1; i <= maxVCPUs; i++ {
			socketID := (i - 1) / cores
			coreID := (i - 1) % cores
			args = append(args, "-device", fmt.Sprintf("%s-x86_64-cpu,socket-id=%d,core-id=%d,thread-id=0,id=cpu%d", model, socketID, coreID, i))
		}
	}

	return args, nil
}

// buildCPUModel parses the cpu option (model[,hidden=1][,flags=+a;-b][,vendor=...])
// and returns the base model plus the literal flag tokens QEMU's -cpu
// argument accepts, appending the per-model defaults spec §4.6 names:
// +lahf_lm for kvm64, +sep for kvm32/kvm64, -x2apic for solaris,
// -rdtscp for Opteron_G* models, kvm=off when hidden=1, hv_* hyperv
// enlightenments keyed off the configured Windows ostype, and vendor=
// when an override is present.
func buildCPUModel(cfg *config.Config) (string, []string, error) {
	raw, ok := cfg.Get("cpu")
	model := "kvm64"
	hidden := false
	vendor := ""
	var extraFlags []string

	if ok {
		for i, part := range strings.Split(raw, ",") {
			if i == 0 && !strings.Contains(part, "=") {
				model = part
				continue
			}
			k, v, found := strings.Cut(part, "=")
			if !found {
				continue
			}
			switch k {
			case "hidden":
				hidden = v == "1"
			case "vendor":
				vendor = v
			case "flags":
				extraFlags = append(extraFlags, strings.Split(v, ";")...)
			}
		}
	}

	flags := map[string]bool{}
	add := func(f string) { flags[f] = true }

	switch model {
	case "kvm64":
		add("+lahf_lm")
		add("+sep")
	case "kvm32":
		add("+sep")
	case "qemu64", "qemu32":
		add("+lahf_lm")
	}
	if strings.HasPrefix(model, "Opteron_G") {
		add("-rdtscp")
	}
	if strings.Contains(model, "Solaris") || model == "solaris" {
		add("-x2apic")
	}
	if hidden {
		add("kvm=off")
	}

	if ostype, ok := cfg.Get("ostype"); ok {
		for _, f := range hyperVFlags(ostype) {
			add(f)
		}
	}

	for _, f := range extraFlags {
		add(f)
	}

	out := make([]string, 0, len(flags)+1)
	for f := range flags {
		out = append(out, f)
	}
	// deterministic ordering: CommandBuilder's output must be stable
	// across runs of the same config for diffable launch logs.
	strSort(out)

	if vendor != "" {
		out = append(out, "vendor="+vendor)
	}

	return model, out, nil
}

func strSort(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// hyperVFlags returns the Hyper-V enlightenment flags appropriate for a
// Windows ostype, empty for anything else.
func hyperVFlags(ostype string) []string {
	if !strings.HasPrefix(ostype, "win") {
		return nil
	}
	base := []string{"hv_relaxed", "hv_spinlocks=0x1fff", "hv_vapic", "hv_time"}
	switch ostype {
	case "win8", "win10", "win11":
		base = append(base, "hv_vendor_id=proxmox", "hv_ipi", "hv_stimer", "hv_synic", "hv_tlbflush", "hv_reenlightenment")
	}
	return base
}

func buildMemory(cfg *config.Config) ([]string, error) {
	memMB := 512
	if v, ok := cfg.Get("memory"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, vmerr.Schemaf("memory", "invalid memory value %q", v)
		}
		memMB = n
	}

	args := []string{"-m", fmt.Sprintf("size=%d,slots=%d,maxmem=%dM", memMB, 32, memMB*4)}
	return args, nil
}

func buildNuma(cfg *config.Config) ([]string, error) {
	var args []string
	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("numa%d", i)
		raw, ok := cfg.Get(key)
		if !ok {
			continue
		}
		n, err := config.ParseNuma(raw)
		if err != nil {
			return nil, vmerr.Schemaf(key, "%v", err)
		}
		spec := fmt.Sprintf("node,nodeid=%d,cpus=%s", i, n.CPUs)
		if n.MemoryMB != 0 {
			spec += fmt.Sprintf(",memdev=mem-node%d", i)
		}
		if n.Policy != "" {
			spec += ",policy=" + n.Policy
		}
		args = append(args, "-numa", spec)
	}
	return args, nil
}

// buildUSBControllers emits one xhci controller when any configured usbN
// slot requests usb3, since every other USB device in this model rides
// on that single controller rather than one each.
func buildUSBControllers(cfg *config.Config, top *pcitopology.Topology) ([]string, bool) {
	usb3 := false
	for i := 0; i < 16; i++ {
		raw, ok := cfg.Get(fmt.Sprintf("usb%d", i))
		if !ok {
			continue
		}
		if strings.Contains(raw, "usb3=1") {
			usb3 = true
		}
	}
	if !usb3 {
		return nil, false
	}
	slot, err := top.Assign("xhci")
	if err != nil {
		return nil, false
	}
	return []string{"-device", fmt.Sprintf("qemu-xhci,id=xhci,%s", slot.String())}, true
}

// buildDisplay emits the VGA device and, when vga=qxl requests it, a
// spice server plus the two virtio-serial chardevs spice-vdagent and
// webdav share. The chosen spice port is deterministic (5900+vmid is the
// launcher's convention) but left to the caller to allocate; here it
// simply reports that a port was requested via spiceActive.
func buildDisplay(cfg *config.Config, defaults Defaults) (args []string, spicePort int, spiceActive bool) {
	model, _ := cfg.Get("vga")
	if model == "" {
		model = "std"
	}

	vgaDriver := vgaModelToDriver(model)
	args = append(args, "-vga", vgaDriver)

	if model != "qxl" {
		return args, 0, false
	}

	spicePort = 1
	args = append(args,
		"-spice", "port=0,addr=127.0.0.1,disable-ticketing=on",
		"-device", "virtio-serial-pci,id=spice-serial",
		"-chardev", "spicevmc,id=vdagent,name=vdagent",
		"-device", "virtserialport,chardev=vdagent,name=com.redhat.spice.0",
		"-chardev", "spiceport,id=webdav,name=org.spice-space.webdav.0",
		"-device", "virtserialport,chardev=webdav,name=org.spice-space.webdav.0",
	)
	return args, spicePort, true
}

func vgaModelToDriver(model string) string {
	switch model {
	case "qxl":
		return "qxl-vga"
	case "virtio":
		return "virtio-vga"
	case "serial0":
		return "none"
	case "none":
		return "none"
	default:
		return "std"
	}
}

// buildTablet emits a usb-tablet pointer device, the default everywhere
// except when tablet=0 is explicit, the VGA is a serial terminal, or
// spice already supplies pointer integration.
func buildTablet(cfg *config.Config, top *pcitopology.Topology, usb3, spiceActive bool) ([]string, bool) {
	if v, ok := cfg.Get("tablet"); ok && v == "0" {
		return nil, false
	}
	vga, _ := cfg.Get("vga")
	if vga == "serial0" || spiceActive {
		return nil, false
	}
	bus := "usb-bus.0"
	if usb3 {
		bus = "xhci.0"
	}
	return []string{"-device", fmt.Sprintf("usb-tablet,bus=%s", bus)}, true
}

// buildAgent emits the virtio-serial channel QEMU guest agent listens on
// when agent=1 (or agent=1,fstrim_cloned_disks=1, ...) is set.
func buildAgent(cfg *config.Config, top *pcitopology.Topology) []string {
	raw, ok := cfg.Get("agent")
	if !ok {
		return nil
	}
	enabled := raw == "1" || strings.HasPrefix(raw, "1,")
	if !enabled {
		return nil
	}
	slot, err := top.Assign("qga-serial")
	if err != nil {
		return nil
	}
	return []string{
		"-device", fmt.Sprintf("virtio-serial-pci,id=qga0,%s", slot.String()),
		"-chardev", "socket,path=/run/vmctl/qga.sock,server=on,wait=off,id=qga0",
		"-device", "virtserialport,chardev=qga0,name=org.qemu.guest_agent.0",
	}
}

// buildSerial emits isa-serial/unix-socket chardevs for every configured
// serialN option (serialN=socket or serialN=/dev/ttyS0-style passthrough).
func buildSerial(cfg *config.Config) []string {
	var args []string
	for i := 0; i < 4; i++ {
		raw, ok := cfg.Get(fmt.Sprintf("serial%d", i))
		if !ok {
			continue
		}
		chardevID := fmt.Sprintf("serial%d", i)
		if raw == "socket" {
			args = append(args,
				"-chardev", fmt.Sprintf("socket,id=%s,path=/run/vmctl/%s.sock,server=on,wait=off", chardevID, chardevID),
			)
		} else {
			args = append(args, "-chardev", fmt.Sprintf("tty,id=%s,path=%s", chardevID, raw))
		}
		args = append(args, "-device", fmt.Sprintf("isa-serial,chardev=%s", chardevID))
	}
	return args
}

// buildBalloon emits the memory balloon device unless explicitly
// disabled with balloon=0.
func buildBalloon(cfg *config.Config, top *pcitopology.Topology) ([]string, bool) {
	if v, ok := cfg.Get("balloon"); ok && v == "0" {
		return nil, false
	}
	slot, err := top.Assign("balloon")
	if err != nil {
		return nil, false
	}
	return []string{"-device", fmt.Sprintf("virtio-balloon-pci,id=balloon0,%s", slot.String())}, true
}

// buildWatchdog emits a watchdog device from the watchdog property string
// (model=i6300esb,action=reset), defaulting the action to reset.
func buildWatchdog(cfg *config.Config) ([]string, bool) {
	raw, ok := cfg.Get("watchdog")
	if !ok {
		return nil, false
	}
	model := "i6300esb"
	action := "reset"
	for _, part := range strings.Split(raw, ",") {
		k, v, found := strings.Cut(part, "=")
		if !found {
			if part != "" {
				model = part
			}
			continue
		}
		switch k {
		case "model":
			model = v
		case "action":
			action = v
		}
	}
	return []string{
		"-device", fmt.Sprintf("%s,id=watchdog0", model),
		"-watchdog-action", action,
	}, true
}

// bootIndexer assigns the bootindex values spec §4.6 derives from the
// boot-order string: walk it character by character starting at 100,
// stepping by 100, recording the bootindex for each device class (c =
// disk, d = cd-rom, n = network) as it is encountered. A later repeat of
// the same letter overwrites the earlier bootindex for that class, since
// only one device per class ultimately carries it.
type bootIndexer struct {
	disk, cdrom, net                   int
	hasDisk, hasCDROM, hasNet          bool
}

func newBootIndexer(order string) *bootIndexer {
	b := &bootIndexer{}
	next := 100
	for _, c := range order {
		switch c {
		case 'c':
			b.disk, b.hasDisk = next, true
		case 'd':
			b.cdrom, b.hasCDROM = next, true
		case 'n':
			b.net, b.hasNet = next, true
		default:
			continue
		}
		next += 100
	}
	return b
}

func bootOrder(cfg *config.Config) string {
	raw, ok := cfg.Get("boot")
	if !ok {
		return "cdn"
	}
	// legacy form is the bare order string itself; the modern form is
	// order=<string> inside a property string that may carry other keys.
	if strings.Contains(raw, "=") {
		for _, part := range strings.Split(raw, ",") {
			if k, v, found := strings.Cut(part, "="); found && k == "order" {
				return v
			}
		}
		return "cdn"
	}
	return raw
}

func buildDrives(cfg *config.Config, top *pcitopology.Topology, machine pcitopology.MachineKind, arch string) ([]string, []string, error) {
	var argv []string
	var volumes []string

	boot := newBootIndexer(bootOrder(cfg))
	diskKey, _ := bootdiskKey(cfg)
	cdromKey, _ := config.ResolveFirstDisk(cfg, true)

	seenSCSI := false
	seenSATA := false

	for _, key := range config.DriveKeysInUse(cfg) {
		iface, idx, ok := config.SplitDriveKey(key)
		if !ok {
			continue
		}
		raw, _ := cfg.Get(key)
		d, err := config.ParseDrive(iface, idx, raw)
		if err != nil {
			return nil, nil, vmerr.Schemaf(key, "%v", err)
		}

		if iface == config.IfaceIDE {
			if err := pcitopology.ValidateIDEOnPCIe(machine, arch, true); err != nil {
				return nil, nil, vmerr.Conflict(err)
			}
		}
		if iface == config.IfaceSCSI {
			seenSCSI = true
		}
		if iface == config.IfaceSATA {
			seenSATA = true
		}

		volumes = append(volumes, d.File)

		driveID := fmt.Sprintf("drive-%s%d", iface, idx)
		driveOpt := fmt.Sprintf("file=%s,if=none,id=%s", d.File, driveID)
		if d.Cache != "" {
			driveOpt += ",cache=" + d.Cache
		}
		if d.Aio != "" {
			driveOpt += ",aio=" + d.Aio
		}
		if d.Format != "" {
			driveOpt += ",format=" + d.Format
		}
		if d.Media == config.MediaCDROM {
			driveOpt += ",media=cdrom"
		}
		argv = append(argv, "-drive", driveOpt)

		slot, err := deviceSlot(top, iface, idx)
		if err != nil {
			return nil, nil, err
		}

		bootindex := 0
		switch {
		case boot.hasDisk && key == diskKey:
			bootindex = boot.disk
		case boot.hasCDROM && key == cdromKey:
			bootindex = boot.cdrom
		}

		deviceArg := deviceString(iface, driveID, idx, slot, d, bootindex)
		argv = append(argv, "-device", deviceArg)
	}

	if seenSCSI {
		slot, err := top.Assign("virtioscsi")
		if err != nil {
			return nil, nil, err
		}
		argv = append(argv, "-device", fmt.Sprintf("virtio-scsi-pci,id=virtioscsi0,%s", slot.String()))
	}
	if seenSATA {
		slot, err := top.Assign("ahci0")
		if err != nil {
			return nil, nil, err
		}
		argv = append(argv, "-device", fmt.Sprintf("ahci,id=ahci0,%s", slot.String()))
	}

	return argv, volumes, nil
}

// bootdiskKey resolves the legacy bootdisk option to a concrete drive
// key, falling back to the first disk in canonical boot order per spec
// §4.6's bootindex assignment rule.
func bootdiskKey(cfg *config.Config) (string, bool) {
	if v, ok := cfg.Get("bootdisk"); ok && v != "" {
		if _, _, ok := config.SplitDriveKey(v); ok {
			return v, true
		}
	}
	return config.ResolveFirstDisk(cfg, false)
}

func deviceSlot(top *pcitopology.Topology, iface config.Interface, idx int) (pcitopology.Slot, error) {
	switch iface {
	case config.IfaceVirtIO:
		return top.AssignIndexed("virtio", idx)
	case config.IfaceSCSI:
		return top.Assign("virtioscsi")
	case config.IfaceSATA:
		return top.Assign("ahci0")
	default:
		return pcitopology.Slot{}, nil
	}
}

func deviceString(iface config.Interface, driveID string, idx int, slot pcitopology.Slot, d *config.Drive, bootindex int) string {
	boot := ""
	if bootindex > 0 {
		boot = fmt.Sprintf(",bootindex=%d", bootindex)
	}

	switch iface {
	case config.IfaceVirtIO:
		s := fmt.Sprintf("virtio-blk-pci,drive=%s,id=virtio%d,%s%s", driveID, idx, slot.String(), boot)
		if d.Iothread {
			s += ",iothread=iothread" + strconv.Itoa(idx)
		}
		return s
	case config.IfaceSCSI:
		return fmt.Sprintf("scsi-hd,drive=%s,id=scsi%d,channel=0,scsi-id=%d,bus=virtioscsi0.0%s", driveID, idx, idx, boot)
	case config.IfaceSATA:
		return fmt.Sprintf("ide-hd,drive=%s,id=sata%d,bus=ahci0.%d%s", driveID, idx, idx, boot)
	default: // ide
		bus := idx / 2
		unit := idx % 2
		kind := "ide-hd"
		if d.Media == config.MediaCDROM {
			kind = "ide-cd"
		}
		return fmt.Sprintf("%s,drive=%s,bus=ide.%d,unit=%d%s", kind, driveID, bus, unit, boot)
	}
}

func buildNet(cfg *config.Config, top *pcitopology.Topology, oui string) ([]string, error) {
	var argv []string
	boot := newBootIndexer(bootOrder(cfg))
	firstNet := true

	for i := 0; i < 32; i++ {
		key := fmt.Sprintf("net%d", i)
		raw, ok := cfg.Get(key)
		if !ok {
			continue
		}
		n, err := config.ParseNet(raw, oui)
		if err != nil {
			return nil, vmerr.Schemaf(key, "%v", err)
		}
		if n.LinkDown {
			continue
		}

		netdevID := fmt.Sprintf("net%d", i)
		netdevOpt := fmt.Sprintf("tap,id=%s,ifname=tap%dn%d,script=no,downscript=no", netdevID, 0, i)
		if n.Queues > 1 {
			netdevOpt += fmt.Sprintf(",queues=%d", n.Queues)
		}
		argv = append(argv, "-netdev", netdevOpt)

		slot, err := top.AssignIndexed("net", i)
		if err != nil {
			return nil, err
		}
		model := modelToQemuDriver(n.Model)
		deviceOpt := fmt.Sprintf("%s,netdev=%s,id=%s,mac=%s,%s", model, netdevID, netdevID, n.MACAddr, slot.String())
		if n.Rate > 0 {
			deviceOpt += fmt.Sprintf(",rate=%.0f", n.Rate*1024*1024/8)
		}
		if boot.hasNet && firstNet {
			deviceOpt += fmt.Sprintf(",bootindex=%d", boot.net)
		}
		firstNet = false
		argv = append(argv, "-device", deviceOpt)
	}
	return argv, nil
}

func modelToQemuDriver(model string) string {
	switch model {
	case "virtio":
		return "virtio-net-pci"
	case "e1000":
		return "e1000"
	case "vmxnet3":
		return "vmxnet3"
	case "rtl8139":
		return "rtl8139"
	default:
		return "virtio-net-pci"
	}
}

// ArgvString renders argv as a single space-joined string, used for
// logging; arguments are not shell-quoted.
func ArgvString(argv []string) string {
	return strings.Join(argv, " ")
}
