package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Media is the drive's media kind.
type Media string

const (
	MediaDisk  Media = "disk"
	MediaCDROM Media = "cdrom"
)

// Drive is the parsed, validated representation of a driveN property
// string (spec §3 Drive).
type Drive struct {
	Interface Interface
	Index     int

	File  string
	Media Media

	Cyls, Heads, Secs int
	Trans             string

	Cache string
	Aio   string

	RerrorAction string
	Werror       string

	Serial string
	Model  string
	WWN    string

	Shared    bool
	Backup    bool
	Replicate bool
	Iothread  bool
	SSD       bool
	ScsiBlock bool
	Queues    int

	Snapshot bool

	SizeBytes int64
	Format    string

	Throttle Throttle

	TPMVersion string
}

// Throttle holds the normalized (mbps/iops-form) throttling parameters.
type Throttle struct {
	MbpsRd, MbpsWr, Mbps                   float64
	MbpsRdMax, MbpsWrMax, MbpsMax          float64
	MbpsRdMaxLength, MbpsWrMaxLength       int
	MbpsMaxLength                          int
	IopsRd, IopsWr, Iops                   int
	IopsRdMax, IopsWrMax, IopsMax          int
	IopsRdMaxLength, IopsWrMaxLength       int
	IopsMaxLength                          int
}

var driveKeyPattern = regexp.MustCompile(`^(ide|scsi|sata|virtio|efidisk|tpmstate|unused)(\d+)$`)

// SplitDriveKey splits a config key like "scsi3" into its interface and
// index, per spec §4.2 step 1.
func SplitDriveKey(key string) (Interface, int, bool) {
	m := driveKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", 0, false
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return Interface(m[1]), idx, true
}

// ValidDriveNames returns every interface in the canonical boot-order scan
// sequence used by ResolveFirstDisk (spec §4.2).
func ValidDriveNames() []Interface {
	return []Interface{IfaceIDE, IfaceSCSI, IfaceVirtIO, IfaceSATA, IfaceEFIDisk, IfaceTPMState}
}

var cloudinitFilePattern = regexp.MustCompile(`[:/]vm-\d+-cloudinit(\.[a-z0-9]+)?$`)

// ParseDrive parses and validates a driveN value string per spec §4.2.
func ParseDrive(iface Interface, index int, text string) (*Drive, error) {
	if max, ok := MaxIndex[iface]; ok && index > max {
		return nil, fmt.Errorf("drive: index %d exceeds maximum %d for interface %s", index, max, iface)
	}

	format := driveFormatName(iface)
	values, err := Registry().ParsePropertyString(format, text)
	if err != nil {
		return nil, fmt.Errorf("drive %s%d: %v", iface, index, err)
	}

	d := &Drive{Interface: iface, Index: index, File: values["file"]}

	switch iface {
	case IfaceEFIDisk:
		d.Media = MediaDisk
		d.Format = values["format"]
	case IfaceTPMState:
		d.Media = MediaDisk
		d.TPMVersion = values["version"]
	case IfaceUnused:
		d.Media = MediaDisk
	default:
		d.Media = Media(values["media"])
		d.Cyls = atoiOr(values["cyls"], 0)
		d.Heads = atoiOr(values["heads"], 0)
		d.Secs = atoiOr(values["secs"], 0)
		d.Trans = values["trans"]
		d.Snapshot = boolOr(values["snapshot"], false)
		d.Cache = values["cache"]
		d.Aio = values["aio"]
		d.Format = values["format"]
		d.RerrorAction = values["rerror"]
		d.Werror = values["werror"]
		d.Serial = values["serial"]
		d.Shared = boolOr(values["shared"], false)
		d.Backup = boolOr(values["backup"], true)
		d.Replicate = boolOr(values["replicate"], true)

		if err := parseThrottle(values, &d.Throttle); err != nil {
			return nil, fmt.Errorf("drive %s%d: %v", iface, index, err)
		}

		if iface == IfaceSCSI || iface == IfaceVirtIO {
			d.Iothread = boolOr(values["iothread"], false)
		}
		if iface == IfaceSCSI {
			d.Queues = atoiOr(values["queues"], 0)
			d.ScsiBlock = boolOr(values["scsiblock"], false)
		}
		if iface == IfaceIDE || iface == IfaceSATA {
			d.Model = values["model"]
			d.SSD = boolOr(values["ssd"], false)
			d.WWN = values["wwn"]
		}
	}

	if v, ok := values["size"]; ok && v != "" {
		n, err := ParseSize(v)
		if err != nil {
			return nil, fmt.Errorf("drive %s%d: size: %v", iface, index, err)
		}
		d.SizeBytes = n
	}

	if err := validateCDROMExclusions(d); err != nil {
		return nil, fmt.Errorf("drive %s%d: %v", iface, index, err)
	}

	return d, nil
}

func parseThrottle(values map[string]string, t *Throttle) error {
	num := func(k string) float64 {
		v, ok := values[k]
		if !ok {
			return 0
		}
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	intg := func(k string) int {
		v, ok := values[k]
		if !ok {
			return 0
		}
		n, _ := strconv.Atoi(v)
		return n
	}

	t.Mbps, t.MbpsRd, t.MbpsWr = num("mbps"), num("mbps_rd"), num("mbps_wr")
	t.MbpsMax, t.MbpsRdMax, t.MbpsWrMax = num("mbps_max"), num("mbps_rd_max"), num("mbps_wr_max")
	t.MbpsMaxLength = intg("mbps_max_length")
	t.MbpsRdMaxLength = intg("mbps_rd_max_length")
	t.MbpsWrMaxLength = intg("mbps_wr_max_length")

	t.Iops, t.IopsRd, t.IopsWr = intg("iops"), intg("iops_rd"), intg("iops_wr")
	t.IopsMax, t.IopsRdMax, t.IopsWrMax = intg("iops_max"), intg("iops_rd_max"), intg("iops_wr_max")
	t.IopsMaxLength = intg("iops_max_length")
	t.IopsRdMaxLength = intg("iops_rd_max_length")
	t.IopsWrMaxLength = intg("iops_wr_max_length")

	if (t.MbpsRd != 0 || t.MbpsWr != 0) && t.Mbps != 0 {
		return fmt.Errorf("mbps_rd/mbps_wr excludes mbps")
	}
	if (t.IopsRd != 0 || t.IopsWr != 0) && t.Iops != 0 {
		return fmt.Errorf("iops_rd/iops_wr excludes iops")
	}

	chain := []struct {
		max, base float64
		name      string
	}{
		{t.MbpsMax, t.Mbps, "mbps_max"},
		{t.MbpsRdMax, t.MbpsRd, "mbps_rd_max"},
		{t.MbpsWrMax, t.MbpsWr, "mbps_wr_max"},
		{float64(t.IopsMax), float64(t.Iops), "iops_max"},
		{float64(t.IopsRdMax), float64(t.IopsRd), "iops_rd_max"},
		{float64(t.IopsWrMax), float64(t.IopsWr), "iops_wr_max"},
	}
	for _, c := range chain {
		if c.max != 0 && c.base == 0 {
			return fmt.Errorf("%s requires its base rate to be set", c.name)
		}
	}

	burst := []struct {
		length int
		max    float64
		name   string
	}{
		{t.MbpsMaxLength, t.MbpsMax, "mbps_max_length"},
		{t.MbpsRdMaxLength, t.MbpsRdMax, "mbps_rd_max_length"},
		{t.MbpsWrMaxLength, t.MbpsWrMax, "mbps_wr_max_length"},
		{t.IopsMaxLength, float64(t.IopsMax), "iops_max_length"},
		{t.IopsRdMaxLength, float64(t.IopsRdMax), "iops_rd_max_length"},
		{t.IopsWrMaxLength, float64(t.IopsWrMax), "iops_wr_max_length"},
	}
	for _, b := range burst {
		if b.length != 0 && b.max == 0 {
			return fmt.Errorf("%s requires its max rate to be set", b.name)
		}
	}

	return nil
}

func validateCDROMExclusions(d *Drive) error {
	if d.Media != MediaCDROM {
		return nil
	}
	if d.Snapshot {
		return fmt.Errorf("media=cdrom excludes snapshot")
	}
	if d.Trans != "" {
		return fmt.Errorf("media=cdrom excludes trans")
	}
	if d.Format != "" {
		return fmt.Errorf("media=cdrom excludes format")
	}
	if d.Cyls != 0 || d.Heads != 0 || d.Secs != 0 {
		return fmt.Errorf("media=cdrom excludes geometry (cyls/heads/secs)")
	}
	if d.Interface == IfaceVirtIO {
		return fmt.Errorf("media=cdrom is not permitted on interface virtio")
	}
	return nil
}

// ParseSize parses a human-form size ("32G", "512M", "1024K", or a bare
// byte count) into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := int64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'K', 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'G', 'g':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	case 'T', 't':
		mult = 1024 * 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(f * float64(mult)), nil
}

// FormatSize renders bytes back into the largest whole human unit.
func FormatSize(bytes int64) string {
	const (
		ki = 1024
		mi = ki * 1024
		gi = mi * 1024
		ti = gi * 1024
	)
	switch {
	case bytes >= ti && bytes%ti == 0:
		return fmt.Sprintf("%dT", bytes/ti)
	case bytes >= gi && bytes%gi == 0:
		return fmt.Sprintf("%dG", bytes/gi)
	case bytes >= mi && bytes%mi == 0:
		return fmt.Sprintf("%dM", bytes/mi)
	case bytes >= ki && bytes%ki == 0:
		return fmt.Sprintf("%dK", bytes/ki)
	default:
		return strconv.FormatInt(bytes, 10)
	}
}

// Print re-renders the Drive into its property-string form.
func (d *Drive) Print() (string, error) {
	format := driveFormatName(d.Interface)
	values := map[string]string{"file": d.File}

	if d.SizeBytes > 0 {
		values["size"] = FormatSize(d.SizeBytes)
	}

	switch d.Interface {
	case IfaceEFIDisk:
		if d.Format != "" {
			values["format"] = d.Format
		}
		return Registry().PrintPropertyString(format, values)
	case IfaceTPMState:
		if d.TPMVersion != "" {
			values["version"] = d.TPMVersion
		}
		return Registry().PrintPropertyString(format, values)
	case IfaceUnused:
		return Registry().PrintPropertyString(format, values)
	}

	if d.Media != "" && d.Media != MediaDisk {
		values["media"] = string(d.Media)
	}
	if d.Cyls != 0 {
		values["cyls"] = strconv.Itoa(d.Cyls)
	}
	if d.Heads != 0 {
		values["heads"] = strconv.Itoa(d.Heads)
	}
	if d.Secs != 0 {
		values["secs"] = strconv.Itoa(d.Secs)
	}
	if d.Trans != "" {
		values["trans"] = d.Trans
	}
	if d.Snapshot {
		values["snapshot"] = "1"
	}
	if d.Cache != "" {
		values["cache"] = d.Cache
	}
	if d.Aio != "" {
		values["aio"] = d.Aio
	}
	if d.Format != "" {
		values["format"] = d.Format
	}
	if d.RerrorAction != "" {
		values["rerror"] = d.RerrorAction
	}
	if d.Werror != "" {
		values["werror"] = d.Werror
	}
	if d.Serial != "" {
		values["serial"] = d.Serial
	}
	if d.Shared {
		values["shared"] = "1"
	}
	if !d.Backup {
		values["backup"] = "0"
	}
	if !d.Replicate {
		values["replicate"] = "0"
	}
	if (d.Interface == IfaceSCSI || d.Interface == IfaceVirtIO) && d.Iothread {
		values["iothread"] = "1"
	}
	if d.Interface == IfaceSCSI {
		if d.Queues > 0 {
			values["queues"] = strconv.Itoa(d.Queues)
		}
		if d.ScsiBlock {
			values["scsiblock"] = "1"
		}
	}
	if d.Interface == IfaceIDE || d.Interface == IfaceSATA {
		if d.Model != "" {
			values["model"] = d.Model
		}
		if d.SSD {
			values["ssd"] = "1"
		}
		if d.WWN != "" {
			values["wwn"] = d.WWN
		}
	}

	printThrottle(values, d.Throttle)

	return Registry().PrintPropertyString(format, values)
}

func printThrottle(values map[string]string, t Throttle) {
	setF := func(k string, v float64) {
		if v != 0 {
			values[k] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	setI := func(k string, v int) {
		if v != 0 {
			values[k] = strconv.Itoa(v)
		}
	}
	setF("mbps", t.Mbps)
	setF("mbps_rd", t.MbpsRd)
	setF("mbps_wr", t.MbpsWr)
	setF("mbps_max", t.MbpsMax)
	setF("mbps_rd_max", t.MbpsRdMax)
	setF("mbps_wr_max", t.MbpsWrMax)
	setI("mbps_max_length", t.MbpsMaxLength)
	setI("mbps_rd_max_length", t.MbpsRdMaxLength)
	setI("mbps_wr_max_length", t.MbpsWrMaxLength)
	setI("iops", t.Iops)
	setI("iops_rd", t.IopsRd)
	setI("iops_wr", t.IopsWr)
	setI("iops_max", t.IopsMax)
	setI("iops_rd_max", t.IopsRdMax)
	setI("iops_wr_max", t.IopsWrMax)
	setI("iops_max_length", t.IopsMaxLength)
	setI("iops_rd_max_length", t.IopsRdMaxLength)
	setI("iops_wr_max_length", t.IopsWrMaxLength)
}

// IsCDROM reports whether d is a CD-ROM, per spec §4.2. When
// excludeCloudinit is set, a drive whose file looks like a cloud-init
// volume is never treated as a CD-ROM.
func (d *Drive) IsCDROM(excludeCloudinit bool) bool {
	if d.Media != MediaCDROM {
		return false
	}
	if excludeCloudinit && d.IsCloudinit() {
		return false
	}
	return true
}

// IsCloudinit reports whether the drive's file matches the cloud-init
// volume-name pattern vm-<id>-cloudinit[.<format>].
//
// Open question (spec §9): the pattern does not require the vmid to match
// the enclosing VM, so a stray cloud-init-looking volume belonging to
// another VM also matches here; this mirrors that ambiguity rather than
// resolving it.
func (d *Drive) IsCloudinit() bool {
	return cloudinitFilePattern.MatchString(d.File)
}

// UpdateDiskSize returns a mutated copy of d with SizeBytes set to
// newSize and a human-readable transition message, or (nil, "") if the
// size did not change (spec §4.2).
func UpdateDiskSize(d *Drive, newSize int64) (*Drive, string) {
	if newSize == d.SizeBytes {
		return nil, ""
	}
	updated := *d
	updated.SizeBytes = newSize
	msg := fmt.Sprintf("resized %s%d from %s to %s", d.Interface, d.Index, FormatSize(d.SizeBytes), FormatSize(newSize))
	return &updated, msg
}
