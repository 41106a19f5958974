// Package ovf imports an Open Virtualization Format descriptor (an .ovf
// XML file plus its referenced disk images) into a VM config skeleton
// (spec §4.8). No example repo in the corpus carries an OVF/XML object
// model to ground this on, so the descriptor is decoded with the
// standard library's encoding/xml (justified in DESIGN.md); the
// surrounding file-handling (referenced-file resolution, the
// symlink-escape guard) follows the same defensive-path idiom phenix's
// util/shell package applies before handing a path to an external
// command.
package ovf

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Envelope is the minimal subset of an OVF descriptor this importer
// understands: enough to recover disk references, CPU/memory sizing and
// network names.
type Envelope struct {
	XMLName  xml.Name `xml:"Envelope"`
	Disks    []Disk   `xml:"References>File"`
	DiskDefs []DiskDef `xml:"DiskSection>Disk"`
	VirtualSystem VirtualSystem `xml:"VirtualSystem"`
}

// Disk is a <References><File> entry: a disk image referenced by href,
// resolved relative to the .ovf file's own directory.
type Disk struct {
	ID   string `xml:"id,attr"`
	Href string `xml:"href,attr"`
}

// DiskDef is a <DiskSection><Disk> entry carrying the nominal capacity.
type DiskDef struct {
	DiskID          string `xml:"diskId,attr"`
	Capacity        string `xml:"capacity,attr"`
	CapacityAllocUnits string `xml:"capacityAllocationUnits,attr"`
	FileRef         string `xml:"fileRef,attr"`
}

// VirtualSystem carries the guest's virtual hardware section.
type VirtualSystem struct {
	Items []HardwareItem `xml:"VirtualHardwareSection>Item"`
}

// HardwareItem is one <Item> of the hardware section; ResourceType 3 is
// CPU, 4 is memory, 10 is an ethernet adapter, per the DMTF CIM
// ResourceType enumeration OVF reuses.
type HardwareItem struct {
	ResourceType    int    `xml:"ResourceType"`
	VirtualQuantity int64  `xml:"VirtualQuantity"`
	Connection      string `xml:"Connection"`
	ElementName     string `xml:"ElementName"`
}

const (
	resourceTypeCPU    = 3
	resourceTypeMemory = 4
	resourceTypeEthernet = 10
)

// Imported is the result of importing an OVF descriptor: a normalized
// set of values ready to be turned into driveN/netN/memory/cores config
// lines by the caller.
type Imported struct {
	CPUCores   int
	MemoryMB   int
	DiskFiles  []string // absolute paths to the referenced disk images, in descriptor order
	DiskSizeMB []int64
	Networks   []string
}

// Parse decodes the .ovf descriptor at path and resolves its referenced
// disk files relative to path's directory, refusing to follow any
// reference that escapes that directory via a symlink or ".." segment.
func Parse(path string) (*Imported, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "ovf: open %s", path)
	}
	defer f.Close()

	env, err := decode(f)
	if err != nil {
		return nil, err
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrap(err, "ovf: resolve base directory")
	}

	imported := &Imported{}

	capacityByID := map[string]int64{}
	for _, d := range env.DiskDefs {
		capacityByID[d.FileRef] = parseCapacityMB(d.Capacity, d.CapacityAllocUnits)
	}

	for _, ref := range env.Disks {
		resolved, err := resolveDiskRef(baseDir, ref.Href)
		if err != nil {
			return nil, err
		}
		imported.DiskFiles = append(imported.DiskFiles, resolved)
		imported.DiskSizeMB = append(imported.DiskSizeMB, capacityByID[ref.ID])
	}

	for _, item := range env.VirtualSystem.Items {
		switch item.ResourceType {
		case resourceTypeCPU:
			imported.CPUCores = int(item.VirtualQuantity)
		case resourceTypeMemory:
			imported.MemoryMB = int(item.VirtualQuantity)
		case resourceTypeEthernet:
			imported.Networks = append(imported.Networks, item.Connection)
		}
	}

	return imported, nil
}

func decode(r io.Reader) (*Envelope, error) {
	var env Envelope
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&env); err != nil {
		return nil, errors.Wrap(err, "ovf: decode descriptor")
	}
	return &env, nil
}

// resolveDiskRef joins baseDir and href, then verifies the resolved
// (symlink-evaluated) path still lives inside baseDir. An OVF bundle is
// untrusted input; without this check a crafted href or a symlink left
// in an extracted bundle could point a disk import at an arbitrary host
// path.
func resolveDiskRef(baseDir, href string) (string, error) {
	if filepath.IsAbs(href) || strings.Contains(href, "..") {
		return "", errors.Errorf("ovf: disk reference %q escapes the bundle directory", href)
	}

	joined := filepath.Join(baseDir, href)

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrapf(err, "ovf: referenced disk %s not found", href)
		}
		return "", errors.Wrapf(err, "ovf: resolve %s", href)
	}

	resolvedBase, err := filepath.EvalSymlinks(baseDir)
	if err != nil {
		return "", errors.Wrap(err, "ovf: resolve bundle directory")
	}

	rel, err := filepath.Rel(resolvedBase, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", errors.Errorf("ovf: disk reference %q resolves outside the bundle directory", href)
	}

	return resolved, nil
}

func parseCapacityMB(capacity, units string) int64 {
	n, err := strconv.ParseFloat(capacity, 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(strings.TrimSpace(units)) {
	case "", "byte", "bytes":
		return int64(n) / (1024 * 1024)
	case "byte * 2^20", "megabyte", "mb":
		return int64(n)
	case "byte * 2^30", "gigabyte", "gb":
		return int64(n * 1024)
	case "byte * 2^10", "kilobyte", "kb":
		return int64(n) / 1024
	default:
		return int64(n)
	}
}

// Validate reports an error if imported carries nothing usable.
func Validate(imported *Imported) error {
	if len(imported.DiskFiles) == 0 {
		return fmt.Errorf("ovf: descriptor references no disk images")
	}
	return nil
}
