package config

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	pendingHeader = "[PENDING]"
)

var snapshotHeaderPattern = regexp.MustCompile(`^\[([a-z][a-z0-9_-]+)\]$`)

// File is the full parsed contents of a VM's persisted config file: the
// live section plus an optional pending overlay and zero or more named
// snapshots (spec §6).
type File struct {
	Live     Config
	Pending  *PendingOverlay
	Snapshot map[string]*Snapshot
	// Order preserves the snapshot header order as read, since persisted
	// snapshot sections are re-emitted sorted by name rather than by
	// capture order.
	Order []string
}

// ParsePersisted reads a VM config file in the on-disk line-oriented
// format and splits it into its live/pending/snapshot sections.
//
// Lines of the form "#<text>" anywhere in the live section (before the
// first [PENDING] or snapshot header) are decoded as part of the description (spec §6 description encoding);
// all other lines are "key: value" pairs. A bare "cdrom: <path>" live key
// is rewritten to "ide2: <path>,media=cdrom" on read, for compatibility
// with the legacy key name.
func ParsePersisted(r io.Reader) (*File, error) {
	f := &File{Snapshot: map[string]*Snapshot{}}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var descLines []string
	section := "" // "" = live, pendingHeader, or a snapshot name

	ensurePending := func() *PendingOverlay {
		if f.Pending == nil {
			f.Pending = &PendingOverlay{Config: Config{Options: map[string]string{}}}
		}
		return f.Pending
	}
	ensureSnapshot := func(name string) *Snapshot {
		s, ok := f.Snapshot[name]
		if !ok {
			s = &Snapshot{Name: name, Config: Config{Options: map[string]string{}}}
			f.Snapshot[name] = s
			f.Order = append(f.Order, name)
		}
		return s
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			if section == "" {
				descLines = append(descLines, decodeDescriptionLine(line))
				continue
			}
		}

		if line == pendingHeader {
			section = pendingHeader
			continue
		}
		if m := snapshotHeaderPattern.FindStringSubmatch(line); m != nil {
			section = m[1]
			ensureSnapshot(section)
			continue
		}

		key, value, ok := splitKV(line)
		if !ok {
			continue
		}

		switch section {
		case "":
			applyLiveKey(f, key, value)
		case pendingHeader:
			applyPendingKey(ensurePending(), key, value)
		default:
			applySnapshotKey(ensureSnapshot(section), key, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "config: read")
	}

	if f.Live.Options == nil {
		f.Live.Options = map[string]string{}
	}
	f.Live.Description = strings.Join(descLines, "\n")

	return f, nil
}

func splitKV(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

func applyLiveKey(f *File, key, value string) {
	switch key {
	case KeyDigest:
		f.Live.Digest = value
	case KeyLock:
		f.Live.Lock = value
	case "cdrom":
		f.Live.Set("ide2", rewriteCdrom(value))
	default:
		f.Live.Set(key, value)
	}
}

func applyPendingKey(p *PendingOverlay, key, value string) {
	switch key {
	case "delete":
		p.Delete = splitDeleteList(value)
	case KeyDigest:
		p.Digest = value
	case "cdrom":
		p.Set("ide2", rewriteCdrom(value))
	default:
		p.Set(key, value)
	}
}

func applySnapshotKey(s *Snapshot, key, value string) {
	switch key {
	case "snaptime":
		n, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			s.SnapTime = n
		}
	case "vmstate":
		s.VMState = value
	case "runningmachine", "machine":
		s.Machine = value
	case KeyParent:
		s.Parent = value
	case "cdrom":
		s.Config.Set("ide2", rewriteCdrom(value))
	default:
		s.Config.Set(key, value)
	}
}

func rewriteCdrom(path string) string {
	if path == "" || path == "none" {
		return "none,media=cdrom"
	}
	return path + ",media=cdrom"
}

func splitDeleteList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func decodeDescriptionLine(line string) string {
	text := strings.TrimPrefix(line, "#")
	text = strings.ReplaceAll(text, "\\n", "\n")
	text = strings.ReplaceAll(text, "\\r", "\r")
	return text
}

func encodeDescriptionLines(description string) []string {
	if description == "" {
		return nil
	}
	var lines []string
	for _, raw := range strings.Split(description, "\n") {
		raw = strings.ReplaceAll(raw, "\r", "\\r")
		lines = append(lines, "#"+raw)
	}
	return lines
}

// Write renders f back to the canonical persisted format: description
// comment lines, sorted live keys, then an optional [PENDING] section,
// then snapshot sections sorted by name (spec §6).
func Write(w io.Writer, f *File) error {
	bw := bufio.NewWriter(w)

	for _, line := range encodeDescriptionLines(f.Live.Description) {
		fmt.Fprintln(bw, line)
	}
	if f.Live.Digest != "" {
		fmt.Fprintf(bw, "%s: %s\n", KeyDigest, f.Live.Digest)
	}
	if f.Live.Lock != "" {
		fmt.Fprintf(bw, "%s: %s\n", KeyLock, f.Live.Lock)
	}
	for _, k := range f.Live.Keys() {
		fmt.Fprintf(bw, "%s: %s\n", k, f.Live.Options[k])
	}

	if f.Pending != nil {
		fmt.Fprintln(bw, pendingHeader)
		if f.Pending.Digest != "" {
			fmt.Fprintf(bw, "%s: %s\n", KeyDigest, f.Pending.Digest)
		}
		for _, k := range f.Pending.Keys() {
			fmt.Fprintf(bw, "%s: %s\n", k, f.Pending.Options[k])
		}
		if len(f.Pending.Delete) > 0 {
			fmt.Fprintf(bw, "delete: %s\n", strings.Join(f.Pending.Delete, ","))
		}
	}

	names := make([]string, 0, len(f.Snapshot))
	for name := range f.Snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := f.Snapshot[name]
		fmt.Fprintf(bw, "[%s]\n", name)
		for _, line := range encodeDescriptionLines(s.Config.Description) {
			fmt.Fprintln(bw, line)
		}
		if s.Parent != "" {
			fmt.Fprintf(bw, "%s: %s\n", KeyParent, s.Parent)
		}
		if s.SnapTime != 0 {
			fmt.Fprintf(bw, "snaptime: %d\n", s.SnapTime)
		}
		if s.VMState != "" {
			fmt.Fprintf(bw, "vmstate: %s\n", s.VMState)
		}
		if s.Machine != "" {
			fmt.Fprintf(bw, "machine: %s\n", s.Machine)
		}
		for _, k := range s.Config.Keys() {
			fmt.Fprintf(bw, "%s: %s\n", k, s.Config.Options[k])
		}
	}

	return bw.Flush()
}
