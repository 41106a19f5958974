// Package hostcaps probes the local kvm/qemu binary for the set of CPU
// models, machine types and NIC models it supports, so the command-line
// builder can reject an unsupported choice before ever invoking QEMU.
// The probe commands and their output parsers are adapted line-for-line
// from minimega's src/qemu/qemu.go; the cache there was a hand-rolled
// mutex-guarded map, which this version replaces with go-cache's TTL
// cache so a capability list refreshes if the host's qemu binary is
// upgraded without a daemon restart.
package hostcaps

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/nodeplane/vmctl/internal/shell"
)

const (
	defaultTTL      = 30 * time.Minute
	cleanupInterval = time.Hour
)

// Prober queries QEMU's self-description output for a given binary.
type Prober struct {
	qemuBinary string
	cache      *cache.Cache
}

// NewProber returns a Prober for the given kvm/qemu binary path.
func NewProber(qemuBinary string) *Prober {
	return &Prober{
		qemuBinary: qemuBinary,
		cache:      cache.New(defaultTTL, cleanupInterval),
	}
}

// CPUs returns the set of CPU model names qemuBinary supports for the
// given machine type (machine may be empty to query the default).
func (p *Prober) CPUs(ctx context.Context, machine string) (map[string]bool, error) {
	key := p.qemuBinary + machine + "cpus"
	if v, ok := p.cache.Get(key); ok {
		return v.(map[string]bool), nil
	}

	args := []string{}
	if machine != "" {
		args = append(args, "-M", machine)
	}
	args = append(args, "-cpu", "?")

	out, err := p.run(ctx, args)
	if err != nil {
		if machine == "" {
			return nil, errors.New("hostcaps: unable to determine valid CPUs, try configuring machine first")
		}
		return nil, errors.Wrap(err, "hostcaps: determine valid CPUs")
	}

	res := parseCPUs(bytes.NewReader(out))
	p.cache.Set(key, res, cache.DefaultExpiration)
	return res, nil
}

// Machines returns the set of machine type names qemuBinary supports.
func (p *Prober) Machines(ctx context.Context) (map[string]bool, error) {
	key := p.qemuBinary + "machines"
	if v, ok := p.cache.Get(key); ok {
		return v.(map[string]bool), nil
	}

	out, err := p.run(ctx, []string{"-M", "?"})
	if err != nil {
		return nil, errors.Wrap(err, "hostcaps: determine valid machines")
	}

	res := parseMachines(bytes.NewReader(out))
	p.cache.Set(key, res, cache.DefaultExpiration)
	return res, nil
}

// NICs returns the set of NIC device model names qemuBinary supports for
// the given machine type.
func (p *Prober) NICs(ctx context.Context, machine string) (map[string]bool, error) {
	key := p.qemuBinary + machine + "nics"
	if v, ok := p.cache.Get(key); ok {
		return v.(map[string]bool), nil
	}

	args := []string{}
	if machine != "" {
		args = append(args, "-M", machine)
	}
	args = append(args, "-device", "?")

	out, err := p.run(ctx, args)
	if err != nil {
		return nil, errors.Wrap(err, "hostcaps: determine valid NICs")
	}

	res := parseNICs(bytes.NewReader(out))
	p.cache.Set(key, res, cache.DefaultExpiration)
	return res, nil
}

func (p *Prober) run(ctx context.Context, args []string) ([]byte, error) {
	res, err := shell.Run(ctx, p.qemuBinary, args...)
	if err != nil {
		return nil, err
	}
	return []byte(res.Stdout + res.Stderr), nil
}

func parseCPUs(r *bytes.Reader) map[string]bool {
	res := map[string]bool{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if scanner.Text() == "Available CPUs:" {
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			break
		}
		switch fields[0] {
		case "x86":
			if len(fields) >= 2 {
				res[fields[1]] = true
			}
		default:
			res[fields[0]] = true
		}
	}
	return res
}

func parseMachines(r *bytes.Reader) map[string]bool {
	res := map[string]bool{}
	scanner := bufio.NewScanner(r)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 1 {
			break
		}
		res[fields[0]] = true
	}
	return res
}

func parseNICs(r *bytes.Reader) map[string]bool {
	res := map[string]bool{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "Network devices:") {
			break
		}
	}
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			break
		}
		res[strings.Trim(fields[1], `",`)] = true
	}
	return res
}

// RequireCPU returns an error naming the model if it is not in the set
// the host's QEMU reports supporting.
func RequireCPU(supported map[string]bool, model string) error {
	if !supported[model] {
		return fmt.Errorf("hostcaps: cpu model %q is not supported by this host's QEMU build", model)
	}
	return nil
}
