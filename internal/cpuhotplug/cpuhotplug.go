// Package cpuhotplug reconciles a VM's configured vCPU count against
// what QEMU currently reports via query-hotpluggable-cpus, issuing
// incremental device_add/device_del calls for just the delta (spec
// §4.4). Like devicemgr, the add-then-verify sequencing comes from
// minimega's kvm.go hot-plug handling.
package cpuhotplug

import (
	"context"
	"fmt"
	"sort"

	"github.com/nodeplane/vmctl/internal/devicemgr"
	"github.com/nodeplane/vmctl/internal/qmp"
	"github.com/nodeplane/vmctl/internal/vmerr"
)

// Entry is one hotpluggable CPU slot reported by QEMU.
type Entry struct {
	CoreID   int
	QOMPath  string // non-empty if a vcpu device is already attached here
}

// ParseEntries extracts the core-id/qom-path fields from a raw
// query-hotpluggable-cpus reply.
func ParseEntries(raw []interface{}) []Entry {
	var out []Entry
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		e := Entry{}
		if props, ok := m["props"].(map[string]interface{}); ok {
			if v, ok := props["core-id"].(float64); ok {
				e.CoreID = int(v)
			}
		}
		if v, ok := m["qom-path"].(string); ok {
			e.QOMPath = v
		}
		out = append(out, e)
	}
	return out
}

// Reconcile grows or shrinks the attached vCPU set to match target,
// adding the lowest free core-ids first and removing the highest
// attached ones first, so the guest never sees a gap below an attached
// core.
func Reconcile(ctx context.Context, conn *qmp.Conn, target int) error {
	raw, err := conn.QueryHotpluggableCPUs(ctx)
	if err != nil {
		return vmerr.Monitor(err)
	}
	entries := ParseEntries(raw)

	attached := 0
	for _, e := range entries {
		if e.QOMPath != "" {
			attached++
		}
	}

	mgr := devicemgr.New(conn)

	if target > attached {
		free := freeSlots(entries)
		for i := 0; i < target-attached && i < len(free); i++ {
			id := fmt.Sprintf("cpu%d", free[i].CoreID)
			if err := mgr.Plug(ctx, id, "host-x86_64-cpu", map[string]interface{}{"core-id": free[i].CoreID}, nil); err != nil {
				return err
			}
		}
		return nil
	}

	if target < attached {
		held := attachedSlotsDescending(entries)
		for i := 0; i < attached-target && i < len(held); i++ {
			if err := mgr.Unplug(ctx, held[i].QOMPath); err != nil {
				return err
			}
		}
	}

	return nil
}

func freeSlots(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.QOMPath == "" {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CoreID < out[j].CoreID })
	return out
}

func attachedSlotsDescending(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.QOMPath != "" {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CoreID > out[j].CoreID })
	return out
}
