// Package memhotplug plugs and unplugs pc-dimm devices according to the
// DIMM plan internal/memplan computes, pre-allocating (or releasing) the
// backing hugepages around each operation when the VM is hugepage-backed
// (spec §4.5).
package memhotplug

import (
	"context"
	"fmt"

	"github.com/nodeplane/vmctl/internal/devicemgr"
	"github.com/nodeplane/vmctl/internal/memplan"
	"github.com/nodeplane/vmctl/internal/qmp"
	"github.com/nodeplane/vmctl/internal/vmerr"
)

// HugepageConfig carries the page size in use, or a zero value if the
// VM is not hugepage-backed.
type HugepageConfig struct {
	PageSizeKB int
	Manager    *memplan.HugepageManager
}

// Reconcile brings the attached DIMM set in line with target, plugging
// new DIMMs low-to-high and unplugging removed ones high-to-low (the
// order memplan.ForEachReverseDimm encodes).
func Reconcile(ctx context.Context, conn *qmp.Conn, target *memplan.Plan, hp HugepageConfig) error {
	raw, err := conn.QueryMemoryDevices(ctx)
	if err != nil {
		return vmerr.Monitor(err)
	}
	attached := parseAttached(raw)

	toAdd, toRemove := memplan.Delta(target, attached)
	mgr := devicemgr.New(conn)

	for _, d := range orderedAscending(toAdd) {
		if hp.Manager != nil {
			if err := hp.Manager.Allocate(hp.PageSizeKB, mbToPages(d.SizeMB, hp.PageSizeKB)); err != nil {
				return vmerr.HostResource(err)
			}
		}

		backend := d.BackendID()
		props := map[string]interface{}{"size": d.SizeMB * 1024 * 1024}
		if hp.PageSizeKB > 0 {
			props["prealloc"] = true
		}
		class := "memory-backend-ram"
		if hp.PageSizeKB > 0 {
			class = "memory-backend-file"
			props["mem-path"] = fmt.Sprintf("/dev/hugepages/%s", backend)
			props["share"] = true
		}
		if err := conn.ObjectAdd(ctx, backend, class, props); err != nil {
			return vmerr.HostResource(err)
		}

		verify := func(pollCtx context.Context) (bool, error) {
			raw, err := conn.QueryMemoryDevices(pollCtx)
			if err != nil {
				return false, err
			}
			return parseAttached(raw)[d.Index], nil
		}
		if err := mgr.Plug(ctx, d.ID(), "pc-dimm", map[string]interface{}{
			"memdev": backend,
			"node":   d.NodeID,
		}, verify); err != nil {
			_ = conn.ObjectDel(ctx, backend)
			if hp.Manager != nil {
				_ = hp.Manager.Release(hp.PageSizeKB, mbToPages(d.SizeMB, hp.PageSizeKB))
			}
			return err
		}
	}

	for _, d := range orderedDescending(toRemove) {
		if err := mgr.Unplug(ctx, d.ID()); err != nil {
			return err
		}
		_ = conn.ObjectDel(ctx, d.BackendID())
		if hp.Manager != nil {
			_ = hp.Manager.Release(hp.PageSizeKB, mbToPages(d.SizeMB, hp.PageSizeKB))
		}
	}

	return nil
}

func mbToPages(sizeMB, pageSizeKB int) int {
	if pageSizeKB == 0 {
		return 0
	}
	return (sizeMB * 1024) / pageSizeKB
}

func parseAttached(raw []interface{}) map[int]bool {
	attached := map[int]bool{}
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		data, ok := m["data"].(map[string]interface{})
		if !ok {
			data = m
		}
		id, _ := data["id"].(string)
		var idx int
		if _, err := fmt.Sscanf(id, "dimm%d", &idx); err == nil {
			attached[idx] = true
		}
	}
	return attached
}

func orderedAscending(dimms []memplan.Dimm) []memplan.Dimm {
	out := append([]memplan.Dimm(nil), dimms...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Index < out[j-1].Index; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func orderedDescending(dimms []memplan.Dimm) []memplan.Dimm {
	out := orderedAscending(dimms)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
