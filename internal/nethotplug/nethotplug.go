// Package nethotplug implements the netN side of hot-plug reconciliation
// (spec §5's "update_net": attempt an in-place reconfigure first, fall
// back to unplug/replug only when the device's identity actually changed).
package nethotplug

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nodeplane/vmctl/internal/config"
	"github.com/nodeplane/vmctl/internal/devicemgr"
	"github.com/nodeplane/vmctl/internal/pcitopology"
	"github.com/nodeplane/vmctl/internal/qmp"
	"github.com/nodeplane/vmctl/internal/vmerr"
)

// Reconcile applies a single netN change (key, oldValue -> newValue) to
// a running VM. A deleted key tears the interface down entirely. An
// edit that only touches link_down/rate keeps the device and backend in
// place, toggling carrier state with set_link; any change to model,
// macaddr, bridge or queues requires tearing down the old netdev/device
// pair and plugging a fresh one at the same PCI slot.
func Reconcile(ctx context.Context, conn *qmp.Conn, top *pcitopology.Topology, key, oldValue, newValue string, deleted bool, oui string) error {
	index, err := parseIndex(key)
	if err != nil {
		return vmerr.Schemaf(key, "%v", err)
	}
	netdevID := fmt.Sprintf("net%d", index)
	mgr := devicemgr.New(conn)

	if deleted {
		return unplug(ctx, conn, mgr, netdevID)
	}

	var oldNet *config.Net
	if oldValue != "" {
		oldNet, err = config.ParseNet(oldValue, oui)
		if err != nil {
			return vmerr.Schemaf(key, "%v", err)
		}
	}

	newNet, err := config.ParseNet(newValue, oui)
	if err != nil {
		return vmerr.Schemaf(key, "%v", err)
	}
	newNet.Index = index

	if oldNet != nil && sameIdentity(oldNet, newNet) {
		return conn.SetLink(ctx, netdevID, !newNet.LinkDown)
	}

	if oldNet != nil {
		if err := unplug(ctx, conn, mgr, netdevID); err != nil {
			return err
		}
	}
	return plug(ctx, conn, top, mgr, index, netdevID, newNet)
}

// sameIdentity reports whether a and b describe the same backing device,
// i.e. whether link state alone can carry the edit rather than a replug.
func sameIdentity(a, b *config.Net) bool {
	return a.Model == b.Model && a.MACAddr == b.MACAddr && a.Bridge == b.Bridge && a.Queues == b.Queues
}

func unplug(ctx context.Context, conn *qmp.Conn, mgr *devicemgr.Manager, netdevID string) error {
	if err := mgr.Unplug(ctx, netdevID); err != nil {
		return err
	}
	return conn.NetdevDel(ctx, netdevID)
}

func plug(ctx context.Context, conn *qmp.Conn, top *pcitopology.Topology, mgr *devicemgr.Manager, index int, netdevID string, n *config.Net) error {
	netdevOpts := map[string]interface{}{
		"type":       "tap",
		"id":         netdevID,
		"ifname":     fmt.Sprintf("tap%dn%d", 0, index),
		"script":     "no",
		"downscript": "no",
	}
	if n.Queues > 1 {
		netdevOpts["queues"] = n.Queues
	}
	if err := conn.NetdevAdd(ctx, netdevOpts); err != nil {
		return vmerr.Monitor(err)
	}

	slot, err := top.AssignIndexed("net", index)
	if err != nil {
		_ = conn.NetdevDel(ctx, netdevID)
		return err
	}

	props := map[string]interface{}{
		"netdev": netdevID,
		"mac":    n.MACAddr,
		"bus":    slot.Bus,
		"addr":   slotAddr(slot),
	}
	driver := modelToQemuDriver(n.Model)
	if err := mgr.Plug(ctx, netdevID, driver, props, nil); err != nil {
		_ = conn.NetdevDel(ctx, netdevID)
		return err
	}
	return nil
}

func slotAddr(s pcitopology.Slot) string {
	if s.Function == 0 {
		return fmt.Sprintf("0x%x", s.Device)
	}
	return fmt.Sprintf("0x%x.%d", s.Device, s.Function)
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

func parseIndex(key string) (int, error) {
	if !strings.HasPrefix(key, "net") {
		return 0, fmt.Errorf("not a netN key: %q", key)
	}
	return strconv.Atoi(strings.TrimPrefix(key, "net"))
}
