package nethotplug

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodeplane/vmctl/internal/pcitopology"
	"github.com/nodeplane/vmctl/internal/qmp"
)

type fakeServer struct {
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
}

func startFakeServer(t *testing.T) (string, chan *fakeServer) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "test.qmp")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ready := make(chan *fakeServer, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fs := &fakeServer{conn: conn, dec: json.NewDecoder(conn), enc: json.NewEncoder(conn)}
		fs.enc.Encode(map[string]interface{}{"QMP": map[string]interface{}{"version": "fake"}})
		var capCmd map[string]interface{}
		fs.dec.Decode(&capCmd)
		fs.enc.Encode(map[string]interface{}{"return": map[string]interface{}{}})
		ready <- fs
	}()

	return sockPath, ready
}

func dialFake(t *testing.T) (*qmp.Conn, *fakeServer) {
	t.Helper()
	sockPath, ready := startFakeServer(t)
	conn, err := qmp.Dial(sockPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, <-ready
}

func replyOnce(fs *fakeServer, t *testing.T) map[string]interface{} {
	t.Helper()
	var req map[string]interface{}
	if err := fs.dec.Decode(&req); err != nil {
		t.Errorf("decode request: %v", err)
		return nil
	}
	fs.enc.Encode(map[string]interface{}{"return": map[string]interface{}{}})
	return req
}

func TestReconcileLinkDownTogglesSetLink(t *testing.T) {
	conn, fs := dialFake(t)

	done := make(chan struct{})
	var gotCmd string
	go func() {
		defer close(done)
		req := replyOnce(fs, t)
		if req != nil {
			gotCmd, _ = req["execute"].(string)
		}
	}()

	old := "model=virtio,macaddr=AA:BB:CC:DD:EE:FF,bridge=vmbr0"
	next := "model=virtio,macaddr=AA:BB:CC:DD:EE:FF,bridge=vmbr0,link_down=1"

	err := Reconcile(context.Background(), conn, nil, "net0", old, next, false, "52:54:00")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake server never saw the set_link request")
	}
	if gotCmd != "set_link" {
		t.Errorf("command = %q, want set_link", gotCmd)
	}
}

func TestReconcileModelChangeReplugs(t *testing.T) {
	conn, fs := dialFake(t)
	top := pcitopology.New(pcitopology.MachineI440FX)

	var cmds []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		// device_del (unplug old)
		req := replyOnce(fs, t)
		cmds = append(cmds, req["execute"].(string))
		fs.enc.Encode(map[string]interface{}{
			"event": "DEVICE_DELETED",
			"data":  map[string]interface{}{"device": "net0"},
		})

		// netdev_del
		req = replyOnce(fs, t)
		cmds = append(cmds, req["execute"].(string))

		// netdev_add (new backend)
		req = replyOnce(fs, t)
		cmds = append(cmds, req["execute"].(string))

		// device_add (new device)
		req = replyOnce(fs, t)
		cmds = append(cmds, req["execute"].(string))
	}()

	old := "model=e1000,macaddr=AA:BB:CC:DD:EE:FF,bridge=vmbr0"
	next := "model=virtio,macaddr=AA:BB:CC:DD:EE:FF,bridge=vmbr0"

	err := Reconcile(context.Background(), conn, top, "net0", old, next, false, "52:54:00")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake server never finished the replug exchange")
	}

	want := []string{"device_del", "netdev_del", "netdev_add", "device_add"}
	if len(cmds) != len(want) {
		t.Fatalf("cmds = %v, want %v", cmds, want)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("cmds[%d] = %q, want %q", i, cmds[i], want[i])
		}
	}
}

func TestReconcileDeletedKeyUnplugsOnly(t *testing.T) {
	conn, fs := dialFake(t)

	var cmds []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := replyOnce(fs, t)
		cmds = append(cmds, req["execute"].(string))
		fs.enc.Encode(map[string]interface{}{
			"event": "DEVICE_DELETED",
			"data":  map[string]interface{}{"device": "net0"},
		})
		req = replyOnce(fs, t)
		cmds = append(cmds, req["execute"].(string))
	}()

	err := Reconcile(context.Background(), conn, nil, "net0", "model=virtio,macaddr=AA:BB:CC:DD:EE:FF", "", true, "52:54:00")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake server never finished the unplug exchange")
	}

	if len(cmds) != 2 || cmds[0] != "device_del" || cmds[1] != "netdev_del" {
		t.Errorf("cmds = %v, want [device_del netdev_del]", cmds)
	}
}

func TestReconcileRejectsInvalidKey(t *testing.T) {
	conn, fs := dialFake(t)
	_ = fs
	if err := Reconcile(context.Background(), conn, nil, "scsi0", "", "model=virtio", false, "52:54:00"); err == nil {
		t.Fatal("expected error for a non-netN key")
	}
}
