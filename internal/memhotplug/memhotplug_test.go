package memhotplug

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodeplane/vmctl/internal/memplan"
	"github.com/nodeplane/vmctl/internal/qmp"
)

func sampleDimms(indices ...int) []memplan.Dimm {
	out := make([]memplan.Dimm, len(indices))
	for i, idx := range indices {
		out[i] = memplan.Dimm{Index: idx, SizeMB: memplan.DimmSizeMB}
	}
	return out
}

func TestMbToPages(t *testing.T) {
	cases := []struct {
		sizeMB, pageSizeKB, want int
	}{
		{512, 2048, 256},
		{512, 0, 0},
		{1024, 1024, 1024},
	}
	for _, c := range cases {
		if got := mbToPages(c.sizeMB, c.pageSizeKB); got != c.want {
			t.Errorf("mbToPages(%d, %d) = %d, want %d", c.sizeMB, c.pageSizeKB, got, c.want)
		}
	}
}

func TestParseAttached(t *testing.T) {
	raw := []interface{}{
		map[string]interface{}{
			"data": map[string]interface{}{"id": "dimm0", "size": float64(536870912)},
		},
		map[string]interface{}{
			"data": map[string]interface{}{"id": "dimm2", "size": float64(536870912)},
		},
		"not a map",
	}
	attached := parseAttached(raw)
	if len(attached) != 2 || !attached[0] || !attached[2] {
		t.Errorf("parseAttached = %v, want {0:true, 2:true}", attached)
	}
	if attached[1] {
		t.Errorf("parseAttached should not report slot 1 as attached")
	}
}

func TestOrderedAscendingAndDescending(t *testing.T) {
	dimms := sampleDimms(3, 1, 0, 2)
	asc := orderedAscending(dimms)
	for i, want := range []int{0, 1, 2, 3} {
		if asc[i].Index != want {
			t.Fatalf("orderedAscending[%d].Index = %d, want %d", i, asc[i].Index, want)
		}
	}

	desc := orderedDescending(dimms)
	for i, want := range []int{3, 2, 1, 0} {
		if desc[i].Index != want {
			t.Fatalf("orderedDescending[%d].Index = %d, want %d", i, desc[i].Index, want)
		}
	}
}

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

// replyOnce decodes one request off the wire and answers with an empty
// success return, used for the object-add/device_add/device_del/object-del
// exchanges Reconcile drives in sequence.
func replyOnce(fs *fakeServer, t *testing.T) {
	t.Helper()
	var req map[string]interface{}
	if err := fs.dec.Decode(&req); err != nil {
		t.Errorf("decode request: %v", err)
		return
	}
	fs.enc.Encode(map[string]interface{}{"return": map[string]interface{}{}})
}

func replyWithMemoryDevices(fs *fakeServer, t *testing.T, devices []interface{}) {
	t.Helper()
	var req map[string]interface{}
	if err := fs.dec.Decode(&req); err != nil {
		t.Errorf("decode request: %v", err)
		return
	}
	fs.enc.Encode(map[string]interface{}{"return": devices})
}

func TestReconcilePlugsOneMissingDimm(t *testing.T) {
	conn, fs := dialFake(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		replyWithMemoryDevices(fs, t, nil) // query-memory-devices: nothing attached
		replyOnce(fs, t)                   // object-add
		replyOnce(fs, t)                   // device_add
		// query-memory-devices: Plug's verify poll sees dimm0 attached
		replyWithMemoryDevices(fs, t, []interface{}{
			map[string]interface{}{"data": map[string]interface{}{"id": "dimm0", "size": float64(536870912)}},
		})
	}()

	target := &memplan.Plan{Dimms: sampleDimms(0)}
	err := Reconcile(context.Background(), conn, target, HugepageConfig{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake server never finished the expected exchange")
	}
}

func TestReconcileUnplugsRemovedDimm(t *testing.T) {
	conn, fs := dialFake(t)

	attachedDevices := []interface{}{
		map[string]interface{}{"data": map[string]interface{}{"id": "dimm0", "size": float64(536870912)}},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		replyWithMemoryDevices(fs, t, attachedDevices) // query-memory-devices: dimm0 attached
		replyOnce(fs, t)                                // device_del
		fs.enc.Encode(map[string]interface{}{
			"event": "DEVICE_DELETED",
			"data":  map[string]interface{}{"device": "dimm0"},
		})
		replyOnce(fs, t) // object-del
	}()

	target := &memplan.Plan{} // empty target: the attached DIMM must be removed
	err := Reconcile(context.Background(), conn, target, HugepageConfig{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake server never finished the expected exchange")
	}
}
