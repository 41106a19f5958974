package qmp

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// fakeServer emulates just enough of the QMP handshake and command/reply
// cycle over a unix socket for the client's connect/Cmd paths to exercise
// against something real, the same shape minimega's own qmp tests use.
type fakeServer struct {
	t    *testing.T
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
}

func startFakeServer(t *testing.T) (string, chan *fakeServer) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.qmp")

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
		fs := &fakeServer{t: t, conn: conn, dec: json.NewDecoder(conn), enc: json.NewEncoder(conn)}

		fs.enc.Encode(map[string]interface{}{"QMP": map[string]interface{}{"version": "fake"}})

		var capCmd map[string]interface{}
		fs.dec.Decode(&capCmd)
		fs.enc.Encode(map[string]interface{}{"return": map[string]interface{}{}})

		ready <- fs
	}()

	return sockPath, ready
}

func TestDialPerformsHandshake(t *testing.T) {
	sockPath, ready := startFakeServer(t)

	conn, err := Dial(sockPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	<-ready
	if !conn.ready {
		t.Error("connection should be marked ready after a successful handshake")
	}
}

func TestCmdRoundTrip(t *testing.T) {
	sockPath, ready := startFakeServer(t)

	conn, err := Dial(sockPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	fs := <-ready
	go func() {
		var req map[string]interface{}
		if err := fs.dec.Decode(&req); err != nil {
			return
		}
		fs.enc.Encode(map[string]interface{}{"return": map[string]interface{}{"status": "running"}})
	}()

	status, err := conn.QueryStatus(context.Background())
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if status != "running" {
		t.Errorf("status = %q, want running", status)
	}
}

func TestCmdSurfacesQMPError(t *testing.T) {
	sockPath, ready := startFakeServer(t)

	conn, err := Dial(sockPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	fs := <-ready
	go func() {
		var req map[string]interface{}
		if err := fs.dec.Decode(&req); err != nil {
			return
		}
		fs.enc.Encode(map[string]interface{}{"error": map[string]interface{}{"class": "GenericError", "desc": "boom"}})
	}()

	_, err = conn.Cmd(context.Background(), "query-status", nil)
	if err == nil {
		t.Fatal("expected error for a QMP error reply")
	}
}

func TestCmdTimesOutOnNoReply(t *testing.T) {
	sockPath, ready := startFakeServer(t)

	conn, err := Dial(sockPath, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	<-ready

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = conn.Cmd(ctx, "query-status", nil)
	if err == nil {
		t.Fatal("expected timeout error when the server never replies")
	}
}

func TestDeviceDelWaitsForEvent(t *testing.T) {
	sockPath, ready := startFakeServer(t)

	conn, err := Dial(sockPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	fs := <-ready
	go func() {
		var req map[string]interface{}
		if err := fs.dec.Decode(&req); err != nil {
			return
		}
		fs.enc.Encode(map[string]interface{}{"return": map[string]interface{}{}})
		time.Sleep(10 * time.Millisecond)
		fs.enc.Encode(map[string]interface{}{
			"event": "DEVICE_DELETED",
			"data":  map[string]interface{}{"device": "dimm0"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.DeviceDel(ctx, "dimm0"); err != nil {
		t.Fatalf("DeviceDel: %v", err)
	}
}
