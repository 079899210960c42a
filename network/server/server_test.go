package server

import (
	"net"
	"testing"
	"time"

	"fincaskv/network/protocol"
	"fincaskv/storage"
)

func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	dir := t.TempDir()
	engine, err := storage.Open(storage.WithDataDir(dir))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}

	srv := New(Config{Addr: "127.0.0.1:0", Workers: 4, QueueDepth: 16}, engine)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	srv.listener = ln
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			srv.handleAccept(c)
		}
	}()

	t.Cleanup(func() {
		_ = srv.Stop()
		_ = engine.Close()
	})
	return ln.Addr().String(), func() { _ = srv.Stop() }
}

func roundTrip(t *testing.T, addr string, req *protocol.Request) *protocol.Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := protocol.NewWriter(conn).WriteRequest(req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	resp, err := protocol.NewResponseParser(conn).Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return resp
}

func TestServerSetGetRemoveOverTCP(t *testing.T) {
	addr, _ := startTestServer(t)

	resp := roundTrip(t, addr, &protocol.Request{Op: protocol.OpSet, Key: "k", Value: "v"})
	if !resp.OK {
		t.Fatalf("set failed: %+v", resp)
	}

	resp = roundTrip(t, addr, &protocol.Request{Op: protocol.OpGet, Key: "k"})
	if !resp.OK || !resp.Found || resp.Value != "v" {
		t.Fatalf("get returned unexpected response: %+v", resp)
	}

	resp = roundTrip(t, addr, &protocol.Request{Op: protocol.OpRm, Key: "k"})
	if !resp.OK {
		t.Fatalf("rm failed: %+v", resp)
	}

	resp = roundTrip(t, addr, &protocol.Request{Op: protocol.OpGet, Key: "k"})
	if !resp.OK || resp.Found {
		t.Fatalf("expected miss after rm, got %+v", resp)
	}
}

func TestServerRejectsInvalidRequest(t *testing.T) {
	addr, _ := startTestServer(t)

	resp := roundTrip(t, addr, &protocol.Request{Op: "bogus", Key: "k"})
	if resp.OK {
		t.Fatalf("expected error response for invalid op, got %+v", resp)
	}
}
