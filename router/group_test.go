package router

import (
	"net"
	"testing"
	"time"

	"github.com/kryptolabs/connfabric/conncore"
	"github.com/kryptolabs/connfabric/connlog"
	"github.com/kryptolabs/connfabric/framedconn"
	"github.com/kryptolabs/connfabric/handshake"
	"github.com/op/go-logging"
)

func testRouter(t *testing.T, cfg conncore.Config) *Router {
	t.Helper()
	log := connlog.Setup("router-test", logging.CRITICAL, false)
	return New(log, cfg, handshake.Config{})
}

func pipeConn(t *testing.T, log *logging.Logger) (*framedconn.Connection, *framedconn.Connection) {
	t.Helper()
	a, b := net.Pipe()
	return framedconn.New(a, log), framedconn.New(b, log)
}

func TestAcceptConnectionAssignsFirstConnection(t *testing.T) {
	r := testRouter(t, conncore.DefaultConfig())
	log := connlog.Setup("router-test", logging.CRITICAL, false)
	g := newGroup(r, Key{GroupName: "g1"}, false, nil)

	c1, peer1 := pipeConn(t, log)
	defer peer1.Close(nil)

	if !g.acceptConnection(c1, 1) {
		t.Fatalf("expected first connection to be accepted")
	}
	if !g.HasActiveConnection() {
		t.Fatalf("expected group to hold an active connection")
	}
}

func TestAcceptConnectionDropsDuplicateWithinWindow(t *testing.T) {
	cfg := conncore.DefaultConfig()
	cfg.DropDuplicateWindow = time.Hour
	r := testRouter(t, cfg)
	log := connlog.Setup("router-test", logging.CRITICAL, false)
	g := newGroup(r, Key{GroupName: "g1"}, false, nil)

	c1, peer1 := pipeConn(t, log)
	defer peer1.Close(nil)
	if !g.acceptConnection(c1, 1) {
		t.Fatalf("expected first connection to be accepted")
	}

	c2, peer2 := pipeConn(t, log)
	defer peer2.Close(nil)
	defer c2.Close(nil)
	if g.acceptConnection(c2, 2) {
		t.Fatalf("expected duplicate connection within the drop window to be rejected")
	}
	if c2.State() != framedconn.StateClosed {
		t.Fatalf("rejected duplicate should be closed")
	}
	if c1.State() == framedconn.StateClosed {
		t.Fatalf("original connection should survive a dropped duplicate")
	}
}

func TestAcceptConnectionReplacesAfterDuplicateWindow(t *testing.T) {
	cfg := conncore.DefaultConfig()
	cfg.DropDuplicateWindow = time.Millisecond
	r := testRouter(t, cfg)
	log := connlog.Setup("router-test", logging.CRITICAL, false)
	g := newGroup(r, Key{GroupName: "g1"}, false, nil)

	c1, peer1 := pipeConn(t, log)
	defer peer1.Close(nil)
	if !g.acceptConnection(c1, 1) {
		t.Fatalf("expected first connection to be accepted")
	}

	time.Sleep(20 * time.Millisecond) // let the drop-duplicate window lapse

	c2, peer2 := pipeConn(t, log)
	defer peer2.Close(nil)
	if !g.acceptConnection(c2, 2) {
		t.Fatalf("expected second connection to replace the first once the window lapsed")
	}

	time.Sleep(20 * time.Millisecond) // give the old connection's close callback time to run
	if c1.State() != framedconn.StateClosed {
		t.Fatalf("superseded connection should have been closed")
	}
	if !g.HasActiveConnection() {
		t.Fatalf("group should still have an active connection after replacement")
	}
}

func TestOnConnectionClosedSchedulesReconnect(t *testing.T) {
	cfg := conncore.DefaultConfig()
	cfg.ReconnectDelayOnClose = time.Millisecond
	r := testRouter(t, cfg)
	log := connlog.Setup("router-test", logging.CRITICAL, false)
	g := newGroup(r, Key{GroupName: "g1"}, false, nil)
	r.groups[g.Key] = g

	c1, peer1 := pipeConn(t, log)
	defer peer1.Close(nil)
	if !g.acceptConnection(c1, 1) {
		t.Fatalf("expected first connection to be accepted")
	}

	c1.Close(conncore.Wrap(conncore.KindTransportClosed, nil))
	time.Sleep(10 * time.Millisecond)

	if g.HasActiveConnection() {
		t.Fatalf("group should have gone idle once its connection closed")
	}
	g.mu.Lock()
	pending := g.state.kind == groupPending
	g.mu.Unlock()
	if !pending {
		t.Fatalf("closed non-catch-all group should have a reconnect scheduled")
	}
	if _, ok := r.LastCloseReason(g.Key); !ok {
		t.Fatalf("expected a recorded close reason")
	}
}

func TestOnConnectionClosedDeletesCatchAllSpawnedGroup(t *testing.T) {
	r := testRouter(t, conncore.DefaultConfig())
	log := connlog.Setup("router-test", logging.CRITICAL, false)
	key := Key{Remote: [32]byte{1}}
	g := newGroup(r, key, true, nil)
	r.groups[key] = g

	c1, peer1 := pipeConn(t, log)
	defer peer1.Close(nil)
	if !g.acceptConnection(c1, 1) {
		t.Fatalf("expected first connection to be accepted")
	}

	c1.Close(conncore.Wrap(conncore.KindTransportClosed, nil))
	time.Sleep(10 * time.Millisecond)

	r.mu.Lock()
	_, stillPresent := r.groups[key]
	r.mu.Unlock()
	if stillPresent {
		t.Fatalf("catch-all-spawned group should be removed once its connection closes")
	}
}
