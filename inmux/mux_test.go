package inmux

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kryptolabs/connfabric/connlog"
	"github.com/kryptolabs/connfabric/framedconn"
	"github.com/op/go-logging"
)

func testLog() *logging.Logger {
	return connlog.Setup("inmux-test", logging.CRITICAL, false)
}

func TestDirectListenerSharedAcrossSubscribers(t *testing.T) {
	var mu sync.Mutex
	var accepted [][][32]byte
	m := New(testLog(), func(conn net.Conn, allowedKeys [][32]byte) {
		mu.Lock()
		accepted = append(accepted, allowedKeys)
		mu.Unlock()
		conn.Close()
	}, nil)

	var keyA, keyB [32]byte
	keyA[0] = 1
	keyB[0] = 2

	if err := m.ListenForDirectConnections("127.0.0.1", "0", keyA); err != nil {
		t.Fatalf("first subscriber should bind the listener: %v", err)
	}

	// The table is keyed by the requested host:port, which a second
	// subscriber reuses to share the listener; dialing needs the actual
	// bound port, read back from the listener itself.
	m.mu.Lock()
	var addr, dialAddr string
	for ak, e := range m.direct {
		addr = ak
		dialAddr = e.listener.Addr().String()
	}
	host, port, _ := net.SplitHostPort(addr)
	m.mu.Unlock()

	if err := m.ListenForDirectConnections(host, port, keyB); err != nil {
		t.Fatalf("second subscriber should reuse the existing listener: %v", err)
	}

	conn, err := net.Dial("tcp", dialAddr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(accepted)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for accept callback")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	allowed := accepted[0]
	mu.Unlock()
	if len(allowed) != 2 {
		t.Fatalf("expected both subscribers' keys in the allowed set, got %d", len(allowed))
	}

	// Removing one subscriber should leave the listener running for the other.
	if err := m.StopListeningForDirectConnections(host, port, keyA); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	m.mu.Lock()
	_, stillBound := m.direct[addr]
	m.mu.Unlock()
	if !stillBound {
		t.Fatalf("listener should stay bound while a subscriber remains")
	}

	// Removing the last subscriber tears it down.
	if err := m.StopListeningForDirectConnections(host, port, keyB); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	m.mu.Lock()
	_, stillBound = m.direct[addr]
	m.mu.Unlock()
	if stillBound {
		t.Fatalf("listener should be torn down once its last subscriber leaves")
	}
}

func TestStopListeningForDirectConnectionsUnknownAddr(t *testing.T) {
	m := New(testLog(), func(conn net.Conn, allowedKeys [][32]byte) {}, nil)
	if err := m.StopListeningForDirectConnections("127.0.0.1", "59999", [32]byte{}); err == nil {
		t.Fatalf("expected an error unsubscribing from a listener that was never opened")
	}
}

func TestOnlineStateVacuouslyTrueWithNoRelayListeners(t *testing.T) {
	m := New(testLog(), nil, func(conn *framedconn.Connection, key [32]byte) {})
	if !m.allListening() {
		t.Fatalf("an empty relay set should be vacuously online")
	}
}
