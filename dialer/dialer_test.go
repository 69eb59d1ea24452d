package dialer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kryptolabs/connfabric/connlog"
	"github.com/kryptolabs/connfabric/wsconn"
	"github.com/op/go-logging"
)

func testLog() *logging.Logger {
	return connlog.Setup("dialer-test", logging.CRITICAL, false)
}

func TestStartStopIdempotent(t *testing.T) {
	var attempts int32
	d := New("ws://127.0.0.1:1/unreachable", time.Millisecond, testLog(), func(ctx context.Context, conn *wsconn.Conn) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	})

	d.Start()
	d.Start() // no-op while already running
	time.Sleep(20 * time.Millisecond)
	d.Stop()
	d.Stop() // no-op once stopped

	if atomic.LoadInt32(&attempts) != 0 {
		t.Fatalf("accept should never run against an unreachable dial target")
	}
}

func TestStartAfterStopRestartsLoop(t *testing.T) {
	d := New("ws://127.0.0.1:1/unreachable", time.Millisecond, testLog(), func(ctx context.Context, conn *wsconn.Conn) error {
		return nil
	})

	d.Start()
	time.Sleep(10 * time.Millisecond)
	d.Stop()

	done := make(chan struct{})
	go func() {
		d.Start()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Start after Stop deadlocked")
	}
	d.Stop()
}
