// Package dialer implements a single outgoing route: repeatedly attempt to
// dial a websocket URL with jittered backoff until cancelled or connected,
// then hand the raw connection to a caller-supplied acceptor.
package dialer

import (
	"context"
	"sync"
	"time"

	"github.com/kryptolabs/connfabric/conncore"
	"github.com/kryptolabs/connfabric/wsconn"
	"github.com/op/go-logging"
)

// Acceptor is invoked once a dial succeeds; it normally runs the handshake
// and calls back into the route manager. Acceptor is responsible for
// closing conn if it rejects it.
type Acceptor func(ctx context.Context, conn *wsconn.Conn) error

// Dialer drives one outgoing route. The zero value is not usable; build one
// with New.
type Dialer struct {
	url      string
	interval time.Duration
	log      *logging.Logger
	accept   Acceptor

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New builds a dialer for url with the given base retry interval.
func New(url string, retryInterval time.Duration, log *logging.Logger, accept Acceptor) *Dialer {
	return &Dialer{url: url, interval: retryInterval, log: log, accept: accept}
}

// Start begins the dial loop. Calling Start twice without Stop in between is
// a no-op, matching the idempotent start() the route manager relies on.
func (d *Dialer) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop(ctx)
	}()
}

// Stop cancels the dial loop and waits for any in-flight attempt to unwind.
func (d *Dialer) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.running = false
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}

func (d *Dialer) loop(ctx context.Context) {
	defer func() {
		d.mu.Lock()
		d.running = false
		d.cancel = nil
		d.mu.Unlock()
	}()
	for ctx.Err() == nil {
		conn, err := wsconn.Dial(d.url, nil)
		if err != nil {
			d.log.Debug("dial failed, retrying:", err)
			d.wait(ctx)
			continue
		}
		if err := d.accept(ctx, conn); err != nil {
			d.log.Warning("accept/handshake failed, retrying:", err)
			d.wait(ctx)
			continue
		}
		return
	}
}

func (d *Dialer) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(conncore.Jitter(d.interval)):
	}
}
