package framedconn

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kryptolabs/connfabric/conncore"
)

var errKeepaliveTimeout = fmt.Errorf("keepalive: missed pong limit exceeded")

type pingFrame struct {
	Command string `json:"command"`
}

const (
	keepaliveCommandPing = "comm_ping"
	keepaliveCommandPong = "comm_pong"
)

// KeepAlivePlugin emits a ping every interval while idle and closes the
// connection if missedLimit consecutive pongs fail to arrive in time.
// Installed innermost relative to EncryptionPlugin so pings are encrypted
// like any other frame once a session exists, or outermost (no encryption
// installed yet) during a pre-handshake wait on a relay registration.
type KeepAlivePlugin struct {
	interval     time.Duration
	missedLimit  int
	mu           sync.Mutex
	missedCount  int
	stopCh       chan struct{}
	stopOnce     sync.Once
	conn         *Connection
}

// NewKeepAlivePlugin configures the ping cadence and missed-pong tolerance.
// A non-positive interval falls back to KeepaliveInterval.
func NewKeepAlivePlugin(interval time.Duration, missedLimit int) *KeepAlivePlugin {
	if interval <= 0 {
		interval = KeepaliveInterval
	}
	return &KeepAlivePlugin{interval: interval, missedLimit: missedLimit, stopCh: make(chan struct{})}
}

func (*KeepAlivePlugin) Name() string { return "keepalive" }

// Start implements Starter; it is invoked by Connection.AddPlugin.
func (p *KeepAlivePlugin) Start(c *Connection) {
	p.conn = c
	go p.loop()
}

// Stop implements Stopper; it is invoked by Connection.RemovePlugin or Close.
func (p *KeepAlivePlugin) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *KeepAlivePlugin) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			p.missedCount++
			missed := p.missedCount
			p.mu.Unlock()
			if missed > p.missedLimit {
				p.conn.Close(conncore.Wrap(conncore.KindTimeout, errKeepaliveTimeout))
				return
			}
			raw, _ := json.Marshal(pingFrame{Command: keepaliveCommandPing})
			_ = p.conn.Send(raw)
		}
	}
}

// TransformIncoming consumes comm_ping/comm_pong frames rather than
// delivering them to the application, resetting the missed-pong counter on
// a pong and replying to a ping with a pong.
func (p *KeepAlivePlugin) TransformIncoming(frame []byte) ([]byte, bool, error) {
	var f pingFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		// Not a keep-alive frame (or not JSON); pass it through unchanged.
		return frame, true, nil
	}
	switch f.Command {
	case keepaliveCommandPong:
		p.mu.Lock()
		p.missedCount = 0
		p.mu.Unlock()
		return nil, false, nil
	case keepaliveCommandPing:
		raw, _ := json.Marshal(pingFrame{Command: keepaliveCommandPong})
		_ = p.conn.Send(raw)
		return nil, false, nil
	default:
		return frame, true, nil
	}
}
