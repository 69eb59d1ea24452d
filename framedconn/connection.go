// Package framedconn implements the Framed Connection: a duplex,
// length-framed message stream over an arbitrary byte stream, with a
// pluggable transform stack (encryption, keep-alive, promise-based
// delivery) and a three-state lifecycle.
package framedconn

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kryptolabs/connfabric/conncore"
	"github.com/op/go-logging"
)

// State is the lifecycle of a Connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const maxFrameSize = 16 * 1024 * 1024

// Connection is a duplex ordered message stream over an io.ReadWriteCloser.
type Connection struct {
	log  *logging.Logger
	conn io.ReadWriteCloser

	mu      sync.Mutex
	state   State
	plugins []Plugin
	closeCb []func(err error)

	incoming  chan []byte
	closeOnce sync.Once
	closeErr  error
	writeMu   sync.Mutex
}

// New wraps conn as an open Connection and starts its read loop.
func New(conn io.ReadWriteCloser, log *logging.Logger) *Connection {
	c := &Connection{
		log:      log,
		conn:     conn,
		state:    StateOpen,
		incoming: make(chan []byte, 256),
	}
	c.plugins = append(c.plugins, PromisePlugin{})
	go c.readLoop()
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnClose registers a callback invoked exactly once when the connection
// transitions to closed. Multiple callbacks may be registered; they run in
// registration order. A caller that intentionally replaces a connection and
// wants to ignore its own close notification for the old one must track and
// discard that manually, since Connection does not expose handle-based
// removal for close callbacks.
func (c *Connection) OnClose(cb func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		go cb(c.closeErr)
		return
	}
	c.closeCb = append(c.closeCb, cb)
}

// AddPlugin installs plugin at the outermost position (closest to the
// wire). Starter plugins have Start invoked immediately.
func (c *Connection) AddPlugin(plugin Plugin) {
	c.mu.Lock()
	c.plugins = append(c.plugins, plugin)
	c.mu.Unlock()
	if s, ok := plugin.(Starter); ok {
		s.Start(c)
	}
}

// RemovePlugin pops the plugin with the given name off the stack, stopping
// it first if it implements Stopper.
func (c *Connection) RemovePlugin(name string) {
	c.mu.Lock()
	var removed Plugin
	kept := c.plugins[:0]
	for _, p := range c.plugins {
		if p.Name() == name && removed == nil {
			removed = p
			continue
		}
		kept = append(kept, p)
	}
	c.plugins = kept
	c.mu.Unlock()
	if removed != nil {
		if s, ok := removed.(Stopper); ok {
			s.Stop()
		}
	}
}

func (c *Connection) outgoingPlugins() []Plugin {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Plugin(nil), c.plugins...)
}

// Send encodes and writes one frame, running the outgoing transform chain
// application-to-wire.
func (c *Connection) Send(frame []byte) error {
	if c.State() == StateClosed {
		return conncore.Wrap(conncore.KindTransportClosed, conncore.ErrClosed)
	}
	out := frame
	for _, p := range c.outgoingPlugins() {
		if t, ok := p.(OutgoingTransformer); ok {
			var err error
			out, err = t.TransformOutgoing(out)
			if err != nil {
				return err
			}
		}
	}
	return c.writeFrame(out)
}

// SendJSON marshals v and sends it as one frame.
func (c *Connection) SendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(raw)
}

func (c *Connection) writeFrame(payload []byte) error {
	if len(payload) > maxFrameSize {
		return conncore.Wrap(conncore.KindProtocolViolation, fmt.Errorf("frame too large: %d bytes", len(payload)))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return conncore.Wrap(conncore.KindTransportClosed, err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return conncore.Wrap(conncore.KindTransportClosed, err)
	}
	return nil
}

func (c *Connection) readLoop() {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
			c.Close(conncore.Wrap(conncore.KindTransportClosed, err))
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameSize {
			c.Close(conncore.Wrap(conncore.KindProtocolViolation, fmt.Errorf("incoming frame too large: %d bytes", n)))
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			c.Close(conncore.Wrap(conncore.KindTransportClosed, err))
			return
		}
		c.dispatchIncoming(payload)
	}
}

func (c *Connection) dispatchIncoming(frame []byte) {
	plugins := c.outgoingPlugins()
	// Incoming transforms run closest-to-wire first, the reverse of the
	// outgoing application-to-wire order.
	for i := len(plugins) - 1; i >= 0; i-- {
		t, ok := plugins[i].(IncomingTransformer)
		if !ok {
			continue
		}
		out, deliver, err := t.TransformIncoming(frame)
		if err != nil {
			c.Close(conncore.Wrap(conncore.KindProtocolViolation, err))
			return
		}
		if !deliver {
			return
		}
		frame = out
	}
	select {
	case c.incoming <- frame:
	default:
		c.log.Warning("incoming queue full, dropping frame")
	}
}

// WaitForMessage blocks for the next inbound application frame, or until ctx
// is done, or the connection closes.
func (c *Connection) WaitForMessage(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-c.incoming:
		if !ok {
			return nil, conncore.Wrap(conncore.KindTransportClosed, conncore.ErrClosed)
		}
		return frame, nil
	case <-ctx.Done():
		return nil, conncore.Wrap(conncore.KindTimeout, ctx.Err())
	}
}

// WaitForMessageTimeout is a convenience wrapper around WaitForMessage.
func (c *Connection) WaitForMessageTimeout(d time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.WaitForMessage(ctx)
}

// WaitForJSONMessage waits for the next frame, decodes it into v, and
// validates its command tag matches expectedCommand.
func (c *Connection) WaitForJSONMessage(ctx context.Context, expectedCommand string, v any) error {
	frame, err := c.WaitForMessage(ctx)
	if err != nil {
		return err
	}
	cmd, err := peekCommand(frame)
	if err != nil {
		return conncore.Wrap(conncore.KindProtocolViolation, err)
	}
	if cmd != expectedCommand {
		return conncore.Wrap(conncore.KindProtocolViolation,
			fmt.Errorf("expected command %q, got %q", expectedCommand, cmd))
	}
	if err := json.Unmarshal(frame, v); err != nil {
		return conncore.Wrap(conncore.KindProtocolViolation, err)
	}
	return nil
}

func peekCommand(raw []byte) (string, error) {
	var e struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", err
	}
	return e.Command, nil
}

// Close idempotently transitions the connection to closed, running
// registered close callbacks and stopping any Stopper plugins.
func (c *Connection) Close(reason error) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.closeErr = reason
		callbacks := c.closeCb
		plugins := c.plugins
		c.mu.Unlock()

		_ = c.conn.Close()
		close(c.incoming)

		for _, p := range plugins {
			if s, ok := p.(Stopper); ok {
				s.Stop()
			}
		}
		for _, cb := range callbacks {
			cb(reason)
		}
	})
	return nil
}
