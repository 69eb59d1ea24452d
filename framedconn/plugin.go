package framedconn

import "time"

// Plugin is the common type every installed transform implements. Plugins
// are looked up by Name() for removal.
type Plugin interface {
	Name() string
}

// OutgoingTransformer lets a plugin rewrite a frame just before it is
// written to the wire. Plugins run in the order they were added, closest to
// the application first, closest to the wire last.
type OutgoingTransformer interface {
	Plugin
	TransformOutgoing(frame []byte) ([]byte, error)
}

// IncomingTransformer lets a plugin rewrite, or swallow, a frame just after
// it is read from the wire, running in the reverse of TransformOutgoing's
// order (closest to the wire first).
type IncomingTransformer interface {
	Plugin
	// TransformIncoming returns the (possibly rewritten) frame and whether it
	// should continue being delivered up the stack. A plugin that fully
	// consumes a frame (e.g. a keep-alive pong) returns ok=false.
	TransformIncoming(frame []byte) (out []byte, ok bool, err error)
}

// Starter lets a plugin run background work (e.g. a keep-alive ticker) tied
// to the connection's lifetime.
type Starter interface {
	Plugin
	Start(c *Connection)
}

// Stopper lets a plugin release background resources when removed or when
// the connection closes.
type Stopper interface {
	Plugin
	Stop()
}

// KeepaliveInterval is the default period between keep-alive pings when a
// KeepAlivePlugin is installed without an explicit override.
const KeepaliveInterval = 25 * time.Second
