package conncore

import (
	"math/rand"
	"time"
)

// Config carries the tunables recognised by the connection fabric.
type Config struct {
	// ReconnectDelayOnClose is the base delay before a closed, non-catch-all
	// group's outgoing routes are restarted. Actual delay is jittered to
	// [d, 2d].
	ReconnectDelayOnClose time.Duration
	// ReconnectIntervalOnFailure is the base delay between outgoing-dial
	// retries.
	ReconnectIntervalOnFailure time.Duration
	// RelaySpareCount is the number of concurrent registrations a relay
	// listener keeps open for one public key.
	RelaySpareCount int
	// RelayReconnectInterval is the base backoff after a relay registration
	// socket fails.
	RelayReconnectInterval time.Duration
	// DropDuplicateWindow is how long a freshly-activated connection stays
	// immune to being replaced by a simultaneous duplicate.
	DropDuplicateWindow time.Duration
	// KeepaliveInterval is the period between keep-alive pings.
	KeepaliveInterval time.Duration
	// KeepaliveMissedLimit is the number of missed pongs before the
	// keep-alive plugin closes the connection.
	KeepaliveMissedLimit int
	// HandshakeTimeout bounds the full handshake chain (a)-(d).
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the documented default tunables.
func DefaultConfig() Config {
	return Config{
		ReconnectDelayOnClose:      5 * time.Second,
		ReconnectIntervalOnFailure: 10 * time.Second,
		RelaySpareCount:            2,
		RelayReconnectInterval:     10 * time.Second,
		DropDuplicateWindow:        2 * time.Second,
		KeepaliveInterval:          25 * time.Second,
		KeepaliveMissedLimit:       2,
		HandshakeTimeout:           30 * time.Second,
	}
}

// Jitter returns a value uniformly distributed in [d, 2d), spreading out
// simultaneous reconnect attempts after a shared failure.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d)))
}
