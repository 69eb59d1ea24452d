// Package inmux implements reference-counted sharing of incoming listening
// sockets and relay registrations, so independent callers can subscribe to
// the same (host:port) or (relayURL, publicKey) tuple without colliding on
// the OS socket or opening redundant relay registrations.
package inmux

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kryptolabs/connfabric/cryptosession"
	"github.com/kryptolabs/connfabric/event"
	"github.com/kryptolabs/connfabric/framedconn"
	"github.com/kryptolabs/connfabric/relaylisten"
	"github.com/op/go-logging"
)

// DirectAcceptFunc receives a freshly-accepted raw connection on a direct
// listener, along with the current set of public keys subscribed to it.
type DirectAcceptFunc func(conn net.Conn, allowedKeys [][32]byte)

// RelayAcceptFunc receives a peer handed off by a relay registration.
type RelayAcceptFunc func(conn *framedconn.Connection, allowedKey [32]byte)

type directEntry struct {
	listener    net.Listener
	subscribers map[[32]byte]int
}

type relayEntry struct {
	listener *relaylisten.Listener
	refCount int
	unsub    func()
}

// Mux owns the direct and relay listener tables and publishes aggregate
// online state: true iff every registered relay listener currently holds
// Listening, debounced by 1s so rapid flaps coalesce into one event.
type Mux struct {
	log            *logging.Logger
	onDirectAccept DirectAcceptFunc
	onRelayAccept  RelayAcceptFunc

	mu     sync.Mutex
	direct map[string]*directEntry            // "host:port" -> entry
	relay  map[string]map[[32]byte]*relayEntry // relayURL -> publicKey -> entry

	onlineBus    *event.Bus[bool]
	debounce     time.Duration
	debounceOnce sync.Once
	debounceMu   sync.Mutex
	debounceChan chan struct{}
}

// New builds an empty multiplexer.
func New(log *logging.Logger, onDirectAccept DirectAcceptFunc, onRelayAccept RelayAcceptFunc) *Mux {
	return &Mux{
		log:            log,
		onDirectAccept: onDirectAccept,
		onRelayAccept:  onRelayAccept,
		direct:         map[string]*directEntry{},
		relay:          map[string]map[[32]byte]*relayEntry{},
		onlineBus:      &event.Bus[bool]{},
		debounce:       time.Second,
	}
}

func addrKey(host, port string) string { return net.JoinHostPort(host, port) }

// ListenForDirectConnections binds host:port if no listener is already
// bound there, or reuses the existing one; adds key as a subscriber.
func (m *Mux) ListenForDirectConnections(host, port string, key [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ak := addrKey(host, port)
	e, ok := m.direct[ak]
	if !ok {
		ln, err := net.Listen("tcp", ak)
		if err != nil {
			return err
		}
		e = &directEntry{listener: ln, subscribers: map[[32]byte]int{}}
		m.direct[ak] = e
		go m.acceptLoop(ak, e)
	}
	e.subscribers[key]++
	return nil
}

// StopListeningForDirectConnections decrements key's subscription; once no
// subscriber remains, the OS listener is closed and the entry removed.
func (m *Mux) StopListeningForDirectConnections(host, port string, key [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ak := addrKey(host, port)
	e, ok := m.direct[ak]
	if !ok {
		return fmt.Errorf("inmux: no direct listener on %s", ak)
	}
	if e.subscribers[key] > 0 {
		e.subscribers[key]--
		if e.subscribers[key] == 0 {
			delete(e.subscribers, key)
		}
	}
	if len(e.subscribers) == 0 {
		e.listener.Close()
		delete(m.direct, ak)
	}
	return nil
}

func (m *Mux) acceptLoop(ak string, e *directEntry) {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		still, ok := m.direct[ak]
		var allowed [][32]byte
		if ok && still == e {
			for k := range e.subscribers {
				allowed = append(allowed, k)
			}
		}
		m.mu.Unlock()
		if !ok || still != e {
			conn.Close()
			return
		}
		go m.onDirectAccept(conn, allowed)
	}
}

// ListenForRelayConnections starts (or reuses) a relay registration pool for
// (relayURL, key.Public), incrementing its reference count.
func (m *Mux) ListenForRelayConnections(relayURL string, key cryptosession.KeyPair, spareCount int, reconnectInterval time.Duration) error {
	m.mu.Lock()
	byKey, ok := m.relay[relayURL]
	if !ok {
		byKey = map[[32]byte]*relayEntry{}
		m.relay[relayURL] = byKey
	}
	e, ok := byKey[key.Public]
	if ok {
		e.refCount++
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	l := relaylisten.New(relayURL, key, spareCount, reconnectInterval, m.log, func(h relaylisten.PeerHandoff) {
		m.onRelayAccept(h.Conn, h.LocalKey)
	})
	ch, unsub := l.OnlineState()
	go func() {
		for range ch {
			m.publishOnlineState()
		}
	}()
	l.Start()

	m.mu.Lock()
	byKey[key.Public] = &relayEntry{listener: l, refCount: 1, unsub: unsub}
	m.mu.Unlock()
	m.publishOnlineState()
	return nil
}

// StopListeningForRelayConnections decrements the reference count for
// (relayURL, publicKey); at zero, the registration pool is stopped.
func (m *Mux) StopListeningForRelayConnections(relayURL string, publicKey [32]byte) error {
	m.mu.Lock()
	byKey, ok := m.relay[relayURL]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("inmux: no relay listener for %s", relayURL)
	}
	e, ok := byKey[publicKey]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("inmux: no relay listener for %s / key", relayURL)
	}
	e.refCount--
	remove := e.refCount <= 0
	if remove {
		delete(byKey, publicKey)
		if len(byKey) == 0 {
			delete(m.relay, relayURL)
		}
	}
	m.mu.Unlock()

	if remove {
		e.unsub()
		e.listener.Stop()
		m.publishOnlineState()
	}
	return nil
}

// allListening reports whether every currently registered relay listener is
// in the Listening state; an empty set of listeners is vacuously online.
func (m *Mux) allListening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, byKey := range m.relay {
		for _, e := range byKey {
			if !e.listener.IsListening() {
				return false
			}
		}
	}
	return true
}

// publishOnlineState schedules a debounced emission of the aggregate online
// state, coalescing rapid flaps into one event per debounce window.
func (m *Mux) publishOnlineState() {
	m.debounceMu.Lock()
	defer m.debounceMu.Unlock()
	if m.debounceChan != nil {
		return
	}
	done := make(chan struct{})
	m.debounceChan = done
	time.AfterFunc(m.debounce, func() {
		m.debounceMu.Lock()
		m.debounceChan = nil
		m.debounceMu.Unlock()
		close(done)
		m.onlineBus.Publish(m.allListening())
	})
}

// OnOnlineStateChange returns a channel of aggregate online-state snapshots
// and an unsubscribe function.
func (m *Mux) OnOnlineStateChange() (<-chan bool, func()) {
	return m.onlineBus.Subscribe()
}
