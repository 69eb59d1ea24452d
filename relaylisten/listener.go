package relaylisten

import (
	"context"
	"sync"
	"time"

	"github.com/kryptolabs/connfabric/cryptosession"
	"github.com/kryptolabs/connfabric/event"
	"github.com/op/go-logging"
)

// Listener maintains spareCount concurrent registrations against one relay
// for one local key. Each slot runs a registration until it hands off a
// peer, then immediately starts a fresh one in its place, so the spare
// pool stays at spareCount. Its aggregated public state is Listening iff
// at least one spare registration is currently Listening.
type Listener struct {
	log         *logging.Logger
	relayURL    string
	localKey    cryptosession.KeyPair
	spareCount  int
	reconnectIv time.Duration
	onHandoff   func(PeerHandoff)

	mu            sync.Mutex
	registrations map[*registration]struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	stateBus *event.Bus[bool]
}

// New builds a relay listener for one (relayURL, localKey) pair. onHandoff
// is invoked, possibly concurrently from different slots, whenever a spare
// socket is handed a peer by the relay.
func New(relayURL string, localKey cryptosession.KeyPair, spareCount int, reconnectInterval time.Duration, log *logging.Logger, onHandoff func(PeerHandoff)) *Listener {
	return &Listener{
		log:           log,
		relayURL:      relayURL,
		localKey:      localKey,
		spareCount:    spareCount,
		reconnectIv:   reconnectInterval,
		onHandoff:     onHandoff,
		registrations: map[*registration]struct{}{},
		stateBus:      &event.Bus[bool]{},
	}
}

// Start launches spareCount registration slots. Calling Start twice without
// Stop in between is a no-op.
func (l *Listener) Start() {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.ctx = ctx
	l.cancel = cancel
	l.mu.Unlock()

	for i := 0; i < l.spareCount; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.runSlot(ctx)
		}()
	}
}

// runSlot keeps exactly one registration alive at a time for the lifetime
// of ctx, replacing it the instant it hands off a peer.
func (l *Listener) runSlot(ctx context.Context) {
	for ctx.Err() == nil {
		r := newRegistration(l.relayURL, l.localKey, l.reconnectIv, l.log, func(h PeerHandoff) {
			l.onHandoff(h)
			l.publishState()
		})
		l.addRegistration(r)
		r.run(ctx)
		l.removeRegistration(r)
		l.publishState()
	}
}

func (l *Listener) addRegistration(r *registration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registrations[r] = struct{}{}
}

func (l *Listener) removeRegistration(r *registration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.registrations, r)
}

func (l *Listener) publishState() {
	l.stateBus.Publish(l.IsListening())
}

// OnlineState returns a channel of aggregate Listening snapshots and an
// unsubscribe function.
func (l *Listener) OnlineState() (<-chan bool, func()) {
	return l.stateBus.Subscribe()
}

// IsListening reports whether at least one slot currently holds the relay's
// Listening state.
func (l *Listener) IsListening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for r := range l.registrations {
		if r.isListening() {
			return true
		}
	}
	return false
}

// Stop cancels every slot and waits for them to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
	l.stateBus.Close()
}
