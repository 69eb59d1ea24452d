package router

import (
	"sync"
	"time"

	"github.com/kryptolabs/connfabric/conncore"
	"github.com/kryptolabs/connfabric/framedconn"
)

// groupStateKind tags which of the three mutually-exclusive shapes a
// ConnectionGroup's runtime state currently holds, replacing a set of
// independently-nullable fields with one tagged union so illegal
// combinations (e.g. both a reconnect timer and an active connection) are
// structurally harder to reach.
type groupStateKind int

const (
	groupIdle groupStateKind = iota
	groupPending
	groupActive
)

// groupState is the tagged union itself. Only the fields relevant to kind
// are meaningful; setIdle/setPending/setActive are the sole way to change
// kind, and each clears what the other shapes would have populated.
type groupState struct {
	kind           groupStateKind
	reconnectTimer *time.Timer
	conn           *framedconn.Connection
	dupTimer       *time.Timer
}

// ConnectionGroup is the per-(localKey, remoteKey, groupName) unit the
// router manages: a set of candidate routes and at most one active
// connection.
type ConnectionGroup struct {
	Key        Key
	IsCatchAll bool
	Routes     []*Route

	router *Router

	mu             sync.Mutex
	state          groupState
	dropDuplicates bool
	activeRoute    RouteID
}

func newGroup(router *Router, key Key, isCatchAll bool, routes []*Route) *ConnectionGroup {
	return &ConnectionGroup{Key: key, IsCatchAll: isCatchAll, Routes: routes, router: router}
}

func (g *ConnectionGroup) setIdleLocked() {
	g.state = groupState{kind: groupIdle}
}

func (g *ConnectionGroup) setPendingLocked(timer *time.Timer) {
	g.state = groupState{kind: groupPending, reconnectTimer: timer}
}

func (g *ConnectionGroup) setActiveLocked(conn *framedconn.Connection, dupTimer *time.Timer) {
	g.state = groupState{kind: groupActive, conn: conn, dupTimer: dupTimer}
}

// HasActiveConnection reports whether the group currently holds an open
// connection (invariant 1 of the data model: at most one at a time).
func (g *ConnectionGroup) HasActiveConnection() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.kind == groupActive
}

// acceptConnection implements steps 5-8 of the route manager's
// acceptConnection algorithm: sync barrier has already run inside the
// handshake by the time this is called; here we resolve duplicates and
// (re)assign the active connection.
func (g *ConnectionGroup) acceptConnection(conn *framedconn.Connection, routeID RouteID) bool {
	g.mu.Lock()
	switch g.state.kind {
	case groupActive:
		if g.dropDuplicates {
			g.mu.Unlock()
			conn.Close(conncore.Wrap(conncore.KindDuplicateDropped, nil))
			return false
		}
		old := g.state.conn
		g.assignLocked(conn, routeID)
		g.mu.Unlock()
		old.Close(conncore.Wrap(conncore.KindDuplicateDropped, nil))
		return true
	default:
		g.assignLocked(conn, routeID)
		g.mu.Unlock()
		return true
	}
}

// assignLocked implements assignNewConnection (step 7): cancel outstanding
// timers, install the close-handler that will drive reconnect-or-teardown,
// and arm the dropDuplicates window. Any previous connection is closed by
// the caller after releasing the lock; onConnectionClosed ignores the
// resulting stale notification because it no longer matches g.state.conn.
func (g *ConnectionGroup) assignLocked(conn *framedconn.Connection, routeID RouteID) {
	if g.state.kind == groupPending && g.state.reconnectTimer != nil {
		g.state.reconnectTimer.Stop()
	}
	if g.state.kind == groupActive && g.state.dupTimer != nil {
		g.state.dupTimer.Stop()
	}

	conn.OnClose(func(err error) {
		g.onConnectionClosed(conn, err)
	})

	g.dropDuplicates = true
	dupTimer := time.AfterFunc(g.router.cfg.DropDuplicateWindow, func() {
		g.mu.Lock()
		g.dropDuplicates = false
		g.mu.Unlock()
	})

	g.setActiveLocked(conn, dupTimer)
	g.activeRoute = routeID
}

// onConnectionClosed runs when the group's active connection transitions to
// closed: clear it, delete catch-all groups outright, or schedule a
// jittered reconnect for persistent ones.
func (g *ConnectionGroup) onConnectionClosed(conn *framedconn.Connection, reason error) {
	g.mu.Lock()
	if g.state.kind != groupActive || g.state.conn != conn {
		g.mu.Unlock()
		return
	}
	g.setIdleLocked()
	isCatchAll := g.IsCatchAll
	g.mu.Unlock()

	g.router.recordClose(g.Key, reason)

	if isCatchAll {
		g.router.deleteGroup(g.Key)
		return
	}

	delay := conncore.Jitter(g.router.cfg.ReconnectDelayOnClose)
	timer := time.AfterFunc(delay, func() {
		g.router.startOutgoingRoutes(g)
	})
	g.mu.Lock()
	if g.state.kind == groupIdle {
		g.setPendingLocked(timer)
	} else {
		timer.Stop()
	}
	g.mu.Unlock()
}

// closeActive closes the current connection, if any, with reason.
func (g *ConnectionGroup) closeActive(reason error) {
	g.mu.Lock()
	if g.state.kind != groupActive {
		g.mu.Unlock()
		return
	}
	conn := g.state.conn
	g.setIdleLocked()
	g.mu.Unlock()
	conn.Close(reason)
}
