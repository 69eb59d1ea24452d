// Package router implements the route manager: it owns every
// ConnectionGroup and catch-all bucket for one local node, wires outgoing
// dialers and incoming listeners into the shared handshake chain, and
// resolves a freshly-handshaken connection to the group that should own it.
package router

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/kryptolabs/connfabric/conncore"
	"github.com/kryptolabs/connfabric/dialer"
	"github.com/kryptolabs/connfabric/event"
	"github.com/kryptolabs/connfabric/framedconn"
	"github.com/kryptolabs/connfabric/handshake"
	"github.com/kryptolabs/connfabric/inmux"
	"github.com/kryptolabs/connfabric/wsconn"
	"github.com/op/go-logging"
)

// incomingRouteID marks connections accepted from a shared listener, where
// no single outgoing route triggered the accept and so none needs
// restarting on close.
const incomingRouteID RouteID = 0

// AcceptOptions carries caller policy the router itself takes no position
// on. SuppressTemporaryKeys is plumbed through to the handshake for a
// caller-decided take-over flow; connfabric never sets it on its own.
type AcceptOptions struct {
	SuppressTemporaryKeys bool
}

// ConnectionEvent is published whenever a connection is newly assigned to a
// group, via Router.Connections.
type ConnectionEvent struct {
	Key         Key
	Route       RouteID
	ViaCatchAll bool
	IsNew       bool
}

// Router owns the groups, catch-all buckets, outgoing dialers and the
// shared incoming multiplexer for one local node identity.
type Router struct {
	log      *logging.Logger
	cfg      conncore.Config
	template handshake.Config
	mux      *inmux.Mux

	mu          sync.Mutex
	groups      map[Key]*ConnectionGroup
	catchAll    map[[32]byte]*ConnectionGroup // keyed by local instance key
	dialers     map[RouteID]*dialer.Dialer
	nextRouteID RouteID

	recentCloses *lru.Cache

	connBus *event.Bus[ConnectionEvent]
	errBus  *event.Bus[error]
}

// New builds a router for one local node. handshakeTemplate supplies the
// key material and policy shared by every route; its AllowedKeys field is
// overwritten per accept.
func New(log *logging.Logger, cfg conncore.Config, handshakeTemplate handshake.Config) *Router {
	cache, _ := lru.New(256)
	r := &Router{
		log:          log,
		cfg:          cfg,
		template:     handshakeTemplate,
		groups:       map[Key]*ConnectionGroup{},
		catchAll:     map[[32]byte]*ConnectionGroup{},
		dialers:      map[RouteID]*dialer.Dialer{},
		recentCloses: cache,
		connBus:      &event.Bus[ConnectionEvent]{},
		errBus:       &event.Bus[error]{},
	}
	r.mux = inmux.New(log, r.onDirectAccept, r.onRelayAccept)
	return r
}

// Connections returns a channel of connection-assignment events and an
// unsubscribe function.
func (r *Router) Connections() (<-chan ConnectionEvent, func()) {
	return r.connBus.Subscribe()
}

// Errors returns a channel of handshake/transport errors that never reached
// a group (failed accepts, rejected peers) and an unsubscribe function.
func (r *Router) Errors() (<-chan error, func()) {
	return r.errBus.Subscribe()
}

// OnlineState reports the aggregate listening state of every relay route
// registered through this router, debounced by inmux.
func (r *Router) OnlineState() (<-chan bool, func()) {
	return r.mux.OnOnlineStateChange()
}

func (r *Router) allocRouteID() RouteID {
	r.nextRouteID++
	return r.nextRouteID
}

func (r *Router) recordClose(key Key, reason error) {
	r.recentCloses.Add(key, reason)
}

// LastCloseReason returns why key's group most recently lost its active
// connection, for diagnostics; ok is false if the group has never closed.
func (r *Router) LastCloseReason(key Key) (error, bool) {
	v, ok := r.recentCloses.Get(key)
	if !ok {
		return nil, false
	}
	err, _ := v.(error)
	return err, true
}

func (r *Router) ensureGroupLocked(key Key) *ConnectionGroup {
	g, ok := r.groups[key]
	if !ok {
		g = newGroup(r, key, false, nil)
		r.groups[key] = g
	}
	return g
}

// deleteGroup removes key's group entirely, used when a catch-all-spawned
// group's connection closes (such groups don't persist across disconnects).
func (r *Router) deleteGroup(key Key) {
	r.mu.Lock()
	delete(r.groups, key)
	r.mu.Unlock()
}

// startOutgoingRoutes (re)starts every outgoing-websocket route attached to
// g, used both at AddRoute time and after a jittered reconnect delay.
func (r *Router) startOutgoingRoutes(g *ConnectionGroup) {
	r.mu.Lock()
	var ids []RouteID
	for _, route := range g.Routes {
		if route.Kind == RouteOutgoingWebsocket && !route.Disabled {
			ids = append(ids, route.ID)
		}
	}
	dialers := make([]*dialer.Dialer, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.dialers[id]; ok {
			dialers = append(dialers, d)
		}
	}
	r.mu.Unlock()
	for _, d := range dialers {
		d.Start()
	}
}

// AddOutgoingWebsocketRoute registers a dial target for key and starts
// dialing it immediately. Outgoing routes are never valid on a catch-all
// bucket (spec invariant: a catch-all only accepts, it never initiates).
func (r *Router) AddOutgoingWebsocketRoute(key Key, url string, opts AcceptOptions) (RouteID, error) {
	r.mu.Lock()
	g := r.ensureGroupLocked(key)
	id := r.allocRouteID()
	route := &Route{ID: id, Kind: RouteOutgoingWebsocket, URL: url, instanceKeys: r.template.InstanceKeys}
	g.Routes = append(g.Routes, route)
	d := dialer.New(url, r.cfg.ReconnectIntervalOnFailure, r.log, r.outgoingAcceptor(key, id, opts))
	r.dialers[id] = d
	r.mu.Unlock()

	d.Start()
	return id, nil
}

// AddIncomingDirectRoute records a RouteIncomingDirect entry on key's group
// and subscribes to a shared direct TCP listener on host:port, binding the
// OS socket on first use. Multiple groups sharing host:port simply add
// subscriber refcounts on the same listener.
func (r *Router) AddIncomingDirectRoute(key Key, host, port string) (RouteID, error) {
	if err := r.mux.ListenForDirectConnections(host, port, r.template.InstanceKeys.Public); err != nil {
		return 0, err
	}
	r.mu.Lock()
	g := r.ensureGroupLocked(key)
	id := r.allocRouteID()
	g.Routes = append(g.Routes, &Route{ID: id, Kind: RouteIncomingDirect, Host: host, Port: port})
	r.mu.Unlock()
	return id, nil
}

// RemoveIncomingDirectRoute undoes AddIncomingDirectRoute's listener
// subscription; the Route entry itself is left on the group for bookkeeping
// (DisableRoutes/EnableRoutes still act on it, unsubscribing from and
// resubscribing to the listener).
func (r *Router) RemoveIncomingDirectRoute(host, port string) error {
	return r.mux.StopListeningForDirectConnections(host, port, r.template.InstanceKeys.Public)
}

// AddIncomingRelayRoute records a RouteIncomingRelay entry on key's group and
// opens (or joins) a relay registration pool for relayURL under this
// router's instance key.
func (r *Router) AddIncomingRelayRoute(key Key, relayURL string) (RouteID, error) {
	if err := r.mux.ListenForRelayConnections(relayURL, r.template.InstanceKeys, r.cfg.RelaySpareCount, r.cfg.RelayReconnectInterval); err != nil {
		return 0, err
	}
	r.mu.Lock()
	g := r.ensureGroupLocked(key)
	id := r.allocRouteID()
	g.Routes = append(g.Routes, &Route{ID: id, Kind: RouteIncomingRelay, URL: relayURL})
	r.mu.Unlock()
	return id, nil
}

// RemoveIncomingRelayRoute undoes AddIncomingRelayRoute's registration
// subscription.
func (r *Router) RemoveIncomingRelayRoute(relayURL string) error {
	return r.mux.StopListeningForRelayConnections(relayURL, r.template.InstanceKeys.Public)
}

// ensureCatchAllLocked returns localKey's catch-all bucket, creating an
// empty one on first use. Callers must hold r.mu.
func (r *Router) ensureCatchAllLocked(localKey [32]byte) *ConnectionGroup {
	g, ok := r.catchAll[localKey]
	if !ok {
		g = newGroup(r, Key{Local: localKey}, true, nil)
		r.catchAll[localKey] = g
	}
	return g
}

// AddCatchAllBucket opens localKey's catch-all bucket: any handshaken
// connection whose (localKey, remote, groupName) has no dedicated group
// falls through to it instead of being rejected. It carries no routes of
// its own — pair it with AddCatchAllDirectRoute/AddCatchAllRelayRoute to
// actually listen for anything.
func (r *Router) AddCatchAllBucket(localKey [32]byte) {
	r.mu.Lock()
	r.ensureCatchAllLocked(localKey)
	r.mu.Unlock()
}

// RemoveCatchAllBucket stops every listener opened on localKey's catch-all
// bucket and forgets it.
func (r *Router) RemoveCatchAllBucket(localKey [32]byte) {
	r.mu.Lock()
	g, ok := r.catchAll[localKey]
	delete(r.catchAll, localKey)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, route := range g.Routes {
		switch route.Kind {
		case RouteIncomingDirect:
			_ = r.mux.StopListeningForDirectConnections(route.Host, route.Port, localKey)
		case RouteIncomingRelay:
			_ = r.mux.StopListeningForRelayConnections(route.URL, localKey)
		}
	}
}

// AddCatchAllDirectRoute subscribes localKey's catch-all bucket to a shared
// direct TCP listener on host:port, mirroring AddIncomingDirectRoute.
func (r *Router) AddCatchAllDirectRoute(localKey [32]byte, host, port string) (RouteID, error) {
	if err := r.mux.ListenForDirectConnections(host, port, localKey); err != nil {
		return 0, err
	}
	r.mu.Lock()
	g := r.ensureCatchAllLocked(localKey)
	id := r.allocRouteID()
	g.Routes = append(g.Routes, &Route{ID: id, Kind: RouteIncomingDirect, Host: host, Port: port})
	r.mu.Unlock()
	return id, nil
}

// AddCatchAllRelayRoute opens (or joins) a relay registration pool for
// relayURL under localKey's catch-all bucket, mirroring
// AddIncomingRelayRoute.
func (r *Router) AddCatchAllRelayRoute(localKey [32]byte, relayURL string) (RouteID, error) {
	if err := r.mux.ListenForRelayConnections(relayURL, r.template.InstanceKeys, r.cfg.RelaySpareCount, r.cfg.RelayReconnectInterval); err != nil {
		return 0, err
	}
	r.mu.Lock()
	g := r.ensureCatchAllLocked(localKey)
	id := r.allocRouteID()
	g.Routes = append(g.Routes, &Route{ID: id, Kind: RouteIncomingRelay, URL: relayURL})
	r.mu.Unlock()
	return id, nil
}

// EnableRoutes and DisableRoutes apply to every route matching the
// tri-optional filter: a nil pointer means "don't filter on this
// dimension". Disabling an outgoing route stops its dialer; an empty
// filter applies to every group the router knows about.
func (r *Router) EnableRoutes(local, remote *[32]byte, groupName *string) {
	r.forEachMatchingRoute(local, remote, groupName, func(g *ConnectionGroup, route *Route) {
		route.Disabled = false
		switch route.Kind {
		case RouteOutgoingWebsocket:
			if d, ok := r.dialers[route.ID]; ok {
				d.Start()
			}
		case RouteIncomingDirect:
			_ = r.mux.ListenForDirectConnections(route.Host, route.Port, r.template.InstanceKeys.Public)
		case RouteIncomingRelay:
			_ = r.mux.ListenForRelayConnections(route.URL, r.template.InstanceKeys, r.cfg.RelaySpareCount, r.cfg.RelayReconnectInterval)
		}
	})
}

func (r *Router) DisableRoutes(local, remote *[32]byte, groupName *string) {
	r.forEachMatchingRoute(local, remote, groupName, func(g *ConnectionGroup, route *Route) {
		route.Disabled = true
		switch route.Kind {
		case RouteOutgoingWebsocket:
			if d, ok := r.dialers[route.ID]; ok {
				d.Stop()
			}
		case RouteIncomingDirect:
			_ = r.mux.StopListeningForDirectConnections(route.Host, route.Port, r.template.InstanceKeys.Public)
		case RouteIncomingRelay:
			_ = r.mux.StopListeningForRelayConnections(route.URL, r.template.InstanceKeys.Public)
		}
	})
}

func (r *Router) forEachMatchingRoute(local, remote *[32]byte, groupName *string, fn func(g *ConnectionGroup, route *Route)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, g := range r.groups {
		if local != nil && key.Local != *local {
			continue
		}
		if remote != nil && key.Remote != *remote {
			continue
		}
		if groupName != nil && key.GroupName != *groupName {
			continue
		}
		for _, route := range g.Routes {
			fn(g, route)
		}
	}
	// A catch-all bucket has no remote or group name of its own, so it is
	// only in scope for a filter that doesn't constrain either dimension.
	if remote != nil || groupName != nil {
		return
	}
	for localKey, g := range r.catchAll {
		if local != nil && localKey != *local {
			continue
		}
		for _, route := range g.Routes {
			fn(g, route)
		}
	}
}

// CloseConnections closes the active connection, if any, of every group
// matching the tri-optional filter; the group itself is left in place so
// its routes can reconnect.
func (r *Router) CloseConnections(local, remote *[32]byte, groupName *string) {
	r.mu.Lock()
	var groups []*ConnectionGroup
	for key, g := range r.groups {
		if local != nil && key.Local != *local {
			continue
		}
		if remote != nil && key.Remote != *remote {
			continue
		}
		if groupName != nil && key.GroupName != *groupName {
			continue
		}
		groups = append(groups, g)
	}
	r.mu.Unlock()
	for _, g := range groups {
		g.closeActive(conncore.Wrap(conncore.KindRouteStopped, nil))
	}
}

// outgoingAcceptor builds a dialer.Acceptor that runs the handshake as the
// initiating side once a websocket dial succeeds.
func (r *Router) outgoingAcceptor(key Key, routeID RouteID, opts AcceptOptions) dialer.Acceptor {
	return func(ctx context.Context, ws *wsconn.Conn) error {
		conn := framedconn.New(ws, r.log)
		cfg := r.template
		cfg.AllowedKeys = [][32]byte{key.Remote}
		cfg.SuppressTemporaryKeys = opts.SuppressTemporaryKeys
		res, err := handshake.Run(ctx, conn, cfg, true, key.GroupName)
		if err != nil {
			r.errBus.Publish(err)
			return err
		}
		r.mu.Lock()
		g := r.ensureGroupLocked(key)
		r.mu.Unlock()
		if !g.acceptConnection(conn, routeID) {
			return conncore.Wrap(conncore.KindDuplicateDropped, nil)
		}
		r.connBus.Publish(ConnectionEvent{Key: key, Route: routeID, IsNew: res.IsNew})
		return nil
	}
}

// onDirectAccept is the shared callback every direct listener funnels
// into: it runs the handshake as the accepting side, then resolves the
// now-known remote instance key to a group or catch-all bucket.
func (r *Router) onDirectAccept(conn net.Conn, allowedKeys [][32]byte) {
	fc := framedconn.New(conn, r.log)
	cfg := r.template
	cfg.AllowedKeys = allowedKeys
	go r.acceptIncoming(fc, cfg)
}

// onRelayAccept is the shared callback every relay registration funnels
// into once the relay hands over a peer.
func (r *Router) onRelayAccept(conn *framedconn.Connection, allowedKey [32]byte) {
	cfg := r.template
	cfg.AllowedKeys = [][32]byte{allowedKey}
	go r.acceptIncoming(conn, cfg)
}

func (r *Router) acceptIncoming(conn *framedconn.Connection, cfg handshake.Config) {
	res, err := handshake.Run(context.Background(), conn, cfg, false, "")
	if err != nil {
		r.errBus.Publish(err)
		return
	}
	r.AcceptConnection(conn, incomingRouteID, res)
}

// AcceptConnection implements the lookup/reject/dispatch steps of the
// route manager's accept algorithm once a handshake has completed: find the
// dedicated group for (local, remote, groupName); if none exists, fall back
// to a catch-all bucket keyed on local alone and spawn a fresh dedicated
// group for this remote on demand; otherwise reject.
func (r *Router) AcceptConnection(conn *framedconn.Connection, routeID RouteID, res handshake.Result) {
	key := Key{Local: r.template.InstanceKeys.Public, Remote: res.RemoteInstanceKey, GroupName: res.GroupName}

	r.mu.Lock()
	g, ok := r.groups[key]
	viaCatchAll := false
	if !ok {
		if _, hasCatchAll := r.catchAll[key.Local]; hasCatchAll {
			g = newGroup(r, key, true, nil)
			r.groups[key] = g
			ok = true
			viaCatchAll = true
		}
	}
	r.mu.Unlock()

	if !ok {
		conn.Close(conncore.Wrap(conncore.KindRejected, fmt.Errorf("router: no group or catch-all for %x/%s", key.Remote, key.GroupName)))
		return
	}
	if !g.acceptConnection(conn, routeID) {
		return
	}
	r.connBus.Publish(ConnectionEvent{Key: key, Route: routeID, ViaCatchAll: viaCatchAll, IsNew: res.IsNew})
}

// ServeDirectUpgrade is an http.HandlerFunc that promotes an inbound HTTP
// request to a websocket and feeds it through the same accept path as a raw
// direct-listen socket, for callers that front their direct route with an
// HTTP server instead of a bare TCP listener.
func (r *Router) ServeDirectUpgrade(allowedKeys [][32]byte) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := wsconn.Upgrade(w, req)
		if err != nil {
			r.log.Warning("router: websocket upgrade failed:", err)
			return
		}
		cfg := r.template
		cfg.AllowedKeys = allowedKeys
		go r.acceptIncoming(framedconn.New(conn, r.log), cfg)
	}
}
