package router

import (
	"github.com/kryptolabs/connfabric/cryptosession"
)

// RouteKind distinguishes the three concrete ways a route can reach a peer.
type RouteKind int

const (
	RouteOutgoingWebsocket RouteKind = iota
	RouteIncomingDirect
	RouteIncomingRelay
)

func (k RouteKind) String() string {
	switch k {
	case RouteOutgoingWebsocket:
		return "OutgoingWebsocket"
	case RouteIncomingDirect:
		return "IncomingDirect"
	case RouteIncomingRelay:
		return "IncomingRelay"
	default:
		return "Unknown"
	}
}

// RouteID identifies one route within a group or catch-all set.
type RouteID int

// Route is one concrete way to reach a peer, carried as part of a group's
// knownRoutes vector.
type Route struct {
	ID       RouteID
	Kind     RouteKind
	URL      string // OutgoingWebsocket / IncomingRelay
	Host     string // IncomingDirect
	Port     string // IncomingDirect
	Disabled bool

	instanceKeys cryptosession.KeyPair
	started      bool
}

// Key identifies one ConnectionGroup.
type Key struct {
	Local     [32]byte
	Remote    [32]byte
	GroupName string
}
