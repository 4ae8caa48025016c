package control

import (
	"net/netip"
	"time"

	"github.com/ZentaChain/socktail/pkg/peers"
)

// RegisterRequest is the body of POST /machine/register
type RegisterRequest struct {
	NodeKey  string   `json:"NodeKey"`
	Hostinfo Hostinfo `json:"Hostinfo"`
}

// Hostinfo describes the registering machine
type Hostinfo struct {
	Hostname string `json:"Hostname"`
	OS       string `json:"OS"`
}

// RegisterResponse is the control server's reply
type RegisterResponse struct {
	IPAddresses []string `json:"IPAddresses"`
	NetMap      *NetMap  `json:"NetMap,omitempty"`
}

// NetMap carries the peers visible to this node
type NetMap struct {
	Peers []PeerEntry `json:"Peers"`
}

// PeerEntry is a peer as sent by the control server
type PeerEntry struct {
	Key       string   `json:"Key"`
	Addresses []string `json:"Addresses"`
	Endpoints []string `json:"Endpoints,omitempty"`
}

// RegistrationResult is the validated outcome of a registration
type RegistrationResult struct {
	AssignedAddress netip.Addr
	Peers           []peers.Record
	Skipped         int // peer entries rejected during ingestion
	RegisteredAt    time.Time
}
