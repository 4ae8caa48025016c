// Package overlay keeps the node registered with an overlay network. The
// proxy does not route through the overlay; a backend only maintains the
// registration and the peer table the status API reports.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZentaChain/socktail/pkg/peers"
)

var (
	ErrClosed         = errors.New("backend is closing")
	ErrUnknownBackend = errors.New("unknown overlay backend")
)

// State is a backend lifecycle state
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateDisconnecting
	StateDisconnected
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of a backend
type Status struct {
	Backend         string     `json:"backend"`
	State           State      `json:"state"`
	Hostname        string     `json:"hostname,omitempty"`
	PublicKey       string     `json:"publicKey,omitempty"`
	Fingerprint     string     `json:"fingerprint,omitempty"`
	AssignedAddress string     `json:"assignedAddress,omitempty"`
	PeerCount       int        `json:"peerCount"`
	Generation      uint64     `json:"generation"`
	RegisteredAt    *time.Time `json:"registeredAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
}

// Backend is an overlay implementation selected at startup
type Backend interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status() Status
}

// Reregisterer is implemented by backends that can refresh their registration
type Reregisterer interface {
	Reregister(ctx context.Context) error
}

// PeerSource is implemented by backends that hold a peer table
type PeerSource interface {
	Peers() *peers.Table
}

// Kind names a backend variant
type Kind string

const (
	KindNative   Kind = "native"
	KindDisabled Kind = "disabled"
)

// New builds the backend for kind. config is only used by the native backend.
func New(kind Kind, config *NativeConfig) (Backend, error) {
	switch kind {
	case KindNative, "":
		return NewNativeBackend(config)
	case KindDisabled:
		hostname := ""
		if config != nil {
			hostname = config.Hostname
		}
		return NewDisabledBackend(hostname), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}
