package overlay

import (
	"context"

	"github.com/ZentaChain/socktail/pkg/peers"
)

// DisabledBackend stands in when the overlay is turned off. Every operation
// succeeds without doing anything.
type DisabledBackend struct {
	hostname string
}

func NewDisabledBackend(hostname string) *DisabledBackend {
	return &DisabledBackend{hostname: hostname}
}

func (b *DisabledBackend) Name() string { return string(KindDisabled) }

func (b *DisabledBackend) Connect(context.Context) error { return nil }

func (b *DisabledBackend) Disconnect(context.Context) error { return nil }

func (b *DisabledBackend) Status() Status {
	return Status{
		Backend:  b.Name(),
		State:    StateDisabled,
		Hostname: b.hostname,
	}
}

func (b *DisabledBackend) Peers() *peers.Table { return peers.Empty() }
