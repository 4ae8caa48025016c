package overlay

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/socktail/pkg/control"
	"github.com/ZentaChain/socktail/pkg/crypto"
	"github.com/ZentaChain/socktail/pkg/peers"
	"github.com/ZentaChain/socktail/pkg/storage"
)

// ControlClient registers a node with the control plane
type ControlClient interface {
	Register(ctx context.Context, id control.Identity, hostname, authKey string) (*control.RegistrationResult, error)
}

// HistoryStore records successful registrations
type HistoryStore interface {
	SaveRegistration(snap *storage.Snapshot) (int64, error)
}

// NativeConfig holds what the native backend needs
type NativeConfig struct {
	Identity *crypto.Identity // generated when nil
	Client   ControlClient
	Peers    *peers.Store     // a fresh store when nil
	History  HistoryStore     // optional
	Metrics  *Metrics         // optional
	Hostname string
	AuthKey  string
}

// NativeBackend registers directly with the control server
type NativeBackend struct {
	identity *crypto.Identity
	client   ControlClient
	peers    *peers.Store
	history  HistoryStore
	metrics  *Metrics
	hostname string
	authKey  string
	log      *zap.Logger

	// closeCtx is cancelled by RequestClose and aborts in-flight registrations
	closeCtx context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	mu           sync.Mutex
	state        State
	closing      bool
	assigned     netip.Addr
	registeredAt time.Time
	lastErr      error
}

// NewNativeBackend creates the backend. No registration happens until Connect.
func NewNativeBackend(config *NativeConfig) (*NativeBackend, error) {
	if config == nil || config.Client == nil {
		return nil, errors.New("native backend requires a control client")
	}

	identity := config.Identity
	if identity == nil {
		var err error
		if identity, err = crypto.GenerateIdentity(); err != nil {
			return nil, err
		}
	}

	store := config.Peers
	if store == nil {
		store = peers.NewStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &NativeBackend{
		identity: identity,
		client:   config.Client,
		peers:    store,
		history:  config.History,
		metrics:  config.Metrics,
		hostname: config.Hostname,
		authKey:  config.AuthKey,
		log:      zap.L().Named("overlay").With(zap.String("node", crypto.Fingerprint(identity.PublicKey()))),
		closeCtx: ctx,
		cancel:   cancel,
		state:    StateIdle,
	}, nil
}

func (b *NativeBackend) Name() string { return string(KindNative) }

// Connect performs one registration. A failure leaves the backend in
// StateFailed; nothing is retried.
func (b *NativeBackend) Connect(ctx context.Context) error {
	return b.register(ctx)
}

// Reregister performs a fresh registration and replaces the peer table
func (b *NativeBackend) Reregister(ctx context.Context) error {
	return b.register(ctx)
}

func (b *NativeBackend) register(ctx context.Context) error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return ErrClosed
	}
	b.inflight.Add(1)
	b.state = StateConnecting
	b.mu.Unlock()
	defer b.inflight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.closeCtx, cancel)
	defer stop()

	result, err := b.client.Register(ctx, b.identity, b.hostname, b.authKey)

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		if err == nil {
			b.log.Debug("discarding registration that completed during shutdown")
		}
		return ErrClosed
	}
	if err != nil {
		b.state = StateFailed
		b.lastErr = err
		b.mu.Unlock()

		b.metrics.failed()
		b.log.Error("registration failed", zap.Error(err))
		return err
	}

	table := peers.NewTable(result.Peers)
	b.peers.Swap(table)
	b.state = StateConnected
	b.assigned = result.AssignedAddress
	b.registeredAt = result.RegisteredAt
	b.lastErr = nil
	b.mu.Unlock()

	b.metrics.registered(table.Len())
	b.log.Info("overlay connected",
		zap.Stringer("address", result.AssignedAddress),
		zap.Int("peers", table.Len()),
		zap.Uint64("generation", b.peers.Generation()),
	)

	b.record(result, table)
	return nil
}

// record saves the registration; a store failure does not fail the connection
func (b *NativeBackend) record(result *control.RegistrationResult, table *peers.Table) {
	if b.history == nil {
		return
	}

	_, err := b.history.SaveRegistration(&storage.Snapshot{
		Backend:         b.Name(),
		Hostname:        b.hostname,
		PublicKey:       b.identity.PublicKey(),
		AssignedAddress: result.AssignedAddress,
		PeerCount:       table.Len(),
		Peers:           table.All(),
		RegisteredAt:    result.RegisteredAt,
	})
	if err != nil {
		b.log.Warn("failed to record registration", zap.Error(err))
	}
}

// RequestClose starts shutdown: in-flight registrations are cancelled and
// no new ones start. It does not wait.
func (b *NativeBackend) RequestClose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closing {
		return
	}
	b.closing = true
	b.state = StateDisconnecting
	b.cancel()
}

// AwaitDrained waits for in-flight registrations to return, then clears the
// peer table. It returns ctx's error if ctx ends first.
func (b *NativeBackend) AwaitDrained(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.peers.Swap(nil)
	b.metrics.cleared()

	b.mu.Lock()
	b.state = StateDisconnected
	b.mu.Unlock()

	b.log.Info("overlay disconnected")
	return nil
}

// Disconnect runs RequestClose then AwaitDrained
func (b *NativeBackend) Disconnect(ctx context.Context) error {
	b.RequestClose()
	return b.AwaitDrained(ctx)
}

// Peers returns the current peer table snapshot
func (b *NativeBackend) Peers() *peers.Table {
	return b.peers.Load()
}

func (b *NativeBackend) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	pub := b.identity.PublicKey()
	status := Status{
		Backend:     b.Name(),
		State:       b.state,
		Hostname:    b.hostname,
		PublicKey:   crypto.EncodeKey(pub),
		Fingerprint: crypto.Fingerprint(pub),
		PeerCount:   b.peers.Load().Len(),
		Generation:  b.peers.Generation(),
	}
	if b.assigned.IsValid() {
		status.AssignedAddress = b.assigned.String()
	}
	if !b.registeredAt.IsZero() {
		at := b.registeredAt
		status.RegisteredAt = &at
	}
	if b.lastErr != nil {
		status.LastError = b.lastErr.Error()
	}
	return status
}
