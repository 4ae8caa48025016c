package storage

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/socktail/pkg/crypto"
	"github.com/ZentaChain/socktail/pkg/peers"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testKey(b byte) crypto.Key {
	var k crypto.Key
	k[0] = b
	k[31] = b
	return k
}

func snapshotAt(n byte, at time.Time, peerList ...peers.Record) *Snapshot {
	return &Snapshot{
		Backend:         "native",
		Hostname:        "host",
		PublicKey:       testKey(n),
		AssignedAddress: netip.AddrFrom4([4]byte{100, 64, 0, n}),
		Peers:           peerList,
		RegisteredAt:    at,
	}
}

func TestLatestRegistrationEmpty(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LatestRegistration()
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListRegistrations(10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSaveAndLoadRegistration(t *testing.T) {
	s := openTestStore(t)

	withEndpoint := peers.Record{
		PublicKey:   testKey(20),
		OverlayAddr: netip.MustParseAddr("100.64.0.20"),
		Endpoint:    netip.MustParseAddrPort("198.51.100.20:41641"),
	}
	bare := peers.Record{
		PublicKey:   testKey(21),
		OverlayAddr: netip.MustParseAddr("fd7a:115c:a1e0::21"),
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := s.SaveRegistration(snapshotAt(1, at, withEndpoint, bare))
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := s.LatestRegistration()
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "native", got.Backend)
	assert.Equal(t, testKey(1), got.PublicKey)
	assert.Equal(t, "100.64.0.1", got.AssignedAddress.String())
	assert.Equal(t, 2, got.PeerCount)
	assert.True(t, at.Equal(got.RegisteredAt))

	require.Len(t, got.Peers, 2)
	assert.Equal(t, withEndpoint, got.Peers[0])
	assert.Equal(t, bare, got.Peers[1])
	assert.False(t, got.Peers[1].HasEndpoint())
}

func TestListRegistrationsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := byte(1); i <= 4; i++ {
		_, err := s.SaveRegistration(snapshotAt(i, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	list, err := s.ListRegistrations(2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "100.64.0.4", list[0].AssignedAddress.String())
	assert.Equal(t, "100.64.0.3", list[1].AssignedAddress.String())
	assert.NotNil(t, list[0].Peers)

	all, err := s.ListRegistrations(0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestPruneRegistrations(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := byte(1); i <= 5; i++ {
		peer := peers.Record{PublicKey: testKey(100 + i), OverlayAddr: netip.AddrFrom4([4]byte{100, 64, 1, i})}
		_, err := s.SaveRegistration(snapshotAt(i, base.Add(time.Duration(i)*time.Minute), peer))
		require.NoError(t, err)
	}

	removed, err := s.PruneRegistrations(2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	list, err := s.ListRegistrations(0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "100.64.0.5", list[0].AssignedAddress.String())

	var orphans int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM registration_peers`).Scan(&orphans))
	assert.Equal(t, 2, orphans)

	removed, err = s.PruneRegistrations(10)
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = s.PruneRegistrations(-1)
	assert.Error(t, err)
}

func TestSaveRegistrationRequiresAddress(t *testing.T) {
	s := openTestStore(t)
	_, err := s.SaveRegistration(&Snapshot{Backend: "native"})
	assert.Error(t, err)
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.SaveRegistration(snapshotAt(7, time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.LatestRegistration()
	assert.ErrorIs(t, err, ErrClosed)

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LatestRegistration()
	require.NoError(t, err)
	assert.Equal(t, "100.64.0.7", got.AssignedAddress.String())
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.SaveRegistration(snapshotAt(1, time.Now()))
	require.NoError(t, err)

	list, err := s.ListRegistrations(0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
