package kademlia_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	libp2ppeer "github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/fluencelabs/gonox/internal/kademlia"
	"github.com/fluencelabs/gonox/internal/logging"
	"github.com/fluencelabs/gonox/internal/peerid"
)

type fakeBackend struct {
	findCalls  int32
	findPeerFn func(id libp2ppeer.ID) (libp2ppeer.AddrInfo, error)
	nearest    []libp2ppeer.ID
	added      []libp2ppeer.ID
}

func (f *fakeBackend) Bootstrap(ctx context.Context) error { return nil }

func (f *fakeBackend) FindPeer(ctx context.Context, id libp2ppeer.ID) (libp2ppeer.AddrInfo, error) {
	atomic.AddInt32(&f.findCalls, 1)
	time.Sleep(20 * time.Millisecond)
	return f.findPeerFn(id)
}

func (f *fakeBackend) RoutingTable() kademlia.RoutingTable { return fakeRoutingTable{nearest: f.nearest} }

func (f *fakeBackend) AddAddresses(id libp2ppeer.ID, addrs []ma.Multiaddr, ttl time.Duration) {
	f.added = append(f.added, id)
}

// fakeRoutingTable always returns its fixed nearest set regardless of
// key, which is enough to drive LocalLookup/Neighborhood in tests.
type fakeRoutingTable struct {
	nearest []libp2ppeer.ID
}

func (f fakeRoutingTable) NearestPeers(key []byte, count int) []libp2ppeer.ID {
	if count < len(f.nearest) {
		return f.nearest[:count]
	}
	return f.nearest
}

func mustTestAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

func testPeerID(t *testing.T) libp2ppeer.ID {
	t.Helper()
	_, pub, err := libp2pcrypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := libp2ppeer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func TestDiscoverPeerDeduplicatesConcurrentCallers(t *testing.T) {
	target := testPeerID(t)
	backend := &fakeBackend{
		findPeerFn: func(id libp2ppeer.ID) (libp2ppeer.AddrInfo, error) {
			return libp2ppeer.AddrInfo{ID: target}, nil
		},
	}
	k := kademlia.New(backend, logging.NewNoop(), kademlia.Options{})
	defer k.Close()

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, _, err := k.DiscoverPeer(context.Background(), peerid.FromLibp2p(target))
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&backend.findCalls))
}

func TestDiscoverPeerReturnsImmediatelyWhenAlreadyRoutable(t *testing.T) {
	target := testPeerID(t)
	addrs := []ma.Multiaddr{mustTestAddr(t, "/ip4/10.0.0.1/tcp/4001")}
	backend := &fakeBackend{
		nearest: []libp2ppeer.ID{target},
		findPeerFn: func(id libp2ppeer.ID) (libp2ppeer.AddrInfo, error) {
			return libp2ppeer.AddrInfo{ID: target, Addrs: addrs}, nil
		},
	}
	k := kademlia.New(backend, logging.NewNoop(), kademlia.Options{MaxFailedAttempts: 2})
	defer k.Close()

	// Ban the peer first: if DiscoverPeer consulted the ban table before
	// the routing table, this would return ErrBanned instead.
	wantErr := errors.New("no route to peer")
	backend.findPeerFn = func(id libp2ppeer.ID) (libp2ppeer.AddrInfo, error) {
		return libp2ppeer.AddrInfo{}, wantErr
	}
	id := peerid.FromLibp2p(target)
	_, _, err := k.DiscoverPeer(context.Background(), id)
	require.ErrorIs(t, err, wantErr)
	_, _, err = k.DiscoverPeer(context.Background(), id)
	require.ErrorIs(t, err, wantErr)

	// Now the peer resolves locally via the routing table fast path and
	// must bypass both the ban table and the network query pipeline.
	backend.findPeerFn = func(id libp2ppeer.ID) (libp2ppeer.AddrInfo, error) {
		return libp2ppeer.AddrInfo{ID: target, Addrs: addrs}, nil
	}
	gotID, gotAddrs, err := k.DiscoverPeer(context.Background(), id)
	require.NoError(t, err)
	require.True(t, gotID.Equal(id))
	require.Equal(t, addrs, gotAddrs)
}

func TestNeighborhoodServesLocallyFromRoutingTable(t *testing.T) {
	a := testPeerID(t)
	b := testPeerID(t)
	backend := &fakeBackend{nearest: []libp2ppeer.ID{a, b}}
	k := kademlia.New(backend, logging.NewNoop(), kademlia.Options{})
	defer k.Close()

	got := k.Neighborhood(mh.Multihash("some-key"), 1)
	require.Len(t, got, 1)
	require.True(t, got[0].Equal(peerid.FromLibp2p(a)))
	require.Equal(t, int32(0), atomic.LoadInt32(&backend.findCalls), "Neighborhood must not issue a network query")
}

func TestAddContactRegistersAddressesWithBackend(t *testing.T) {
	target := testPeerID(t)
	backend := &fakeBackend{}
	k := kademlia.New(backend, logging.NewNoop(), kademlia.Options{})
	defer k.Close()

	addrs := []ma.Multiaddr{mustTestAddr(t, "/ip4/10.0.0.1/tcp/4001")}
	k.AddContact(peerid.FromLibp2p(target), addrs)
	require.Equal(t, []libp2ppeer.ID{target}, backend.added)
}

func TestDiscoverPeerBansAfterRepeatedFailure(t *testing.T) {
	target := testPeerID(t)
	wantErr := errors.New("no route to peer")
	backend := &fakeBackend{
		findPeerFn: func(id libp2ppeer.ID) (libp2ppeer.AddrInfo, error) {
			return libp2ppeer.AddrInfo{}, wantErr
		},
	}
	k := kademlia.New(backend, logging.NewNoop(), kademlia.Options{
		MaxFailedAttempts: 2,
		ShortRetry:        time.Hour,
		LongRetry:         time.Hour,
	})
	defer k.Close()

	id := peerid.FromLibp2p(target)
	_, _, err := k.DiscoverPeer(context.Background(), id)
	require.ErrorIs(t, err, wantErr)

	_, _, err = k.DiscoverPeer(context.Background(), id)
	require.ErrorIs(t, err, wantErr)

	// third attempt should be short-circuited by the ban table instead
	// of reaching the backend again.
	_, _, err = k.DiscoverPeer(context.Background(), id)
	var banned *kademlia.ErrBanned
	require.ErrorAs(t, err, &banned)
	require.Equal(t, int32(2), atomic.LoadInt32(&backend.findCalls))
}
