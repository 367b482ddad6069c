package pool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	libp2ppeer "github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/fluencelabs/gonox/internal/logging"
	"github.com/fluencelabs/gonox/internal/particle"
	"github.com/fluencelabs/gonox/internal/peerid"
	"github.com/fluencelabs/gonox/internal/pool"
)

type fakeTransport struct {
	mu         sync.Mutex
	dials      int32
	onDial     func(addr ma.Multiaddr)
	sent       []particle.Particle
	sendErr    error
	closedPeer []peerid.ID
}

func (f *fakeTransport) Dial(ctx context.Context, addr ma.Multiaddr) {
	atomic.AddInt32(&f.dials, 1)
	if f.onDial != nil {
		f.onDial(addr)
	}
}

func (f *fakeTransport) SendParticle(ctx context.Context, peer peerid.ID, p particle.Particle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeTransport) CloseConnections(peer peerid.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedPeer = append(f.closedPeer, peer)
}

func newTestPeerID(t *testing.T) peerid.ID {
	t.Helper()
	_, pub, err := libp2pcrypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	lid, err := libp2ppeer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return peerid.FromLibp2p(lid)
}

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

func TestSendToSelfDeliversLocally(t *testing.T) {
	self := newTestPeerID(t)
	transport := &fakeTransport{}
	p := pool.New(self, transport, logging.NewNoop(), 8)

	part := particle.Particle{ID: "local-1"}
	err := p.Send(context.Background(), particle.Contact{PeerID: self}, part)
	require.NoError(t, err)

	select {
	case got := <-p.Outbound():
		require.Equal(t, "local-1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected locally delivered particle")
	}
	require.Equal(t, int32(0), atomic.LoadInt32(&transport.dials))
}

func TestSendWithoutConnectionReturnsNotConnected(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	transport := &fakeTransport{}
	p := pool.New(self, transport, logging.NewNoop(), 8)

	err := p.Send(context.Background(), particle.Contact{PeerID: other}, particle.Particle{ID: "x"})
	require.ErrorIs(t, err, pool.ErrNotConnected)
}

func TestSendOverExistingConnection(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	transport := &fakeTransport{}
	p := pool.New(self, transport, logging.NewNoop(), 8)

	addr := mustAddr(t, "/ip4/10.0.0.1/tcp/4001")
	p.HandleConnectionEstablished(other, addr, nil)
	require.True(t, p.IsConnected(other))

	err := p.Send(context.Background(), particle.Contact{PeerID: other}, particle.Particle{ID: "y"})
	require.NoError(t, err)
	require.Len(t, transport.sent, 1)
	require.Equal(t, "y", transport.sent[0].ID)
}

func TestDialCoalescesConcurrentCallers(t *testing.T) {
	self := newTestPeerID(t)
	target := newTestPeerID(t)
	addr := mustAddr(t, "/ip4/10.0.0.2/tcp/4001")

	transport := &fakeTransport{}
	p := pool.New(self, transport, logging.NewNoop(), 8)

	const n = 10
	var wg sync.WaitGroup
	results := make([]*particle.Contact, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Dial(context.Background(), addr)
			require.NoError(t, err)
			results[i] = c
		}(i)
	}

	// give all goroutines a chance to register as waiters before
	// completing the dial.
	time.Sleep(50 * time.Millisecond)
	p.HandleConnectionEstablished(target, addr, nil)

	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&transport.dials), "exactly one reach attempt expected")
	for _, r := range results {
		require.NotNil(t, r)
		require.True(t, r.PeerID.Equal(target))
	}
}

func TestConnectReturnsTrueWhenAlreadyConnected(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	transport := &fakeTransport{}
	p := pool.New(self, transport, logging.NewNoop(), 8)

	addr := mustAddr(t, "/ip4/10.0.0.3/tcp/4001")
	p.HandleConnectionEstablished(other, addr, nil)

	contact := particle.Contact{PeerID: other, Addresses: []ma.Multiaddr{addr}}
	ok := p.Connect(context.Background(), contact)
	require.True(t, ok)
	require.Equal(t, int32(0), atomic.LoadInt32(&transport.dials))
}

func TestConnectSucceedsAfterEstablishment(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	addr := mustAddr(t, "/ip4/10.0.0.4/tcp/4001")

	transport := &fakeTransport{}
	p := pool.New(self, transport, logging.NewNoop(), 8)
	transport.onDial = func(a ma.Multiaddr) {
		go p.HandleConnectionEstablished(other, a, nil)
	}

	contact := particle.Contact{PeerID: other, Addresses: []ma.Multiaddr{addr}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok := p.Connect(ctx, contact)
	require.True(t, ok)
	require.True(t, p.IsConnected(other))
}

func TestConnectFailsWhenDialFails(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	addr := mustAddr(t, "/ip4/10.0.0.5/tcp/4001")

	transport := &fakeTransport{}
	p := pool.New(self, transport, logging.NewNoop(), 8)
	transport.onDial = func(a ma.Multiaddr) {
		go p.HandleDialFailure(other, pool.DialFailureTransport, []ma.Multiaddr{a})
	}

	contact := particle.Contact{PeerID: other, Addresses: []ma.Multiaddr{addr}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok := p.Connect(ctx, contact)
	require.False(t, ok)
	require.False(t, p.IsConnected(other))
}

func TestDisconnectIsFireAndForget(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	addr := mustAddr(t, "/ip4/10.0.0.6/tcp/4001")

	transport := &fakeTransport{}
	p := pool.New(self, transport, logging.NewNoop(), 8)
	p.HandleConnectionEstablished(other, addr, nil)

	ok := p.Disconnect(other)
	require.True(t, ok, "disconnect signals success before close completes")
	require.Len(t, transport.closedPeer, 1)
}

func TestConnectionClosedRemovesPeerWhenNoneRemain(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	addr := mustAddr(t, "/ip4/10.0.0.7/tcp/4001")

	transport := &fakeTransport{}
	p := pool.New(self, transport, logging.NewNoop(), 8)
	p.HandleConnectionEstablished(other, addr, nil)
	require.True(t, p.IsConnected(other))

	p.HandleConnectionClosed(other, addr, 0)
	require.False(t, p.IsConnected(other))
}

func TestConnectSucceedsWhenOneAddressFailsAndAnotherConnects(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	badAddr := mustAddr(t, "/ip4/10.0.0.9/tcp/4001")
	goodAddr := mustAddr(t, "/ip4/10.0.0.10/tcp/4001")

	transport := &fakeTransport{}
	p := pool.New(self, transport, logging.NewNoop(), 8)
	transport.onDial = func(a ma.Multiaddr) {
		if a.Equal(badAddr) {
			go p.HandleDialFailure(other, pool.DialFailureTransport, []ma.Multiaddr{a})
			return
		}
		go p.HandleConnectionEstablished(other, a, nil)
	}

	contact := particle.Contact{PeerID: other, Addresses: []ma.Multiaddr{badAddr, goodAddr}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok := p.Connect(ctx, contact)
	require.True(t, ok, "one surviving address should still let Connect succeed")
	require.True(t, p.IsConnected(other))
}

func TestConnectFailsOnlyAfterAllAddressesFail(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	addr1 := mustAddr(t, "/ip4/10.0.0.11/tcp/4001")
	addr2 := mustAddr(t, "/ip4/10.0.0.12/tcp/4001")

	transport := &fakeTransport{}
	p := pool.New(self, transport, logging.NewNoop(), 8)
	transport.onDial = func(a ma.Multiaddr) {
		go p.HandleDialFailure(other, pool.DialFailureTransport, []ma.Multiaddr{a})
	}

	contact := particle.Contact{PeerID: other, Addresses: []ma.Multiaddr{addr1, addr2}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok := p.Connect(ctx, contact)
	require.False(t, ok, "Connect should only fail once every address has failed")
	require.False(t, p.IsConnected(other))
}

func TestLifecycleSubscribersReceiveConnectAndDisconnect(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	addr := mustAddr(t, "/ip4/10.0.0.8/tcp/4001")

	transport := &fakeTransport{}
	p := pool.New(self, transport, logging.NewNoop(), 8)
	events := p.SubscribeLifecycle()

	p.HandleConnectionEstablished(other, addr, nil)
	p.HandleConnectionClosed(other, addr, 0)

	ev1 := <-events
	require.True(t, ev1.Connected)
	ev2 := <-events
	require.False(t, ev2.Connected)
}
