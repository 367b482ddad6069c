package connectivity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/fluencelabs/gonox/internal/connectivity"
	"github.com/fluencelabs/gonox/internal/logging"
	"github.com/fluencelabs/gonox/internal/particle"
	"github.com/fluencelabs/gonox/internal/peerid"
	"github.com/fluencelabs/gonox/internal/pool"
)

type fakePool struct {
	mu       sync.Mutex
	contacts map[string]particle.Contact
	connectFn func(contact particle.Contact) bool
	sent     []particle.Particle
}

func (f *fakePool) GetContact(id peerid.ID) (particle.Contact, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id.String()]
	return c, ok
}

func (f *fakePool) Connect(ctx context.Context, contact particle.Contact) bool {
	ok := true
	if f.connectFn != nil {
		ok = f.connectFn(contact)
	}
	if ok {
		f.mu.Lock()
		f.contacts[contact.PeerID.String()] = contact
		f.mu.Unlock()
	}
	return ok
}

func (f *fakePool) Send(ctx context.Context, contact particle.Contact, part particle.Particle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, part)
	return nil
}

func (f *fakePool) SubscribeLifecycle() <-chan pool.LifecycleEvent { return nil }

type fakeKad struct {
	addrs        []ma.Multiaddr
	err          error
	bootstrapErr error
	bootstraps   int32

	mu      sync.Mutex
	added   []peerid.ID
}

func (f *fakeKad) DiscoverPeer(ctx context.Context, peer peerid.ID) (peerid.ID, []ma.Multiaddr, error) {
	if f.err != nil {
		return peerid.ID{}, nil, f.err
	}
	return peer, f.addrs, nil
}

func (f *fakeKad) Bootstrap(ctx context.Context) error {
	f.bootstraps++
	return f.bootstrapErr
}

func (f *fakeKad) AddContact(peer peerid.ID, addrs []ma.Multiaddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, peer)
}

func (f *fakeKad) addedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

func TestResolveContactUsesPoolFirst(t *testing.T) {
	target := peerid.ID{}
	addr := mustAddr(t, "/ip4/127.0.0.1/tcp/4001")
	p := &fakePool{contacts: map[string]particle.Contact{
		target.String(): {PeerID: target, Addresses: []ma.Multiaddr{addr}},
	}}
	k := &fakeKad{}
	f := connectivity.New(p, k, nil, logging.NewNoop(), connectivity.Options{})

	c, ok := f.ResolveContact(context.Background(), target)
	require.True(t, ok)
	require.Equal(t, addr, c.Addresses[0])
	require.Equal(t, int32(0), k.bootstraps)
}

func TestResolveContactFallsBackToDiscovery(t *testing.T) {
	target := peerid.ID{}
	addr := mustAddr(t, "/ip4/127.0.0.1/tcp/4002")
	p := &fakePool{contacts: map[string]particle.Contact{}}
	k := &fakeKad{addrs: []ma.Multiaddr{addr}}
	f := connectivity.New(p, k, nil, logging.NewNoop(), connectivity.Options{})

	c, ok := f.ResolveContact(context.Background(), target)
	require.True(t, ok)
	require.Equal(t, addr, c.Addresses[0])
}

func TestResolveContactFailsWhenDiscoveryErrors(t *testing.T) {
	p := &fakePool{contacts: map[string]particle.Contact{}}
	k := &fakeKad{err: errors.New("no peers found")}
	f := connectivity.New(p, k, nil, logging.NewNoop(), connectivity.Options{})

	_, ok := f.ResolveContact(context.Background(), peerid.ID{})
	require.False(t, ok)
}

func TestReconnectBootstrapsRetriesWithBackoff(t *testing.T) {
	addr := mustAddr(t, "/ip4/10.0.0.1/tcp/4001")
	var attempts int32
	p := &fakePool{
		contacts: map[string]particle.Contact{},
		connectFn: func(contact particle.Contact) bool {
			attempts++
			return attempts >= 2
		},
	}
	k := &fakeKad{}
	f := connectivity.New(p, k, []ma.Multiaddr{addr}, logging.NewNoop(), connectivity.Options{
		ReconnectBase: 10 * time.Millisecond,
		ReconnectCap:  20 * time.Millisecond,
	})

	events := make(chan pool.LifecycleEvent, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.ReconnectBootstraps(ctx, events)
		close(done)
	}()

	events <- pool.LifecycleEvent{Connected: false, Contact: particle.Contact{Addresses: []ma.Multiaddr{addr}}}

	require.Eventually(t, func() bool {
		return attempts >= 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return k.addedCount() == 1
	}, time.Second, 5*time.Millisecond, "successful reconnect should add the contact back to Kademlia")

	cancel()
	<-done
}
