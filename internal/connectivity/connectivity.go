// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package connectivity composes the connection pool and the Kademlia
// wrapper into the higher-level operations the plumber depends on
// (spec.md §4.3): resolving a contact by peer id, sending through the
// pool, periodic re-bootstrap, and bootstrap reconnection with
// exponential backoff. Grounded on the teacher's pkg/node wiring
// style (one root struct holding the pool/discovery/topology
// collaborators) adapted to these named operations.
package connectivity

import (
	"context"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/fluencelabs/gonox/internal/kademlia"
	"github.com/fluencelabs/gonox/internal/logging"
	"github.com/fluencelabs/gonox/internal/particle"
	"github.com/fluencelabs/gonox/internal/peerid"
	"github.com/fluencelabs/gonox/internal/pool"
)

// Pool is the subset of *pool.Pool the facade depends on.
type Pool interface {
	GetContact(id peerid.ID) (particle.Contact, bool)
	Connect(ctx context.Context, contact particle.Contact) bool
	Send(ctx context.Context, contact particle.Contact, part particle.Particle) error
	SubscribeLifecycle() <-chan pool.LifecycleEvent
}

// Kademlia is the subset of *kademlia.Kademlia the facade depends on.
type Kademlia interface {
	DiscoverPeer(ctx context.Context, peer peerid.ID) (peerid.ID, []ma.Multiaddr, error)
	Bootstrap(ctx context.Context) error
	AddContact(peer peerid.ID, addrs []ma.Multiaddr)
}

// Options configures the reconnect/re-bootstrap behaviour. Defaults
// match spec.md §4.3 "typical: 5s base, 60s cap".
type Options struct {
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	// BootstrapEvery triggers kademlia.Bootstrap on every Nth observed
	// Connected event whose address matches a bootstrap address.
	BootstrapEvery int
}

func (o *Options) setDefaults() {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 5 * time.Second
	}
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = 60 * time.Second
	}
	if o.BootstrapEvery <= 0 {
		o.BootstrapEvery = 1
	}
}

// Facade composes the pool and Kademlia wrapper (spec.md §4.3).
type Facade struct {
	pool    Pool
	kad     Kademlia
	logger  logging.Logger
	opts    Options
	metrics metrics

	bootstraps []ma.Multiaddr

	mu         sync.Mutex
	matchCount int
}

// New constructs a Facade over pool and kademlia, with the given
// bootstrap address set.
func New(p Pool, kad Kademlia, bootstraps []ma.Multiaddr, logger logging.Logger, opts Options) *Facade {
	opts.setDefaults()
	return &Facade{
		pool:       p,
		kad:        kad,
		logger:     logger,
		opts:       opts,
		metrics:    newMetrics(),
		bootstraps: bootstraps,
	}
}

// Run drives the facade's background loops — periodic Kademlia
// re-bootstrap and bootstrap reconnection — until ctx is cancelled or
// either loop returns, whichever happens first.
func (f *Facade) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		f.KademliaBootstrap(ctx, f.pool.SubscribeLifecycle())
		return ctx.Err()
	})
	g.Go(func() error {
		f.ReconnectBootstraps(ctx, f.pool.SubscribeLifecycle())
		return ctx.Err()
	})
	return g.Wait()
}

// ResolveContact returns the contact for peer, consulting the pool
// first and falling back to a Kademlia discovery + connect
// (spec.md §4.3 "resolve_contact").
func (f *Facade) ResolveContact(ctx context.Context, peer peerid.ID) (particle.Contact, bool) {
	if c, ok := f.pool.GetContact(peer); ok {
		f.metrics.ResolveHits.Inc()
		return c, true
	}

	f.metrics.ResolveDiscoveries.Inc()
	_, addrs, err := f.kad.DiscoverPeer(ctx, peer)
	if err != nil || len(addrs) == 0 {
		f.metrics.ResolveFailures.Inc()
		f.logger.Debugf("connectivity: discover_peer(%s) failed: %v", peer, err)
		return particle.Contact{}, false
	}

	contact := particle.Contact{PeerID: peer, Addresses: addrs}
	if !f.pool.Connect(ctx, contact) {
		f.metrics.ResolveFailures.Inc()
		return particle.Contact{}, false
	}
	return contact, true
}

// Send delivers part to contact via the pool (spec.md §4.3 "send").
func (f *Facade) Send(ctx context.Context, contact particle.Contact, part particle.Particle) error {
	f.logger.Debugf("connectivity: sending particle %s to %s", part.ID, contact.PeerID)
	return f.pool.Send(ctx, contact, part)
}

func (f *Facade) isBootstrapAddress(addr ma.Multiaddr) bool {
	for _, b := range f.bootstraps {
		if b.Equal(addr) {
			return true
		}
	}
	return false
}

// KademliaBootstrap watches lifecycle events on events and calls
// kademlia.Bootstrap every BootstrapEvery-th Connected event whose
// address matches the bootstrap set (spec.md §4.3
// "kademlia_bootstrap"). Runs until ctx is cancelled or events closes.
func (f *Facade) KademliaBootstrap(ctx context.Context, events <-chan pool.LifecycleEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.Connected {
				continue
			}
			matched := false
			for _, addr := range ev.Contact.Addresses {
				if f.isBootstrapAddress(addr) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
			f.mu.Lock()
			f.matchCount++
			fire := f.matchCount%f.opts.BootstrapEvery == 0
			f.mu.Unlock()
			if fire {
				f.metrics.BootstrapFires.Inc()
				if err := f.kad.Bootstrap(ctx); err != nil {
					f.logger.Warningf("connectivity: periodic bootstrap failed: %v", err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// ReconnectBootstraps watches lifecycle events on events and, on
// every Disconnected event whose addresses intersect the bootstrap
// set, redials those addresses with exponential backoff capped at
// opts.ReconnectCap (spec.md §4.3 "reconnect_bootstraps").
func (f *Facade) ReconnectBootstraps(ctx context.Context, events <-chan pool.LifecycleEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Connected {
				continue
			}
			var matched []ma.Multiaddr
			for _, addr := range ev.Contact.Addresses {
				if f.isBootstrapAddress(addr) {
					matched = append(matched, addr)
				}
			}
			if len(matched) == 0 {
				continue
			}
			go f.reconnectWithBackoff(ctx, ev.Contact.PeerID, matched)
		case <-ctx.Done():
			return
		}
	}
}

func (f *Facade) reconnectWithBackoff(ctx context.Context, peer peerid.ID, addrs []ma.Multiaddr) {
	backoff := f.opts.ReconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		f.metrics.ReconnectAttempts.Inc()
		contact := particle.Contact{PeerID: peer, Addresses: addrs}
		if f.pool.Connect(ctx, contact) {
			f.kad.AddContact(peer, addrs)
			f.logger.Infof("connectivity: reconnected to bootstrap peer %s", peer)
			return
		}

		backoff *= 2
		if backoff > f.opts.ReconnectCap {
			backoff = f.opts.ReconnectCap
		}
	}
}
