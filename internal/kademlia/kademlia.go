// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kademlia wraps a libp2p Kademlia DHT with the pending-query
// deduplication and per-peer failure banning spec.md §4.2 requires.
// The wrapper owns accounting only; actual routing-table maintenance
// and peer-discovery queries are delegated to *dht.IpfsDHT.
// Neighborhood is served directly from the routing table and never
// issues a network query. LocalLookup returns nothing for a peer
// absent from the routing table; for a peer present in it, the
// addresses come from the backend's FindPeer.
//
// Pending-query dedup is grounded on original_source's
// crates/kademlia/src/api.rs command/oneshot-outlet pattern, adapted
// to a map of Go channels keyed by query target. The ban/cooldown
// bookkeeping (waitNext/retryInfo) is grounded on the teacher's
// pkg/kademlia/kademlia.go field names and shape.
package kademlia

import (
	"context"
	"fmt"
	"sync"
	"time"

	libp2ppeer "github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"

	"github.com/fluencelabs/gonox/internal/logging"
	"github.com/fluencelabs/gonox/internal/peerid"
)

// Options configures the wrapper. Zero values fall back to the
// defaults noted per field, mirroring the teacher's kademlia.Options.
type Options struct {
	// MaxFailedAttempts bans a peer (DiscoverPeer returns ErrBanned
	// without querying) once this many consecutive DiscoverPeer
	// failures have been recorded.
	MaxFailedAttempts int
	// ShortRetry sets the tryAfter recorded for a failure below
	// MaxFailedAttempts. Such a peer is not banned; the sweep clears
	// its failure count once ShortRetry plus LongRetry have passed.
	ShortRetry time.Duration
	// LongRetry is the cooldown applied once MaxFailedAttempts is hit,
	// before the peer is evicted from the ban table entirely.
	LongRetry time.Duration
	// SweepInterval is how often stale ban entries are cleared.
	SweepInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxFailedAttempts <= 0 {
		o.MaxFailedAttempts = 3
	}
	if o.ShortRetry <= 0 {
		o.ShortRetry = 5 * time.Second
	}
	if o.LongRetry <= 0 {
		o.LongRetry = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
}

type retryInfo struct {
	tryAfter       time.Time
	failedAttempts int
}

// Backend is the subset of *dht.IpfsDHT the wrapper drives. Narrowed
// to an interface so tests can substitute a fake routing table.
type Backend interface {
	Bootstrap(ctx context.Context) error
	FindPeer(ctx context.Context, id libp2ppeer.ID) (libp2ppeer.AddrInfo, error)
	RoutingTable() RoutingTable
	AddAddresses(id libp2ppeer.ID, addrs []ma.Multiaddr, ttl time.Duration)
}

// RoutingTable is the narrow subset of the DHT's local routing table
// the wrapper needs for LocalLookup.
type RoutingTable interface {
	NearestPeers(key []byte, count int) []libp2ppeer.ID
}

// Kademlia is the overlay wrapper (spec.md §4.2).
type Kademlia struct {
	backend Backend
	logger  logging.Logger
	opts    Options
	metrics metrics

	mu       sync.Mutex
	waitNext map[string]retryInfo

	pendingMu sync.Mutex
	pending   map[string][]chan discoverResult

	done chan struct{}
}

type discoverResult struct {
	id    peerid.ID
	addrs []ma.Multiaddr
	err   error
}

// ErrBanned is returned when an operation targets a peer currently in
// its failure cooldown.
type ErrBanned struct {
	Peer     peerid.ID
	TryAfter time.Time
}

func (e *ErrBanned) Error() string {
	return fmt.Sprintf("kademlia: peer %s banned until %s", e.Peer, e.TryAfter)
}

// New constructs a Kademlia wrapper around backend and starts its ban
// table sweep loop.
func New(backend Backend, logger logging.Logger, opts Options) *Kademlia {
	opts.setDefaults()
	k := &Kademlia{
		backend:  backend,
		logger:   logger,
		opts:     opts,
		metrics:  newMetrics(),
		waitNext: make(map[string]retryInfo),
		pending:  make(map[string][]chan discoverResult),
		done:     make(chan struct{}),
	}
	go k.sweepLoop()
	return k
}

// Close stops the sweep loop.
func (k *Kademlia) Close() { close(k.done) }

func (k *Kademlia) sweepLoop() {
	ticker := time.NewTicker(k.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.sweep()
		case <-k.done:
			return
		}
	}
}

func (k *Kademlia) sweep() {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, info := range k.waitNext {
		if now.After(info.tryAfter.Add(k.opts.LongRetry)) {
			delete(k.waitNext, key)
			k.metrics.BanTableEvictions.Inc()
		}
	}
}

// Bootstrap seeds the routing table via the backend's own bootstrap
// procedure (spec.md §4.2 "Bootstrap").
func (k *Kademlia) Bootstrap(ctx context.Context) error {
	return k.backend.Bootstrap(ctx)
}

// LocalLookup returns addresses for peer only if peer is in the local
// routing table; otherwise it returns nil without calling the backend
// (spec.md §4.2 "LocalLookup"). For a peer in the table the addresses
// come from the backend's FindPeer, which on the libp2p DHT runs a
// network lookup when the peer is not connected.
func (k *Kademlia) LocalLookup(peer peerid.ID) ([]ma.Multiaddr, error) {
	nearest := k.backend.RoutingTable().NearestPeers([]byte(peer.Libp2p()), 1)
	for _, id := range nearest {
		if id == peer.Libp2p() {
			info, err := k.backend.FindPeer(context.Background(), id)
			if err != nil {
				return nil, err
			}
			return info.Addrs, nil
		}
	}
	return nil, nil
}

// addressTTL is how long a manually re-added contact's addresses are
// kept in the peerstore before they need refreshing again.
const addressTTL = 10 * time.Minute

// AddContact re-registers peer's addresses with the backend so it is
// routable again without a fresh DHT query (spec.md §4.3 "adding
// successful contacts back to Kademlia").
func (k *Kademlia) AddContact(peer peerid.ID, addrs []ma.Multiaddr) {
	k.backend.AddAddresses(peer.Libp2p(), addrs, addressTTL)
	k.recordSuccess(peer.String())
}

func (k *Kademlia) isBanned(key string) (time.Time, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	info, ok := k.waitNext[key]
	if ok && info.failedAttempts >= k.opts.MaxFailedAttempts && time.Now().Before(info.tryAfter) {
		return info.tryAfter, true
	}
	return time.Time{}, false
}

func (k *Kademlia) recordFailure(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	info := k.waitNext[key]
	info.failedAttempts++
	if info.failedAttempts >= k.opts.MaxFailedAttempts {
		info.tryAfter = time.Now().Add(k.opts.LongRetry)
		k.metrics.PeersBanned.Inc()
	} else {
		info.tryAfter = time.Now().Add(k.opts.ShortRetry)
	}
	k.waitNext[key] = info
}

func (k *Kademlia) recordSuccess(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.waitNext, key)
}

// DiscoverPeer resolves peer's current addresses via the DHT,
// deduplicating concurrent discovery requests for the same peer into
// a single query (original_source api.rs's Command::DiscoverPeer,
// translated from an mpsc command channel to a per-key waiter list).
func (k *Kademlia) DiscoverPeer(ctx context.Context, peer peerid.ID) (peerid.ID, []ma.Multiaddr, error) {
	key := peer.String()

	// An already-routable target resolves through LocalLookup and
	// returns immediately, without starting a discovery query or
	// consulting the ban table (spec.md §4.2 boundary behavior).
	if addrs, err := k.LocalLookup(peer); err == nil && len(addrs) > 0 {
		return peer, addrs, nil
	}

	if tryAfter, banned := k.isBanned(key); banned {
		return peerid.ID{}, nil, &ErrBanned{Peer: peer, TryAfter: tryAfter}
	}

	ch := make(chan discoverResult, 1)
	k.pendingMu.Lock()
	waiters, inFlight := k.pending[key]
	waiters = append(waiters, ch)
	k.pending[key] = waiters
	k.pendingMu.Unlock()

	if !inFlight {
		go k.runDiscover(peer, key)
	}

	select {
	case res := <-ch:
		return res.id, res.addrs, res.err
	case <-ctx.Done():
		return peerid.ID{}, nil, ctx.Err()
	}
}

func (k *Kademlia) runDiscover(peer peerid.ID, key string) {
	k.metrics.DiscoverRequests.Inc()
	info, err := k.backend.FindPeer(context.Background(), peer.Libp2p())

	var res discoverResult
	if err != nil {
		k.metrics.DiscoverFailures.Inc()
		k.recordFailure(key)
		res = discoverResult{err: err}
	} else {
		k.recordSuccess(key)
		res = discoverResult{id: peerid.FromLibp2p(info.ID), addrs: info.Addrs}
	}

	k.pendingMu.Lock()
	waiters := k.pending[key]
	delete(k.pending, key)
	k.pendingMu.Unlock()

	for _, w := range waiters {
		w <- res
	}
}

// Neighborhood returns the count peers closest to key in XOR distance,
// served synchronously from the local routing table — it never
// issues a network query (spec.md §4.2 "neighborhood(key, count)").
func (k *Kademlia) Neighborhood(key mh.Multihash, count int) []peerid.ID {
	peers := k.backend.RoutingTable().NearestPeers([]byte(key), count)
	out := make([]peerid.ID, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerid.FromLibp2p(p))
	}
	return out
}

