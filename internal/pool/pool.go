// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pool implements the connection pool network behaviour
// (spec.md §4.1): per-peer connection state, dial/connect
// coalescing, particle dispatch with backpressure, and a lifecycle
// event bus. It owns all outbound sends and dial operations; the
// actual bytes-on-the-wire work is delegated to a Transport (the
// libp2p service in internal/p2p/libp2p).
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/fluencelabs/gonox/internal/logging"
	"github.com/fluencelabs/gonox/internal/particle"
	"github.com/fluencelabs/gonox/internal/peerid"
)

// ErrNotConnected is returned by Send when no connection to the
// target peer exists.
var ErrNotConnected = errors.New("pool: not connected")

// ProtocolError wraps a failure surfaced by the protocol handler
// while sending (e.g. a stream upgrade failure).
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return "pool: protocol error: " + e.Message }

// TimedOutError is returned when a send or dial exceeds its deadline.
type TimedOutError struct {
	Duration time.Duration
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("pool: timed out after %s", e.Duration)
}

// DialFailureKind classifies why an in-flight dial failed, mirroring
// the libp2p DialFailure error shapes referenced in spec.md §4.1.
type DialFailureKind int

const (
	// DialFailureWrongPeerID: the address connected but presented a
	// different peer id than expected.
	DialFailureWrongPeerID DialFailureKind = iota
	// DialFailureTransport: the underlying transport could not reach
	// any of the given addresses.
	DialFailureTransport
	// DialFailureAlreadyConnected: not a real failure; a connection
	// to the peer already exists. Ignored by the state machine.
	DialFailureAlreadyConnected
)

// Transport is the external collaborator that performs real network
// IO on behalf of the pool. Implementations (e.g. the libp2p service)
// call back into the pool's Handle* methods to report results
// asynchronously, exactly like a libp2p swarm reports events to a
// NetworkBehaviour.
type Transport interface {
	// Dial attempts to reach addr without prior knowledge of the
	// resulting peer id. The outcome is reported later via
	// HandleConnectionEstablished or HandleDialFailure.
	Dial(ctx context.Context, addr ma.Multiaddr)
	// SendParticle hands one particle to an existing connection's
	// protocol handler.
	SendParticle(ctx context.Context, peer peerid.ID, p particle.Particle) error
	// CloseConnections closes every connection to peer. Fire and
	// forget: the pool does not wait for completion (spec.md §4.1,
	// §9 Open Questions).
	CloseConnections(peer peerid.ID)
}

// LifecycleEvent is published to lifecycle subscribers on every
// connect/disconnect.
type LifecycleEvent struct {
	Connected bool
	Contact   particle.Contact
}

type dialWaiter chan *particle.Contact

// peerRecord is the per-peer connection state from spec.md §3. The
// three address sets are pairwise disjoint; any address is in at
// most one of them.
type peerRecord struct {
	connected   map[string]ma.Multiaddr
	discovered  map[string]ma.Multiaddr
	dialing     map[string]ma.Multiaddr
	dialWaiters []chan bool
}

func newPeerRecord() *peerRecord {
	return &peerRecord{
		connected:  make(map[string]ma.Multiaddr),
		discovered: make(map[string]ma.Multiaddr),
		dialing:    make(map[string]ma.Multiaddr),
	}
}

func (r *peerRecord) empty() bool {
	return len(r.connected) == 0 && len(r.dialing) == 0 && len(r.dialWaiters) == 0
}

func (r *peerRecord) addresses() []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(r.connected)+len(r.discovered)+len(r.dialing))
	for _, a := range r.connected {
		out = append(out, a)
	}
	for _, a := range r.discovered {
		out = append(out, a)
	}
	for _, a := range r.dialing {
		out = append(out, a)
	}
	return out
}

// Pool is the connection pool network behaviour.
type Pool struct {
	self      peerid.ID
	transport Transport
	logger    logging.Logger

	mu    sync.Mutex
	peers map[string]*peerRecord

	addrMu      sync.Mutex
	addrWaiters map[string][]dialWaiter

	subsMu sync.Mutex
	subs   []chan LifecycleEvent

	queueMu sync.Mutex
	queue   []particle.Particle
	notify  chan struct{}
	outbound chan particle.Particle
	closed   bool

	queueLen int // metric: last observed queue length
}

// New constructs a Pool. outboundCapacity bounds the channel exposed
// via Outbound().
func New(self peerid.ID, transport Transport, logger logging.Logger, outboundCapacity int) *Pool {
	if outboundCapacity <= 0 {
		outboundCapacity = 256
	}
	p := &Pool{
		self:        self,
		transport:   transport,
		logger:      logger,
		peers:       make(map[string]*peerRecord),
		addrWaiters: make(map[string][]dialWaiter),
		notify:      make(chan struct{}, 1),
		outbound:    make(chan particle.Particle, outboundCapacity),
	}
	go p.drainLoop()
	return p
}

// Outbound is the bounded stream of particles that Send delivered to
// this node's own peer id. Particles received from remote peers do not
// pass through it.
func (p *Pool) Outbound() <-chan particle.Particle {
	return p.outbound
}

// QueueLength reports the current size of the internal backlog, a
// metric per spec.md §4.1.
func (p *Pool) QueueLength() int {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	return len(p.queue)
}

// Close stops draining the internal queue into Outbound(). Further
// enqueues are logged and dropped.
func (p *Pool) Close() {
	p.queueMu.Lock()
	p.closed = true
	p.queueMu.Unlock()
}

func (p *Pool) drainLoop() {
	for range p.notify {
		for {
			p.queueMu.Lock()
			if p.closed {
				p.logger.Warning("pool: outbound stream closed, dropping remaining queue")
				p.queueMu.Unlock()
				return
			}
			if len(p.queue) == 0 {
				p.queueMu.Unlock()
				break
			}
			next := p.queue[0]
			p.queueMu.Unlock()

			select {
			case p.outbound <- next:
				p.queueMu.Lock()
				p.queue = p.queue[1:]
				p.queueMu.Unlock()
			default:
				// channel not ready; stop draining until next notify
				goto doneRound
			}
		}
	doneRound:
	}
}

func (p *Pool) enqueue(part particle.Particle) {
	p.queueMu.Lock()
	if p.closed {
		p.queueMu.Unlock()
		p.logger.Warning("pool: dropping particle, outbound stream closed")
		return
	}
	p.queue = append(p.queue, part)
	p.queueMu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pool) peerKey(id peerid.ID) string { return id.String() }

func (p *Pool) getOrCreatePeer(id peerid.ID) *peerRecord {
	key := p.peerKey(id)
	r, ok := p.peers[key]
	if !ok {
		r = newPeerRecord()
		p.peers[key] = r
	}
	return r
}

func (p *Pool) maybeDestroyPeer(id peerid.ID) {
	key := p.peerKey(id)
	r, ok := p.peers[key]
	if !ok {
		return
	}
	if r.empty() {
		delete(p.peers, key)
	}
}

// IsConnected is an immediate read.
func (p *Pool) IsConnected(id peerid.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.peers[p.peerKey(id)]
	return ok && len(r.connected) > 0
}

// GetContact is an immediate read.
func (p *Pool) GetContact(id peerid.ID) (particle.Contact, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.peers[p.peerKey(id)]
	if !ok || len(r.connected) == 0 {
		return particle.Contact{}, false
	}
	return particle.Contact{PeerID: id, Addresses: r.addresses()}, true
}

// CountConnections is an immediate read.
func (p *Pool) CountConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.peers {
		n += len(r.connected)
	}
	return n
}

// AddressesOfPeer returns the union of connected, discovered and
// dialing addresses for peer. Consulted by the Kademlia wrapper and
// dial machinery (spec.md §4.1).
func (p *Pool) AddressesOfPeer(id peerid.ID) []ma.Multiaddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.peers[p.peerKey(id)]
	if !ok {
		return nil
	}
	return r.addresses()
}

// Dial attempts to reach address without prior PeerId knowledge.
// Concurrent callers for the same address share one reach attempt.
func (p *Pool) Dial(ctx context.Context, addr ma.Multiaddr) (*particle.Contact, error) {
	key := addr.String()

	p.addrMu.Lock()
	waiters, inFlight := p.addrWaiters[key]
	ch := make(dialWaiter, 1)
	waiters = append(waiters, ch)
	p.addrWaiters[key] = waiters
	if !inFlight {
		p.transport.Dial(ctx, addr)
	}
	p.addrMu.Unlock()

	select {
	case c := <-ch:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connect ensures at least one live connection to contact.PeerID
// across contact.Addresses.
func (p *Pool) Connect(ctx context.Context, contact particle.Contact) bool {
	p.mu.Lock()
	r := p.getOrCreatePeer(contact.PeerID)

	allConnected := true
	var toDial []ma.Multiaddr
	for _, addr := range contact.Addresses {
		key := addr.String()
		if _, ok := r.connected[key]; ok {
			continue
		}
		allConnected = false
		if _, dialing := r.dialing[key]; !dialing {
			r.dialing[key] = addr
			toDial = append(toDial, addr)
		}
	}
	if allConnected {
		p.mu.Unlock()
		return true
	}

	waiter := make(chan bool, 1)
	r.dialWaiters = append(r.dialWaiters, waiter)
	p.mu.Unlock()

	for _, addr := range toDial {
		p.transport.Dial(ctx, addr)
	}

	select {
	case ok := <-waiter:
		return ok
	case <-ctx.Done():
		return false
	}
}

// Disconnect closes all connections for peer. Fire-and-forget: it
// does not wait for the close to complete (spec.md §9 Open
// Questions; preserved intentionally, not silently fixed).
func (p *Pool) Disconnect(id peerid.ID) bool {
	p.transport.CloseConnections(id)
	return true
}

// Send delivers one particle to a peer.
func (p *Pool) Send(ctx context.Context, contact particle.Contact, part particle.Particle) error {
	if contact.PeerID.Equal(p.self) {
		p.enqueue(part)
		return nil
	}
	if !p.IsConnected(contact.PeerID) {
		return ErrNotConnected
	}
	return p.transport.SendParticle(ctx, contact.PeerID, part)
}

// SubscribeLifecycle registers a new lifecycle event subscriber.
// Disconnected subscribers are silently dropped from the subscriber
// list on next publish.
func (p *Pool) SubscribeLifecycle() <-chan LifecycleEvent {
	ch := make(chan LifecycleEvent, 16)
	p.subsMu.Lock()
	p.subs = append(p.subs, ch)
	p.subsMu.Unlock()
	return ch
}

func (p *Pool) publish(ev LifecycleEvent) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	live := p.subs[:0]
	for _, ch := range p.subs {
		select {
		case ch <- ev:
			live = append(live, ch)
		default:
			// subscriber not keeping up or gone; try once more
			// non-blocking, then drop it per spec.md §4.1.
			select {
			case ch <- ev:
				live = append(live, ch)
			default:
				close(ch)
			}
		}
	}
	p.subs = live
}

// cleanup removes addr from all three sets of peer's record and
// notifies any dial-waiters keyed by addr with nil (None).
func (p *Pool) cleanup(r *peerRecord, addr ma.Multiaddr) {
	key := addr.String()
	delete(r.connected, key)
	delete(r.discovered, key)
	delete(r.dialing, key)

	p.addrMu.Lock()
	waiters := p.addrWaiters[key]
	delete(p.addrWaiters, key)
	p.addrMu.Unlock()
	for _, w := range waiters {
		w <- nil
	}
}

// HandleConnectionEstablished processes a ConnectionEstablished swarm
// event (spec.md §4.1 event table).
func (p *Pool) HandleConnectionEstablished(id peerid.ID, addr ma.Multiaddr, failedAddresses []ma.Multiaddr) {
	p.mu.Lock()
	r := p.getOrCreatePeer(id)
	for _, fa := range failedAddresses {
		p.cleanup(r, fa)
	}

	key := addr.String()
	delete(r.dialing, key)
	delete(r.discovered, key)
	r.connected[key] = addr

	waiters := r.dialWaiters
	r.dialWaiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w <- true
	}

	p.addrMu.Lock()
	addrWaiters := p.addrWaiters[key]
	delete(p.addrWaiters, key)
	p.addrMu.Unlock()
	contact := particle.Contact{PeerID: id, Addresses: []ma.Multiaddr{addr}}
	for _, w := range addrWaiters {
		c := contact
		w <- &c
	}

	p.publish(LifecycleEvent{Connected: true, Contact: contact})
}

// HandleConnectionClosed processes a ConnectionClosed swarm event.
func (p *Pool) HandleConnectionClosed(id peerid.ID, addr ma.Multiaddr, remaining int) {
	p.mu.Lock()
	r, ok := p.peers[p.peerKey(id)]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.cleanup(r, addr)

	if remaining > 0 {
		p.mu.Unlock()
		return
	}

	waiters := r.dialWaiters
	addrs := r.addresses()
	p.maybeDestroyPeer(id)
	p.mu.Unlock()

	for _, w := range waiters {
		w <- false
	}
	p.publish(LifecycleEvent{Connected: false, Contact: particle.Contact{PeerID: id, Addresses: addrs}})
}

// HandleDialFailure processes a DialFailure swarm event.
func (p *Pool) HandleDialFailure(id peerid.ID, kind DialFailureKind, addrs []ma.Multiaddr) {
	if kind == DialFailureAlreadyConnected {
		return
	}

	p.mu.Lock()
	r, ok := p.peers[p.peerKey(id)]
	if !ok {
		p.mu.Unlock()
		return
	}
	for _, addr := range addrs {
		p.cleanup(r, addr)
	}

	// Other addresses for this contact may still be connected or
	// mid-dial; only a dial failure that leaves none remaining counts
	// as a final failure (spec.md §4.1 "If no addresses remain, remove
	// peer and notify waiters false").
	if len(r.connected) > 0 || len(r.dialing) > 0 {
		p.mu.Unlock()
		return
	}

	waiters := r.dialWaiters
	r.dialWaiters = nil
	p.maybeDestroyPeer(id)
	p.mu.Unlock()

	for _, w := range waiters {
		w <- false
	}
}
