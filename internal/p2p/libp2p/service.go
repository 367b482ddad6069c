// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package libp2p implements pool.Transport on top of a real libp2p
// host: it owns the host, registers the particle stream protocol
// handler, and turns libp2p's own network.Notifiee callbacks into
// calls on the pool's Handle* methods (spec.md §4.1, §6). It is the
// one package in this module that is grounded on the teacher's
// pkg/p2p/libp2p shape (connections_test.go, export_test.go) rather
// than on original_source, since the Rust original speaks its own
// wire protocol directly and leaves host/stream management to a
// different crate boundary than this rewrite draws.
package libp2p

import (
	"bufio"
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	libp2ppeer "github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/fluencelabs/gonox/internal/logging"
	"github.com/fluencelabs/gonox/internal/particle"
	"github.com/fluencelabs/gonox/internal/peerid"
	"github.com/fluencelabs/gonox/internal/pool"
	"github.com/fluencelabs/gonox/internal/protocol"
)

// EventSink receives the connection lifecycle events this service
// observes on the host. *pool.Pool satisfies it.
type EventSink interface {
	HandleConnectionEstablished(id peerid.ID, addr ma.Multiaddr, failedAddresses []ma.Multiaddr)
	HandleConnectionClosed(id peerid.ID, addr ma.Multiaddr, remaining int)
	HandleDialFailure(id peerid.ID, kind pool.DialFailureKind, addrs []ma.Multiaddr)
}

// Receiver hands a freshly decoded inbound particle to the rest of the
// node (particles from remote peers bypass the pool's self-delivery
// path, so this plugs straight into whatever consumes inbound
// traffic — see particleReceiver in cmd/gonox/cmd/start.go).
type Receiver interface {
	ReceiveParticle(from peerid.ID, p particle.Particle)
}

// Service is the libp2p-backed Transport implementation.
type Service struct {
	host     host.Host
	sink     EventSink
	receiver Receiver
	logger   logging.Logger
	metrics  metrics

	mu        sync.Mutex
	remaining map[string]int // peer id string -> open connection count
}

// New constructs a Service bound to an already-constructed libp2p
// host. sink and receiver are wired after pool construction, via
// SetSink/SetReceiver, to break the construction cycle between the
// pool and its transport (the teacher's Service/kademlia.New wiring
// in pkg/node follows the same two-phase pattern).
func New(h host.Host, logger logging.Logger) *Service {
	s := &Service{
		host:      h,
		logger:    logger,
		metrics:   newMetrics(),
		remaining: make(map[string]int),
	}
	h.SetStreamHandler(protocol.ID, s.handleStream)
	h.Network().Notify(&notifiee{s: s})
	return s
}

// SetSink wires the pool that receives lifecycle callbacks. Must be
// called before the host starts accepting connections.
func (s *Service) SetSink(sink EventSink) { s.sink = sink }

// SetReceiver wires the consumer of decoded inbound particles.
func (s *Service) SetReceiver(r Receiver) { s.receiver = r }

// Dial implements pool.Transport. It resolves addr to a peer id via
// the host's peerstore/addrinfo machinery and attempts a connection;
// the outcome is reported asynchronously through the Notifiee.
func (s *Service) Dial(ctx context.Context, addr ma.Multiaddr) {
	s.metrics.DialAttempts.Inc()
	info, err := libp2ppeer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		s.logger.Warningf("libp2p: cannot derive peer info from %s: %v", addr, err)
		s.metrics.DialFailures.Inc()
		return
	}
	go func() {
		if err := s.host.Connect(ctx, *info); err != nil {
			s.logger.Debugf("libp2p: dial %s failed: %v", addr, err)
			s.metrics.DialFailures.Inc()
			if s.sink != nil {
				s.sink.HandleDialFailure(peerid.FromLibp2p(info.ID), pool.DialFailureTransport, info.Addrs)
			}
		}
	}()
}

// SendParticle implements pool.Transport by opening a new stream to
// peer, writing one newline-terminated JSON envelope and closing the
// stream.
func (s *Service) SendParticle(ctx context.Context, peer peerid.ID, p particle.Particle) error {
	stream, err := s.host.NewStream(ctx, peer.Libp2p(), protocol.ID)
	if err != nil {
		return &pool.ProtocolError{Message: fmt.Sprintf("open stream to %s: %v", peer, err)}
	}
	defer stream.Close()

	wire := toWireParticle(p)
	raw, err := protocol.EncodeParticle(wire)
	if err != nil {
		return &pool.ProtocolError{Message: err.Error()}
	}
	if _, err := stream.Write(append(raw, '\n')); err != nil {
		return &pool.ProtocolError{Message: fmt.Sprintf("write to %s: %v", peer, err)}
	}
	return nil
}

// CloseConnections implements pool.Transport; fire-and-forget per the
// pool's documented contract.
func (s *Service) CloseConnections(peer peerid.ID) {
	go func() {
		if err := s.host.Network().ClosePeer(peer.Libp2p()); err != nil {
			s.logger.Debugf("libp2p: close connections to %s: %v", peer, err)
		}
	}()
}

func (s *Service) handleStream(stream network.Stream) {
	defer stream.Close()
	reader := bufio.NewReader(stream)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		s.logger.Debugf("libp2p: read stream from %s: %v", stream.Conn().RemotePeer(), err)
		return
	}
	env, err := protocol.Decode(line)
	if err != nil {
		s.metrics.StreamUpgradeFails.Inc()
		if raw, encErr := protocol.EncodeInboundUpgradeError(err); encErr == nil {
			stream.Write(append(raw, '\n'))
		}
		return
	}
	switch env.Action {
	case protocol.ActionParticle:
		wire, err := env.DecodeParticle()
		if err != nil {
			s.metrics.StreamUpgradeFails.Inc()
			if raw, encErr := protocol.EncodeInboundUpgradeError(err); encErr == nil {
				stream.Write(append(raw, '\n'))
			}
			return
		}
		if s.receiver != nil {
			from := peerid.FromLibp2p(stream.Conn().RemotePeer())
			s.receiver.ReceiveParticle(from, fromWireParticle(wire))
		}
	case protocol.ActionUpgrade:
		// handshake acknowledgement only; nothing to do.
	}
}

func toWireParticle(p particle.Particle) protocol.WireParticle {
	return protocol.WireParticle{
		ID:          p.ID,
		InitPeerID:  p.InitPeerID.String(),
		TimestampMs: p.TimestampMs,
		TTLMs:       p.TTLMs,
		Script:      string(p.Script),
		Signature:   p.Signature,
		Data:        p.Data,
	}
}

func fromWireParticle(w protocol.WireParticle) particle.Particle {
	id, _ := peerid.Parse(w.InitPeerID)
	return particle.Particle{
		ID:          w.ID,
		InitPeerID:  id,
		TimestampMs: w.TimestampMs,
		TTLMs:       w.TTLMs,
		Script:      []byte(w.Script),
		Signature:   w.Signature,
		Data:        w.Data,
	}
}

// notifiee adapts libp2p's network.Notifiee callbacks to the pool's
// event-handling contract (spec.md §4.1 event table).
type notifiee struct {
	s *Service
}

func (n *notifiee) Listen(network.Network, ma.Multiaddr)      {}
func (n *notifiee) ListenClose(network.Network, ma.Multiaddr) {}

func (n *notifiee) Connected(net network.Network, c network.Conn) {
	n.s.metrics.ConnectionsOpened.Inc()
	id := peerid.FromLibp2p(c.RemotePeer())

	n.s.mu.Lock()
	n.s.remaining[id.String()]++
	n.s.mu.Unlock()

	if n.s.sink != nil {
		n.s.sink.HandleConnectionEstablished(id, c.RemoteMultiaddr(), nil)
	}
}

func (n *notifiee) Disconnected(net network.Network, c network.Conn) {
	n.s.metrics.ConnectionsClosed.Inc()
	id := peerid.FromLibp2p(c.RemotePeer())

	n.s.mu.Lock()
	n.s.remaining[id.String()]--
	remaining := n.s.remaining[id.String()]
	if remaining <= 0 {
		delete(n.s.remaining, id.String())
		remaining = 0
	}
	n.s.mu.Unlock()

	if n.s.sink != nil {
		n.s.sink.HandleConnectionClosed(id, c.RemoteMultiaddr(), remaining)
	}
}
