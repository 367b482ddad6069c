// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package particle defines the wire-level data model shared by every
// core subsystem: signed particles and addressable contacts
// (spec.md §3).
package particle

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	libp2ppeer "github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/fluencelabs/gonox/internal/peerid"
)

// NewID mints a fresh particle id, matching the client-side UUID
// convention particles arrive with over the wire (spec.md §3 "id").
func NewID() string {
	return uuid.NewString()
}

var (
	// ErrExpired is returned when a particle's timestamp+ttl has
	// already elapsed at ingress.
	ErrExpired = errors.New("particle expired")
	// ErrSignatureInvalid is returned when the signature does not
	// verify against init_peer_id.
	ErrSignatureInvalid = errors.New("particle signature invalid")
	// ErrNoAddresses is returned when a Contact crosses an external
	// boundary with an empty address set.
	ErrNoAddresses = errors.New("contact has no addresses")
)

// Particle is a signed, time-bounded unit of scripted work routed
// across the overlay (spec.md §3).
type Particle struct {
	ID          string
	InitPeerID  peerid.ID
	TimestampMs uint64
	TTLMs       uint32
	Script      []byte
	Signature   []byte
	Data        []byte
}

// signedFields returns the byte sequence the signature covers:
// {id, timestamp, ttl, script}, as specified in spec.md §3.
func (p Particle) signedFields() []byte {
	buf := make([]byte, 0, len(p.ID)+8+4+len(p.Script))
	buf = append(buf, p.ID...)
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], p.TimestampMs)
	buf = append(buf, tsb[:]...)
	var ttlb [4]byte
	binary.BigEndian.PutUint32(ttlb[:], p.TTLMs)
	buf = append(buf, ttlb[:]...)
	buf = append(buf, p.Script...)
	return buf
}

// Sign computes p.Signature over {id, timestamp, ttl, script} using
// priv, and sets p.InitPeerID to the corresponding peer id.
func Sign(p Particle, priv libp2pcrypto.PrivKey) (Particle, error) {
	sig, err := priv.Sign(p.signedFields())
	if err != nil {
		return Particle{}, err
	}
	pub := priv.GetPublic()
	lid, err := libp2ppeer.IDFromPublicKey(pub)
	if err != nil {
		return Particle{}, err
	}
	p.Signature = sig
	p.InitPeerID = peerid.FromLibp2p(lid)
	return p, nil
}

// expired reports whether timestamp+ttl has already elapsed relative
// to now, per the ingress invariant in spec.md §3.
func (p Particle) expired(now time.Time) bool {
	deadline := int64(p.TimestampMs) + int64(p.TTLMs)
	return deadline < now.UnixMilli()
}

// Validate enforces both ingress invariants from spec.md §3: ttl
// expiry and signature verification against InitPeerID. It never
// returns a value other than ErrExpired/ErrSignatureInvalid/nil so
// callers can drop silently per the error taxonomy (spec.md §7).
func Validate(p Particle, now time.Time) error {
	if p.expired(now) {
		return ErrExpired
	}
	pub, err := p.InitPeerID.Libp2p().ExtractPublicKey()
	if err != nil {
		// peer ids derived from an RSA key (or one requiring an
		// explicit key lookup) cannot be validated offline; the
		// caller is expected to resolve the key out-of-band in that
		// case. Absent that, treat as invalid.
		return ErrSignatureInvalid
	}
	ok, err := pub.Verify(p.signedFields(), p.Signature)
	if err != nil || !ok {
		return ErrSignatureInvalid
	}
	return nil
}

// WithData returns a copy of p with Data replaced, used when an actor
// forwards a particle carrying the runtime's output.
func (p Particle) WithData(data []byte) Particle {
	p.Data = data
	return p
}

// Contact is the addressable identity of a peer: its id plus known
// multiaddrs (spec.md §3).
type Contact struct {
	PeerID    peerid.ID
	Addresses []ma.Multiaddr
}

// NewContact builds a Contact and enforces the non-empty-addresses
// invariant for values that are about to cross a component boundary.
func NewContact(id peerid.ID, addrs []ma.Multiaddr) (Contact, error) {
	if len(addrs) == 0 {
		return Contact{}, ErrNoAddresses
	}
	return Contact{PeerID: id, Addresses: addrs}, nil
}

// HasAddress reports whether addr is among c.Addresses.
func (c Contact) HasAddress(addr ma.Multiaddr) bool {
	for _, a := range c.Addresses {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}
