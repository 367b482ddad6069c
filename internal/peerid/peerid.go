// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package peerid defines the stable cryptographic node identifier
// used across the core (spec.md §3 "PeerId"), backed by libp2p's
// public-key-derived peer.ID.
package peerid

import (
	"encoding/json"
	"errors"

	libp2ppeer "github.com/libp2p/go-libp2p-core/peer"
)

// ErrInvalid is returned when a textual or binary peer id cannot be
// parsed.
var ErrInvalid = errors.New("invalid peer id")

// ID is a fixed-size, public-key-derived node identifier with a
// canonical textual form (base58-encoded multihash, inherited from
// libp2p peer.ID).
type ID struct {
	inner libp2ppeer.ID
}

// Undefined is the zero value of ID.
var Undefined ID

// FromLibp2p wraps a libp2p peer.ID.
func FromLibp2p(p libp2ppeer.ID) ID {
	return ID{inner: p}
}

// Libp2p unwraps the underlying libp2p peer.ID.
func (id ID) Libp2p() libp2ppeer.ID {
	return id.inner
}

// Parse decodes the canonical textual form of a peer id.
func Parse(s string) (ID, error) {
	p, err := libp2ppeer.Decode(s)
	if err != nil {
		return ID{}, ErrInvalid
	}
	return ID{inner: p}, nil
}

// Bytes returns the raw byte representation, suitable for hashing or
// wire encoding.
func (id ID) Bytes() []byte {
	return []byte(id.inner)
}

// String returns the canonical textual form.
func (id ID) String() string {
	return id.inner.String()
}

// IsZero reports whether this is the undefined peer id.
func (id ID) IsZero() bool {
	return id.inner == ""
}

// Equal reports whether two peer ids identify the same node.
func (id ID) Equal(other ID) bool {
	return id.inner == other.inner
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*id = ID{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
