// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package protocol defines the wire encoding exchanged over the
// particle stream protocol (spec.md §6): a JSON-encoded tagged union
// carrying either a particle, an upgrade acknowledgement, or a
// decode-failure notice.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ID is the libp2p protocol id the connection pool's stream handler is
// registered under.
const ID = "/fluence/particle/2.0.0"

// Action tags the payload carried by an Envelope.
type Action string

const (
	ActionParticle            Action = "Particle"
	ActionUpgrade             Action = "Upgrade"
	ActionInboundUpgradeError Action = "InboundUpgradeError"
)

// ErrUnknownAction is returned when decoding an envelope whose action
// tag is not one of the known Action values.
var ErrUnknownAction = errors.New("protocol: unknown action")

// Envelope is the tagged union written to/read from a particle stream.
// Only the field matching Action is populated.
type Envelope struct {
	Action    Action          `json:"action"`
	Particle  json.RawMessage `json:"particle,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// WireParticle is the JSON shape of a particle on the wire, matching
// spec.md §3's field names.
type WireParticle struct {
	ID          string `json:"id"`
	InitPeerID  string `json:"init_peer_id"`
	TimestampMs uint64 `json:"timestamp"`
	TTLMs       uint32 `json:"ttl"`
	Script      string `json:"script"`
	Signature   []byte `json:"signature"`
	Data        []byte `json:"data"`
}

// EncodeParticle builds the envelope bytes for a particle send.
func EncodeParticle(w WireParticle) ([]byte, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal particle: %w", err)
	}
	env := Envelope{Action: ActionParticle, Particle: raw}
	return json.Marshal(env)
}

// EncodeUpgrade builds the envelope bytes for a handshake
// acknowledgement. Nothing in this module sends one; the libp2p
// stream handler accepts an Upgrade envelope and ignores it.
func EncodeUpgrade() ([]byte, error) {
	return json.Marshal(Envelope{Action: ActionUpgrade})
}

// EncodeInboundUpgradeError builds the envelope bytes sent back to a
// peer whose message this node failed to decode, before the stream is
// closed (spec.md §6, §7).
func EncodeInboundUpgradeError(cause error) ([]byte, error) {
	return json.Marshal(Envelope{Action: ActionInboundUpgradeError, Error: cause.Error()})
}

// Decode parses one envelope from raw bytes.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	switch env.Action {
	case ActionParticle, ActionUpgrade, ActionInboundUpgradeError:
		return env, nil
	default:
		return Envelope{}, ErrUnknownAction
	}
}

// DecodeParticle extracts the WireParticle payload from a Particle
// envelope.
func (e Envelope) DecodeParticle() (WireParticle, error) {
	var w WireParticle
	if e.Action != ActionParticle {
		return w, fmt.Errorf("protocol: envelope action %q is not Particle", e.Action)
	}
	if err := json.Unmarshal(e.Particle, &w); err != nil {
		return w, fmt.Errorf("protocol: decode particle payload: %w", err)
	}
	return w, nil
}
