// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connector

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// selector is a Solidity function selector: the first four bytes of
// keccak256(signature), the same derivation go-ethereum's abigen uses
// for generated contract bindings.
func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

func mustABIType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic("connector: invalid abi type " + t + ": " + err.Error())
	}
	return typ
}

// encodeCall builds the calldata for a Solidity function call: the
// four-byte selector followed by the ABI-packed arguments, mirroring
// original_source's per-function Function::data() helpers (ethabi's
// function encoders) without generating full contract bindings for a
// handful of read/write calls.
func encodeCall(signature string, argTypes []string, args ...interface{}) ([]byte, error) {
	data := selector(signature)
	if len(argTypes) == 0 {
		return data, nil
	}
	arguments := make(abi.Arguments, len(argTypes))
	for i, t := range argTypes {
		arguments[i] = abi.Argument{Type: mustABIType(t)}
	}
	packed, err := arguments.Pack(args...)
	if err != nil {
		return nil, err
	}
	return append(data, packed...), nil
}

// peerIDDigest derives a stable bytes32 on-chain identifier for a
// PeerId, the argument type getComputePeer/getComputeUnits expect.
func peerIDDigest(b []byte) [32]byte {
	return [32]byte(crypto.Keccak256Hash(b))
}

func getComputePeerCall(hostID [32]byte) ([]byte, error) {
	return encodeCall("getComputePeer(bytes32)", []string{"bytes32"}, hostID)
}

func getStatusCall(id CommitmentID) ([]byte, error) {
	return encodeCall("getStatus(bytes32)", []string{"bytes32"}, [32]byte(id))
}

func getCommitmentCall(id CommitmentID) ([]byte, error) {
	return encodeCall("getCommitment(bytes32)", []string{"bytes32"}, [32]byte(id))
}

func getGlobalNonceCall() ([]byte, error) {
	return encodeCall("getGlobalNonce()", nil)
}

func submitProofCall(p Proof) ([]byte, error) {
	return encodeCall("submitProof(bytes32,bytes32,bytes32)",
		[]string{"bytes32", "bytes32", "bytes32"}, p.UnitID, p.LocalUnitNonce, p.TargetHash)
}

func getComputeUnitsCall(hostID [32]byte) ([]byte, error) {
	return encodeCall("getComputeUnits(bytes32)", []string{"bytes32"}, hostID)
}

func difficultyCall() ([]byte, error) {
	return encodeCall("difficulty()", nil)
}

func initTimestampCall() ([]byte, error) {
	return encodeCall("initTimestamp()", nil)
}

func currentEpochCall() ([]byte, error) {
	return encodeCall("currentEpoch()", nil)
}

func epochDurationCall() ([]byte, error) {
	return encodeCall("epochDuration()", nil)
}
