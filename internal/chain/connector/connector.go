// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package connector implements the chain connector (spec.md §4.5):
// nonce-serialised legacy transaction submission, the batched
// capacity-commitment init read, and the individual commitment/
// compute-unit accessors.
//
// Grounded line-for-line on
// original_source/crates/chain-connector/src/connector.rs (the
// gas_price/nonce/estimate_gas/sign/send_raw_transaction sequence
// under one mutex, the GAS_MULTIPLIER constant, the five-call batched
// get_cc_init_params read), re-expressed with go-ethereum's rpc/
// core/types/crypto packages the way the teacher's
// pkg/settlement/swap/chequebook package uses go-ethereum for
// transaction construction. Call data for every read/write accessor
// is built with go-ethereum's accounts/abi selector+argument packing
// in place of original_source's ethabi Function::data helpers.
package connector

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/fluencelabs/gonox/internal/logging"
	"github.com/fluencelabs/gonox/internal/peerid"
)

// gasMultiplier preserves original_source's GAS_MULTIPLIER = 0.0
// verbatim: gas price read from eth_gasPrice is never inflated. Kept
// as a named constant (not silently "fixed" to something nonzero)
// since spec.md §9 lists this as an open question resolved in favour
// of matching the original exactly.
const gasMultiplier = 0.0

// Config holds the per-network addresses and credentials the
// connector needs (spec.md §6 "Environment inputs").
type Config struct {
	HTTPEndpoint           string
	CapacityCommitmentAddr common.Address
	CoreContractAddr       common.Address
	MarketContractAddr     common.Address
	ChainID                int64
	WalletKey              *ecdsa.PrivateKey
	HostID                 peerid.ID
}

// Connector is the chain connector (spec.md §4.5).
type Connector struct {
	client  *rpc.Client
	cfg     Config
	logger  logging.Logger
	metrics metrics

	nonceMu sync.Mutex
}

// New constructs a Connector dialing cfg.HTTPEndpoint over JSON-RPC.
func New(ctx context.Context, cfg Config, logger logging.Logger) (*Connector, error) {
	client, err := rpc.DialContext(ctx, cfg.HTTPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("connector: dial %s: %w", cfg.HTTPEndpoint, err)
	}
	return &Connector{client: client, cfg: cfg, logger: logger, metrics: newMetrics()}, nil
}

// Close releases the underlying RPC client.
func (c *Connector) Close() { c.client.Close() }

func (c *Connector) walletAddress() common.Address {
	return crypto.PubkeyToAddress(c.cfg.WalletKey.PublicKey)
}

func (c *Connector) gasPrice(ctx context.Context) (*big.Int, error) {
	var resp string
	if err := c.client.CallContext(ctx, &resp, "eth_gasPrice"); err != nil {
		return nil, fmt.Errorf("connector: eth_gasPrice: %w", err)
	}
	price, ok := new(big.Int).SetString(trimHexPrefix(resp), 16)
	if !ok {
		return nil, fmt.Errorf("connector: malformed gas price %q", resp)
	}
	increase := new(big.Float).Mul(new(big.Float).SetInt(price), big.NewFloat(gasMultiplier))
	inc, _ := increase.Int(nil)
	return price.Add(price, inc), nil
}

func (c *Connector) nonce(ctx context.Context) (uint64, error) {
	var resp string
	addr := c.walletAddress().Hex()
	if err := c.client.CallContext(ctx, &resp, "eth_getTransactionCount", addr, "pending"); err != nil {
		return 0, fmt.Errorf("connector: eth_getTransactionCount: %w", err)
	}
	n, ok := new(big.Int).SetString(trimHexPrefix(resp), 16)
	if !ok {
		return 0, fmt.Errorf("connector: malformed nonce %q", resp)
	}
	return n.Uint64(), nil
}

func (c *Connector) estimateGas(ctx context.Context, data []byte, to common.Address) (uint64, error) {
	var resp string
	call := map[string]interface{}{
		"from": c.walletAddress().Hex(),
		"to":   to.Hex(),
		"data": "0x" + hex.EncodeToString(data),
	}
	if err := c.client.CallContext(ctx, &resp, "eth_estimateGas", call); err != nil {
		return 0, fmt.Errorf("connector: eth_estimateGas: %w", err)
	}
	limit, ok := new(big.Int).SetString(trimHexPrefix(resp), 16)
	if !ok {
		return 0, fmt.Errorf("connector: malformed gas limit %q", resp)
	}
	return limit.Uint64(), nil
}

// SendTx serialises access to the nonce across one mutex and submits
// a signed legacy transaction (spec.md §4.5 "Transaction submission").
func (c *Connector) SendTx(ctx context.Context, data []byte, to common.Address) (common.Hash, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	gasPrice, err := c.gasPrice(ctx)
	if err != nil {
		c.metrics.TxFailed.Inc()
		return common.Hash{}, err
	}
	nonce, err := c.nonce(ctx)
	if err != nil {
		c.metrics.TxFailed.Inc()
		return common.Hash{}, err
	}
	gasLimit, err := c.estimateGas(ctx, data, to)
	if err != nil {
		c.metrics.TxFailed.Inc()
		return common.Hash{}, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})

	signer := types.NewEIP155Signer(big.NewInt(c.cfg.ChainID))
	signed, err := types.SignTx(tx, signer, c.cfg.WalletKey)
	if err != nil {
		c.metrics.TxFailed.Inc()
		return common.Hash{}, fmt.Errorf("connector: sign tx: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		c.metrics.TxFailed.Inc()
		return common.Hash{}, fmt.Errorf("connector: encode tx: %w", err)
	}

	var txHash string
	if err := c.client.CallContext(ctx, &txHash, "eth_sendRawTransaction", "0x"+hex.EncodeToString(raw)); err != nil {
		c.metrics.TxFailed.Inc()
		return common.Hash{}, fmt.Errorf("connector: eth_sendRawTransaction: %w", err)
	}
	c.metrics.TxSubmitted.Inc()
	return common.HexToHash(txHash), nil
}

// SendTxBuiltin is the connector.send_tx builtin exposed to the
// scripting layer, restricted to the node's own host id (spec.md §6
// "Builtin services"; original_source's send_tx_builtin root-worker
// check).
func (c *Connector) SendTxBuiltin(ctx context.Context, initPeerID peerid.ID, dataHex, toHex string) (common.Hash, error) {
	if !initPeerID.Equal(c.cfg.HostID) {
		return common.Hash{}, fmt.Errorf("connector: only the root worker can send transactions")
	}
	data, err := decodeHex(dataHex)
	if err != nil {
		return common.Hash{}, fmt.Errorf("connector: decode data: %w", err)
	}
	return c.SendTx(ctx, data, common.HexToAddress(toHex))
}

func (c *Connector) ethCall(ctx context.Context, data []byte, to common.Address) (string, error) {
	c.metrics.EthCalls.Inc()
	var resp string
	call := map[string]interface{}{
		"data": "0x" + hex.EncodeToString(data),
		"to":   to.Hex(),
	}
	if err := c.client.CallContext(ctx, &resp, "eth_call", call); err != nil {
		return "", fmt.Errorf("connector: eth_call: %w", err)
	}
	return resp, nil
}

// CCInitParams is the result of the batched capacity-commitment init
// read (spec.md §4.5 "Batched reads").
type CCInitParams struct {
	Difficulty    []byte
	InitTimestamp *big.Int
	GlobalNonce   []byte
	CurrentEpoch  *big.Int
	EpochDuration *big.Int
}

// GetCCInitParams issues a batch of five eth_call requests and fails
// if any item errors (spec.md §4.5 "Batched reads").
func (c *Connector) GetCCInitParams(ctx context.Context) (CCInitParams, error) {
	difficultyData, err := difficultyCall()
	if err != nil {
		return CCInitParams{}, err
	}
	initTimestampData, err := initTimestampCall()
	if err != nil {
		return CCInitParams{}, err
	}
	globalNonceData, err := getGlobalNonceCall()
	if err != nil {
		return CCInitParams{}, err
	}
	currentEpochData, err := currentEpochCall()
	if err != nil {
		return CCInitParams{}, err
	}
	epochDurationData, err := epochDurationCall()
	if err != nil {
		return CCInitParams{}, err
	}

	c.metrics.BatchCalls.Inc()
	mk := func(data []byte, to common.Address) rpc.BatchElem {
		var result string
		return rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{map[string]interface{}{
				"data": "0x" + hex.EncodeToString(data),
				"to":   to.Hex(),
			}},
			Result: &result,
		}
	}

	batch := []rpc.BatchElem{
		mk(difficultyData, c.cfg.CapacityCommitmentAddr),
		mk(initTimestampData, c.cfg.CoreContractAddr),
		mk(globalNonceData, c.cfg.CapacityCommitmentAddr),
		mk(currentEpochData, c.cfg.CoreContractAddr),
		mk(epochDurationData, c.cfg.CoreContractAddr),
	}

	if err := c.client.BatchCallContext(ctx, batch); err != nil {
		return CCInitParams{}, fmt.Errorf("connector: batch eth_call: %w", err)
	}
	for i, elem := range batch {
		if elem.Error != nil {
			return CCInitParams{}, fmt.Errorf("connector: batch item %d failed: %w", i, elem.Error)
		}
	}

	difficulty, err := decodeHex(*(batch[0].Result.(*string)))
	if err != nil {
		return CCInitParams{}, fmt.Errorf("connector: decode difficulty: %w", err)
	}
	initTimestamp, err := decodeHexUint(*(batch[1].Result.(*string)))
	if err != nil {
		return CCInitParams{}, fmt.Errorf("connector: decode init_timestamp: %w", err)
	}
	globalNonce, err := decodeHex(*(batch[2].Result.(*string)))
	if err != nil {
		return CCInitParams{}, fmt.Errorf("connector: decode global_nonce: %w", err)
	}
	currentEpoch, err := decodeHexUint(*(batch[3].Result.(*string)))
	if err != nil {
		return CCInitParams{}, fmt.Errorf("connector: decode current_epoch: %w", err)
	}
	epochDuration, err := decodeHexUint(*(batch[4].Result.(*string)))
	if err != nil {
		return CCInitParams{}, fmt.Errorf("connector: decode epoch_duration: %w", err)
	}

	return CCInitParams{
		Difficulty:    difficulty,
		InitTimestamp: initTimestamp,
		GlobalNonce:   globalNonce,
		CurrentEpoch:  currentEpoch,
		EpochDuration: epochDuration,
	}, nil
}

// CommitmentID identifies a capacity commitment.
type CommitmentID [32]byte

// CommitmentStatus mirrors the on-chain capacity-commitment state
// machine (spec.md §4.5).
type CommitmentStatus int

const (
	CommitmentInactive CommitmentStatus = iota
	CommitmentWaitDelegation
	CommitmentActive
	CommitmentFailed
	CommitmentRemoved
)

// Commitment is the decoded on-chain commitment record.
type Commitment struct {
	Status     CommitmentStatus
	StartEpoch *big.Int
	EndEpoch   *big.Int
}

// ComputeUnit is a unit bound to this node's compute peer (spec.md §9
// "Compute-unit matching").
type ComputeUnit struct {
	ID         [32]byte
	StartEpoch *big.Int
	Deal       *common.Address
}

// Proof is submitted via SubmitProof.
type Proof struct {
	UnitID         [32]byte
	LocalUnitNonce [32]byte
	TargetHash     [32]byte
}

// GetCurrentCommitmentID calls getComputePeer on the market contract
// for this node's host id and extracts the bound commitment id, if
// any.
func (c *Connector) GetCurrentCommitmentID(ctx context.Context) (*CommitmentID, error) {
	data, err := getComputePeerCall(peerIDDigest(c.cfg.HostID.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("connector: encode getComputePeer call: %w", err)
	}
	resp, err := c.ethCall(ctx, data, c.cfg.MarketContractAddr)
	if err != nil {
		return nil, err
	}
	raw, err := decodeHex(resp)
	if err != nil || len(raw) < 32 {
		return nil, fmt.Errorf("connector: malformed compute peer response")
	}
	var id CommitmentID
	copy(id[:], raw[:32])
	if id == (CommitmentID{}) {
		return nil, nil
	}
	return &id, nil
}

// GetCommitmentStatus decodes the on-chain status for a commitment.
func (c *Connector) GetCommitmentStatus(ctx context.Context, commitmentID CommitmentID) (CommitmentStatus, error) {
	data, err := getStatusCall(commitmentID)
	if err != nil {
		return 0, fmt.Errorf("connector: encode getStatus call: %w", err)
	}
	resp, err := c.ethCall(ctx, data, c.cfg.CapacityCommitmentAddr)
	if err != nil {
		return 0, err
	}
	raw, err := decodeHex(resp)
	if err != nil || len(raw) < 32 {
		return 0, fmt.Errorf("connector: malformed commitment status response")
	}
	return CommitmentStatus(new(big.Int).SetBytes(raw[:32]).Int64()), nil
}

// GetCommitment decodes a full commitment record.
func (c *Connector) GetCommitment(ctx context.Context, commitmentID CommitmentID) (Commitment, error) {
	data, err := getCommitmentCall(commitmentID)
	if err != nil {
		return Commitment{}, fmt.Errorf("connector: encode getCommitment call: %w", err)
	}
	resp, err := c.ethCall(ctx, data, c.cfg.CapacityCommitmentAddr)
	if err != nil {
		return Commitment{}, err
	}
	raw, err := decodeHex(resp)
	if err != nil || len(raw) < 96 {
		return Commitment{}, fmt.Errorf("connector: malformed commitment response")
	}
	return Commitment{
		Status:     CommitmentStatus(new(big.Int).SetBytes(raw[0:32]).Int64()),
		StartEpoch: new(big.Int).SetBytes(raw[32:64]),
		EndEpoch:   new(big.Int).SetBytes(raw[64:96]),
	}, nil
}

// GetGlobalNonce reads the current global nonce.
func (c *Connector) GetGlobalNonce(ctx context.Context) ([]byte, error) {
	data, err := getGlobalNonceCall()
	if err != nil {
		return nil, fmt.Errorf("connector: encode getGlobalNonce call: %w", err)
	}
	resp, err := c.ethCall(ctx, data, c.cfg.CapacityCommitmentAddr)
	if err != nil {
		return nil, err
	}
	return decodeHex(resp)
}

// SubmitProof submits a capacity proof as a transaction to the
// capacity-commitment contract.
func (c *Connector) SubmitProof(ctx context.Context, proof Proof) (common.Hash, error) {
	data, err := submitProofCall(proof)
	if err != nil {
		return common.Hash{}, fmt.Errorf("connector: encode submitProof call: %w", err)
	}
	return c.SendTx(ctx, data, c.cfg.CapacityCommitmentAddr)
}

// GetComputeUnits reads this node's bound compute units from the
// market contract (spec.md §9 "Compute-unit matching").
func (c *Connector) GetComputeUnits(ctx context.Context) (string, error) {
	data, err := getComputeUnitsCall(peerIDDigest(c.cfg.HostID.Bytes()))
	if err != nil {
		return "", fmt.Errorf("connector: encode getComputeUnits call: %w", err)
	}
	return c.ethCall(ctx, data, c.cfg.MarketContractAddr)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(trimHexPrefix(s))
}

func decodeHexUint(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(trimHexPrefix(s), 16)
	if !ok {
		return nil, fmt.Errorf("malformed hex uint %q", s)
	}
	return n, nil
}
