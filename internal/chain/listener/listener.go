// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package listener implements the chain listener (spec.md §4.5): a
// websocket JSON-RPC subscription loop for new_heads,
// commitment_activated, unit_activated, unit_deactivated and
// unit_matched, with exponential-backoff retry on subscribe,
// restart/refresh of the underlying client, and the capacity-
// commitment state machine those events drive.
//
// Grounded on
// original_source/crates/chain-listener/src/subscription.rs: the
// subscribe-with-backoff-classify-restart pattern (a RestartNeeded
// error short-circuits the retry and triggers a client rebuild,
// everything else retries with backoff), and the idempotent refresh
// that only reconnects when the client is not already connected.
// Backed by gorilla/websocket (pulled transitively through
// go-ethereum's rpc package in the dependency pack) for the
// underlying JSON-RPC-over-websocket transport instead of jsonrpsee's
// Rust subscription client.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"

	"github.com/fluencelabs/gonox/internal/chain/connector"
	"github.com/fluencelabs/gonox/internal/logging"
)

// DefaultTopics computes the four log topics Run needs from their
// canonical Solidity event signatures, the same way go-ethereum
// contract bindings derive a log's topic0 (keccak256 of the event
// signature string).
func DefaultTopics() Topics {
	return Topics{
		CommitmentActivated: crypto.Keccak256Hash([]byte("CommitmentActivated(bytes32,uint256,bytes32[])")).Hex(),
		UnitActivated:       crypto.Keccak256Hash([]byte("UnitActivated(bytes32,uint256,address)")).Hex(),
		UnitDeactivated:     crypto.Keccak256Hash([]byte("UnitDeactivated(bytes32,uint256)")).Hex(),
		UnitMatched:         crypto.Keccak256Hash([]byte("UnitMatched(bytes32,bytes32,uint256)")).Hex(),
	}
}

// ErrRestartNeeded signals that the websocket connection itself is
// unusable and must be rebuilt before any further subscribe attempt
// (mirrors jsonrpsee's Error::RestartNeeded in original_source).
var ErrRestartNeeded = errors.New("listener: restart needed")

// Config holds the listener's wiring (spec.md §6 "Environment
// inputs").
type Config struct {
	WSEndpoint             string
	HostIDHex              string
	CapacityCommitmentAddr string
	MarketContractAddr     string
	BackoffBase            time.Duration
	BackoffCap             time.Duration
}

func (c *Config) setDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
}

// State is the capacity-commitment state machine (spec.md §4.5
// "Inactive → WaitDelegation → Active → Failed/Removed").
type State int32

const (
	StateInactive State = iota
	StateWaitDelegation
	StateActive
	StateFailed
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateWaitDelegation:
		return "wait_delegation"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a decoded log/header notification handed to the listener's
// consumer.
type Event struct {
	Kind         string
	CommitmentID *connector.CommitmentID
	Raw          json.RawMessage
}

// Listener drives the websocket subscriptions and the
// capacity-commitment state machine.
type Listener struct {
	cfg     Config
	logger  logging.Logger
	metrics metrics

	mu   sync.Mutex
	conn *websocket.Conn

	nextID uint64

	subMu sync.Mutex
	subs  map[string]chan json.RawMessage // rpc subscription id -> notification stream

	waiterMu sync.Mutex
	waiters  map[uint64]chan rpcResponse // pending eth_subscribe requests, keyed by request id

	state int32 // atomic State

	events chan Event
	done   chan struct{}
}

// New constructs a Listener and dials the websocket endpoint once
// (retrying internally with backoff, per spec.md §4.5).
func New(ctx context.Context, cfg Config, logger logging.Logger) (*Listener, error) {
	cfg.setDefaults()
	l := &Listener{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(),
		subs:    make(map[string]chan json.RawMessage),
		waiters: make(map[uint64]chan rpcResponse),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		state:   int32(StateInactive),
	}
	if err := l.restart(ctx); err != nil {
		return nil, err
	}
	go l.readLoop()
	return l, nil
}

// Events is the decoded stream of subscription notifications.
func (l *Listener) Events() <-chan Event { return l.events }

// State reports the current capacity-commitment state.
func (l *Listener) State() State { return State(atomic.LoadInt32(&l.state)) }

func (l *Listener) setState(s State) { atomic.StoreInt32(&l.state, int32(s)) }

// restart rebuilds the websocket client unconditionally, retrying the
// dial with exponential backoff (original_source's create_ws_client).
func (l *Listener) restart(ctx context.Context) error {
	backoff := l.cfg.BackoffBase
	for {
		l.metrics.DialAttempts.Inc()
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.WSEndpoint, nil)
		if err == nil {
			l.mu.Lock()
			if l.conn != nil {
				l.conn.Close()
			}
			l.conn = conn
			l.mu.Unlock()
			l.metrics.Restarts.Inc()
			l.logger.Infof("listener: connected to %s", l.cfg.WSEndpoint)
			return nil
		}
		l.logger.Warningf("listener: dial %s failed: %v; retrying", l.cfg.WSEndpoint, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > l.cfg.BackoffCap {
			backoff = l.cfg.BackoffCap
		}
	}
}

// Refresh reconnects only if the client is not currently connected
// (spec.md §4.5 "A refresh() operation is idempotent"). Connection
// liveness is approximated with a lightweight ping.
func (l *Listener) Refresh(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(2*time.Second)); err == nil {
			return nil
		}
	}
	return l.restart(ctx)
}

// Close closes the websocket connection and stops the read loop.
func (l *Listener) Close() {
	select {
	case <-l.done:
		return
	default:
		close(l.done)
	}
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// subscribeOnce sends one eth_subscribe call and waits for its
// response on the shared read loop.
func (l *Listener) subscribeOnce(ctx context.Context, method string, params []interface{}) (chan json.RawMessage, error) {
	l.metrics.SubscribeAttempts.Inc()
	l.mu.Lock()
	conn := l.conn
	id := atomic.AddUint64(&l.nextID, 1)
	l.mu.Unlock()

	if conn == nil {
		l.metrics.SubscribeFailures.Inc()
		return nil, ErrRestartNeeded
	}

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: "eth_subscribe", Params: append([]interface{}{method}, params...)}

	waiter := make(chan rpcResponse, 1)
	l.registerWaiter(id, waiter)

	l.mu.Lock()
	err := conn.WriteJSON(req)
	l.mu.Unlock()
	if err != nil {
		l.metrics.SubscribeFailures.Inc()
		return nil, fmt.Errorf("%w: write subscribe request: %v", ErrRestartNeeded, err)
	}

	select {
	case resp := <-waiter:
		if resp.Error != nil {
			l.metrics.SubscribeFailures.Inc()
			return nil, resp.Error
		}
		var subID string
		if err := json.Unmarshal(resp.Result, &subID); err != nil {
			l.metrics.SubscribeFailures.Inc()
			return nil, fmt.Errorf("listener: malformed subscription id: %w", err)
		}
		ch := make(chan json.RawMessage, 64)
		l.subMu.Lock()
		l.subs[subID] = ch
		l.subMu.Unlock()
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) registerWaiter(id uint64, ch chan rpcResponse) {
	l.waiterMu.Lock()
	l.waiters[id] = ch
	l.waiterMu.Unlock()
}

// Subscribe retries subscribeOnce with exponential backoff on
// transient errors; a restart-needed error is propagated immediately
// so the caller can trigger restart() and retry at a higher level
// (spec.md §4.5 "Subscription resiliency").
func (l *Listener) Subscribe(ctx context.Context, method string, params []interface{}) (<-chan json.RawMessage, error) {
	backoff := l.cfg.BackoffBase
	for {
		ch, err := l.subscribeOnce(ctx, method, params)
		if err == nil {
			return ch, nil
		}
		if errors.Is(err, ErrRestartNeeded) {
			return nil, err
		}
		l.logger.Warningf("listener: subscribe %s failed: %v; retrying", method, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > l.cfg.BackoffCap {
			backoff = l.cfg.BackoffCap
		}
	}
}

// NewHeads subscribes to the block header stream, used as a timing
// beacon (spec.md §4.5).
func (l *Listener) NewHeads(ctx context.Context) (<-chan json.RawMessage, error) {
	return l.Subscribe(ctx, "newHeads", nil)
}

func logsParams(address string, topics []string) []interface{} {
	return []interface{}{map[string]interface{}{"address": address, "topics": topics}}
}

// CommitmentActivated subscribes to the capacity-commitment
// contract's activation log, topic-filtered by this node's host id.
func (l *Listener) CommitmentActivated(ctx context.Context, commitmentActivatedTopic string) (<-chan json.RawMessage, error) {
	return l.Subscribe(ctx, "logs", logsParams(l.cfg.CapacityCommitmentAddr, []string{commitmentActivatedTopic, l.cfg.HostIDHex}))
}

// UnitActivated subscribes to per-unit activation for commitmentID.
func (l *Listener) UnitActivated(ctx context.Context, unitActivatedTopic string, commitmentID connector.CommitmentID) (<-chan json.RawMessage, error) {
	return l.Subscribe(ctx, "logs", logsParams(l.cfg.CapacityCommitmentAddr, []string{unitActivatedTopic, hexEncode(commitmentID[:])}))
}

// UnitDeactivated subscribes to per-unit deactivation for
// commitmentID.
func (l *Listener) UnitDeactivated(ctx context.Context, unitDeactivatedTopic string, commitmentID connector.CommitmentID) (<-chan json.RawMessage, error) {
	return l.Subscribe(ctx, "logs", logsParams(l.cfg.CapacityCommitmentAddr, []string{unitDeactivatedTopic, hexEncode(commitmentID[:])}))
}

// UnitMatched subscribes to the market contract's unit-matched log,
// topic-filtered by this node's host id.
func (l *Listener) UnitMatched(ctx context.Context, unitMatchedTopic string) (<-chan json.RawMessage, error) {
	return l.Subscribe(ctx, "logs", logsParams(l.cfg.MarketContractAddr, []string{unitMatchedTopic, l.cfg.HostIDHex}))
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 2+len(b)*2)
	out[0], out[1] = '0', 'x'
	for i, c := range b {
		out[2+i*2] = hextable[c>>4]
		out[2+i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}

// OnCommitmentActivated advances the state machine Inactive ->
// WaitDelegation (spec.md §4.5).
func (l *Listener) OnCommitmentActivated() { l.setState(StateWaitDelegation) }

// OnUnitActivated advances the state machine WaitDelegation -> Active.
func (l *Listener) OnUnitActivated() { l.setState(StateActive) }

// OnUnitDeactivated advances the state machine to Failed; a
// subsequent out-of-band removal notice moves it to Removed via
// OnRemoved.
func (l *Listener) OnUnitDeactivated() { l.setState(StateFailed) }

// OnRemoved marks the commitment as removed.
func (l *Listener) OnRemoved() { l.setState(StateRemoved) }

// Topics bundles the four log-topic hashes Run needs to tell apart
// notifications on the capacity-commitment and market contracts.
type Topics struct {
	CommitmentActivated string
	UnitActivated       string
	UnitDeactivated     string
	UnitMatched         string
}

// logEvent is the subset of an eth_subscribe("logs") notification Run
// needs: the topic list (topics[0] identifies the event, topics[1]
// carries the indexed commitment id Run reads) and the log data.
type logEvent struct {
	Topics []string `json:"topics"`
	Data   string   `json:"data"`
}

func commitmentIDFromTopic(hexStr string) *connector.CommitmentID {
	raw := []byte(trimHex(hexStr))
	if len(raw) != 64 {
		return nil
	}
	var id connector.CommitmentID
	for i := 0; i < 32; i++ {
		hi, ok1 := hexNibble(raw[i*2])
		lo, ok2 := hexNibble(raw[i*2+1])
		if !ok1 || !ok2 {
			return nil
		}
		id[i] = hi<<4 | lo
	}
	return &id
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// Run subscribes to new_heads, the capacity-commitment lifecycle logs
// and market match logs, drives the state machine off them, and
// republishes every decoded notification on Events() (spec.md §4.5).
// It blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, t Topics) error {
	headsCh, err := l.NewHeads(ctx)
	if err != nil {
		return fmt.Errorf("listener: subscribe new_heads: %w", err)
	}
	commitmentCh, err := l.CommitmentActivated(ctx, t.CommitmentActivated)
	if err != nil {
		return fmt.Errorf("listener: subscribe commitment_activated: %w", err)
	}
	matchedCh, err := l.UnitMatched(ctx, t.UnitMatched)
	if err != nil {
		return fmt.Errorf("listener: subscribe unit_matched: %w", err)
	}

	type unitNotification struct {
		kind string
		id   connector.CommitmentID
		raw  json.RawMessage
	}
	unitEvents := make(chan unitNotification, 64)

	watchUnit := func(kind string, ch <-chan json.RawMessage, id connector.CommitmentID) {
		for raw := range ch {
			select {
			case unitEvents <- unitNotification{kind: kind, id: id, raw: raw}:
			case <-ctx.Done():
				return
			}
		}
	}

	emit := func(kind string, id *connector.CommitmentID, raw json.RawMessage) {
		select {
		case l.events <- Event{Kind: kind, CommitmentID: id, Raw: raw}:
		default:
			l.metrics.NotificationsDropped.Inc()
			l.logger.Warning("listener: events consumer not keeping up, dropping event")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-headsCh:
			if !ok {
				return ErrRestartNeeded
			}
			emit("new_heads", nil, raw)
		case raw, ok := <-commitmentCh:
			if !ok {
				return ErrRestartNeeded
			}
			var ev logEvent
			if err := json.Unmarshal(raw, &ev); err != nil || len(ev.Topics) < 2 {
				l.logger.Warningf("listener: malformed commitment_activated log: %v", err)
				continue
			}
			id := commitmentIDFromTopic(ev.Topics[1])
			l.OnCommitmentActivated()
			emit("commitment_activated", id, raw)
			if id == nil {
				continue
			}
			activatedCh, err := l.UnitActivated(ctx, t.UnitActivated, *id)
			if err != nil {
				l.logger.Warningf("listener: subscribe unit_activated for %x: %v", *id, err)
				continue
			}
			deactivatedCh, err := l.UnitDeactivated(ctx, t.UnitDeactivated, *id)
			if err != nil {
				l.logger.Warningf("listener: subscribe unit_deactivated for %x: %v", *id, err)
				continue
			}
			go watchUnit("unit_activated", activatedCh, *id)
			go watchUnit("unit_deactivated", deactivatedCh, *id)
		case raw, ok := <-matchedCh:
			if !ok {
				return ErrRestartNeeded
			}
			emit("unit_matched", nil, raw)
		case n := <-unitEvents:
			switch n.kind {
			case "unit_activated":
				l.OnUnitActivated()
			case "unit_deactivated":
				l.OnUnitDeactivated()
			}
			id := n.id
			emit(n.kind, &id, n.raw)
		}
	}
}

// readLoop is the single goroutine that owns conn reads, dispatching
// RPC responses to pending subscribe waiters and notifications to
// their subscription channel.
func (l *Listener) readLoop() {
	for {
		select {
		case <-l.done:
			return
		default:
		}

		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			time.Sleep(l.cfg.BackoffBase)
			continue
		}

		var resp rpcResponse
		if err := conn.ReadJSON(&resp); err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			l.logger.Warningf("listener: read failed: %v", err)
			if restartErr := l.restart(context.Background()); restartErr != nil {
				l.logger.Errorf("listener: restart failed: %v", restartErr)
				return
			}
			continue
		}

		if resp.ID != 0 {
			l.waiterMu.Lock()
			ch, ok := l.waiters[resp.ID]
			if ok {
				delete(l.waiters, resp.ID)
			}
			l.waiterMu.Unlock()
			if ok {
				ch <- resp
			}
			continue
		}

		if resp.Method == "eth_subscription" && resp.Params.Subscription != "" {
			l.subMu.Lock()
			ch, ok := l.subs[resp.Params.Subscription]
			l.subMu.Unlock()
			if ok && ch != nil {
				select {
				case ch <- resp.Params.Result:
				default:
					l.metrics.NotificationsDropped.Inc()
					l.logger.Warning("listener: subscriber not keeping up, dropping notification")
				}
			}
		}
	}
}
