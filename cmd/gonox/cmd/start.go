// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	chainconnector "github.com/fluencelabs/gonox/internal/chain/connector"
	chainlistener "github.com/fluencelabs/gonox/internal/chain/listener"
	"github.com/fluencelabs/gonox/internal/connectivity"
	"github.com/fluencelabs/gonox/internal/kademlia"
	"github.com/fluencelabs/gonox/internal/logging"
	libp2pservice "github.com/fluencelabs/gonox/internal/p2p/libp2p"
	"github.com/fluencelabs/gonox/internal/particle"
	"github.com/fluencelabs/gonox/internal/peerid"
	"github.com/fluencelabs/gonox/internal/plumber"
	"github.com/fluencelabs/gonox/internal/pool"
	"github.com/fluencelabs/gonox/internal/statestore"
)

const (
	optionListenAddrs            = "listen-addr"
	optionBootstrapAddrs         = "bootstrap-addr"
	optionLogLevel               = "log-level"
	optionOutboundCapacity       = "outbound-capacity"
	optionChainHTTPEndpoint      = "chain-http-endpoint"
	optionChainWSEndpoint        = "chain-ws-endpoint"
	optionChainID                = "chain-id"
	optionWalletKey              = "wallet-key"
	optionCapacityCommitmentAddr = "capacity-commitment-address"
	optionCoreContractAddr       = "core-contract-address"
	optionMarketContractAddr     = "market-contract-address"
)

func (c *command) initStartCmd() error {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the particle-relay core node",
		RunE: func(cmd *cobra.Command, args []string) error {
			// c.config is only populated once the root command's
			// PersistentPreRunE has run, so flags are bound here
			// rather than at construction time.
			if err := c.config.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return c.runStart(cmd)
		},
	}

	cmd.Flags().StringSlice(optionListenAddrs, []string{"/ip4/0.0.0.0/tcp/4001"}, "multiaddrs to listen on")
	cmd.Flags().StringSlice(optionBootstrapAddrs, nil, "bootstrap peer multiaddrs")
	cmd.Flags().String(optionLogLevel, "info", "log level: trace, debug, info, warning, error")
	cmd.Flags().Int(optionOutboundCapacity, 256, "capacity of the pool's channel of particles sent to this node's own peer id")
	cmd.Flags().String(optionChainHTTPEndpoint, "", "chain JSON-RPC HTTP endpoint (empty disables the chain connector)")
	cmd.Flags().String(optionChainWSEndpoint, "", "chain JSON-RPC websocket endpoint (empty disables the chain listener)")
	cmd.Flags().Int64(optionChainID, 1, "chain id used when signing transactions")
	cmd.Flags().String(optionWalletKey, "", "hex-encoded ECDSA private key used to sign chain transactions")
	cmd.Flags().String(optionCapacityCommitmentAddr, "", "capacity commitment contract address")
	cmd.Flags().String(optionCoreContractAddr, "", "core contract address")
	cmd.Flags().String(optionMarketContractAddr, "", "market contract address")

	c.root.AddCommand(cmd)
	return nil
}

// particleReceiver bridges inbound particles from the transport into
// the plumber, dropping anything that fails validation or is rejected
// for backpressure (spec.md §7 error taxonomy: both are silent drops
// from the wire's perspective).
type particleReceiver struct {
	pl     *plumber.Plumber
	logger logging.Logger
}

func (r *particleReceiver) ReceiveParticle(from peerid.ID, p particle.Particle) {
	if err := particle.Validate(p, time.Now()); err != nil {
		r.logger.Debugf("dropping particle %s from %s: %v", p.ID, from, err)
		return
	}
	if err := r.pl.Ingest(p); err != nil {
		r.logger.Warningf("dropping particle %s: %v", p.ID, err)
	}
}

func parseLevel(s string) logrus.Level {
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func (c *command) runStart(cmd *cobra.Command) error {
	logger := logging.New(parseLevel(c.config.GetString(optionLogLevel)))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	priv, _, err := libp2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return fmt.Errorf("generate identity key: %w", err)
	}

	listenAddrs := c.config.GetStringSlice(optionListenAddrs)
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddrs...), libp2p.Identity(priv))
	if err != nil {
		return fmt.Errorf("construct libp2p host: %w", err)
	}
	defer h.Close()

	self := peerid.FromLibp2p(h.ID())
	logger.Infof("node identity: %s", self)

	transport := libp2pservice.New(h, logger)

	p := pool.New(self, transport, logger, c.config.GetInt(optionOutboundCapacity))
	transport.SetSink(p)

	idht, err := dht.New(ctx, h)
	if err != nil {
		return fmt.Errorf("construct kademlia dht: %w", err)
	}

	kad := kademlia.New(kademlia.DHTBackend(idht), logger, kademlia.Options{})
	defer kad.Close()

	bootstrapStrs := c.config.GetStringSlice(optionBootstrapAddrs)
	bootstrapAddrs := make([]ma.Multiaddr, 0, len(bootstrapStrs))
	for _, s := range bootstrapStrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			logger.Warningf("ignoring malformed bootstrap address %q: %v", s, err)
			continue
		}
		bootstrapAddrs = append(bootstrapAddrs, addr)
	}

	facade := connectivity.New(p, kad, bootstrapAddrs, logger, connectivity.Options{})

	pl := plumber.New(nil, logger, plumber.Options{})
	logger.Warning("no particle runtime backends configured; inbound particles wait in the plumber's waiting list and are rejected once it is full")
	transport.SetReceiver(&particleReceiver{pl: pl, logger: logger})

	go forwardEffects(ctx, facade, pl, logger)
	go func() {
		if err := facade.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("connectivity facade stopped: %v", err)
		}
	}()

	if err := startChain(ctx, c.config, self, logger); err != nil {
		logger.Errorf("chain subsystem not started: %v", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	pl.Close()
	return nil
}

func forwardEffects(ctx context.Context, facade *connectivity.Facade, pl *plumber.Plumber, logger logging.Logger) {
	for {
		select {
		case eff, ok := <-pl.Effects():
			if !ok {
				return
			}
			contact, found := facade.ResolveContact(ctx, eff.Target)
			if !found {
				logger.Debugf("dropping effect for %s: no contact", eff.Target)
				continue
			}
			if err := facade.Send(ctx, contact, eff.Particle); err != nil {
				logger.Warningf("forwarding particle %s to %s failed: %v", eff.Particle.ID, eff.Target, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func startChain(ctx context.Context, config configReader, hostID peerid.ID, logger logging.Logger) error {
	httpEndpoint := config.GetString(optionChainHTTPEndpoint)
	if httpEndpoint == "" {
		logger.Info("chain connector disabled: no chain-http-endpoint configured")
		return nil
	}

	walletKey, err := crypto.HexToECDSA(config.GetString(optionWalletKey))
	if err != nil {
		return fmt.Errorf("parse wallet key: %w", err)
	}

	cfg := chainconnector.Config{
		HTTPEndpoint:            httpEndpoint,
		CapacityCommitmentAddr:  common.HexToAddress(config.GetString(optionCapacityCommitmentAddr)),
		CoreContractAddr:        common.HexToAddress(config.GetString(optionCoreContractAddr)),
		MarketContractAddr:      common.HexToAddress(config.GetString(optionMarketContractAddr)),
		ChainID:                 config.GetInt64(optionChainID),
		WalletKey:               walletKey,
		HostID:                  hostID,
	}

	connector, err := chainconnector.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("construct chain connector: %w", err)
	}
	go func() {
		<-ctx.Done()
		connector.Close()
	}()

	pollStore := statestore.NewMemoryStore()
	go pollChainState(ctx, connector, pollStore, logger)

	wsEndpoint := config.GetString(optionChainWSEndpoint)
	if wsEndpoint == "" {
		logger.Info("chain listener disabled: no chain-ws-endpoint configured")
		return nil
	}

	l, err := chainlistener.New(ctx, chainlistener.Config{
		WSEndpoint:             wsEndpoint,
		HostIDHex:              hostID.String(),
		CapacityCommitmentAddr: config.GetString(optionCapacityCommitmentAddr),
		MarketContractAddr:     config.GetString(optionMarketContractAddr),
	}, logger)
	if err != nil {
		return fmt.Errorf("construct chain listener: %w", err)
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	store := statestore.NewMemoryStore()
	go recordChainEvents(ctx, l, store, logger)
	go func() {
		if err := l.Run(ctx, chainlistener.DefaultTopics()); err != nil && ctx.Err() == nil {
			logger.Errorf("chain listener stopped: %v", err)
		}
	}()

	return nil
}

// recordChainEvents persists every decoded listener event as a small
// document keyed by its capacity-commitment id (spec.md §6 "per-worker
// records persisted as small documents keyed by peer id").
func recordChainEvents(ctx context.Context, l *chainlistener.Listener, store statestore.StateStorer, logger logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.Events():
			if !ok {
				return
			}
			key := "chain_event/" + ev.Kind
			if ev.CommitmentID != nil {
				key = fmt.Sprintf("%s/%x", key, *ev.CommitmentID)
			}
			if err := store.Put(key, ev.Raw); err != nil {
				logger.Warningf("recording chain event %s: %v", key, err)
			}
		}
	}
}

// chainPollInterval is how often pollChainState refreshes the
// capacity-commitment init parameters and this node's bound
// commitment from the chain connector.
const chainPollInterval = 30 * time.Second

// pollChainState periodically reads the capacity-commitment init
// parameters and this node's currently bound commitment, persisting
// both so the listener's state machine has on-chain context to
// reconcile against (spec.md §4.5's connector accessors, polled the
// way original_source's CLI periodically reconciles pending
// commitments).
func pollChainState(ctx context.Context, conn *chainconnector.Connector, store statestore.StateStorer, logger logging.Logger) {
	ticker := time.NewTicker(chainPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if params, err := conn.GetCCInitParams(ctx); err != nil {
			logger.Warningf("chain: get_cc_init_params failed: %v", err)
		} else if raw, err := json.Marshal(params); err == nil {
			if err := store.Put("chain_cc_init_params", raw); err != nil {
				logger.Warningf("recording cc_init_params: %v", err)
			}
		}

		commitmentID, err := conn.GetCurrentCommitmentID(ctx)
		if err != nil {
			logger.Warningf("chain: get_current_commitment_id failed: %v", err)
			continue
		}
		if commitmentID == nil {
			continue
		}

		status, err := conn.GetCommitmentStatus(ctx, *commitmentID)
		if err != nil {
			logger.Warningf("chain: get_commitment_status(%x) failed: %v", *commitmentID, err)
			continue
		}
		logger.Debugf("chain: commitment %x status %d", *commitmentID, status)

		commitment, err := conn.GetCommitment(ctx, *commitmentID)
		if err != nil {
			logger.Warningf("chain: get_commitment(%x) failed: %v", *commitmentID, err)
			continue
		}
		raw, err := json.Marshal(commitment)
		if err != nil {
			logger.Warningf("encoding commitment %x: %v", *commitmentID, err)
			continue
		}
		key := fmt.Sprintf("chain_commitment/%x", *commitmentID)
		if err := store.Put(key, raw); err != nil {
			logger.Warningf("recording %s: %v", key, err)
		}

		if units, err := conn.GetComputeUnits(ctx); err != nil {
			logger.Warningf("chain: get_compute_units failed: %v", err)
		} else if err := store.Put("chain_compute_units", []byte(units)); err != nil {
			logger.Warningf("recording chain_compute_units: %v", err)
		}
	}
}

// configReader is the narrow subset of *viper.Viper runStart/startChain
// depend on, so tests can substitute a plain map-backed fake.
type configReader interface {
	GetString(key string) string
	GetStringSlice(key string) []string
	GetInt(key string) int
	GetInt64(key string) int64
}
