// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kademlia

import (
	"context"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	libp2ppeer "github.com/libp2p/go-libp2p-core/peer"
	kbucket "github.com/libp2p/go-libp2p-kbucket"
	ma "github.com/multiformats/go-multiaddr"
)

// DHTBackend adapts a real *dht.IpfsDHT to the Backend interface.
func DHTBackend(d *dht.IpfsDHT) Backend {
	return &dhtBackend{d: d}
}

type dhtBackend struct {
	d *dht.IpfsDHT
}

func (b *dhtBackend) Bootstrap(ctx context.Context) error {
	return b.d.Bootstrap(ctx)
}

func (b *dhtBackend) FindPeer(ctx context.Context, id libp2ppeer.ID) (libp2ppeer.AddrInfo, error) {
	return b.d.FindPeer(ctx, id)
}

func (b *dhtBackend) AddAddresses(id libp2ppeer.ID, addrs []ma.Multiaddr, ttl time.Duration) {
	b.d.Host().Peerstore().AddAddrs(id, addrs, ttl)
}

func (b *dhtBackend) RoutingTable() RoutingTable {
	return routingTableAdapter{rt: b.d.RoutingTable()}
}

type routingTableAdapter struct {
	rt *kbucket.RoutingTable
}

func (a routingTableAdapter) NearestPeers(key []byte, count int) []libp2ppeer.ID {
	return a.rt.NearestPeers(kbucket.ConvertKey(string(key)), count)
}
