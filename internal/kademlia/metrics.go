// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kademlia

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	DiscoverRequests prometheus.Counter
	DiscoverFailures prometheus.Counter
	PeersBanned      prometheus.Counter
	BanTableEvictions prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "kademlia"
	return metrics{
		DiscoverRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "discover_requests_total",
			Help:      "Number of DiscoverPeer queries issued against the backend.",
		}),
		DiscoverFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "discover_failures_total",
			Help:      "Number of DiscoverPeer queries that failed.",
		}),
		PeersBanned: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "peers_banned_total",
			Help:      "Number of times a peer crossed the failure threshold and was banned.",
		}),
		BanTableEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "ban_table_evictions_total",
			Help:      "Number of stale ban table entries cleared by the sweep loop.",
		}),
	}
}
