// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connectivity

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	ResolveHits       prometheus.Counter
	ResolveDiscoveries prometheus.Counter
	ResolveFailures   prometheus.Counter
	BootstrapFires    prometheus.Counter
	ReconnectAttempts prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "connectivity"
	return metrics{
		ResolveHits: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "resolve_pool_hits_total",
			Help:      "Number of ResolveContact calls satisfied directly from the pool.",
		}),
		ResolveDiscoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "resolve_discoveries_total",
			Help:      "Number of ResolveContact calls that fell back to Kademlia discovery.",
		}),
		ResolveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "resolve_failures_total",
			Help:      "Number of ResolveContact calls that failed to produce a contact.",
		}),
		BootstrapFires: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "kademlia_bootstrap_fires_total",
			Help:      "Number of times the periodic Kademlia re-bootstrap fired.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "bootstrap_reconnect_attempts_total",
			Help:      "Number of reconnect attempts made against a disconnected bootstrap peer.",
		}),
	}
}
