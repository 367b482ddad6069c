// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package libp2p

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	DialAttempts       prometheus.Counter
	DialFailures       prometheus.Counter
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	StreamUpgradeFails prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "libp2p_service"
	return metrics{
		DialAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "dial_attempts_total",
			Help:      "Number of outbound dial attempts.",
		}),
		DialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "dial_failures_total",
			Help:      "Number of outbound dial attempts that failed.",
		}),
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "connections_opened_total",
			Help:      "Number of connections established.",
		}),
		ConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "connections_closed_total",
			Help:      "Number of connections closed.",
		}),
		StreamUpgradeFails: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "stream_upgrade_failures_total",
			Help:      "Number of inbound streams that failed envelope decode.",
		}),
	}
}
