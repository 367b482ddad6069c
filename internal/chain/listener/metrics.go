// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package listener

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	DialAttempts       prometheus.Counter
	Restarts           prometheus.Counter
	SubscribeAttempts  prometheus.Counter
	SubscribeFailures  prometheus.Counter
	NotificationsDropped prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "chain_listener"
	return metrics{
		DialAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "dial_attempts_total",
			Help:      "Number of websocket dial attempts.",
		}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "restarts_total",
			Help:      "Number of times the websocket client was rebuilt.",
		}),
		SubscribeAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "subscribe_attempts_total",
			Help:      "Number of eth_subscribe calls issued.",
		}),
		SubscribeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "subscribe_failures_total",
			Help:      "Number of eth_subscribe calls that failed.",
		}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "notifications_dropped_total",
			Help:      "Number of subscription notifications dropped because the consumer was not keeping up.",
		}),
	}
}
