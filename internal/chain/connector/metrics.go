// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connector

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	TxSubmitted     prometheus.Counter
	TxFailed        prometheus.Counter
	EthCalls        prometheus.Counter
	BatchCalls      prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "chain_connector"
	return metrics{
		TxSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "transactions_submitted_total",
			Help:      "Number of legacy transactions signed and submitted via eth_sendRawTransaction.",
		}),
		TxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "transactions_failed_total",
			Help:      "Number of SendTx calls that failed before or during submission.",
		}),
		EthCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "eth_calls_total",
			Help:      "Number of single eth_call requests issued.",
		}),
		BatchCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "batch_calls_total",
			Help:      "Number of batched eth_call requests issued.",
		}),
	}
}
