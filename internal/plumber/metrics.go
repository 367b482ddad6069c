// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plumber

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	ParticlesIngested prometheus.Counter
	ActorsSpawned     prometheus.Counter
	ActorsRetired     prometheus.Counter
	EffectsEmitted    prometheus.Counter
	BackpressureDrops prometheus.Counter
	ExecutionFailures prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "plumber"
	return metrics{
		ParticlesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "particles_ingested_total",
			Help:      "Number of particles accepted by Ingest.",
		}),
		ActorsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "actors_spawned_total",
			Help:      "Number of actors spawned for a new fingerprint.",
		}),
		ActorsRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "actors_retired_total",
			Help:      "Number of actors retired after idle ttl expiry.",
		}),
		EffectsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "effects_emitted_total",
			Help:      "Number of Forward effects emitted.",
		}),
		BackpressureDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "backpressure_rejections_total",
			Help:      "Number of Ingest calls rejected due to a full waiting list.",
		}),
		ExecutionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "execution_failures_total",
			Help:      "Number of runtime Call invocations that errored or returned a non-zero code.",
		}),
	}
}
