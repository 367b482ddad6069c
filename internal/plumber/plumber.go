// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package plumber implements the particle actor and pool (spec.md
// §4.4): a fingerprint-keyed actor per particle with a strictly FIFO
// mailbox, blocking runtime calls made one at a time on each actor's
// own goroutine, Forward effect emission, and actor retirement
// after an idle ttl.
//
// Grounded on original_source/particle-actors/src/actor.rs's
// Idle/Executing state machine and execute_next/execute split,
// translated from Rust's Waker-driven poll contract to a goroutine
// per actor parked on a notify channel plus an idle timer — Go has no
// equivalent of a shared single-threaded executor, so each actor owns
// its own suspension point instead of yielding control back to a
// central poll loop.
package plumber

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fluencelabs/gonox/internal/logging"
	"github.com/fluencelabs/gonox/internal/particle"
	"github.com/fluencelabs/gonox/internal/peerid"
)

// ErrBackpressure is returned by Ingest when no runtime is free and
// the waiting list is already at capacity (spec.md §4.4 "Pool
// contract").
var ErrBackpressure = errors.New("plumber: backpressure, waiting list full")

// Runtime is the external collaborator that actually interprets a
// particle's script. Out of scope per spec.md §1; this interface is
// the seam.
type Runtime interface {
	Call(ctx context.Context, initPeerID peerid.ID, script []byte, data []byte, particleID string) (retCode int, message string, outData []byte, nextPeers []peerid.ID, err error)
}

// Effect is emitted by an actor after executing a particle: forward
// the (possibly updated) particle to target (spec.md §4.4 "execute").
type Effect struct {
	Particle particle.Particle
	Target   peerid.ID
}

// Options configures the plumber. Zero values fall back to defaults.
type Options struct {
	// MaxWaiting bounds the front-of-queue waiting list consulted when
	// no runtime is free.
	MaxWaiting int
	// IdleTTL is how long an actor with an empty mailbox waits before
	// retiring and returning its runtime to the pool.
	IdleTTL time.Duration
	// EffectBuffer sizes the channel returned by Effects().
	EffectBuffer int
}

func (o *Options) setDefaults() {
	if o.MaxWaiting <= 0 {
		o.MaxWaiting = 256
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = 30 * time.Second
	}
	if o.EffectBuffer <= 0 {
		o.EffectBuffer = 256
	}
}

// Plumber is the particle actor pool (spec.md §4.4 "Pool contract").
type Plumber struct {
	logger  logging.Logger
	opts    Options
	metrics metrics

	mu      sync.Mutex
	free    []Runtime
	actors  map[string]*actor
	waiting []particle.Particle
	closed  bool

	effects chan Effect
}

// New constructs a Plumber with one actor slot per element of
// runtimes.
func New(runtimes []Runtime, logger logging.Logger, opts Options) *Plumber {
	opts.setDefaults()
	free := make([]Runtime, len(runtimes))
	copy(free, runtimes)
	return &Plumber{
		logger:  logger,
		opts:    opts,
		metrics: newMetrics(),
		free:    free,
		actors:  make(map[string]*actor),
		effects: make(chan Effect, opts.EffectBuffer),
	}
}

// Effects is the stream of Forward effects produced by actor
// executions, consumed by whatever drives the connectivity facade.
func (pl *Plumber) Effects() <-chan Effect {
	return pl.effects
}

// fingerprint identifies the actor a particle routes to: its id
// (spec.md §4.4 "a stable fingerprint of the particle (typically its
// id)").
func fingerprint(p particle.Particle) string { return p.ID }

// Ingest routes a particle to its actor, creating one if none is
// active for its fingerprint (spec.md §4.4 "Pool contract").
func (pl *Plumber) Ingest(p particle.Particle) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.closed {
		return errors.New("plumber: closed")
	}

	pl.metrics.ParticlesIngested.Inc()

	fp := fingerprint(p)
	if a, ok := pl.actors[fp]; ok {
		a.ingest(p)
		return nil
	}

	if len(pl.free) > 0 {
		rt := pl.free[len(pl.free)-1]
		pl.free = pl.free[:len(pl.free)-1]
		a := newActor(fp, rt, pl, pl.logger, pl.opts.IdleTTL)
		pl.actors[fp] = a
		pl.metrics.ActorsSpawned.Inc()
		go a.run()
		a.ingest(p)
		return nil
	}

	if len(pl.waiting) >= pl.opts.MaxWaiting {
		pl.metrics.BackpressureDrops.Inc()
		return ErrBackpressure
	}
	pl.waiting = append(pl.waiting, p)
	return nil
}

// ActiveActors reports how many actors are currently alive, a metric
// per spec.md §4.4.
func (pl *Plumber) ActiveActors() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.actors)
}

// WaitingCount reports the current size of the front-of-queue waiting
// list.
func (pl *Plumber) WaitingCount() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.waiting)
}

// retire is called by an actor's goroutine when it has been idle
// beyond IdleTTL with an empty mailbox. It hands rt either to the
// next waiting particle (spawning a fresh actor) or back to the free
// pool (spec.md §4.4 "Actor retirement").
func (pl *Plumber) retire(fp string, rt Runtime) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	delete(pl.actors, fp)
	pl.metrics.ActorsRetired.Inc()

	if len(pl.waiting) == 0 {
		pl.free = append(pl.free, rt)
		return
	}

	next := pl.waiting[0]
	pl.waiting = pl.waiting[1:]
	nfp := fingerprint(next)
	a := newActor(nfp, rt, pl, pl.logger, pl.opts.IdleTTL)
	pl.actors[nfp] = a
	pl.metrics.ActorsSpawned.Inc()
	go a.run()
	a.ingest(next)
}

// emit publishes effects as one atomic batch: if the plumber is
// closed, none are accepted (spec.md §4.4 "Parallelism and ordering",
// "either all effects are accepted for forwarding or, on shutdown,
// none are").
func (pl *Plumber) emit(effects []Effect) {
	pl.mu.Lock()
	closed := pl.closed
	pl.mu.Unlock()
	if closed {
		pl.logger.Warning("plumber: dropping effects, pool is shut down")
		return
	}
	for _, e := range effects {
		pl.effects <- e
		pl.metrics.EffectsEmitted.Inc()
	}
}

// Close stops accepting new particles. Actors already running drain
// naturally; subsequent emit calls are dropped.
func (pl *Plumber) Close() {
	pl.mu.Lock()
	pl.closed = true
	pl.mu.Unlock()
}

// actorState mirrors the Idle/Executing/Draining state machine from
// spec.md §4.4. An actor records Idle and Executing; nothing reads the
// field, and actorDraining is never set.
type actorState int32

const (
	actorIdle actorState = iota
	actorExecuting
	actorDraining
)

type actor struct {
	fingerprint string
	runtime     Runtime
	plumber     *Plumber
	logger      logging.Logger
	idleTTL     time.Duration

	mu      sync.Mutex
	mailbox []particle.Particle
	notify  chan struct{}
	state   actorState
}

func newActor(fp string, rt Runtime, pl *Plumber, logger logging.Logger, idleTTL time.Duration) *actor {
	return &actor{
		fingerprint: fp,
		runtime:     rt,
		plumber:     pl,
		logger:      logger,
		idleTTL:     idleTTL,
		notify:      make(chan struct{}, 1),
		state:       actorIdle,
	}
}

// ingest appends to the mailbox and wakes the actor's goroutine
// (spec.md §4.4 "ingest(Particle)").
func (a *actor) ingest(p particle.Particle) {
	a.mu.Lock()
	a.mailbox = append(a.mailbox, p)
	a.mu.Unlock()
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// run is the actor's goroutine: FIFO-drain the mailbox, executing one
// particle at a time, and retire after idleTTL of emptiness
// (spec.md §4.4 "poll", "Actor retirement").
func (a *actor) run() {
	timer := time.NewTimer(a.idleTTL)
	defer timer.Stop()

	for {
		a.mu.Lock()
		if len(a.mailbox) == 0 {
			a.mu.Unlock()
			select {
			case <-a.notify:
				drainTimer(timer)
				timer.Reset(a.idleTTL)
				continue
			case <-timer.C:
				a.plumber.retire(a.fingerprint, a.runtime)
				return
			}
		}
		next := a.mailbox[0]
		a.mailbox = a.mailbox[1:]
		a.state = actorExecuting
		a.mu.Unlock()

		a.execute(next)

		a.mu.Lock()
		a.state = actorIdle
		a.mu.Unlock()

		drainTimer(timer)
		timer.Reset(a.idleTTL)
	}
}

func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// execute performs the blocking runtime call and emits the resulting
// Forward effects (spec.md §4.4 "execute(particle, vm)").
func (a *actor) execute(p particle.Particle) {
	retCode, message, outData, nextPeers, err := a.runtime.Call(context.Background(), p.InitPeerID, p.Script, p.Data, p.ID)
	if err != nil {
		a.plumber.metrics.ExecutionFailures.Inc()
		a.emitFailure(p, err.Error())
		return
	}
	if retCode != 0 {
		a.plumber.metrics.ExecutionFailures.Inc()
		a.emitFailure(p, message)
		return
	}

	updated := p.WithData(outData)
	effects := make([]Effect, 0, len(nextPeers))
	for _, target := range nextPeers {
		effects = append(effects, Effect{Particle: updated, Target: target})
	}
	a.plumber.emit(effects)
}

func (a *actor) emitFailure(p particle.Particle, cause string) {
	payload := []byte(`{"error":"` + cause + `"}`)
	errored := p.WithData(payload)
	a.plumber.emit([]Effect{{Particle: errored, Target: p.InitPeerID}})
}
