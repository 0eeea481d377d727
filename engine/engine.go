/* Copyright 2025 Baikonur I/O, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package engine is the dispatcher: it classifies ingested records,
// serializes work per correlation key, evaluates rules, and hands
// rendered payloads to targets.
//
// Work items are bucketed by a hash of the correlation key onto a
// fixed set of single-writer queues, so everything touching one key
// happens in one total order without locking.  Between items, a key's
// state lives only in the store.  Emissions leave only after their
// mutation commits, and each is delivered at least once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/baikonur-io/laika/event"
	"github.com/baikonur-io/laika/match"
	"github.com/baikonur-io/laika/metrics"
	"github.com/baikonur-io/laika/rules"
	"github.com/baikonur-io/laika/storage"
	"github.com/baikonur-io/laika/timers"
)

// AlreadyRunning is returned by Run on an engine that is running or
// has already run.  An Engine runs at most once.
var AlreadyRunning = errors.New("already running")

// BadKeyError reports a correlation key that could not be extracted
// from a classified record.
type BadKeyError struct {
	Type string
	Err  error
}

func (e *BadKeyError) Error() string {
	return fmt.Sprintf("bad correlation key for %s: %v", e.Type, e.Err)
}

func (e *BadKeyError) Unwrap() error {
	return e.Err
}

// Defaults for Options fields left zero.
var (
	DefaultWorkers      = 4
	DefaultQueueDepth   = 256
	DefaultMaxTimers    = 1 << 20
	DefaultTTI          = int64(7 * 24 * 60 * 60 * 1000)
	DefaultSweepEvery   = time.Minute
	DefaultRetries      = 3
	DefaultRetryBase    = 250 * time.Millisecond
	DefaultSubmitTime   = 10 * time.Second
	DefaultDrainTimeout = 5 * time.Second
)

// Options configures an Engine.
type Options struct {
	// Types and Rules usually come from a compiled configuration
	// Plan.
	Types []match.TypeDef
	Rules []*rules.Rule

	// Store holds the contexts.  It must be open.
	Store *storage.Store

	// Targets maps the destinations rules name to their consumers.
	Targets map[string]Target

	// Workers fixes the worker (and queue) count.
	Workers int

	// QueueDepth bounds each worker queue and each target queue.
	// An event that finds its worker queue full is dropped and
	// counted; timer fires and emissions wait instead.
	QueueDepth int

	// MaxTimers bounds the in-memory timer backlog.
	MaxTimers int

	// TTI is the idle time, in milliseconds, after which a context
	// is evicted.  SweepEvery is how often to look.
	TTI        int64
	SweepEvery time.Duration

	// Retries caps delivery attempts per emission and commit
	// attempts per mutation; RetryBase is the initial backoff.
	// SubmitTimeout bounds a single delivery attempt.
	Retries       int
	RetryBase     time.Duration
	SubmitTimeout time.Duration

	// DrainTimeout bounds the emitter flush during shutdown.
	DrainTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now returns the current time in milliseconds since the
	// epoch.  Tests inject their own clocks.
	Now func() int64
}

// Engine owns the process-wide moving parts: the worker pool, the
// timer scheduler, the eviction sweeper, and one delivery loop per
// target.
type Engine struct {
	opts Options

	log *slog.Logger
	met *metrics.Metrics

	types      []match.TypeDef
	typeByName map[string]*match.TypeDef
	rules      []*rules.Rule
	ruleByID   map[string]*rules.Rule

	store *storage.Store
	sched *timers.Scheduler

	queues   []chan item
	emitters map[string]*emitter

	// ctx lives from Run until the final drain completes, so
	// in-flight store and target calls are not cut off by the run
	// context's cancellation.
	ctx context.Context

	running      int64
	accepting    int64
	uncorrelated uint64
	ready        chan struct{}

	wg  sync.WaitGroup // workers
	ewg sync.WaitGroup // emitters
	pwg sync.WaitGroup // pump and sweeper
}

const (
	notRunning int64 = iota
	isRunning
	hasRun
)

// New assembles an engine.  The store must already be open; Run
// starts everything else.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine needs a store")
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.MaxTimers <= 0 {
		opts.MaxTimers = DefaultMaxTimers
	}
	if opts.TTI <= 0 {
		opts.TTI = DefaultTTI
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = DefaultSweepEvery
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = DefaultSubmitTime
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.Now == nil {
		opts.Now = func() int64 {
			return time.Now().UnixMilli()
		}
	}

	e := &Engine{
		opts:       opts,
		log:        opts.Logger,
		met:        opts.Metrics,
		types:      opts.Types,
		typeByName: make(map[string]*match.TypeDef, len(opts.Types)),
		rules:      opts.Rules,
		ruleByID:   make(map[string]*rules.Rule, len(opts.Rules)),
		store:      opts.Store,
		emitters:   make(map[string]*emitter, len(opts.Targets)),
		ctx:        context.Background(),
		accepting:  1,
		ready:      make(chan struct{}),
	}

	for i := range e.types {
		d := &e.types[i]
		if _, have := e.typeByName[d.Name]; have {
			return nil, fmt.Errorf("event type %q declared twice", d.Name)
		}
		e.typeByName[d.Name] = d
	}
	for _, r := range e.rules {
		if _, have := e.ruleByID[r.ID]; have {
			return nil, fmt.Errorf("rule %q declared twice", r.ID)
		}
		if _, have := opts.Targets[r.Target]; !have {
			return nil, fmt.Errorf("rule %q names unknown target %q", r.ID, r.Target)
		}
		e.ruleByID[r.ID] = r
	}

	sched, err := timers.NewScheduler(opts.MaxTimers)
	if err != nil {
		return nil, err
	}
	e.sched = sched

	e.queues = make([]chan item, opts.Workers)
	for i := range e.queues {
		e.queues[i] = make(chan item, opts.QueueDepth)
	}
	for name, t := range opts.Targets {
		e.emitters[name] = &emitter{
			name:    name,
			target:  t,
			ch:      make(chan Emission, opts.QueueDepth),
			tries:   opts.Retries,
			base:    opts.RetryBase,
			timeout: opts.SubmitTimeout,
			log:     e.log,
			met:     e.met,
		}
	}

	return e, nil
}

// Run starts the engine in the current goroutine and blocks until
// ctx is canceled.  Shutdown then drains: intake stops, queued work
// runs to its commit boundary, and emitters flush until DrainTimeout.
// Pending timers are durable in the store and replayed on the next
// start.
func (e *Engine) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt64(&e.running, notRunning, isRunning) {
		return AlreadyRunning
	}

	ectx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.ctx = ectx

	sctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		if err := e.sched.Run(sctx); err != nil {
			e.log.Error("scheduler failed", "err", err)
		}
	}()
	if !e.sched.Wait(time.Second) {
		atomic.StoreInt64(&e.running, hasRun)
		return errors.New("scheduler did not start")
	}

	if err := e.replay(); err != nil {
		atomic.StoreInt64(&e.running, hasRun)
		return err
	}

	for i := range e.queues {
		e.wg.Add(1)
		go e.worker(i)
	}
	for _, em := range e.emitters {
		e.ewg.Add(1)
		go em.run(ectx, &e.ewg)
	}
	e.pwg.Add(2)
	go e.pump(sctx)
	go e.sweeper(sctx)

	e.log.Info("engine running",
		"types", len(e.types), "rules", len(e.rules), "workers", len(e.queues))
	close(e.ready)

	<-ctx.Done()
	e.log.Info("engine draining")

	atomic.StoreInt64(&e.accepting, 0)
	stop()
	e.pwg.Wait()
	for i := range e.queues {
		close(e.queues[i])
	}
	e.wg.Wait()
	for _, em := range e.emitters {
		close(em.ch)
	}

	flushed := make(chan struct{})
	go func() {
		e.ewg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(e.opts.DrainTimeout):
		cancel()
		<-flushed
	}

	atomic.StoreInt64(&e.running, hasRun)
	e.log.Info("engine stopped")
	return nil
}

// Wait blocks until Run is accepting work (or the timeout elapses).
func (e *Engine) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-e.ready:
		return true
	}
}

// replay reloads every persisted timer into the scheduler.
func (e *Engine) replay() error {
	due, err := e.store.DueTimers(e.ctx, math.MaxInt64, 0)
	if err != nil {
		return fmt.Errorf("replaying timers: %w", err)
	}
	for _, d := range due {
		if err := e.sched.Add(timers.Entry{Key: d.Key, RuleID: d.RuleID, At: d.FireAt}); err != nil {
			return fmt.Errorf("replaying timers: %w", err)
		}
	}
	if 0 < len(due) {
		e.log.Info("replayed timers", "count", len(due))
	}
	e.met.PendingTimers.Set(float64(e.sched.Pending()))
	return nil
}

// Ingest accepts one raw record from a named source.  Sources are
// fire-and-forget: problems are counted and logged, never returned.
func (e *Engine) Ingest(source string, raw []byte) {
	if atomic.LoadInt64(&e.accepting) != 1 {
		return
	}
	e.met.RecordsIngested.Inc()

	rec, err := event.ParseRecord(source, raw, e.now())
	if err != nil {
		e.met.IngestErrors.Inc()
		e.log.Warn("dropping malformed record", "source", source, "err", err)
		return
	}

	names := match.Match(e.types, source, rec.Data)
	if len(names) == 0 {
		e.met.MatchMisses.Inc()
		return
	}

	// A record matching several types mutates each type's context
	// independently.
	for _, name := range names {
		ev, err := e.typed(name, rec)
		if err != nil {
			e.met.BadKeys.Inc()
			e.log.Warn("dropping event", "source", source, "err", err)
			continue
		}
		e.met.EventsTyped.WithLabelValues(name).Inc()
		e.post(item{ev: ev})
	}
}

// typed binds a classified record to its correlation key.  Events of
// an uncorrelated type each get a context of their own.
func (e *Engine) typed(name string, rec event.Record) (*event.Event, error) {
	def := e.typeByName[name]
	ev := &event.Event{
		Type:     name,
		Received: rec.Received,
		Data:     rec.Data,
		Raw:      rec.Raw,
	}
	if !def.Correlated() {
		n := atomic.AddUint64(&e.uncorrelated, 1)
		ev.Key = fmt.Sprintf("~uncorrelated:%s:%d", rec.Source, n)
		ev.ID = uuid.NewString()
		return ev, nil
	}
	v, err := match.Extract(def.KeyPath, rec.Data)
	if err != nil {
		return nil, &BadKeyError{Type: name, Err: err}
	}
	key, ok := match.Scalar(v)
	if !ok {
		return nil, &BadKeyError{Type: name, Err: fmt.Errorf("%#v is not a scalar", v)}
	}
	ev.Key = key
	return ev, nil
}

// post hands an item to its key's worker.  Events are dropped on
// overflow; timer fires and evictions wait, since dropping one would
// silently stall its rule until the next restart.
func (e *Engine) post(it item) {
	q := e.queues[e.bucket(it.key())]
	if it.ev != nil {
		select {
		case q <- it:
			e.met.QueueDepth.Inc()
		default:
			e.met.QueueDrops.Inc()
			e.log.Warn("dropping event on full queue", "key", it.ev.Key, "type", it.ev.Type)
		}
		return
	}
	select {
	case q <- it:
		e.met.QueueDepth.Inc()
	case <-e.ctx.Done():
	}
}

func (e *Engine) bucket(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.queues)))
}

func (e *Engine) worker(i int) {
	defer e.wg.Done()
	for it := range e.queues[i] {
		e.met.QueueDepth.Dec()
		start := time.Now()
		switch {
		case it.ev != nil:
			e.processEvent(it.ev)
		case it.due != nil:
			e.processTimer(*it.due)
		default:
			e.processEvict(it.evict)
		}
		e.met.ProcessDuration.Observe(float64(time.Since(start).Milliseconds()))
	}
}

// pump moves due timers from the scheduler to their keys' workers.
func (e *Engine) pump(ctx context.Context) {
	defer e.pwg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-e.sched.Due():
			e.met.PendingTimers.Set(float64(e.sched.Pending()))
			e.post(item{due: &entry})
		}
	}
}

func (e *Engine) sweeper(ctx context.Context) {
	defer e.pwg.Done()
	tick := time.NewTicker(e.opts.SweepEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			e.sweep()
		}
	}
}

// sweep queues evictions for idle contexts.  The eviction itself
// happens on the key's own worker, so it cannot race a mutation.
func (e *Engine) sweep() {
	now := e.now()
	var idle []string
	err := e.store.EachContext(e.ctx, func(c *event.Context) error {
		if e.opts.TTI <= now-c.TouchedAt {
			idle = append(idle, c.Key)
		}
		return nil
	})
	if err != nil {
		e.met.StoreErrors.Inc()
		e.log.Error("eviction sweep failed", "err", err)
		return
	}
	for _, key := range idle {
		e.post(item{evict: key})
	}
}

func (e *Engine) now() int64 {
	return e.opts.Now()
}
