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

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/baikonur-io/laika/metrics"
)

// A Target consumes rendered payloads.  Each target has a single
// delivery loop, so implementations are never called concurrently.
type Target interface {
	Submit(ctx context.Context, e Emission) error
}

// Emission is one rendered firing on its way to a target.
type Emission struct {
	// Target and Rule name the destination and the trigger that
	// fired.
	Target string
	Rule   string

	// Key is the correlation key of the firing context, and
	// Version the context version that committed the firing.
	// Together they order emissions per key.
	Key     string
	Version uint64

	// Payload is the rendered JSON.
	Payload []byte
}

// emitter delivers one target's emissions in order, retrying with
// exponential backoff before dead-lettering.  Delivery failures never
// reach back into contexts.
type emitter struct {
	name   string
	target Target
	ch     chan Emission

	tries   int
	base    time.Duration
	timeout time.Duration

	log *slog.Logger
	met *metrics.Metrics
}

func (em *emitter) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for msg := range em.ch {
		em.deliver(ctx, msg)
	}
}

// enqueue blocks when the target's queue is full.  Emissions are
// already committed, so dropping here would break at-least-once; slow
// targets instead push back on the workers feeding them.
func (em *emitter) enqueue(ctx context.Context, msg Emission) {
	select {
	case em.ch <- msg:
	case <-ctx.Done():
		em.met.DeadLetters.WithLabelValues(em.name).Inc()
		em.log.Warn("abandoning emission at shutdown",
			"target", em.name, "rule", msg.Rule, "key", msg.Key)
	}
}

func (em *emitter) deliver(ctx context.Context, msg Emission) {
	backoff := em.base
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, em.timeout)
		err := em.target.Submit(actx, msg)
		cancel()

		if err == nil {
			em.met.Emissions.WithLabelValues(em.name).Inc()
			return
		}
		em.met.TargetErrors.WithLabelValues(em.name).Inc()
		if em.tries <= attempt {
			em.met.DeadLetters.WithLabelValues(em.name).Inc()
			em.log.Error("dead-lettering emission",
				"target", em.name, "rule", msg.Rule, "key", msg.Key,
				"attempts", attempt, "err", err)
			return
		}
		em.met.TargetRetry.WithLabelValues(em.name).Inc()

		select {
		case <-ctx.Done():
			em.met.DeadLetters.WithLabelValues(em.name).Inc()
			em.log.Warn("abandoning emission at shutdown",
				"target", em.name, "rule", msg.Rule, "key", msg.Key)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
