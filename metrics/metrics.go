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

// Package metrics defines the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's counters and gauges.  They are
// registered on a caller-supplied registry, so embedders and tests
// stay isolated; there is no package-level state.
type Metrics struct {
	RecordsIngested prometheus.Counter
	IngestErrors    prometheus.Counter
	MatchMisses     prometheus.Counter
	BadKeys         prometheus.Counter

	EventsTyped *prometheus.CounterVec

	Firings      *prometheus.CounterVec
	ScriptErrors *prometheus.CounterVec
	ScriptNulls  *prometheus.CounterVec

	TemplateErrors *prometheus.CounterVec
	RenderDrops    *prometheus.CounterVec

	Emissions    *prometheus.CounterVec
	TargetRetry  *prometheus.CounterVec
	TargetErrors *prometheus.CounterVec
	DeadLetters  *prometheus.CounterVec

	StoreErrors prometheus.Counter
	Evictions   prometheus.Counter

	TimerFires      prometheus.Counter
	TimersCoalesced prometheus.Counter
	PendingTimers   prometheus.Gauge

	QueueDepth      prometheus.Gauge
	QueueDrops      prometheus.Counter
	ProcessDuration prometheus.Histogram
}

// New registers the engine's instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "laika_records_ingested_total",
			Help: "Total number of raw records accepted from sources.",
		}),
		IngestErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "laika_ingest_errors_total",
			Help: "Total number of records dropped as malformed.",
		}),
		MatchMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "laika_match_misses_total",
			Help: "Total number of records that matched no event type.",
		}),
		BadKeys: f.NewCounter(prometheus.CounterOpts{
			Name: "laika_bad_keys_total",
			Help: "Total number of events dropped because correlation key extraction failed.",
		}),
		EventsTyped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laika_events_typed_total",
			Help: "Total number of typed events produced, labelled by event type.",
		}, []string{"type"}),
		Firings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laika_rule_firings_total",
			Help: "Total number of rule firings, labelled by trigger name.",
		}, []string{"rule"}),
		ScriptErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laika_script_errors_total",
			Help: "Total number of filter script failures, labelled by trigger name.",
		}, []string{"rule"}),
		ScriptNulls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laika_script_nulls_total",
			Help: "Total number of evaluations the filter script declined, labelled by trigger name.",
		}, []string{"rule"}),
		TemplateErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laika_template_errors_total",
			Help: "Total number of payload expressions that failed to render, labelled by trigger name.",
		}, []string{"rule"}),
		RenderDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laika_render_drops_total",
			Help: "Total number of emissions dropped because the payload would not serialize.",
		}, []string{"rule"}),
		Emissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laika_emissions_total",
			Help: "Total number of payloads delivered, labelled by target.",
		}, []string{"target"}),
		TargetRetry: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laika_target_retries_total",
			Help: "Total number of delivery retries, labelled by target.",
		}, []string{"target"}),
		TargetErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laika_target_errors_total",
			Help: "Total number of delivery failures, labelled by target.",
		}, []string{"target"}),
		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Name: "laika_dead_letters_total",
			Help: "Total number of payloads abandoned after exhausting retries, labelled by target.",
		}, []string{"target"}),
		StoreErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "laika_store_errors_total",
			Help: "Total number of context store failures.",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "laika_evictions_total",
			Help: "Total number of contexts evicted.",
		}),
		TimerFires: f.NewCounter(prometheus.CounterOpts{
			Name: "laika_timer_fires_total",
			Help: "Total number of timer-driven evaluations.",
		}),
		TimersCoalesced: f.NewCounter(prometheus.CounterOpts{
			Name: "laika_timers_coalesced_total",
			Help: "Total number of past-due ticks collapsed into a single fire.",
		}),
		PendingTimers: f.NewGauge(prometheus.GaugeOpts{
			Name: "laika_pending_timers",
			Help: "Number of timers currently scheduled.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "laika_queue_depth",
			Help: "Number of work items waiting across worker queues.",
		}),
		QueueDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "laika_queue_drops_total",
			Help: "Total number of events dropped because a worker queue was full.",
		}),
		ProcessDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "laika_process_duration_ms",
			Help:    "Per-item processing latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
	}
}
