// Package metrics exposes the engine's Prometheus counters and histograms.
// One Metrics value per engine instance, on its own registry, so tests and
// multi-tenant embedding never trip duplicate-registration panics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument named in the observability contract.
type Metrics struct {
	Registry *prometheus.Registry

	AtomsTotal     *prometheus.CounterVec // status
	AttemptsTotal  prometheus.Counter
	RetriesTotal   prometheus.Counter
	CostUSDTotal   *prometheus.CounterVec // layer
	CacheHits      *prometheus.CounterVec // layer
	CacheMisses    *prometheus.CounterVec // layer
	CacheWrites    *prometheus.CounterVec // layer
	CacheErrors    *prometheus.CounterVec // layer
	QueueEnqueued  prometheus.Counter
	QueueDequeued  prometheus.Counter
	QueueRejected  prometheus.Counter
	QueueExpired   prometheus.Counter
	Acceptance     *prometheus.CounterVec // status, priority
	GatePassed     prometheus.Counter
	GateFailed     prometheus.Counter
	EventsEmitted  *prometheus.CounterVec // type
	OutboxPublished prometheus.Counter

	AtomDurationMS   prometheus.Histogram
	WaveDurationMS   prometheus.Histogram
	AttemptsPerAtom  prometheus.Histogram
	BatchSize        prometheus.Histogram
	LLMRequestMS     *prometheus.HistogramVec // cached
	ParallelPeak     prometheus.Histogram
}

// New builds a Metrics set registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		AtomsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waveforge_atoms_total", Help: "Atoms reaching a terminal status.",
		}, []string{"status"}),
		AttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waveforge_attempts_total", Help: "Generation attempts started.",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waveforge_retries_total", Help: "Attempts beyond the first.",
		}),
		CostUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waveforge_cost_usd_total", Help: "Accumulated cost in USD.",
		}, []string{"layer"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waveforge_cache_hits_total", Help: "Cache hits by layer.",
		}, []string{"layer"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waveforge_cache_misses_total", Help: "Cache misses by layer.",
		}, []string{"layer"}),
		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waveforge_cache_writes_total", Help: "Cache writes by layer.",
		}, []string{"layer"}),
		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waveforge_cache_errors_total", Help: "Cache errors by layer.",
		}, []string{"layer"}),
		QueueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waveforge_queue_enqueued_total", Help: "Items accepted by the queue.",
		}),
		QueueDequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waveforge_queue_dequeued_total", Help: "Items handed to workers.",
		}),
		QueueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waveforge_queue_rejected_total", Help: "Enqueues rejected at capacity.",
		}),
		QueueExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waveforge_queue_expired_total", Help: "Items dropped past their deadline.",
		}),
		Acceptance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waveforge_acceptance_total", Help: "Acceptance test outcomes.",
		}, []string{"status", "priority"}),
		GatePassed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waveforge_gate_passed_total", Help: "Gate decisions that passed.",
		}),
		GateFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waveforge_gate_failed_total", Help: "Gate decisions that blocked.",
		}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waveforge_events_emitted_total", Help: "Events emitted by type.",
		}, []string{"type"}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waveforge_outbox_published_total", Help: "Outbox rows published.",
		}),
		AtomDurationMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "waveforge_atom_duration_ms",
			Help:    "Wall time per atom including retries.",
			Buckets: prometheus.ExponentialBuckets(50, 2, 14),
		}),
		WaveDurationMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "waveforge_wave_duration_ms",
			Help:    "Wall time per wave.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 16),
		}),
		AttemptsPerAtom: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "waveforge_attempts_per_atom",
			Help:    "Attempts used per terminal atom.",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "waveforge_batch_size",
			Help:    "Prompts per flushed batch.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		LLMRequestMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waveforge_llm_request_duration_ms",
			Help:    "Generator call latency; label cached=true means served from cache.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 16),
		}, []string{"cached"}),
		ParallelPeak: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "waveforge_wave_parallel_peak",
			Help:    "Peak concurrent workers observed per wave.",
			Buckets: prometheus.LinearBuckets(1, 2, 16),
		}),
	}
	reg.MustRegister(
		m.AtomsTotal, m.AttemptsTotal, m.RetriesTotal, m.CostUSDTotal,
		m.CacheHits, m.CacheMisses, m.CacheWrites, m.CacheErrors,
		m.QueueEnqueued, m.QueueDequeued, m.QueueRejected, m.QueueExpired,
		m.Acceptance, m.GatePassed, m.GateFailed, m.EventsEmitted,
		m.OutboxPublished, m.AtomDurationMS, m.WaveDurationMS,
		m.AttemptsPerAtom, m.BatchSize, m.LLMRequestMS, m.ParallelPeak,
	)
	return m
}

// Nop returns a usable Metrics set that is registered nowhere visible;
// convenient default for components constructed without observability.
func Nop() *Metrics { return New() }
