package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the process metrics. A nil *Collectors is a no-op.
type Collectors struct {
	FramesSampled      prometheus.Counter
	FramesProcessed    prometheus.Counter
	AlertsAdmitted     *prometheus.CounterVec
	AlertsSuppressed   *prometheus.CounterVec
	CapabilityFailures *prometheus.CounterVec
	PersistenceErrors  *prometheus.CounterVec
	BroadcastDropped   prometheus.Counter
	SessionActive      prometheus.Gauge
	IterationDuration  prometheus.Histogram
	VoiceCommands      *prometheus.CounterVec
}

func New(namespace string) *Collectors {
	if namespace == "" {
		namespace = "aura"
	}
	return &Collectors{
		FramesSampled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "frames_sampled_total",
			Help:      "Frames pulled from capture, processed or skipped.",
		}),
		FramesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "frames_processed_total",
			Help:      "Frames run through perception capabilities.",
		}),
		AlertsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "admitted_total",
			Help:      "Findings admitted by the ledger, labeled by priority.",
		}, []string{"priority"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "suppressed_total",
			Help:      "Findings rejected by the ledger, labeled by priority.",
		}, []string{"priority"}),
		CapabilityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "failures_total",
			Help:      "Capability adapter errors, labeled by capability.",
		}, []string{"capability"}),
		PersistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "persistence_errors_total",
			Help:      "Failed durable writes, labeled by operation.",
		}, []string{"op"}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "broadcast_dropped_total",
			Help:      "Live events dropped because the broadcast queue was full.",
		}),
		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "1 while a session is running.",
		}),
		IterationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "iteration_duration_seconds",
			Help:      "Time spent running perception and alerting for one processed frame.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		VoiceCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "voice",
			Name:      "commands_total",
			Help:      "Handled voice commands, labeled by intent.",
		}, []string{"intent"}),
	}
}

func (c *Collectors) Register(reg prometheus.Registerer) error {
	if c == nil {
		return nil
	}
	for _, col := range []prometheus.Collector{
		c.FramesSampled,
		c.FramesProcessed,
		c.AlertsAdmitted,
		c.AlertsSuppressed,
		c.CapabilityFailures,
		c.PersistenceErrors,
		c.BroadcastDropped,
		c.SessionActive,
		c.IterationDuration,
		c.VoiceCommands,
	} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collectors) FrameSampled(processed bool) {
	if c == nil {
		return
	}
	c.FramesSampled.Inc()
	if processed {
		c.FramesProcessed.Inc()
	}
}

func (c *Collectors) Admission(priority string, admitted bool) {
	if c == nil {
		return
	}
	if admitted {
		c.AlertsAdmitted.WithLabelValues(priority).Inc()
		return
	}
	c.AlertsSuppressed.WithLabelValues(priority).Inc()
}

func (c *Collectors) CapabilityFailed(name string) {
	if c == nil {
		return
	}
	c.CapabilityFailures.WithLabelValues(name).Inc()
}

func (c *Collectors) PersistenceFailed(op string) {
	if c == nil {
		return
	}
	c.PersistenceErrors.WithLabelValues(op).Inc()
}

func (c *Collectors) BroadcastDrop() {
	if c == nil {
		return
	}
	c.BroadcastDropped.Inc()
}

func (c *Collectors) SetSessionActive(active bool) {
	if c == nil {
		return
	}
	if active {
		c.SessionActive.Set(1)
		return
	}
	c.SessionActive.Set(0)
}

func (c *Collectors) ObserveIteration(d time.Duration) {
	if c == nil {
		return
	}
	c.IterationDuration.Observe(d.Seconds())
}

func (c *Collectors) VoiceCommand(intent string) {
	if c == nil {
		return
	}
	c.VoiceCommands.WithLabelValues(intent).Inc()
}
