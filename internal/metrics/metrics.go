// Package metrics records interviewer and cadence activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wa_interviewer"

// Recorder is what the core components report to.
type Recorder interface {
	CadenceSent(tenantID string)
	CadenceFailed(tenantID string)
	CadenceDropped(tenantID string)
	CadenceAbandoned(tenantID string, targets int)
	CadenceQueued(tenantID string, queued int)
	CohortFallback(tenantID string)
	InboundMessage(kind, outcome string)
	InterviewStarted(tenantID string)
	InterviewFinished(tenantID, status string)
	ObserveAI(stage string, success bool, duration time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) CadenceSent(string)                    {}
func (Nop) CadenceFailed(string)                  {}
func (Nop) CadenceDropped(string)                 {}
func (Nop) CadenceAbandoned(string, int)          {}
func (Nop) CadenceQueued(string, int)             {}
func (Nop) CohortFallback(string)                 {}
func (Nop) InboundMessage(string, string)         {}
func (Nop) InterviewStarted(string)               {}
func (Nop) InterviewFinished(string, string)      {}
func (Nop) ObserveAI(string, bool, time.Duration) {}

// Prometheus implements Recorder on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	cadenceSent      *prometheus.CounterVec
	cadenceFailed    *prometheus.CounterVec
	cadenceDropped   *prometheus.CounterVec
	cadenceAbandoned *prometheus.CounterVec
	cadenceQueue     *prometheus.GaugeVec
	cohortFallbacks  *prometheus.CounterVec
	inbound          *prometheus.CounterVec
	started          *prometheus.CounterVec
	finished         *prometheus.CounterVec
	aiDuration       *prometheus.HistogramVec
}

var _ Recorder = (*Prometheus)(nil)

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Prometheus{
		registry: registry,
		cadenceSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cadence_sent_total",
			Help:      "Invitations delivered by the cadence distributor",
		}, []string{"tenant"}),
		cadenceFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cadence_errors_total",
			Help:      "Failed invitation send attempts",
		}, []string{"tenant"}),
		cadenceDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cadence_dropped_total",
			Help:      "Targets dropped after exhausting retries",
		}, []string{"tenant"}),
		cadenceAbandoned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cadence_abandoned_targets_total",
			Help:      "Targets abandoned when a job outlived its TTL",
		}, []string{"tenant"}),
		cadenceQueue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cadence_queue_length",
			Help:      "Targets waiting in the tenant cadence job",
		}, []string{"tenant"}),
		cohortFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cohort_fallback_total",
			Help:      "Opt-ins whose cohort could not be resolved",
		}, []string{"tenant"}),
		inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by kind and outcome",
		}, []string{"kind", "outcome"}),
		started: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interviews_started_total",
			Help:      "Interviews started",
		}, []string{"tenant"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interviews_finished_total",
			Help:      "Interviews finished by final status",
		}, []string{"tenant", "status"}),
		aiDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ai_call_duration_seconds",
			Help:      "Duration of transcription, scoring and speech calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) CadenceSent(tenantID string) {
	p.cadenceSent.WithLabelValues(tenantID).Inc()
}

func (p *Prometheus) CadenceFailed(tenantID string) {
	p.cadenceFailed.WithLabelValues(tenantID).Inc()
}

func (p *Prometheus) CadenceDropped(tenantID string) {
	p.cadenceDropped.WithLabelValues(tenantID).Inc()
}

func (p *Prometheus) CadenceAbandoned(tenantID string, targets int) {
	p.cadenceAbandoned.WithLabelValues(tenantID).Add(float64(targets))
}

func (p *Prometheus) CadenceQueued(tenantID string, queued int) {
	p.cadenceQueue.WithLabelValues(tenantID).Set(float64(queued))
}

func (p *Prometheus) CohortFallback(tenantID string) {
	p.cohortFallbacks.WithLabelValues(tenantID).Inc()
}

func (p *Prometheus) InboundMessage(kind, outcome string) {
	p.inbound.WithLabelValues(kind, outcome).Inc()
}

func (p *Prometheus) InterviewStarted(tenantID string) {
	p.started.WithLabelValues(tenantID).Inc()
}

func (p *Prometheus) InterviewFinished(tenantID, status string) {
	p.finished.WithLabelValues(tenantID, status).Inc()
}

// ObserveAI records the latency of one external AI call.
func (p *Prometheus) ObserveAI(stage string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.aiDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}
