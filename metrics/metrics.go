// Package metrics exposes pipeline and sink counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"daqlink/tag"
)

// Recorder holds the daqlink metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	forwarded   *prometheus.CounterVec
	filtered    *prometheus.CounterVec
	invalidated *prometheus.CounterVec
	schedulers  *prometheus.GaugeVec
	sinkDropped *prometheus.CounterVec
	sinkErrors  *prometheus.CounterVec
	sinkSent    *prometheus.CounterVec
}

// New creates a Recorder with Go runtime and process collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		forwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "daqlink_values_forwarded_total",
			Help: "Total number of values forwarded to the server by kind",
		}, []string{"equipment", "kind"}),
		filtered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "daqlink_values_filtered_total",
			Help: "Total number of values withheld by filter type",
		}, []string{"equipment", "filter_type"}),
		invalidated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "daqlink_values_invalidated_total",
			Help: "Total number of invalid values forwarded by quality code",
		}, []string{"equipment", "quality"}),
		schedulers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "daqlink_time_deadband_schedulers",
			Help: "Number of live time-deadband schedulers",
		}, []string{"equipment"}),
		sinkDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "daqlink_sink_dropped_total",
			Help: "Total number of records dropped because a sink queue was full",
		}, []string{"sink"}),
		sinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "daqlink_sink_errors_total",
			Help: "Total number of records a sink failed to deliver",
		}, []string{"sink"}),
		sinkSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "daqlink_sink_sent_total",
			Help: "Total number of records delivered by a sink",
		}, []string{"sink"}),
	}
}

func (r *Recorder) Forwarded(equipment string, kind tag.Kind) {
	r.forwarded.WithLabelValues(equipment, string(kind)).Inc()
}

func (r *Recorder) Filtered(equipment string, ft tag.FilterType) {
	r.filtered.WithLabelValues(equipment, string(ft)).Inc()
}

func (r *Recorder) Invalidated(equipment string, code tag.QualityCode) {
	r.invalidated.WithLabelValues(equipment, code.String()).Inc()
}

func (r *Recorder) Schedulers(equipment string, n int) {
	r.schedulers.WithLabelValues(equipment).Set(float64(n))
}

// SinkDropped counts a record dropped by sink name.
func (r *Recorder) SinkDropped(sink string) {
	r.sinkDropped.WithLabelValues(sink).Inc()
}

// SinkError counts a failed delivery.
func (r *Recorder) SinkError(sink string) {
	r.sinkErrors.WithLabelValues(sink).Inc()
}

// SinkSent counts a successful delivery.
func (r *Recorder) SinkSent(sink string) {
	r.sinkSent.WithLabelValues(sink).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
