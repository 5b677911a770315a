package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	SchedulesPublished  prometheus.Counter
	SchedulesDeprecated prometheus.Counter
	VersionConflicts    prometheus.Counter

	ArrivalsRecorded prometheus.Counter
	OnTimeArrivals   prometheus.Counter
	LateArrivals     prometheus.Counter

	UnauthorizedCalls *prometheus.CounterVec // op label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	MirrorWrites    prometheus.Counter
	MirrorWriteErrs prometheus.Counter

	OpDuration      prometheus.Histogram
	PublishDuration prometheus.Histogram

	OnTimeThreshold prometheus.Gauge // seconds
}

func NewCollector(thresholdSec uint64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		SchedulesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_schedules_published_total",
			Help: "Total schedule publications committed.",
		}),
		SchedulesDeprecated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_schedules_deprecated_total",
			Help: "Total schedule deprecations committed.",
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_version_conflicts_total",
			Help: "Total publish attempts rejected for a taken (route, version) pair.",
		}),
		ArrivalsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_arrivals_recorded_total",
			Help: "Total arrival events committed.",
		}),
		OnTimeArrivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_arrivals_on_time_total",
			Help: "Arrivals classified on-time at recording.",
		}),
		LateArrivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_arrivals_late_total",
			Help: "Arrivals classified outside the threshold at recording.",
		}),
		UnauthorizedCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_unauthorized_calls_total",
			Help: "State-mutating calls rejected for missing admin/role capability.",
		}, []string{"op"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_nats_published_total",
			Help: "Total NATS notifications published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		MirrorWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_mirror_writes_total",
			Help: "Total rows written to the Postgres audit mirror.",
		}),
		MirrorWriteErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_mirror_write_errors_total",
			Help: "Total failed audit mirror writes.",
		}),
		OpDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_op_duration_seconds",
			Help:    "Duration of ledger operations, request to commit.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS notification.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		OnTimeThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_on_time_threshold_seconds",
			Help: "Current on-time classification threshold.",
		}),
	}

	// Register
	reg.MustRegister(
		c.SchedulesPublished, c.SchedulesDeprecated, c.VersionConflicts,
		c.ArrivalsRecorded, c.OnTimeArrivals, c.LateArrivals,
		c.UnauthorizedCalls,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.MirrorWrites, c.MirrorWriteErrs,
		c.OpDuration, c.PublishDuration,
		c.OnTimeThreshold,
	)

	c.OnTimeThreshold.Set(float64(thresholdSec))

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
