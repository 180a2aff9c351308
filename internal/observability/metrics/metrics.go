package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "ivlab_"

	// ResultSuccess and ResultError are the result label values.
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	samplesTotal     *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	eventDuration    *prometheus.HistogramVec
	openEvents       prometheus.Gauge
	instrumentErrors *prometheus.CounterVec
	attributionTotal prometheus.Counter
	mpptSetpoint     *prometheus.GaugeVec

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec

	workOrdersTotal *prometheus.CounterVec
	forwardedTotal  *prometheus.CounterVec
)

// Init registers engine metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		samplesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "samples_ingested_total",
				Help: "Raw samples attributed to events by event kind",
			},
			[]string{"kind"},
		)
		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_closed_total",
				Help: "Closed events by kind and status",
			},
			[]string{"kind", "status"},
		)
		eventDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "event_duration_seconds",
				Help:    "Event wall-clock duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		)
		openEvents = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "events_open",
				Help: "Events currently holding an SMU",
			},
		)
		instrumentErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "instrument_errors_total",
				Help: "Instrument failures by event kind",
			},
			[]string{"kind"},
		)
		attributionTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "attribution_errors_total",
				Help: "Sample attribution invariant violations",
			},
		)
		mpptSetpoint = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "mppt_setpoint_volts",
				Help: "Latest MPPT voltage setpoint per SMU",
			},
			[]string{"smu"},
		)

		runsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "runs_total",
				Help: "Finished runs by status",
			},
			[]string{"status"},
		)
		runDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "run_duration_seconds",
				Help:    "Run wall-clock duration in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"status"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "run_export_total",
				Help: "Run exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "run_export_latency_seconds",
				Help:    "Run export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		workOrdersTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "work_orders_total",
				Help: "Received work orders by source and result",
			},
			[]string{"source", "result"},
		)
		forwardedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_forwarded_total",
				Help: "Telemetry messages forwarded by sink and result",
			},
			[]string{"sink", "result"},
		)

		prometheus.MustRegister(
			samplesTotal,
			eventsTotal,
			eventDuration,
			openEvents,
			instrumentErrors,
			attributionTotal,
			mpptSetpoint,
			runsTotal,
			runDuration,
			exportTotal,
			exportLatency,
			workOrdersTotal,
			forwardedTotal,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncSamples counts one attributed sample.
func IncSamples(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if samplesTotal != nil {
		samplesTotal.WithLabelValues(kind).Inc()
	}
}

// EventOpened tracks an event taking its SMU.
func EventOpened() {
	if openEvents != nil {
		openEvents.Inc()
	}
}

// ObserveEventClosed records the end of an event.
func ObserveEventClosed(kind, status string, duration time.Duration) {
	if kind == "" {
		kind = "unknown"
	}
	if openEvents != nil {
		openEvents.Dec()
	}
	if eventsTotal != nil {
		eventsTotal.WithLabelValues(kind, status).Inc()
	}
	if eventDuration != nil {
		eventDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// IncInstrumentError counts an instrument failure.
func IncInstrumentError(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if instrumentErrors != nil {
		instrumentErrors.WithLabelValues(kind).Inc()
	}
}

// IncAttributionError counts an attribution invariant violation.
func IncAttributionError() {
	if attributionTotal != nil {
		attributionTotal.Inc()
	}
}

// SetMPPTSetpoint records the latest tracker output.
func SetMPPTSetpoint(smu string, volts float64) {
	if mpptSetpoint != nil {
		mpptSetpoint.WithLabelValues(smu).Set(volts)
	}
}

// ObserveRun records a finished run.
func ObserveRun(status string, duration time.Duration) {
	if runsTotal != nil {
		runsTotal.WithLabelValues(status).Inc()
	}
	if runDuration != nil {
		runDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = ResultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// IncWorkOrder counts a received work order.
func IncWorkOrder(source, result string) {
	if workOrdersTotal != nil {
		workOrdersTotal.WithLabelValues(source, result).Inc()
	}
}

// IncForwarded counts one telemetry message handed to a sink.
func IncForwarded(sink, result string) {
	if forwardedTotal != nil {
		forwardedTotal.WithLabelValues(sink, result).Inc()
	}
}
