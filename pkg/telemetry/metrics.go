package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "polis.shield"

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	scanCounter          metric.Int64Counter
	scanLatencyHistogram metric.Float64Histogram
	flagCounter          metric.Int64Counter
	findingCounter       metric.Int64Counter
	detectorRunCounter   metric.Int64Counter
	detectorLatency      metric.Float64Histogram
	jobTransitionCounter metric.Int64Counter
)

// ScanMetrics captures the fields recorded for one completed or failed scan.
type ScanMetrics struct {
	// Mode is "sync", "job" or "policy".
	Mode      string
	Outcome   string
	Safe      bool
	Score     int
	FlagTypes []string
	Findings  int
	Duration  time.Duration
}

// RecordScan emits counters and histograms that describe a scan.
func RecordScan(ctx context.Context, m ScanMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("scan.mode", m.Mode),
		attribute.String("scan.outcome", m.Outcome),
		attribute.Bool("scan.safe", m.Safe),
	)
	scanCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		scanLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	for _, ft := range m.FlagTypes {
		flagCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("flag.type", ft)))
	}
	if m.Findings > 0 {
		findingCounter.Add(ctx, int64(m.Findings), metric.WithAttributes(attribute.String("scan.mode", m.Mode)))
	}
}

// DetectorMetrics captures a single detector invocation.
type DetectorMetrics struct {
	Detector string
	Outcome  string
	Flags    int
	Duration time.Duration
}

// RecordDetectorRun emits the detector execution counter and latency.
func RecordDetectorRun(ctx context.Context, m DetectorMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("detector.name", m.Detector),
		attribute.String("detector.outcome", m.Outcome),
	)
	// Record against a live context; the detector context may already be cancelled.
	ctx = context.WithoutCancel(ctx)
	detectorRunCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		detectorLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordJobTransition counts a job entering status.
func RecordJobTransition(ctx context.Context, status string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	jobTransitionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("job.status", status)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(instrumentationName)

		scanCounter, metricsInitErr = meter.Int64Counter(
			"shield.scan.total",
			metric.WithDescription("Scans partitioned by mode, outcome and verdict"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		scanLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"shield.scan.duration_ms",
			metric.WithDescription("Observed end-to-end scan latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		flagCounter, metricsInitErr = meter.Int64Counter(
			"shield.flags.total",
			metric.WithDescription("Flags raised by detectors, by flag type"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		findingCounter, metricsInitErr = meter.Int64Counter(
			"shield.findings.total",
			metric.WithDescription("Policy findings produced"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		detectorRunCounter, metricsInitErr = meter.Int64Counter(
			"shield.detector.runs_total",
			metric.WithDescription("Detector invocations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		detectorLatency, metricsInitErr = meter.Float64Histogram(
			"shield.detector.duration_ms",
			metric.WithDescription("Observed detector latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		jobTransitionCounter, metricsInitErr = meter.Int64Counter(
			"shield.job.transitions_total",
			metric.WithDescription("Job status transitions by target status"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// RecordScanEvent attaches the verdict of a scan to span without leaking content.
func RecordScanEvent(span trace.Span, safe bool, score int, flags int, findings int) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("scan.verdict", trace.WithAttributes(
		attribute.Bool("scan.safe", safe),
		attribute.Int("scan.score", score),
		attribute.Int("scan.flags.count", flags),
		attribute.Int("scan.findings.count", findings),
	))
}
