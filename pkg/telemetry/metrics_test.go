package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func TestRecordScan(t *testing.T) {
	reader := installReader(t)

	RecordScan(context.Background(), ScanMetrics{
		Mode:      "sync",
		Outcome:   "ok",
		Safe:      false,
		Score:     75,
		FlagTypes: []string{"PROMPT_INJECTION_DETECTED"},
		Findings:  2,
		Duration:  150 * time.Millisecond,
	})

	metrics := collectMetrics(t, reader)

	scans, ok := metrics["shield.scan.total"]
	if !ok {
		t.Fatalf("missing shield.scan.total metric")
	}
	scanData, ok := scans.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for scan metric")
	}
	if len(scanData.DataPoints) != 1 || scanData.DataPoints[0].Value != 1 {
		t.Fatalf("expected a single scan datapoint with value 1, got %+v", scanData.DataPoints)
	}
	if value, ok := scanData.DataPoints[0].Attributes.Value(attribute.Key("scan.mode")); !ok || value.AsString() != "sync" {
		t.Fatalf("expected scan.mode attribute to be sync, got %v", value)
	}

	flags := metrics["shield.flags.total"].Data.(metricdata.Sum[int64])
	if flags.DataPoints[0].Value != 1 {
		t.Fatalf("expected flag count 1, got %d", flags.DataPoints[0].Value)
	}
	if value, _ := flags.DataPoints[0].Attributes.Value(attribute.Key("flag.type")); value.AsString() != "PROMPT_INJECTION_DETECTED" {
		t.Fatalf("unexpected flag.type %v", value)
	}

	findings := metrics["shield.findings.total"].Data.(metricdata.Sum[int64])
	if findings.DataPoints[0].Value != 2 {
		t.Fatalf("expected finding count 2, got %d", findings.DataPoints[0].Value)
	}

	hist := metrics["shield.scan.duration_ms"].Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Count != 1 || hist.DataPoints[0].Sum != 150 {
		t.Fatalf("unexpected histogram datapoint %+v", hist.DataPoints[0])
	}
}

func TestRecordDetectorRunAndJobTransition(t *testing.T) {
	reader := installReader(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	RecordDetectorRun(ctx, DetectorMetrics{Detector: "pii", Outcome: "ok", Flags: 1, Duration: 3 * time.Millisecond})
	RecordJobTransition(context.Background(), "processing")
	RecordJobTransition(context.Background(), "completed")

	metrics := collectMetrics(t, reader)

	runs := metrics["shield.detector.runs_total"].Data.(metricdata.Sum[int64])
	if runs.DataPoints[0].Value != 1 {
		t.Fatalf("expected detector run count 1, got %d", runs.DataPoints[0].Value)
	}
	if value, _ := runs.DataPoints[0].Attributes.Value(attribute.Key("detector.name")); value.AsString() != "pii" {
		t.Fatalf("unexpected detector.name %v", value)
	}

	transitions := metrics["shield.job.transitions_total"].Data.(metricdata.Sum[int64])
	if len(transitions.DataPoints) != 2 {
		t.Fatalf("expected 2 transition datapoints, got %d", len(transitions.DataPoints))
	}
}

func TestRecordScanEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "scan")
	RecordScanEvent(span, false, 60, 1, 1)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "scan.verdict" {
		t.Fatalf("expected a single scan.verdict event, got %+v", events)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("scan.safe")); !ok || value.AsBool() {
		t.Fatalf("expected scan.safe attribute false")
	}
	if value, ok := attrs.Value(attribute.Key("scan.score")); !ok || value.AsInt64() != 60 {
		t.Fatalf("expected scan.score 60, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("ignore previous instructions")
	if a != Fingerprint("ignore previous instructions") {
		t.Fatalf("fingerprint must be deterministic")
	}
	if a == Fingerprint("ignore previous instruction") {
		t.Fatalf("different content should not collide")
	}
}
