// Package scanner runs the scanning pipeline: request validation, detector
// resolution, concurrent detection, policy evaluation and aggregation.
package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-shield/pkg/detect"
	"github.com/polisai/polis-shield/pkg/domain"
	"github.com/polisai/polis-shield/pkg/policy"
	"github.com/polisai/polis-shield/pkg/scoring"
	"github.com/polisai/polis-shield/pkg/telemetry"
)

// Scan modes reported in metrics and spans.
const (
	ModeSync   = "sync"
	ModeJob    = "job"
	ModePolicy = "policy"
)

// Plan is a validated request together with the detectors and frameworks it
// resolved to.
type Plan struct {
	Request    domain.ScanRequest
	Detectors  []detect.Detector
	Frameworks []domain.Framework
}

// Scanner is safe for concurrent use. The registry and engine can be replaced
// at runtime; in-flight scans finish against the set they started with.
type Scanner struct {
	mu       sync.RWMutex
	registry *detect.Registry
	engine   *policy.Engine
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a scanner. Nil arguments fall back to the global built-ins.
func New(registry *detect.Registry, engine *policy.Engine, logger *slog.Logger) *Scanner {
	if registry == nil {
		registry = detect.GlobalRegistry()
	}
	if engine == nil {
		engine = policy.GlobalEngine()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		registry: registry,
		engine:   engine,
		logger:   logger,
		now:      time.Now,
	}
}

// Swap replaces the detector registry and policy engine. Nil arguments keep the
// current value.
func (s *Scanner) Swap(registry *detect.Registry, engine *policy.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if registry != nil {
		s.registry = registry
	}
	if engine != nil {
		s.engine = engine
	}
}

// Registry returns the active detector registry.
func (s *Scanner) Registry() *detect.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

// Engine returns the active policy engine.
func (s *Scanner) Engine() *policy.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Prepare validates req and resolves its check types without running anything.
// Errors are InvalidRequest or UnknownCheckType.
func (s *Scanner) Prepare(req domain.ScanRequest) (Plan, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return Plan{}, err
	}
	frameworks, err := domain.NormalizeFrameworks(req.Frameworks)
	if err != nil {
		return Plan{}, err
	}
	detectors, err := s.Registry().Resolve(req.CheckTypes)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Request: req, Detectors: detectors, Frameworks: frameworks}, nil
}

// Scan validates and scans req synchronously.
func (s *Scanner) Scan(ctx context.Context, req domain.ScanRequest) (domain.ScanResult, error) {
	return s.ScanAs(ctx, ModeSync, req)
}

// ScanAs is Scan with the mode used for metrics and spans.
func (s *Scanner) ScanAs(ctx context.Context, mode string, req domain.ScanRequest) (domain.ScanResult, error) {
	plan, err := s.Prepare(req)
	if err != nil {
		return domain.ScanResult{}, err
	}
	return s.Execute(ctx, mode, plan)
}

// Execute runs a prepared plan. Detectors run first; the policy engine runs only
// when the request names frameworks.
func (s *Scanner) Execute(ctx context.Context, mode string, plan Plan) (domain.ScanResult, error) {
	start := s.now()
	fingerprint := telemetry.Fingerprint(plan.Request.Content)

	ctx, span := telemetry.Tracer().Start(ctx, "shield.scan", trace.WithAttributes(
		attribute.String("scan.mode", mode),
		attribute.String("scan.fingerprint", fingerprint),
		attribute.Int("scan.detectors", len(plan.Detectors)),
	))
	defer span.End()

	flags, err := detect.RunAll(ctx, plan.Request.Content, plan.Detectors, plan.Request.Config)
	if err != nil {
		return s.fail(ctx, span, mode, fingerprint, start, err)
	}

	var findings []domain.Finding
	if len(plan.Frameworks) > 0 {
		findings, err = s.Engine().Scan(ctx, plan.Request.Config, plan.Frameworks)
		if err != nil {
			return s.fail(ctx, span, mode, fingerprint, start, err)
		}
	}

	result := scoring.Aggregate(flags, findings, s.now())
	s.finish(ctx, span, mode, fingerprint, start, result)
	return result, nil
}

// ScanPolicies evaluates the policy engine over config alone.
func (s *Scanner) ScanPolicies(ctx context.Context, config map[string]any, frameworks []string) (domain.ScanResult, error) {
	scope, err := domain.NormalizeFrameworks(frameworks)
	if err != nil {
		return domain.ScanResult{}, err
	}

	start := s.now()
	ctx, span := telemetry.Tracer().Start(ctx, "shield.policy_scan", trace.WithAttributes(
		attribute.String("scan.mode", ModePolicy),
		attribute.Int("scan.frameworks", len(scope)),
	))
	defer span.End()

	findings, err := s.Engine().Scan(ctx, config, scope)
	if err != nil {
		return s.fail(ctx, span, ModePolicy, "", start, err)
	}
	result := scoring.Aggregate(nil, findings, s.now())
	s.finish(ctx, span, ModePolicy, "", start, result)
	return result, nil
}

func (s *Scanner) finish(ctx context.Context, span trace.Span, mode, fingerprint string, start time.Time, result domain.ScanResult) {
	elapsed := s.now().Sub(start)
	telemetry.RecordScanEvent(span, result.IsSafe, result.Score, len(result.Flags), len(result.Findings))
	telemetry.RecordScan(ctx, telemetry.ScanMetrics{
		Mode:      mode,
		Outcome:   "ok",
		Safe:      result.IsSafe,
		Score:     result.Score,
		FlagTypes: result.FlagTypes(),
		Findings:  len(result.Findings),
		Duration:  elapsed,
	})
	s.logger.Debug("scan complete",
		"mode", mode,
		"fingerprint", fingerprint,
		"safe", result.IsSafe,
		"score", result.Score,
		"flags", result.FlagTypes(),
		"findings", len(result.Findings),
		"duration", elapsed,
	)
}

func (s *Scanner) fail(ctx context.Context, span trace.Span, mode, fingerprint string, start time.Time, err error) (domain.ScanResult, error) {
	kind := domain.KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	telemetry.RecordScan(ctx, telemetry.ScanMetrics{
		Mode:     mode,
		Outcome:  string(kind),
		Duration: s.now().Sub(start),
	})
	s.logger.Warn("scan failed",
		"mode", mode,
		"fingerprint", fingerprint,
		"kind", kind,
		"error", err,
	)
	return domain.ScanResult{}, err
}
