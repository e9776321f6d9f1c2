// Package api serves the scanning pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-shield/internal/governance"
	"github.com/polisai/polis-shield/pkg/domain"
	"github.com/polisai/polis-shield/pkg/jobs"
	"github.com/polisai/polis-shield/pkg/redteam"
)

// Scanner runs synchronous content and policy scans.
type Scanner interface {
	Scan(ctx context.Context, req domain.ScanRequest) (domain.ScanResult, error)
	ScanPolicies(ctx context.Context, config map[string]any, frameworks []string) (domain.ScanResult, error)
}

// JobService owns asynchronous scan jobs.
type JobService interface {
	Submit(ctx context.Context, req domain.ScanRequest) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	Ping(ctx context.Context) error
	Stats() jobs.Stats
}

// Options configures a Server. Scanner and Jobs are required.
type Options struct {
	Scanner Scanner
	Jobs    JobService
	// Catalog defaults to the built-in red-team scenarios.
	Catalog *redteam.Catalog
	// Metrics defaults to a registry sampling Jobs.
	Metrics *Metrics
	// Limiter disables rate limiting when nil.
	Limiter      *governance.RateLimiter
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// Server holds the HTTP handlers.
type Server struct {
	scanner      Scanner
	jobs         JobService
	catalog      *redteam.Catalog
	metrics      *Metrics
	limiter      *governance.RateLimiter
	logger       *slog.Logger
	maxBodyBytes int64
}

// NewServer creates a Server.
func NewServer(opts Options) (*Server, error) {
	if opts.Scanner == nil {
		return nil, errors.New("api: scanner is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("api: job service is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Catalog == nil {
		opts.Catalog = redteam.Builtin()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(opts.Jobs)
	}
	return &Server{
		scanner:      opts.Scanner,
		jobs:         opts.Jobs,
		catalog:      opts.Catalog,
		metrics:      opts.Metrics,
		limiter:      opts.Limiter,
		logger:       opts.Logger.With("component", "api"),
		maxBodyBytes: opts.MaxBodyBytes,
	}, nil
}

// Metrics returns the server's Prometheus metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler builds the instrumented route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/scan", s.handleScan)
	mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	// Paths used by the original prompt-shield backend.
	mux.HandleFunc("POST /v1/tests", s.handleCreateJob)
	mux.HandleFunc("GET /v1/tests/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/compliance/scan", s.handleComplianceScan)
	mux.HandleFunc("GET /v1/scenarios", s.handleListScenarios)
	mux.HandleFunc("GET /v1/scenarios/{id}", s.handleGetScenario)
	mux.HandleFunc("POST /v1/scenarios/{id}/run", s.handleRunScenario)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	var h http.Handler = s.metrics.MetricsMiddleware(mux)
	h = limitBody(s.maxBodyBytes, h)
	h = NewRateLimitMiddleware(s.limiter, s.metrics, s.logger).Wrap(h)
	return otelhttp.NewHandler(h, "polis.shield")
}

type scanBody struct {
	Content   string         `json:"content"`
	Prompt    string         `json:"prompt"`
	CheckType string         `json:"checkType"`
	Config    map[string]any `json:"config"`
}

type scanResponse struct {
	IsSafe     bool      `json:"isSafe"`
	Flags      []string  `json:"flags"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var body scanBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	req := domain.ScanRequest{Content: firstNonEmpty(body.Content, body.Prompt), Config: body.Config}
	if strings.TrimSpace(body.CheckType) != "" {
		req.CheckTypes = []domain.CheckType{domain.ParseCheckType(body.CheckType)}
	}

	result, err := s.scanner.Scan(r.Context(), req)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, scanResponse{
		IsSafe:     result.IsSafe,
		Flags:      result.FlagTypes(),
		Confidence: result.Confidence,
		Timestamp:  result.ComputedAt,
	}, s.logger)
}

type jobBody struct {
	Content    string             `json:"content"`
	Input      string             `json:"input"`
	CheckTypes []domain.CheckType `json:"checkTypes"`
	Checks     []domain.CheckType `json:"checks"`
	Config     map[string]any     `json:"config"`
	Metadata   map[string]any     `json:"metadata"`
	Frameworks []string           `json:"frameworks"`
}

type jobCreated struct {
	ID        string           `json:"id"`
	Status    domain.JobStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body jobBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	checkTypes := body.CheckTypes
	if len(checkTypes) == 0 {
		checkTypes = body.Checks
	}
	job, err := s.jobs.Submit(r.Context(), domain.ScanRequest{
		Content:    firstNonEmpty(body.Content, body.Input),
		CheckTypes: checkTypes,
		Config:     body.Config,
		Metadata:   body.Metadata,
		Frameworks: body.Frameworks,
	})
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusCreated, jobCreated{ID: job.ID, Status: job.Status, CreatedAt: job.CreatedAt}, s.logger)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, job, s.logger)
}

type complianceBody struct {
	Config     map[string]any `json:"config"`
	Frameworks []string       `json:"frameworks"`
}

type complianceFinding struct {
	PolicyID    string          `json:"policyId"`
	Status      string          `json:"status"`
	Severity    domain.Severity `json:"severity"`
	Title       string          `json:"title"`
	Evidence    []string        `json:"evidence,omitempty"`
	Remediation string          `json:"remediation,omitempty"`
}

type complianceResponse struct {
	Score    int                 `json:"score"`
	Findings []complianceFinding `json:"findings"`
}

func (s *Server) handleComplianceScan(w http.ResponseWriter, r *http.Request) {
	var body complianceBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	result, err := s.scanner.ScanPolicies(r.Context(), body.Config, body.Frameworks)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	findings := make([]complianceFinding, 0, len(result.Findings))
	for _, f := range result.Findings {
		findings = append(findings, complianceFinding{
			PolicyID:    f.PolicyID,
			Status:      "failed",
			Severity:    f.Severity,
			Title:       f.Title,
			Evidence:    f.Evidence,
			Remediation: f.Remediation,
		})
	}
	writeJSON(w, http.StatusOK, complianceResponse{Score: result.Score, Findings: findings}, s.logger)
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scenarios := s.catalog.List(redteam.Filter{
		Category:   redteam.Category(q.Get("category")),
		Difficulty: redteam.Difficulty(q.Get("difficulty")),
	})
	writeJSON(w, http.StatusOK, scenarios, s.logger)
}

func (s *Server) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	scenario, err := s.scenario(r.PathValue("id"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, scenario, s.logger)
}

func (s *Server) handleRunScenario(w http.ResponseWriter, r *http.Request) {
	scenario, err := s.scenario(r.PathValue("id"))
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	report, err := redteam.Run(r.Context(), s.scanner, []redteam.Scenario{scenario})
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, report, s.logger)
}

func (s *Server) scenario(id string) (redteam.Scenario, error) {
	scenario, ok := s.catalog.Get(id)
	if !ok {
		return redteam.Scenario{}, fmt.Errorf("scenario %s: %w", id, domain.ErrNotFound)
	}
	return scenario, nil
}

type jobStats struct {
	Workers  int `json:"workers"`
	Capacity int `json:"capacity"`
	Queued   int `json:"queued"`
	InFlight int `json:"inFlight"`
}

type healthResponse struct {
	Status string   `json:"status"`
	Store  string   `json:"store"`
	Jobs   jobStats `json:"jobs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.jobs.Stats()
	resp := healthResponse{
		Status: "ok",
		Store:  "ok",
		Jobs:   jobStats{Workers: stats.Workers, Capacity: stats.Capacity, Queued: stats.Queued, InFlight: stats.InFlight},
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.jobs.Ping(ctx); err != nil {
		s.logger.WarnContext(ctx, "job store unreachable", "error", err)
		resp.Status = "degraded"
		resp.Store = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp, s.logger)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return domain.InvalidRequest("request body must be a JSON object")
		}
		return domain.InvalidRequest("malformed JSON body: %v", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
