package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-shield/pkg/domain"
)

// Error codes that have no domain kind.
const (
	CodeRateLimited     = "RateLimited"
	CodePayloadTooLarge = "PayloadTooLarge"
)

// retryAfterSeconds is advertised when the job queue is full.
const retryAfterSeconds = "1"

// StatusFor maps an error onto its HTTP status code.
func StatusFor(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch domain.KindOf(err) {
	case domain.KindInvalidRequest, domain.KindUnknownCheckType:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindOverloaded:
		return http.StatusServiceUnavailable
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error) string {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return CodePayloadTooLarge
	}
	return string(domain.KindOf(err))
}

// traceID returns the OpenTelemetry trace id of ctx, if one is recording.
func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := StatusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(ctx, "request failed", "error", err, "status", status)
	}
	if domain.KindOf(err) == domain.KindInternal && status == http.StatusInternalServerError {
		message = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeErrorBody(ctx, w, status, codeFor(err), message, s.logger)
}

func writeErrorBody(ctx context.Context, w http.ResponseWriter, status int, code, message string, logger *slog.Logger) {
	writeJSON(w, status, domain.ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: traceID(ctx),
	}, logger)
}

func writeJSON(w http.ResponseWriter, status int, body any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
