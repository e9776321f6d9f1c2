// Package governance holds the runtime safety controls of the scanning service:
// per-client rate limiting at the HTTP edge and retry with backoff for detectors
// that call remote models.
package governance
