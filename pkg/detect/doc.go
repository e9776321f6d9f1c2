// Package detect runs content detectors for the scanning pipeline.
//
// A Detector inspects prompt text and raises domain.Flag values for the check
// types it declares. The Registry keeps detectors in registration order,
// resolves the set to run for a request and executes them concurrently while
// preserving that order in the returned flags. Built-in detectors cover prompt
// injection, PII and toxicity; a model-backed judge can be registered when an
// OpenAI-compatible endpoint is configured.
package detect
