package detect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-shield/pkg/domain"
	"github.com/polisai/polis-shield/pkg/telemetry"
)

// Registry maintains a threadsafe, ordered catalogue of detectors.
type Registry struct {
	mu        sync.RWMutex
	detectors []Detector
	index     map[string]int
}

// NewRegistry creates an empty registry instance.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register inserts a detector, or replaces one with the same name in place so
// that registration order is stable across reloads. Each detector serves exactly
// one check type.
func (r *Registry) Register(d Detector) error {
	if d == nil {
		return fmt.Errorf("detect: registry detector is nil")
	}
	name := strings.TrimSpace(d.Name())
	if name == "" {
		return fmt.Errorf("detect: registry detector name is required")
	}
	// Flags carry no check type, so a detector serving several types could not
	// be scoped to the ones a request asked for.
	if n := len(d.CheckTypes()); n != 1 {
		return fmt.Errorf("detect: registry detector %s must serve exactly one check type, got %d", name, n)
	}

	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.index[key]; ok {
		r.detectors[slot] = d
		return nil
	}
	r.index[key] = len(r.detectors)
	r.detectors = append(r.detectors, d)
	return nil
}

// RegisterAll adds multiple detectors.
func (r *Registry) RegisterAll(detectors ...Detector) error {
	for _, d := range detectors {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Lookup fetches a detector by name.
func (r *Registry) Lookup(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return r.detectors[slot], true
}

// Detectors returns the registered detectors in registration order.
func (r *Registry) Detectors() []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Detector(nil), r.detectors...)
}

// CheckTypes lists every check type served by at least one detector, sorted.
func (r *Registry) CheckTypes() []domain.CheckType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[domain.CheckType]struct{})
	var out []domain.CheckType
	for _, d := range r.detectors {
		for _, ct := range d.CheckTypes() {
			if _, dup := seen[ct]; !dup {
				seen[ct] = struct{}{}
				out = append(out, ct)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve returns, in registration order, the detectors serving any of types.
// A type with no detector is an UnknownCheckType error; an empty result is
// never returned for a non-empty request.
func (r *Registry) Resolve(types []domain.CheckType) ([]Detector, error) {
	if len(types) == 0 {
		return nil, domain.InvalidRequest("at least one check type is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	served := make(map[domain.CheckType]bool, len(types))
	for _, ct := range types {
		served[ct] = false
	}

	var resolved []Detector
	for _, d := range r.detectors {
		matched := false
		for _, ct := range d.CheckTypes() {
			if _, wanted := served[ct]; wanted {
				served[ct] = true
				matched = true
			}
		}
		if matched {
			resolved = append(resolved, d)
		}
	}

	for _, ct := range types {
		if !served[ct] {
			return nil, domain.UnknownCheckType(ct)
		}
	}
	return resolved, nil
}

// RunAll runs detectors against content. See RunAll.
func (r *Registry) RunAll(ctx context.Context, content string, detectors []Detector, config map[string]any) ([]domain.Flag, error) {
	return RunAll(ctx, content, detectors, config)
}

// RunAll executes detectors concurrently and concatenates their flags in
// detector order. The first detector error or panic cancels the rest and is
// returned as a DetectorFailure; cancellation of ctx is returned as is. Flags
// below the request's "threshold" confidence are dropped.
func RunAll(ctx context.Context, content string, detectors []Detector, config map[string]any) ([]domain.Flag, error) {
	results := make([][]domain.Flag, len(detectors))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range detectors {
		g.Go(func() (err error) {
			start := time.Now()
			defer func() {
				if rec := recover(); rec != nil {
					err = domain.DetectorFailure(d.Name(), fmt.Errorf("panic: %v", rec))
				}
				telemetry.RecordDetectorRun(gctx, telemetry.DetectorMetrics{
					Detector: d.Name(),
					Outcome:  detectorOutcome(err),
					Flags:    len(results[i]),
					Duration: time.Since(start),
				})
			}()

			flags, derr := d.Detect(gctx, content, config)
			if derr != nil {
				if ctxErr := gctx.Err(); ctxErr != nil && errors.Is(derr, ctxErr) {
					return derr
				}
				return domain.DetectorFailure(d.Name(), derr)
			}
			for j := range flags {
				if flags[j].Detector == "" {
					flags[j].Detector = d.Name()
				}
			}
			results[i] = flags
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// A sibling failure cancels gctx; report the parent's own
		// cancellation only when it really happened.
		if ctxErr := ctx.Err(); ctxErr != nil && domain.KindOf(err) != domain.KindDetectorFailure {
			return nil, ctxErr
		}
		return nil, err
	}

	threshold, hasThreshold := floatValue(config[ConfigThreshold])
	flags := make([]domain.Flag, 0)
	for _, set := range results {
		for _, f := range set {
			if hasThreshold && f.Confidence < threshold {
				continue
			}
			flags = append(flags, f)
		}
	}
	return flags, nil
}

func detectorOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case domain.KindOf(err) == domain.KindDetectorFailure:
		return "failure"
	default:
		return "cancelled"
	}
}

// BuiltinConfig tunes the built-in detectors.
type BuiltinConfig struct {
	InjectionPhrases []string
	DenyList         []string
}

// NewBuiltinRegistry returns a registry holding the injection, pii and toxicity
// detectors, in that order.
func NewBuiltinRegistry(cfg BuiltinConfig) (*Registry, error) {
	injection, err := NewInjectionDetector(cfg.InjectionPhrases...)
	if err != nil {
		return nil, err
	}
	pii, err := NewPIIDetector()
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	if err := r.RegisterAll(injection, pii, NewToxicityDetector(cfg.DenyList)); err != nil {
		return nil, err
	}
	return r, nil
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// GlobalRegistry exposes the process-wide registry populated with the built-in detectors.
func GlobalRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		r, err := NewBuiltinRegistry(BuiltinConfig{})
		if err != nil {
			panic(fmt.Sprintf("detect: builtin detectors: %v", err))
		}
		defaultRegistry = r
	})
	return defaultRegistry
}
