package detect

import (
	"context"

	"github.com/polisai/polis-shield/pkg/domain"
)

// Detector inspects content and reports zero or more flags. Implementations must
// not keep mutable state between calls; the registry runs them in parallel.
type Detector interface {
	Name() string
	CheckTypes() []domain.CheckType
	Detect(ctx context.Context, content string, config map[string]any) ([]domain.Flag, error)
}

// DetectFunc is the signature of a stateless detection function.
type DetectFunc func(ctx context.Context, content string, config map[string]any) ([]domain.Flag, error)

type funcDetector struct {
	name  string
	types []domain.CheckType
	fn    DetectFunc
}

// NewFuncDetector adapts fn into a Detector serving the given check types.
func NewFuncDetector(name string, fn DetectFunc, types ...domain.CheckType) Detector {
	return &funcDetector{name: name, types: append([]domain.CheckType(nil), types...), fn: fn}
}

func (d *funcDetector) Name() string { return d.name }

func (d *funcDetector) CheckTypes() []domain.CheckType {
	return append([]domain.CheckType(nil), d.types...)
}

func (d *funcDetector) Detect(ctx context.Context, content string, config map[string]any) ([]domain.Flag, error) {
	return d.fn(ctx, content, config)
}
