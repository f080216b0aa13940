package turn

import (
	"context"

	"github.com/haasonsaas/otto/internal/model"
	"github.com/haasonsaas/otto/internal/session"
)

// Artifact is raw context material produced by a collector, for example a
// file listing or a service status dump.
type Artifact struct {
	Plugin  string `json:"plugin"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Insight is an analyzer's conclusion drawn from artifacts.
type Insight struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// Collector gathers artifacts for a session before the model runs. Each
// call is bounded by the runtime's plugin timeout; a failure drops the
// collector's artifacts, never the turn.
type Collector interface {
	Name() string
	Collect(ctx context.Context, sc session.Context) ([]Artifact, error)
}

// Analyzer turns artifacts into insights.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, artifacts []Artifact) ([]Insight, error)
}

// Synthesizer turns insights into extra system messages for the prompt.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, insights []Insight) ([]model.Message, error)
}

type collectorFunc struct {
	name string
	fn   func(ctx context.Context, sc session.Context) ([]Artifact, error)
}

func (c collectorFunc) Name() string { return c.name }
func (c collectorFunc) Collect(ctx context.Context, sc session.Context) ([]Artifact, error) {
	return c.fn(ctx, sc)
}

// CollectorFunc adapts a function to the Collector interface.
func CollectorFunc(name string, fn func(ctx context.Context, sc session.Context) ([]Artifact, error)) Collector {
	return collectorFunc{name: name, fn: fn}
}

type analyzerFunc struct {
	name string
	fn   func(ctx context.Context, artifacts []Artifact) ([]Insight, error)
}

func (a analyzerFunc) Name() string { return a.name }
func (a analyzerFunc) Analyze(ctx context.Context, artifacts []Artifact) ([]Insight, error) {
	return a.fn(ctx, artifacts)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
func AnalyzerFunc(name string, fn func(ctx context.Context, artifacts []Artifact) ([]Insight, error)) Analyzer {
	return analyzerFunc{name: name, fn: fn}
}

type synthesizerFunc struct {
	name string
	fn   func(ctx context.Context, insights []Insight) ([]model.Message, error)
}

func (s synthesizerFunc) Name() string { return s.name }
func (s synthesizerFunc) Synthesize(ctx context.Context, insights []Insight) ([]model.Message, error) {
	return s.fn(ctx, insights)
}

// SynthesizerFunc adapts a function to the Synthesizer interface.
func SynthesizerFunc(name string, fn func(ctx context.Context, insights []Insight) ([]model.Message, error)) Synthesizer {
	return synthesizerFunc{name: name, fn: fn}
}
