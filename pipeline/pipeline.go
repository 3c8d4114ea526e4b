package pipeline

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Pipeline is an ordered chain of stages connected by pipes, executed
// as one unit with one timeout. A Pipeline is consumed by a single
// execution; build (or Clone) a fresh one for every run.
type Pipeline struct {
	// Stages are the commands in chain order. stdout of stage i feeds
	// stdin of stage i+1.
	Stages []*Stage

	// Timeout overrides the policy's default timeout when non-zero.
	Timeout time.Duration

	// AcceptedExitCodes are final-stage exit codes treated as success
	// in addition to zero. Codes of intermediate stages never matter.
	AcceptedExitCodes map[int]struct{}

	consumed atomic.Bool
}

// PipelineBuilder provides a fluent API for assembling pipelines.
type PipelineBuilder struct {
	pipeline *Pipeline
	err      error
}

// NewPipeline creates a new PipelineBuilder starting with the given stage.
func NewPipeline(first *Stage) *PipelineBuilder {
	b := &PipelineBuilder{
		pipeline: &Pipeline{},
	}
	return b.Then(first)
}

// Then appends a stage to the chain. The new stage's standard input is
// fed by the previous stage's standard output.
func (b *PipelineBuilder) Then(next *Stage) *PipelineBuilder {
	if b.err != nil {
		return b
	}
	if next == nil {
		b.err = fmt.Errorf("%w: stage is nil", ErrInvalidConfig)
		return b
	}
	b.pipeline.Stages = append(b.pipeline.Stages, next)
	return b
}

// WithTimeout sets the wall-clock timeout for the whole chain,
// overriding the policy default.
func (b *PipelineBuilder) WithTimeout(timeout time.Duration) *PipelineBuilder {
	if b.err != nil {
		return b
	}
	if timeout <= 0 {
		b.err = fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
		return b
	}
	b.pipeline.Timeout = timeout
	return b
}

// AcceptExitCodes marks final-stage exit codes as successful in
// addition to zero. Calling with no codes leaves the set unchanged.
func (b *PipelineBuilder) AcceptExitCodes(codes ...int) *PipelineBuilder {
	if b.err != nil {
		return b
	}
	if len(codes) == 0 {
		return b
	}
	if b.pipeline.AcceptedExitCodes == nil {
		b.pipeline.AcceptedExitCodes = make(map[int]struct{}, len(codes))
	}
	for _, code := range codes {
		b.pipeline.AcceptedExitCodes[code] = struct{}{}
	}
	return b
}

// Build validates and returns the pipeline.
func (b *PipelineBuilder) Build() (*Pipeline, error) {
	if b.err != nil {
		return nil, b.err
	}

	if len(b.pipeline.Stages) == 0 {
		return nil, fmt.Errorf("%w: pipeline has no stages", ErrInvalidConfig)
	}

	for i, stage := range b.pipeline.Stages {
		if stage.Program == "" {
			return nil, fmt.Errorf("%w: stage %d has no program", ErrInvalidConfig, i)
		}
	}

	return b.pipeline, nil
}

// MustBuild validates and returns the pipeline, panicking on error.
func (b *PipelineBuilder) MustBuild() *Pipeline {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}

// Clone creates a deep, unconsumed copy of the pipeline.
func (p *Pipeline) Clone() *Pipeline {
	clone := &Pipeline{
		Stages:  make([]*Stage, len(p.Stages)),
		Timeout: p.Timeout,
	}

	for i, stage := range p.Stages {
		clone.Stages[i] = stage.Clone()
	}

	if p.AcceptedExitCodes != nil {
		clone.AcceptedExitCodes = make(map[int]struct{}, len(p.AcceptedExitCodes))
		for code := range p.AcceptedExitCodes {
			clone.AcceptedExitCodes[code] = struct{}{}
		}
	}

	return clone
}

// accepts reports whether the final-stage exit code counts as success.
func (p *Pipeline) accepts(code int) bool {
	if code == 0 {
		return true
	}
	_, ok := p.AcceptedExitCodes[code]
	return ok
}

// consume marks the pipeline as executed. Only the first call succeeds.
func (p *Pipeline) consume() error {
	if !p.consumed.CompareAndSwap(false, true) {
		return ErrPipelineConsumed
	}
	return nil
}

// String returns a shell-style rendering of the chain.
func (p *Pipeline) String() string {
	parts := make([]string, len(p.Stages))
	for i, stage := range p.Stages {
		parts[i] = stage.String()
	}
	out := ""
	for i, part := range parts {
		if i > 0 {
			out += " | "
		}
		out += part
	}
	return out
}
