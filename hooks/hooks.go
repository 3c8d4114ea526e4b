// Package hooks provides extension points around pipeline runs.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/victoralfred/gopipe/observability"
	"github.com/victoralfred/gopipe/pipeline"
)

// Hook identifies an extension point implementation.
type Hook interface {
	// Name returns a unique identifier for the hook.
	Name() string

	// Priority determines invocation order (lower runs earlier).
	Priority() int
}

// PreRunHook runs before validation and may replace the pipeline, for
// example to inject environment or rewrite a stage.
type PreRunHook interface {
	Hook
	PreRun(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Pipeline, error)
}

// PostRunHook runs after the pipeline finishes, with its outcome.
type PostRunHook interface {
	Hook
	PostRun(ctx context.Context, p *pipeline.Pipeline, result *pipeline.Result, err error) error
}

// Registry collects hooks and replays them in priority order. It
// implements the executor's Hook interface, so a registry plugs directly
// into the executor builder.
type Registry struct {
	preRun  []PreRunHook
	postRun []PostRunHook
	mu      sync.RWMutex
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a hook under every extension point it implements. A hook
// implementing neither point is rejected.
func (r *Registry) Register(hook Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	registered := false
	if h, ok := hook.(PreRunHook); ok {
		r.preRun = append(r.preRun, h)
		sortHooks(r.preRun)
		registered = true
	}
	if h, ok := hook.(PostRunHook); ok {
		r.postRun = append(r.postRun, h)
		sortHooks(r.postRun)
		registered = true
	}

	if !registered {
		return fmt.Errorf("hook %s implements no extension point", hook.Name())
	}
	return nil
}

// Unregister removes every hook registered under name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.preRun = removeByName(r.preRun, name)
	r.postRun = removeByName(r.postRun, name)
}

// PreRun runs the registered pre-run hooks in priority order, threading
// the possibly replaced pipeline through the chain.
func (r *Registry) PreRun(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	current := p
	for _, hook := range r.preRun {
		modified, err := hook.PreRun(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("hook %s: %w", hook.Name(), err)
		}
		current = modified
	}
	return current, nil
}

// PostRun runs the registered post-run hooks in priority order.
func (r *Registry) PostRun(ctx context.Context, p *pipeline.Pipeline, result *pipeline.Result, execErr error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, hook := range r.postRun {
		if err := hook.PostRun(ctx, p, result, execErr); err != nil {
			return fmt.Errorf("hook %s: %w", hook.Name(), err)
		}
	}
	return nil
}

func sortHooks[H Hook](hooks []H) {
	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Priority() < hooks[j].Priority()
	})
}

func removeByName[H Hook](hooks []H, name string) []H {
	result := make([]H, 0, len(hooks))
	for _, h := range hooks {
		if h.Name() != name {
			result = append(result, h)
		}
	}
	return result
}

// LoggingHook logs pipeline starts and outcomes through a printf-style
// function, typically log.Printf.
type LoggingHook struct {
	logger func(format string, args ...interface{})
}

// NewLoggingHook creates a logging hook.
func NewLoggingHook(logger func(format string, args ...interface{})) *LoggingHook {
	return &LoggingHook{logger: logger}
}

func (h *LoggingHook) Name() string  { return "logging" }
func (h *LoggingHook) Priority() int { return 1000 }

// PreRun logs the chain about to run.
func (h *LoggingHook) PreRun(_ context.Context, p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
	h.logger("running: %s", p.String())
	return p, nil
}

// PostRun logs the outcome.
func (h *LoggingHook) PostRun(_ context.Context, p *pipeline.Pipeline, result *pipeline.Result, err error) error {
	switch {
	case err != nil:
		h.logger("run failed: %s - %v", p.String(), err)
	case result != nil:
		h.logger("run finished: %s - status=%s exit=%d duration=%v",
			p.String(), result.Status, result.ExitCode, result.Duration)
	}
	return nil
}

// MetricsHook feeds run outcomes into an in-process metrics collector.
type MetricsHook struct {
	metrics *observability.Metrics
}

// NewMetricsHook creates a metrics hook backed by m.
func NewMetricsHook(m *observability.Metrics) *MetricsHook {
	return &MetricsHook{metrics: m}
}

func (h *MetricsHook) Name() string  { return "metrics" }
func (h *MetricsHook) Priority() int { return 900 }

// PostRun records the run in the collector.
func (h *MetricsHook) PostRun(_ context.Context, p *pipeline.Pipeline, result *pipeline.Result, err error) error {
	h.metrics.RecordRun(p, result, err)
	return nil
}
