package gopipe

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/victoralfred/gopipe/config"
	"github.com/victoralfred/gopipe/observability"
	"github.com/victoralfred/gopipe/pipeline"
	"github.com/victoralfred/gopipe/policy"
	"github.com/victoralfred/gopipe/pool"
	"github.com/victoralfred/gopipe/resilience"
	"github.com/victoralfred/gopipe/validation"
)

// =============================================================================
// Type Aliases
// =============================================================================

// Executor is the single abstraction for all pipeline invocation.
type Executor = pipeline.Executor

// Builder creates configured Executor instances.
type Builder = pipeline.Builder

// Stage describes one command in a pipeline.
type Stage = pipeline.Stage

// StageBuilder builds immutable stages.
type StageBuilder = pipeline.StageBuilder

// Pipeline is an ordered chain of stages.
type Pipeline = pipeline.Pipeline

// PipelineBuilder builds immutable pipelines.
type PipelineBuilder = pipeline.PipelineBuilder

// Result is the outcome of one pipeline run.
type Result = pipeline.Result

// ExitStatus classifies how a run ended.
type ExitStatus = pipeline.ExitStatus

// Policy is a compiled host policy.
type Policy = policy.Policy

// PolicyLoader loads and watches policy files.
type PolicyLoader = policy.Loader

// =============================================================================
// Errors
// =============================================================================

// Sentinel errors, re-exported for convenience.
var (
	// ErrInvalidConfig indicates a malformed policy, stage, or pipeline.
	ErrInvalidConfig = pipeline.ErrInvalidConfig

	// ErrPolicyViolation indicates the pipeline was denied by policy.
	ErrPolicyViolation = pipeline.ErrPolicyViolation

	// ErrLaunchFailed indicates a stage process could not be started.
	ErrLaunchFailed = pipeline.ErrLaunchFailed

	// ErrStreamIO indicates a failure draining an output stream.
	ErrStreamIO = pipeline.ErrStreamIO

	// ErrTimeout indicates the chain exceeded its wall-clock deadline.
	ErrTimeout = pipeline.ErrTimeout

	// ErrPipelineConsumed indicates a pipeline was executed twice.
	ErrPipelineConsumed = pipeline.ErrPipelineConsumed

	// ErrRateLimited indicates the rate limit was exceeded.
	ErrRateLimited = pipeline.ErrRateLimited

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = pipeline.ErrCircuitOpen

	// ErrExecutorShutdown indicates the executor is shut down.
	ErrExecutorShutdown = pipeline.ErrExecutorShutdown
)

// IsRetryable reports whether the error is worth retrying.
func IsRetryable(err error) bool {
	return pipeline.IsRetryable(err)
}

// =============================================================================
// Status Codes
// =============================================================================

// Run statuses, re-exported for convenience.
const (
	StatusSuccess      = pipeline.StatusSuccess
	StatusError        = pipeline.StatusError
	StatusTimeout      = pipeline.StatusTimeout
	StatusCanceled     = pipeline.StatusCanceled
	StatusKilled       = pipeline.StatusKilled
	StatusPolicyDenied = pipeline.StatusPolicyDenied
	StatusLaunchFailed = pipeline.StatusLaunchFailed
	StatusIOError      = pipeline.StatusIOError
	StatusRateLimited  = pipeline.StatusRateLimited
	StatusCircuitOpen  = pipeline.StatusCircuitOpen
)

// KilledExitCode is the ExitCode reported when no exit status exists.
const KilledExitCode = pipeline.KilledExitCode

// =============================================================================
// Constructors
// =============================================================================

// New creates an executor with sensible defaults: a permissive policy,
// the default structural validators, and a 30 second timeout. Suitable
// for tooling that trusts its own inputs; hosts enforcing rules should
// use NewBuilder or NewFromConfig with a real policy.
func New() (Executor, error) {
	return pipeline.NewBuilder().
		WithPolicy(policy.Permissive(30 * time.Second)).
		WithValidators(validation.DefaultRegistry()).
		Build()
}

// NewBuilder creates an executor builder for custom wiring.
func NewBuilder() *Builder {
	return pipeline.NewBuilder()
}

// NewFromConfig creates a fully wired executor from an aggregated
// configuration: policy from cfg.PolicyPath (permissive when empty),
// worker pool, rate limiter, circuit breaker, telemetry, and audit
// logging, each gated by its Enable toggle.
func NewFromConfig(ctx context.Context, cfg config.Config) (Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := pipeline.NewBuilder().
		WithValidators(validation.DefaultRegistry()).
		WithDefaultTimeout(cfg.Executor.DefaultTimeout).
		WithPool(pool.New(cfg.Pool))

	if cfg.PolicyPath != "" {
		loader, err := NewPolicyLoaderAt(cfg.PolicyBasePath, cfg.PolicyPath)
		if err != nil {
			return nil, err
		}
		pol, err := loader.Load(ctx)
		if err != nil {
			return nil, err
		}
		b = b.WithPolicy(pol)
	} else {
		b = b.WithPolicy(policy.Permissive(cfg.Executor.DefaultTimeout))
	}

	if cfg.Executor.EnableRateLimit {
		b = b.WithRateLimiter(resilience.NewRateLimiter(cfg.RateLimiter))
	}

	if cfg.Executor.EnableCircuitBreaker {
		b = b.WithCircuitBreaker(resilience.NewCircuitBreaker(cfg.CircuitBreaker))
	}

	if cfg.Executor.EnableTracing || cfg.Executor.EnableMetrics {
		tcfg := cfg.Telemetry
		tcfg.EnableTracing = cfg.Executor.EnableTracing
		tcfg.EnableMetrics = cfg.Executor.EnableMetrics
		tel, err := observability.NewTelemetry(tcfg)
		if err != nil {
			return nil, err
		}
		b = b.WithTelemetry(tel)
	}

	if cfg.Executor.EnableAudit && cfg.Audit.Enabled {
		logger, err := observability.NewFileAuditLogger(cfg.Audit)
		if err != nil {
			return nil, err
		}
		b = b.WithAuditor(observability.NewRunAuditor(logger))
	}

	return b.Build()
}

// =============================================================================
// Stage and Pipeline Construction
// =============================================================================

// Cmd starts building a stage for the given program and arguments.
func Cmd(program string, args ...string) *StageBuilder {
	return pipeline.NewStage(program, args...)
}

// MustCmd builds a stage and panics if it is invalid. Intended for
// static definitions where the inputs are known constants.
func MustCmd(program string, args ...string) *Stage {
	return Cmd(program, args...).MustBuild()
}

// Pipe starts building a pipeline from its first stage.
func Pipe(first *Stage) *PipelineBuilder {
	return pipeline.NewPipeline(first)
}

// =============================================================================
// Policy Helpers
// =============================================================================

// LoadPolicy reads, validates, and compiles the policy file at path.
func LoadPolicy(ctx context.Context, path string) (*Policy, error) {
	loader, err := NewPolicyLoaderAt(filepath.Dir(path), filepath.Base(path))
	if err != nil {
		return nil, err
	}
	return loader.Load(ctx)
}

// NewPolicyLoaderAt creates a policy loader for policyFile resolved
// inside basePath, with the default file validation installed. Use the
// loader directly for Reload or Watch support.
func NewPolicyLoaderAt(basePath, policyFile string) (*PolicyLoader, error) {
	return policy.NewLoader(basePath, policyFile,
		policy.WithValidator(&policy.DefaultFileValidator{}))
}

// NewPolicy compiles a programmatic policy configuration.
func NewPolicy(cfg policy.Config) (*Policy, error) {
	return policy.New(cfg)
}

// PermissivePolicy returns a policy that allows every command,
// environment key, and working directory.
func PermissivePolicy(defaultTimeout time.Duration) *Policy {
	return policy.Permissive(defaultTimeout)
}

// ExamplePolicy returns a starter policy file configuration.
func ExamplePolicy() *policy.FileConfig {
	return policy.ExamplePolicy()
}

// =============================================================================
// Path Validation
// =============================================================================

// SanitizePath cleans a path and rejects traversal outside its root.
func SanitizePath(path string) (string, error) {
	return validation.SanitizePath(path)
}

// IsPathSafe reports whether a path is free of traversal segments.
func IsPathSafe(path string) bool {
	return validation.IsPathSafe(path)
}

// =============================================================================
// One-Shot Helpers
// =============================================================================

// Execute runs a single command with default settings and captures its
// output. Each call creates and shuts down its own executor; hosts
// running many pipelines should hold one Executor instead.
func Execute(ctx context.Context, program string, args ...string) (*Result, error) {
	exec, err := New()
	if err != nil {
		return nil, err
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	stage, err := Cmd(program, args...).Build()
	if err != nil {
		return nil, err
	}
	p, err := Pipe(stage).Build()
	if err != nil {
		return nil, err
	}

	return exec.Execute(ctx, p)
}

// ExecuteWithPolicy runs a pre-built pipeline under the given policy.
// Each call creates and shuts down its own executor; hosts running many
// pipelines should wire the policy into a long-lived Executor instead.
func ExecuteWithPolicy(ctx context.Context, pol *Policy, p *Pipeline) (*Result, error) {
	exec, err := pipeline.NewBuilder().
		WithPolicy(pol).
		WithValidators(validation.DefaultRegistry()).
		Build()
	if err != nil {
		return nil, err
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	return exec.Execute(ctx, p)
}

// ExecuteWithTimeout runs a single command under an explicit wall-clock
// limit.
func ExecuteWithTimeout(ctx context.Context, timeout time.Duration, program string, args ...string) (*Result, error) {
	exec, err := New()
	if err != nil {
		return nil, err
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	stage, err := Cmd(program, args...).Build()
	if err != nil {
		return nil, err
	}
	p, err := Pipe(stage).WithTimeout(timeout).Build()
	if err != nil {
		return nil, err
	}

	return exec.Execute(ctx, p)
}

// Stream runs a single command forwarding output to the writers as it
// arrives. A nil writer captures that stream in the Result instead.
func Stream(ctx context.Context, stdout, stderr io.Writer, program string, args ...string) (*Result, error) {
	exec, err := New()
	if err != nil {
		return nil, err
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	stage, err := Cmd(program, args...).Build()
	if err != nil {
		return nil, err
	}
	p, err := Pipe(stage).Build()
	if err != nil {
		return nil, err
	}

	return exec.Stream(ctx, p, stdout, stderr)
}

// ExecuteWithRetry runs the pipeline, retrying retryable refusals such
// as rate limiting and open circuit breakers. Each attempt runs a
// fresh clone, so p itself is never consumed and stays reusable. A nil
// backoff uses the default exponential strategy.
func ExecuteWithRetry(ctx context.Context, exec Executor, p *Pipeline, backoff resilience.Backoff) (*Result, error) {
	if backoff == nil {
		backoff = resilience.NewExponentialBackoff(resilience.DefaultBackoffConfig())
	}
	return resilience.Retry(ctx, backoff, IsRetryable, func(ctx context.Context) (*Result, error) {
		return exec.Execute(ctx, p.Clone())
	})
}

// Version returns the library version.
func Version() string {
	return "1.0.0"
}
