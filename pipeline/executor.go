package pipeline

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/victoralfred/gopipe/internal/envutil"
	internalexec "github.com/victoralfred/gopipe/internal/exec"
)

// Executor is the single abstraction for all pipeline invocation.
// All process execution MUST go through this interface.
type Executor interface {
	// Execute runs a pipeline synchronously with the given context.
	// It returns only once the run is fully complete or definitively
	// failed. A timeout is not an error: it yields a non-success
	// Result with ExitCode KilledExitCode.
	Execute(ctx context.Context, p *Pipeline) (*Result, error)

	// ExecuteAsync runs a pipeline asynchronously, returning a Future.
	ExecuteAsync(ctx context.Context, p *Pipeline) Future[*Result]

	// ExecuteBatch runs multiple pipelines concurrently, bounded by
	// the worker pool when one is configured.
	ExecuteBatch(ctx context.Context, pipelines []*Pipeline) ([]*Result, error)

	// Stream runs a pipeline forwarding output to the given writers as
	// it arrives. Streams with a nil writer are captured in the Result
	// instead.
	Stream(ctx context.Context, p *Pipeline, stdout, stderr io.Writer) (*Result, error)

	// Shutdown gracefully shuts down the executor, waiting for
	// in-flight runs.
	Shutdown(ctx context.Context) error
}

// Policy decides whether commands, environment keys, and working
// directories may be used, and supplies the default timeout.
type Policy interface {
	// CheckCommand returns nil if the program may be executed.
	CheckCommand(name string) error
	// CheckEnvKey returns nil if the environment key may be overridden.
	CheckEnvKey(key string) error
	// CheckWorkdir returns nil if the working directory may be used.
	CheckWorkdir(dir string) error
	// DefaultTimeout is the wall-clock limit for pipelines that carry
	// no timeout of their own.
	DefaultTimeout() time.Duration
	// Version identifies the policy for audit purposes.
	Version() string
}

// Validator checks stage structure before policy evaluation.
type Validator interface {
	// Name identifies the validator in diagnostics.
	Name() string
	// Validate checks one stage.
	Validate(ctx context.Context, index int, stage *Stage) error
}

// WorkerPool manages bounded concurrent execution.
type WorkerPool interface {
	// Submit submits a task to the pool.
	Submit(ctx context.Context, task func()) error
}

// RateLimiter controls execution rate per entry program.
type RateLimiter interface {
	// Allow checks if execution is allowed.
	Allow(program string) bool
	// Wait blocks until execution is allowed.
	Wait(ctx context.Context, program string) error
}

// CircuitBreaker short-circuits runs of repeatedly failing programs.
type CircuitBreaker interface {
	// Allow checks if execution is allowed.
	Allow(program string) bool
	// RecordSuccess records a successful run.
	RecordSuccess(program string)
	// RecordFailure records a failed run.
	RecordFailure(program string)
}

// Hook defines extension points around a run.
type Hook interface {
	// PreRun is called before validation. It may replace the pipeline.
	PreRun(ctx context.Context, p *Pipeline) (*Pipeline, error)
	// PostRun is called after the run with its outcome.
	PostRun(ctx context.Context, p *Pipeline, result *Result, err error) error
}

// Telemetry provides observability.
type Telemetry interface {
	// StartSpan starts a new trace span.
	StartSpan(ctx context.Context, name string) (context.Context, func())
	// RecordMetric records a metric.
	RecordMetric(name string, value float64, labels map[string]string)
}

// Auditor records the outcome of every run attempt.
type Auditor interface {
	// RecordRun records one completed or refused run.
	RecordRun(ctx context.Context, runID string, p *Pipeline, result *Result, err error)
}

// executor is the default implementation.
type executor struct {
	policy         Policy
	validators     []Validator
	pool           WorkerPool
	rateLimiter    RateLimiter
	circuitBreaker CircuitBreaker
	telemetry      Telemetry
	auditor        Auditor
	runner         *internalexec.Runner
	hooks          []Hook
	wg             sync.WaitGroup
	mu             sync.RWMutex // protects shutdown check and wg.Add
	defaultTimeout time.Duration
	shutdown       int32
}

// Builder creates configured Executor instances.
type Builder struct {
	policy         Policy
	validators     []Validator
	pool           WorkerPool
	rateLimiter    RateLimiter
	circuitBreaker CircuitBreaker
	telemetry      Telemetry
	auditor        Auditor
	hooks          []Hook
	defaultTimeout time.Duration
}

// NewBuilder creates a new executor builder.
func NewBuilder() *Builder {
	return &Builder{
		defaultTimeout: 30 * time.Second,
	}
}

// WithPolicy sets the execution policy.
func (b *Builder) WithPolicy(policy Policy) *Builder {
	b.policy = policy
	return b
}

// WithValidators adds structural validators run on every stage.
func (b *Builder) WithValidators(validators ...Validator) *Builder {
	b.validators = append(b.validators, validators...)
	return b
}

// WithPool sets the worker pool used by ExecuteBatch.
func (b *Builder) WithPool(pool WorkerPool) *Builder {
	b.pool = pool
	return b
}

// WithRateLimiter sets the rate limiter.
func (b *Builder) WithRateLimiter(limiter RateLimiter) *Builder {
	b.rateLimiter = limiter
	return b
}

// WithCircuitBreaker sets the circuit breaker.
func (b *Builder) WithCircuitBreaker(cb CircuitBreaker) *Builder {
	b.circuitBreaker = cb
	return b
}

// WithHooks adds run hooks.
func (b *Builder) WithHooks(hooks ...Hook) *Builder {
	b.hooks = append(b.hooks, hooks...)
	return b
}

// WithTelemetry sets the telemetry provider.
func (b *Builder) WithTelemetry(telemetry Telemetry) *Builder {
	b.telemetry = telemetry
	return b
}

// WithAuditor sets the audit sink.
func (b *Builder) WithAuditor(auditor Auditor) *Builder {
	b.auditor = auditor
	return b
}

// WithDefaultTimeout sets the fallback timeout used when neither the
// pipeline nor the policy carries one.
func (b *Builder) WithDefaultTimeout(timeout time.Duration) *Builder {
	b.defaultTimeout = timeout
	return b
}

// Build creates the executor.
func (b *Builder) Build() (Executor, error) {
	return &executor{
		runner:         internalexec.NewRunner(),
		policy:         b.policy,
		validators:     b.validators,
		pool:           b.pool,
		rateLimiter:    b.rateLimiter,
		circuitBreaker: b.circuitBreaker,
		hooks:          b.hooks,
		telemetry:      b.telemetry,
		auditor:        b.auditor,
		defaultTimeout: b.defaultTimeout,
	}, nil
}

// Execute runs a pipeline synchronously.
func (e *executor) Execute(ctx context.Context, p *Pipeline) (*Result, error) {
	return e.run(ctx, p, nil, nil)
}

// Stream runs a pipeline forwarding output to the writers as it arrives.
func (e *executor) Stream(ctx context.Context, p *Pipeline, stdout, stderr io.Writer) (*Result, error) {
	return e.run(ctx, p, stdout, stderr)
}

// run is the shared execution path of Execute and Stream.
func (e *executor) run(ctx context.Context, p *Pipeline, stdout, stderr io.Writer) (*Result, error) {
	// Use mutex to ensure shutdown check and wg.Add are atomic
	// This prevents a race where Shutdown starts wg.Wait() between our check and Add
	e.mu.RLock()
	if atomic.LoadInt32(&e.shutdown) == 1 {
		e.mu.RUnlock()
		return nil, ErrExecutorShutdown
	}
	e.wg.Add(1)
	e.mu.RUnlock()

	defer e.wg.Done()

	if p == nil || len(p.Stages) == 0 {
		return nil, NewConfigError("pipeline", "pipeline has no stages")
	}

	// A pipeline is consumed by its first execution attempt, whether
	// or not a process ever starts.
	if err := p.consume(); err != nil {
		return nil, err
	}

	// Start telemetry span
	if e.telemetry != nil {
		var endSpan func()
		ctx, endSpan = e.telemetry.StartSpan(ctx, "executor.Execute")
		defer endSpan()
	}

	// Generate run ID
	runID := uuid.New().String()

	// Run pre-run hooks
	modified, err := e.runPreHooks(ctx, p)
	if err != nil {
		return nil, err
	}
	if modified != p {
		if err := modified.consume(); err != nil {
			return nil, err
		}
	}
	p = modified

	entry := p.Stages[0].Program

	// Validate structure and policy, stage order, before any spawn.
	if err := e.validatePipeline(ctx, p); err != nil {
		status := StatusError
		if errors.Is(err, ErrPolicyViolation) {
			status = StatusPolicyDenied
		}
		return e.refuse(ctx, runID, p, status, err)
	}

	// Check rate limiter
	if e.rateLimiter != nil {
		if err := e.rateLimiter.Wait(ctx, entry); err != nil {
			return e.refuse(ctx, runID, p, StatusRateLimited, NewRateLimitError(entry))
		}
	}

	// Check circuit breaker
	if e.circuitBreaker != nil {
		if !e.circuitBreaker.Allow(entry) {
			return e.refuse(ctx, runID, p, StatusCircuitOpen, NewCircuitOpenError(entry))
		}
	}

	// Determine timeout: pipeline override, else policy default, else
	// the executor fallback.
	timeout := p.Timeout
	if timeout == 0 && e.policy != nil {
		timeout = e.policy.DefaultTimeout()
	}
	if timeout == 0 {
		timeout = e.defaultTimeout
	}

	// Create context with timeout
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	config := &internalexec.RunConfig{
		Stages: e.buildStageConfigs(p),
		Stdout: stdout,
		Stderr: stderr,
	}

	// Execute chain
	runResult, runErr := e.runner.Run(execCtx, config)

	var execErr error
	if runErr != nil {
		execErr = mapRunError(runErr)
	}
	if runResult != nil && runResult.Canceled {
		execErr = ctx.Err()
	}

	// Build result
	result := e.buildResult(runResult, execErr, runID, p)

	// Record circuit breaker result
	if e.circuitBreaker != nil {
		if result.Success() {
			e.circuitBreaker.RecordSuccess(entry)
		} else {
			e.circuitBreaker.RecordFailure(entry)
		}
	}

	// Record metrics
	if e.telemetry != nil {
		e.telemetry.RecordMetric("pipeline.run_duration_ms", float64(result.Duration.Milliseconds()), map[string]string{
			"program":  entry,
			"stages":   strconv.Itoa(len(p.Stages)),
			"status":   result.Status.String(),
			"exitcode": strconv.Itoa(result.ExitCode),
		})
	}

	e.audit(ctx, runID, p, result, execErr)

	// Run post-run hooks
	if hookErr := e.runPostHooks(ctx, p, result, execErr); hookErr != nil {
		return result, hookErr
	}

	return result, execErr
}

// ExecuteAsync runs a pipeline asynchronously.
func (e *executor) ExecuteAsync(ctx context.Context, p *Pipeline) Future[*Result] {
	asyncCtx, cancel := context.WithCancel(ctx)
	future := NewResultFuture(cancel)

	go func() {
		result, err := e.Execute(asyncCtx, p)
		future.Complete(result, err)
	}()

	return future
}

// ExecuteBatch runs multiple pipelines concurrently. When a worker
// pool is configured, runs are submitted through it for bounded
// concurrency; otherwise one goroutine per pipeline is used.
func (e *executor) ExecuteBatch(ctx context.Context, pipelines []*Pipeline) ([]*Result, error) {
	results := make([]*Result, len(pipelines))
	errs := make([]error, len(pipelines))

	var wg sync.WaitGroup
	for i, p := range pipelines {
		idx, pl := i, p
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[idx], errs[idx] = e.Execute(ctx, pl)
		}

		if e.pool != nil {
			if err := e.pool.Submit(ctx, task); err != nil {
				errs[idx] = err
				wg.Done()
			}
		} else {
			go task()
		}
	}

	wg.Wait()

	// Return first error encountered
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}

	return results, nil
}

// Shutdown gracefully shuts down the executor.
func (e *executor) Shutdown(ctx context.Context) error {
	// Acquire write lock to prevent new executions from starting
	// Any Execute calls will block on RLock until we release
	e.mu.Lock()
	atomic.StoreInt32(&e.shutdown, 1)
	e.mu.Unlock()

	// Now wait for any in-progress executions to complete
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// validatePipeline checks every stage top-to-bottom and fails fast on
// the first problem. No process for any stage is spawned if any stage
// anywhere in the pipeline is rejected.
func (e *executor) validatePipeline(ctx context.Context, p *Pipeline) error {
	for i, stage := range p.Stages {
		if err := stage.validate(); err != nil {
			return err
		}

		for _, v := range e.validators {
			if err := v.Validate(ctx, i, stage); err != nil {
				return err
			}
		}

		if e.policy == nil {
			continue
		}

		if err := e.policy.CheckCommand(stage.Program); err != nil {
			return withStage(err, i)
		}

		for _, key := range sortedKeys(stage.Env) {
			if err := e.policy.CheckEnvKey(key); err != nil {
				return withStage(err, i)
			}
		}

		if stage.Dir != "" {
			if err := e.policy.CheckWorkdir(stage.Dir); err != nil {
				return withStage(err, i)
			}
		}
	}

	return nil
}

// buildStageConfigs renders each stage's launch configuration. The
// ambient environment is captured once so every stage sees the same
// base, with its own overrides applied on top.
func (e *executor) buildStageConfigs(p *Pipeline) []internalexec.StageConfig {
	ambient := envutil.Ambient()

	stages := make([]internalexec.StageConfig, len(p.Stages))
	for i, stage := range p.Stages {
		merged := ambient
		if len(stage.Env) > 0 {
			merged = envutil.Merge(ambient, stage.Env)
		}
		stages[i] = internalexec.StageConfig{
			Program: stage.Program,
			Args:    stage.Args,
			Env:     internalexec.BuildEnv(merged),
			Dir:     stage.Dir,
		}
	}

	return stages
}

// refuse records a run that was rejected before any spawn.
func (e *executor) refuse(ctx context.Context, runID string, p *Pipeline, status ExitStatus, err error) (*Result, error) {
	result := &Result{
		RunID:    runID,
		Status:   status,
		ExitCode: KilledExitCode,
	}
	e.audit(ctx, runID, p, result, err)
	return result, err
}

// audit records the run outcome when an auditor is configured.
func (e *executor) audit(ctx context.Context, runID string, p *Pipeline, result *Result, err error) {
	if e.auditor == nil {
		return
	}
	e.auditor.RecordRun(ctx, runID, p, result, err)
}

// runPreHooks runs pre-run hooks.
// Hooks are read-only after executor creation, so no lock needed.
func (e *executor) runPreHooks(ctx context.Context, p *Pipeline) (*Pipeline, error) {
	hooks := e.hooks
	if len(hooks) == 0 {
		return p, nil
	}

	current := p
	for _, hook := range hooks {
		modified, err := hook.PreRun(ctx, current)
		if err != nil {
			return nil, err
		}
		current = modified
	}
	return current, nil
}

// runPostHooks runs post-run hooks.
// Hooks are read-only after executor creation, so no lock needed.
func (e *executor) runPostHooks(ctx context.Context, p *Pipeline, result *Result, execErr error) error {
	hooks := e.hooks
	if len(hooks) == 0 {
		return nil
	}

	for _, hook := range hooks {
		if err := hook.PostRun(ctx, p, result, execErr); err != nil {
			return err
		}
	}
	return nil
}

// buildResult builds a Result from the internal run result.
func (e *executor) buildResult(runResult *internalexec.RunResult, execErr error, runID string, p *Pipeline) *Result {
	result := &Result{
		RunID:    runID,
		ExitCode: KilledExitCode,
	}

	if runResult == nil {
		if errors.Is(execErr, ErrLaunchFailed) {
			result.Status = StatusLaunchFailed
		} else {
			result.Status = StatusError
		}
		return result
	}

	result.ExitCode = runResult.ExitCode
	result.StageExitCodes = runResult.StageExits
	result.Stdout = runResult.Stdout
	result.Stderr = runResult.Stderr
	result.Duration = runResult.Duration

	if runResult.Signal != 0 {
		result.Signal = runResult.Signal.String()
	}

	// Determine status. Only the final stage's exit code is
	// authoritative for success.
	switch {
	case runResult.TimedOut:
		result.Status = StatusTimeout
		result.ExitCode = KilledExitCode
	case runResult.Canceled:
		result.Status = StatusCanceled
		result.ExitCode = KilledExitCode
	case execErr != nil:
		result.Status = StatusIOError
	case runResult.Signal != 0:
		result.Status = StatusKilled
		result.ExitCode = KilledExitCode
	case p.accepts(runResult.ExitCode):
		result.Status = StatusSuccess
	default:
		result.Status = StatusError
	}

	return result
}

// mapRunError converts internal runner errors to the public error types.
func mapRunError(err error) error {
	var startErr *internalexec.StartError
	if errors.As(err, &startErr) {
		return NewLaunchError(startErr.Stage, startErr.Program, startErr.Err)
	}

	var ioErr *internalexec.IOError
	if errors.As(err, &ioErr) {
		return NewStreamError(ioErr.Stage, ioErr.Stream, ioErr.Err)
	}

	return err
}

// withStage attaches the stage index to a fresh policy violation.
func withStage(err error, stage int) error {
	var pv *PolicyViolationError
	if errors.As(err, &pv) {
		pv.Stage = stage
	}
	return err
}

// sortedKeys returns the map keys in ascending order so validation
// failures are deterministic.
func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
