// Package gopipe runs policy-gated pipelines of OS processes.
//
// GoPipe builds Unix-style pipe chains from declarative stage
// descriptions, checks every stage against a host policy before any
// process is spawned, and runs the whole chain under one wall-clock
// timeout. A run always produces a structured Result carrying the
// final stage's output, per-stage exit codes, and index-ordered
// stderr, whether the chain succeeded, failed, or was killed.
//
// # Key Features
//
//   - Single execution abstraction with mandatory timeouts and cancellation
//   - All-or-nothing policy gating: no stage spawns if any stage is denied
//   - Process-group kill on timeout, so no stage survives the deadline
//   - Policy-as-code configuration via YAML for auditable host rules
//   - Bounded worker pool with backpressure for batch execution
//   - OpenTelemetry integration for metrics and tracing
//   - Rate limiting and circuit breaker for resilience
//
// # Basic Usage
//
//	exec, err := gopipe.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Shutdown(context.Background())
//
//	p, _ := gopipe.Pipe(gopipe.Cmd("/bin/echo", "hello").MustBuild()).Build()
//	result, err := exec.Execute(ctx, p)
//
// # Chaining Stages
//
//	p, _ := gopipe.Pipe(gopipe.Cmd("/usr/bin/printf", "a\nb\nc\n").MustBuild()).
//	    Then(gopipe.Cmd("/usr/bin/grep", "b").MustBuild()).
//	    WithTimeout(5 * time.Second).
//	    Build()
//
// Each stage's stdout feeds the next stage's stdin. Only the final
// stage's stdout is captured in the Result; stderr is captured for
// every stage and concatenated in stage order.
//
// # With a Host Policy
//
//	pol, _ := gopipe.LoadPolicy(ctx, "/etc/gopipe/policy.yaml")
//
//	exec, _ := gopipe.NewBuilder().
//	    WithPolicy(pol).
//	    WithDefaultTimeout(30 * time.Second).
//	    Build()
//
// Policy checks cover the program of every stage, every overridden
// environment key, and every working directory. The check is
// fail-fast: the first denial aborts the run before any process
// starts.
//
// # File I/O
//
// Policy files are read through github.com/victoralfred/gowritter/safepath
// so a policy path can never escape its configured base directory.
//
// # Package Structure
//
//   - gopipe: Main entry point and convenience functions
//   - pipeline: Stage and pipeline types, the Executor, and results
//   - policy: YAML policy loading and compilation
//   - validation: Structural stage validation
//   - pool: Bounded worker pool with backpressure
//   - resilience: Rate limiting and circuit breaker
//   - observability: OpenTelemetry telemetry, metrics, and audit logging
//   - hooks: Extension points around runs
//   - config: Aggregated configuration presets
package gopipe
