//go:build integration
// +build integration

package gopipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/victoralfred/gopipe/config"
	"github.com/victoralfred/gopipe/pipeline"
	"github.com/victoralfred/gopipe/policy"
	"github.com/victoralfred/gopipe/pool"
	"github.com/victoralfred/gopipe/resilience"
)

func newTestExecutor(t *testing.T) Executor {
	t.Helper()
	exec, err := New()
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	t.Cleanup(func() {
		if err := exec.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return exec
}

// TestIntegration_SingleStage runs the smallest possible pipeline.
func TestIntegration_SingleStage(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	p, err := Pipe(MustCmd("/bin/echo", "hello", "world")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result, err := exec.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}

	if !result.Success() {
		t.Errorf("Expected success, got status %v", result.Status)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if got := result.StdoutString(); got != "hello world\n" {
		t.Errorf("Expected output %q, got %q", "hello world\n", got)
	}
	if len(result.StageExitCodes) != 1 || result.StageExitCodes[0] != 0 {
		t.Errorf("Expected stage exits [0], got %v", result.StageExitCodes)
	}
	if result.Duration == 0 {
		t.Error("Expected non-zero duration")
	}
	if result.RunID == "" {
		t.Error("Expected a run ID")
	}
}

// TestIntegration_PipeChain verifies stdout of one stage feeds the next.
func TestIntegration_PipeChain(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	p, err := Pipe(MustCmd("/usr/bin/printf", "a\nb\nc\n")).
		Then(MustCmd("/usr/bin/grep", "b")).
		Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result, err := exec.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}

	if got := result.StdoutString(); got != "b\n" {
		t.Errorf("Expected final stdout %q, got %q", "b\n", got)
	}
	want := []int{0, 0}
	if len(result.StageExitCodes) != len(want) {
		t.Fatalf("Expected %d stage exits, got %v", len(want), result.StageExitCodes)
	}
	for i, code := range want {
		if result.StageExitCodes[i] != code {
			t.Errorf("Stage %d exit = %d, want %d", i, result.StageExitCodes[i], code)
		}
	}
}

// TestIntegration_ThreeStageChain runs a longer chain end to end.
func TestIntegration_ThreeStageChain(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	p, err := Pipe(MustCmd("/usr/bin/printf", "3\n1\n2\n")).
		Then(MustCmd("/usr/bin/sort")).
		Then(MustCmd("/usr/bin/head", "-n", "1")).
		Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result, err := exec.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}
	if got := result.StdoutString(); got != "1\n" {
		t.Errorf("Expected final stdout %q, got %q", "1\n", got)
	}
}

// TestIntegration_StderrOrderedByStage verifies stderr of every stage is
// captured and concatenated in stage order, not arrival order.
func TestIntegration_StderrOrderedByStage(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	// The second stage emits its stderr immediately, before the first
	// stage's, by not waiting for stdin first.
	p, err := Pipe(MustCmd("/bin/sh", "-c", "sleep 0.1; echo first >&2")).
		Then(MustCmd("/bin/sh", "-c", "echo second >&2; cat >/dev/null")).
		Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result, err := exec.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}

	stderr := result.StderrString()
	firstIdx := strings.Index(stderr, "first")
	secondIdx := strings.Index(stderr, "second")
	if firstIdx < 0 || secondIdx < 0 {
		t.Fatalf("Expected both markers in stderr, got %q", stderr)
	}
	if firstIdx > secondIdx {
		t.Errorf("Expected stage order in stderr, got %q", stderr)
	}
	if result.StdoutString() != "" {
		t.Errorf("Expected empty stdout, got %q", result.StdoutString())
	}
}

// TestIntegration_EnvironmentMerging verifies stage env overrides merge
// onto the ambient environment.
func TestIntegration_EnvironmentMerging(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	stage, err := Cmd("/usr/bin/env").
		WithEnv("CUSTOM_VAR", "custom_value").
		WithEnv("TEST_VAR", "test_value").
		Build()
	if err != nil {
		t.Fatalf("Failed to build stage: %v", err)
	}
	p, err := Pipe(stage).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result, err := exec.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}

	output := result.StdoutString()
	if !strings.Contains(output, "PATH=") {
		t.Error("Expected inherited PATH in stage environment")
	}
	if !strings.Contains(output, "CUSTOM_VAR=custom_value") {
		t.Error("Custom environment variable CUSTOM_VAR not found")
	}
	if !strings.Contains(output, "TEST_VAR=test_value") {
		t.Error("Custom environment variable TEST_VAR not found")
	}

	// Overrides replace inherited values.
	stage2, err := Cmd("/usr/bin/env").
		WithEnv("PATH", "/custom/path:/usr/bin").
		Build()
	if err != nil {
		t.Fatalf("Failed to build stage: %v", err)
	}
	p2, err := Pipe(stage2).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result2, err := exec.Execute(ctx, p2)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}
	if !strings.Contains(result2.StdoutString(), "PATH=/custom/path:/usr/bin") {
		t.Error("PATH override did not take effect")
	}
}

// TestIntegration_PerStageEnvIsolation verifies one stage's overrides
// never leak into another stage.
func TestIntegration_PerStageEnvIsolation(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	first, err := Cmd("/usr/bin/env").WithEnv("STAGE_ONE_ONLY", "1").Build()
	if err != nil {
		t.Fatalf("Failed to build stage: %v", err)
	}
	// env ignores stdin, so the final stdout is stage two's environment.
	second, err := Cmd("/usr/bin/env").WithEnv("STAGE_TWO_ONLY", "1").Build()
	if err != nil {
		t.Fatalf("Failed to build stage: %v", err)
	}

	p, err := Pipe(first).Then(second).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result, err := exec.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}

	output := result.StdoutString()
	if !strings.Contains(output, "STAGE_TWO_ONLY=1") {
		t.Error("Second stage's own override missing from its environment")
	}
	if strings.Contains(output, "STAGE_ONE_ONLY=1") {
		t.Error("First stage's override leaked into the second stage")
	}
}

// TestIntegration_WorkingDirectory verifies per-stage working directories.
func TestIntegration_WorkingDirectory(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	stage, err := Cmd("/bin/pwd").WithDir("/tmp").Build()
	if err != nil {
		t.Fatalf("Failed to build stage: %v", err)
	}
	p, err := Pipe(stage).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result, err := exec.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}
	if got := strings.TrimSpace(result.StdoutString()); got != "/tmp" {
		t.Errorf("Expected working directory /tmp, got %q", got)
	}
}

// TestIntegration_Timeout verifies the deadline kills the chain and is
// reported through the result, not as an error.
func TestIntegration_Timeout(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	p, err := Pipe(MustCmd("/bin/sleep", "10")).
		WithTimeout(100 * time.Millisecond).
		Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	start := time.Now()
	result, err := exec.Execute(ctx, p)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Timeout must not be an error, got: %v", err)
	}
	if !result.TimedOut() {
		t.Errorf("Expected timed-out result, got status %v", result.Status)
	}
	if result.ExitCode != KilledExitCode {
		t.Errorf("Expected exit code %d, got %d", KilledExitCode, result.ExitCode)
	}
	if elapsed > 3*time.Second {
		t.Errorf("Chain outlived its deadline: took %v", elapsed)
	}
}

// TestIntegration_TimeoutKillsWholeChain verifies every stage dies with
// the deadline, not just the final one.
func TestIntegration_TimeoutKillsWholeChain(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	p, err := Pipe(MustCmd("/bin/sleep", "10")).
		Then(MustCmd("/bin/sleep", "10")).
		WithTimeout(100 * time.Millisecond).
		Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result, err := exec.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Timeout must not be an error, got: %v", err)
	}
	if !result.TimedOut() {
		t.Fatalf("Expected timed-out result, got status %v", result.Status)
	}
	if len(result.StageExitCodes) != 2 {
		t.Fatalf("Expected 2 stage exits, got %v", result.StageExitCodes)
	}
	for i, code := range result.StageExitCodes {
		if code != KilledExitCode {
			t.Errorf("Stage %d exit = %d, want %d (killed)", i, code, KilledExitCode)
		}
	}
}

// TestIntegration_ContextCancel verifies caller cancellation kills the
// chain and surfaces as context.Canceled.
func TestIntegration_ContextCancel(t *testing.T) {
	exec := newTestExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	p, err := Pipe(MustCmd("/bin/sleep", "10")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	start := time.Now()
	result, err := exec.Execute(ctx, p)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if result == nil || result.Status != StatusCanceled {
		t.Errorf("Expected StatusCanceled result, got %+v", result)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Cancellation took %v", elapsed)
	}
}

// TestIntegration_AcceptedExitCodes verifies accepted non-zero final
// exits count as success.
func TestIntegration_AcceptedExitCodes(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	// grep with no match exits 1; accepting it makes the run a success
	// with empty output.
	p, err := Pipe(MustCmd("/usr/bin/printf", "a\n")).
		Then(MustCmd("/usr/bin/grep", "z")).
		AcceptExitCodes(1).
		Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result, err := exec.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}
	if !result.Success() {
		t.Errorf("Expected success with accepted exit code, got status %v", result.Status)
	}
	if result.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %d", result.ExitCode)
	}
	if result.StdoutString() != "" {
		t.Errorf("Expected empty stdout, got %q", result.StdoutString())
	}
}

// TestIntegration_RejectedExitCode verifies an unaccepted non-zero final
// exit is a failed result, not an error.
func TestIntegration_RejectedExitCode(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	p, err := Pipe(MustCmd("/bin/sh", "-c", "exit 42")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result, err := exec.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Non-zero exit must not be an error, got: %v", err)
	}
	if result.Status != StatusError {
		t.Errorf("Expected StatusError, got %v", result.Status)
	}
	if result.ExitCode != 42 {
		t.Errorf("Expected exit code 42, got %d", result.ExitCode)
	}
	if !result.Failed() {
		t.Error("Expected failed result")
	}
}

// TestIntegration_IntermediateExitIgnored verifies only the final
// stage's exit code decides success.
func TestIntegration_IntermediateExitIgnored(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	p, err := Pipe(MustCmd("/bin/sh", "-c", "echo data; exit 7")).
		Then(MustCmd("/usr/bin/grep", "data")).
		Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result, err := exec.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}
	if !result.Success() {
		t.Errorf("Expected success despite intermediate exit 7, got status %v", result.Status)
	}
	if result.StageExitCodes[0] != 7 {
		t.Errorf("Expected stage 0 exit 7, got %d", result.StageExitCodes[0])
	}
}

// TestIntegration_PolicyDeniedNothingSpawns verifies a denial anywhere
// in the chain prevents every stage from spawning.
func TestIntegration_PolicyDeniedNothingSpawns(t *testing.T) {
	ctx := context.Background()

	marker := filepath.Join(t.TempDir(), "spawned")

	pol := policy.MustNew(policy.Config{
		AllowedCommands: []string{"/usr/bin/touch"},
		DefaultTimeout:  10 * time.Second,
	})
	exec, err := NewBuilder().WithPolicy(pol).Build()
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	// Stage 0 is allowed, stage 1 is not. If anything spawns, the
	// marker file appears.
	p, err := Pipe(MustCmd("/usr/bin/touch", marker)).
		Then(MustCmd("/bin/echo", "hi")).
		Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result, err := exec.Execute(ctx, p)
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("Expected policy violation, got %v", err)
	}
	if result == nil || result.Status != StatusPolicyDenied {
		t.Errorf("Expected StatusPolicyDenied, got %+v", result)
	}
	if result.ExitCode != KilledExitCode {
		t.Errorf("Expected exit code %d, got %d", KilledExitCode, result.ExitCode)
	}

	var violation *pipeline.PolicyViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Expected PolicyViolationError, got %T", err)
	}
	if violation.Stage != 1 {
		t.Errorf("Expected violation at stage 1, got %d", violation.Stage)
	}
	if violation.Value != "/bin/echo" {
		t.Errorf("Expected rejected value /bin/echo, got %q", violation.Value)
	}

	if _, statErr := os.Stat(marker); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("A stage spawned despite the denial: %v", statErr)
	}
}

// TestIntegration_PolicyDeniedEnvKey verifies environment keys are
// checked against policy.
func TestIntegration_PolicyDeniedEnvKey(t *testing.T) {
	ctx := context.Background()

	pol := policy.MustNew(policy.Config{
		DeniedEnv:      []string{"LD_PRELOAD"},
		DefaultTimeout: 10 * time.Second,
	})
	exec, err := NewBuilder().WithPolicy(pol).Build()
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	stage, err := Cmd("/bin/echo", "hi").WithEnv("LD_PRELOAD", "/evil.so").Build()
	if err != nil {
		t.Fatalf("Failed to build stage: %v", err)
	}
	p, err := Pipe(stage).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	_, err = exec.Execute(ctx, p)
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("Expected policy violation, got %v", err)
	}
	var violation *pipeline.PolicyViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Expected PolicyViolationError, got %T", err)
	}
	if violation.Dimension != pipeline.DimensionEnvKey {
		t.Errorf("Expected env_key dimension, got %v", violation.Dimension)
	}
}

// TestIntegration_PolicyFromYAML exercises the YAML loader end to end.
func TestIntegration_PolicyFromYAML(t *testing.T) {
	ctx := context.Background()

	dir := t.TempDir()
	policyYAML := `version: "1.2.0"
metadata:
  name: integration
default_timeout: 10s
commands:
  allowed:
    - /bin/echo
env:
  denied:
    - LD_PRELOAD
workdirs:
  allowed:
    - /tmp
`
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(policyYAML), 0o600); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	pol, err := LoadPolicy(ctx, path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if pol.Version() != "1.2.0" {
		t.Errorf("Policy version = %q, want 1.2.0", pol.Version())
	}
	if pol.DefaultTimeout() != 10*time.Second {
		t.Errorf("Policy timeout = %v, want 10s", pol.DefaultTimeout())
	}

	exec, err := NewBuilder().WithPolicy(pol).Build()
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	allowed, err := Pipe(MustCmd("/bin/echo", "allowed")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	result, err := exec.Execute(ctx, allowed)
	if err != nil {
		t.Fatalf("Allowed command failed: %v", err)
	}
	if !result.Success() {
		t.Errorf("Expected success, got status %v", result.Status)
	}

	denied, err := Pipe(MustCmd("/bin/sleep", "1")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	_, err = exec.Execute(ctx, denied)
	if !errors.Is(err, ErrPolicyViolation) {
		t.Errorf("Expected policy violation for unlisted command, got %v", err)
	}
}

// TestIntegration_PipelineConsumedOnce verifies a pipeline cannot be
// executed twice, and that Clone provides a fresh run.
func TestIntegration_PipelineConsumedOnce(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	p, err := Pipe(MustCmd("/bin/echo", "once")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	if _, err := exec.Execute(ctx, p); err != nil {
		t.Fatalf("First execution failed: %v", err)
	}

	_, err = exec.Execute(ctx, p)
	if !errors.Is(err, ErrPipelineConsumed) {
		t.Errorf("Expected ErrPipelineConsumed on second run, got %v", err)
	}

	result, err := exec.Execute(ctx, p.Clone())
	if err != nil {
		t.Fatalf("Clone execution failed: %v", err)
	}
	if !result.Success() {
		t.Errorf("Expected clone to succeed, got status %v", result.Status)
	}
}

// TestIntegration_AsyncExecution tests asynchronous execution with Future.
func TestIntegration_AsyncExecution(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	p, err := Pipe(MustCmd("/bin/echo", "async", "test")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	future := exec.ExecuteAsync(ctx, p)

	select {
	case <-future.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Future did not complete within timeout")
	}

	result, err := future.Wait()
	if err != nil {
		t.Fatalf("Async execution failed: %v", err)
	}
	if got := result.StdoutString(); got != "async test\n" {
		t.Errorf("Expected output %q, got %q", "async test\n", got)
	}
}

// TestIntegration_BatchExecution tests pool-bounded batch execution.
func TestIntegration_BatchExecution(t *testing.T) {
	ctx := context.Background()

	workers := pool.New(pool.Config{MinWorkers: 2, MaxWorkers: 4, QueueSize: 16})
	defer workers.Shutdown(context.Background()) //nolint:errcheck

	exec, err := NewBuilder().
		WithPolicy(PermissivePolicy(10 * time.Second)).
		WithPool(workers).
		Build()
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	pipelines := make([]*Pipeline, 5)
	for i := range pipelines {
		p, err := Pipe(MustCmd("/bin/echo", fmt.Sprintf("batch-%d", i))).Build()
		if err != nil {
			t.Fatalf("Failed to build pipeline %d: %v", i, err)
		}
		pipelines[i] = p
	}

	results, err := exec.ExecuteBatch(ctx, pipelines)
	if err != nil {
		t.Fatalf("Batch execution failed: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("Expected 5 results, got %d", len(results))
	}
	for i, result := range results {
		expected := fmt.Sprintf("batch-%d\n", i)
		if result.StdoutString() != expected {
			t.Errorf("Pipeline %d: expected %q, got %q", i, expected, result.StdoutString())
		}
	}
}

// TestIntegration_Streaming verifies live output forwarding, with the
// unstreamed stream still captured in the result.
func TestIntegration_Streaming(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	p, err := Pipe(MustCmd("/bin/sh", "-c", "echo out; echo err >&2")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	var stdoutBuf bytes.Buffer
	result, err := exec.Stream(ctx, p, &stdoutBuf, nil)
	if err != nil {
		t.Fatalf("Streaming failed: %v", err)
	}

	if got := stdoutBuf.String(); got != "out\n" {
		t.Errorf("Expected streamed stdout %q, got %q", "out\n", got)
	}
	if len(result.Stdout) != 0 {
		t.Errorf("Streamed stdout must not also be captured, got %q", result.StdoutString())
	}
	if got := result.StderrString(); got != "err\n" {
		t.Errorf("Expected captured stderr %q, got %q", "err\n", got)
	}
}

// TestIntegration_ConcurrentExecution runs many pipelines in parallel
// through one executor.
func TestIntegration_ConcurrentExecution(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t)

	const numGoroutines = 10
	var wg sync.WaitGroup
	errs := make([]error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			p, err := Pipe(MustCmd("/bin/echo", fmt.Sprintf("concurrent-%d", id))).Build()
			if err != nil {
				errs[id] = fmt.Errorf("build failed: %w", err)
				return
			}

			result, err := exec.Execute(ctx, p)
			if err != nil {
				errs[id] = err
				return
			}

			expected := fmt.Sprintf("concurrent-%d\n", id)
			if result.StdoutString() != expected {
				errs[id] = fmt.Errorf("unexpected output: %q", result.StdoutString())
			}
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Goroutine %d failed: %v", i, err)
		}
	}
}

// TestIntegration_RateLimiting verifies launches are throttled to the
// configured rate. Only a lower bound on elapsed time is asserted to
// keep the test stable on loaded machines.
func TestIntegration_RateLimiting(t *testing.T) {
	ctx := context.Background()

	limiter := resilience.NewRateLimiter(resilience.RateLimiterConfig{
		DefaultLimit: 5,
		DefaultBurst: 1,
	})
	exec, err := NewBuilder().
		WithPolicy(PermissivePolicy(10 * time.Second)).
		WithRateLimiter(limiter).
		Build()
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	start := time.Now()
	for i := 0; i < 3; i++ {
		p, err := Pipe(MustCmd("/bin/echo", "limited")).Build()
		if err != nil {
			t.Fatalf("Failed to build pipeline: %v", err)
		}
		if _, err := exec.Execute(ctx, p); err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
	}

	// Burst 1 at 5/s means the second and third runs each wait ~200ms.
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("Three runs finished in %v, expected throttling", elapsed)
	}
}

// TestIntegration_CircuitBreaker verifies repeated launch failures open
// the breaker and block further runs of the failing program.
func TestIntegration_CircuitBreaker(t *testing.T) {
	ctx := context.Background()

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		PerProgram:       true,
	})

	exec, err := NewBuilder().
		WithPolicy(PermissivePolicy(10 * time.Second)).
		WithCircuitBreaker(breaker).
		Build()
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	for i := 0; i < 2; i++ {
		p, err := Pipe(MustCmd("/nonexistent/binary")).Build()
		if err != nil {
			t.Fatalf("Failed to build pipeline: %v", err)
		}
		if _, err := exec.Execute(ctx, p); err == nil {
			t.Fatalf("Run %d of a nonexistent binary should fail", i)
		}
	}

	p, err := Pipe(MustCmd("/nonexistent/binary")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	result, err := exec.Execute(ctx, p)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected open circuit, got %v", err)
	}
	if result == nil || result.Status != StatusCircuitOpen {
		t.Errorf("Expected StatusCircuitOpen, got %+v", result)
	}

	// Other programs are unaffected with a per-program breaker.
	ok, err := Pipe(MustCmd("/bin/echo", "still fine")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	if _, err := exec.Execute(ctx, ok); err != nil {
		t.Errorf("Unrelated program blocked by breaker: %v", err)
	}
}

// TestIntegration_Hooks verifies hooks observe runs and their outcomes.
func TestIntegration_Hooks(t *testing.T) {
	ctx := context.Background()

	var preCalls, postCalls int32
	var postStatus ExitStatus
	hook := &runHook{
		preRun: func(ctx context.Context, p *Pipeline) (*Pipeline, error) {
			atomic.AddInt32(&preCalls, 1)
			return p, nil
		},
		postRun: func(ctx context.Context, p *Pipeline, result *Result, err error) error {
			atomic.AddInt32(&postCalls, 1)
			postStatus = result.Status
			return nil
		},
	}

	exec, err := NewBuilder().
		WithPolicy(PermissivePolicy(10 * time.Second)).
		WithHooks(hook).
		Build()
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	p, err := Pipe(MustCmd("/bin/echo", "hooked")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	if _, err := exec.Execute(ctx, p); err != nil {
		t.Fatalf("Execution failed: %v", err)
	}

	if got := atomic.LoadInt32(&preCalls); got != 1 {
		t.Errorf("PreRun called %d times, want 1", got)
	}
	if got := atomic.LoadInt32(&postCalls); got != 1 {
		t.Errorf("PostRun called %d times, want 1", got)
	}
	if postStatus != StatusSuccess {
		t.Errorf("PostRun saw status %v, want success", postStatus)
	}
}

// TestIntegration_Auditor verifies refusals and completed runs both
// reach the audit sink.
func TestIntegration_Auditor(t *testing.T) {
	ctx := context.Background()

	auditor := &countingAuditor{}
	pol := policy.MustNew(policy.Config{
		AllowedCommands: []string{"/bin/echo"},
		DefaultTimeout:  10 * time.Second,
	})
	exec, err := NewBuilder().
		WithPolicy(pol).
		WithAuditor(auditor).
		Build()
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	allowed, err := Pipe(MustCmd("/bin/echo", "audited")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	if _, err := exec.Execute(ctx, allowed); err != nil {
		t.Fatalf("Execution failed: %v", err)
	}

	denied, err := Pipe(MustCmd("/bin/sleep", "1")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	if _, err := exec.Execute(ctx, denied); err == nil {
		t.Fatal("Expected policy violation")
	}

	if got := auditor.calls.Load(); got != 2 {
		t.Errorf("Auditor recorded %d runs, want 2", got)
	}
}

// TestIntegration_ExecuteWithRetry verifies retryable refusals are
// retried with fresh clones until the run goes through.
func TestIntegration_ExecuteWithRetry(t *testing.T) {
	ctx := context.Background()

	// Open the breaker for /bin/echo, then rely on its recovery timeout
	// to let a retry through half-open.
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          100 * time.Millisecond,
		PerProgram:       false,
	})
	auditor := &countingAuditor{}

	exec, err := NewBuilder().
		WithPolicy(PermissivePolicy(10 * time.Second)).
		WithCircuitBreaker(breaker).
		WithAuditor(auditor).
		Build()
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	bad, err := Pipe(MustCmd("/nonexistent/binary")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	if _, err := exec.Execute(ctx, bad); err == nil {
		t.Fatal("Run of a nonexistent binary should fail")
	}

	p, err := Pipe(MustCmd("/bin/echo", "retried")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	result, err := ExecuteWithRetry(ctx, exec, p,
		resilience.NewConstantBackoff(200*time.Millisecond, 5))
	if err != nil {
		t.Fatalf("Retried execution failed: %v", err)
	}
	if !result.Success() {
		t.Errorf("Expected success after retry, got status %v", result.Status)
	}
	// One failed run, at least one refusal, one success.
	if got := auditor.calls.Load(); got < 3 {
		t.Errorf("Auditor recorded %d runs, want at least 3", got)
	}

	// The caller's pipeline is never consumed; a second retry run works.
	if _, err := ExecuteWithRetry(ctx, exec, p, nil); err != nil {
		t.Errorf("Second retry run failed: %v", err)
	}
}

// TestIntegration_NewFromConfig exercises the aggregated configuration
// wiring end to end, including the audit log file.
func TestIntegration_NewFromConfig(t *testing.T) {
	ctx := context.Background()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.PolicyPath = ""
	cfg.Audit.BasePath = dir
	cfg.Audit.FilePath = "audit.log"

	exec, err := NewFromConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	defer exec.Shutdown(context.Background()) //nolint:errcheck

	p, err := Pipe(MustCmd("/bin/echo", "configured")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	result, err := exec.Execute(ctx, p)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}
	if !result.Success() {
		t.Errorf("Expected success, got status %v", result.Status)
	}

	data, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("Audit log not written: %v", err)
	}
	if !strings.Contains(string(data), result.RunID) {
		t.Error("Audit log does not mention the run")
	}
}

// TestIntegration_ExecutorShutdown verifies no new runs start after
// shutdown.
func TestIntegration_ExecutorShutdown(t *testing.T) {
	ctx := context.Background()

	exec, err := New()
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	if err := exec.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	p, err := Pipe(MustCmd("/bin/echo", "late")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	_, err = exec.Execute(ctx, p)
	if !errors.Is(err, ErrExecutorShutdown) {
		t.Errorf("Expected ErrExecutorShutdown, got %v", err)
	}
}

// TestIntegration_ConvenienceFunctions tests the one-shot helpers.
func TestIntegration_ConvenienceFunctions(t *testing.T) {
	ctx := context.Background()

	result, err := Execute(ctx, "/bin/echo", "convenience", "test")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := result.StdoutString(); got != "convenience test\n" {
		t.Errorf("Expected %q, got %q", "convenience test\n", got)
	}

	result2, err := ExecuteWithTimeout(ctx, 5*time.Second, "/bin/echo", "timed")
	if err != nil {
		t.Fatalf("ExecuteWithTimeout failed: %v", err)
	}
	if result2.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result2.ExitCode)
	}

	var stdoutBuf bytes.Buffer
	result3, err := Stream(ctx, &stdoutBuf, os.Stderr, "/bin/echo", "streamed")
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if got := stdoutBuf.String(); got != "streamed\n" {
		t.Errorf("Expected streamed output %q, got %q", "streamed\n", got)
	}
	if !result3.Success() {
		t.Errorf("Expected success, got status %v", result3.Status)
	}

	pol, err := NewPolicy(policy.Config{
		AllowedCommands: []string{"/bin/echo"},
		DefaultTimeout:  5 * time.Second,
		Version:         "convenience-test",
	})
	if err != nil {
		t.Fatalf("NewPolicy failed: %v", err)
	}

	allowed, err := Pipe(MustCmd("/bin/echo", "gated")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	result4, err := ExecuteWithPolicy(ctx, pol, allowed)
	if err != nil {
		t.Fatalf("ExecuteWithPolicy failed: %v", err)
	}
	if got := result4.StdoutString(); got != "gated\n" {
		t.Errorf("Expected %q, got %q", "gated\n", got)
	}

	denied, err := Pipe(MustCmd("/bin/cat", "/etc/hosts")).Build()
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	_, err = ExecuteWithPolicy(ctx, pol, denied)
	if !errors.Is(err, ErrPolicyViolation) {
		t.Errorf("Expected ErrPolicyViolation, got %v", err)
	}
}

// Mock types for integration assertions.

type runHook struct {
	preRun  func(ctx context.Context, p *Pipeline) (*Pipeline, error)
	postRun func(ctx context.Context, p *Pipeline, result *Result, err error) error
}

func (h *runHook) PreRun(ctx context.Context, p *Pipeline) (*Pipeline, error) {
	if h.preRun != nil {
		return h.preRun(ctx, p)
	}
	return p, nil
}

func (h *runHook) PostRun(ctx context.Context, p *Pipeline, result *Result, err error) error {
	if h.postRun != nil {
		return h.postRun(ctx, p, result, err)
	}
	return nil
}

type countingAuditor struct {
	calls atomic.Int64
}

func (a *countingAuditor) RecordRun(ctx context.Context, runID string, p *Pipeline, result *Result, err error) {
	a.calls.Add(1)
}

var _ pipeline.Hook = (*runHook)(nil)

var _ pipeline.Auditor = (*countingAuditor)(nil)
