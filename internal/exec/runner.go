// Package exec provides the internal pipeline execution engine.
// This is the ONLY package in the entire library that imports os/exec.
// All process invocation MUST go through this package.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// drainGrace bounds how long a run waits for drains to reach EOF after
// every stage is terminal. A grandchild that escaped its process group
// and still holds a pipe write end must not hang the run.
const drainGrace = 500 * time.Millisecond

// Runner launches and supervises process chains.
// This is the sole abstraction for process invocation.
type Runner struct{}

// NewRunner creates a new chain runner.
func NewRunner() *Runner {
	return &Runner{}
}

// StageConfig describes one process in a chain.
type StageConfig struct {
	// Program is the executable name or path. Relative names resolve
	// through PATH.
	Program string

	// Args are the command arguments (excluding the program name).
	Args []string

	// Env is the full environment as KEY=VALUE pairs. If nil, the host
	// environment is inherited.
	Env []string

	// Dir is the working directory for this stage only.
	Dir string
}

// RunConfig contains configuration for running a chain.
type RunConfig struct {
	// Stages are the processes in chain order. stdout of stage i is
	// piped into stdin of stage i+1; stage 0 reads the null device.
	Stages []StageConfig

	// Stdout receives final-stage output as it arrives. If nil, output
	// is captured into the result.
	Stdout io.Writer

	// Stderr receives every stage's standard error as it arrives.
	// If nil, output is captured per stage and concatenated by index.
	Stderr io.Writer
}

// RunResult contains the result of a chain run.
type RunResult struct {
	// ExitCode is the final stage's exit code, -1 if it was killed.
	ExitCode int

	// StageExits holds every stage's exit code in index order.
	StageExits []int

	// Signal is the signal that terminated the final stage, if any.
	Signal syscall.Signal

	// Stdout contains captured final-stage output (if not streaming).
	Stdout []byte

	// Stderr contains captured standard error of all stages, ordered
	// by stage index (if not streaming).
	Stderr []byte

	// TimedOut reports that the deadline fired and the chain was killed.
	TimedOut bool

	// Canceled reports that the caller's context was canceled.
	Canceled bool

	// Duration is the wall clock time from first spawn to all-terminal.
	Duration time.Duration
}

// StartError reports which stage could not be spawned. Stages spawned
// before it have been killed and reaped.
type StartError struct {
	Stage   int
	Program string
	Err     error
}

// Error returns the error message.
func (e *StartError) Error() string {
	return fmt.Sprintf("start stage %d (%s): %v", e.Stage, e.Program, e.Err)
}

// Unwrap returns the OS-level error.
func (e *StartError) Unwrap() error {
	return e.Err
}

// IOError reports a stream drain or process reap failure.
type IOError struct {
	Stage  int    // stage index, -1 when not stage-specific
	Op     string // "drain" or "wait"
	Stream string // "stdout" or "stderr" for drain failures
	Err    error
}

// Error returns the error message.
func (e *IOError) Error() string {
	if e.Stream != "" {
		return fmt.Sprintf("%s %s of stage %d: %v", e.Op, e.Stream, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s stage %d: %v", e.Op, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// Run executes a chain with the given context and configuration.
// The context MUST have a deadline set for timeout enforcement.
// Timeout and cancellation are reported through the RunResult, not as
// errors; the error return covers spawn and IO failures only.
func (r *Runner) Run(ctx context.Context, config *RunConfig) (*RunResult, error) {
	if len(config.Stages) == 0 {
		return nil, fmt.Errorf("chain has no stages")
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Verify context has a deadline
	if _, ok := ctx.Deadline(); !ok {
		return nil, fmt.Errorf("context must have a deadline for timeout enforcement")
	}

	c, err := launch(config)
	if err != nil {
		return nil, err
	}

	return c.supervise(ctx, config)
}

// chain owns the OS resources of one run: the per-stage commands, the
// parent's duplicate pipe ends, and the drain goroutines. Every handle
// is closed and every process reaped on every exit path.
type chain struct {
	cmds        []*exec.Cmd
	stdout      bytes.Buffer
	stderrs     []bytes.Buffer
	parentFiles []*os.File // pipe ends the parent must drop after spawn
	drainSrcs   []*os.File // read ends owned by drain goroutines
	drains      sync.WaitGroup
	started     time.Time

	mu       sync.Mutex
	drainErr error
}

// fail tears down a partially launched chain: the first `started`
// stages are killed and reaped, every parent pipe end is closed, and
// the drain barrier is joined before the error surfaces.
func (c *chain) fail(started int, err *StartError) (*chain, error) {
	for j := 0; j < started; j++ {
		killGroup(c.cmds[j])
		_ = c.cmds[j].Wait()
	}
	c.closeParentFiles()
	c.drains.Wait()
	return nil, err
}

// launch builds the commands, wires the pipes, starts one drain per
// captured stream, and spawns every stage in order. Partial fan-out is
// never observable: any failure tears down everything spawned so far.
func launch(config *RunConfig) (*chain, error) {
	n := len(config.Stages)
	c := &chain{
		cmds:    make([]*exec.Cmd, n),
		stderrs: make([]bytes.Buffer, n),
	}

	// G204: programs and arguments are validated against policy before
	// reaching this point, and exec.Command does not involve a shell.
	// #nosec G204 -- program and arguments are validated upstream
	for i := range config.Stages {
		sc := &config.Stages[i]
		cmd := exec.Command(sc.Program, sc.Args...)
		if len(sc.Env) > 0 {
			cmd.Env = sc.Env
		}
		if sc.Dir != "" {
			cmd.Dir = sc.Dir
		}
		cmd.SysProcAttr = defaultSysProcAttr()
		c.cmds[i] = cmd
	}

	// Connect adjacent stages. The parent's copies of both ends must
	// be dropped after spawn or EOF never propagates down the chain.
	for i := 0; i < n-1; i++ {
		pr, pw, err := os.Pipe()
		if err != nil {
			return c.fail(0, &StartError{Stage: i, Program: config.Stages[i].Program, Err: err})
		}
		c.cmds[i].Stdout = pw
		c.cmds[i+1].Stdin = pr
		c.parentFiles = append(c.parentFiles, pr, pw)
	}

	// One shared mutex serializes writes when streaming to caller
	// writers; captured buffers are owned by a single drain each.
	var streamMu sync.Mutex

	// Final-stage stdout.
	stdoutSink := io.Writer(&c.stdout)
	if config.Stdout != nil {
		stdoutSink = &lockedWriter{mu: &streamMu, w: config.Stdout}
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return c.fail(0, &StartError{Stage: n - 1, Program: config.Stages[n-1].Program, Err: err})
	}
	c.cmds[n-1].Stdout = pw
	c.parentFiles = append(c.parentFiles, pw)
	c.addDrain(n-1, "stdout", pr, stdoutSink)

	// Standard error of every stage.
	for i := 0; i < n; i++ {
		sink := io.Writer(&c.stderrs[i])
		if config.Stderr != nil {
			sink = &lockedWriter{mu: &streamMu, w: config.Stderr}
		}
		epr, epw, err := os.Pipe()
		if err != nil {
			return c.fail(0, &StartError{Stage: i, Program: config.Stages[i].Program, Err: err})
		}
		c.cmds[i].Stderr = epw
		c.parentFiles = append(c.parentFiles, epw)
		c.addDrain(i, "stderr", epr, sink)
	}

	// Spawn in stage order.
	c.started = time.Now()
	for i, cmd := range c.cmds {
		if err := cmd.Start(); err != nil {
			return c.fail(i, &StartError{Stage: i, Program: config.Stages[i].Program, Err: err})
		}
	}
	c.closeParentFiles()

	return c, nil
}

// supervise drains the captured streams, waits for every stage to
// reach a terminal state, and enforces the context deadline. On
// deadline or cancellation it kills every stage's process group, then
// reaps and finishes draining what was already buffered.
func (c *chain) supervise(ctx context.Context, config *RunConfig) (*RunResult, error) {
	n := len(c.cmds)

	type waitOutcome struct {
		exits  []int
		signal syscall.Signal
		err    error
	}

	waitCh := make(chan waitOutcome, 1)
	go func() {
		out := waitOutcome{exits: make([]int, n)}
		for i, cmd := range c.cmds {
			err := cmd.Wait()
			out.exits[i] = exitCode(cmd)
			if err != nil {
				var exitErr *exec.ExitError
				if !errors.As(err, &exitErr) && out.err == nil {
					out.err = &IOError{Stage: i, Op: "wait", Err: err}
				}
			}
			if i == n-1 && cmd.ProcessState != nil {
				if sig, ok := extractSignal(cmd.ProcessState.Sys()); ok {
					out.signal = sig
				}
			}
		}
		waitCh <- out
	}()

	result := &RunResult{}
	var out waitOutcome

	select {
	case out = <-waitCh:
		result.Duration = time.Since(c.started)
	case <-ctx.Done():
		result.Duration = time.Since(c.started)
		c.killAll()
		out = <-waitCh
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
		} else {
			result.Canceled = true
		}
	}

	// All processes are terminal and the parent dropped its pipe ends,
	// so the drains see EOF with whatever was buffered.
	if !c.waitDrains(drainGrace) {
		c.closeDrainSrcs()
		c.drains.Wait()
	}

	result.StageExits = out.exits
	result.ExitCode = out.exits[n-1]
	result.Signal = out.signal
	if config.Stdout == nil {
		result.Stdout = c.stdout.Bytes()
	}
	if config.Stderr == nil {
		result.Stderr = c.joinStderr()
	}

	if result.TimedOut || result.Canceled {
		result.ExitCode = -1
		return result, nil
	}

	if out.err != nil {
		return result, out.err
	}
	if derr := c.drainError(); derr != nil {
		return result, derr
	}

	return result, nil
}

// addDrain starts a goroutine that copies src into dst until EOF.
func (c *chain) addDrain(stage int, stream string, src *os.File, dst io.Writer) {
	c.drainSrcs = append(c.drainSrcs, src)
	c.drains.Add(1)
	go func() {
		defer c.drains.Done()
		defer src.Close()
		if _, err := io.Copy(dst, src); err != nil {
			c.recordDrainErr(stage, stream, err)
		}
	}()
}

// killAll forcefully terminates every stage's process group.
func (c *chain) killAll() {
	for _, cmd := range c.cmds {
		killGroup(cmd)
	}
}

// closeParentFiles drops the parent's duplicate pipe ends.
func (c *chain) closeParentFiles() {
	for _, f := range c.parentFiles {
		_ = f.Close()
	}
	c.parentFiles = nil
}

// closeDrainSrcs force-closes the drain read ends, unblocking any
// drain whose writer never died.
func (c *chain) closeDrainSrcs() {
	for _, f := range c.drainSrcs {
		_ = f.Close()
	}
}

// waitDrains waits for the drain barrier, bounded by grace.
func (c *chain) waitDrains(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.drains.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// recordDrainErr keeps the first drain failure. Force-closed sources
// are expected and not recorded.
func (c *chain) recordDrainErr(stage int, stream string, err error) {
	if errors.Is(err, os.ErrClosed) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drainErr == nil {
		c.drainErr = &IOError{Stage: stage, Op: "drain", Stream: stream, Err: err}
	}
}

// drainError returns the first recorded drain failure, if any.
func (c *chain) drainError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drainErr == nil {
		return nil
	}
	return c.drainErr
}

// joinStderr concatenates the per-stage stderr buffers in index order.
func (c *chain) joinStderr() []byte {
	if len(c.stderrs) == 1 {
		return c.stderrs[0].Bytes()
	}
	var out bytes.Buffer
	for i := range c.stderrs {
		out.Write(c.stderrs[i].Bytes())
	}
	return out.Bytes()
}

// exitCode extracts a stage's exit code, -1 when it did not exit on
// its own.
func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// lockedWriter serializes concurrent drain writes to a shared writer.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// BuildEnv creates an environment slice from a map.
func BuildEnv(env map[string]string) []string {
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}
