package pipeline

import (
	"time"
)

// KilledExitCode is the ExitCode reported when the chain was killed
// before the final stage returned a code (timeout, signal, cancel).
// It distinguishes "ran and returned a code" from "killed before
// completing" and is never a real exit code.
const KilledExitCode = -1

// Result contains the outcome of a pipeline run.
type Result struct {
	// RunID uniquely identifies this run for audit and tracing.
	RunID string

	// Signal names the signal that terminated the final stage, if any.
	Signal string

	// Stdout holds the captured standard output of the final stage.
	Stdout []byte

	// Stderr holds captured standard error of every stage, ordered by
	// stage index, bytes within one stage in arrival order.
	Stderr []byte

	// Status classifies the outcome.
	Status ExitStatus

	// ExitCode is the final stage's exit code, or KilledExitCode when
	// the chain was terminated before it completed.
	ExitCode int

	// StageExitCodes holds the exit code of every stage in index
	// order, KilledExitCode for stages that did not exit on their own.
	// Only the final stage's code affects Success.
	StageExitCodes []int

	// Duration is the wall-clock time from first spawn until every
	// stage reached a terminal state.
	Duration time.Duration
}

// ExitStatus represents the outcome of a pipeline run.
type ExitStatus int

const (
	// StatusSuccess indicates the final stage exited with an accepted code.
	StatusSuccess ExitStatus = iota
	// StatusError indicates the final stage exited with a rejected code.
	StatusError
	// StatusTimeout indicates the chain exceeded its deadline and was killed.
	StatusTimeout
	// StatusCanceled indicates the caller's context was canceled.
	StatusCanceled
	// StatusKilled indicates the final stage was killed by an external signal.
	StatusKilled
	// StatusPolicyDenied indicates the pipeline was denied by policy.
	StatusPolicyDenied
	// StatusLaunchFailed indicates a stage failed to spawn.
	StatusLaunchFailed
	// StatusIOError indicates a drain or reap failure after launch.
	StatusIOError
	// StatusRateLimited indicates rate limit exceeded.
	StatusRateLimited
	// StatusCircuitOpen indicates circuit breaker is open.
	StatusCircuitOpen
)

// String returns the string representation of the exit status.
func (s ExitStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	case StatusCanceled:
		return "canceled"
	case StatusKilled:
		return "killed"
	case StatusPolicyDenied:
		return "policy_denied"
	case StatusLaunchFailed:
		return "launch_failed"
	case StatusIOError:
		return "io_error"
	case StatusRateLimited:
		return "rate_limited"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// IsSuccess returns true if the run succeeded.
func (s ExitStatus) IsSuccess() bool {
	return s == StatusSuccess
}

// IsRetryable returns true if a fresh run might succeed.
func (s ExitStatus) IsRetryable() bool {
	switch s {
	case StatusTimeout, StatusRateLimited, StatusCircuitOpen:
		return true
	default:
		return false
	}
}

// Success returns true if the run succeeded: no timeout, no launch or
// IO failure, and the final stage's exit code was zero or accepted.
func (r *Result) Success() bool {
	return r.Status == StatusSuccess
}

// Failed returns true if the run did not succeed.
func (r *Result) Failed() bool {
	return !r.Success()
}

// TimedOut returns true if the run was killed by its deadline.
func (r *Result) TimedOut() bool {
	return r.Status == StatusTimeout
}

// StdoutString returns stdout as a string.
func (r *Result) StdoutString() string {
	return string(r.Stdout)
}

// StderrString returns stderr as a string.
func (r *Result) StderrString() string {
	return string(r.Stderr)
}

// DurationMillis returns the elapsed time in whole milliseconds.
func (r *Result) DurationMillis() int64 {
	return r.Duration.Milliseconds()
}

// Future represents an asynchronous result.
type Future[T any] interface {
	// Wait blocks until the result is available.
	Wait() (T, error)

	// WaitTimeout blocks until the result is available or the given
	// duration elapses, in which case it returns ErrTimeout.
	WaitTimeout(d time.Duration) (T, error)

	// Done returns a channel that is closed when the result is ready.
	Done() <-chan struct{}

	// Cancel attempts to cancel the operation.
	Cancel()
}

// ResultFuture implements Future for Result.
type ResultFuture struct {
	result *Result
	err    error
	done   chan struct{}
	cancel func()
}

// NewResultFuture creates a new result future.
func NewResultFuture(cancel func()) *ResultFuture {
	return &ResultFuture{
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Complete sets the result and signals completion.
func (f *ResultFuture) Complete(result *Result, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Wait blocks until the result is available.
func (f *ResultFuture) Wait() (*Result, error) {
	<-f.done
	return f.result, f.err
}

// WaitTimeout blocks until the result is available or d elapses.
func (f *ResultFuture) WaitTimeout(d time.Duration) (*Result, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.result, f.err
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Done returns a channel that is closed when the result is ready.
func (f *ResultFuture) Done() <-chan struct{} {
	return f.done
}

// Cancel attempts to cancel the operation.
func (f *ResultFuture) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}
