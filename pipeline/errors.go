package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrInvalidConfig indicates a malformed policy, stage, or pipeline.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrPolicyViolation indicates the pipeline was denied by policy.
	ErrPolicyViolation = errors.New("denied by policy")

	// ErrLaunchFailed indicates a stage process could not be started.
	ErrLaunchFailed = errors.New("stage launch failed")

	// ErrStreamIO indicates a failure draining an output stream or
	// reaping a process after launch.
	ErrStreamIO = errors.New("process I/O error")

	// ErrTimeout indicates the chain exceeded its wall-clock deadline.
	ErrTimeout = errors.New("process execution timed out")

	// ErrPipelineConsumed indicates a pipeline was executed twice.
	ErrPipelineConsumed = errors.New("pipeline already executed")

	// ErrRateLimited indicates rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrCircuitOpen indicates circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrExecutorShutdown indicates executor is shutdown.
	ErrExecutorShutdown = errors.New("executor shutdown")
)

// ErrorCode provides structured error classification.
type ErrorCode string

const (
	// ErrCodeInvalidConfig indicates malformed configuration.
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// ErrCodePolicyViolation indicates a policy violation.
	ErrCodePolicyViolation ErrorCode = "POLICY_VIOLATION"

	// ErrCodeValidationFailed indicates structural validation failure.
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// ErrCodeLaunchFailed indicates a spawn failure.
	ErrCodeLaunchFailed ErrorCode = "LAUNCH_FAILED"

	// ErrCodeTimeout indicates timeout.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeIOError indicates a stream drain or reap failure.
	ErrCodeIOError ErrorCode = "IO_ERROR"

	// ErrCodeRateLimited indicates rate limiting.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// ErrCodeCircuitOpen indicates circuit breaker open.
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// ErrCodeInternalError indicates internal error.
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ViolationDimension identifies which policy dimension was violated.
type ViolationDimension string

const (
	// DimensionCommand is a violation of the command filter.
	DimensionCommand ViolationDimension = "command"

	// DimensionEnvKey is a violation of the environment-key filter.
	DimensionEnvKey ViolationDimension = "env_key"

	// DimensionWorkdir is a violation of the working-directory filter.
	DimensionWorkdir ViolationDimension = "workdir"
)

// ExecutionError provides detailed error information.
type ExecutionError struct {
	// Op is the operation that failed.
	Op string

	// Stage is the index of the stage involved, or -1 when the error
	// concerns the pipeline as a whole.
	Stage int

	// Program is the program of the stage involved, if any.
	Program string

	// Err is the underlying sentinel error.
	Err error

	// Code is the structured error code.
	Code ErrorCode

	// Details provides human-readable details.
	Details string

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error returns the error message.
func (e *ExecutionError) Error() string {
	target := e.Program
	if e.Stage >= 0 {
		target = fmt.Sprintf("stage %d (%s)", e.Stage, e.Program)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, target, e.Details)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, target, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// PolicyViolationError reports which policy dimension rejected which value.
type PolicyViolationError struct {
	ExecutionError

	// Dimension is the policy dimension that was violated.
	Dimension ViolationDimension

	// Value is the rejected command name, environment key, or directory.
	Value string

	// PolicyVersion identifies the policy that made the decision.
	PolicyVersion string
}

// LaunchError reports a spawn failure for one stage. All stages spawned
// before the failing one have been terminated and reaped by the time
// this error surfaces.
type LaunchError struct {
	ExecutionError

	// Cause is the OS-level error that prevented the spawn.
	Cause error
}

// Unwrap returns the OS-level cause.
func (e *LaunchError) Unwrap() error {
	return e.Cause
}

// Is reports whether the error matches the target.
func (e *LaunchError) Is(target error) bool {
	return errors.Is(e.Err, target) || errors.Is(e.Cause, target)
}

// Error constructors for consistent error creation.

// NewConfigError creates an invalid-configuration error.
func NewConfigError(field, message string) error {
	return &ExecutionError{
		Op:      "configure",
		Stage:   -1,
		Err:     ErrInvalidConfig,
		Code:    ErrCodeInvalidConfig,
		Details: fmt.Sprintf("%s: %s", field, message),
	}
}

// NewPolicyError creates a policy violation error for one dimension.
func NewPolicyError(dimension ViolationDimension, value string, policyVersion string) *PolicyViolationError {
	var details string
	switch dimension {
	case DimensionCommand:
		details = fmt.Sprintf("command '%s' is not permitted", value)
	case DimensionEnvKey:
		details = fmt.Sprintf("environment variable '%s' is not permitted", value)
	case DimensionWorkdir:
		details = fmt.Sprintf("working directory '%s' is not permitted", value)
	default:
		details = fmt.Sprintf("'%s' is not permitted", value)
	}

	return &PolicyViolationError{
		ExecutionError: ExecutionError{
			Op:      "policy_check",
			Stage:   -1,
			Err:     ErrPolicyViolation,
			Code:    ErrCodePolicyViolation,
			Details: details,
		},
		Dimension:     dimension,
		Value:         value,
		PolicyVersion: policyVersion,
	}
}

// NewLaunchError creates a launch failure error for one stage.
func NewLaunchError(stage int, program string, cause error) *LaunchError {
	return &LaunchError{
		ExecutionError: ExecutionError{
			Op:      "launch",
			Stage:   stage,
			Program: program,
			Err:     ErrLaunchFailed,
			Code:    ErrCodeLaunchFailed,
			Details: fmt.Sprintf("spawn failed: %v", cause),
		},
		Cause: cause,
	}
}

// NewStreamError creates a stream/reap IO error.
func NewStreamError(stage int, stream string, cause error) error {
	details := fmt.Sprintf("process I/O error: %v", cause)
	if stream != "" {
		details = fmt.Sprintf("process I/O error on %s: %v", stream, cause)
	}
	return &ExecutionError{
		Op:      "drain",
		Stage:   stage,
		Err:     ErrStreamIO,
		Code:    ErrCodeIOError,
		Details: details,
	}
}

// NewValidationError creates a structural validation error.
func NewValidationError(stage int, program, field, message string) error {
	return &ExecutionError{
		Op:      "validate",
		Stage:   stage,
		Program: program,
		Err:     ErrInvalidConfig,
		Code:    ErrCodeValidationFailed,
		Details: fmt.Sprintf("%s: %s", field, message),
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(program string) error {
	return &ExecutionError{
		Op:        "rate_limit",
		Stage:     -1,
		Program:   program,
		Err:       ErrRateLimited,
		Code:      ErrCodeRateLimited,
		Details:   "rate limit exceeded, retry later",
		Retryable: true,
	}
}

// NewCircuitOpenError creates a circuit breaker open error.
func NewCircuitOpenError(program string) error {
	return &ExecutionError{
		Op:        "circuit_breaker",
		Stage:     -1,
		Program:   program,
		Err:       ErrCircuitOpen,
		Code:      ErrCodeCircuitOpen,
		Details:   "circuit breaker is open due to recent failures",
		Retryable: true,
	}
}

// IsRetryable returns true if the error is retryable.
func IsRetryable(err error) bool {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Code
	}
	var policyErr *PolicyViolationError
	if errors.As(err, &policyErr) {
		return policyErr.Code
	}
	var launchErr *LaunchError
	if errors.As(err, &launchErr) {
		return launchErr.Code
	}
	return ErrCodeInternalError
}
