package observability

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/victoralfred/gopipe/pipeline"
	"github.com/victoralfred/gowritter/safepath"
)

// AuditLogger provides immutable audit logging.
type AuditLogger interface {
	// Log logs an audit event.
	Log(ctx context.Context, event *AuditEvent) error

	// Query queries audit events.
	Query(ctx context.Context, filter *AuditFilter) ([]*AuditEvent, error)

	// Close closes the audit logger.
	Close() error
}

// AuditEvent represents an audit log entry.
type AuditEvent struct {
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ID            string            `json:"id"`
	Entry         string            `json:"entry"`
	Pipeline      string            `json:"pipeline"`
	PolicyVersion string            `json:"policy_version,omitempty"`
	Status        string            `json:"status"`
	Error         string            `json:"error,omitempty"`
	Output        string            `json:"output,omitempty"`
	Type          AuditEventType    `json:"type"`
	StageExits    []int             `json:"stage_exits,omitempty"`
	Duration      time.Duration     `json:"duration"`
	ExitCode      int               `json:"exit_code"`
	Stages        int               `json:"stages"`
}

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// AuditEventExecution is a pipeline run event.
	AuditEventExecution AuditEventType = "execution"

	// AuditEventPolicyDenied is a policy denial event.
	AuditEventPolicyDenied AuditEventType = "policy_denied"

	// AuditEventTimeout is a timed-out run event.
	AuditEventTimeout AuditEventType = "timeout"

	// AuditEventRateLimited is a rate limiting event.
	AuditEventRateLimited AuditEventType = "rate_limited"

	// AuditEventError is an error event.
	AuditEventError AuditEventType = "error"
)

// AuditFilter filters audit events.
type AuditFilter struct {
	// StartTime is the start of the time range.
	StartTime time.Time

	// EndTime is the end of the time range.
	EndTime time.Time

	// Entry filters by the first stage's program.
	Entry string

	// Type filters by event type.
	Type AuditEventType

	// Status filters by status.
	Status string

	// Limit is the maximum number of events to return.
	Limit int
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	LogLevel      AuditLogLevel
	BasePath      string
	FilePath      string
	MaxOutputSize int
	Enabled       bool
	IncludeOutput bool
}

// AuditLogLevel determines what events to log.
type AuditLogLevel string

const (
	// AuditLogAll logs all events.
	AuditLogAll AuditLogLevel = "all"

	// AuditLogFailures logs only failures.
	AuditLogFailures AuditLogLevel = "failures"

	// AuditLogPolicyViolations logs only policy violations.
	AuditLogPolicyViolations AuditLogLevel = "policy_violations"
)

// DefaultAuditConfig returns default audit configuration.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:       true,
		LogLevel:      AuditLogAll,
		IncludeOutput: false,
		MaxOutputSize: 1024,
		BasePath:      "/var/log",
		FilePath:      "gopipe/audit.log",
	}
}

// fileAuditLogger implements AuditLogger using gowritter.
type fileAuditLogger struct {
	safePath *safepath.SafePath
	config   AuditConfig
	mu       sync.Mutex
}

// NewFileAuditLogger creates a new file-based audit logger.
func NewFileAuditLogger(config AuditConfig) (AuditLogger, error) {
	sp, err := safepath.New(config.BasePath)
	if err != nil {
		return nil, fmt.Errorf("creating safe path: %w", err)
	}

	return &fileAuditLogger{
		config:   config,
		safePath: sp,
	}, nil
}

// Log implements AuditLogger.Log.
func (l *fileAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if !l.config.Enabled {
		return nil
	}

	// Check log level
	if !l.shouldLog(event) {
		return nil
	}

	// Truncate output if needed
	if !l.config.IncludeOutput {
		event.Output = ""
	} else if len(event.Output) > l.config.MaxOutputSize {
		event.Output = event.Output[:l.config.MaxOutputSize] + "...(truncated)"
	}

	// Marshal to JSON
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}

	// Append newline
	data = append(data, '\n')

	// Write to file using gowritter
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.safePath.AppendFile(l.config.FilePath, data, 0o644); err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}

	return nil
}

// Query implements AuditLogger.Query. Events are stored one JSON
// object per line.
func (l *fileAuditLogger) Query(ctx context.Context, filter *AuditFilter) ([]*AuditEvent, error) {
	data, err := l.safePath.ReadFile(l.config.FilePath)
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	var events []*AuditEvent
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var event AuditEvent
		if err := json.Unmarshal(line, &event); err != nil {
			// Skip malformed lines rather than failing the whole query
			continue
		}

		if filter != nil && !matchesFilter(&event, filter) {
			continue
		}

		events = append(events, &event)
		if filter != nil && filter.Limit > 0 && len(events) >= filter.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning audit log: %w", err)
	}

	return events, nil
}

// matchesFilter checks one event against the filter.
func matchesFilter(event *AuditEvent, filter *AuditFilter) bool {
	if !filter.StartTime.IsZero() && event.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && event.Timestamp.After(filter.EndTime) {
		return false
	}
	if filter.Entry != "" && event.Entry != filter.Entry {
		return false
	}
	if filter.Type != "" && event.Type != filter.Type {
		return false
	}
	if filter.Status != "" && event.Status != filter.Status {
		return false
	}
	return true
}

// Close implements AuditLogger.Close.
func (l *fileAuditLogger) Close() error {
	return nil
}

func (l *fileAuditLogger) shouldLog(event *AuditEvent) bool {
	switch l.config.LogLevel {
	case AuditLogAll:
		return true
	case AuditLogFailures:
		return event.Status != "success"
	case AuditLogPolicyViolations:
		return event.Type == AuditEventPolicyDenied
	default:
		return true
	}
}

// CreateAuditEvent creates an audit event from a run result.
func CreateAuditEvent(p *pipeline.Pipeline, result *pipeline.Result, execErr error) *AuditEvent {
	event := &AuditEvent{
		ID:        result.RunID,
		Timestamp: time.Now(),
		Type:      AuditEventExecution,
		Pipeline:  p.String(),
		Stages:    len(p.Stages),
		Status:    result.Status.String(),
		ExitCode:  result.ExitCode,
		Duration:  result.Duration,
	}

	if len(p.Stages) > 0 {
		event.Entry = p.Stages[0].Program
	}
	if len(result.StageExitCodes) > 0 {
		event.StageExits = result.StageExitCodes
	}
	if len(result.Stdout) > 0 {
		event.Output = string(result.Stdout)
	}

	if execErr != nil {
		event.Error = execErr.Error()
		event.Type = AuditEventError
	}

	switch result.Status {
	case pipeline.StatusPolicyDenied:
		event.Type = AuditEventPolicyDenied
	case pipeline.StatusTimeout:
		event.Type = AuditEventTimeout
	case pipeline.StatusRateLimited:
		event.Type = AuditEventRateLimited
	}

	var pv *pipeline.PolicyViolationError
	if errors.As(execErr, &pv) {
		event.PolicyVersion = pv.PolicyVersion
	}

	return event
}

// RunAuditor records run outcomes through an AuditLogger.
type RunAuditor struct {
	logger AuditLogger
}

// NewRunAuditor creates an auditor backed by the given logger.
func NewRunAuditor(logger AuditLogger) *RunAuditor {
	return &RunAuditor{logger: logger}
}

// RecordRun logs one completed or refused run.
func (a *RunAuditor) RecordRun(ctx context.Context, runID string, p *pipeline.Pipeline, result *pipeline.Result, err error) {
	event := CreateAuditEvent(p, result, err)
	event.ID = runID
	// Audit failures must not fail the run itself.
	_ = a.logger.Log(ctx, event)
}

// NoopAuditLogger returns a no-op audit logger.
func NoopAuditLogger() AuditLogger {
	return &noopAuditLogger{}
}

type noopAuditLogger struct{}

func (l *noopAuditLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }
func (l *noopAuditLogger) Query(ctx context.Context, filter *AuditFilter) ([]*AuditEvent, error) {
	return nil, nil
}
func (l *noopAuditLogger) Close() error { return nil }
