package observability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/victoralfred/gopipe/pipeline"
)

// Metrics provides in-process run metrics.
type Metrics struct {
	programStats    map[string]*ProgramStats
	totalDuration   int64
	minDuration     int64
	timeoutRuns     int64
	policyDenied    int64
	rateLimited     int64
	failedRuns      int64
	circuitOpen     int64
	durationCount   int64
	totalRuns       int64
	maxDuration     int64
	totalStages     int64
	successfulRuns  int64
	mu              sync.RWMutex
}

// ProgramStats contains per-program statistics, keyed by the first
// stage's program.
type ProgramStats struct {
	LastRunAt     time.Time
	Program       string
	LastStatus    string
	TotalRuns     int64
	SuccessfulRun int64
	FailedRun     int64
	TotalDuration int64
	AvgDuration   int64
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		programStats: make(map[string]*ProgramStats),
		minDuration:  -1,
	}
}

// RecordRun records a run result.
func (m *Metrics) RecordRun(p *pipeline.Pipeline, result *pipeline.Result, err error) {
	atomic.AddInt64(&m.totalRuns, 1)
	atomic.AddInt64(&m.totalStages, int64(len(p.Stages)))

	// Record status
	switch result.Status {
	case pipeline.StatusSuccess:
		atomic.AddInt64(&m.successfulRuns, 1)
	case pipeline.StatusTimeout:
		atomic.AddInt64(&m.timeoutRuns, 1)
		atomic.AddInt64(&m.failedRuns, 1)
	case pipeline.StatusPolicyDenied:
		atomic.AddInt64(&m.policyDenied, 1)
		atomic.AddInt64(&m.failedRuns, 1)
	case pipeline.StatusRateLimited:
		atomic.AddInt64(&m.rateLimited, 1)
		atomic.AddInt64(&m.failedRuns, 1)
	case pipeline.StatusCircuitOpen:
		atomic.AddInt64(&m.circuitOpen, 1)
		atomic.AddInt64(&m.failedRuns, 1)
	default:
		if err != nil || result.ExitCode != 0 {
			atomic.AddInt64(&m.failedRuns, 1)
		} else {
			atomic.AddInt64(&m.successfulRuns, 1)
		}
	}

	// Record duration
	duration := result.Duration.Nanoseconds()
	atomic.AddInt64(&m.totalDuration, duration)
	atomic.AddInt64(&m.durationCount, 1)

	// Update min/max
	for {
		old := atomic.LoadInt64(&m.minDuration)
		if old >= 0 && duration >= old {
			break
		}
		if atomic.CompareAndSwapInt64(&m.minDuration, old, duration) {
			break
		}
	}

	for {
		old := atomic.LoadInt64(&m.maxDuration)
		if duration <= old {
			break
		}
		if atomic.CompareAndSwapInt64(&m.maxDuration, old, duration) {
			break
		}
	}

	// Update per-program stats
	if len(p.Stages) > 0 {
		m.updateProgramStats(p.Stages[0].Program, result)
	}
}

func (m *Metrics) updateProgramStats(program string, result *pipeline.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.programStats[program]
	if !ok {
		stats = &ProgramStats{Program: program}
		m.programStats[program] = stats
	}

	stats.TotalRuns++
	stats.TotalDuration += result.Duration.Nanoseconds()
	stats.AvgDuration = stats.TotalDuration / stats.TotalRuns
	stats.LastRunAt = time.Now()
	stats.LastStatus = result.Status.String()

	if result.Status == pipeline.StatusSuccess {
		stats.SuccessfulRun++
	} else {
		stats.FailedRun++
	}
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TotalRuns:      atomic.LoadInt64(&m.totalRuns),
		TotalStages:    atomic.LoadInt64(&m.totalStages),
		SuccessfulRuns: atomic.LoadInt64(&m.successfulRuns),
		FailedRuns:     atomic.LoadInt64(&m.failedRuns),
		TimeoutRuns:    atomic.LoadInt64(&m.timeoutRuns),
		PolicyDenied:   atomic.LoadInt64(&m.policyDenied),
		RateLimited:    atomic.LoadInt64(&m.rateLimited),
		CircuitOpen:    atomic.LoadInt64(&m.circuitOpen),
		AvgDuration:    m.avgDuration(),
		MinDuration:    time.Duration(atomic.LoadInt64(&m.minDuration)),
		MaxDuration:    time.Duration(atomic.LoadInt64(&m.maxDuration)),
		ProgramStats:   m.getProgramStats(),
	}
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	ProgramStats   map[string]*ProgramStats
	RateLimited    int64
	FailedRuns     int64
	TimeoutRuns    int64
	PolicyDenied   int64
	TotalRuns      int64
	TotalStages    int64
	CircuitOpen    int64
	AvgDuration    time.Duration
	MinDuration    time.Duration
	MaxDuration    time.Duration
	SuccessfulRuns int64
}

// SuccessRate returns the success rate as a percentage.
func (s MetricsSnapshot) SuccessRate() float64 {
	if s.TotalRuns == 0 {
		return 0
	}
	return float64(s.SuccessfulRuns) / float64(s.TotalRuns) * 100
}

// ErrorRate returns the error rate as a percentage.
func (s MetricsSnapshot) ErrorRate() float64 {
	if s.TotalRuns == 0 {
		return 0
	}
	return float64(s.FailedRuns) / float64(s.TotalRuns) * 100
}

// AvgStagesPerRun returns the average pipeline depth.
func (s MetricsSnapshot) AvgStagesPerRun() float64 {
	if s.TotalRuns == 0 {
		return 0
	}
	return float64(s.TotalStages) / float64(s.TotalRuns)
}

func (m *Metrics) avgDuration() time.Duration {
	count := atomic.LoadInt64(&m.durationCount)
	if count == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&m.totalDuration) / count)
}

func (m *Metrics) getProgramStats() map[string]*ProgramStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*ProgramStats, len(m.programStats))
	for k, v := range m.programStats {
		// Copy stats
		copied := *v
		result[k] = &copied
	}
	return result
}

// Reset resets all metrics.
func (m *Metrics) Reset() {
	atomic.StoreInt64(&m.totalRuns, 0)
	atomic.StoreInt64(&m.totalStages, 0)
	atomic.StoreInt64(&m.successfulRuns, 0)
	atomic.StoreInt64(&m.failedRuns, 0)
	atomic.StoreInt64(&m.timeoutRuns, 0)
	atomic.StoreInt64(&m.policyDenied, 0)
	atomic.StoreInt64(&m.rateLimited, 0)
	atomic.StoreInt64(&m.circuitOpen, 0)
	atomic.StoreInt64(&m.totalDuration, 0)
	atomic.StoreInt64(&m.durationCount, 0)
	atomic.StoreInt64(&m.minDuration, -1)
	atomic.StoreInt64(&m.maxDuration, 0)

	m.mu.Lock()
	m.programStats = make(map[string]*ProgramStats)
	m.mu.Unlock()
}
