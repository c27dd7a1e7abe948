package scheduler

import (
	"context"
	"time"
)

// Job represents a scheduled maintenance job
// ⭐ SSOT: 스케줄 작업 인터페이스는 여기서만 정의
type Job interface {
	// Name returns the job name
	Name() string

	// Run executes the job
	Run(ctx context.Context) error

	// Schedule returns the cron schedule expression (with seconds)
	// Examples: "0 0 18 * * 1-5" (weekdays at 6 PM)
	//           "@daily", "@hourly"
	Schedule() string
}

// Phase run names recorded in history
const (
	RunPreMarketScan = "pre_market_scan"
	RunMarketCycle   = "market_cycle"
	RunSettlement    = "settlement"
)

// JobResult represents the result of a job or phase run
type JobResult struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

// JobHistory stores execution history
type JobHistory struct {
	Results []JobResult
}

// maxHistory is the number of results kept per job
const maxHistory = 100

// AddResult adds a result to history
func (h *JobHistory) AddResult(result JobResult) {
	h.Results = append(h.Results, result)

	// Keep only last 100 results
	if len(h.Results) > maxHistory {
		h.Results = h.Results[len(h.Results)-maxHistory:]
	}
}

// GetLatestResults returns the latest N results
func (h *JobHistory) GetLatestResults(n int) []JobResult {
	if n > len(h.Results) {
		n = len(h.Results)
	}

	if n == 0 {
		return []JobResult{}
	}

	out := make([]JobResult, n)
	copy(out, h.Results[len(h.Results)-n:])
	return out
}

// GetFailedResults returns all failed results
func (h *JobHistory) GetFailedResults() []JobResult {
	failed := make([]JobResult, 0)
	for _, result := range h.Results {
		if !result.Success {
			failed = append(failed, result)
		}
	}
	return failed
}

// GetSuccessRate returns the success rate (0.0 - 1.0)
func (h *JobHistory) GetSuccessRate() float64 {
	if len(h.Results) == 0 {
		return 0.0
	}

	successCount := 0
	for _, result := range h.Results {
		if result.Success {
			successCount++
		}
	}

	return float64(successCount) / float64(len(h.Results))
}

// JobStats represents statistics for a job
type JobStats struct {
	JobName      string     `json:"job_name"`
	Schedule     string     `json:"schedule"`
	TotalRuns    int        `json:"total_runs"`
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	SuccessRate  float64    `json:"success_rate"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
	LastDetail   string     `json:"last_detail,omitempty"`
}

func statsFor(name, schedule string, history *JobHistory) JobStats {
	latest := history.GetLatestResults(1)
	failed := history.GetFailedResults()

	stats := JobStats{
		JobName:      name,
		Schedule:     schedule,
		TotalRuns:    len(history.Results),
		SuccessCount: len(history.Results) - len(failed),
		FailureCount: len(failed),
		SuccessRate:  history.GetSuccessRate(),
	}
	if len(latest) > 0 {
		last := latest[0]
		stats.LastRun = &last.StartTime
		stats.LastDetail = last.Detail
		if last.Success {
			stats.LastSuccess = &last.StartTime
		} else {
			stats.LastFailure = &last.StartTime
		}
	}
	return stats
}
