package bulkmail

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// Mode is the execution strategy of a batch.
type Mode string

const (
	// ModeSequential runs every job on the calling goroutine in submission order.
	ModeSequential Mode = "sequential"

	// ModeConcurrent runs jobs on a bounded worker pool.
	ModeConcurrent Mode = "concurrent"
)

// Outcome is the terminal state of a job.
type Outcome string

const (
	OutcomeDelivered     Outcome = "delivered"
	OutcomeCompileFailed Outcome = "compile_failed"
	OutcomeSendFailed    Outcome = "send_failed"
)

// JobResult is the terminal record of one job.
type JobResult struct {
	JobID string
	Index int

	Outcome Outcome

	// Endpoint is the endpoint that accepted the message, or the last one tried.
	Endpoint string

	// Tried lists every endpoint attempted, in order.
	Tried []string

	// Attempts counts send attempts, connect failures included.
	Attempts int

	// Err is nil for delivered jobs.
	Err *AggregateError

	Started  time.Time
	Finished time.Time
}

// BatchReport summarises a finished batch.
// Total == Delivered + CompileFailed + SendFailed always holds.
type BatchReport struct {
	BatchID string
	Mode    Mode

	Total         int
	Delivered     int
	CompileFailed int
	SendFailed    int

	// Jobs is sorted by Index.
	Jobs []JobResult

	// EndpointsUsed lists the endpoints that accepted at least one message, in priority order.
	EndpointsUsed []string

	// Cancelled is set when the batch stopped dequeuing before the record sequence ended.
	Cancelled bool

	Started  time.Time
	Finished time.Time
}

// Aggregate builds a report from job results. priority orders EndpointsUsed; endpoints
// missing from it are appended by name.
func Aggregate(batchID string, mode Mode, results []JobResult, priority []string) *BatchReport {
	report := &BatchReport{
		BatchID: batchID,
		Mode:    mode,
		Total:   len(results),
		Jobs:    append([]JobResult(nil), results...),
	}
	sort.SliceStable(report.Jobs, func(i, j int) bool {
		return report.Jobs[i].Index < report.Jobs[j].Index
	})

	used := make(map[string]bool)
	for _, job := range report.Jobs {
		switch job.Outcome {
		case OutcomeDelivered:
			report.Delivered++
			used[job.Endpoint] = true
		case OutcomeCompileFailed:
			report.CompileFailed++
		case OutcomeSendFailed:
			report.SendFailed++
		}
		if report.Started.IsZero() || job.Started.Before(report.Started) {
			report.Started = job.Started
		}
		if job.Finished.After(report.Finished) {
			report.Finished = job.Finished
		}
	}

	for _, name := range priority {
		if used[name] {
			report.EndpointsUsed = append(report.EndpointsUsed, name)
			delete(used, name)
		}
	}
	rest := make([]string, 0, len(used))
	for name := range used {
		rest = append(rest, name)
	}
	slices.Sort(rest)
	report.EndpointsUsed = append(report.EndpointsUsed, rest...)

	return report
}

// Failed returns the jobs that did not deliver, in index order.
func (r *BatchReport) Failed() []JobResult {
	var out []JobResult
	for _, job := range r.Jobs {
		if job.Outcome != OutcomeDelivered {
			out = append(out, job)
		}
	}
	return out
}

// Duration returns the wall time of the batch.
func (r *BatchReport) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Err returns a *BatchError when any job failed, nil otherwise.
func (r *BatchReport) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	batchErr := &BatchError{
		BatchID: r.BatchID,
		Total:   r.Total,
		Failed:  len(failed),
	}
	for _, job := range failed {
		batchErr.Errors = append(batchErr.Errors, BatchItemError{
			Index: job.Index,
			JobID: job.JobID,
			Err:   job.Err,
		})
	}
	return batchErr
}

// BatchError represents errors that occurred during batch operations.
type BatchError struct {
	BatchID string

	// Errors contains individual errors for each failed job.
	Errors []BatchItemError

	// Total is the total number of jobs in the batch.
	Total int

	// Failed is the number of jobs that failed.
	Failed int
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %s: %d/%d jobs failed", e.BatchID, e.Failed, e.Total)
}

// Unwrap exposes the per-job aggregates to errors.As.
func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for _, item := range e.Errors {
		if item.Err != nil {
			out = append(out, item.Err)
		}
	}
	return out
}

// BatchItemError represents an error for a specific job in a batch.
type BatchItemError struct {
	// Index is the position of the record in the batch.
	Index int

	JobID string

	// Err is the aggregate error of the job.
	Err *AggregateError
}
