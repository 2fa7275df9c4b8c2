// Package queue submits security-analysis jobs to a durable work queue and
// reports on its health.
package queue

import (
	"fmt"
	"time"

	"sentinelhooks/pkg/events"
)

const (
	DefaultQueueName = "security-analysis"
	// JobKind names the unit of work for downstream consumers.
	JobKind = "analyze-commit"

	DefaultPriority = 5
	MinPriority     = 1
	MaxPriority     = 10
)

// JobDescriptor is the payload handed to the analysis workers.
// Repository and CommitSHA together identify the job.
type JobDescriptor struct {
	Repository   string   `json:"repository" river:"unique"`
	CommitSHA    string   `json:"commitSha" river:"unique"`
	ChangedFiles []string `json:"changedFiles"`
	Priority     int      `json:"priority"`
}

// Kind implements river.JobArgs.
func (JobDescriptor) Kind() string { return JobKind }

// DedupKey is the job id: "{repository}-{commitSha}".
func (d JobDescriptor) DedupKey() string {
	return d.Repository + "-" + d.CommitSHA
}

// Validate checks the descriptor after defaults have been applied.
func (d JobDescriptor) Validate() error {
	if d.Repository == "" {
		return fmt.Errorf("%w: repository is required", ErrInvalidDescriptor)
	}
	if !events.IsCommitSHA(d.CommitSHA) {
		return fmt.Errorf("%w: commit sha %q is not a full object id", ErrInvalidDescriptor, d.CommitSHA)
	}
	if d.Priority < MinPriority || d.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside %d..%d", ErrInvalidDescriptor, d.Priority, MinPriority, MaxPriority)
	}
	return nil
}

// State is the lifecycle position of an enqueued job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// EnqueuedJob is the queue's record of a submitted descriptor.
type EnqueuedJob struct {
	ID          string        `json:"id"`
	Descriptor  JobDescriptor `json:"descriptor"`
	State       State         `json:"state"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	// Duplicate is set when a job with the same id already existed and
	// nothing new was created.
	Duplicate  bool      `json:"duplicate"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	LastError  string    `json:"lastError,omitempty"`
}

// RetryPolicy is stamped on every job at submission.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Backoff is the wait after the first failed attempt; it doubles after each further failure.
	Backoff       time.Duration
	KeepCompleted int
	KeepFailed    int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:      3,
		Backoff:       2 * time.Second,
		KeepCompleted: 100,
		KeepFailed:    100,
	}
}

// Delay returns the wait after failed attempt n (n >= 1): Backoff * 2^(n-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	return p.Backoff << shift
}

// Snapshot counts jobs by state.
type Snapshot struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
