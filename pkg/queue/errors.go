package queue

import "errors"

var (
	// ErrEnqueueFailed matches every submission failure other than a duplicate.
	ErrEnqueueFailed     = errors.New("enqueue failed")
	ErrInvalidDescriptor = errors.New("invalid job descriptor")
	ErrJobNotFound       = errors.New("job not found")
)

// EnqueueError wraps a backend failure for a single submission.
type EnqueueError struct {
	JobID   string
	Backend string
	Err     error
}

func (e *EnqueueError) Error() string {
	return "enqueue job " + e.JobID + " on " + e.Backend + ": " + e.Err.Error()
}

func (e *EnqueueError) Unwrap() error { return e.Err }

func (e *EnqueueError) Is(target error) bool { return target == ErrEnqueueFailed }
