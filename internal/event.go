package internal

import "time"

// Event is the dispatch notification fanned out to the configured publishers.
type Event struct {
	Provider   string    `json:"provider"`
	Name       string    `json:"name"`
	Outcome    string    `json:"outcome"`
	RequestID  string    `json:"request_id,omitempty"`
	Repository string    `json:"repository,omitempty"`
	CommitSHA  string    `json:"commit_sha,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Priority   int       `json:"priority,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}
