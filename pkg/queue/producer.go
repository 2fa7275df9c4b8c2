package queue

import (
	"context"
	"log/slog"
	"strings"

	"sentinelhooks/internal"
	"sentinelhooks/pkg/events"
)

// Backend is a durable queue that can create a job only if its id is unused.
type Backend interface {
	// Add creates the job atomically unless opts.JobID already exists, in
	// which case it returns the existing record with Duplicate set.
	Add(ctx context.Context, desc JobDescriptor, opts AddOptions) (EnqueuedJob, error)
	// Counts reads live per-state totals.
	Counts(ctx context.Context) (Snapshot, error)
	Name() string
	Close() error
}

// AddOptions are fixed at submission and travel with the job.
type AddOptions struct {
	JobID    string
	Priority int
	Policy   RetryPolicy
}

// FilesLister looks up the files touched by a pull request.
type FilesLister interface {
	ListFiles(ctx context.Context, repository string, number int) ([]string, error)
}

type Option func(*Producer)

func WithFilesLister(lister FilesLister) Option {
	return func(p *Producer) { p.files = lister }
}

// WithDefaultPriority overrides the priority used when a descriptor has none.
func WithDefaultPriority(priority int) Option {
	return func(p *Producer) {
		if priority >= MinPriority && priority <= MaxPriority {
			p.defaultPriority = priority
		}
	}
}

// Producer submits analysis jobs with the configured retry policy.
type Producer struct {
	backend         Backend
	policy          RetryPolicy
	defaultPriority int
	files           FilesLister
	logger          *slog.Logger
}

func NewProducer(backend Backend, policy RetryPolicy, logger *slog.Logger, opts ...Option) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Producer{
		backend:         backend,
		policy:          policy,
		defaultPriority: DefaultPriority,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue submits desc under its dedup key. A duplicate is not an error.
func (p *Producer) Enqueue(ctx context.Context, desc JobDescriptor) (EnqueuedJob, error) {
	if desc.Priority == 0 {
		desc.Priority = p.defaultPriority
	}
	if desc.ChangedFiles == nil {
		desc.ChangedFiles = []string{}
	}
	// Hex case must not split one commit across two dedup keys.
	desc.CommitSHA = strings.ToLower(desc.CommitSHA)
	if err := desc.Validate(); err != nil {
		p.logger.Error("Failed to enqueue job",
			slog.String("repository", desc.Repository),
			slog.Any("error", err),
		)
		return EnqueuedJob{}, err
	}

	jobID := desc.DedupKey()
	job, err := p.backend.Add(ctx, desc, AddOptions{
		JobID:    jobID,
		Priority: desc.Priority,
		Policy:   p.policy,
	})
	if err != nil {
		p.logger.Error("Failed to enqueue job",
			slog.String("job_id", jobID),
			slog.String("repository", desc.Repository),
			slog.String("backend", p.backend.Name()),
			slog.Any("error", err),
		)
		internal.IncEnqueueError(p.backend.Name())
		return EnqueuedJob{}, &EnqueueError{JobID: jobID, Backend: p.backend.Name(), Err: err}
	}

	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("repository", desc.Repository),
		slog.String("commit_sha", shortSHA(desc.CommitSHA)),
		slog.Int("priority", desc.Priority),
	}
	if job.Duplicate {
		p.logger.Info("Job already queued", append(attrs, slog.String("state", string(job.State)))...)
	} else {
		p.logger.Info("Job enqueued", attrs...)
	}
	return job, nil
}

// EnqueueEvent builds the descriptor for a validated event and submits it.
func (p *Producer) EnqueueEvent(ctx context.Context, ev events.Event, priority int) (EnqueuedJob, error) {
	return p.Enqueue(ctx, p.Descriptor(ctx, ev, priority))
}

// Descriptor derives the job payload from a validated event.
func (p *Producer) Descriptor(ctx context.Context, ev events.Event, priority int) JobDescriptor {
	desc := JobDescriptor{
		Repository: ev.Repository(),
		CommitSHA:  ev.CommitSHA(),
		Priority:   priority,
	}
	switch typed := ev.(type) {
	case *events.Push:
		desc.ChangedFiles = typed.ChangedFiles()
	case *events.PullRequest:
		desc.ChangedFiles = p.pullRequestFiles(ctx, typed)
	}
	return desc
}

func (p *Producer) pullRequestFiles(ctx context.Context, pr *events.PullRequest) []string {
	if p.files == nil || pr.Number == 0 {
		return []string{}
	}
	files, err := p.files.ListFiles(ctx, pr.Repo, pr.Number)
	if err != nil {
		p.logger.Warn("pull request file lookup failed",
			slog.String("repository", pr.Repo),
			slog.Int("number", pr.Number),
			slog.Any("error", err),
		)
		return []string{}
	}
	return files
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
