package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
)

const (
	maintenanceQueue = "sentinelhooks_maintenance"
	trimKind         = "trim-analysis-history"
)

// Every state takes part in the uniqueness check so a commit is analysed at
// most once while its record is retained.
var uniqueStates = []rivertype.JobState{
	rivertype.JobStateAvailable,
	rivertype.JobStateCancelled,
	rivertype.JobStateCompleted,
	rivertype.JobStateDiscarded,
	rivertype.JobStatePending,
	rivertype.JobStateRetryable,
	rivertype.JobStateRunning,
	rivertype.JobStateScheduled,
}

type RiverOptions struct {
	DSN          string
	Queue        string
	Migrate      bool
	TrimInterval time.Duration
	Policy       RetryPolicy
	Logger       *slog.Logger
}

// RiverBackend stores jobs in Postgres through River. It only inserts
// analysis jobs; the one worker it runs trims finished history.
type RiverBackend struct {
	pool   *pgxpool.Pool
	client *river.Client[pgx.Tx]
	queue  string
	logger *slog.Logger
}

// OpenRiver connects to Postgres, optionally applies River's migrations and
// starts the client.
func OpenRiver(ctx context.Context, opts RiverOptions) (*RiverBackend, error) {
	if opts.Queue == "" {
		opts.Queue = DefaultQueueName
	}
	if opts.TrimInterval <= 0 {
		opts.TrimInterval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if opts.Migrate {
		if err := migrateRiver(ctx, pool, opts.Logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &trimWorker{pool: pool, queue: opts.Queue, policy: opts.Policy, logger: opts.Logger})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: opts.Logger,
		Queues: map[string]river.QueueConfig{
			maintenanceQueue: {MaxWorkers: 1},
		},
		Workers:             workers,
		RetryPolicy:         &RiverRetryPolicy{Policy: opts.Policy},
		SkipUnknownJobCheck: true,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(opts.TrimInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return TrimHistoryArgs{}, &river.InsertOpts{Queue: maintenanceQueue}
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to start River client: %w", err)
	}

	return &RiverBackend{pool: pool, client: client, queue: opts.Queue, logger: opts.Logger}, nil
}

func migrateRiver(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{})
	if err != nil {
		return fmt.Errorf("river migrations: %w", err)
	}
	for _, version := range res.Versions {
		logger.Info("applied river migration", slog.Int("version", version.Version))
	}
	return nil
}

func (b *RiverBackend) Name() string { return "river" }

// Close stops the client and releases the pool.
func (b *RiverBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := b.client.Stop(ctx)
	b.pool.Close()
	return err
}

type jobMetadata struct {
	JobID     string `json:"job_id"`
	Priority  int    `json:"priority"`
	BackoffMS int64  `json:"backoff_ms"`
}

func (b *RiverBackend) Add(ctx context.Context, desc JobDescriptor, opts AddOptions) (EnqueuedJob, error) {
	metadata, err := json.Marshal(jobMetadata{
		JobID:     opts.JobID,
		Priority:  opts.Priority,
		BackoffMS: opts.Policy.Backoff.Milliseconds(),
	})
	if err != nil {
		return EnqueuedJob{}, err
	}

	res, err := b.client.Insert(ctx, desc, &river.InsertOpts{
		Queue:       b.queue,
		MaxAttempts: opts.Policy.Attempts,
		Priority:    riverPriority(opts.Priority),
		Metadata:    metadata,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByQueue: true,
			ByState: uniqueStates,
		},
	})
	if err != nil {
		return EnqueuedJob{}, err
	}

	job := EnqueuedJob{
		ID:          opts.JobID,
		Descriptor:  desc,
		State:       stateFromRiver(res.Job.State),
		Attempts:    res.Job.Attempt,
		MaxAttempts: res.Job.MaxAttempts,
		Duplicate:   res.UniqueSkippedAsDuplicate,
		EnqueuedAt:  res.Job.CreatedAt.UTC(),
	}
	if res.UniqueSkippedAsDuplicate {
		var stored JobDescriptor
		if err := json.Unmarshal(res.Job.EncodedArgs, &stored); err == nil {
			job.Descriptor = stored
		}
	}
	if n := len(res.Job.Errors); n > 0 {
		job.LastError = res.Job.Errors[n-1].Error
	}
	return job, nil
}

const countsQuery = `SELECT state::text, count(*) FROM river_job WHERE queue = $1 GROUP BY state`

func (b *RiverBackend) Counts(ctx context.Context) (Snapshot, error) {
	rows, err := b.pool.Query(ctx, countsQuery, b.queue)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()

	var snap Snapshot
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return Snapshot{}, err
		}
		addRiverCount(&snap, rivertype.JobState(state), n)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func addRiverCount(snap *Snapshot, state rivertype.JobState, n int64) {
	switch stateFromRiver(state) {
	case StateWaiting, StateDelayed:
		snap.Waiting += n
	case StateActive:
		snap.Active += n
	case StateCompleted:
		snap.Completed += n
	case StateFailed:
		snap.Failed += n
	}
}

func stateFromRiver(state rivertype.JobState) State {
	switch state {
	case rivertype.JobStateAvailable, rivertype.JobStatePending:
		return StateWaiting
	case rivertype.JobStateScheduled, rivertype.JobStateRetryable:
		return StateDelayed
	case rivertype.JobStateRunning:
		return StateActive
	case rivertype.JobStateCompleted:
		return StateCompleted
	case rivertype.JobStateDiscarded, rivertype.JobStateCancelled:
		return StateFailed
	}
	return State(state)
}

// riverPriority folds 1..10 onto River's 1..4, keeping 1 as the most urgent.
func riverPriority(priority int) int {
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return (priority*4 + 9) / 10
}

// RiverRetryPolicy schedules retries at Backoff * 2^(attempt-1), preferring
// the backoff stamped on the job at submission.
type RiverRetryPolicy struct {
	Policy RetryPolicy
	now    func() time.Time
}

func (p *RiverRetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	policy := p.Policy
	var meta jobMetadata
	if len(job.Metadata) > 0 && json.Unmarshal(job.Metadata, &meta) == nil && meta.BackoffMS > 0 {
		policy.Backoff = time.Duration(meta.BackoffMS) * time.Millisecond
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	return now().UTC().Add(policy.Delay(job.Attempt))
}

// TrimHistoryArgs is the periodic job that bounds finished analysis history.
type TrimHistoryArgs struct{}

func (TrimHistoryArgs) Kind() string { return trimKind }

type trimWorker struct {
	river.WorkerDefaults[TrimHistoryArgs]
	pool   *pgxpool.Pool
	queue  string
	policy RetryPolicy
	logger *slog.Logger
}

const trimQuery = `DELETE FROM river_job WHERE id IN (
	SELECT id FROM river_job
	WHERE queue = $1 AND state::text = ANY($2::text[])
	ORDER BY finalized_at DESC NULLS LAST, id DESC
	OFFSET $3
)`

func (w *trimWorker) Work(ctx context.Context, job *river.Job[TrimHistoryArgs]) error {
	groups := []struct {
		states []string
		keep   int
	}{
		{states: []string{string(rivertype.JobStateCompleted)}, keep: w.policy.KeepCompleted},
		{states: []string{string(rivertype.JobStateDiscarded), string(rivertype.JobStateCancelled)}, keep: w.policy.KeepFailed},
	}
	for _, g := range groups {
		tag, err := w.pool.Exec(ctx, trimQuery, w.queue, g.states, g.keep)
		if err != nil {
			return fmt.Errorf("trim %v history: %w", g.states, err)
		}
		if n := tag.RowsAffected(); n > 0 {
			w.logger.Debug("trimmed analysis history",
				slog.Any("states", g.states),
				slog.Int64("deleted", n),
			)
		}
	}
	return nil
}
