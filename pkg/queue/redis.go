package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys live under "<prefix>:{<queue>}:". The braces keep every key of one
// queue in the same cluster slot so the scripts below stay single-slot.
//
//	job:<id>   hash with the descriptor and lifecycle fields
//	wait       zset, score = priority followed by a 13 digit enqueue time
//	delayed    zset, score = due time in unix ms
//	active     zset, score = claim time
//	completed  zset, score = finish time
//	failed     zset, score = finish time

const trimFunc = `
local function trim(set, prefix, keep)
  local excess = redis.call('ZCARD', set) - keep
  if excess > 0 then
    local old = redis.call('ZRANGE', set, 0, excess - 1)
    for _, id in ipairs(old) do
      redis.call('DEL', prefix .. id)
    end
    redis.call('ZREMRANGEBYRANK', set, 0, excess - 1)
  end
end
`

// KEYS: job, wait. ARGV: id, data, priority, max_attempts, backoff_ms,
// keep_completed, keep_failed, now, score.
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1],
  'data', ARGV[2],
  'priority', ARGV[3],
  'attempts_made', '0',
  'max_attempts', ARGV[4],
  'backoff_ms', ARGV[5],
  'keep_completed', ARGV[6],
  'keep_failed', ARGV[7],
  'state', 'waiting',
  'enqueued_at', ARGV[8])
redis.call('ZADD', KEYS[2], ARGV[9], ARGV[1])
return 1
`)

// KEYS: wait, active. ARGV: job prefix, now.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
redis.call('HSET', ARGV[1] .. id, 'state', 'active', 'processed_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], id)
return id
`)

// KEYS: active, completed. ARGV: job prefix, id, now.
var completeScript = redis.NewScript(trimFunc + `
if redis.call('ZREM', KEYS[1], ARGV[2]) == 0 then
  return -1
end
local key = ARGV[1] .. ARGV[2]
redis.call('HINCRBY', key, 'attempts_made', 1)
redis.call('HSET', key, 'state', 'completed', 'finished_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
trim(KEYS[2], ARGV[1], tonumber(redis.call('HGET', key, 'keep_completed')))
return 1
`)

// KEYS: active, delayed, failed. ARGV: job prefix, id, now, reason.
// Returns the retry due time, 0 when the job is terminally failed, or -1
// when the job was not active.
var failScript = redis.NewScript(trimFunc + `
if redis.call('ZREM', KEYS[1], ARGV[2]) == 0 then
  return -1
end
local key = ARGV[1] .. ARGV[2]
local attempts = redis.call('HINCRBY', key, 'attempts_made', 1)
local max = tonumber(redis.call('HGET', key, 'max_attempts'))
redis.call('HSET', key, 'last_error', ARGV[4])
if attempts < max then
  local backoff = tonumber(redis.call('HGET', key, 'backoff_ms'))
  local due = tonumber(ARGV[3]) + backoff * (2 ^ (attempts - 1))
  redis.call('HSET', key, 'state', 'delayed')
  redis.call('ZADD', KEYS[2], due, ARGV[2])
  return due
end
redis.call('HSET', key, 'state', 'failed', 'finished_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
trim(KEYS[3], ARGV[1], tonumber(redis.call('HGET', key, 'keep_failed')))
return 0
`)

// KEYS: delayed, wait. ARGV: job prefix, now, zero padded now.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
for _, id in ipairs(due) do
  local key = ARGV[1] .. id
  local priority = redis.call('HGET', key, 'priority')
  redis.call('ZADD', KEYS[2], priority .. ARGV[3], id)
  redis.call('HSET', key, 'state', 'waiting')
  redis.call('ZREM', KEYS[1], id)
end
return #due
`)

type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// DialRedis opens a client and checks the server is reachable.
func DialRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisBackend stores jobs in Redis using the layout described above.
type RedisBackend struct {
	client redis.UniversalClient
	queue  string
	base   string
	now    func() time.Time
}

func NewRedisBackend(client redis.UniversalClient, prefix, queue string) *RedisBackend {
	if prefix == "" {
		prefix = "sentinelhooks"
	}
	if queue == "" {
		queue = DefaultQueueName
	}
	return &RedisBackend{
		client: client,
		queue:  queue,
		base:   prefix + ":{" + queue + "}:",
		now:    time.Now,
	}
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Close() error { return b.client.Close() }

func (b *RedisBackend) key(name string) string { return b.base + name }

func (b *RedisBackend) jobPrefix() string { return b.base + "job:" }

func (b *RedisBackend) nowMS() int64 { return b.now().UnixMilli() }

func waitScore(priority int, ms int64) string {
	return strconv.Itoa(priority) + fmt.Sprintf("%013d", ms)
}

// Add creates the job unless its id is already present in any state.
func (b *RedisBackend) Add(ctx context.Context, desc JobDescriptor, opts AddOptions) (EnqueuedJob, error) {
	data, err := json.Marshal(desc)
	if err != nil {
		return EnqueuedJob{}, fmt.Errorf("encode job: %w", err)
	}
	now := b.nowMS()
	created, err := addScript.Run(ctx, b.client,
		[]string{b.jobPrefix() + opts.JobID, b.key("wait")},
		opts.JobID,
		string(data),
		opts.Priority,
		opts.Policy.Attempts,
		opts.Policy.Backoff.Milliseconds(),
		opts.Policy.KeepCompleted,
		opts.Policy.KeepFailed,
		now,
		waitScore(opts.Priority, now),
	).Int64()
	if err != nil {
		return EnqueuedJob{}, err
	}
	if created == 1 {
		return EnqueuedJob{
			ID:          opts.JobID,
			Descriptor:  desc,
			State:       StateWaiting,
			MaxAttempts: opts.Policy.Attempts,
			EnqueuedAt:  time.UnixMilli(now).UTC(),
		}, nil
	}

	existing, err := b.Job(ctx, opts.JobID)
	if errors.Is(err, ErrJobNotFound) {
		// Evicted between the script and the read; report the duplicate as is.
		return EnqueuedJob{ID: opts.JobID, Descriptor: desc, Duplicate: true}, nil
	}
	if err != nil {
		return EnqueuedJob{}, err
	}
	existing.Duplicate = true
	return existing, nil
}

// Counts reads all state sets in one MULTI/EXEC. Delayed retries count as waiting.
func (b *RedisBackend) Counts(ctx context.Context) (Snapshot, error) {
	var wait, delayed, active, completed, failed *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		wait = pipe.ZCard(ctx, b.key("wait"))
		delayed = pipe.ZCard(ctx, b.key("delayed"))
		active = pipe.ZCard(ctx, b.key("active"))
		completed = pipe.ZCard(ctx, b.key("completed"))
		failed = pipe.ZCard(ctx, b.key("failed"))
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Waiting:   wait.Val() + delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Claim moves the highest priority waiting job to active. It returns
// ErrJobNotFound when nothing is waiting.
func (b *RedisBackend) Claim(ctx context.Context) (EnqueuedJob, error) {
	id, err := claimScript.Run(ctx, b.client,
		[]string{b.key("wait"), b.key("active")},
		b.jobPrefix(), b.nowMS(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return EnqueuedJob{}, ErrJobNotFound
	}
	if err != nil {
		return EnqueuedJob{}, err
	}
	return b.Job(ctx, id)
}

// Complete records a successful attempt and trims completed history.
func (b *RedisBackend) Complete(ctx context.Context, id string) error {
	res, err := completeScript.Run(ctx, b.client,
		[]string{b.key("active"), b.key("completed")},
		b.jobPrefix(), id, b.nowMS(),
	).Int64()
	if err != nil {
		return err
	}
	if res < 0 {
		return fmt.Errorf("complete %s: %w", id, ErrJobNotFound)
	}
	return nil
}

// Fail records a failed attempt. If attempts remain the job is delayed and
// the returned time is when it becomes eligible again; otherwise the job is
// moved to failed and the zero time is returned.
func (b *RedisBackend) Fail(ctx context.Context, id, reason string) (time.Time, error) {
	due, err := failScript.Run(ctx, b.client,
		[]string{b.key("active"), b.key("delayed"), b.key("failed")},
		b.jobPrefix(), id, b.nowMS(), reason,
	).Int64()
	if err != nil {
		return time.Time{}, err
	}
	switch {
	case due < 0:
		return time.Time{}, fmt.Errorf("fail %s: %w", id, ErrJobNotFound)
	case due == 0:
		return time.Time{}, nil
	}
	return time.UnixMilli(due).UTC(), nil
}

// PromoteDue moves delayed jobs whose backoff has elapsed back to waiting.
func (b *RedisBackend) PromoteDue(ctx context.Context) (int, error) {
	now := b.nowMS()
	n, err := promoteScript.Run(ctx, b.client,
		[]string{b.key("delayed"), b.key("wait")},
		b.jobPrefix(), now, fmt.Sprintf("%013d", now),
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RunPromoter calls PromoteDue every interval until ctx is done.
func (b *RedisBackend) RunPromoter(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.PromoteDue(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("promote delayed jobs failed", slog.Any("error", err))
				}
				continue
			}
			if n > 0 {
				logger.Debug("promoted delayed jobs", slog.Int("count", n))
			}
		}
	}
}

// Job loads a job record by id.
func (b *RedisBackend) Job(ctx context.Context, id string) (EnqueuedJob, error) {
	fields, err := b.client.HGetAll(ctx, b.jobPrefix()+id).Result()
	if err != nil {
		return EnqueuedJob{}, err
	}
	if len(fields) == 0 {
		return EnqueuedJob{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}

	job := EnqueuedJob{
		ID:        id,
		State:     State(fields["state"]),
		LastError: fields["last_error"],
	}
	if err := json.Unmarshal([]byte(fields["data"]), &job.Descriptor); err != nil {
		return EnqueuedJob{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts_made"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return job, nil
}
