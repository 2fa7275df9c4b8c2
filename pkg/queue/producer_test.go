package queue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelhooks/pkg/events"
)

// memoryBackend is a map-backed Backend for producer tests.
type memoryBackend struct {
	mu      sync.Mutex
	jobs    map[string]EnqueuedJob
	opts    []AddOptions
	addErr  error
	snap    Snapshot
	snapErr error
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{jobs: map[string]EnqueuedJob{}}
}

func (m *memoryBackend) Add(_ context.Context, desc JobDescriptor, opts AddOptions) (EnqueuedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return EnqueuedJob{}, m.addErr
	}
	m.opts = append(m.opts, opts)
	if existing, ok := m.jobs[opts.JobID]; ok {
		existing.Duplicate = true
		return existing, nil
	}
	job := EnqueuedJob{ID: opts.JobID, Descriptor: desc, State: StateWaiting, MaxAttempts: opts.Policy.Attempts}
	m.jobs[opts.JobID] = job
	return job, nil
}

func (m *memoryBackend) Counts(context.Context) (Snapshot, error) { return m.snap, m.snapErr }
func (m *memoryBackend) Name() string                             { return "memory" }
func (m *memoryBackend) Close() error                             { return nil }

type stubLister struct {
	files []string
	err   error
	calls int
}

func (s *stubLister) ListFiles(context.Context, string, int) ([]string, error) {
	s.calls++
	return s.files, s.err
}

func newTestProducer(backend Backend, opts ...Option) (*Producer, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewProducer(backend, DefaultRetryPolicy(), logger, opts...), &buf
}

const testSHA = "6dcb09b5b57875f334f61aebed695e2e4193db5e"

func TestEnqueueAppliesDefaultsAndPolicy(t *testing.T) {
	backend := newMemoryBackend()
	p, buf := newTestProducer(backend)

	job, err := p.Enqueue(context.Background(), JobDescriptor{Repository: "acme/widgets", CommitSHA: testSHA})
	require.NoError(t, err)

	assert.Equal(t, "acme/widgets-"+testSHA, job.ID)
	assert.Equal(t, DefaultPriority, job.Descriptor.Priority)
	assert.NotNil(t, job.Descriptor.ChangedFiles)
	assert.Empty(t, job.Descriptor.ChangedFiles)
	assert.False(t, job.Duplicate)

	require.Len(t, backend.opts, 1)
	assert.Equal(t, job.ID, backend.opts[0].JobID)
	assert.Equal(t, DefaultPriority, backend.opts[0].Priority)
	assert.Equal(t, DefaultRetryPolicy(), backend.opts[0].Policy)

	assert.Contains(t, buf.String(), `"msg":"Job enqueued"`)
	assert.Contains(t, buf.String(), `"commit_sha":"6dcb09b"`)
}

func TestEnqueueDuplicate(t *testing.T) {
	backend := newMemoryBackend()
	p, buf := newTestProducer(backend)
	desc := JobDescriptor{Repository: "acme/widgets", CommitSHA: testSHA, Priority: 2}

	first, err := p.Enqueue(context.Background(), desc)
	require.NoError(t, err)
	second, err := p.Enqueue(context.Background(), desc)
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, backend.jobs, 1)
	assert.Contains(t, buf.String(), "Job already queued")
}

func TestEnqueueNormalizesCommitCase(t *testing.T) {
	backend := newMemoryBackend()
	p, _ := newTestProducer(backend)

	first, err := p.Enqueue(context.Background(), JobDescriptor{Repository: "acme/widgets", CommitSHA: testSHA})
	require.NoError(t, err)
	second, err := p.Enqueue(context.Background(), JobDescriptor{Repository: "acme/widgets", CommitSHA: strings.ToUpper(testSHA)})
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, testSHA, second.Descriptor.CommitSHA)
	assert.Len(t, backend.jobs, 1)
}

func TestEnqueueRejectsInvalidDescriptors(t *testing.T) {
	tests := []struct {
		name string
		desc JobDescriptor
	}{
		{name: "missing repository", desc: JobDescriptor{CommitSHA: testSHA}},
		{name: "short sha", desc: JobDescriptor{Repository: "acme/widgets", CommitSHA: "6dcb09b"}},
		{name: "priority too high", desc: JobDescriptor{Repository: "acme/widgets", CommitSHA: testSHA, Priority: 11}},
		{name: "negative priority", desc: JobDescriptor{Repository: "acme/widgets", CommitSHA: testSHA, Priority: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newMemoryBackend()
			p, _ := newTestProducer(backend)
			_, err := p.Enqueue(context.Background(), tt.desc)
			assert.ErrorIs(t, err, ErrInvalidDescriptor)
			assert.Empty(t, backend.opts)
		})
	}
}

func TestEnqueueBackendFailure(t *testing.T) {
	backend := newMemoryBackend()
	backend.addErr = errors.New("connection refused")
	p, buf := newTestProducer(backend)

	_, err := p.Enqueue(context.Background(), JobDescriptor{Repository: "acme/widgets", CommitSHA: testSHA})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnqueueFailed)

	var enqueueErr *EnqueueError
	require.ErrorAs(t, err, &enqueueErr)
	assert.Equal(t, "acme/widgets-"+testSHA, enqueueErr.JobID)
	assert.Equal(t, "memory", enqueueErr.Backend)
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), "connection refused")
}

func TestWithDefaultPriority(t *testing.T) {
	backend := newMemoryBackend()
	p, _ := newTestProducer(backend, WithDefaultPriority(8))
	job, err := p.Enqueue(context.Background(), JobDescriptor{Repository: "acme/widgets", CommitSHA: testSHA})
	require.NoError(t, err)
	assert.Equal(t, 8, job.Descriptor.Priority)

	p, _ = newTestProducer(backend, WithDefaultPriority(42))
	assert.Equal(t, DefaultPriority, p.defaultPriority)
}

func TestEnqueueEventPush(t *testing.T) {
	backend := newMemoryBackend()
	p, _ := newTestProducer(backend)
	push := &events.Push{
		Repo:  "acme/widgets",
		After: testSHA,
		Commits: []events.Commit{
			{ID: testSHA, Added: []string{"a.go"}, Modified: []string{"b.go"}},
		},
	}

	job, err := p.EnqueueEvent(context.Background(), push, 0)
	require.NoError(t, err)
	assert.Equal(t, "acme/widgets-"+testSHA, job.ID)
	assert.Equal(t, []string{"a.go", "b.go"}, job.Descriptor.ChangedFiles)
	assert.Equal(t, DefaultPriority, job.Descriptor.Priority)
}

func TestEnqueueEventPullRequest(t *testing.T) {
	pr := &events.PullRequest{Repo: "acme/widgets", Number: 42, HeadSHA: testSHA}

	t.Run("without lister", func(t *testing.T) {
		p, _ := newTestProducer(newMemoryBackend())
		job, err := p.EnqueueEvent(context.Background(), pr, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{}, job.Descriptor.ChangedFiles)
		assert.Equal(t, 3, job.Descriptor.Priority)
	})

	t.Run("with lister", func(t *testing.T) {
		lister := &stubLister{files: []string{"api/handler.go"}}
		p, _ := newTestProducer(newMemoryBackend(), WithFilesLister(lister))
		job, err := p.EnqueueEvent(context.Background(), pr, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"api/handler.go"}, job.Descriptor.ChangedFiles)
		assert.Equal(t, 1, lister.calls)
	})

	t.Run("lister failure still enqueues", func(t *testing.T) {
		lister := &stubLister{err: errors.New("rate limited")}
		p, buf := newTestProducer(newMemoryBackend(), WithFilesLister(lister))
		job, err := p.EnqueueEvent(context.Background(), pr, 0)
		require.NoError(t, err)
		assert.Empty(t, job.Descriptor.ChangedFiles)
		assert.True(t, strings.Contains(buf.String(), "pull request file lookup failed"))
	})
}

func TestMetricsReporter(t *testing.T) {
	backend := newMemoryBackend()
	backend.snap = Snapshot{Waiting: 4, Active: 1, Completed: 100, Failed: 2}
	reporter := NewMetricsReporter(backend)

	snap, err := reporter.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.snap, snap)

	backend.snapErr = errors.New("dial tcp: connection refused")
	snap, err = reporter.Snapshot(context.Background())
	require.Error(t, err)
	assert.Equal(t, Snapshot{}, snap)
	assert.Contains(t, err.Error(), "memory")
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := DefaultRetryPolicy()
	assert.Equal(t, "2s", policy.Delay(1).String())
	assert.Equal(t, "4s", policy.Delay(2).String())
	assert.Equal(t, "8s", policy.Delay(3).String())
	assert.Equal(t, policy.Delay(1), policy.Delay(0))
}
