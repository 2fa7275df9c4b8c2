package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelhooks/internal"
	"sentinelhooks/pkg/events"
	"sentinelhooks/pkg/queue"
	"sentinelhooks/pkg/signature"
	"sentinelhooks/pkg/storage"
)

const (
	testSecret = "It's a Secret to Everybody"
	testSHA    = "6dcb09b5b57875f334f61aebed695e2e4193db5e"
	pushBody   = `{"ref":"refs/heads/main","after":"` + testSHA + `","repository":{"full_name":"acme/widgets","private":true},"commits":[{"id":"` + testSHA + `","added":["a.go"],"modified":[],"removed":[]}]}`
)

type fakeBackend struct {
	mu   sync.Mutex
	jobs map[string]queue.EnqueuedJob
	err  error
}

func (f *fakeBackend) Add(_ context.Context, desc queue.JobDescriptor, opts queue.AddOptions) (queue.EnqueuedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.EnqueuedJob{}, f.err
	}
	if job, ok := f.jobs[opts.JobID]; ok {
		job.Duplicate = true
		return job, nil
	}
	job := queue.EnqueuedJob{ID: opts.JobID, Descriptor: desc, State: queue.StateWaiting}
	f.jobs[opts.JobID] = job
	return job, nil
}

func (f *fakeBackend) Counts(context.Context) (queue.Snapshot, error) { return queue.Snapshot{}, nil }
func (f *fakeBackend) Name() string                                   { return "fake" }
func (f *fakeBackend) Close() error                                   { return nil }

type recordingNotifier struct {
	mu     sync.Mutex
	topics []string
	events []internal.Event
	err    error
}

func (n *recordingNotifier) Publish(_ context.Context, topic string, event internal.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.topics = append(n.topics, topic)
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) Close() error { return nil }

type recordingStore struct {
	records []storage.DeliveryRecord
	err     error
}

func (s *recordingStore) RecordDelivery(_ context.Context, record storage.DeliveryRecord) error {
	s.records = append(s.records, record)
	return s.err
}

func (s *recordingStore) GetDelivery(context.Context, string) (*storage.DeliveryRecord, error) {
	return nil, nil
}

func (s *recordingStore) ListDeliveries(context.Context, storage.DeliveryFilter) ([]storage.DeliveryRecord, error) {
	return s.records, nil
}

func (s *recordingStore) Close() error { return nil }

type staticRules struct {
	priority int
	ok       bool
}

func (r staticRules) Priority(string, []byte) (int, bool) { return r.priority, r.ok }

type fixture struct {
	pipeline *Pipeline
	backend  *fakeBackend
	notifier *recordingNotifier
	store    *recordingStore
}

func newFixture(secret string, rules Prioritizer) *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := &fakeBackend{jobs: map[string]queue.EnqueuedJob{}}
	f := &fixture{
		backend:  backend,
		notifier: &recordingNotifier{},
		store:    &recordingStore{},
	}
	f.pipeline = New(Config{
		Verifier:    signature.NewVerifier(secret, logger),
		Validator:   events.NewValidator(logger),
		Producer:    queue.NewProducer(backend, queue.DefaultRetryPolicy(), logger),
		Rules:       rules,
		Notifier:    f.notifier,
		NotifyTopic: "security-analysis.dispatch",
		Deliveries:  f.store,
		Logger:      logger,
	})
	return f
}

func signedRequest(event, body, deliveryID string) Request {
	headers := http.Header{}
	headers.Set("X-GitHub-Event", event)
	headers.Set(signature.HeaderName, signature.Sign([]byte(body), testSecret))
	return Request{Headers: headers, Body: []byte(body), SourceIP: "192.30.252.1", RequestID: deliveryID}
}

func TestHandleEnqueuesPush(t *testing.T) {
	f := newFixture(testSecret, nil)

	result, err := f.pipeline.Handle(context.Background(), signedRequest("push", pushBody, "d-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnqueued, result.Outcome)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, MessageEnqueued, result.Message)
	assert.Equal(t, "acme/widgets-"+testSHA, result.JobID)
	assert.Equal(t, queue.DefaultPriority, result.Priority)

	job := f.backend.jobs["acme/widgets-"+testSHA]
	assert.Equal(t, []string{"a.go"}, job.Descriptor.ChangedFiles)

	require.Len(t, f.store.records, 1)
	assert.Equal(t, "d-1", f.store.records[0].DeliveryID)
	assert.Equal(t, "enqueued", f.store.records[0].Outcome)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, "security-analysis.dispatch", f.notifier.topics[0])
	assert.Equal(t, "enqueued", f.notifier.events[0].Outcome)
	assert.Equal(t, result.JobID, f.notifier.events[0].JobID)
}

func TestHandleDuplicate(t *testing.T) {
	f := newFixture(testSecret, nil)
	ctx := context.Background()

	_, err := f.pipeline.Handle(ctx, signedRequest("push", pushBody, "d-1"))
	require.NoError(t, err)
	result, err := f.pipeline.Handle(ctx, signedRequest("push", pushBody, "d-2"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, result.Outcome)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, MessageDuplicate, result.Message)
	assert.Equal(t, "acme/widgets-"+testSHA, result.JobID)
	assert.Len(t, f.backend.jobs, 1)
}

func TestHandleUnauthorized(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		mutate  func(*Request)
		message string
	}{
		{
			name:    "missing header",
			secret:  testSecret,
			mutate:  func(r *Request) { r.Headers.Del(signature.HeaderName) },
			message: MessageMissingAuth,
		},
		{
			name:    "no secret configured",
			secret:  "",
			mutate:  func(*Request) {},
			message: MessageMissingAuth,
		},
		{
			name:    "tampered body",
			secret:  testSecret,
			mutate:  func(r *Request) { r.Body = append([]byte(nil), append(r.Body, ' ')...) },
			message: MessageInvalidAuth,
		},
		{
			name:    "wrong secret",
			secret:  "another secret",
			mutate:  func(*Request) {},
			message: MessageInvalidAuth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.secret, nil)
			req := signedRequest("push", pushBody, "d-1")
			tt.mutate(&req)

			result, err := f.pipeline.Handle(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, OutcomeUnauthorized, result.Outcome)
			assert.Equal(t, http.StatusUnauthorized, result.Status)
			assert.Equal(t, tt.message, result.Message)
			assert.Empty(t, f.backend.jobs)
		})
	}
}

func TestHandleIgnoredAndInvalid(t *testing.T) {
	f := newFixture(testSecret, nil)
	ctx := context.Background()

	result, err := f.pipeline.Handle(ctx, signedRequest("issues", `{"action":"opened"}`, "d-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, events.MessageIgnored, result.Message)

	result, err = f.pipeline.Handle(ctx, signedRequest("push", `{"after":"`+testSHA+`","commits":[]}`, "d-2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, result.Outcome)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, events.MessageInvalidPush, result.Message)

	assert.Empty(t, f.backend.jobs)
	assert.Len(t, f.store.records, 2)
}

func TestHandleEnqueueFailure(t *testing.T) {
	f := newFixture(testSecret, nil)
	f.backend.err = errors.New("dial tcp 127.0.0.1:6379: connection refused")

	result, err := f.pipeline.Handle(context.Background(), signedRequest("push", pushBody, "d-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrEnqueueFailed)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.Equal(t, MessageEnqueueFailed, result.Message)

	require.Len(t, f.store.records, 1)
	assert.Contains(t, f.store.records[0].Error, "connection refused")
	require.Len(t, f.notifier.events, 1)
	assert.NotEmpty(t, f.notifier.events[0].Error)
}

func TestHandleAppliesRulePriority(t *testing.T) {
	f := newFixture(testSecret, staticRules{priority: 1, ok: true})

	result, err := f.pipeline.Handle(context.Background(), signedRequest("push", pushBody, "d-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Priority)
	assert.Equal(t, 1, f.backend.jobs[result.JobID].Descriptor.Priority)
}

func TestHandleSideEffectFailuresAreNotFatal(t *testing.T) {
	f := newFixture(testSecret, nil)
	f.store.err = errors.New("database is locked")
	f.notifier.err = errors.New("broker down")

	result, err := f.pipeline.Handle(context.Background(), signedRequest("push", pushBody, "d-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnqueued, result.Outcome)
}

func TestHandleSkipsRecordWithoutDeliveryID(t *testing.T) {
	f := newFixture(testSecret, nil)
	_, err := f.pipeline.Handle(context.Background(), signedRequest("push", pushBody, ""))
	require.NoError(t, err)
	assert.Empty(t, f.store.records)
	assert.Len(t, f.notifier.events, 1)
}
