// Package pipeline runs a webhook delivery through authentication,
// validation and job submission.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sentinelhooks/internal"
	"sentinelhooks/pkg/events"
	"sentinelhooks/pkg/queue"
	"sentinelhooks/pkg/signature"
	"sentinelhooks/pkg/storage"
)

const (
	providerGitHub = "github"
	eventHeader    = "X-GitHub-Event"
)

// Outcome is the terminal state of a delivery.
type Outcome string

const (
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeInvalid      Outcome = "invalid"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeEnqueued     Outcome = "enqueued"
	OutcomeFailed       Outcome = "failed"
)

const (
	MessageEnqueued      = "Job enqueued"
	MessageDuplicate     = "Job already queued"
	MessageMissingAuth   = "Unauthorized : Missing signature or secret"
	MessageInvalidAuth   = "Unauthorized : Invalid signature"
	MessageEnqueueFailed = "failed to enqueue job"
)

// Request is a delivery as received on the wire.
type Request struct {
	Headers   http.Header
	Body      []byte
	SourceIP  string
	RequestID string
}

func (r Request) Header(name string) string {
	return r.Headers.Get(name)
}

// Result is what the transport reports back to the sender.
type Result struct {
	Outcome    Outcome
	Status     int
	Message    string
	Event      string
	JobID      string
	Repository string
	CommitSHA  string
	Priority   int
}

// Prioritizer picks a priority for a delivery, reporting false when no rule applies.
type Prioritizer interface {
	Priority(event string, raw []byte) (int, bool)
}

// Config wires the stages. Rules, Notifier and Deliveries may be nil.
type Config struct {
	Verifier    *signature.Verifier
	Validator   *events.Validator
	Producer    *queue.Producer
	Rules       Prioritizer
	Notifier    internal.Publisher
	NotifyTopic string
	Deliveries  storage.DeliveryStore
	Logger      *slog.Logger
}

type Pipeline struct {
	cfg    Config
	tracer trace.Tracer
	logger *slog.Logger
}

func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = internal.NewLogger("pipeline")
	}
	return &Pipeline{
		cfg:    cfg,
		tracer: otel.Tracer("sentinelhooks/pipeline"),
		logger: logger,
	}
}

// Handle processes one delivery. The returned error is non-nil only when the
// queue rejected a valid job; the Result is always usable.
func (p *Pipeline) Handle(ctx context.Context, req Request) (Result, error) {
	eventType := req.Header(eventHeader)
	internal.IncRequest(eventType)
	logger := internal.WithRequestID(p.logger, req.RequestID)

	result, err := p.process(ctx, req, eventType, logger)
	result.Event = eventType
	internal.IncOutcome(string(result.Outcome))

	p.record(ctx, req, result, err, logger)
	p.notify(ctx, req, result, err, logger)
	return result, err
}

func (p *Pipeline) process(ctx context.Context, req Request, eventType string, logger *slog.Logger) (Result, error) {
	_, span := p.tracer.Start(ctx, "webhook.verify")
	err := p.cfg.Verifier.Verify(req.Body, req.Header(signature.HeaderName), req.SourceIP)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		message := MessageInvalidAuth
		if errors.Is(err, signature.ErrMissingCredentials) {
			message = MessageMissingAuth
		}
		return Result{Outcome: OutcomeUnauthorized, Status: http.StatusUnauthorized, Message: message}, nil
	}
	span.End()

	_, span = p.tracer.Start(ctx, "webhook.validate", trace.WithAttributes(attribute.String("webhook.event", eventType)))
	validated := p.cfg.Validator.Validate(eventType, req.Body)
	span.SetAttributes(attribute.String("webhook.status", validated.Status.String()))
	span.End()

	switch validated.Status {
	case events.Ignored:
		return Result{Outcome: OutcomeIgnored, Status: http.StatusOK, Message: validated.Message}, nil
	case events.Invalid:
		return Result{Outcome: OutcomeInvalid, Status: http.StatusOK, Message: validated.Message}, nil
	}

	priority := 0
	if p.cfg.Rules != nil {
		if matched, ok := p.cfg.Rules.Priority(eventType, req.Body); ok {
			priority = matched
			logger.Debug("priority rule matched", slog.String("event", eventType), slog.Int("priority", priority))
		}
	}

	ctx, span = p.tracer.Start(ctx, "queue.enqueue", trace.WithAttributes(
		attribute.String("repository", validated.Event.Repository()),
		attribute.String("commit_sha", validated.Event.CommitSHA()),
	))
	defer span.End()

	job, err := p.cfg.Producer.EnqueueEvent(ctx, validated.Event, priority)
	result := Result{
		Repository: validated.Event.Repository(),
		CommitSHA:  validated.Event.CommitSHA(),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		result.Outcome = OutcomeFailed
		result.Status = http.StatusInternalServerError
		result.Message = MessageEnqueueFailed
		return result, err
	}

	span.SetAttributes(attribute.String("job.id", job.ID), attribute.Bool("job.duplicate", job.Duplicate))
	result.Status = http.StatusOK
	result.JobID = job.ID
	result.Priority = job.Descriptor.Priority
	if job.Duplicate {
		result.Outcome = OutcomeDuplicate
		result.Message = MessageDuplicate
	} else {
		result.Outcome = OutcomeEnqueued
		result.Message = MessageEnqueued
	}
	return result, nil
}

func (p *Pipeline) record(ctx context.Context, req Request, result Result, cause error, logger *slog.Logger) {
	if p.cfg.Deliveries == nil || req.RequestID == "" {
		return
	}
	record := storage.DeliveryRecord{
		DeliveryID: req.RequestID,
		Provider:   providerGitHub,
		Event:      result.Event,
		Outcome:    string(result.Outcome),
		StatusCode: result.Status,
		Message:    result.Message,
		Repository: result.Repository,
		CommitSHA:  result.CommitSHA,
		JobID:      result.JobID,
		Priority:   result.Priority,
		SourceIP:   req.SourceIP,
	}
	if cause != nil {
		record.Error = cause.Error()
	}
	if err := p.cfg.Deliveries.RecordDelivery(ctx, record); err != nil {
		logger.Warn("delivery record failed", slog.Any("error", err))
	}
}

func (p *Pipeline) notify(ctx context.Context, req Request, result Result, cause error, logger *slog.Logger) {
	if p.cfg.Notifier == nil {
		return
	}
	event := internal.Event{
		Provider:   providerGitHub,
		Name:       result.Event,
		Outcome:    string(result.Outcome),
		RequestID:  req.RequestID,
		Repository: result.Repository,
		CommitSHA:  result.CommitSHA,
		JobID:      result.JobID,
		Priority:   result.Priority,
		At:         time.Now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if err := p.cfg.Notifier.Publish(ctx, p.cfg.NotifyTopic, event); err != nil {
		logger.Warn("dispatch notification failed", slog.Any("error", err))
	}
}
