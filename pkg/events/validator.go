package events

import (
	"log/slog"

	gh "github.com/google/go-github/v57/github"
)

// Status is the outcome of validating a delivery.
type Status int

const (
	Valid Status = iota
	Ignored
	Invalid
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case Ignored:
		return "ignored"
	default:
		return "invalid"
	}
}

// Messages acknowledged to the sender for deliveries that are not enqueued.
const (
	MessageIgnored            = "Event type ignored"
	MessageInvalidPush        = "Invalid push payload"
	MessageInvalidPullRequest = "Invalid pull_request payload"
)

// maxLoggedPayload bounds how much of a rejected payload reaches the logs.
const maxLoggedPayload = 2048

// Result carries the validated event, or the reason the delivery was set aside.
type Result struct {
	Status  Status
	Event   Event
	Message string
	// Reason names the failed check for Invalid results.
	Reason string
}

// Validator checks the event type and the fields needed to build an analysis job.
type Validator struct {
	logger *slog.Logger
}

func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger}
}

// Validate classifies a delivery by its X-GitHub-Event type and raw body.
func (v *Validator) Validate(eventType string, body []byte) Result {
	switch eventType {
	case TypePush, TypePullRequest:
	default:
		v.logger.Debug("webhook event ignored", slog.String("event", eventType))
		return Result{Status: Ignored, Message: MessageIgnored}
	}

	parsed, err := gh.ParseWebHook(eventType, body)
	if err != nil {
		return v.invalid(eventType, body, "malformed json")
	}

	switch ev := parsed.(type) {
	case *gh.PushEvent:
		push, reason := pushFrom(ev)
		if reason != "" {
			return v.invalid(eventType, body, reason)
		}
		return Result{Status: Valid, Event: push}
	case *gh.PullRequestEvent:
		pr, reason := pullRequestFrom(ev)
		if reason != "" {
			return v.invalid(eventType, body, reason)
		}
		return Result{Status: Valid, Event: pr}
	default:
		return v.invalid(eventType, body, "unexpected payload type")
	}
}

func (v *Validator) invalid(eventType string, body []byte, reason string) Result {
	message := MessageInvalidPush
	if eventType == TypePullRequest {
		message = MessageInvalidPullRequest
	}
	payload := string(body)
	if len(payload) > maxLoggedPayload {
		payload = payload[:maxLoggedPayload] + "..."
	}
	v.logger.Warn("webhook payload rejected",
		slog.String("event", eventType),
		slog.String("reason", reason),
		slog.String("payload", payload),
	)
	return Result{Status: Invalid, Message: message, Reason: reason}
}

func pushFrom(ev *gh.PushEvent) (*Push, string) {
	if ev.Repo == nil || ev.Repo.GetFullName() == "" {
		return nil, "missing repository"
	}
	if ev.GetAfter() == "" {
		return nil, "missing after"
	}
	if !IsCommitSHA(ev.GetAfter()) {
		return nil, "after is not a commit sha"
	}
	// A null or absent commits list is malformed; an empty list is not.
	if ev.Commits == nil {
		return nil, "missing commits"
	}

	commits := make([]Commit, 0, len(ev.Commits))
	for _, c := range ev.Commits {
		if c == nil {
			continue
		}
		commits = append(commits, Commit{
			ID:       c.GetID(),
			Added:    c.Added,
			Modified: c.Modified,
			Removed:  c.Removed,
		})
	}
	return &Push{
		Repo:    ev.Repo.GetFullName(),
		Ref:     ev.GetRef(),
		Before:  ev.GetBefore(),
		After:   ev.GetAfter(),
		Pusher:  ev.GetPusher().GetName(),
		Commits: commits,
	}, ""
}

func pullRequestFrom(ev *gh.PullRequestEvent) (*PullRequest, string) {
	if ev.PullRequest == nil {
		return nil, "missing pull_request"
	}
	if ev.Repo == nil || ev.Repo.GetFullName() == "" {
		return nil, "missing repository"
	}
	head := ev.PullRequest.GetHead().GetSHA()
	if head == "" {
		return nil, "missing head sha"
	}
	if !IsCommitSHA(head) {
		return nil, "head sha is not a commit sha"
	}
	number := ev.GetNumber()
	if number == 0 {
		number = ev.PullRequest.GetNumber()
	}
	return &PullRequest{
		Repo:    ev.Repo.GetFullName(),
		Number:  number,
		Action:  ev.GetAction(),
		HeadSHA: head,
		HeadRef: ev.PullRequest.GetHead().GetRef(),
		BaseRef: ev.PullRequest.GetBase().GetRef(),
	}, ""
}

// IsCommitSHA reports whether s is a full SHA-1 or SHA-256 object id in hex.
func IsCommitSHA(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
