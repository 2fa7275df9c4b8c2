package events

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	shaA = "6dcb09b5b57875f334f61aebed695e2e4193db5e"
	shaB = "a10867b14bb761a232cd80139fbd4c0d33264240"
)

func newTestValidator() (*Validator, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewValidator(logger), &buf
}

func TestValidatePush(t *testing.T) {
	v, _ := newTestValidator()
	body := `{
		"ref": "refs/heads/main",
		"before": "` + shaB + `",
		"after": "` + shaA + `",
		"repository": {"full_name": "acme/api"},
		"pusher": {"name": "octocat"},
		"commits": [
			{"id": "` + shaB + `", "added": ["a.go"], "modified": ["b.go"], "removed": []},
			{"id": "` + shaA + `", "added": ["c.go"], "modified": ["a.go"], "removed": ["old.go"]}
		]
	}`

	result := v.Validate("push", []byte(body))
	require.Equal(t, Valid, result.Status)

	push, ok := result.Event.(*Push)
	require.True(t, ok, "expected *Push, got %T", result.Event)
	assert.Equal(t, "acme/api", push.Repository())
	assert.Equal(t, shaA, push.CommitSHA())
	assert.Equal(t, "refs/heads/main", push.Ref)
	assert.Equal(t, "octocat", push.Pusher)
	assert.Equal(t, []string{"a.go", "b.go", "c.go", "old.go"}, push.ChangedFiles())
}

func TestValidatePushEmptyCommitsIsValid(t *testing.T) {
	v, _ := newTestValidator()
	body := `{"after":"` + shaA + `","repository":{"full_name":"acme/api"},"commits":[]}`

	result := v.Validate("push", []byte(body))
	require.Equal(t, Valid, result.Status)
	assert.Empty(t, result.Event.(*Push).ChangedFiles())
}

func TestValidatePullRequest(t *testing.T) {
	v, _ := newTestValidator()
	body := `{
		"action": "synchronize",
		"number": 42,
		"pull_request": {"number": 42, "head": {"sha": "` + shaA + `", "ref": "feature"}, "base": {"ref": "main"}},
		"repository": {"full_name": "acme/api"}
	}`

	result := v.Validate("pull_request", []byte(body))
	require.Equal(t, Valid, result.Status)

	pr, ok := result.Event.(*PullRequest)
	require.True(t, ok, "expected *PullRequest, got %T", result.Event)
	assert.Equal(t, "acme/api", pr.Repository())
	assert.Equal(t, shaA, pr.CommitSHA())
	assert.Equal(t, 42, pr.Number)
	assert.Equal(t, "synchronize", pr.Action)
	assert.Equal(t, "feature", pr.HeadRef)
	assert.Equal(t, "main", pr.BaseRef)
}

func TestValidateIgnoresUnsupportedEvents(t *testing.T) {
	v, buf := newTestValidator()
	for _, eventType := range []string{"deployment", "ping", "issues", ""} {
		result := v.Validate(eventType, []byte(`{"zen":"Keep it logically awesome."}`))
		assert.Equal(t, Ignored, result.Status, eventType)
		assert.Equal(t, MessageIgnored, result.Message, eventType)
		assert.Nil(t, result.Event, eventType)
	}
	assert.Contains(t, buf.String(), "webhook event ignored")
}

func TestValidateRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		body    string
		message string
	}{
		{name: "push without repository", event: "push", body: `{"after":"` + shaA + `","commits":[]}`, message: MessageInvalidPush},
		{name: "push without full_name", event: "push", body: `{"after":"` + shaA + `","repository":{},"commits":[]}`, message: MessageInvalidPush},
		{name: "push without after", event: "push", body: `{"repository":{"full_name":"acme/api"},"commits":[]}`, message: MessageInvalidPush},
		{name: "push with empty after", event: "push", body: `{"after":"","repository":{"full_name":"acme/api"},"commits":[]}`, message: MessageInvalidPush},
		{name: "push with short after", event: "push", body: `{"after":"6dcb09b","repository":{"full_name":"acme/api"},"commits":[]}`, message: MessageInvalidPush},
		{name: "push without commits", event: "push", body: `{"after":"` + shaA + `","repository":{"full_name":"acme/api"}}`, message: MessageInvalidPush},
		{name: "push with null commits", event: "push", body: `{"after":"` + shaA + `","repository":{"full_name":"acme/api"},"commits":null}`, message: MessageInvalidPush},
		{name: "push not json", event: "push", body: `after=` + shaA, message: MessageInvalidPush},
		{name: "pr without pull_request", event: "pull_request", body: `{"repository":{"full_name":"acme/api"}}`, message: MessageInvalidPullRequest},
		{name: "pr without repository", event: "pull_request", body: `{"pull_request":{"head":{"sha":"` + shaA + `"}}}`, message: MessageInvalidPullRequest},
		{name: "pr without head sha", event: "pull_request", body: `{"pull_request":{"head":{}},"repository":{"full_name":"acme/api"}}`, message: MessageInvalidPullRequest},
		{name: "pr with bad head sha", event: "pull_request", body: `{"pull_request":{"head":{"sha":"not-a-sha"}},"repository":{"full_name":"acme/api"}}`, message: MessageInvalidPullRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, buf := newTestValidator()
			result := v.Validate(tt.event, []byte(tt.body))
			assert.Equal(t, Invalid, result.Status)
			assert.Equal(t, tt.message, result.Message)
			assert.NotEmpty(t, result.Reason)
			assert.Nil(t, result.Event)
			assert.Contains(t, buf.String(), `"level":"WARN"`)
			assert.Contains(t, buf.String(), `"event":"`+tt.event+`"`)
		})
	}
}

func TestValidateTruncatesLoggedPayload(t *testing.T) {
	v, buf := newTestValidator()
	huge := `{"padding":"` + strings.Repeat("x", 10*maxLoggedPayload) + `"}`
	v.Validate("push", []byte(huge))
	assert.Less(t, buf.Len(), 4*maxLoggedPayload)
}

func TestIsCommitSHA(t *testing.T) {
	assert.True(t, IsCommitSHA(shaA))
	assert.True(t, IsCommitSHA(strings.ToUpper(shaA)))
	assert.True(t, IsCommitSHA(strings.Repeat("ab", 32)))
	assert.False(t, IsCommitSHA(shaA[:39]))
	assert.False(t, IsCommitSHA(strings.Repeat("g", 40)))
	assert.False(t, IsCommitSHA(""))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "valid", Valid.String())
	assert.Equal(t, "ignored", Ignored.String())
	assert.Equal(t, "invalid", Invalid.String())
}
