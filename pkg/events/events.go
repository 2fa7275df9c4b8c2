// Package events validates GitHub webhook payloads and turns them into the
// closed set of events that lead to a security analysis.
package events

const (
	TypePush        = "push"
	TypePullRequest = "pull_request"
)

// Event is implemented only by *Push and *PullRequest.
type Event interface {
	// Type is the X-GitHub-Event name.
	Type() string
	// Repository is the owner/name of the repository.
	Repository() string
	// CommitSHA is the commit the analysis should run against.
	CommitSHA() string
	sealed()
}

// Commit is a single commit listed in a push.
type Commit struct {
	ID       string
	Added    []string
	Modified []string
	Removed  []string
}

// Push is a validated push event.
type Push struct {
	Repo    string
	Ref     string
	Before  string
	After   string
	Pusher  string
	Commits []Commit
}

func (p *Push) Type() string       { return TypePush }
func (p *Push) Repository() string { return p.Repo }
func (p *Push) CommitSHA() string  { return p.After }
func (p *Push) sealed()            {}

// ChangedFiles returns every path added, modified or removed by the pushed
// commits, in first-seen order without repeats.
func (p *Push) ChangedFiles() []string {
	seen := make(map[string]struct{})
	files := make([]string, 0)
	add := func(paths []string) {
		for _, path := range paths {
			if path == "" {
				continue
			}
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			files = append(files, path)
		}
	}
	for _, commit := range p.Commits {
		add(commit.Added)
		add(commit.Modified)
		add(commit.Removed)
	}
	return files
}

// PullRequest is a validated pull_request event.
type PullRequest struct {
	Repo    string
	Number  int
	Action  string
	HeadSHA string
	HeadRef string
	BaseRef string
}

func (p *PullRequest) Type() string       { return TypePullRequest }
func (p *PullRequest) Repository() string { return p.Repo }
func (p *PullRequest) CommitSHA() string  { return p.HeadSHA }
func (p *PullRequest) sealed()            {}
