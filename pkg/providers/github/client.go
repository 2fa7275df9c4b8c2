package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

const (
	defaultBaseURL = "https://api.github.com"
	filesPerPage   = 100
	// GitHub stops listing pull request files after 3000 entries.
	maxFilePages = 30
)

// Client is the official GitHub SDK client.
type Client = gh.Client

// Config holds REST API settings. An empty token yields an unauthenticated client.
type Config struct {
	Token   string
	BaseURL string
}

// NewClient creates a GitHub SDK client authenticated with a static token.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	httpClient := http.DefaultClient
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL != "" && baseURL != defaultBaseURL {
		client, err := gh.NewEnterpriseClient(baseURL, baseURL, httpClient)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return gh.NewClient(httpClient), nil
}

// FilesLister lists the files changed by a pull request.
type FilesLister struct {
	client *Client
}

func NewFilesLister(client *Client) *FilesLister {
	return &FilesLister{client: client}
}

// ListFiles returns the filenames in a pull request, following pagination.
// repository is "owner/name".
func (l *FilesLister) ListFiles(ctx context.Context, repository string, number int) ([]string, error) {
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("github repository %q is not owner/name", repository)
	}

	files := []string{}
	opts := &gh.ListOptions{PerPage: filesPerPage}
	for page := 0; page < maxFilePages; page++ {
		batch, resp, err := l.client.PullRequests.ListFiles(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list files for %s#%d: %w", repository, number, err)
		}
		for _, file := range batch {
			files = append(files, file.GetFilename())
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}
