// Package github implements hosting.Provider against the GitHub API.
package github

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/camctl/cam/internal/hosting"
)

var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitHub, newProvider)
}

// Provider implements hosting.Provider using go-github.
type Provider struct {
	client *gogithub.Client
	owner  string
	repo   string
}

func newProvider(repoURL string, cfg hosting.Config) (hosting.Provider, error) {
	token := cfg.Token
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("github: %w", hosting.ErrNoToken)
	}

	owner, repo := hosting.ParseOwnerRepo(repoURL)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("parse owner/repo from %q", repoURL)
	}

	client := gogithub.NewClient(&http.Client{
		Transport: &tokenTransport{token: token},
	})

	// GitHub Enterprise: API lives under /api/v3.
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		var err error
		client.BaseURL, err = client.BaseURL.Parse(baseURL + "/api/v3/")
		if err != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, err)
		}
	}

	return &Provider{client: client, owner: owner, repo: repo}, nil
}

// tokenTransport adds the Authorization header to every request.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

func (p *Provider) Name() hosting.ProviderType {
	return hosting.ProviderGitHub
}

func (p *Provider) OwnerRepo() (string, string) {
	return p.owner, p.repo
}

// CheckAuth validates the token by fetching the authenticated user.
func (p *Provider) CheckAuth(ctx context.Context) error {
	if _, _, err := p.client.Users.Get(ctx, ""); err != nil {
		return fmt.Errorf("check auth: %w", err)
	}
	return nil
}

// CreatePR creates a pull request from head to base.
func (p *Provider) CreatePR(ctx context.Context, opts hosting.PRCreateOptions) (*hosting.PR, error) {
	created, _, err := p.client.PullRequests.Create(ctx, p.owner, p.repo, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(opts.Title),
		Body:  gogithub.Ptr(opts.Body),
		Head:  gogithub.Ptr(opts.Head),
		Base:  gogithub.Ptr(opts.Base),
		Draft: gogithub.Ptr(opts.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return mapPR(created), nil
}

// FindPRByBranch finds an open PR whose head is the given branch.
func (p *Provider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PR, error) {
	prs, _, err := p.client.PullRequests.List(ctx, p.owner, p.repo, &gogithub.PullRequestListOptions{
		Head:        p.owner + ":" + branch,
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("find PR by branch %q: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, hosting.ErrNoPRFound
	}
	return mapPR(prs[0]), nil
}

// MergePR merges the pull request. The method defaults to squash.
func (p *Provider) MergePR(ctx context.Context, number int, opts hosting.PRMergeOptions) error {
	method := opts.Method
	if method == "" {
		method = hosting.DefaultMergeMethod
	}

	_, _, err := p.client.PullRequests.Merge(ctx, p.owner, p.repo, number, "", &gogithub.PullRequestOptions{
		MergeMethod: method,
		CommitTitle: opts.CommitTitle,
	})
	if err != nil {
		return fmt.Errorf("merge PR %d: %w", number, err)
	}

	if opts.DeleteBranch {
		pr, _, getErr := p.client.PullRequests.Get(ctx, p.owner, p.repo, number)
		if getErr == nil && pr.GetHead().GetRef() != "" {
			_, _ = p.client.Git.DeleteRef(ctx, p.owner, p.repo, "heads/"+pr.GetHead().GetRef())
		}
	}
	return nil
}

func mapPR(pr *gogithub.PullRequest) *hosting.PR {
	state := pr.GetState()
	if pr.GetMerged() {
		state = "merged"
	}
	return &hosting.PR{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		Body:       pr.GetBody(),
		State:      state,
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		HTMLURL:    pr.GetHTMLURL(),
		Draft:      pr.GetDraft(),
	}
}
