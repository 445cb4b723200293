// Package gitlab implements hosting.Provider against the GitLab API.
package gitlab

import (
	"context"
	"fmt"
	"os"
	"strings"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/camctl/cam/internal/hosting"
)

var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitLab, newProvider)
}

// Provider implements hosting.Provider using the GitLab client.
type Provider struct {
	client    *gogitlab.Client
	projectID string // full path "owner/repo" or "group/subgroup/repo"
	owner     string
	repo      string
}

func newProvider(repoURL string, cfg hosting.Config) (hosting.Provider, error) {
	token := cfg.Token
	if token == "" {
		token = os.Getenv("GITLAB_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("gitlab: %w", hosting.ErrNoToken)
	}

	owner, repo := hosting.ParseOwnerRepo(repoURL)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("parse owner/repo from %q", repoURL)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		if host := hosting.HostURL(repoURL); host != "" && !strings.Contains(host, "gitlab.com") {
			baseURL = host
		}
	}

	var client *gogitlab.Client
	var err error
	if baseURL != "" {
		client, err = gogitlab.NewClient(token, gogitlab.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}

	return &Provider{
		client:    client,
		projectID: owner + "/" + repo,
		owner:     owner,
		repo:      repo,
	}, nil
}

func (p *Provider) Name() hosting.ProviderType {
	return hosting.ProviderGitLab
}

// OwnerRepo returns the owner and repository name. For nested groups,
// owner is "group/subgroup".
func (p *Provider) OwnerRepo() (string, string) {
	return p.owner, p.repo
}

// CheckAuth validates the token by fetching the authenticated user.
func (p *Provider) CheckAuth(ctx context.Context) error {
	if _, _, err := p.client.Users.CurrentUser(gogitlab.WithContext(ctx)); err != nil {
		return fmt.Errorf("check auth: %w", err)
	}
	return nil
}

// CreatePR creates a merge request from head to base.
func (p *Provider) CreatePR(ctx context.Context, opts hosting.PRCreateOptions) (*hosting.PR, error) {
	title := opts.Title
	if opts.Draft {
		title = "Draft: " + title
	}

	mr, _, err := p.client.MergeRequests.CreateMergeRequest(p.projectID, &gogitlab.CreateMergeRequestOptions{
		Title:        gogitlab.Ptr(title),
		Description:  gogitlab.Ptr(opts.Body),
		SourceBranch: gogitlab.Ptr(opts.Head),
		TargetBranch: gogitlab.Ptr(opts.Base),
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create MR: %w", err)
	}
	return mapMR(mr), nil
}

// FindPRByBranch finds an open merge request for the given source branch.
func (p *Provider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PR, error) {
	mrs, _, err := p.client.MergeRequests.ListProjectMergeRequests(p.projectID, &gogitlab.ListProjectMergeRequestsOptions{
		SourceBranch: gogitlab.Ptr(branch),
		State:        gogitlab.Ptr("opened"),
		ListOptions:  gogitlab.ListOptions{PerPage: 1},
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("find MR by branch %q: %w", branch, err)
	}
	if len(mrs) == 0 {
		return nil, hosting.ErrNoPRFound
	}
	return mapBasicMR(mrs[0]), nil
}

// MergePR accepts the merge request. The method defaults to squash.
func (p *Provider) MergePR(ctx context.Context, number int, opts hosting.PRMergeOptions) error {
	method := opts.Method
	if method == "" {
		method = hosting.DefaultMergeMethod
	}

	acceptOpts := &gogitlab.AcceptMergeRequestOptions{}
	if method == "squash" {
		acceptOpts.Squash = gogitlab.Ptr(true)
		if opts.CommitTitle != "" {
			acceptOpts.SquashCommitMessage = gogitlab.Ptr(opts.CommitTitle)
		}
	} else if opts.CommitTitle != "" {
		acceptOpts.MergeCommitMessage = gogitlab.Ptr(opts.CommitTitle)
	}
	if opts.DeleteBranch {
		acceptOpts.ShouldRemoveSourceBranch = gogitlab.Ptr(true)
	}

	_, _, err := p.client.MergeRequests.AcceptMergeRequest(p.projectID, int64(number), acceptOpts, gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("merge MR %d: %w", number, err)
	}
	return nil
}

func mapMR(mr *gogitlab.MergeRequest) *hosting.PR {
	return &hosting.PR{
		Number:     int(mr.IID),
		Title:      mr.Title,
		Body:       mr.Description,
		State:      normalizeState(mr.State),
		HeadBranch: mr.SourceBranch,
		BaseBranch: mr.TargetBranch,
		HTMLURL:    mr.WebURL,
		Draft:      mr.Draft,
	}
}

func mapBasicMR(mr *gogitlab.BasicMergeRequest) *hosting.PR {
	return &hosting.PR{
		Number:     int(mr.IID),
		Title:      mr.Title,
		Body:       mr.Description,
		State:      normalizeState(mr.State),
		HeadBranch: mr.SourceBranch,
		BaseBranch: mr.TargetBranch,
		HTMLURL:    mr.WebURL,
		Draft:      mr.Draft,
	}
}

func normalizeState(state string) string {
	if state == "opened" {
		return "open"
	}
	return state
}
