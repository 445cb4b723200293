// Package gitea implements hosting.Provider against the Gitea REST API
// (v1). No official Go SDK is pulled in; the three calls the review flow
// needs are a small surface over net/http.
package gitea

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/camctl/cam/internal/hosting"
)

var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitea, newProvider)
}

// Provider implements hosting.Provider over the Gitea v1 API.
type Provider struct {
	baseURL string
	token   string
	owner   string
	repo    string
	client  *http.Client
}

func newProvider(repoURL string, cfg hosting.Config) (hosting.Provider, error) {
	token := cfg.Token
	if token == "" {
		token = os.Getenv("GITEA_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("gitea: %w", hosting.ErrNoToken)
	}

	owner, repo := hosting.ParseOwnerRepo(repoURL)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("parse owner/repo from %q", repoURL)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = hosting.HostURL(repoURL)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("gitea: no base URL derivable from %q", repoURL)
	}

	return &Provider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		owner:   owner,
		repo:    repo,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *Provider) Name() hosting.ProviderType {
	return hosting.ProviderGitea
}

func (p *Provider) OwnerRepo() (string, string) {
	return p.owner, p.repo
}

// CheckAuth validates the token by fetching the authenticated user.
func (p *Provider) CheckAuth(ctx context.Context) error {
	return p.do(ctx, http.MethodGet, "/api/v1/user", nil, nil)
}

// giteaPR mirrors the fields of the API's pull request object we use.
type giteaPR struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	Merged  bool   `json:"merged"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// CreatePR creates a pull request from head to base.
func (p *Provider) CreatePR(ctx context.Context, opts hosting.PRCreateOptions) (*hosting.PR, error) {
	title := opts.Title
	if opts.Draft {
		title = "WIP: " + title
	}
	body := map[string]string{
		"title": title,
		"body":  opts.Body,
		"head":  opts.Head,
		"base":  opts.Base,
	}

	var created giteaPR
	path := fmt.Sprintf("/api/v1/repos/%s/%s/pulls", p.owner, p.repo)
	if err := p.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return p.mapPR(&created), nil
}

// FindPRByBranch finds an open PR whose head is the given branch.
func (p *Provider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PR, error) {
	var prs []giteaPR
	path := fmt.Sprintf("/api/v1/repos/%s/%s/pulls?state=open&limit=50", p.owner, p.repo)
	if err := p.do(ctx, http.MethodGet, path, nil, &prs); err != nil {
		return nil, fmt.Errorf("find PR by branch %q: %w", branch, err)
	}
	for i := range prs {
		if prs[i].Head.Ref == branch {
			return p.mapPR(&prs[i]), nil
		}
	}
	return nil, hosting.ErrNoPRFound
}

// MergePR merges the pull request. The method defaults to squash.
func (p *Provider) MergePR(ctx context.Context, number int, opts hosting.PRMergeOptions) error {
	method := opts.Method
	if method == "" {
		method = hosting.DefaultMergeMethod
	}
	body := map[string]any{
		"Do":                        method,
		"delete_branch_after_merge": opts.DeleteBranch,
	}
	if opts.CommitTitle != "" {
		body["MergeTitleField"] = opts.CommitTitle
	}

	path := fmt.Sprintf("/api/v1/repos/%s/%s/pulls/%d/merge", p.owner, p.repo, number)
	if err := p.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("merge PR %d: %w", number, err)
	}
	return nil
}

// do performs one API call, encoding body as JSON and decoding the
// response into out when non-nil.
func (p *Provider) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+p.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (p *Provider) mapPR(pr *giteaPR) *hosting.PR {
	state := pr.State
	if pr.Merged {
		state = "merged"
	}
	return &hosting.PR{
		Number:     pr.Number,
		Title:      pr.Title,
		Body:       pr.Body,
		State:      state,
		HeadBranch: pr.Head.Ref,
		BaseBranch: pr.Base.Ref,
		HTMLURL:    pr.HTMLURL,
		Draft:      strings.HasPrefix(pr.Title, "WIP:"),
	}
}
