// Package hosting provides a unified interface over git hosting
// providers (GitHub, GitLab, Gitea) for the review flow: create a pull
// request, find one by branch, merge one.
package hosting

import (
	"context"
)

// ProviderType identifies which hosting provider is in use.
type ProviderType string

const (
	ProviderGitHub  ProviderType = "github"
	ProviderGitLab  ProviderType = "gitlab"
	ProviderGitea   ProviderType = "gitea"
	ProviderUnknown ProviderType = "unknown"
)

// Provider is the contract the review flow calls. Implementations wrap
// each provider's API; all of them treat "merge request" and "pull
// request" as the same thing.
type Provider interface {
	CreatePR(ctx context.Context, opts PRCreateOptions) (*PR, error)
	FindPRByBranch(ctx context.Context, branch string) (*PR, error)
	MergePR(ctx context.Context, number int, opts PRMergeOptions) error

	CheckAuth(ctx context.Context) error
	Name() ProviderType
	OwnerRepo() (string, string)
}

// PR represents a pull request / merge request.
type PR struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	State      string `json:"state"` // open, closed, merged
	HeadBranch string `json:"headBranch"`
	BaseBranch string `json:"baseBranch"`
	HTMLURL    string `json:"htmlUrl"`
	Draft      bool   `json:"draft"`
}

// PRCreateOptions for creating a PR / merge request.
type PRCreateOptions struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"` // source branch
	Base  string `json:"base"` // target branch
	Draft bool   `json:"draft"`
}

// PRMergeOptions for merging a PR / merge request.
type PRMergeOptions struct {
	Method       string `json:"method"` // merge, squash, rebase
	CommitTitle  string `json:"commitTitle,omitempty"`
	DeleteBranch bool   `json:"deleteBranch"`
}

// DefaultMergeMethod is used when no method is requested.
const DefaultMergeMethod = "squash"
