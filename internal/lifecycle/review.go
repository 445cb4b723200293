package lifecycle

import (
	"context"
	"errors"
	"strconv"
	"strings"

	camerrors "github.com/camctl/cam/internal/errors"
	"github.com/camctl/cam/internal/events"
	"github.com/camctl/cam/internal/hosting"
	"github.com/camctl/cam/internal/secret"
	"github.com/camctl/cam/internal/task"
)

// ReviewRequest carries the review decision.
type ReviewRequest struct {
	Action   string `json:"action"` // approve | reject
	Merge    bool   `json:"merge,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// Review applies an approve or reject decision to a task awaiting
// review.
func (s *Service) Review(ctx context.Context, id string, req ReviewRequest, actor string) (*task.Task, error) {
	switch req.Action {
	case "approve":
		return s.approve(ctx, id, req.Merge, actor)
	case "reject":
		if strings.TrimSpace(req.Feedback) == "" {
			return nil, camerrors.InvalidInput("reject requires feedback")
		}
		return s.reject(ctx, id, req.Feedback, actor)
	default:
		return nil, camerrors.InvalidInput("unknown review action %q", req.Action)
	}
}

func (s *Service) approve(ctx context.Context, id string, merge bool, actor string) (*task.Task, error) {
	updated, swapped, err := s.store.CASUpdateTask(ctx, id, []task.Status{task.StatusAwaitingReview}, func(t *task.Task) error {
		now := task.Now()
		t.ReviewedAt = &now
		t.CompletedAt = &now
		t.AssignedWorkerID = ""
		t.Status = task.StatusCompleted
		return nil
	})
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if updated == nil {
		return nil, camerrors.NotFound("task", id)
	}
	if !swapped {
		return nil, camerrors.StateConflict("task is not awaiting review", string(updated.Status))
	}

	s.emit(ctx, events.TaskReviewApproved, updated, actor, map[string]any{"merge": merge})

	if merge {
		if err := s.mergePR(ctx, updated); err != nil {
			// The approval stands; the merge failure is surfaced as an
			// event so the operator can merge manually.
			s.logger.Warn("pr merge failed", "taskId", id, "prUrl", updated.PRURL, "error", err)
			s.emit(ctx, events.TaskPRFailed, updated, actor, map[string]any{
				"operation": "merge",
				"error":     err.Error(),
			})
		}
	}

	s.promoteDependents(ctx, updated)
	return updated, nil
}

func (s *Service) reject(ctx context.Context, id, feedback, actor string) (*task.Task, error) {
	var retryScheduled bool
	var retryCount int
	updated, swapped, err := s.store.CASUpdateTask(ctx, id, []task.Status{task.StatusAwaitingReview}, func(t *task.Task) error {
		now := task.Now()
		t.ReviewedAt = &now
		if t.RetryCount < t.MaxRetries {
			retryScheduled = true
			t.RetryCount++
			retryCount = t.RetryCount
			t.ClearTransient()
			t.Feedback = feedback
			t.QueuedAt = &now
			t.Status = task.StatusQueued
			return nil
		}
		t.Feedback = feedback
		t.AssignedWorkerID = ""
		t.CompletedAt = &now
		t.Status = task.StatusFailed
		return nil
	})
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if updated == nil {
		return nil, camerrors.NotFound("task", id)
	}
	if !swapped {
		return nil, camerrors.StateConflict("task is not awaiting review", string(updated.Status))
	}

	if retryScheduled {
		s.emit(ctx, events.TaskReviewRejected, updated, actor, map[string]any{
			"retryCount": retryCount,
			"requeued":   true,
		})
	} else {
		s.emit(ctx, events.TaskReviewRejectedMaxRetries, updated, actor, map[string]any{
			"requeued":   false,
			"retryCount": updated.RetryCount,
		})
	}
	return updated, nil
}

// EnsurePR creates or locates a pull request for a task entering
// awaiting_review, per the review flow: skip (with a structured reason)
// on any missing prerequisite, record a failure event on remote errors,
// and never fail the task either way.
func (s *Service) EnsurePR(ctx context.Context, t *task.Task) {
	if t.PRURL != "" || t.RepoURL == "" || t.WorkBranch == "" || t.BaseBranch == "" {
		if t.PRURL == "" {
			s.emit(ctx, events.TaskPRSkipped, t, "", map[string]any{
				"reason": "missing_branch_or_repo",
			})
		}
		return
	}

	provider, skipReason, err := s.providerFor(ctx, t)
	if skipReason != "" {
		s.emit(ctx, events.TaskPRSkipped, t, "", map[string]any{"reason": skipReason})
		return
	}
	if err != nil {
		s.emit(ctx, events.TaskPRFailed, t, "", map[string]any{"error": err.Error()})
		return
	}

	pr, err := provider.FindPRByBranch(ctx, t.WorkBranch)
	if errors.Is(err, hosting.ErrNoPRFound) {
		pr, err = provider.CreatePR(ctx, hosting.PRCreateOptions{
			Title: t.Title,
			Body:  t.Description,
			Head:  t.WorkBranch,
			Base:  t.BaseBranch,
		})
	}
	if err != nil {
		s.emit(ctx, events.TaskPRFailed, t, "", map[string]any{"error": err.Error()})
		return
	}

	updated, swapped, casErr := s.store.CASUpdateTask(ctx, t.ID, []task.Status{task.StatusAwaitingReview}, func(row *task.Task) error {
		row.PRURL = pr.HTMLURL
		return nil
	})
	if casErr != nil || updated == nil || !swapped {
		s.logger.Warn("store pr url failed", "taskId", t.ID, "prUrl", pr.HTMLURL)
	} else {
		t.PRURL = pr.HTMLURL
	}
	s.emit(ctx, events.TaskPRCreated, t, "", map[string]any{
		"prUrl":  pr.HTMLURL,
		"number": pr.Number,
	})
}

// providerFor resolves provider type and token for a task's repo.
// A non-empty skipReason means a missing prerequisite, not an error.
func (s *Service) providerFor(ctx context.Context, t *task.Task) (hosting.Provider, string, error) {
	providerType, err := hosting.ResolveProviderType(t.RepoURL, s.gitProvider)
	if err != nil {
		return nil, "unsupported_provider", nil
	}

	tokenName := hosting.TokenEnvVar(providerType)
	token, found, err := s.secrets.Resolve(ctx, tokenName, secret.Scope{
		AgentDefinitionID: t.AgentDefinitionID,
		RepoURL:           t.RepoURL,
	})
	if err != nil {
		return nil, "", err
	}
	if !found || token == "" {
		return nil, "no_token", nil
	}

	provider, err := s.providers(t.RepoURL, hosting.Config{
		Provider: string(providerType),
		Token:    token,
	})
	if err != nil {
		return nil, "", err
	}
	return provider, "", nil
}

// mergePR merges the PR attached to a task, defaulting to squash.
func (s *Service) mergePR(ctx context.Context, t *task.Task) error {
	provider, skipReason, err := s.providerFor(ctx, t)
	if err != nil {
		return err
	}
	if skipReason != "" {
		return errors.New("merge skipped: " + skipReason)
	}

	number := prNumberFromURL(t.PRURL)
	if number == 0 {
		pr, err := provider.FindPRByBranch(ctx, t.WorkBranch)
		if err != nil {
			return err
		}
		number = pr.Number
	}
	return provider.MergePR(ctx, number, hosting.PRMergeOptions{
		Method: hosting.DefaultMergeMethod,
	})
}

// prNumberFromURL extracts the trailing PR number from a web URL.
// Returns 0 when the URL carries none.
func prNumberFromURL(url string) int {
	trimmed := strings.TrimSuffix(strings.TrimSpace(url), "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(trimmed[idx+1:])
	if err != nil {
		return 0
	}
	return n
}
