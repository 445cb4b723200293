package task

import (
	"strings"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	live := []Status{StatusDraft, StatusQueued, StatusWaiting, StatusRunning, StatusAwaitingReview}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStatusClaimable(t *testing.T) {
	t.Parallel()

	for _, s := range ValidStatuses() {
		want := s == StatusQueued || s == StatusWaiting
		if got := s.IsClaimable(); got != want {
			t.Errorf("%s claimable = %v, want %v", s, got, want)
		}
	}
}

func TestNormalizeDependsOn(t *testing.T) {
	t.Parallel()

	deps, err := NormalizeDependsOn("t9", []string{"t1", "t2", "t1", "t3", "t2"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if strings.Join(deps, ",") != "t1,t2,t3" {
		t.Errorf("duplicates should be dropped order-preserving, got %v", deps)
	}
}

func TestNormalizeDependsOnRejectsSelfRef(t *testing.T) {
	t.Parallel()

	if _, err := NormalizeDependsOn("t1", []string{"t2", "t1"}); err == nil {
		t.Error("self reference should be rejected")
	}
	if _, err := NormalizeDependsOn("t1", []string{"t2", ""}); err == nil {
		t.Error("empty id should be rejected")
	}
}

func TestClampMaxRetries(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want int }{
		{-5, 0}, {0, 0}, {2, 2}, {20, 20}, {21, 20}, {1000, 20},
	}
	for _, tc := range cases {
		if got := ClampMaxRetries(tc.in); got != tc.want {
			t.Errorf("ClampMaxRetries(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestNewTaskDefaults(t *testing.T) {
	t.Parallel()

	tk := New("Fix login bug")
	if tk.Status != StatusDraft {
		t.Errorf("new task should be draft, got %s", tk.Status)
	}
	if tk.Source != SourceScheduler {
		t.Errorf("new task should default to scheduler source, got %s", tk.Source)
	}
	if tk.MaxRetries != DefaultMaxRetries {
		t.Errorf("maxRetries = %d, want %d", tk.MaxRetries, DefaultMaxRetries)
	}
	if tk.ID == "" || tk.CreatedAt.IsZero() {
		t.Error("id and createdAt must be set")
	}
}

func TestClearTransient(t *testing.T) {
	t.Parallel()

	tk := New("t")
	tk.Summary = "done"
	tk.LogFileURL = "http://logs/1"
	tk.ReviewComment = "lgtm"
	tk.AssignedWorkerID = "w1"
	now := Now()
	tk.StartedAt = &now
	tk.CompletedAt = &now
	tk.Feedback = "keep me"
	tk.PRURL = "http://pr/1"

	tk.ClearTransient()

	if tk.Summary != "" || tk.LogFileURL != "" || tk.ReviewComment != "" || tk.AssignedWorkerID != "" {
		t.Error("transient fields should be cleared")
	}
	if tk.StartedAt != nil || tk.CompletedAt != nil {
		t.Error("attempt timestamps should be cleared")
	}
	if tk.Feedback != "keep me" || tk.PRURL != "http://pr/1" {
		t.Error("feedback and prUrl survive attempts")
	}
}

func TestWorkerSupports(t *testing.T) {
	t.Parallel()

	universal := &Worker{ID: "w1"}
	if !universal.Supports("agent-a") {
		t.Error("worker with empty supportedAgentIds is universal")
	}

	scoped := &Worker{ID: "w2", SupportedAgentIDs: []string{"agent-a", "agent-b"}}
	if !scoped.Supports("agent-b") {
		t.Error("listed agent should be supported")
	}
	if scoped.Supports("agent-c") {
		t.Error("unlisted agent should not be supported")
	}
}

func TestTemplateValidate(t *testing.T) {
	t.Parallel()

	one := func(n int) *int { return &n }

	tpl := &Template{Name: "review", MaxRetries: one(21)}
	if err := tpl.Validate(); err == nil {
		t.Error("maxRetries above ceiling should be rejected")
	}

	tpl = &Template{Name: "pipe", PipelineSteps: []PipelineStep{{Title: "only"}}}
	if err := tpl.Validate(); err == nil {
		t.Error("pipeline with a single step should be rejected")
	}

	tpl = &Template{
		Name:          "pipe",
		MaxRetries:    one(3),
		PipelineSteps: []PipelineStep{{Title: "a"}, {Title: "b"}},
	}
	if err := tpl.Validate(); err != nil {
		t.Errorf("valid pipeline rejected: %v", err)
	}
}

func TestTaskValidateNormalizes(t *testing.T) {
	t.Parallel()

	tk := New("t")
	tk.DependsOn = []string{"a", "a", "b"}
	tk.MaxRetries = 99
	if err := tk.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(tk.DependsOn) != 2 {
		t.Errorf("dependsOn should be deduplicated, got %v", tk.DependsOn)
	}
	if tk.MaxRetries != MaxRetriesCeiling {
		t.Errorf("maxRetries should be clamped to %d, got %d", MaxRetriesCeiling, tk.MaxRetries)
	}
}
