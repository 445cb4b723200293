package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/camctl/cam/internal/db"
	camerrors "github.com/camctl/cam/internal/errors"
	"github.com/camctl/cam/internal/events"
	"github.com/camctl/cam/internal/hosting"
	"github.com/camctl/cam/internal/secret"
	"github.com/camctl/cam/internal/task"
)

// captureEmitter records emitted events in order instead of persisting
// or broadcasting them.
type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(_ context.Context, e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureEmitter) all() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *captureEmitter) ofType(typ events.Type) []events.Event {
	var out []events.Event
	for _, e := range c.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type recordingExecutor struct {
	mu       sync.Mutex
	signals  []string
	drains   []string
	signErr  error
	drainErr error
}

func (r *recordingExecutor) Signal(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, taskID)
	return r.signErr
}

func (r *recordingExecutor) DrainSession(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drains = append(r.drains, taskID)
	return r.drainErr
}

// fakeProvider is an in-memory hosting provider.
type fakeProvider struct {
	mu      sync.Mutex
	prs     map[string]*hosting.PR // by head branch
	nextNum int
	created int
	merged  []int
	findErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{prs: map[string]*hosting.PR{}, nextNum: 41}
}

func (f *fakeProvider) CreatePR(_ context.Context, opts hosting.PRCreateOptions) (*hosting.PR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextNum++
	f.created++
	pr := &hosting.PR{
		Number:     f.nextNum,
		Title:      opts.Title,
		State:      "open",
		HeadBranch: opts.Head,
		BaseBranch: opts.Base,
		HTMLURL:    "https://example.test/pulls/" + strconv.Itoa(f.nextNum),
	}
	f.prs[opts.Head] = pr
	return pr, nil
}

func (f *fakeProvider) FindPRByBranch(_ context.Context, branch string) (*hosting.PR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	if pr, ok := f.prs[branch]; ok {
		return pr, nil
	}
	return nil, hosting.ErrNoPRFound
}

func (f *fakeProvider) MergePR(_ context.Context, number int, _ hosting.PRMergeOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, number)
	return nil
}

func (f *fakeProvider) CheckAuth(context.Context) error { return nil }
func (f *fakeProvider) Name() hosting.ProviderType      { return hosting.ProviderGitHub }
func (f *fakeProvider) OwnerRepo() (string, string)     { return "acme", "widgets" }

type testEnv struct {
	svc      *Service
	store    *db.Store
	emitter  *captureEmitter
	executor *recordingExecutor
	provider *fakeProvider
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "cam.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{
		store:    store,
		emitter:  &captureEmitter{},
		executor: &recordingExecutor{},
		provider: newFakeProvider(),
	}
	base := []Option{
		WithExecutor(env.executor),
		WithSecretResolver(secret.Static{"GITHUB_TOKEN": "tok"}),
		WithProviderFactory(func(string, hosting.Config) (hosting.Provider, error) {
			return env.provider, nil
		}),
	}
	env.svc = New(store, env.emitter, slog.Default(), append(base, opts...)...)
	return env
}

func (e *testEnv) seed(t *testing.T, id string, status task.Status, mutate func(*task.Task)) *task.Task {
	t.Helper()
	tk := task.New("task " + id)
	tk.ID = id
	tk.Status = status
	tk.RepoURL = "https://github.com/acme/widgets.git"
	tk.BaseBranch = "main"
	tk.WorkBranch = "cam/" + id
	if mutate != nil {
		mutate(tk)
	}
	if err := e.store.SaveTask(context.Background(), tk); err != nil {
		t.Fatalf("seed task %s: %v", id, err)
	}
	return tk
}

func (e *testEnv) status(t *testing.T, id string) task.Status {
	t.Helper()
	tk, err := e.store.GetTask(context.Background(), id)
	if err != nil || tk == nil {
		t.Fatalf("load task %s: tk=%v err=%v", id, tk, err)
	}
	return tk.Status
}

func TestPublishDraft(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "t1", task.StatusDraft, nil)

	got, err := env.svc.Publish(ctx, "t1", "tester")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.Status != task.StatusQueued || got.QueuedAt == nil {
		t.Fatalf("expected queued with queuedAt, got %s queuedAt=%v", got.Status, got.QueuedAt)
	}
	if len(env.emitter.ofType(events.TaskQueued)) != 1 {
		t.Errorf("expected one task.queued event")
	}
}

func TestPublishNonDraftConflicts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, "t1", task.StatusRunning, nil)

	_, err := env.svc.Publish(context.Background(), "t1", "tester")
	ce := camerrors.AsCamError(err)
	if ce == nil || ce.Code != camerrors.CodeStateConflict {
		t.Fatalf("expected STATE_CONFLICT, got %v", err)
	}
}

func TestUpdateRejectsIllegalTransition(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, "t1", task.StatusQueued, nil)

	done := task.StatusCompleted
	_, err := env.svc.Update(context.Background(), "t1", TaskPatch{Status: &done}, "tester")
	ce := camerrors.AsCamError(err)
	if ce == nil || ce.Code != camerrors.CodeStateConflict {
		t.Fatalf("expected STATE_CONFLICT, got %v", err)
	}
}

func TestUpdateCancelledIsSink(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "t1", task.StatusCancelled, func(tk *task.Task) {
		tk.Summary = "before"
	})

	summary := "late executor write"
	got, err := env.svc.Update(ctx, "t1", TaskPatch{Summary: &summary}, "worker-1")
	if err != nil {
		t.Fatalf("patch against cancelled task must succeed: %v", err)
	}
	if got.Status != task.StatusCancelled || got.Summary != "before" {
		t.Fatalf("cancelled task changed: status=%s summary=%q", got.Status, got.Summary)
	}
	if len(env.emitter.all()) != 0 {
		t.Errorf("sink patch must not emit events, got %d", len(env.emitter.all()))
	}
}

func TestCancelRunningSignalsExecutor(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "t1", task.StatusRunning, func(tk *task.Task) {
		tk.AssignedWorkerID = "w1"
	})

	got, err := env.svc.Cancel(ctx, "t1", "operator request", "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != task.StatusCancelled || got.AssignedWorkerID != "" {
		t.Fatalf("expected cancelled unassigned, got %s worker=%q", got.Status, got.AssignedWorkerID)
	}
	if len(env.executor.signals) != 1 || env.executor.signals[0] != "t1" {
		t.Errorf("expected executor signal for t1, got %v", env.executor.signals)
	}

	evs := env.emitter.ofType(events.TaskCancelled)
	if len(evs) != 1 {
		t.Fatalf("expected one task.cancelled event, got %d", len(evs))
	}
	payload := evs[0].Payload.(map[string]any)
	if payload["previousStatus"] != "running" || payload["reason"] != "operator request" {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestCancelCascadesToDownstream(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	// root -> b(queued) -> c(waiting); root -> d(running) stays put.
	env.seed(t, "root", task.StatusQueued, nil)
	env.seed(t, "b", task.StatusQueued, func(tk *task.Task) { tk.DependsOn = []string{"root"} })
	env.seed(t, "c", task.StatusWaiting, func(tk *task.Task) { tk.DependsOn = []string{"b"} })
	env.seed(t, "d", task.StatusRunning, func(tk *task.Task) { tk.DependsOn = []string{"root"} })

	if _, err := env.svc.Cancel(ctx, "root", "", "tester"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got := env.status(t, "b"); got != task.StatusCancelled {
		t.Errorf("b: expected cancelled, got %s", got)
	}
	if got := env.status(t, "c"); got != task.StatusCancelled {
		t.Errorf("c: expected cancelled, got %s", got)
	}
	if got := env.status(t, "d"); got != task.StatusRunning {
		t.Errorf("d: running task must not be cascade-cancelled, got %s", got)
	}

	for _, e := range env.emitter.ofType(events.TaskCancelled) {
		payload := e.Payload.(map[string]any)
		if e.TaskID == "root" {
			if _, ok := payload["cascadeFromTaskId"]; ok {
				t.Errorf("root cancel must not carry cascadeFromTaskId")
			}
			continue
		}
		if payload["cascadeFromTaskId"] != "root" {
			t.Errorf("%s: expected cascadeFromTaskId=root, got %v", e.TaskID, payload["cascadeFromTaskId"])
		}
	}
}

func TestCancelCascadesThroughUncancellableIntermediate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	// root -> mid(draft) -> leaf(queued). The draft cannot be cancelled,
	// but the queued task behind it is still downstream of root.
	env.seed(t, "root", task.StatusQueued, nil)
	env.seed(t, "mid", task.StatusDraft, func(tk *task.Task) { tk.DependsOn = []string{"root"} })
	env.seed(t, "leaf", task.StatusQueued, func(tk *task.Task) { tk.DependsOn = []string{"mid"} })

	if _, err := env.svc.Cancel(ctx, "root", "", "tester"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got := env.status(t, "mid"); got != task.StatusDraft {
		t.Errorf("mid: draft must survive the cascade, got %s", got)
	}
	if got := env.status(t, "leaf"); got != task.StatusCancelled {
		t.Errorf("leaf: expected cancelled behind the draft, got %s", got)
	}

	var leafEvents int
	for _, e := range env.emitter.ofType(events.TaskCancelled) {
		if e.TaskID != "leaf" {
			continue
		}
		leafEvents++
		payload := e.Payload.(map[string]any)
		if payload["cascadeFromTaskId"] != "root" {
			t.Errorf("leaf: expected cascadeFromTaskId=root, got %v", payload["cascadeFromTaskId"])
		}
	}
	if leafEvents != 1 {
		t.Errorf("expected one cancel event for leaf, got %d", leafEvents)
	}
}

func TestCancelTerminalIsIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, "t1", task.StatusCompleted, nil)

	got, err := env.svc.Cancel(context.Background(), "t1", "", "tester")
	if err != nil {
		t.Fatalf("cancel of terminal task must succeed: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("terminal status must be preserved, got %s", got.Status)
	}
	if len(env.emitter.all()) != 0 {
		t.Errorf("idempotent cancel must not emit events")
	}
}

func TestRerunResetsAttemptState(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, "t1", task.StatusFailed, func(tk *task.Task) {
		tk.RetryCount = 2
		tk.MaxRetries = 2
		tk.Summary = "stale"
		tk.AssignedWorkerID = "w1"
	})

	got, err := env.svc.Rerun(context.Background(), "t1", "try harder", "tester")
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if got.Status != task.StatusQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}
	if got.RetryCount != 3 || got.MaxRetries != 3 {
		t.Errorf("expected retry 3/3, got %d/%d", got.RetryCount, got.MaxRetries)
	}
	if got.Summary != "" || got.AssignedWorkerID != "" || got.Feedback != "try harder" {
		t.Errorf("transient state not reset: %+v", got)
	}
	if len(env.emitter.ofType(events.TaskRerunRequested)) != 1 {
		t.Errorf("expected one task.rerun_requested event")
	}
}

func TestCompletionPromotesReadyDependents(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.seed(t, "a", task.StatusRunning, nil)
	env.seed(t, "b", task.StatusCompleted, nil)
	// ready once a lands; blocked still has an unfinished dep.
	env.seed(t, "ready", task.StatusWaiting, func(tk *task.Task) { tk.DependsOn = []string{"a", "b"} })
	env.seed(t, "blocked", task.StatusWaiting, func(tk *task.Task) { tk.DependsOn = []string{"a", "other"} })
	env.seed(t, "other", task.StatusRunning, nil)

	if _, err := env.svc.FinishSuccess(ctx, "a", "done", false, "worker-1"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if got := env.status(t, "ready"); got != task.StatusQueued {
		t.Errorf("ready: expected queued, got %s", got)
	}
	if got := env.status(t, "blocked"); got != task.StatusWaiting {
		t.Errorf("blocked: expected waiting, got %s", got)
	}
}

func (e *testEnv) seedBusyWorker(t *testing.T, id, taskID string) {
	t.Helper()
	w := &task.Worker{
		ID:              id,
		Name:            "worker " + id,
		MaxConcurrent:   1,
		Status:          task.WorkerBusy,
		CurrentTaskID:   taskID,
		LastHeartbeatAt: task.Now(),
		UptimeSince:     task.Now(),
	}
	if err := e.store.SaveWorker(context.Background(), w); err != nil {
		t.Fatalf("seed worker %s: %v", id, err)
	}
}

func (e *testEnv) worker(t *testing.T, id string) *task.Worker {
	t.Helper()
	w, err := e.store.GetWorker(context.Background(), id)
	if err != nil || w == nil {
		t.Fatalf("load worker %s: w=%v err=%v", id, w, err)
	}
	return w
}

func TestFinishSuccessReleasesWorker(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "t1", task.StatusRunning, func(tk *task.Task) { tk.AssignedWorkerID = "w1" })
	env.seedBusyWorker(t, "w1", "t1")

	if _, err := env.svc.FinishSuccess(ctx, "t1", "done", false, "w1"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	w := env.worker(t, "w1")
	if w.Status != task.WorkerIdle || w.CurrentTaskID != "" {
		t.Fatalf("expected idle unbound worker, got %s task=%q", w.Status, w.CurrentTaskID)
	}
	if w.TotalTasksCompleted != 1 || w.TotalTasksFailed != 0 {
		t.Errorf("expected completed=1 failed=0, got %d/%d", w.TotalTasksCompleted, w.TotalTasksFailed)
	}
}

func TestFinishFailReleasesWorkerWithFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "t1", task.StatusRunning, func(tk *task.Task) { tk.AssignedWorkerID = "w1" })
	env.seedBusyWorker(t, "w1", "t1")

	if _, err := env.svc.FinishFail(ctx, "t1", "agent crashed", "w1"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	w := env.worker(t, "w1")
	if w.Status != task.WorkerIdle || w.CurrentTaskID != "" {
		t.Fatalf("expected idle unbound worker, got %s task=%q", w.Status, w.CurrentTaskID)
	}
	if w.TotalTasksCompleted != 0 || w.TotalTasksFailed != 1 {
		t.Errorf("expected completed=0 failed=1, got %d/%d", w.TotalTasksCompleted, w.TotalTasksFailed)
	}
}

func TestCancelRunningUnbindsWorkerWithoutCounters(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "t1", task.StatusRunning, func(tk *task.Task) { tk.AssignedWorkerID = "w1" })
	env.seedBusyWorker(t, "w1", "t1")

	if _, err := env.svc.Cancel(ctx, "t1", "operator request", "tester"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	w := env.worker(t, "w1")
	if w.Status != task.WorkerIdle || w.CurrentTaskID != "" {
		t.Fatalf("expected idle unbound worker, got %s task=%q", w.Status, w.CurrentTaskID)
	}
	if w.TotalTasksCompleted != 0 || w.TotalTasksFailed != 0 {
		t.Errorf("cancel must not bump counters, got %d/%d", w.TotalTasksCompleted, w.TotalTasksFailed)
	}
}

func TestReviewApproveMergesAndPromotes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.seed(t, "t1", task.StatusAwaitingReview, func(tk *task.Task) {
		tk.PRURL = "https://example.test/pulls/7"
	})
	env.seed(t, "dep", task.StatusWaiting, func(tk *task.Task) { tk.DependsOn = []string{"t1"} })

	got, err := env.svc.Review(ctx, "t1", ReviewRequest{Action: "approve", Merge: true}, "reviewer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != task.StatusCompleted || got.ReviewedAt == nil {
		t.Fatalf("expected completed with reviewedAt, got %s", got.Status)
	}
	if len(env.provider.merged) != 1 || env.provider.merged[0] != 7 {
		t.Errorf("expected merge of PR 7, got %v", env.provider.merged)
	}
	if gotDep := env.status(t, "dep"); gotDep != task.StatusQueued {
		t.Errorf("dependent: expected queued after approval, got %s", gotDep)
	}
}

func TestReviewRejectRequeuesWithinBudget(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, "t1", task.StatusAwaitingReview, func(tk *task.Task) {
		tk.RetryCount = 0
		tk.MaxRetries = 2
		tk.Summary = "attempt 1"
	})

	got, err := env.svc.Review(context.Background(), "t1", ReviewRequest{Action: "reject", Feedback: "missing tests"}, "reviewer")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != task.StatusQueued || got.RetryCount != 1 {
		t.Fatalf("expected requeue with retry 1, got %s retry=%d", got.Status, got.RetryCount)
	}
	if got.Feedback != "missing tests" || got.Summary != "" {
		t.Errorf("expected feedback set and summary cleared, got %+v", got)
	}
}

func TestReviewRejectFailsAtBudget(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, "t1", task.StatusAwaitingReview, func(tk *task.Task) {
		tk.RetryCount = 2
		tk.MaxRetries = 2
	})

	got, err := env.svc.Review(context.Background(), "t1", ReviewRequest{Action: "reject", Feedback: "still wrong"}, "reviewer")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("expected failed at budget, got %s", got.Status)
	}
	if len(env.emitter.ofType(events.TaskReviewRejected)) != 0 {
		t.Errorf("exhausted budget must not emit a plain rejection event")
	}
	evs := env.emitter.ofType(events.TaskReviewRejectedMaxRetries)
	if len(evs) != 1 {
		t.Fatalf("expected one task.review_rejected_max_retries event")
	}
	payload := evs[0].Payload.(map[string]any)
	if payload["requeued"] != false || payload["retryCount"] != 2 {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestReviewRejectRequiresFeedback(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seed(t, "t1", task.StatusAwaitingReview, nil)

	_, err := env.svc.Review(context.Background(), "t1", ReviewRequest{Action: "reject"}, "reviewer")
	ce := camerrors.AsCamError(err)
	if ce == nil || ce.Code != camerrors.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestEnsurePRCreatesOnReviewEntry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "t1", task.StatusRunning, nil)

	got, err := env.svc.FinishSuccess(ctx, "t1", "shipped", true, "worker-1")
	if err != nil {
		t.Fatalf("finish with review: %v", err)
	}
	if got.Status != task.StatusAwaitingReview {
		t.Fatalf("expected awaiting_review, got %s", got.Status)
	}
	if env.provider.created != 1 {
		t.Fatalf("expected one PR created, got %d", env.provider.created)
	}
	if got.PRURL == "" {
		t.Errorf("expected prUrl recorded on the task")
	}
	if len(env.emitter.ofType(events.TaskPRCreated)) != 1 {
		t.Errorf("expected one task.pr_created event")
	}
}

func TestEnsurePRReusesExistingBranchPR(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "t1", task.StatusRunning, nil)
	_, _ = env.provider.CreatePR(ctx, hosting.PRCreateOptions{Head: "cam/t1", Base: "main", Title: "pre-existing"})
	createdBefore := env.provider.created

	if _, err := env.svc.FinishSuccess(ctx, "t1", "", true, "worker-1"); err != nil {
		t.Fatalf("finish with review: %v", err)
	}
	if env.provider.created != createdBefore {
		t.Errorf("existing PR must be reused, not recreated")
	}
}

func TestEnsurePRSkipsWithoutToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, WithSecretResolver(secret.Static{}))
	ctx := context.Background()
	env.seed(t, "t1", task.StatusRunning, nil)

	got, err := env.svc.FinishSuccess(ctx, "t1", "", true, "worker-1")
	if err != nil {
		t.Fatalf("finish with review: %v", err)
	}
	if got.PRURL != "" {
		t.Fatalf("no PR should exist without a token")
	}
	evs := env.emitter.ofType(events.TaskPRSkipped)
	if len(evs) != 1 {
		t.Fatalf("expected one task.pr_skipped event, got %d", len(evs))
	}
	if evs[0].Payload.(map[string]any)["reason"] != "no_token" {
		t.Errorf("expected reason no_token, got %v", evs[0].Payload)
	}
}

func TestEnsurePRSkipsWithoutBranch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "t1", task.StatusRunning, func(tk *task.Task) { tk.WorkBranch = "" })

	if _, err := env.svc.FinishSuccess(ctx, "t1", "", true, "worker-1"); err != nil {
		t.Fatalf("finish with review: %v", err)
	}
	evs := env.emitter.ofType(events.TaskPRSkipped)
	if len(evs) != 1 || evs[0].Payload.(map[string]any)["reason"] != "missing_branch_or_repo" {
		t.Fatalf("expected missing_branch_or_repo skip, got %v", evs)
	}
}

func TestEnsurePRFailureDoesNotFailTask(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.provider.findErr = errors.New("api unreachable")
	ctx := context.Background()
	env.seed(t, "t1", task.StatusRunning, nil)

	got, err := env.svc.FinishSuccess(ctx, "t1", "", true, "worker-1")
	if err != nil {
		t.Fatalf("finish with review: %v", err)
	}
	if got.Status != task.StatusAwaitingReview {
		t.Fatalf("task must stay awaiting_review on PR failure, got %s", got.Status)
	}
	if len(env.emitter.ofType(events.TaskPRFailed)) != 1 {
		t.Errorf("expected one task.pr_failed event")
	}
}

func TestRestartFromResetsClosure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	// a(completed) -> b(failed) -> c(cancelled); a -> side(completed).
	env.seed(t, "a", task.StatusCompleted, func(tk *task.Task) { tk.GroupID = "g1" })
	env.seed(t, "b", task.StatusFailed, func(tk *task.Task) {
		tk.GroupID = "g1"
		tk.DependsOn = []string{"a"}
		tk.RetryCount = 1
		tk.MaxRetries = 2
	})
	env.seed(t, "c", task.StatusCancelled, func(tk *task.Task) {
		tk.GroupID = "g1"
		tk.DependsOn = []string{"b"}
	})
	env.seed(t, "side", task.StatusCompleted, func(tk *task.Task) {
		tk.GroupID = "g1"
		tk.DependsOn = []string{"a"}
	})

	restarted, err := env.svc.RestartFrom(ctx, "g1", "b", "", "tester")
	if err != nil {
		t.Fatalf("restart-from: %v", err)
	}
	if len(restarted) != 2 {
		t.Fatalf("expected closure {b,c}, got %d tasks", len(restarted))
	}

	if got := env.status(t, "b"); got != task.StatusQueued {
		t.Errorf("b: upstream complete, expected queued, got %s", got)
	}
	if got := env.status(t, "c"); got != task.StatusWaiting {
		t.Errorf("c: expected waiting, got %s", got)
	}
	if got := env.status(t, "side"); got != task.StatusCompleted {
		t.Errorf("side: outside closure, must stay completed, got %s", got)
	}

	b, _ := env.store.GetTask(ctx, "b")
	if b.RetryCount != 2 {
		t.Errorf("b: terminal restart must bump retryCount, got %d", b.RetryCount)
	}
	if len(env.emitter.ofType(events.TaskGroupRestartFrom)) != 1 {
		t.Errorf("expected one task_group.restart_from event")
	}
}

func TestRestartFromRootWaitsOnIncompleteUpstream(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.seed(t, "a", task.StatusRunning, func(tk *task.Task) { tk.GroupID = "g1" })
	env.seed(t, "b", task.StatusFailed, func(tk *task.Task) {
		tk.GroupID = "g1"
		tk.DependsOn = []string{"a"}
	})

	if _, err := env.svc.RestartFrom(context.Background(), "g1", "b", "", "tester"); err != nil {
		t.Fatalf("restart-from: %v", err)
	}
	if got := env.status(t, "b"); got != task.StatusWaiting {
		t.Errorf("b: upstream running, expected waiting, got %s", got)
	}
}

func TestRestartFromRefusesRunningClosure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.seed(t, "b", task.StatusFailed, func(tk *task.Task) { tk.GroupID = "g1" })
	env.seed(t, "c", task.StatusRunning, func(tk *task.Task) {
		tk.GroupID = "g1"
		tk.DependsOn = []string{"b"}
	})

	_, err := env.svc.RestartFrom(context.Background(), "g1", "b", "", "tester")
	ce := camerrors.AsCamError(err)
	if ce == nil || ce.Code != camerrors.CodeStateConflict {
		t.Fatalf("expected STATE_CONFLICT, got %v", err)
	}
	extra, ok := ce.Extra.(map[string]any)
	if !ok {
		t.Fatalf("expected structured extra, got %T", ce.Extra)
	}
	ids, _ := extra["runningTaskIds"].([]string)
	if len(ids) != 1 || ids[0] != "c" {
		t.Errorf("expected runningTaskIds=[c], got %v", extra["runningTaskIds"])
	}
	if got := env.status(t, "b"); got != task.StatusFailed {
		t.Errorf("refused restart must not touch b, got %s", got)
	}
}

func TestCancelGroup(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.seed(t, "a", task.StatusQueued, func(tk *task.Task) { tk.GroupID = "g1" })
	env.seed(t, "b", task.StatusCompleted, func(tk *task.Task) { tk.GroupID = "g1" })
	env.seed(t, "c", task.StatusRunning, func(tk *task.Task) { tk.GroupID = "g1" })

	cancelled, err := env.svc.CancelGroup(context.Background(), "g1", "abandoned", "tester")
	if err != nil {
		t.Fatalf("cancel group: %v", err)
	}
	if len(cancelled) != 2 {
		t.Fatalf("expected a and c cancelled, got %d", len(cancelled))
	}
	if got := env.status(t, "b"); got != task.StatusCompleted {
		t.Errorf("completed task must survive group cancel, got %s", got)
	}
	if len(env.emitter.ofType(events.TaskGroupCancelled)) != 1 {
		t.Errorf("expected one task_group.cancelled event")
	}
}

func TestRerunFailedInGroup(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.seed(t, "a", task.StatusFailed, func(tk *task.Task) { tk.GroupID = "g1" })
	env.seed(t, "b", task.StatusCancelled, func(tk *task.Task) { tk.GroupID = "g1" })
	env.seed(t, "c", task.StatusCompleted, func(tk *task.Task) { tk.GroupID = "g1" })

	rerun, err := env.svc.RerunFailed(context.Background(), "g1", "", "tester")
	if err != nil {
		t.Fatalf("rerun failed: %v", err)
	}
	if len(rerun) != 2 {
		t.Fatalf("expected 2 reruns, got %d", len(rerun))
	}
	if got := env.status(t, "c"); got != task.StatusCompleted {
		t.Errorf("completed task must not be rerun, got %s", got)
	}
}

func TestDeleteRefusesLiveDependents(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.seed(t, "a", task.StatusCompleted, nil)
	env.seed(t, "b", task.StatusQueued, func(tk *task.Task) { tk.DependsOn = []string{"a"} })

	err := env.svc.Delete(context.Background(), "a", "tester")
	ce := camerrors.AsCamError(err)
	if ce == nil || ce.Code != camerrors.CodeStateConflict {
		t.Fatalf("expected STATE_CONFLICT, got %v", err)
	}
	if got := env.status(t, "a"); got != task.StatusCompleted {
		t.Errorf("refused delete must not remove the task")
	}
}

func TestDeleteDrainsRunningTask(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "a", task.StatusRunning, nil)

	if err := env.svc.Delete(ctx, "a", "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(env.executor.drains) != 1 || env.executor.drains[0] != "a" {
		t.Errorf("expected drain of a, got %v", env.executor.drains)
	}
	gone, err := env.store.GetTask(ctx, "a")
	if err != nil || gone != nil {
		t.Fatalf("expected row removed, got %v err=%v", gone, err)
	}
	if len(env.emitter.ofType(events.TaskDeleted)) != 1 {
		t.Errorf("expected one task.deleted event")
	}
}

func TestCheckCapability(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, WithSecretResolver(secret.Static{"COVERED_BY_SECRET": "x"}))
	ctx := context.Background()

	agent := &task.AgentDefinition{
		ID:          "agent-1",
		DisplayName: "Agent One",
		Command:     "agent",
		RequiredEnvVars: []task.RequiredEnvVar{
			{Name: "COVERED_BY_SECRET", Required: true},
			{Name: "COVERED_BY_WORKER", Required: true},
			{Name: "NOBODY_HAS_THIS", Required: true},
			{Name: "OPTIONAL_VAR", Required: false},
		},
	}
	if err := env.store.SaveAgentDefinition(ctx, agent); err != nil {
		t.Fatalf("save agent: %v", err)
	}
	worker := &task.Worker{
		ID:                "w1",
		Name:              "worker one",
		SupportedAgentIDs: []string{"agent-1"},
		MaxConcurrent:     1,
		Status:            task.WorkerIdle,
		LastHeartbeatAt:   task.Now(),
		ReportedEnvVars:   []string{"COVERED_BY_WORKER"},
		UptimeSince:       task.Now(),
	}
	if err := env.store.SaveWorker(ctx, worker); err != nil {
		t.Fatalf("save worker: %v", err)
	}

	uncovered, err := env.svc.CheckCapability(ctx, "agent-1")
	if err != nil {
		t.Fatalf("check capability: %v", err)
	}
	if len(uncovered) != 1 || uncovered[0] != "NOBODY_HAS_THIS" {
		t.Fatalf("expected [NOBODY_HAS_THIS], got %v", uncovered)
	}
}
