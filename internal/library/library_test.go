package library

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/camctl/cam/internal/db"
)

func newTestSyncer(t *testing.T) (*Syncer, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "cam.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, slog.Default()), store
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const validTemplate = `
name: feature-pipeline
titleTemplate: "Feature: {title}"
promptTemplate: "Implement {title}"
defaultAgentId: agent-1
pipelineSteps:
  - title: plan
    description: plan the work
  - title: build
    description: build it
    parallelAgents:
      - title: build backend
        agentDefinitionId: agent-2
      - title: build frontend
`

func TestSyncLoadsNestedYaml(t *testing.T) {
	t.Parallel()
	s, store := newTestSyncer(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "pipelines", "feature.yaml"), validTemplate)
	writeFile(t, filepath.Join(dir, "simple.yml"), "name: one-shot\npromptTemplate: do it\n")

	n, err := s.Sync(ctx, dir)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 templates synced, got %d", n)
	}

	tpl, err := store.GetTemplateByName(ctx, "feature-pipeline")
	if err != nil || tpl == nil {
		t.Fatalf("load synced template: tpl=%v err=%v", tpl, err)
	}
	if !tpl.BuiltIn || !tpl.IsPipeline() || len(tpl.PipelineSteps) != 2 {
		t.Errorf("unexpected template: %+v", tpl)
	}
	if len(tpl.PipelineSteps[1].ParallelAgents) != 2 {
		t.Errorf("parallel nodes lost: %+v", tpl.PipelineSteps[1])
	}
}

func TestSyncSkipsInvalidFiles(t *testing.T) {
	t.Parallel()
	s, store := newTestSyncer(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "bad.yaml"), ":\tnot yaml {{{")
	writeFile(t, filepath.Join(dir, "short.yaml"), "name: short\npipelineSteps:\n  - title: only one\n")
	writeFile(t, filepath.Join(dir, "good.yaml"), "name: good\npromptTemplate: ok\n")

	n, err := s.Sync(ctx, dir)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the valid file synced, got %d", n)
	}
	if tpl, _ := store.GetTemplateByName(ctx, "short"); tpl != nil {
		t.Errorf("1-step pipeline must be rejected")
	}
}

func TestSyncUpsertKeepsID(t *testing.T) {
	t.Parallel()
	s, store := newTestSyncer(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "tpl.yaml")

	writeFile(t, path, "name: evolving\npromptTemplate: v1\n")
	if _, err := s.Sync(ctx, dir); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	first, _ := store.GetTemplateByName(ctx, "evolving")

	writeFile(t, path, "name: evolving\npromptTemplate: v2\n")
	if _, err := s.Sync(ctx, dir); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	second, _ := store.GetTemplateByName(ctx, "evolving")

	if first == nil || second == nil {
		t.Fatal("template missing after sync")
	}
	if second.ID != first.ID {
		t.Errorf("re-sync must keep the row id, got %s then %s", first.ID, second.ID)
	}
	if second.PromptTemplate != "v2" {
		t.Errorf("re-sync must update fields, got %q", second.PromptTemplate)
	}

	all, err := store.ListTemplates(ctx)
	if err != nil || len(all) != 1 {
		t.Errorf("expected a single row after upsert, got %d err=%v", len(all), err)
	}
}

func TestSyncFromEnvDisabled(t *testing.T) {
	s, _ := newTestSyncer(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tpl.yaml"), "name: x\npromptTemplate: y\n")

	t.Setenv(EnvDir, dir)
	t.Setenv(EnvDisable, "1")

	n, err := s.SyncFromEnv(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("disabled sync must be a no-op, got n=%d err=%v", n, err)
	}
}

func TestSyncMissingDirIsNoop(t *testing.T) {
	t.Parallel()
	s, _ := newTestSyncer(t)

	n, err := s.Sync(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if err != nil || n != 0 {
		t.Fatalf("missing dir must be a no-op, got n=%d err=%v", n, err)
	}
}
