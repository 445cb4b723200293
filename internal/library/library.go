// Package library syncs built-in templates from a directory of yaml
// files into the store. The directory is pointed at by
// CAM_VIBECODING_DIR; CAM_DISABLE_VIBECODING_SYNC=1 turns the sync off.
package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/camctl/cam/internal/db"
	"github.com/camctl/cam/internal/task"
)

const (
	// EnvDir points at the template source directory.
	EnvDir = "CAM_VIBECODING_DIR"
	// EnvDisable turns the sync off when set to "1".
	EnvDisable = "CAM_DISABLE_VIBECODING_SYNC"
)

// templateFile is the yaml shape of one library template.
type templateFile struct {
	Name           string     `yaml:"name"`
	TitleTemplate  string     `yaml:"titleTemplate"`
	PromptTemplate string     `yaml:"promptTemplate"`
	DefaultAgentID string     `yaml:"defaultAgentId"`
	MaxRetries     *int       `yaml:"maxRetries"`
	PipelineSteps  []stepFile `yaml:"pipelineSteps"`
}

type stepFile struct {
	Title             string     `yaml:"title"`
	Description       string     `yaml:"description"`
	AgentDefinitionID string     `yaml:"agentDefinitionId"`
	InputFiles        []string   `yaml:"inputFiles"`
	InputCondition    string     `yaml:"inputCondition"`
	ParallelAgents    []nodeFile `yaml:"parallelAgents"`
}

type nodeFile struct {
	Title             string `yaml:"title"`
	Prompt            string `yaml:"prompt"`
	AgentDefinitionID string `yaml:"agentDefinitionId"`
}

// Syncer upserts library templates at startup.
type Syncer struct {
	store  *db.Store
	logger *slog.Logger
}

// New creates a syncer.
func New(store *db.Store, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{store: store, logger: logger}
}

// SyncFromEnv syncs from CAM_VIBECODING_DIR if configured and enabled.
// Returns the number of templates upserted; a missing or unset dir is
// not an error.
func (s *Syncer) SyncFromEnv(ctx context.Context) (int, error) {
	if os.Getenv(EnvDisable) == "1" {
		s.logger.Debug("library sync disabled")
		return 0, nil
	}
	dir := os.Getenv(EnvDir)
	if dir == "" {
		return 0, nil
	}
	return s.Sync(ctx, dir)
}

// Sync upserts every template yaml under dir (recursively). Files that
// fail to parse or validate are skipped with a warning; one bad file
// never blocks the rest.
func (s *Syncer) Sync(ctx context.Context, dir string) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		s.logger.Warn("library dir does not exist", "dir", dir)
		return 0, nil
	}

	matches, err := doublestar.FilepathGlob(filepath.Join(dir, "**", "*.{yaml,yml}"))
	if err != nil {
		return 0, fmt.Errorf("scan library dir: %w", err)
	}

	synced := 0
	for _, path := range matches {
		tpl, err := loadTemplate(path)
		if err != nil {
			s.logger.Warn("skip library template", "path", path, "error", err)
			continue
		}
		if err := s.upsert(ctx, tpl); err != nil {
			s.logger.Warn("upsert library template", "name", tpl.Name, "error", err)
			continue
		}
		synced++
	}
	if synced > 0 {
		s.logger.Info("library templates synced", "dir", dir, "count", synced)
	}
	return synced, nil
}

// upsert keeps the existing row id so references survive re-syncs.
func (s *Syncer) upsert(ctx context.Context, tpl *task.Template) error {
	existing, err := s.store.GetTemplateByName(ctx, tpl.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		tpl.ID = existing.ID
	}
	return s.store.SaveTemplate(ctx, tpl)
}

func loadTemplate(path string) (*task.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if file.Name == "" {
		// Fall back to the file name, matching how the templates are
		// usually organized.
		base := filepath.Base(path)
		file.Name = base[:len(base)-len(filepath.Ext(base))]
	}

	tpl := &task.Template{
		ID:             "tpl-" + file.Name,
		Name:           file.Name,
		TitleTemplate:  file.TitleTemplate,
		PromptTemplate: file.PromptTemplate,
		DefaultAgentID: file.DefaultAgentID,
		MaxRetries:     file.MaxRetries,
		BuiltIn:        true,
	}
	for _, step := range file.PipelineSteps {
		out := task.PipelineStep{
			Title:             step.Title,
			Description:       step.Description,
			AgentDefinitionID: step.AgentDefinitionID,
			InputFiles:        step.InputFiles,
			InputCondition:    step.InputCondition,
		}
		for _, node := range step.ParallelAgents {
			out.ParallelAgents = append(out.ParallelAgents, task.ParallelNode{
				Title:             node.Title,
				Prompt:            node.Prompt,
				AgentDefinitionID: node.AgentDefinitionID,
			})
		}
		tpl.PipelineSteps = append(tpl.PipelineSteps, out)
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return tpl, nil
}
