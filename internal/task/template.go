package task

import (
	camerrors "github.com/camctl/cam/internal/errors"
)

// Template defines a reusable task or pipeline blueprint. Presence of
// PipelineSteps makes it a pipeline template.
type Template struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	TitleTemplate  string         `json:"titleTemplate"`
	PromptTemplate string         `json:"promptTemplate"`
	// DefaultAgentID is used when neither a node nor a step names an agent.
	DefaultAgentID string         `json:"defaultAgentId,omitempty"`
	MaxRetries     *int           `json:"maxRetries,omitempty"`
	PipelineSteps  []PipelineStep `json:"pipelineSteps,omitempty"`
	BuiltIn        bool           `json:"builtIn,omitempty"`
}

// PipelineStep is one ordered step of a pipeline template.
type PipelineStep struct {
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	AgentDefinitionID string         `json:"agentDefinitionId,omitempty"`
	InputFiles        []string       `json:"inputFiles,omitempty"`
	InputCondition    string         `json:"inputCondition,omitempty"`
	ParallelAgents    []ParallelNode `json:"parallelAgents,omitempty"`
}

// ParallelNode is one fan-out node within a step. Nodes of the same step
// run as mutual siblings; the next step depends on all of them.
type ParallelNode struct {
	Title             string `json:"title,omitempty"`
	Prompt            string `json:"prompt,omitempty"`
	AgentDefinitionID string `json:"agentDefinitionId,omitempty"`
}

// IsPipeline reports whether the template expands to a task DAG.
func (t *Template) IsPipeline() bool {
	return len(t.PipelineSteps) > 0
}

// Validate checks the template's structural invariants.
func (t *Template) Validate() error {
	if t.Name == "" {
		return camerrors.InvalidInput("template name is required")
	}
	if t.MaxRetries != nil && (*t.MaxRetries < 0 || *t.MaxRetries > MaxRetriesCeiling) {
		return camerrors.InvalidInput("maxRetries must be in [0,%d], got %d", MaxRetriesCeiling, *t.MaxRetries)
	}
	if t.IsPipeline() && len(t.PipelineSteps) < 2 {
		return camerrors.InvalidInput("pipeline template requires at least 2 steps, got %d", len(t.PipelineSteps))
	}
	return nil
}
