package task

// AgentDefinition is the executable contract for a coding agent.
type AgentDefinition struct {
	ID              string            `json:"id"`
	DisplayName     string            `json:"displayName"`
	DockerImage     string            `json:"dockerImage"`
	Command         string            `json:"command"`
	Args            []string          `json:"args"`
	RequiredEnvVars []RequiredEnvVar  `json:"requiredEnvVars"`
	Capabilities    AgentCapabilities `json:"capabilities"`
	Runtime         Runtime           `json:"runtime"`
}

// RequiredEnvVar describes one environment variable an agent needs.
type RequiredEnvVar struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Sensitive   bool   `json:"sensitive"`
}

// AgentCapabilities advertises what an agent binary can do.
type AgentCapabilities struct {
	NonInteractive bool `json:"nonInteractive"`
	AutoGitCommit  bool `json:"autoGitCommit"`
	OutputSummary  bool `json:"outputSummary"`
	PromptFromFile bool `json:"promptFromFile"`
}

// RequiredNames returns the names of env vars marked required.
func (a *AgentDefinition) RequiredNames() []string {
	var names []string
	for _, v := range a.RequiredEnvVars {
		if v.Required {
			names = append(names, v.Name)
		}
	}
	return names
}
