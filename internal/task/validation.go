package task

import (
	camerrors "github.com/camctl/cam/internal/errors"
)

// NormalizeDependsOn applies set semantics to a dependency list: order is
// preserved, duplicates are dropped, and self references are rejected.
func NormalizeDependsOn(taskID string, deps []string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(deps))
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		if dep == "" {
			return nil, camerrors.InvalidInput("dependsOn contains an empty id")
		}
		if dep == taskID {
			return nil, camerrors.InvalidInput("task %s cannot depend on itself", taskID)
		}
		if seen[dep] {
			continue
		}
		seen[dep] = true
		out = append(out, dep)
	}
	return out, nil
}

// ClampMaxRetries bounds a retry budget to [0, MaxRetriesCeiling].
func ClampMaxRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetriesCeiling {
		return MaxRetriesCeiling
	}
	return n
}

// Validate checks the task's structural invariants before it is stored.
func (t *Task) Validate() error {
	if t.ID == "" {
		return camerrors.InvalidInput("task id is required")
	}
	if t.Title == "" {
		return camerrors.InvalidInput("task title is required")
	}
	if !IsValidStatus(t.Status) {
		return camerrors.InvalidInput("invalid task status %q", t.Status)
	}
	if !IsValidSource(t.Source) {
		return camerrors.InvalidInput("invalid task source %q", t.Source)
	}
	deps, err := NormalizeDependsOn(t.ID, t.DependsOn)
	if err != nil {
		return err
	}
	t.DependsOn = deps
	t.MaxRetries = ClampMaxRetries(t.MaxRetries)
	return nil
}
