package task

import (
	"github.com/google/uuid"
)

// NewTaskID returns a new opaque task id.
func NewTaskID() string {
	return "task-" + uuid.NewString()
}

// NewGroupID returns a correlator for tasks spawned together.
func NewGroupID() string {
	return "group-" + uuid.NewString()
}

// NewPipelineGroupID returns the group correlator for a pipeline expansion.
func NewPipelineGroupID() string {
	return "pipeline/" + uuid.NewString()
}
