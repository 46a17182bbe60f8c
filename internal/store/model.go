package store

import (
	"time"

	"github.com/basket/task-mcp/internal/workspace"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Priority is the scheduling weight of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Rank maps a priority to its scheduling weight; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// EntityType categorizes an entity record.
type EntityType string

const (
	EntityTypeFile  EntityType = "file"
	EntityTypeOther EntityType = "other"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityTypeFile || t == EntityTypeOther
}

// Task is a single work item. Workspace-context fields are captured once at
// creation and never altered by updates.
type Task struct {
	ID             int64             `json:"id"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Status         Status            `json:"status"`
	Priority       Priority          `json:"priority"`
	ParentTaskID   *int64            `json:"parent_task_id,omitempty"`
	DependsOn      []int64           `json:"depends_on,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	BlockerReason  string            `json:"blocker_reason,omitempty"`
	FileReferences []string          `json:"file_references,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
	Workspace      workspace.Context `json:"workspace"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"`
}

// Deleted reports whether the task has been soft-deleted.
func (t *Task) Deleted() bool {
	return t.DeletedAt != nil
}

// Entity is a typed record that tasks link to.
type Entity struct {
	ID          int64             `json:"id"`
	EntityType  EntityType        `json:"entity_type"`
	Name        string            `json:"name"`
	Identifier  string            `json:"identifier,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    []byte            `json:"metadata,omitempty"` // opaque JSON blob, schema owned by the caller
	Tags        []string          `json:"tags,omitempty"`
	CreatedBy   string            `json:"created_by,omitempty"`
	Workspace   workspace.Context `json:"workspace"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	DeletedAt   *time.Time        `json:"deleted_at,omitempty"`
}

// Deleted reports whether the entity has been soft-deleted.
func (e *Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// CreateTaskParams are the caller-supplied fields for CreateTask.
// Workspace context is captured by the store, not supplied here.
type CreateTaskParams struct {
	Title          string
	Description    string
	Status         Status   // defaults to todo
	Priority       Priority // defaults to medium
	ParentTaskID   *int64
	DependsOn      []int64
	Tags           []string
	BlockerReason  string
	FileReferences []string
	CreatedBy      string
}

// TaskPatch is a partial update for UpdateTask. Nil fields are unchanged.
// ClearParent detaches the task from its parent regardless of ParentTaskID.
type TaskPatch struct {
	Title          *string
	Description    *string
	Status         *Status
	Priority       *Priority
	BlockerReason  *string
	ParentTaskID   *int64
	ClearParent    bool
	DependsOn      *[]int64 // replaces the whole ordered set
	Tags           *[]string
	FileReferences *[]string
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status         Status
	Priority       Priority
	ParentTaskID   *int64
	Tag            string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// CreateEntityParams are the caller-supplied fields for CreateEntity.
type CreateEntityParams struct {
	EntityType  EntityType
	Name        string
	Identifier  string
	Description string
	Metadata    []byte
	Tags        []string
	CreatedBy   string
}

// EntityPatch is a partial update for UpdateEntity. Nil fields are unchanged.
type EntityPatch struct {
	Name        *string
	Identifier  *string
	Description *string
	Metadata    *[]byte
	Tags        *[]string
}

// EntityFilter narrows ListEntities and TasksForEntity-style queries.
type EntityFilter struct {
	EntityType     EntityType
	Tag            string
	IncludeDeleted bool
	Limit          int
	Offset         int
}
