package bus

// Task and entity event topics.
const (
	TopicTaskCreated     = "task.created"
	TopicTaskUpdated     = "task.updated"
	TopicTaskCompleted   = "task.completed"
	TopicTaskSoftDeleted = "task.soft_deleted"
	TopicEntityCreated   = "entity.created"
	TopicEntityLinked    = "entity.linked"
	TopicEntityUnlinked  = "entity.unlinked"
	TopicAuditCompleted  = "audit.completed"
)

// TaskEvent is published when a task is created, updated, or soft-deleted.
type TaskEvent struct {
	TaskID        int64  // Task ID
	WorkspacePath string // Owning workspace
	Status        string // Status after the mutation
}

// EntityEvent is published when an entity is created.
type EntityEvent struct {
	EntityID      int64  // Entity ID
	WorkspacePath string // Owning workspace
	EntityType    string // file or other
}

// LinkEvent is published when a task/entity link is added or removed.
type LinkEvent struct {
	TaskID   int64 // Task side of the junction row
	EntityID int64 // Entity side of the junction row
}

// AuditEvent is published when a workspace integrity audit completes.
type AuditEvent struct {
	ReportID           string // Audit report ID
	WorkspacePath      string // Audited workspace
	ContaminationFound bool   // Whether any heuristic fired
	FindingCount       int    // Total findings across all heuristics
}
