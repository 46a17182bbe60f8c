package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/task-mcp/internal/bus"
)

// maxGraphVisits bounds cycle-check traversals. A well-formed store never
// comes close; hitting it means a prior bug let a cycle through.
const maxGraphVisits = 10_000

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `
	id, title, description, status, priority, parent_task_id,
	tags, blocker_reason, file_references, created_by,
	workspace_path, git_root, cwd_at_creation, project_name,
	created_at, updated_at, completed_at, deleted_at`

func scanTask(scanFn func(dest ...any) error, t *Task) error {
	var (
		parentID    sql.NullInt64
		tagsJSON    string
		refsJSON    string
		completedAt sql.NullTime
		deletedAt   sql.NullTime
	)
	if err := scanFn(
		&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &parentID,
		&tagsJSON, &t.BlockerReason, &refsJSON, &t.CreatedBy,
		&t.Workspace.WorkspacePath, &t.Workspace.GitRoot, &t.Workspace.CWD, &t.Workspace.ProjectName,
		&t.CreatedAt, &t.UpdatedAt, &completedAt, &deletedAt,
	); err != nil {
		return err
	}
	if parentID.Valid {
		t.ParentTaskID = &parentID.Int64
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	if deletedAt.Valid {
		ts := deletedAt.Time
		t.DeletedAt = &ts
	}
	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(refsJSON), &t.FileReferences); err != nil {
		return fmt.Errorf("decode file_references: %w", err)
	}
	return nil
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode string list: %w", err)
	}
	return string(b), nil
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if len(title) > maxTitleLen {
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("longer than %d characters", maxTitleLen)}
	}
	return nil
}

func validateDescription(desc string) error {
	if len(desc) > maxDescriptionLen {
		return &ValidationError{Field: "description", Reason: fmt.Sprintf("longer than %d characters", maxDescriptionLen)}
	}
	return nil
}

func validateTags(tags []string) error {
	for _, tag := range tags {
		if strings.TrimSpace(tag) == "" {
			return &ValidationError{Field: "tags", Reason: "empty tag"}
		}
		if len(tag) > maxTagLen {
			return &ValidationError{Field: "tags", Reason: fmt.Sprintf("tag longer than %d characters", maxTagLen)}
		}
	}
	return nil
}

// CreateTask validates fields, captures the workspace context, and persists
// the task in a single transaction. It returns the stored task.
func (s *Store) CreateTask(ctx context.Context, params CreateTaskParams) (*Task, error) {
	if params.Status == "" {
		params.Status = StatusTodo
	}
	if params.Priority == "" {
		params.Priority = PriorityMedium
	}
	if err := validateTitle(params.Title); err != nil {
		return nil, err
	}
	if err := validateDescription(params.Description); err != nil {
		return nil, err
	}
	if err := validateTags(params.Tags); err != nil {
		return nil, err
	}
	if !params.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", params.Status)}
	}
	if !params.Priority.Valid() {
		return nil, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown value %q", params.Priority)}
	}
	if params.Status == StatusBlocked && strings.TrimSpace(params.BlockerReason) == "" {
		return nil, &ValidationError{Field: "blocker_reason", Reason: "required when status is blocked"}
	}
	if params.Status != StatusBlocked && params.BlockerReason != "" {
		return nil, &ValidationError{Field: "blocker_reason", Reason: "only allowed when status is blocked"}
	}

	deps := dedupeIDs(params.DependsOn)

	var created *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if params.ParentTaskID != nil {
			if err := taskExistsTx(ctx, tx, *params.ParentTaskID); err != nil {
				return err
			}
		}
		for _, dep := range deps {
			if err := taskExistsTx(ctx, tx, dep); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		var completedAt *time.Time
		if params.Status == StatusDone {
			completedAt = &now
		}
		tagsJSON, err := marshalStrings(params.Tags)
		if err != nil {
			return err
		}
		refsJSON, err := marshalStrings(params.FileReferences)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				title, description, status, priority, parent_task_id,
				tags, blocker_reason, file_references, created_by,
				workspace_path, git_root, cwd_at_creation, project_name,
				created_at, updated_at, completed_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			params.Title, params.Description, params.Status, params.Priority, params.ParentTaskID,
			tagsJSON, params.BlockerReason, refsJSON, params.CreatedBy,
			s.ws.WorkspacePath, s.ws.GitRoot, s.ws.CWD, s.ws.ProjectName,
			now, now, completedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task insert id: %w", err)
		}
		if err := replaceDepsTx(ctx, tx, id, deps); err != nil {
			return err
		}

		task, err := getTaskTx(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create task tx: %w", err)
		}
		created = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicTaskCreated, bus.TaskEvent{
		TaskID:        created.ID,
		WorkspacePath: created.Workspace.WorkspacePath,
		Status:        string(created.Status),
	})
	if s.metrics != nil {
		s.metrics.TasksCreated.Add(ctx, 1)
		if created.Status == StatusDone {
			s.metrics.TasksCompleted.Add(ctx, 1)
		}
	}
	return created, nil
}

// GetTask returns the task by id. Soft-deleted tasks report ErrNotFound;
// use GetTaskAny for audit and history reads.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	return getTaskTx(ctx, s.db, id, false)
}

// GetTaskAny returns the task by id regardless of soft-delete state.
func (s *Store) GetTaskAny(ctx context.Context, id int64) (*Task, error) {
	return getTaskTx(ctx, s.db, id, true)
}

func getTaskTx(ctx context.Context, q queryer, id int64, includeDeleted bool) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	var t Task
	if err := scanTask(q.QueryRowContext(ctx, query+`;`, id).Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	deps, err := taskDepsTx(ctx, q, id)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return &t, nil
}

func taskDepsTx(ctx context.Context, q queryer, id int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT depends_on_id FROM task_deps WHERE task_id = ? ORDER BY position ASC;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query task deps: %w", err)
	}
	defer rows.Close()

	var deps []int64
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan task dep: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func taskExistsTx(ctx context.Context, q queryer, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ? AND deleted_at IS NULL;`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check task %d: %w", id, err)
	}
	return nil
}

func replaceDepsTx(ctx context.Context, tx *sql.Tx, id int64, deps []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id = ?;`, id); err != nil {
		return fmt.Errorf("clear task deps: %w", err)
	}
	for pos, dep := range deps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_deps (task_id, depends_on_id, position) VALUES (?, ?, ?);
		`, id, dep, pos); err != nil {
			return fmt.Errorf("insert task dep %d -> %d: %w", id, dep, err)
		}
	}
	return nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// dependencyAdjacencyTx loads the depends_on edges of all non-deleted tasks.
func dependencyAdjacencyTx(ctx context.Context, q queryer) (map[int64][]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT d.task_id, d.depends_on_id
		FROM task_deps d
		JOIN tasks t ON t.id = d.task_id AND t.deleted_at IS NULL
		JOIN tasks o ON o.id = d.depends_on_id AND o.deleted_at IS NULL;
	`)
	if err != nil {
		return nil, fmt.Errorf("query dependency edges: %w", err)
	}
	defer rows.Close()

	adjacency := make(map[int64][]int64)
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan dependency edge: %w", err)
		}
		adjacency[from] = append(adjacency[from], to)
	}
	return adjacency, rows.Err()
}

// DependencyEdges returns the depends_on adjacency restricted to non-deleted
// tasks, addressed by id.
func (s *Store) DependencyEdges(ctx context.Context) (map[int64][]int64, error) {
	return dependencyAdjacencyTx(ctx, s.db)
}

// reachable walks adjacency from start looking for target, with an explicit
// visited set and a visit cap so a corrupted graph surfaces as a
// ConsistencyError instead of looping.
func reachable(adjacency map[int64][]int64, start, target int64, op string) (bool, error) {
	visited := make(map[int64]struct{})
	stack := []int64{start}
	visits := 0
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == target {
			return true, nil
		}
		if _, ok := visited[node]; ok {
			continue
		}
		visited[node] = struct{}{}
		visits++
		if visits > maxGraphVisits {
			return false, &ConsistencyError{Op: op, Detail: fmt.Sprintf("traversal exceeded %d visited nodes", maxGraphVisits)}
		}
		stack = append(stack, adjacency[node]...)
	}
	return false, nil
}

// checkDependencyEdgesTx rejects any new edge id -> dep that would close a
// cycle: dep must not reach id through existing depends_on edges.
func checkDependencyEdgesTx(ctx context.Context, q queryer, id int64, deps []int64) error {
	for _, dep := range deps {
		if dep == id {
			return &CycleError{TaskID: id, EdgeID: dep, Kind: "depends_on"}
		}
	}
	adjacency, err := dependencyAdjacencyTx(ctx, q)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		hit, err := reachable(adjacency, dep, id, "check depends_on edge")
		if err != nil {
			return err
		}
		if hit {
			return &CycleError{TaskID: id, EdgeID: dep, Kind: "depends_on"}
		}
	}
	return nil
}

// checkParentEdgeTx rejects reparenting id under candidate when candidate is
// id itself or a descendant of id.
func checkParentEdgeTx(ctx context.Context, q queryer, id, candidate int64) error {
	if candidate == id {
		return &CycleError{TaskID: id, EdgeID: candidate, Kind: "parent_task_id"}
	}
	// Walk up from candidate through parent links; reaching id means
	// candidate already sits inside id's subtree.
	current := candidate
	visits := 0
	for {
		var parent sql.NullInt64
		err := q.QueryRowContext(ctx, `
			SELECT parent_task_id FROM tasks WHERE id = ? AND deleted_at IS NULL;
		`, current).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("walk parent chain at %d: %w", current, err)
		}
		if !parent.Valid {
			return nil
		}
		if parent.Int64 == id {
			return &CycleError{TaskID: id, EdgeID: candidate, Kind: "parent_task_id"}
		}
		current = parent.Int64
		visits++
		if visits > maxGraphVisits {
			return &ConsistencyError{Op: "check parent edge", Detail: fmt.Sprintf("parent chain exceeded %d links", maxGraphVisits)}
		}
	}
}

// CheckDependencyEdge reports whether adding id -> dep would violate the
// acyclicity invariant. Read-only; UpdateTask re-runs the same check inside
// its transaction.
func (s *Store) CheckDependencyEdge(ctx context.Context, id, dep int64) error {
	if err := taskExistsTx(ctx, s.db, id); err != nil {
		return err
	}
	if err := taskExistsTx(ctx, s.db, dep); err != nil {
		return err
	}
	return checkDependencyEdgesTx(ctx, s.db, id, []int64{dep})
}

// CheckParentEdge reports whether reassigning id's parent to candidate would
// violate the forest invariant.
func (s *Store) CheckParentEdge(ctx context.Context, id, candidate int64) error {
	if err := taskExistsTx(ctx, s.db, id); err != nil {
		return err
	}
	if err := taskExistsTx(ctx, s.db, candidate); err != nil {
		return err
	}
	return checkParentEdgeTx(ctx, s.db, id, candidate)
}

// UpdateTask applies patch atomically. A failed validation leaves the store
// unchanged. Workspace-context fields are immutable and not patchable.
func (s *Store) UpdateTask(ctx context.Context, id int64, patch TaskPatch) (*Task, error) {
	var updated *Task
	var becameDone bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := getTaskTx(ctx, tx, id, false)
		if err != nil {
			return err
		}

		next := *current
		if patch.Title != nil {
			next.Title = *patch.Title
		}
		if patch.Description != nil {
			next.Description = *patch.Description
		}
		if patch.Status != nil {
			next.Status = *patch.Status
		}
		if patch.Priority != nil {
			next.Priority = *patch.Priority
		}
		if patch.BlockerReason != nil {
			next.BlockerReason = *patch.BlockerReason
		}
		if patch.Tags != nil {
			next.Tags = *patch.Tags
		}
		if patch.FileReferences != nil {
			next.FileReferences = *patch.FileReferences
		}

		if err := validateTitle(next.Title); err != nil {
			return err
		}
		if err := validateDescription(next.Description); err != nil {
			return err
		}
		if err := validateTags(next.Tags); err != nil {
			return err
		}
		if !next.Status.Valid() {
			return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", next.Status)}
		}
		if !next.Priority.Valid() {
			return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown value %q", next.Priority)}
		}
		if next.Status == StatusBlocked && strings.TrimSpace(next.BlockerReason) == "" {
			return &ValidationError{Field: "blocker_reason", Reason: "required when status is blocked"}
		}
		if next.Status != StatusBlocked {
			if patch.BlockerReason != nil && *patch.BlockerReason != "" {
				return &ValidationError{Field: "blocker_reason", Reason: "only allowed when status is blocked"}
			}
			next.BlockerReason = ""
		}

		// Parent edge.
		parentID := current.ParentTaskID
		switch {
		case patch.ClearParent:
			parentID = nil
		case patch.ParentTaskID != nil:
			candidate := *patch.ParentTaskID
			if err := taskExistsTx(ctx, tx, candidate); err != nil {
				return err
			}
			if err := checkParentEdgeTx(ctx, tx, id, candidate); err != nil {
				return err
			}
			parentID = &candidate
		}

		// Dependency edges.
		deps := current.DependsOn
		if patch.DependsOn != nil {
			deps = dedupeIDs(*patch.DependsOn)
			for _, dep := range deps {
				if dep == id {
					return &CycleError{TaskID: id, EdgeID: dep, Kind: "depends_on"}
				}
				if err := taskExistsTx(ctx, tx, dep); err != nil {
					return err
				}
			}
			if err := checkDependencyEdgesTx(ctx, tx, id, deps); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		completedAt := current.CompletedAt
		if next.Status == StatusDone && current.Status != StatusDone {
			completedAt = &now
			becameDone = true
		}
		if next.Status != StatusDone {
			completedAt = nil
		}

		tagsJSON, err := marshalStrings(next.Tags)
		if err != nil {
			return err
		}
		refsJSON, err := marshalStrings(next.FileReferences)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET title = ?, description = ?, status = ?, priority = ?,
				parent_task_id = ?, tags = ?, blocker_reason = ?,
				file_references = ?, updated_at = ?, completed_at = ?
			WHERE id = ? AND deleted_at IS NULL;
		`,
			next.Title, next.Description, next.Status, next.Priority,
			parentID, tagsJSON, next.BlockerReason,
			refsJSON, now, completedAt, id,
		); err != nil {
			return fmt.Errorf("update task %d: %w", id, err)
		}
		if patch.DependsOn != nil {
			if err := replaceDepsTx(ctx, tx, id, deps); err != nil {
				return err
			}
		}

		task, err := getTaskTx(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update task tx: %w", err)
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicTaskUpdated, bus.TaskEvent{
		TaskID:        updated.ID,
		WorkspacePath: updated.Workspace.WorkspacePath,
		Status:        string(updated.Status),
	})
	if becameDone {
		s.publish(bus.TopicTaskCompleted, bus.TaskEvent{
			TaskID:        updated.ID,
			WorkspacePath: updated.Workspace.WorkspacePath,
			Status:        string(updated.Status),
		})
		if s.metrics != nil {
			s.metrics.TasksCompleted.Add(ctx, 1)
		}
	}
	return updated, nil
}

// SoftDeleteTask marks the task inert. The record stays queryable for audit
// and history but is excluded from resolver computations.
func (s *Store) SoftDeleteTask(ctx context.Context, id int64) error {
	var ws string
	err := retryOnBusy(ctx, 5, func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL;
		`, now, now, id)
		if err != nil {
			return fmt.Errorf("soft delete task %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("soft delete rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		ws = s.ws.WorkspacePath
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTaskSoftDeleted, bus.TaskEvent{TaskID: id, WorkspacePath: ws})
	if s.metrics != nil {
		s.metrics.TasksSoftDeleted.Add(ctx, 1)
	}
	return nil
}

// ActiveTasks returns every non-deleted task with its dependency list, for
// whole-graph computations. Workspace stores are small; this is the arena
// the resolver walks by id.
func (s *Store) ActiveTasks(ctx context.Context) ([]Task, error) {
	return s.AllTasks(ctx, false)
}

// AllTasks returns every task, optionally including soft-deleted records for
// audit scans.
func (s *Store) AllTasks(ctx context.Context, includeDeleted bool) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY id ASC;`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("active tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan active task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active task rows: %w", err)
	}
	for i := range out {
		deps, err := taskDepsTx(ctx, s.db, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].DependsOn = deps
	}
	return out, nil
}

// ListTasks returns tasks matching filter, ordered by priority descending
// then created_at ascending, with limit/offset pagination.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, filter.Priority)
	}
	if filter.ParentTaskID != nil {
		query += ` AND parent_task_id = ?`
		args = append(args, *filter.ParentTaskID)
	}
	if filter.Tag != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(tasks.tags) WHERE json_each.value = ?)`
		args = append(args, filter.Tag)
	}
	query += `
		ORDER BY CASE priority WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END DESC,
			created_at ASC, id ASC
		LIMIT ? OFFSET ?;`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	for i := range out {
		deps, err := taskDepsTx(ctx, s.db, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].DependsOn = deps
	}
	return out, nil
}
