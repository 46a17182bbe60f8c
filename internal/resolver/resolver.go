// Package resolver implements the graph logic over depends_on and
// parent_task_id edges: readiness computation, blocked-task classification,
// cycle rejection, and task-tree assembly. All traversals walk integer ids
// over a flat map with explicit visited sets and bounded depth, so a graph
// corrupted past the store's validation surfaces as a ConsistencyError
// instead of an infinite loop.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/basket/task-mcp/internal/otel"
	"github.com/basket/task-mcp/internal/store"
)

// maxTreeDepth bounds task_tree recursion. Legitimate trees are shallow;
// exceeding this means the parent forest invariant was violated.
const maxTreeDepth = 100

// Resolver computes scheduling and structure queries over a single
// workspace store.
type Resolver struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *otel.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMetrics attaches metric instruments; resolution timings are recorded
// best-effort.
func WithMetrics(m *otel.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// New creates a Resolver over s. A nil logger defaults to slog.Default().
func New(s *store.Store, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{store: s, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// observe records one resolution's duration when metrics are attached.
func (r *Resolver) observe(ctx context.Context, start time.Time) {
	if r.metrics != nil {
		r.metrics.ResolveDuration.Record(ctx, time.Since(start).Seconds())
	}
}

// BlockedCause tags why a task is reported by BlockedTasks.
type BlockedCause string

const (
	// BlockedExplicit: the task's status is blocked.
	BlockedExplicit BlockedCause = "explicit"
	// BlockedByDependency: the task is todo with at least one dependency
	// not yet done.
	BlockedByDependency BlockedCause = "dependency"
)

// BlockedTask is one entry of the BlockedTasks report.
type BlockedTask struct {
	Task          store.Task   `json:"task"`
	Cause         BlockedCause `json:"cause"`
	BlockerReason string       `json:"blocker_reason,omitempty"`
	WaitingOn     []int64      `json:"waiting_on,omitempty"`
}

// TreeNode is a task with its recursively assembled subtasks.
type TreeNode struct {
	Task     store.Task  `json:"task"`
	Subtasks []*TreeNode `json:"subtasks,omitempty"`
}

func sortSchedulingOrder(tasks []store.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// NextActionable returns todo tasks whose every dependency is done, ordered
// by priority descending then created_at ascending. Dependencies are checked
// one level deep; that is the readiness semantics, not a full topological
// sort. Dependencies on soft-deleted tasks are excluded from consideration.
func (r *Resolver) NextActionable(ctx context.Context, limit int) ([]store.Task, error) {
	defer r.observe(ctx, time.Now())
	tasks, err := r.store.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*store.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	var ready []store.Task
	for _, t := range tasks {
		if t.Status != store.StatusTodo {
			continue
		}
		satisfied := true
		for _, dep := range t.DependsOn {
			other, ok := byID[dep]
			if !ok {
				// Soft-deleted dependency; excluded from resolution.
				continue
			}
			if other.Status != store.StatusDone {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, t)
		}
	}
	sortSchedulingOrder(ready)
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

// BlockedTasks reports explicitly blocked tasks and todo tasks held back by
// unresolved dependencies, each tagged by cause. The two categories are
// disjoint.
func (r *Resolver) BlockedTasks(ctx context.Context) ([]BlockedTask, error) {
	defer r.observe(ctx, time.Now())
	tasks, err := r.store.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*store.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	ordered := make([]store.Task, len(tasks))
	copy(ordered, tasks)
	sortSchedulingOrder(ordered)

	var out []BlockedTask
	for _, t := range ordered {
		switch t.Status {
		case store.StatusBlocked:
			out = append(out, BlockedTask{
				Task:          t,
				Cause:         BlockedExplicit,
				BlockerReason: t.BlockerReason,
			})
		case store.StatusTodo:
			var waiting []int64
			for _, dep := range t.DependsOn {
				other, ok := byID[dep]
				if !ok {
					continue
				}
				if other.Status != store.StatusDone {
					waiting = append(waiting, dep)
				}
			}
			if len(waiting) > 0 {
				out = append(out, BlockedTask{
					Task:      t,
					Cause:     BlockedByDependency,
					WaitingOn: waiting,
				})
			}
		}
	}
	return out, nil
}

// ValidateDependencyEdge rejects a depends_on addition that would close a
// cycle. The store re-runs the same check inside its update transaction;
// this read-only form lets callers validate before mutating.
func (r *Resolver) ValidateDependencyEdge(ctx context.Context, taskID, candidateDependencyID int64) error {
	return r.store.CheckDependencyEdge(ctx, taskID, candidateDependencyID)
}

// ValidateParentEdge rejects a parent reassignment that would break the
// forest invariant: the candidate must not be the task itself or one of its
// descendants.
func (r *Resolver) ValidateParentEdge(ctx context.Context, taskID, candidateParentID int64) error {
	return r.store.CheckParentEdge(ctx, taskID, candidateParentID)
}

// TaskTree assembles the subtask tree rooted at rootID over parent_task_id
// edges. Depth is bounded; exceeding the guard reports a ConsistencyError
// rather than recursing forever on a corrupted forest.
func (r *Resolver) TaskTree(ctx context.Context, rootID int64) (*TreeNode, error) {
	defer r.observe(ctx, time.Now())
	root, err := r.store.GetTask(ctx, rootID)
	if err != nil {
		return nil, err
	}
	tasks, err := r.store.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	children := make(map[int64][]store.Task)
	for _, t := range tasks {
		if t.ParentTaskID != nil {
			children[*t.ParentTaskID] = append(children[*t.ParentTaskID], t)
		}
	}
	for id := range children {
		sortSchedulingOrder(children[id])
	}

	visited := make(map[int64]struct{})
	node, err := buildTree(*root, children, visited, 0)
	if err != nil {
		r.logger.Error("task tree assembly hit consistency guard", "root_id", rootID, "error", err)
		return nil, err
	}
	return node, nil
}

func buildTree(task store.Task, children map[int64][]store.Task, visited map[int64]struct{}, depth int) (*TreeNode, error) {
	if depth > maxTreeDepth {
		return nil, &store.ConsistencyError{Op: "task tree", Detail: fmt.Sprintf("depth exceeded %d at task %d", maxTreeDepth, task.ID)}
	}
	if _, ok := visited[task.ID]; ok {
		return nil, &store.ConsistencyError{Op: "task tree", Detail: fmt.Sprintf("task %d visited twice; parent links form a cycle", task.ID)}
	}
	visited[task.ID] = struct{}{}

	node := &TreeNode{Task: task}
	for _, child := range children[task.ID] {
		sub, err := buildTree(child, children, visited, depth+1)
		if err != nil {
			return nil, err
		}
		node.Subtasks = append(node.Subtasks, sub)
	}
	return node, nil
}
