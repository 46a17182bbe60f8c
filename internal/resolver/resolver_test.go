package resolver_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/task-mcp/internal/resolver"
	"github.com/basket/task-mcp/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "tasks.db"), dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *store.Store, params store.CreateTaskParams) *store.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), params)
	if err != nil {
		t.Fatalf("create task %q: %v", params.Title, err)
	}
	return task
}

func markDone(t *testing.T, s *store.Store, id int64) {
	t.Helper()
	done := store.StatusDone
	if _, err := s.UpdateTask(context.Background(), id, store.TaskPatch{Status: &done}); err != nil {
		t.Fatalf("mark task %d done: %v", id, err)
	}
}

func TestNextActionable_DependencyReadiness(t *testing.T) {
	s := openTestStore(t)
	r := resolver.New(s, nil)
	ctx := context.Background()

	dep := mustCreate(t, s, store.CreateTaskParams{Title: "dep"})
	waiting := mustCreate(t, s, store.CreateTaskParams{Title: "waiting", DependsOn: []int64{dep.ID}})
	free := mustCreate(t, s, store.CreateTaskParams{Title: "free"})

	ready, err := r.NextActionable(ctx, 0)
	if err != nil {
		t.Fatalf("next actionable: %v", err)
	}
	ids := make(map[int64]bool)
	for _, task := range ready {
		ids[task.ID] = true
	}
	if !ids[dep.ID] || !ids[free.ID] {
		t.Fatalf("expected dep and free ready, got %v", ids)
	}
	if ids[waiting.ID] {
		t.Fatalf("task with unresolved dependency must not be ready")
	}

	markDone(t, s, dep.ID)
	ready, err = r.NextActionable(ctx, 0)
	if err != nil {
		t.Fatalf("next actionable: %v", err)
	}
	found := false
	for _, task := range ready {
		if task.ID == waiting.ID {
			found = true
		}
		if task.ID == dep.ID {
			t.Fatalf("done task must not be ready")
		}
	}
	if !found {
		t.Fatalf("expected waiting task ready once dependency done")
	}
}

func TestNextActionable_OrderingAndLimit(t *testing.T) {
	s := openTestStore(t)
	r := resolver.New(s, nil)

	mustCreate(t, s, store.CreateTaskParams{Title: "older low", Priority: store.PriorityLow})
	high := mustCreate(t, s, store.CreateTaskParams{Title: "high", Priority: store.PriorityHigh})
	mustCreate(t, s, store.CreateTaskParams{Title: "medium"})

	ready, err := r.NextActionable(context.Background(), 2)
	if err != nil {
		t.Fatalf("next actionable: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected limit respected, got %d tasks", len(ready))
	}
	if ready[0].ID != high.ID {
		t.Fatalf("expected high priority first, got %q", ready[0].Title)
	}
	if ready[1].Title != "medium" {
		t.Fatalf("expected medium second, got %q", ready[1].Title)
	}
}

func TestNextActionable_IgnoresSoftDeletedDependencies(t *testing.T) {
	s := openTestStore(t)
	r := resolver.New(s, nil)
	ctx := context.Background()

	dep := mustCreate(t, s, store.CreateTaskParams{Title: "dep"})
	waiting := mustCreate(t, s, store.CreateTaskParams{Title: "waiting", DependsOn: []int64{dep.ID}})

	if err := s.SoftDeleteTask(ctx, dep.ID); err != nil {
		t.Fatalf("soft delete dep: %v", err)
	}

	ready, err := r.NextActionable(ctx, 0)
	if err != nil {
		t.Fatalf("next actionable: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != waiting.ID {
		t.Fatalf("expected waiting ready once dependency deleted, got %+v", ready)
	}
}

func TestBlockedTasks_CausesAreDisjoint(t *testing.T) {
	s := openTestStore(t)
	r := resolver.New(s, nil)
	ctx := context.Background()

	dep := mustCreate(t, s, store.CreateTaskParams{Title: "dep"})
	depBlocked := mustCreate(t, s, store.CreateTaskParams{Title: "dep blocked", DependsOn: []int64{dep.ID}})
	explicit := mustCreate(t, s, store.CreateTaskParams{
		Title: "explicit", Status: store.StatusBlocked, BlockerReason: "waiting on vendor",
	})
	mustCreate(t, s, store.CreateTaskParams{Title: "free"})

	blocked, err := r.BlockedTasks(ctx)
	if err != nil {
		t.Fatalf("blocked tasks: %v", err)
	}
	if len(blocked) != 2 {
		t.Fatalf("expected 2 blocked tasks, got %d", len(blocked))
	}
	byID := make(map[int64]resolver.BlockedTask)
	for _, b := range blocked {
		byID[b.Task.ID] = b
	}

	e, ok := byID[explicit.ID]
	if !ok || e.Cause != resolver.BlockedExplicit {
		t.Fatalf("expected explicit blocked entry, got %+v", e)
	}
	if e.BlockerReason != "waiting on vendor" {
		t.Fatalf("expected blocker reason carried, got %q", e.BlockerReason)
	}

	d, ok := byID[depBlocked.ID]
	if !ok || d.Cause != resolver.BlockedByDependency {
		t.Fatalf("expected dependency blocked entry, got %+v", d)
	}
	if len(d.WaitingOn) != 1 || d.WaitingOn[0] != dep.ID {
		t.Fatalf("expected waiting_on to name the unresolved dep, got %v", d.WaitingOn)
	}

	// Resolving the dependency clears the dependency-blocked entry.
	markDone(t, s, dep.ID)
	blocked, err = r.BlockedTasks(ctx)
	if err != nil {
		t.Fatalf("blocked tasks: %v", err)
	}
	if len(blocked) != 1 || blocked[0].Task.ID != explicit.ID {
		t.Fatalf("expected only explicit entry after dep done, got %+v", blocked)
	}
}

func TestValidateEdges_DelegateToStore(t *testing.T) {
	s := openTestStore(t)
	r := resolver.New(s, nil)
	ctx := context.Background()

	a := mustCreate(t, s, store.CreateTaskParams{Title: "a"})
	b := mustCreate(t, s, store.CreateTaskParams{Title: "b", DependsOn: []int64{a.ID}})

	var ce *store.CycleError
	if err := r.ValidateDependencyEdge(ctx, a.ID, b.ID); !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if err := r.ValidateParentEdge(ctx, a.ID, a.ID); !errors.As(err, &ce) {
		t.Fatalf("expected CycleError for self parent, got %v", err)
	}
	if err := r.ValidateDependencyEdge(ctx, b.ID, a.ID); err != nil {
		t.Fatalf("existing edge revalidation should pass: %v", err)
	}
}

func TestTaskTree_AssemblesSubtasksInSchedulingOrder(t *testing.T) {
	s := openTestStore(t)
	r := resolver.New(s, nil)
	ctx := context.Background()

	root := mustCreate(t, s, store.CreateTaskParams{Title: "root"})
	low := mustCreate(t, s, store.CreateTaskParams{Title: "low child", Priority: store.PriorityLow, ParentTaskID: &root.ID})
	high := mustCreate(t, s, store.CreateTaskParams{Title: "high child", Priority: store.PriorityHigh, ParentTaskID: &root.ID})
	grand := mustCreate(t, s, store.CreateTaskParams{Title: "grandchild", ParentTaskID: &high.ID})
	mustCreate(t, s, store.CreateTaskParams{Title: "unrelated"})

	tree, err := r.TaskTree(ctx, root.ID)
	if err != nil {
		t.Fatalf("task tree: %v", err)
	}
	if tree.Task.ID != root.ID {
		t.Fatalf("expected root at tree top")
	}
	if len(tree.Subtasks) != 2 {
		t.Fatalf("expected 2 children, got %d", len(tree.Subtasks))
	}
	if tree.Subtasks[0].Task.ID != high.ID || tree.Subtasks[1].Task.ID != low.ID {
		t.Fatalf("expected children in scheduling order, got %q then %q",
			tree.Subtasks[0].Task.Title, tree.Subtasks[1].Task.Title)
	}
	if len(tree.Subtasks[0].Subtasks) != 1 || tree.Subtasks[0].Subtasks[0].Task.ID != grand.ID {
		t.Fatalf("expected grandchild nested under high child")
	}
}

func TestTaskTree_MissingRoot(t *testing.T) {
	s := openTestStore(t)
	r := resolver.New(s, nil)
	if _, err := r.TaskTree(context.Background(), 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskTree_ConsistencyGuardOnCorruptedForest(t *testing.T) {
	s := openTestStore(t)
	r := resolver.New(s, nil)
	ctx := context.Background()

	a := mustCreate(t, s, store.CreateTaskParams{Title: "a"})
	b := mustCreate(t, s, store.CreateTaskParams{Title: "b", ParentTaskID: &a.ID})

	// Corrupt the forest under the store's validation: a <- b <- a.
	if _, err := s.DB().Exec(`UPDATE tasks SET parent_task_id = ? WHERE id = ?;`, b.ID, a.ID); err != nil {
		t.Fatalf("corrupt parent link: %v", err)
	}

	_, err := r.TaskTree(ctx, a.ID)
	var ce *store.ConsistencyError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConsistencyError on cyclic forest, got %v", err)
	}
}
