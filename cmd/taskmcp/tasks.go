package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/basket/task-mcp/internal/resolver"
	"github.com/basket/task-mcp/internal/store"
)

// splitCSV parses a comma-separated flag value into trimmed tokens.
func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitIDs parses a comma-separated flag value into task ids.
func splitIDs(raw string) ([]int64, error) {
	var out []int64
	for _, tok := range splitCSV(raw) {
		id, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid task id %q", tok)
		}
		out = append(out, id)
	}
	return out, nil
}

func parseID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, errors.New("expected a task id")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", args[0])
	}
	return id, nil
}

// fail prints the error the way the command's consumer expects.
func (a *app) fail(err error) int {
	if a.json {
		_ = json.NewEncoder(os.Stderr).Encode(map[string]string{"error": err.Error()})
	} else {
		fmt.Fprintln(os.Stderr, "error:", err.Error())
	}
	var verr *store.ValidationError
	if errors.As(err, &verr) {
		return 2
	}
	if errors.Is(err, store.ErrNotFound) {
		return 3
	}
	return 1
}

func (a *app) emit(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return a.fail(err)
	}
	return 0
}

func (a *app) printTask(t *store.Task) {
	fmt.Printf("#%d [%s/%s] %s\n", t.ID, t.Status, t.Priority, t.Title)
	if t.Description != "" {
		fmt.Printf("    %s\n", t.Description)
	}
	if t.ParentTaskID != nil {
		fmt.Printf("    parent: #%d\n", *t.ParentTaskID)
	}
	if len(t.DependsOn) > 0 {
		deps := make([]string, len(t.DependsOn))
		for i, d := range t.DependsOn {
			deps[i] = fmt.Sprintf("#%d", d)
		}
		fmt.Printf("    depends on: %s\n", strings.Join(deps, ", "))
	}
	if t.BlockerReason != "" {
		fmt.Printf("    blocked: %s\n", t.BlockerReason)
	}
	if len(t.Tags) > 0 {
		fmt.Printf("    tags: %s\n", strings.Join(t.Tags, ", "))
	}
}

func (a *app) printTasks(tasks []store.Task) {
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return
	}
	for i := range tasks {
		a.printTask(&tasks[i])
	}
}

func (a *app) runRegister(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	name := fs.String("name", "", "project display name (default: directory basename)")
	schedule := fs.String("schedule", "", "cron expression for scheduled audits of this project")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := "."
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	p, err := a.registry.Register(path, *name)
	if err != nil {
		return a.fail(err)
	}
	if *schedule != "" {
		if p, err = a.registry.SetAuditSchedule(p.ID, *schedule); err != nil {
			return a.fail(err)
		}
	}
	if a.json {
		return a.emit(p)
	}
	fmt.Printf("registered %s (%s) as %s\n", p.Name, p.Path, p.ID)
	return 0
}

func (a *app) runProjects(ctx context.Context) int {
	projects := a.registry.Projects()
	if a.json {
		return a.emit(projects)
	}
	if len(projects) == 0 {
		fmt.Println("no registered projects")
		return 0
	}
	for _, p := range projects {
		line := fmt.Sprintf("%s  %s  %s", p.ID, p.Name, p.Path)
		if p.AuditSchedule != "" {
			line += "  [" + p.AuditSchedule + "]"
		}
		fmt.Println(line)
	}
	return 0
}

func (a *app) runAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	title := fs.String("title", "", "task title (required)")
	description := fs.String("description", "", "task description")
	status := fs.String("status", "", "initial status (todo, in_progress, done, blocked)")
	priority := fs.String("priority", "", "priority (low, medium, high)")
	parent := fs.Int64("parent", 0, "parent task id")
	deps := fs.String("deps", "", "comma-separated dependency task ids")
	tags := fs.String("tags", "", "comma-separated tags")
	files := fs.String("files", "", "comma-separated file references")
	reason := fs.String("reason", "", "blocker reason (status must be blocked)")
	createdBy := fs.String("by", "", "creator identifier")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	dependsOn, err := splitIDs(*deps)
	if err != nil {
		return a.fail(err)
	}
	params := store.CreateTaskParams{
		Title:          *title,
		Description:    *description,
		Status:         store.Status(*status),
		Priority:       store.Priority(*priority),
		DependsOn:      dependsOn,
		Tags:           splitCSV(*tags),
		FileReferences: splitCSV(*files),
		BlockerReason:  *reason,
		CreatedBy:      *createdBy,
	}
	if *parent != 0 {
		params.ParentTaskID = parent
	}

	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	task, err := st.CreateTask(ctx, params)
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(task)
	}
	fmt.Printf("created task #%d\n", task.ID)
	return 0
}

func (a *app) runList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status")
	priority := fs.String("priority", "", "filter by priority")
	tag := fs.String("tag", "", "filter by tag")
	parent := fs.Int64("parent", 0, "filter by parent task id")
	deleted := fs.Bool("deleted", false, "include soft-deleted tasks")
	limit := fs.Int("limit", 0, "maximum results")
	offset := fs.Int("offset", 0, "result offset")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	filter := store.TaskFilter{
		Status:         store.Status(*status),
		Priority:       store.Priority(*priority),
		Tag:            *tag,
		IncludeDeleted: *deleted,
		Limit:          *limit,
		Offset:         *offset,
	}
	if *parent != 0 {
		filter.ParentTaskID = parent
	}

	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	tasks, err := st.ListTasks(ctx, filter)
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(tasks)
	}
	a.printTasks(tasks)
	return 0
}

func (a *app) runShow(ctx context.Context, args []string) int {
	id, err := parseID(args)
	if err != nil {
		return a.fail(err)
	}
	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	task, err := st.GetTaskAny(ctx, id)
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(task)
	}
	a.printTask(task)
	if task.Deleted() {
		fmt.Printf("    deleted at %s\n", task.DeletedAt.Format("2006-01-02 15:04"))
	}
	links, err := st.EntitiesForTask(ctx, id)
	if err == nil && len(links) > 0 {
		fmt.Println("    entities:")
		for _, e := range links {
			fmt.Printf("      #%d [%s] %s\n", e.ID, e.EntityType, e.Name)
		}
	}
	return 0
}

func (a *app) runUpdate(ctx context.Context, args []string) int {
	id, err := parseID(args)
	if err != nil {
		return a.fail(err)
	}
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	title := fs.String("title", "", "new title")
	description := fs.String("description", "", "new description")
	status := fs.String("status", "", "new status")
	priority := fs.String("priority", "", "new priority")
	reason := fs.String("reason", "", "blocker reason")
	parent := fs.Int64("parent", 0, "new parent task id")
	orphan := fs.Bool("orphan", false, "detach from parent")
	deps := fs.String("deps", "", "replace dependency set (comma-separated ids)")
	tags := fs.String("tags", "", "replace tags (comma-separated)")
	files := fs.String("files", "", "replace file references (comma-separated)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	var patch store.TaskPatch
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "title":
			patch.Title = title
		case "description":
			patch.Description = description
		case "status":
			s := store.Status(*status)
			patch.Status = &s
		case "priority":
			p := store.Priority(*priority)
			patch.Priority = &p
		case "reason":
			patch.BlockerReason = reason
		case "parent":
			patch.ParentTaskID = parent
		case "orphan":
			patch.ClearParent = *orphan
		case "deps":
			ids, idErr := splitIDs(*deps)
			if idErr != nil {
				err = idErr
				return
			}
			patch.DependsOn = &ids
		case "tags":
			v := splitCSV(*tags)
			patch.Tags = &v
		case "files":
			v := splitCSV(*files)
			patch.FileReferences = &v
		}
	})
	if err != nil {
		return a.fail(err)
	}

	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	task, err := st.UpdateTask(ctx, id, patch)
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(task)
	}
	fmt.Printf("updated task #%d\n", task.ID)
	return 0
}

func (a *app) runDone(ctx context.Context, args []string) int {
	id, err := parseID(args)
	if err != nil {
		return a.fail(err)
	}
	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	done := store.StatusDone
	task, err := st.UpdateTask(ctx, id, store.TaskPatch{Status: &done})
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(task)
	}
	fmt.Printf("task #%d done\n", task.ID)
	return 0
}

func (a *app) runRemove(ctx context.Context, args []string) int {
	id, err := parseID(args)
	if err != nil {
		return a.fail(err)
	}
	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	if err := st.SoftDeleteTask(ctx, id); err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(map[string]any{"deleted": id})
	}
	fmt.Printf("deleted task #%d\n", id)
	return 0
}

func (a *app) runNext(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("next", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "maximum results (0 = all)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	tasks, err := a.newResolver(st).NextActionable(ctx, *limit)
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(tasks)
	}
	a.printTasks(tasks)
	return 0
}

func (a *app) runBlocked(ctx context.Context, args []string) int {
	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	blocked, err := a.newResolver(st).BlockedTasks(ctx)
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(blocked)
	}
	if len(blocked) == 0 {
		fmt.Println("nothing blocked")
		return 0
	}
	for _, b := range blocked {
		fmt.Printf("#%d %s\n", b.Task.ID, b.Task.Title)
		switch b.Cause {
		case resolver.BlockedExplicit:
			fmt.Printf("    blocked: %s\n", b.BlockerReason)
		case resolver.BlockedByDependency:
			waiting := make([]string, len(b.WaitingOn))
			for i, w := range b.WaitingOn {
				waiting[i] = fmt.Sprintf("#%d", w)
			}
			fmt.Printf("    waiting on: %s\n", strings.Join(waiting, ", "))
		}
	}
	return 0
}

func (a *app) runTree(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tree", flag.ContinueOnError)
	root := fs.Int64("root", 0, "root task id (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *root == 0 {
		if fs.NArg() > 0 {
			id, err := parseID(fs.Args())
			if err != nil {
				return a.fail(err)
			}
			*root = id
		} else {
			return a.fail(errors.New("tree requires a root task id"))
		}
	}

	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	node, err := a.newResolver(st).TaskTree(ctx, *root)
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(node)
	}
	printTree(node, 0)
	return 0
}

func printTree(node *resolver.TreeNode, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s#%d [%s/%s] %s\n", indent, node.Task.ID, node.Task.Status, node.Task.Priority, node.Task.Title)
	for _, sub := range node.Subtasks {
		printTree(sub, depth+1)
	}
}

func (a *app) runSnapshot(ctx context.Context) int {
	p, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	dir := a.registry.SnapshotDir(p.ID)
	path, err := st.WriteSnapshot(ctx, dir)
	if err != nil {
		return a.fail(err)
	}
	if err := store.PruneSnapshots(dir, a.cfg.Snapshot.Keep); err != nil {
		a.logger.Warn("prune snapshots", "project_id", p.ID, "error", err)
	}
	if a.json {
		return a.emit(map[string]string{"snapshot": path})
	}
	fmt.Printf("snapshot written to %s\n", path)
	return 0
}
