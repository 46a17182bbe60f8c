package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/basket/task-mcp/internal/store"
)

func printEntityUsage() {
	fmt.Println(`usage: taskmcp entity <action>

ACTIONS:
  add -type <file|other> -name <n> [flags]   Create an entity
  list [-type t] [-tag t] [-deleted]         List entities
  show <id>                                  Show one entity and linked tasks
  rm <id>                                    Soft-delete an entity
  link <task-id> <entity-id>                 Link a task to an entity
  unlink <task-id> <entity-id>               Remove a link`)
}

func (a *app) runEntity(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printEntityUsage()
		return 2
	}
	action := strings.ToLower(strings.TrimSpace(args[0]))
	switch action {
	case "add":
		return a.runEntityAdd(ctx, args[1:])
	case "list":
		return a.runEntityList(ctx, args[1:])
	case "show":
		return a.runEntityShow(ctx, args[1:])
	case "rm":
		return a.runEntityRemove(ctx, args[1:])
	case "link":
		return a.runLink(ctx, args[1:], true)
	case "unlink":
		return a.runLink(ctx, args[1:], false)
	default:
		printEntityUsage()
		return 2
	}
}

func (a *app) runEntityAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("entity add", flag.ContinueOnError)
	entityType := fs.String("type", "file", "entity type (file, other)")
	name := fs.String("name", "", "entity name (required)")
	identifier := fs.String("id", "", "unique identifier (e.g. file path)")
	description := fs.String("description", "", "entity description")
	metadata := fs.String("metadata", "", "metadata JSON blob")
	tags := fs.String("tags", "", "comma-separated tags")
	createdBy := fs.String("by", "", "creator identifier")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	ent, err := st.CreateEntity(ctx, store.CreateEntityParams{
		EntityType:  store.EntityType(*entityType),
		Name:        *name,
		Identifier:  *identifier,
		Description: *description,
		Metadata:    []byte(*metadata),
		Tags:        splitCSV(*tags),
		CreatedBy:   *createdBy,
	})
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(ent)
	}
	fmt.Printf("created entity #%d\n", ent.ID)
	return 0
}

func (a *app) runEntityList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("entity list", flag.ContinueOnError)
	entityType := fs.String("type", "", "filter by entity type")
	tag := fs.String("tag", "", "filter by tag")
	deleted := fs.Bool("deleted", false, "include soft-deleted entities")
	limit := fs.Int("limit", 0, "maximum results")
	offset := fs.Int("offset", 0, "result offset")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	entities, err := st.ListEntities(ctx, store.EntityFilter{
		EntityType:     store.EntityType(*entityType),
		Tag:            *tag,
		IncludeDeleted: *deleted,
		Limit:          *limit,
		Offset:         *offset,
	})
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(entities)
	}
	if len(entities) == 0 {
		fmt.Println("no entities")
		return 0
	}
	for _, e := range entities {
		line := fmt.Sprintf("#%d [%s] %s", e.ID, e.EntityType, e.Name)
		if e.Identifier != "" {
			line += "  " + e.Identifier
		}
		fmt.Println(line)
	}
	return 0
}

func (a *app) runEntityShow(ctx context.Context, args []string) int {
	id, err := parseID(args)
	if err != nil {
		return a.fail(err)
	}
	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	ent, err := st.GetEntityAny(ctx, id)
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(ent)
	}
	fmt.Printf("#%d [%s] %s\n", ent.ID, ent.EntityType, ent.Name)
	if ent.Identifier != "" {
		fmt.Printf("    identifier: %s\n", ent.Identifier)
	}
	if ent.Description != "" {
		fmt.Printf("    %s\n", ent.Description)
	}
	if len(ent.Tags) > 0 {
		fmt.Printf("    tags: %s\n", strings.Join(ent.Tags, ", "))
	}
	tasks, err := st.TasksForEntity(ctx, id, store.TaskFilter{})
	if err == nil && len(tasks) > 0 {
		fmt.Println("    tasks:")
		for _, t := range tasks {
			fmt.Printf("      #%d [%s] %s\n", t.ID, t.Status, t.Title)
		}
	}
	return 0
}

func (a *app) runEntityRemove(ctx context.Context, args []string) int {
	id, err := parseID(args)
	if err != nil {
		return a.fail(err)
	}
	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	if err := st.SoftDeleteEntity(ctx, id); err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(map[string]any{"deleted": id})
	}
	fmt.Printf("deleted entity #%d\n", id)
	return 0
}

func (a *app) runLink(ctx context.Context, args []string, link bool) int {
	if len(args) < 2 {
		return a.fail(errors.New("expected <task-id> <entity-id>"))
	}
	taskID, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
	if err != nil {
		return a.fail(fmt.Errorf("invalid task id %q", args[0]))
	}
	entityID, err := strconv.ParseInt(strings.TrimSpace(args[1]), 10, 64)
	if err != nil {
		return a.fail(fmt.Errorf("invalid entity id %q", args[1]))
	}

	_, st, err := a.openCurrent(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	if link {
		err = st.Link(ctx, taskID, entityID)
	} else {
		err = st.Unlink(ctx, taskID, entityID)
	}
	if err != nil {
		return a.fail(err)
	}
	if a.json {
		return a.emit(map[string]any{"task_id": taskID, "entity_id": entityID, "linked": link})
	}
	if link {
		fmt.Printf("linked task #%d to entity #%d\n", taskID, entityID)
	} else {
		fmt.Printf("unlinked task #%d from entity #%d\n", taskID, entityID)
	}
	return 0
}
