package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/task-mcp/internal/bus"
)

// qualifyColumns prefixes each column with its base table. The link table
// also carries a created_at column, so joined selects must disambiguate.
func qualifyColumns(table, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = table + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// Link associates a task with an entity. Linking an already-linked pair is a
// no-op success. Both referents must exist and be non-deleted.
func (s *Store) Link(ctx context.Context, taskID, entityID int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin link tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := taskExistsTx(ctx, tx, taskID); err != nil {
			return err
		}
		if _, err := getEntityTx(ctx, tx, entityID, false); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_entity_links (task_id, entity_id)
			VALUES (?, ?)
			ON CONFLICT(task_id, entity_id) DO NOTHING;
		`, taskID, entityID); err != nil {
			return fmt.Errorf("insert link %d -> %d: %w", taskID, entityID, err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicEntityLinked, bus.LinkEvent{TaskID: taskID, EntityID: entityID})
	return nil
}

// Unlink removes the association. Unlinking a non-existent pair is a no-op
// success.
func (s *Store) Unlink(ctx context.Context, taskID, entityID int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM task_entity_links WHERE task_id = ? AND entity_id = ?;
		`, taskID, entityID); err != nil {
			return fmt.Errorf("delete link %d -> %d: %w", taskID, entityID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicEntityUnlinked, bus.LinkEvent{TaskID: taskID, EntityID: entityID})
	return nil
}

// EntitiesForTask returns the non-deleted entities linked to taskID.
func (s *Store) EntitiesForTask(ctx context.Context, taskID int64) ([]Entity, error) {
	if err := taskExistsTx(ctx, s.db, taskID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+qualifyColumns("entities", entityColumns)+`
		FROM entities
		JOIN task_entity_links l ON l.entity_id = entities.id
		WHERE l.task_id = ? AND entities.deleted_at IS NULL
		ORDER BY l.created_at ASC, entities.id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("entities for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err := scanEntity(rows.Scan, &e); err != nil {
			return nil, fmt.Errorf("scan linked entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TasksForEntity returns the non-deleted tasks linked to entityID, with
// optional status/priority narrowing from filter.
func (s *Store) TasksForEntity(ctx context.Context, entityID int64, filter TaskFilter) ([]Task, error) {
	if _, err := getEntityTx(ctx, s.db, entityID, false); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + qualifyColumns("tasks", taskColumns) + `
		FROM tasks
		JOIN task_entity_links l ON l.task_id = tasks.id
		WHERE l.entity_id = ? AND tasks.deleted_at IS NULL`
	args := []any{entityID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, filter.Priority)
	}
	query += ` ORDER BY l.created_at ASC, tasks.id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tasks for entity %d: %w", entityID, err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan linked task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("linked task rows: %w", err)
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
