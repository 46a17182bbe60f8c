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

const entityColumns = `
	id, entity_type, name, identifier, description, metadata, tags, created_by,
	workspace_path, git_root, cwd_at_creation, project_name,
	created_at, updated_at, deleted_at`

func scanEntity(scanFn func(dest ...any) error, e *Entity) error {
	var (
		identifier sql.NullString
		metadata   sql.NullString
		tagsJSON   string
		deletedAt  sql.NullTime
	)
	if err := scanFn(
		&e.ID, &e.EntityType, &e.Name, &identifier, &e.Description, &metadata, &tagsJSON, &e.CreatedBy,
		&e.Workspace.WorkspacePath, &e.Workspace.GitRoot, &e.Workspace.CWD, &e.Workspace.ProjectName,
		&e.CreatedAt, &e.UpdatedAt, &deletedAt,
	); err != nil {
		return err
	}
	if identifier.Valid {
		e.Identifier = identifier.String
	}
	if metadata.Valid {
		e.Metadata = []byte(metadata.String)
	}
	if deletedAt.Valid {
		ts := deletedAt.Time
		e.DeletedAt = &ts
	}
	if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
		return fmt.Errorf("decode entity tags: %w", err)
	}
	return nil
}

func (s *Store) validateEntityMetadata(entityType EntityType, metadata []byte) error {
	if len(metadata) == 0 {
		return nil
	}
	if !json.Valid(metadata) {
		return &ValidationError{Field: "metadata", Reason: "not valid JSON"}
	}
	if s.metaval != nil {
		if err := s.metaval.Validate(string(entityType), metadata); err != nil {
			return &ValidationError{Field: "metadata", Reason: err.Error()}
		}
	}
	return nil
}

// CreateEntity validates fields, captures the workspace context, and
// persists the entity.
func (s *Store) CreateEntity(ctx context.Context, params CreateEntityParams) (*Entity, error) {
	if params.EntityType == "" {
		params.EntityType = EntityTypeOther
	}
	if !params.EntityType.Valid() {
		return nil, &ValidationError{Field: "entity_type", Reason: fmt.Sprintf("unknown value %q", params.EntityType)}
	}
	if strings.TrimSpace(params.Name) == "" {
		return nil, &ValidationError{Field: "name", Reason: "required"}
	}
	if err := validateDescription(params.Description); err != nil {
		return nil, err
	}
	if err := validateTags(params.Tags); err != nil {
		return nil, err
	}
	if err := s.validateEntityMetadata(params.EntityType, params.Metadata); err != nil {
		return nil, err
	}

	var created *Entity
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create entity tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var identifier any
		if params.Identifier != "" {
			identifier = params.Identifier
		}
		var metadata any
		if len(params.Metadata) > 0 {
			metadata = string(params.Metadata)
		}
		tagsJSON, err := marshalStrings(params.Tags)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO entities (
				entity_type, name, identifier, description, metadata, tags, created_by,
				workspace_path, git_root, cwd_at_creation, project_name,
				created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			params.EntityType, params.Name, identifier, params.Description, metadata, tagsJSON, params.CreatedBy,
			s.ws.WorkspacePath, s.ws.GitRoot, s.ws.CWD, s.ws.ProjectName,
			now, now,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return &ValidationError{Field: "identifier", Reason: fmt.Sprintf("%q already used by another %s entity", params.Identifier, params.EntityType)}
			}
			return fmt.Errorf("insert entity: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("entity insert id: %w", err)
		}
		entity, err := getEntityTx(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create entity tx: %w", err)
		}
		created = entity
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicEntityCreated, bus.EntityEvent{
		EntityID:      created.ID,
		WorkspacePath: created.Workspace.WorkspacePath,
		EntityType:    string(created.EntityType),
	})
	return created, nil
}

// GetEntity returns the entity by id. Soft-deleted entities report
// ErrNotFound; use GetEntityAny for audit reads.
func (s *Store) GetEntity(ctx context.Context, id int64) (*Entity, error) {
	return getEntityTx(ctx, s.db, id, false)
}

// GetEntityAny returns the entity by id regardless of soft-delete state.
func (s *Store) GetEntityAny(ctx context.Context, id int64) (*Entity, error) {
	return getEntityTx(ctx, s.db, id, true)
}

func getEntityTx(ctx context.Context, q queryer, id int64, includeDeleted bool) (*Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	var e Entity
	if err := scanEntity(q.QueryRowContext(ctx, query+`;`, id).Scan, &e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entity %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get entity %d: %w", id, err)
	}
	return &e, nil
}

// UpdateEntity applies patch atomically. Entity type and workspace context
// are immutable.
func (s *Store) UpdateEntity(ctx context.Context, id int64, patch EntityPatch) (*Entity, error) {
	var updated *Entity
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update entity tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := getEntityTx(ctx, tx, id, false)
		if err != nil {
			return err
		}

		next := *current
		if patch.Name != nil {
			next.Name = *patch.Name
		}
		if patch.Identifier != nil {
			next.Identifier = *patch.Identifier
		}
		if patch.Description != nil {
			next.Description = *patch.Description
		}
		if patch.Metadata != nil {
			next.Metadata = *patch.Metadata
		}
		if patch.Tags != nil {
			next.Tags = *patch.Tags
		}

		if strings.TrimSpace(next.Name) == "" {
			return &ValidationError{Field: "name", Reason: "required"}
		}
		if err := validateDescription(next.Description); err != nil {
			return err
		}
		if err := validateTags(next.Tags); err != nil {
			return err
		}
		if err := s.validateEntityMetadata(next.EntityType, next.Metadata); err != nil {
			return err
		}

		var identifier any
		if next.Identifier != "" {
			identifier = next.Identifier
		}
		var metadata any
		if len(next.Metadata) > 0 {
			metadata = string(next.Metadata)
		}
		tagsJSON, err := marshalStrings(next.Tags)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entities
			SET name = ?, identifier = ?, description = ?, metadata = ?, tags = ?, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL;
		`, next.Name, identifier, next.Description, metadata, tagsJSON, time.Now().UTC(), id); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return &ValidationError{Field: "identifier", Reason: fmt.Sprintf("%q already used by another %s entity", next.Identifier, next.EntityType)}
			}
			return fmt.Errorf("update entity %d: %w", id, err)
		}

		entity, err := getEntityTx(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update entity tx: %w", err)
		}
		updated = entity
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SoftDeleteEntity marks the entity inert.
func (s *Store) SoftDeleteEntity(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			UPDATE entities SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL;
		`, now, now, id)
		if err != nil {
			return fmt.Errorf("soft delete entity %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("soft delete rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("entity %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// AllEntities returns every entity, optionally including soft-deleted
// records for audit scans.
func (s *Store) AllEntities(ctx context.Context, includeDeleted bool) ([]Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY id ASC;`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("all entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err := scanEntity(rows.Scan, &e); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEntities returns entities matching filter, newest first.
func (s *Store) ListEntities(ctx context.Context, filter EntityFilter) ([]Entity, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + entityColumns + ` FROM entities WHERE 1=1`
	var args []any
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	if filter.Tag != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(entities.tags) WHERE json_each.value = ?)`
		args = append(args, filter.Tag)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?;`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err := scanEntity(rows.Scan, &e); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entity rows: %w", err)
	}
	return out, nil
}
