package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/basket/task-mcp/internal/store"
)

func mustCreateEntity(t *testing.T, s *store.Store, params store.CreateEntityParams) *store.Entity {
	t.Helper()
	entity, err := s.CreateEntity(context.Background(), params)
	if err != nil {
		t.Fatalf("create entity %q: %v", params.Name, err)
	}
	return entity
}

func TestCreateEntity_DefaultsAndValidation(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	entity := mustCreateEntity(t, s, store.CreateEntityParams{Name: "billing service"})
	if entity.EntityType != store.EntityTypeOther {
		t.Fatalf("expected default entity type other, got %q", entity.EntityType)
	}
	if entity.Workspace.WorkspacePath != s.Workspace().WorkspacePath {
		t.Fatalf("expected workspace stamped from store context")
	}

	_, err := s.CreateEntity(ctx, store.CreateEntityParams{Name: "   "})
	var ve *store.ValidationError
	if !errors.As(err, &ve) || ve.Field != "name" {
		t.Fatalf("expected name validation error, got %v", err)
	}

	_, err = s.CreateEntity(ctx, store.CreateEntityParams{Name: "x", EntityType: "service"})
	if !errors.As(err, &ve) || ve.Field != "entity_type" {
		t.Fatalf("expected entity_type validation error, got %v", err)
	}
}

func TestCreateEntity_RejectsInvalidMetadataJSON(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.CreateEntity(context.Background(), store.CreateEntityParams{
		Name:     "x",
		Metadata: []byte(`{not json`),
	})
	var ve *store.ValidationError
	if !errors.As(err, &ve) || ve.Field != "metadata" {
		t.Fatalf("expected metadata validation error, got %v", err)
	}
}

func TestCreateEntity_UniqueIdentifierPerType(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	mustCreateEntity(t, s, store.CreateEntityParams{
		EntityType: store.EntityTypeFile, Name: "main", Identifier: "cmd/main.go",
	})

	_, err := s.CreateEntity(ctx, store.CreateEntityParams{
		EntityType: store.EntityTypeFile, Name: "main again", Identifier: "cmd/main.go",
	})
	var ve *store.ValidationError
	if !errors.As(err, &ve) || ve.Field != "identifier" {
		t.Fatalf("expected identifier uniqueness error, got %v", err)
	}

	// Same identifier under a different type is allowed.
	if _, err := s.CreateEntity(ctx, store.CreateEntityParams{
		EntityType: store.EntityTypeOther, Name: "main doc", Identifier: "cmd/main.go",
	}); err != nil {
		t.Fatalf("cross-type identifier should be allowed: %v", err)
	}

	// Entities without identifiers never collide.
	mustCreateEntity(t, s, store.CreateEntityParams{EntityType: store.EntityTypeFile, Name: "anon one"})
	mustCreateEntity(t, s, store.CreateEntityParams{EntityType: store.EntityTypeFile, Name: "anon two"})
}

func TestCreateEntity_IdentifierFreedBySoftDelete(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	first := mustCreateEntity(t, s, store.CreateEntityParams{
		EntityType: store.EntityTypeFile, Name: "one", Identifier: "pkg/a.go",
	})
	if err := s.SoftDeleteEntity(ctx, first.ID); err != nil {
		t.Fatalf("soft delete entity: %v", err)
	}
	// The partial unique index only covers live rows.
	if _, err := s.CreateEntity(ctx, store.CreateEntityParams{
		EntityType: store.EntityTypeFile, Name: "two", Identifier: "pkg/a.go",
	}); err != nil {
		t.Fatalf("identifier should be reusable after soft delete: %v", err)
	}
}

func TestUpdateEntity_PatchAndImmutableType(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	entity := mustCreateEntity(t, s, store.CreateEntityParams{
		EntityType: store.EntityTypeFile, Name: "before", Identifier: "a.go",
	})

	name := "after"
	identifier := "b.go"
	metadata := []byte(`{"language":"go"}`)
	updated, err := s.UpdateEntity(ctx, entity.ID, store.EntityPatch{
		Name:       &name,
		Identifier: &identifier,
		Metadata:   &metadata,
	})
	if err != nil {
		t.Fatalf("update entity: %v", err)
	}
	if updated.Name != "after" || updated.Identifier != "b.go" {
		t.Fatalf("patch not applied: %+v", updated)
	}
	if string(updated.Metadata) != `{"language":"go"}` {
		t.Fatalf("expected metadata stored, got %s", updated.Metadata)
	}
	if updated.EntityType != store.EntityTypeFile {
		t.Fatalf("entity type must not change, got %q", updated.EntityType)
	}

	empty := ""
	_, err = s.UpdateEntity(ctx, entity.ID, store.EntityPatch{Name: &empty})
	var ve *store.ValidationError
	if !errors.As(err, &ve) || ve.Field != "name" {
		t.Fatalf("expected name validation error, got %v", err)
	}
}

func TestSoftDeleteEntity_HiddenFromReadsButAuditable(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	entity := mustCreateEntity(t, s, store.CreateEntityParams{Name: "x"})

	if err := s.SoftDeleteEntity(ctx, entity.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := s.GetEntity(ctx, entity.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after soft delete, got %v", err)
	}
	got, err := s.GetEntityAny(ctx, entity.ID)
	if err != nil {
		t.Fatalf("get entity any: %v", err)
	}
	if !got.Deleted() {
		t.Fatalf("expected deleted_at set on audit read")
	}
	if err := s.SoftDeleteEntity(ctx, entity.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestListEntities_FiltersNewestFirst(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustCreateEntity(t, s, store.CreateEntityParams{
			EntityType: store.EntityTypeFile,
			Name:       fmt.Sprintf("file-%d", i),
			Tags:       []string{"source"},
		})
	}
	mustCreateEntity(t, s, store.CreateEntityParams{Name: "service"})

	files, err := s.ListEntities(ctx, store.EntityFilter{EntityType: store.EntityTypeFile})
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 file entities, got %d", len(files))
	}
	// Newest first by id when timestamps tie.
	if files[0].ID < files[1].ID {
		t.Fatalf("expected newest-first ordering, got ids %d then %d", files[0].ID, files[1].ID)
	}

	tagged, err := s.ListEntities(ctx, store.EntityFilter{Tag: "source"})
	if err != nil {
		t.Fatalf("list by tag: %v", err)
	}
	if len(tagged) != 3 {
		t.Fatalf("expected 3 tagged entities, got %d", len(tagged))
	}
}

type rejectAllValidator struct{}

func (rejectAllValidator) Validate(entityType string, metadata []byte) error {
	return fmt.Errorf("type %s: metadata rejected", entityType)
}

func TestCreateEntity_MetadataValidatorHook(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir+"/tasks.db", dir, store.WithMetadataValidator(rejectAllValidator{}))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	// Empty metadata bypasses the validator.
	if _, err := s.CreateEntity(ctx, store.CreateEntityParams{Name: "plain"}); err != nil {
		t.Fatalf("create without metadata: %v", err)
	}

	_, err = s.CreateEntity(ctx, store.CreateEntityParams{
		Name:     "with meta",
		Metadata: []byte(`{"k":1}`),
	})
	var ve *store.ValidationError
	if !errors.As(err, &ve) || ve.Field != "metadata" {
		t.Fatalf("expected validator rejection surfaced as metadata error, got %v", err)
	}
}
