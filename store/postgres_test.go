package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func testPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping Postgres tests")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// uniqueID returns a unique id for test isolation.
func uniqueID(t *testing.T, prefix string) string {
	return fmt.Sprintf("%s-%s-%d", prefix, t.Name(), time.Now().UnixNano())
}

func testUser(t *testing.T, s *PostgresStore) *User {
	t.Helper()
	u := &User{
		ID:       uniqueID(t, "user"),
		Email:    uniqueID(t, "mail") + "@example.com",
		Password: "hash",
		Name:     "Test User",
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func TestPostgresStore_DocumentLifecycle(t *testing.T) {
	s := testPostgresStore(t)
	ctx := context.Background()
	owner := testUser(t, s)

	docID := uniqueID(t, "doc")
	t.Cleanup(func() { s.DeleteDocument(ctx, docID) })

	doc := &Document{ID: docID, Title: "Draft", OwnerID: owner.ID}
	if err := s.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}

	if err := s.CreateDocument(ctx, doc); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists on duplicate create, got %v", err)
	}

	ts := time.Now().UTC().Truncate(time.Microsecond)
	if err := s.UpdateState(ctx, docID, []byte("checkpoint"), ts); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPublic(ctx, docID, true); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDocument(ctx, docID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.State) != "checkpoint" || !got.Public {
		t.Errorf("unexpected document: state=%q public=%v", got.State, got.Public)
	}

	if err := s.DeleteDocument(ctx, docID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDocument(ctx, docID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPostgresStore_Collaborators(t *testing.T) {
	s := testPostgresStore(t)
	ctx := context.Background()
	owner := testUser(t, s)
	collab := testUser(t, s)

	docID := uniqueID(t, "doc")
	t.Cleanup(func() { s.DeleteDocument(ctx, docID) })

	if err := s.CreateDocument(ctx, &Document{ID: docID, OwnerID: owner.ID}); err != nil {
		t.Fatal(err)
	}

	if err := s.AddCollaborator(ctx, docID, Collaborator{UserID: collab.ID, Permission: PermissionView}); err != nil {
		t.Fatal(err)
	}
	// Upsert to edit.
	if err := s.AddCollaborator(ctx, docID, Collaborator{UserID: collab.ID, Permission: PermissionEdit}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDocument(ctx, docID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Collaborators) != 1 || got.Collaborators[0].Permission != PermissionEdit {
		t.Errorf("unexpected collaborators: %+v", got.Collaborators)
	}

	docs, err := s.ListDocuments(ctx, collab.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range docs {
		if d.ID == docID {
			found = true
		}
	}
	if !found {
		t.Error("collaborator's list does not include the shared document")
	}
}

func TestPostgresStore_UserNotFound(t *testing.T) {
	s := testPostgresStore(t)
	if _, err := s.GetUser(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
