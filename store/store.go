// Package store persists documents, their collaborator lists, and the
// last checkpointed document state.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a document or user that
	// already exists.
	ErrExists = errors.New("already exists")
)

// Permission is a collaborator's access level on a document.
type Permission string

const (
	PermissionView Permission = "view"
	PermissionEdit Permission = "edit"
)

// Collaborator grants one user a permission level on a document.
type Collaborator struct {
	UserID     string
	Permission Permission
}

// Document holds document metadata and the last checkpointed state.
// State is nil until the first checkpoint is written.
type Document struct {
	ID            string
	Title         string
	OwnerID       string
	Collaborators []Collaborator
	Public        bool
	State         []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// User is an account record. Password is a bcrypt hash, never plaintext.
type User struct {
	ID        string
	Email     string
	Password  string
	Name      string
	CreatedAt time.Time
}

// DocumentStore abstracts document persistence.
// Implementations: MemoryStore, PostgresStore, FirestoreStore.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	// ListDocuments returns documents the user owns or collaborates on,
	// most recently updated first.
	ListDocuments(ctx context.Context, userID string) ([]Document, error)
	UpdateTitle(ctx context.Context, id, title string) error
	// UpdateState writes a full-state checkpoint.
	UpdateState(ctx context.Context, id string, state []byte, updatedAt time.Time) error
	SetPublic(ctx context.Context, id string, public bool) error
	AddCollaborator(ctx context.Context, id string, c Collaborator) error
	DeleteDocument(ctx context.Context, id string) error
}

// UserStore abstracts account persistence.
type UserStore interface {
	// CreateUser returns ErrExists if the email is already registered.
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

// Store is the full persistence surface the server wires together.
type Store interface {
	DocumentStore
	UserStore
}
