package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Postgres-backed implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore using the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	password   TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	owner_id   TEXT NOT NULL REFERENCES users(id),
	is_public  BOOLEAN NOT NULL DEFAULT FALSE,
	state      BYTEA,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS collaborators (
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	user_id     TEXT NOT NULL REFERENCES users(id),
	permission  TEXT NOT NULL DEFAULT 'view',
	PRIMARY KEY (document_id, user_id)
);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *Document) error {
	const q = `INSERT INTO documents (id, title, owner_id, is_public, state)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, q, doc.ID, doc.Title, doc.OwnerID, doc.Public, doc.State)
	if isUniqueViolation(err) {
		return fmt.Errorf("document %q: %w", doc.ID, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	for _, c := range doc.Collaborators {
		if err := s.AddCollaborator(ctx, doc.ID, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	const q = `SELECT id, title, owner_id, is_public, state, created_at, updated_at
		FROM documents WHERE id = $1`
	var doc Document
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&doc.ID, &doc.Title, &doc.OwnerID, &doc.Public, &doc.State,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}

	collabs, err := s.collaborators(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.Collaborators = collabs
	return &doc, nil
}

func (s *PostgresStore) collaborators(ctx context.Context, docID string) ([]Collaborator, error) {
	const q = `SELECT user_id, permission FROM collaborators WHERE document_id = $1`
	rows, err := s.pool.Query(ctx, q, docID)
	if err != nil {
		return nil, fmt.Errorf("get collaborators: %w", err)
	}
	defer rows.Close()

	var result []Collaborator
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.UserID, &c.Permission); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	const q = `SELECT DISTINCT d.id, d.title, d.owner_id, d.is_public, d.created_at, d.updated_at
		FROM documents d
		LEFT JOIN collaborators c ON c.document_id = d.id
		WHERE d.owner_id = $1 OR c.user_id = $1
		ORDER BY d.updated_at DESC`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var result []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.OwnerID, &doc.Public,
			&doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		result = append(result, doc)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateTitle(ctx context.Context, id, title string) error {
	const q = `UPDATE documents SET title = $2, updated_at = now() WHERE id = $1`
	return s.execOnDocument(ctx, id, q, id, title)
}

func (s *PostgresStore) UpdateState(ctx context.Context, id string, state []byte, updatedAt time.Time) error {
	const q = `UPDATE documents SET state = $2, updated_at = $3 WHERE id = $1`
	return s.execOnDocument(ctx, id, q, id, state, updatedAt)
}

func (s *PostgresStore) SetPublic(ctx context.Context, id string, public bool) error {
	const q = `UPDATE documents SET is_public = $2, updated_at = now() WHERE id = $1`
	return s.execOnDocument(ctx, id, q, id, public)
}

func (s *PostgresStore) AddCollaborator(ctx context.Context, id string, c Collaborator) error {
	const q = `INSERT INTO collaborators (document_id, user_id, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET permission = $3`
	_, err := s.pool.Exec(ctx, q, id, c.UserID, c.Permission)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	return s.execOnDocument(ctx, id, `DELETE FROM documents WHERE id = $1`, id)
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	const q = `INSERT INTO users (id, email, password, name) VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, q, u.ID, u.Email, u.Password, u.Name)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %q: %w", u.Email, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	const q = `SELECT id, email, password, name, created_at FROM users WHERE id = $1`
	return s.scanUser(s.pool.QueryRow(ctx, q, id), id)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	const q = `SELECT id, email, password, name, created_at FROM users WHERE email = $1`
	return s.scanUser(s.pool.QueryRow(ctx, q, email), email)
}

func (s *PostgresStore) scanUser(row pgx.Row, key string) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Password, &u.Name, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// execOnDocument runs a single-row statement and maps zero affected rows
// to ErrNotFound.
func (s *PostgresStore) execOnDocument(ctx context.Context, id, q string, args ...any) error {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update document %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
