package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]*Document
	users map[string]*User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string]*Document),
		users: make(map[string]*User),
	}
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("document %q: %w", doc.ID, ErrExists)
	}
	now := time.Now()
	cp := *doc
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.docs[doc.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return copyDocument(doc), nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, userID string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Document
	for _, doc := range s.docs {
		if doc.OwnerID == userID || hasCollaborator(doc, userID) {
			result = append(result, *copyDocument(doc))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (s *MemoryStore) UpdateTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	doc.Title = title
	doc.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateState(_ context.Context, id string, state []byte, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	doc.State = append([]byte(nil), state...)
	doc.UpdatedAt = updatedAt
	return nil
}

func (s *MemoryStore) SetPublic(_ context.Context, id string, public bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	doc.Public = public
	doc.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AddCollaborator(_ context.Context, id string, c Collaborator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	for i, existing := range doc.Collaborators {
		if existing.UserID == c.UserID {
			doc.Collaborators[i].Permission = c.Permission
			return nil
		}
	}
	doc.Collaborators = append(doc.Collaborators, c)
	return nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Email == u.Email {
			return fmt.Errorf("user %q: %w", u.Email, ErrExists)
		}
	}
	cp := *u
	cp.CreatedAt = time.Now()
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", email, ErrNotFound)
}

func copyDocument(doc *Document) *Document {
	cp := *doc
	cp.Collaborators = append([]Collaborator(nil), doc.Collaborators...)
	cp.State = append([]byte(nil), doc.State...)
	if doc.State == nil {
		cp.State = nil
	}
	return &cp
}

func hasCollaborator(doc *Document, userID string) bool {
	for _, c := range doc.Collaborators {
		if c.UserID == userID {
			return true
		}
	}
	return false
}
