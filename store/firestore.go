package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of Store.
type FirestoreStore struct {
	client *firestore.Client
	docs   string
	users  string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client: client,
		docs:   "documents",
		users:  "users",
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.docs).Doc(id)
}

func (s *FirestoreStore) userRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.users).Doc(id)
}

func (s *FirestoreStore) CreateDocument(ctx context.Context, doc *Document) error {
	now := time.Now()
	_, err := s.docRef(doc.ID).Create(ctx, map[string]interface{}{
		"title":         doc.Title,
		"ownerId":       doc.OwnerID,
		"isPublic":      doc.Public,
		"state":         doc.State,
		"collaborators": collaboratorsToFields(doc.Collaborators),
		"createdAt":     now,
		"updatedAt":     now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("document %q: %w", doc.ID, ErrExists)
	}
	return err
}

func (s *FirestoreStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToDocument(id, snap)
}

func snapshotToDocument(id string, snap *firestore.DocumentSnapshot) (*Document, error) {
	data := snap.Data()
	title, _ := data["title"].(string)
	ownerID, _ := data["ownerId"].(string)
	public, _ := data["isPublic"].(bool)
	state, _ := data["state"].([]byte)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)

	var collabs []Collaborator
	if raw, ok := data["collaborators"].([]interface{}); ok {
		for _, rc := range raw {
			m, ok := rc.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("invalid collaborator entry in document %s", id)
			}
			userID, _ := m["userId"].(string)
			perm, _ := m["permission"].(string)
			collabs = append(collabs, Collaborator{UserID: userID, Permission: Permission(perm)})
		}
	}

	return &Document{
		ID:            id,
		Title:         title,
		OwnerID:       ownerID,
		Collaborators: collabs,
		Public:        public,
		State:         state,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}, nil
}

func collaboratorsToFields(collabs []Collaborator) []map[string]interface{} {
	fields := make([]map[string]interface{}, len(collabs))
	for i, c := range collabs {
		fields[i] = map[string]interface{}{
			"userId":     c.UserID,
			"permission": string(c.Permission),
		}
	}
	return fields
}

func (s *FirestoreStore) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	// Firestore cannot OR an equality with an array-membership filter in
	// one query, so owner and collaborator matches are fetched separately
	// and merged.
	seen := make(map[string]bool)
	var result []Document

	collect := func(iter *firestore.DocumentIterator) error {
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err == iterator.Done {
				return nil
			}
			if err != nil {
				return err
			}
			if seen[snap.Ref.ID] {
				continue
			}
			seen[snap.Ref.ID] = true
			doc, err := snapshotToDocument(snap.Ref.ID, snap)
			if err != nil {
				return err
			}
			result = append(result, *doc)
		}
	}

	owned := s.client.Collection(s.docs).
		Where("ownerId", "==", userID).
		OrderBy("updatedAt", firestore.Desc).
		Documents(ctx)
	if err := collect(owned); err != nil {
		return nil, err
	}

	shared := s.client.Collection(s.docs).
		Where("collaborators", "array-contains-any", []interface{}{
			map[string]interface{}{"userId": userID, "permission": string(PermissionView)},
			map[string]interface{}{"userId": userID, "permission": string(PermissionEdit)},
		}).
		Documents(ctx)
	if err := collect(shared); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *FirestoreStore) UpdateTitle(ctx context.Context, id, title string) error {
	return s.updateDoc(ctx, id, []firestore.Update{
		{Path: "title", Value: title},
		{Path: "updatedAt", Value: time.Now()},
	})
}

func (s *FirestoreStore) UpdateState(ctx context.Context, id string, state []byte, updatedAt time.Time) error {
	return s.updateDoc(ctx, id, []firestore.Update{
		{Path: "state", Value: state},
		{Path: "updatedAt", Value: updatedAt},
	})
}

func (s *FirestoreStore) SetPublic(ctx context.Context, id string, public bool) error {
	return s.updateDoc(ctx, id, []firestore.Update{
		{Path: "isPublic", Value: public},
		{Path: "updatedAt", Value: time.Now()},
	})
}

func (s *FirestoreStore) AddCollaborator(ctx context.Context, id string, c Collaborator) error {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	collabs := doc.Collaborators
	replaced := false
	for i, existing := range collabs {
		if existing.UserID == c.UserID {
			collabs[i].Permission = c.Permission
			replaced = true
		}
	}
	if !replaced {
		collabs = append(collabs, c)
	}
	return s.updateDoc(ctx, id, []firestore.Update{
		{Path: "collaborators", Value: collaboratorsToFields(collabs)},
	})
}

func (s *FirestoreStore) DeleteDocument(ctx context.Context, id string) error {
	// Firestore deletes are idempotent; check existence first so absence
	// surfaces as ErrNotFound like the other backends.
	if _, err := s.GetDocument(ctx, id); err != nil {
		return err
	}
	_, err := s.docRef(id).Delete(ctx)
	return err
}

func (s *FirestoreStore) updateDoc(ctx context.Context, id string, updates []firestore.Update) error {
	_, err := s.docRef(id).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return err
}

func (s *FirestoreStore) CreateUser(ctx context.Context, u *User) error {
	// Enforce email uniqueness before creating.
	if _, err := s.GetUserByEmail(ctx, u.Email); err == nil {
		return fmt.Errorf("user %q: %w", u.Email, ErrExists)
	}
	_, err := s.userRef(u.ID).Create(ctx, map[string]interface{}{
		"email":     u.Email,
		"password":  u.Password,
		"name":      u.Name,
		"createdAt": time.Now(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("user %q: %w", u.ID, ErrExists)
	}
	return err
}

func (s *FirestoreStore) GetUser(ctx context.Context, id string) (*User, error) {
	snap, err := s.userRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToUser(id, snap), nil
}

func (s *FirestoreStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	iter := s.client.Collection(s.users).
		Where("email", "==", email).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, fmt.Errorf("user %q: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToUser(snap.Ref.ID, snap), nil
}

func snapshotToUser(id string, snap *firestore.DocumentSnapshot) *User {
	data := snap.Data()
	email, _ := data["email"].(string)
	password, _ := data["password"].(string)
	name, _ := data["name"].(string)
	createdAt, _ := data["createdAt"].(time.Time)
	return &User{ID: id, Email: email, Password: password, Name: name, CreatedAt: createdAt}
}
