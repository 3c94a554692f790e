// Package access decides who may reach which document.
package access

import (
	"context"

	"github.com/dverbeek/syncdoc/store"
)

// Policy answers access questions against the persistent store. Checks
// hit the store every time; join-time access is deliberately uncached so
// permission changes take effect on the next join.
type Policy struct {
	docs store.DocumentStore
}

func NewPolicy(docs store.DocumentStore) *Policy {
	return &Policy{docs: docs}
}

// CanAccess reports whether the user may read or join the document:
// they own it, they are a collaborator at any permission level, or the
// document is public. A missing document is indistinguishable from a
// denial, so document existence never leaks to unauthorized callers.
func (p *Policy) CanAccess(ctx context.Context, docID, userID string) bool {
	doc, err := p.docs.GetDocument(ctx, docID)
	if err != nil {
		return false
	}
	if doc.OwnerID == userID || doc.Public {
		return true
	}
	for _, c := range doc.Collaborators {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// CanEdit reports whether the user may mutate the document: ownership
// or an explicit edit grant. Public visibility alone is read-only.
func (p *Policy) CanEdit(ctx context.Context, docID, userID string) bool {
	doc, err := p.docs.GetDocument(ctx, docID)
	if err != nil {
		return false
	}
	if doc.OwnerID == userID {
		return true
	}
	for _, c := range doc.Collaborators {
		if c.UserID == userID && c.Permission == store.PermissionEdit {
			return true
		}
	}
	return false
}
