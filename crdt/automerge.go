package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// AutomergeDoc wraps an automerge document behind the Doc interface.
// Merge semantics (commutativity, idempotence, duplicate tolerance) are
// inherited from the automerge library.
type AutomergeDoc struct {
	doc *automerge.Doc
}

// NewAutomerge creates an empty automerge-backed document.
func NewAutomerge() Doc {
	return &AutomergeDoc{doc: automerge.New()}
}

func (a *AutomergeDoc) ApplyUpdate(update []byte) error {
	if err := a.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("apply automerge update: %w", err)
	}
	return nil
}

func (a *AutomergeDoc) EncodeState() []byte {
	return a.doc.Save()
}
