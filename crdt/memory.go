package crdt

import (
	"encoding/base64"
	"encoding/json"
	"sort"
)

// stateEnvelope is the encoded form of a MemoryDoc: the set of every
// distinct update ever applied, sorted for determinism.
type stateEnvelope struct {
	Updates []string `json:"crdt-set"`
}

// MemoryDoc is a dependency-free Doc that treats updates as opaque
// tokens and merges by set union. Applying an encoded state merges its
// constituent updates, so a checkpoint hydrated into a fresh MemoryDoc
// reproduces the original. Used in tests and as a fallback backend.
type MemoryDoc struct {
	updates map[string]struct{}
}

// NewMemory creates an empty set-union document.
func NewMemory() Doc {
	return &MemoryDoc{updates: make(map[string]struct{})}
}

func (m *MemoryDoc) ApplyUpdate(update []byte) error {
	var env stateEnvelope
	if err := json.Unmarshal(update, &env); err == nil && env.Updates != nil {
		for _, u := range env.Updates {
			m.updates[u] = struct{}{}
		}
		return nil
	}
	m.updates[base64.StdEncoding.EncodeToString(update)] = struct{}{}
	return nil
}

func (m *MemoryDoc) EncodeState() []byte {
	env := stateEnvelope{Updates: make([]string, 0, len(m.updates))}
	for u := range m.updates {
		env.Updates = append(env.Updates, u)
	}
	sort.Strings(env.Updates)
	b, _ := json.Marshal(env)
	return b
}
