package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// dirtyState tracks what needs flushing for a single document.
type dirtyState struct {
	stateDirty bool // checkpoint blob needs writing to the backing store
}

// CachedStore wraps a backing Store with an in-memory document cache.
// Checkpoint writes (the per-update hot path) are absorbed by the cache
// and flushed to the backing store periodically in the background.
// Metadata mutations and the user surface are written through.
//
// Note the engine always calls UpdateState synchronously; wrapping its
// store in a CachedStore trades checkpoint durability lag for fewer
// backing-store writes under heavy edit traffic.
type CachedStore struct {
	cache         *MemoryStore
	backing       Store
	mu            sync.Mutex
	dirty         map[string]*dirtyState
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
	log           zerolog.Logger
}

// NewCachedStore creates a CachedStore that caches documents in memory
// and flushes dirty checkpoints to the backing store every flushInterval.
func NewCachedStore(backing Store, flushInterval time.Duration, log zerolog.Logger) *CachedStore {
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		dirty:         make(map[string]*dirtyState),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		log:           log.With().Str("component", "cached_store").Logger(),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) CreateDocument(ctx context.Context, doc *Document) error {
	if err := cs.backing.CreateDocument(ctx, doc); err != nil {
		return err
	}
	return cs.loadFromBacking(ctx, doc.ID)
}

func (cs *CachedStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	doc, err := cs.cache.GetDocument(ctx, id)
	if err == nil {
		return doc, nil
	}
	// Cache miss; load from the backing store.
	if err := cs.loadFromBacking(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.GetDocument(ctx, id)
}

func (cs *CachedStore) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	return cs.backing.ListDocuments(ctx, userID)
}

func (cs *CachedStore) UpdateState(ctx context.Context, id string, state []byte, updatedAt time.Time) error {
	// Ensure the document is cached so the write lands somewhere real.
	if _, err := cs.GetDocument(ctx, id); err != nil {
		return err
	}
	if err := cs.cache.UpdateState(ctx, id, state, updatedAt); err != nil {
		return err
	}
	cs.mu.Lock()
	if cs.dirty[id] == nil {
		cs.dirty[id] = &dirtyState{}
	}
	cs.dirty[id].stateDirty = true
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) UpdateTitle(ctx context.Context, id, title string) error {
	if err := cs.backing.UpdateTitle(ctx, id, title); err != nil {
		return err
	}
	cs.cache.UpdateTitle(ctx, id, title)
	return nil
}

func (cs *CachedStore) SetPublic(ctx context.Context, id string, public bool) error {
	if err := cs.backing.SetPublic(ctx, id, public); err != nil {
		return err
	}
	cs.cache.SetPublic(ctx, id, public)
	return nil
}

func (cs *CachedStore) AddCollaborator(ctx context.Context, id string, c Collaborator) error {
	if err := cs.backing.AddCollaborator(ctx, id, c); err != nil {
		return err
	}
	cs.cache.AddCollaborator(ctx, id, c)
	return nil
}

func (cs *CachedStore) DeleteDocument(ctx context.Context, id string) error {
	if err := cs.backing.DeleteDocument(ctx, id); err != nil {
		return err
	}
	cs.cache.DeleteDocument(ctx, id)
	cs.mu.Lock()
	delete(cs.dirty, id)
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) CreateUser(ctx context.Context, u *User) error {
	return cs.backing.CreateUser(ctx, u)
}

func (cs *CachedStore) GetUser(ctx context.Context, id string) (*User, error) {
	return cs.backing.GetUser(ctx, id)
}

func (cs *CachedStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return cs.backing.GetUserByEmail(ctx, email)
}

// loadFromBacking copies a document from the backing store into the
// cache, preserving its timestamps. A dirty cached checkpoint is never
// overwritten by a stale backing read.
func (cs *CachedStore) loadFromBacking(ctx context.Context, id string) error {
	doc, err := cs.backing.GetDocument(ctx, id)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	ds := cs.dirty[id]
	cs.mu.Unlock()
	if ds != nil && ds.stateDirty {
		return nil
	}

	cs.cache.mu.Lock()
	cs.cache.docs[id] = copyDocument(doc)
	cs.cache.mu.Unlock()
	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all dirty checkpoints to the backing store.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	ids := make([]string, 0, len(cs.dirty))
	for id, ds := range cs.dirty {
		if ds.stateDirty {
			ids = append(ids, id)
		}
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for _, id := range ids {
		doc, err := cs.cache.GetDocument(ctx, id)
		if err != nil {
			// Deleted since it was marked dirty.
			cs.mu.Lock()
			delete(cs.dirty, id)
			cs.mu.Unlock()
			continue
		}

		if err := cs.backing.UpdateState(ctx, id, doc.State, doc.UpdatedAt); err != nil {
			cs.log.Error().Err(err).Str("doc", id).Msg("failed to flush checkpoint, will retry")
			continue
		}

		// Only clear the dirty bit if no new checkpoint landed while
		// flushing.
		cs.mu.Lock()
		cur, _ := cs.cache.GetDocument(ctx, id)
		if ds := cs.dirty[id]; ds != nil && cur != nil && cur.UpdatedAt.Equal(doc.UpdatedAt) {
			delete(cs.dirty, id)
		}
		cs.mu.Unlock()
	}
}

// Flush forces a synchronous flush of all dirty checkpoints.
func (cs *CachedStore) Flush() {
	cs.flush()
}

// Close performs a final flush and stops the flush loop.
func (cs *CachedStore) Close() error {
	select {
	case <-cs.stop:
		return fmt.Errorf("cached store already closed")
	default:
	}
	close(cs.stop)
	<-cs.done
	return nil
}
