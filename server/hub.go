package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dverbeek/syncdoc/access"
	"github.com/dverbeek/syncdoc/crdt"
	"github.com/dverbeek/syncdoc/store"
)

// Hub is the registry of live rooms. It gates every join through the
// access policy and guarantees each document gets at most one room, and
// each room at most one hydration, even under concurrent first-joins:
// the registry slot is claimed synchronously under the lock, before any
// store I/O, and the room goroutine hydrates before serving traffic.
//
// Rooms are never evicted once created; they live for the process
// lifetime even when their membership drops to zero.
type Hub struct {
	store   store.DocumentStore
	policy  *access.Policy
	factory crdt.Factory
	log     zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room

	join chan joinRequest
}

func NewHub(st store.DocumentStore, policy *access.Policy, factory crdt.Factory, log zerolog.Logger) *Hub {
	return &Hub{
		store:   st,
		policy:  policy,
		factory: factory,
		log:     log.With().Str("component", "hub").Logger(),
		rooms:   make(map[string]*Room),
		join:    make(chan joinRequest, 64),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for req := range h.join {
		h.handleJoin(req)
	}
}

func (h *Hub) handleJoin(req joinRequest) {
	// Access is re-evaluated on every join; a missing document denies
	// exactly like a forbidden one.
	if !h.policy.CanAccess(context.Background(), req.docID, req.client.identity.UserID) {
		h.log.Debug().
			Str("doc", req.docID).
			Str("user", req.client.identity.UserID).
			Msg("join denied")
		req.client.sendError("access denied")
		return
	}

	room := h.room(req.docID)
	room.join <- joinRequest{client: req.client, docID: req.docID}
}

// room returns the live room for a document, claiming the registry slot
// and starting the room goroutine on first use.
func (h *Hub) room(docID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[docID]
	if !ok {
		r = newRoom(docID, h.factory(), h.store, h.log)
		h.rooms[docID] = r
		go r.Run()
	}
	return r
}

// GetRoom returns the room for a document if one is active.
func (h *Hub) GetRoom(docID string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[docID]
}
