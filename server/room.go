package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dverbeek/syncdoc/crdt"
	"github.com/dverbeek/syncdoc/store"
)

type joinRequest struct {
	client *Client
	docID  string
}

type leaveRequest struct {
	client *Client
}

type updateMessage struct {
	client  *Client
	payload []byte
}

type cursorMessage struct {
	client  *Client
	payload json.RawMessage
}

// Room coordinates the live collaborative session for one document. It
// exclusively owns the document's replicated state: the state is created
// once, hydrated from the last checkpoint once, and from then on only
// mutated by applied updates. All membership and state mutations run on
// the room's own goroutine, so handlers never race each other.
type Room struct {
	docID   string
	doc     crdt.Doc
	store   store.DocumentStore
	members map[*Client]bool
	log     zerolog.Logger

	// hydrated flips once the checkpoint has been applied. The room
	// goroutine is the only reader and writer, so concurrent joins can
	// never trigger a second hydration.
	hydrated bool

	join    chan joinRequest
	leave   chan leaveRequest
	updates chan updateMessage
	cursors chan cursorMessage
	stop    chan struct{}
}

func newRoom(docID string, doc crdt.Doc, st store.DocumentStore, log zerolog.Logger) *Room {
	return &Room{
		docID:   docID,
		doc:     doc,
		store:   st,
		members: make(map[*Client]bool),
		log:     log.With().Str("doc", docID).Logger(),
		join:    make(chan joinRequest, 16),
		leave:   make(chan leaveRequest, 16),
		updates: make(chan updateMessage, 64),
		cursors: make(chan cursorMessage, 64),
		stop:    make(chan struct{}),
	}
}

// Run is the room's main loop. It serializes all handlers.
func (r *Room) Run() {
	for {
		select {
		case req := <-r.join:
			r.handleJoin(req.client)
		case req := <-r.leave:
			r.handleLeave(req.client)
		case um := <-r.updates:
			r.handleUpdate(um)
		case cm := <-r.cursors:
			r.handleCursor(cm)
		case <-r.stop:
			return
		}
	}
}

// hydrate applies the last persisted checkpoint to the fresh document.
// It runs at most once; a failed store read leaves the room unhydrated
// so the next join retries instead of serving an empty document.
func (r *Room) hydrate(ctx context.Context) error {
	doc, err := r.store.GetDocument(ctx, r.docID)
	if err != nil {
		return fmt.Errorf("read checkpoint for %q: %w", r.docID, err)
	}
	if doc.State != nil {
		if err := r.doc.ApplyUpdate(doc.State); err != nil {
			return fmt.Errorf("apply checkpoint for %q: %w", r.docID, err)
		}
	}
	r.hydrated = true
	return nil
}

func (r *Room) handleJoin(c *Client) {
	if !r.hydrated {
		if err := r.hydrate(context.Background()); err != nil {
			r.log.Error().Err(err).Msg("hydration failed")
			c.sendError("failed to join document")
			return
		}
	}

	// Re-joins are idempotent: the member set re-add is a no-op and the
	// catch-up sequence simply repeats.
	r.members[c] = true
	c.addRoom(r)

	c.sendMsg(ServerMessage{
		Type:  MsgSyncUpdate,
		DocID: r.docID,
		State: r.doc.EncodeState(),
	})
	c.sendMsg(ServerMessage{
		Type:  MsgUsersUpdate,
		DocID: r.docID,
		Users: r.memberInfos(),
	})

	joined := c.info()
	for other := range r.members {
		if other != c {
			other.sendMsg(ServerMessage{
				Type:  MsgUserJoined,
				DocID: r.docID,
				User:  &joined,
			})
		}
	}
}

func (r *Room) handleLeave(c *Client) {
	if !r.members[c] {
		return
	}
	delete(r.members, c)
	c.removeRoom(r.docID)

	for other := range r.members {
		other.sendMsg(ServerMessage{
			Type:  MsgUserLeft,
			DocID: r.docID,
			User:  &UserInfo{ID: c.identity.UserID},
		})
	}
}

func (r *Room) handleUpdate(um updateMessage) {
	// Updates from connections that are not members are dropped without
	// a reply.
	if !r.members[um.client] {
		r.log.Debug().Str("conn", um.client.id).Msg("dropping update from non-member")
		return
	}

	if err := r.doc.ApplyUpdate(um.payload); err != nil {
		r.log.Warn().Err(err).Str("conn", um.client.id).Msg("failed to apply update")
		um.client.sendError("failed to apply update")
		return
	}

	// Relay the raw payload verbatim; peers merge it themselves, so no
	// full-state transfer is needed.
	for other := range r.members {
		if other != um.client {
			other.sendMsg(ServerMessage{
				Type:   MsgReceiveUpdate,
				DocID:  r.docID,
				Update: um.payload,
			})
		}
	}

	r.checkpoint()
}

// checkpoint writes the full current state through to the store. A
// failed write is logged and otherwise ignored: durability lag must not
// roll back the in-memory merge or stall the live session.
func (r *Room) checkpoint() {
	state := r.doc.EncodeState()
	if err := r.store.UpdateState(context.Background(), r.docID, state, time.Now()); err != nil {
		r.log.Error().Err(err).Msg("failed to persist checkpoint")
	}
}

func (r *Room) handleCursor(cm cursorMessage) {
	if !r.members[cm.client] {
		return
	}
	// Cursor positions are presence metadata: relayed with the sender's
	// identity, never merged into the document, never persisted.
	for other := range r.members {
		if other != cm.client {
			other.sendMsg(ServerMessage{
				Type:     MsgCursorUpdate,
				DocID:    r.docID,
				Cursor:   cm.payload,
				SenderID: cm.client.identity.UserID,
			})
		}
	}
}

// memberInfos resolves the member set into display identities. Presence
// is always derived from live connections, never stored.
func (r *Room) memberInfos() []UserInfo {
	infos := make([]UserInfo, 0, len(r.members))
	for c := range r.members {
		infos = append(infos, c.info())
	}
	return infos
}
