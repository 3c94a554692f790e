package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dverbeek/syncdoc/auth"
	"github.com/dverbeek/syncdoc/crdt"
	"github.com/dverbeek/syncdoc/store"
)

// mockClient creates a client without a real WebSocket connection.
func mockClient(userID string) *Client {
	return &Client{
		id:       "conn-" + userID,
		identity: auth.Identity{UserID: userID, Email: userID + "@example.com"},
		send:     make(chan []byte, 256),
		rooms:    make(map[string]*Room),
		log:      zerolog.Nop(),
	}
}

// recvMsg reads one message from a mock client's send channel with timeout.
func recvMsg(t *testing.T, c *Client) ServerMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return ServerMessage{}
	}
}

// expectNoMsg asserts a client's send channel stays quiet.
func expectNoMsg(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestRoom(t *testing.T, st store.DocumentStore) *Room {
	t.Helper()
	r := newRoom("doc1", crdt.NewMemory(), st, zerolog.Nop())
	go r.Run()
	t.Cleanup(func() { close(r.stop) })
	return r
}

func seedDoc(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	if err := st.CreateDocument(context.Background(), &store.Document{ID: "doc1", OwnerID: "u1"}); err != nil {
		t.Fatal(err)
	}
}

func TestRoom_JoinReceivesStateAndPresence(t *testing.T) {
	st := store.NewMemoryStore()
	seedDoc(t, st)
	r := newTestRoom(t, st)

	c := mockClient("u1")
	r.join <- joinRequest{client: c, docID: "doc1"}

	sync := recvMsg(t, c)
	if sync.Type != MsgSyncUpdate {
		t.Fatalf("expected sync-update, got %q", sync.Type)
	}
	if sync.State == nil {
		t.Error("sync-update carries no state")
	}

	users := recvMsg(t, c)
	if users.Type != MsgUsersUpdate {
		t.Fatalf("expected users-update, got %q", users.Type)
	}
	if len(users.Users) != 1 || users.Users[0].ID != "u1" {
		t.Errorf("unexpected presence list: %+v", users.Users)
	}
}

func TestRoom_JoinHydratesFromCheckpoint(t *testing.T) {
	st := store.NewMemoryStore()
	seedDoc(t, st)

	// Persist a checkpoint before the room exists.
	seeded := crdt.NewMemory()
	seeded.ApplyUpdate([]byte("existing-edit"))
	if err := st.UpdateState(context.Background(), "doc1", seeded.EncodeState(), time.Now()); err != nil {
		t.Fatal(err)
	}

	r := newTestRoom(t, st)
	c := mockClient("u1")
	r.join <- joinRequest{client: c, docID: "doc1"}

	sync := recvMsg(t, c)
	if !bytes.Equal(sync.State, seeded.EncodeState()) {
		t.Error("joiner did not receive the checkpointed state")
	}
}

func TestRoom_JoinNotifiesExistingMembers(t *testing.T) {
	st := store.NewMemoryStore()
	seedDoc(t, st)
	r := newTestRoom(t, st)

	c1 := mockClient("u1")
	c2 := mockClient("u2")
	r.join <- joinRequest{client: c1, docID: "doc1"}
	recvMsg(t, c1) // sync-update
	recvMsg(t, c1) // users-update

	r.join <- joinRequest{client: c2, docID: "doc1"}
	recvMsg(t, c2) // sync-update
	recvMsg(t, c2) // users-update

	joined := recvMsg(t, c1)
	if joined.Type != MsgUserJoined {
		t.Fatalf("expected user-joined, got %q", joined.Type)
	}
	if joined.User == nil || joined.User.ID != "u2" {
		t.Errorf("unexpected joiner: %+v", joined.User)
	}
}

func TestRoom_RejoinIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	seedDoc(t, st)
	r := newTestRoom(t, st)

	c := mockClient("u1")
	r.join <- joinRequest{client: c, docID: "doc1"}
	recvMsg(t, c) // sync-update
	recvMsg(t, c) // users-update

	// Joining again repeats the catch-up sequence without errors or
	// duplicate membership.
	r.join <- joinRequest{client: c, docID: "doc1"}
	sync := recvMsg(t, c)
	if sync.Type != MsgSyncUpdate {
		t.Fatalf("expected sync-update on re-join, got %q", sync.Type)
	}
	users := recvMsg(t, c)
	if len(users.Users) != 1 {
		t.Errorf("re-join duplicated membership: %+v", users.Users)
	}
}

func TestRoom_UpdateRelayedToOthersOnly(t *testing.T) {
	st := store.NewMemoryStore()
	seedDoc(t, st)
	r := newTestRoom(t, st)

	c1 := mockClient("u1")
	c2 := mockClient("u2")
	r.join <- joinRequest{client: c1, docID: "doc1"}
	recvMsg(t, c1)
	recvMsg(t, c1)
	r.join <- joinRequest{client: c2, docID: "doc1"}
	recvMsg(t, c2)
	recvMsg(t, c2)
	recvMsg(t, c1) // user-joined

	payload := []byte("edit-1")
	r.updates <- updateMessage{client: c1, payload: payload}

	relayed := recvMsg(t, c2)
	if relayed.Type != MsgReceiveUpdate {
		t.Fatalf("expected receive-update, got %q", relayed.Type)
	}
	if !bytes.Equal(relayed.Update, payload) {
		t.Error("relay is not verbatim")
	}

	// The sender never gets its own update echoed back.
	expectNoMsg(t, c1)
}

func TestRoom_UpdateFromNonMemberIgnored(t *testing.T) {
	st := store.NewMemoryStore()
	seedDoc(t, st)
	r := newTestRoom(t, st)

	member := mockClient("u1")
	r.join <- joinRequest{client: member, docID: "doc1"}
	recvMsg(t, member)
	recvMsg(t, member)

	outsider := mockClient("u2")
	r.updates <- updateMessage{client: outsider, payload: []byte("sneaky")}

	// Dropped silently: no relay to members, no error to the outsider.
	expectNoMsg(t, member)
	expectNoMsg(t, outsider)

	doc, _ := st.GetDocument(context.Background(), "doc1")
	if doc.State != nil {
		t.Error("non-member update was persisted")
	}
}

func TestRoom_CheckpointMatchesLiveState(t *testing.T) {
	st := store.NewMemoryStore()
	seedDoc(t, st)
	r := newTestRoom(t, st)

	c := mockClient("u1")
	r.join <- joinRequest{client: c, docID: "doc1"}
	recvMsg(t, c)
	recvMsg(t, c)

	r.updates <- updateMessage{client: c, payload: []byte("edit-1")}
	r.updates <- updateMessage{client: c, payload: []byte("edit-2")}

	// Wait for the write-through checkpoint of the second update.
	var persisted []byte
	deadline := time.Now().Add(2 * time.Second)
	for {
		doc, _ := st.GetDocument(context.Background(), "doc1")
		persisted = doc.State

		fresh := crdt.NewMemory()
		if persisted != nil {
			fresh.ApplyUpdate(persisted)
		}
		want := crdt.NewMemory()
		want.ApplyUpdate([]byte("edit-1"))
		want.ApplyUpdate([]byte("edit-2"))
		if bytes.Equal(fresh.EncodeState(), want.EncodeState()) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("checkpoint never converged: %s", persisted)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// failingDoc rejects a designated payload, standing in for a malformed
// update.
type failingDoc struct {
	crdt.Doc
}

func (f *failingDoc) ApplyUpdate(update []byte) error {
	if bytes.Equal(update, []byte("malformed")) {
		return errors.New("malformed update")
	}
	return f.Doc.ApplyUpdate(update)
}

func TestRoom_ApplyFailureIsContained(t *testing.T) {
	st := store.NewMemoryStore()
	seedDoc(t, st)

	r := newRoom("doc1", &failingDoc{Doc: crdt.NewMemory()}, st, zerolog.Nop())
	go r.Run()
	defer close(r.stop)

	c1 := mockClient("u1")
	c2 := mockClient("u2")
	r.join <- joinRequest{client: c1, docID: "doc1"}
	recvMsg(t, c1)
	recvMsg(t, c1)
	r.join <- joinRequest{client: c2, docID: "doc1"}
	recvMsg(t, c2)
	recvMsg(t, c2)
	recvMsg(t, c1) // user-joined

	r.updates <- updateMessage{client: c1, payload: []byte("malformed")}

	// Sender gets a scoped error; the peer sees nothing; nothing is
	// persisted.
	errMsg := recvMsg(t, c1)
	if errMsg.Type != MsgError {
		t.Fatalf("expected error, got %q", errMsg.Type)
	}
	expectNoMsg(t, c2)

	doc, _ := st.GetDocument(context.Background(), "doc1")
	if doc.State != nil {
		t.Error("failed update was persisted")
	}

	// The room keeps working afterwards.
	r.updates <- updateMessage{client: c1, payload: []byte("good")}
	relayed := recvMsg(t, c2)
	if relayed.Type != MsgReceiveUpdate {
		t.Fatalf("room stopped relaying after an apply failure: %q", relayed.Type)
	}
}

func TestRoom_PersistenceFailureInvisibleToClients(t *testing.T) {
	st := store.NewMemoryStore()
	seedDoc(t, st)

	failing := &failingStateStore{DocumentStore: st}
	r := newRoom("doc1", crdt.NewMemory(), failing, zerolog.Nop())
	go r.Run()
	defer close(r.stop)

	c1 := mockClient("u1")
	c2 := mockClient("u2")
	r.join <- joinRequest{client: c1, docID: "doc1"}
	recvMsg(t, c1)
	recvMsg(t, c1)
	r.join <- joinRequest{client: c2, docID: "doc1"}
	recvMsg(t, c2)
	recvMsg(t, c2)
	recvMsg(t, c1) // user-joined

	r.updates <- updateMessage{client: c1, payload: []byte("edit")}

	// The relay happens even though every checkpoint write fails, and
	// neither client hears about the store problem.
	relayed := recvMsg(t, c2)
	if relayed.Type != MsgReceiveUpdate {
		t.Fatalf("expected receive-update, got %q", relayed.Type)
	}
	expectNoMsg(t, c1)
}

// failingStateStore fails every checkpoint write.
type failingStateStore struct {
	store.DocumentStore
}

func (f *failingStateStore) UpdateState(context.Context, string, []byte, time.Time) error {
	return errors.New("store unavailable")
}

func TestRoom_CursorBroadcast(t *testing.T) {
	st := store.NewMemoryStore()
	seedDoc(t, st)
	r := newTestRoom(t, st)

	c1 := mockClient("u1")
	c2 := mockClient("u2")
	r.join <- joinRequest{client: c1, docID: "doc1"}
	recvMsg(t, c1)
	recvMsg(t, c1)
	r.join <- joinRequest{client: c2, docID: "doc1"}
	recvMsg(t, c2)
	recvMsg(t, c2)
	recvMsg(t, c1) // user-joined

	cursor := json.RawMessage(`{"anchor":3,"head":7}`)
	r.cursors <- cursorMessage{client: c1, payload: cursor}

	msg := recvMsg(t, c2)
	if msg.Type != MsgCursorUpdate {
		t.Fatalf("expected cursor-update, got %q", msg.Type)
	}
	if msg.SenderID != "u1" {
		t.Errorf("senderId = %q, want u1", msg.SenderID)
	}
	if !bytes.Equal(msg.Cursor, cursor) {
		t.Error("cursor payload not passed through")
	}
	expectNoMsg(t, c1)

	// Cursors never touch the persisted checkpoint.
	doc, _ := st.GetDocument(context.Background(), "doc1")
	if doc.State != nil {
		t.Error("cursor update was persisted")
	}
}

func TestRoom_LeaveNotifiesOthers(t *testing.T) {
	st := store.NewMemoryStore()
	seedDoc(t, st)
	r := newTestRoom(t, st)

	c1 := mockClient("u1")
	c2 := mockClient("u2")
	r.join <- joinRequest{client: c1, docID: "doc1"}
	recvMsg(t, c1)
	recvMsg(t, c1)
	r.join <- joinRequest{client: c2, docID: "doc1"}
	recvMsg(t, c2)
	recvMsg(t, c2)
	recvMsg(t, c1) // user-joined

	r.leave <- leaveRequest{client: c2}

	left := recvMsg(t, c1)
	if left.Type != MsgUserLeft {
		t.Fatalf("expected user-left, got %q", left.Type)
	}
	if left.User == nil || left.User.ID != "u2" {
		t.Errorf("unexpected leaver: %+v", left.User)
	}
}

func TestRoom_ConvergenceAcrossSenders(t *testing.T) {
	st := store.NewMemoryStore()
	seedDoc(t, st)
	r := newTestRoom(t, st)

	c1 := mockClient("u1")
	c2 := mockClient("u2")
	r.join <- joinRequest{client: c1, docID: "doc1"}
	recvMsg(t, c1)
	recvMsg(t, c1)
	r.join <- joinRequest{client: c2, docID: "doc1"}
	recvMsg(t, c2)
	recvMsg(t, c2)
	recvMsg(t, c1) // user-joined

	// Concurrent edits from both members.
	r.updates <- updateMessage{client: c1, payload: []byte("b1")}
	r.updates <- updateMessage{client: c2, payload: []byte("b2")}

	// Each member receives the other's update; merging it locally with
	// their own edit converges regardless of relay order.
	got1 := recvMsg(t, c2)
	got2 := recvMsg(t, c1)

	view1 := crdt.NewMemory() // u1's replica: own b1 plus relayed payload
	view1.ApplyUpdate([]byte("b1"))
	view1.ApplyUpdate(got2.Update)

	view2 := crdt.NewMemory() // u2's replica: own b2 plus relayed payload
	view2.ApplyUpdate([]byte("b2"))
	view2.ApplyUpdate(got1.Update)

	if !bytes.Equal(view1.EncodeState(), view2.EncodeState()) {
		t.Error("replicas did not converge")
	}
}
