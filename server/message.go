package server

import "encoding/json"

// Message types exchanged over the WebSocket.
const (
	// client → server
	MsgJoinDocument  = "join-document"
	MsgLeaveDocument = "leave-document"
	MsgSendUpdate    = "send-update"

	// server → client
	MsgSyncUpdate    = "sync-update"
	MsgUsersUpdate   = "users-update"
	MsgUserJoined    = "user-joined"
	MsgUserLeft      = "user-left"
	MsgReceiveUpdate = "receive-update"
	MsgError         = "error"

	// both directions
	MsgCursorUpdate = "cursor-update"
)

// ClientMessage is a message from client to server. Update carries an
// opaque binary document update (base64 on the wire); Cursor is passed
// through untouched.
type ClientMessage struct {
	Type   string          `json:"type"`
	DocID  string          `json:"docId,omitempty"`
	Update []byte          `json:"update,omitempty"`
	Cursor json.RawMessage `json:"cursor,omitempty"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type     string          `json:"type"`
	DocID    string          `json:"docId,omitempty"`
	State    []byte          `json:"state,omitempty"`  // sync-update: full encoded state
	Update   []byte          `json:"update,omitempty"` // receive-update: verbatim relay
	Users    []UserInfo      `json:"users,omitempty"`
	User     *UserInfo       `json:"user,omitempty"`
	Cursor   json.RawMessage `json:"cursor,omitempty"`
	SenderID string          `json:"senderId,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// UserInfo identifies a participant for presence purposes.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
