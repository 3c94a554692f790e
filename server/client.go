package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dverbeek/syncdoc/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
)

// Client represents a single authenticated WebSocket connection. Its
// identity is fixed at handshake time and never changes afterwards.
type Client struct {
	id       string
	identity auth.Identity

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// Every room this connection has joined. Nothing stops a client from
	// joining several documents; tracking them all keeps disconnect
	// cleanup exact.
	mu    sync.Mutex
	rooms map[string]*Room
}

func newClient(hub *Hub, conn *websocket.Conn, identity auth.Identity, log zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:       id,
		identity: identity,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		rooms:    make(map[string]*Room),
		log:      log.With().Str("conn", id).Str("user", identity.UserID).Logger(),
	}
}

// ReadPump reads messages from the WebSocket and routes them.
func (c *Client) ReadPump() {
	defer func() {
		c.disconnect()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}

		switch msg.Type {
		case MsgJoinDocument:
			c.hub.join <- joinRequest{client: c, docID: msg.DocID}
		case MsgSendUpdate:
			if room := c.room(msg.DocID); room != nil {
				room.updates <- updateMessage{client: c, payload: msg.Update}
			}
			// Updates for documents this connection never joined are
			// dropped without a reply.
		case MsgCursorUpdate:
			if room := c.room(msg.DocID); room != nil {
				room.cursors <- cursorMessage{client: c, payload: msg.Cursor}
			}
		case MsgLeaveDocument:
			if room := c.room(msg.DocID); room != nil {
				room.leave <- leaveRequest{client: c}
			}
		default:
			c.sendError("unknown message type: " + msg.Type)
		}
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect leaves every room the client is a member of. No explicit
// leave-document is guaranteed to arrive before the transport closes.
func (c *Client) disconnect() {
	c.mu.Lock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		r.leave <- leaveRequest{client: c}
	}
}

func (c *Client) room(docID string) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[docID]
}

func (c *Client) addRoom(r *Room) {
	c.mu.Lock()
	c.rooms[r.docID] = r
	c.mu.Unlock()
}

func (c *Client) removeRoom(docID string) {
	c.mu.Lock()
	delete(c.rooms, docID)
	c.mu.Unlock()
}

func (c *Client) sendMsg(msg ServerMessage) {
	select {
	case c.send <- msg.Encode():
	default:
		// Client too slow, drop message.
	}
}

func (c *Client) sendError(message string) {
	c.sendMsg(ServerMessage{Type: MsgError, Message: message})
}

func (c *Client) info() UserInfo {
	return UserInfo{ID: c.identity.UserID, Email: c.identity.Email}
}
