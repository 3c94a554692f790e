package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dverbeek/syncdoc/auth"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHandler creates the HTTP handler: the REST API plus the WebSocket
// endpoint.
func NewHandler(hub *Hub, api *API, issuer *auth.Issuer, log zerolog.Logger) http.Handler {
	router := mux.NewRouter()
	api.Register(router)

	// The sync endpoint. The token is verified before the upgrade:
	// a rejected connection never reaches the message layer.
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		identity, err := issuer.Verify(bearerToken(r))
		if err != nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade error")
			return
		}
		client := newClient(hub, conn, identity, log)
		go client.WritePump()
		go client.ReadPump()
	})

	return router
}

// bearerToken extracts the token from the Authorization header or, for
// browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if header != "" {
		return header
	}
	return r.URL.Query().Get("token")
}
