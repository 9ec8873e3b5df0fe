package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSClient is one peer connected to the relay.
type WSClient struct {
	id   domain.PeerID
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (c *WSClient) ID() domain.PeerID {
	return c.id
}

func (c *WSClient) Send(msg domain.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

// ServeWS attaches the caller as ?peer=<id> and relays every envelope it
// sends, stamped with its own id.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	peer := domain.PeerID(r.URL.Query().Get("peer"))
	if peer.IsZero() {
		http.Error(w, "missing peer", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := &WSClient{
		id:   peer,
		conn: conn,
	}

	l := log.With().Str("peer", peer.String()).Logger()
	l.Info().Msg("New client connected")

	h.Hub.Register(client)

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		conn.Close()
	}()

	for {
		var msg domain.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}

		if !msg.Kind.Valid() || msg.To.IsZero() {
			l.Warn().Str("kind", string(msg.Kind)).Str("to", msg.To.String()).Msg("Dropping invalid signal")
			continue
		}
		msg.From = peer

		if err := h.Hub.Route(r.Context(), msg); err != nil {
			l.Error().Err(err).Str("to", msg.To.String()).Msg("Failed to relay signal")
		}
	}
}
