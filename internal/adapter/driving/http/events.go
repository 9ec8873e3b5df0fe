package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// eventBuffer is how many events a UI may fall behind before it is dropped.
const eventBuffer = 64

// EventHub streams call events to every connected UI. It implements
// port.CallNotifier. Notify never waits on a socket: each subscriber has its
// own queue drained by a writer goroutine.
type EventHub struct {
	mu   sync.Mutex
	subs map[domain.ConnID]*eventConn
}

type eventConn struct {
	conn *websocket.Conn
	// send is closed by the hub once the subscriber is removed.
	send chan domain.CallEvent
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[domain.ConnID]*eventConn)}
}

func (e *EventHub) Notify(_ context.Context, ev domain.CallEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs error
	for id, c := range e.subs {
		select {
		case c.send <- ev:
		default:
			errs = multierr.Append(errs, fmt.Errorf("event subscriber %s is %d events behind", id, eventBuffer))
			e.removeLocked(id)
		}
	}
	return errs
}

func (e *EventHub) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *EventHub) add(conn *websocket.Conn) (domain.ConnID, *eventConn) {
	c := &eventConn{conn: conn, send: make(chan domain.CallEvent, eventBuffer)}
	id := domain.NewConnID()
	e.mu.Lock()
	e.subs[id] = c
	e.mu.Unlock()
	return id, c
}

func (e *EventHub) remove(id domain.ConnID) {
	e.mu.Lock()
	e.removeLocked(id)
	e.mu.Unlock()
}

func (e *EventHub) removeLocked(id domain.ConnID) {
	if c, ok := e.subs[id]; ok {
		delete(e.subs, id)
		close(c.send)
	}
}

// writePump writes queued events until the queue is closed or a write fails,
// then closes the connection so the read side of ServeWS ends too.
func (c *eventConn) writePump() {
	defer c.conn.Close()
	for ev := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// ServeWS subscribes the caller to the event stream until it disconnects.
func (e *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	id, c := e.add(conn)
	l := log.With().Str("conn_id", id.String()).Logger()
	l.Debug().Msg("Event subscriber connected")

	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writePump()
	}()

	defer func() {
		e.remove(id)
		<-written
		l.Debug().Msg("Event subscriber disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
