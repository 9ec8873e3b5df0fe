package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait        = 10 * time.Second
	subscriberBuffer = 256
)

var ErrClosed = errors.New("signal channel closed")

// Channel is a port.SignalChannel backed by a websocket to the relay.
type Channel struct {
	self   domain.PeerID
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// subscription.ch is only closed by readLoop, its sole sender; cancel closes
// quit instead.
type subscription struct {
	ch   chan domain.Message
	quit chan struct{}
}

// Dial connects to the relay at rawURL and registers as self.
func Dial(ctx context.Context, rawURL string, self domain.PeerID) (*Channel, error) {
	if self.IsZero() {
		return nil, errors.New("peer id cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse signal url: %w", err)
	}
	q := u.Query()
	q.Set("peer", self.String())
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	c := &Channel{
		self:   self,
		conn:   conn,
		logger: log.With().Str("peer", self.String()).Logger(),
		subs:    make(map[int]*subscription),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	c.logger.Info().Str("url", u.Redacted()).Msg("Connected to relay")
	return c, nil
}

func (c *Channel) Send(ctx context.Context, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s to %s: %w", msg.Kind, msg.To, err)
	}
	return nil
}

func (c *Channel) Subscribe() (<-chan domain.Message, func()) {
	ch := make(chan domain.Message, subscriberBuffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	sub := &subscription{ch: ch, quit: make(chan struct{})}
	c.subs[id] = sub
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(sub.quit)
		})
	}
}

// Done is closed once the connection to the relay is gone.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Channel) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, sub := range c.subs {
			delete(c.subs, id)
			close(sub.ch)
		}
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		var msg domain.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error().Err(err).Msg("Relay connection lost")
			}
			return
		}
		if !msg.Kind.Valid() || msg.From.IsZero() {
			c.logger.Debug().Str("kind", string(msg.Kind)).Msg("Dropping malformed signal")
			continue
		}
		c.fanOut(msg)
	}
}

// fanOut hands msg to every subscriber, waiting on full ones. A subscriber
// that stops reading holds up the relay connection until it cancels or the
// channel is closed; signals are never dropped.
func (c *Channel) fanOut(msg domain.Message) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
			continue
		default:
		}
		c.logger.Debug().Str("from", msg.From.String()).Str("kind", string(msg.Kind)).Msg("Subscriber full, waiting")
		select {
		case sub.ch <- msg:
		case <-sub.quit:
		case <-c.closing:
			return
		}
	}
}
