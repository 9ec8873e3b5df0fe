package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 256

var ErrPeerOffline = errors.New("peer is not connected")

// Bus is an in-process relay. Every peer gets a Channel that satisfies
// port.SignalChannel.
type Bus struct {
	mu       sync.Mutex
	channels map[domain.PeerID]*Channel
}

func NewBus() *Bus {
	return &Bus{
		channels: make(map[domain.PeerID]*Channel),
	}
}

// Channel returns the endpoint for peer, creating it on first use.
func (b *Bus) Channel(peer domain.PeerID) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.channels[peer]; ok {
		return c
	}
	c := &Channel{
		bus:  b,
		self: peer,
		subs: make(map[int]chan domain.Message),
	}
	b.channels[peer] = c
	return c
}

func (b *Bus) lookup(peer domain.PeerID) (*Channel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.channels[peer]
	return c, ok
}

type Channel struct {
	bus  *Bus
	self domain.PeerID

	mu     sync.Mutex
	subs   map[int]chan domain.Message
	nextID int
	sent   []domain.Message
}

func (c *Channel) Send(ctx context.Context, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.From = c.self

	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()

	dst, ok := c.bus.lookup(msg.To)
	if !ok {
		return fmt.Errorf("send to %s: %w", msg.To, ErrPeerOffline)
	}
	dst.receive(msg)
	return nil
}

func (c *Channel) Subscribe() (<-chan domain.Message, func()) {
	ch := make(chan domain.Message, subscriberBuffer)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Sent returns a copy of everything sent through this channel.
func (c *Channel) Sent() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *Channel) receive(msg domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub <- msg:
		default:
			log.Warn().Str("peer", c.self.String()).Str("kind", string(msg.Kind)).Msg("Subscriber full, dropping signal")
		}
	}
}
