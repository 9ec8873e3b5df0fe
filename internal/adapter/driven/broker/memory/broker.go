package memory

import (
	"context"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// Broker fans messages out to every hub in the process.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]func(domain.Message)
	nextID int
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]func(domain.Message))}
}

func (b *Broker) Publish(ctx context.Context, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	subs := make([]func(domain.Message), 0, len(b.subs))
	for _, deliver := range b.subs {
		subs = append(subs, deliver)
	}
	b.mu.Unlock()

	if len(subs) == 0 {
		log.Debug().Str("peer", msg.To.String()).Str("kind", string(msg.Kind)).Msg("No subscribers, dropping signal")
		return nil
	}
	for _, deliver := range subs {
		deliver(msg)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, deliver func(domain.Message)) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = deliver
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
	return nil
}
