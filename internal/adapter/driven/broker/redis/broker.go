package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const channelPrefix = "yacall:signal:"

// Channel is the pub/sub channel carrying signals for peer.
func Channel(peer domain.PeerID) string {
	return channelPrefix + peer.String()
}

// Broker shares signaling between relay instances over redis pub/sub.
type Broker struct {
	client redis.UniversalClient
}

func NewBroker(client redis.UniversalClient) *Broker {
	return &Broker{client: client}
}

func (b *Broker) Publish(ctx context.Context, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(msg.To), data).Err(); err != nil {
		return fmt.Errorf("publish signal for %s: %w", msg.To, err)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, deliver func(domain.Message)) error {
	ps := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s*: %w", channelPrefix, err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := decode(m.Payload)
			if err != nil {
				log.Warn().Err(err).Str("channel", m.Channel).Msg("Dropping malformed brokered signal")
				continue
			}
			deliver(msg)
		}
	}
}

func decode(payload string) (domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return msg, fmt.Errorf("decode signal: %w", err)
	}
	if !msg.Kind.Valid() || msg.To.IsZero() {
		return msg, fmt.Errorf("invalid signal kind %q to %q", msg.Kind, msg.To)
	}
	return msg, nil
}
