package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// SignalChannel carries signaling messages to and from remote peers.
// Inbound messages have From set by the relay.
type SignalChannel interface {
	Send(ctx context.Context, msg domain.Message) error
	// Subscribe returns a stream of inbound messages in receive order and a
	// func that releases the subscription.
	Subscribe() (<-chan domain.Message, func())
}

// CallNotifier is the application boundary: UI and notification layers
// receive call lifecycle events through it.
type CallNotifier interface {
	Notify(ctx context.Context, ev domain.CallEvent) error
}
