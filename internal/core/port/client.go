package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Client is one peer connected to the relay.
type Client interface {
	ID() domain.PeerID
	Send(msg domain.Message) error
	Close() error
}

// Broker forwards messages to relay instances that hold the recipient.
type Broker interface {
	Publish(ctx context.Context, msg domain.Message) error
	// Subscribe blocks until ctx is done, handing every message published by
	// any instance to deliver.
	Subscribe(ctx context.Context, deliver func(domain.Message)) error
}
