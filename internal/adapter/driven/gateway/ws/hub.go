package ws

import (
	"context"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

// Hub relays signaling between connected peers. Messages for peers held by
// another relay instance go through the broker.
type Hub struct {
	mu         sync.Mutex
	clients    map[domain.PeerID]port.Client
	broker     port.Broker
	register   chan port.Client
	unregister chan port.Client
	quit       chan struct{}
	stopOnce   sync.Once
}

func NewHub(broker port.Broker) *Hub {
	return &Hub{
		clients:    make(map[domain.PeerID]port.Client),
		broker:     broker,
		register:   make(chan port.Client),
		unregister: make(chan port.Client),
		quit:       make(chan struct{}),
	}
}

// Route delivers msg to its recipient. From must already be stamped.
func (h *Hub) Route(ctx context.Context, msg domain.Message) error {
	if client, ok := h.lookup(msg.To); ok {
		if err := client.Send(msg); err != nil {
			log.Error().Err(err).Str("peer", msg.To.String()).Msg("Error sending signal")
			h.Unregister(client)
			return err
		}
		return nil
	}
	return h.broker.Publish(ctx, msg)
}

// Deliver hands a brokered message to a local client. Messages for peers
// that are not connected here are dropped.
func (h *Hub) Deliver(msg domain.Message) {
	client, ok := h.lookup(msg.To)
	if !ok {
		log.Debug().Str("peer", msg.To.String()).Str("kind", string(msg.Kind)).Msg("Recipient not connected here, dropping signal")
		return
	}
	if err := client.Send(msg); err != nil {
		log.Error().Err(err).Str("peer", msg.To.String()).Msg("Error sending signal")
		h.Unregister(client)
	}
}

func (h *Hub) Connected(peer domain.PeerID) bool {
	_, ok := h.lookup(peer)
	return ok
}

func (h *Hub) lookup(peer domain.PeerID) (port.Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[peer]
	return c, ok
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for peer, client := range h.clients {
				client.Close()
				delete(h.clients, peer)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			prev, ok := h.clients[client.ID()]
			h.clients[client.ID()] = client
			h.mu.Unlock()
			if ok && prev != client {
				prev.Close()
				log.Info().Str("peer", client.ID().String()).Msg("Client replaced")
			}
			log.Info().Str("peer", client.ID().String()).Msg("Client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			cur, ok := h.clients[client.ID()]
			if ok && cur == client {
				delete(h.clients, client.ID())
			}
			h.mu.Unlock()
			client.Close()
			if ok && cur == client {
				log.Info().Str("peer", client.ID().String()).Msg("Client unregistered")
			}
		}
	}
}

// RunBroker feeds brokered messages into the hub until ctx is done.
func (h *Hub) RunBroker(ctx context.Context) error {
	return h.broker.Subscribe(ctx, h.Deliver)
}

func (h *Hub) Register(c port.Client) {
	select {
	case h.register <- c:
	case <-h.quit:
		c.Close()
	}
}

func (h *Hub) Unregister(c port.Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}
