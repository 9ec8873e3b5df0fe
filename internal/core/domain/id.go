package domain

import (
	"strings"

	"github.com/google/uuid"
)

// PeerID identifies the remote party of a call. It is opaque to the core.
type PeerID string

func (id PeerID) String() string {
	return string(id)
}

func (id PeerID) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

type CallID uuid.UUID

func NewCallID() CallID {
	return CallID(uuid.New())
}

func (id CallID) String() string {
	return uuid.UUID(id).String()
}

type ConnID uuid.UUID

func NewConnID() ConnID {
	return ConnID(uuid.New())
}

func (id ConnID) String() string {
	return uuid.UUID(id).String()
}
