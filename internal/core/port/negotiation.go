package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// NegotiationEngine is the media side of one call. Event handlers may be
// invoked from any goroutine.
type NegotiationEngine interface {
	AcquireLocalMedia(ctx context.Context, constraints domain.MediaConstraints) (domain.MediaStream, error)
	CreateOffer(ctx context.Context, opts domain.OfferOptions) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	// AddRemoteCandidate applies a candidate from the peer. Candidates that
	// arrive before the remote description are buffered by the engine.
	AddRemoteCandidate(candidate domain.IceCandidate) error

	OnLocalCandidate(fn func(domain.IceCandidate))
	OnInboundTrack(fn func(streams []domain.MediaStream))
	OnConnectionStateChange(fn func(domain.ConnectionState))
	OnNegotiationError(fn func(error))

	Close() error
}

// EngineFactory builds a fresh engine for every call. Engines are never
// shared between calls.
type EngineFactory interface {
	NewEngine(peer domain.PeerID) (NegotiationEngine, error)
}
