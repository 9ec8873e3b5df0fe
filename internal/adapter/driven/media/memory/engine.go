// Package memory provides a NegotiationEngine that negotiates synthetic
// sessions without touching the network. It is used for headless runs and
// tests of the signaling path.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

var ErrClosed = errors.New("engine closed")

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) NewEngine(peer domain.PeerID) (port.NegotiationEngine, error) {
	return NewEngine(peer), nil
}

// Engine reports itself connected as soon as both descriptions are set, after
// announcing one UDP and one TCP host candidate.
type Engine struct {
	peer domain.PeerID

	mu         sync.Mutex
	closed     bool
	local      *domain.SessionDescription
	remote     *domain.SessionDescription
	candidates []domain.IceCandidate
	connected  bool

	onCandidate func(domain.IceCandidate)
	onTrack     func([]domain.MediaStream)
	onState     func(domain.ConnectionState)
	onError     func(error)
}

func NewEngine(peer domain.PeerID) *Engine {
	return &Engine{peer: peer}
}

func (e *Engine) AcquireLocalMedia(ctx context.Context, c domain.MediaConstraints) (domain.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return domain.MediaStream{}, err
	}
	stream := domain.MediaStream{ID: "local-" + e.peer.String()}
	if c.Audio {
		stream.Tracks = append(stream.Tracks, "audio")
	}
	if c.Video {
		stream.Tracks = append(stream.Tracks, "video")
	}
	return stream, nil
}

func (e *Engine) CreateOffer(ctx context.Context, _ domain.OfferOptions) (domain.SessionDescription, error) {
	return e.describe(ctx, domain.SDPOffer)
}

func (e *Engine) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	e.mu.Lock()
	hasOffer := e.remote != nil && e.remote.Type == domain.SDPOffer
	e.mu.Unlock()
	if !hasOffer {
		return domain.SessionDescription{}, errors.New("create answer: no remote offer")
	}
	return e.describe(ctx, domain.SDPAnswer)
}

func (e *Engine) describe(ctx context.Context, t domain.SDPType) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.SessionDescription{}, ErrClosed
	}
	return domain.SessionDescription{
		Type: t,
		SDP:  fmt.Sprintf("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=%s-%s\r\nt=0 0\r\n", t, e.peer),
	}, nil
}

func (e *Engine) SetLocalDescription(d domain.SessionDescription) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.local = &d
	e.mu.Unlock()
	e.gather()
	e.maybeConnect()
	return nil
}

func (e *Engine) SetRemoteDescription(d domain.SessionDescription) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.remote != nil {
		e.mu.Unlock()
		return errors.New("remote description already set")
	}
	e.remote = &d
	e.mu.Unlock()
	e.maybeConnect()
	return nil
}

func (e *Engine) AddRemoteCandidate(c domain.IceCandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.candidates = append(e.candidates, c)
	return nil
}

// RemoteCandidates returns the candidates applied so far.
func (e *Engine) RemoteCandidates() []domain.IceCandidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.IceCandidate, len(e.candidates))
	copy(out, e.candidates)
	return out
}

func (e *Engine) OnLocalCandidate(fn func(domain.IceCandidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *Engine) OnInboundTrack(fn func([]domain.MediaStream)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

func (e *Engine) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *Engine) OnNegotiationError(fn func(error)) {
	e.mu.Lock()
	e.onError = fn
	e.mu.Unlock()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.onCandidate, e.onTrack, e.onState, e.onError = nil, nil, nil, nil
	return nil
}

func (e *Engine) gather() {
	e.mu.Lock()
	cb := e.onCandidate
	e.mu.Unlock()
	if cb == nil {
		return
	}
	mid := "0"
	var idx uint16
	cb(domain.IceCandidate{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host", SDPMid: &mid, SDPMLineIndex: &idx})
	cb(domain.IceCandidate{Candidate: "candidate:2 1 tcp 1671430143 127.0.0.1 9 typ host tcptype active", SDPMid: &mid, SDPMLineIndex: &idx})
}

func (e *Engine) maybeConnect() {
	e.mu.Lock()
	if e.connected || e.closed || e.local == nil || e.remote == nil {
		e.mu.Unlock()
		return
	}
	e.connected = true
	onState, onTrack := e.onState, e.onTrack
	e.mu.Unlock()

	if onState != nil {
		onState(domain.ConnectionConnecting)
		onState(domain.ConnectionConnected)
	}
	if onTrack != nil {
		onTrack([]domain.MediaStream{{ID: "remote-" + e.peer.String(), Tracks: []string{"audio", "video"}}})
	}
}
