package pion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errNoCandidates = errors.New("no local candidates gathered")

type Config struct {
	ICEServers   []webrtc.ICEServer
	NetworkTypes []webrtc.NetworkType

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		NetworkTypes:        []webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       2 * time.Minute,
		KeepAliveInterval:   2 * time.Second,
	}
}

// Factory builds one PeerConnection-backed engine per call from a shared API.
type Factory struct {
	api *webrtc.API
	cfg Config
}

func NewFactory(cfg Config) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: LoggerFactory{Logger: log.Logger.With().Str("component", "pion").Logger()},
	}
	if len(cfg.NetworkTypes) > 0 {
		se.SetNetworkTypes(cfg.NetworkTypes)
	}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, cfg: cfg}, nil
}

func (f *Factory) NewEngine(peer domain.PeerID) (port.NegotiationEngine, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	e := &Engine{
		peer:   peer,
		pc:     pc,
		logger: log.With().Str("peer", peer.String()).Logger(),
		kinds:  make(map[webrtc.RTPCodecType]bool),
	}
	e.bind()
	return e, nil
}

// Engine adapts a pion PeerConnection to port.NegotiationEngine.
type Engine struct {
	peer   domain.PeerID
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu          sync.Mutex
	closed      bool
	kinds       map[webrtc.RTPCodecType]bool
	localTracks []*webrtc.TrackLocalStaticSample
	pending     []webrtc.ICECandidateInit
	gathered    int

	onCandidate func(domain.IceCandidate)
	onTrack     func([]domain.MediaStream)
	onState     func(domain.ConnectionState)
	onError     func(error)
}

func (e *Engine) bind() {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		e.mu.Lock()
		if c == nil {
			none := e.gathered == 0
			onError := e.onError
			e.mu.Unlock()
			if none && onError != nil {
				onError(&domain.IceNegotiationError{Err: errNoCandidates})
			}
			return
		}
		e.gathered++
		cb := e.onCandidate
		e.mu.Unlock()

		init := c.ToJSON()
		if cb != nil {
			cb(domain.IceCandidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		}
	})

	e.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.logger.Debug().Str("kind", remote.Kind().String()).Msg("Received remote track")

		e.mu.Lock()
		cb := e.onTrack
		e.mu.Unlock()
		if cb != nil {
			cb([]domain.MediaStream{{ID: remote.StreamID(), Tracks: []string{remote.ID()}}})
		}

		// Rendering happens elsewhere; keep the interceptors fed until EOF.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := remote.Read(buf); err != nil {
					if !errors.Is(err, io.EOF) {
						e.logger.Debug().Err(err).Msg("Remote track read stopped")
					}
					return
				}
			}
		}()
	})

	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.mu.Lock()
		cb := e.onState
		e.mu.Unlock()
		if cb != nil {
			cb(domain.ConnectionState(s.String()))
		}
	})
}

// AcquireLocalMedia adds one sample track per requested kind. Capture devices
// feed them through LocalTracks.
func (e *Engine) AcquireLocalMedia(ctx context.Context, c domain.MediaConstraints) (domain.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return domain.MediaStream{}, err
	}
	streamID := "yacall-" + e.peer.String()
	stream := domain.MediaStream{ID: streamID}

	add := func(kind webrtc.RTPCodecType, mime, id string) error {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
		if err != nil {
			return fmt.Errorf("new %s track: %w", id, err)
		}
		if _, err := e.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add %s track: %w", id, err)
		}
		e.mu.Lock()
		e.kinds[kind] = true
		e.localTracks = append(e.localTracks, track)
		e.mu.Unlock()
		stream.Tracks = append(stream.Tracks, id)
		return nil
	}

	if c.Audio {
		if err := add(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, "audio"); err != nil {
			return domain.MediaStream{}, err
		}
	}
	if c.Video {
		if err := add(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, "video"); err != nil {
			return domain.MediaStream{}, err
		}
	}
	return stream, nil
}

func (e *Engine) LocalTracks() []*webrtc.TrackLocalStaticSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*webrtc.TrackLocalStaticSample, len(e.localTracks))
	copy(out, e.localTracks)
	return out
}

func (e *Engine) CreateOffer(ctx context.Context, opts domain.OfferOptions) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	// Without a local track of a kind, a recvonly transceiver keeps the m-line
	// in the offer.
	if opts.ReceiveAudio {
		if err := e.ensureReceiver(webrtc.RTPCodecTypeAudio); err != nil {
			return domain.SessionDescription{}, err
		}
	}
	if opts.ReceiveVideo {
		if err := e.ensureReceiver(webrtc.RTPCodecTypeVideo); err != nil {
			return domain.SessionDescription{}, err
		}
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (e *Engine) ensureReceiver(kind webrtc.RTPCodecType) error {
	e.mu.Lock()
	have := e.kinds[kind]
	e.kinds[kind] = true
	e.mu.Unlock()
	if have {
		return nil
	}
	_, err := e.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add %s transceiver: %w", kind, err)
	}
	return nil
}

func (e *Engine) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (e *Engine) SetLocalDescription(d domain.SessionDescription) error {
	return e.pc.SetLocalDescription(toPion(d))
}

// SetRemoteDescription applies d and then flushes candidates that arrived
// before it.
func (e *Engine) SetRemoteDescription(d domain.SessionDescription) error {
	if err := e.pc.SetRemoteDescription(toPion(d)); err != nil {
		return err
	}

	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	var firstErr error
	for _, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil && firstErr == nil {
			firstErr = &domain.IceNegotiationError{Candidate: c.Candidate, Err: err}
		}
	}
	if firstErr != nil {
		e.mu.Lock()
		cb := e.onError
		e.mu.Unlock()
		if cb != nil {
			cb(firstErr)
		}
	}
	return nil
}

func (e *Engine) AddRemoteCandidate(c domain.IceCandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	if e.pc.RemoteDescription() == nil {
		e.mu.Lock()
		e.pending = append(e.pending, init)
		e.mu.Unlock()
		return nil
	}
	return e.pc.AddICECandidate(init)
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

// Close unregisters every handler and closes the PeerConnection. It is safe to
// call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.onCandidate, e.onTrack, e.onState, e.onError = nil, nil, nil, nil
	e.pending = nil
	e.mu.Unlock()
	return e.pc.Close()
}

func fromPion(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(d.Type.String()), SDP: d.SDP}
}

func toPion(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}
