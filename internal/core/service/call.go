package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRingTimeout = 3 * time.Minute
	DefaultSendTimeout = 5 * time.Second
)

type Config struct {
	// RingTimeout is how long a call may stay unconnected before it is
	// abandoned.
	RingTimeout time.Duration
	SendTimeout time.Duration
	Constraints domain.MediaConstraints
	Offer       domain.OfferOptions
	Filter      CandidateFilter
	// AutoBusy answers call intents with Busy while another call is live
	// instead of ringing.
	AutoBusy bool
}

func DefaultConfig() Config {
	return Config{
		RingTimeout: DefaultRingTimeout,
		SendTimeout: DefaultSendTimeout,
		Constraints: domain.DefaultMediaConstraints(),
		Offer:       domain.OfferOptions{ReceiveAudio: true, ReceiveVideo: true},
		Filter:      DefaultCandidatePolicy(),
		AutoBusy:    true,
	}
}

// pendingCall is an inbound offer that has rung but not been accepted yet.
type pendingCall struct {
	offer    domain.SessionDescription
	buffered []domain.Message
	timer    *time.Timer
}

// CallService owns every call of the process. It guarantees at most one live
// session at a time and routes inbound signaling to it.
type CallService struct {
	engines  port.EngineFactory
	signal   port.SignalChannel
	notifier port.CallNotifier
	cfg      Config

	mu       sync.Mutex
	sessions map[domain.PeerID]*CallSession
	pending  map[domain.PeerID]*pendingCall
	closed   bool

	wg   sync.WaitGroup
	done chan struct{}
}

func NewCallService(engines port.EngineFactory, signal port.SignalChannel, notifier port.CallNotifier, cfg Config) *CallService {
	def := DefaultConfig()
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = def.RingTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.Filter == nil {
		cfg.Filter = def.Filter
	}
	return &CallService{
		engines:  engines,
		signal:   signal,
		notifier: notifier,
		cfg:      cfg,
		sessions: make(map[domain.PeerID]*CallSession),
		pending:  make(map[domain.PeerID]*pendingCall),
		done:     make(chan struct{}),
	}
}

// Run routes inbound signaling until ctx is done, the channel closes or the
// service is closed.
func (s *CallService) Run(ctx context.Context) error {
	ch, cancel := s.signal.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.RouteMessage(msg)
		}
	}
}

// Initiate places a call to peer.
func (s *CallService) Initiate(ctx context.Context, peer domain.PeerID) (*CallSession, error) {
	if peer.IsZero() {
		return nil, errors.New("peer cannot be empty")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrClosed
	}
	if active, ok := s.activeLocked(); ok {
		s.mu.Unlock()
		return nil, &domain.AlreadyInCallError{Peer: peer, Active: active}
	}
	if _, ringing := s.pending[peer]; ringing {
		s.mu.Unlock()
		return nil, &domain.AlreadyInCallError{Peer: peer, Active: peer}
	}
	sess, err := s.newSessionLocked(peer, domain.RoleRequester)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	log.Info().Str("peer", peer.String()).Str("call_id", sess.ID().String()).Msg("Placing call")
	s.notify(ctx, domain.CallEvent{Type: domain.EventRinging, Peer: peer, Role: domain.RoleRequester})
	sess.start()
	return sess, nil
}

// AcceptInbound answers a call from peer. A nil offer accepts the offer that
// rang; an explicit offer is used as given.
func (s *CallService) AcceptInbound(ctx context.Context, peer domain.PeerID, offer *domain.SessionDescription) (*CallSession, error) {
	if peer.IsZero() {
		return nil, errors.New("peer cannot be empty")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrClosed
	}
	pc := s.takePendingLocked(peer)
	if active, ok := s.activeLocked(); ok {
		s.mu.Unlock()
		s.sendBusy(ctx, peer)
		if pc != nil {
			s.notify(ctx, domain.CallEvent{Type: domain.EventTerminated, Peer: peer, Role: domain.RoleResponder, Cause: domain.CauseLocalHangUp})
		}
		return nil, &domain.AlreadyInCallError{Peer: peer, Active: active}
	}

	var buffered []domain.Message
	if pc != nil {
		buffered = pc.buffered
		if offer == nil {
			offer = &pc.offer
		}
	}
	if offer == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("accept %s: %w", peer, domain.ErrNoPendingCall)
	}
	if offer.Type != domain.SDPOffer {
		s.mu.Unlock()
		return nil, fmt.Errorf("accept %s: description is %q, not an offer", peer, offer.Type)
	}

	offerMsg, err := domain.NewMessage(peer, domain.KindDescription, offer)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	// Nothing below may fail once the session is registered.
	sess, err := s.newSessionLocked(peer, domain.RoleResponder)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	// Queue the offer and anything that arrived while ringing before the
	// session becomes routable, so order is kept.
	offerMsg.From = peer
	sess.deliver(offerMsg)
	for _, msg := range buffered {
		sess.deliver(msg)
	}
	s.mu.Unlock()

	log.Info().Str("peer", peer.String()).Str("call_id", sess.ID().String()).Msg("Accepted call")
	sess.start()
	return sess, nil
}

// RouteMessage hands msg to the session for its sender. Messages from peers
// without a session are dropped, except offers, which ring.
func (s *CallService) RouteMessage(msg domain.Message) {
	l := log.With().Str("peer", msg.From.String()).Str("kind", string(msg.Kind)).Logger()
	if msg.From.IsZero() || !msg.Kind.Valid() {
		l.Debug().Msg("Dropping unroutable signal")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if sess, ok := s.sessions[msg.From]; ok {
		sess.deliver(msg)
		s.mu.Unlock()
		return
	}

	if pc, ok := s.pending[msg.From]; ok {
		switch {
		case msg.Kind.IsTerminal():
			s.takePendingLocked(msg.From)
			s.mu.Unlock()
			l.Info().Msg("Caller hung up before answer")
			s.notify(context.Background(), domain.CallEvent{Type: domain.EventTerminated, Peer: msg.From, Role: domain.RoleResponder, Cause: domain.CauseRemoteHangUp})
		case msg.Kind == domain.KindDescription:
			if d, err := msg.Description(); err == nil && d.Type == domain.SDPOffer {
				pc.offer = d
			}
			s.mu.Unlock()
		default:
			pc.buffered = append(pc.buffered, msg)
			s.mu.Unlock()
		}
		return
	}

	if !msg.IsOffer() {
		s.mu.Unlock()
		l.Debug().Msg("Dropping stale signal")
		return
	}

	offer, _ := msg.Description()
	if active, busy := s.activeLocked(); busy && s.cfg.AutoBusy {
		s.mu.Unlock()
		l.Info().Str("active", active.String()).Msg("Rejecting call, already in a call")
		s.sendBusy(context.Background(), msg.From)
		return
	}
	pc := &pendingCall{offer: offer}
	peer := msg.From
	pc.timer = time.AfterFunc(s.cfg.RingTimeout, func() { s.expirePending(peer, pc) })
	s.pending[peer] = pc
	s.mu.Unlock()

	l.Info().Msg("Incoming call")
	s.notify(context.Background(), domain.CallEvent{Type: domain.EventRinging, Peer: peer, Role: domain.RoleResponder})
}

// HangUp ends the call with peer, or declines it if it is still ringing.
func (s *CallService) HangUp(peer domain.PeerID) {
	s.mu.Lock()
	if sess, ok := s.sessions[peer]; ok {
		s.mu.Unlock()
		sess.HangUp()
		return
	}
	pc := s.takePendingLocked(peer)
	s.mu.Unlock()
	if pc == nil {
		return
	}

	if err := s.sendSignal(context.Background(), peer, domain.KindHangUp); err != nil {
		log.Warn().Err(err).Str("peer", peer.String()).Msg("Failed to decline call")
	}
	log.Info().Str("peer", peer.String()).Msg("Declined call")
	s.notify(context.Background(), domain.CallEvent{Type: domain.EventTerminated, Peer: peer, Role: domain.RoleResponder, Cause: domain.CauseLocalHangUp})
}

// Reject declines an inbound call. It behaves like HangUp.
func (s *CallService) Reject(peer domain.PeerID) {
	s.HangUp(peer)
}

// InCall reports whether any call is live.
func (s *CallService) InCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions) > 0
}

func (s *CallService) Session(peer domain.PeerID) (*CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[peer]
	return sess, ok
}

func (s *CallService) Sessions() []domain.CallInfo {
	s.mu.Lock()
	out := make([]domain.CallInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Ringing lists peers whose calls are waiting to be accepted.
func (s *CallService) Ringing() []domain.PeerID {
	s.mu.Lock()
	out := make([]domain.PeerID, 0, len(s.pending))
	for peer := range s.pending {
		out = append(out, peer)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close hangs up every call, declines ringing ones and waits for all
// sessions to finish.
func (s *CallService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	close(s.done)
	sessions := make([]*CallSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	ringing := make([]domain.PeerID, 0, len(s.pending))
	for peer := range s.pending {
		ringing = append(ringing, peer)
		s.takePendingLocked(peer)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.HangUp()
	}
	for _, peer := range ringing {
		if err := s.sendSignal(context.Background(), peer, domain.KindHangUp); err != nil {
			log.Warn().Err(err).Str("peer", peer.String()).Msg("Failed to decline call on close")
		}
	}
	s.wg.Wait()
}

func (s *CallService) newSessionLocked(peer domain.PeerID, role domain.CallRole) (*CallSession, error) {
	engine, err := s.engines.NewEngine(peer)
	if err != nil {
		return nil, fmt.Errorf("create negotiation engine for %s: %w", peer, err)
	}
	opts := sessionOptions{
		ringTimeout: s.cfg.RingTimeout,
		sendTimeout: s.cfg.SendTimeout,
		constraints: s.cfg.Constraints,
		offer:       s.cfg.Offer,
		filter:      s.cfg.Filter,
	}
	sess := newCallSession(peer, role, engine, s.signal, s.notifier, opts, s.release)
	s.sessions[peer] = sess
	s.wg.Add(1)
	go func() {
		<-sess.Done()
		s.wg.Done()
	}()
	return sess, nil
}

// release drops sess from the registry if it is still the registered one.
func (s *CallService) release(sess *CallSession) {
	s.mu.Lock()
	if cur, ok := s.sessions[sess.Peer()]; ok && cur == sess {
		delete(s.sessions, sess.Peer())
	}
	s.mu.Unlock()
}

func (s *CallService) activeLocked() (domain.PeerID, bool) {
	for peer := range s.sessions {
		return peer, true
	}
	return "", false
}

func (s *CallService) takePendingLocked(peer domain.PeerID) *pendingCall {
	pc, ok := s.pending[peer]
	if !ok {
		return nil
	}
	delete(s.pending, peer)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	return pc
}

func (s *CallService) expirePending(peer domain.PeerID, pc *pendingCall) {
	s.mu.Lock()
	if cur, ok := s.pending[peer]; !ok || cur != pc {
		s.mu.Unlock()
		return
	}
	delete(s.pending, peer)
	s.mu.Unlock()

	log.Info().Str("peer", peer.String()).Msg("Missed call")
	s.notify(context.Background(), domain.CallEvent{Type: domain.EventTerminated, Peer: peer, Role: domain.RoleResponder, Cause: domain.CauseTimeout})
}

func (s *CallService) sendBusy(ctx context.Context, peer domain.PeerID) {
	if err := s.sendSignal(ctx, peer, domain.KindBusy); err != nil {
		log.Warn().Err(err).Str("peer", peer.String()).Msg("Failed to send busy signal")
	}
}

func (s *CallService) sendSignal(ctx context.Context, peer domain.PeerID, kind domain.SignalKind) error {
	msg, err := domain.NewMessage(peer, kind, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return s.signal.Send(ctx, msg)
}

func (s *CallService) notify(ctx context.Context, ev domain.CallEvent) {
	if s.notifier == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		log.Warn().Err(err).Str("peer", ev.Peer.String()).Str("event", string(ev.Type)).Msg("Failed to notify application")
	}
}
