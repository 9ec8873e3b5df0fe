package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

type eventKind int

const (
	evMediaReady eventKind = iota
	evDescriptionCreated
	evNegotiationFailed
	evInbound
	evLocalCandidate
	evInboundTrack
	evConnectionState
	evEngineError
	evTimeout
	evLocalHangUp
)

type event struct {
	kind      eventKind
	msg       domain.Message
	desc      domain.SessionDescription
	candidate domain.IceCandidate
	state     domain.ConnectionState
	err       error
	gen       uint64
}

// roleTable holds the transitions that differ between caller and callee.
type roleTable struct {
	// afterMedia is the state entered once local media is ready.
	afterMedia domain.CallState
	// onMediaReady runs right after entering afterMedia.
	onMediaReady func(s *CallSession)
	// accepts is the description type this role expects from the peer.
	accepts domain.SDPType
	// onRemoteDescription runs after the peer's description is applied.
	onRemoteDescription func(s *CallSession)
	// busyTerminates reports whether a Busy from the peer ends the call.
	busyTerminates bool
}

var roleTables = map[domain.CallRole]roleTable{
	domain.RoleRequester: {
		afterMedia:          domain.StateOffering,
		onMediaReady:        (*CallSession).createOffer,
		accepts:             domain.SDPAnswer,
		onRemoteDescription: func(*CallSession) {},
		busyTerminates:      true,
	},
	domain.RoleResponder: {
		afterMedia:          domain.StateAnswering,
		onMediaReady:        func(*CallSession) {},
		accepts:             domain.SDPOffer,
		onRemoteDescription: (*CallSession).createAnswer,
		busyTerminates:      false,
	},
}

type sessionOptions struct {
	ringTimeout time.Duration
	sendTimeout time.Duration
	constraints domain.MediaConstraints
	offer       domain.OfferOptions
	filter      CandidateFilter
}

// CallSession is the state machine of one call. All transitions run on the
// session's own goroutine, fed by an ordered mailbox.
type CallSession struct {
	id        domain.CallID
	peer      domain.PeerID
	role      domain.CallRole
	table     roleTable
	createdAt time.Time

	engine   port.NegotiationEngine
	signal   port.SignalChannel
	notifier port.CallNotifier
	opts     sessionOptions
	logger   zerolog.Logger

	inbox  *mailbox
	ctx    context.Context
	cancel context.CancelFunc
	async  sync.WaitGroup
	done   chan struct{}

	// release is called once, on the loop goroutine, when the session ends.
	release func(*CallSession)

	mu    sync.RWMutex
	state domain.CallState
	cause domain.Cause

	// loop goroutine only
	timer     *time.Timer
	timerGen  uint64
	remoteSet bool
	deferred  []domain.Message
}

func newCallSession(peer domain.PeerID, role domain.CallRole, engine port.NegotiationEngine, signal port.SignalChannel, notifier port.CallNotifier, opts sessionOptions, release func(*CallSession)) *CallSession {
	ctx, cancel := context.WithCancel(context.Background())
	id := domain.NewCallID()
	s := &CallSession{
		id:        id,
		peer:      peer,
		role:      role,
		table:     roleTables[role],
		createdAt: time.Now(),
		engine:    engine,
		signal:    signal,
		notifier:  notifier,
		opts:      opts,
		logger:    log.With().Str("call_id", id.String()).Str("peer", peer.String()).Str("role", string(role)).Logger(),
		inbox:     newMailbox(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		release:   release,
		state:     domain.StateIdle,
	}

	engine.OnLocalCandidate(func(c domain.IceCandidate) {
		s.inbox.push(event{kind: evLocalCandidate, candidate: c})
	})
	engine.OnInboundTrack(func([]domain.MediaStream) {
		s.inbox.push(event{kind: evInboundTrack})
	})
	engine.OnConnectionStateChange(func(state domain.ConnectionState) {
		s.inbox.push(event{kind: evConnectionState, state: state})
	})
	engine.OnNegotiationError(func(err error) {
		s.inbox.push(event{kind: evEngineError, err: err})
	})
	return s
}

func (s *CallSession) ID() domain.CallID { return s.id }
func (s *CallSession) Peer() domain.PeerID { return s.peer }
func (s *CallSession) Role() domain.CallRole { return s.role }
func (s *CallSession) CreatedAt() time.Time { return s.createdAt }
func (s *CallSession) Done() <-chan struct{} { return s.done }

func (s *CallSession) State() domain.CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Cause is empty until the session is terminated.
func (s *CallSession) Cause() domain.Cause {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cause
}

func (s *CallSession) Info() domain.CallInfo {
	return domain.CallInfo{
		ID:        s.id.String(),
		Peer:      s.peer,
		Role:      s.role,
		State:     s.State(),
		CreatedAt: s.createdAt,
	}
}

// HangUp ends the call locally. Safe to call from any goroutine, any number
// of times.
func (s *CallSession) HangUp() {
	s.inbox.push(event{kind: evLocalHangUp})
}

// deliver queues an inbound signaling message. Messages for a terminated
// session are dropped.
func (s *CallSession) deliver(msg domain.Message) bool {
	return s.inbox.push(event{kind: evInbound, msg: msg})
}

// start moves Idle -> Preparing and launches the event loop.
func (s *CallSession) start() {
	s.setState(domain.StatePreparing)
	s.startTimer()
	s.goAsync(func(ctx context.Context) event {
		if _, err := s.engine.AcquireLocalMedia(ctx, s.opts.constraints); err != nil {
			return event{kind: evNegotiationFailed, err: &domain.NegotiationError{Op: "acquire local media", Err: err}}
		}
		return event{kind: evMediaReady}
	})
	go s.run()
}

func (s *CallSession) run() {
	defer func() {
		s.async.Wait()
		close(s.done)
	}()
	for {
		ev, ok := s.inbox.pop()
		if !ok {
			return
		}
		s.dispatch(ev)
	}
}

func (s *CallSession) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Call session handler panicked")
			s.terminate(domain.CauseConnectionFailed)
		}
	}()

	switch ev.kind {
	case evMediaReady:
		s.onMediaReady()
	case evDescriptionCreated:
		s.onDescriptionCreated(ev.desc)
	case evNegotiationFailed:
		s.fail(ev.err)
	case evInbound:
		s.onInbound(ev.msg)
	case evLocalCandidate:
		s.onLocalCandidate(ev.candidate)
	case evInboundTrack:
		s.markConnected("inbound track")
	case evConnectionState:
		s.onConnectionState(ev.state)
	case evEngineError:
		s.onEngineError(ev.err)
	case evTimeout:
		s.onTimeout(ev.gen)
	case evLocalHangUp:
		s.terminate(domain.CauseLocalHangUp)
	}
}

func (s *CallSession) onMediaReady() {
	if s.State() != domain.StatePreparing {
		return
	}
	s.setState(s.table.afterMedia)
	s.logger.Debug().Str("state", string(s.table.afterMedia)).Msg("Local media ready")
	s.table.onMediaReady(s)

	deferred := s.deferred
	s.deferred = nil
	for _, msg := range deferred {
		if s.State() == domain.StateTerminated {
			return
		}
		s.onInbound(msg)
	}
}

func (s *CallSession) createOffer() {
	opts := s.opts.offer
	s.goAsync(func(ctx context.Context) event {
		desc, err := s.engine.CreateOffer(ctx, opts)
		if err != nil {
			return event{kind: evNegotiationFailed, err: &domain.NegotiationError{Op: "create offer", Err: err}}
		}
		return event{kind: evDescriptionCreated, desc: desc}
	})
}

func (s *CallSession) createAnswer() {
	s.goAsync(func(ctx context.Context) event {
		desc, err := s.engine.CreateAnswer(ctx)
		if err != nil {
			return event{kind: evNegotiationFailed, err: &domain.NegotiationError{Op: "create answer", Err: err}}
		}
		return event{kind: evDescriptionCreated, desc: desc}
	})
}

func (s *CallSession) onDescriptionCreated(desc domain.SessionDescription) {
	if s.State() == domain.StateTerminated {
		return
	}
	if err := s.engine.SetLocalDescription(desc); err != nil {
		s.fail(&domain.NegotiationError{Op: "set local description", Err: err})
		return
	}
	if err := s.send(domain.KindDescription, desc); err != nil {
		s.fail(&domain.NegotiationError{Op: "send " + string(desc.Type), Err: err})
		return
	}
	s.logger.Debug().Str("type", string(desc.Type)).Msg("Sent session description")
}

func (s *CallSession) onInbound(msg domain.Message) {
	switch msg.Kind {
	case domain.KindHangUp:
		s.terminate(domain.CauseRemoteHangUp)
		return
	case domain.KindBusy:
		if s.table.busyTerminates {
			s.terminate(domain.CauseRemoteBusy)
		} else {
			s.logger.Debug().Msg("Ignoring busy signal on an answering call")
		}
		return
	}

	switch s.State() {
	case domain.StatePreparing:
		s.deferred = append(s.deferred, msg)
		return
	case domain.StateTerminated:
		return
	}

	switch msg.Kind {
	case domain.KindDescription:
		s.onRemoteDescription(msg)
	case domain.KindIceCandidate:
		s.onRemoteCandidate(msg)
	}
}

func (s *CallSession) onRemoteDescription(msg domain.Message) {
	desc, err := msg.Description()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed description")
		return
	}
	if s.State() == domain.StateConnected || s.remoteSet {
		s.logger.Debug().Str("type", string(desc.Type)).Msg("Ignoring description, remote already set")
		return
	}
	if desc.Type != s.table.accepts {
		// Both sides dialed each other; not resolved here.
		s.logger.Warn().Str("type", string(desc.Type)).Msg("Ignoring unexpected description")
		return
	}
	if err := s.engine.SetRemoteDescription(desc); err != nil {
		s.fail(&domain.NegotiationError{Op: "set remote description", Err: err})
		return
	}
	s.remoteSet = true
	s.logger.Debug().Str("type", string(desc.Type)).Msg("Applied remote description")
	s.table.onRemoteDescription(s)
}

func (s *CallSession) onRemoteCandidate(msg domain.Message) {
	c, err := msg.Candidate()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed candidate")
		return
	}
	if err := s.engine.AddRemoteCandidate(c); err != nil {
		s.surface(&domain.IceNegotiationError{Candidate: c.Candidate, Err: err})
	}
}

func (s *CallSession) onLocalCandidate(c domain.IceCandidate) {
	if s.State() == domain.StateTerminated {
		return
	}
	if s.opts.filter != nil && !s.opts.filter.Eligible(c.Candidate) {
		s.logger.Debug().Str("candidate", c.Candidate).Msg("Local candidate filtered")
		return
	}
	if err := s.send(domain.KindIceCandidate, c); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send local candidate")
	}
}

func (s *CallSession) onConnectionState(state domain.ConnectionState) {
	s.logger.Debug().Str("connection", string(state)).Msg("Connection state changed")
	switch {
	case state == domain.ConnectionConnected:
		s.markConnected("connection state")
	case state.IsDead():
		s.terminate(domain.CauseConnectionFailed)
	}
}

func (s *CallSession) onEngineError(err error) {
	var negErr *domain.NegotiationError
	if errors.As(err, &negErr) {
		s.fail(negErr)
		return
	}
	var iceErr *domain.IceNegotiationError
	if !errors.As(err, &iceErr) {
		iceErr = &domain.IceNegotiationError{Err: err}
	}
	s.surface(iceErr)
}

func (s *CallSession) markConnected(trigger string) {
	state := s.State()
	if state != domain.StateOffering && state != domain.StateAnswering {
		return
	}
	s.stopTimer()
	s.setState(domain.StateConnected)
	s.logger.Info().Str("trigger", trigger).Msg("Call connected")
	s.notify(domain.CallEvent{Type: domain.EventConnected})
}

func (s *CallSession) onTimeout(gen uint64) {
	if gen != s.timerGen || !s.State().Waiting() {
		return
	}
	if s.inbox.hasPendingTerminal(s.table.busyTerminates) {
		return
	}
	if s.role == domain.RoleRequester {
		s.logger.Info().Msg("Peer did not answer")
	}
	s.terminate(domain.CauseTimeout)
}

// fail reports err to the application and ends the call.
func (s *CallSession) fail(err error) {
	if s.State() == domain.StateTerminated {
		return
	}
	s.logger.Error().Err(err).Msg("Call negotiation failed")
	s.notify(domain.CallEvent{Type: domain.EventError, Error: err.Error()})
	s.terminate(domain.CauseConnectionFailed)
}

// surface reports a non-fatal error.
func (s *CallSession) surface(err error) {
	s.logger.Warn().Err(err).Msg("ICE negotiation error")
	s.notify(domain.CallEvent{Type: domain.EventError, Error: err.Error()})
}

func (s *CallSession) terminate(cause domain.Cause) {
	s.mu.Lock()
	if s.state == domain.StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateTerminated
	s.cause = cause
	s.mu.Unlock()

	s.stopTimer()
	s.inbox.close()

	var errs error
	if cause.SendsHangUp() {
		errs = multierr.Append(errs, s.send(domain.KindHangUp, nil))
	}
	s.cancel()
	errs = multierr.Append(errs, s.engine.Close())
	if errs != nil {
		s.logger.Warn().Err(errs).Msg("Errors during call teardown")
	}

	s.logger.Info().Str("cause", string(cause)).Dur("duration", time.Since(s.createdAt)).Msg("Call terminated")
	if s.release != nil {
		s.release(s)
	}
	s.notify(domain.CallEvent{Type: domain.EventTerminated, Cause: cause})
}

func (s *CallSession) startTimer() {
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(s.opts.ringTimeout, func() {
		s.inbox.push(event{kind: evTimeout, gen: gen})
	})
}

// stopTimer is idempotent; bumping the generation voids an expiry that is
// already queued.
func (s *CallSession) stopTimer() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.timerGen++
}

// goAsync runs fn off the loop and feeds its result back as an event.
func (s *CallSession) goAsync(fn func(ctx context.Context) event) {
	s.async.Add(1)
	go func() {
		defer s.async.Done()
		ev := fn(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		s.inbox.push(ev)
	}()
}

func (s *CallSession) send(kind domain.SignalKind, payload any) error {
	msg, err := domain.NewMessage(s.peer, kind, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.sendTimeout)
	defer cancel()
	if err := s.signal.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", kind, s.peer, err)
	}
	return nil
}

func (s *CallSession) notify(ev domain.CallEvent) {
	if s.notifier == nil {
		return
	}
	ev.Peer = s.peer
	ev.Role = s.role
	ev.At = time.Now()
	if err := s.notifier.Notify(context.Background(), ev); err != nil {
		s.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to notify application")
	}
}

func (s *CallSession) setState(state domain.CallState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
