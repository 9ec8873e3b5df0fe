package service

import (
	"context"
	"sync"
	"testing"
	"time"

	signalmemory "github.com/Wyydra/yacall/internal/adapter/driven/signal/memory"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeEngine records what the session asks of it. Events are raised by the
// test through the emit helpers.
type fakeEngine struct {
	peer domain.PeerID

	mu           sync.Mutex
	mediaGate    chan struct{}
	mediaErr     error
	offerErr     error
	setRemoteErr error
	candErr      error
	offers       int
	answers      int
	local        []domain.SessionDescription
	remote       []domain.SessionDescription
	candidates   []domain.IceCandidate
	closed       int

	onCandidate func(domain.IceCandidate)
	onTrack     func([]domain.MediaStream)
	onState     func(domain.ConnectionState)
	onError     func(error)
}

func (e *fakeEngine) AcquireLocalMedia(ctx context.Context, _ domain.MediaConstraints) (domain.MediaStream, error) {
	e.mu.Lock()
	gate, err := e.mediaGate, e.mediaErr
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.MediaStream{}, ctx.Err()
		}
	}
	return domain.MediaStream{ID: "local"}, err
}

func (e *fakeEngine) CreateOffer(context.Context, domain.OfferOptions) (domain.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offerErr != nil {
		return domain.SessionDescription{}, e.offerErr
	}
	e.offers++
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: "offer-sdp"}, nil
}

func (e *fakeEngine) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answers++
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: "answer-sdp"}, nil
}

func (e *fakeEngine) SetLocalDescription(d domain.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.local = append(e.local, d)
	return nil
}

func (e *fakeEngine) SetRemoteDescription(d domain.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.setRemoteErr != nil {
		return e.setRemoteErr
	}
	e.remote = append(e.remote, d)
	return nil
}

func (e *fakeEngine) AddRemoteCandidate(c domain.IceCandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.candErr != nil {
		return e.candErr
	}
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEngine) OnLocalCandidate(fn func(domain.IceCandidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnInboundTrack(fn func([]domain.MediaStream)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnNegotiationError(fn func(error)) {
	e.mu.Lock()
	e.onError = fn
	e.mu.Unlock()
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return nil
}

func (e *fakeEngine) emitTrack() {
	e.mu.Lock()
	fn := e.onTrack
	e.mu.Unlock()
	fn([]domain.MediaStream{{ID: "remote"}})
}

func (e *fakeEngine) emitState(s domain.ConnectionState) {
	e.mu.Lock()
	fn := e.onState
	e.mu.Unlock()
	fn(s)
}

func (e *fakeEngine) emitCandidate(c string) {
	e.mu.Lock()
	fn := e.onCandidate
	e.mu.Unlock()
	fn(domain.IceCandidate{Candidate: c})
}

func (e *fakeEngine) emitError(err error) {
	e.mu.Lock()
	fn := e.onError
	e.mu.Unlock()
	fn(err)
}

func (e *fakeEngine) snapshot() (local, remote []domain.SessionDescription, candidates []domain.IceCandidate, closed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.SessionDescription(nil), e.local...),
		append([]domain.SessionDescription(nil), e.remote...),
		append([]domain.IceCandidate(nil), e.candidates...),
		e.closed
}

type fakeFactory struct {
	mu        sync.Mutex
	configure func(*fakeEngine)
	engines   []*fakeEngine
}

func (f *fakeFactory) NewEngine(peer domain.PeerID) (port.NegotiationEngine, error) {
	e := &fakeEngine{peer: peer}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configure != nil {
		f.configure(e)
	}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) last(t *testing.T) *fakeEngine {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.engines)
	return f.engines[len(f.engines)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

// recorder is a port.CallNotifier that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []domain.CallEvent
}

func (r *recorder) Notify(_ context.Context, ev domain.CallEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) of(typ domain.EventType) []domain.CallEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CallEvent
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) wait(t *testing.T, typ domain.EventType) domain.CallEvent {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.of(typ)) > 0 }, waitFor, tick, "no %s event", typ)
	return r.of(typ)[0]
}

// harness runs a CallService for "alice" on an in-memory bus. The test plays
// "bob" by sending through bob's channel.
type harness struct {
	t       *testing.T
	bus     *signalmemory.Bus
	local   *signalmemory.Channel
	remote  *signalmemory.Channel
	factory *fakeFactory
	events  *recorder
	svc     *CallService
}

const (
	alice = domain.PeerID("alice")
	bob   = domain.PeerID("bob")
	carol = domain.PeerID("carol")
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RingTimeout = time.Minute
	cfg.SendTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	bus := signalmemory.NewBus()
	h := &harness{
		t:       t,
		bus:     bus,
		local:   bus.Channel(alice),
		remote:  bus.Channel(bob),
		factory: &fakeFactory{},
		events:  &recorder{},
	}
	bus.Channel(carol)
	h.svc = NewCallService(h.factory, h.local, h.events, cfg)
	startService(t, h.svc, h.local)
	return h
}

// startService runs svc until the test ends and waits for it to subscribe.
func startService(t *testing.T, svc *CallService, ch *signalmemory.Channel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	before := ch.Subscribers()
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	require.Eventually(t, func() bool { return ch.Subscribers() > before }, waitFor, tick)
	t.Cleanup(func() {
		svc.Close()
		cancel()
		<-done
	})
}

func (h *harness) sendFrom(from *signalmemory.Channel, kind domain.SignalKind, payload any) {
	h.t.Helper()
	msg, err := domain.NewMessage(alice, kind, payload)
	require.NoError(h.t, err)
	require.NoError(h.t, from.Send(context.Background(), msg))
}

func (h *harness) fromBob(kind domain.SignalKind, payload any) {
	h.t.Helper()
	h.sendFrom(h.remote, kind, payload)
}

func (h *harness) sent(to domain.PeerID, kind domain.SignalKind) []domain.Message {
	var out []domain.Message
	for _, msg := range h.local.Sent() {
		if msg.To == to && msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

func (h *harness) waitSent(to domain.PeerID, kind domain.SignalKind) domain.Message {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.sent(to, kind)) > 0 }, waitFor, tick, "nothing of kind %s sent to %s", kind, to)
	return h.sent(to, kind)[0]
}

func waitState(t *testing.T, sess *CallSession, state domain.CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return sess.State() == state }, waitFor, tick, "session stuck in %s", sess.State())
}

var (
	offer  = domain.SessionDescription{Type: domain.SDPOffer, SDP: "remote-offer"}
	answer = domain.SessionDescription{Type: domain.SDPAnswer, SDP: "remote-answer"}
	udp    = domain.IceCandidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host"}
)
