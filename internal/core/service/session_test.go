package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequester_OfferAnswerConnect(t *testing.T) {
	h := newHarness(t, testConfig())

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleRequester, sess.Role())

	ringing := h.events.wait(t, domain.EventRinging)
	assert.Equal(t, bob, ringing.Peer)
	assert.Equal(t, domain.RoleRequester, ringing.Role)

	msg := h.waitSent(bob, domain.KindDescription)
	d, err := msg.Description()
	require.NoError(t, err)
	assert.Equal(t, domain.SDPOffer, d.Type)
	waitState(t, sess, domain.StateOffering)

	h.fromBob(domain.KindDescription, answer)
	engine := h.factory.last(t)
	require.Eventually(t, func() bool {
		_, remote, _, _ := engine.snapshot()
		return len(remote) == 1
	}, waitFor, tick)
	assert.Equal(t, domain.StateOffering, sess.State())

	engine.emitTrack()
	waitState(t, sess, domain.StateConnected)

	local, remote, _, _ := engine.snapshot()
	assert.Equal(t, []domain.SessionDescription{{Type: domain.SDPOffer, SDP: "offer-sdp"}}, local)
	assert.Equal(t, []domain.SessionDescription{answer}, remote)
	assert.Len(t, h.sent(bob, domain.KindDescription), 1)

	connected := h.events.wait(t, domain.EventConnected)
	assert.Equal(t, bob, connected.Peer)
	assert.Empty(t, h.events.of(domain.EventTerminated))
}

func TestRequester_DuplicateAnswerIgnored(t *testing.T) {
	h := newHarness(t, testConfig())

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	h.waitSent(bob, domain.KindDescription)

	h.fromBob(domain.KindDescription, answer)
	h.fromBob(domain.KindDescription, answer)
	h.fromBob(domain.KindIceCandidate, udp)

	engine := h.factory.last(t)
	require.Eventually(t, func() bool {
		_, _, cands, _ := engine.snapshot()
		return len(cands) == 1
	}, waitFor, tick)
	_, remote, _, _ := engine.snapshot()
	assert.Len(t, remote, 1)
	assert.Equal(t, domain.StateOffering, sess.State())
}

func TestRequester_UnexpectedOfferIgnored(t *testing.T) {
	h := newHarness(t, testConfig())

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	h.waitSent(bob, domain.KindDescription)

	h.fromBob(domain.KindDescription, offer)
	h.fromBob(domain.KindIceCandidate, udp)

	engine := h.factory.last(t)
	require.Eventually(t, func() bool {
		_, _, cands, _ := engine.snapshot()
		return len(cands) == 1
	}, waitFor, tick)
	_, remote, _, _ := engine.snapshot()
	assert.Empty(t, remote)
	assert.Equal(t, domain.StateOffering, sess.State())
}

func TestResponder_AnswersBufferedOffer(t *testing.T) {
	h := newHarness(t, testConfig())

	h.fromBob(domain.KindDescription, offer)
	ringing := h.events.wait(t, domain.EventRinging)
	assert.Equal(t, domain.RoleResponder, ringing.Role)
	assert.Equal(t, []domain.PeerID{bob}, h.svc.Ringing())
	assert.False(t, h.svc.InCall())

	h.fromBob(domain.KindIceCandidate, udp)
	require.Eventually(t, func() bool {
		h.svc.mu.Lock()
		defer h.svc.mu.Unlock()
		pc, ok := h.svc.pending[bob]
		return ok && len(pc.buffered) == 1
	}, waitFor, tick)

	sess, err := h.svc.AcceptInbound(context.Background(), bob, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleResponder, sess.Role())
	assert.Empty(t, h.svc.Ringing())

	msg := h.waitSent(bob, domain.KindDescription)
	d, err := msg.Description()
	require.NoError(t, err)
	assert.Equal(t, domain.SDPAnswer, d.Type)
	waitState(t, sess, domain.StateAnswering)

	engine := h.factory.last(t)
	require.Eventually(t, func() bool {
		_, _, cands, _ := engine.snapshot()
		return len(cands) == 1
	}, waitFor, tick)
	_, remote, cands, _ := engine.snapshot()
	assert.Equal(t, []domain.SessionDescription{offer}, remote)
	assert.Equal(t, udp.Candidate, cands[0].Candidate)

	engine.emitState(domain.ConnectionConnected)
	waitState(t, sess, domain.StateConnected)
	assert.Empty(t, h.events.of(domain.EventTerminated))
}

func TestResponder_BusyIgnored(t *testing.T) {
	h := newHarness(t, testConfig())

	sess, err := h.svc.AcceptInbound(context.Background(), bob, &offer)
	require.NoError(t, err)
	h.waitSent(bob, domain.KindDescription)

	h.fromBob(domain.KindBusy, nil)
	h.fromBob(domain.KindIceCandidate, udp)

	engine := h.factory.last(t)
	require.Eventually(t, func() bool {
		_, _, cands, _ := engine.snapshot()
		return len(cands) == 1
	}, waitFor, tick)
	assert.Equal(t, domain.StateAnswering, sess.State())
}

func TestRemoteHangUp_NotEchoed(t *testing.T) {
	h := newHarness(t, testConfig())

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	h.waitSent(bob, domain.KindDescription)

	h.fromBob(domain.KindHangUp, nil)
	<-sess.Done()

	ev := h.events.wait(t, domain.EventTerminated)
	assert.Equal(t, domain.CauseRemoteHangUp, ev.Cause)
	assert.Equal(t, domain.CauseRemoteHangUp, sess.Cause())
	assert.Empty(t, h.sent(bob, domain.KindHangUp))
	assert.False(t, h.svc.InCall())

	_, _, _, closed := h.factory.last(t).snapshot()
	assert.Equal(t, 1, closed)
}

func TestRemoteBusy_TerminatesRequester(t *testing.T) {
	h := newHarness(t, testConfig())

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	h.waitSent(bob, domain.KindDescription)

	h.fromBob(domain.KindBusy, nil)
	<-sess.Done()

	assert.Equal(t, domain.CauseRemoteBusy, h.events.wait(t, domain.EventTerminated).Cause)
	assert.Empty(t, h.sent(bob, domain.KindHangUp))
}

func TestTimeout_RequesterHangsUp(t *testing.T) {
	cfg := testConfig()
	cfg.RingTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	<-sess.Done()

	assert.Equal(t, domain.CauseTimeout, h.events.wait(t, domain.EventTerminated).Cause)
	assert.Len(t, h.sent(bob, domain.KindHangUp), 1)
	assert.False(t, h.svc.InCall())
}

func TestTimeout_WhilePreparing(t *testing.T) {
	cfg := testConfig()
	cfg.RingTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.factory.configure = func(e *fakeEngine) { e.mediaGate = make(chan struct{}) }

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePreparing, sess.State())
	<-sess.Done()

	assert.Equal(t, domain.CauseTimeout, sess.Cause())
	assert.Empty(t, h.sent(bob, domain.KindDescription))
}

func TestTimeout_CancelledByConnect(t *testing.T) {
	cfg := testConfig()
	cfg.RingTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	h.waitSent(bob, domain.KindDescription)
	h.fromBob(domain.KindDescription, answer)
	h.factory.last(t).emitTrack()
	waitState(t, sess, domain.StateConnected)

	time.Sleep(3 * cfg.RingTimeout)
	assert.Equal(t, domain.StateConnected, sess.State())
	assert.Empty(t, h.events.of(domain.EventTerminated))
}

func TestTimeout_StaleGenerationIgnored(t *testing.T) {
	h := newHarness(t, testConfig())

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	h.waitSent(bob, domain.KindDescription)

	// An expiry from an older timer generation must not end the call.
	sess.inbox.push(event{kind: evTimeout, gen: 0})
	h.fromBob(domain.KindIceCandidate, udp)

	engine := h.factory.last(t)
	require.Eventually(t, func() bool {
		_, _, cands, _ := engine.snapshot()
		return len(cands) == 1
	}, waitFor, tick)
	assert.Equal(t, domain.StateOffering, sess.State())
}

func TestLocalHangUp(t *testing.T) {
	h := newHarness(t, testConfig())

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	h.waitSent(bob, domain.KindDescription)

	h.svc.HangUp(bob)
	h.svc.HangUp(bob)
	<-sess.Done()
	sess.HangUp()

	assert.Equal(t, domain.CauseLocalHangUp, sess.Cause())
	assert.Len(t, h.sent(bob, domain.KindHangUp), 1)
	assert.Len(t, h.events.of(domain.EventTerminated), 1)
}

func TestNegotiationFailure_Terminates(t *testing.T) {
	h := newHarness(t, testConfig())
	h.factory.configure = func(e *fakeEngine) { e.offerErr = errors.New("no codecs") }

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	<-sess.Done()

	assert.Equal(t, domain.CauseConnectionFailed, sess.Cause())
	assert.Contains(t, h.events.wait(t, domain.EventError).Error, "create offer")
	assert.Len(t, h.sent(bob, domain.KindHangUp), 1)
}

func TestMediaFailure_Terminates(t *testing.T) {
	h := newHarness(t, testConfig())
	h.factory.configure = func(e *fakeEngine) { e.mediaErr = errors.New("permission denied") }

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	<-sess.Done()

	assert.Equal(t, domain.CauseConnectionFailed, sess.Cause())
	assert.Contains(t, h.events.wait(t, domain.EventError).Error, "acquire local media")
}

func TestRemoteDescriptionFailure_Terminates(t *testing.T) {
	h := newHarness(t, testConfig())
	h.factory.configure = func(e *fakeEngine) { e.setRemoteErr = errors.New("bad sdp") }

	sess, err := h.svc.AcceptInbound(context.Background(), bob, &offer)
	require.NoError(t, err)
	<-sess.Done()

	assert.Equal(t, domain.CauseConnectionFailed, sess.Cause())
	assert.Empty(t, h.sent(bob, domain.KindDescription))
}

func TestIceFailure_NotTerminal(t *testing.T) {
	h := newHarness(t, testConfig())
	h.factory.configure = func(e *fakeEngine) { e.candErr = errors.New("bad candidate") }

	sess, err := h.svc.AcceptInbound(context.Background(), bob, &offer)
	require.NoError(t, err)
	h.waitSent(bob, domain.KindDescription)

	h.fromBob(domain.KindIceCandidate, udp)
	ev := h.events.wait(t, domain.EventError)
	assert.Contains(t, ev.Error, "bad candidate")

	h.factory.last(t).emitError(errors.New("gathering stalled"))
	require.Eventually(t, func() bool { return len(h.events.of(domain.EventError)) == 2 }, waitFor, tick)
	assert.Equal(t, domain.StateAnswering, sess.State())
}

func TestEngineErrorNegotiation_Terminates(t *testing.T) {
	h := newHarness(t, testConfig())

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	h.waitSent(bob, domain.KindDescription)

	h.factory.last(t).emitError(&domain.NegotiationError{Op: "renegotiate", Err: errors.New("boom")})
	<-sess.Done()
	assert.Equal(t, domain.CauseConnectionFailed, sess.Cause())
}

func TestConnectionLost_Terminates(t *testing.T) {
	for _, state := range []domain.ConnectionState{domain.ConnectionDisconnected, domain.ConnectionFailed, domain.ConnectionClosed} {
		t.Run(string(state), func(t *testing.T) {
			h := newHarness(t, testConfig())

			sess, err := h.svc.Initiate(context.Background(), bob)
			require.NoError(t, err)
			h.waitSent(bob, domain.KindDescription)
			h.fromBob(domain.KindDescription, answer)
			h.factory.last(t).emitTrack()
			waitState(t, sess, domain.StateConnected)

			h.factory.last(t).emitState(state)
			<-sess.Done()
			assert.Equal(t, domain.CauseConnectionFailed, sess.Cause())
			assert.Len(t, h.sent(bob, domain.KindHangUp), 1)
		})
	}
}

func TestLocalCandidates_Filtered(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	h.waitSent(bob, domain.KindDescription)

	engine := h.factory.last(t)
	engine.emitCandidate(hostTCP)
	engine.emitCandidate(hostUDP4)

	msg := h.waitSent(bob, domain.KindIceCandidate)
	c, err := msg.Candidate()
	require.NoError(t, err)
	assert.Equal(t, hostUDP4, c.Candidate)
	assert.Len(t, h.sent(bob, domain.KindIceCandidate), 1)
}

func TestMessagesAfterTerminatedDropped(t *testing.T) {
	h := newHarness(t, testConfig())

	sess, err := h.svc.Initiate(context.Background(), bob)
	require.NoError(t, err)
	h.waitSent(bob, domain.KindDescription)
	h.svc.HangUp(bob)
	<-sess.Done()

	assert.False(t, sess.deliver(domain.Message{From: bob, Kind: domain.KindIceCandidate}))

	h.fromBob(domain.KindDescription, answer)
	h.fromBob(domain.KindIceCandidate, udp)
	time.Sleep(20 * time.Millisecond)

	_, remote, cands, _ := h.factory.last(t).snapshot()
	assert.Empty(t, remote)
	assert.Empty(t, cands)
	assert.Equal(t, 1, h.factory.count())
	assert.Len(t, h.events.of(domain.EventTerminated), 1)
}
