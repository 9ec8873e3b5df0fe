package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoPendingCall = errors.New("no pending inbound call")
	ErrClosed        = errors.New("call orchestrator closed")
)

// AlreadyInCallError is returned when a call is attempted while another one
// is live.
type AlreadyInCallError struct {
	Peer   PeerID
	Active PeerID
}

func (e *AlreadyInCallError) Error() string {
	if e.Active == e.Peer {
		return fmt.Sprintf("already in a call with %s", e.Peer)
	}
	return fmt.Sprintf("cannot call %s: already in a call with %s", e.Peer, e.Active)
}

// NegotiationError reports a failure creating or applying a session
// description. It ends the call with CauseConnectionFailed.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// IceNegotiationError reports a candidate gathering or application failure.
// It is surfaced but does not end the call.
type IceNegotiationError struct {
	Candidate string
	Err       error
}

func (e *IceNegotiationError) Error() string {
	if e.Candidate == "" {
		return fmt.Sprintf("ice negotiation: %v", e.Err)
	}
	return fmt.Sprintf("ice negotiation (%s): %v", e.Candidate, e.Err)
}

func (e *IceNegotiationError) Unwrap() error {
	return e.Err
}
