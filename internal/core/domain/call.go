package domain

import "time"

type CallRole string

const (
	RoleRequester CallRole = "requester" // placed the call, sends the offer
	RoleResponder CallRole = "responder" // was called, sends the answer
)

type CallState string

const (
	StateIdle       CallState = "idle"
	StatePreparing  CallState = "preparing"
	StateOffering   CallState = "offering"
	StateAnswering  CallState = "answering"
	StateConnected  CallState = "connected"
	StateTerminated CallState = "terminated"
)

// Waiting reports whether the call has not yet connected or ended.
func (s CallState) Waiting() bool {
	switch s {
	case StateIdle, StatePreparing, StateOffering, StateAnswering:
		return true
	}
	return false
}

type Cause string

const (
	CauseRemoteHangUp     Cause = "remote-hangup"
	CauseRemoteBusy       Cause = "remote-busy"
	CauseLocalHangUp      Cause = "local-hangup"
	CauseConnectionFailed Cause = "connection-failed"
	CauseTimeout          Cause = "timeout"
)

// SendsHangUp reports whether terminating with this cause must notify the
// remote peer. Remote-initiated endings are never echoed back.
func (c Cause) SendsHangUp() bool {
	return c != CauseRemoteHangUp && c != CauseRemoteBusy
}

type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// IsDead reports whether the connection can no longer carry the call.
func (s ConnectionState) IsDead() bool {
	switch s {
	case ConnectionDisconnected, ConnectionFailed, ConnectionClosed:
		return true
	}
	return false
}

type MediaConstraints struct {
	Audio            bool `json:"audio"`
	Video            bool `json:"video"`
	EchoCancellation bool `json:"echo_cancellation"`
}

func DefaultMediaConstraints() MediaConstraints {
	return MediaConstraints{Audio: true, Video: true, EchoCancellation: true}
}

type OfferOptions struct {
	ReceiveAudio bool
	ReceiveVideo bool
}

type MediaStream struct {
	ID     string   `json:"id"`
	Tracks []string `json:"tracks,omitempty"`
}

type EventType string

const (
	EventRinging    EventType = "ringing"
	EventConnected  EventType = "connected"
	EventTerminated EventType = "terminated"
	EventError      EventType = "error"
)

// CallEvent is what the application boundary sees of a call's lifecycle.
type CallEvent struct {
	Type  EventType `json:"type"`
	Peer  PeerID    `json:"peer"`
	Role  CallRole  `json:"role,omitempty"`
	Cause Cause     `json:"cause,omitempty"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

type CallInfo struct {
	ID        string    `json:"id"`
	Peer      PeerID    `json:"peer"`
	Role      CallRole  `json:"role"`
	State     CallState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}
