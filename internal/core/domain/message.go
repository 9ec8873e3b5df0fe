package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

type SignalKind string

const (
	KindDescription  SignalKind = "description"
	KindIceCandidate SignalKind = "ice_candidate"
	KindHangUp       SignalKind = "hang_up"
	KindBusy         SignalKind = "busy"
)

func (k SignalKind) Valid() bool {
	switch k {
	case KindDescription, KindIceCandidate, KindHangUp, KindBusy:
		return true
	}
	return false
}

// IsTerminal reports whether a message of this kind ends the call on receipt.
func (k SignalKind) IsTerminal() bool {
	return k == KindHangUp || k == KindBusy
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

type IceCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Message is one signaling exchange between two peers. Payload carries the
// JSON form of a SessionDescription or IceCandidate and is empty for HangUp
// and Busy.
type Message struct {
	From    PeerID          `json:"from,omitempty"`
	To      PeerID          `json:"to,omitempty"`
	Kind    SignalKind      `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewMessage(to PeerID, kind SignalKind, payload any) (Message, error) {
	if to.IsZero() {
		return Message{}, errors.New("message recipient cannot be empty")
	}
	if !kind.Valid() {
		return Message{}, fmt.Errorf("unknown signal kind %q", kind)
	}
	msg := Message{To: to, Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

func (m Message) Description() (SessionDescription, error) {
	var d SessionDescription
	if m.Kind != KindDescription {
		return d, fmt.Errorf("message kind %q is not a description", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, &d); err != nil {
		return d, fmt.Errorf("decode description: %w", err)
	}
	if d.Type != SDPOffer && d.Type != SDPAnswer {
		return d, fmt.Errorf("unsupported sdp type %q", d.Type)
	}
	return d, nil
}

func (m Message) Candidate() (IceCandidate, error) {
	var c IceCandidate
	if m.Kind != KindIceCandidate {
		return c, fmt.Errorf("message kind %q is not a candidate", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return c, fmt.Errorf("decode candidate: %w", err)
	}
	return c, nil
}

// IsOffer reports whether m carries an offer description. Malformed payloads
// are not offers.
func (m Message) IsOffer() bool {
	d, err := m.Description()
	return err == nil && d.Type == SDPOffer
}
