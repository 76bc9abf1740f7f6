// Package envelope defines the two message families the mesh core
// exchanges: signal envelopes over the rendezvous store (handshakes) and
// data envelopes over direct peer channels. Both are validated before
// dispatch so malformed or replayed entries never reach the transport.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
)

var (
	ErrUnknownKind    = errors.New("unknown envelope kind")
	ErrMissingSender  = errors.New("envelope missing sender")
	ErrMissingTarget  = errors.New("envelope missing target")
	ErrBadDescription = errors.New("malformed session description")
	ErrBadCandidate   = errors.New("malformed ice candidate")
)

// SignalKind is the closed set of rendezvous-channel envelope kinds.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

func (k SignalKind) Known() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// SignalEnvelope is an ephemeral handshake message pushed to the room's
// signals sub-tree. Consumed exactly once by its target and then removed.
type SignalEnvelope struct {
	Kind      SignalKind      `json:"kind"`
	SenderID  domain.DeviceID `json:"senderId"`
	TargetID  domain.DeviceID `json:"targetId"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// SessionDescription mirrors the {type, sdp} shape required by the
// point-to-point transport. Both fields are mandatory.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate carries one trickled candidate. SDPMid and SDPMLineIndex
// are pointers because either may legitimately be absent.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// NewSignal builds a signal envelope addressed at one peer.
func NewSignal(kind SignalKind, sender, target domain.DeviceID, payload any) (SignalEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalEnvelope{}, fmt.Errorf("marshal signal payload: %w", err)
	}
	return SignalEnvelope{
		Kind:      kind,
		SenderID:  sender,
		TargetID:  target,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// DecodeSignal parses and validates a rendezvous entry. The signals
// sub-tree is shared by the whole room, so entries may be stale, foreign
// or garbage; anything that fails here is dropped by the caller.
func DecodeSignal(data []byte) (SignalEnvelope, error) {
	var env SignalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return SignalEnvelope{}, fmt.Errorf("decode signal: %w", err)
	}
	if !env.Kind.Known() {
		return SignalEnvelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if env.SenderID == "" {
		return SignalEnvelope{}, ErrMissingSender
	}
	if env.TargetID == "" {
		return SignalEnvelope{}, ErrMissingTarget
	}
	return env, nil
}

// Description extracts the {type, sdp} payload of an offer or answer.
// A missing sdp rejects the envelope rather than crashing the transport.
func (e SignalEnvelope) Description() (SessionDescription, error) {
	if e.Kind != SignalOffer && e.Kind != SignalAnswer {
		return SessionDescription{}, fmt.Errorf("%w: kind %q has no description", ErrBadDescription, e.Kind)
	}
	var desc SessionDescription
	if err := json.Unmarshal(e.Payload, &desc); err != nil {
		return SessionDescription{}, fmt.Errorf("%w: %v", ErrBadDescription, err)
	}
	if desc.Type == "" || desc.SDP == "" {
		return SessionDescription{}, ErrBadDescription
	}
	return desc, nil
}

// CandidatePayload extracts the trickled candidate of an ice-candidate
// envelope.
func (e SignalEnvelope) CandidatePayload() (ICECandidate, error) {
	if e.Kind != SignalICECandidate {
		return ICECandidate{}, fmt.Errorf("%w: kind %q", ErrBadCandidate, e.Kind)
	}
	var cand ICECandidate
	if err := json.Unmarshal(e.Payload, &cand); err != nil {
		return ICECandidate{}, fmt.Errorf("%w: %v", ErrBadCandidate, err)
	}
	if cand.Candidate == "" {
		return ICECandidate{}, ErrBadCandidate
	}
	return cand, nil
}
