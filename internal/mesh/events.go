package mesh

import (
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/envelope"
)

// AccessRequest is a pending join-approval request another device
// pushed for a full room.
type AccessRequest struct {
	RequesterID domain.DeviceID `json:"requesterId"`
	Alias       string          `json:"alias"`
	Timestamp   int64           `json:"timestamp"`
	Status      string          `json:"status"`
}

// Events are the session's outbound callbacks. All fields are
// optional; the UI collaborator wires what it needs.
type Events struct {
	OnPeerConnected     func(domain.DeviceID)
	OnPeerDisconnected  func(domain.DeviceID)
	OnChatReceived      func(envelope.DataEnvelope)
	OnMembershipChanged func([]domain.ParticipantRecord)
	OnAccessRequest     func(requestID string, req AccessRequest)
	OnRoomRenamed       func(name string)

	// OnPeerEvent receives non-chat peer messages: reactions, typing
	// and speaking indicators.
	OnPeerEvent func(envelope.DataEnvelope)
}

func (e Events) peerConnected(id domain.DeviceID) {
	if e.OnPeerConnected != nil {
		e.OnPeerConnected(id)
	}
}

func (e Events) peerDisconnected(id domain.DeviceID) {
	if e.OnPeerDisconnected != nil {
		e.OnPeerDisconnected(id)
	}
}

func (e Events) chatReceived(env envelope.DataEnvelope) {
	if e.OnChatReceived != nil {
		e.OnChatReceived(env)
	}
}

func (e Events) membershipChanged(records []domain.ParticipantRecord) {
	if e.OnMembershipChanged != nil {
		e.OnMembershipChanged(records)
	}
}

func (e Events) accessRequest(id string, req AccessRequest) {
	if e.OnAccessRequest != nil {
		e.OnAccessRequest(id, req)
	}
}

func (e Events) peerEvent(env envelope.DataEnvelope) {
	if e.OnPeerEvent != nil {
		e.OnPeerEvent(env)
	}
}

func (e Events) roomRenamed(name string) {
	if e.OnRoomRenamed != nil {
		e.OnRoomRenamed(name)
	}
}
