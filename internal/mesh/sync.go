package mesh

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/adapters/rtc"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/envelope"
	"github.com/dkeye/Mesh/internal/rendezvous"
)

// introEntry is one row in the room's introductions sub-tree. Newcomers
// write one on join; attached members relay recent rows to their
// direct peers so detached members hear about arrivals.
type introEntry struct {
	DeviceID  domain.DeviceID `json:"deviceId"`
	Alias     string          `json:"alias,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// onParticipants is the membership subscription callback. The value is
// the whole participant object keyed by device id, or null.
func (s *Session) onParticipants(raw json.RawMessage) {
	members := make(map[domain.DeviceID]domain.ParticipantRecord)
	if string(raw) != "null" {
		var decoded map[string]domain.ParticipantRecord
		if err := json.Unmarshal(raw, &decoded); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Msg("malformed participant list")
			return
		}
		for _, rec := range decoded {
			if rec.Valid() {
				members[rec.DeviceID] = rec
			}
		}
	}

	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	s.members = members
	for id, link := range s.links {
		if rec, ok := members[id]; ok {
			link.setAlias(rec.DisplayAlias)
		}
	}
	list := memberList(members)
	s.mu.Unlock()

	s.events.membershipChanged(list)
	s.syncLinks()
}

// syncLinks reconciles links with membership: departed peers are torn
// down unconditionally (membership is authoritative), newly seen peers
// get an offer from whichever side the ordering rule picks. Links only
// form while a call is active.
func (s *Session) syncLinks() {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	selfID := s.ident.Self().ID
	room := s.room
	inCall := s.capture != nil

	var departed []*PeerLink
	for id, link := range s.links {
		if _, ok := s.members[id]; !ok {
			departed = append(departed, link)
			delete(s.links, id)
		}
	}
	// Only members who flagged themselves in the call get offers; an
	// offer to an observer would be dropped and never retried, while
	// their later start-call rewrites the record and lands back here.
	var toOffer []domain.DeviceID
	if inCall {
		for id, rec := range s.members {
			if id == selfID || !rec.InCall {
				continue
			}
			if _, ok := s.links[id]; ok {
				continue
			}
			if DecideInitiator(selfID, id) {
				toOffer = append(toOffer, id)
			}
		}
	}
	s.mu.Unlock()

	for _, link := range departed {
		log.Info().Str("module", "mesh").Str("peer", string(link.remote)).Msg("peer left room")
		wasConnected := link.State() == LinkConnected
		link.close()
		s.ident.Forget(link.remote)
		if wasConnected {
			s.events.peerDisconnected(link.remote)
		}
	}
	for _, id := range toOffer {
		if err := s.initiateLink(room, id); err != nil {
			log.Error().Err(err).Str("module", "mesh").Str("peer", string(id)).Msg("offer failed")
		}
	}
	s.maybeDetach()
}

// initiateLink opens a transport to remote and sends the offer. Called
// only on the side the ordering rule designates.
func (s *Session) initiateLink(room domain.RoomID, remote domain.DeviceID) error {
	link, err := s.newLink(remote, true)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if _, exists := s.links[remote]; exists || !s.joined {
		s.mu.Unlock()
		link.close()
		return nil
	}
	s.links[remote] = link
	if rec, ok := s.members[remote]; ok {
		link.setAlias(rec.DisplayAlias)
	}
	s.mu.Unlock()

	offer, err := link.transport.CreateOffer()
	if err != nil {
		s.dropLink(link, LinkFailed)
		return err
	}
	link.setState(LinkOfferSent)
	return s.sendSignal(room, envelope.SignalOffer, remote,
		envelope.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP})
}

// newLink builds the transport, its negotiated channel and all event
// wiring for one remote, in either role.
func (s *Session) newLink(remote domain.DeviceID, initiator bool) (*PeerLink, error) {
	transport, err := rtc.NewPeerTransport(rtc.DefaultConfig(s.cfg.ICEServers), remote)
	if err != nil {
		return nil, err
	}
	link := newPeerLink(remote, initiator, transport)

	transport.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		s.mu.Lock()
		room := s.room
		joined := s.joined
		s.mu.Unlock()
		if !joined {
			return
		}
		cand := envelope.ICECandidate{
			Candidate:     ci.Candidate,
			SDPMid:        ci.SDPMid,
			SDPMLineIndex: ci.SDPMLineIndex,
		}
		if err := s.sendSignal(room, envelope.SignalICECandidate, remote, cand); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", string(remote)).Msg("candidate push failed")
		}
	})
	transport.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.onTransportState(link, st)
	})

	s.mu.Lock()
	capture := s.capture
	s.mu.Unlock()
	if capture != nil {
		if _, err := transport.AddLocalTrack(capture.Track()); err != nil {
			transport.Close()
			return nil, err
		}
	}

	dc, err := transport.CreateNegotiatedChannel(dataChannelLabel, dataChannelID)
	if err != nil {
		transport.Close()
		return nil, err
	}
	link.setChannel(dc)
	dc.OnOpen(func() { s.onChannelOpen(link) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { s.onChannelMessage(link, msg.Data) })
	return link, nil
}

// onTransportState reacts to terminal transport transitions. A failed
// link is dropped and, because the peer may still be a member, the
// session reattaches and lets the reconcile loop rebuild it.
func (s *Session) onTransportState(link *PeerLink, st webrtc.PeerConnectionState) {
	switch st {
	case webrtc.PeerConnectionStateDisconnected:
		if link.State() == LinkClosed {
			return
		}
		link.setState(LinkDisconnected)
		s.recoverSignaling()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if link.State() == LinkClosed {
			return
		}
		s.dropLink(link, LinkFailed)
		s.recoverSignaling()
		s.syncLinks()
	}
}

// dropLink removes the link from the mesh and closes it. The
// disconnect event fires only if this link was still the registered
// one, so a deliberate replacement does not double-report.
func (s *Session) dropLink(link *PeerLink, st LinkState) {
	s.mu.Lock()
	current, registered := s.links[link.remote]
	if registered && current == link {
		delete(s.links, link.remote)
	} else {
		registered = false
	}
	s.mu.Unlock()

	wasConnected := link.State() == LinkConnected
	link.setState(st)
	link.close()
	if registered {
		s.ident.Forget(link.remote)
		if wasConnected {
			s.events.peerDisconnected(link.remote)
		}
	}
}

// recoverSignaling restores the rendezvous attachment so a degraded
// mesh can renegotiate. If the store itself is unreachable, the
// remaining direct peers are asked for introductions instead.
func (s *Session) recoverSignaling() {
	s.attach.CancelDetach()
	if err := s.attach.Reattach(context.Background()); err != nil {
		log.Error().Err(err).Str("module", "mesh").Msg("reattach failed")
		if env, envErr := envelope.NewData(envelope.DataRequestIntroductions, s.ident.Self().ID, nil); envErr == nil {
			_ = s.broadcast(env)
		}
	}
}

// maybeDetach schedules the rendezvous release when every member is
// directly connected, and cancels it otherwise. The predicate is
// re-checked when the timer fires.
func (s *Session) maybeDetach() {
	if s.fullyConnected() {
		s.attach.ScheduleDetach(s.fullyConnected)
	} else {
		s.attach.CancelDetach()
	}
}

// fullyConnected reports whether every remote member has an open link.
// A lone member never counts as fully connected: with no peers to relay
// introductions it must stay attached to see anyone arrive.
func (s *Session) fullyConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined || s.capture == nil {
		return false
	}
	selfID := s.ident.Self().ID
	remotes := 0
	for id, rec := range s.members {
		if id == selfID || !rec.InCall {
			continue
		}
		remotes++
		link, ok := s.links[id]
		if !ok || link.State() != LinkConnected {
			return false
		}
	}
	return remotes > 0
}

// onChannelOpen completes the handshake: the link is live, the local
// claim goes out first on the ordered channel.
func (s *Session) onChannelOpen(link *PeerLink) {
	link.setState(LinkConnected)
	link.markSeen()
	s.sendClaim(link)
	log.Info().Str("module", "mesh").Str("peer", string(link.remote)).Msg("peer connected")
	s.events.peerConnected(link.remote)
	s.maybeDetach()
}

func (s *Session) sendClaim(link *PeerLink) {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	claim := s.ident.Sign(room, time.Now().UnixMilli())
	env, err := envelope.NewData(envelope.DataReconnectInfo, s.ident.Self().ID, claim)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Msg("claim encode failed")
		return
	}
	if err := link.Send(env); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(link.remote)).Msg("claim send failed")
	}
}

// heartbeatLoop pings every open link on a fixed interval. Replies only
// refresh lastSeen; a silent peer is detected by the transport state,
// not by heartbeat age.
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		env, err := envelope.NewData(envelope.DataHeartbeat, s.ident.Self().ID, nil)
		if err != nil {
			continue
		}
		s.mu.Lock()
		links := make([]*PeerLink, 0, len(s.links))
		for _, link := range s.links {
			links = append(links, link)
		}
		s.mu.Unlock()
		for _, link := range links {
			if link.State() == LinkConnected {
				_ = link.Send(env)
			}
		}
	}
}

// introductionLoop relays recent arrivals to direct peers and prunes
// entries past the lookback window.
func (s *Session) introductionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IntroductionPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		room := s.room
		joined := s.joined
		s.mu.Unlock()
		if !joined {
			continue
		}
		// The poll has to work across detachment: a newcomer's record
		// lands in the store while every member of a steady-state mesh
		// may be offline. Reattach for the poll; catch-up replay of the
		// membership subscription does the actual connecting when
		// someone did arrive, and the release timer is re-armed below
		// when nobody did.
		wasDetached := s.attach.State() == Detached
		if wasDetached {
			if err := s.attach.Reattach(ctx); err != nil {
				log.Debug().Err(err).Str("module", "mesh").Msg("introduction poll reattach failed")
				continue
			}
		}
		snaps, err := s.store.Once(ctx, rendezvous.IntroductionsPath(room))
		if err != nil {
			continue
		}
		now := time.Now().UnixMilli()
		selfID := s.ident.Self().ID
		for _, snap := range snaps {
			var entry introEntry
			if err := json.Unmarshal(snap.Value, &entry); err != nil || entry.DeviceID == "" {
				_ = s.store.Remove(ctx, rendezvous.IntroductionsPath(room)+"/"+snap.Key)
				continue
			}
			if now-entry.Timestamp > s.cfg.IntroductionLookback.Milliseconds() {
				_ = s.store.Remove(ctx, rendezvous.IntroductionsPath(room)+"/"+snap.Key)
				continue
			}
			if entry.DeviceID == selfID {
				continue
			}
			env, err := envelope.NewData(envelope.DataPeerIntroduction, selfID,
				envelope.IntroductionPayload{DeviceID: entry.DeviceID, Alias: entry.Alias})
			if err != nil {
				continue
			}
			_ = s.broadcast(env)
		}
		if wasDetached {
			s.maybeDetach()
		}
	}
}
