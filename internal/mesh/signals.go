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
	"github.com/dkeye/Mesh/internal/identity"
	"github.com/dkeye/Mesh/internal/rendezvous"
)

// sendSignal pushes a handshake envelope into the room's signals
// sub-tree. Sending always reattaches first: signaling through a
// released connection is impossible by definition.
func (s *Session) sendSignal(room domain.RoomID, kind envelope.SignalKind, target domain.DeviceID, payload any) error {
	env, err := envelope.NewSignal(kind, s.ident.Self().ID, target, payload)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := s.attach.Reattach(ctx); err != nil {
		return err
	}
	key, err := s.store.Push(ctx, rendezvous.SignalsPath(room), env)
	if err != nil {
		return err
	}
	// Sender-side expiry: if the target never consumes it, it does not
	// sit in the shared sub-tree forever.
	time.AfterFunc(s.cfg.SignalExpiry, func() {
		_ = s.store.Remove(context.Background(), rendezvous.SignalsPath(room)+"/"+key)
	})
	return nil
}

// onSignal is the signals subscription callback. The sub-tree is shared
// by the whole room: entries for other targets are left alone, entries
// addressed here are consumed exactly once and removed, expired ones
// are removed unprocessed.
func (s *Session) onSignal(snap rendezvous.Snapshot) {
	env, err := envelope.DecodeSignal(snap.Value)
	if err != nil {
		log.Debug().Err(err).Str("module", "mesh").Str("key", snap.Key).Msg("undecodable signal")
		return
	}
	if env.TargetID != s.ident.Self().ID {
		return
	}
	s.mu.Lock()
	room := s.room
	joined := s.joined
	s.mu.Unlock()
	if !joined {
		return
	}
	defer func() {
		_ = s.store.Remove(context.Background(), rendezvous.SignalsPath(room)+"/"+snap.Key)
	}()

	if age := time.Now().UnixMilli() - env.Timestamp; age > s.cfg.SignalExpiry.Milliseconds() {
		log.Debug().Str("module", "mesh").Str("kind", string(env.Kind)).Int64("age_ms", age).Msg("expired signal dropped")
		return
	}

	switch env.Kind {
	case envelope.SignalOffer:
		s.handleOffer(room, env)
	case envelope.SignalAnswer:
		s.handleAnswer(env)
	case envelope.SignalICECandidate:
		s.handleCandidate(env)
	}
}

func (s *Session) handleOffer(room domain.RoomID, env envelope.SignalEnvelope) {
	desc, err := env.Description()
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("bad offer")
		return
	}

	s.mu.Lock()
	inCall := s.capture != nil
	existing := s.links[env.SenderID]
	s.mu.Unlock()
	if !inCall {
		// Observers never answer; the caller retries once we start.
		return
	}
	if existing != nil {
		if existing.initiator {
			// The ordering rule says this side offers; an incoming offer
			// from the other side is dropped and ours stands.
			log.Warn().Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("offer from non-initiating peer dropped")
			return
		}
		if existing.transport.HasRemoteDescription() {
			log.Debug().Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("duplicate offer dropped")
			return
		}
	}

	link := existing
	if link == nil {
		link, err = s.newLink(env.SenderID, false)
		if err != nil {
			log.Error().Err(err).Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("answer link failed")
			return
		}
		s.mu.Lock()
		if _, raced := s.links[env.SenderID]; raced || !s.joined {
			s.mu.Unlock()
			link.close()
			return
		}
		s.links[env.SenderID] = link
		if rec, ok := s.members[env.SenderID]; ok {
			link.setAlias(rec.DisplayAlias)
		}
		s.mu.Unlock()
	}

	link.setState(LinkOfferReceived)
	answer, err := link.transport.ApplyOfferAndCreateAnswer(rtc.DescriptionFromEnvelope(desc))
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("offer apply failed")
		s.dropLink(link, LinkFailed)
		return
	}
	if err := s.sendSignal(room, envelope.SignalAnswer, env.SenderID,
		envelope.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("answer push failed")
		s.dropLink(link, LinkFailed)
		return
	}
	link.setState(LinkAnswerExchanged)
}

func (s *Session) handleAnswer(env envelope.SignalEnvelope) {
	desc, err := env.Description()
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("bad answer")
		return
	}
	s.mu.Lock()
	link := s.links[env.SenderID]
	s.mu.Unlock()
	if link == nil || !link.initiator {
		log.Debug().Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("answer without pending offer")
		return
	}
	// An answer is only valid against an outstanding local offer;
	// anything else is a stale or duplicated envelope.
	if link.transport.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Debug().Str("module", "mesh").Str("peer", string(env.SenderID)).Str("signaling_state", link.transport.SignalingState().String()).Msg("answer in wrong state dropped")
		return
	}
	if err := link.transport.ApplyAnswer(rtc.DescriptionFromEnvelope(desc)); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("answer apply failed")
		s.dropLink(link, LinkFailed)
		return
	}
	link.setState(LinkAnswerExchanged)
}

func (s *Session) handleCandidate(env envelope.SignalEnvelope) {
	cand, err := env.CandidatePayload()
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("bad candidate")
		return
	}
	s.mu.Lock()
	link := s.links[env.SenderID]
	s.mu.Unlock()
	// Candidates arriving before the remote description are dropped;
	// the sender's next negotiation produces fresh ones.
	if link == nil || !link.transport.HasRemoteDescription() {
		log.Debug().Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("early candidate dropped")
		return
	}
	if err := link.transport.AddICECandidate(rtc.CandidateFromEnvelope(cand)); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("candidate rejected")
	}
}

// sweepStaleSignals removes leftovers from crashed sessions so a fresh
// join does not replay dead handshakes.
func (s *Session) sweepStaleSignals(ctx context.Context, room domain.RoomID) {
	snaps, err := s.store.Once(ctx, rendezvous.SignalsPath(room))
	if err != nil {
		return
	}
	cutoff := time.Now().UnixMilli() - s.cfg.StaleSignalCutoff.Milliseconds()
	for _, snap := range snaps {
		env, err := envelope.DecodeSignal(snap.Value)
		if err != nil || env.Timestamp < cutoff {
			_ = s.store.Remove(ctx, rendezvous.SignalsPath(room)+"/"+snap.Key)
		}
	}
}

// onChannelMessage dispatches one direct-channel envelope. Unknown
// kinds are skipped so mixed client versions interoperate.
func (s *Session) onChannelMessage(link *PeerLink, data []byte) {
	env, err := envelope.DecodeData(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(link.remote)).Msg("bad data envelope")
		return
	}
	if !env.Kind.Known() {
		log.Debug().Str("module", "mesh").Str("kind", string(env.Kind)).Msg("unknown data kind skipped")
		return
	}

	switch env.Kind {
	case envelope.DataReconnectInfo:
		s.handleClaim(link, env)
	case envelope.DataHeartbeat:
		link.markSeen()
		if ack, err := envelope.NewData(envelope.DataHeartbeatAck, s.ident.Self().ID, nil); err == nil {
			_ = link.Send(ack)
		}
	case envelope.DataHeartbeatAck:
		link.markSeen()
	case envelope.DataChat:
		if !s.ident.Trusted(env.SenderID) {
			log.Warn().Str("module", "mesh").Str("peer", string(env.SenderID)).Msg("chat from unverified peer dropped")
			return
		}
		s.events.chatReceived(env)
	case envelope.DataReaction, envelope.DataTyping, envelope.DataSpeaking:
		if !s.ident.Trusted(env.SenderID) {
			return
		}
		s.events.peerEvent(env)
	case envelope.DataPeerIntroduction:
		s.handleIntroduction(env)
	case envelope.DataRequestIntroductions:
		s.handleIntroductionRequest(link)
	}
}

// handleClaim verifies the signed reconnect-info claim each side sends
// first when its channel opens. The first key seen for a device is
// pinned; a mismatch means impersonation and the link is closed.
func (s *Session) handleClaim(link *PeerLink, env envelope.DataEnvelope) {
	var claim identity.SignedClaim
	if err := json.Unmarshal(env.Payload, &claim); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(link.remote)).Msg("unreadable claim")
		s.dropLink(link, LinkFailed)
		return
	}
	if claim.Claim.DeviceID != link.remote {
		log.Warn().Str("module", "mesh").Str("peer", string(link.remote)).Str("claimed", string(claim.Claim.DeviceID)).Msg("claim device mismatch")
		s.dropLink(link, LinkFailed)
		return
	}
	if err := s.ident.Verify(claim); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(link.remote)).Msg("claim rejected")
		s.dropLink(link, LinkFailed)
		return
	}
	link.markSeen()
}

// handleIntroduction reacts to a relayed arrival: if the device is
// unknown the session reattaches so membership sync can reach it.
func (s *Session) handleIntroduction(env envelope.DataEnvelope) {
	var intro envelope.IntroductionPayload
	if err := json.Unmarshal(env.Payload, &intro); err != nil || intro.DeviceID == "" {
		return
	}
	s.mu.Lock()
	selfID := s.ident.Self().ID
	_, isMember := s.members[intro.DeviceID]
	_, isLinked := s.links[intro.DeviceID]
	s.mu.Unlock()
	if intro.DeviceID == selfID || (isMember && isLinked) {
		return
	}
	log.Info().Str("module", "mesh").Str("device", string(intro.DeviceID)).Msg("introduced to unknown peer, reattaching")
	s.recoverSignaling()
}

// handleIntroductionRequest replies with everything this side knows.
func (s *Session) handleIntroductionRequest(link *PeerLink) {
	s.mu.Lock()
	selfID := s.ident.Self().ID
	known := make([]envelope.IntroductionPayload, 0, len(s.members))
	for id, rec := range s.members {
		if id == selfID || id == link.remote {
			continue
		}
		known = append(known, envelope.IntroductionPayload{DeviceID: id, Alias: rec.DisplayAlias})
	}
	s.mu.Unlock()
	for _, intro := range known {
		env, err := envelope.NewData(envelope.DataPeerIntroduction, selfID, intro)
		if err != nil {
			continue
		}
		_ = link.Send(env)
	}
}
