package rtc

import (
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/envelope"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// PeerTransport wraps one pion PeerConnection to a single remote
// device. It is direction-agnostic: the same type serves the offering
// and the answering side, the mesh layer decides which role applies.
type PeerTransport struct {
	pc     *webrtc.PeerConnection
	remote domain.DeviceID

	onICE    func(webrtc.ICECandidateInit)
	onState  func(webrtc.PeerConnectionState)
	onData   func(*webrtc.DataChannel)
	onTrack  func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed func()
}

// DefaultConfig returns the fixed NAT traversal helper set every link
// uses. A nil slice selects the public defaults; an empty non-nil slice
// means host candidates only (in-process setups).
func DefaultConfig(iceURLs []string) webrtc.Configuration {
	if iceURLs == nil {
		iceURLs = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
			"stun:stun2.l.google.com:19302",
		}
	}
	servers := make([]webrtc.ICEServer, 0, len(iceURLs))
	for _, url := range iceURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return webrtc.Configuration{
		ICEServers:           servers,
		ICECandidatePoolSize: 10,
	}
}

func NewPeerTransport(cfg webrtc.Configuration, remote domain.DeviceID) (*PeerTransport, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	t := &PeerTransport{pc: pc, remote: remote}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && t.onICE != nil {
			t.onICE(cand.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(t.remote)).Str("peer_connection_state", s.String()).Msg("peer state")
		if t.onState != nil {
			t.onState(s)
		}
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			if t.onClosed != nil {
				t.onClosed()
			}
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("peer", string(t.remote)).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if t.onData != nil {
			t.onData(dc)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(t.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if t.onTrack != nil {
			t.onTrack(track, receiver)
		}
	})

	return t, nil
}

// CreateDataChannel opens the link's single reliable ordered channel.
// pion defaults are already ordered+reliable; the label is fixed so
// both ends route it the same way.
func (t *PeerTransport) CreateDataChannel(label string) (*webrtc.DataChannel, error) {
	return t.pc.CreateDataChannel(label, nil)
}

// CreateNegotiatedChannel opens a channel whose id both ends agreed on
// out of band. Neither side waits for OnDataChannel, and exactly one
// channel exists per link no matter who offered.
func (t *PeerTransport) CreateNegotiatedChannel(label string, id uint16) (*webrtc.DataChannel, error) {
	negotiated := true
	return t.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// CreateOffer constructs an offer and installs it as the local
// description. Candidates trickle through OnICECandidate afterwards.
func (t *PeerTransport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// ApplyOfferAndCreateAnswer sets the remote offer and produces the
// local answer.
func (t *PeerTransport) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (t *PeerTransport) ApplyAnswer(answer webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(answer)
}

func (t *PeerTransport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(ci)
}

func (t *PeerTransport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

// HasRemoteDescription gates candidate application: candidates arriving
// before the remote description are dropped by the caller.
func (t *PeerTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

// AddLocalTrack attaches the session's outbound audio track.
func (t *PeerTransport) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return t.pc.AddTrack(track)
}

// The callback setters below are not synchronized. Install every
// callback right after NewPeerTransport, before the first offer or
// answer call; from then on pion's goroutines read the fields.
func (t *PeerTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) { t.onICE = fn }
func (t *PeerTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.onState = fn
}
func (t *PeerTransport) OnDataChannel(fn func(*webrtc.DataChannel)) { t.onData = fn }
func (t *PeerTransport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	t.onTrack = fn
}

// OnClosed sets the cleanup callback fired on terminal transport states.
func (t *PeerTransport) OnClosed(fn func()) { t.onClosed = fn }

func (t *PeerTransport) Close() {
	if t.pc != nil {
		if err := t.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", string(t.remote)).Msg("close error")
		}
	}
}

// DescriptionFromEnvelope converts a validated envelope payload into
// the pion type.
func DescriptionFromEnvelope(desc envelope.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}
}

// CandidateFromEnvelope converts a validated trickled candidate.
func CandidateFromEnvelope(cand envelope.ICECandidate) webrtc.ICECandidateInit {
	out := webrtc.ICECandidateInit{Candidate: cand.Candidate}
	out.SDPMid = cand.SDPMid
	out.SDPMLineIndex = cand.SDPMLineIndex
	return out
}
