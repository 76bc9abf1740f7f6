package mesh

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Mesh/internal/adapters/rtc"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/envelope"
)

// Both ends open the same pre-agreed channel, so a link never carries
// more than one.
const (
	dataChannelLabel = "mesh"
	dataChannelID    = uint16(0)
)

var ErrChannelNotOpen = errors.New("peer data channel not open")

// LinkState tracks one pairwise connection through its handshake.
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkCreated
	LinkOfferSent
	LinkOfferReceived
	LinkAnswerExchanged
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkCreated:
		return "created"
	case LinkOfferSent:
		return "offer-sent"
	case LinkOfferReceived:
		return "offer-received"
	case LinkAnswerExchanged:
		return "answer-exchanged"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// LinkInfo is the externally visible snapshot of one link.
type LinkInfo struct {
	Remote    domain.DeviceID
	Alias     string
	State     LinkState
	Initiator bool
}

// PeerLink is one direct connection to a remote device: the transport,
// its single data channel and the handshake state. The session owns all
// links; PeerLink itself only guards its own mutable state.
type PeerLink struct {
	remote    domain.DeviceID
	initiator bool
	transport *rtc.PeerTransport

	mu       sync.Mutex
	state    LinkState
	alias    string
	channel  *webrtc.DataChannel
	lastSeen time.Time
}

func newPeerLink(remote domain.DeviceID, initiator bool, transport *rtc.PeerTransport) *PeerLink {
	return &PeerLink{
		remote:    remote,
		initiator: initiator,
		transport: transport,
		state:     LinkCreated,
	}
}

func (l *PeerLink) Remote() domain.DeviceID { return l.remote }
func (l *PeerLink) Initiator() bool         { return l.initiator }

func (l *PeerLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *PeerLink) setState(s LinkState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *PeerLink) setAlias(alias string) {
	l.mu.Lock()
	l.alias = alias
	l.mu.Unlock()
}

func (l *PeerLink) setChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.channel = dc
	l.mu.Unlock()
}

func (l *PeerLink) markSeen() {
	l.mu.Lock()
	l.lastSeen = time.Now()
	l.mu.Unlock()
}

func (l *PeerLink) info() LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LinkInfo{Remote: l.remote, Alias: l.alias, State: l.state, Initiator: l.initiator}
}

// Send encodes env onto the link's channel. Fails rather than queues
// when the channel is not open yet; callers broadcast best-effort.
func (l *PeerLink) Send(env envelope.DataEnvelope) error {
	l.mu.Lock()
	dc := l.channel
	l.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	return dc.SendText(string(raw))
}

func (l *PeerLink) close() {
	l.mu.Lock()
	if l.state == LinkClosed {
		l.mu.Unlock()
		return
	}
	l.state = LinkClosed
	dc := l.channel
	l.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	l.transport.Close()
}
