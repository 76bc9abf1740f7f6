// Package mesh is the connection core: it discovers peers through the
// rendezvous store, negotiates direct links pairwise and keeps the full
// mesh alive while opportunistically releasing the store connection.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/envelope"
	"github.com/dkeye/Mesh/internal/identity"
	"github.com/dkeye/Mesh/internal/media"
	"github.com/dkeye/Mesh/internal/rendezvous"
)

var (
	ErrAlreadyJoined = errors.New("already in a room")
	ErrNotJoined     = errors.New("not in a room")
	ErrAlreadyInCall = errors.New("call already active")
	ErrJoinDenied    = errors.New("join request denied")
	ErrJoinTimeout   = errors.New("join request timed out")
)

const (
	accessPending  = "pending"
	accessApproved = "approved"
	accessDenied   = "denied"
)

// Session is one device's presence in at most one room: its membership
// record, its links to every other participant and the rendezvous
// attachment lifecycle.
type Session struct {
	cfg    Config
	store  rendezvous.Store
	ident  *identity.Manager
	events Events
	attach *DetachController

	mu       sync.Mutex
	room     domain.RoomID
	joined   bool
	selfRec  domain.ParticipantRecord
	capture  media.CaptureSource
	links    map[domain.DeviceID]*PeerLink
	members  map[domain.DeviceID]domain.ParticipantRecord
	roomStop context.CancelFunc
}

func NewSession(store rendezvous.Store, ident *identity.Manager, events Events, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:    cfg,
		store:  store,
		ident:  ident,
		events: events,
		attach: NewDetachController(store, cfg.DetachDelay),
	}
}

// CreateRoom generates a fresh room id, optionally names it and joins.
func (s *Session) CreateRoom(ctx context.Context, name string) (domain.RoomID, error) {
	room := domain.NewRoomID()
	if name != "" {
		if err := s.attach.Reattach(ctx); err != nil {
			return "", err
		}
		if err := s.store.Write(ctx, rendezvous.NamePath(room), name); err != nil {
			return "", err
		}
	}
	if err := s.JoinRoom(ctx, room); err != nil {
		return "", err
	}
	return room, nil
}

// JoinRoom announces the local device in the room and starts reacting
// to membership and signal events. A full room turns the join into an
// access request that some current member must approve.
func (s *Session) JoinRoom(ctx context.Context, room domain.RoomID) error {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.mu.Unlock()

	if err := s.attach.Reattach(ctx); err != nil {
		return err
	}

	if s.cfg.MaxCallers > 0 {
		count, err := s.countParticipants(ctx, room)
		if err != nil {
			return err
		}
		if count >= s.cfg.MaxCallers {
			if err := s.requestAccess(ctx, room); err != nil {
				return err
			}
		}
	}

	self := s.ident.Self()
	rec := domain.ParticipantRecord{
		DeviceID:     self.ID,
		DisplayAlias: self.DisplayAlias,
		JoinedAt:     time.Now().UnixMilli(),
		PresenceIcon: self.PresenceIcon,
	}
	partPath := rendezvous.ParticipantPath(room, self.ID)
	if err := s.store.OnDisconnectRemove(ctx, partPath); err != nil {
		return err
	}
	if err := s.store.Write(ctx, partPath, rec); err != nil {
		return err
	}

	s.sweepStaleSignals(ctx, room)

	roomCtx, stop := context.WithCancel(context.Background())
	s.mu.Lock()
	s.room = room
	s.joined = true
	s.selfRec = rec
	s.links = make(map[domain.DeviceID]*PeerLink)
	s.members = make(map[domain.DeviceID]domain.ParticipantRecord)
	s.roomStop = stop
	s.mu.Unlock()

	if err := s.store.SubscribeValue(ctx, rendezvous.ParticipantsPath(room), s.onParticipants); err != nil {
		return err
	}
	if err := s.store.SubscribeChildAdded(ctx, rendezvous.SignalsPath(room), s.onSignal); err != nil {
		return err
	}
	if err := s.store.SubscribeValue(ctx, rendezvous.NamePath(room), s.onRoomName); err != nil {
		return err
	}
	if err := s.store.SubscribeChildAdded(ctx, rendezvous.JoinRequestsPath(room), s.onJoinRequest); err != nil {
		return err
	}

	intro := envelope.IntroductionPayload{DeviceID: self.ID, Alias: self.DisplayAlias}
	if _, err := s.store.Push(ctx, rendezvous.IntroductionsPath(room), introEntry{
		DeviceID:  intro.DeviceID,
		Alias:     intro.Alias,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Msg("introduction push failed")
	}

	go s.heartbeatLoop(roomCtx)
	go s.introductionLoop(roomCtx)

	log.Info().Str("module", "mesh").Str("room", string(room)).Str("device", string(self.ID)).Msg("joined room")
	return nil
}

// LeaveRoom withdraws the membership record, tears down every link and
// deletes the room if nobody is left.
func (s *Session) LeaveRoom(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	s.joined = false
	room := s.room
	links := s.links
	s.links = nil
	s.members = nil
	capture := s.capture
	s.capture = nil
	stop := s.roomStop
	s.roomStop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.attach.CancelDetach()
	if err := s.attach.Reattach(ctx); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Msg("reattach on leave failed")
	}

	for _, link := range links {
		link.close()
	}
	if capture != nil {
		capture.Close()
	}

	s.store.Unsubscribe(rendezvous.ParticipantsPath(room))
	s.store.Unsubscribe(rendezvous.SignalsPath(room))
	s.store.Unsubscribe(rendezvous.NamePath(room))
	s.store.Unsubscribe(rendezvous.JoinRequestsPath(room))

	self := s.ident.Self()
	if err := s.store.Remove(ctx, rendezvous.ParticipantPath(room, self.ID)); err != nil {
		return err
	}
	// Last one out deletes the room.
	if snaps, err := s.store.Once(ctx, rendezvous.ParticipantsPath(room)); err == nil && len(snaps) == 0 {
		_ = s.store.Remove(ctx, rendezvous.RoomPath(room))
	}
	log.Info().Str("module", "mesh").Str("room", string(room)).Msg("left room")
	return nil
}

// StartCall attaches the capture source and begins connecting to every
// current member. Before a call starts the session only observes.
func (s *Session) StartCall(ctx context.Context, src media.CaptureSource) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	if s.capture != nil {
		s.mu.Unlock()
		return ErrAlreadyInCall
	}
	s.capture = src
	s.selfRec.InCall = true
	rec := s.selfRec
	room := s.room
	s.mu.Unlock()

	if err := s.attach.Reattach(ctx); err != nil {
		return err
	}
	if err := s.store.Write(ctx, rendezvous.ParticipantPath(room, rec.DeviceID), rec); err != nil {
		return err
	}
	s.syncLinks()
	return nil
}

// EndCall closes every link and releases the capture source while
// keeping room membership.
func (s *Session) EndCall(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	capture := s.capture
	s.capture = nil
	links := s.links
	s.links = make(map[domain.DeviceID]*PeerLink)
	s.selfRec.InCall = false
	rec := s.selfRec
	room := s.room
	s.mu.Unlock()

	s.attach.CancelDetach()
	if err := s.attach.Reattach(ctx); err != nil {
		return err
	}
	for _, link := range links {
		wasConnected := link.State() == LinkConnected
		link.close()
		s.ident.Forget(link.remote)
		if wasConnected {
			s.events.peerDisconnected(link.remote)
		}
	}
	if capture != nil {
		capture.Close()
	}
	return s.store.Write(ctx, rendezvous.ParticipantPath(room, rec.DeviceID), rec)
}

// SendChat broadcasts a chat message and returns the envelope so the
// caller can echo and archive it.
func (s *Session) SendChat(text string) (envelope.DataEnvelope, error) {
	env, err := envelope.NewData(envelope.DataChat, s.ident.Self().ID, envelope.ChatPayload{Text: text})
	if err != nil {
		return envelope.DataEnvelope{}, err
	}
	if err := s.broadcast(env); err != nil {
		return envelope.DataEnvelope{}, err
	}
	return env, nil
}

func (s *Session) SendReaction(messageID, emoji string) error {
	env, err := envelope.NewData(envelope.DataReaction, s.ident.Self().ID,
		envelope.ReactionPayload{MessageID: messageID, Emoji: emoji})
	if err != nil {
		return err
	}
	return s.broadcast(env)
}

func (s *Session) SendTyping(typing bool) error {
	env, err := envelope.NewData(envelope.DataTyping, s.ident.Self().ID,
		envelope.TypingPayload{Typing: typing})
	if err != nil {
		return err
	}
	return s.broadcast(env)
}

func (s *Session) SetSpeaking(speaking bool) error {
	env, err := envelope.NewData(envelope.DataSpeaking, s.ident.Self().ID,
		envelope.SpeakingPayload{Speaking: speaking})
	if err != nil {
		return err
	}
	return s.broadcast(env)
}

// RenameRoom writes the shared room name; every member observes the
// change through its name subscription.
func (s *Session) RenameRoom(ctx context.Context, name string) error {
	s.mu.Lock()
	room := s.room
	joined := s.joined
	s.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	if err := s.attach.Reattach(ctx); err != nil {
		return err
	}
	return s.store.Write(ctx, rendezvous.NamePath(room), name)
}

// RespondAccess resolves a pending join request. Any current member may
// answer; the first write wins, later ones overwrite harmlessly.
func (s *Session) RespondAccess(ctx context.Context, requestID string, allow bool) error {
	s.mu.Lock()
	room := s.room
	joined := s.joined
	s.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	if err := s.attach.Reattach(ctx); err != nil {
		return err
	}
	snaps, err := s.store.Once(ctx, rendezvous.JoinRequestsPath(room))
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if snap.Key != requestID {
			continue
		}
		var req AccessRequest
		if err := json.Unmarshal(snap.Value, &req); err != nil {
			return err
		}
		if allow {
			req.Status = accessApproved
		} else {
			req.Status = accessDenied
		}
		return s.store.Write(ctx, rendezvous.JoinRequestsPath(room)+"/"+requestID, req)
	}
	return errors.New("join request not found: " + requestID)
}

// MeshSnapshot reports every link's current state, sorted by remote id.
func (s *Session) MeshSnapshot() []LinkInfo {
	s.mu.Lock()
	links := make([]*PeerLink, 0, len(s.links))
	for _, link := range s.links {
		links = append(links, link)
	}
	s.mu.Unlock()
	out := make([]LinkInfo, 0, len(links))
	for _, link := range links {
		out = append(out, link.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

// Members returns the current membership, self included, in join order.
func (s *Session) Members() []domain.ParticipantRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memberList(s.members)
}

func (s *Session) Room() domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) InCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture != nil
}

// AttachState exposes the rendezvous attachment for status displays.
func (s *Session) AttachState() AttachState {
	return s.attach.State()
}

// Close leaves the room if still joined.
func (s *Session) Close() error {
	err := s.LeaveRoom(context.Background())
	if errors.Is(err, ErrNotJoined) {
		return nil
	}
	return err
}

// broadcast sends env on every open link. Links mid-handshake are
// skipped; reliable per-pair ordering starts once the channel opens.
func (s *Session) broadcast(env envelope.DataEnvelope) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	links := make([]*PeerLink, 0, len(s.links))
	for _, link := range s.links {
		links = append(links, link)
	}
	s.mu.Unlock()

	for _, link := range links {
		if err := link.Send(env); err != nil {
			if !errors.Is(err, ErrChannelNotOpen) {
				log.Warn().Err(err).Str("module", "mesh").Str("peer", string(link.remote)).Msg("send failed")
			}
		}
	}
	return nil
}

func (s *Session) countParticipants(ctx context.Context, room domain.RoomID) (int, error) {
	snaps, err := s.store.Once(ctx, rendezvous.ParticipantsPath(room))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, snap := range snaps {
		var rec domain.ParticipantRecord
		if json.Unmarshal(snap.Value, &rec) == nil && rec.Valid() {
			count++
		}
	}
	return count, nil
}

// requestAccess asks the room for a seat and blocks until a member
// answers or the request times out.
func (s *Session) requestAccess(ctx context.Context, room domain.RoomID) error {
	self := s.ident.Self()
	req := AccessRequest{
		RequesterID: self.ID,
		Alias:       self.DisplayAlias,
		Timestamp:   time.Now().UnixMilli(),
		Status:      accessPending,
	}
	key, err := s.store.Push(ctx, rendezvous.JoinRequestsPath(room), req)
	if err != nil {
		return err
	}
	reqPath := rendezvous.JoinRequestsPath(room) + "/" + key

	status := make(chan string, 4)
	if err := s.store.SubscribeValue(ctx, reqPath, func(raw json.RawMessage) {
		var r AccessRequest
		if json.Unmarshal(raw, &r) == nil && r.Status != "" {
			select {
			case status <- r.Status:
			default:
			}
		}
	}); err != nil {
		return err
	}
	defer s.store.Unsubscribe(reqPath)

	deadline := time.NewTimer(s.cfg.JoinRequestTimeout)
	defer deadline.Stop()
	for {
		select {
		case st := <-status:
			switch st {
			case accessApproved:
				_ = s.store.Remove(ctx, reqPath)
				return nil
			case accessDenied:
				_ = s.store.Remove(ctx, reqPath)
				return ErrJoinDenied
			}
		case <-deadline.C:
			_ = s.store.Remove(ctx, reqPath)
			return ErrJoinTimeout
		case <-ctx.Done():
			_ = s.store.Remove(context.Background(), reqPath)
			return ctx.Err()
		}
	}
}

// onJoinRequest surfaces pending requests to the local collaborator and
// arms the auto-deny fallback so unanswered requesters never hang.
func (s *Session) onJoinRequest(snap rendezvous.Snapshot) {
	var req AccessRequest
	if err := json.Unmarshal(snap.Value, &req); err != nil {
		return
	}
	if req.Status != accessPending || req.RequesterID == s.ident.Self().ID {
		return
	}
	s.mu.Lock()
	room := s.room
	joined := s.joined
	s.mu.Unlock()
	if !joined {
		return
	}
	s.events.accessRequest(snap.Key, req)

	reqPath := rendezvous.JoinRequestsPath(room) + "/" + snap.Key
	time.AfterFunc(s.cfg.AccessAutoDeny, func() {
		snaps, err := s.store.Once(context.Background(), rendezvous.JoinRequestsPath(room))
		if err != nil {
			return
		}
		for _, cur := range snaps {
			if cur.Key != snap.Key {
				continue
			}
			var r AccessRequest
			if json.Unmarshal(cur.Value, &r) == nil && r.Status == accessPending {
				r.Status = accessDenied
				_ = s.store.Write(context.Background(), reqPath, r)
			}
		}
	})
}

func (s *Session) onRoomName(raw json.RawMessage) {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil || name == "" {
		return
	}
	s.events.roomRenamed(name)
}

func memberList(members map[domain.DeviceID]domain.ParticipantRecord) []domain.ParticipantRecord {
	out := make([]domain.ParticipantRecord, 0, len(members))
	for _, rec := range members {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}
