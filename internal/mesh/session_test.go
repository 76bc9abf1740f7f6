package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/envelope"
	"github.com/dkeye/Mesh/internal/identity"
	"github.com/dkeye/Mesh/internal/media"
	"github.com/dkeye/Mesh/internal/rendezvous"
	"github.com/dkeye/Mesh/internal/rendezvous/memory"
)

type recorder struct {
	connected    chan domain.DeviceID
	disconnected chan domain.DeviceID
	chats        chan envelope.DataEnvelope
	membership   chan []domain.ParticipantRecord
	accessIDs    chan string
	renames      chan string
}

func newRecorder() *recorder {
	return &recorder{
		connected:    make(chan domain.DeviceID, 16),
		disconnected: make(chan domain.DeviceID, 16),
		chats:        make(chan envelope.DataEnvelope, 16),
		membership:   make(chan []domain.ParticipantRecord, 16),
		accessIDs:    make(chan string, 16),
		renames:      make(chan string, 16),
	}
}

func (r *recorder) events() Events {
	return Events{
		OnPeerConnected:     func(id domain.DeviceID) { r.connected <- id },
		OnPeerDisconnected:  func(id domain.DeviceID) { r.disconnected <- id },
		OnChatReceived:      func(env envelope.DataEnvelope) { r.chats <- env },
		OnMembershipChanged: func(recs []domain.ParticipantRecord) { r.membership <- recs },
		OnAccessRequest:     func(id string, _ AccessRequest) { r.accessIDs <- id },
		OnRoomRenamed:       func(name string) { r.renames <- name },
	}
}

func testConfig() Config {
	return Config{
		ICEServers:  []string{}, // host candidates only
		DetachDelay: time.Hour,  // never detach unless a test opts in
	}
}

func newTestSession(t *testing.T, backend *memory.Backend, rec *recorder, cfg Config) (*Session, *identity.Manager) {
	t.Helper()
	ident, err := identity.New("")
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	return NewSession(backend.Client(), ident, rec.events(), cfg), ident
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestJoinAndMembership(t *testing.T) {
	backend := memory.NewBackend()
	rec1 := newRecorder()
	s1, id1 := newTestSession(t, backend, rec1, testConfig())
	s2, id2 := newTestSession(t, backend, newRecorder(), testConfig())
	defer s1.Close()
	defer s2.Close()

	room := domain.NewRoomID()
	if err := s1.JoinRoom(context.Background(), room); err != nil {
		t.Fatalf("s1 join: %v", err)
	}
	if err := s2.JoinRoom(context.Background(), room); err != nil {
		t.Fatalf("s2 join: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return len(s1.Members()) == 2 })
	members := s1.Members()
	got := map[domain.DeviceID]bool{}
	for _, m := range members {
		got[m.DeviceID] = true
	}
	if !got[id1.Self().ID] || !got[id2.Self().ID] {
		t.Errorf("membership %v missing a device", members)
	}
	// Membership events reached the collaborator too.
	receive(t, rec1.membership, "membership event")
}

func TestJoinTwiceRejected(t *testing.T) {
	backend := memory.NewBackend()
	s, _ := newTestSession(t, backend, newRecorder(), testConfig())
	defer s.Close()

	room := domain.NewRoomID()
	if err := s.JoinRoom(context.Background(), room); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.JoinRoom(context.Background(), room); !errors.Is(err, ErrAlreadyJoined) {
		t.Errorf("second join err = %v, want %v", err, ErrAlreadyJoined)
	}
}

func TestCreateRoomNameVisible(t *testing.T) {
	backend := memory.NewBackend()
	rec2 := newRecorder()
	s1, _ := newTestSession(t, backend, newRecorder(), testConfig())
	s2, _ := newTestSession(t, backend, rec2, testConfig())
	defer s1.Close()
	defer s2.Close()

	room, err := s1.CreateRoom(context.Background(), "standup")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if len(room) != 6 {
		t.Errorf("room id %q, want 6 chars", room)
	}
	if err := s2.JoinRoom(context.Background(), room); err != nil {
		t.Fatalf("s2 join: %v", err)
	}
	if name := receive(t, rec2.renames, "room name"); name != "standup" {
		t.Errorf("room name = %q, want %q", name, "standup")
	}

	if err := s1.RenameRoom(context.Background(), "retro"); err != nil {
		t.Fatalf("RenameRoom: %v", err)
	}
	for {
		if name := receive(t, rec2.renames, "renamed room"); name == "retro" {
			break
		}
	}
}

func TestFullRoomApproval(t *testing.T) {
	backend := memory.NewBackend()
	cfg := testConfig()
	cfg.MaxCallers = 1
	rec1 := newRecorder()
	s1, _ := newTestSession(t, backend, rec1, cfg)
	s2, _ := newTestSession(t, backend, newRecorder(), cfg)
	defer s1.Close()
	defer s2.Close()

	room := domain.NewRoomID()
	if err := s1.JoinRoom(context.Background(), room); err != nil {
		t.Fatalf("s1 join: %v", err)
	}

	joined := make(chan error, 1)
	go func() { joined <- s2.JoinRoom(context.Background(), room) }()

	reqID := receive(t, rec1.accessIDs, "access request")
	if err := s1.RespondAccess(context.Background(), reqID, true); err != nil {
		t.Fatalf("RespondAccess: %v", err)
	}
	if err := receive(t, joined, "join result"); err != nil {
		t.Fatalf("approved join failed: %v", err)
	}
}

func TestFullRoomDenied(t *testing.T) {
	backend := memory.NewBackend()
	cfg := testConfig()
	cfg.MaxCallers = 1
	rec1 := newRecorder()
	s1, _ := newTestSession(t, backend, rec1, cfg)
	s2, _ := newTestSession(t, backend, newRecorder(), cfg)
	defer s1.Close()
	defer s2.Close()

	room := domain.NewRoomID()
	if err := s1.JoinRoom(context.Background(), room); err != nil {
		t.Fatalf("s1 join: %v", err)
	}

	joined := make(chan error, 1)
	go func() { joined <- s2.JoinRoom(context.Background(), room) }()

	reqID := receive(t, rec1.accessIDs, "access request")
	if err := s1.RespondAccess(context.Background(), reqID, false); err != nil {
		t.Fatalf("RespondAccess: %v", err)
	}
	if err := receive(t, joined, "join result"); !errors.Is(err, ErrJoinDenied) {
		t.Fatalf("join err = %v, want %v", err, ErrJoinDenied)
	}
}

func TestFullRoomTimeout(t *testing.T) {
	backend := memory.NewBackend()
	cfg := testConfig()
	cfg.MaxCallers = 1
	cfg.JoinRequestTimeout = 100 * time.Millisecond
	s1, _ := newTestSession(t, backend, newRecorder(), cfg)
	s2, _ := newTestSession(t, backend, newRecorder(), cfg)
	defer s1.Close()
	defer s2.Close()

	room := domain.NewRoomID()
	if err := s1.JoinRoom(context.Background(), room); err != nil {
		t.Fatalf("s1 join: %v", err)
	}
	if err := s2.JoinRoom(context.Background(), room); !errors.Is(err, ErrJoinTimeout) {
		t.Errorf("join err = %v, want %v", err, ErrJoinTimeout)
	}
}

func TestStaleSignalSweep(t *testing.T) {
	backend := memory.NewBackend()
	seed := backend.Client()
	room := domain.NewRoomID()

	stale := envelope.SignalEnvelope{
		Kind:      envelope.SignalOffer,
		SenderID:  "dead",
		TargetID:  "gone",
		Payload:   json.RawMessage(`{"type":"offer","sdp":"x"}`),
		Timestamp: time.Now().Add(-5 * time.Minute).UnixMilli(),
	}
	if _, err := seed.Push(context.Background(), rendezvous.SignalsPath(room), stale); err != nil {
		t.Fatalf("seed stale signal: %v", err)
	}
	fresh := stale
	fresh.SenderID = "other"
	fresh.TargetID = "someone-else"
	fresh.Timestamp = time.Now().UnixMilli()
	if _, err := seed.Push(context.Background(), rendezvous.SignalsPath(room), fresh); err != nil {
		t.Fatalf("seed fresh signal: %v", err)
	}

	s, _ := newTestSession(t, backend, newRecorder(), testConfig())
	defer s.Close()
	if err := s.JoinRoom(context.Background(), room); err != nil {
		t.Fatalf("join: %v", err)
	}

	snaps, err := seed.Once(context.Background(), rendezvous.SignalsPath(room))
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("got %d signals after sweep, want 1", len(snaps))
	}
	var kept envelope.SignalEnvelope
	if err := json.Unmarshal(snaps[0].Value, &kept); err != nil {
		t.Fatalf("decode kept signal: %v", err)
	}
	if kept.TargetID != "someone-else" {
		t.Errorf("kept signal target = %q, want the fresh foreign one", kept.TargetID)
	}
}

func startCall(t *testing.T, s *Session) {
	t.Helper()
	src, err := media.NewToneSource(440)
	if err != nil {
		t.Fatalf("NewToneSource: %v", err)
	}
	if err := s.StartCall(context.Background(), src); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
}

func connectPair(t *testing.T, backend *memory.Backend, cfg Config) (*Session, *Session, *recorder, *recorder) {
	t.Helper()
	rec1, rec2 := newRecorder(), newRecorder()
	s1, _ := newTestSession(t, backend, rec1, cfg)
	s2, _ := newTestSession(t, backend, rec2, cfg)

	room := domain.NewRoomID()
	if err := s1.JoinRoom(context.Background(), room); err != nil {
		t.Fatalf("s1 join: %v", err)
	}
	if err := s2.JoinRoom(context.Background(), room); err != nil {
		t.Fatalf("s2 join: %v", err)
	}
	startCall(t, s1)
	startCall(t, s2)

	receive(t, rec1.connected, "s1 peer connected")
	receive(t, rec2.connected, "s2 peer connected")
	return s1, s2, rec1, rec2
}

func TestPairConnectAndChat(t *testing.T) {
	backend := memory.NewBackend()
	s1, s2, _, rec2 := connectPair(t, backend, testConfig())
	defer s1.Close()
	defer s2.Close()

	snap := s1.MeshSnapshot()
	if len(snap) != 1 || snap[0].State != LinkConnected {
		t.Fatalf("s1 mesh snapshot = %+v, want one connected link", snap)
	}

	sent, err := s1.SendChat("hello mesh")
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if sent.MessageID == "" {
		t.Error("chat envelope has no message id")
	}

	got := receive(t, rec2.chats, "chat at s2")
	var payload envelope.ChatPayload
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("decode chat payload: %v", err)
	}
	if payload.Text != "hello mesh" {
		t.Errorf("chat text = %q, want %q", payload.Text, "hello mesh")
	}
	if got.MessageID != sent.MessageID {
		t.Errorf("message id = %q, want %q", got.MessageID, sent.MessageID)
	}
}

func TestDepartureTearsDownLink(t *testing.T) {
	backend := memory.NewBackend()
	s1, s2, rec1, _ := connectPair(t, backend, testConfig())
	defer s1.Close()

	if err := s2.LeaveRoom(context.Background()); err != nil {
		t.Fatalf("s2 leave: %v", err)
	}

	receive(t, rec1.disconnected, "s1 peer disconnected")
	waitFor(t, 5*time.Second, func() bool { return len(s1.MeshSnapshot()) == 0 })
	waitFor(t, 5*time.Second, func() bool { return len(s1.Members()) == 1 })
}

func TestLastLeaverDeletesRoom(t *testing.T) {
	backend := memory.NewBackend()
	observer := backend.Client()
	s, _ := newTestSession(t, backend, newRecorder(), testConfig())

	room := domain.NewRoomID()
	if err := s.JoinRoom(context.Background(), room); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.LeaveRoom(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}

	snaps, err := observer.Once(context.Background(), rendezvous.RoomPath(room))
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("room tree still has %d children after last leave", len(snaps))
	}
}

func TestTrioConverges(t *testing.T) {
	backend := memory.NewBackend()
	s1, s2, rec1, rec2 := connectPair(t, backend, testConfig())
	defer s1.Close()
	defer s2.Close()

	rec3 := newRecorder()
	s3, _ := newTestSession(t, backend, rec3, testConfig())
	defer s3.Close()
	if err := s3.JoinRoom(context.Background(), s1.Room()); err != nil {
		t.Fatalf("s3 join: %v", err)
	}
	startCall(t, s3)

	receive(t, rec1.connected, "s1 second link")
	receive(t, rec2.connected, "s2 second link")
	receive(t, rec3.connected, "s3 first link")
	receive(t, rec3.connected, "s3 second link")

	for i, s := range []*Session{s1, s2, s3} {
		waitFor(t, 10*time.Second, func() bool {
			snap := s.MeshSnapshot()
			if len(snap) != 2 {
				return false
			}
			for _, info := range snap {
				if info.State != LinkConnected {
					return false
				}
			}
			return true
		})
		if len(s.Members()) != 3 {
			t.Errorf("session %d sees %d members, want 3", i+1, len(s.Members()))
		}
	}
}

func TestMembershipReplayIsIdempotent(t *testing.T) {
	backend := memory.NewBackend()
	s1, s2, rec1, _ := connectPair(t, backend, testConfig())
	defer s1.Close()
	defer s2.Close()

	remote := s2.ident.Self().ID
	s1.mu.Lock()
	members := make(map[string]domain.ParticipantRecord, len(s1.members))
	for id, mrec := range s1.members {
		members[string(id)] = mrec
	}
	before := s1.links[remote]
	s1.mu.Unlock()
	if before == nil {
		t.Fatal("no link to the connected peer")
	}
	raw, err := json.Marshal(members)
	if err != nil {
		t.Fatalf("marshal members: %v", err)
	}

	// Delivering the identical snapshot again must not touch the mesh.
	s1.onParticipants(raw)
	s1.onParticipants(raw)

	s1.mu.Lock()
	after := s1.links[remote]
	s1.mu.Unlock()
	if after != before {
		t.Error("identical membership snapshot replaced the link")
	}
	if st := after.State(); st != LinkConnected {
		t.Errorf("link state after replay = %v, want %v", st, LinkConnected)
	}
	select {
	case id := <-rec1.disconnected:
		t.Errorf("replay reported %s as disconnected", id)
	default:
	}
}

func TestReconnectInfoEstablishesTrust(t *testing.T) {
	backend := memory.NewBackend()
	s, _ := newTestSession(t, backend, newRecorder(), testConfig())
	defer s.Close()

	room := domain.NewRoomID()
	if err := s.JoinRoom(context.Background(), room); err != nil {
		t.Fatalf("join: %v", err)
	}

	remote, err := identity.New("")
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	claim := remote.Sign(room, time.Now().UnixMilli())
	env, err := envelope.NewData(envelope.DataReconnectInfo, remote.Self().ID, claim)
	if err != nil {
		t.Fatalf("NewData: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	link := newPeerLink(remote.Self().ID, false, nil)
	s.onChannelMessage(link, data)

	if !s.ident.Trusted(remote.Self().ID) {
		t.Error("verified reconnect-info claim did not mark the peer trusted")
	}
}

func TestDetachAndRecovery(t *testing.T) {
	backend := memory.NewBackend()
	cfg := testConfig()
	cfg.DetachDelay = 50 * time.Millisecond
	s1, s2, _, _ := connectPair(t, backend, cfg)
	defer s1.Close()
	defer s2.Close()

	// Fully connected mesh releases the rendezvous connection.
	waitFor(t, 10*time.Second, func() bool {
		return s1.AttachState() == Detached && s2.AttachState() == Detached
	})

	// Ending the call on one side degrades the mesh; the other side
	// must reattach to renegotiate.
	if err := s2.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool { return s1.AttachState() == Attached })
}

func TestDetachedRoomDiscoversNewcomer(t *testing.T) {
	backend := memory.NewBackend()
	cfg := testConfig()
	cfg.DetachDelay = 50 * time.Millisecond
	cfg.IntroductionPoll = 100 * time.Millisecond
	s1, s2, rec1, rec2 := connectPair(t, backend, cfg)
	defer s1.Close()
	defer s2.Close()

	// Steady state: every member has released its rendezvous slot.
	waitFor(t, 10*time.Second, func() bool {
		return s1.AttachState() == Detached && s2.AttachState() == Detached
	})

	// A third device joins the room nobody is watching. The periodic
	// introduction poll reattaches the others and the mesh converges.
	rec3 := newRecorder()
	s3, _ := newTestSession(t, backend, rec3, cfg)
	defer s3.Close()
	if err := s3.JoinRoom(context.Background(), s1.Room()); err != nil {
		t.Fatalf("s3 join: %v", err)
	}
	startCall(t, s3)

	receive(t, rec1.connected, "s1 link to the newcomer")
	receive(t, rec2.connected, "s2 link to the newcomer")
	receive(t, rec3.connected, "s3 first link")
	receive(t, rec3.connected, "s3 second link")
	waitFor(t, 10*time.Second, func() bool {
		snap := s3.MeshSnapshot()
		if len(snap) != 2 {
			return false
		}
		for _, info := range snap {
			if info.State != LinkConnected {
				return false
			}
		}
		return true
	})
}
