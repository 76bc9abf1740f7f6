package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/envelope"
	"github.com/dkeye/Mesh/internal/history"
	"github.com/dkeye/Mesh/internal/identity"
	"github.com/dkeye/Mesh/internal/media"
	"github.com/dkeye/Mesh/internal/mesh"
	"github.com/dkeye/Mesh/internal/rendezvous/wsstore"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ident, err := identity.New(cfg.Alias)
	if err != nil {
		log.Fatal().Err(err).Msg("identity setup failed")
	}
	self := ident.Self()
	fmt.Printf("You are %s %s (%s)\n", self.PresenceIcon, self.DisplayAlias, self.ID)

	archive, err := history.New(cfg.HistoryPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.HistoryPath).Msg("history archive unavailable")
	}

	store, err := wsstore.Dial(ctx, cfg.RendezvousURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.RendezvousURL).Msg("rendezvous unreachable")
	}
	defer store.Close()

	var session *mesh.Session
	session = mesh.NewSession(store, ident, events(archive, &session), mesh.Config{
		ICEServers:           cfg.ICEServers,
		MaxCallers:           cfg.MaxCallers,
		DetachDelay:          cfg.DetachDelay,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		SignalExpiry:         cfg.SignalExpiry,
		StaleSignalCutoff:    cfg.StaleSignalCutoff,
		IntroductionPoll:     cfg.IntroductionPoll,
		IntroductionLookback: cfg.IntroductionLookback,
		JoinRequestTimeout:   cfg.JoinRequestTimeout,
		AccessAutoDeny:       cfg.AccessAutoDeny,
	})
	defer session.Close()

	var room domain.RoomID
	if cfg.Room != "" {
		room = domain.RoomID(strings.ToUpper(cfg.Room))
		if err := session.JoinRoom(ctx, room); err != nil {
			log.Fatal().Err(err).Str("room", string(room)).Msg("join failed")
		}
	} else {
		room, err = session.CreateRoom(ctx, "")
		if err != nil {
			log.Fatal().Err(err).Msg("room creation failed")
		}
	}
	fmt.Printf("Room %s — share this code to invite others\n", room)

	for _, msg := range archive.Recent(room) {
		fmt.Printf("  [earlier] %s: %s\n", msg.Alias, msg.Text)
	}

	tone, err := media.NewToneSource(cfg.ToneHz)
	if err != nil {
		log.Fatal().Err(err).Msg("audio source failed")
	}
	tone.Start(ctx)
	if err := session.StartCall(ctx, tone); err != nil {
		log.Fatal().Err(err).Msg("call start failed")
	}

	go inputLoop(ctx, cancel, session, archive, tone, self)

	<-ctx.Done()
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := session.LeaveRoom(leaveCtx); err != nil && err != mesh.ErrNotJoined {
		log.Warn().Err(err).Msg("leave failed")
	}
	fmt.Println("Left the room.")
}

// events wires session callbacks to the terminal and the local archive.
// session is indirected because callbacks only fire after it exists.
func events(archive *history.Archive, session **mesh.Session) mesh.Events {
	return mesh.Events{
		OnPeerConnected: func(id domain.DeviceID) {
			fmt.Printf("* peer connected: %s\n", id)
		},
		OnPeerDisconnected: func(id domain.DeviceID) {
			fmt.Printf("* peer disconnected: %s\n", id)
		},
		OnChatReceived: func(env envelope.DataEnvelope) {
			var payload envelope.ChatPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				return
			}
			fmt.Printf("%s: %s\n", env.SenderID, payload.Text)
			if s := *session; s != nil {
				_ = archive.Append(s.Room(), history.Message{
					MessageID: env.MessageID,
					SenderID:  env.SenderID,
					Text:      payload.Text,
					Timestamp: env.Timestamp,
				})
			}
		},
		OnMembershipChanged: func(members []domain.ParticipantRecord) {
			names := make([]string, 0, len(members))
			for _, m := range members {
				names = append(names, m.PresenceIcon+" "+m.DisplayAlias)
			}
			fmt.Printf("* in room: %s\n", strings.Join(names, ", "))
		},
		OnAccessRequest: func(id string, req mesh.AccessRequest) {
			fmt.Printf("* %s asks to join (room is full) — /approve %s or /deny %s\n", req.Alias, id, id)
		},
		OnRoomRenamed: func(name string) {
			fmt.Printf("* room is now called %q\n", name)
		},
	}
}

func inputLoop(ctx context.Context, cancel context.CancelFunc, session *mesh.Session, archive *history.Archive, tone *media.ToneSource, self domain.DeviceIdentity) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			env, err := session.SendChat(line)
			if err != nil {
				fmt.Println("! send failed:", err)
				continue
			}
			_ = archive.Append(session.Room(), history.Message{
				MessageID: env.MessageID,
				SenderID:  self.ID,
				Alias:     self.DisplayAlias,
				Text:      line,
				Timestamp: env.Timestamp,
			})
			continue
		}

		cmd, arg, _ := strings.Cut(line[1:], " ")
		switch cmd {
		case "quit", "leave":
			cancel()
			return
		case "members":
			for _, m := range session.Members() {
				fmt.Printf("  %s %s (%s) inCall=%v\n", m.PresenceIcon, m.DisplayAlias, m.DeviceID, m.InCall)
			}
		case "mesh":
			for _, info := range session.MeshSnapshot() {
				fmt.Printf("  %s [%s] initiator=%v\n", info.Remote, info.State, info.Initiator)
			}
			fmt.Printf("  rendezvous: %s\n", session.AttachState())
		case "mute":
			tone.SetMuted(true)
			fmt.Println("* muted")
		case "unmute":
			tone.SetMuted(false)
			fmt.Println("* unmuted")
		case "name":
			if err := session.RenameRoom(ctx, arg); err != nil {
				fmt.Println("! rename failed:", err)
			}
		case "approve":
			if err := session.RespondAccess(ctx, arg, true); err != nil {
				fmt.Println("! approve failed:", err)
			}
		case "deny":
			if err := session.RespondAccess(ctx, arg, false); err != nil {
				fmt.Println("! deny failed:", err)
			}
		default:
			fmt.Println("commands: /members /mesh /mute /unmute /name <room name> /approve <id> /deny <id> /leave")
		}
	}
}
