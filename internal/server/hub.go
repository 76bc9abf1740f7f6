// Package server is the rendezvous service: a websocket facade over a
// hierarchical pub/sub tree. Sessions survive deliberate detaches and
// their disconnect-cleanup rules fire only on unclean drops, which is
// what lets a fully connected mesh release its slot without losing its
// room membership.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/rendezvous"
	"github.com/dkeye/Mesh/internal/rendezvous/memory"
	"github.com/dkeye/Mesh/internal/rendezvous/wire"
)

var ErrServerFull = errors.New("no free connection slots")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub owns the tree and the session table.
type Hub struct {
	backend     *memory.Backend
	readLimit   int64
	pingPeriod  time.Duration
	maxSessions int

	limiter *attachLimiter

	mu       sync.Mutex
	sessions map[string]*session
}

// session is one logical client, possibly spanning several websocket
// attachments over its lifetime.
type session struct {
	id     string
	client *memory.Client

	mu       sync.RWMutex
	conn     *storeConn
	detached bool
}

func (s *session) bind(conn *storeConn) {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.detached = false
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// unbind detaches conn if it is still the session's current one.
func (s *session) unbind(conn *storeConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return false
	}
	s.conn = nil
	return true
}

func (s *session) trySend(data []byte) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		if err := conn.TrySend(data); err != nil && errors.Is(err, ErrBackpressure) {
			log.Warn().Str("module", "server").Str("session", s.id).Msg("event dropped on backpressure")
		}
	}
}

func NewHub(readLimit int64, pingPeriod time.Duration, maxSessions int) *Hub {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &Hub{
		backend:     memory.NewBackend(),
		readLimit:   readLimit,
		pingPeriod:  pingPeriod,
		maxSessions: maxSessions,
		limiter:     newAttachLimiter(30, time.Minute),
		sessions:    make(map[string]*session),
	}
}

// HandleStore upgrades one websocket attachment and binds it to a new
// or resumed session.
func (h *Hub) HandleStore(ctx context.Context, c *gin.Context) {
	if !h.limiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attachments"})
		return
	}

	sid := c.Query("session")
	sess, err := h.attachSession(sid)
	if err != nil {
		log.Warn().Err(err).Str("module", "server").Msg("attachment rejected")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "server").Msg("ws upgrade")
		return
	}
	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}

	conn := newStoreConn(ws)
	sess.bind(conn)
	log.Info().Str("module", "server").Str("session", sess.id).Msg("session attached")

	hello, _ := json.Marshal(wire.Event{Event: wire.EventHello, Session: sess.id})
	_ = conn.TrySend(hello)

	// Catch-up pings go out only after the new socket is bound, so a
	// resumed session never drops its missed events.
	if err := sess.client.GoOnline(ctx); err != nil {
		log.Error().Err(err).Str("module", "server").Str("session", sess.id).Msg("session resume failed")
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	go h.writePump(ctx, conn)
	go h.readPump(ctx, cancel, sess, conn)
}

// attachSession resumes a known session or creates a fresh one. The
// slot cap counts only online sessions, so detached ones are free.
// The client is brought online by the caller once the socket is bound.
func (h *Hub) attachSession(sid string) (*session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sid != "" {
		if sess, ok := h.sessions[sid]; ok {
			return sess, nil
		}
	}
	if h.maxSessions > 0 {
		online := 0
		for _, sess := range h.sessions {
			if sess.client.Online() {
				online++
			}
		}
		if online >= h.maxSessions {
			return nil, ErrServerFull
		}
	}
	sess := &session{id: uuid.NewString(), client: h.backend.Client()}
	h.sessions[sess.id] = sess
	return sess, nil
}

// connDropped runs when an attachment dies. A detach notice makes it a
// clean release: the session and its cleanup rules persist. Anything
// else is treated as a crash and the cleanup rules fire.
func (h *Hub) connDropped(sess *session, conn *storeConn) {
	if !sess.unbind(conn) {
		return
	}
	sess.mu.RLock()
	detached := sess.detached
	sess.mu.RUnlock()
	if detached {
		_ = sess.client.GoOffline()
		log.Info().Str("module", "server").Str("session", sess.id).Msg("session detached")
		return
	}
	sess.client.Disconnect()
	h.mu.Lock()
	delete(h.sessions, sess.id)
	h.mu.Unlock()
	log.Info().Str("module", "server").Str("session", sess.id).Msg("session dropped, cleanup fired")
}

func (h *Hub) handleFrame(sess *session, conn *storeConn, data []byte) {
	var req wire.Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error().Err(err).Str("module", "server").Msg("bad frame")
		return
	}
	resp := h.dispatch(sess, req)
	h.sendJSON(conn, resp)
}

func (h *Hub) dispatch(sess *session, req wire.Request) wire.Response {
	ctx := context.Background()
	resp := wire.Response{ID: req.ID, OK: true}
	fail := func(err error) wire.Response {
		return wire.Response{ID: req.ID, Error: err.Error()}
	}

	switch req.Op {
	case wire.OpWrite:
		if err := sess.client.Write(ctx, req.Path, req.Value); err != nil {
			return fail(err)
		}
	case wire.OpPush:
		key, err := sess.client.Push(ctx, req.Path, req.Value)
		if err != nil {
			return fail(err)
		}
		resp.Key = key
	case wire.OpUpdate:
		patch := make(map[string]any, len(req.Patch))
		for key, raw := range req.Patch {
			if raw == nil || string(raw) == "null" {
				patch[key] = nil
			} else {
				patch[key] = raw
			}
		}
		if err := sess.client.Update(ctx, req.Path, patch); err != nil {
			return fail(err)
		}
	case wire.OpRemove:
		if err := sess.client.Remove(ctx, req.Path); err != nil {
			return fail(err)
		}
	case wire.OpOnce:
		snaps, err := sess.client.Once(ctx, req.Path)
		if err != nil {
			return fail(err)
		}
		resp.Children = make([]wire.Child, 0, len(snaps))
		for _, snap := range snaps {
			resp.Children = append(resp.Children, wire.Child{Key: snap.Key, Value: snap.Value})
		}
	case wire.OpSubscribeChild:
		path := req.Path
		err := sess.client.SubscribeChildAdded(ctx, path, func(snap rendezvous.Snapshot) {
			data, err := json.Marshal(wire.Event{Event: wire.EventChildAdded, Path: path, Key: snap.Key, Value: snap.Value})
			if err != nil {
				return
			}
			sess.trySend(data)
		})
		if err != nil {
			return fail(err)
		}
	case wire.OpSubscribeValue:
		path := req.Path
		err := sess.client.SubscribeValue(ctx, path, func(value json.RawMessage) {
			data, err := json.Marshal(wire.Event{Event: wire.EventValue, Path: path, Value: value})
			if err != nil {
				return
			}
			sess.trySend(data)
		})
		if err != nil {
			return fail(err)
		}
	case wire.OpUnsubscribe:
		sess.client.Unsubscribe(req.Path)
	case wire.OpOnDisconnectRemove:
		if err := sess.client.OnDisconnectRemove(ctx, req.Path); err != nil {
			return fail(err)
		}
	case wire.OpDetach:
		sess.mu.Lock()
		sess.detached = true
		sess.mu.Unlock()
	default:
		return fail(errors.New("unknown op: " + req.Op))
	}
	return resp
}

func (h *Hub) sendJSON(conn *storeConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "server").Msg("sendJSON marshal")
		return
	}
	_ = conn.TrySend(data)
}
