// Package wsstore is the websocket client for the rendezvous server.
// It keeps its logical session across detach/reattach cycles: a clean
// GoOffline sends a detach notice so the server parks the session, and
// GoOnline redials with the same session id.
package wsstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/rendezvous"
	"github.com/dkeye/Mesh/internal/rendezvous/wire"
)

const (
	helloTimeout   = 10 * time.Second
	requestTimeout = 15 * time.Second
	writeWait      = 5 * time.Second
	eventBuffer    = 256
)

var _ rendezvous.Store = (*Client)(nil)

type childSub struct {
	fn     rendezvous.ChildFunc
	seen   map[string]bool
	events chan rendezvous.Snapshot
	done   chan struct{}
}

type valueSub struct {
	fn     rendezvous.ValueFunc
	events chan json.RawMessage
	done   chan struct{}
}

// Client implements the store contract over one websocket at a time.
type Client struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	online    bool
	detaching bool
	session   string
	seq       uint64
	pending   map[uint64]chan wire.Response
	hello     chan string
	childSubs map[string]*childSub
	valueSubs map[string]*valueSub
}

// Dial connects and waits for the server's hello carrying the session
// id.
func Dial(ctx context.Context, url string) (*Client, error) {
	c := &Client{
		url:       url,
		pending:   make(map[uint64]chan wire.Response),
		childSubs: make(map[string]*childSub),
		valueSubs: make(map[string]*valueSub),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// SessionID is the server-assigned identity of this logical session.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	dialURL := c.url
	if c.session != "" {
		dialURL += "?session=" + c.session
	}
	c.mu.Unlock()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return err
	}

	hello := make(chan string, 1)
	send := make(chan []byte, 64)
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = ws
	c.send = send
	c.done = done
	c.online = true
	c.detaching = false
	c.hello = hello
	c.mu.Unlock()

	go c.writePump(ws, send, done)
	go c.readPump(ws)

	select {
	case sid := <-hello:
		c.mu.Lock()
		if c.session != "" && c.session != sid {
			// The server lost our old session; state it held for us is gone.
			log.Warn().Str("module", "wsstore").Str("old", c.session).Str("new", sid).Msg("session not resumed")
		}
		c.session = sid
		c.mu.Unlock()
		log.Info().Str("module", "wsstore").Str("session", sid).Msg("rendezvous connected")
		return nil
	case <-time.After(helloTimeout):
		c.dropConn(ws)
		return errors.New("no hello from rendezvous server")
	case <-ctx.Done():
		c.dropConn(ws)
		return ctx.Err()
	}
}

func (c *Client) writePump(ws *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data := <-send:
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "wsstore").Msg("write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ws *websocket.Conn) {
	defer c.connLost(ws)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var frame wire.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Error().Err(err).Str("module", "wsstore").Msg("bad frame")
		return
	}
	switch frame.Event {
	case wire.EventHello:
		c.mu.Lock()
		hello := c.hello
		c.mu.Unlock()
		if hello != nil {
			select {
			case hello <- frame.Session:
			default:
			}
		}
	case wire.EventChildAdded:
		c.deliverChild(frame.Path, frame.Key, frame.Value)
	case wire.EventValue:
		c.deliverValue(frame.Path, frame.Value)
	default:
		c.mu.Lock()
		ch := c.pending[frame.ID]
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- wire.Response{ID: frame.ID, OK: frame.OK, Error: frame.Error, Key: frame.Key, Children: frame.Children}
		}
	}
}

// deliverChild hands the event to the sub's worker. The seen set spans
// reconnects, so a server-side replay never repeats a consumed entry.
func (c *Client) deliverChild(path, key string, value json.RawMessage) {
	c.mu.Lock()
	sub := c.childSubs[path]
	if sub == nil || sub.seen[key] {
		c.mu.Unlock()
		return
	}
	sub.seen[key] = true
	c.mu.Unlock()
	select {
	case sub.events <- rendezvous.Snapshot{Key: key, Value: value}:
	default:
		log.Warn().Str("module", "wsstore").Str("path", path).Msg("child event dropped, subscriber too slow")
	}
}

func (c *Client) deliverValue(path string, value json.RawMessage) {
	c.mu.Lock()
	sub := c.valueSubs[path]
	c.mu.Unlock()
	if sub == nil {
		return
	}
	select {
	case sub.events <- value:
	default:
		log.Warn().Str("module", "wsstore").Str("path", path).Msg("value event dropped, subscriber too slow")
	}
}

// connLost handles an unexpected socket death. The server has fired
// our cleanup rules by now; the session id is kept so a later GoOnline
// at least gets a fresh seat.
func (c *Client) connLost(ws *websocket.Conn) {
	c.mu.Lock()
	if c.conn != ws {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.online = false
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]chan wire.Response)
	detaching := c.detaching
	c.mu.Unlock()

	_ = ws.Close()
	for _, ch := range pending {
		ch <- wire.Response{Error: rendezvous.ErrOffline.Error()}
	}
	if !detaching {
		log.Warn().Str("module", "wsstore").Msg("rendezvous connection lost")
	}
}

func (c *Client) dropConn(ws *websocket.Conn) {
	c.mu.Lock()
	if c.conn == ws {
		c.conn = nil
		c.online = false
		if c.done != nil {
			close(c.done)
			c.done = nil
		}
	}
	c.mu.Unlock()
	_ = ws.Close()
}

func (c *Client) request(ctx context.Context, req wire.Request) (wire.Response, error) {
	c.mu.Lock()
	if !c.online || c.conn == nil {
		c.mu.Unlock()
		return wire.Response{}, rendezvous.ErrOffline
	}
	c.seq++
	req.ID = c.seq
	ch := make(chan wire.Response, 1)
	c.pending[req.ID] = ch
	send := c.send
	c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		c.forgetPending(req.ID)
		return wire.Response{}, err
	}
	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case send <- data:
	case <-ctx.Done():
		c.forgetPending(req.ID)
		return wire.Response{}, ctx.Err()
	case <-timer.C:
		c.forgetPending(req.ID)
		return wire.Response{}, errors.New("rendezvous request send timeout")
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			if resp.Error == rendezvous.ErrOffline.Error() {
				return wire.Response{}, rendezvous.ErrOffline
			}
			return wire.Response{}, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.forgetPending(req.ID)
		return wire.Response{}, ctx.Err()
	case <-timer.C:
		c.forgetPending(req.ID)
		return wire.Response{}, errors.New("rendezvous request timeout")
	}
}

func (c *Client) forgetPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, wire.Request{Op: wire.OpWrite, Path: path, Value: raw})
	return err
}

func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	resp, err := c.request(ctx, wire.Request{Op: wire.OpPush, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return resp.Key, nil
}

func (c *Client) Update(ctx context.Context, path string, patch map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(patch))
	for key, value := range patch {
		if value == nil {
			encoded[key] = json.RawMessage("null")
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		encoded[key] = raw
	}
	_, err := c.request(ctx, wire.Request{Op: wire.OpUpdate, Path: path, Patch: encoded})
	return err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.request(ctx, wire.Request{Op: wire.OpRemove, Path: path})
	return err
}

func (c *Client) Once(ctx context.Context, path string) ([]rendezvous.Snapshot, error) {
	resp, err := c.request(ctx, wire.Request{Op: wire.OpOnce, Path: path})
	if err != nil {
		return nil, err
	}
	snaps := make([]rendezvous.Snapshot, 0, len(resp.Children))
	for _, child := range resp.Children {
		snaps = append(snaps, rendezvous.Snapshot{Key: child.Key, Value: child.Value})
	}
	return snaps, nil
}

func (c *Client) SubscribeChildAdded(ctx context.Context, path string, fn rendezvous.ChildFunc) error {
	sub := &childSub{
		fn:     fn,
		seen:   make(map[string]bool),
		events: make(chan rendezvous.Snapshot, eventBuffer),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	if old := c.childSubs[path]; old != nil {
		close(old.done)
	}
	c.childSubs[path] = sub
	c.mu.Unlock()
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case snap := <-sub.events:
				sub.fn(snap)
			}
		}
	}()
	_, err := c.request(ctx, wire.Request{Op: wire.OpSubscribeChild, Path: path})
	return err
}

func (c *Client) SubscribeValue(ctx context.Context, path string, fn rendezvous.ValueFunc) error {
	sub := &valueSub{
		fn:     fn,
		events: make(chan json.RawMessage, eventBuffer),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	if old := c.valueSubs[path]; old != nil {
		close(old.done)
	}
	c.valueSubs[path] = sub
	c.mu.Unlock()
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case value := <-sub.events:
				sub.fn(value)
			}
		}
	}()
	_, err := c.request(ctx, wire.Request{Op: wire.OpSubscribeValue, Path: path})
	return err
}

func (c *Client) Unsubscribe(path string) {
	c.mu.Lock()
	if sub := c.childSubs[path]; sub != nil {
		close(sub.done)
		delete(c.childSubs, path)
	}
	if sub := c.valueSubs[path]; sub != nil {
		close(sub.done)
		delete(c.valueSubs, path)
	}
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	_, _ = c.request(ctx, wire.Request{Op: wire.OpUnsubscribe, Path: path})
}

func (c *Client) OnDisconnectRemove(ctx context.Context, path string) error {
	_, err := c.request(ctx, wire.Request{Op: wire.OpOnDisconnectRemove, Path: path})
	return err
}

// GoOffline sends the detach notice and closes the socket cleanly. The
// server parks the session instead of firing cleanup.
func (c *Client) GoOffline() error {
	c.mu.Lock()
	if !c.online {
		c.mu.Unlock()
		return nil
	}
	c.detaching = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := c.request(ctx, wire.Request{Op: wire.OpDetach})

	c.mu.Lock()
	ws := c.conn
	c.conn = nil
	c.online = false
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	log.Info().Str("module", "wsstore").Msg("rendezvous detached")
	return err
}

// GoOnline redials with the stored session id. Server-side
// subscriptions resume and replay whatever was missed.
func (c *Client) GoOnline(ctx context.Context) error {
	c.mu.Lock()
	if c.online {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Close drops the connection without a detach notice, so the server
// fires any remaining cleanup rules.
func (c *Client) Close() {
	c.mu.Lock()
	ws := c.conn
	c.conn = nil
	c.online = false
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	subs := c.childSubs
	vsubs := c.valueSubs
	c.childSubs = make(map[string]*childSub)
	c.valueSubs = make(map[string]*valueSub)
	c.mu.Unlock()
	for _, sub := range subs {
		close(sub.done)
	}
	for _, sub := range vsubs {
		close(sub.done)
	}
	if ws != nil {
		_ = ws.Close()
	}
}
