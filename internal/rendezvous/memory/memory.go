// Package memory is an in-process rendezvous store for tests. A single
// Backend holds the tree; each session gets its own Client with
// independent online state, subscriptions and disconnect-cleanup rules,
// so several mesh sessions can rendezvous through one Backend without
// any network.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/Mesh/internal/rendezvous"
)

// Backend is the shared tree. Values live at leaf paths; child order is
// tracked per parent so child-added subscriptions replay in insertion
// order.
type Backend struct {
	mu      sync.Mutex
	values  map[string]json.RawMessage
	order   map[string][]string
	clients map[*Client]struct{}
	pushSeq uint64
}

func NewBackend() *Backend {
	return &Backend{
		values:  make(map[string]json.RawMessage),
		order:   make(map[string][]string),
		clients: make(map[*Client]struct{}),
	}
}

// Client returns a new store handle bound to the backend, initially
// online.
func (b *Backend) Client() *Client {
	c := &Client{
		backend: b,
		online:  true,
		subs:    make(map[string]*subscription),
	}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// write stores value at path and wakes subscribers. Caller must not
// hold b.mu.
func (b *Backend) write(path string, raw json.RawMessage) {
	b.mu.Lock()
	parent, key := splitPath(path)
	if _, exists := b.values[path]; !exists {
		b.order[parent] = append(b.order[parent], key)
	}
	b.values[path] = raw
	b.mu.Unlock()
	b.notify(parent)
	b.notify(path)
}

// removeSubtree deletes path and everything beneath it.
func (b *Backend) removeSubtree(path string) {
	b.mu.Lock()
	prefix := path + "/"
	for p := range b.values {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(b.values, p)
		}
	}
	parent, key := splitPath(path)
	b.order[parent] = removeString(b.order[parent], key)
	for p := range b.order {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(b.order, p)
		}
	}
	b.mu.Unlock()
	b.notify(parent)
	b.notify(path)
}

// children returns the direct children of path in insertion order.
func (b *Backend) children(path string) []rendezvous.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.childrenLocked(path)
}

func (b *Backend) childrenLocked(path string) []rendezvous.Snapshot {
	keys := b.order[path]
	out := make([]rendezvous.Snapshot, 0, len(keys))
	for _, key := range keys {
		leaf := path + "/" + key
		if raw, ok := b.values[leaf]; ok {
			out = append(out, rendezvous.Snapshot{Key: key, Value: raw})
		} else {
			// Interior node: compose its children into an object.
			out = append(out, rendezvous.Snapshot{Key: key, Value: b.composeLocked(leaf)})
		}
	}
	return out
}

// compose builds the JSON value of a path: the leaf value, or an object
// of children, or null.
func (b *Backend) compose(path string) json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.composeLocked(path)
}

func (b *Backend) composeLocked(path string) json.RawMessage {
	if raw, ok := b.values[path]; ok {
		return raw
	}
	keys := b.order[path]
	if len(keys) == 0 {
		return json.RawMessage("null")
	}
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	for _, key := range keys {
		child := b.composeLocked(path + "/" + key)
		if !first {
			sb.WriteByte(',')
		}
		first = false
		nameBytes, _ := json.Marshal(key)
		sb.Write(nameBytes)
		sb.WriteByte(':')
		sb.Write(child)
	}
	sb.WriteByte('}')
	return json.RawMessage(sb.String())
}

// notify pings every subscription watching path on every client.
func (b *Backend) notify(path string) {
	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		c.ping(path)
	}
}

func (b *Backend) nextPushKey() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushSeq++
	return fmt.Sprintf("k%08d", b.pushSeq)
}

func (b *Backend) drop(c *Client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

func splitPath(path string) (parent, key string) {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

var _ rendezvous.Store = (*Client)(nil)

// Client is one session's handle on the backend.
type Client struct {
	backend *Backend

	mu      sync.Mutex
	online  bool
	closed  bool
	subs    map[string]*subscription
	cleanup []string
}

// subscription drives callbacks on its own goroutine so a callback can
// call back into the store without deadlocking. Child subscriptions
// remember delivered keys, so processed-and-removed entries (signals)
// do not shift later arrivals out of view, and events missed while
// offline are delivered on reattach.
type subscription struct {
	path  string
	child rendezvous.ChildFunc
	value rendezvous.ValueFunc
	pings chan struct{}
	done  chan struct{}
	seen  map[string]bool
}

func (c *Client) Write(_ context.Context, path string, value any) error {
	if err := c.requireOnline(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", path, err)
	}
	c.backend.write(path, raw)
	return nil
}

func (c *Client) Push(_ context.Context, path string, value any) (string, error) {
	if err := c.requireOnline(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal value for %s: %w", path, err)
	}
	key := c.backend.nextPushKey()
	c.backend.write(path+"/"+key, raw)
	return key, nil
}

func (c *Client) Update(ctx context.Context, path string, patch map[string]any) error {
	if err := c.requireOnline(); err != nil {
		return err
	}
	for key, value := range patch {
		if value == nil {
			c.backend.removeSubtree(path + "/" + key)
			continue
		}
		if err := c.Write(ctx, path+"/"+key, value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Remove(_ context.Context, path string) error {
	if err := c.requireOnline(); err != nil {
		return err
	}
	c.backend.removeSubtree(path)
	return nil
}

func (c *Client) Once(_ context.Context, path string) ([]rendezvous.Snapshot, error) {
	if err := c.requireOnline(); err != nil {
		return nil, err
	}
	return c.backend.children(path), nil
}

func (c *Client) SubscribeChildAdded(_ context.Context, path string, fn rendezvous.ChildFunc) error {
	return c.subscribe(&subscription{path: path, child: fn})
}

func (c *Client) SubscribeValue(_ context.Context, path string, fn rendezvous.ValueFunc) error {
	return c.subscribe(&subscription{path: path, value: fn})
}

func (c *Client) subscribe(sub *subscription) error {
	if err := c.requireOnline(); err != nil {
		return err
	}
	sub.pings = make(chan struct{}, 1)
	sub.done = make(chan struct{})
	sub.seen = make(map[string]bool)
	subKey := sub.path
	if sub.value != nil {
		subKey = "value:" + sub.path
	}
	c.mu.Lock()
	if old, ok := c.subs[subKey]; ok {
		close(old.done)
	}
	c.subs[subKey] = sub
	c.mu.Unlock()
	go c.pump(sub)
	sub.pings <- struct{}{} // initial delivery of existing state
	return nil
}

// pump delivers one subscription's events in order, only while online.
func (c *Client) pump(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.pings:
		}
		if !c.Online() {
			continue
		}
		if sub.child != nil {
			for _, snap := range c.backend.children(sub.path) {
				if sub.seen[snap.Key] {
					continue
				}
				sub.seen[snap.Key] = true
				sub.child(snap)
			}
		} else {
			sub.value(c.backend.compose(sub.path))
		}
	}
}

// ping wakes subscriptions whose path covers the changed one.
func (c *Client) ping(changed string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.path == changed || strings.HasPrefix(changed, sub.path+"/") {
			select {
			case sub.pings <- struct{}{}:
			default:
			}
		}
	}
}

func (c *Client) Unsubscribe(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, sub := range c.subs {
		if sub.path == path {
			close(sub.done)
			delete(c.subs, key)
		}
	}
}

func (c *Client) OnDisconnectRemove(_ context.Context, path string) error {
	if err := c.requireOnline(); err != nil {
		return err
	}
	c.mu.Lock()
	c.cleanup = append(c.cleanup, path)
	c.mu.Unlock()
	return nil
}

// GoOffline releases the connection slot. Cleanup rules are retained:
// detaching is deliberate, the participant record must survive it.
func (c *Client) GoOffline() error {
	c.mu.Lock()
	c.online = false
	c.mu.Unlock()
	return nil
}

// GoOnline reattaches. Subscriptions catch up: child cursors resume,
// value watchers get a fresh snapshot.
func (c *Client) GoOnline(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return rendezvous.ErrOffline
	}
	c.online = true
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.pings <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Disconnect simulates an unclean connection loss: cleanup rules fire
// and the client is unusable afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.online = false
	cleanup := c.cleanup
	c.cleanup = nil
	for key, sub := range c.subs {
		close(sub.done)
		delete(c.subs, key)
	}
	c.mu.Unlock()

	for _, path := range cleanup {
		c.backend.removeSubtree(path)
	}
	c.backend.drop(c)
}

func (c *Client) requireOnline() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.online || c.closed {
		return rendezvous.ErrOffline
	}
	return nil
}
