// Package rendezvous abstracts the shared pub/sub key-value store the
// mesh uses only to bootstrap direct connections. Any store with
// hierarchical paths, child-added/value subscriptions and disconnect
// cleanup satisfies the contract; the core never sees a concrete client.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrOffline is returned by operations attempted while the store
	// connection is detached. Callers go through the detach controller,
	// which reattaches before retrying; seeing this error directly
	// means a component bypassed it.
	ErrOffline = errors.New("rendezvous store offline")
)

// Snapshot is one child entry under a path.
type Snapshot struct {
	Key   string
	Value json.RawMessage
}

// ChildFunc receives newly added children of a subscribed path,
// existing entries first, in insertion order.
type ChildFunc func(Snapshot)

// ValueFunc receives the full value at a subscribed path whenever it
// changes. The value is a JSON object of children keyed by name, or
// null when the path is empty.
type ValueFunc func(json.RawMessage)

// Store is the rendezvous service contract. Implementations must
// deliver subscription callbacks sequentially per subscription and
// preserve per-path insertion order.
type Store interface {
	Write(ctx context.Context, path string, value any) error
	Push(ctx context.Context, path string, value any) (string, error)
	Update(ctx context.Context, path string, patch map[string]any) error
	Remove(ctx context.Context, path string) error

	// Once reads the children of path without subscribing.
	Once(ctx context.Context, path string) ([]Snapshot, error)

	SubscribeChildAdded(ctx context.Context, path string, fn ChildFunc) error
	SubscribeValue(ctx context.Context, path string, fn ValueFunc) error
	Unsubscribe(path string)

	// OnDisconnectRemove registers a server-side rule removing path if
	// this client disconnects uncleanly. Required for participant-list
	// correctness without relying on explicit leave calls.
	OnDisconnectRemove(ctx context.Context, path string) error

	// GoOnline and GoOffline toggle the shared connection slot. Only
	// the detach controller calls these.
	GoOnline(ctx context.Context) error
	GoOffline() error
	Online() bool
}
