// Package wire defines the frames the rendezvous websocket protocol
// exchanges. One request gets exactly one response matched by id;
// subscription events arrive unsolicited with id zero.
package wire

import "encoding/json"

// Operations a client may request.
const (
	OpWrite              = "write"
	OpPush               = "push"
	OpUpdate             = "update"
	OpRemove             = "remove"
	OpOnce               = "once"
	OpSubscribeChild     = "subscribe_child"
	OpSubscribeValue     = "subscribe_value"
	OpUnsubscribe        = "unsubscribe"
	OpOnDisconnectRemove = "on_disconnect_remove"
	OpDetach             = "detach"
)

// Events the server pushes.
const (
	EventHello      = "hello"
	EventChildAdded = "child_added"
	EventValue      = "value"
)

// Request is one client frame.
type Request struct {
	ID    uint64                     `json:"id"`
	Op    string                     `json:"op"`
	Path  string                     `json:"path,omitempty"`
	Value json.RawMessage            `json:"value,omitempty"`
	Patch map[string]json.RawMessage `json:"patch,omitempty"`
}

// Child is one entry in a once response or child event.
type Child struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Response answers the request with the same id.
type Response struct {
	ID       uint64  `json:"id"`
	OK       bool    `json:"ok"`
	Error    string  `json:"error,omitempty"`
	Key      string  `json:"key,omitempty"`
	Children []Child `json:"children,omitempty"`
}

// Event is an unsolicited server frame: the initial hello carrying the
// session id, or a subscription delivery.
type Event struct {
	Event   string          `json:"event"`
	Session string          `json:"session,omitempty"`
	Path    string          `json:"path,omitempty"`
	Key     string          `json:"key,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// Frame is the decode target for any server-to-client message; exactly
// one of Event or response fields is meaningful.
type Frame struct {
	Event string `json:"event,omitempty"`
	ID    uint64 `json:"id,omitempty"`

	OK       bool            `json:"ok,omitempty"`
	Error    string          `json:"error,omitempty"`
	Key      string          `json:"key,omitempty"`
	Children []Child         `json:"children,omitempty"`
	Session  string          `json:"session,omitempty"`
	Path     string          `json:"path,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}
