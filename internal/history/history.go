// Package history keeps a small local archive of chat messages so a
// rejoin shows recent context. Bounded per room and across rooms; the
// mesh itself never stores messages anywhere shared.
package history

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/domain"
)

const (
	// MaxMessagesPerRoom bounds one room's archive; older entries fall off.
	MaxMessagesPerRoom = 50
	// MaxRooms bounds the archive across rooms; the least recently
	// touched room is evicted.
	MaxRooms = 10
)

// Message is one archived chat line.
type Message struct {
	MessageID string          `json:"messageId"`
	SenderID  domain.DeviceID `json:"senderId"`
	Alias     string          `json:"alias,omitempty"`
	Text      string          `json:"text"`
	Timestamp int64           `json:"timestamp"`
}

type roomLog struct {
	Messages []Message `json:"messages"`
	Touched  int64     `json:"touched"`
}

// Archive is the in-memory history with optional file persistence. A
// zero path keeps it memory-only.
type Archive struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]*roomLog
	path  string
}

// New loads the archive at path, or starts empty when the file does
// not exist yet. An empty path disables persistence.
func New(path string) (*Archive, error) {
	a := &Archive{rooms: make(map[domain.RoomID]*roomLog), path: path}
	if path == "" {
		return a, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &a.rooms); err != nil {
		// A corrupt archive is not worth failing startup over.
		log.Warn().Err(err).Str("module", "history").Str("path", path).Msg("archive unreadable, starting fresh")
		a.rooms = make(map[domain.RoomID]*roomLog)
	}
	return a, nil
}

// Append records one message and persists.
func (a *Archive) Append(room domain.RoomID, msg Message) error {
	a.mu.Lock()
	rl, ok := a.rooms[room]
	if !ok {
		rl = &roomLog{}
		a.rooms[room] = rl
	}
	rl.Messages = append(rl.Messages, msg)
	if len(rl.Messages) > MaxMessagesPerRoom {
		rl.Messages = rl.Messages[len(rl.Messages)-MaxMessagesPerRoom:]
	}
	rl.Touched = msg.Timestamp
	a.evictLocked()
	a.mu.Unlock()
	return a.save()
}

// Recent returns the archived messages for room, oldest first.
func (a *Archive) Recent(room domain.RoomID) []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	rl, ok := a.rooms[room]
	if !ok {
		return nil
	}
	out := make([]Message, len(rl.Messages))
	copy(out, rl.Messages)
	return out
}

// Rooms lists archived rooms, most recently touched first.
func (a *Archive) Rooms() []domain.RoomID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.RoomID, 0, len(a.rooms))
	for id := range a.rooms {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return a.rooms[out[i]].Touched > a.rooms[out[j]].Touched
	})
	return out
}

// Forget drops one room's archive.
func (a *Archive) Forget(room domain.RoomID) error {
	a.mu.Lock()
	delete(a.rooms, room)
	a.mu.Unlock()
	return a.save()
}

func (a *Archive) evictLocked() {
	for len(a.rooms) > MaxRooms {
		var oldest domain.RoomID
		oldestTouched := int64(-1)
		for id, rl := range a.rooms {
			if oldestTouched < 0 || rl.Touched < oldestTouched {
				oldest = id
				oldestTouched = rl.Touched
			}
		}
		delete(a.rooms, oldest)
	}
}

func (a *Archive) save() error {
	if a.path == "" {
		return nil
	}
	a.mu.Lock()
	data, err := json.Marshal(a.rooms)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, a.path)
}
