package domain

import "math/rand"

type (
	RoomName string
	RoomID   string
)

type Room struct {
	ID   RoomID
	Name RoomName
}

const roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewRoomID returns a short shareable room identifier, six characters
// like the ones users type from an invite link.
func NewRoomID() RoomID {
	b := make([]byte, 6)
	for i := range b {
		b[i] = roomIDAlphabet[rand.Intn(len(roomIDAlphabet))]
	}
	return RoomID(b)
}
