package rendezvous

import "github.com/dkeye/Mesh/internal/domain"

// Logical layout of a room's sub-trees in the store.
func RoomPath(room domain.RoomID) string          { return "rooms/" + string(room) }
func ParticipantsPath(room domain.RoomID) string  { return RoomPath(room) + "/participants" }
func SignalsPath(room domain.RoomID) string       { return RoomPath(room) + "/signals" }
func IntroductionsPath(room domain.RoomID) string { return RoomPath(room) + "/introductions" }
func JoinRequestsPath(room domain.RoomID) string  { return RoomPath(room) + "/joinRequests" }
func NamePath(room domain.RoomID) string          { return RoomPath(room) + "/name" }

func ParticipantPath(room domain.RoomID, device domain.DeviceID) string {
	return ParticipantsPath(room) + "/" + string(device)
}
