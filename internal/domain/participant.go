package domain

// ParticipantRecord is the per-device entry in a room's rendezvous
// participant list. Written on join, removed by the store's disconnect
// cleanup or an explicit leave.
type ParticipantRecord struct {
	DeviceID     DeviceID `json:"deviceId"`
	DisplayAlias string   `json:"displayAlias"`
	JoinedAt     int64    `json:"joinedAt"`
	InCall       bool     `json:"inCall"`
	PresenceIcon string   `json:"presenceIcon"`
}

// Valid reports whether the record can be used as a connection-routing key.
// Records without a deviceId are skipped by consumers, never a crash.
func (p ParticipantRecord) Valid() bool { return p.DeviceID != "" }
