package mesh

import "github.com/dkeye/Mesh/internal/domain"

// DecideInitiator reports whether the local side sends the offer to
// remote. Pure lexicographic order: when two peers discover each other
// simultaneously, exactly one of them initiates, so simultaneous
// colliding offers (glare) cannot happen. No randomness, no extra
// round-trip.
func DecideInitiator(local, remote domain.DeviceID) bool {
	return local < remote
}
