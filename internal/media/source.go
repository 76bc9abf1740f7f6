// Package media owns the session's outbound audio. The capture device
// itself is an external capability; the mesh only needs a local track
// it can fan out read-only to every peer link.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrNoDevice means no capture device is present at all.
	ErrNoDevice = errors.New("no capture device present")
	// ErrPermissionDenied means a device exists but access was refused.
	// Surfaced to the user distinctly from ErrNoDevice.
	ErrPermissionDenied = errors.New("capture permission denied")
)

// CaptureSource is the session's single outbound audio stream. It is
// exclusively owned by the session and fanned out to every PeerLink;
// links never mutate it.
type CaptureSource interface {
	// Track is the local track attached to each peer connection.
	Track() webrtc.TrackLocal

	// SetMuted toggles the outbound audio without detaching tracks.
	SetMuted(muted bool)
	Muted() bool

	Close() error
}
