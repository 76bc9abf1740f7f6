// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

const MaxAliasLen = 36

var (
	ErrAliasTooLong = errors.New("alias too long")
)

type DeviceID string

// DeviceIdentity is the per-session identity of the local device.
// Regenerated on full reset, never persisted across one.
type DeviceIdentity struct {
	ID           DeviceID  `json:"id"`
	DisplayAlias string    `json:"displayAlias"`
	PresenceIcon string    `json:"presenceIcon"`
	CreatedAt    time.Time `json:"createdAt"`
}

var presenceIcons = []string{"🐱", "🐶", "🐻", "🐸", "🐧", "🐢", "🦊", "🐼", "🦁", "🐯"}

var anonymousAliases = []string{
	"Anonymous Cat", "Anonymous Dog", "Anonymous Bear", "Anonymous Frog",
	"Anonymous Penguin", "Anonymous Turtle", "Anonymous Fox", "Anonymous Panda",
	"Anonymous Lion", "Anonymous Tiger", "Anonymous Koala", "Anonymous Owl",
}

// NewDeviceIdentity is a tiny helper to avoid ad-hoc struct literals in adapters.
// An empty alias gets a random anonymous one.
func NewDeviceIdentity(alias string) (DeviceIdentity, error) {
	if len(alias) > MaxAliasLen {
		return DeviceIdentity{}, ErrAliasTooLong
	}
	if alias == "" {
		alias = anonymousAliases[rand.Intn(len(anonymousAliases))]
	}
	return DeviceIdentity{
		ID:           DeviceID(uuid.NewString()),
		DisplayAlias: alias,
		PresenceIcon: presenceIcons[rand.Intn(len(presenceIcons))],
		CreatedAt:    time.Now(),
	}, nil
}

func (d *DeviceIdentity) SetAlias(alias string) error {
	if alias == "" {
		return errors.New("alias empty")
	}
	if len(alias) > MaxAliasLen {
		return ErrAliasTooLong
	}
	d.DisplayAlias = alias
	return nil
}
