package mesh

import "time"

// Config carries the mesh timing knobs. Zero values select the
// defaults the original deployment shipped with.
type Config struct {
	// ICEServers lists NAT traversal helper URLs. nil selects the
	// public STUN set; an empty non-nil slice disables them.
	ICEServers []string

	// MaxCallers caps room size; 0 means unlimited. A full room turns
	// a join into an access-approval request.
	MaxCallers int

	DetachDelay          time.Duration
	HeartbeatInterval    time.Duration
	SignalExpiry         time.Duration
	StaleSignalCutoff    time.Duration
	IntroductionPoll     time.Duration
	IntroductionLookback time.Duration
	JoinRequestTimeout   time.Duration
	AccessAutoDeny       time.Duration
}

func (c Config) withDefaults() Config {
	if c.DetachDelay == 0 {
		c.DetachDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SignalExpiry == 0 {
		c.SignalExpiry = 30 * time.Second
	}
	if c.StaleSignalCutoff == 0 {
		c.StaleSignalCutoff = 60 * time.Second
	}
	if c.IntroductionPoll == 0 {
		c.IntroductionPoll = 5 * time.Second
	}
	if c.IntroductionLookback == 0 {
		c.IntroductionLookback = 30 * time.Second
	}
	if c.JoinRequestTimeout == 0 {
		c.JoinRequestTimeout = 30 * time.Second
	}
	if c.AccessAutoDeny == 0 {
		c.AccessAutoDeny = 20 * time.Second
	}
	return c
}
