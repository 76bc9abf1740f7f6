package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/rendezvous"
)

// AttachState is the rendezvous connection lifecycle of one session.
type AttachState int

const (
	// Attached: live store connection, subscriptions delivering.
	Attached AttachState = iota
	// ScheduledForDetach: mesh is fully connected, the release timer is
	// running. Any state change cancels it.
	ScheduledForDetach
	// Detached: connection slot released. Direct links keep working;
	// newcomers cannot be seen until reattach.
	Detached
)

func (s AttachState) String() string {
	switch s {
	case Attached:
		return "attached"
	case ScheduledForDetach:
		return "scheduled-for-detach"
	case Detached:
		return "detached"
	}
	return "unknown"
}

// DetachController releases the rendezvous connection once every known
// peer is directly connected, and restores it the moment the mesh needs
// signaling again. The store is a bootstrap resource with a per-server
// connection cap; holding a slot while idle starves other rooms.
type DetachController struct {
	store rendezvous.Store
	delay time.Duration

	mu    sync.Mutex
	state AttachState
	timer *time.Timer
}

func NewDetachController(store rendezvous.Store, delay time.Duration) *DetachController {
	return &DetachController{store: store, delay: delay, state: Attached}
}

func (d *DetachController) State() AttachState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ScheduleDetach arms the release timer. stillIdle is re-evaluated when
// the timer fires; if the mesh changed in the meantime the detach is
// abandoned. Calling while already scheduled restarts the delay.
func (d *DetachController) ScheduleDetach(stillIdle func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Detached {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.state = ScheduledForDetach
	d.timer = time.AfterFunc(d.delay, func() { d.fire(stillIdle) })
	log.Debug().Str("module", "mesh").Dur("delay", d.delay).Msg("detach scheduled")
}

func (d *DetachController) fire(stillIdle func() bool) {
	d.mu.Lock()
	if d.state != ScheduledForDetach {
		d.mu.Unlock()
		return
	}
	if stillIdle != nil && !stillIdle() {
		d.state = Attached
		d.mu.Unlock()
		return
	}
	d.state = Detached
	d.mu.Unlock()

	if err := d.store.GoOffline(); err != nil {
		log.Error().Err(err).Str("module", "mesh").Msg("detach failed")
		d.mu.Lock()
		d.state = Attached
		d.mu.Unlock()
		return
	}
	log.Info().Str("module", "mesh").Msg("rendezvous detached")
}

// CancelDetach stops a pending release without touching the connection.
func (d *DetachController) CancelDetach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != ScheduledForDetach {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.state = Attached
}

// Reattach cancels a pending detach and, if already detached, brings the
// connection back. Idempotent while attached.
func (d *DetachController) Reattach(ctx context.Context) error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	wasDetached := d.state == Detached
	d.state = Attached
	d.mu.Unlock()

	if !wasDetached {
		return nil
	}
	if err := d.store.GoOnline(ctx); err != nil {
		d.mu.Lock()
		d.state = Detached
		d.mu.Unlock()
		return err
	}
	log.Info().Str("module", "mesh").Msg("rendezvous reattached")
	return nil
}
