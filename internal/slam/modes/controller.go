// Package modes arbitrates switches between full mapping and
// localization-only operation, and tracker resets. Requests may come from
// any goroutine; they are applied only by Apply, which runs at the start of
// each tracking call on the tracking goroutine.
package modes

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/banshee-data/slamctl/internal/monitoring"
	"github.com/banshee-data/slamctl/internal/timeutil"
)

// StopPollInterval is how often Apply checks whether the mapper stopped.
const StopPollInterval = time.Millisecond

// Mode is the applied operating mode.
type Mode int

const (
	// Mapping runs the full pipeline and grows the map.
	Mapping Mode = iota
	// Localization freezes the map; only pose estimation runs.
	Localization
)

func (m Mode) String() string {
	if m == Localization {
		return "localization"
	}
	return "mapping"
}

// Mapper is the part of the local mapping worker the controller drives.
type Mapper interface {
	RequestStop()
	IsStopped() bool
	Release()
}

// Tracker is the part of the tracking collaborator the controller drives.
type Tracker interface {
	InformOnlyTracking(only bool)
	Reset()
}

// Transition is reported to the observer after a change is applied.
type Transition struct {
	Mode  Mode
	Reset bool
}

// Controller holds pending requests and applies them.
type Controller struct {
	tracker Tracker
	mapper  Mapper
	clock   timeutil.Clock
	log     *log.Logger

	modeMu            sync.Mutex
	activatePending   bool
	deactivatePending bool
	mode              Mode

	resetMu      sync.Mutex
	resetPending bool

	observerMu sync.RWMutex
	observer   func(Transition)
}

// New returns a controller in Mapping mode.
func New(tracker Tracker, mapper Mapper, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{
		tracker: tracker,
		mapper:  mapper,
		clock:   clock,
		log:     monitoring.Component("modes"),
	}
}

// SetObserver installs a callback run after every applied transition.
func (c *Controller) SetObserver(f func(Transition)) {
	c.observerMu.Lock()
	defer c.observerMu.Unlock()
	c.observer = f
}

// ActivateLocalizationMode requests localization-only mode.
func (c *Controller) ActivateLocalizationMode() {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	c.activatePending = true
}

// DeactivateLocalizationMode requests full mapping mode.
func (c *Controller) DeactivateLocalizationMode() {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	c.deactivatePending = true
}

// RequestReset asks for the tracker to be reset.
func (c *Controller) RequestReset() {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()
	c.resetPending = true
}

// Mode returns the last applied mode.
func (c *Controller) Mode() Mode {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	return c.mode
}

// Pending reports outstanding requests.
func (c *Controller) Pending() (activate, deactivate, reset bool) {
	c.modeMu.Lock()
	activate, deactivate = c.activatePending, c.deactivatePending
	c.modeMu.Unlock()
	c.resetMu.Lock()
	reset = c.resetPending
	c.resetMu.Unlock()
	return activate, deactivate, reset
}

// Apply applies pending requests. A pending activate stops the mapper,
// waits until it reports stopped, then switches the tracker to
// localization-only. A pending deactivate switches the tracker back and
// releases the mapper. If both are pending they are applied in that order.
// A pending reset resets the tracker. Apply returns ctx.Err() if the context
// ends while waiting for the mapper; the activate request stays pending.
func (c *Controller) Apply(ctx context.Context) error {
	c.modeMu.Lock()
	if c.activatePending {
		c.mapper.RequestStop()
		err := timeutil.PollUntil(ctx, c.clock, StopPollInterval, c.mapper.IsStopped)
		if err != nil {
			c.modeMu.Unlock()
			return err
		}
		c.tracker.InformOnlyTracking(true)
		c.activatePending = false
		c.mode = Localization
		c.modeMu.Unlock()
		c.notify(Transition{Mode: Localization})
		c.modeMu.Lock()
	}
	if c.deactivatePending {
		c.tracker.InformOnlyTracking(false)
		c.mapper.Release()
		c.deactivatePending = false
		c.mode = Mapping
		c.modeMu.Unlock()
		c.notify(Transition{Mode: Mapping})
	} else {
		c.modeMu.Unlock()
	}

	c.resetMu.Lock()
	reset := c.resetPending
	if reset {
		c.tracker.Reset()
		c.resetPending = false
	}
	c.resetMu.Unlock()
	if reset {
		c.notify(Transition{Mode: c.Mode(), Reset: true})
	}
	return nil
}

func (c *Controller) notify(tr Transition) {
	name := tr.Mode.String()
	if tr.Reset {
		name = "reset"
	}
	monitoring.ModeTransitions(name).Inc()
	c.log.Info("transition applied", "mode", tr.Mode, "reset", tr.Reset)

	c.observerMu.RLock()
	f := c.observer
	c.observerMu.RUnlock()
	if f != nil {
		f(tr)
	}
}
