// Package controller is the command and query facade over the valves,
// sequencer, scheduler and depth hub. The web and status layers talk to it.
package controller

import (
	"errors"
	"fmt"
	"log"

	"github.com/sweeney/irrigation-controller/internal/depth"
	"github.com/sweeney/irrigation-controller/internal/polarity"
	"github.com/sweeney/irrigation-controller/internal/scheduler"
	"github.com/sweeney/irrigation-controller/internal/sequencer"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

var (
	// ErrValveNotFound is returned for an unknown valve ID.
	ErrValveNotFound = errors.New("valve not found")
	// ErrInvalidState is returned for a state other than on or off.
	ErrInvalidState = errors.New("invalid state")
)

// Controller ties the core components together. All fields are required.
type Controller struct {
	valves    []*valve.Valve
	byID      map[string]*valve.Valve
	seq       *sequencer.Sequencer
	sched     *scheduler.Scheduler
	hub       *depth.Hub
	driver    *polarity.Driver
	simulated bool
}

// New indexes valves by ID. Duplicate IDs are rejected.
func New(valves []*valve.Valve, seq *sequencer.Sequencer, sched *scheduler.Scheduler, hub *depth.Hub, driver *polarity.Driver) (*Controller, error) {
	byID := make(map[string]*valve.Valve, len(valves))
	for _, v := range valves {
		if _, dup := byID[v.ID()]; dup {
			return nil, fmt.Errorf("duplicate valve id %s", v.ID())
		}
		byID[v.ID()] = v
	}
	return &Controller{
		valves:    valves,
		byID:      byID,
		seq:       seq,
		sched:     sched,
		hub:       hub,
		driver:    driver,
		simulated: driver.Simulated(),
	}, nil
}

// Valves returns a snapshot of every valve in configuration order.
func (c *Controller) Valves() []valve.Snapshot {
	out := make([]valve.Snapshot, 0, len(c.valves))
	for _, v := range c.valves {
		out = append(out, v.Snapshot())
	}
	return out
}

// Valve returns one valve snapshot.
func (c *Controller) Valve(id string) (valve.Snapshot, error) {
	v, ok := c.byID[id]
	if !ok {
		return valve.Snapshot{}, fmt.Errorf("%w: %s", ErrValveNotFound, id)
	}
	return v.Snapshot(), nil
}

// SetValve forces a valve on or off outside the sequence.
func (c *Controller) SetValve(id, state string) error {
	v, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrValveNotFound, id)
	}
	st, err := valve.ParseState(state)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	log.Printf("controller: manual %s for valve %s (%s)", st, v.Name(), id)
	if st == valve.StateOn {
		return v.TurnOn()
	}
	return v.TurnOff()
}

// TotalMinutesLast24h returns the sequencer's rolling run total.
func (c *Controller) TotalMinutesLast24h() float64 {
	return c.seq.TotalMinutesLast24h()
}

// Sequence returns the sequencer state.
func (c *Controller) Sequence() sequencer.Status {
	return c.seq.Status()
}

// RestartSequence rewinds the sequence to its first entry and starts it.
func (c *Controller) RestartSequence() {
	c.seq.Restart()
}

// SchedulerEnabled reports whether depth scheduling is on.
func (c *Controller) SchedulerEnabled() bool {
	return c.sched.IsEnabled()
}

// EnableScheduler turns depth scheduling on.
func (c *Controller) EnableScheduler() {
	c.sched.Enable()
}

// DisableScheduler turns depth scheduling off and pauses the sequence.
func (c *Controller) DisableScheduler() {
	c.sched.Disable()
}

// Depth returns the latest reservoir depth, or false before the first reading.
func (c *Controller) Depth() (float64, bool) {
	return c.hub.Current()
}

// Simulated reports whether the hardware is simulated.
func (c *Controller) Simulated() bool {
	return c.simulated
}

// Shutdown stops the scheduler and pauses the sequence so no timer can open
// another valve, then closes every valve that is still on, stops each
// valve's safety check and leaves the driver neutral. It keeps going past
// errors.
func (c *Controller) Shutdown() error {
	c.sched.Cleanup()
	c.seq.Pause()

	var errs []error
	for _, v := range c.valves {
		v.Close()
		if v.IsOn() {
			log.Printf("controller: closing %s before exit", v.Name())
			if err := v.TurnOff(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := c.driver.Do(func(cc *polarity.Circuit) error { return cc.Neutral() }); err != nil {
		errs = append(errs, fmt.Errorf("driver neutral: %w", err))
	}
	return errors.Join(errs...)
}
