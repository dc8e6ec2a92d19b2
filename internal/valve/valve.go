// Package valve controls a single motorised valve through the shared
// polarity driver and guards it with a periodic low-depth cutoff.
package valve

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/sweeney/irrigation-controller/internal/clock"
	"github.com/sweeney/irrigation-controller/internal/gpio"
	"github.com/sweeney/irrigation-controller/internal/polarity"
)

// State is the logical state of a valve.
type State string

const (
	StateOn  State = "on"
	StateOff State = "off"
)

// ParseState accepts "on" or "off".
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateOn, StateOff:
		return State(s), nil
	}
	return "", fmt.Errorf("invalid valve state %q", s)
}

// Protocol timings.
const (
	DefaultPolarityDelay = 100 * time.Millisecond // polarity set to first pulse
	DefaultPulseHold     = 150 * time.Millisecond
	// DefaultPulseCooldown keeps two consecutive commands from reading as one.
	DefaultPulseCooldown = 200 * time.Millisecond
	DefaultCheckInterval = time.Second
	DefaultMinDepth      = 38.0
)

// Timing holds the actuation and safety-check delays. Zero fields take the defaults.
type Timing struct {
	PolarityDelay time.Duration
	PulseHold     time.Duration
	PulseCooldown time.Duration
	CheckInterval time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.PolarityDelay <= 0 {
		t.PolarityDelay = DefaultPolarityDelay
	}
	if t.PulseHold <= 0 {
		t.PulseHold = DefaultPulseHold
	}
	if t.PulseCooldown <= 0 {
		t.PulseCooldown = DefaultPulseCooldown
	}
	if t.CheckInterval <= 0 {
		t.CheckInterval = DefaultCheckInterval
	}
	return t
}

// OffProtocol describes how a valve is closed. Some valve revisions need
// extra pulses or whole repeated reverse cycles before they reliably close.
type OffProtocol struct {
	// Cycles is the number of reverse-pulse cycles; values below 1 mean 1.
	Cycles int
	// ExtraPulses are sent right after the first pulse of each cycle.
	ExtraPulses int
	// CycleGap is the pause between cycles.
	CycleGap time.Duration
}

// Config is the static description of one valve.
type Config struct {
	Pin            int
	Name           string
	MinDepth       *float64 // nil selects DefaultMinDepth
	DesiredRunTime time.Duration
	Off            OffProtocol
	Timing         Timing
}

// DepthReader exposes the live reservoir depth.
type DepthReader interface {
	Current() (float64, bool)
}

// Reason tells why a transition happened.
type Reason string

const (
	ReasonCommand  Reason = "command"
	ReasonLowDepth Reason = "low_depth"
)

// Event is emitted after every completed transition.
type Event struct {
	Time    time.Time
	Valve   Snapshot
	RunTime time.Duration // the finished interval, for off transitions
	Reason  Reason
}

// Snapshot is a read-only view of a valve.
type Snapshot struct {
	ID             string
	Name           string
	State          State
	RunTime        time.Duration
	TotalRunTime   time.Duration
	DesiredRunTime time.Duration
	StartedAt      *time.Time
	MinDepth       float64
}

// Valve is one controllable outlet.
type Valve struct {
	id       string
	pin      int
	name     string
	minDepth float64
	off      OffProtocol
	timing   Timing

	line   gpio.Output
	driver *polarity.Driver
	depth  DepthReader
	clock  clock.Clock

	act sync.Mutex // serialises TurnOn/TurnOff

	mu             sync.RWMutex
	state          State
	startedAt      *time.Time
	runTime        time.Duration
	totalRunTime   time.Duration
	desiredRunTime time.Duration
	observers      []func(Event)

	check    sync.Mutex // held while a safety check runs
	checkTmr clock.Timer
	started  bool
	closed   bool
}

// New requests the valve line from chip and returns a closed, idle valve.
// Call Start to enable the low-depth cutoff.
func New(cfg Config, chip gpio.Chip, driver *polarity.Driver, depth DepthReader, clk clock.Clock) (*Valve, error) {
	line, err := chip.Output(cfg.Pin)
	if err != nil {
		return nil, fmt.Errorf("valve %s: %w", cfg.Name, err)
	}
	minDepth := DefaultMinDepth
	if cfg.MinDepth != nil {
		minDepth = *cfg.MinDepth
	}
	if cfg.Off.Cycles < 1 {
		cfg.Off.Cycles = 1
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Valve{
		id:             strconv.Itoa(cfg.Pin),
		pin:            cfg.Pin,
		name:           cfg.Name,
		minDepth:       minDepth,
		off:            cfg.Off,
		timing:         cfg.Timing.withDefaults(),
		line:           line,
		driver:         driver,
		depth:          depth,
		clock:          clk,
		state:          StateOff,
		desiredRunTime: cfg.DesiredRunTime,
	}, nil
}

// ID is the output line offset as a string.
func (v *Valve) ID() string { return v.id }

// Name is the human name of the valve.
func (v *Valve) Name() string { return v.name }

// OnChange registers fn to be called after every transition.
func (v *Valve) OnChange(fn func(Event)) {
	v.mu.Lock()
	v.observers = append(v.observers, fn)
	v.mu.Unlock()
}

// TurnOn opens the valve. The logical state changes before the pulse is sent.
func (v *Valve) TurnOn() error {
	v.act.Lock()
	defer v.act.Unlock()

	log.Printf("valve %s: on", v.name)
	now := v.clock.Now()
	v.mu.Lock()
	v.state = StateOn
	v.startedAt = &now
	v.runTime = 0
	v.mu.Unlock()

	var err error
	if !v.driver.Simulated() {
		err = v.driver.Do(func(c *polarity.Circuit) error {
			if err := c.Forward(); err != nil {
				return err
			}
			time.Sleep(v.timing.PolarityDelay)
			if err := v.pulse(); err != nil {
				return err
			}
			return c.Neutral()
		})
	}
	v.notify(0, ReasonCommand)
	if err != nil {
		return fmt.Errorf("valve %s on: %w", v.name, err)
	}
	return nil
}

// TurnOff closes the valve and accumulates the finished interval. The close
// protocol always runs, even if the valve is already logically off.
func (v *Valve) TurnOff() error {
	return v.turnOff(ReasonCommand)
}

func (v *Valve) turnOff(reason Reason) error {
	v.act.Lock()
	defer v.act.Unlock()

	log.Printf("valve %s: off", v.name)
	v.mu.Lock()
	v.state = StateOff
	var interval time.Duration
	if v.startedAt != nil {
		interval = v.clock.Now().Sub(*v.startedAt)
		v.runTime = interval
		v.totalRunTime += interval
		v.startedAt = nil
	}
	v.mu.Unlock()

	var err error
	if !v.driver.Simulated() {
		err = v.driver.Do(v.closeSequence)
	}
	v.notify(interval, reason)
	if err != nil {
		return fmt.Errorf("valve %s off: %w", v.name, err)
	}
	return nil
}

func (v *Valve) closeSequence(c *polarity.Circuit) error {
	for i := 0; i < v.off.Cycles; i++ {
		if i > 0 {
			time.Sleep(v.off.CycleGap)
		}
		if err := c.Reverse(); err != nil {
			return err
		}
		time.Sleep(v.timing.PolarityDelay)
		for p := 0; p <= v.off.ExtraPulses; p++ {
			if err := v.pulse(); err != nil {
				return err
			}
		}
		if err := c.Neutral(); err != nil {
			return err
		}
	}
	return nil
}

// pulse must only be called from inside driver.Do.
func (v *Valve) pulse() error {
	if err := v.line.Set(true); err != nil {
		return err
	}
	time.Sleep(v.timing.PulseHold)
	if err := v.line.Set(false); err != nil {
		return err
	}
	time.Sleep(v.timing.PulseCooldown)
	return nil
}

// ResetTotalRunTime zeroes the accumulated on-time.
func (v *Valve) ResetTotalRunTime() {
	v.mu.Lock()
	v.totalRunTime = 0
	v.mu.Unlock()
}

// TotalRunTime returns the accumulated on-time of completed intervals.
func (v *Valve) TotalRunTime() time.Duration {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.totalRunTime
}

// RunTime returns the length of the most recent completed interval.
func (v *Valve) RunTime() time.Duration {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.runTime
}

// SetDesiredRunTime records the target on-time of the current cycle.
func (v *Valve) SetDesiredRunTime(d time.Duration) {
	v.mu.Lock()
	v.desiredRunTime = d
	v.mu.Unlock()
}

// DesiredRunTime returns the target on-time of the current cycle.
func (v *Valve) DesiredRunTime() time.Duration {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.desiredRunTime
}

// IsOn reports whether the valve is logically open.
func (v *Valve) IsOn() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state == StateOn
}

// Snapshot never waits for an actuation in progress.
func (v *Valve) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snapshotLocked()
}

func (v *Valve) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:             v.id,
		Name:           v.name,
		State:          v.state,
		RunTime:        v.runTime,
		TotalRunTime:   v.totalRunTime,
		DesiredRunTime: v.desiredRunTime,
		MinDepth:       v.minDepth,
	}
	if v.startedAt != nil {
		t := *v.startedAt
		s.StartedAt = &t
	}
	return s
}

func (v *Valve) notify(interval time.Duration, reason Reason) {
	v.mu.RLock()
	ev := Event{Time: v.clock.Now(), Valve: v.snapshotLocked(), RunTime: interval, Reason: reason}
	obs := v.observers
	v.mu.RUnlock()
	for _, fn := range obs {
		fn(ev)
	}
}
