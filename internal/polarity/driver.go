// Package polarity drives the shared polarity-reversing relay circuit that
// every valve pulses through.
package polarity

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sweeney/irrigation-controller/internal/gpio"
)

// Orientation is the direction current flows through the valve coils.
type Orientation string

const (
	Forward Orientation = "FORWARD"
	Reverse Orientation = "REVERSE"
	Neutral Orientation = "NEUTRAL"
)

// DefaultBreakerDelay is how long the breaker is held open before and after
// the polarity lines change.
const DefaultBreakerDelay = 100 * time.Millisecond

// Pins are the line offsets of the circuit.
type Pins struct {
	Breaker   int
	Polarity1 int
	Polarity2 int
}

// DefaultPins matches the relay board wiring.
func DefaultPins() Pins {
	return Pins{
		Breaker:   gpio.DefaultPinBreaker,
		Polarity1: gpio.DefaultPinPolarity1,
		Polarity2: gpio.DefaultPinPolarity2,
	}
}

// Driver owns the reversing circuit. All orientation changes and every pulse
// that depends on them happen inside Do, which holds the hardware mutex.
type Driver struct {
	hw           sync.Mutex // held for a whole actuation sequence
	simulate     bool
	breakerDelay time.Duration
	breaker      gpio.Output
	pin1         gpio.Output
	pin2         gpio.Output

	mu          sync.RWMutex
	orientation Orientation
}

// New requests the circuit lines from chip and leaves them inactive.
// breakerDelay <= 0 selects DefaultBreakerDelay.
func New(chip gpio.Chip, pins Pins, breakerDelay time.Duration) (*Driver, error) {
	if breakerDelay <= 0 {
		breakerDelay = DefaultBreakerDelay
	}
	d := &Driver{
		simulate:     chip.Simulated(),
		breakerDelay: breakerDelay,
		orientation:  Forward,
	}
	if d.simulate {
		log.Printf("polarity: no gpio hardware, simulating")
	}

	var err error
	if d.breaker, err = chip.Output(pins.Breaker); err != nil {
		return nil, fmt.Errorf("breaker line: %w", err)
	}
	if d.pin1, err = chip.Output(pins.Polarity1); err != nil {
		return nil, fmt.Errorf("polarity line 1: %w", err)
	}
	if d.pin2, err = chip.Output(pins.Polarity2); err != nil {
		return nil, fmt.Errorf("polarity line 2: %w", err)
	}
	return d, nil
}

// Simulated reports whether the driver skips hardware writes and delays.
func (d *Driver) Simulated() bool {
	return d.simulate
}

// Orientation returns the last commanded orientation. It does not wait for
// an in-flight sequence.
func (d *Driver) Orientation() Orientation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.orientation
}

// Do runs fn with exclusive access to the circuit. Nested calls deadlock.
func (d *Driver) Do(fn func(c *Circuit) error) error {
	d.hw.Lock()
	defer d.hw.Unlock()
	return fn(&Circuit{d: d})
}

// Circuit is the handle passed to Do. It must not be retained after Do returns.
type Circuit struct {
	d *Driver
}

// Forward sets forward polarity and energises the breaker.
func (c *Circuit) Forward() error {
	return c.d.orient(Forward, false)
}

// Reverse sets reverse polarity and energises the breaker.
func (c *Circuit) Reverse() error {
	return c.d.orient(Reverse, true)
}

// Neutral de-energises everything. All lines low is electrically forward-off,
// so the orientation is recorded as Forward.
func (c *Circuit) Neutral() error {
	d := c.d
	d.setOrientation(Forward)
	if d.simulate {
		return nil
	}
	return firstErr(
		d.breaker.Set(false),
		d.pin1.Set(false),
		d.pin2.Set(false),
	)
}

func (d *Driver) orient(target Orientation, lines bool) error {
	if d.Orientation() == target {
		if d.simulate {
			return nil
		}
		// The breaker may still be open after Neutral or a fresh start.
		return d.breaker.Set(true)
	}
	d.setOrientation(target)
	if d.simulate {
		return nil
	}

	if err := d.breaker.Set(false); err != nil {
		return err
	}
	time.Sleep(d.breakerDelay)
	if err := firstErr(d.pin1.Set(lines), d.pin2.Set(lines)); err != nil {
		return err
	}
	time.Sleep(d.breakerDelay)
	return d.breaker.Set(true)
}

func (d *Driver) setOrientation(o Orientation) {
	d.mu.Lock()
	d.orientation = o
	d.mu.Unlock()
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
