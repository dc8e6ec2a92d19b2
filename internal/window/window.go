// Package window enables automatic scheduling only during a daily range of
// hours in a fixed time zone.
package window

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sweeney/irrigation-controller/internal/clock"
)

// Defaults for the watering window.
const (
	DefaultEnableHour  = 3
	DefaultDisableHour = 12
	DefaultTimeZone    = "Europe/Brussels"
	DefaultInterval    = time.Minute
)

// Target is switched on and off at the window edges.
type Target interface {
	Enable()
	Disable()
}

// Hours is a daily [Enable, Disable) range. Enable > Disable wraps past midnight.
type Hours struct {
	Enable   int
	Disable  int
	Location *time.Location
}

// Validate checks the hours are distinct and in 0..23.
func (h Hours) Validate() error {
	if h.Enable < 0 || h.Enable > 23 || h.Disable < 0 || h.Disable > 23 {
		return fmt.Errorf("window hours must be 0-23, got %d-%d", h.Enable, h.Disable)
	}
	if h.Enable == h.Disable {
		return fmt.Errorf("window enable and disable hour are both %d", h.Enable)
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (h Hours) Contains(t time.Time) bool {
	loc := h.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := t.In(loc).Hour()
	if h.Enable < h.Disable {
		return hour >= h.Enable && hour < h.Disable
	}
	return hour >= h.Enable || hour < h.Disable
}

// Gate applies Hours to a Target. The current state is applied on Start; after
// that the target is only touched when the window opens or closes, so a manual
// change in between sticks until the next edge.
type Gate struct {
	hours    Hours
	target   Target
	clock    clock.Clock
	interval time.Duration

	mu      sync.Mutex
	inside  bool
	timer   clock.Timer
	running bool
}

// NewGate returns a stopped gate.
func NewGate(hours Hours, target Target, clk clock.Clock) (*Gate, error) {
	if err := hours.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Gate{hours: hours, target: target, clock: clk, interval: DefaultInterval}, nil
}

// Start applies the current state and begins checking every minute.
func (g *Gate) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return
	}
	g.running = true
	g.inside = g.hours.Contains(g.clock.Now())
	g.apply("start")
	g.timer = g.clock.AfterFunc(g.interval, g.tick)
}

// Stop ends the periodic check. The target is left as it is.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = false
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// Inside reports the last evaluated window state.
func (g *Gate) Inside() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inside
}

func (g *Gate) tick() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	if inside := g.hours.Contains(g.clock.Now()); inside != g.inside {
		g.inside = inside
		g.apply("edge")
	}
	g.timer = g.clock.AfterFunc(g.interval, g.tick)
}

func (g *Gate) apply(why string) {
	local := g.clock.Now()
	if g.hours.Location != nil {
		local = local.In(g.hours.Location)
	}
	if g.inside {
		log.Printf("window: %s at %s, inside %02d:00-%02d:00, enabling scheduler", why, local.Format("15:04:05"), g.hours.Enable, g.hours.Disable)
		g.target.Enable()
		return
	}
	log.Printf("window: %s at %s, outside %02d:00-%02d:00, disabling scheduler", why, local.Format("15:04:05"), g.hours.Enable, g.hours.Disable)
	g.target.Disable()
}
