// Package safety closes valves that may be open without the controller
// knowing, when the reservoir keeps falling and nothing should be drawing.
package safety

import (
	"log"
	"sync"

	"github.com/sweeney/irrigation-controller/internal/depth"
)

// DefaultCriticalDepth is the level in centimetres at or below which the
// monitor acts.
const DefaultCriticalDepth = 35.0

// Valve is the part of a valve the monitor needs.
type Valve interface {
	Name() string
	IsOn() bool
	TurnOff() error
}

// DepthSource delivers depth readings.
type DepthSource interface {
	Subscribe(name string, fn func(depth.Reading)) *depth.Subscription
}

// Monitor watches depth for two groups of valves. Trusted valves report
// their state reliably. Unreliable valves may be stuck open while reporting off.
type Monitor struct {
	trusted    []Valve
	unreliable []Valve
	critical   float64

	mu       sync.Mutex
	sub      *depth.Subscription
	onCutoff func(depth float64)
}

// New subscribes a monitor to src. critical <= 0 selects DefaultCriticalDepth.
func New(trusted, unreliable []Valve, src DepthSource, critical float64) *Monitor {
	if critical <= 0 {
		critical = DefaultCriticalDepth
	}
	m := &Monitor{
		trusted:    trusted,
		unreliable: unreliable,
		critical:   critical,
	}
	if src != nil {
		m.sub = src.Subscribe("safety", m.Check)
	}
	return m
}

// OnCutoff registers fn to run after the unreliable group has been closed.
func (m *Monitor) OnCutoff(fn func(depth float64)) {
	m.mu.Lock()
	m.onCutoff = fn
	m.mu.Unlock()
}

// Check evaluates one reading. It acts only when the depth is at or below the
// critical level, is not rising, and no valve in either group reports on.
func (m *Monitor) Check(r depth.Reading) {
	if r.Depth > m.critical || r.Rising() {
		return
	}
	for _, v := range m.trusted {
		if v.IsOn() {
			return
		}
	}
	for _, v := range m.unreliable {
		if v.IsOn() {
			return
		}
	}

	for _, v := range m.unreliable {
		log.Printf("safety: depth %.2fcm, nothing should be drawing, closing %s", r.Depth, v.Name())
		if err := v.TurnOff(); err != nil {
			log.Printf("safety: close %s: %v", v.Name(), err)
		}
	}

	m.mu.Lock()
	fn := m.onCutoff
	m.mu.Unlock()
	if fn != nil && len(m.unreliable) > 0 {
		fn(r.Depth)
	}
}

// Close unsubscribes from the depth source.
func (m *Monitor) Close() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}
