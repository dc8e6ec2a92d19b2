// Package status provides a thread-safe status tracker for the irrigation
// controller. It is read by the HTTP handlers and the MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/irrigation-controller/internal/sequencer"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

// NetworkInfo contains network state as reported by the host helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains controller configuration for display.
type Config struct {
	HeartbeatMs       int64
	Broker            string
	HTTPAddr          string
	DepthThreshold    float64
	CriticalDepth     float64
	UseStabilityLogic bool
	Window            string // "03:00-12:00 Europe/Brussels", empty when gating is off
}

// Controller is the live state of the irrigation core.
type Controller struct {
	Valves           []valve.Snapshot
	Sequence         sequencer.Status
	SchedulerEnabled bool
	Depth            *float64
	TotalMinutes24h  float64
	Simulated        bool
}

// HistoryInfo reports the InfluxDB history writer.
type HistoryInfo struct {
	WriteErrors  int
	LastErrorAge time.Duration // zero when no write has failed
}

// Snapshot is a point-in-time view of controller state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	History       *HistoryInfo // nil when history is off
	Config        Config
	Controller    Controller
}

// Uptime returns the duration since the controller started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds process state behind an RWMutex and reads the core through
// a source function on every Snapshot.
type Tracker struct {
	mu      sync.RWMutex
	snap    Snapshot
	source  func() Controller
	history func() HistoryInfo
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// SetSource sets the function that reads the core state.
func (t *Tracker) SetSource(fn func() Controller) {
	t.mu.Lock()
	t.source = fn
	t.mu.Unlock()
}

// SetHistory sets the function that reads the history writer's health.
func (t *Tracker) SetHistory(fn func() HistoryInfo) {
	t.mu.Lock()
	t.history = fn
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the controller state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	source := t.source
	history := t.history
	t.mu.RUnlock()
	if source != nil {
		s.Controller = source()
	}
	if history != nil {
		h := history()
		s.History = &h
	}
	s.Now = time.Now()
	return s
}
