// Package mqtt publishes controller events to an MQTT broker and receives
// reservoir depth readings from it.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/irrigation-controller/internal/depth"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

// TopicDepth carries reservoir depth readings from the sensor.
const TopicDepth = "irrigation/reservoir/depth"

// TopicValves is the MQTT topic for valve transitions.
const TopicValves = "irrigation/valves/events"

// TopicSystem is the MQTT topic for controller lifecycle events.
const TopicSystem = "irrigation/controller/system"

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishValve sends a valve transition. Failures are returned, never fatal.
	PublishValve(event valve.Event) error

	// PublishSystem sends a controller lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// DepthSink receives decoded depth readings. depth.Hub satisfies it.
type DepthSink interface {
	Publish(cm float64, raw int, ts time.Time) depth.Reading
}

// SystemEvent is a controller lifecycle event (STARTUP, SHUTDOWN, HEARTBEAT,
// RECONNECTED).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // SIGTERM, SIGINT, MQTT_DISCONNECT
	RawPayload []byte // full status snapshot; returned as is by FormatSystemPayload
	Retained   bool
}

// ValvePayload is the JSON body of a valve transition.
type ValvePayload struct {
	Valve ValveInner `json:"valve"`
}

// ValveInner contains the transition details.
type ValveInner struct {
	Timestamp      string  `json:"timestamp"`
	Event          string  `json:"event"`
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	State          string  `json:"state"`
	Reason         string  `json:"reason"`
	RunTimeSeconds float64 `json:"run_time_seconds,omitempty"`
}

// FormatValvePayload creates the JSON payload for a valve transition.
// RunTimeSeconds is only set on VALVE_OFF.
func FormatValvePayload(event valve.Event) ([]byte, error) {
	inner := ValveInner{
		Timestamp: event.Time.UTC().Format(time.RFC3339),
		Event:     "VALVE_ON",
		ID:        event.Valve.ID,
		Name:      event.Valve.Name,
		State:     string(event.Valve.State),
		Reason:    string(event.Reason),
	}
	if event.Valve.State == valve.StateOff {
		inner.Event = "VALVE_OFF"
		inner.RunTimeSeconds = event.RunTime.Seconds()
	}
	return json.Marshal(ValvePayload{Valve: inner})
}

// SystemPayload is the body of a simple system event (LWT, RECONNECTED)
// that carries no status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}

// DepthMessage is the sensor's JSON depth reading.
type DepthMessage struct {
	Depth     *float64 `json:"depth"`
	Raw       int      `json:"raw"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// ErrNoDepth is returned for a depth message without a depth value.
var ErrNoDepth = errors.New("depth message has no depth")

// ParseDepth decodes a depth message. A missing timestamp becomes received.
func ParseDepth(payload []byte, received time.Time) (depthCm float64, raw int, ts time.Time, err error) {
	var msg DepthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("decode depth: %w", err)
	}
	if msg.Depth == nil {
		return 0, 0, time.Time{}, ErrNoDepth
	}
	ts = received
	if msg.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339, msg.Timestamp)
		if err != nil {
			return 0, 0, time.Time{}, fmt.Errorf("decode depth timestamp: %w", err)
		}
	}
	return *msg.Depth, msg.Raw, ts, nil
}
