package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/irrigation-controller/internal/sequencer"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Simulated     bool          `json:"simulated"`
	Depth         *float64      `json:"depth"`
	Scheduler     SchedulerJSON `json:"scheduler"`
	Sequence      SequenceJSON  `json:"sequence"`
	Valves        []ValveJSON   `json:"valves"`
	TotalMinutes  float64       `json:"total_minutes_24h"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	History       *HistoryJSON  `json:"history,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// SchedulerJSON reports the depth scheduler.
type SchedulerJSON struct {
	Enabled bool `json:"enabled"`
}

// SequenceJSON reports the sequencer.
type SequenceJSON struct {
	Phase            string  `json:"phase"`
	Index            int     `json:"index"`
	Valve            string  `json:"valve"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// ValveJSON is the external view of a valve. RunTime is the last completed
// interval in seconds.
type ValveJSON struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	State          string  `json:"state"`
	RunTime        float64 `json:"runTime"`
	TotalRunTime   float64 `json:"totalRunTime"`
	DesiredRunTime float64 `json:"desiredRunTime"`
	StartedAt      string  `json:"startedAt,omitempty"`
	MinDepth       float64 `json:"minDepth"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// HistoryJSON reports the history writer. LastErrorAgeSeconds is zero when
// no write has failed.
type HistoryJSON struct {
	WriteErrors         int     `json:"write_errors"`
	LastErrorAgeSeconds float64 `json:"last_error_age_seconds"`
}

// ConfigJSON is the JSON representation of controller config.
type ConfigJSON struct {
	HeartbeatMs       int64   `json:"heartbeat_ms"`
	Broker            string  `json:"broker"`
	HTTPAddr          string  `json:"http_addr"`
	DepthThreshold    float64 `json:"depth_threshold"`
	CriticalDepth     float64 `json:"critical_depth"`
	UseStabilityLogic bool    `json:"use_stability_logic"`
	Window            string  `json:"window,omitempty"`
}

// FormatValve converts a valve snapshot to its JSON view.
func FormatValve(s valve.Snapshot) ValveJSON {
	v := ValveJSON{
		ID:             s.ID,
		Name:           s.Name,
		State:          string(s.State),
		RunTime:        s.RunTime.Seconds(),
		TotalRunTime:   s.TotalRunTime.Seconds(),
		DesiredRunTime: s.DesiredRunTime.Seconds(),
		MinDepth:       s.MinDepth,
	}
	if s.StartedAt != nil {
		v.StartedAt = s.StartedAt.UTC().Format(time.RFC3339)
	}
	return v
}

// FormatValves converts a list of snapshots, never returning nil.
func FormatValves(snaps []valve.Snapshot) []ValveJSON {
	out := make([]ValveJSON, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, FormatValve(s))
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	c := snap.Controller
	inner := StatusInner{
		Simulated: c.Simulated,
		Depth:     c.Depth,
		Scheduler: SchedulerJSON{Enabled: c.SchedulerEnabled},
		Sequence: SequenceJSON{
			Phase:            string(c.Sequence.Phase),
			Index:            c.Sequence.Index,
			Valve:            c.Sequence.Valve,
			RemainingSeconds: c.Sequence.Remaining.Seconds(),
		},
		Valves:        FormatValves(c.Valves),
		TotalMinutes:  c.TotalMinutes24h,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			HeartbeatMs:       snap.Config.HeartbeatMs,
			Broker:            snap.Config.Broker,
			HTTPAddr:          snap.Config.HTTPAddr,
			DepthThreshold:    snap.Config.DepthThreshold,
			CriticalDepth:     snap.Config.CriticalDepth,
			UseStabilityLogic: snap.Config.UseStabilityLogic,
			Window:            snap.Config.Window,
		},
	}
	if inner.Sequence.Phase == "" {
		inner.Sequence.Phase = string(sequencer.PhaseIdle)
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	if snap.History != nil {
		inner.History = &HistoryJSON{
			WriteErrors:         snap.History.WriteErrors,
			LastErrorAgeSeconds: snap.History.LastErrorAge.Truncate(time.Second).Seconds(),
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
