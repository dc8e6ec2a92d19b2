package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/irrigation-controller/internal/depth"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

func offEvent() valve.Event {
	return valve.Event{
		Time: time.Date(2026, 5, 2, 5, 3, 0, 0, time.UTC),
		Valve: valve.Snapshot{
			ID:    "13",
			Name:  "Bruin",
			State: valve.StateOff,
		},
		RunTime: 3 * time.Minute,
		Reason:  valve.ReasonCommand,
	}
}

func TestTopics(t *testing.T) {
	if TopicDepth != "irrigation/reservoir/depth" {
		t.Errorf("unexpected depth topic: %s", TopicDepth)
	}
	if TopicValves != "irrigation/valves/events" {
		t.Errorf("unexpected valve topic: %s", TopicValves)
	}
	if TopicSystem != "irrigation/controller/system" {
		t.Errorf("unexpected system topic: %s", TopicSystem)
	}
}

func TestFormatValvePayloadOff(t *testing.T) {
	payload, err := FormatValvePayload(offEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"valve":{"timestamp":"2026-05-02T05:03:00Z","event":"VALVE_OFF","id":"13","name":"Bruin","state":"off","reason":"command","run_time_seconds":180}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatValvePayloadOnOmitsRunTime(t *testing.T) {
	e := offEvent()
	e.Valve.State = valve.StateOn
	e.RunTime = 0

	payload, err := FormatValvePayload(e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed["valve"]["event"] != "VALVE_ON" {
		t.Errorf("event: got %v, want VALVE_ON", parsed["valve"]["event"])
	}
	if _, ok := parsed["valve"]["run_time_seconds"]; ok {
		t.Error("VALVE_ON should not carry run_time_seconds")
	}
}

func TestFormatValvePayloadTimezoneConversion(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	e := offEvent()
	e.Time = time.Date(2026, 5, 2, 7, 3, 0, 0, loc)

	payload, _ := FormatValvePayload(e)
	var parsed ValvePayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Valve.Timestamp != "2026-05-02T05:03:00Z" {
		t.Errorf("timestamp should be UTC, got %s", parsed.Valve.Timestamp)
	}
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	tests := []struct {
		name  string
		event SystemEvent
		want  string
	}{
		{
			"shutdown",
			SystemEvent{Timestamp: time.Date(2026, 2, 3, 10, 30, 45, 0, time.UTC), Event: "SHUTDOWN", Reason: "SIGTERM"},
			`{"system":{"timestamp":"2026-02-03T10:30:45Z","event":"SHUTDOWN","reason":"SIGTERM"}}`,
		},
		{
			"will",
			SystemEvent{Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC), Event: "SHUTDOWN", Reason: "MQTT_DISCONNECT"},
			`{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"SHUTDOWN","reason":"MQTT_DISCONNECT"}}`,
		},
		{
			"reconnected",
			SystemEvent{Timestamp: time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC), Event: "RECONNECTED"},
			`{"system":{"timestamp":"2026-02-10T14:30:00Z","event":"RECONNECTED"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := FormatSystemPayload(tt.event)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(payload) != tt.want {
				t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, tt.want)
			}
		})
	}
}

func TestFormatSystemPayloadRawPassthrough(t *testing.T) {
	raw := []byte(`{"status":{"event":"HEARTBEAT"}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: "HEARTBEAT", RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("raw payload not passed through: %s", payload)
	}
}

func TestParseDepth(t *testing.T) {
	received := time.Date(2026, 5, 2, 6, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload string
		wantD   float64
		wantRaw int
		wantTS  time.Time
		wantErr bool
	}{
		{"full", `{"depth":41.2,"raw":960,"timestamp":"2026-05-02T05:59:58Z"}`, 41.2, 960, time.Date(2026, 5, 2, 5, 59, 58, 0, time.UTC), false},
		{"no timestamp", `{"depth":39}`, 39, 0, received, false},
		{"zero depth", `{"depth":0,"raw":12}`, 0, 12, received, false},
		{"missing depth", `{"raw":960}`, 0, 0, time.Time{}, true},
		{"bad timestamp", `{"depth":40,"timestamp":"yesterday"}`, 0, 0, time.Time{}, true},
		{"not json", `41.2`, 0, 0, time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, raw, ts, err := ParseDepth([]byte(tt.payload), received)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d != tt.wantD || raw != tt.wantRaw || !ts.Equal(tt.wantTS) {
				t.Errorf("got (%v, %d, %v), want (%v, %d, %v)", d, raw, ts, tt.wantD, tt.wantRaw, tt.wantTS)
			}
		})
	}

	if _, _, _, err := ParseDepth([]byte(`{}`), received); !errors.Is(err, ErrNoDepth) {
		t.Errorf("expected ErrNoDepth, got %v", err)
	}
}

func TestHandleDepthPublishesToHub(t *testing.T) {
	hub := depth.NewHub()
	defer hub.Close()
	now := time.Date(2026, 5, 2, 6, 0, 0, 0, time.UTC)

	HandleDepth(hub, []byte(`{"depth":40.5,"raw":950}`), now)
	HandleDepth(hub, []byte(`garbage`), now)
	HandleDepth(hub, []byte(`{"depth":39.5,"raw":940}`), now)

	cur, ok := hub.Current()
	if !ok || cur != 39.5 {
		t.Errorf("current: got %v (%v), want 39.5", cur, ok)
	}
	prev, ok := hub.Previous()
	if !ok || prev != 40.5 {
		t.Errorf("previous: got %v (%v), want 40.5", prev, ok)
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()

	if err := f.PublishValve(offEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.PublishSystem(SystemEvent{Event: "STARTUP", Retained: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := f.Valves(); len(got) != 1 || got[0].Valve.Name != "Bruin" {
		t.Errorf("valve events: %+v", got)
	}
	if len(f.ValvePayloads) != 1 {
		t.Errorf("expected 1 valve payload, got %d", len(f.ValvePayloads))
	}
	if got := f.Systems(); len(got) != 1 || !got[0].Retained {
		t.Errorf("system events: %+v", got)
	}
}

func TestFakePublisherErrors(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("simulated error")
	f.PublishSystemError = errors.New("simulated error")

	if err := f.PublishValve(offEvent()); err == nil {
		t.Error("expected valve publish error")
	}
	if err := f.PublishSystem(SystemEvent{Event: "HEARTBEAT"}); err == nil {
		t.Error("expected system publish error")
	}
	if len(f.Valves()) != 0 || len(f.Systems()) != 0 {
		t.Error("nothing should be recorded on error")
	}
}

func TestFakePublisherReset(t *testing.T) {
	f := NewFakePublisher()
	f.PublishValve(offEvent())
	f.PublishSystem(SystemEvent{Event: "STARTUP"})
	f.Close()
	f.Connected = true

	f.Reset()

	if len(f.Valves()) != 0 || len(f.Systems()) != 0 || f.Closed || f.IsConnected() {
		t.Error("Reset should clear everything")
	}
	if err := f.PublishValve(offEvent()); err != nil {
		t.Errorf("publisher should be reusable after reset: %v", err)
	}
}
