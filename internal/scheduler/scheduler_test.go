package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/sweeney/irrigation-controller/internal/clock"
	"github.com/sweeney/irrigation-controller/internal/depth"
)

var testStart = time.Date(2026, 5, 1, 4, 0, 0, 0, time.UTC)

type fakeSequencer struct {
	entered chan struct{}
	hold    chan struct{} // Resume signals entered then blocks until closed
	mu      sync.Mutex
	running bool
	resumes int
	pauses  int
}

func (f *fakeSequencer) Resume() {
	if f.hold != nil {
		f.entered <- struct{}{}
		<-f.hold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	f.resumes++
}

func (f *fakeSequencer) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	f.pauses++
}

func (f *fakeSequencer) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSequencer) counts() (resumes, pauses int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumes, f.pauses
}

func testConfig(stability bool) Config {
	return Config{
		DepthThreshold:     42,
		StabilityThreshold: 2,
		StabilityTime:      60 * time.Second,
		UseStabilityLogic:  stability,
		WaitBeforeResume:   120000 * time.Millisecond,
	}
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *fakeSequencer, *clock.Fake) {
	t.Helper()
	seq := &fakeSequencer{}
	clk := clock.NewFake(testStart)
	s, err := New(seq, nil, clk, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, seq, clk
}

func reading(d float64) depth.Reading {
	return depth.Reading{Depth: d}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"depth threshold", func(c *Config) { c.DepthThreshold = 0 }},
		{"stability threshold", func(c *Config) { c.StabilityThreshold = 0 }},
		{"stability time", func(c *Config) { c.StabilityTime = 0 }},
		{"wait", func(c *Config) { c.WaitBeforeResume = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(true)
			tt.mutate(&cfg)
			if _, err := New(&fakeSequencer{}, nil, nil, cfg); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := testConfig(false).Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestDisabledIgnoresReadings(t *testing.T) {
	s, seq, _ := newTestScheduler(t, testConfig(true))

	s.onReading(reading(50))

	if r, _ := seq.counts(); r != 0 {
		t.Errorf("resumes: got %d, want 0", r)
	}
}

func TestEnableSeedsFromFirstReading(t *testing.T) {
	s, seq, _ := newTestScheduler(t, testConfig(true))

	s.Enable()
	s.Enable()
	s.onReading(reading(45))
	s.onReading(reading(46))

	if r, _ := seq.counts(); r != 1 {
		t.Errorf("resumes: got %d, want 1", r)
	}
	if !s.IsEnabled() {
		t.Error("expected enabled")
	}
}

func TestEnableBelowThresholdWaitsForPolicy(t *testing.T) {
	s, seq, clk := newTestScheduler(t, testConfig(false))

	s.Enable()
	s.onReading(reading(40))
	if seq.IsRunning() {
		t.Fatal("should not start below threshold")
	}

	s.onReading(reading(43))
	if !s.Waiting() {
		t.Fatal("expected fixed wait to be armed")
	}
	clk.Advance(2 * time.Minute)
	if !seq.IsRunning() {
		t.Error("expected resume after wait")
	}
}

func TestBelowThresholdPausesOnce(t *testing.T) {
	s, seq, _ := newTestScheduler(t, testConfig(true))

	s.Enable()
	s.onReading(reading(45))
	s.onReading(reading(41))
	s.onReading(reading(40))
	s.onReading(reading(39))

	if _, p := seq.counts(); p != 1 {
		t.Errorf("pauses: got %d, want 1", p)
	}
}

func TestStabilityPolicy(t *testing.T) {
	cfg := testConfig(true)
	cfg.DepthThreshold = 40
	s, seq, clk := newTestScheduler(t, cfg)

	s.Enable()
	s.onReading(reading(45))
	s.onReading(reading(38))
	if seq.IsRunning() {
		t.Fatal("setup: expected paused")
	}

	depths := []float64{40, 41, 40, 42, 41}
	for i, d := range depths {
		if i > 0 {
			clk.Advance(15 * time.Second)
		}
		s.onReading(reading(d))
		last := i == len(depths)-1
		if seq.IsRunning() != last {
			t.Fatalf("reading %d at +%ds: running=%v", i, i*15, seq.IsRunning())
		}
	}

	if r, _ := seq.counts(); r != 2 {
		t.Errorf("resumes: got %d, want 2", r)
	}
}

func TestStabilityPolicyRejectsSpread(t *testing.T) {
	cfg := testConfig(true)
	cfg.DepthThreshold = 40
	s, seq, clk := newTestScheduler(t, cfg)

	s.Enable()
	s.onReading(reading(38))

	for i, d := range []float64{40, 44, 40, 41, 41} {
		if i > 0 {
			clk.Advance(15 * time.Second)
		}
		s.onReading(reading(d))
	}
	if seq.IsRunning() {
		t.Fatal("spread of 4cm should not resume")
	}

	// Once the 44 ages out of the window the remaining readings are stable.
	clk.Advance(15 * time.Second)
	s.onReading(reading(41))
	clk.Advance(15 * time.Second)
	s.onReading(reading(41))
	if !seq.IsRunning() {
		t.Error("expected resume once the window is stable")
	}
}

func TestFixedWaitArmedOnce(t *testing.T) {
	s, seq, clk := newTestScheduler(t, testConfig(false))

	s.Enable()
	s.onReading(reading(45))
	s.onReading(reading(40))

	s.onReading(reading(43))
	armedAt := clk.Now()
	for i := 0; i < 5; i++ {
		clk.Advance(10 * time.Second)
		s.onReading(reading(44))
	}
	if clk.Pending() != 1 {
		t.Fatalf("pending timers: got %d, want 1", clk.Pending())
	}

	clk.Advance(armedAt.Add(120000*time.Millisecond).Sub(clk.Now()) - time.Millisecond)
	if seq.IsRunning() {
		t.Fatal("resumed before the wait elapsed")
	}
	clk.Advance(time.Millisecond)
	if !seq.IsRunning() {
		t.Fatal("expected resume exactly at the wait deadline")
	}
	if r, _ := seq.counts(); r != 2 {
		t.Errorf("resumes: got %d, want 2", r)
	}
	if s.Waiting() {
		t.Error("waiting flag should clear")
	}
}

func TestFixedWaitCancelledByDisable(t *testing.T) {
	s, seq, clk := newTestScheduler(t, testConfig(false))

	s.Enable()
	s.onReading(reading(40))
	s.onReading(reading(43))
	s.Disable()

	clk.Advance(time.Hour)
	if seq.IsRunning() {
		t.Error("disabled scheduler resumed the sequence")
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers: got %d, want 0", clk.Pending())
	}
}

func TestFixedWaitCancelledByDrop(t *testing.T) {
	s, seq, clk := newTestScheduler(t, testConfig(false))

	s.Enable()
	s.onReading(reading(40))
	s.onReading(reading(43))
	clk.Advance(time.Minute)
	s.onReading(reading(41))

	clk.Advance(time.Minute)
	if seq.IsRunning() {
		t.Error("resume should be cancelled when depth drops again")
	}
}

func TestDisablePausesSequence(t *testing.T) {
	s, seq, _ := newTestScheduler(t, testConfig(true))

	s.Enable()
	s.onReading(reading(50))
	s.Disable()
	s.Disable()

	if seq.IsRunning() {
		t.Error("expected paused")
	}
	if s.IsEnabled() {
		t.Error("expected disabled")
	}
}

func TestReadersDoNotWaitForSequencer(t *testing.T) {
	s, seq, _ := newTestScheduler(t, testConfig(true))
	seq.entered = make(chan struct{})
	seq.hold = make(chan struct{})

	s.Enable()
	done := make(chan struct{})
	go func() {
		s.onReading(reading(50))
		close(done)
	}()
	<-seq.entered
	read := make(chan bool)
	go func() {
		read <- s.IsEnabled() && !s.Waiting()
	}()
	select {
	case ok := <-read:
		if !ok {
			t.Error("expected enabled and not waiting")
		}
	case <-time.After(time.Second):
		t.Fatal("IsEnabled blocked behind a slow Resume")
	}

	close(seq.hold)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reading never finished")
	}
	if !seq.IsRunning() {
		t.Error("expected running after Resume returned")
	}
}

func TestActionsObserved(t *testing.T) {
	s, _, _ := newTestScheduler(t, testConfig(true))
	var got []Action
	s.OnAction(func(a Action) { got = append(got, a) })

	s.Enable()
	s.onReading(reading(50))
	s.onReading(reading(30))
	s.Disable()

	want := []Action{ActionEnable, ActionResume, ActionPause, ActionDisable}
	if len(got) != len(want) {
		t.Fatalf("actions: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("action %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCleanupUnsubscribes(t *testing.T) {
	hub := depth.NewHub()
	defer hub.Close()
	seq := &fakeSequencer{}
	s, err := New(seq, hub, clock.NewFake(testStart), testConfig(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Enable()
	s.Cleanup()
	hub.Publish(50, 0, testStart)
	s.Enable()

	// Give a stray delivery a chance to run.
	time.Sleep(20 * time.Millisecond)
	if seq.IsRunning() {
		t.Error("reading delivered after Cleanup")
	}
	if s.IsEnabled() {
		t.Error("Enable after Cleanup should do nothing")
	}
}

func TestHubDelivery(t *testing.T) {
	hub := depth.NewHub()
	defer hub.Close()
	seq := &fakeSequencer{}
	s, err := New(seq, hub, clock.NewFake(testStart), testConfig(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Cleanup()

	s.Enable()
	hub.Publish(50, 0, testStart)

	deadline := time.Now().Add(2 * time.Second)
	for !seq.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("reading never reached the scheduler")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
