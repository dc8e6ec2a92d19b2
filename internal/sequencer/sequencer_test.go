package sequencer

import (
	"sync"
	"testing"
	"time"

	"github.com/sweeney/irrigation-controller/internal/clock"
	"github.com/sweeney/irrigation-controller/internal/gpio"
	"github.com/sweeney/irrigation-controller/internal/polarity"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

var testStart = time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)

// counter tallies on/off transitions per valve.
type counter struct {
	mu  sync.Mutex
	on  map[string]int
	off map[string]int
}

func (c *counter) observe(e valve.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.Valve.State == valve.StateOn {
		c.on[e.Valve.Name]++
	} else {
		c.off[e.Valve.Name]++
	}
}

func (c *counter) ons(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on[name]
}

func (c *counter) offs(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.off[name]
}

type fixture struct {
	seq    *Sequencer
	clk    *clock.Fake
	valves []*valve.Valve
	count  *counter
}

// newFixture builds simulated valves named after the run times given.
func newFixture(t *testing.T, names []string, runTimes []time.Duration) *fixture {
	t.Helper()
	chip := gpio.NewSimChip()
	drv, err := polarity.New(chip, polarity.DefaultPins(), 0)
	if err != nil {
		t.Fatalf("polarity.New: %v", err)
	}
	clk := clock.NewFake(testStart)
	cnt := &counter{on: map[string]int{}, off: map[string]int{}}

	var entries []Entry
	var valves []*valve.Valve
	for i, name := range names {
		v, err := valve.New(valve.Config{Pin: 6 + i, Name: name}, chip, drv, nil, clk)
		if err != nil {
			t.Fatalf("valve.New: %v", err)
		}
		v.OnChange(cnt.observe)
		valves = append(valves, v)
		entries = append(entries, Entry{Valve: v, RunTime: runTimes[i]})
	}

	seq, err := New(entries, clk, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{seq: seq, clk: clk, valves: valves, count: cnt}
}

func TestNewRejectsEmpty(t *testing.T) {
	if _, err := New(nil, nil, 0); err == nil {
		t.Error("expected error for empty sequence")
	}
}

func TestResumeIdempotent(t *testing.T) {
	f := newFixture(t, []string{"Wit", "Bruin"}, []time.Duration{3 * time.Minute, 3 * time.Minute})

	f.seq.Resume()
	f.seq.Resume()

	if got := f.count.ons("Wit"); got != 1 {
		t.Errorf("TurnOn count: got %d, want 1", got)
	}
	if !f.seq.IsRunning() {
		t.Error("expected running")
	}
}

func TestPauseWhileIdle(t *testing.T) {
	f := newFixture(t, []string{"Wit"}, []time.Duration{time.Minute})

	f.seq.Pause()
	f.seq.Pause()

	if got := f.count.offs("Wit"); got != 0 {
		t.Errorf("TurnOff count: got %d, want 0", got)
	}
	if f.seq.TotalMinutesLast24h() != 0 {
		t.Error("pause while idle should not log")
	}
}

func TestPauseResumeConservesRunTime(t *testing.T) {
	f := newFixture(t, []string{"Wit", "Bruin"}, []time.Duration{3 * time.Minute, 3 * time.Minute})
	wit := f.valves[0]

	f.seq.Resume()
	f.clk.Advance(time.Minute)
	f.seq.Pause()

	if wit.IsOn() {
		t.Fatal("valve should be off after pause")
	}
	if wit.TotalRunTime() != time.Minute {
		t.Errorf("TotalRunTime after pause: got %v, want 1m", wit.TotalRunTime())
	}
	if st := f.seq.Status(); st.Remaining != 2*time.Minute || st.Running() {
		t.Errorf("status after pause: %+v", st)
	}

	// Idle for a while; the first completion timer must not fire.
	f.clk.Advance(10 * time.Minute)
	if f.count.offs("Wit") != 1 {
		t.Fatalf("stale timer fired: offs=%d", f.count.offs("Wit"))
	}

	f.seq.Resume()
	if !wit.IsOn() {
		t.Fatal("valve should be on after resume")
	}
	f.clk.Advance(2*time.Minute - time.Second)
	if !wit.IsOn() {
		t.Fatal("valve stopped before its remaining time")
	}
	f.clk.Advance(time.Second)
	if wit.IsOn() {
		t.Fatal("valve should stop after remaining time")
	}

	// 1 + 2 minutes across the two intervals.
	if got := f.seq.TotalMinutesLast24h(); got != 3 {
		t.Errorf("total minutes: got %v, want 3", got)
	}
	if wit.TotalRunTime() != 0 {
		t.Errorf("accumulator should reset on completion, got %v", wit.TotalRunTime())
	}
	if f.seq.CurrentIndex() != 0 {
		t.Errorf("index should not advance before cooldown, got %d", f.seq.CurrentIndex())
	}
}

func TestCooldownThenNext(t *testing.T) {
	f := newFixture(t, []string{"Wit", "Bruin"}, []time.Duration{time.Minute, 2 * time.Minute})

	f.seq.Resume()
	f.clk.Advance(time.Minute)

	st := f.seq.Status()
	if st.Phase != PhaseCooldown {
		t.Fatalf("phase after completion: got %s, want COOLDOWN", st.Phase)
	}
	if f.valves[1].IsOn() {
		t.Fatal("next valve started before cooldown elapsed")
	}

	f.clk.Advance(DefaultCooldown)
	if !f.valves[1].IsOn() {
		t.Fatal("next valve should start after cooldown")
	}
	if f.seq.CurrentIndex() != 1 {
		t.Errorf("index: got %d, want 1", f.seq.CurrentIndex())
	}
	if f.valves[1].DesiredRunTime() != 2*time.Minute {
		t.Errorf("desired run time: got %v", f.valves[1].DesiredRunTime())
	}
}

func TestRoundRobinWraps(t *testing.T) {
	names := []string{"Wit", "Bruin", "Groen", "Blauw"}
	rt := []time.Duration{time.Minute, time.Minute, time.Minute, time.Minute}
	f := newFixture(t, names, rt)

	f.seq.Resume()
	for i := 0; i < 4; i++ {
		f.clk.Advance(time.Minute)
		f.clk.Advance(DefaultCooldown)
	}

	if got := f.seq.CurrentIndex(); got != 0 {
		t.Errorf("index after 4 completions: got %d, want 0", got)
	}
	if !f.valves[0].IsOn() {
		t.Error("first valve should be running again")
	}
	for _, n := range names {
		if f.count.offs(n) != 1 {
			t.Errorf("%s: got %d offs, want 1", n, f.count.offs(n))
		}
	}
	if got := f.seq.TotalMinutesLast24h(); got != 4 {
		t.Errorf("total minutes: got %v, want 4", got)
	}
}

func TestZeroRunTimeSkipped(t *testing.T) {
	f := newFixture(t, []string{"Wit", "Bruin"}, []time.Duration{0, time.Minute})

	f.seq.Resume()

	if f.count.ons("Wit") != 0 {
		t.Error("zero-duration valve should not be turned on")
	}
	if !f.valves[1].IsOn() {
		t.Error("next valve should start immediately")
	}
	if f.seq.CurrentIndex() != 1 {
		t.Errorf("index: got %d, want 1", f.seq.CurrentIndex())
	}
}

func TestAllZeroStaysIdle(t *testing.T) {
	f := newFixture(t, []string{"Wit", "Bruin"}, []time.Duration{0, 0})

	f.seq.Resume()

	if f.seq.IsRunning() {
		t.Error("sequence with no run time should stay idle")
	}
}

func TestPauseDuringCooldown(t *testing.T) {
	f := newFixture(t, []string{"Wit", "Bruin"}, []time.Duration{time.Minute, time.Minute})

	f.seq.Resume()
	f.clk.Advance(time.Minute)
	f.seq.Pause()

	if f.seq.IsRunning() {
		t.Fatal("expected idle after pause")
	}
	if f.count.offs("Wit") != 1 {
		t.Errorf("no extra off expected during cooldown pause, got %d", f.count.offs("Wit"))
	}

	f.clk.Advance(time.Hour)
	if f.valves[1].IsOn() {
		t.Fatal("cancelled cooldown started the next valve")
	}

	f.seq.Resume()
	if !f.valves[1].IsOn() {
		t.Error("resume after cooldown pause should start the next valve")
	}
	if f.count.ons("Wit") != 1 {
		t.Error("finished valve must not run again")
	}
}

func TestRestart(t *testing.T) {
	f := newFixture(t, []string{"Wit", "Bruin"}, []time.Duration{time.Minute, time.Minute})

	f.seq.Resume()
	f.clk.Advance(time.Minute + DefaultCooldown)
	if f.seq.CurrentIndex() != 1 {
		t.Fatalf("setup: index %d", f.seq.CurrentIndex())
	}

	f.seq.Restart()

	if f.seq.CurrentIndex() != 0 {
		t.Errorf("index after restart: got %d, want 0", f.seq.CurrentIndex())
	}
	if !f.valves[0].IsOn() || f.valves[1].IsOn() {
		t.Error("restart should run only the first valve")
	}
}

func TestRestartDiscardsBankedTime(t *testing.T) {
	f := newFixture(t, []string{"Wit", "Bruin"}, []time.Duration{3 * time.Minute, time.Minute})
	wit := f.valves[0]

	f.seq.Resume()
	f.clk.Advance(2 * time.Minute)
	f.seq.Pause()
	if st := f.seq.Status(); st.Remaining != time.Minute {
		t.Fatalf("setup: remaining %v", st.Remaining)
	}

	f.seq.Restart()
	if st := f.seq.Status(); st.Remaining != 0 || st.Phase != PhaseWatering {
		t.Errorf("status after restart: %+v", st)
	}
	f.clk.Advance(time.Minute)
	if !wit.IsOn() {
		t.Fatal("restarted entry stopped after the banked remainder")
	}
	f.clk.Advance(2 * time.Minute)
	if wit.IsOn() {
		t.Error("restarted entry should stop after its full run time")
	}
}

// slowValve blocks in TurnOn until release is closed.
type slowValve struct {
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	total time.Duration
}

func (v *slowValve) Name() string { return "Slow" }

func (v *slowValve) TurnOn() error {
	close(v.entered)
	<-v.release
	return nil
}

func (v *slowValve) TurnOff() error                  { return nil }
func (v *slowValve) RunTime() time.Duration          { return 0 }
func (v *slowValve) SetDesiredRunTime(time.Duration) {}

func (v *slowValve) TotalRunTime() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total
}

func (v *slowValve) ResetTotalRunTime() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.total = 0
}

func TestReadersDoNotWaitForActuation(t *testing.T) {
	v := &slowValve{entered: make(chan struct{}), release: make(chan struct{})}
	seq, err := New([]Entry{{Valve: v, RunTime: time.Minute}}, clock.NewFake(testStart), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		seq.Resume()
		close(done)
	}()
	<-v.entered

	read := make(chan Status)
	go func() {
		seq.TotalMinutesLast24h()
		seq.IsRunning()
		read <- seq.Status()
	}()
	select {
	case st := <-read:
		if st.Phase != PhaseWatering || st.Valve != "Slow" {
			t.Errorf("status during actuation: %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind a slow TurnOn")
	}

	close(v.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Resume never returned")
	}
}

func TestTotalMinutesLast24h(t *testing.T) {
	clk := clock.NewFake(testStart)
	s := &Sequencer{clock: clk}

	s.record(90 * time.Second) // 1.5 at t0
	clk.Advance(time.Hour)
	s.record(20 * time.Second) // 0.333.. at t0+1h

	if got := s.TotalMinutesLast24h(); got != 1.83 {
		t.Errorf("total: got %v, want 1.83", got)
	}

	// Exactly 24h after the first entry: it is excluded.
	clk.Advance(23 * time.Hour)
	if got := s.TotalMinutesLast24h(); got != 0.33 {
		t.Errorf("total at boundary: got %v, want 0.33", got)
	}
	if len(s.runLog) != 1 {
		t.Errorf("pruned log length: got %d, want 1", len(s.runLog))
	}
}
