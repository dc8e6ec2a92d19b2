// Package sequencer runs an ordered list of valves round-robin, one at a
// time, with pause/resume that carries partial run time over.
package sequencer

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/sweeney/irrigation-controller/internal/clock"
)

// DefaultCooldown is the pause between one valve finishing and the next starting.
const DefaultCooldown = 5 * time.Second

// LogWindow is how far back TotalMinutesLast24h looks.
const LogWindow = 24 * time.Hour

// Valve is the part of a valve the sequencer drives.
type Valve interface {
	Name() string
	TurnOn() error
	TurnOff() error
	RunTime() time.Duration
	TotalRunTime() time.Duration
	ResetTotalRunTime()
	SetDesiredRunTime(time.Duration)
}

// Entry is one step of the sequence.
type Entry struct {
	Valve   Valve
	RunTime time.Duration
}

// LogEntry records one finished or interrupted interval.
type LogEntry struct {
	Timestamp time.Time
	Minutes   float64
}

// Phase is the sequencer's state.
type Phase string

const (
	PhaseIdle     Phase = "IDLE"
	PhaseWatering Phase = "WATERING"
	PhaseCooldown Phase = "COOLDOWN"
)

// Status is a point-in-time view of the sequencer.
type Status struct {
	Phase     Phase
	Index     int
	Valve     string
	Remaining time.Duration
}

// Running reports whether the sequence is active (watering or between valves).
func (s Status) Running() bool {
	return s.Phase != PhaseIdle
}

// Sequencer owns the sequence timers. Lock order: act, then valve, then mu.
type Sequencer struct {
	entries  []Entry
	clock    clock.Clock
	cooldown time.Duration

	// act serialises transitions and is held across valve actuation.
	act sync.Mutex

	// mu guards the fields below and is never held across actuation.
	// Writers hold act as well.
	mu        sync.Mutex
	phase     Phase
	index     int
	remaining time.Duration
	timer     clock.Timer
	gen       uint64
	runLog    []LogEntry
}

// New copies entries into an immutable sequence. cooldown <= 0 selects DefaultCooldown.
func New(entries []Entry, clk clock.Clock, cooldown time.Duration) (*Sequencer, error) {
	if len(entries) == 0 {
		return nil, errors.New("sequencer: empty sequence")
	}
	for i, e := range entries {
		if e.Valve == nil {
			return nil, fmt.Errorf("sequencer: entry %d has no valve", i)
		}
		if e.RunTime < 0 {
			return nil, fmt.Errorf("sequencer: entry %d (%s) has negative run time", i, e.Valve.Name())
		}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	seq := make([]Entry, len(entries))
	copy(seq, entries)
	return &Sequencer{
		entries:  seq,
		clock:    clk,
		cooldown: cooldown,
		phase:    PhaseIdle,
	}, nil
}

// Resume continues the sequence where it stopped. A valve interrupted by
// Pause only runs for the time it still owes. No-op if already running.
func (s *Sequencer) Resume() {
	s.act.Lock()
	defer s.act.Unlock()
	if s.phase != PhaseIdle {
		return
	}
	log.Printf("sequencer: resume")
	s.startCurrent(false)
}

// Pause stops the active valve and keeps its accumulated run time so a later
// Resume finishes the remainder. No-op if idle.
func (s *Sequencer) Pause() {
	s.act.Lock()
	defer s.act.Unlock()
	s.pause()
}

// Restart pauses, rewinds to the first entry and starts it for its full run
// time. Time the first entry banked before an earlier pause is discarded.
func (s *Sequencer) Restart() {
	s.act.Lock()
	defer s.act.Unlock()
	s.pause()
	s.mu.Lock()
	s.index = 0
	s.remaining = 0
	s.mu.Unlock()
	log.Printf("sequencer: restart")
	s.startCurrent(true)
}

// pause requires act.
func (s *Sequencer) pause() {
	s.mu.Lock()
	s.cancelTimer()
	phase := s.phase
	if phase == PhaseCooldown {
		// The previous valve already finished; the next one has not started.
		s.advance()
		s.phase = PhaseIdle
	}
	s.mu.Unlock()
	switch phase {
	case PhaseIdle:
		return
	case PhaseCooldown:
		log.Printf("sequencer: pause during cooldown")
		return
	}

	e := s.entries[s.index]
	if err := e.Valve.TurnOff(); err != nil {
		log.Printf("sequencer: %v", err)
	}
	remaining := max(e.RunTime-e.Valve.TotalRunTime(), 0)

	s.mu.Lock()
	s.phase = PhaseIdle
	s.record(e.Valve.RunTime())
	s.remaining = remaining
	s.mu.Unlock()
	log.Printf("sequencer: pause %s with %s remaining", e.Valve.Name(), remaining.Round(time.Second))
}

// startCurrent turns on the entry at index for what it still owes, skipping
// entries with nothing left to run. fresh discards any run time carried by
// the entry from an earlier interruption. It requires act.
func (s *Sequencer) startCurrent(fresh bool) {
	for range s.entries {
		e := s.entries[s.index]
		if fresh {
			e.Valve.ResetTotalRunTime()
		}
		owed := e.RunTime - e.Valve.TotalRunTime()
		if owed <= 0 {
			e.Valve.ResetTotalRunTime()
			s.mu.Lock()
			s.advance()
			s.mu.Unlock()
			fresh = true
			continue
		}

		e.Valve.SetDesiredRunTime(e.RunTime)
		s.mu.Lock()
		s.phase = PhaseWatering
		s.remaining = 0
		s.arm(owed, s.runTimeEnded)
		s.mu.Unlock()
		log.Printf("sequencer: turning %s on for %.2f minutes", e.Valve.Name(), owed.Minutes())
		if err := e.Valve.TurnOn(); err != nil {
			log.Printf("sequencer: %v", err)
		}
		return
	}
	s.mu.Lock()
	s.phase = PhaseIdle
	s.mu.Unlock()
	log.Printf("sequencer: no entry has run time left, staying idle")
}

func (s *Sequencer) runTimeEnded(gen uint64) {
	s.act.Lock()
	defer s.act.Unlock()
	s.mu.Lock()
	if gen != s.gen || s.phase != PhaseWatering {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	e := s.entries[s.index]
	if err := e.Valve.TurnOff(); err != nil {
		log.Printf("sequencer: %v", err)
	}
	runTime := e.Valve.RunTime()
	e.Valve.ResetTotalRunTime()

	s.mu.Lock()
	s.record(runTime)
	s.phase = PhaseCooldown
	s.arm(s.cooldown, s.cooldownEnded)
	s.mu.Unlock()
}

func (s *Sequencer) cooldownEnded(gen uint64) {
	s.act.Lock()
	defer s.act.Unlock()
	s.mu.Lock()
	if gen != s.gen || s.phase != PhaseCooldown {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.advance()
	s.mu.Unlock()
	s.startCurrent(true)
}

// The helpers below require mu.

func (s *Sequencer) advance() {
	s.index = (s.index + 1) % len(s.entries)
}

// arm replaces the pending timer. Callbacks from earlier timers see a stale
// generation and return.
func (s *Sequencer) arm(d time.Duration, fn func(uint64)) {
	s.cancelTimer()
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() { fn(gen) })
}

func (s *Sequencer) cancelTimer() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Sequencer) record(runTime time.Duration) {
	s.runLog = append(s.runLog, LogEntry{Timestamp: s.clock.Now(), Minutes: runTime.Minutes()})
}

// IsRunning reports whether the sequence is active.
func (s *Sequencer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase != PhaseIdle
}

// CurrentIndex returns the index of the active (or next) entry.
func (s *Sequencer) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Status returns a snapshot of the sequencer. Remaining is the run time still
// owed by a valve interrupted by Pause.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Phase:     s.phase,
		Index:     s.index,
		Valve:     s.entries[s.index].Valve.Name(),
		Remaining: s.remaining,
	}
}

// TotalMinutesLast24h prunes log entries that are 24 hours old or older and
// returns the sum of the rest, rounded to two decimals.
func (s *Sequencer) TotalMinutesLast24h() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	kept := s.runLog[:0]
	total := 0.0
	for _, e := range s.runLog {
		if now.Sub(e.Timestamp) < LogWindow {
			kept = append(kept, e)
			total += e.Minutes
		}
	}
	s.runLog = kept
	return math.Round(total*100) / 100
}
