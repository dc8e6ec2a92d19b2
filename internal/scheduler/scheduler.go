// Package scheduler pauses and resumes the valve sequence from reservoir
// depth readings.
package scheduler

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sweeney/irrigation-controller/internal/clock"
	"github.com/sweeney/irrigation-controller/internal/depth"
)

// stabilitySlack widens the stability window so readings that arrive a
// little late do not fall out of it.
const stabilitySlack = time.Second

// Config holds the scheduler thresholds. Every numeric field is required.
type Config struct {
	DepthThreshold     float64       // pause below, consider resuming at or above
	StabilityThreshold float64       // max spread within the stability window
	StabilityTime      time.Duration // required span of the stability window
	UseStabilityLogic  bool          // false selects the fixed wait
	WaitBeforeResume   time.Duration
}

// Validate reports missing or non-positive fields.
func (c Config) Validate() error {
	var errs []error
	if c.DepthThreshold <= 0 {
		errs = append(errs, errors.New("depth threshold must be positive"))
	}
	if c.StabilityThreshold <= 0 {
		errs = append(errs, errors.New("stability threshold must be positive"))
	}
	if c.StabilityTime <= 0 {
		errs = append(errs, errors.New("stability time must be positive"))
	}
	if c.WaitBeforeResume <= 0 {
		errs = append(errs, errors.New("wait before resume must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Sequencer is what the scheduler controls.
type Sequencer interface {
	Resume()
	Pause()
	IsRunning() bool
}

// DepthSource delivers depth readings.
type DepthSource interface {
	Subscribe(name string, fn func(depth.Reading)) *depth.Subscription
}

// Action is a decision taken by the scheduler.
type Action string

const (
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionPause   Action = "pause"
	ActionResume  Action = "resume"
)

type sample struct {
	depth float64
	at    time.Time
}

// Scheduler watches depth and drives the sequencer. Lock order: act, then
// the Sequencer, then mu.
type Scheduler struct {
	cfg   Config
	seq   Sequencer
	clock clock.Clock

	// act serialises decisions and is held while the sequencer is paused or
	// resumed. The fields below it are only touched with act held.
	act       sync.Mutex
	sub       *depth.Subscription
	seeding   bool // next reading decides the initial state
	wentBelow bool
	waitTimer clock.Timer
	gen       uint64
	window    []sample
	cleanedUp bool

	// mu guards what readers see. Writers hold act as well.
	mu        sync.Mutex
	enabled   bool
	waiting   bool
	observers []func(Action)
}

// New validates cfg and subscribes to src. The scheduler starts disabled.
func New(seq Sequencer, src DepthSource, clk clock.Clock, cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if seq == nil {
		return nil, errors.New("scheduler: nil sequencer")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Scheduler{cfg: cfg, seq: seq, clock: clk}
	if src != nil {
		sub := src.Subscribe("scheduler", s.onReading)
		s.act.Lock()
		s.sub = sub
		s.act.Unlock()
	}
	return s, nil
}

// OnAction registers fn to be told about every enable, disable, pause and
// resume. fn runs with the scheduler's action lock held and must not call
// Enable or Disable.
func (s *Scheduler) OnAction(fn func(Action)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Enable starts automatic scheduling. The first reading after Enable
// resumes the sequencer straight away if it is at or above the threshold.
func (s *Scheduler) Enable() {
	s.act.Lock()
	defer s.act.Unlock()
	if s.enabled || s.cleanedUp {
		return
	}
	s.setEnabled(true)
	s.seeding = true
	s.resetTrend()
	log.Printf("scheduler: enabled")
	s.emit(ActionEnable)
}

// Disable stops automatic scheduling and pauses the sequencer.
func (s *Scheduler) Disable() {
	s.act.Lock()
	defer s.act.Unlock()
	wasEnabled := s.enabled
	s.setEnabled(false)
	s.seeding = false
	s.resetTrend()
	if s.seq.IsRunning() {
		log.Printf("scheduler: disabled, pausing sequence")
	} else if wasEnabled {
		log.Printf("scheduler: disabled")
	}
	s.seq.Pause()
	if wasEnabled {
		s.emit(ActionDisable)
	}
}

// IsEnabled reports whether automatic scheduling is on.
func (s *Scheduler) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Waiting reports whether a fixed-wait resume is pending.
func (s *Scheduler) Waiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// Cleanup cancels any pending resume and drops the depth subscription.
// It does not touch the sequencer.
func (s *Scheduler) Cleanup() {
	s.act.Lock()
	s.cleanedUp = true
	s.setEnabled(false)
	s.cancelWait()
	sub := s.sub
	s.sub = nil
	s.act.Unlock()

	// Closing waits for an in-flight onReading, which needs s.act.
	if sub != nil {
		sub.Close()
	}
}

func (s *Scheduler) onReading(r depth.Reading) {
	s.act.Lock()
	defer s.act.Unlock()
	if !s.enabled {
		return
	}
	now := s.clock.Now()

	if s.seeding {
		s.seeding = false
		if r.Depth >= s.cfg.DepthThreshold {
			log.Printf("scheduler: initial depth %.2fcm at or above threshold, starting sequence", r.Depth)
			s.resume()
			return
		}
		// Treat a low start as a crossing so the resume policy applies later.
		s.wentBelow = true
	}

	if r.Depth < s.cfg.DepthThreshold {
		if s.seq.IsRunning() {
			log.Printf("scheduler: depth %.2fcm below threshold %.2fcm, pausing sequence", r.Depth, s.cfg.DepthThreshold)
			s.seq.Pause()
			s.wentBelow = true
			s.emit(ActionPause)
		}
		s.window = nil
		if s.waiting {
			log.Printf("scheduler: depth dropped during wait, cancelling resume")
			s.cancelWait()
		}
		return
	}

	if !s.wentBelow || s.seq.IsRunning() {
		return
	}
	if s.cfg.UseStabilityLogic {
		s.checkStability(r.Depth, now)
	} else {
		s.startWait()
	}
}

// checkStability resumes once the readings cover StabilityTime and their
// spread is within StabilityThreshold.
func (s *Scheduler) checkStability(d float64, now time.Time) {
	s.window = append(s.window, sample{depth: d, at: now})

	cutoff := now.Add(-s.cfg.StabilityTime - stabilitySlack)
	kept := s.window[:0]
	for _, smp := range s.window {
		if !smp.at.Before(cutoff) {
			kept = append(kept, smp)
		}
	}
	s.window = kept

	if len(s.window) == 0 {
		return
	}
	span := s.window[len(s.window)-1].at.Sub(s.window[0].at)
	if span < s.cfg.StabilityTime {
		return
	}
	lo, hi := s.window[0].depth, s.window[0].depth
	for _, smp := range s.window[1:] {
		lo = min(lo, smp.depth)
		hi = max(hi, smp.depth)
	}
	if hi-lo > s.cfg.StabilityThreshold {
		return
	}
	log.Printf("scheduler: depth stable within %.2fcm for %s, resuming sequence", s.cfg.StabilityThreshold, s.cfg.StabilityTime)
	s.resume()
}

func (s *Scheduler) startWait() {
	if s.waiting {
		return
	}
	s.setWaiting(true)
	s.gen++
	gen := s.gen
	log.Printf("scheduler: waiting %s before resuming sequence", s.cfg.WaitBeforeResume)
	s.waitTimer = s.clock.AfterFunc(s.cfg.WaitBeforeResume, func() { s.waitEnded(gen) })
}

func (s *Scheduler) waitEnded(gen uint64) {
	s.act.Lock()
	defer s.act.Unlock()
	if gen != s.gen || !s.waiting {
		return
	}
	s.setWaiting(false)
	s.waitTimer = nil
	if !s.enabled {
		return
	}
	log.Printf("scheduler: wait elapsed, resuming sequence")
	s.resume()
}

func (s *Scheduler) resume() {
	s.seq.Resume()
	s.wentBelow = false
	s.window = nil
	s.emit(ActionResume)
}

func (s *Scheduler) cancelWait() {
	s.gen++
	s.setWaiting(false)
	if s.waitTimer != nil {
		s.waitTimer.Stop()
		s.waitTimer = nil
	}
}

func (s *Scheduler) resetTrend() {
	s.wentBelow = false
	s.window = nil
	s.cancelWait()
}

func (s *Scheduler) setEnabled(v bool) {
	s.mu.Lock()
	s.enabled = v
	s.mu.Unlock()
}

func (s *Scheduler) setWaiting(v bool) {
	s.mu.Lock()
	s.waiting = v
	s.mu.Unlock()
}

func (s *Scheduler) emit(a Action) {
	s.mu.Lock()
	observers := s.observers
	s.mu.Unlock()
	for _, fn := range observers {
		fn(a)
	}
}
